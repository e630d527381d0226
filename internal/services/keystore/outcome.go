package keystore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/imamfahrudin/ai-api-middleware/internal/models"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RecordOutcome applies the status transition for o and adds it to today's
// DailyStat row for the credential, in one transaction.
func (s *Store) RecordOutcome(ctx context.Context, o models.Outcome) error {
	return s.record(ctx, o, true)
}

// ApplyTransition applies only the status transition for o.
func (s *Store) ApplyTransition(ctx context.Context, o models.Outcome) error {
	return s.record(ctx, o, false)
}

func (s *Store) record(ctx context.Context, o models.Outcome, withStats bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cred models.Credential
		if err := tx.Select("id", "status").First(&cred, o.KeyID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to load credential: %w", err)
		}

		if err := s.transition(tx, &cred, o); err != nil {
			return err
		}
		if !withStats {
			return nil
		}
		return s.addToDailyStat(tx, o)
	})
}

func (s *Store) transition(tx *gorm.DB, cred *models.Credential, o models.Outcome) error {
	var updates map[string]any

	switch {
	case o.Success && o.ErrorCode == 0:
		if cred.Status == models.StatusResting {
			updates = map[string]any{"status": models.StatusHealthy, "disabled_until": nil}
		}
	case o.ErrorCode == http.StatusTooManyRequests:
		updates = map[string]any{"status": models.StatusResting, "disabled_until": s.utcNow().Add(restCooldown)}
	case o.ErrorCode == http.StatusBadRequest, o.ErrorCode == http.StatusUnauthorized, o.ErrorCode == http.StatusForbidden:
		updates = map[string]any{"status": models.StatusDisabled, "disabled_until": nil}
	}

	if updates == nil {
		return nil
	}
	if err := tx.Model(&models.Credential{}).Where("id = ?", cred.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update credential status: %w", err)
	}
	fiberlog.Debugf("Credential %d: %s -> %s", cred.ID, cred.Status, updates["status"])
	return nil
}

func (s *Store) addToDailyStat(tx *gorm.DB, o models.Outcome) error {
	row := models.DailyStat{
		KeyID:      o.KeyID,
		Date:       s.today(),
		ErrorCodes: models.CounterMap{},
		ModelUsage: models.CounterMap{},
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to ensure daily stat: %w", err)
	}
	if err := tx.Where("key_id = ? AND date = ?", row.KeyID, row.Date).First(&row).Error; err != nil {
		return fmt.Errorf("failed to load daily stat: %w", err)
	}

	updates := map[string]any{
		"requests":         gorm.Expr("requests + ?", 1),
		"total_latency_ms": gorm.Expr("total_latency_ms + ?", o.LatencyMs),
	}
	if o.Success {
		updates["successes"] = gorm.Expr("successes + ?", 1)
		updates["tokens_in"] = gorm.Expr("tokens_in + ?", o.TokensIn)
		updates["tokens_out"] = gorm.Expr("tokens_out + ?", o.TokensOut)
		updates["model_usage"] = row.ModelUsage.Inc(o.Model)
	} else {
		updates["errors"] = gorm.Expr("errors + ?", 1)
		if o.ErrorCode != 0 {
			updates["error_codes"] = row.ErrorCodes.Inc(strconv.Itoa(o.ErrorCode))
		}
	}

	if err := tx.Model(&models.DailyStat{}).Where("id = ?", row.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update daily stat: %w", err)
	}
	return nil
}

// PerformanceIndex scores a day of traffic from 0 to 100. A day without
// requests scores 100.
func PerformanceIndex(stat *models.DailyStat) int {
	if stat == nil || stat.Requests == 0 {
		return 100
	}
	successRate := float64(stat.Successes) / float64(stat.Requests)
	avgLatency := float64(stat.TotalLatencyMs) / float64(stat.Requests)
	latencyScore := math.Max(0, 1-avgLatency/5000)
	return int(math.Round(70*successRate + 30*latencyScore))
}
