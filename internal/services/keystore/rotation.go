package keystore

import (
	"context"
	"errors"
	"fmt"

	"github.com/imamfahrudin/ai-api-middleware/internal/models"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
)

// GetNextKey heals expired Resting credentials, selects a Healthy credential not in
// exclude according to the failover strategy and stamps its last_rotated_at. It
// returns nil when no credential is eligible.
func (s *Store) GetNextKey(ctx context.Context, exclude []uint) (*models.Credential, error) {
	// Settings takes its own lock; read it before s.mu.
	strategy := s.Settings(ctx).FailoverStrategy

	s.mu.Lock()
	defer s.mu.Unlock()

	var picked *models.Credential
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.utcNow()
		if _, err := s.heal(tx); err != nil {
			return err
		}

		cred, err := s.selectCredential(tx, strategy, exclude)
		if err != nil || cred == nil {
			return err
		}

		if err := tx.Model(&models.Credential{}).
			Where("id = ?", cred.ID).
			Update("last_rotated_at", now).Error; err != nil {
			return fmt.Errorf("failed to stamp credential rotation: %w", err)
		}
		cred.LastRotatedAt = now
		picked = cred
		return nil
	})
	if err != nil {
		return nil, err
	}
	return picked, nil
}

// HealExpired flips every Resting credential whose cooldown has passed back to
// Healthy and returns how many were healed. A Resting credential without a
// cooldown stays Resting until it is changed by hand.
func (s *Store) HealExpired(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heal(s.db.WithContext(ctx))
}

func (s *Store) heal(tx *gorm.DB) (int64, error) {
	res := tx.Model(&models.Credential{}).
		Where("status = ?", models.StatusResting).
		Where("disabled_until < ?", s.utcNow()).
		Updates(map[string]any{"status": models.StatusHealthy, "disabled_until": nil})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to heal resting credentials: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		fiberlog.Infof("Healed %d resting credentials", res.RowsAffected)
	}
	return res.RowsAffected, nil
}

func (s *Store) selectCredential(tx *gorm.DB, strategy string, exclude []uint) (*models.Credential, error) {
	q := tx.Model(&models.Credential{}).Where("credentials.status = ?", models.StatusHealthy)
	if len(exclude) > 0 {
		q = q.Where("credentials.id NOT IN ?", exclude)
	}

	switch strategy {
	case models.StrategyRandom:
		var ids []uint
		if err := q.Order("credentials.id ASC").Pluck("credentials.id", &ids).Error; err != nil {
			return nil, fmt.Errorf("failed to list eligible credentials: %w", err)
		}
		if len(ids) == 0 {
			return nil, nil
		}
		q = tx.Model(&models.Credential{}).Where("id = ?", ids[s.rnd.IntN(len(ids))])

	case models.StrategyPriority:
		q = q.Order("credentials.id ASC")

	case models.StrategyLeastUsed:
		q = q.Select("credentials.*").
			Joins("LEFT JOIN daily_stats ON daily_stats.key_id = credentials.id AND daily_stats.date = ?", s.today()).
			Order("COALESCE(daily_stats.requests, 0) ASC").
			Order("credentials.last_rotated_at ASC").
			Order("credentials.id ASC")

	default:
		q = q.Order("credentials.last_rotated_at ASC").Order("credentials.id ASC")
	}

	var cred models.Credential
	if err := q.Take(&cred).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to select credential: %w", err)
	}
	return &cred, nil
}
