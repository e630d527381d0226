package keystore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/imamfahrudin/ai-api-middleware/internal/models"
)

const globalStatsKey = "stats:global:"

// ListWithPerformanceIndex returns every credential with today's performance index.
func (s *Store) ListWithPerformanceIndex(ctx context.Context) ([]models.CredentialWithIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db := s.db.WithContext(ctx)

	var creds []models.Credential
	if err := db.Order("id ASC").Find(&creds).Error; err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}

	var today []models.DailyStat
	if err := db.Where("date = ?", s.today()).Find(&today).Error; err != nil {
		return nil, fmt.Errorf("failed to load today's stats: %w", err)
	}
	byKey := make(map[uint]*models.DailyStat, len(today))
	for i := range today {
		byKey[today[i].KeyID] = &today[i]
	}

	out := make([]models.CredentialWithIndex, 0, len(creds))
	for _, c := range creds {
		out = append(out, models.CredentialWithIndex{
			ID:       c.ID,
			Name:     c.Name,
			KeyValue: c.KeyValue,
			Status:   c.Status,
			KPI:      PerformanceIndex(byKey[c.ID]),
		})
	}
	return out, nil
}

// DailyStats returns the credential's stats for the last days days, oldest first.
func (s *Store) DailyStats(ctx context.Context, id uint, days int) ([]models.DailyStat, error) {
	if days <= 0 {
		days = 30
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	since := s.utcNow().AddDate(0, 0, -(days - 1)).Format(dateLayout)
	var stats []models.DailyStat
	if err := s.db.WithContext(ctx).
		Where("key_id = ? AND date >= ?", id, since).
		Order("date ASC").
		Find(&stats).Error; err != nil {
		return nil, fmt.Errorf("failed to load daily stats: %w", err)
	}
	return stats, nil
}

// GlobalStats returns the dashboard aggregate for the last days days. Results are
// cached for a few seconds.
func (s *Store) GlobalStats(ctx context.Context, days int) (*models.GlobalStats, error) {
	if days <= 0 {
		days = 7
	}

	raw, _, err := s.loader.GetOrLoad(ctx, globalStatsKey+strconv.Itoa(days), globalStatsTTL, func(ctx context.Context) ([]byte, bool, error) {
		stats, err := s.computeGlobalStats(ctx, days)
		if err != nil {
			return nil, false, err
		}
		b, err := json.Marshal(stats)
		if err != nil {
			return nil, false, fmt.Errorf("failed to marshal global stats: %w", err)
		}
		return b, true, nil
	})
	if err != nil {
		return nil, err
	}

	var stats models.GlobalStats
	if err := json.Unmarshal(raw, &stats); err != nil {
		return nil, fmt.Errorf("failed to unmarshal global stats: %w", err)
	}
	return &stats, nil
}

func (s *Store) computeGlobalStats(ctx context.Context, days int) (*models.GlobalStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db := s.db.WithContext(ctx)
	today := s.today()
	since := s.utcNow().AddDate(0, 0, -(days - 1)).Format(dateLayout)

	stats := &models.GlobalStats{
		Historical:          []models.HistoricalPoint{},
		ErrorCodesToday:     models.CounterMap{},
		RequestDistribution: []models.RequestDistribution{},
		ModelUsageToday:     models.CounterMap{},
	}

	if err := db.Model(&models.DailyStat{}).
		Select(`date,
			SUM(requests) AS total_requests,
			SUM(successes) AS total_successes,
			SUM(total_latency_ms) AS total_latency,
			SUM(tokens_in) AS total_tokens_in,
			SUM(tokens_out) AS total_tokens_out`).
		Where("date >= ?", since).
		Group("date").
		Order("date ASC").
		Scan(&stats.Historical).Error; err != nil {
		return nil, fmt.Errorf("failed to aggregate daily stats: %w", err)
	}

	health, err := healthCounts(db)
	if err != nil {
		return nil, err
	}
	stats.HealthStatus = health

	var rows []struct {
		Name       string
		ErrorCodes models.CounterMap
		ModelUsage models.CounterMap
	}
	if err := db.Model(&models.DailyStat{}).
		Select("credentials.name AS name, daily_stats.error_codes AS error_codes, daily_stats.model_usage AS model_usage").
		Joins("JOIN credentials ON credentials.id = daily_stats.key_id").
		Where("daily_stats.date = ?", today).
		Order("credentials.id ASC").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load today's breakdowns: %w", err)
	}

	for _, r := range rows {
		for code, n := range r.ErrorCodes {
			stats.ErrorCodesToday[code] += n
		}
		for model, n := range r.ModelUsage {
			if model == "unknown" {
				continue
			}
			stats.ModelUsageToday[model] += n
		}
		if len(r.ModelUsage) > 0 {
			stats.RequestDistribution = append(stats.RequestDistribution, models.RequestDistribution{
				Name:  r.Name,
				Usage: r.ModelUsage,
			})
		}
	}

	return stats, nil
}
