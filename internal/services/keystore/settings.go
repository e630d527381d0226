package keystore

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/imamfahrudin/ai-api-middleware/internal/models"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MsgSettingsUpdated is reported after a successful UpdateMany.
const MsgSettingsUpdated = "Settings updated successfully."

// SeedSettings inserts the catalog default for every setting not yet stored and
// applies the stored log level.
func (s *Store) SeedSettings(ctx context.Context) error {
	s.mu.Lock()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, spec := range models.SettingsCatalog {
			row := models.Setting{Key: spec.Key, Value: spec.Default}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
				return fmt.Errorf("failed to seed setting %s: %w", spec.Key, err)
			}
		}
		return nil
	})
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.invalidateSettings()
	ApplyLogLevel(s.Settings(ctx).LogLevel)
	return nil
}

// GetSetting returns the stored value for key or def when absent.
func (s *Store) GetSetting(ctx context.Context, key, def string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row models.Setting
	err := s.db.WithContext(ctx).Where(&models.Setting{Key: key}).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return def, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return row.Value, nil
}

// SetSetting stores value for key without validation.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	s.mu.Lock()
	err := upsertSetting(s.db.WithContext(ctx), key, value)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.invalidateSettings()
	return nil
}

// AllSettings returns every stored setting with booleans and integers coerced.
func (s *Store) AllSettings(ctx context.Context) (map[string]any, error) {
	raw, err := s.loadSettings(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		out[k] = models.CoerceSettingValue(v)
	}
	return out, nil
}

// UpdateMany validates every value first and stores them all in one
// transaction. Nothing is written when any value is invalid.
func (s *Store) UpdateMany(ctx context.Context, values map[string]any) error {
	normalized := make(map[string]string, len(values))
	for _, key := range slices.Sorted(maps.Keys(values)) {
		v, err := models.NormalizeSetting(key, values[key])
		if err != nil {
			return models.NewValidationError(err.Error(), err)
		}
		normalized[key] = v
	}

	s.mu.Lock()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for key, v := range normalized {
			if err := upsertSetting(tx, key, v); err != nil {
				return err
			}
		}
		return nil
	})
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.invalidateSettings()
	if level, ok := normalized["log_level"]; ok {
		ApplyLogLevel(level)
	}
	fiberlog.Infof("Updated %d settings", len(normalized))
	return nil
}

// Settings returns the typed settings snapshot, reloading it once it is older
// than the configured TTL. A load failure keeps the previous snapshot, or the
// defaults when there is none.
func (s *Store) Settings(ctx context.Context) models.Settings {
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()

	if s.settingsSnap != nil && s.now().Sub(s.settingsAt) < s.settingsTTL {
		return *s.settingsSnap
	}

	raw, err := s.loadSettings(ctx)
	if err != nil {
		fiberlog.Errorf("Failed to load settings: %v", err)
		if s.settingsSnap != nil {
			return *s.settingsSnap
		}
		return models.DefaultSettings()
	}

	snap := models.ParseSettings(raw)
	s.settingsSnap = &snap
	s.settingsAt = s.now()
	return snap
}

func (s *Store) invalidateSettings() {
	s.settingsMu.Lock()
	s.settingsSnap = nil
	s.settingsMu.Unlock()
}

func (s *Store) loadSettings(ctx context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []models.Setting
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Value
	}
	return out, nil
}

func upsertSetting(tx *gorm.DB, key, value string) error {
	row := models.Setting{Key: key, Value: value}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to store setting %s: %w", key, err)
	}
	return nil
}

// ApplyLogLevel maps a log_level setting onto the fiberlog level.
func ApplyLogLevel(level string) {
	switch level {
	case "DEBUG":
		fiberlog.SetLevel(fiberlog.LevelDebug)
	case "INFO":
		fiberlog.SetLevel(fiberlog.LevelInfo)
	case "WARNING":
		fiberlog.SetLevel(fiberlog.LevelWarn)
	case "ERROR":
		fiberlog.SetLevel(fiberlog.LevelError)
	case "CRITICAL":
		fiberlog.SetLevel(fiberlog.LevelFatal)
	}
}
