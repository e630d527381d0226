package keystore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/imamfahrudin/ai-api-middleware/internal/models"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
)

// Result messages reported by the admin API.
const (
	MsgKeyAdded       = "Key added."
	MsgKeyUpdated     = "Key updated."
	MsgImportComplete = "Import complete."
)

// AddCredential stores a new Healthy credential.
func (s *Store) AddCredential(ctx context.Context, req models.CredentialCreateRequest) (*models.Credential, error) {
	secret := strings.TrimSpace(req.Key)
	if len(secret) < models.MinKeyLength {
		return nil, ErrInvalidKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cred := s.newCredential(secret, req.Name, req.Note)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		exists, err := keyExists(tx, secret, 0)
		if err != nil {
			return err
		}
		if exists {
			return ErrKeyExists
		}
		if err := tx.Create(cred).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrKeyExists
			}
			return fmt.Errorf("failed to create credential: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	fiberlog.Infof("Added credential %d (%s)", cred.ID, cred.MaskedKey())
	return cred, nil
}

// UpdateCredential applies the non-nil fields of req. A secret shorter than the
// minimum is ignored; status may only be set to Healthy or Disabled.
func (s *Store) UpdateCredential(ctx context.Context, id uint, req models.CredentialUpdateRequest) error {
	updates := map[string]any{}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			name = defaultName
		}
		updates["name"] = name
	}
	if req.Key != nil {
		if secret := strings.TrimSpace(*req.Key); len(secret) >= models.MinKeyLength {
			updates["key_value"] = secret
		}
	}
	if req.Status != nil {
		switch st := models.CredentialStatus(*req.Status); st {
		case models.StatusHealthy, models.StatusDisabled:
			updates["status"] = st
			updates["disabled_until"] = nil
		}
	}
	if req.Note != nil {
		updates["note"] = *req.Note
	}

	if len(updates) == 0 {
		return ErrNoValidData
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// MySQL counts changed rows, not matched ones, so an update that
		// changes nothing cannot tell a missing row apart.
		if err := tx.Select("id").First(&models.Credential{}, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to load credential: %w", err)
		}

		if secret, ok := updates["key_value"].(string); ok {
			exists, err := keyExists(tx, secret, id)
			if err != nil {
				return err
			}
			if exists {
				return ErrUpdateFailed
			}
		}

		res := tx.Model(&models.Credential{}).Where("id = ?", id).Updates(updates)
		if res.Error != nil {
			if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
				return ErrUpdateFailed
			}
			return fmt.Errorf("failed to update credential: %w", res.Error)
		}
		return nil
	})
}

// RemoveCredential deletes a credential and its daily stats. It reports whether
// a credential row was deleted.
func (s *Store) RemoveCredential(ctx context.Context, id uint) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("key_id = ?", id).Delete(&models.DailyStat{}).Error; err != nil {
			return fmt.Errorf("failed to delete daily stats: %w", err)
		}
		res := tx.Delete(&models.Credential{}, id)
		if res.Error != nil {
			return fmt.Errorf("failed to delete credential: %w", res.Error)
		}
		deleted = res.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

// BulkSetStatus sets status on every listed credential. Resting credentials rest
// for an hour; any other status clears disabled_until.
func (s *Store) BulkSetStatus(ctx context.Context, ids []uint, status string) (string, error) {
	st := models.CredentialStatus(status)
	if len(ids) == 0 || !st.Valid() {
		return "", ErrInvalidBulk
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	updates := map[string]any{"status": st, "disabled_until": nil}
	if st == models.StatusResting {
		updates["disabled_until"] = s.utcNow().Add(bulkRestDuration)
	}

	res := s.db.WithContext(ctx).Model(&models.Credential{}).Where("id IN ?", ids).Updates(updates)
	if res.Error != nil {
		return "", fmt.Errorf("failed to update credential status: %w", res.Error)
	}
	return fmt.Sprintf("%d keys updated to %s.", res.RowsAffected, st), nil
}

// GetCredential returns the admin view of one credential.
func (s *Store) GetCredential(ctx context.Context, id uint) (*models.CredentialDetails, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cred models.Credential
	if err := s.db.WithContext(ctx).First(&cred, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	return &models.CredentialDetails{
		ID:       cred.ID,
		Name:     cred.Name,
		KeyValue: cred.KeyValue,
		Status:   cred.Status,
		Note:     cred.Note,
	}, nil
}

// ExportAll returns every credential in the portable shape, ordered by id.
func (s *Store) ExportAll(ctx context.Context) ([]models.ExportedCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var creds []models.Credential
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&creds).Error; err != nil {
		return nil, fmt.Errorf("failed to export credentials: %w", err)
	}

	out := make([]models.ExportedCredential, 0, len(creds))
	for _, c := range creds {
		out = append(out, models.ExportedCredential{
			Name:     c.Name,
			KeyValue: c.KeyValue,
			Note:     c.Note,
		})
	}
	return out, nil
}

// ImportMany inserts each valid entry. Short secrets and secrets already stored
// or repeated within the batch are skipped.
func (s *Store) ImportMany(ctx context.Context, entries []models.ExportedCredential) (imported, skipped int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seen := make(map[string]struct{}, len(entries))
		for _, e := range entries {
			secret := strings.TrimSpace(e.KeyValue)
			if len(secret) < models.MinKeyLength {
				skipped++
				continue
			}
			if _, dup := seen[secret]; dup {
				skipped++
				continue
			}
			seen[secret] = struct{}{}

			exists, err := keyExists(tx, secret, 0)
			if err != nil {
				return err
			}
			if exists {
				skipped++
				continue
			}

			cred := s.newCredential(secret, e.Name, e.Note)
			if st := models.CredentialStatus(e.Status); st == models.StatusHealthy || st == models.StatusDisabled {
				cred.Status = st
			}
			if err := tx.Create(cred).Error; err != nil {
				return fmt.Errorf("failed to import credential: %w", err)
			}
			imported++
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	fiberlog.Infof("Imported %d credentials, skipped %d", imported, skipped)
	return imported, skipped, nil
}

// HealthCounts returns the number of credentials per status.
func (s *Store) HealthCounts(ctx context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return healthCounts(s.db.WithContext(ctx))
}

func healthCounts(db *gorm.DB) (map[string]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	if err := db.Model(&models.Credential{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count credential statuses: %w", err)
	}

	counts := map[string]int64{
		string(models.StatusHealthy):  0,
		string(models.StatusResting):  0,
		string(models.StatusDisabled): 0,
	}
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

func keyExists(tx *gorm.DB, secret string, exceptID uint) (bool, error) {
	q := tx.Model(&models.Credential{}).Where("key_value = ?", secret)
	if exceptID != 0 {
		q = q.Where("id <> ?", exceptID)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return false, fmt.Errorf("failed to check credential uniqueness: %w", err)
	}
	return n > 0, nil
}
