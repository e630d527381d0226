package keystore

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/imamfahrudin/ai-api-middleware/internal/models"
	"github.com/imamfahrudin/ai-api-middleware/internal/services/cache"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
)

// Sentinel errors; their text is what the admin API reports.
var (
	ErrInvalidKey   = errors.New("Invalid key.")
	ErrKeyExists    = errors.New("Key exists.")
	ErrNoValidData  = errors.New("No valid data.")
	ErrUpdateFailed = errors.New("Update failed.")
	ErrInvalidBulk  = errors.New("Invalid data for bulk update.")
	ErrNotFound     = errors.New("Key not found")
)

const (
	defaultName      = "Unnamed"
	restCooldown     = 60 * time.Second
	bulkRestDuration = time.Hour
	dateLayout       = "2006-01-02"
	globalStatsTTL   = 10 * time.Second
	defaultSettingTT = 5 * time.Second
)

// Store owns credentials, daily stats and settings. Every accessor holds mu for
// its whole read-modify-write so rotation and outcome recording never interleave.
type Store struct {
	db  *gorm.DB
	mu  sync.Mutex
	now func() time.Time
	rnd *rand.Rand

	loader *cache.Loader

	settingsTTL  time.Duration
	settingsMu   sync.Mutex
	settingsSnap *models.Settings
	settingsAt   time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithCache sets the cache used for dashboard aggregates.
func WithCache(c cache.Cache) Option {
	return func(s *Store) {
		s.loader = cache.NewLoader(c)
	}
}

// WithSettingsTTL sets how long a typed settings snapshot is reused.
func WithSettingsTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.settingsTTL = ttl
	}
}

// WithRand sets the source used by the random failover strategy.
func WithRand(r *rand.Rand) Option {
	return func(s *Store) {
		s.rnd = r
	}
}

// New creates a Store over db.
func New(db *gorm.DB, opts ...Option) *Store {
	s := &Store{
		db:          db,
		now:         time.Now,
		settingsTTL: defaultSettingTT,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.loader == nil {
		s.loader = cache.NewLoader(cache.NewMemory())
	}
	if s.rnd == nil {
		s.rnd = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15))
	}
	return s
}

// AutoMigrate creates or updates the credentials, daily_stats and settings tables.
func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(&models.Credential{}, &models.DailyStat{}, &models.Setting{}); err != nil {
		return fmt.Errorf("failed to migrate key store tables: %w", err)
	}
	return nil
}

// Ping checks that the underlying database answers.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// SeedFromEnv inserts secrets only when the credentials table is empty. Blank,
// short and duplicate secrets are skipped.
func (s *Store) SeedFromEnv(ctx context.Context, secrets []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Credential{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count credentials: %w", err)
	}
	if count > 0 {
		return 0, nil
	}

	seen := make(map[string]struct{}, len(secrets))
	inserted := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, raw := range secrets {
			secret := strings.TrimSpace(raw)
			if secret == "" {
				continue
			}
			if _, dup := seen[secret]; dup {
				continue
			}
			seen[secret] = struct{}{}
			if len(secret) < models.MinKeyLength {
				fiberlog.Warnf("Skipping seeded key shorter than %d characters", models.MinKeyLength)
				continue
			}
			cred := s.newCredential(secret, "", "")
			if err := tx.Create(cred).Error; err != nil {
				return fmt.Errorf("failed to seed credential: %w", err)
			}
			inserted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if inserted > 0 {
		fiberlog.Infof("Performed one-time migration of %d keys from environment", inserted)
	}
	return inserted, nil
}

func (s *Store) newCredential(secret, name, note string) *models.Credential {
	name = strings.TrimSpace(name)
	if name == "" {
		name = defaultName
	}
	return &models.Credential{
		Name:          name,
		KeyValue:      secret,
		Status:        models.StatusHealthy,
		Note:          note,
		LastRotatedAt: time.Unix(0, 0).UTC(),
	}
}

func (s *Store) utcNow() time.Time {
	return s.now().UTC()
}

func (s *Store) today() string {
	return s.utcNow().Format(dateLayout)
}
