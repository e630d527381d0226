package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/imamfahrudin/ai-api-middleware/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSubstitutesEnvVars(t *testing.T) {
	t.Setenv("AIMW_TEST_PORT", "9090")

	cfg, err := Parse([]byte(`
server:
  port: ${AIMW_TEST_PORT}
  allowed_origins: ${AIMW_TEST_ORIGINS:-http://localhost:3000}
scheduler:
  heal_interval: 2m
`))
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "http://localhost:3000", cfg.Server.AllowedOrigins)
	assert.Equal(t, 2*time.Minute, cfg.Scheduler.HealInterval)
	assert.NoError(t, cfg.Validate())
}

func TestParseAppliesDefaults(t *testing.T) {
	t.Setenv("MIDDLEWARE_PASSWORD", "from-env")

	cfg, err := Parse([]byte("server:\n  port: \"8080\"\n"))
	require.NoError(t, err)
	assert.Equal(t, models.SQLite, cfg.Database.Type)
	assert.Equal(t, "data/keys.db", cfg.Database.FilePath)
	assert.Equal(t, models.DefaultUpstreamBaseURL, cfg.Upstream.BaseURL)
	assert.Equal(t, "from-env", cfg.Auth.Password)
	assert.Equal(t, "GEMINI_API_KEYS", cfg.Seed.EnvVar)
	assert.Equal(t, 5*time.Second, cfg.Settings.CacheTTL)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.HealInterval)
	assert.Equal(t, models.CacheBackendMemory, cfg.Redis.Backend())
}

func TestValidateReportsMissingFields(t *testing.T) {
	err := Default().Validate()

	var validationErr *ValidationError
	require.True(t, errors.As(err, &validationErr))
	assert.Equal(t, []string{"server.port", "server.allowed_origins"}, validationErr.MissingFields)
}

func TestLoadFromFileRejectsOtherExtensions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o600))

	_, err := LoadFromFile(path)
	assert.Error(t, err)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: \"8080\"\n  allowed_origins: \"*\"\n"), 0o600))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
}

func TestSeedSecrets(t *testing.T) {
	t.Setenv("AIMW_TEST_SEED", " first-secret-key ,, second-secret-key ")
	cfg := Default()
	cfg.Seed.EnvVar = "AIMW_TEST_SEED"

	assert.Equal(t, []string{"first-secret-key", "second-secret-key"}, cfg.SeedSecrets())
}
