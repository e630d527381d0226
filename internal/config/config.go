package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/imamfahrudin/ai-api-middleware/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultSeedEnvVar   = "GEMINI_API_KEYS"
	defaultPasswordEnv  = "MIDDLEWARE_PASSWORD"
	defaultHealInterval = 30 * time.Second
	defaultSettingsTTL  = 5 * time.Second
)

// DefaultEnvFiles are loaded before the YAML file, first match wins.
var DefaultEnvFiles = []string{".env.local", ".env.development", ".env"}

// Config represents the complete application configuration
type Config struct {
	Server    models.ServerConfig    `yaml:"server"`
	Database  models.DatabaseConfig  `yaml:"database"`
	Redis     models.RedisConfig     `yaml:"redis"`
	Upstream  models.UpstreamConfig  `yaml:"upstream"`
	Auth      models.AuthConfig      `yaml:"auth"`
	Seed      models.SeedConfig      `yaml:"seed"`
	Settings  models.SettingsConfig  `yaml:"settings"`
	Scheduler models.SchedulerConfig `yaml:"scheduler"`
}

// LoadFromFile loads configuration from a YAML file with environment variable substitution
func LoadFromFile(configPath string) (*Config, error) {
	// Validate and clean the file path to prevent directory traversal
	cleanPath := filepath.Clean(configPath)

	if strings.Contains(cleanPath, "..") {
		return nil, fmt.Errorf("invalid config path: path traversal not allowed")
	}

	ext := filepath.Ext(cleanPath)
	if ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("invalid config file: only .yaml and .yml files are allowed")
	}

	data, err := os.ReadFile(cleanPath) // #nosec G304 - path is validated above
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", cleanPath, err)
	}

	return Parse(data)
}

// Parse decodes YAML after substituting environment variables and fills in
// defaults for everything optional.
func Parse(data []byte) (*Config, error) {
	content := substituteEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(content), &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

// Default returns a configuration usable without any file.
func Default() *Config {
	config := &Config{}
	config.applyDefaults()
	return config
}

func (c *Config) applyDefaults() {
	if c.Database.Type == "" {
		c.Database = models.DefaultDatabaseConfig()
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = models.DefaultUpstreamBaseURL
	}
	if c.Auth.Password == "" {
		c.Auth.Password = os.Getenv(defaultPasswordEnv)
	}
	if c.Seed.EnvVar == "" {
		c.Seed.EnvVar = defaultSeedEnvVar
	}
	if c.Settings.CacheTTL <= 0 {
		c.Settings.CacheTTL = defaultSettingsTTL
	}
	if c.Scheduler.HealInterval == 0 {
		c.Scheduler.HealInterval = defaultHealInterval
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
}

// LoadEnvFiles loads environment variables from .env files in order of precedence
// Loads files in the order provided (first has highest priority)
func LoadEnvFiles(envFiles []string) {
	for _, envFile := range envFiles {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err == nil {
				fmt.Printf("Loaded environment variables from %s\n", envFile)
			}
		}
	}
}

// substituteEnvVars replaces ${VAR_NAME} and ${VAR_NAME:-default} patterns with environment variables
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::(-[^}]*))?\}`)

func substituteEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		defaultValue := ""

		if len(submatches) > 2 && submatches[2] != "" {
			// Remove the leading '-' from default value
			defaultValue = strings.TrimPrefix(submatches[2], "-")
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}

		return defaultValue
	})
}

// SeedSecrets returns the comma separated secrets from the seed variable.
func (c *Config) SeedSecrets() []string {
	var secrets []string
	for part := range strings.SplitSeq(os.Getenv(c.Seed.EnvVar), ",") {
		if part = strings.TrimSpace(part); part != "" {
			secrets = append(secrets, part)
		}
	}
	return secrets
}

// GetNormalizedLogLevel returns the log level in lowercase for consistent comparison
func (c *Config) GetNormalizedLogLevel() string {
	return strings.ToLower(c.Server.LogLevel)
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

// Validate checks if all required configuration values are set
func (c *Config) Validate() error {
	var missing []string

	if c.Server.Port == "" {
		missing = append(missing, "server.port")
	}
	if c.Server.AllowedOrigins == "" {
		missing = append(missing, "server.allowed_origins")
	}
	if c.Upstream.BaseURL == "" {
		missing = append(missing, "upstream.base_url")
	}

	if len(missing) > 0 {
		return &ValidationError{MissingFields: missing}
	}

	return nil
}

// ValidationError represents configuration validation errors
type ValidationError struct {
	MissingFields []string
}

func (e *ValidationError) Error() string {
	return "missing required configuration fields: " + strings.Join(e.MissingFields, ", ")
}
