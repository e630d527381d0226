package models

import "time"

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Port           string `json:"port,omitzero" yaml:"port"`
	AllowedOrigins string `json:"allowed_origins,omitzero" yaml:"allowed_origins"`
	Environment    string `json:"environment,omitzero" yaml:"environment"`
	LogLevel       string `json:"log_level,omitzero" yaml:"log_level"`
}

// UpstreamConfig points the proxy at the generative API.
type UpstreamConfig struct {
	BaseURL string `json:"base_url,omitzero" yaml:"base_url"`
}

// DefaultUpstreamBaseURL is the Gemini API root.
const DefaultUpstreamBaseURL = "https://generativelanguage.googleapis.com/"

// SeedConfig names the environment variable used for the one-time credential seed.
type SeedConfig struct {
	EnvVar string `json:"env_var,omitzero" yaml:"env_var"`
}

// SettingsConfig tunes how the settings table is read.
type SettingsConfig struct {
	CacheTTL time.Duration `json:"cache_ttl,omitzero" yaml:"cache_ttl"`
}

// SchedulerConfig controls background maintenance.
type SchedulerConfig struct {
	HealInterval time.Duration `json:"heal_interval,omitzero" yaml:"heal_interval"`
}
