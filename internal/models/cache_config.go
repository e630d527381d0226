package models

// CacheBackendType represents the type of cache backend to use
type CacheBackendType string

const (
	CacheBackendRedis  CacheBackendType = "redis"
	CacheBackendMemory CacheBackendType = "memory"
)

// RedisConfig holds the optional shared cache connection.
type RedisConfig struct {
	URL       string `json:"url,omitzero" yaml:"url"`
	KeyPrefix string `json:"key_prefix,omitzero" yaml:"key_prefix,omitempty"`
}

// Backend returns the cache backend implied by the configuration.
func (c RedisConfig) Backend() CacheBackendType {
	if c.URL == "" {
		return CacheBackendMemory
	}
	return CacheBackendRedis
}
