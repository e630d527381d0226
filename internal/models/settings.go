package models

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Setting is one row of the key/value runtime configuration table.
type Setting struct {
	Key   string `gorm:"primaryKey;size:128" json:"key"`
	Value string `gorm:"type:text;not null" json:"value"`
}

func (Setting) TableName() string {
	return "settings"
}

// Failover strategies understood by the rotation engine.
const (
	StrategyRoundRobin = "round_robin"
	StrategyLeastUsed  = "least_used"
	StrategyRandom     = "random"
	StrategyPriority   = "priority"
)

// Settings is the typed view of the settings table.
type Settings struct {
	StreamingEnabled         bool
	ConnectionPoolingEnabled bool
	ModelCacheEnabled        bool

	MaxRetries        int
	RequestTimeout    int
	ConnectTimeout    int
	ReadTimeout       int
	StreamingTimeout  int
	CacheTimeout      int
	ModelCacheTimeout int

	RetryTotal         int
	RetryBackoffFactor float64
	PoolConnections    int
	PoolMaxSize        int

	MaxStreamRetries int
	ChunkRetryDelay  float64

	BufferSize            int
	SmallRequestThreshold int
	LargeRequestThreshold int
	SmallBufferSize       int
	LargeBufferSize       int
	MinBufferSize         int
	MaxBufferSize         int
	JSONBufferLimit       int

	EnableRequestLogging     bool
	LogLevel                 string
	EnableMetricsCollection  bool
	EnablePerformanceLogging bool
	LogRequestBody           bool
	LogResponseBody          bool

	FailoverStrategy         string
	EnableRequestIDInjection bool
}

// RequestTimeoutDuration bounds one buffered upstream attempt.
func (s Settings) RequestTimeoutDuration() time.Duration {
	return time.Duration(s.RequestTimeout) * time.Second
}

// StreamingTimeoutDuration bounds one streamed upstream attempt.
func (s Settings) StreamingTimeoutDuration() time.Duration {
	return time.Duration(s.StreamingTimeout) * time.Second
}

// ChunkRetryBackoff returns the delay before the n-th (0-based) chunk read retry.
func (s Settings) ChunkRetryBackoff(n int) time.Duration {
	return time.Duration(s.ChunkRetryDelay * math.Pow(2, float64(n)) * float64(time.Second))
}

// ReadBufferSize picks the relay read size from the request body size.
func (s Settings) ReadBufferSize(requestSize int) int {
	size := s.BufferSize
	switch {
	case requestSize < s.SmallRequestThreshold:
		size = s.SmallBufferSize
	case requestSize > s.LargeRequestThreshold:
		size = s.LargeBufferSize
	}
	if s.MinBufferSize > 0 && size < s.MinBufferSize {
		size = s.MinBufferSize
	}
	if s.MaxBufferSize > 0 && size > s.MaxBufferSize {
		size = s.MaxBufferSize
	}
	if size <= 0 {
		size = 8192
	}
	return size
}

// SettingKind is the storage type of a catalog entry.
type SettingKind int

const (
	KindBool SettingKind = iota
	KindInt
	KindFloat
	KindEnum
)

// SettingSpec describes one recognized setting.
type SettingSpec struct {
	Key     string
	Default string
	Kind    SettingKind
	Min     float64
	Max     float64
	Choices []string
	field   func(s *Settings) any
}

var logLevels = []string{"DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL"}

var strategies = []string{StrategyRoundRobin, StrategyLeastUsed, StrategyRandom, StrategyPriority}

// SettingsCatalog lists every recognized setting with its default and bounds.
var SettingsCatalog = []SettingSpec{
	{Key: "streaming_enabled", Default: "true", Kind: KindBool, field: func(s *Settings) any { return &s.StreamingEnabled }},
	{Key: "connection_pooling_enabled", Default: "true", Kind: KindBool, field: func(s *Settings) any { return &s.ConnectionPoolingEnabled }},
	{Key: "model_cache_enabled", Default: "true", Kind: KindBool, field: func(s *Settings) any { return &s.ModelCacheEnabled }},
	{Key: "max_retries", Default: "7", Kind: KindInt, Min: 1, Max: 20, field: func(s *Settings) any { return &s.MaxRetries }},
	{Key: "request_timeout", Default: "30", Kind: KindInt, Min: 5, Max: 300, field: func(s *Settings) any { return &s.RequestTimeout }},
	{Key: "connect_timeout", Default: "10", Kind: KindInt, Min: 1, Max: 120, field: func(s *Settings) any { return &s.ConnectTimeout }},
	{Key: "read_timeout", Default: "60", Kind: KindInt, Min: 1, Max: 600, field: func(s *Settings) any { return &s.ReadTimeout }},
	{Key: "streaming_timeout", Default: "120", Kind: KindInt, Min: 10, Max: 3600, field: func(s *Settings) any { return &s.StreamingTimeout }},
	{Key: "cache_timeout", Default: "300", Kind: KindInt, Min: 0, Max: 86400, field: func(s *Settings) any { return &s.CacheTimeout }},
	{Key: "model_cache_timeout", Default: "10", Kind: KindInt, Min: 0, Max: 3600, field: func(s *Settings) any { return &s.ModelCacheTimeout }},
	{Key: "retry_total", Default: "50", Kind: KindInt, Min: 0, Max: 100, field: func(s *Settings) any { return &s.RetryTotal }},
	{Key: "retry_backoff_factor", Default: "0.1", Kind: KindFloat, Min: 0, Max: 10, field: func(s *Settings) any { return &s.RetryBackoffFactor }},
	{Key: "pool_connections", Default: "20", Kind: KindInt, Min: 1, Max: 1000, field: func(s *Settings) any { return &s.PoolConnections }},
	{Key: "pool_maxsize", Default: "100", Kind: KindInt, Min: 1, Max: 10000, field: func(s *Settings) any { return &s.PoolMaxSize }},
	{Key: "max_stream_retries", Default: "2", Kind: KindInt, Min: 0, Max: 10, field: func(s *Settings) any { return &s.MaxStreamRetries }},
	{Key: "chunk_retry_delay", Default: "1.0", Kind: KindFloat, Min: 0, Max: 60, field: func(s *Settings) any { return &s.ChunkRetryDelay }},
	{Key: "buffer_size", Default: "8192", Kind: KindInt, Min: 1, Max: 1 << 20, field: func(s *Settings) any { return &s.BufferSize }},
	{Key: "small_request_threshold", Default: "1024", Kind: KindInt, Min: 0, Max: math.MaxInt32, field: func(s *Settings) any { return &s.SmallRequestThreshold }},
	{Key: "large_request_threshold", Default: "100000", Kind: KindInt, Min: 0, Max: math.MaxInt32, field: func(s *Settings) any { return &s.LargeRequestThreshold }},
	{Key: "small_buffer_size", Default: "4096", Kind: KindInt, Min: 1, Max: 1 << 20, field: func(s *Settings) any { return &s.SmallBufferSize }},
	{Key: "large_buffer_size", Default: "16384", Kind: KindInt, Min: 1, Max: 1 << 20, field: func(s *Settings) any { return &s.LargeBufferSize }},
	{Key: "min_buffer_size", Default: "1024", Kind: KindInt, Min: 1, Max: 1 << 20, field: func(s *Settings) any { return &s.MinBufferSize }},
	{Key: "max_buffer_size", Default: "65536", Kind: KindInt, Min: 1, Max: 1 << 20, field: func(s *Settings) any { return &s.MaxBufferSize }},
	{Key: "json_buffer_limit", Default: "2048", Kind: KindInt, Min: 0, Max: 1 << 20, field: func(s *Settings) any { return &s.JSONBufferLimit }},
	{Key: "enable_request_logging", Default: "true", Kind: KindBool, field: func(s *Settings) any { return &s.EnableRequestLogging }},
	{Key: "log_level", Default: "INFO", Kind: KindEnum, Choices: logLevels, field: func(s *Settings) any { return &s.LogLevel }},
	{Key: "enable_metrics_collection", Default: "true", Kind: KindBool, field: func(s *Settings) any { return &s.EnableMetricsCollection }},
	{Key: "enable_performance_logging", Default: "true", Kind: KindBool, field: func(s *Settings) any { return &s.EnablePerformanceLogging }},
	{Key: "log_request_body", Default: "false", Kind: KindBool, field: func(s *Settings) any { return &s.LogRequestBody }},
	{Key: "log_response_body", Default: "false", Kind: KindBool, field: func(s *Settings) any { return &s.LogResponseBody }},
	{Key: "failover_strategy", Default: StrategyRoundRobin, Kind: KindEnum, Choices: strategies, field: func(s *Settings) any { return &s.FailoverStrategy }},
	{Key: "enable_request_id_injection", Default: "true", Kind: KindBool, field: func(s *Settings) any { return &s.EnableRequestIDInjection }},
}

var catalogIndex = func() map[string]*SettingSpec {
	idx := make(map[string]*SettingSpec, len(SettingsCatalog))
	for i := range SettingsCatalog {
		idx[SettingsCatalog[i].Key] = &SettingsCatalog[i]
	}
	return idx
}()

// LookupSetting returns the catalog entry for key.
func LookupSetting(key string) (*SettingSpec, bool) {
	spec, ok := catalogIndex[key]
	return spec, ok
}

// DefaultSettingValues returns the catalog defaults keyed by setting name.
func DefaultSettingValues() map[string]string {
	out := make(map[string]string, len(SettingsCatalog))
	for _, spec := range SettingsCatalog {
		out[spec.Key] = spec.Default
	}
	return out
}

// DefaultSettings returns the typed catalog defaults.
func DefaultSettings() Settings {
	return ParseSettings(nil)
}

// ParseSettings builds a typed snapshot from stored values. Missing or malformed
// values fall back to the catalog default.
func ParseSettings(values map[string]string) Settings {
	var s Settings
	for _, spec := range SettingsCatalog {
		raw, ok := values[spec.Key]
		if !ok || spec.assign(&s, raw) != nil {
			_ = spec.assign(&s, spec.Default)
		}
	}
	return s
}

func (spec *SettingSpec) assign(s *Settings, raw string) error {
	raw = strings.TrimSpace(raw)
	switch p := spec.field(s).(type) {
	case *bool:
		b, err := parseBool(raw)
		if err != nil {
			return err
		}
		*p = b
	case *int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		*p = n
	case *float64:
		f, err := toFloat(raw)
		if err != nil {
			return err
		}
		*p = f
	case *string:
		v := normalizeEnum(spec.Key, raw)
		if !slices.Contains(spec.Choices, v) {
			return fmt.Errorf("invalid choice %q", raw)
		}
		*p = v
	}
	return nil
}

// NormalizeSetting validates an incoming value for key and returns its storage form.
// Keys outside the catalog are accepted as-is.
func NormalizeSetting(key string, value any) (string, error) {
	spec, ok := LookupSetting(key)
	if !ok {
		return formatAny(value), nil
	}

	switch spec.Kind {
	case KindBool:
		switch v := value.(type) {
		case bool:
			return strconv.FormatBool(v), nil
		case string:
			b, err := parseBool(v)
			if err == nil {
				return strconv.FormatBool(b), nil
			}
		}
		return "", fmt.Errorf("%s must be a boolean", key)

	case KindInt, KindFloat:
		f, err := toFloat(value)
		if err != nil {
			return "", fmt.Errorf("%s must be a number", key)
		}
		if spec.Kind == KindInt && f != math.Trunc(f) {
			return "", fmt.Errorf("%s must be an integer", key)
		}
		if f < spec.Min || f > spec.Max {
			return "", fmt.Errorf("%s must be between %s and %s", key, formatNumber(spec.Min), formatNumber(spec.Max))
		}
		if spec.Kind == KindInt {
			return strconv.FormatInt(int64(f), 10), nil
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil

	default:
		if s, ok := value.(string); ok {
			s = normalizeEnum(key, s)
			if slices.Contains(spec.Choices, s) {
				return s, nil
			}
		}
		return "", fmt.Errorf("%s must be one of %s", key, strings.Join(spec.Choices, ", "))
	}
}

// CoerceSettingValue infers a JSON type for a stored value: booleans for
// "true"/"false", integers for all-digit strings, strings otherwise.
func CoerceSettingValue(raw string) any {
	switch strings.ToLower(raw) {
	case "true":
		return true
	case "false":
		return false
	}
	if raw != "" && strings.Trim(raw, "0123456789") == "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return n
		}
	}
	return raw
}

func normalizeEnum(key, raw string) string {
	if key == "log_level" {
		return strings.ToUpper(strings.TrimSpace(raw))
	}
	return strings.ToLower(strings.TrimSpace(raw))
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", raw)
}

func toFloat(value any) (float64, error) {
	var f float64
	switch v := value.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, err
		}
		f = parsed
	default:
		return 0, fmt.Errorf("not a number: %T", value)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not a finite number: %v", f)
	}
	return f, nil
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func formatAny(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return formatNumber(v)
	case nil:
		return ""
	}
	return fmt.Sprint(value)
}
