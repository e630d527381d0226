package cache

import (
	"context"
	"time"

	"github.com/imamfahrudin/ai-api-middleware/internal/models"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// Cache is a byte-oriented TTL cache shared by dashboard and discovery reads.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// New returns a redis-backed cache when a client is given, otherwise an in-process one.
func New(client *redis.Client, cfg models.RedisConfig) Cache {
	if client == nil {
		fiberlog.Info("Cache: using in-process backend")
		return NewMemory()
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "aimw:"
	}
	fiberlog.Infof("Cache: using redis backend with prefix %q", prefix)
	return NewRedis(client, prefix)
}

// LoadFunc produces a value for a cache miss. Returning cacheable=false hands the
// value to the caller without storing it.
type LoadFunc func(ctx context.Context) (value []byte, cacheable bool, err error)

// Loader fronts a Cache with singleflight so concurrent misses share one fill.
type Loader struct {
	cache   Cache
	sfGroup singleflight.Group
}

// NewLoader wraps c.
func NewLoader(c Cache) *Loader {
	return &Loader{cache: c}
}

// GetOrLoad returns the cached value for key or fills it with load.
func (l *Loader) GetOrLoad(ctx context.Context, key string, ttl time.Duration, load LoadFunc) ([]byte, bool, error) {
	if cached, ok, err := l.cache.Get(ctx, key); err == nil && ok {
		return cached, true, nil
	} else if err != nil {
		fiberlog.Warnf("Cache: get %s failed, loading directly: %v", key, err)
	}

	type result struct {
		value     []byte
		cacheable bool
	}

	v, err, _ := l.sfGroup.Do(key, func() (any, error) {
		value, cacheable, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if cacheable && ttl > 0 {
			if err := l.cache.Set(ctx, key, value, ttl); err != nil {
				fiberlog.Warnf("Cache: set %s failed: %v", key, err)
			}
		}
		return result{value: value, cacheable: cacheable}, nil
	})
	if err != nil {
		return nil, false, err
	}

	r := v.(result)
	return r.value, false, nil
}
