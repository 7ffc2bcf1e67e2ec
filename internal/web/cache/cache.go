// Package cache provides the read-through cache for resource instances.
// Entries are keyed by resource type and id and hold encoded documents.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Cache defines the interface for all cache backends
type Cache interface {
	// Get retrieves a value from the cache
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in the cache with a TTL
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from the cache
	Delete(ctx context.Context, key string) error

	// Clear removes all values from the cache
	Clear(ctx context.Context) error

	// Close releases the backend
	Close() error
}

// CacheConfig holds common configuration for cache backends
type CacheConfig struct {
	// DefaultTTL is the default time-to-live for cached items
	DefaultTTL time.Duration
	// Prefix is prepended to all cache keys
	Prefix string
}

// DefaultCacheConfig returns a default cache configuration
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		DefaultTTL: 5 * time.Minute,
		Prefix:     "fhirrouter:",
	}
}

// ErrCacheMiss is returned when a key is not found in the cache
var ErrCacheMiss = errors.New("cache miss")

// IsCacheMiss checks if an error is a cache miss
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}

func miss(key string) error {
	return fmt.Errorf("%w: %s", ErrCacheMiss, key)
}

// ResourceKey is the cache key of one resource instance
func ResourceKey(resourceType, id string) string {
	return resourceType + "/" + id
}

// Config selects and configures a cache backend
type Config struct {
	// Driver is "none", "memory" or "redis"
	Driver   string
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Open creates the configured backend. The "none" driver returns a nil
// Cache, which callers treat as caching disabled.
func Open(cfg Config, logger *zap.Logger) (Cache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	common := DefaultCacheConfig()
	if cfg.TTL > 0 {
		common.DefaultTTL = cfg.TTL
	}

	switch cfg.Driver {
	case "", "none":
		return nil, nil
	case "memory":
		logger.Info("using in-memory resource cache", zap.Duration("ttl", common.DefaultTTL))
		return NewMemoryCacheWithConfig(common), nil
	case "redis":
		c, err := NewRedisCacheWithConfig(RedisConfig{
			Addr:        cfg.Addr,
			Password:    cfg.Password,
			DB:          cfg.DB,
			CacheConfig: common,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
		}
		logger.Info("using redis resource cache", zap.String("addr", cfg.Addr), zap.Duration("ttl", common.DefaultTTL))
		return c, nil
	default:
		return nil, fmt.Errorf("unknown cache driver: %q (supported: none, memory, redis)", cfg.Driver)
	}
}
