// Package ratelimit throttles requests per client before they reach the
// generated resource handlers.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Limiter decides whether one more request for key fits in its budget
type Limiter interface {
	Allow(ctx context.Context, key string) (*Info, error)
	Close() error
}

// Info describes the budget of a key after a call to Allow
type Info struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
	Allowed   bool
}

// Config selects and sizes a limiter
type Config struct {
	// Driver is none, memory or redis
	Driver string
	// Limit is the number of requests a client may make per Window
	Limit  int
	Window time.Duration

	// Redis connection, used by the redis driver
	Addr     string
	Password string
	DB       int
}

// Open returns the limiter named by cfg.Driver; none yields a nil Limiter
func Open(cfg Config, logger *zap.Logger) (Limiter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Driver {
	case "", "none":
		return nil, nil
	case "memory":
		l, err := NewTokenBucket(TokenBucketConfig{
			Capacity:        cfg.Limit,
			Window:          cfg.Window,
			CleanupInterval: 2 * cfg.Window,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("rate limiting requests in memory", zap.Int("limit", cfg.Limit), zap.Duration("window", cfg.Window))
		return l, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
		if err := client.Ping(context.Background()).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
		}
		l, err := NewSlidingWindow(SlidingWindowConfig{
			Client: client,
			Limit:  cfg.Limit,
			Window: cfg.Window,
			Prefix: "fhirrouter:ratelimit:",
		})
		if err != nil {
			client.Close()
			return nil, err
		}
		logger.Info("rate limiting requests in redis", zap.String("addr", cfg.Addr), zap.Int("limit", cfg.Limit), zap.Duration("window", cfg.Window))
		return l, nil
	default:
		return nil, fmt.Errorf("unknown rate limit driver: %q (supported: none, memory, redis)", cfg.Driver)
	}
}
