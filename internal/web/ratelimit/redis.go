package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript trims the key's sorted set to the window, then adds
// the request when there is room. Returns {allowed, count}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_start = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, 0, window_start)
local current = redis.call('ZCARD', key)
if current < limit then
	redis.call('ZADD', key, now, ARGV[5])
	redis.call('PEXPIRE', key, ttl)
	return {1, current + 1}
end
return {0, current}
`)

// SlidingWindowConfig sizes a redis-backed limiter
type SlidingWindowConfig struct {
	Client *redis.Client
	Limit  int
	Window time.Duration
	Prefix string
}

// SlidingWindow is a limiter shared by every process using the same redis
type SlidingWindow struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
}

// NewSlidingWindow creates a redis-backed limiter
func NewSlidingWindow(cfg SlidingWindowConfig) (*SlidingWindow, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.Limit <= 0 {
		return nil, errors.New("limit must be greater than 0")
	}
	if cfg.Window <= 0 {
		return nil, errors.New("window must be greater than 0")
	}
	return &SlidingWindow{client: cfg.Client, limit: cfg.Limit, window: cfg.Window, prefix: cfg.Prefix}, nil
}

// Allow records one request for key if the window has room
func (s *SlidingWindow) Allow(ctx context.Context, key string) (*Info, error) {
	now := time.Now()
	res, err := slidingWindowScript.Run(ctx, s.client, []string{s.prefix + key},
		now.UnixNano(),
		now.Add(-s.window).UnixNano(),
		s.limit,
		s.window.Milliseconds(),
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}
	if len(res) != 2 {
		return nil, errors.New("unexpected rate limit script result")
	}

	return &Info{
		Limit:     s.limit,
		Remaining: max(s.limit-int(res[1]), 0),
		ResetAt:   now.Add(s.window),
		Allowed:   res[0] == 1,
	}, nil
}

// Reset forgets key's history
func (s *SlidingWindow) Reset(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}

// Close closes the redis client
func (s *SlidingWindow) Close() error {
	return s.client.Close()
}
