package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// TokenBucketConfig sizes an in-memory limiter
type TokenBucketConfig struct {
	// Capacity tokens refill evenly over Window
	Capacity        int
	Window          time.Duration
	// CleanupInterval is how often idle buckets are dropped; zero disables it
	CleanupInterval time.Duration
	Clock           func() time.Time
}

// TokenBucket is a per-process limiter keeping one bucket per client
type TokenBucket struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	capacity int
	window   time.Duration
	now      func() time.Time

	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
}

type bucket struct {
	tokens     int
	lastRefill time.Time
}

// NewTokenBucket creates an in-memory limiter
func NewTokenBucket(cfg TokenBucketConfig) (*TokenBucket, error) {
	if cfg.Capacity <= 0 {
		return nil, errors.New("limit must be greater than 0")
	}
	if cfg.Window <= 0 {
		return nil, errors.New("window must be greater than 0")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	tb := &TokenBucket{
		buckets:  make(map[string]*bucket),
		capacity: cfg.Capacity,
		window:   cfg.Window,
		now:      cfg.Clock,
		done:     make(chan struct{}),
	}
	if cfg.CleanupInterval > 0 {
		tb.ticker = time.NewTicker(cfg.CleanupInterval)
		go tb.cleanupLoop()
	}
	return tb, nil
}

// Allow takes one token from key's bucket
func (tb *TokenBucket) Allow(_ context.Context, key string) (*Info, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	b, ok := tb.buckets[key]
	if !ok {
		b = &bucket{tokens: tb.capacity, lastRefill: now}
		tb.buckets[key] = b
	}

	// Partial tokens are not credited; lastRefill only moves when at least
	// one whole token was added.
	if elapsed := now.Sub(b.lastRefill); elapsed > 0 {
		add := int(float64(tb.capacity) * elapsed.Seconds() / tb.window.Seconds())
		if add > 0 {
			b.tokens = min(tb.capacity, b.tokens+add)
			b.lastRefill = now
		}
	}

	info := &Info{Limit: tb.capacity, ResetAt: b.lastRefill.Add(tb.window)}
	if b.tokens > 0 {
		b.tokens--
		info.Allowed = true
	}
	info.Remaining = b.tokens
	return info, nil
}

// Len returns the number of tracked clients
func (tb *TokenBucket) Len() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return len(tb.buckets)
}

func (tb *TokenBucket) cleanupLoop() {
	for {
		select {
		case <-tb.ticker.C:
			tb.sweep()
		case <-tb.done:
			return
		}
	}
}

// sweep forgets buckets idle for two windows; they would be full again anyway
func (tb *TokenBucket) sweep() {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	for key, b := range tb.buckets {
		if now.Sub(b.lastRefill) > 2*tb.window {
			delete(tb.buckets, key)
		}
	}
}

// Close stops the cleanup goroutine
func (tb *TokenBucket) Close() error {
	tb.once.Do(func() {
		close(tb.done)
		if tb.ticker != nil {
			tb.ticker.Stop()
		}
	})
	return nil
}
