package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newBucket(t *testing.T, capacity int, window time.Duration) (*TokenBucket, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	tb, err := NewTokenBucket(TokenBucketConfig{Capacity: capacity, Window: window, Clock: clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() { tb.Close() })
	return tb, clock
}

func TestTokenBucket_Exhausts(t *testing.T) {
	tb, _ := newBucket(t, 3, time.Minute)
	ctx := context.Background()

	for want := 2; want >= 0; want-- {
		info, err := tb.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, info.Allowed)
		assert.Equal(t, want, info.Remaining)
		assert.Equal(t, 3, info.Limit)
	}

	info, err := tb.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, info.Allowed)
	assert.Equal(t, 0, info.Remaining)

	info, err = tb.Allow(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, info.Allowed, "buckets are per key")
}

func TestTokenBucket_Refills(t *testing.T) {
	tb, clock := newBucket(t, 2, time.Minute)
	ctx := context.Background()

	tb.Allow(ctx, "k")
	tb.Allow(ctx, "k")
	info, _ := tb.Allow(ctx, "k")
	require.False(t, info.Allowed)

	clock.Advance(20 * time.Second)
	info, _ = tb.Allow(ctx, "k")
	assert.False(t, info.Allowed, "less than one token accrued")

	clock.Advance(10 * time.Second)
	info, _ = tb.Allow(ctx, "k")
	assert.True(t, info.Allowed)

	clock.Advance(time.Hour)
	info, _ = tb.Allow(ctx, "k")
	assert.True(t, info.Allowed)
	assert.Equal(t, 1, info.Remaining, "refill is capped at capacity")
}

func TestTokenBucket_Sweep(t *testing.T) {
	tb, clock := newBucket(t, 2, time.Minute)
	ctx := context.Background()

	tb.Allow(ctx, "a")
	clock.Advance(90 * time.Second)
	tb.Allow(ctx, "b")
	clock.Advance(90 * time.Second)

	tb.sweep()
	assert.Equal(t, 1, tb.Len())
}

func TestNewTokenBucket_Invalid(t *testing.T) {
	_, err := NewTokenBucket(TokenBucketConfig{Capacity: 0, Window: time.Minute})
	assert.ErrorContains(t, err, "limit must be greater than 0")

	_, err = NewTokenBucket(TokenBucketConfig{Capacity: 1})
	assert.ErrorContains(t, err, "window must be greater than 0")
}

func newSlidingWindow(t *testing.T, limit int) (*SlidingWindow, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sw, err := NewSlidingWindow(SlidingWindowConfig{Client: client, Limit: limit, Window: time.Minute, Prefix: "rl:"})
	require.NoError(t, err)
	t.Cleanup(func() { sw.Close() })
	return sw, mr
}

func TestSlidingWindow_Allow(t *testing.T) {
	sw, mr := newSlidingWindow(t, 2)
	ctx := context.Background()

	info, err := sw.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, info.Allowed)
	assert.Equal(t, 1, info.Remaining)

	info, err = sw.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, info.Allowed)
	assert.Equal(t, 0, info.Remaining)

	info, err = sw.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, info.Allowed)

	assert.True(t, mr.Exists("rl:10.0.0.1"))

	require.NoError(t, sw.Reset(ctx, "10.0.0.1"))
	info, err = sw.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, info.Allowed)
}

func TestSlidingWindow_RedisDown(t *testing.T) {
	sw, mr := newSlidingWindow(t, 2)
	mr.Close()

	_, err := sw.Allow(context.Background(), "k")
	assert.ErrorContains(t, err, "rate limit check failed")
}

func TestNewSlidingWindow_Invalid(t *testing.T) {
	_, err := NewSlidingWindow(SlidingWindowConfig{Limit: 1, Window: time.Minute})
	assert.ErrorContains(t, err, "redis client is required")

	_, err = NewSlidingWindow(SlidingWindowConfig{Client: &redis.Client{}, Window: time.Minute})
	assert.ErrorContains(t, err, "limit must be greater than 0")
}

func TestOpen(t *testing.T) {
	l, err := Open(Config{Driver: "none"}, nil)
	require.NoError(t, err)
	assert.Nil(t, l)

	l, err = Open(Config{Driver: "memory", Limit: 5, Window: time.Minute}, nil)
	require.NoError(t, err)
	assert.IsType(t, &TokenBucket{}, l)
	require.NoError(t, l.Close())

	mr := miniredis.RunT(t)
	l, err = Open(Config{Driver: "redis", Limit: 5, Window: time.Minute, Addr: mr.Addr()}, nil)
	require.NoError(t, err)
	assert.IsType(t, &SlidingWindow{}, l)
	require.NoError(t, l.Close())

	_, err = Open(Config{Driver: "memcached"}, nil)
	assert.ErrorContains(t, err, "unknown rate limit driver")
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (*Info, error) {
	return nil, errors.New("boom")
}

func (failingLimiter) Close() error { return nil }

func TestMiddleware(t *testing.T) {
	tb, _ := newBucket(t, 1, time.Minute)
	h := Middleware(tb, nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/Patient", nil)
	req.RemoteAddr = "10.0.0.1:5000"

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	var out struct {
		ResourceType string `json:"resourceType"`
		Issue        []struct {
			Code string `json:"code"`
		} `json:"issue"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	assert.Equal(t, "OperationOutcome", out.ResourceType)
	assert.Equal(t, "throttled", out.Issue[0].Code)

	other := httptest.NewRequest(http.MethodGet, "/Patient", nil)
	other.RemoteAddr = "10.0.0.2:5000"
	w = httptest.NewRecorder()
	h.ServeHTTP(w, other)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMiddleware_FailsOpen(t *testing.T) {
	h := Middleware(failingLimiter{}, nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.7:1234"
	assert.Equal(t, "192.0.2.7", ClientIP(r))

	r.RemoteAddr = "pipe"
	assert.Equal(t, "pipe", ClientIP(r))
}
