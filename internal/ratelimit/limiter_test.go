package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, nil))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestLimiterFixedWindow(t *testing.T) {
	store := NewMemoryStore()
	current := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return current }

	limiter := NewLimiter(store, testLogger())
	limiter.now = store.now
	ctx := context.Background()

	// First 10 requests allowed.
	for i := 0; i < 10; i++ {
		res := limiter.Check(ctx, "client-1", "POST /payments", 10, time.Hour)
		require.True(t, res.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, 10, res.Limit)
		assert.Equal(t, 10-(i+1), res.Remaining)
	}

	// 11th request within the window is rejected with a positive retry hint.
	res := limiter.Check(ctx, "client-1", "POST /payments", 10, time.Hour)
	require.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	// The frozen clock makes the retry hint exact: the full window
	// remains.
	assert.Equal(t, time.Hour, res.RetryAfter)

	// A different client is unaffected.
	other := limiter.Check(ctx, "client-2", "POST /payments", 10, time.Hour)
	assert.True(t, other.Allowed)

	// A different route for the same client is unaffected.
	route := limiter.Check(ctx, "client-1", "POST /refunds", 10, time.Hour)
	assert.True(t, route.Allowed)

	// After window expiry the first request succeeds again.
	current = current.Add(time.Hour + time.Second)
	res = limiter.Check(ctx, "client-1", "POST /payments", 10, time.Hour)
	assert.True(t, res.Allowed)
	assert.Equal(t, 9, res.Remaining)
}

type failingStore struct{}

func (failingStore) Incr(context.Context, string, time.Duration) (int64, time.Time, error) {
	return 0, time.Time{}, errors.New("backend down")
}

func TestLimiterFailsOpen(t *testing.T) {
	limiter := NewLimiter(failingStore{}, testLogger())

	res := limiter.Check(context.Background(), "client-1", "POST /payments", 1, time.Hour)
	assert.True(t, res.Allowed)
}
