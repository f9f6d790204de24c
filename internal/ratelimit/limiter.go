// Package ratelimit provides a fixed-window request throttle.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// CounterStore increments fixed-window counters. Implementations must be
// safe for concurrent use. Approximate counting is acceptable.
type CounterStore interface {
	// Incr increments the counter for key within the current window and
	// returns the new count and the time the window resets.
	Incr(ctx context.Context, key string, window time.Duration) (count int64, resetAt time.Time, err error)
}

// Result is the outcome of a rate-limit check.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Limiter checks requests against per-route fixed windows.
// Counter backend failures fail open: the request is allowed and the
// degraded mode is logged.
type Limiter struct {
	store  CounterStore
	logger *slog.Logger

	// now is overridable in tests and must agree with the store's clock.
	now func() time.Time
}

// NewLimiter creates a new limiter.
func NewLimiter(store CounterStore, logger *slog.Logger) *Limiter {
	return &Limiter{store: store, logger: logger, now: time.Now}
}

// Check increments the counter for clientKey on routeKey and compares it
// to limit within the window.
func (l *Limiter) Check(ctx context.Context, clientKey, routeKey string, limit int, window time.Duration) Result {
	key := fmt.Sprintf("%s:%s", clientKey, routeKey)

	count, resetAt, err := l.store.Incr(ctx, key, window)
	if err != nil {
		l.logger.Warn("rate limit backend unavailable, failing open",
			"error", err,
			"route", routeKey,
		)
		return Result{Allowed: true, Limit: limit, Remaining: limit, ResetAt: l.now().Add(window)}
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	if count > int64(limit) {
		return Result{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			RetryAfter: resetAt.Sub(l.now()),
			ResetAt:    resetAt,
		}
	}

	return Result{Allowed: true, Limit: limit, Remaining: remaining, ResetAt: resetAt}
}

// MemoryStore is an in-process CounterStore. Windows are aligned to their
// start time and swept lazily on access.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window

	// now is overridable in tests.
	now func() time.Time
}

type window struct {
	count   int64
	resetAt time.Time
}

// NewMemoryStore creates a new in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Incr implements CounterStore.
func (s *MemoryStore) Incr(_ context.Context, key string, windowDur time.Duration) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w, ok := s.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(windowDur)}
		s.windows[key] = w
	}
	w.count++

	// Sweep expired windows occasionally to bound memory.
	if len(s.windows) > 10000 {
		for k, v := range s.windows {
			if !now.Before(v.resetAt) {
				delete(s.windows, k)
			}
		}
	}

	return w.count, w.resetAt, nil
}
