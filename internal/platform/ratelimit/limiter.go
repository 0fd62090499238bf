package ratelimit

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Limiter applies one Policy to keys held in a Store.
type Limiter struct {
	store  Store
	policy Policy
	logger zerolog.Logger
	nowFn  func() time.Time
}

// NewLimiter creates a limiter for policy over store.
func NewLimiter(store Store, policy Policy, logger zerolog.Logger) *Limiter {
	return newLimiter(store, policy, logger, time.Now)
}

func newLimiter(store Store, policy Policy, logger zerolog.Logger, nowFn func() time.Time) *Limiter {
	return &Limiter{store: store, policy: policy, logger: logger, nowFn: nowFn}
}

// WithClock replaces the limiter's time source and returns l.
func (l *Limiter) WithClock(nowFn func() time.Time) *Limiter {
	l.nowFn = nowFn
	return l
}

// Policy returns the budget this limiter enforces.
func (l *Limiter) Policy() Policy {
	return l.policy
}

// IsLimited reports whether key has used its attempt budget inside the
// trailing window. It does not modify state. A store failure is treated as
// limited.
func (l *Limiter) IsLimited(ctx context.Context, key Key) bool {
	since := l.nowFn().Add(-l.policy.Window)
	n, err := l.store.Count(ctx, key.String(), since)
	if err != nil {
		l.logger.Error().Err(err).
			Str("type", "rate_limit").
			Str("action", string(key.Action)).
			Msg("rate limit store unavailable, failing closed")
		return true
	}
	return n >= l.policy.MaxAttempts
}

// RecordAttempt counts one attempt for key now and prunes attempts that have
// aged out of the window.
func (l *Limiter) RecordAttempt(ctx context.Context, key Key) error {
	now := l.nowFn()
	return l.store.Record(ctx, key.String(), now, now.Add(-l.policy.Window))
}

// Clear resets the counter for key immediately.
func (l *Limiter) Clear(ctx context.Context, key Key) error {
	return l.store.Clear(ctx, key.String())
}
