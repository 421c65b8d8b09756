// Package ratelimit implements fixed-window request counters over the
// shared store. Windows are contiguous, not sliding: a burst straddling
// a window boundary can admit up to twice the limit, which is an
// accepted property of the scheme, not a defect.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/permy-app/serverside/internal/kvstore"
)

// ErrRateLimited is the sentinel matched by errors.Is for any window
// rejection. The concrete error is a [*LimitError].
var ErrRateLimited = errors.New("rate limited")

// LimitError reports which window rejected the request. It never leaks
// store key names; scope and subject are safe observability labels.
type LimitError struct {
	Scope   string
	Subject string
	Limit   int
	Window  time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limited: scope=%s subject=%s limit=%d window=%s",
		e.Scope, e.Subject, e.Limit, e.Window)
}

func (e *LimitError) Unwrap() error { return ErrRateLimited }

// Limiter enforces fixed-window limits keyed by (scope, subject, window).
// It holds no state of its own; all counters live in the store.
type Limiter struct {
	store kvstore.Store
}

// New creates a [Limiter] over the given store.
func New(store kvstore.Store) *Limiter {
	return &Limiter{store: store}
}

// Consume records one request against the (scope, subject) window and
// rejects with a [*LimitError] once the window's count exceeds limit.
// The increment is not rolled back on rejection: over-limit requests
// keep counting, which both caps retry amplification and keeps the
// counter's growth bounded by client behavior.
//
// The increment and the TTL assignment are two store operations. Two
// first-in-window requests racing can both observe "no TTL yet" and both
// set it; the second EXPIRE merely refreshes the window by a few
// milliseconds, so the race is accepted.
func (l *Limiter) Consume(ctx context.Context, scope, subject string, window time.Duration, limit int) error {
	key := counterKey(scope, subject, window)

	var b kvstore.Batch
	b.Incr(key)
	b.TTL(key)
	results, err := l.store.ExecBatch(ctx, &b)
	if err != nil {
		return err
	}
	count := results[0].Int

	// First increment in the window: establish the window's expiry.
	if results[1].TTL == kvstore.NoExpiry {
		if _, err := l.store.Expire(ctx, key, window); err != nil {
			return err
		}
	}

	if count > int64(limit) {
		return &LimitError{Scope: scope, Subject: subject, Limit: limit, Window: window}
	}
	return nil
}

func counterKey(scope, subject string, window time.Duration) string {
	return fmt.Sprintf("rl:%s:%s:%d", scope, subject, int(window.Seconds()))
}
