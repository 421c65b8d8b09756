// Package idempotency prevents duplicate processing of in-flight
// operations identified by a client-supplied key. It is a lock, not a
// response cache: duplicates are rejected, never replayed.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/permy-app/serverside/internal/kvstore"
)

// Guard issues single-use locks per (subject, key) for one operation
// family. Locks expire on their own; no sweep is needed.
type Guard struct {
	store kvstore.Store
	op    string
	ttl   time.Duration
}

// New creates a [Guard] for the named operation. The TTL bounds how long
// a crashed handler can block a legitimate retry.
func New(store kvstore.Store, op string, ttl time.Duration) *Guard {
	return &Guard{store: store, op: op, ttl: ttl}
}

// Acquire attempts to take the lock for (subject, key). It returns true
// iff this call created the lock; false means an equivalent request is
// in flight or already completed and the caller must reject the
// duplicate. Store failure is returned as-is, never as "lock taken".
func (g *Guard) Acquire(ctx context.Context, subject, key string) (bool, error) {
	return g.store.SetIfAbsent(ctx, g.key(subject, key), "1", g.ttl)
}

// Release drops the lock unconditionally. Used as compensating cleanup
// when the guarded operation fails before completing, so a legitimate
// retry is not blocked for the full TTL.
func (g *Guard) Release(ctx context.Context, subject, key string) error {
	_, err := g.store.Del(ctx, g.key(subject, key))
	return err
}

func (g *Guard) key(subject, key string) string {
	return fmt.Sprintf("idem:%s:%s:%s", g.op, subject, key)
}
