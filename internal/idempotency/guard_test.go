package idempotency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/permy-app/serverside/internal/kvstore"
)

func newTestGuard(t *testing.T, ttl time.Duration) (*Guard, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return New(kvstore.NewRedisStore(client), "gen", ttl), mr
}

func TestAcquireOncePerKey(t *testing.T) {
	guard, _ := newTestGuard(t, time.Hour)
	ctx := context.Background()

	ok, err := guard.Acquire(ctx, "u1", "k1")
	if err != nil || !ok {
		t.Fatalf("first Acquire = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = guard.Acquire(ctx, "u1", "k1")
	if err != nil || ok {
		t.Fatalf("duplicate Acquire = (%v, %v), want (false, nil)", ok, err)
	}

	// Distinct subject or key is a distinct lock.
	if ok, _ := guard.Acquire(ctx, "u2", "k1"); !ok {
		t.Fatal("different subject must acquire independently")
	}
	if ok, _ := guard.Acquire(ctx, "u1", "k2"); !ok {
		t.Fatal("different key must acquire independently")
	}
}

func TestAcquireConcurrentSingleWinner(t *testing.T) {
	guard, _ := newTestGuard(t, time.Hour)
	ctx := context.Background()

	const callers = 64
	var winners atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := guard.Acquire(ctx, "u1", "shared")
			if err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			if ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := winners.Load(); got != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", got)
	}
}

func TestReleaseUnblocksRetry(t *testing.T) {
	guard, _ := newTestGuard(t, time.Hour)
	ctx := context.Background()

	if ok, _ := guard.Acquire(ctx, "u1", "k1"); !ok {
		t.Fatal("first Acquire must succeed")
	}
	if err := guard.Release(ctx, "u1", "k1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if ok, _ := guard.Acquire(ctx, "u1", "k1"); !ok {
		t.Fatal("Acquire after Release must succeed")
	}
}

func TestLockExpiresOnItsOwn(t *testing.T) {
	guard, mr := newTestGuard(t, time.Minute)
	ctx := context.Background()

	if ok, _ := guard.Acquire(ctx, "u1", "k1"); !ok {
		t.Fatal("first Acquire must succeed")
	}

	mr.FastForward(61 * time.Second)

	if ok, _ := guard.Acquire(ctx, "u1", "k1"); !ok {
		t.Fatal("Acquire after TTL expiry must succeed")
	}
}
