package kvstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisStore(client), mr
}

func TestRedisGetMissingKeyIsNotFound(t *testing.T) {
	store, _ := newRedisTestStore(t)

	_, err := store.Get(context.Background(), "nope")
	if !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestRedisSetIfAbsentFirstWriterWins(t *testing.T) {
	store, _ := newRedisTestStore(t)
	ctx := context.Background()

	created, err := store.SetIfAbsent(ctx, "k", "a", time.Minute)
	if err != nil || !created {
		t.Fatalf("first SetIfAbsent = (%v, %v), want (true, nil)", created, err)
	}
	created, err = store.SetIfAbsent(ctx, "k", "b", time.Minute)
	if err != nil || created {
		t.Fatalf("second SetIfAbsent = (%v, %v), want (false, nil)", created, err)
	}

	val, err := store.Get(ctx, "k")
	if err != nil || val != "a" {
		t.Fatalf("Get = (%q, %v), want (\"a\", nil)", val, err)
	}
}

func TestRedisTTLSentinels(t *testing.T) {
	store, mr := newRedisTestStore(t)
	ctx := context.Background()

	mr.Set("noexp", "v")
	ttl, err := store.TTL(ctx, "noexp")
	if err != nil || ttl != NoExpiry {
		t.Fatalf("TTL without expiry = (%v, %v), want (NoExpiry, nil)", ttl, err)
	}

	if _, err := store.TTL(ctx, "missing"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("TTL of missing key: expected ErrKeyNotFound, got %v", err)
	}

	if err := store.Set(ctx, "exp", "v", time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	ttl, err = store.TTL(ctx, "exp")
	if err != nil || ttl <= 0 {
		t.Fatalf("TTL with expiry = (%v, %v), want positive", ttl, err)
	}
}

func TestRedisCompareAndSwap(t *testing.T) {
	store, mr := newRedisTestStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, "rec", "old", time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	swapped, err := store.CompareAndSwap(ctx, "rec", "wrong", "new")
	if err != nil || swapped {
		t.Fatalf("CAS with stale expectation = (%v, %v), want (false, nil)", swapped, err)
	}

	swapped, err = store.CompareAndSwap(ctx, "rec", "old", "new")
	if err != nil || !swapped {
		t.Fatalf("CAS with matching value = (%v, %v), want (true, nil)", swapped, err)
	}

	val, _ := store.Get(ctx, "rec")
	if val != "new" {
		t.Fatalf("value after swap = %q, want \"new\"", val)
	}
	if mr.TTL("rec") <= 0 {
		t.Fatal("swap must preserve the key's TTL")
	}

	// Second swap against the old value must lose.
	swapped, err = store.CompareAndSwap(ctx, "rec", "old", "other")
	if err != nil || swapped {
		t.Fatalf("replayed CAS = (%v, %v), want (false, nil)", swapped, err)
	}

	swapped, err = store.CompareAndSwap(ctx, "absent", "old", "new")
	if err != nil || swapped {
		t.Fatalf("CAS on missing key = (%v, %v), want (false, nil)", swapped, err)
	}
}

func TestRedisExecBatchResultsInOrder(t *testing.T) {
	store, _ := newRedisTestStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, "a", "1", time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	var b Batch
	b.Incr("counter")
	b.TTL("counter")
	b.Get("a")
	b.Get("missing")
	b.Del("a")

	results, err := store.ExecBatch(ctx, &b)
	if err != nil {
		t.Fatalf("ExecBatch failed: %v", err)
	}
	if len(results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(results))
	}
	if results[0].Int != 1 {
		t.Fatalf("incr result = %d, want 1", results[0].Int)
	}
	if results[1].TTL != NoExpiry {
		t.Fatalf("ttl result = %v, want NoExpiry", results[1].TTL)
	}
	if results[2].Str != "1" || results[2].Err != nil {
		t.Fatalf("get result = (%q, %v), want (\"1\", nil)", results[2].Str, results[2].Err)
	}
	if !errors.Is(results[3].Err, ErrKeyNotFound) {
		t.Fatalf("missing get: expected ErrKeyNotFound, got %v", results[3].Err)
	}
	if results[4].Int != 1 {
		t.Fatalf("del result = %d, want 1", results[4].Int)
	}
}

func TestRedisSetMembership(t *testing.T) {
	store, _ := newRedisTestStore(t)
	ctx := context.Background()

	added, err := store.SAdd(ctx, "s", "m1")
	if err != nil || !added {
		t.Fatalf("first SAdd = (%v, %v), want (true, nil)", added, err)
	}
	added, err = store.SAdd(ctx, "s", "m1")
	if err != nil || added {
		t.Fatalf("duplicate SAdd = (%v, %v), want (false, nil)", added, err)
	}
	if _, err := store.SAdd(ctx, "s", "m2"); err != nil {
		t.Fatalf("SAdd failed: %v", err)
	}

	members, err := store.SMembers(ctx, "s")
	if err != nil || len(members) != 2 {
		t.Fatalf("SMembers = (%v, %v), want 2 members", members, err)
	}

	members, err = store.SMembers(ctx, "empty")
	if err != nil || len(members) != 0 {
		t.Fatalf("SMembers of missing set = (%v, %v), want empty", members, err)
	}
}

func TestRedisUnavailableIsNotAbsent(t *testing.T) {
	store, mr := newRedisTestStore(t)
	mr.Close()

	_, err := store.Get(context.Background(), "k")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if errors.Is(err, ErrKeyNotFound) {
		t.Fatal("store outage must never look like a missing key")
	}
}
