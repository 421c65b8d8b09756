package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/permy-app/serverside/internal/kvstore"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return New(kvstore.NewRedisStore(client)), mr
}

func TestConsumeAdmitsExactlyLimitPerWindow(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		if err := limiter.Consume(ctx, "generate", "u1", time.Minute, 5); err != nil {
			t.Fatalf("call %d: expected pass, got %v", i, err)
		}
	}

	err := limiter.Consume(ctx, "generate", "u1", time.Minute, 5)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("call 6: expected ErrRateLimited, got %v", err)
	}

	var limitErr *LimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected *LimitError, got %T", err)
	}
	if limitErr.Scope != "generate" || limitErr.Subject != "u1" {
		t.Fatalf("limit error carries (%q, %q), want (generate, u1)", limitErr.Scope, limitErr.Subject)
	}
}

func TestConsumeWindowResets(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_ = limiter.Consume(ctx, "generate", "u1", time.Minute, 5)
	}

	mr.FastForward(61 * time.Second)

	if err := limiter.Consume(ctx, "generate", "u1", time.Minute, 5); err != nil {
		t.Fatalf("expected pass after window elapsed, got %v", err)
	}
}

func TestConsumeOverLimitKeepsCounting(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		_ = limiter.Consume(ctx, "generate", "u1", time.Minute, 5)
	}

	// Rejected requests are not rolled back.
	got, err := mr.Get("rl:generate:u1:60")
	if err != nil {
		t.Fatalf("counter read failed: %v", err)
	}
	if got != "8" {
		t.Fatalf("counter = %s, want 8", got)
	}
}

func TestConsumeSetsWindowTTLOnFirstHit(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	ctx := context.Background()

	if err := limiter.Consume(ctx, "auth", "1.2.3.4", 10*time.Minute, 10); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}

	ttl := mr.TTL("rl:auth:1.2.3.4:600")
	if ttl <= 0 || ttl > 10*time.Minute {
		t.Fatalf("window TTL = %v, want (0, 10m]", ttl)
	}

	// Later hits must not refresh the window.
	mr.FastForward(5 * time.Minute)
	if err := limiter.Consume(ctx, "auth", "1.2.3.4", 10*time.Minute, 10); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if got := mr.TTL("rl:auth:1.2.3.4:600"); got > 5*time.Minute {
		t.Fatalf("window TTL refreshed to %v, want <= 5m", got)
	}
}

func TestConsumeIsolatesScopesAndSubjects(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := limiter.Consume(ctx, "a", "u1", time.Minute, 3); err != nil {
			t.Fatalf("scope a: %v", err)
		}
	}
	if err := limiter.Consume(ctx, "a", "u1", time.Minute, 3); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("scope a over limit: expected ErrRateLimited, got %v", err)
	}

	// Same subject, different scope: untouched window.
	if err := limiter.Consume(ctx, "b", "u1", time.Minute, 3); err != nil {
		t.Fatalf("scope b: %v", err)
	}
	// Same scope, different subject: untouched window.
	if err := limiter.Consume(ctx, "a", "u2", time.Minute, 3); err != nil {
		t.Fatalf("subject u2: %v", err)
	}
}

func TestConsumeStoreOutageIsNotAPass(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	mr.Close()

	err := limiter.Consume(context.Background(), "a", "u1", time.Minute, 3)
	if !errors.Is(err, kvstore.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if errors.Is(err, ErrRateLimited) {
		t.Fatal("outage must not be reported as a rate limit")
	}
}
