package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/permy-app/serverside/internal/kvstore"
	"github.com/permy-app/serverside/internal/subject"
)

func newTestManager(t *testing.T) (*Manager, *subject.MemoryDirectory, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	dir := subject.NewMemoryDirectory()
	return NewManager(kvstore.NewRedisStore(client), dir, time.Hour), dir, mr
}

func TestIssueThenResolveRoundTrips(t *testing.T) {
	mgr, dir, _ := newTestManager(t)
	ctx := context.Background()

	subjectID, err := dir.Create(ctx)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	token, err := mgr.Issue(ctx, subjectID)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	resolved, err := mgr.Resolve(ctx, token)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved != subjectID {
		t.Fatalf("Resolve = %q, want %q", resolved, subjectID)
	}
}

func TestTokenShapeAndUniqueness(t *testing.T) {
	mgr, dir, _ := newTestManager(t)
	ctx := context.Background()

	subjectID, _ := dir.Create(ctx)

	seen := make(map[string]struct{})
	for i := 0; i < 50; i++ {
		token, err := mgr.Issue(ctx, subjectID)
		if err != nil {
			t.Fatalf("Issue failed: %v", err)
		}
		// 32 random bytes, unpadded URL-safe base64.
		if len(token) != 43 {
			t.Fatalf("token length = %d, want 43", len(token))
		}
		if strings.ContainsAny(token, "+/=") {
			t.Fatalf("token %q is not URL-safe", token)
		}
		if _, dup := seen[token]; dup {
			t.Fatalf("duplicate token issued: %q", token)
		}
		seen[token] = struct{}{}
	}
}

func TestResolveUnknownTokenIsAuthInvalid(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	if _, err := mgr.Resolve(context.Background(), "bogus"); !errors.Is(err, ErrAuthInvalid) {
		t.Fatalf("expected ErrAuthInvalid, got %v", err)
	}
	if _, err := mgr.Resolve(context.Background(), ""); !errors.Is(err, ErrAuthInvalid) {
		t.Fatalf("empty token: expected ErrAuthInvalid, got %v", err)
	}
}

func TestResolveVanishedSubjectIsIndistinguishable(t *testing.T) {
	mgr, dir, _ := newTestManager(t)
	ctx := context.Background()

	subjectID, _ := dir.Create(ctx)
	token, err := mgr.Issue(ctx, subjectID)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	dir.Remove(subjectID)

	_, err = mgr.Resolve(ctx, token)
	if !errors.Is(err, ErrAuthInvalid) {
		t.Fatalf("expected ErrAuthInvalid for vanished subject, got %v", err)
	}

	// Same failure as an unknown token: no information leak.
	_, unknownErr := mgr.Resolve(ctx, "bogus")
	if !errors.Is(unknownErr, ErrAuthInvalid) {
		t.Fatalf("expected ErrAuthInvalid for unknown token, got %v", unknownErr)
	}
}

func TestResolveExpiredSessionIsAuthInvalid(t *testing.T) {
	mgr, dir, mr := newTestManager(t)
	ctx := context.Background()

	subjectID, _ := dir.Create(ctx)
	token, _ := mgr.Issue(ctx, subjectID)

	mr.FastForward(2 * time.Hour)

	if _, err := mgr.Resolve(ctx, token); !errors.Is(err, ErrAuthInvalid) {
		t.Fatalf("expected ErrAuthInvalid after expiry, got %v", err)
	}
}

func TestRevokeAllKillsEveryToken(t *testing.T) {
	mgr, dir, mr := newTestManager(t)
	ctx := context.Background()

	subjectID, _ := dir.Create(ctx)

	tokens := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		token, err := mgr.Issue(ctx, subjectID)
		if err != nil {
			t.Fatalf("Issue failed: %v", err)
		}
		tokens = append(tokens, token)
	}

	revoked, err := mgr.RevokeAll(ctx, subjectID)
	if err != nil {
		t.Fatalf("RevokeAll failed: %v", err)
	}
	if revoked != 3 {
		t.Fatalf("revoked = %d, want 3", revoked)
	}

	for _, token := range tokens {
		if _, err := mgr.Resolve(ctx, token); !errors.Is(err, ErrAuthInvalid) {
			t.Fatalf("token %q still resolves after RevokeAll", token)
		}
	}
	if mr.Exists("sess_idx:" + subjectID) {
		t.Fatal("index must be deleted with the sessions")
	}
}

func TestRevokeAllEmptyIndexIsNoOp(t *testing.T) {
	mgr, dir, _ := newTestManager(t)
	ctx := context.Background()

	subjectID, _ := dir.Create(ctx)

	revoked, err := mgr.RevokeAll(ctx, subjectID)
	if err != nil {
		t.Fatalf("RevokeAll failed: %v", err)
	}
	if revoked != 0 {
		t.Fatalf("revoked = %d, want 0", revoked)
	}
}

func TestRevokeAllIsolatesSubjects(t *testing.T) {
	mgr, dir, _ := newTestManager(t)
	ctx := context.Background()

	a, _ := dir.Create(ctx)
	b, _ := dir.Create(ctx)
	tokenA, _ := mgr.Issue(ctx, a)
	tokenB, _ := mgr.Issue(ctx, b)

	if _, err := mgr.RevokeAll(ctx, a); err != nil {
		t.Fatalf("RevokeAll failed: %v", err)
	}

	if _, err := mgr.Resolve(ctx, tokenA); !errors.Is(err, ErrAuthInvalid) {
		t.Fatal("subject a's token must be dead")
	}
	if _, err := mgr.Resolve(ctx, tokenB); err != nil {
		t.Fatalf("subject b's token must survive, got %v", err)
	}
}

func TestResolveStoreOutagePropagates(t *testing.T) {
	mgr, _, mr := newTestManager(t)
	mr.Close()

	_, err := mgr.Resolve(context.Background(), "sometoken")
	if !errors.Is(err, kvstore.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if errors.Is(err, ErrAuthInvalid) {
		t.Fatal("outage must not be reported as invalid auth")
	}
}
