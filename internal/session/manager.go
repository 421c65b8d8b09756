// Package session issues and resolves opaque bearer tokens bound to a
// subject identity. The store is the single source of truth: deleting a
// session key invalidates the token immediately, and a per-subject
// reverse index supports bulk revocation without scanning.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/permy-app/serverside/internal/kvstore"
	"github.com/permy-app/serverside/internal/subject"
)

// ErrAuthInvalid is returned for any token that cannot be resolved to a
// live subject. An unknown token and a token whose subject has since
// vanished from the directory are indistinguishable on purpose: the
// caller learns nothing about which half failed.
var ErrAuthInvalid = errors.New("session: authentication invalid")

// tokenBytes gives 256 bits of entropy per token, matching the bearer
// credential contract.
const tokenBytes = 32

// Manager issues, resolves, and revokes sessions. It keeps no state
// outside the store and is safe for concurrent use.
type Manager struct {
	store    kvstore.Store
	subjects subject.Directory
	ttl      time.Duration
}

// NewManager creates a [Manager]. ttl is the session lifetime applied to
// both session keys and the per-subject index.
func NewManager(store kvstore.Store, subjects subject.Directory, ttl time.Duration) *Manager {
	return &Manager{store: store, subjects: subjects, ttl: ttl}
}

// Issue mints a fresh URL-safe bearer token for subjectID and registers
// it in the subject's revocation index. Multiple concurrent sessions per
// subject are allowed.
//
// The session key is written before the index entry: if the request is
// interrupted between the two writes, the dangling session is still
// independently valid and expires on its own, while a missing index
// entry only narrows a future bulk revocation, never authentication.
func (m *Manager) Issue(ctx context.Context, subjectID string) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}

	if err := m.store.Set(ctx, sessionKey(token), subjectID, m.ttl); err != nil {
		return "", err
	}
	if _, err := m.store.SAdd(ctx, indexKey(subjectID), token); err != nil {
		return "", err
	}
	// Refresh the index lifetime so it outlives its newest member.
	if _, err := m.store.Expire(ctx, indexKey(subjectID), m.ttl); err != nil {
		return "", err
	}

	return token, nil
}

// Resolve maps a bearer token back to its subject id. Expired or unknown
// tokens, and tokens whose subject no longer exists in the directory,
// all fail with [ErrAuthInvalid]. Store or directory outage propagates
// as an infrastructure error, never as ErrAuthInvalid.
func (m *Manager) Resolve(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrAuthInvalid
	}

	subjectID, err := m.store.Get(ctx, sessionKey(token))
	if err != nil {
		if errors.Is(err, kvstore.ErrKeyNotFound) {
			return "", ErrAuthInvalid
		}
		return "", err
	}

	known, err := m.subjects.Exists(ctx, subjectID)
	if err != nil {
		return "", err
	}
	if !known {
		return "", ErrAuthInvalid
	}

	return subjectID, nil
}

// RevokeAll deletes every indexed session of the subject plus the index
// itself in one pipelined batch, and returns how many session keys were
// removed. An empty index is a no-op. Sessions issued concurrently with
// the revocation may survive; the index is a superset of valid tokens
// only at the moment it was read.
func (m *Manager) RevokeAll(ctx context.Context, subjectID string) (int, error) {
	idx := indexKey(subjectID)

	tokens, err := m.store.SMembers(ctx, idx)
	if err != nil {
		return 0, err
	}
	if len(tokens) == 0 {
		return 0, nil
	}

	var b kvstore.Batch
	for _, token := range tokens {
		b.Del(sessionKey(token))
	}
	b.Del(idx)

	results, err := m.store.ExecBatch(ctx, &b)
	if err != nil {
		return 0, err
	}

	var revoked int
	for _, res := range results[:len(tokens)] {
		revoked += int(res.Int)
	}
	return revoked, nil
}

func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("session: token entropy: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func sessionKey(token string) string { return "sess:" + token }

func indexKey(subjectID string) string { return "sess_idx:" + subjectID }
