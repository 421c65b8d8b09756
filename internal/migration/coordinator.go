// Package migration implements one-time numeric codes that let a user
// re-authenticate as their prior identity on a new device. Codes are
// short-lived, stored only as a SHA-256 hash, redeemable at most once,
// and locked out per hash after repeated failed guesses.
package migration

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/permy-app/serverside/internal/kvstore"
	"github.com/permy-app/serverside/internal/session"
)

var (
	// ErrCodeInvalid covers never-existed, expired, wrong, and
	// locked-out codes. The cases are merged so a caller cannot probe
	// which one applies.
	ErrCodeInvalid = errors.New("migration: code invalid")

	// ErrCodeUsed is returned for a code that was already redeemed.
	// Revealing "already used" is not sensitive, and it is operationally
	// useful to the legitimate device that lost the race.
	ErrCodeUsed = errors.New("migration: code already used")
)

const (
	codeDigits    = 12
	ticketIDBytes = 16
)

// Config tunes code, ticket, and lockout lifecycles. Defaults follow
// the service configuration; zero values are not usable.
type Config struct {
	CodeTTL    time.Duration
	TicketTTL  time.Duration
	LockoutTTL time.Duration
	// MaxTries is the per-hash failed-lookup threshold that triggers a
	// lockout.
	MaxTries int
}

// Coordinator drives the migration lifecycle. It composes the session
// manager for the revoke-then-issue handover and holds no state outside
// the store.
type Coordinator struct {
	store    kvstore.Store
	sessions *session.Manager
	cfg      Config
	log      *slog.Logger
}

// NewCoordinator creates a [Coordinator].
func NewCoordinator(store kvstore.Store, sessions *session.Manager, cfg Config, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{store: store, sessions: sessions, cfg: cfg, log: log}
}

// Start issues a migration code for the subject. The plaintext code is
// returned exactly once and never persisted or logged; the store sees
// only its hash. The ticket id correlates the flow for support purposes
// and carries no authority.
func (c *Coordinator) Start(ctx context.Context, subjectID string) (code, ticketID string, err error) {
	code, err = newCode()
	if err != nil {
		return "", "", err
	}
	ticketID, err = newTicketID()
	if err != nil {
		return "", "", err
	}

	rec := codeRecord{Subject: subjectID, Ticket: ticketID}
	if err := c.store.Set(ctx, codeKey(hashCode(code)), rec.encode(), c.cfg.CodeTTL); err != nil {
		return "", "", err
	}
	if err := c.store.Set(ctx, ticketKey(ticketID), encodeTicket(subjectID, ticketStarted), c.cfg.TicketTTL); err != nil {
		return "", "", err
	}

	c.log.InfoContext(ctx, "migration started", "subject", subjectID, "ticket", ticketID)
	return code, ticketID, nil
}

// Complete redeems a plaintext code: exactly one redemption transfers
// the identity, revokes every session of the original subject, and
// issues a fresh token for the new device.
//
// Failed lookups feed a per-hash counter; at the threshold the hash is
// locked out for its own, longer TTL and every further attempt fails
// identically to an unknown code.
func (c *Coordinator) Complete(ctx context.Context, plainCode string) (subjectID, token string, err error) {
	hash := hashCode(plainCode)

	// Locked-out hashes short-circuit before any record read so the
	// response cannot confirm the lockout exists.
	if _, err := c.store.Get(ctx, lockKey(hash)); err == nil {
		return "", "", ErrCodeInvalid
	} else if !errors.Is(err, kvstore.ErrKeyNotFound) {
		return "", "", err
	}

	raw, err := c.store.Get(ctx, codeKey(hash))
	if err != nil {
		if errors.Is(err, kvstore.ErrKeyNotFound) {
			if err := c.recordFailure(ctx, hash); err != nil {
				return "", "", err
			}
			return "", "", ErrCodeInvalid
		}
		return "", "", err
	}

	rec, err := decodeCodeRecord(raw)
	if err != nil {
		return "", "", err
	}
	if rec.Used {
		return "", "", ErrCodeUsed
	}

	// Flip used 0->1 with a compare-and-swap keyed on the exact record
	// we read, preserving the key's remaining TTL. Of two concurrent
	// redemptions of a still-valid code, exactly one wins; the loser
	// observes the swap failure and reports the code as used.
	used := rec
	used.Used = true
	swapped, err := c.store.CompareAndSwap(ctx, codeKey(hash), raw, used.encode())
	if err != nil {
		return "", "", err
	}
	if !swapped {
		return "", "", ErrCodeUsed
	}

	// The redemption is committed. Cleanup of the failure counter is
	// best-effort: the counter expires with the code lifetime anyway.
	if _, err := c.store.Del(ctx, triesKey(hash)); err != nil {
		c.log.WarnContext(ctx, "migration tries cleanup failed", "error", err)
	}

	// Kill every session of the old device before handing the identity
	// to the new one.
	revoked, err := c.sessions.RevokeAll(ctx, rec.Subject)
	if err != nil {
		return "", "", err
	}

	token, err = c.sessions.Issue(ctx, rec.Subject)
	if err != nil {
		return "", "", err
	}

	// Ticket update is informational; its failure must not undo a
	// completed migration.
	if err := c.store.Set(ctx, ticketKey(rec.Ticket), encodeTicket(rec.Subject, ticketCompleted), c.cfg.TicketTTL); err != nil {
		c.log.WarnContext(ctx, "migration ticket update failed", "ticket", rec.Ticket, "error", err)
	}

	c.log.InfoContext(ctx, "migration completed",
		"subject", rec.Subject, "ticket", rec.Ticket, "sessions_revoked", revoked)
	return rec.Subject, token, nil
}

// recordFailure increments the per-hash failure counter and installs the
// lockout once the threshold is reached. The counter lives only as long
// as a code could: its TTL matches the code lifetime, set on first
// failure.
func (c *Coordinator) recordFailure(ctx context.Context, hash string) error {
	key := triesKey(hash)

	tries, err := c.store.Incr(ctx, key)
	if err != nil {
		return err
	}
	if tries == 1 {
		if _, err := c.store.Expire(ctx, key, c.cfg.CodeTTL); err != nil {
			return err
		}
	}

	if tries >= int64(c.cfg.MaxTries) {
		if err := c.store.Set(ctx, lockKey(hash), "1", c.cfg.LockoutTTL); err != nil {
			return err
		}
		c.log.WarnContext(ctx, "migration hash locked out", "tries", tries)
	}
	return nil
}

// newCode draws a fixed-length decimal code from crypto/rand. Each digit
// is drawn independently so the code is uniform over the full space.
func newCode() (string, error) {
	digits := make([]byte, codeDigits)
	for i := range digits {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("migration: code entropy: %w", err)
		}
		digits[i] = byte('0' + n.Int64())
	}
	return string(digits), nil
}

func newTicketID() (string, error) {
	buf := make([]byte, ticketIDBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("migration: ticket entropy: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

func codeKey(hash string) string { return "mig:code:" + hash }

func ticketKey(id string) string { return "mig:ticket:" + id }

func triesKey(hash string) string { return "mig:tries:" + hash }

func lockKey(hash string) string { return "mig:lock:" + hash }
