// Package kvstore abstracts the shared ephemeral store that every
// security component operates through: fixed-window counters, idempotency
// locks, sessions, and migration codes all live behind [Store].
//
// The contract separates logical absence ([ErrKeyNotFound]) from
// infrastructure failure ([ErrUnavailable]). Callers must never treat a
// store outage as "key absent"; every method wraps backend I/O errors
// with ErrUnavailable so the distinction survives errors.Is checks.
package kvstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrKeyNotFound is returned when a key does not exist. It is a
	// logical outcome, never an infrastructure failure.
	ErrKeyNotFound = errors.New("kvstore: key not found")

	// ErrUnavailable indicates the backing store could not be reached or
	// returned an unexpected error. Fatal to the current request.
	ErrUnavailable = errors.New("kvstore: backend unavailable")
)

// NoExpiry is reported by [Store.TTL] for keys that exist without an
// expiry set.
const NoExpiry time.Duration = -1

// Store is the atomic primitive surface shared by all components.
// Each single operation is atomic with respect to concurrent callers on
// the same key. Multi-step sequences composed by callers are not.
type Store interface {
	// Get returns the value at key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set writes value with the given TTL, overwriting any prior value.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetIfAbsent writes value with the given TTL only if the key does
	// not exist. Returns true iff this call created the key.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Incr adds 1 to the integer at key, creating it at 0 first if
	// absent, and returns the post-increment value.
	Incr(ctx context.Context, key string) (int64, error)

	// TTL reports the remaining lifetime of key: a positive duration,
	// NoExpiry for keys without one, or ErrKeyNotFound.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Expire sets the TTL on an existing key. Returns false if the key
	// does not exist.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Del removes the given keys and returns how many existed.
	Del(ctx context.Context, keys ...string) (int64, error)

	// SAdd adds member to the set at key. Returns true iff the member
	// was not already present.
	SAdd(ctx context.Context, key, member string) (bool, error)

	// SMembers returns all members of the set at key. A missing key is
	// an empty set, not an error.
	SMembers(ctx context.Context, key string) ([]string, error)

	// CompareAndSwap atomically replaces the value at key with new only
	// if the current value equals old, preserving the key's remaining
	// TTL. Returns true iff the swap happened. A missing key reports
	// false. First writer wins under concurrency.
	CompareAndSwap(ctx context.Context, key, old, new string) (bool, error)

	// ExecBatch issues all queued operations together and returns their
	// results in order. Best-effort pipelining only: later operations
	// still run when an earlier one fails logically, and there is no
	// transactional guarantee across the batch.
	ExecBatch(ctx context.Context, b *Batch) ([]Result, error)

	// Ping verifies connectivity to the backend.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

type opKind uint8

const (
	opGet opKind = iota
	opSet
	opIncr
	opTTL
	opDel
)

type op struct {
	kind  opKind
	key   string
	keys  []string
	value string
	ttl   time.Duration
}

// Batch accumulates operations for [Store.ExecBatch]. Not safe for
// concurrent use; build, execute, discard.
type Batch struct {
	ops []op
}

// Get queues a read of key.
func (b *Batch) Get(key string) { b.ops = append(b.ops, op{kind: opGet, key: key}) }

// Set queues a TTL-bearing write.
func (b *Batch) Set(key, value string, ttl time.Duration) {
	b.ops = append(b.ops, op{kind: opSet, key: key, value: value, ttl: ttl})
}

// Incr queues an increment of key.
func (b *Batch) Incr(key string) { b.ops = append(b.ops, op{kind: opIncr, key: key}) }

// TTL queues a TTL inspection of key.
func (b *Batch) TTL(key string) { b.ops = append(b.ops, op{kind: opTTL, key: key}) }

// Del queues deletion of the given keys as one operation.
func (b *Batch) Del(keys ...string) { b.ops = append(b.ops, op{kind: opDel, keys: keys}) }

// Len reports how many operations are queued.
func (b *Batch) Len() int { return len(b.ops) }

// Result holds the outcome of a single batched operation. Exactly the
// fields relevant to the operation kind are populated. Err carries
// per-operation logical errors such as ErrKeyNotFound; infrastructure
// failures abort the whole batch instead.
type Result struct {
	Str string
	Int int64
	TTL time.Duration
	Err error
}
