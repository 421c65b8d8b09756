package kvstore

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is an in-process [Store] for single-node deployments and
// tests. TTLs are evaluated lazily against an injectable clock, so tests
// can advance time without sleeping.
type MemoryStore struct {
	mu   sync.Mutex
	now  func() time.Time
	kv   map[string]string
	sets map[string]map[string]struct{}
	exp  map[string]time.Time
}

// MemoryOption configures a [MemoryStore].
type MemoryOption func(*MemoryStore)

// WithClock replaces the wall clock, for simulated time in tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		now:  time.Now,
		kv:   make(map[string]string),
		sets: make(map[string]map[string]struct{}),
		exp:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// purge drops the key if its expiry has passed. Caller holds mu.
func (s *MemoryStore) purge(key string) {
	if at, ok := s.exp[key]; ok && !s.now().Before(at) {
		delete(s.kv, key)
		delete(s.sets, key)
		delete(s.exp, key)
	}
}

func (s *MemoryStore) setExpiry(key string, ttl time.Duration) {
	if ttl > 0 {
		s.exp[key] = s.now().Add(ttl)
	} else {
		delete(s.exp, key)
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge(key)
	val, ok := s.kv[key]
	if !ok {
		return "", ErrKeyNotFound
	}
	return val, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = value
	s.setExpiry(key, ttl)
	return nil
}

func (s *MemoryStore) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge(key)
	if _, ok := s.kv[key]; ok {
		return false, nil
	}
	s.kv[key] = value
	s.setExpiry(key, ttl)
	return true, nil
}

func (s *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.incrLocked(key)
}

func (s *MemoryStore) incrLocked(key string) (int64, error) {
	s.purge(key)
	n, _ := strconv.ParseInt(s.kv[key], 10, 64)
	n++
	s.kv[key] = strconv.FormatInt(n, 10)
	return n, nil
}

func (s *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttlLocked(key)
}

func (s *MemoryStore) ttlLocked(key string) (time.Duration, error) {
	s.purge(key)
	if !s.existsLocked(key) {
		return 0, ErrKeyNotFound
	}
	at, ok := s.exp[key]
	if !ok {
		return NoExpiry, nil
	}
	return at.Sub(s.now()), nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge(key)
	if !s.existsLocked(key) {
		return false, nil
	}
	s.setExpiry(key, ttl)
	return true, nil
}

func (s *MemoryStore) Del(_ context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for _, key := range keys {
		removed += s.delLocked(key)
	}
	return removed, nil
}

func (s *MemoryStore) delLocked(key string) int64 {
	s.purge(key)
	if !s.existsLocked(key) {
		return 0
	}
	delete(s.kv, key)
	delete(s.sets, key)
	delete(s.exp, key)
	return 1
}

func (s *MemoryStore) SAdd(_ context.Context, key, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge(key)
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	if _, dup := set[member]; dup {
		return false, nil
	}
	set[member] = struct{}{}
	return true, nil
}

func (s *MemoryStore) SMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge(key)
	members := make([]string, 0, len(s.sets[key]))
	for m := range s.sets[key] {
		members = append(members, m)
	}
	return members, nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, key, old, new string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge(key)
	cur, ok := s.kv[key]
	if !ok || cur != old {
		return false, nil
	}
	s.kv[key] = new
	return true, nil
}

func (s *MemoryStore) ExecBatch(_ context.Context, b *Batch) ([]Result, error) {
	if b == nil || len(b.ops) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	results := make([]Result, len(b.ops))
	for i, o := range b.ops {
		switch o.kind {
		case opGet:
			s.purge(o.key)
			if val, ok := s.kv[o.key]; ok {
				results[i] = Result{Str: val}
			} else {
				results[i] = Result{Err: ErrKeyNotFound}
			}
		case opSet:
			s.kv[o.key] = o.value
			s.setExpiry(o.key, o.ttl)
			results[i] = Result{}
		case opIncr:
			n, _ := s.incrLocked(o.key)
			results[i] = Result{Int: n}
		case opTTL:
			ttl, err := s.ttlLocked(o.key)
			results[i] = Result{TTL: ttl, Err: err}
		case opDel:
			var removed int64
			for _, key := range o.keys {
				removed += s.delLocked(key)
			}
			results[i] = Result{Int: removed}
		}
	}
	return results, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) existsLocked(key string) bool {
	if _, ok := s.kv[key]; ok {
		return true
	}
	_, ok := s.sets[key]
	return ok
}
