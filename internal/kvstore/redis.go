package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// compareAndSwapScript swaps the value only when the current value
// matches, carrying the key's remaining TTL over to the new value. GET
// plus SET from the client would leave a window for a concurrent writer;
// the script makes the read and the write one atomic step on the server.
const compareAndSwapScript = `
local cur = redis.call("GET", KEYS[1])
if cur == false or cur ~= ARGV[1] then
  return 0
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl > 0 then
  redis.call("SET", KEYS[1], ARGV[2], "PX", ttl)
else
  redis.call("SET", KEYS[1], ARGV[2])
end
return 1
`

var compareAndSwapLua = redis.NewScript(compareAndSwapScript)

// RedisStore implements [Store] on a Redis backend. All methods are safe
// for concurrent use; the client handles pooling.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an existing client. The caller keeps ownership of
// client configuration; Close closes it.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrKeyNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	created, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return created, nil
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return count, nil
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return normalizeTTL(ttl)
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	set, err := s.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return set, nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	removed, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return removed, nil
}

func (s *RedisStore) SAdd(ctx context.Context, key, member string) (bool, error) {
	added, err := s.client.SAdd(ctx, key, member).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return added > 0, nil
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return members, nil
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, key, old, new string) (bool, error) {
	res, err := compareAndSwapLua.Run(ctx, s.client, []string{key}, old, new).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return res == 1, nil
}

func (s *RedisStore) ExecBatch(ctx context.Context, b *Batch) ([]Result, error) {
	if b == nil || len(b.ops) == 0 {
		return nil, nil
	}

	cmds := make([]redis.Cmder, len(b.ops))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, o := range b.ops {
			switch o.kind {
			case opGet:
				cmds[i] = pipe.Get(ctx, o.key)
			case opSet:
				cmds[i] = pipe.Set(ctx, o.key, o.value, o.ttl)
			case opIncr:
				cmds[i] = pipe.Incr(ctx, o.key)
			case opTTL:
				cmds[i] = pipe.TTL(ctx, o.key)
			case opDel:
				cmds[i] = pipe.Del(ctx, o.keys...)
			}
		}
		return nil
	})
	// Pipelined returns the first command error; redis.Nil there is a
	// logical per-op outcome, not a transport failure.
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	results := make([]Result, len(cmds))
	for i, cmd := range cmds {
		switch c := cmd.(type) {
		case *redis.StringCmd:
			val, err := c.Result()
			if errors.Is(err, redis.Nil) {
				results[i] = Result{Err: ErrKeyNotFound}
			} else if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
			} else {
				results[i] = Result{Str: val}
			}
		case *redis.IntCmd:
			n, err := c.Result()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
			results[i] = Result{Int: n}
		case *redis.DurationCmd:
			ttl, err := c.Result()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
			norm, err := normalizeTTL(ttl)
			results[i] = Result{TTL: norm, Err: err}
		case *redis.StatusCmd:
			if err := c.Err(); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
			results[i] = Result{}
		}
	}
	return results, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// normalizeTTL maps Redis TTL sentinels (-1 no expiry, -2 missing) onto
// the Store contract.
func normalizeTTL(ttl time.Duration) (time.Duration, error) {
	switch {
	case ttl == -2*time.Second || ttl == -2*time.Nanosecond:
		return 0, ErrKeyNotFound
	case ttl < 0:
		return NoExpiry, nil
	default:
		return ttl, nil
	}
}
