package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/convroute/convroute/pkg/kv"
)

// Store implements kv.Store, kv.CounterStore, kv.AtomicLimiter, kv.SetStore
// and kv.Pinger on a Redis client. Plain entries are JSON strings; counters
// are hashes so field increments happen server-side and stay additive under
// concurrency.
type Store struct {
	client *redis.Client
}

func New(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Get(ctx context.Context, key string, dest any) error {
	data, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return kv.ErrNotFound
		}
		return fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (s *Store) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}

// Incr applies all deltas inside one MULTI/EXEC pipeline. HINCRBY is
// atomic per field, so concurrent Incr calls against the same counter
// always sum instead of overwriting each other.
func (s *Store) Incr(ctx context.Context, key string, deltas map[string]int64, ttl time.Duration) (map[string]int64, error) {
	cmds := make(map[string]*redis.IntCmd, len(deltas))
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for field, delta := range deltas {
			cmds[field] = pipe.HIncrBy(ctx, key, field, delta)
		}
		pipe.HSet(ctx, key, "last_updated", time.Now().Unix())
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("incr %s: %w", key, err)
	}
	out := make(map[string]int64, len(cmds))
	for field, cmd := range cmds {
		out[field] = cmd.Val()
	}
	return out, nil
}

func (s *Store) Counter(ctx context.Context, key string) (map[string]int64, error) {
	raw, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("counter %s: %w", key, err)
	}
	out := make(map[string]int64, len(raw))
	for field, val := range raw {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			// non-numeric fields are not counters
			continue
		}
		out[field] = n
	}
	return out, nil
}

// incrWithLimitScript increments the counter at KEYS[1] unless it has
// reached ARGV[1]. Replies {count, 1} when the increment applied and
// {count, 0} when the ceiling held.
var incrWithLimitScript = redis.NewScript(`
local count = tonumber(redis.call("GET", KEYS[1]) or "0")
if count >= tonumber(ARGV[1]) then
	return {count, 0}
end
count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return {count, 1}
`)

func (s *Store) IncrWithLimit(ctx context.Context, key string, limit int64, ttl time.Duration) (int64, bool, error) {
	res, err := incrWithLimitScript.Run(ctx, s.client, []string{key}, limit, ttl.Milliseconds()).Result()
	if err != nil {
		return 0, false, fmt.Errorf("incr with limit %s: %w", key, err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, false, fmt.Errorf("incr with limit %s: unexpected script reply %v", key, res)
	}
	count, _ := vals[0].(int64)
	applied, _ := vals[1].(int64)
	return count, applied == 1, nil
}

func (s *Store) AddToSet(ctx context.Context, key, member string, ttl time.Duration) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, member)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sadd %s: %w", key, err)
	}
	return nil
}

func (s *Store) SetSize(ctx context.Context, key string) (int64, error) {
	n, err := s.client.SCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("scard %s: %w", key, err)
	}
	return n, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
