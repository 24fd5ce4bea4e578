package upstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisUpdateMaxRetries = 16

// RedisStore is a Store backed by a shared Redis instance, letting multiple
// process instances enforce quotas and circuit state against the same
// authoritative counters. Update uses optimistic WATCH transactions, so two
// processes racing on the same key never both pass a check they shouldn't.
type RedisStore struct {
	rdb       *redis.Client
	keyPrefix string
}

// NewRedisStore wraps an existing Redis client. All keys are namespaced
// under "upstream:" to keep them apart from other users of the instance.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, keyPrefix: "upstream:"}
}

func (s *RedisStore) key(key string) string {
	return s.keyPrefix + key
}

// Get returns the value for key, mapping redis.Nil to a miss.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, true, nil
}

// Set writes value under key with an optional ttl.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Update runs fn inside a WATCH-guarded transaction and retries on version
// conflicts, giving per-key atomicity across processes.
func (s *RedisStore) Update(ctx context.Context, key string, ttl time.Duration, fn func(old []byte, found bool) ([]byte, error)) ([]byte, error) {
	rkey := s.key(key)

	var result []byte
	txn := func(tx *redis.Tx) error {
		old, err := tx.Get(ctx, rkey).Bytes()
		found := true
		if errors.Is(err, redis.Nil) {
			old, found = nil, false
		} else if err != nil {
			return err
		}

		next, err := fn(old, found)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, rkey, next, ttl)
			return nil
		})
		if err == nil {
			result = next
		}
		return err
	}

	for i := 0; i < redisUpdateMaxRetries; i++ {
		err := s.rdb.Watch(ctx, txn, rkey)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, fmt.Errorf("redis update %s: %w", key, err)
	}
	return nil, fmt.Errorf("redis update %s: aborted after %d conflicts", key, redisUpdateMaxRetries)
}
