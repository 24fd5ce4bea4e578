package upstream

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// Store is the backing store for rate-limit counters, circuit records,
// cached responses and revalidation markers. Implementations must provide
// per-key atomicity for Update; no other consistency is assumed. Keys are
// opaque strings (service names or request fingerprints).
type Store interface {
	// Get returns the value for key and whether it exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set writes value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Update atomically applies fn to the current value of key and writes
	// the result back. fn receives the existing value (or found=false) and
	// returns the replacement; returning an error aborts without writing.
	// Two concurrent Updates of the same key never interleave.
	Update(ctx context.Context, key string, ttl time.Duration, fn func(old []byte, found bool) ([]byte, error)) ([]byte, error)
}

const memoryStoreShards = 16

// MemoryStore is a sharded in-process Store. It is the default backing
// store and is suitable for single-process deployments and tests; shared
// deployments should use RedisStore so that quota and circuit state are
// authoritative across processes.
type MemoryStore struct {
	shards [memoryStoreShards]*storeShard
}

type storeShard struct {
	mu    sync.Mutex
	items map[string]storeItem
}

type storeItem struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i] = &storeShard{items: make(map[string]storeItem)}
	}
	return s
}

func (s *MemoryStore) shard(key string) *storeShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%memoryStoreShards]
}

// Get returns the live value for key, treating expired entries as absent.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	shard := s.shard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	item, ok := shard.items[key]
	if !ok {
		return nil, false, nil
	}
	if !item.expiresAt.IsZero() && time.Now().After(item.expiresAt) {
		delete(shard.items, key)
		return nil, false, nil
	}
	return item.value, true, nil
}

// Set writes value under key with an optional ttl.
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	shard := s.shard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	shard.items[key] = newStoreItem(value, ttl)
	return nil
}

// Delete removes key.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	shard := s.shard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	delete(shard.items, key)
	return nil
}

// Update applies fn under the shard lock, making the read-modify-write
// atomic with respect to all other accesses of the same key.
func (s *MemoryStore) Update(ctx context.Context, key string, ttl time.Duration, fn func(old []byte, found bool) ([]byte, error)) ([]byte, error) {
	shard := s.shard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	var old []byte
	found := false
	if item, ok := shard.items[key]; ok {
		if item.expiresAt.IsZero() || time.Now().Before(item.expiresAt) {
			old = item.value
			found = true
		}
	}

	next, err := fn(old, found)
	if err != nil {
		return nil, err
	}

	shard.items[key] = newStoreItem(next, ttl)
	return next, nil
}

func newStoreItem(value []byte, ttl time.Duration) storeItem {
	item := storeItem{value: value}
	if ttl > 0 {
		item.expiresAt = time.Now().Add(ttl)
	}
	return item
}
