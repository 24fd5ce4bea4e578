package upstream

import (
	"context"
	"encoding/json"
	"time"
)

// CacheState classifies a cache lookup outcome.
type CacheState int

const (
	// CacheMiss means no usable entry exists; the caller must go upstream.
	CacheMiss CacheState = iota
	// CacheFresh means the entry is within its ttl and authoritative.
	CacheFresh
	// CacheStale means the entry is past its ttl but inside the grace
	// window; it may be served while a background revalidation runs.
	CacheStale
)

// CacheResult is the outcome of a Lookup.
type CacheResult struct {
	State   CacheState
	Payload []byte
}

type cacheEntry struct {
	Payload    []byte    `json:"payload"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	StaleUntil time.Time `json:"stale_until"`
}

// ResponseCache stores prior upstream responses in the backing store with
// stale-while-revalidate semantics. It fails open: a backing-store error on
// lookup reads as a miss, and a failed write never fails the request.
type ResponseCache struct {
	store  Store
	logger Logger
	now    func() time.Time
}

func newResponseCache(store Store, logger Logger) *ResponseCache {
	return &ResponseCache{store: store, logger: logger, now: time.Now}
}

func cacheKey(fingerprint string) string { return "cache:" + fingerprint }
func revalKey(fingerprint string) string { return "reval:" + fingerprint }

// Lookup classifies the entry under key as fresh, stale or missing.
func (c *ResponseCache) Lookup(ctx context.Context, key string) CacheResult {
	raw, found, err := c.store.Get(ctx, cacheKey(key))
	if err != nil {
		c.logger.Warn("cache lookup failed, treating as miss", "key", key, "error", err)
		return CacheResult{State: CacheMiss}
	}
	if !found {
		return CacheResult{State: CacheMiss}
	}

	var entry cacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.logger.Warn("cache entry corrupt, treating as miss", "key", key, "error", err)
		return CacheResult{State: CacheMiss}
	}

	now := c.now()
	switch {
	case now.Before(entry.ExpiresAt):
		return CacheResult{State: CacheFresh, Payload: entry.Payload}
	case now.Before(entry.StaleUntil):
		return CacheResult{State: CacheStale, Payload: entry.Payload}
	default:
		return CacheResult{State: CacheMiss}
	}
}

// Store writes payload under key for ttl, servable for a further grace
// window after expiry. Entries are always overwritten whole, never merged.
func (c *ResponseCache) Store(ctx context.Context, key string, payload []byte, ttl, grace time.Duration) {
	now := c.now()
	entry := cacheEntry{
		Payload:    payload,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		StaleUntil: now.Add(ttl + grace),
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		c.logger.Warn("cache entry encode failed", "key", key, "error", err)
		return
	}

	if err := c.store.Set(ctx, cacheKey(key), raw, ttl+grace); err != nil {
		c.logger.Warn("cache write failed", "key", key, "error", err)
	}
}

// Invalidate drops the entry under key.
func (c *ResponseCache) Invalidate(ctx context.Context, key string) {
	if err := c.store.Delete(ctx, cacheKey(key)); err != nil {
		c.logger.Warn("cache invalidate failed", "key", key, "error", err)
	}
}

// MarkRevalidating claims the revalidation slot for key. It returns true
// for exactly one caller per staleness episode; the marker expires after
// maxAge so a crashed refresher cannot block revalidation forever. On a
// backing-store error it returns false so no redundant refresh is spawned.
func (c *ResponseCache) MarkRevalidating(ctx context.Context, key string, maxAge time.Duration) bool {
	claimed := false
	_, err := c.store.Update(ctx, revalKey(key), maxAge, func(old []byte, found bool) ([]byte, error) {
		if found {
			var since time.Time
			if err := json.Unmarshal(old, &since); err == nil && c.now().Sub(since) < maxAge {
				return old, nil
			}
		}
		claimed = true
		return json.Marshal(c.now())
	})
	if err != nil {
		c.logger.Warn("revalidation marker update failed", "key", key, "error", err)
		return false
	}
	return claimed
}

// ClearRevalidating releases the revalidation slot once a refresh settles.
func (c *ResponseCache) ClearRevalidating(ctx context.Context, key string) {
	if err := c.store.Delete(ctx, revalKey(key)); err != nil {
		c.logger.Warn("revalidation marker delete failed", "key", key, "error", err)
	}
}
