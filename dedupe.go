package upstream

import (
	"context"
	"sync"
	"time"
)

// defaultDedupeMaxAge bounds how long an in-flight entry may exist before
// it is written off as leaked.
const defaultDedupeMaxAge = 5 * time.Second

// inflightEntry is the pending result of the one real network call
// currently satisfying a fingerprint. All waiters observe the same
// settlement.
type inflightEntry struct {
	resp      *Response
	err       error
	done      chan struct{}
	startedAt time.Time
}

// wait blocks until the owning call settles or ctx is cancelled.
// Cancellation detaches only this waiter; the underlying call and the other
// waiters are unaffected.
func (e *inflightEntry) wait(ctx context.Context) (*Response, error) {
	select {
	case <-e.done:
		return e.resp, e.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Deduplicator coalesces concurrent identical requests within one process:
// at most one call per fingerprint is in flight at any instant, and every
// concurrent caller shares its outcome. It is deliberately process-local:
// its job is collapsing racing callers in the same process instant, not
// cross-process mutual exclusion.
type Deduplicator struct {
	mu      sync.Mutex
	entries map[string]*inflightEntry
	maxAge  time.Duration
	logger  Logger
	now     func() time.Time
}

func newDeduplicator(maxAge time.Duration, logger Logger) *Deduplicator {
	if maxAge <= 0 {
		maxAge = defaultDedupeMaxAge
	}
	return &Deduplicator{
		entries: make(map[string]*inflightEntry),
		maxAge:  maxAge,
		logger:  logger,
		now:     time.Now,
	}
}

// Do executes fn once per key across concurrent callers. The owner runs fn
// and settles the shared entry; everyone else awaits that settlement. The
// returned bool reports whether this caller was the owner.
func (d *Deduplicator) Do(ctx context.Context, key string, fn func() (*Response, error)) (*Response, error, bool) {
	entry, owner := d.getOrCreate(key)
	if !owner {
		resp, err := entry.wait(ctx)
		return resp, err, false
	}

	resp, err := fn()
	d.complete(key, entry, resp, err)
	return resp, err, true
}

// getOrCreate registers a new entry (owner=true) or joins an existing one.
// An existing entry older than maxAge is presumed leaked (its owner never
// settled), so it is replaced and a warning raised rather than starving
// every subsequent caller of a fresh attempt.
func (d *Deduplicator) getOrCreate(key string) (*inflightEntry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if entry, ok := d.entries[key]; ok {
		if d.now().Sub(entry.startedAt) <= d.maxAge {
			return entry, false
		}
		d.logger.Warn("purging leaked in-flight request", "key", key, "age", d.now().Sub(entry.startedAt))
		delete(d.entries, key)
	}

	entry := &inflightEntry{
		done:      make(chan struct{}),
		startedAt: d.now(),
	}
	d.entries[key] = entry
	return entry, true
}

// complete settles the entry and removes it immediately, so the next caller
// for the same key triggers a fresh attempt.
func (d *Deduplicator) complete(key string, entry *inflightEntry, resp *Response, err error) {
	entry.resp = resp
	entry.err = err

	d.mu.Lock()
	if d.entries[key] == entry {
		delete(d.entries, key)
	}
	d.mu.Unlock()

	close(entry.done)
}

// Inflight reports the number of live entries, for diagnostics.
func (d *Deduplicator) Inflight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
