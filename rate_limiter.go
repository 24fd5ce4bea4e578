package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// RateLimitPolicy caps permitted requests per fixed window. A zero or
// negative limit disables that window.
type RateLimitPolicy struct {
	PerMinute int
	PerHour   int
	PerDay    int
}

// windows in most-restrictive-first order.
var rateWindows = []struct {
	name     string
	duration time.Duration
}{
	{"minute", time.Minute},
	{"hour", time.Hour},
	{"day", 24 * time.Hour},
}

type rateLimitRecord struct {
	MinuteCount   int       `json:"minute_count"`
	MinuteResetAt time.Time `json:"minute_reset_at"`
	HourCount     int       `json:"hour_count"`
	HourResetAt   time.Time `json:"hour_reset_at"`
	DayCount      int       `json:"day_count"`
	DayResetAt    time.Time `json:"day_reset_at"`
}

func (r *rateLimitRecord) window(name string) (count *int, resetAt *time.Time) {
	switch name {
	case "minute":
		return &r.MinuteCount, &r.MinuteResetAt
	case "hour":
		return &r.HourCount, &r.HourResetAt
	case "day":
		return &r.DayCount, &r.DayResetAt
	}
	return nil, nil
}

func (p RateLimitPolicy) limit(name string) int {
	switch name {
	case "minute":
		return p.PerMinute
	case "hour":
		return p.PerHour
	case "day":
		return p.PerDay
	}
	return 0
}

// RateLimiter enforces per-service fixed-window quotas against the backing
// store. Counters are reset lazily on read; there is no background sweep.
// If the store is unreachable the limiter fails open: upstream availability
// is worth more than strict quota enforcement during a store outage.
type RateLimiter struct {
	store  Store
	logger Logger
	events EventSink
	now    func() time.Time
}

func newRateLimiter(store Store, logger Logger, events EventSink) *RateLimiter {
	return &RateLimiter{store: store, logger: logger, events: events, now: time.Now}
}

func rateLimitStoreKey(service string) string { return "ratelimit:" + service }

// Acquire consumes one unit of quota for service, or returns a
// KindRateLimited *Error naming the violated window. The check runs most
// restrictive window first, and either all three counters increment
// together or none do.
func (rl *RateLimiter) Acquire(ctx context.Context, service string, policy RateLimitPolicy) error {
	if policy.PerMinute <= 0 && policy.PerHour <= 0 && policy.PerDay <= 0 {
		return nil
	}

	var rejection *Error
	_, err := rl.store.Update(ctx, rateLimitStoreKey(service), 24*time.Hour, func(old []byte, found bool) ([]byte, error) {
		record := rateLimitRecord{}
		if found {
			if err := json.Unmarshal(old, &record); err != nil {
				rl.logger.Warn("rate limit record corrupt, starting fresh", "service", service, "error", err)
				record = rateLimitRecord{}
			}
		}

		now := rl.now()
		for _, w := range rateWindows {
			count, resetAt := record.window(w.name)
			if resetAt.IsZero() || !now.Before(*resetAt) {
				*count = 0
				*resetAt = now.Add(w.duration)
			}
		}

		for _, w := range rateWindows {
			limit := policy.limit(w.name)
			if limit <= 0 {
				continue
			}
			count, resetAt := record.window(w.name)
			if *count >= limit {
				rejection = newRateLimitedError(service, resetAt.Sub(now), limit, 0, *resetAt)
				return nil, errQuotaExceeded
			}
		}

		record.MinuteCount++
		record.HourCount++
		record.DayCount++
		return json.Marshal(record)
	})

	if err != nil {
		if errors.Is(err, errQuotaExceeded) {
			emit(rl.events, Event{Type: EventRateLimited, Service: service})
			return rejection
		}
		rl.logger.Warn("rate limit store unreachable, failing open", "service", service, "error", err)
		return nil
	}
	return nil
}

// errQuotaExceeded aborts the store update so a rejected request never
// partially consumes quota in any window.
var errQuotaExceeded = errors.New("quota exceeded")

// Remaining reports the smallest remaining headroom across configured
// windows, for health reporting. Unlimited services report -1.
func (rl *RateLimiter) Remaining(ctx context.Context, service string, policy RateLimitPolicy) (int, error) {
	if policy.PerMinute <= 0 && policy.PerHour <= 0 && policy.PerDay <= 0 {
		return -1, nil
	}

	raw, found, err := rl.store.Get(ctx, rateLimitStoreKey(service))
	if err != nil {
		return 0, err
	}

	record := rateLimitRecord{}
	if found {
		if err := json.Unmarshal(raw, &record); err != nil {
			record = rateLimitRecord{}
		}
	}

	now := rl.now()
	remaining := -1
	for _, w := range rateWindows {
		limit := policy.limit(w.name)
		if limit <= 0 {
			continue
		}
		count, resetAt := record.window(w.name)
		used := *count
		if resetAt.IsZero() || !now.Before(*resetAt) {
			used = 0
		}
		headroom := limit - used
		if headroom < 0 {
			headroom = 0
		}
		if remaining < 0 || headroom < remaining {
			remaining = headroom
		}
	}
	return remaining, nil
}

// Reset clears all counters for service. Operator use only.
func (rl *RateLimiter) Reset(ctx context.Context, service string) error {
	return rl.store.Delete(ctx, rateLimitStoreKey(service))
}
