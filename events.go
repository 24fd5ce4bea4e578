package upstream

import (
	"time"
)

// EventType names a point in the request lifecycle.
type EventType string

const (
	EventRequestStart  EventType = "request_start"
	EventRequestEnd    EventType = "request_end"
	EventCacheHit      EventType = "cache_hit"
	EventCacheStale    EventType = "cache_stale"
	EventCacheMiss     EventType = "cache_miss"
	EventRateLimited   EventType = "rate_limited"
	EventCircuitOpened EventType = "circuit_opened"
	EventCircuitClosed EventType = "circuit_closed"
	EventRetryAttempt  EventType = "retry_attempt"
	EventDedupHit      EventType = "dedup_hit"
	EventRevalidation  EventType = "revalidation"
)

// Event is a structured lifecycle notification. Events are advisory: sinks
// observe them but can never influence control flow.
type Event struct {
	Type      EventType
	Service   string
	Endpoint  string
	Attempt   int
	Duration  time.Duration
	ErrorKind string
	Timestamp time.Time
}

// EventSink receives lifecycle events. Implementations must be safe for
// concurrent use and should return quickly; slow sinks delay requests.
type EventSink interface {
	Emit(Event)
}

type nopSink struct{}

func (nopSink) Emit(Event) {}

// NewNopSink returns an EventSink that discards everything.
func NewNopSink() EventSink { return nopSink{} }

// emit fills in the timestamp and forwards to the sink, tolerating nil.
func emit(sink EventSink, ev Event) {
	if sink == nil {
		return
	}
	ev.Timestamp = time.Now()
	sink.Emit(ev)
}
