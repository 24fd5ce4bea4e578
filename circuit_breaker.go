package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// CircuitState is the health state of one service's breaker.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

// String returns the state name used in logs, errors and health reports.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerPolicy tunes the per-service circuit breaker.
type BreakerPolicy struct {
	// FailureThreshold opens the circuit after this many failures inside
	// MonitoringWindow.
	FailureThreshold int
	// SuccessThreshold closes a half-open circuit after this many
	// consecutive probe successes.
	SuccessThreshold int
	// Timeout is how long an open circuit fast-fails before admitting a
	// probe.
	Timeout time.Duration
	// MonitoringWindow bounds how far apart failures may be and still
	// accumulate; a failure outside it restarts the count at 1.
	MonitoringWindow time.Duration
}

type circuitRecord struct {
	State         CircuitState `json:"state"`
	FailureCount  int          `json:"failure_count"`
	SuccessCount  int          `json:"success_count"`
	LastFailureAt time.Time    `json:"last_failure_at"`
	LastSuccessAt time.Time    `json:"last_success_at"`
	NextRetryAt   time.Time    `json:"next_retry_at"`
	// ProbeInFlight marks the single request admitted while half-open, so
	// racing processes sharing the store never both probe.
	ProbeInFlight bool `json:"probe_in_flight"`
}

// CircuitBreaker is a per-service health state machine kept in the backing
// store, so every process sharing the store observes the same transitions.
// All transitions run inside an atomic store update.
type CircuitBreaker struct {
	store  Store
	logger Logger
	events EventSink
	now    func() time.Time
}

func newCircuitBreaker(store Store, logger Logger, events EventSink) *CircuitBreaker {
	return &CircuitBreaker{store: store, logger: logger, events: events, now: time.Now}
}

func circuitStoreKey(service string) string { return "circuit:" + service }

// errCircuitRejected aborts the store update on a fast-fail so the record
// is not rewritten.
var errCircuitRejected = errors.New("circuit rejected")

// CanExecute returns nil when a request may proceed and a KindCircuitOpen
// *Error when the breaker fast-fails it. The first call at or after
// nextRetryAt flips an open circuit to half-open and is admitted as the
// probe; every other call while the probe is outstanding is rejected.
// If the store is unreachable the breaker fails open.
func (cb *CircuitBreaker) CanExecute(ctx context.Context, service string, policy BreakerPolicy) error {
	var rejection *Error
	_, err := cb.store.Update(ctx, circuitStoreKey(service), 0, func(old []byte, found bool) ([]byte, error) {
		record := cb.decode(service, old, found)
		now := cb.now()

		switch record.State {
		case StateClosed:
			return old, errCircuitUnchanged

		case StateOpen:
			if now.Before(record.NextRetryAt) {
				rejection = newCircuitOpenError(service, record.State, record.FailureCount, record.NextRetryAt)
				return nil, errCircuitRejected
			}
			record.State = StateHalfOpen
			record.SuccessCount = 0
			record.ProbeInFlight = true
			record.NextRetryAt = time.Time{}
			cb.logger.Info("circuit half-open, admitting probe", "service", service)

		case StateHalfOpen:
			if record.ProbeInFlight {
				rejection = newCircuitOpenError(service, record.State, record.FailureCount, record.NextRetryAt)
				return nil, errCircuitRejected
			}
			record.ProbeInFlight = true
		}

		return json.Marshal(record)
	})

	switch {
	case err == nil, errors.Is(err, errCircuitUnchanged):
		return nil
	case errors.Is(err, errCircuitRejected):
		return rejection
	default:
		cb.logger.Warn("circuit store unreachable, failing open", "service", service, "error", err)
		return nil
	}
}

// errCircuitUnchanged aborts the store update without rejecting, for paths
// where the record does not change.
var errCircuitUnchanged = errors.New("circuit unchanged")

// RecordSuccess registers one completed successful attempt. Called exactly
// once per attempt that reached the upstream.
func (cb *CircuitBreaker) RecordSuccess(ctx context.Context, service string, policy BreakerPolicy) {
	closed := false
	_, err := cb.store.Update(ctx, circuitStoreKey(service), 0, func(old []byte, found bool) ([]byte, error) {
		record := cb.decode(service, old, found)
		record.LastSuccessAt = cb.now()

		if record.State == StateHalfOpen {
			record.SuccessCount++
			record.ProbeInFlight = false
			if record.SuccessCount >= policy.SuccessThreshold {
				record.State = StateClosed
				record.FailureCount = 0
				record.SuccessCount = 0
				record.NextRetryAt = time.Time{}
				closed = true
			}
		}

		return json.Marshal(record)
	})
	if err != nil {
		cb.logger.Warn("circuit success not recorded", "service", service, "error", err)
		return
	}
	if closed {
		cb.logger.Info("circuit closed", "service", service)
		emit(cb.events, Event{Type: EventCircuitClosed, Service: service})
	}
}

// RecordFailure registers one completed failing attempt. A failure while
// half-open reopens the circuit immediately; failures while closed
// accumulate inside MonitoringWindow and open it at FailureThreshold.
func (cb *CircuitBreaker) RecordFailure(ctx context.Context, service string, policy BreakerPolicy) {
	opened := false
	_, err := cb.store.Update(ctx, circuitStoreKey(service), 0, func(old []byte, found bool) ([]byte, error) {
		record := cb.decode(service, old, found)
		now := cb.now()

		switch record.State {
		case StateClosed:
			if !record.LastFailureAt.IsZero() && now.Sub(record.LastFailureAt) > policy.MonitoringWindow {
				record.FailureCount = 1
			} else {
				record.FailureCount++
			}
			if record.FailureCount >= policy.FailureThreshold {
				record.State = StateOpen
				record.NextRetryAt = now.Add(policy.Timeout)
				opened = true
			}

		case StateHalfOpen:
			record.FailureCount++
			record.State = StateOpen
			record.SuccessCount = 0
			record.ProbeInFlight = false
			record.NextRetryAt = now.Add(policy.Timeout)
			opened = true
		}

		record.LastFailureAt = now
		return json.Marshal(record)
	})
	if err != nil {
		cb.logger.Warn("circuit failure not recorded", "service", service, "error", err)
		return
	}
	if opened {
		cb.logger.Warn("circuit opened", "service", service)
		emit(cb.events, Event{Type: EventCircuitOpened, Service: service})
	}
}

// releaseProbe returns an unused half-open admission, e.g. when a cache
// hit made the network attempt unnecessary. Without this a probe that never
// reaches the upstream would block every later probe.
func (cb *CircuitBreaker) releaseProbe(ctx context.Context, service string) {
	_, err := cb.store.Update(ctx, circuitStoreKey(service), 0, func(old []byte, found bool) ([]byte, error) {
		record := cb.decode(service, old, found)
		if record.State != StateHalfOpen || !record.ProbeInFlight {
			return old, errCircuitUnchanged
		}
		record.ProbeInFlight = false
		return json.Marshal(record)
	})
	if err != nil && !errors.Is(err, errCircuitUnchanged) {
		cb.logger.Warn("probe release failed", "service", service, "error", err)
	}
}

// ForceOpen opens the circuit regardless of counters until now + Timeout.
// Operator intervention only; logged as an anomaly.
func (cb *CircuitBreaker) ForceOpen(ctx context.Context, service string, policy BreakerPolicy) error {
	_, err := cb.store.Update(ctx, circuitStoreKey(service), 0, func(old []byte, found bool) ([]byte, error) {
		record := cb.decode(service, old, found)
		record.State = StateOpen
		record.ProbeInFlight = false
		record.NextRetryAt = cb.now().Add(policy.Timeout)
		return json.Marshal(record)
	})
	if err != nil {
		return err
	}
	cb.logger.Error("circuit forced open by operator", "service", service)
	emit(cb.events, Event{Type: EventCircuitOpened, Service: service})
	return nil
}

// ForceClose resets the circuit to closed with zeroed counters. Operator
// intervention only; logged as an anomaly.
func (cb *CircuitBreaker) ForceClose(ctx context.Context, service string) error {
	_, err := cb.store.Update(ctx, circuitStoreKey(service), 0, func(old []byte, found bool) ([]byte, error) {
		return json.Marshal(circuitRecord{State: StateClosed})
	})
	if err != nil {
		return err
	}
	cb.logger.Error("circuit forced closed by operator", "service", service)
	emit(cb.events, Event{Type: EventCircuitClosed, Service: service})
	return nil
}

// State returns the current record for health reporting. A missing record
// reads as a default closed circuit.
func (cb *CircuitBreaker) State(ctx context.Context, service string) (circuitRecord, error) {
	raw, found, err := cb.store.Get(ctx, circuitStoreKey(service))
	if err != nil {
		return circuitRecord{}, err
	}
	return cb.decode(service, raw, found), nil
}

func (cb *CircuitBreaker) decode(service string, raw []byte, found bool) circuitRecord {
	record := circuitRecord{State: StateClosed}
	if !found {
		return record
	}
	if err := json.Unmarshal(raw, &record); err != nil {
		cb.logger.Warn("circuit record corrupt, resetting to closed", "service", service, "error", err)
		return circuitRecord{State: StateClosed}
	}
	return record
}
