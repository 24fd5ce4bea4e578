package upstream

import (
	"fmt"
	"time"
)

// ErrorKind identifies one of the closed set of failure categories the
// runtime can surface. Every error that crosses the public boundary is an
// *Error carrying exactly one kind; callers switch on it exhaustively.
type ErrorKind int

const (
	// KindUpstream is a non-2xx HTTP outcome from the provider.
	KindUpstream ErrorKind = iota
	// KindRateLimited means local quota enforcement rejected the request
	// before it was sent, or the provider answered 429.
	KindRateLimited
	// KindCircuitOpen means the circuit breaker fast-failed the request.
	KindCircuitOpen
	// KindNetwork is a connection-level transport failure.
	KindNetwork
	// KindTimeout means a single network attempt exceeded its deadline.
	KindTimeout
	// KindInvalidResponse means the payload could not be decoded. Retrying
	// will not help.
	KindInvalidResponse
)

// String returns the kind name used in logs and metric labels.
func (k ErrorKind) String() string {
	switch k {
	case KindUpstream:
		return "Upstream"
	case KindRateLimited:
		return "RateLimited"
	case KindCircuitOpen:
		return "CircuitOpen"
	case KindNetwork:
		return "Network"
	case KindTimeout:
		return "Timeout"
	case KindInvalidResponse:
		return "InvalidResponse"
	default:
		return "Unknown"
	}
}

// Error is the typed failure value shared by every component. Only the
// fields relevant to its Kind are populated.
type Error struct {
	Kind    ErrorKind
	Service string
	Message string
	Cause   error

	// KindUpstream
	StatusCode int

	// KindRateLimited
	RetryAfter time.Duration
	Limit      int
	Remaining  int
	ResetAt    time.Time

	// KindCircuitOpen
	CircuitState CircuitState
	FailureCount int
	NextRetryAt  time.Time

	// KindTimeout
	Timeout time.Duration

	RequestID  string
	OccurredAt time.Time
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Service != "" {
		msg = fmt.Sprintf("%s [service=%s]", msg, e.Service)
	}
	if e.RequestID != "" {
		msg = fmt.Sprintf("[%s] %s", e.RequestID, msg)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is compares error kinds for errors.Is.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	if targetErr, ok := target.(*Error); ok {
		return e.Kind == targetErr.Kind
	}
	return false
}

// Retryable reports whether re-issuing the request may succeed.
//
// Upstream failures are retryable only for 408, 429 and 5xx status codes.
// Rate-limit rejections and circuit fast-fails become retryable once their
// retry horizon has passed, network failures and timeouts always are, and
// undecodable responses never are.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	switch e.Kind {
	case KindUpstream:
		return e.StatusCode == 408 || e.StatusCode == 429 || e.StatusCode >= 500
	case KindRateLimited, KindNetwork, KindTimeout:
		return true
	case KindCircuitOpen:
		return !e.NextRetryAt.IsZero() && !time.Now().Before(e.NextRetryAt)
	case KindInvalidResponse:
		return false
	default:
		return false
	}
}

func newUpstreamError(service string, statusCode int, body []byte) *Error {
	msg := fmt.Sprintf("upstream returned status %d", statusCode)
	if len(body) > 0 && len(body) <= 256 {
		msg = fmt.Sprintf("%s: %s", msg, body)
	}
	return &Error{
		Kind:       KindUpstream,
		Service:    service,
		Message:    msg,
		StatusCode: statusCode,
		OccurredAt: time.Now(),
	}
}

func newRateLimitedError(service string, retryAfter time.Duration, limit, remaining int, resetAt time.Time) *Error {
	return &Error{
		Kind:       KindRateLimited,
		Service:    service,
		Message:    fmt.Sprintf("rate limit exceeded, retry after %v", retryAfter),
		RetryAfter: retryAfter,
		Limit:      limit,
		Remaining:  remaining,
		ResetAt:    resetAt,
		OccurredAt: time.Now(),
	}
}

func newCircuitOpenError(service string, state CircuitState, failures int, nextRetryAt time.Time) *Error {
	return &Error{
		Kind:         KindCircuitOpen,
		Service:      service,
		Message:      "circuit breaker is open",
		CircuitState: state,
		FailureCount: failures,
		NextRetryAt:  nextRetryAt,
		OccurredAt:   time.Now(),
	}
}

func newNetworkError(service string, cause error) *Error {
	return &Error{
		Kind:       KindNetwork,
		Service:    service,
		Message:    "network request failed",
		Cause:      cause,
		OccurredAt: time.Now(),
	}
}

func newTimeoutError(service string, timeout time.Duration, cause error) *Error {
	return &Error{
		Kind:       KindTimeout,
		Service:    service,
		Message:    fmt.Sprintf("request exceeded %v timeout", timeout),
		Timeout:    timeout,
		Cause:      cause,
		OccurredAt: time.Now(),
	}
}

func newInvalidResponseError(service string, cause error) *Error {
	return &Error{
		Kind:       KindInvalidResponse,
		Service:    service,
		Message:    "response could not be decoded",
		Cause:      cause,
		OccurredAt: time.Now(),
	}
}
