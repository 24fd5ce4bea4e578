package upstream

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestErrorKindString(t *testing.T) {
	cases := []struct {
		kind ErrorKind
		want string
	}{
		{KindUpstream, "Upstream"},
		{KindRateLimited, "RateLimited"},
		{KindCircuitOpen, "CircuitOpen"},
		{KindNetwork, "Network"},
		{KindTimeout, "Timeout"},
		{KindInvalidResponse, "InvalidResponse"},
	}

	for _, tc := range cases {
		if got := tc.kind.String(); got != tc.want {
			t.Errorf("Expected %q, got %q", tc.want, got)
		}
	}
}

func TestUpstreamRetryability(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{400, false},
		{404, false},
		{408, true},
		{429, true},
		{500, true},
		{502, true},
		{503, true},
	}

	for _, tc := range cases {
		err := newUpstreamError("fema-flood", tc.status, nil)
		if err.Retryable() != tc.retryable {
			t.Errorf("Status %d: expected retryable=%v", tc.status, tc.retryable)
		}
	}
}

func TestRetryabilityByKind(t *testing.T) {
	if !newNetworkError("svc", errors.New("refused")).Retryable() {
		t.Error("Network errors should be retryable")
	}
	if !newTimeoutError("svc", time.Second, nil).Retryable() {
		t.Error("Timeout errors should be retryable")
	}
	if !newRateLimitedError("svc", time.Second, 10, 0, time.Now()).Retryable() {
		t.Error("Rate-limited errors should be retryable")
	}
	if newInvalidResponseError("svc", errors.New("bad json")).Retryable() {
		t.Error("Invalid-response errors must never be retryable")
	}
}

func TestCircuitOpenRetryableOnlyAfterHorizon(t *testing.T) {
	future := newCircuitOpenError("svc", StateOpen, 5, time.Now().Add(time.Minute))
	if future.Retryable() {
		t.Error("CircuitOpen before nextRetryAt should not be retryable")
	}

	past := newCircuitOpenError("svc", StateOpen, 5, time.Now().Add(-time.Second))
	if !past.Retryable() {
		t.Error("CircuitOpen after nextRetryAt should be retryable")
	}
}

func TestErrorIsComparesKinds(t *testing.T) {
	err := newNetworkError("svc", errors.New("boom"))
	if !errors.Is(err, &Error{Kind: KindNetwork}) {
		t.Error("errors.Is should match on kind")
	}
	if errors.Is(err, &Error{Kind: KindTimeout}) {
		t.Error("errors.Is should not match a different kind")
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := newNetworkError("svc", cause)
	if !errors.Is(err, cause) {
		t.Error("Expected Unwrap to expose the cause")
	}
}

func TestErrorMessageContainsContext(t *testing.T) {
	err := newUpstreamError("census-acs", 503, []byte("unavailable"))
	err.RequestID = "req-42"

	msg := err.Error()
	for _, want := range []string{"Upstream", "census-acs", "req-42", "503"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Expected message to contain %q, got %q", want, msg)
		}
	}
}

func TestRateLimitedErrorFields(t *testing.T) {
	resetAt := time.Now().Add(30 * time.Second)
	err := newRateLimitedError("overpass", 30*time.Second, 60, 0, resetAt)

	if err.RetryAfter != 30*time.Second {
		t.Errorf("Expected RetryAfter=30s, got %v", err.RetryAfter)
	}
	if err.Limit != 60 {
		t.Errorf("Expected Limit=60, got %d", err.Limit)
	}
	if !err.ResetAt.Equal(resetAt) {
		t.Errorf("Expected ResetAt=%v, got %v", resetAt, err.ResetAt)
	}
}
