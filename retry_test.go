package upstream

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestRetryExecutor() (*retryExecutor, *[]time.Duration) {
	r := newRetryExecutor(NewNopLogger(), NewNopSink())
	slept := &[]time.Duration{}
	r.sleep = func(ctx context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
	return r, slept
}

var testRetryPolicy = RetryPolicy{
	MaxRetries:   3,
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     10 * time.Second,
	Multiplier:   2.0,
}

func TestRetrySucceedsFirstAttempt(t *testing.T) {
	r, slept := newTestRetryExecutor()

	calls := 0
	resp, err := r.Execute(context.Background(), "svc", "/v1/data", testRetryPolicy, func(ctx context.Context) (*Response, error) {
		calls++
		return &Response{StatusCode: 200}, nil
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
	if calls != 1 {
		t.Errorf("Expected single attempt, got %d", calls)
	}
	if len(*slept) != 0 {
		t.Errorf("Expected no backoff sleeps, got %v", *slept)
	}
}

func TestRetryRecoversAfterTransientFailures(t *testing.T) {
	r, slept := newTestRetryExecutor()

	calls := 0
	resp, err := r.Execute(context.Background(), "svc", "/v1/data", testRetryPolicy, func(ctx context.Context) (*Response, error) {
		calls++
		if calls < 3 {
			return nil, newUpstreamError("svc", 503, nil)
		}
		return &Response{StatusCode: 200}, nil
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if resp == nil || calls != 3 {
		t.Errorf("Expected success on third attempt, calls=%d", calls)
	}
	if len(*slept) != 2 {
		t.Fatalf("Expected two backoff sleeps, got %d", len(*slept))
	}

	// Delay n is initial * multiplier^(n-1) plus jitter in [0, delay/4].
	bounds := []struct{ lo, hi time.Duration }{
		{100 * time.Millisecond, 125 * time.Millisecond},
		{200 * time.Millisecond, 250 * time.Millisecond},
	}
	for i, d := range *slept {
		if d < bounds[i].lo || d > bounds[i].hi {
			t.Errorf("Sleep %d = %v, expected within [%v, %v]", i, d, bounds[i].lo, bounds[i].hi)
		}
	}
}

func TestRetryExhaustionPreservesLastError(t *testing.T) {
	r, slept := newTestRetryExecutor()

	lastAttempt := newUpstreamError("svc", 502, []byte("bad gateway"))
	calls := 0
	_, err := r.Execute(context.Background(), "svc", "/v1/data", testRetryPolicy, func(ctx context.Context) (*Response, error) {
		calls++
		if calls <= testRetryPolicy.MaxRetries {
			return nil, newUpstreamError("svc", 503, nil)
		}
		return nil, lastAttempt
	})

	if calls != 4 {
		t.Errorf("Expected 1+MaxRetries attempts, got %d", calls)
	}
	if len(*slept) != 3 {
		t.Errorf("Expected MaxRetries sleeps, got %d", len(*slept))
	}
	typed := &Error{}
	if !errors.As(err, &typed) || typed != lastAttempt {
		t.Errorf("Expected final attempt's error surfaced untouched, got %v", err)
	}
}

func TestRetryDoesNotRetryNonRetryable(t *testing.T) {
	nonRetryable := []*Error{
		newUpstreamError("svc", 404, nil),
		newUpstreamError("svc", 400, nil),
		newInvalidResponseError("svc", errors.New("unexpected end of JSON input")),
	}

	for _, want := range nonRetryable {
		r, slept := newTestRetryExecutor()
		calls := 0
		_, err := r.Execute(context.Background(), "svc", "/v1/data", testRetryPolicy, func(ctx context.Context) (*Response, error) {
			calls++
			return nil, want
		})
		if calls != 1 {
			t.Errorf("%v: expected single attempt, got %d", want.Kind, calls)
		}
		if len(*slept) != 0 {
			t.Errorf("%v: expected no sleeps", want.Kind)
		}
		if !errors.Is(err, want) {
			t.Errorf("%v: expected error surfaced, got %v", want.Kind, err)
		}
	}
}

func TestRetryHonorsProviderRetryAfter(t *testing.T) {
	r, slept := newTestRetryExecutor()

	calls := 0
	_, err := r.Execute(context.Background(), "svc", "/v1/data", testRetryPolicy, func(ctx context.Context) (*Response, error) {
		calls++
		if calls == 1 {
			return nil, newRateLimitedError("svc", 3*time.Second, 100, 0, time.Now().Add(3*time.Second))
		}
		return &Response{StatusCode: 200}, nil
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(*slept) != 1 {
		t.Fatalf("Expected one sleep, got %d", len(*slept))
	}
	// Retry-After (3s) exceeds the first computed backoff (~100-125ms).
	if (*slept)[0] != 3*time.Second {
		t.Errorf("Expected Retry-After to outrank backoff, slept %v", (*slept)[0])
	}
}

func TestRetryDoesNotRetryUntypedErrors(t *testing.T) {
	r, _ := newTestRetryExecutor()

	plain := errors.New("something else entirely")
	calls := 0
	_, err := r.Execute(context.Background(), "svc", "/v1/data", testRetryPolicy, func(ctx context.Context) (*Response, error) {
		calls++
		return nil, plain
	})
	if calls != 1 {
		t.Errorf("Expected single attempt for untyped error, got %d", calls)
	}
	if !errors.Is(err, plain) {
		t.Errorf("Expected original error, got %v", err)
	}
}

func TestRetryStopsWhenContextCancelledDuringBackoff(t *testing.T) {
	r := newRetryExecutor(NewNopLogger(), NewNopSink())

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		_, err := r.Execute(ctx, "svc", "/v1/data", RetryPolicy{
			MaxRetries:   3,
			InitialDelay: time.Hour,
			MaxDelay:     time.Hour,
			Multiplier:   2.0,
		}, func(ctx context.Context) (*Response, error) {
			calls++
			return nil, newUpstreamError("svc", 503, nil)
		})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Execute did not return after cancellation")
	}
	if calls != 1 {
		t.Errorf("Expected no further attempts after cancellation, got %d", calls)
	}
}
