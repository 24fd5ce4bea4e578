package upstream

import (
	"context"
	"time"

	"github.com/rochafa10/DeedFlow-sub002/internal/backoff"
)

// RetryPolicy tunes the exponential-backoff retry loop around a single
// network attempt.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// retryExecutor re-invokes a failing attempt according to policy. It only
// decides whether to re-invoke; it never alters error identity, so the
// error surfaced after exhaustion is exactly the one from the final
// attempt.
type retryExecutor struct {
	logger Logger
	events EventSink
	sleep  func(ctx context.Context, d time.Duration) error
}

func newRetryExecutor(logger Logger, events EventSink) *retryExecutor {
	return &retryExecutor{logger: logger, events: events, sleep: sleepContext}
}

// Execute runs attempt up to 1+MaxRetries times. Only errors whose kind is
// retryable are re-attempted; anything else aborts on first occurrence.
// The backoff sleep honors ctx cancellation.
func (r *retryExecutor) Execute(ctx context.Context, service, endpoint string, policy RetryPolicy, attempt func(context.Context) (*Response, error)) (*Response, error) {
	var lastErr error

	for n := 0; ; n++ {
		resp, err := attempt(ctx)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		typed, ok := err.(*Error)
		if !ok || !typed.Retryable() || n >= policy.MaxRetries {
			return nil, lastErr
		}

		delay := backoff.Delay(n+1, policy.InitialDelay, policy.MaxDelay, policy.Multiplier)
		// A provider's Retry-After outranks the computed backoff; retrying
		// sooner than it asks just burns an attempt on a guaranteed 429.
		if typed.Kind == KindRateLimited && typed.RetryAfter > delay {
			delay = typed.RetryAfter
		}
		r.logger.Info("retrying request", "service", service, "endpoint", endpoint,
			"attempt", n+1, "maxRetries", policy.MaxRetries, "backoff", delay, "kind", typed.Kind.String())
		emit(r.events, Event{Type: EventRetryAttempt, Service: service, Endpoint: endpoint, Attempt: n + 1, ErrorKind: typed.Kind.String()})

		if err := r.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// sleepContext waits for d or until ctx is done, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
