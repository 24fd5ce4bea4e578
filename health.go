package upstream

import (
	"context"
	"time"
)

// HealthStatus summarizes a service's operational state for dashboards.
type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Degraded  HealthStatus = "degraded"
	Unhealthy HealthStatus = "unhealthy"
)

// Health is the operational snapshot for one service.
type Health struct {
	Service            string
	Status             HealthStatus
	CircuitState       CircuitState
	RateLimitRemaining int
	NextRetryAt        time.Time
	LastError          *Error
}

// GetHealth reports a service's circuit state, remaining quota headroom and
// most recent typed error. An open circuit is Unhealthy; a half-open
// circuit, or quota headroom below a tenth of the tightest window, is
// Degraded; anything else is Healthy.
func (c *Client) GetHealth(ctx context.Context, service string) (Health, error) {
	cfg := c.configFor(service)

	record, err := c.breaker.State(ctx, service)
	if err != nil {
		return Health{}, err
	}

	remaining, err := c.limiter.Remaining(ctx, service, cfg.RateLimit)
	if err != nil {
		return Health{}, err
	}

	status := Healthy
	switch {
	case record.State == StateOpen:
		status = Unhealthy
	case record.State == StateHalfOpen, quotaNearlyExhausted(remaining, cfg.RateLimit):
		status = Degraded
	}

	return Health{
		Service:            service,
		Status:             status,
		CircuitState:       record.State,
		RateLimitRemaining: remaining,
		NextRetryAt:        record.NextRetryAt,
		LastError:          c.lastError(service),
	}, nil
}

// quotaNearlyExhausted reports whether headroom has dropped below a tenth
// of the tightest configured window. Unlimited services (remaining -1)
// never degrade on quota.
func quotaNearlyExhausted(remaining int, policy RateLimitPolicy) bool {
	if remaining < 0 {
		return false
	}
	tightest := 0
	for _, limit := range []int{policy.PerMinute, policy.PerHour, policy.PerDay} {
		if limit > 0 && (tightest == 0 || limit < tightest) {
			tightest = limit
		}
	}
	return tightest > 0 && remaining*10 < tightest
}
