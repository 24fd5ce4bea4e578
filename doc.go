// Package upstream makes flaky, rate-limited third-party data APIs behave
// like one dependable operation. Every outbound call passes through a
// pipeline of composable reliability layers:
//
//   - Request de-duplication (merges concurrent identical in-flight requests)
//   - Circuit breaker per service (closed / open / half-open, shared via the backing store)
//   - Response caching with stale-while-revalidate semantics
//   - Fixed-window rate limiting (minute / hour / day quotas per service)
//   - Retries with exponential backoff + additive jitter
//   - Prometheus metrics and structured lifecycle events
//
// Design goals:
//   - Small surface area – functional options configure everything
//   - Typed errors only: every failure is an *Error with one of six kinds
//   - Per-service state partitioning – no global lock serializes unrelated services
//   - Multi-process safe when backed by a shared store (see RedisStore)
//
// One exception to the typed-error contract: when the caller's own context
// is cancelled or its deadline expires while a call is pending, the context
// error (context.Canceled or context.DeadlineExceeded) is returned as-is.
// The caller asked to stop; that is not an upstream failure, and wrapping it
// would break errors.Is checks against the context sentinels.
//
// Typical usage:
//
//	client := upstream.New(
//	    upstream.WithStore(upstream.NewRedisStore(rdb)),
//	    upstream.WithService("fema-flood", upstream.ServiceConfig{
//	        BaseURL:        "https://hazards.fema.gov/arcgis/rest",
//	        RateLimit:      upstream.RateLimitPolicy{PerMinute: 30, PerHour: 500, PerDay: 5000},
//	        Breaker:        upstream.BreakerPolicy{FailureThreshold: 5, SuccessThreshold: 2, Timeout: 30 * time.Second, MonitoringWindow: time.Minute},
//	        Retry:          upstream.RetryPolicy{MaxRetries: 3, InitialDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second, Multiplier: 2},
//	        CacheTTL:       7 * 24 * time.Hour,
//	        StaleGrace:     24 * time.Hour,
//	        RequestTimeout: 15 * time.Second,
//	    }),
//	)
//	zones, err := upstream.FetchJSON[FloodZones](ctx, client, "fema-flood", "/zones", params)
//
// The caller sees one logical call in and one result or typed error out;
// internally the runtime coalesces, caches, throttles and retries as
// configured per service.
package upstream
