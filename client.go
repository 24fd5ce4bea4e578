package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Client composes the reliability layers into one request pipeline: the
// deduplicator collapses concurrent identical requests, the circuit breaker
// fast-fails known-bad upstreams, the cache answers without a network call
// when it can, the rate limiter keeps request volume under provider quotas,
// and the retry executor absorbs transient failures. It is safe for
// concurrent use.
type Client struct {
	store     Store
	transport Transport
	logger    Logger
	events    EventSink
	cache     *ResponseCache
	limiter   *RateLimiter
	breaker   *CircuitBreaker
	dedupe    *Deduplicator
	retry     *retryExecutor

	services map[string]ServiceConfig
	defaults ServiceConfig

	requestIDGen func() string
	dedupeMaxAge time.Duration

	mu       sync.Mutex
	lastErrs map[string]*Error
}

// ServiceConfig carries every per-service tunable. A government GIS feed
// and a commercial comparables API warrant different numbers, so each
// registered service gets its own copy.
type ServiceConfig struct {
	// BaseURL is prefixed to relative endpoints.
	BaseURL string
	// Headers are sent with every request to this service (API keys etc.).
	Headers map[string]string

	RateLimit RateLimitPolicy
	Breaker   BreakerPolicy
	Retry     RetryPolicy

	// CacheTTL is how long a response stays fresh; zero disables caching.
	CacheTTL time.Duration
	// StaleGrace extends servability past CacheTTL while a background
	// revalidation runs.
	StaleGrace time.Duration

	// RequestTimeout is the hard deadline for one network attempt.
	RequestTimeout time.Duration
}

// DefaultServiceConfig returns the tunables applied to services that were
// not registered explicitly.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		RateLimit: RateLimitPolicy{PerMinute: 60, PerHour: 1000, PerDay: 10000},
		Breaker: BreakerPolicy{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
			MonitoringWindow: 60 * time.Second,
		},
		Retry: RetryPolicy{
			MaxRetries:   3,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     10 * time.Second,
			Multiplier:   2.0,
		},
		CacheTTL:       5 * time.Minute,
		StaleGrace:     time.Minute,
		RequestTimeout: 30 * time.Second,
	}
}

// New constructs a Client from functional options. With no options it runs
// entirely in-process: memory store, default HTTP transport, no logging,
// no event sink.
func New(options ...Option) *Client {
	c := &Client{
		store:    NewMemoryStore(),
		logger:   NewNopLogger(),
		events:   NewNopSink(),
		services: make(map[string]ServiceConfig),
		defaults: DefaultServiceConfig(),
		lastErrs: make(map[string]*Error),
	}

	for _, option := range options {
		option(c)
	}

	if c.transport == nil {
		c.transport = NewHTTPTransport(nil)
	}

	c.cache = newResponseCache(c.store, c.logger)
	c.limiter = newRateLimiter(c.store, c.logger, c.events)
	c.breaker = newCircuitBreaker(c.store, c.logger, c.events)
	c.dedupe = newDeduplicator(c.dedupeMaxAge, c.logger)
	c.retry = newRetryExecutor(c.logger, c.events)

	return c
}

func (c *Client) configFor(service string) ServiceConfig {
	if cfg, ok := c.services[service]; ok {
		return cfg
	}
	return c.defaults
}

// Fetch performs one logical GET against a registered service. The result
// is either a *Response or a typed *Error; nothing else crosses this
// boundary. Concurrent calls with identical service, endpoint and
// parameters share a single network call.
func (c *Client) Fetch(ctx context.Context, service, endpoint string, params map[string]string) (*Response, error) {
	cfg := c.configFor(service)
	key := Fingerprint(service, endpoint, params)
	start := time.Now()

	var requestID string
	if c.requestIDGen != nil {
		requestID = c.requestIDGen()
	}

	emit(c.events, Event{Type: EventRequestStart, Service: service, Endpoint: endpoint})
	c.logger.Debug("request start", "requestID", requestID, "service", service, "endpoint", endpoint)

	var needsReval bool
	resp, err, owner := c.dedupe.Do(ctx, key, func() (*Response, error) {
		r, reval, e := c.execute(ctx, service, endpoint, params, cfg, key)
		needsReval = reval
		return r, e
	})
	if !owner {
		c.logger.Debug("joined in-flight request", "requestID", requestID, "key", key)
		emit(c.events, Event{Type: EventDedupHit, Service: service, Endpoint: endpoint})
	}

	// The revalidation is spawned after the in-flight entry settles, so it
	// registers fresh in the deduplicator and later cache-miss callers for
	// the same key join it instead of issuing a second network call.
	if owner && needsReval && c.cache.MarkRevalidating(ctx, key, c.revalidationBudget(cfg)) {
		go c.revalidate(service, endpoint, params, cfg, key)
	}

	kind := ""
	if typed, ok := err.(*Error); ok {
		// Coalesced waiters all receive the owner's settled *Error; copy it
		// before annotating so concurrent callers never write to the shared
		// instance.
		dup := *typed
		if dup.RequestID == "" {
			dup.RequestID = requestID
		}
		kind = dup.Kind.String()
		c.recordLastError(service, &dup)
		err = &dup
	}
	emit(c.events, Event{Type: EventRequestEnd, Service: service, Endpoint: endpoint, Duration: time.Since(start), ErrorKind: kind})

	return resp, err
}

// execute is the owner-side pipeline: breaker, cache, then the network.
// The returned bool asks the caller to schedule a stale revalidation.
func (c *Client) execute(ctx context.Context, service, endpoint string, params map[string]string, cfg ServiceConfig, key string) (*Response, bool, error) {
	if err := c.breaker.CanExecute(ctx, service, cfg.Breaker); err != nil {
		return nil, false, err
	}

	if cfg.CacheTTL > 0 {
		switch result := c.cache.Lookup(ctx, key); result.State {
		case CacheFresh:
			emit(c.events, Event{Type: EventCacheHit, Service: service, Endpoint: endpoint})
			c.breaker.releaseProbe(ctx, service)
			return cachedResponse(result.Payload), false, nil
		case CacheStale:
			emit(c.events, Event{Type: EventCacheStale, Service: service, Endpoint: endpoint})
			c.breaker.releaseProbe(ctx, service)
			return cachedResponse(result.Payload), true, nil
		default:
			emit(c.events, Event{Type: EventCacheMiss, Service: service, Endpoint: endpoint})
		}
	}

	resp, err := c.callUpstream(ctx, service, endpoint, params, cfg)
	if err != nil {
		return nil, false, err
	}

	if cfg.CacheTTL > 0 {
		c.cache.Store(ctx, key, resp.Body, cfg.CacheTTL, cfg.StaleGrace)
	}
	return resp, false, nil
}

// callUpstream acquires quota and runs the retry loop around the network
// attempt. Rate-limit rejections surface immediately; they are "do not even
// try", not a consumed retry. Any exit before the transport returns the
// caller's half-open probe admission, since no RecordSuccess/RecordFailure
// will run to clear it.
func (c *Client) callUpstream(ctx context.Context, service, endpoint string, params map[string]string, cfg ServiceConfig) (*Response, error) {
	if err := c.limiter.Acquire(ctx, service, cfg.RateLimit); err != nil {
		c.logger.Warn("rate limit exceeded", "service", service, "endpoint", endpoint)
		c.breaker.releaseProbe(ctx, service)
		return nil, err
	}

	reqURL, err := buildURL(cfg.BaseURL, endpoint, params)
	if err != nil {
		c.breaker.releaseProbe(ctx, service)
		return nil, newNetworkError(service, fmt.Errorf("invalid request url: %w", err))
	}

	attempts := 0
	return c.retry.Execute(ctx, service, endpoint, cfg.Retry, func(ctx context.Context) (*Response, error) {
		attempts++
		// Re-consult the breaker on retries: our own earlier failures may
		// have opened it while we were backing off.
		if attempts > 1 {
			if err := c.breaker.CanExecute(ctx, service, cfg.Breaker); err != nil {
				return nil, err
			}
		}

		resp, err := c.transport.Send(ctx, "GET", reqURL, cfg.Headers, nil, cfg.RequestTimeout)
		if err != nil {
			typed := asTypedError(service, err)
			c.breaker.RecordFailure(ctx, service, cfg.Breaker)
			return nil, typed
		}

		if cerr := classifyResponse(service, resp); cerr != nil {
			// Only server-side failures count against breaker health; a
			// 4xx means the upstream is alive and answering.
			if typed, ok := cerr.(*Error); ok && typed.Kind == KindUpstream && typed.StatusCode >= 500 {
				c.breaker.RecordFailure(ctx, service, cfg.Breaker)
			} else {
				c.breaker.RecordSuccess(ctx, service, cfg.Breaker)
			}
			return nil, cerr
		}

		c.breaker.RecordSuccess(ctx, service, cfg.Breaker)
		return resp, nil
	})
}

// revalidate refreshes a stale cache entry in the background, decoupled
// from the request that observed the staleness. It runs under the
// deduplicator so concurrent cache-miss callers join it.
func (c *Client) revalidate(service, endpoint string, params map[string]string, cfg ServiceConfig, key string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.revalidationBudget(cfg))
	defer cancel()
	defer c.cache.ClearRevalidating(ctx, key)

	emit(c.events, Event{Type: EventRevalidation, Service: service, Endpoint: endpoint})

	if err := c.breaker.CanExecute(ctx, service, cfg.Breaker); err != nil {
		c.logger.Debug("revalidation skipped, circuit open", "service", service, "key", key)
		return
	}

	resp, err, owner := c.dedupe.Do(ctx, key, func() (*Response, error) {
		return c.callUpstream(ctx, service, endpoint, params, cfg)
	})
	if !owner {
		// A foreground flight for the same key got there first; our probe
		// admission never reached the network, so return it.
		c.breaker.releaseProbe(ctx, service)
	}
	if err != nil {
		c.logger.Warn("background revalidation failed", "service", service, "key", key, "error", err)
		return
	}

	c.cache.Store(ctx, key, resp.Body, cfg.CacheTTL, cfg.StaleGrace)
}

// revalidationBudget bounds a background refresh: every attempt's timeout
// plus the worst-case backoff between them.
func (c *Client) revalidationBudget(cfg ServiceConfig) time.Duration {
	attempts := time.Duration(cfg.Retry.MaxRetries + 1)
	return attempts*cfg.RequestTimeout + time.Duration(cfg.Retry.MaxRetries)*cfg.Retry.MaxDelay
}

// Invalidate drops the cached response for one logical request, forcing the
// next fetch to go upstream.
func (c *Client) Invalidate(ctx context.Context, service, endpoint string, params map[string]string) {
	c.cache.Invalidate(ctx, Fingerprint(service, endpoint, params))
}

// ForceOpen trips the breaker for service by operator decree.
func (c *Client) ForceOpen(ctx context.Context, service string) error {
	return c.breaker.ForceOpen(ctx, service, c.configFor(service).Breaker)
}

// ForceClose resets the breaker for service by operator decree.
func (c *Client) ForceClose(ctx context.Context, service string) error {
	return c.breaker.ForceClose(ctx, service)
}

func (c *Client) recordLastError(service string, err *Error) {
	c.mu.Lock()
	c.lastErrs[service] = err
	c.mu.Unlock()
}

func (c *Client) lastError(service string) *Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErrs[service]
}

func asTypedError(service string, err error) *Error {
	if typed, ok := err.(*Error); ok {
		if typed.Service == "" {
			typed.Service = service
		}
		return typed
	}
	return newNetworkError(service, err)
}

func cachedResponse(payload []byte) *Response {
	return &Response{StatusCode: 200, Body: payload}
}

func buildURL(base, endpoint string, params map[string]string) (string, error) {
	raw := endpoint
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		raw = strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(endpoint, "/")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}

	if len(params) > 0 {
		q := u.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// FetchJSON fetches and decodes a JSON payload into T. A payload that does
// not decode is an InvalidResponse error and is never retried.
func FetchJSON[T any](ctx context.Context, c *Client, service, endpoint string, params map[string]string) (T, error) {
	var out T
	resp, err := c.Fetch(ctx, service, endpoint, params)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		typed := newInvalidResponseError(service, err)
		c.recordLastError(service, typed)
		return out, typed
	}
	return out, nil
}
