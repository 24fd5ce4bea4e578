package upstream

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Option configures a Client at construction time.
type Option func(*Client)

// WithStore sets the backing store shared by the cache, rate limiter and
// circuit breaker. Use a RedisStore when multiple process instances must
// enforce quotas against the same counters.
func WithStore(store Store) Option {
	return func(c *Client) {
		c.store = store
	}
}

// WithTransport sets a custom transport.
func WithTransport(t Transport) Option {
	return func(c *Client) {
		c.transport = t
	}
}

// WithHTTPClient routes requests through a custom *http.Client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.transport = NewHTTPTransport(client)
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithZapLogger routes diagnostics through a zap logger.
func WithZapLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.logger = NewZapLogger(l)
	}
}

// WithEventSink sets the lifecycle event sink. Events are advisory; the
// sink can never affect control flow.
func WithEventSink(sink EventSink) Option {
	return func(c *Client) {
		c.events = sink
	}
}

// WithMetrics registers a Prometheus collector on the default registerer
// and routes lifecycle events into it.
func WithMetrics() Option {
	return func(c *Client) {
		c.events = NewMetricsCollector()
	}
}

// WithMetricsCollector routes lifecycle events into an existing collector.
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(c *Client) {
		c.events = collector
	}
}

// WithService registers per-service tunables; unregistered services use
// the defaults. Passing the registry in here rather than mutating global
// state keeps independently configured clients isolated.
func WithService(name string, cfg ServiceConfig) Option {
	return func(c *Client) {
		c.services[name] = cfg
	}
}

// WithDefaultService replaces the fallback configuration applied to
// services that were not registered explicitly.
func WithDefaultService(cfg ServiceConfig) Option {
	return func(c *Client) {
		c.defaults = cfg
	}
}

// WithDeduplicationMaxAge bounds how long an in-flight entry may live
// before it is presumed leaked and replaced.
func WithDeduplicationMaxAge(d time.Duration) Option {
	return func(c *Client) {
		c.dedupeMaxAge = d
	}
}

// WithRequestIDGenerator sets a per-request ID generator used for log and
// error correlation.
func WithRequestIDGenerator(gen func() string) Option {
	return func(c *Client) {
		c.requestIDGen = gen
	}
}
