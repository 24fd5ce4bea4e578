package upstream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Response is the normalized outcome of one upstream call.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport issues a single HTTP request. Implementations map
// connection-level failures to KindNetwork or KindTimeout errors; status
// code interpretation is left to the caller.
type Transport interface {
	Send(ctx context.Context, method, url string, headers map[string]string, body []byte, timeout time.Duration) (*Response, error)
}

// maxResponseBody caps how much of an upstream body is read into memory.
const maxResponseBody = 10 * 1024 * 1024

// HTTPTransport is the default Transport over net/http.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport wraps client; a nil client uses http.DefaultTransport
// with no client-level timeout (per-attempt timeouts come from the caller).
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{client: client}
}

// Send issues one request with a hard per-attempt timeout.
func (t *HTTPTransport) Send(ctx context.Context, method, rawURL string, headers map[string]string, body []byte, timeout time.Duration) (*Response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, newNetworkError("", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if isTimeoutError(err) {
			return nil, newTimeoutError("", timeout, err)
		}
		return nil, newNetworkError("", err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		if isTimeoutError(err) {
			return nil, newTimeoutError("", timeout, err)
		}
		return nil, newNetworkError("", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       payload,
	}, nil
}

func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

// classifyResponse maps a status-code outcome to the error taxonomy: 2xx is
// success, 429 is a provider-side rate limit carrying its headers, anything
// else non-2xx is an upstream failure.
func classifyResponse(service string, resp *Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		limit := headerInt(resp.Header, "X-RateLimit-Limit")
		remaining := headerInt(resp.Header, "X-RateLimit-Remaining")
		resetAt := headerUnixTime(resp.Header, "X-RateLimit-Reset")
		if retryAfter == 0 && !resetAt.IsZero() {
			retryAfter = time.Until(resetAt)
		}
		return newRateLimitedError(service, retryAfter, limit, remaining, resetAt)
	default:
		return newUpstreamError(service, resp.StatusCode, resp.Body)
	}
}

// parseRetryAfter handles both delay-seconds and HTTP-date forms, capped at
// one hour.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		if seconds > 0 {
			delay := time.Duration(seconds) * time.Second
			if delay > time.Hour {
				delay = time.Hour
			}
			return delay
		}
		return 0
	}

	if t, err := http.ParseTime(value); err == nil {
		delay := time.Until(t)
		if delay > 0 && delay <= time.Hour {
			return delay
		}
	}

	return 0
}

func headerInt(h http.Header, key string) int {
	v, err := strconv.Atoi(strings.TrimSpace(h.Get(key)))
	if err != nil {
		return 0
	}
	return v
}

func headerUnixTime(h http.Header, key string) time.Time {
	v, err := strconv.ParseInt(strings.TrimSpace(h.Get(key)), 10, 64)
	if err != nil || v <= 0 {
		return time.Time{}
	}
	return time.Unix(v, 0)
}
