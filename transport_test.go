package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func TestHTTPTransportSend(t *testing.T) {
	var gotHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Api-Key")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"records":[]}`))
	}))
	defer server.Close()

	tr := NewHTTPTransport(nil)
	resp, err := tr.Send(context.Background(), http.MethodGet, server.URL, map[string]string{"X-Api-Key": "k-123"}, nil, time.Second)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
	if string(resp.Body) != `{"records":[]}` {
		t.Errorf("Unexpected body %q", resp.Body)
	}
	if resp.Header.Get("Content-Type") != "application/json" {
		t.Errorf("Expected response headers preserved, got %v", resp.Header)
	}
	if gotHeader != "k-123" {
		t.Errorf("Expected request header forwarded, got %q", gotHeader)
	}
}

func TestHTTPTransportTimeoutMapsToKindTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(250 * time.Millisecond)
	}))
	defer server.Close()

	tr := NewHTTPTransport(nil)
	_, err := tr.Send(context.Background(), http.MethodGet, server.URL, nil, nil, 20*time.Millisecond)

	typed := &Error{}
	if !errors.As(err, &typed) || typed.Kind != KindTimeout {
		t.Fatalf("Expected KindTimeout, got %v", err)
	}
	if !typed.Retryable() {
		t.Error("Timeouts should be retryable")
	}
}

func TestHTTPTransportConnectionRefusedMapsToKindNetwork(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // nothing is listening anymore

	tr := NewHTTPTransport(nil)
	_, err := tr.Send(context.Background(), http.MethodGet, server.URL, nil, nil, time.Second)

	typed := &Error{}
	if !errors.As(err, &typed) || typed.Kind != KindNetwork {
		t.Fatalf("Expected KindNetwork, got %v", err)
	}
	if !typed.Retryable() {
		t.Error("Network failures should be retryable")
	}
}

func TestClassifyResponse(t *testing.T) {
	if err := classifyResponse("svc", &Response{StatusCode: 200}); err != nil {
		t.Errorf("2xx should classify as success, got %v", err)
	}
	if err := classifyResponse("svc", &Response{StatusCode: 204}); err != nil {
		t.Errorf("204 should classify as success, got %v", err)
	}

	err := classifyResponse("svc", &Response{StatusCode: 503, Body: []byte("unavailable")})
	typed := &Error{}
	if !errors.As(err, &typed) || typed.Kind != KindUpstream || typed.StatusCode != 503 {
		t.Errorf("Expected KindUpstream 503, got %v", err)
	}
	if !typed.Retryable() {
		t.Error("503 should be retryable")
	}

	err = classifyResponse("svc", &Response{StatusCode: 404})
	if !errors.As(err, &typed) || typed.Retryable() {
		t.Errorf("404 should be a non-retryable upstream error, got %v", err)
	}
}

func TestClassifyResponseRateLimitHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "30")
	h.Set("X-RateLimit-Limit", "1000")
	h.Set("X-RateLimit-Remaining", "0")

	err := classifyResponse("regrid", &Response{StatusCode: 429, Header: h})
	typed := &Error{}
	if !errors.As(err, &typed) || typed.Kind != KindRateLimited {
		t.Fatalf("Expected KindRateLimited, got %v", err)
	}
	if typed.RetryAfter != 30*time.Second {
		t.Errorf("Expected retryAfter=30s, got %v", typed.RetryAfter)
	}
	if typed.Limit != 1000 || typed.Remaining != 0 {
		t.Errorf("Expected limit headers carried, got limit=%d remaining=%d", typed.Limit, typed.Remaining)
	}
}

func TestClassifyResponseDerivesRetryAfterFromReset(t *testing.T) {
	h := http.Header{}
	resetAt := time.Now().Add(45 * time.Second)
	h.Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

	err := classifyResponse("svc", &Response{StatusCode: 429, Header: h})
	typed := &Error{}
	if !errors.As(err, &typed) {
		t.Fatalf("Expected typed error, got %v", err)
	}
	if typed.RetryAfter < 40*time.Second || typed.RetryAfter > 46*time.Second {
		t.Errorf("Expected retryAfter derived from reset header, got %v", typed.RetryAfter)
	}
}

func TestParseRetryAfter(t *testing.T) {
	cases := []struct {
		value string
		want  time.Duration
	}{
		{"", 0},
		{"0", 0},
		{"-5", 0},
		{"30", 30 * time.Second},
		{"7200", time.Hour}, // capped
		{"not-a-number-or-date", 0},
	}
	for _, tc := range cases {
		if got := parseRetryAfter(tc.value); got != tc.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tc.value, got, tc.want)
		}
	}

	// HTTP-date form.
	future := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	got := parseRetryAfter(future)
	if got < 85*time.Second || got > 90*time.Second {
		t.Errorf("parseRetryAfter(date) = %v, expected ~90s", got)
	}

	past := time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat)
	if got := parseRetryAfter(past); got != 0 {
		t.Errorf("parseRetryAfter(past date) = %v, want 0", got)
	}
}
