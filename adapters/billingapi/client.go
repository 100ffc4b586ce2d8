// Package billingapi provides the billing provider adapter on stripe-go.
//
// Usage totals come from the subscription item's usage record summaries
// (most recent period first) and each billable request is one increment
// usage record:
//
//	GET  /v1/subscription_items/{ref}/usage_record_summaries?limit=1
//	POST /v1/subscription_items/{ref}/usage_records
//	     quantity=1&timestamp=1705312800&action=increment
//
// Every Client owns its own stripe backend and key, so test and live
// credentials never share package state.
package billingapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// DefaultBaseURL is the provider API root used when none is configured.
const DefaultBaseURL = "https://api.stripe.com"

// DefaultTimeout bounds every provider call.
const DefaultTimeout = 5 * time.Second

// ClientConfig configures the provider client.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client is a stripe API client bound to one key and base URL.
type Client struct {
	api        *client.API
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a provider client. Retries are disabled: a failed call
// is reported to the caller, which fails open.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	httpClient := &http.Client{
		Timeout:   timeout,
		Transport: statusTransport{next: http.DefaultTransport},
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		HTTPClient:        httpClient,
		URL:               stripe.String(baseURL),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})

	api := &client.API{}
	api.Init(cfg.APIKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend})

	return &Client{
		api:        api,
		httpClient: httpClient,
		baseURL:    baseURL,
	}
}

// statusKey carries a *responseStatus through a request context.
type statusKey struct{}

// responseStatus records the HTTP status the provider answered with, so a
// call can tell a rejected request from an accepted one with an odd body.
type responseStatus struct {
	code atomic.Int32
}

func (s *responseStatus) get() int {
	return int(s.code.Load())
}

func (s *responseStatus) accepted() bool {
	code := s.get()
	return code >= 200 && code < 300
}

func withResponseStatus(ctx context.Context) (context.Context, *responseStatus) {
	s := &responseStatus{}
	return context.WithValue(ctx, statusKey{}, s), s
}

type statusTransport struct {
	next http.RoundTripper
}

func (t statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if err == nil {
		if s, ok := req.Context().Value(statusKey{}).(*responseStatus); ok {
			s.code.Store(int32(resp.StatusCode))
		}
	}
	return resp, err
}

// APIError is a non-2xx answer from the provider.
type APIError struct {
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("billing provider error %d: %v", e.StatusCode, e.Err)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classify turns a stripe call error into an *APIError when the provider
// answered with a non-2xx status. Transport and decode errors pass through.
func classify(err error, status *responseStatus) error {
	if err == nil {
		return nil
	}
	if code := status.get(); code != 0 && !status.accepted() {
		return &APIError{StatusCode: code, Err: err}
	}
	var se *stripe.Error
	if errors.As(err, &se) && se.HTTPStatusCode != 0 {
		return &APIError{StatusCode: se.HTTPStatusCode, Err: err}
	}
	return err
}

// StatusCode returns the HTTP status of err when it is an *APIError, else 0.
func StatusCode(err error) int {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.StatusCode
	}
	return 0
}
