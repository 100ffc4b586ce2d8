package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/artpar/metergate/domain/proxy"
	"github.com/artpar/metergate/ports"
)

// MaxResponseBytes bounds a buffered origin response.
const MaxResponseBytes = 50 << 20

// ErrResponseTooLarge is returned for origin responses over the size bound.
// They are rejected whole rather than relayed cut short.
var ErrResponseTooLarge = errors.New("origin response exceeds size limit")

// hopByHop headers are never forwarded in either direction.
var hopByHop = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailers":            true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// UpstreamClient forwards requests to the origin service.
type UpstreamClient struct {
	client   *http.Client
	baseURL  *url.URL
	maxBytes int64
}

// UpstreamConfig contains configuration for the upstream client.
type UpstreamConfig struct {
	BaseURL         string
	Timeout         time.Duration
	MaxIdleConns    int
	IdleConnTimeout time.Duration
	MaxBodyBytes    int64 // Zero means MaxResponseBytes
}

// NewUpstreamClient creates a new upstream HTTP client.
func NewUpstreamClient(cfg UpstreamConfig) (*UpstreamClient, error) {
	baseURL, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("base URL %q must be absolute", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	maxIdleConns := cfg.MaxIdleConns
	if maxIdleConns == 0 {
		maxIdleConns = 100
	}
	idleConnTimeout := cfg.IdleConnTimeout
	if idleConnTimeout == 0 {
		idleConnTimeout = 90 * time.Second
	}
	maxBytes := cfg.MaxBodyBytes
	if maxBytes <= 0 {
		maxBytes = MaxResponseBytes
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        maxIdleConns,
		MaxIdleConnsPerHost: maxIdleConns,
		IdleConnTimeout:     idleConnTimeout,
	}

	return &UpstreamClient{
		client:   &http.Client{Transport: transport, Timeout: timeout},
		baseURL:  baseURL,
		maxBytes: maxBytes,
	}, nil
}

// Forward sends a request to the origin and returns the buffered response.
// Timeouts are reported as errors wrapping context.DeadlineExceeded.
func (u *UpstreamClient) Forward(ctx context.Context, req proxy.Request) (proxy.Response, error) {
	start := time.Now()

	target := u.baseURL.ResolveReference(&url.URL{
		Path:     strings.TrimSuffix(u.baseURL.Path, "/") + req.Path,
		RawQuery: req.Query,
	})

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return proxy.Response{}, fmt.Errorf("create request: %w", err)
	}

	for k, vs := range req.Headers {
		if strings.EqualFold(k, "Host") || hopByHop[strings.ToLower(k)] {
			continue
		}
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.RemoteIP != "" {
		httpReq.Header.Set("X-Forwarded-For", req.RemoteIP)
	}
	if host := req.Headers.Get("Host"); host != "" {
		httpReq.Header.Set("X-Forwarded-Host", host)
	}
	if req.TraceID != "" {
		httpReq.Header.Set("X-Request-ID", req.TraceID)
	}

	resp, err := u.client.Do(httpReq)
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() && !errors.Is(err, context.DeadlineExceeded) {
			return proxy.Response{}, fmt.Errorf("execute request: %w: %w", context.DeadlineExceeded, err)
		}
		return proxy.Response{}, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, u.maxBytes+1))
	if err != nil {
		return proxy.Response{}, fmt.Errorf("read response: %w", err)
	}
	if int64(len(respBody)) > u.maxBytes {
		return proxy.Response{}, fmt.Errorf("read response: %w (%d bytes)", ErrResponseTooLarge, u.maxBytes)
	}

	headers := make(proxy.Header, len(resp.Header))
	for k, v := range resp.Header {
		if hopByHop[strings.ToLower(k)] || len(v) == 0 {
			continue
		}
		headers[k] = append([]string(nil), v...)
	}

	return proxy.Response{
		Status:       resp.StatusCode,
		Headers:      headers,
		Body:         respBody,
		LatencyMs:    time.Since(start).Milliseconds(),
		UpstreamAddr: u.baseURL.Host,
	}, nil
}

// HealthCheck verifies the origin is reachable.
// Any HTTP response, even 404, counts as reachable.
func (u *UpstreamClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u.baseURL.String(), nil)
	if err != nil {
		return err
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Close releases idle connections.
func (u *UpstreamClient) Close() error {
	u.client.CloseIdleConnections()
	return nil
}

var _ ports.Upstream = (*UpstreamClient)(nil)
