// Package proxy provides request/response value types for the gateway pipeline.
package proxy

import "strings"

// Header holds header values by name. Repeated headers such as Set-Cookie
// keep every value in order.
type Header map[string][]string

// Get returns the first value stored under name, matched case-insensitively.
func (h Header) Get(name string) string {
	if vs, ok := h[name]; ok {
		if len(vs) > 0 {
			return vs[0]
		}
		return ""
	}
	for k, vs := range h {
		if strings.EqualFold(k, name) && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}

// Clone returns a deep copy of h.
func (h Header) Clone() Header {
	c := make(Header, len(h))
	for k, vs := range h {
		c[k] = append([]string(nil), vs...)
	}
	return c
}

// Request represents an incoming request to be forwarded (value type).
// This is extracted from HTTP and passed to the services.
type Request struct {
	// Authentication
	APIKey string

	// HTTP request details
	Method  string
	Path    string
	Query   string
	Headers Header
	Body    []byte

	// Metadata
	RemoteIP  string
	UserAgent string
	TraceID   string
}

// Response represents an origin response (value type).
type Response struct {
	Status  int
	Headers Header
	Body    []byte

	// Metadata (for logging)
	LatencyMs    int64
	UpstreamAddr string
}

// WithHeaders returns a copy of r whose header map is a fresh copy with
// extra applied on top. Each extra name replaces every value stored under
// any casing of that name. r is left untouched.
func (r Response) WithHeaders(extra map[string]string) Response {
	h := make(Header, len(r.Headers)+len(extra))
	for k, vs := range r.Headers {
		h[k] = append([]string(nil), vs...)
	}
	for name, v := range extra {
		for k := range h {
			if strings.EqualFold(k, name) {
				delete(h, k)
			}
		}
		h[name] = []string{v}
	}
	r.Headers = h
	return r
}

// ErrorResponse represents an error to return to client (value type).
type ErrorResponse struct {
	Status  int
	Code    string
	Message string
}

// Errors the transport surfaces. Metering failures never produce one.
var (
	ErrInvalidKey = ErrorResponse{
		Status:  401,
		Code:    "invalid_api_key",
		Message: "Invalid or unknown API key",
	}
	ErrMissingKey = ErrorResponse{
		Status:  401,
		Code:    "missing_api_key",
		Message: "API key is required",
	}
	ErrRateLimited = ErrorResponse{
		Status:  429,
		Code:    "rate_limit_exceeded",
		Message: "Rate limit exceeded",
	}
	ErrUpstreamError = ErrorResponse{
		Status:  502,
		Code:    "upstream_error",
		Message: "Upstream service unavailable",
	}
	ErrTimeout = ErrorResponse{
		Status:  504,
		Code:    "upstream_timeout",
		Message: "Upstream service timeout",
	}
)
