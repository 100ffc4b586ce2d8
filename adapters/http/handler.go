// Package http provides the HTTP transport for the metering gateway.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/artpar/metergate/adapters/metrics"
	"github.com/artpar/metergate/app"
	"github.com/artpar/metergate/domain/annotate"
	"github.com/artpar/metergate/domain/cachekey"
	"github.com/artpar/metergate/domain/proxy"
	"github.com/artpar/metergate/domain/quota"
	"github.com/artpar/metergate/domain/ratelimit"
	"github.com/artpar/metergate/ports"
)

// MaxRequestBytes bounds a buffered request body.
const MaxRequestBytes = 10 << 20

// MeterPrefix is the path prefix reserved for the gateway's own endpoints.
// Everything else is proxied.
const MeterPrefix = "/_meter"

// ErrorResponseBody is the JSON body of every error the gateway writes.
type ErrorResponseBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// VersionResponse represents the version endpoint response.
type VersionResponse struct {
	Version string `json:"version"`
	Service string `json:"service"`
}

// ProxyHandler wraps the gateway for HTTP handling.
type ProxyHandler struct {
	gateway *app.Gateway
	logger  zerolog.Logger
	metrics *metrics.Collector
}

// NewProxyHandler creates a new HTTP proxy handler. m may be nil.
func NewProxyHandler(gateway *app.Gateway, logger zerolog.Logger, m *metrics.Collector) *ProxyHandler {
	return &ProxyHandler{
		gateway: gateway,
		logger:  logger,
		metrics: m,
	}
}

// ServeHTTP handles incoming proxy requests.
func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, MaxRequestBytes))
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.logger.Warn().Int64("limit", tooLarge.Limit).Str("path", r.URL.Path).Msg("request body too large")
			writeError(w, &proxy.ErrorResponse{
				Status:  http.StatusRequestEntityTooLarge,
				Code:    "request_too_large",
				Message: "Request body exceeds the size limit",
			})
			return
		}
		if err != nil {
			h.logger.Error().Err(err).Msg("failed to read request body")
			writeError(w, &proxy.ErrorResponse{
				Status:  http.StatusBadRequest,
				Code:    "bad_request",
				Message: "Failed to read request body",
			})
			return
		}
	}

	req := proxy.Request{
		APIKey:    extractAPIKey(r),
		Method:    r.Method,
		Path:      r.URL.Path,
		Query:     originQuery(r.URL),
		Headers:   extractHeaders(r),
		Body:      body,
		RemoteIP:  extractIP(r),
		UserAgent: r.UserAgent(),
		TraceID:   middleware.GetReqID(ctx),
	}

	result := h.gateway.Handle(ctx, req)
	h.logRequest(req, result)

	if result.Error != nil {
		if result.Error.Status == http.StatusTooManyRequests {
			for k, v := range annotate.RateLimitHeaders(result.Window) {
				w.Header().Set(k, v)
			}
			w.Header().Set("Retry-After", strconv.FormatInt(int64(result.RateLimit.RetryAfter/time.Second), 10))
		}
		writeError(w, result.Error)
		return
	}

	for k, vs := range result.Response.Headers {
		w.Header().Del(k)
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(result.Response.Status)
	if len(result.Response.Body) > 0 {
		if _, err := w.Write(result.Response.Body); err != nil {
			h.logger.Error().Err(err).Msg("failed to write response body")
		}
	}
}

func (h *ProxyHandler) logRequest(req proxy.Request, result app.HandleResult) {
	event := h.logger.Info()
	status := result.Response.Status
	if result.Error != nil {
		event = h.logger.Warn().Str("error_code", result.Error.Code)
		status = result.Error.Status
	}

	tierName := ""
	if result.Quota != nil {
		tierName = result.Quota.Tier
	}

	event.
		Str("method", req.Method).
		Str("path", req.Path).
		Int("status", status).
		Str("remote_ip", req.RemoteIP).
		Str("trace_id", req.TraceID).
		Bool("billed", result.Billed)

	if result.Caller != nil {
		event.Str("subject_id", result.Caller.SubjectID)
	}
	if result.Quota != nil {
		event.
			Str("tier", result.Quota.Tier).
			Int64("quota_used", result.Quota.Used).
			Int64("quota_remaining", result.Quota.Remaining).
			Bool("overage", result.Quota.IsOverage)
	}
	if result.Error == nil {
		event.Int64("latency_ms", result.Response.LatencyMs)
	}
	event.Msg("proxy request")

	if h.metrics == nil {
		return
	}
	h.metrics.RequestsTotal.WithLabelValues(req.Method, metrics.NormalizePath(req.Path), statusLabel(status), tierName).Inc()
	if result.Error == nil {
		h.metrics.UpstreamDuration.WithLabelValues(req.Method, statusLabel(status)).
			Observe(float64(result.Response.LatencyMs) / 1000)
		return
	}
	switch result.Error.Code {
	case proxy.ErrInvalidKey.Code, proxy.ErrMissingKey.Code:
		h.metrics.AuthFailures.WithLabelValues(result.Error.Code).Inc()
	case proxy.ErrUpstreamError.Code:
		h.metrics.UpstreamErrors.WithLabelValues("error").Inc()
	case proxy.ErrTimeout.Code:
		h.metrics.UpstreamErrors.WithLabelValues("timeout").Inc()
	}
}

// MeterHandler serves the gateway's own metering endpoints.
type MeterHandler struct {
	gateway *app.Gateway
	tiers   *app.Tiers
	logger  zerolog.Logger
}

// NewMeterHandler creates the metering endpoint handler.
func NewMeterHandler(gateway *app.Gateway, tiers *app.Tiers, logger zerolog.Logger) *MeterHandler {
	return &MeterHandler{gateway: gateway, tiers: tiers, logger: logger}
}

// Routes returns the metering routes, to be mounted at MeterPrefix.
func (h *MeterHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/quota", h.Quota)
	r.Get("/tiers", h.Tiers)
	return r
}

// QuotaResponse is the body of GET /_meter/quota.
type QuotaResponse struct {
	SubjectID    string            `json:"subject_id"`
	Tier         string            `json:"tier"`
	Limit        int64             `json:"limit"`
	Used         int64             `json:"used"`
	Remaining    int64             `json:"remaining"`
	Overage      int64             `json:"overage"`
	IsOverage    bool              `json:"is_overage"`
	OverageRate  float64           `json:"overage_rate"`
	OverageCost  float64           `json:"estimated_overage_cost"`
	PercentUsed  float64           `json:"percent_used"`
	ResetDate    string            `json:"reset_date"`
	WarningLevel string            `json:"warning_level"`
	RateLimit    RateLimitResponse `json:"rate_limit"`
}

// RateLimitResponse is the rate limit part of QuotaResponse.
type RateLimitResponse struct {
	Limit        int   `json:"limit"`
	Remaining    int   `json:"remaining"`
	ResetSeconds int64 `json:"reset_seconds"`
	Known        bool  `json:"known"`
}

// Quota returns the caller's quota position. It neither counts against the
// rate limit nor emits a billing event.
func (h *MeterHandler) Quota(w http.ResponseWriter, r *http.Request) {
	status, errResp := h.gateway.Status(r.Context(), extractAPIKey(r))
	if errResp != nil {
		writeError(w, errResp)
		return
	}
	writeJSON(w, http.StatusOK, newQuotaResponse(status))
}

func newQuotaResponse(s app.QuotaStatus) QuotaResponse {
	q := s.Quota
	if q == nil {
		q = &quota.State{}
	}
	resp := QuotaResponse{
		Tier:         q.Tier,
		Limit:        q.Limit,
		Used:         q.Used,
		Remaining:    q.Remaining,
		Overage:      q.Overage,
		IsOverage:    q.IsOverage,
		OverageRate:  q.OverageRate,
		OverageCost:  quota.EstimatedOverageCost(*q),
		PercentUsed:  q.PercentUsed(),
		ResetDate:    q.ResetDate,
		WarningLevel: q.WarningLevel.String(),
		RateLimit:    rateLimitResponse(s.Window),
	}
	if s.Caller != nil {
		resp.SubjectID = s.Caller.SubjectID
	}
	return resp
}

func rateLimitResponse(v ratelimit.View) RateLimitResponse {
	if !v.Known {
		return RateLimitResponse{Limit: v.Limit, Remaining: v.Limit, ResetSeconds: annotate.UnknownResetSeconds}
	}
	return RateLimitResponse{Limit: v.Limit, Remaining: v.Remaining, ResetSeconds: v.ResetSeconds, Known: true}
}

// TierResponse describes one tier.
type TierResponse struct {
	Name              string  `json:"name"`
	MonthlyQuota      int64   `json:"monthly_quota"`
	RequestsPerWindow int     `json:"requests_per_window"`
	WindowMinutes     int     `json:"window_minutes"`
	OverageRate       float64 `json:"overage_rate_per_thousand"`
	Default           bool    `json:"default"`
}

// Tiers lists the active tier table.
func (h *MeterHandler) Tiers(w http.ResponseWriter, r *http.Request) {
	reg := h.tiers.Registry()
	def := reg.Default().Name

	specs := reg.All()
	out := make([]TierResponse, 0, len(specs))
	for _, s := range specs {
		out = append(out, TierResponse{
			Name:              s.Name,
			MonthlyQuota:      s.MonthlyQuota,
			RequestsPerWindow: s.RequestsPerWindow,
			WindowMinutes:     s.WindowMinutes,
			OverageRate:       s.OverageRatePerThousand,
			Default:           s.Name == def,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tiers": out})
}

// HealthChecker is anything whose reachability can be probed.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthHandler provides health check endpoints.
type HealthHandler struct {
	upstream HealthChecker // Optional
	cache    ports.Cache
}

// NewHealthHandler creates a new health handler. upstream may be nil.
func NewHealthHandler(cache ports.Cache, upstream HealthChecker) *HealthHandler {
	return &HealthHandler{cache: cache, upstream: upstream}
}

// Liveness returns OK while the process is serving.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readiness probes the shared cache and, if configured, the origin.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var errs []error
	if h.cache != nil {
		if _, _, err := h.cache.Get(ctx, cachekey.HealthProbe); err != nil {
			errs = append(errs, err)
		}
	}
	if h.upstream != nil {
		if err := h.upstream.HealthCheck(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// VersionHandler returns the service version.
func VersionHandler(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, VersionResponse{Version: version, Service: "metergate"})
	}
}

// RouterConfig holds optional configuration for the router.
type RouterConfig struct {
	Metrics        *metrics.Collector
	MetricsHandler http.Handler  // Defaults to promhttp.Handler() when Metrics is set
	MetricsPath    string        // Zero means /metrics
	RequestTimeout time.Duration // Zero means 60s
	Version        string
}

// NewRouter creates the main HTTP router.
func NewRouter(proxyHandler *ProxyHandler, meter *MeterHandler, health *HealthHandler, logger zerolog.Logger, cfg RouterConfig) chi.Router {
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	metricsPath := cfg.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewLoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))
	if cfg.Metrics != nil {
		r.Use(NewMetricsMiddleware(cfg.Metrics))
	}

	r.Get("/health", health.Liveness)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Get("/version", VersionHandler(version))

	switch {
	case cfg.MetricsHandler != nil:
		r.Handle(metricsPath, cfg.MetricsHandler)
	case cfg.Metrics != nil:
		r.Handle(metricsPath, promhttp.Handler())
	}

	if meter != nil {
		r.Mount(MeterPrefix, meter.Routes())
	}

	r.Handle("/*", proxyHandler)
	r.NotFound(proxyHandler.ServeHTTP)

	return r
}

// NewMetricsMiddleware creates middleware that records request metrics.
func NewMetricsMiddleware(m *metrics.Collector) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if internalPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			m.RequestDuration.WithLabelValues(r.Method, metrics.NormalizePath(r.URL.Path), statusLabel(ww.Status())).
				Observe(time.Since(start).Seconds())
		})
	}
}

// NewLoggingMiddleware logs every non-internal HTTP request at debug level.
func NewLoggingMiddleware(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			if internalPath(r.URL.Path) {
				return
			}

			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}

func internalPath(path string) bool {
	return strings.HasPrefix(path, "/health") || path == "/metrics"
}

// statusLabel returns a string label for the status code.
func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "other"
	}
}

// extractAPIKey extracts the API key from the request.
// Supports: Authorization header (Bearer token), X-API-Key header, api_key query param.
func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// originQuery returns the query to forward. The api_key parameter is removed
// so the credential never reaches the origin.
func originQuery(u *url.URL) string {
	q := u.Query()
	if _, ok := q["api_key"]; !ok {
		return u.RawQuery
	}
	q.Del("api_key")
	return q.Encode()
}

// extractHeaders extracts forwardable headers from the request.
// Go keeps the Host header in r.Host, so it is added explicitly.
func extractHeaders(r *http.Request) proxy.Header {
	headers := make(proxy.Header, len(r.Header)+1)
	if r.Host != "" {
		headers["Host"] = []string{r.Host}
	}
	for k, v := range r.Header {
		lower := strings.ToLower(k)
		if lower == "authorization" || lower == "x-api-key" || hopByHop[lower] {
			continue
		}
		if len(v) > 0 {
			headers[k] = append([]string(nil), v...)
		}
	}
	return headers
}

// extractIP extracts the client IP from the request.
// middleware.RealIP has already folded X-Forwarded-For into RemoteAddr.
func extractIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, err *proxy.ErrorResponse) {
	writeJSON(w, err.Status, ErrorResponseBody{Error: ErrorDetail{Code: err.Code, Message: err.Message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
