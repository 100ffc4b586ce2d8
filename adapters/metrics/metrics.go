// Package metrics provides Prometheus metrics collection for metergate.
package metrics

import (
	"regexp"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/artpar/metergate/ports"
)

const namespace = "metergate"

// Collector holds all Prometheus metrics for metergate.
type Collector struct {
	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Auth metrics
	AuthFailures *prometheus.CounterVec

	// Metering metrics
	RateLimitDecisions *prometheus.CounterVec
	UsageLookups       *prometheus.CounterVec
	CacheErrors        *prometheus.CounterVec
	ProviderDuration   *prometheus.HistogramVec
	BillingEvents      *prometheus.CounterVec
	BillingInFlight    prometheus.Gauge
	OverageRequests    *prometheus.CounterVec

	// Upstream metrics
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec

	// Config metrics
	ConfigReloads      prometheus.Counter
	ConfigReloadErrors prometheus.Counter
	ConfigLastReload   prometheus.Gauge
	TiersLoaded        prometheus.Gauge
}

// New creates a collector registered with the default Prometheus registry.
func New() *Collector {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new metrics collector with a custom registry.
// Useful for testing to avoid global state.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of requests processed",
			},
			[]string{"method", "path", "status", "tier"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path", "status"},
		),
		RequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "requests_in_flight",
				Help:      "Number of requests currently being processed",
			},
		),
		AuthFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_failures_total",
				Help:      "Total number of authentication failures",
			},
			[]string{"reason"},
		),
		RateLimitDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_decisions_total",
				Help:      "Rate limit decisions by outcome (allowed, denied, fail_open)",
			},
			[]string{"tier", "outcome"},
		),
		UsageLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "usage_lookups_total",
				Help:      "Usage lookups by where the value came from (cache, provider, fallback)",
			},
			[]string{"source"},
		),
		CacheErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_errors_total",
				Help:      "Shared cache failures by component and operation",
			},
			[]string{"component", "op"},
		),
		ProviderDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "billing_provider_duration_seconds",
				Help:      "Billing provider call duration in seconds",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"op", "outcome"},
		),
		BillingEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "billing_events_total",
				Help:      "Usage events by outcome (reported, failed, dropped)",
			},
			[]string{"outcome"},
		),
		BillingInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "billing_events_in_flight",
				Help:      "Usage events currently being submitted",
			},
		),
		OverageRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "overage_requests_total",
				Help:      "Requests evaluated while the caller was at or over quota",
			},
			[]string{"tier"},
		),
		UpstreamDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_duration_seconds",
				Help:      "Upstream request duration in seconds",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method", "status"},
		),
		UpstreamErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_errors_total",
				Help:      "Total number of upstream errors",
			},
			[]string{"type"},
		),
		ConfigReloads: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reloads_total",
				Help:      "Total number of successful config reloads",
			},
		),
		ConfigReloadErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reload_errors_total",
				Help:      "Total number of config reload errors",
			},
		),
		ConfigLastReload: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "config_last_reload_timestamp",
				Help:      "Unix timestamp of last successful config reload",
			},
		),
		TiersLoaded: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tiers_loaded",
				Help:      "Number of tiers in the active tier table",
			},
		),
	}
}

// UsageLookup counts a usage read by source.
func (c *Collector) UsageLookup(source string) {
	c.UsageLookups.WithLabelValues(source).Inc()
}

// CacheError counts a shared cache failure.
func (c *Collector) CacheError(component, op string) {
	c.CacheErrors.WithLabelValues(component, op).Inc()
}

// ProviderCall observes one billing provider call.
func (c *Collector) ProviderCall(op, outcome string, d time.Duration) {
	c.ProviderDuration.WithLabelValues(op, outcome).Observe(d.Seconds())
}

// RateLimitDecision counts one rate limit outcome.
func (c *Collector) RateLimitDecision(tier, outcome string) {
	c.RateLimitDecisions.WithLabelValues(tier, outcome).Inc()
}

// BillingEvent counts one usage event outcome.
func (c *Collector) BillingEvent(outcome string) {
	c.BillingEvents.WithLabelValues(outcome).Inc()
}

// BillingInFlightAdd moves the in-flight usage event gauge.
func (c *Collector) BillingInFlightAdd(delta float64) {
	c.BillingInFlight.Add(delta)
}

// Overage counts a request evaluated at or over quota.
func (c *Collector) Overage(tier string) {
	c.OverageRequests.WithLabelValues(tier).Inc()
}

var _ ports.Metrics = (*Collector)(nil)

var (
	numericSegment = regexp.MustCompile(`^[0-9]+$`)
	uuidSegment    = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
)

// maxPathLen bounds the path label.
const maxPathLen = 64

// NormalizePath reduces cardinality by replacing id-like segments.
// e.g., /users/123/orders/9b2c...-... -> /users/:id/orders/:id
func NormalizePath(path string) string {
	segments := strings.Split(path, "/")
	for i, s := range segments {
		if numericSegment.MatchString(s) || uuidSegment.MatchString(s) {
			segments[i] = ":id"
		}
	}
	path = strings.Join(segments, "/")
	if len(path) > maxPathLen {
		return path[:maxPathLen] + "..."
	}
	return path
}
