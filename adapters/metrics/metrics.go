// Package metrics provides Prometheus metrics collection for comparellm.
package metrics

import (
	"strconv"
	"time"

	"github.com/artpar/comparellm/domain/billing"
	"github.com/artpar/comparellm/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "comparellm"

// Collector holds all Prometheus metrics for comparellm.
// A nil *Collector is valid and records nothing.
type Collector struct {
	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Model backend metrics
	ModelCalls        *prometheus.CounterVec
	ModelCallDuration *prometheus.HistogramVec

	// Ledger metrics
	CreditsDebitedTotal prometheus.Counter
	Rejections          *prometheus.CounterVec

	// Billing metrics
	BillingEvents *prometheus.CounterVec

	// Config metrics
	ConfigReloads      prometheus.Counter
	ConfigReloadErrors prometheus.Counter
	ConfigLastReload   prometheus.Gauge
}

// New creates a collector registered with the default registry.
func New() *Collector {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a collector with a custom registry.
// Useful for testing to avoid global state.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of HTTP requests processed",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"method", "route"},
		),
		RequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
		),

		ModelCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "model_calls_total",
				Help:      "Total number of model backend calls by outcome",
			},
			[]string{"model_id", "outcome"},
		),
		ModelCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "model_call_duration_seconds",
				Help:      "Model backend call duration in seconds",
				Buckets:   []float64{.25, .5, 1, 2.5, 5, 10, 20, 30, 45, 60},
			},
			[]string{"model_id"},
		),

		CreditsDebitedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credits_debited_total",
				Help:      "Total credits debited from accounts",
			},
		),
		Rejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rejections_total",
				Help:      "Comparison requests rejected before any model call",
			},
			[]string{"reason"},
		),

		BillingEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "billing_events_total",
				Help:      "Billing webhook events by type and reconciliation outcome",
			},
			[]string{"event_type", "outcome"},
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
	}
}

// ModelCall records one settled model call.
func (c *Collector) ModelCall(modelID, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.ModelCalls.WithLabelValues(modelID, outcome).Inc()
	c.ModelCallDuration.WithLabelValues(modelID).Observe(d.Seconds())
}

// CreditsDebited adds n to the debited credits counter.
func (c *Collector) CreditsDebited(n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.CreditsDebitedTotal.Add(float64(n))
}

// Rejection counts a request rejected by the ledger or validation.
func (c *Collector) Rejection(reason string) {
	if c == nil {
		return
	}
	c.Rejections.WithLabelValues(reason).Inc()
}

// BillingEvent counts one webhook delivery.
func (c *Collector) BillingEvent(eventType string, outcome billing.Outcome) {
	if c == nil {
		return
	}
	c.BillingEvents.WithLabelValues(eventType, string(outcome)).Inc()
}

// ConfigReloaded records a config reload attempt.
func (c *Collector) ConfigReloaded(err error, at time.Time) {
	if c == nil {
		return
	}
	if err != nil {
		c.ConfigReloadErrors.Inc()
		return
	}
	c.ConfigReloads.Inc()
	c.ConfigLastReload.Set(float64(at.Unix()))
}

// ObserveRequest records a finished HTTP request. route is the matched
// route pattern, not the raw path, to bound cardinality.
func (c *Collector) ObserveRequest(method, route string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.RequestsTotal.WithLabelValues(method, route, StatusClass(status)).Inc()
	c.RequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// StatusClass maps a status code to "2xx", "4xx" and so on.
func StatusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}

// Ensure interface compliance.
var _ ports.Metrics = (*Collector)(nil)
