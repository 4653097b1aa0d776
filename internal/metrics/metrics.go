// Package metrics owns the prometheus collectors for the service.
//
// Collectors live on an explicit registry held by Metrics rather than the
// global default, so each server (and each test) gets its own set. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coloring"

type Metrics struct {
	registry *prometheus.Registry

	// GenerationsTotal counts generation requests by outcome
	// (success, no_credits, invalid, provider_*, storage_error, lost_race).
	GenerationsTotal *prometheus.CounterVec

	// CreditsDebitedTotal counts credits taken from balances.
	CreditsDebitedTotal prometheus.Counter

	// TrialsExpiredTotal counts lazy trial expiries applied.
	TrialsExpiredTotal prometheus.Counter

	// WebhookEventsTotal counts processor events by type and reconciler outcome.
	WebhookEventsTotal *prometheus.CounterVec

	// ProviderDuration tracks image-generation provider latency.
	ProviderDuration prometheus.Histogram

	// HTTPRequestDuration tracks request latency by route pattern and status.
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates a registry with the service collectors plus the standard Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		GenerationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Image generation requests by outcome.",
		}, []string{"outcome"}),
		CreditsDebitedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_debited_total",
			Help:      "Credits debited from account balances.",
		}),
		TrialsExpiredTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trials_expired_total",
			Help:      "Free trials expired on access.",
		}),
		WebhookEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_events_total",
			Help:      "Payment processor events by type and reconciliation outcome.",
		}, []string{"event_type", "outcome"}),
		ProviderDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_duration_seconds",
			Help:      "Image generation provider call duration in seconds.",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 30, 45, 60, 90, 120, 180},
		}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveGeneration(outcome string) {
	if m == nil {
		return
	}
	m.GenerationsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveDebit() {
	if m == nil {
		return
	}
	m.CreditsDebitedTotal.Inc()
}

func (m *Metrics) ObserveTrialExpired() {
	if m == nil {
		return
	}
	m.TrialsExpiredTotal.Inc()
}

func (m *Metrics) ObserveWebhookEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) ObserveProviderCall(d time.Duration) {
	if m == nil {
		return
	}
	m.ProviderDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveHTTPRequest(method, route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(method, route, status).Observe(d.Seconds())
}
