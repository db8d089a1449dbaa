package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the Prometheus collectors for the service. It satisfies the
// watcher's Metrics interface, so collection counters and HTTP counters live
// in one registry.
type Metrics struct {
	registry         *prometheus.Registry
	eventsTotal      *prometheus.CounterVec
	reconnectsTotal  *prometheus.CounterVec
	activeCollectors prometheus.Gauge
	statusPollErrors *prometheus.CounterVec
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	rateLimited      prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nokwatch",
			Name:      "events_total",
			Help:      "Chat events collected, by event type and channel",
		}, []string{"type", "channel"}),
		reconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nokwatch",
			Name:      "reconnects_total",
			Help:      "Chat connection losses followed by a reconnect attempt",
		}, []string{"channel"}),
		activeCollectors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nokwatch",
			Name:      "active_collectors",
			Help:      "Currently running collectors",
		}),
		statusPollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nokwatch",
			Name:      "status_poll_errors_total",
			Help:      "Failed live-status polls, by channel",
		}, []string{"channel"}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nokwatch",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests received",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nokwatch",
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nokwatch",
			Name:      "http_rate_limited_total",
			Help:      "Number of HTTP requests rejected due to rate limiting",
		}),
	}

	registry.MustRegister(
		m.eventsTotal,
		m.reconnectsTotal,
		m.activeCollectors,
		m.statusPollErrors,
		m.requestsTotal,
		m.requestDuration,
		m.rateLimited,
	)

	return m
}

// Handler returns an HTTP handler exposing the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncEvent counts one collected event.
func (m *Metrics) IncEvent(eventType, channelID string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(eventType, channelID).Inc()
}

// IncReconnect counts one connection loss for a channel.
func (m *Metrics) IncReconnect(channelID string) {
	if m == nil {
		return
	}
	m.reconnectsTotal.WithLabelValues(channelID).Inc()
}

// AddActiveCollectors adjusts the running-collector gauge by delta.
func (m *Metrics) AddActiveCollectors(delta float64) {
	if m == nil {
		return
	}
	m.activeCollectors.Add(delta)
}

// IncStatusPollError counts one failed live-status poll.
func (m *Metrics) IncStatusPollError(channelID string) {
	if m == nil {
		return
	}
	m.statusPollErrors.WithLabelValues(channelID).Inc()
}

// ObserveRequest records timing and status information.
func (m *Metrics) ObserveRequest(route, method string, status int, dur time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route, method).Observe(dur.Seconds())
}

// IncRateLimited increments the rate limit counter.
func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}
