package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the watcher's Prometheus instruments. A nil *Metrics is
// valid everywhere and records nothing, so tests and metric-less runs
// skip registration entirely.
type Metrics struct {
	CyclesTotal           *prometheus.CounterVec
	SourceFetchesTotal    *prometheus.CounterVec
	QuotaDeniedTotal      *prometheus.CounterVec
	CacheHitsTotal        *prometheus.CounterVec
	AlertsTotal           *prometheus.CounterVec
	AlertsSuppressedTotal prometheus.Counter
	DeliveryAttemptsTotal *prometheus.CounterVec
	CycleDuration         *prometheus.HistogramVec
}

// New registers all instruments on the default registry.
func New() *Metrics {
	return &Metrics{
		CyclesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fxwatcher_cycles_total",
				Help: "Reconciliation cycles executed, by pair and outcome",
			},
			[]string{"pair", "status"},
		),
		SourceFetchesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fxwatcher_source_fetches_total",
				Help: "Outbound source fetches, by source and outcome",
			},
			[]string{"source", "outcome"},
		),
		QuotaDeniedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fxwatcher_quota_denied_total",
				Help: "Acquisitions denied by the budget guard, by source and window",
			},
			[]string{"source", "window"},
		),
		CacheHitsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fxwatcher_cache_hits_total",
				Help: "Budget guard cache hits, by source",
			},
			[]string{"source"},
		),
		AlertsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fxwatcher_alerts_total",
				Help: "Alerts persisted, by pair and severity",
			},
			[]string{"pair", "severity"},
		),
		AlertsSuppressedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fxwatcher_alerts_suppressed_total",
				Help: "Anomaly detections suppressed by deduplication",
			},
		),
		DeliveryAttemptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fxwatcher_delivery_attempts_total",
				Help: "Notification delivery attempts, by outcome",
			},
			[]string{"outcome"},
		),
		CycleDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fxwatcher_cycle_duration_seconds",
				Help:    "Reconciliation cycle wall time",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
			},
			[]string{"pair"},
		),
	}
}

func (m *Metrics) IncCycle(pair, status string) {
	if m == nil {
		return
	}
	m.CyclesTotal.WithLabelValues(pair, status).Inc()
}

func (m *Metrics) IncSourceFetch(source, outcome string) {
	if m == nil {
		return
	}
	m.SourceFetchesTotal.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) IncQuotaDenied(source, window string) {
	if m == nil {
		return
	}
	m.QuotaDeniedTotal.WithLabelValues(source, window).Inc()
}

func (m *Metrics) IncCacheHit(source string) {
	if m == nil {
		return
	}
	m.CacheHitsTotal.WithLabelValues(source).Inc()
}

func (m *Metrics) IncAlert(pair, severity string) {
	if m == nil {
		return
	}
	m.AlertsTotal.WithLabelValues(pair, severity).Inc()
}

func (m *Metrics) IncSuppressed() {
	if m == nil {
		return
	}
	m.AlertsSuppressedTotal.Inc()
}

func (m *Metrics) IncDeliveryAttempt(outcome string) {
	if m == nil {
		return
	}
	m.DeliveryAttemptsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveCycle(pair string, seconds float64) {
	if m == nil {
		return
	}
	m.CycleDuration.WithLabelValues(pair).Observe(seconds)
}
