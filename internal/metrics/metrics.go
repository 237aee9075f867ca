package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for Herald
type Metrics struct {
	// Delivery counters
	MessagesSentTotal   *prometheus.CounterVec
	MessagesFailedTotal *prometheus.CounterVec

	// Batch metrics
	BatchesTotal           prometheus.Counter
	BatchSizeRecipients    prometheus.Histogram
	BatchOutcomeRecipients *prometheus.HistogramVec

	// Tracking
	OpensTotal *prometheus.CounterVec

	// Quota
	QuotaRemaining          prometheus.Gauge
	QuotaQueryFailuresTotal prometheus.Counter

	// Audit
	AuditRowsPrunedTotal *prometheus.CounterVec

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		MessagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "herald_messages_sent_total",
				Help: "Total number of successfully delivered messages",
			},
			[]string{"type"},
		),
		MessagesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "herald_messages_failed_total",
				Help: "Total number of failed delivery attempts",
			},
			[]string{"type", "error_type"},
		),

		BatchesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "herald_batches_total",
				Help: "Total number of dispatched batches",
			},
		),
		BatchSizeRecipients: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "herald_batch_size_recipients",
				Help:    "Number of recipients per dispatched batch",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
			},
		),
		BatchOutcomeRecipients: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "herald_batch_outcome_recipients",
				Help:    "Per-batch count of delivered and failed recipients",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
			},
			[]string{"outcome"},
		),

		OpensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "herald_opens_total",
				Help: "Total number of received open signals",
			},
			[]string{"matched"},
		),

		QuotaRemaining: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "herald_quota_remaining",
				Help: "Remaining daily send allowance at last check",
			},
		),
		QuotaQueryFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "herald_quota_query_failures_total",
				Help: "Total number of failed quota queries",
			},
		),

		AuditRowsPrunedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "herald_audit_rows_pruned_total",
				Help: "Total number of audit rows removed by pruning",
			},
			[]string{"kind"},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "herald_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "herald_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "herald_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.MessagesSentTotal,
		m.MessagesFailedTotal,
		m.BatchesTotal,
		m.BatchSizeRecipients,
		m.BatchOutcomeRecipients,
		m.OpensTotal,
		m.QuotaRemaining,
		m.QuotaQueryFailuresTotal,
		m.AuditRowsPrunedTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncMessageSent increments the sent message counter
func IncMessageSent(sendType string) {
	m := Global()
	if m != nil {
		m.MessagesSentTotal.WithLabelValues(sendType).Inc()
	}
}

// IncMessageFailed increments the failed message counter
func IncMessageFailed(sendType, errorType string) {
	m := Global()
	if m != nil {
		m.MessagesFailedTotal.WithLabelValues(sendType, errorType).Inc()
	}
}

// ObserveBatch records one finished batch: its size together with how
// many recipients were delivered and how many failed
func ObserveBatch(size, delivered, failed int) {
	m := Global()
	if m != nil {
		m.BatchesTotal.Inc()
		m.BatchSizeRecipients.Observe(float64(size))
		m.BatchOutcomeRecipients.WithLabelValues("sent").Observe(float64(delivered))
		m.BatchOutcomeRecipients.WithLabelValues("error").Observe(float64(failed))
	}
}

// IncOpen increments the open signal counter
func IncOpen(matched bool) {
	m := Global()
	if m != nil {
		label := "false"
		if matched {
			label = "true"
		}
		m.OpensTotal.WithLabelValues(label).Inc()
	}
}

// SetQuotaRemaining records the last observed remaining allowance
func SetQuotaRemaining(remaining int) {
	m := Global()
	if m != nil {
		m.QuotaRemaining.Set(float64(remaining))
	}
}

// IncQuotaQueryFailure increments the quota failure counter
func IncQuotaQueryFailure() {
	m := Global()
	if m != nil {
		m.QuotaQueryFailuresTotal.Inc()
	}
}

// AddAuditRowsPruned records rows removed from one audit log
func AddAuditRowsPruned(kind string, n int) {
	m := Global()
	if m != nil {
		m.AuditRowsPrunedTotal.WithLabelValues(kind).Add(float64(n))
	}
}
