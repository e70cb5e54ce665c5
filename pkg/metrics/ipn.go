package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// IPNMetrics records processing outcomes for inbound payment notifications.
type IPNMetrics struct {
	duration *prometheus.HistogramVec
	success  *prometheus.CounterVec
	failure  *prometheus.CounterVec
	skipped  *prometheus.CounterVec
}

// NewIPNMetrics registers the IPN metrics on the provided registerer.
func NewIPNMetrics(reg prometheus.Registerer) *IPNMetrics {
	if reg == nil {
		return &IPNMetrics{}
	}
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ipn_processing_duration_seconds",
		Help:    "Duration of IPN event processing in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"processor"})
	success := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ipn_processed_total",
		Help: "Successfully processed IPN events.",
	}, []string{"processor", "transaction_type"})
	failure := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ipn_failed_total",
		Help: "IPN events that ended in a fatal-for-event failure.",
	}, []string{"processor", "transaction_type"})
	skipped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ipn_duplicate_total",
		Help: "IPN events skipped as duplicate deliveries.",
	}, []string{"processor"})
	reg.MustRegister(duration, success, failure, skipped)
	return &IPNMetrics{
		duration: duration,
		success:  success,
		failure:  failure,
		skipped:  skipped,
	}
}

// ObserveDuration records the processing duration for a processor.
func (m *IPNMetrics) ObserveDuration(processor string, duration time.Duration) {
	if m == nil || m.duration == nil {
		return
	}
	m.duration.WithLabelValues(normalizeLabel(processor)).Observe(duration.Seconds())
}

// IncProcessed increments the success counter.
func (m *IPNMetrics) IncProcessed(processor, transactionType string) {
	if m == nil || m.success == nil {
		return
	}
	m.success.WithLabelValues(normalizeLabel(processor), normalizeLabel(transactionType)).Inc()
}

// IncFailed increments the fatal-failure counter.
func (m *IPNMetrics) IncFailed(processor, transactionType string) {
	if m == nil || m.failure == nil {
		return
	}
	m.failure.WithLabelValues(normalizeLabel(processor), normalizeLabel(transactionType)).Inc()
}

// IncDuplicate increments the duplicate-delivery counter.
func (m *IPNMetrics) IncDuplicate(processor string) {
	if m == nil || m.skipped == nil {
		return
	}
	m.skipped.WithLabelValues(normalizeLabel(processor)).Inc()
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
