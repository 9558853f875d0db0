package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Consumer outcomes recorded per handler.
const (
	OutcomeApplied      = "applied"
	OutcomeDuplicate    = "duplicate"
	OutcomeDeadLettered = "dead_lettered"
)

// PipelineMetrics records the relay, consumer and reconciliation counters.
// A nil *PipelineMetrics is valid and records nothing.
type PipelineMetrics struct {
	batchDuration     *prometheus.HistogramVec
	published         *prometheus.CounterVec
	publishFailures   *prometheus.CounterVec
	outboxFailed      *prometheus.CounterVec
	consumerEvents    *prometheus.CounterVec
	consumerRetries   *prometheus.CounterVec
	anomalies         *prometheus.CounterVec
	optimisticRetries *prometheus.CounterVec
}

// NewPipelineMetrics registers the pipeline metrics on the provided registerer.
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	if reg == nil {
		return &PipelineMetrics{}
	}
	m := &PipelineMetrics{
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "outbox_batch_duration_seconds",
			Help:    "Duration of outbox relay batches in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"relay"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Outbox entries published and marked sent.",
		}, []string{"event_type"}),
		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_publish_failures_total",
			Help: "Failed publish attempts for outbox entries.",
		}, []string{"event_type"}),
		outboxFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_failed_total",
			Help: "Outbox entries moved to FAILED and awaiting operator replay.",
		}, []string{"event_type"}),
		consumerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consumer_events_total",
			Help: "Consumer deliveries by handler and outcome.",
		}, []string{"handler", "outcome"}),
		consumerRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consumer_retries_total",
			Help: "Handler attempts retried after a transient failure.",
		}, []string{"handler"}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_reconciliation_anomalies_total",
			Help: "Gateway callbacks rejected or escalated by reconciliation.",
		}, []string{"kind"}),
		optimisticRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optimistic_lock_conflicts_total",
			Help: "Version conflicts observed by optimistic mutators.",
		}, []string{"aggregate"}),
	}
	reg.MustRegister(
		m.batchDuration,
		m.published,
		m.publishFailures,
		m.outboxFailed,
		m.consumerEvents,
		m.consumerRetries,
		m.anomalies,
		m.optimisticRetries,
	)
	return m
}

func (m *PipelineMetrics) ObserveBatch(relay string, duration time.Duration) {
	if m == nil || m.batchDuration == nil {
		return
	}
	m.batchDuration.WithLabelValues(normalizeLabel(relay)).Observe(duration.Seconds())
}

func (m *PipelineMetrics) IncPublished(eventType string) {
	if m == nil || m.published == nil {
		return
	}
	m.published.WithLabelValues(normalizeLabel(eventType)).Inc()
}

func (m *PipelineMetrics) IncPublishFailure(eventType string) {
	if m == nil || m.publishFailures == nil {
		return
	}
	m.publishFailures.WithLabelValues(normalizeLabel(eventType)).Inc()
}

// IncOutboxFailed counts entries that exhausted their publish attempts.
func (m *PipelineMetrics) IncOutboxFailed(eventType string) {
	if m == nil || m.outboxFailed == nil {
		return
	}
	m.outboxFailed.WithLabelValues(normalizeLabel(eventType)).Inc()
}

func (m *PipelineMetrics) IncConsumerOutcome(handler, outcome string) {
	if m == nil || m.consumerEvents == nil {
		return
	}
	m.consumerEvents.WithLabelValues(normalizeLabel(handler), normalizeLabel(outcome)).Inc()
}

func (m *PipelineMetrics) IncConsumerRetry(handler string) {
	if m == nil || m.consumerRetries == nil {
		return
	}
	m.consumerRetries.WithLabelValues(normalizeLabel(handler)).Inc()
}

// IncAnomaly counts reconciliation anomalies by kind (regression, out_of_order).
func (m *PipelineMetrics) IncAnomaly(kind string) {
	if m == nil || m.anomalies == nil {
		return
	}
	m.anomalies.WithLabelValues(normalizeLabel(kind)).Inc()
}

func (m *PipelineMetrics) IncOptimisticConflict(aggregate string) {
	if m == nil || m.optimisticRetries == nil {
		return
	}
	m.optimisticRetries.WithLabelValues(normalizeLabel(aggregate)).Inc()
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
