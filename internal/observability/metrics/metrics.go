package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	WebhookOutcomeApplied    = "applied"
	WebhookOutcomeDuplicate  = "duplicate"
	WebhookOutcomeConflict   = "conflict"
	WebhookOutcomeIgnored    = "ignored"
	WebhookOutcomeRejected   = "rejected"
	WebhookOutcomeAnnotated  = "annotated"
	WebhookOutcomeNoDocument = "no_document"
)

// Metrics captures settlement and reminder health signals.
type Metrics struct {
	webhookEvents    *prometheus.CounterVec
	reminderOutcomes *prometheus.CounterVec
	jobRuns          *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// Default returns the singleton metrics registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		metrics = newMetrics(prometheus.DefaultRegisterer)
	})
	return metrics
}

// ResetForTest resets the metrics singleton for tests.
func ResetForTest() {
	metricsOnce = sync.Once{}
	metrics = nil
}

func newMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "factura_webhook_events_total",
			Help: "Payment webhook deliveries by event type and outcome.",
		}, []string{"event_type", "outcome"}),
		reminderOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "factura_reminder_outcomes_total",
			Help: "Reminder dispatch outcomes per scheduler run.",
		}, []string{"outcome"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "factura_job_runs_total",
			Help: "Scheduler job invocations.",
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "factura_job_duration_seconds",
			Help:    "Scheduler job durations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
	}

	for _, collector := range []prometheus.Collector{
		m.webhookEvents, m.reminderOutcomes, m.jobRuns, m.jobDuration,
	} {
		if err := registerer.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}

	return m
}

func (m *Metrics) IncWebhookEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) IncReminderOutcome(outcome string) {
	if m == nil {
		return
	}
	m.reminderOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *Metrics) ObserveJobDuration(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}
