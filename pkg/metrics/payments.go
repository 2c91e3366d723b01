package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "keymart"

// QueueSnapshot is a point-in-time view of the payment pipeline.
type QueueSnapshot struct {
	EntriesByStatus     map[string]int64
	PendingHolds        int64
	ExpiredHolds        int64
	CompletedLastMinute int64
}

// PaymentMetrics covers the payment queue, saga steps and holds.
type PaymentMetrics struct {
	entries       *prometheus.GaugeVec
	pendingHolds  prometheus.Gauge
	expiredHolds  prometheus.Gauge
	rate          prometheus.Gauge
	outcomes      *prometheus.CounterVec
	steps         *prometheus.HistogramVec
	compensations *prometheus.CounterVec
	triggers      *prometheus.CounterVec
}

// NewPaymentMetrics registers the payment metrics on the provided registerer.
func NewPaymentMetrics(reg prometheus.Registerer) *PaymentMetrics {
	if reg == nil {
		return &PaymentMetrics{}
	}
	m := &PaymentMetrics{
		entries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "payment_queue_entries",
			Help:      "Payment queue entries per status.",
		}, []string{"status"}),
		pendingHolds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "wallet_holds_pending",
			Help:      "Wallet holds still pending.",
		}),
		expiredHolds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "wallet_holds_expired_pending",
			Help:      "Pending wallet holds past their expiry.",
		}),
		rate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "payment_completed_last_minute",
			Help:      "Payment entries completed during the last minute.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_outcomes_total",
			Help:      "Processed payment entries by terminal outcome.",
		}, []string{"outcome"}),
		steps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payment_step_duration_seconds",
			Help:      "Duration of payment saga steps.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step"}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_compensations_total",
			Help:      "Compensation attempts by step and result.",
		}, []string{"step", "result"}),
		triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_triggers_total",
			Help:      "Scheduler triggers by source and result.",
		}, []string{"source", "result"}),
	}
	reg.MustRegister(m.entries, m.pendingHolds, m.expiredHolds, m.rate, m.outcomes, m.steps, m.compensations, m.triggers)
	return m
}

func (m *PaymentMetrics) ObserveSnapshot(s QueueSnapshot) {
	if m == nil || m.entries == nil {
		return
	}
	for status, count := range s.EntriesByStatus {
		m.entries.WithLabelValues(normalizeLabel(status)).Set(float64(count))
	}
	m.pendingHolds.Set(float64(s.PendingHolds))
	m.expiredHolds.Set(float64(s.ExpiredHolds))
	m.rate.Set(float64(s.CompletedLastMinute))
}

func (m *PaymentMetrics) IncOutcome(outcome string) {
	if m == nil || m.outcomes == nil {
		return
	}
	m.outcomes.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *PaymentMetrics) ObserveStep(step string, d time.Duration) {
	if m == nil || m.steps == nil {
		return
	}
	m.steps.WithLabelValues(normalizeLabel(step)).Observe(d.Seconds())
}

func (m *PaymentMetrics) IncCompensation(step string, ok bool) {
	if m == nil || m.compensations == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.compensations.WithLabelValues(normalizeLabel(step), result).Inc()
}

func (m *PaymentMetrics) IncTrigger(source string, accepted bool) {
	if m == nil || m.triggers == nil {
		return
	}
	result := "accepted"
	if !accepted {
		result = "dropped"
	}
	m.triggers.WithLabelValues(normalizeLabel(source), result).Inc()
}
