package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CronOutcome labels one scheduler tick for a job.
type CronOutcome string

const (
	CronSuccess CronOutcome = "success"
	CronFailure CronOutcome = "failure"
	// CronSkipped means another instance held the job lock.
	CronSkipped CronOutcome = "skipped"
)

// CronJobMetrics tracks scheduled job runs under keymart_cron_*.
type CronJobMetrics struct {
	runs        *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	lastSuccess *prometheus.GaugeVec
	now         func() time.Time
}

func NewCronJobMetrics(reg prometheus.Registerer) *CronJobMetrics {
	if reg == nil {
		return nil
	}
	c := &CronJobMetrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cron",
			Name:      "job_runs_total",
			Help:      "Cron job ticks by outcome.",
		}, []string{"job", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cron",
			Name:      "job_duration_seconds",
			Help:      "Wall time of cron jobs that acquired their lock.",
			Buckets:   []float64{.005, .025, .1, .5, 1, 5, 15, 60},
		}, []string{"job"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cron",
			Name:      "job_last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run per job.",
		}, []string{"job"}),
		now: time.Now,
	}
	reg.MustRegister(c.runs, c.duration, c.lastSuccess)
	return c
}

// RecordRun observes a job that ran for d and finished with err.
func (c *CronJobMetrics) RecordRun(job string, d time.Duration, err error) {
	if c == nil {
		return
	}
	job = jobLabel(job)
	c.duration.WithLabelValues(job).Observe(d.Seconds())
	if err != nil {
		c.RecordOutcome(job, CronFailure)
		return
	}
	c.RecordOutcome(job, CronSuccess)
	c.lastSuccess.WithLabelValues(job).Set(float64(c.now().Unix()))
}

// RecordOutcome counts a tick that did not run the job body, such as a
// skipped tick or a lock backend error.
func (c *CronJobMetrics) RecordOutcome(job string, outcome CronOutcome) {
	if c == nil {
		return
	}
	c.runs.WithLabelValues(jobLabel(job), string(outcome)).Inc()
}

func jobLabel(job string) string {
	if job == "" {
		return "unknown"
	}
	return job
}
