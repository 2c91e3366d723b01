package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/keymart-backend/internal/payments"
	"github.com/angelmondragon/keymart-backend/pkg/enums"
	"github.com/angelmondragon/keymart-backend/pkg/logger"
	"github.com/angelmondragon/keymart-backend/pkg/metrics"
)

const (
	paymentMonitorInterval = 30 * time.Second
	defaultPendingHoldWarn = 1000
	defaultExpiredHoldWarn = 100
	defaultQueueTrigger    = 100
	defaultQueueTake       = 50
)

type queueStatsReader interface {
	Stats(ctx context.Context, now time.Time) (payments.QueueStats, error)
}

type holdStatsReader interface {
	HoldStats(ctx context.Context, now time.Time) (pending, expired int64, err error)
}

type queueKicker interface {
	Kick(ctx context.Context, n int) (int, error)
}

type PaymentMonitorJobParams struct {
	Logger  *logger.Logger
	Queue   queueStatsReader
	Holds   holdStatsReader
	Kicker  queueKicker
	Metrics *metrics.PaymentMetrics

	Interval         time.Duration
	PendingHoldsWarn int64
	ExpiredHoldsWarn int64
	QueueTriggerSize int
	QueueTriggerTake int
}

// NewPaymentMonitorJob builds the job that exports queue and hold gauges and
// drains a backed-up queue through the scheduler.
func NewPaymentMonitorJob(params PaymentMonitorJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Queue == nil {
		return nil, fmt.Errorf("queue stats reader required")
	}
	if params.Holds == nil {
		return nil, fmt.Errorf("hold stats reader required")
	}
	job := &paymentMonitorJob{
		logg:        params.Logger,
		queue:       params.Queue,
		holds:       params.Holds,
		kicker:      params.Kicker,
		metrics:     params.Metrics,
		interval:    params.Interval,
		pendingWarn: params.PendingHoldsWarn,
		expiredWarn: params.ExpiredHoldsWarn,
		triggerSize: params.QueueTriggerSize,
		triggerTake: params.QueueTriggerTake,
		now:         utcNow,
	}
	if job.interval <= 0 {
		job.interval = paymentMonitorInterval
	}
	if job.pendingWarn <= 0 {
		job.pendingWarn = defaultPendingHoldWarn
	}
	if job.expiredWarn <= 0 {
		job.expiredWarn = defaultExpiredHoldWarn
	}
	if job.triggerSize <= 0 {
		job.triggerSize = defaultQueueTrigger
	}
	if job.triggerTake <= 0 {
		job.triggerTake = defaultQueueTake
	}
	return job, nil
}

type paymentMonitorJob struct {
	logg        *logger.Logger
	queue       queueStatsReader
	holds       holdStatsReader
	kicker      queueKicker
	metrics     *metrics.PaymentMetrics
	interval    time.Duration
	pendingWarn int64
	expiredWarn int64
	triggerSize int
	triggerTake int
	now         func() time.Time
}

func (j *paymentMonitorJob) Name() string            { return "payment-monitor" }
func (j *paymentMonitorJob) Interval() time.Duration { return j.interval }

func (j *paymentMonitorJob) Run(ctx context.Context) error {
	now := j.now()
	stats, err := j.queue.Stats(ctx, now)
	if err != nil {
		return fmt.Errorf("queue stats: %w", err)
	}
	pendingHolds, expiredHolds, err := j.holds.HoldStats(ctx, now)
	if err != nil {
		return fmt.Errorf("hold stats: %w", err)
	}

	snapshot := metrics.QueueSnapshot{
		EntriesByStatus:     make(map[string]int64, len(stats.ByStatus)),
		PendingHolds:        pendingHolds,
		ExpiredHolds:        expiredHolds,
		CompletedLastMinute: stats.CompletedLastMinute,
	}
	fields := map[string]any{
		"pending_holds":         pendingHolds,
		"expired_holds":         expiredHolds,
		"completed_last_minute": stats.CompletedLastMinute,
	}
	for status, count := range stats.ByStatus {
		snapshot.EntriesByStatus[status.String()] = count
		fields["entries_"+status.String()] = count
	}
	j.metrics.ObserveSnapshot(snapshot)
	logCtx := j.logg.WithFields(ctx, fields)
	j.logg.Debug(logCtx, "payment pipeline snapshot")

	if pendingHolds > j.pendingWarn {
		j.logg.Warn(logCtx, "pending wallet holds above threshold")
	}
	if expiredHolds > j.expiredWarn {
		j.logg.Warn(logCtx, "expired wallet holds are not being reaped")
	}

	pending := stats.ByStatus[enums.PaymentStatusPending]
	if j.kicker != nil && pending > int64(j.triggerSize) {
		kicked, err := j.kicker.Kick(ctx, j.triggerTake)
		if err != nil {
			return fmt.Errorf("kick scheduler: %w", err)
		}
		j.logg.Info(j.logg.WithFields(ctx, map[string]any{"pending": pending, "kicked": kicked}), "payment queue backlog drained early")
	}
	return nil
}
