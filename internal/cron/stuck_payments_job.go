package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/keymart-backend/internal/payments"
	"github.com/angelmondragon/keymart-backend/pkg/logger"
)

const (
	stuckPaymentsInterval = 60 * time.Second
	stuckPaymentsBatch    = 50
)

type stuckRecoverer interface {
	RecoverStuck(ctx context.Context, now time.Time, limit int) (payments.RecoverySummary, error)
}

type StuckPaymentsJobParams struct {
	Logger    *logger.Logger
	Processor stuckRecoverer
	Interval  time.Duration
}

// NewStuckPaymentsJob builds the job that resolves entries abandoned in PROCESSING.
func NewStuckPaymentsJob(params StuckPaymentsJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Processor == nil {
		return nil, fmt.Errorf("payment processor required")
	}
	interval := params.Interval
	if interval <= 0 {
		interval = stuckPaymentsInterval
	}
	return &stuckPaymentsJob{
		logg:      params.Logger,
		processor: params.Processor,
		interval:  interval,
		now:       utcNow,
	}, nil
}

type stuckPaymentsJob struct {
	logg      *logger.Logger
	processor stuckRecoverer
	interval  time.Duration
	now       func() time.Time
}

func (j *stuckPaymentsJob) Name() string            { return "stuck-payments" }
func (j *stuckPaymentsJob) Interval() time.Duration { return j.interval }

func (j *stuckPaymentsJob) Run(ctx context.Context) error {
	summary, err := j.processor.RecoverStuck(ctx, j.now(), stuckPaymentsBatch)
	if summary.Scanned > 0 {
		j.logg.Warn(j.logg.WithFields(ctx, map[string]any{
			"scanned":   summary.Scanned,
			"completed": summary.Completed,
			"failed":    summary.Failed,
		}), "stuck payments recovered")
	}
	if err != nil {
		return fmt.Errorf("stuck payments: %w", err)
	}
	return nil
}
