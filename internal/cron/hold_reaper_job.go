package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/keymart-backend/internal/wallet"
	"github.com/angelmondragon/keymart-backend/pkg/logger"
)

const (
	holdReaperInterval  = 5 * time.Second
	holdReaperBatchSize = 10
)

type expiredHoldProcessor interface {
	ProcessExpired(ctx context.Context, now time.Time, batch int) (wallet.ExpirySummary, error)
}

type HoldReaperJobParams struct {
	Logger    *logger.Logger
	Holds     expiredHoldProcessor
	Interval  time.Duration
	BatchSize int
}

// NewHoldReaperJob builds the job that settles wallet holds past their expiry.
func NewHoldReaperJob(params HoldReaperJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Holds == nil {
		return nil, fmt.Errorf("hold processor required")
	}
	interval := params.Interval
	if interval <= 0 {
		interval = holdReaperInterval
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = holdReaperBatchSize
	}
	return &holdReaperJob{
		logg:     params.Logger,
		holds:    params.Holds,
		interval: interval,
		batch:    batch,
		now:      utcNow,
	}, nil
}

type holdReaperJob struct {
	logg     *logger.Logger
	holds    expiredHoldProcessor
	interval time.Duration
	batch    int
	now      func() time.Time
}

func (j *holdReaperJob) Name() string            { return "hold-reaper" }
func (j *holdReaperJob) Interval() time.Duration { return j.interval }

func (j *holdReaperJob) Run(ctx context.Context) error {
	summary, err := j.holds.ProcessExpired(ctx, j.now(), j.batch)
	if summary.Scanned > 0 {
		j.logg.Info(j.logg.WithFields(ctx, map[string]any{
			"scanned":   summary.Scanned,
			"completed": summary.Completed,
			"refunded":  summary.Refunded,
		}), "expired holds settled")
	}
	if err != nil {
		return fmt.Errorf("hold reaper: %w", err)
	}
	return nil
}
