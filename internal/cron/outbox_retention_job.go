package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/keymart-backend/pkg/logger"
)

const (
	outboxRetentionDays     = 30
	outboxRetentionInterval = 24 * time.Hour
	outboxRetentionBatch    = 500
	// outboxRetentionMaxBatches caps one run; leftovers go next tick.
	outboxRetentionMaxBatches = 200
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxRetentionRepo interface {
	DeleteSettledBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time, limit int) (int64, error)
}

type OutboxRetentionJobParams struct {
	Logger     *logger.Logger
	DB         txRunner
	Repository outboxRetentionRepo
	// Retention is in days.
	Retention int
	Interval  time.Duration
	BatchSize int
}

// NewOutboxRetentionJob prunes delivered and terminal outbox rows older than
// the retention window. Each batch commits on its own so a large backlog
// never holds one long transaction.
func NewOutboxRetentionJob(params OutboxRetentionJobParams) (Job, error) {
	switch {
	case params.Logger == nil:
		return nil, errors.New("logger required")
	case params.DB == nil:
		return nil, errors.New("db runner required")
	case params.Repository == nil:
		return nil, errors.New("outbox repository required")
	}
	j := &outboxRetentionJob{
		logg:      params.Logger,
		db:        params.DB,
		repo:      params.Repository,
		retention: time.Duration(outboxRetentionDays) * 24 * time.Hour,
		interval:  outboxRetentionInterval,
		batch:     outboxRetentionBatch,
		now:       utcNow,
	}
	if params.Retention > 0 {
		j.retention = time.Duration(params.Retention) * 24 * time.Hour
	}
	if params.Interval > 0 {
		j.interval = params.Interval
	}
	if params.BatchSize > 0 {
		j.batch = params.BatchSize
	}
	return j, nil
}

type outboxRetentionJob struct {
	logg      *logger.Logger
	db        txRunner
	repo      outboxRetentionRepo
	retention time.Duration
	interval  time.Duration
	batch     int
	now       func() time.Time
}

func (j *outboxRetentionJob) Name() string            { return "outbox-retention" }
func (j *outboxRetentionJob) Interval() time.Duration { return j.interval }

func (j *outboxRetentionJob) Run(ctx context.Context) error {
	cutoff := j.now().Add(-j.retention)
	var total int64
	batches := 0
	for ; batches < outboxRetentionMaxBatches; batches++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		var deleted int64
		err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
			n, err := j.repo.DeleteSettledBefore(ctx, tx, cutoff, j.batch)
			deleted = n
			return err
		})
		if err != nil {
			return fmt.Errorf("outbox retention after %d rows: %w", total, err)
		}
		total += deleted
		if deleted < int64(j.batch) {
			break
		}
	}
	if total > 0 {
		j.logg.Info(j.logg.WithFields(ctx, map[string]any{
			"cutoff":       cutoff,
			"rows_deleted": total,
			"batches":      batches + 1,
		}), "outbox retention pruned rows")
	}
	return nil
}
