package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/keymart-backend/pkg/lock"
	"github.com/angelmondragon/keymart-backend/pkg/logger"
	"github.com/angelmondragon/keymart-backend/pkg/metrics"
)

const defaultInterval = time.Minute

func utcNow() time.Time { return time.Now().UTC() }

// ServiceParams configure the cron service.
type ServiceParams struct {
	Logger   *logger.Logger
	Registry *Registry
	Locker   lock.Locker
	Metrics  *metrics.CronJobMetrics
}

// Service runs every registered job on its own cadence. A run is skipped when
// another instance holds the job's lock.
type Service struct {
	logg     *logger.Logger
	registry *Registry
	locker   lock.Locker
	metrics  *metrics.CronJobMetrics
}

// NewService builds a cron service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Locker == nil {
		return nil, fmt.Errorf("locker required")
	}
	registry := params.Registry
	if registry == nil {
		registry = &Registry{}
	}
	return &Service{
		logg:     params.Logger,
		registry: registry,
		locker:   params.Locker,
		metrics:  params.Metrics,
	}, nil
}

// Run starts one loop per job until the context is canceled.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, job := range s.registry.Jobs() {
		job := job
		g.Go(func() error {
			s.loop(ctx, job)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	s.logg.Info(ctx, "cron service context canceled")
	return ctx.Err()
}

func (s *Service) loop(ctx context.Context, job Job) {
	interval := job.Interval()
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runJob(ctx, job)
		}
	}
}

// runJob executes one run of job if its lock can be taken without waiting.
// It reports whether the job ran.
func (s *Service) runJob(ctx context.Context, job Job) bool {
	jobCtx := s.logg.WithField(ctx, "job", job.Name())
	jobCtx = s.logg.WithField(jobCtx, "event", "cron.job")

	ttl := leaseFor(job)
	lease, err := s.locker.TryAcquire(jobCtx, lock.CronJobKey(job.Name()), 0, ttl)
	if err != nil {
		if lock.IsTimeout(err) {
			s.logg.Debug(jobCtx, "another instance is running this job; skipping")
			s.metrics.RecordOutcome(job.Name(), metrics.CronSkipped)
			return false
		}
		s.logg.Error(jobCtx, "cron lock acquire failed", err)
		s.metrics.RecordOutcome(job.Name(), metrics.CronFailure)
		return false
	}
	heldCtx, stop := lock.KeepAlive(jobCtx, lease, ttl)
	defer func() {
		stop()
		if relErr := lease.Release(context.WithoutCancel(jobCtx)); relErr != nil {
			s.logg.Error(jobCtx, "failed to release cron lock", relErr)
		}
	}()

	start := time.Now()
	err = job.Run(heldCtx)
	if lost := context.Cause(heldCtx); errors.Is(lost, lock.ErrLeaseLost) {
		err = multierr.Append(err, lost)
	}
	duration := time.Since(start)
	s.metrics.RecordRun(job.Name(), duration, err)
	jobCtx = s.logg.WithField(jobCtx, "duration_ms", duration.Milliseconds())
	if err != nil {
		s.logg.Error(jobCtx, "job failed", err)
		return true
	}
	s.logg.Debug(jobCtx, "job completed")
	return true
}

// leaseFor keeps the lock no longer than one interval so a crashed holder
// cannot block the job for more than one tick. A live run renews it.
func leaseFor(job Job) time.Duration {
	if interval := job.Interval(); interval > 0 {
		return interval
	}
	return defaultInterval
}
