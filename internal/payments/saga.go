package payments

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/angelmondragon/keymart-backend/pkg/logger"
	"github.com/angelmondragon/keymart-backend/pkg/metrics"
	"github.com/angelmondragon/keymart-backend/pkg/tracing"
)

// Step is one action of a saga and the compensation that undoes it.
// Compensate may be nil for steps that leave nothing behind on failure.
type Step struct {
	Name       string
	Action     func(ctx context.Context) error
	Compensate func(ctx context.Context) error
}

// SagaError reports the step that failed and the outcome of compensation.
type SagaError struct {
	Step         string
	Err          error
	Compensation error
}

func (e *SagaError) Error() string {
	if e.Compensation != nil {
		return fmt.Sprintf("%s: %v (compensation: %v)", e.Step, e.Err, e.Compensation)
	}
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *SagaError) Unwrap() error { return e.Err }

// Saga runs steps in order. When step k fails, the compensations of steps
// 0..k-1 run in reverse order. Every compensation is attempted regardless of
// the others.
type Saga struct {
	steps   []Step
	logg    *logger.Logger
	metrics *metrics.PaymentMetrics
}

func NewSaga(logg *logger.Logger, m *metrics.PaymentMetrics, steps ...Step) *Saga {
	if logg == nil {
		logg = logger.Discard()
	}
	return &Saga{steps: steps, logg: logg, metrics: m}
}

func (s *Saga) Run(ctx context.Context) error {
	for i, step := range s.steps {
		stepCtx, span := tracing.StartSpan(ctx, "payment."+step.Name, nil)
		started := time.Now()
		err := step.Action(stepCtx)
		s.metrics.ObserveStep(step.Name, time.Since(started))
		tracing.End(span, err)
		if err == nil {
			s.logg.Debug(s.logg.WithField(ctx, "step", step.Name), "saga step done")
			continue
		}
		s.logg.Warn(s.logg.WithFields(ctx, map[string]any{"step": step.Name, "error": err.Error()}), "saga step failed, compensating")
		return &SagaError{Step: step.Name, Err: err, Compensation: s.compensate(ctx, s.steps[:i])}
	}
	return nil
}

func (s *Saga) compensate(ctx context.Context, done []Step) error {
	ctx = context.WithoutCancel(ctx)
	var errs error
	for i := len(done) - 1; i >= 0; i-- {
		step := done[i]
		if step.Compensate == nil {
			continue
		}
		stepCtx, span := tracing.StartSpan(ctx, "payment.compensate."+step.Name, nil)
		err := step.Compensate(stepCtx)
		tracing.End(span, err)
		s.metrics.IncCompensation(step.Name, err == nil)
		fields := s.logg.WithField(ctx, "step", step.Name)
		if err != nil {
			s.logg.Error(fields, "compensation failed", err)
			errs = multierr.Append(errs, fmt.Errorf("compensate %s: %w", step.Name, err))
			continue
		}
		s.logg.Info(fields, "compensation done")
	}
	return errs
}
