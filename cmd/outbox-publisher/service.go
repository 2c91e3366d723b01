package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/keymart-backend/pkg/config"
	"github.com/angelmondragon/keymart-backend/pkg/db/models"
	"github.com/angelmondragon/keymart-backend/pkg/logger"
	"github.com/angelmondragon/keymart-backend/pkg/outbox"
)

const (
	defaultBatchSize   = 50
	defaultPoll        = 500 * time.Millisecond
	defaultMaxAttempts = 10
	sendTimeout        = 15 * time.Second
	maxBackoff         = 10 * time.Second
	jitterWindow       = 250 * time.Millisecond
)

type dbClient interface {
	Ping(context.Context) error
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type outboxRepository interface {
	FetchUnpublishedForPublish(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxEvent, error)
	MarkPublishedTx(tx *gorm.DB, id uuid.UUID) error
	MarkFailedTx(tx *gorm.DB, id uuid.UUID, err error) error
	MarkTerminalTx(tx *gorm.DB, id uuid.UUID, err error, terminalAttempts int) error
}

type registryResolver interface {
	Resolve(models.OutboxEvent) (*outbox.ResolvedEvent, error)
}

type ServiceParams struct {
	Config     *config.Config
	Logger     *logger.Logger
	DB         dbClient
	Sink       sink
	Repository outboxRepository
	Registry   registryResolver
}

// Service relays committed outbox rows to the configured sink.
type Service struct {
	logg        *logger.Logger
	db          dbClient
	repo        outboxRepository
	sink        sink
	registry    registryResolver
	batchSize   int
	maxAttempts int
	poll        time.Duration
}

func NewService(params ServiceParams) (*Service, error) {
	switch {
	case params.Config == nil:
		return nil, errors.New("config is required")
	case params.Logger == nil:
		return nil, errors.New("logger is required")
	case params.DB == nil:
		return nil, errors.New("database client is required")
	case params.Sink == nil:
		return nil, errors.New("sink is required")
	case params.Repository == nil:
		return nil, errors.New("outbox repository is required")
	case params.Registry == nil:
		return nil, errors.New("event registry is required")
	}

	cfg := params.Config.Outbox
	s := &Service{
		logg:        params.Logger,
		db:          params.DB,
		repo:        params.Repository,
		sink:        params.Sink,
		registry:    params.Registry,
		batchSize:   orDefault(cfg.BatchSize, defaultBatchSize),
		maxAttempts: orDefault(cfg.MaxAttempts, defaultMaxAttempts),
		poll:        defaultPoll,
	}
	if cfg.PollIntervalMS > 0 {
		s.poll = time.Duration(cfg.PollIntervalMS) * time.Millisecond
	}
	return s, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Run polls until ctx ends. Full batches are followed immediately by the
// next fetch; errors back off exponentially up to maxBackoff.
func (s *Service) Run(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("database ping: %w", err)
	}
	if err := s.sink.Ping(ctx); err != nil {
		return fmt.Errorf("%s ping: %w", s.sink.Name(), err)
	}

	wait := s.poll
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		stats, err := s.processBatch(ctx)
		switch {
		case err != nil:
			s.logg.Error(ctx, "outbox batch failed", err)
			wait = nextBackoff(wait, s.poll, maxBackoff)
		case stats.fetched > 0:
			wait = s.poll
			if stats.retried+stats.terminal > 0 {
				s.logg.Info(s.logg.WithFields(ctx, stats.fields()), "outbox batch had undelivered rows")
			}
			continue
		default:
			wait = s.poll
		}
		if err := sleepCtx(ctx, wait+jitter()); err != nil {
			return err
		}
	}
}

type disposition int

const (
	dispPublished disposition = iota
	dispRetry
	dispTerminal
)

type batchStats struct {
	fetched, published, retried, terminal int
}

func (b batchStats) fields() map[string]any {
	return map[string]any{
		"fetched":   b.fetched,
		"published": b.published,
		"retried":   b.retried,
		"terminal":  b.terminal,
	}
}

// processBatch delivers one locked batch. Rows are marked inside the same
// transaction, so a crash re-publishes at most the current batch.
func (s *Service) processBatch(ctx context.Context) (batchStats, error) {
	var stats batchStats
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		stats = batchStats{}
		events, err := s.repo.FetchUnpublishedForPublish(tx, s.batchSize, s.maxAttempts)
		if err != nil {
			return err
		}
		stats.fetched = len(events)
		for _, event := range events {
			disp, err := s.deliver(ctx, tx, event)
			if err != nil {
				return err
			}
			switch disp {
			case dispPublished:
				stats.published++
			case dispRetry:
				stats.retried++
			case dispTerminal:
				stats.terminal++
			}
		}
		return nil
	})
	return stats, err
}

// deliver sends one row and records its disposition. Only a failure to
// record is returned as an error.
func (s *Service) deliver(ctx context.Context, tx *gorm.DB, event models.OutboxEvent) (disposition, error) {
	attempt := event.AttemptCount + 1
	ctx = s.logg.WithFields(ctx, map[string]any{
		"outbox_id":      event.ID.String(),
		"event_type":     event.EventType,
		"aggregate_type": event.AggregateType,
		"aggregate_id":   event.AggregateID.String(),
		"attempt":        attempt,
		"sink":           s.sink.Name(),
	})

	resolved, err := s.registry.Resolve(event)
	if err == nil {
		ctx = s.logg.WithField(ctx, "event_id", resolved.Envelope.EventID)
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		err = s.sink.Send(sendCtx, event, resolved)
		cancel()
	}

	var nonRetryable outbox.NonRetryableError
	switch {
	case err == nil:
		if markErr := s.repo.MarkPublishedTx(tx, event.ID); markErr != nil {
			return dispPublished, fmt.Errorf("mark published %s: %w", event.ID, markErr)
		}
		s.logg.Debug(ctx, "outbox event published")
		return dispPublished, nil
	case errors.As(err, &nonRetryable):
		return dispTerminal, s.markTerminal(ctx, tx, event, "non_retryable", err)
	case attempt >= s.maxAttempts:
		return dispTerminal, s.markTerminal(ctx, tx, event, "max_attempts", fmt.Errorf("max publish attempts reached: %w", err))
	default:
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "outbox publish failed; will retry")
		if markErr := s.repo.MarkFailedTx(tx, event.ID, err); markErr != nil {
			return dispRetry, fmt.Errorf("mark failure %s: %w", event.ID, markErr)
		}
		return dispRetry, nil
	}
}

func (s *Service) markTerminal(ctx context.Context, tx *gorm.DB, event models.OutboxEvent, reason string, cause error) error {
	ctx = s.logg.WithFields(ctx, map[string]any{"terminal_reason": reason, "error": cause.Error()})
	s.logg.Warn(ctx, "outbox event will not be retried")
	if err := s.repo.MarkTerminalTx(tx, event.ID, cause, event.AttemptCount+1); err != nil {
		return fmt.Errorf("mark terminal %s: %w", event.ID, err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func nextBackoff(current, base, max time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	return min(current*2, max)
}

func jitter() time.Duration {
	return rand.N(jitterWindow)
}
