// Package scheduler drives payment processing. A poll loop guarded by a global
// lock is the authoritative source of work; enqueue and hold-creation hints
// feed the same worker pool so work can start before the next tick.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/keymart-backend/internal/wallet"
	"github.com/angelmondragon/keymart-backend/pkg/enums"
	"github.com/angelmondragon/keymart-backend/pkg/lock"
	"github.com/angelmondragon/keymart-backend/pkg/logger"
	"github.com/angelmondragon/keymart-backend/pkg/metrics"
)

const (
	sourceEnqueue    = "enqueue"
	sourceHoldExpiry = "hold_expiry"
	sourceQueueSize  = "queue_size"
	sourcePoll       = "poll"
)

type entryProcessor interface {
	ProcessEntry(ctx context.Context, entryID uuid.UUID) (enums.PaymentStatus, error)
}

type pendingSource interface {
	PendingIDs(ctx context.Context, limit int) ([]uuid.UUID, error)
}

type holdExpirer interface {
	ExpireHold(ctx context.Context, holdID uuid.UUID) (wallet.HoldOutcome, error)
}

type taskKind int

const (
	taskEntry taskKind = iota
	taskHold
)

type task struct {
	kind taskKind
	id   uuid.UUID
	done func()
}

func (t task) key() string {
	if t.kind == taskHold {
		return "hold:" + t.id.String()
	}
	return "entry:" + t.id.String()
}

// Options configures the scheduler.
type Options struct {
	PollInterval time.Duration
	BatchSize    int
	Workers      int
	Buffer       int
	PollLockWait time.Duration
	LockLease    time.Duration
	TaskTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 20
	}
	if o.Workers <= 0 {
		o.Workers = 50
	}
	if o.Buffer <= 0 {
		o.Buffer = 1024
	}
	if o.PollLockWait <= 0 {
		o.PollLockWait = 5 * time.Second
	}
	if o.LockLease <= 0 {
		o.LockLease = 30 * time.Second
	}
	if o.TaskTimeout <= 0 {
		o.TaskTimeout = 2 * time.Minute
	}
	return o
}

type ServiceParams struct {
	Logger    *logger.Logger
	Locker    lock.Locker
	Queue     pendingSource
	Processor entryProcessor
	Holds     holdExpirer
	Metrics   *metrics.PaymentMetrics
	Options   Options
}

// Service owns the worker pool that processes queue entries and expires holds.
type Service struct {
	logg      *logger.Logger
	locker    lock.Locker
	queue     pendingSource
	processor entryProcessor
	holds     holdExpirer
	metrics   *metrics.PaymentMetrics
	opts      Options

	tasks  chan task
	queued sync.Map

	mu      sync.Mutex
	timers  map[uuid.UUID]*time.Timer
	stopped bool
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Locker == nil {
		return nil, fmt.Errorf("locker required")
	}
	if params.Queue == nil {
		return nil, fmt.Errorf("pending source required")
	}
	if params.Processor == nil {
		return nil, fmt.Errorf("entry processor required")
	}
	if params.Holds == nil {
		return nil, fmt.Errorf("hold expirer required")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Discard()
	}
	opts := params.Options.withDefaults()
	return &Service{
		logg:      logg,
		locker:    params.Locker,
		queue:     params.Queue,
		processor: params.Processor,
		holds:     params.Holds,
		metrics:   params.Metrics,
		opts:      opts,
		tasks:     make(chan task, opts.Buffer),
		timers:    make(map[uuid.UUID]*time.Timer),
	}, nil
}

// Run starts the workers and the poll loop and blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.opts.Workers; i++ {
		g.Go(func() error {
			s.work(ctx)
			return nil
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(s.opts.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if _, err := s.Poll(ctx); err != nil && ctx.Err() == nil {
					s.logg.Error(ctx, "payment poll failed", err)
				}
			}
		}
	})
	s.logg.Info(s.logg.WithField(ctx, "workers", s.opts.Workers), "payment scheduler started")
	err := g.Wait()
	s.stopTimers()
	s.logg.Info(context.Background(), "payment scheduler stopped")
	return err
}

// EntryEnqueued schedules a freshly queued entry without waiting for the poll.
func (s *Service) EntryEnqueued(entryID uuid.UUID) {
	s.submit(task{kind: taskEntry, id: entryID}, sourceEnqueue)
}

// HoldCreated arms a timer that expires the hold once its window elapses.
func (s *Service) HoldCreated(holdID uuid.UUID, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if _, armed := s.timers[holdID]; armed {
		return
	}
	delay := time.Until(expiresAt)
	if delay < 0 {
		delay = 0
	}
	s.timers[holdID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, holdID)
		s.mu.Unlock()
		s.submit(task{kind: taskHold, id: holdID}, sourceHoldExpiry)
	})
}

// Kick submits up to n of the oldest pending entries immediately.
func (s *Service) Kick(ctx context.Context, n int) (int, error) {
	ids, err := s.queue.PendingIDs(ctx, n)
	if err != nil {
		return 0, err
	}
	accepted := 0
	for _, id := range ids {
		if s.submit(task{kind: taskEntry, id: id}, sourceQueueSize) {
			accepted++
		}
	}
	return accepted, nil
}

// Poll runs one authoritative pass over the PENDING entries in batches. Only
// one instance runs a pass at a time; a pass that cannot take the poll lock is
// skipped.
func (s *Service) Poll(ctx context.Context) (int, error) {
	processed := 0
	err := lock.WithRenewedLock(ctx, s.locker, lock.PaymentPollKey, s.opts.PollLockWait, s.opts.LockLease, func(ctx context.Context) error {
		ids, err := s.queue.PendingIDs(ctx, 0)
		if err != nil {
			return err
		}
		for start := 0; start < len(ids); start += s.opts.BatchSize {
			end := start + s.opts.BatchSize
			if end > len(ids) {
				end = len(ids)
			}
			processed += s.runBatch(ctx, ids[start:end])
			if ctx.Err() != nil {
				return nil
			}
		}
		return nil
	})
	if lock.IsTimeout(err) {
		s.logg.Debug(ctx, "payment poll skipped, another instance holds the poll lock")
		return 0, nil
	}
	return processed, err
}

func (s *Service) runBatch(ctx context.Context, ids []uuid.UUID) int {
	var wg sync.WaitGroup
	submitted := 0
	for _, id := range ids {
		wg.Add(1)
		if !s.submit(task{kind: taskEntry, id: id, done: wg.Done}, sourcePoll) {
			wg.Done()
			continue
		}
		submitted++
	}
	waitCtx(ctx, &wg)
	return submitted
}

func waitCtx(ctx context.Context, wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// submit queues t unless an identical task is already waiting. It never
// blocks; dropped work is picked up by the next poll.
func (s *Service) submit(t task, source string) bool {
	if _, dup := s.queued.LoadOrStore(t.key(), struct{}{}); dup {
		s.metrics.IncTrigger(source, false)
		return false
	}
	select {
	case s.tasks <- t:
		s.metrics.IncTrigger(source, true)
		return true
	default:
		s.queued.Delete(t.key())
		s.metrics.IncTrigger(source, false)
		s.logg.Warn(s.logg.WithField(context.Background(), "source", source), "scheduler buffer full, task dropped")
		return false
	}
}

func (s *Service) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-s.tasks:
			s.queued.Delete(t.key())
			s.execute(ctx, t)
			if t.done != nil {
				t.done()
			}
		}
	}
}

func (s *Service) execute(ctx context.Context, t task) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.TaskTimeout)
	defer cancel()
	switch t.kind {
	case taskHold:
		ctx = s.logg.WithField(ctx, "hold_id", t.id.String())
		outcome, err := s.holds.ExpireHold(ctx, t.id)
		if err != nil {
			s.logg.Error(ctx, "hold expiry failed", err)
			return
		}
		if outcome != wallet.HoldUntouched {
			s.logg.Info(s.logg.WithField(ctx, "outcome", string(outcome)), "hold expired")
		}
	default:
		ctx = s.logg.WithPaymentID(ctx, t.id.String())
		if _, err := s.processor.ProcessEntry(ctx, t.id); err != nil {
			if lock.IsTimeout(err) {
				s.logg.Debug(ctx, "payment entry busy")
				return
			}
			s.logg.Error(ctx, "payment processing failed", err)
		}
	}
}

func (s *Service) stopTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
}

// ArmedHolds reports how many hold expiry timers are pending.
func (s *Service) ArmedHolds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
