// Package bootstrap assembles the payment pipeline from configuration so the
// api and worker binaries share one wiring.
package bootstrap

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/keymart-backend/internal/inventory"
	"github.com/angelmondragon/keymart-backend/internal/orders"
	"github.com/angelmondragon/keymart-backend/internal/payments"
	"github.com/angelmondragon/keymart-backend/internal/scheduler"
	"github.com/angelmondragon/keymart-backend/internal/wallet"
	"github.com/angelmondragon/keymart-backend/pkg/config"
	"github.com/angelmondragon/keymart-backend/pkg/db"
	"github.com/angelmondragon/keymart-backend/pkg/lock"
	"github.com/angelmondragon/keymart-backend/pkg/logger"
	"github.com/angelmondragon/keymart-backend/pkg/metrics"
	"github.com/angelmondragon/keymart-backend/pkg/outbox"
)

type PipelineParams struct {
	Config     *config.Config
	Logger     *logger.Logger
	DB         *db.Client
	Locker     lock.Locker
	Registerer prometheus.Registerer
	// WithScheduler builds the worker pool and routes enqueue and hold hints to it.
	WithScheduler bool
}

// Pipeline holds every service of the checkout path.
type Pipeline struct {
	Inventory   inventory.Service
	Wallet      wallet.Service
	Orders      orders.Service
	Queue       payments.Queue
	Processor   payments.Processor
	Scheduler   *scheduler.Service
	OutboxRepo  *outbox.Repository
	Metrics     *metrics.PaymentMetrics
	CronMetrics *metrics.CronJobMetrics
}

func NewPipeline(p PipelineParams) (*Pipeline, error) {
	if p.Config == nil {
		return nil, fmt.Errorf("config required")
	}
	if p.DB == nil {
		return nil, fmt.Errorf("database client required")
	}
	if p.Locker == nil {
		return nil, fmt.Errorf("locker required")
	}
	logg := p.Logger
	if logg == nil {
		logg = logger.Discard()
	}
	reg := p.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	cfg := p.Config.Payments

	platformUser, err := cfg.PlatformUser()
	if err != nil {
		return nil, err
	}
	rate, err := cfg.CommissionRate()
	if err != nil {
		return nil, err
	}

	paymentMetrics := metrics.NewPaymentMetrics(reg)
	outboxRepo := outbox.NewRepository(p.DB.DB())
	emitter := outbox.NewService(outboxRepo, logg)
	relay := &hintRelay{}

	inv, err := inventory.NewService(p.DB, inventory.NewRepository(p.DB.DB()), p.Locker, inventory.Options{
		ReserveWait:    cfg.ReserveLockWait,
		StockCheckWait: cfg.StockCheckLockWait,
		LockLease:      cfg.LockLease,
	}, logg)
	if err != nil {
		return nil, fmt.Errorf("inventory: %w", err)
	}

	ords, err := orders.NewService(orders.NewRepository(p.DB.DB()), rate)
	if err != nil {
		return nil, fmt.Errorf("orders: %w", err)
	}

	wal, err := wallet.NewService(wallet.Deps{
		Tx:          p.DB,
		Repo:        wallet.NewRepository(p.DB.DB()),
		Locker:      p.Locker,
		Settlements: ords,
		Outbox:      emitter,
		Hints:       relay,
		Logger:      logg,
	}, wallet.Options{
		PlatformUserID: platformUser,
		HoldExpiry:     cfg.HoldExpiry,
		LockWait:       cfg.WalletLockWait,
		LockLease:      cfg.LockLease,
	})
	if err != nil {
		return nil, fmt.Errorf("wallet: %w", err)
	}

	repo := payments.NewRepository(p.DB.DB())
	queue, err := payments.NewQueue(repo, p.Locker, inv, wal, relay, payments.QueueOptions{
		LockWait:  cfg.EnqueueLockWait,
		LockLease: cfg.LockLease,
	}, logg)
	if err != nil {
		return nil, fmt.Errorf("payment queue: %w", err)
	}

	proc, err := payments.NewProcessor(payments.ProcessorDeps{
		Tx:        p.DB,
		Repo:      repo,
		Locker:    p.Locker,
		Inventory: inv,
		Wallet:    wal,
		Orders:    ords,
		Outbox:    emitter,
		Metrics:   paymentMetrics,
		Logger:    logg,
	}, payments.ProcessorOptions{
		EntryLockWait:    cfg.EntryLockWait,
		LockLease:        cfg.LockLease,
		ReservationLease: cfg.ReservationLease,
		ProcessTimeout:   cfg.EntryProcessTimeout,
		StuckAfter:       cfg.StuckAfter,
	})
	if err != nil {
		return nil, fmt.Errorf("payment processor: %w", err)
	}

	pipe := &Pipeline{
		Inventory:   inv,
		Wallet:      wal,
		Orders:      ords,
		Queue:       queue,
		Processor:   proc,
		OutboxRepo:  outboxRepo,
		Metrics:     paymentMetrics,
		CronMetrics: metrics.NewCronJobMetrics(reg),
	}

	if !p.WithScheduler {
		return pipe, nil
	}

	sched, err := scheduler.NewService(scheduler.ServiceParams{
		Logger:    logg,
		Locker:    p.Locker,
		Queue:     queue,
		Processor: proc,
		Holds:     wal,
		Metrics:   paymentMetrics,
		Options: scheduler.Options{
			PollInterval: cfg.PollInterval,
			BatchSize:    cfg.BatchSize,
			Workers:      cfg.Workers,
			Buffer:       cfg.TriggerBuffer,
			PollLockWait: cfg.PollLockWait,
			LockLease:    cfg.LockLease,
			TaskTimeout:  2 * cfg.EntryProcessTimeout,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	relay.target.Store(sched)
	pipe.Scheduler = sched
	return pipe, nil
}

// hintRelay forwards hints to the scheduler once one exists. Without a
// scheduler the hints are dropped and the poll loop and hold reaper pick the
// work up.
type hintRelay struct {
	target atomic.Pointer[scheduler.Service]
}

func (r *hintRelay) EntryEnqueued(entryID uuid.UUID) {
	if s := r.target.Load(); s != nil {
		s.EntryEnqueued(entryID)
	}
}

func (r *hintRelay) HoldCreated(holdID uuid.UUID, expiresAt time.Time) {
	if s := r.target.Load(); s != nil {
		s.HoldCreated(holdID, expiresAt)
	}
}
