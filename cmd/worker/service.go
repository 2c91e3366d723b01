package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/keymart-backend/internal/bootstrap"
	"github.com/angelmondragon/keymart-backend/internal/cron"
	"github.com/angelmondragon/keymart-backend/pkg/config"
	"github.com/angelmondragon/keymart-backend/pkg/db"
	"github.com/angelmondragon/keymart-backend/pkg/lock"
	"github.com/angelmondragon/keymart-backend/pkg/logger"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type runner interface {
	Run(ctx context.Context) error
}

type ServiceParams struct {
	Config   *config.Config
	Logger   *logger.Logger
	Pipeline *bootstrap.Pipeline
	Locker   lock.Locker
	DB       *db.Client
	Redis    pinger
	Gatherer prometheus.Gatherer
}

// Service runs the payment scheduler and the maintenance jobs side by side.
type Service struct {
	cfg       *config.Config
	logg      *logger.Logger
	scheduler runner
	cron      runner
	deps      map[string]pinger
	gatherer  prometheus.Gatherer
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Pipeline == nil || params.Pipeline.Scheduler == nil {
		return nil, errors.New("pipeline with scheduler is required")
	}
	if params.Locker == nil {
		return nil, errors.New("locker is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.Redis == nil {
		return nil, errors.New("redis client is required")
	}

	registry, err := buildJobs(params.Config, params.Logger, params.Pipeline, params.DB)
	if err != nil {
		return nil, err
	}
	cronService, err := cron.NewService(cron.ServiceParams{
		Logger:   params.Logger,
		Registry: registry,
		Locker:   params.Locker,
		Metrics:  params.Pipeline.CronMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("cron service: %w", err)
	}

	gatherer := params.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	return &Service{
		cfg:       params.Config,
		logg:      params.Logger,
		scheduler: params.Pipeline.Scheduler,
		cron:      cronService,
		deps:      map[string]pinger{"database": params.DB, "redis": params.Redis},
		gatherer:  gatherer,
	}, nil
}

func buildJobs(cfg *config.Config, logg *logger.Logger, pipe *bootstrap.Pipeline, tx *db.Client) (*cron.Registry, error) {
	holdReaper, err := cron.NewHoldReaperJob(cron.HoldReaperJobParams{
		Logger:    logg,
		Holds:     pipe.Wallet,
		Interval:  cfg.Reaper.HoldInterval,
		BatchSize: cfg.Reaper.HoldBatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("hold reaper: %w", err)
	}
	reservationReaper, err := cron.NewReservationReaperJob(cron.ReservationReaperJobParams{
		Logger:    logg,
		Inventory: pipe.Inventory,
		Interval:  cfg.Reaper.ReservationInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("reservation reaper: %w", err)
	}
	stuck, err := cron.NewStuckPaymentsJob(cron.StuckPaymentsJobParams{
		Logger:    logg,
		Processor: pipe.Processor,
		Interval:  cfg.Reaper.StuckInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("stuck payments: %w", err)
	}
	monitor, err := cron.NewPaymentMonitorJob(cron.PaymentMonitorJobParams{
		Logger:           logg,
		Queue:            pipe.Queue,
		Holds:            pipe.Wallet,
		Kicker:           pipe.Scheduler,
		Metrics:          pipe.Metrics,
		Interval:         cfg.Reaper.MonitorInterval,
		PendingHoldsWarn: cfg.Reaper.PendingHoldsWarn,
		ExpiredHoldsWarn: cfg.Reaper.ExpiredHoldsWarn,
		QueueTriggerSize: cfg.Payments.QueueTriggerSize,
		QueueTriggerTake: cfg.Payments.QueueTriggerTake,
	})
	if err != nil {
		return nil, fmt.Errorf("payment monitor: %w", err)
	}
	retention, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:     logg,
		DB:         tx,
		Repository: pipe.OutboxRepo,
		Retention:  cfg.Reaper.OutboxRetentionDays,
		Interval:   cfg.Reaper.OutboxRetentionInterval,
		BatchSize:  cfg.Reaper.OutboxRetentionBatch,
	})
	if err != nil {
		return nil, fmt.Errorf("outbox retention: %w", err)
	}
	registry, err := cron.NewRegistry(holdReaper, reservationReaper, stuck, monitor, retention)
	if err != nil {
		return nil, fmt.Errorf("cron registry: %w", err)
	}
	return registry, nil
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	for _, name := range []string{"database", "redis"} {
		if err := pingDependency(ctx, s.logg, name, s.deps[name].Ping); err != nil {
			return err
		}
	}
	s.logg.Info(ctx, "all worker dependencies are ready")
	return nil
}

func pingDependency(ctx context.Context, logg *logger.Logger, name string, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		logg.Error(ctx, fmt.Sprintf("%s ping failed", name), err)
		return fmt.Errorf("%s ping failed: %w", name, err)
	}
	return nil
}

func (s *Service) router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		for _, dep := range s.deps {
			if err := dep.Ping(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return r
}

// Run blocks until ctx is cancelled or one of the loops fails.
func (s *Service) Run(ctx context.Context, addr string) error {
	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}

	server := &http.Server{Addr: addr, Handler: s.router(), ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.scheduler.Run(gctx) })
	g.Go(func() error { return s.cron.Run(gctx) })
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("worker http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
