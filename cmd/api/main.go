package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/angelmondragon/keymart-backend/api/controllers"
	"github.com/angelmondragon/keymart-backend/api/routes"
	"github.com/angelmondragon/keymart-backend/internal/bootstrap"
	"github.com/angelmondragon/keymart-backend/pkg/config"
	"github.com/angelmondragon/keymart-backend/pkg/db"
	"github.com/angelmondragon/keymart-backend/pkg/instance"
	"github.com/angelmondragon/keymart-backend/pkg/lock"
	"github.com/angelmondragon/keymart-backend/pkg/logger"
	"github.com/angelmondragon/keymart-backend/pkg/metrics"
	"github.com/angelmondragon/keymart-backend/pkg/migrate"
	"github.com/angelmondragon/keymart-backend/pkg/redis"
	"github.com/angelmondragon/keymart-backend/pkg/tracing"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Console:     cfg.App.ConsoleLogs(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, "keymart-api")
	if err != nil {
		logg.Error(ctx, "failed to init tracing", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logg.Error(context.Background(), "error flushing traces", err)
		}
	}()

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		logg.Error(ctx, "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	locker, closeLocker, err := lock.FromConfig(cfg.Lock, redisClient, logg)
	if err != nil {
		logg.Error(ctx, "failed to build locker", err)
		os.Exit(1)
	}
	defer func() {
		if err := closeLocker(); err != nil {
			logg.Error(context.Background(), "error closing locker", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	pipe, err := bootstrap.NewPipeline(bootstrap.PipelineParams{
		Config:        cfg,
		Logger:        logg,
		DB:            dbClient,
		Locker:        locker,
		Registerer:    registry,
		WithScheduler: cfg.Payments.EmbedScheduler,
	})
	if err != nil {
		logg.Error(ctx, "failed to build payment pipeline", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx = logg.WithFields(ctx, map[string]any{
		"env":       cfg.App.Env,
		"addr":      addr,
		"instance":  instance.GetID(),
		"scheduler": pipe.Scheduler != nil,
	})

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(routes.RouterParams{
			Config:      cfg,
			Logger:      logg,
			Queue:       pipe.Queue,
			Wallet:      pipe.Wallet,
			Idempotency: redisClient,
			Ready: map[string]controllers.Pinger{
				"database": dbClient,
				"redis":    redisClient,
			},
			Gatherer: registry,
			Metrics:  metrics.NewHTTPMetrics(registry),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	schedulerDone := make(chan error, 1)
	if pipe.Scheduler != nil {
		go func() { schedulerDone <- pipe.Scheduler.Run(ctx) }()
	} else {
		close(schedulerDone)
	}

	serverErr := make(chan error, 1)
	go func() {
		logg.Info(ctx, "starting api server")
		serverErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "api server stopped unexpectedly", err)
			stop()
			<-schedulerDone
			os.Exit(1)
		}
	}

	logg.Info(ctx, "shutting down api server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logg.Error(ctx, "api server shutdown failed", err)
	}
	if err := <-schedulerDone; err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "embedded scheduler stopped with error", err)
	}
}
