package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"linkage/internal/contact"
	contactHandler "linkage/internal/contact/handler"
	contactMetrics "linkage/internal/contact/metrics"
	"linkage/internal/platform/config"
	"linkage/internal/platform/database"
	"linkage/internal/platform/httpserver"
	"linkage/internal/platform/logger"
	"linkage/internal/platform/metrics"
	redisclient "linkage/internal/platform/redis"
)

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in internal services packages.
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "linkage: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(".env")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg.LogFormat, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, database.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if db != nil {
		defer db.Close()
	}

	rdb, err := redisclient.New(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	if rdb != nil {
		defer rdb.Close()
	}

	httpMetrics := metrics.New()
	deps := contact.Deps{
		DB:          db,
		Logger:      log,
		Metrics:     contactMetrics.New(),
		LockTTL:     cfg.Lock.TTL,
		LockTimeout: cfg.Lock.Timeout,
		TxTimeout:   cfg.Database.TxTimeout,
	}
	if rdb != nil {
		deps.Redis = rdb.Client
	}
	svc := contact.NewService(deps)

	checks := map[string]httpserver.HealthCheck{}
	if db != nil {
		checks["database"] = db.Health
	}
	if rdb != nil {
		checks["redis"] = rdb.Health
	}

	router := chi.NewRouter()
	httpserver.RegisterOps(router, prometheus.DefaultGatherer, checks)
	contactHandler.New(svc, log, httpMetrics, cfg.RequestTimeout).Register(router)

	srv := httpserver.New(cfg.Addr, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting linkage",
			"addr", cfg.Addr,
			"store", storeName(db),
			"distributed_locks", rdb != nil,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func storeName(db *database.DB) string {
	if db == nil {
		return string(database.DriverMemory)
	}
	return string(db.Driver)
}
