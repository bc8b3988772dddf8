package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-insights/pkg/database"
	"github.com/ekaya-inc/ekaya-insights/pkg/handlers"
	"github.com/ekaya-inc/ekaya-insights/pkg/middleware"
	"github.com/ekaya-inc/ekaya-insights/pkg/services"
	"github.com/ekaya-inc/ekaya-insights/pkg/services/propagation"
)

const shutdownTimeout = 30 * time.Second

var (
	serveMemory         bool
	serveSkipMigrations bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the auto-annotation scheduler and the propagation workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveMemory, "memory", false, "keep insights in memory instead of Postgres (development only)")
	serveCmd.Flags().BoolVar(&serveSkipMigrations, "skip-migrations", false, "do not apply migrations at startup")
}

func runServe(parent context.Context) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting ekaya-insights",
		zap.String("version", cfg.Version),
		zap.String("env", cfg.Env),
		zap.Bool("memory", serveMemory))

	st, err := openStore(ctx, cfg, serveMemory, !serveSkipMigrations, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	redisClient, err := database.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	lc := newLifecycle(st.repo, logger)

	policies, err := services.NewKindPolicies(cfg.Kinds)
	if err != nil {
		return err
	}

	upd, err := newUpdater(cfg, redisClient, logger)
	if err != nil {
		return err
	}

	// Background work runs on its own context so that shutdown can let the
	// in-flight scheduler batch and update calls finish.
	background := context.WithoutCancel(ctx)

	var scheduler *services.AutoAnnotationScheduler
	if cfg.Scheduler.Disabled {
		logger.Info("Auto-annotation scheduler disabled")
	} else {
		scheduler = services.NewAutoAnnotationScheduler(&services.AutoAnnotationSchedulerDeps{
			Repo:         st.repo,
			StateMachine: lc.stateMachine,
			Policies:     policies,
			Config:       cfg.Scheduler,
			Logger:       logger,
		})
		if err := scheduler.Start(background); err != nil {
			return err
		}
	}

	var pool *propagation.Pool
	if cfg.Workers.Disabled {
		logger.Info("Propagation workers disabled")
	} else {
		pool = propagation.NewPool(&propagation.PoolDeps{
			Repo:         st.repo,
			StateMachine: lc.stateMachine,
			Updater:      upd,
			Config:       cfg.Workers,
			Logger:       logger,
		})
		if err := pool.Start(background); err != nil {
			return err
		}
	}

	var pinger handlers.Pinger
	if st.db != nil {
		pinger = st.db
	}

	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, pinger, logger).RegisterRoutes(mux)
	handlers.NewInsightsHandler(lc.ingestion, lc.annotation, logger.Named("http")).RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           middleware.RequestLogger(logger.Named("http"))(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := serveUntilDone(ctx, server, logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if scheduler != nil {
		if err := scheduler.Stop(shutdownCtx); err != nil {
			logger.Error("Scheduler shutdown failed", zap.Error(err))
		}
	}
	if pool != nil {
		if err := pool.Stop(shutdownCtx); err != nil {
			logger.Error("Propagation pool shutdown failed", zap.Error(err))
		}
	}

	if serveErr != nil {
		return serveErr
	}
	logger.Info("ekaya-insights stopped")
	return nil
}

// serveUntilDone runs server until ctx ends or the listener fails, then
// shuts it down. It returns the listener error, if any.
func serveUntilDone(ctx context.Context, server *http.Server, logger *zap.Logger) error {
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var listenErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error("HTTP server failed", zap.Error(err))
			listenErr = fmt.Errorf("http server on %s: %w", server.Addr, err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	return listenErr
}
