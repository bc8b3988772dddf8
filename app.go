package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-insights/pkg/config"
	"github.com/ekaya-inc/ekaya-insights/pkg/database"
	"github.com/ekaya-inc/ekaya-insights/pkg/logging"
	"github.com/ekaya-inc/ekaya-insights/pkg/repositories"
	"github.com/ekaya-inc/ekaya-insights/pkg/services"
	"github.com/ekaya-inc/ekaya-insights/pkg/updater"
)

// store is the insight repository with the connection behind it. db is nil
// in memory mode.
type store struct {
	repo repositories.InsightRepository
	db   *database.DB
}

func (s *store) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

// openStore connects to Postgres and applies migrations, or returns an
// in-memory store when memory is set.
func openStore(ctx context.Context, cfg *config.Config, memory, migrate bool, logger *zap.Logger) (*store, error) {
	if memory {
		logger.Warn("Using in-memory insight store; data is lost on exit")
		return &store{repo: repositories.NewMemoryInsightRepository()}, nil
	}

	connStr := cfg.Database.ConnectionString()
	logger.Info("Connecting to database", zap.String("database", logging.SanitizeConnectionString(connStr)))

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            connStr,
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %s", logging.SanitizeError(err))
	}

	if migrate {
		sqlDB, err := database.OpenSQL(connStr)
		if err != nil {
			db.Close()
			return nil, err
		}
		err = database.RunMigrations(sqlDB, cfg.MigrationsPath, logger)
		_ = sqlDB.Close()
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	return &store{repo: repositories.NewInsightRepository(db), db: db}, nil
}

// lifecycle holds the services built over a store.
type lifecycle struct {
	stateMachine services.StateMachine
	ingestion    services.IngestionService
	annotation   services.AnnotationService
}

func newLifecycle(repo repositories.InsightRepository, logger *zap.Logger) *lifecycle {
	sm := services.NewStateMachine(repo, nil, logger)
	return &lifecycle{
		stateMachine: sm,
		ingestion: services.NewIngestionService(&services.IngestionServiceDeps{
			Repo:         repo,
			Deduplicator: services.NewDeduplicator(repo, sm, logger),
			Logger:       logger,
		}),
		annotation: services.NewAnnotationService(repo, sm, logger),
	}
}

// newUpdater selects the HTTP or dry-run updater and puts the idempotency
// ledger in front of it: Redis when configured, process memory otherwise.
func newUpdater(cfg *config.Config, redisClient *redis.Client, logger *zap.Logger) (updater.Updater, error) {
	var next updater.Updater
	if cfg.Updater.BaseURL == "" {
		logger.Warn("updater.base_url is empty; validated insights are logged, not applied")
		next = updater.NewLogUpdater(logger)
	} else {
		httpUpdater, err := updater.NewHTTPUpdater(cfg.Updater, logger)
		if err != nil {
			return nil, err
		}
		next = httpUpdater
	}

	var ledger updater.Ledger
	if redisClient != nil {
		ledger = updater.NewRedisLedger(redisClient, cfg.Redis.TokenTTL)
	} else {
		logger.Info("Redis not configured; idempotency ledger is process-local")
		ledger = updater.NewMemoryLedger()
	}
	return updater.NewIdempotentUpdater(next, ledger, logger), nil
}
