// Package propagation applies validated insights to the system of record.
package propagation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ekaya-inc/ekaya-insights/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-insights/pkg/config"
	"github.com/ekaya-inc/ekaya-insights/pkg/metrics"
	"github.com/ekaya-inc/ekaya-insights/pkg/models"
	"github.com/ekaya-inc/ekaya-insights/pkg/repositories"
	"github.com/ekaya-inc/ekaya-insights/pkg/retry"
	"github.com/ekaya-inc/ekaya-insights/pkg/services"
	"github.com/ekaya-inc/ekaya-insights/pkg/updater"
)

// claimBatch is how many due insights a worker fetches per poll.
const claimBatch = 10

// PoolDeps are the dependencies of a Pool.
type PoolDeps struct {
	Repo         repositories.InsightRepository
	StateMachine services.StateMachine
	Updater      updater.Updater
	Config       config.WorkersConfig
	// Now defaults to time.Now.
	Now    func() time.Time
	Logger *zap.Logger
}

// Pool runs workers that push validated and retryable insights through the
// Updater. Workers coordinate only through the store: an insight is claimed
// with a lease before its update call, so two workers never call the
// Updater for the same revision.
type Pool struct {
	repo    repositories.InsightRepository
	sm      services.StateMachine
	updater updater.Updater
	cfg     config.WorkersConfig
	backoff *retry.Config
	now     func() time.Time
	logger  *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPool creates a propagation pool. Call Start to run it.
func NewPool(deps *PoolDeps) *Pool {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	cfg := deps.Config
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = 5 * time.Minute
	}

	return &Pool{
		repo:    deps.Repo,
		sm:      deps.StateMachine,
		updater: deps.Updater,
		cfg:     cfg,
		backoff: &retry.Config{
			InitialDelay: cfg.InitialBackoff,
			MaxDelay:     cfg.MaxBackoff,
			Multiplier:   2.0,
			JitterFactor: 0.1,
		},
		now:    now,
		logger: deps.Logger.Named("propagation"),
	}
}

// Start launches the workers. They run until Stop is called or ctx ends.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return fmt.Errorf("propagation pool already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	for i := 0; i < p.cfg.PoolSize; i++ {
		worker := i
		g.Go(func() error {
			return p.runWorker(gctx, worker)
		})
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := g.Wait(); err != nil {
			p.logger.Error("Propagation pool exited", zap.Error(err))
		}
	}()

	p.cancel = cancel
	p.done = done

	p.logger.Info("Propagation pool started",
		zap.Int("workers", p.cfg.PoolSize),
		zap.Int("max_retries", p.cfg.MaxRetries),
		zap.Duration("poll_interval", p.cfg.PollInterval))
	return nil
}

// Stop asks the workers to exit and waits for them. A worker in the middle
// of an update call finishes the call and records its outcome first.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		p.logger.Info("Propagation pool stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for propagation workers: %w", ctx.Err())
	}
}

func (p *Pool) runWorker(ctx context.Context, worker int) error {
	metrics.ActiveWorkers.Inc()
	defer metrics.ActiveWorkers.Dec()

	logger := p.logger.With(zap.Int("worker", worker))
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		claimed, err := p.ProcessDue(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			logger.Error("Propagation poll failed", zap.Error(err))
		}
		if claimed > 0 && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessDue fetches one page of due insights and processes each one. It
// returns how many insights this call claimed. Insights claimed by another
// worker in the meantime are skipped.
func (p *Pool) ProcessDue(ctx context.Context) (int, error) {
	now := p.now().UTC()
	notStuck := false
	filter := models.InsightFilter{
		Statuses:  []models.InsightStatus{models.InsightStatusValidated, models.InsightStatusApplyFailed},
		Stuck:     &notStuck,
		DueBefore: &now,
		OrderBy:   models.OrderByDecidedAt,
	}

	page, err := p.repo.ListPage(ctx, filter, nil, claimBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list due insights: %w", err)
	}

	claimed := 0
	for _, insight := range page {
		if ctx.Err() != nil {
			return claimed, nil
		}
		ok, err := p.process(ctx, insight)
		if ok {
			claimed++
		}
		if err != nil {
			return claimed, err
		}
	}
	return claimed, nil
}

// process claims snapshot, calls the Updater and records the outcome.
// It reports whether the claim was won.
func (p *Pool) process(ctx context.Context, snapshot *models.Insight) (bool, error) {
	claimed, err := p.sm.Claim(ctx, snapshot, p.now().Add(p.cfg.ClaimLease))
	if err != nil {
		if errors.Is(err, apperrors.ErrStaleState) || errors.Is(err, apperrors.ErrInvalidTransition) {
			p.logger.Debug("Insight no longer eligible, skipping",
				zap.String("insight_id", snapshot.ID.String()),
				zap.Error(err))
			return false, nil
		}
		return false, fmt.Errorf("failed to claim insight %s: %w", snapshot.ID, err)
	}

	// The call and the transition that records it outlive cancellation of
	// ctx; the lease bounds them instead.
	detached := context.WithoutCancel(ctx)
	callCtx, cancel := context.WithTimeout(detached, p.cfg.ClaimLease)
	defer cancel()

	kind := string(claimed.Kind)
	start := time.Now()
	applyErr := p.updater.Apply(callCtx, updater.NewUpdateRequest(claimed))
	metrics.PropagationDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())

	outcome := updater.Classify(applyErr)
	metrics.PropagationAttempts.WithLabelValues(kind, string(outcome)).Inc()

	var result *models.Insight
	switch outcome {
	case updater.OutcomeApplied:
		result, err = p.sm.MarkApplied(detached, claimed)
	case updater.OutcomeNonRetryable:
		p.logger.Warn("Update rejected by system of record",
			zap.String("insight_id", claimed.ID.String()),
			zap.String("target_id", claimed.TargetID),
			zap.String("kind", kind),
			zap.Error(applyErr))
		result, err = p.sm.MarkApplyRejected(detached, claimed, applyErr)
	default:
		next := p.now().Add(retry.Backoff(p.backoff, claimed.RetryCount+1))
		result, err = p.sm.MarkApplyFailed(detached, claimed, applyErr, next, p.cfg.MaxRetries)
		if err == nil {
			p.logRetryable(result, applyErr)
		}
	}

	if err != nil {
		if errors.Is(err, apperrors.ErrStaleState) {
			// The lease expired and another worker took the insight over.
			p.logger.Warn("Lost claim before recording update outcome",
				zap.String("insight_id", claimed.ID.String()),
				zap.String("outcome", string(outcome)))
			return true, nil
		}
		return true, fmt.Errorf("failed to record outcome of insight %s: %w", claimed.ID, err)
	}

	p.logger.Debug("Insight propagated",
		zap.String("insight_id", result.ID.String()),
		zap.String("status", string(result.Status)),
		zap.Int("retry_count", result.RetryCount))
	return true, nil
}

func (p *Pool) logRetryable(insight *models.Insight, cause error) {
	if insight.Stuck {
		metrics.StuckInsights.WithLabelValues(string(insight.Kind)).Inc()
		p.logger.Error("Insight is stuck after exhausting retries",
			zap.String("insight_id", insight.ID.String()),
			zap.String("target_id", insight.TargetID),
			zap.Int("retry_count", insight.RetryCount),
			zap.Error(cause))
		return
	}
	p.logger.Warn("Update failed, will retry",
		zap.String("insight_id", insight.ID.String()),
		zap.Int("retry_count", insight.RetryCount),
		zap.Timep("next_attempt_at", insight.NextAttemptAt),
		zap.Error(cause))
}
