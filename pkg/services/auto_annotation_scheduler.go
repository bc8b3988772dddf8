package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-insights/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-insights/pkg/config"
	"github.com/ekaya-inc/ekaya-insights/pkg/metrics"
	"github.com/ekaya-inc/ekaya-insights/pkg/models"
	"github.com/ekaya-inc/ekaya-insights/pkg/repositories"
)

// SchedulerAnnotator is recorded as the annotator of automatic decisions.
const SchedulerAnnotator = "auto-annotation-scheduler"

// PassResult counts what one scheduler pass did.
type PassResult struct {
	Scanned   int `json:"scanned"`
	Validated int `json:"validated"`
	Rejected  int `json:"rejected"`
	// Deferred insights have a policy but were left pending: below
	// threshold, condition false, or a conflicting pending insight.
	Deferred  int `json:"deferred"`
	Conflicts int `json:"conflicts"`
	// NoPolicy insights are of a kind without an automatic policy.
	NoPolicy int `json:"no_policy"`
	// Stale insights were decided by someone else during the pass.
	Stale   int  `json:"stale"`
	Stopped bool `json:"stopped"`
}

// AutoAnnotationScheduler periodically decides pending insights whose kind
// has an automatic annotation policy.
type AutoAnnotationScheduler struct {
	repo          repositories.InsightRepository
	stateMachine  StateMachine
	policies      KindPolicies
	interval      time.Duration
	batchSize     int
	conflictMatch string
	logger        *zap.Logger

	mu       sync.Mutex
	cron     *cron.Cron
	stopping atomic.Bool
}

// AutoAnnotationSchedulerDeps contains dependencies for AutoAnnotationScheduler.
type AutoAnnotationSchedulerDeps struct {
	Repo         repositories.InsightRepository
	StateMachine StateMachine
	Policies     KindPolicies
	Config       config.SchedulerConfig
	Logger       *zap.Logger
}

// NewAutoAnnotationScheduler creates a stopped scheduler.
func NewAutoAnnotationScheduler(deps *AutoAnnotationSchedulerDeps) *AutoAnnotationScheduler {
	batchSize := deps.Config.BatchSize
	if batchSize <= 0 {
		batchSize = repositories.DefaultPageSize
	}
	conflictMatch := deps.Config.ConflictMatch
	if conflictMatch == "" {
		conflictMatch = config.ConflictMatchNormalized
	}
	return &AutoAnnotationScheduler{
		repo:          deps.Repo,
		stateMachine:  deps.StateMachine,
		policies:      deps.Policies,
		interval:      deps.Config.Interval,
		batchSize:     batchSize,
		conflictMatch: conflictMatch,
		logger:        deps.Logger.Named("auto-annotation"),
	}
}

// Start schedules a pass every interval. Passes never overlap: a tick that
// fires while a pass is running is skipped. ctx is the context passes run
// with; cancelling it aborts the in-flight batch, Stop does not.
func (s *AutoAnnotationScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return fmt.Errorf("auto-annotation scheduler already started")
	}
	if s.interval <= 0 {
		return fmt.Errorf("auto-annotation interval must be positive, got %s", s.interval)
	}

	cronLog := cronLogger{logger: s.logger}
	c := cron.New(cron.WithLogger(cronLog), cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		if _, err := s.RunPass(ctx); err != nil {
			s.logger.Error("Auto-annotation pass failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule auto-annotation: %w", err)
	}

	s.stopping.Store(false)
	s.cron = c
	c.Start()

	s.logger.Info("Auto-annotation scheduler started",
		zap.Duration("interval", s.interval),
		zap.Int("batch_size", s.batchSize),
		zap.String("conflict_match", s.conflictMatch),
		zap.Int("policies", len(s.policies)))
	return nil
}

// Stop prevents new passes and asks a running pass to end after its current
// batch. It waits for that pass or for ctx, whichever comes first.
func (s *AutoAnnotationScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return nil
	}

	s.stopping.Store(true)
	done := c.Stop()

	select {
	case <-done.Done():
		s.logger.Info("Auto-annotation scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for auto-annotation pass: %w", ctx.Err())
	}
}

// RunPass scans every pending insight once, in (created_at, id) order from
// the earliest pending insight, batchSize rows at a time.
func (s *AutoAnnotationScheduler) RunPass(ctx context.Context) (*PassResult, error) {
	start := time.Now()
	result := &PassResult{}
	filter := models.InsightFilter{
		Statuses: []models.InsightStatus{models.InsightStatusPending},
		OrderBy:  models.OrderByCreatedAt,
	}

	// Each pass starts from the earliest pending insight.
	var cursor *models.InsightCursor
	for {
		if s.stopping.Load() {
			result.Stopped = true
			break
		}
		if err := ctx.Err(); err != nil {
			metrics.SchedulerPasses.WithLabelValues("cancelled").Inc()
			return result, err
		}

		batch, err := s.repo.ListPage(ctx, filter, cursor, s.batchSize)
		if err != nil {
			metrics.SchedulerPasses.WithLabelValues("error").Inc()
			return result, fmt.Errorf("failed to load pending insights: %w", err)
		}

		for _, insight := range batch {
			if err := s.decide(ctx, insight, result); err != nil {
				metrics.SchedulerPasses.WithLabelValues("error").Inc()
				return result, err
			}
		}

		if len(batch) < s.batchSize {
			break
		}
		cursor = filter.CursorFor(batch[len(batch)-1])
	}

	metrics.SchedulerPasses.WithLabelValues("completed").Inc()
	metrics.SchedulerPassDuration.Observe(time.Since(start).Seconds())

	if result.Validated > 0 || result.Rejected > 0 {
		s.logger.Info("Auto-annotation pass completed",
			zap.Int("scanned", result.Scanned),
			zap.Int("validated", result.Validated),
			zap.Int("rejected", result.Rejected),
			zap.Int("deferred", result.Deferred),
			zap.Int("conflicts", result.Conflicts),
			zap.Int("stale", result.Stale),
			zap.Duration("elapsed", time.Since(start)))
	} else {
		s.logger.Debug("Auto-annotation pass completed with no decisions",
			zap.Int("scanned", result.Scanned),
			zap.Int("deferred", result.Deferred))
	}
	return result, nil
}

func (s *AutoAnnotationScheduler) decide(ctx context.Context, insight *models.Insight, result *PassResult) error {
	result.Scanned++

	policy, ok := s.policies.Lookup(insight.Kind)
	if !ok {
		result.NoPolicy++
		return nil
	}

	conflicted, err := s.hasConflict(ctx, insight)
	if err != nil {
		return err
	}
	if conflicted {
		result.Conflicts++
		result.Deferred++
		metrics.SchedulerDecisions.WithLabelValues(string(insight.Kind), "conflict").Inc()
		return nil
	}

	verdict, err := policy.Evaluate(insight)
	if err != nil {
		// A condition that fails at runtime defers the insight; it does not
		// stop the pass.
		s.logger.Warn("Policy evaluation failed",
			zap.String("insight_id", insight.ID.String()),
			zap.String("kind", string(insight.Kind)),
			zap.Error(err))
		verdict = PolicyDefer
	}

	var decision Decision
	var reason string
	switch verdict {
	case PolicyValidate:
		decision, reason = DecisionAccept, models.ReasonAutoPolicy
	case PolicyReject:
		decision, reason = DecisionReject, models.ReasonPolicyReject
	default:
		result.Deferred++
		metrics.SchedulerDecisions.WithLabelValues(string(insight.Kind), string(PolicyDefer)).Inc()
		return nil
	}

	_, err = s.stateMachine.Decide(ctx, insight.ID, decision, models.AnnotationOriginAutomatic, SchedulerAnnotator, reason)
	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrStaleState), errors.Is(err, apperrors.ErrInvalidTransition):
		result.Stale++
		return nil
	default:
		return fmt.Errorf("failed to decide insight %s: %w", insight.ID, err)
	}

	if verdict == PolicyValidate {
		result.Validated++
	} else {
		result.Rejected++
	}
	metrics.SchedulerDecisions.WithLabelValues(string(insight.Kind), string(verdict)).Inc()
	return nil
}

// hasConflict reports whether another pending insight of the same target and
// kind proposes a materially different value.
func (s *AutoAnnotationScheduler) hasConflict(ctx context.Context, insight *models.Insight) (bool, error) {
	spec, ok := models.LookupKind(insight.Kind)
	if !ok {
		return false, nil
	}

	filter := models.InsightFilter{
		TargetID: insight.TargetID,
		Kind:     insight.Kind,
		Statuses: []models.InsightStatus{models.InsightStatusPending},
	}
	for other, err := range s.repo.Query(ctx, filter, s.batchSize) {
		if err != nil {
			return false, fmt.Errorf("failed to load pending insights for %s: %w", insight.TargetID, err)
		}
		if other.ID == insight.ID {
			continue
		}
		if s.conflictMatch == config.ConflictMatchExact {
			if other.Value != insight.Value {
				return true, nil
			}
			continue
		}
		if !spec.Equal(other.Value, insight.Value) {
			return true, nil
		}
	}
	return false, nil
}

// cronLogger routes robfig/cron logs to zap.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
