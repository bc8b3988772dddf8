package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-insights/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-insights/pkg/metrics"
	"github.com/ekaya-inc/ekaya-insights/pkg/models"
	"github.com/ekaya-inc/ekaya-insights/pkg/repositories"
)

// Decision is the verdict of an annotation.
type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionReject Decision = "reject"
)

// IsValid reports whether d is accept or reject.
func (d Decision) IsValid() bool {
	return d == DecisionAccept || d == DecisionReject
}

// allowedTransitions is the lifecycle graph. Edges into rejected from the
// apply funnel are further restricted to the apply_rejected reason.
var allowedTransitions = map[models.InsightStatus][]models.InsightStatus{
	models.InsightStatusPending:     {models.InsightStatusValidated, models.InsightStatusRejected},
	models.InsightStatusValidated:   {models.InsightStatusApplied, models.InsightStatusApplyFailed, models.InsightStatusRejected},
	models.InsightStatusApplyFailed: {models.InsightStatusApplyFailed, models.InsightStatusApplied, models.InsightStatusRejected},
}

// CanTransition reports whether to is reachable from from in one step for a
// transition recorded with reason.
func CanTransition(from, to models.InsightStatus, reason string) bool {
	if to == models.InsightStatusRejected && from != models.InsightStatusPending {
		return reason == models.ReasonApplyRejected && (from == models.InsightStatusValidated || from == models.InsightStatusApplyFailed)
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StateMachine performs every status change of an insight. Each method is a
// single CompareAndTransition, so concurrent callers race and exactly one
// wins; the others get apperrors.ErrStaleState and nothing is written.
type StateMachine interface {
	// Decide moves a pending insight to validated (accept) or rejected (reject).
	Decide(ctx context.Context, id uuid.UUID, decision Decision, origin, annotator, reason string) (*models.Insight, error)

	// Supersede rejects a pending insight replaced by a newer candidate
	// from the same source.
	Supersede(ctx context.Context, id uuid.UUID) (*models.Insight, error)

	// Claim hides an insight from other propagation workers until the lease
	// expires. It keeps the status and bumps the revision, so of two workers
	// holding the same snapshot only one can claim it.
	Claim(ctx context.Context, snapshot *models.Insight, leaseUntil time.Time) (*models.Insight, error)

	// MarkApplied records a successful update of a claimed insight.
	MarkApplied(ctx context.Context, claimed *models.Insight) (*models.Insight, error)

	// MarkApplyFailed records a retryable failure. The retry count is
	// incremented; once it reaches maxRetries the insight is flagged stuck
	// and no further attempt is scheduled.
	MarkApplyFailed(ctx context.Context, claimed *models.Insight, cause error, nextAttemptAt time.Time, maxRetries int) (*models.Insight, error)

	// MarkApplyRejected records that the system of record refused the update.
	MarkApplyRejected(ctx context.Context, claimed *models.Insight, cause error) (*models.Insight, error)
}

type stateMachine struct {
	repo   repositories.InsightRepository
	now    func() time.Time
	logger *zap.Logger
}

// NewStateMachine creates a StateMachine over repo. A nil clock uses time.Now.
func NewStateMachine(repo repositories.InsightRepository, now func() time.Time, logger *zap.Logger) StateMachine {
	if now == nil {
		now = time.Now
	}
	return &stateMachine{
		repo:   repo,
		now:    now,
		logger: logger.Named("state-machine"),
	}
}

var _ StateMachine = (*stateMachine)(nil)

func (m *stateMachine) Decide(ctx context.Context, id uuid.UUID, decision Decision, origin, annotator, reason string) (*models.Insight, error) {
	if !decision.IsValid() {
		return nil, fmt.Errorf("unknown decision %q: %w", decision, apperrors.ErrInvalidTransition)
	}
	to := models.InsightStatusValidated
	if decision == DecisionReject {
		to = models.InsightStatusRejected
	}

	current, err := m.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != models.InsightStatusPending {
		return nil, fmt.Errorf("insight %s is %s, only pending insights can be annotated: %w", id, current.Status, apperrors.ErrInvalidTransition)
	}

	return m.transition(ctx, current, to, reason, func(i *models.Insight) error {
		now := m.now().UTC()
		i.AnnotationOrigin = origin
		i.Annotator = annotator
		i.Reason = reason
		i.DecidedAt = &now
		if to == models.InsightStatusValidated {
			i.NextAttemptAt = nil
		}
		return nil
	})
}

func (m *stateMachine) Supersede(ctx context.Context, id uuid.UUID) (*models.Insight, error) {
	current, err := m.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != models.InsightStatusPending {
		return nil, fmt.Errorf("insight %s is %s and cannot be superseded: %w", id, current.Status, apperrors.ErrStaleState)
	}

	return m.transition(ctx, current, models.InsightStatusRejected, models.ReasonSuperseded, func(i *models.Insight) error {
		now := m.now().UTC()
		i.AnnotationOrigin = models.AnnotationOriginAutomatic
		i.Reason = models.ReasonSuperseded
		i.DecidedAt = &now
		return nil
	})
}

func (m *stateMachine) Claim(ctx context.Context, snapshot *models.Insight, leaseUntil time.Time) (*models.Insight, error) {
	if snapshot.Status != models.InsightStatusValidated && snapshot.Status != models.InsightStatusApplyFailed {
		return nil, fmt.Errorf("insight %s is %s and cannot be claimed: %w", snapshot.ID, snapshot.Status, apperrors.ErrInvalidTransition)
	}
	if snapshot.Stuck {
		return nil, fmt.Errorf("insight %s is stuck and cannot be claimed: %w", snapshot.ID, apperrors.ErrInvalidTransition)
	}

	lease := leaseUntil.UTC()
	claimed, err := m.repo.CompareAndTransition(ctx, snapshot.ID, snapshot.Status, snapshot.Status,
		guardRevision(snapshot, func(i *models.Insight) error {
			i.NextAttemptAt = &lease
			return nil
		}))
	if err != nil {
		if errors.Is(err, apperrors.ErrStaleState) {
			metrics.StaleTransitions.WithLabelValues(string(snapshot.Status), "claim").Inc()
		}
		return nil, err
	}
	return claimed, nil
}

func (m *stateMachine) MarkApplied(ctx context.Context, claimed *models.Insight) (*models.Insight, error) {
	return m.transition(ctx, claimed, models.InsightStatusApplied, claimed.Reason, guardRevision(claimed, func(i *models.Insight) error {
		now := m.now().UTC()
		i.AppliedAt = &now
		i.NextAttemptAt = nil
		i.LastError = ""
		return nil
	}))
}

func (m *stateMachine) MarkApplyFailed(ctx context.Context, claimed *models.Insight, cause error, nextAttemptAt time.Time, maxRetries int) (*models.Insight, error) {
	return m.transition(ctx, claimed, models.InsightStatusApplyFailed, claimed.Reason, guardRevision(claimed, func(i *models.Insight) error {
		i.RetryCount++
		i.LastError = errorText(cause)
		if i.RetryCount >= maxRetries {
			i.Stuck = true
			i.NextAttemptAt = nil
			return nil
		}
		next := nextAttemptAt.UTC()
		i.NextAttemptAt = &next
		return nil
	}))
}

func (m *stateMachine) MarkApplyRejected(ctx context.Context, claimed *models.Insight, cause error) (*models.Insight, error) {
	return m.transition(ctx, claimed, models.InsightStatusRejected, models.ReasonApplyRejected, guardRevision(claimed, func(i *models.Insight) error {
		i.Reason = models.ReasonApplyRejected
		i.LastError = errorText(cause)
		i.NextAttemptAt = nil
		return nil
	}))
}

// transition validates the edge from current's status and commits it.
func (m *stateMachine) transition(ctx context.Context, current *models.Insight, to models.InsightStatus, reason string, mutate repositories.MutateFunc) (*models.Insight, error) {
	from := current.Status
	if !CanTransition(from, to, reason) {
		return nil, fmt.Errorf("insight %s cannot move from %s to %s: %w", current.ID, from, to, apperrors.ErrInvalidTransition)
	}

	updated, err := m.repo.CompareAndTransition(ctx, current.ID, from, to, mutate)
	if err != nil {
		if errors.Is(err, apperrors.ErrStaleState) {
			metrics.StaleTransitions.WithLabelValues(string(from), string(to)).Inc()
			m.logger.Debug("Transition lost to a concurrent actor",
				zap.String("insight_id", current.ID.String()),
				zap.String("from", string(from)),
				zap.String("to", string(to)))
		}
		return nil, err
	}

	metrics.Transitions.WithLabelValues(string(from), string(to)).Inc()
	m.logger.Debug("Insight transitioned",
		zap.String("insight_id", updated.ID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int64("revision", updated.Revision))
	return updated, nil
}

// guardRevision wraps mutate so the commit fails with ErrStaleState when the
// record changed after snapshot was read, even if the status is the same.
func guardRevision(snapshot *models.Insight, mutate repositories.MutateFunc) repositories.MutateFunc {
	return func(current *models.Insight) error {
		if current.Revision != snapshot.Revision {
			return fmt.Errorf("insight %s is at revision %d, expected %d: %w",
				current.ID, current.Revision, snapshot.Revision, apperrors.ErrStaleState)
		}
		return mutate(current)
	}
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
