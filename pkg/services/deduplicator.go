package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-insights/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-insights/pkg/models"
	"github.com/ekaya-inc/ekaya-insights/pkg/repositories"
)

// DedupAction is the Deduplicator's verdict on a candidate.
type DedupAction string

const (
	DedupAdmit     DedupAction = "admit"
	DedupDuplicate DedupAction = "duplicate"
	// DedupSupersede admits the candidate and retires older pending insights
	// of the same source.
	DedupSupersede DedupAction = "supersede"
)

// DedupDecision is the result of Deduplicator.Check.
type DedupDecision struct {
	Action      DedupAction
	DuplicateOf uuid.UUID
	Supersedes  []uuid.UUID
}

// Deduplicator decides whether a candidate is redundant with the active
// insights of its (target, kind).
type Deduplicator interface {
	// Check computes the decision without writing anything. The candidate
	// must already be validated.
	Check(ctx context.Context, candidate *models.Candidate) (*DedupDecision, error)

	// Resolve carries out a Supersede decision through the state machine and
	// returns the ids that were actually rejected. Insights decided by
	// someone else in the meantime are skipped.
	Resolve(ctx context.Context, decision *DedupDecision) ([]uuid.UUID, error)
}

type deduplicator struct {
	repo         repositories.InsightRepository
	stateMachine StateMachine
	logger       *zap.Logger
}

// NewDeduplicator creates a Deduplicator.
func NewDeduplicator(repo repositories.InsightRepository, stateMachine StateMachine, logger *zap.Logger) Deduplicator {
	return &deduplicator{
		repo:         repo,
		stateMachine: stateMachine,
		logger:       logger.Named("deduplicator"),
	}
}

var _ Deduplicator = (*deduplicator)(nil)

func (d *deduplicator) Check(ctx context.Context, candidate *models.Candidate) (*DedupDecision, error) {
	spec, ok := models.LookupKind(candidate.Kind)
	if !ok {
		return nil, fmt.Errorf("unknown kind %q: %w", candidate.Kind, apperrors.ErrMalformedCandidate)
	}

	filter := models.InsightFilter{
		TargetID: candidate.TargetID,
		Kind:     candidate.Kind,
		Statuses: models.ActiveInsightStatuses,
	}

	var supersedes []uuid.UUID
	for existing, err := range d.repo.Query(ctx, filter, repositories.DefaultPageSize) {
		if err != nil {
			return nil, fmt.Errorf("failed to load active insights: %w", err)
		}
		if spec.Equal(existing.Value, candidate.Value) {
			return &DedupDecision{Action: DedupDuplicate, DuplicateOf: existing.ID}, nil
		}
		if existing.SourceIdentity == candidate.SourceIdentity && existing.Status == models.InsightStatusPending {
			supersedes = append(supersedes, existing.ID)
		}
	}

	if len(supersedes) > 0 {
		return &DedupDecision{Action: DedupSupersede, Supersedes: supersedes}, nil
	}
	return &DedupDecision{Action: DedupAdmit}, nil
}

func (d *deduplicator) Resolve(ctx context.Context, decision *DedupDecision) ([]uuid.UUID, error) {
	if decision.Action != DedupSupersede {
		return nil, nil
	}

	superseded := make([]uuid.UUID, 0, len(decision.Supersedes))
	for _, id := range decision.Supersedes {
		if _, err := d.stateMachine.Supersede(ctx, id); err != nil {
			if errors.Is(err, apperrors.ErrStaleState) {
				d.logger.Debug("Insight decided before it could be superseded", zap.String("insight_id", id.String()))
				continue
			}
			return superseded, fmt.Errorf("failed to supersede insight %s: %w", id, err)
		}
		superseded = append(superseded, id)
	}
	return superseded, nil
}
