package services

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-insights/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-insights/pkg/metrics"
	"github.com/ekaya-inc/ekaya-insights/pkg/models"
	"github.com/ekaya-inc/ekaya-insights/pkg/repositories"
)

// IngestionService admits batches of insight candidates.
type IngestionService interface {
	// IngestBatch deduplicates and persists candidates as pending insights.
	// Malformed candidates are reported per item and do not abort the batch.
	// A storage failure stops the batch and returns the results so far,
	// including a candidate that was stored before its supersede failed.
	IngestBatch(ctx context.Context, candidates []models.Candidate) ([]models.IngestResult, error)
}

type ingestionService struct {
	repo         repositories.InsightRepository
	deduplicator Deduplicator
	now          func() time.Time
	logger       *zap.Logger

	// mu serializes check-then-create so two candidates for the same
	// target and kind cannot both pass deduplication.
	mu sync.Mutex
}

// IngestionServiceDeps contains dependencies for IngestionService.
type IngestionServiceDeps struct {
	Repo         repositories.InsightRepository
	Deduplicator Deduplicator
	Now          func() time.Time // Optional: defaults to time.Now
	Logger       *zap.Logger
}

// NewIngestionService creates an IngestionService.
func NewIngestionService(deps *IngestionServiceDeps) IngestionService {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &ingestionService{
		repo:         deps.Repo,
		deduplicator: deps.Deduplicator,
		now:          now,
		logger:       deps.Logger.Named("ingestion"),
	}
}

var _ IngestionService = (*ingestionService)(nil)

func (s *ingestionService) IngestBatch(ctx context.Context, candidates []models.Candidate) ([]models.IngestResult, error) {
	results := make([]models.IngestResult, 0, len(candidates))
	counts := make(map[models.IngestOutcome]int)

	for idx := range candidates {
		result, err := s.ingestOne(ctx, idx, &candidates[idx])
		if err != nil {
			// A candidate stored before the failure is still reported.
			if result != nil {
				results = append(results, *result)
			}
			s.logger.Error("Batch ingestion stopped",
				zap.Int("index", idx),
				zap.Int("batch_size", len(candidates)),
				zap.Error(err))
			return results, err
		}
		results = append(results, *result)
		counts[result.Outcome]++

		kindLabel := string(candidates[idx].Kind)
		if _, ok := models.LookupKind(candidates[idx].Kind); !ok {
			kindLabel = "unknown"
		}
		metrics.IngestOutcomes.WithLabelValues(kindLabel, string(result.Outcome)).Inc()
	}

	s.logger.Info("Ingested candidate batch",
		zap.Int("batch_size", len(candidates)),
		zap.Int("admitted", counts[models.IngestOutcomeAdmitted]),
		zap.Int("superseded", counts[models.IngestOutcomeSuperseded]),
		zap.Int("duplicate", counts[models.IngestOutcomeDuplicate]),
		zap.Int("malformed", counts[models.IngestOutcomeMalformed]))

	return results, nil
}

func (s *ingestionService) ingestOne(ctx context.Context, idx int, candidate *models.Candidate) (*models.IngestResult, error) {
	normalized, spec, err := normalizeCandidate(candidate)
	if err != nil {
		s.logger.Debug("Malformed candidate", zap.Int("index", idx), zap.Error(err))
		return &models.IngestResult{Index: idx, Outcome: models.IngestOutcomeMalformed, Error: err.Error()}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	decision, err := s.deduplicator.Check(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("deduplication failed for candidate %d: %w", idx, err)
	}

	if decision.Action == DedupDuplicate {
		dup := decision.DuplicateOf
		return &models.IngestResult{Index: idx, Outcome: models.IngestOutcomeDuplicate, DuplicateOf: &dup}, nil
	}

	insight := &models.Insight{
		ID:             uuid.New(),
		TargetID:       normalized.TargetID,
		Kind:           normalized.Kind,
		Value:          normalized.Value,
		ValueTag:       spec.Normalize(normalized.Value),
		Data:           normalized.Data,
		Confidence:     normalized.Confidence,
		SourceIdentity: normalized.SourceIdentity,
		Status:         models.InsightStatusPending,
		CreatedAt:      s.now().UTC().Truncate(time.Microsecond),
		Revision:       1,
	}
	if err := s.repo.Create(ctx, insight); err != nil {
		return nil, fmt.Errorf("failed to store candidate %d: %w", idx, err)
	}

	id := insight.ID
	result := &models.IngestResult{Index: idx, Outcome: models.IngestOutcomeAdmitted, InsightID: &id}

	superseded, err := s.deduplicator.Resolve(ctx, decision)
	if len(superseded) > 0 {
		result.Outcome = models.IngestOutcomeSuperseded
		result.Superseded = superseded
		s.logger.Info("Candidate superseded older insights",
			zap.String("insight_id", id.String()),
			zap.String("target_id", insight.TargetID),
			zap.String("kind", string(insight.Kind)),
			zap.Int("superseded", len(superseded)))
	}
	if err != nil {
		result.Error = err.Error()
		return result, err
	}

	return result, nil
}

// normalizeCandidate validates a candidate and returns a trimmed copy.
func normalizeCandidate(c *models.Candidate) (*models.Candidate, models.KindSpec, error) {
	spec, ok := models.LookupKind(c.Kind)
	if !ok {
		return nil, spec, fmt.Errorf("unknown kind %q: %w", c.Kind, apperrors.ErrMalformedCandidate)
	}
	if math.IsNaN(c.Confidence) || c.Confidence < 0 || c.Confidence > 1 {
		return nil, spec, fmt.Errorf("confidence %v outside [0, 1]: %w", c.Confidence, apperrors.ErrMalformedCandidate)
	}

	out := *c
	out.TargetID = strings.TrimSpace(c.TargetID)
	out.Value = strings.TrimSpace(c.Value)
	out.SourceIdentity = strings.TrimSpace(c.SourceIdentity)

	if out.TargetID == "" {
		return nil, spec, fmt.Errorf("target_id is required: %w", apperrors.ErrMalformedCandidate)
	}
	if out.SourceIdentity == "" {
		return nil, spec, fmt.Errorf("source_identity is required: %w", apperrors.ErrMalformedCandidate)
	}
	if err := spec.Validate(out.Value); err != nil {
		return nil, spec, fmt.Errorf("invalid %s value: %v: %w", c.Kind, err, apperrors.ErrMalformedCandidate)
	}
	return &out, spec, nil
}
