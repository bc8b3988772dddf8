package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-insights/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-insights/pkg/models"
	"github.com/ekaya-inc/ekaya-insights/pkg/repositories"
)

// MaxPageSize bounds List page sizes.
const MaxPageSize = 500

// InsightPage is one page of a List call.
type InsightPage struct {
	Insights []*models.Insight     `json:"insights"`
	Next     *models.InsightCursor `json:"next,omitempty"`
}

// InsightStats summarizes the store.
type InsightStats struct {
	ByStatus map[models.InsightStatus]int `json:"by_status"`
	Total    int                          `json:"total"`
}

// AnnotationService is the manual annotation and read boundary.
type AnnotationService interface {
	// Annotate records a human decision on a pending insight.
	// Fails with apperrors.ErrInvalidTransition if the insight is not pending,
	// including when another actor decided it first.
	Annotate(ctx context.Context, id uuid.UUID, decision Decision, annotator string) (*models.Insight, error)

	// Get returns one insight.
	Get(ctx context.Context, id uuid.UUID) (*models.Insight, error)

	// List returns a page of insights matching filter after cursor.
	List(ctx context.Context, filter models.InsightFilter, after *models.InsightCursor, limit int) (*InsightPage, error)

	// Stats returns insight counts by status.
	Stats(ctx context.Context) (*InsightStats, error)
}

type annotationService struct {
	repo         repositories.InsightRepository
	stateMachine StateMachine
	logger       *zap.Logger
}

// NewAnnotationService creates an AnnotationService.
func NewAnnotationService(repo repositories.InsightRepository, stateMachine StateMachine, logger *zap.Logger) AnnotationService {
	return &annotationService{
		repo:         repo,
		stateMachine: stateMachine,
		logger:       logger.Named("annotation"),
	}
}

var _ AnnotationService = (*annotationService)(nil)

func (s *annotationService) Annotate(ctx context.Context, id uuid.UUID, decision Decision, annotator string) (*models.Insight, error) {
	annotator = strings.TrimSpace(annotator)
	if annotator == "" {
		return nil, fmt.Errorf("annotator is required")
	}

	insight, err := s.stateMachine.Decide(ctx, id, decision, models.AnnotationOriginManual, annotator, models.ReasonManual)
	if err != nil {
		if errors.Is(err, apperrors.ErrStaleState) {
			// Another actor decided between our read and commit; to a human
			// this is the same as annotating an insight that is no longer pending.
			return nil, fmt.Errorf("insight %s was decided concurrently: %w", id, apperrors.ErrInvalidTransition)
		}
		return nil, err
	}

	s.logger.Info("Insight annotated",
		zap.String("insight_id", id.String()),
		zap.String("decision", string(decision)),
		zap.String("annotator", annotator))
	return insight, nil
}

func (s *annotationService) Get(ctx context.Context, id uuid.UUID) (*models.Insight, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *annotationService) List(ctx context.Context, filter models.InsightFilter, after *models.InsightCursor, limit int) (*InsightPage, error) {
	if limit <= 0 {
		limit = repositories.DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	for _, status := range filter.Statuses {
		if !status.IsValid() {
			return nil, fmt.Errorf("unknown status %q", status)
		}
	}

	insights, err := s.repo.ListPage(ctx, filter, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list insights: %w", err)
	}

	page := &InsightPage{Insights: insights}
	if len(insights) == limit {
		page.Next = filter.CursorFor(insights[len(insights)-1])
	}
	return page, nil
}

func (s *annotationService) Stats(ctx context.Context) (*InsightStats, error) {
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count insights: %w", err)
	}

	stats := &InsightStats{ByStatus: make(map[models.InsightStatus]int, len(models.AllInsightStatuses))}
	for _, status := range models.AllInsightStatuses {
		stats.ByStatus[status] = counts[status]
		stats.Total += counts[status]
	}
	return stats, nil
}
