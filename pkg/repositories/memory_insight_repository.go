package repositories

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-insights/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-insights/pkg/models"
)

// memoryInsightRepository keeps insights in process memory. It backs unit
// tests and the server's --memory mode. The mutex only guards the map; callers
// still coordinate exclusively through CompareAndTransition.
type memoryInsightRepository struct {
	mu       sync.RWMutex
	insights map[uuid.UUID]*models.Insight
	now      func() time.Time
}

// NewMemoryInsightRepository creates an empty in-memory InsightRepository.
func NewMemoryInsightRepository() InsightRepository {
	return NewMemoryInsightRepositoryWithClock(time.Now)
}

// NewMemoryInsightRepositoryWithClock is NewMemoryInsightRepository with an
// injectable clock for created_at stamping.
func NewMemoryInsightRepositoryWithClock(now func() time.Time) InsightRepository {
	return &memoryInsightRepository{
		insights: make(map[uuid.UUID]*models.Insight),
		now:      now,
	}
}

var _ InsightRepository = (*memoryInsightRepository)(nil)

func (r *memoryInsightRepository) Create(_ context.Context, insight *models.Insight) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if insight.ID == uuid.Nil {
		insight.ID = uuid.New()
	}
	if _, exists := r.insights[insight.ID]; exists {
		return fmt.Errorf("insight %s: %w", insight.ID, apperrors.ErrConflict)
	}
	if insight.CreatedAt.IsZero() {
		insight.CreatedAt = r.now().UTC()
	}
	if insight.Revision == 0 {
		insight.Revision = 1
	}

	r.insights[insight.ID] = insight.Clone()
	return nil
}

func (r *memoryInsightRepository) GetByID(_ context.Context, id uuid.UUID) (*models.Insight, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	insight, ok := r.insights[id]
	if !ok {
		return nil, fmt.Errorf("insight %s: %w", id, apperrors.ErrNotFound)
	}
	return insight.Clone(), nil
}

func (r *memoryInsightRepository) CompareAndTransition(_ context.Context, id uuid.UUID, expected, next models.InsightStatus, mutate MutateFunc) (*models.Insight, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.insights[id]
	if !ok {
		return nil, fmt.Errorf("insight %s: %w", id, apperrors.ErrNotFound)
	}
	if current.Status != expected {
		return nil, fmt.Errorf("insight %s is %s, expected %s: %w", id, current.Status, expected, apperrors.ErrStaleState)
	}

	updated := current.Clone()
	if mutate != nil {
		if err := mutate(updated); err != nil {
			return nil, err
		}
	}
	updated.Status = next
	updated.Revision = current.Revision + 1

	r.insights[id] = updated
	return updated.Clone(), nil
}

func (r *memoryInsightRepository) ListPage(_ context.Context, filter models.InsightFilter, after *models.InsightCursor, limit int) ([]*models.Insight, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}

	r.mu.RLock()
	matches := make([]*models.Insight, 0)
	for _, insight := range r.insights {
		if !filter.Matches(insight) {
			continue
		}
		if after != nil && !isAfterCursor(filter, insight, after) {
			continue
		}
		matches = append(matches, insight.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(matches, func(a, b int) bool {
		ka, kb := filter.SortKey(matches[a]), filter.SortKey(matches[b])
		if !ka.Equal(kb) {
			return ka.Before(kb)
		}
		return compareUUID(matches[a].ID, matches[b].ID) < 0
	})

	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (r *memoryInsightRepository) Query(ctx context.Context, filter models.InsightFilter, pageSize int) iter.Seq2[*models.Insight, error] {
	return queryPages(ctx, r, filter, pageSize)
}

func (r *memoryInsightRepository) CountByStatus(_ context.Context) (map[models.InsightStatus]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[models.InsightStatus]int)
	for _, insight := range r.insights {
		counts[insight.Status]++
	}
	return counts, nil
}

func isAfterCursor(filter models.InsightFilter, insight *models.Insight, cursor *models.InsightCursor) bool {
	key := filter.SortKey(insight)
	if !key.Equal(cursor.At) {
		return key.After(cursor.At)
	}
	return compareUUID(insight.ID, cursor.ID) > 0
}

// compareUUID orders ids bytewise, matching Postgres uuid ordering.
func compareUUID(a, b uuid.UUID) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
