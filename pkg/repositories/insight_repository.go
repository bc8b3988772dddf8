package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-insights/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-insights/pkg/database"
	"github.com/ekaya-inc/ekaya-insights/pkg/models"
)

// DefaultPageSize is used when a caller passes a non-positive limit.
const DefaultPageSize = 100

// MutateFunc computes the field updates of a transition from the current
// record. It runs against a private copy; returning an error aborts the
// transition without writing anything.
type MutateFunc func(current *models.Insight) error

// InsightRepository is the durable store of insights.
// CompareAndTransition is the only write path after creation.
type InsightRepository interface {
	// Create inserts a new insight. Returns apperrors.ErrConflict if the id exists.
	Create(ctx context.Context, insight *models.Insight) error

	// GetByID returns an insight or apperrors.ErrNotFound.
	GetByID(ctx context.Context, id uuid.UUID) (*models.Insight, error)

	// CompareAndTransition atomically checks that the insight is in status
	// expected, applies mutate to a copy, sets status next, bumps the
	// revision and commits. Returns apperrors.ErrStaleState if the status
	// no longer holds or the record changed underneath the mutation.
	CompareAndTransition(ctx context.Context, id uuid.UUID, expected, next models.InsightStatus, mutate MutateFunc) (*models.Insight, error)

	// ListPage returns up to limit insights matching filter, strictly after
	// cursor, ordered by the filter's sort key then id.
	ListPage(ctx context.Context, filter models.InsightFilter, after *models.InsightCursor, limit int) ([]*models.Insight, error)

	// Query lazily walks every insight matching filter, one page at a time.
	// The sequence can be ranged over again to restart from the beginning.
	Query(ctx context.Context, filter models.InsightFilter, pageSize int) iter.Seq2[*models.Insight, error]

	// CountByStatus returns insight counts grouped by status.
	CountByStatus(ctx context.Context) (map[models.InsightStatus]int, error)
}

// pageLister is the part of InsightRepository that Query is built on.
type pageLister interface {
	ListPage(ctx context.Context, filter models.InsightFilter, after *models.InsightCursor, limit int) ([]*models.Insight, error)
}

func queryPages(ctx context.Context, lister pageLister, filter models.InsightFilter, pageSize int) iter.Seq2[*models.Insight, error] {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return func(yield func(*models.Insight, error) bool) {
		var cursor *models.InsightCursor
		for {
			page, err := lister.ListPage(ctx, filter, cursor, pageSize)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, insight := range page {
				if !yield(insight, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			cursor = filter.CursorFor(page[len(page)-1])
		}
	}
}

type insightRepository struct {
	db *database.DB
}

// NewInsightRepository creates a Postgres-backed InsightRepository.
func NewInsightRepository(db *database.DB) InsightRepository {
	return &insightRepository{db: db}
}

var _ InsightRepository = (*insightRepository)(nil)

const insightColumns = `
	id, target_id, kind, value, value_tag, data, confidence, source_identity,
	status, annotation_origin, annotator, reason,
	retry_count, last_error, next_attempt_at, stuck,
	revision, created_at, decided_at, applied_at`

func (r *insightRepository) Create(ctx context.Context, insight *models.Insight) error {
	if insight.ID == uuid.Nil {
		insight.ID = uuid.New()
	}
	if insight.CreatedAt.IsZero() {
		insight.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)
	}
	if insight.Revision == 0 {
		insight.Revision = 1
	}

	query := `
		INSERT INTO insights (` + insightColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (id) DO NOTHING`

	result, err := r.db.Exec(ctx, query, insightArgs(insight)...)
	if err != nil {
		return fmt.Errorf("failed to create insight: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("insight %s: %w", insight.ID, apperrors.ErrConflict)
	}
	return nil
}

func (r *insightRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Insight, error) {
	query := `SELECT ` + insightColumns + ` FROM insights WHERE id = $1`

	insight, err := scanInsight(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("insight %s: %w", id, apperrors.ErrNotFound)
		}
		return nil, err
	}
	return insight, nil
}

func (r *insightRepository) CompareAndTransition(ctx context.Context, id uuid.UUID, expected, next models.InsightStatus, mutate MutateFunc) (*models.Insight, error) {
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
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

	// The revision guard makes the read-modify-write atomic without row locks:
	// any concurrent commit since the read bumps the revision and we lose.
	query := `
		UPDATE insights
		SET status = $3, annotation_origin = $4, annotator = $5, reason = $6,
		    retry_count = $7, last_error = $8, next_attempt_at = $9, stuck = $10,
		    revision = $11, decided_at = $12, applied_at = $13
		WHERE id = $1 AND status = $2 AND revision = $14`

	result, err := r.db.Exec(ctx, query,
		id,
		string(expected),
		string(updated.Status),
		nullableString(updated.AnnotationOrigin),
		nullableString(updated.Annotator),
		nullableString(updated.Reason),
		updated.RetryCount,
		nullableString(updated.LastError),
		updated.NextAttemptAt,
		updated.Stuck,
		updated.Revision,
		updated.DecidedAt,
		updated.AppliedAt,
		current.Revision,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to transition insight: %w", err)
	}
	if result.RowsAffected() == 0 {
		return nil, fmt.Errorf("insight %s changed concurrently: %w", id, apperrors.ErrStaleState)
	}

	return updated, nil
}

func (r *insightRepository) ListPage(ctx context.Context, filter models.InsightFilter, after *models.InsightCursor, limit int) ([]*models.Insight, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}

	sortColumn := "created_at"
	if filter.OrderBy == models.OrderByDecidedAt {
		sortColumn = "decided_at"
	}

	var conditions []string
	var args []any
	addArg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.TargetID != "" {
		conditions = append(conditions, "target_id = "+addArg(filter.TargetID))
	}
	if filter.Kind != "" {
		conditions = append(conditions, "kind = "+addArg(string(filter.Kind)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		conditions = append(conditions, "status = ANY("+addArg(statuses)+")")
	}
	if filter.Stuck != nil {
		conditions = append(conditions, "stuck = "+addArg(*filter.Stuck))
	}
	if filter.DueBefore != nil {
		conditions = append(conditions, "(next_attempt_at IS NULL OR next_attempt_at <= "+addArg(*filter.DueBefore)+")")
	}
	if filter.OrderBy == models.OrderByDecidedAt {
		conditions = append(conditions, "decided_at IS NOT NULL")
	}
	if after != nil {
		conditions = append(conditions, fmt.Sprintf("(%s, id) > (%s, %s)", sortColumn, addArg(after.At), addArg(after.ID)))
	}

	query := `SELECT ` + insightColumns + ` FROM insights`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY %s, id LIMIT %s", sortColumn, addArg(limit))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list insights: %w", err)
	}
	defer rows.Close()

	var insights []*models.Insight
	for rows.Next() {
		insight, err := scanInsight(rows)
		if err != nil {
			return nil, err
		}
		insights = append(insights, insight)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating insights: %w", err)
	}

	return insights, nil
}

func (r *insightRepository) Query(ctx context.Context, filter models.InsightFilter, pageSize int) iter.Seq2[*models.Insight, error] {
	return queryPages(ctx, r, filter, pageSize)
}

func (r *insightRepository) CountByStatus(ctx context.Context) (map[models.InsightStatus]int, error) {
	rows, err := r.db.Query(ctx, `SELECT status, COUNT(*) FROM insights GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count insights: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.InsightStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[models.InsightStatus(status)] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating counts: %w", err)
	}

	return counts, nil
}

// Helper functions

func insightArgs(i *models.Insight) []any {
	return []any{
		i.ID,
		i.TargetID,
		string(i.Kind),
		i.Value,
		i.ValueTag,
		jsonbValueMap(i.Data),
		i.Confidence,
		i.SourceIdentity,
		string(i.Status),
		nullableString(i.AnnotationOrigin),
		nullableString(i.Annotator),
		nullableString(i.Reason),
		i.RetryCount,
		nullableString(i.LastError),
		i.NextAttemptAt,
		i.Stuck,
		i.Revision,
		i.CreatedAt,
		i.DecidedAt,
		i.AppliedAt,
	}
}

func scanInsight(row pgx.Row) (*models.Insight, error) {
	var i models.Insight
	var kind, status string
	var origin, annotator, reason, lastError *string
	var data []byte

	err := row.Scan(
		&i.ID,
		&i.TargetID,
		&kind,
		&i.Value,
		&i.ValueTag,
		&data,
		&i.Confidence,
		&i.SourceIdentity,
		&status,
		&origin,
		&annotator,
		&reason,
		&i.RetryCount,
		&lastError,
		&i.NextAttemptAt,
		&i.Stuck,
		&i.Revision,
		&i.CreatedAt,
		&i.DecidedAt,
		&i.AppliedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan insight: %w", err)
	}

	i.Kind = models.InsightKind(kind)
	i.Status = models.InsightStatus(status)
	if origin != nil {
		i.AnnotationOrigin = *origin
	}
	if annotator != nil {
		i.Annotator = *annotator
	}
	if reason != nil {
		i.Reason = *reason
	}
	if lastError != nil {
		i.LastError = *lastError
	}

	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &i.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal data: %w", err)
		}
	}

	return &i, nil
}

// nullableString maps the empty string to SQL NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// jsonbValueMap converts a map to JSONB format for database insertion.
func jsonbValueMap(v map[string]any) any {
	if len(v) == 0 {
		return nil
	}
	return v
}
