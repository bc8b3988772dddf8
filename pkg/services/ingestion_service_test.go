package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-insights/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-insights/pkg/models"
	"github.com/ekaya-inc/ekaya-insights/pkg/repositories"
)

func TestIngestBatch_AdmitsPending(t *testing.T) {
	env := newTestEnv(t)

	results, err := env.ingestion.IngestBatch(context.Background(), []models.Candidate{
		candidate("p1", models.InsightKindCategory, " en:beverages ", 0.95, "model-v1"),
	})
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, 0, results[0].Index)
	assert.Equal(t, models.IngestOutcomeAdmitted, results[0].Outcome)
	require.NotNil(t, results[0].InsightID)

	insight := env.get(t, *results[0].InsightID)
	assert.Equal(t, models.InsightStatusPending, insight.Status)
	assert.Equal(t, "en:beverages", insight.Value)
	assert.Equal(t, "en:beverages", insight.ValueTag)
	assert.Equal(t, "model-v1", insight.SourceIdentity)
	assert.InDelta(t, 0.95, insight.Confidence, 1e-9)
	assert.Empty(t, insight.AnnotationOrigin)
	assert.Nil(t, insight.DecidedAt)
	assert.Nil(t, insight.AppliedAt)
	assert.False(t, insight.CreatedAt.IsZero())
}

func TestIngestBatch_MalformedDoesNotAbortBatch(t *testing.T) {
	env := newTestEnv(t)

	results, err := env.ingestion.IngestBatch(context.Background(), []models.Candidate{
		candidate("p1", models.InsightKind("nutrition_grade"), "a", 0.9, "model-v1"),
		candidate("p1", models.InsightKindCategory, "en:snacks", 1.2, "model-v1"),
		candidate("p1", models.InsightKindCategory, "en:snacks", -0.1, "model-v1"),
		candidate("", models.InsightKindCategory, "en:snacks", 0.5, "model-v1"),
		candidate("p1", models.InsightKindCategory, "   ", 0.5, "model-v1"),
		candidate("p1", models.InsightKindExpirationDate, "31/12/2026", 0.5, "ocr-v2"),
		candidate("p1", models.InsightKindImageOrientation, "45", 0.5, "orientation-v1"),
		candidate("p1", models.InsightKindCategory, "en:snacks", 0.5, ""),
		candidate("p1", models.InsightKindExpirationDate, "2026-12-31", 0.5, "ocr-v2"),
	})
	require.NoError(t, err)
	require.Len(t, results, 9)

	for i := 0; i < 8; i++ {
		assert.Equal(t, models.IngestOutcomeMalformed, results[i].Outcome, "candidate %d", i)
		assert.NotEmpty(t, results[i].Error, "candidate %d", i)
		assert.Nil(t, results[i].InsightID, "candidate %d", i)
	}
	assert.Equal(t, models.IngestOutcomeAdmitted, results[8].Outcome)
	assert.Equal(t, 8, results[8].Index)

	counts, err := env.repo.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.InsightStatusPending])
}

func TestIngestBatch_DuplicateByKindEquality(t *testing.T) {
	env := newTestEnv(t)

	results, err := env.ingestion.IngestBatch(context.Background(), []models.Candidate{
		candidate("p1", models.InsightKindBrand, "Marks & Spencer", 0.7, "logo-v1"),
		candidate("p1", models.InsightKindBrand, "marks  spencer", 0.99, "ocr-v3"),
	})
	require.NoError(t, err)

	assert.Equal(t, models.IngestOutcomeAdmitted, results[0].Outcome)
	assert.Equal(t, models.IngestOutcomeDuplicate, results[1].Outcome)
	require.NotNil(t, results[1].DuplicateOf)
	assert.Equal(t, *results[0].InsightID, *results[1].DuplicateOf)
	assert.Nil(t, results[1].InsightID)
}

func TestIngestBatch_DuplicateOfValidatedInsight(t *testing.T) {
	env := newTestEnv(t)
	existing := env.seed(t, "p1", models.InsightKindCategory, "en:beverages", models.InsightStatusValidated)

	results, err := env.ingestion.IngestBatch(context.Background(), []models.Candidate{
		candidate("p1", models.InsightKindCategory, "en:beverages", 0.99, "model-v2"),
	})
	require.NoError(t, err)
	assert.Equal(t, models.IngestOutcomeDuplicate, results[0].Outcome)
	assert.Equal(t, existing.ID, *results[0].DuplicateOf)
}

func TestIngestBatch_TerminalInsightsDoNotBlock(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "p1", models.InsightKindCategory, "en:beverages", models.InsightStatusRejected)
	env.seed(t, "p1", models.InsightKindCategory, "en:beverages", models.InsightStatusApplied)

	results, err := env.ingestion.IngestBatch(context.Background(), []models.Candidate{
		candidate("p1", models.InsightKindCategory, "en:beverages", 0.9, "model-v1"),
	})
	require.NoError(t, err)
	assert.Equal(t, models.IngestOutcomeAdmitted, results[0].Outcome)
}

func TestIngestBatch_SameSourceSupersedes(t *testing.T) {
	env := newTestEnv(t)

	first, err := env.ingestion.IngestBatch(context.Background(), []models.Candidate{
		candidate("p1", models.InsightKindCategory, "en:snacks", 0.6, "model-v1"),
	})
	require.NoError(t, err)
	oldID := *first[0].InsightID

	second, err := env.ingestion.IngestBatch(context.Background(), []models.Candidate{
		candidate("p1", models.InsightKindCategory, "en:beverages", 0.8, "model-v1"),
	})
	require.NoError(t, err)

	assert.Equal(t, models.IngestOutcomeSuperseded, second[0].Outcome)
	require.NotNil(t, second[0].InsightID)
	assert.Equal(t, []uuid.UUID{oldID}, second[0].Superseded)

	old := env.get(t, oldID)
	assert.Equal(t, models.InsightStatusRejected, old.Status)
	assert.Equal(t, models.ReasonSuperseded, old.Reason)
	require.NotNil(t, old.DecidedAt)

	replacement := env.get(t, *second[0].InsightID)
	assert.Equal(t, models.InsightStatusPending, replacement.Status)
}

func TestIngestBatch_SameSourceDoesNotSupersedeValidated(t *testing.T) {
	env := newTestEnv(t)
	validated := env.seed(t, "p1", models.InsightKindCategory, "en:snacks", models.InsightStatusValidated)

	results, err := env.ingestion.IngestBatch(context.Background(), []models.Candidate{
		candidate("p1", models.InsightKindCategory, "en:beverages", 0.8, "seed"),
	})
	require.NoError(t, err)

	assert.Equal(t, models.IngestOutcomeAdmitted, results[0].Outcome)
	assert.Equal(t, models.InsightStatusValidated, env.get(t, validated.ID).Status)
}

func TestIngestBatch_DifferentSourcesBothAdmitted(t *testing.T) {
	env := newTestEnv(t)

	results, err := env.ingestion.IngestBatch(context.Background(), []models.Candidate{
		candidate("p1", models.InsightKindCategory, "beverages", 0.95, "model-v1"),
		candidate("p1", models.InsightKindCategory, "snacks", 0.91, "model-v2"),
	})
	require.NoError(t, err)

	assert.Equal(t, models.IngestOutcomeAdmitted, results[0].Outcome)
	assert.Equal(t, models.IngestOutcomeAdmitted, results[1].Outcome)

	pending := 0
	for insight, err := range env.repo.Query(context.Background(), models.InsightFilter{
		TargetID: "p1",
		Kind:     models.InsightKindCategory,
		Statuses: []models.InsightStatus{models.InsightStatusPending},
	}, 10) {
		require.NoError(t, err)
		assert.Equal(t, models.InsightStatusPending, insight.Status)
		pending++
	}
	assert.Equal(t, 2, pending)
}

func TestIngestBatch_ConcurrentIdenticalCandidatesAdmitOnce(t *testing.T) {
	env := newTestEnv(t)

	const batches = 12
	var wg sync.WaitGroup
	var mu sync.Mutex
	outcomes := make(map[models.IngestOutcome]int)

	for i := 0; i < batches; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results, err := env.ingestion.IngestBatch(context.Background(), []models.Candidate{
				candidate("p9", models.InsightKindLabel, "en:organic", 0.8, "label-v1"),
			})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			outcomes[results[0].Outcome]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, outcomes[models.IngestOutcomeAdmitted])
	assert.Equal(t, batches-1, outcomes[models.IngestOutcomeDuplicate])
}

type failingCreateRepo struct {
	repositories.InsightRepository
}

func (r *failingCreateRepo) Create(context.Context, *models.Insight) error {
	return errors.New("connection reset by peer")
}

func TestIngestBatch_StorageFailureStopsBatch(t *testing.T) {
	env := newTestEnv(t)
	repo := &failingCreateRepo{InsightRepository: env.repo}
	svc := NewIngestionService(&IngestionServiceDeps{
		Repo:         repo,
		Deduplicator: NewDeduplicator(repo, env.stateMachine, zap.NewNop()),
		Logger:       zap.NewNop(),
	})

	results, err := svc.IngestBatch(context.Background(), []models.Candidate{
		candidate("p1", models.InsightKindCategory, "en:snacks", 1.5, "model-v1"),
		candidate("p1", models.InsightKindCategory, "en:snacks", 0.5, "model-v1"),
		candidate("p2", models.InsightKindCategory, "en:snacks", 0.5, "model-v1"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	require.Len(t, results, 1)
	assert.Equal(t, models.IngestOutcomeMalformed, results[0].Outcome)
}

type failingSupersedeMachine struct {
	StateMachine
}

func (m *failingSupersedeMachine) Supersede(context.Context, uuid.UUID) (*models.Insight, error) {
	return nil, errors.New("connection reset by peer")
}

func TestIngestBatch_SupersedeFailureReportsStoredCandidate(t *testing.T) {
	env := newTestEnv(t)
	older := env.seed(t, "p1", models.InsightKindCategory, "en:snacks", models.InsightStatusPending)

	svc := NewIngestionService(&IngestionServiceDeps{
		Repo:         env.repo,
		Deduplicator: NewDeduplicator(env.repo, &failingSupersedeMachine{StateMachine: env.stateMachine}, zap.NewNop()),
		Logger:       zap.NewNop(),
	})

	results, err := svc.IngestBatch(context.Background(), []models.Candidate{
		candidate("p1", models.InsightKindCategory, "en:beverages", 0.8, "seed"),
		candidate("p2", models.InsightKindCategory, "en:beverages", 0.8, "seed"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")

	require.Len(t, results, 1, "the stored candidate is reported, the next one is not processed")
	assert.Equal(t, models.IngestOutcomeAdmitted, results[0].Outcome)
	require.NotNil(t, results[0].InsightID)
	assert.Empty(t, results[0].Superseded)
	assert.Contains(t, results[0].Error, "failed to supersede")

	assert.Equal(t, models.InsightStatusPending, env.get(t, *results[0].InsightID).Status)
	assert.Equal(t, models.InsightStatusPending, env.get(t, older.ID).Status)
}

func TestNormalizeCandidate(t *testing.T) {
	_, _, err := normalizeCandidate(&models.Candidate{TargetID: "p1", Kind: "bogus", Value: "x", Confidence: 0.5, SourceIdentity: "s"})
	assert.ErrorIs(t, err, apperrors.ErrMalformedCandidate)

	out, spec, err := normalizeCandidate(&models.Candidate{TargetID: " p1 ", Kind: models.InsightKindStore, Value: " Carrefour Market ", Confidence: 1, SourceIdentity: " ocr "})
	require.NoError(t, err)
	assert.Equal(t, "p1", out.TargetID)
	assert.Equal(t, "Carrefour Market", out.Value)
	assert.Equal(t, "ocr", out.SourceIdentity)
	assert.Equal(t, "carrefour-market", spec.Normalize(out.Value))
}
