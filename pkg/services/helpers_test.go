package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-insights/pkg/config"
	"github.com/ekaya-inc/ekaya-insights/pkg/models"
	"github.com/ekaya-inc/ekaya-insights/pkg/repositories"
)

var testEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// steppingClock returns a clock that advances one second per call.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	current := testEpoch
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Second)
		return current
	}
}

type testEnv struct {
	repo         repositories.InsightRepository
	stateMachine StateMachine
	dedup        Deduplicator
	ingestion    IngestionService
	annotation   AnnotationService
	clock        func() time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	clock := steppingClock()
	logger := zap.NewNop()
	repo := repositories.NewMemoryInsightRepositoryWithClock(clock)
	sm := NewStateMachine(repo, clock, logger)
	dedup := NewDeduplicator(repo, sm, logger)

	return &testEnv{
		repo:         repo,
		stateMachine: sm,
		dedup:        dedup,
		ingestion: NewIngestionService(&IngestionServiceDeps{
			Repo:         repo,
			Deduplicator: dedup,
			Now:          clock,
			Logger:       logger,
		}),
		annotation: NewAnnotationService(repo, sm, logger),
		clock:      clock,
	}
}

func (e *testEnv) newScheduler(t *testing.T, kinds map[string]config.KindPolicyConfig, cfg config.SchedulerConfig) *AutoAnnotationScheduler {
	t.Helper()

	policies, err := NewKindPolicies(kinds)
	require.NoError(t, err)

	if cfg.Interval == 0 {
		cfg.Interval = time.Minute
	}
	return NewAutoAnnotationScheduler(&AutoAnnotationSchedulerDeps{
		Repo:         e.repo,
		StateMachine: e.stateMachine,
		Policies:     policies,
		Config:       cfg,
		Logger:       zap.NewNop(),
	})
}

// seed stores an insight directly in the given status.
func (e *testEnv) seed(t *testing.T, target string, kind models.InsightKind, value string, status models.InsightStatus) *models.Insight {
	t.Helper()

	spec, ok := models.LookupKind(kind)
	require.True(t, ok)

	insight := &models.Insight{
		ID:             uuid.New(),
		TargetID:       target,
		Kind:           kind,
		Value:          value,
		ValueTag:       spec.Normalize(value),
		Confidence:     0.5,
		SourceIdentity: "seed",
		Status:         status,
		CreatedAt:      e.clock(),
	}
	if status == models.InsightStatusApplied {
		at := e.clock()
		insight.AppliedAt = &at
	}
	require.NoError(t, e.repo.Create(context.Background(), insight))

	stored, err := e.repo.GetByID(context.Background(), insight.ID)
	require.NoError(t, err)
	return stored
}

func (e *testEnv) get(t *testing.T, id uuid.UUID) *models.Insight {
	t.Helper()
	insight, err := e.repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	return insight
}

func candidate(target string, kind models.InsightKind, value string, confidence float64, source string) models.Candidate {
	return models.Candidate{
		TargetID:       target,
		Kind:           kind,
		Value:          value,
		Confidence:     confidence,
		SourceIdentity: source,
	}
}
