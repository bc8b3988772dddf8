package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-insights/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-insights/pkg/models"
)

type edge struct {
	from, to models.InsightStatus
}

// lifecycleEdges is every edge a transition may take regardless of reason.
var lifecycleEdges = map[edge]bool{
	{models.InsightStatusPending, models.InsightStatusValidated}:       true,
	{models.InsightStatusPending, models.InsightStatusRejected}:        true,
	{models.InsightStatusValidated, models.InsightStatusApplied}:       true,
	{models.InsightStatusValidated, models.InsightStatusApplyFailed}:   true,
	{models.InsightStatusApplyFailed, models.InsightStatusApplyFailed}: true,
	{models.InsightStatusApplyFailed, models.InsightStatusApplied}:     true,
}

// applyRejectionEdges are only allowed with the apply_rejected reason.
var applyRejectionEdges = map[edge]bool{
	{models.InsightStatusValidated, models.InsightStatusRejected}:   true,
	{models.InsightStatusApplyFailed, models.InsightStatusRejected}: true,
}

func TestCanTransition_Exhaustive(t *testing.T) {
	reasons := []string{"", models.ReasonManual, models.ReasonSuperseded, models.ReasonApplyRejected}

	for _, from := range models.AllInsightStatuses {
		for _, to := range models.AllInsightStatuses {
			for _, reason := range reasons {
				e := edge{from, to}
				expected := lifecycleEdges[e] || (applyRejectionEdges[e] && reason == models.ReasonApplyRejected)

				assert.Equal(t, expected, CanTransition(from, to, reason),
					"CanTransition(%s, %s, %q)", from, to, reason)
			}
		}
	}
}

func TestCanTransition_NothingReturnsToPending(t *testing.T) {
	for _, from := range models.AllInsightStatuses {
		assert.False(t, CanTransition(from, models.InsightStatusPending, ""), "from %s", from)
	}
}

func TestTransition_InvalidEdgeDoesNotMutate(t *testing.T) {
	for _, from := range models.AllInsightStatuses {
		for _, to := range models.AllInsightStatuses {
			if lifecycleEdges[edge{from, to}] {
				continue
			}
			t.Run(fmt.Sprintf("%s_to_%s", from, to), func(t *testing.T) {
				env := newTestEnv(t)
				sm := env.stateMachine.(*stateMachine)
				original := env.seed(t, "p1", models.InsightKindCategory, "en:beverages", from)

				mutated := false
				_, err := sm.transition(context.Background(), original, to, models.ReasonManual, func(i *models.Insight) error {
					mutated = true
					i.LastError = "touched"
					return nil
				})

				require.Error(t, err)
				assert.True(t, errors.Is(err, apperrors.ErrInvalidTransition), "got %v", err)
				assert.False(t, mutated)

				after := env.get(t, original.ID)
				assert.Equal(t, original.Status, after.Status)
				assert.Equal(t, original.Revision, after.Revision)
				assert.Empty(t, after.LastError)
			})
		}
	}
}

func TestDecide_Accept(t *testing.T) {
	env := newTestEnv(t)
	insight := env.seed(t, "p1", models.InsightKindCategory, "en:beverages", models.InsightStatusPending)

	decided, err := env.stateMachine.Decide(context.Background(), insight.ID, DecisionAccept, models.AnnotationOriginManual, "alice", models.ReasonManual)
	require.NoError(t, err)

	assert.Equal(t, models.InsightStatusValidated, decided.Status)
	assert.Equal(t, models.AnnotationOriginManual, decided.AnnotationOrigin)
	assert.Equal(t, "alice", decided.Annotator)
	require.NotNil(t, decided.DecidedAt)
	assert.Nil(t, decided.AppliedAt)
	assert.Equal(t, insight.Revision+1, decided.Revision)
}

func TestDecide_Reject(t *testing.T) {
	env := newTestEnv(t)
	insight := env.seed(t, "p1", models.InsightKindLabel, "en:organic", models.InsightStatusPending)

	decided, err := env.stateMachine.Decide(context.Background(), insight.ID, DecisionReject, models.AnnotationOriginManual, "bob", models.ReasonManual)
	require.NoError(t, err)

	assert.Equal(t, models.InsightStatusRejected, decided.Status)
	assert.Equal(t, models.ReasonManual, decided.Reason)
	require.NotNil(t, decided.DecidedAt)
}

func TestDecide_NotPending(t *testing.T) {
	for _, status := range []models.InsightStatus{
		models.InsightStatusValidated,
		models.InsightStatusRejected,
		models.InsightStatusApplied,
		models.InsightStatusApplyFailed,
	} {
		t.Run(string(status), func(t *testing.T) {
			env := newTestEnv(t)
			insight := env.seed(t, "p1", models.InsightKindCategory, "en:snacks", status)

			_, err := env.stateMachine.Decide(context.Background(), insight.ID, DecisionReject, models.AnnotationOriginManual, "alice", models.ReasonManual)
			assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
			assert.Equal(t, insight.Revision, env.get(t, insight.ID).Revision)
		})
	}
}

func TestDecide_UnknownDecision(t *testing.T) {
	env := newTestEnv(t)
	insight := env.seed(t, "p1", models.InsightKindCategory, "en:snacks", models.InsightStatusPending)

	_, err := env.stateMachine.Decide(context.Background(), insight.ID, Decision("maybe"), models.AnnotationOriginManual, "alice", models.ReasonManual)
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
}

func TestDecide_NotFound(t *testing.T) {
	env := newTestEnv(t)
	insight := &models.Insight{}

	_, err := env.stateMachine.Decide(context.Background(), insight.ID, DecisionAccept, models.AnnotationOriginManual, "alice", models.ReasonManual)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestDecide_ConcurrentExactlyOneWins(t *testing.T) {
	env := newTestEnv(t)
	insight := env.seed(t, "p1", models.InsightKindCategory, "en:beverages", models.InsightStatusPending)

	const racers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, losses := 0, 0

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			decision := DecisionAccept
			if i%2 == 1 {
				decision = DecisionReject
			}
			_, err := env.stateMachine.Decide(context.Background(), insight.ID, decision, models.AnnotationOriginManual, fmt.Sprintf("annotator-%d", i), models.ReasonManual)

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				return
			}
			if errors.Is(err, apperrors.ErrStaleState) || errors.Is(err, apperrors.ErrInvalidTransition) {
				losses++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, racers-1, losses)
	assert.Equal(t, insight.Revision+1, env.get(t, insight.ID).Revision)
}

func TestSupersede(t *testing.T) {
	env := newTestEnv(t)
	insight := env.seed(t, "p1", models.InsightKindCategory, "en:beverages", models.InsightStatusPending)

	superseded, err := env.stateMachine.Supersede(context.Background(), insight.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InsightStatusRejected, superseded.Status)
	assert.Equal(t, models.ReasonSuperseded, superseded.Reason)
	assert.Equal(t, models.AnnotationOriginAutomatic, superseded.AnnotationOrigin)

	_, err = env.stateMachine.Supersede(context.Background(), insight.ID)
	assert.ErrorIs(t, err, apperrors.ErrStaleState)
}

func TestClaim_SameSnapshotOnlyOneWins(t *testing.T) {
	env := newTestEnv(t)
	snapshot := env.seed(t, "p1", models.InsightKindCategory, "en:beverages", models.InsightStatusValidated)
	lease := env.clock().Add(time.Minute)

	claimed, err := env.stateMachine.Claim(context.Background(), snapshot, lease)
	require.NoError(t, err)
	assert.Equal(t, models.InsightStatusValidated, claimed.Status)
	assert.Equal(t, snapshot.Revision+1, claimed.Revision)
	require.NotNil(t, claimed.NextAttemptAt)
	assert.True(t, claimed.NextAttemptAt.Equal(lease))

	_, err = env.stateMachine.Claim(context.Background(), snapshot, lease)
	assert.ErrorIs(t, err, apperrors.ErrStaleState)
}

func TestClaim_RejectsIneligible(t *testing.T) {
	env := newTestEnv(t)
	pending := env.seed(t, "p1", models.InsightKindCategory, "en:beverages", models.InsightStatusPending)

	_, err := env.stateMachine.Claim(context.Background(), pending, env.clock())
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
}

func TestMarkApplied(t *testing.T) {
	env := newTestEnv(t)
	snapshot := env.seed(t, "p1", models.InsightKindCategory, "en:beverages", models.InsightStatusValidated)
	claimed, err := env.stateMachine.Claim(context.Background(), snapshot, env.clock().Add(time.Minute))
	require.NoError(t, err)

	applied, err := env.stateMachine.MarkApplied(context.Background(), claimed)
	require.NoError(t, err)
	assert.Equal(t, models.InsightStatusApplied, applied.Status)
	require.NotNil(t, applied.AppliedAt)
	assert.Nil(t, applied.NextAttemptAt)

	// A stale claim cannot apply again.
	_, err = env.stateMachine.MarkApplied(context.Background(), claimed)
	assert.ErrorIs(t, err, apperrors.ErrStaleState)
}

func TestMarkApplyFailed_BecomesStuckAtMaxRetries(t *testing.T) {
	env := newTestEnv(t)
	current := env.seed(t, "p1", models.InsightKindCategory, "en:beverages", models.InsightStatusValidated)
	cause := fmt.Errorf("upstream 503: %w", apperrors.ErrRetryableApply)

	for attempt := 1; attempt <= 3; attempt++ {
		next := env.clock().Add(time.Minute)
		failed, err := env.stateMachine.MarkApplyFailed(context.Background(), current, cause, next, 3)
		require.NoError(t, err)

		assert.Equal(t, models.InsightStatusApplyFailed, failed.Status)
		assert.Equal(t, attempt, failed.RetryCount)
		assert.Contains(t, failed.LastError, "upstream 503")

		if attempt < 3 {
			assert.False(t, failed.Stuck)
			require.NotNil(t, failed.NextAttemptAt)
			assert.True(t, failed.NextAttemptAt.Equal(next))
		} else {
			assert.True(t, failed.Stuck)
			assert.Nil(t, failed.NextAttemptAt)
		}
		current = failed
	}

	_, err := env.stateMachine.Claim(context.Background(), current, env.clock())
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
}

func TestMarkApplyRejected(t *testing.T) {
	for _, status := range []models.InsightStatus{models.InsightStatusValidated, models.InsightStatusApplyFailed} {
		t.Run(string(status), func(t *testing.T) {
			env := newTestEnv(t)
			current := env.seed(t, "p1", models.InsightKindCategory, "en:beverages", status)

			rejected, err := env.stateMachine.MarkApplyRejected(context.Background(), current, errors.New("product not found"))
			require.NoError(t, err)
			assert.Equal(t, models.InsightStatusRejected, rejected.Status)
			assert.Equal(t, models.ReasonApplyRejected, rejected.Reason)
			assert.Equal(t, "product not found", rejected.LastError)
		})
	}
}
