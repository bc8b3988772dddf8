package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-insights/pkg/models"
	"github.com/ekaya-inc/ekaya-insights/pkg/repositories"
	"github.com/ekaya-inc/ekaya-insights/pkg/services"
)

type insightsServer struct {
	mux  *http.ServeMux
	repo repositories.InsightRepository
}

func newInsightsServer(t *testing.T) *insightsServer {
	t.Helper()
	logger := zap.NewNop()
	repo := repositories.NewMemoryInsightRepository()
	sm := services.NewStateMachine(repo, nil, logger)
	ingestion := services.NewIngestionService(&services.IngestionServiceDeps{
		Repo:         repo,
		Deduplicator: services.NewDeduplicator(repo, sm, logger),
		Logger:       logger,
	})

	mux := http.NewServeMux()
	NewInsightsHandler(ingestion, services.NewAnnotationService(repo, sm, logger), logger).RegisterRoutes(mux)
	return &insightsServer{mux: mux, repo: repo}
}

// envelope decodes ApiResponse with typed data.
type envelope[T any] struct {
	Success bool `json:"success"`
	Data    T    `json:"data"`
}

func (s *insightsServer) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var env envelope[T]
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	require.True(t, env.Success)
	return env.Data
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body["error"]
}

func (s *insightsServer) ingest(t *testing.T, candidates ...models.Candidate) IngestBatchResponse {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/insights/batch", map[string]any{"candidates": candidates})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[IngestBatchResponse](t, rec)
}

func categoryCandidate(target, value, source string) models.Candidate {
	return models.Candidate{
		TargetID:       target,
		Kind:           models.InsightKindCategory,
		Value:          value,
		Confidence:     0.9,
		SourceIdentity: source,
	}
}

func TestIngestBatch_ReportsPerCandidateOutcomes(t *testing.T) {
	s := newInsightsServer(t)

	resp := s.ingest(t,
		categoryCandidate("p1", "en:beverages", "model-v1"),
		categoryCandidate("p1", "en:beverages", "model-v2"),
		models.Candidate{TargetID: "p1", Kind: "bogus", Value: "x", Confidence: 0.5, SourceIdentity: "s"},
	)

	require.Len(t, resp.Results, 3)
	assert.Equal(t, models.IngestOutcomeAdmitted, resp.Results[0].Outcome)
	assert.Equal(t, models.IngestOutcomeDuplicate, resp.Results[1].Outcome)
	assert.Equal(t, models.IngestOutcomeMalformed, resp.Results[2].Outcome)
	assert.Equal(t, 1, resp.Counts[models.IngestOutcomeAdmitted])
	assert.Equal(t, 1, resp.Counts[models.IngestOutcomeDuplicate])
	assert.Equal(t, 1, resp.Counts[models.IngestOutcomeMalformed])
}

func TestIngestBatch_UndecodableCandidateIsMalformed(t *testing.T) {
	s := newInsightsServer(t)

	body := `{"candidates": [
		{"target_id": "p1", "kind": "category", "value": "en:beverages", "confidence": 0.9, "source_identity": "model-v1"},
		{"target_id": "p2", "kind": "category", "value": "en:snacks", "confidence": "high", "source_identity": "model-v1"},
		{"target_id": "p3", "kind": "category", "value": {"tag": "en:dairies"}, "confidence": 0.9, "source_identity": "model-v1"},
		{"target_id": "p4", "kind": "label", "value": "en:organic", "source_identity": "label-v1"},
		{"target_id": "p5", "kind": "label", "value": "en:vegan", "confidence": "0.8", "source_identity": "label-v1"}
	]}`
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/insights/batch", bytes.NewReader([]byte(body))))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[IngestBatchResponse](t, rec)
	require.Len(t, resp.Results, 5)

	want := []models.IngestOutcome{
		models.IngestOutcomeAdmitted,
		models.IngestOutcomeMalformed,
		models.IngestOutcomeMalformed,
		models.IngestOutcomeMalformed,
		models.IngestOutcomeAdmitted,
	}
	for i, result := range resp.Results {
		assert.Equal(t, i, result.Index)
		assert.Equal(t, want[i], result.Outcome, "candidate %d", i)
	}
	assert.Contains(t, resp.Results[1].Error, "confidence")
	assert.Contains(t, resp.Results[3].Error, "confidence is required")
	assert.Equal(t, 2, resp.Counts[models.IngestOutcomeAdmitted])
	assert.Equal(t, 3, resp.Counts[models.IngestOutcomeMalformed])

	counts, err := s.repo.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, counts[models.InsightStatusPending])
}

func TestIngestBatch_BadRequests(t *testing.T) {
	s := newInsightsServer(t)

	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/insights/batch", bytes.NewReader([]byte("{"))))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/insights/batch", IngestBatchRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	tooMany := make([]json.RawMessage, MaxBatchSize+1)
	rec = s.do(t, http.MethodPost, "/api/insights/batch", IngestBatchRequest{Candidates: tooMany})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "batch_too_large", errorCode(t, rec))
}

func TestGetInsight(t *testing.T) {
	s := newInsightsServer(t)
	resp := s.ingest(t, categoryCandidate("p1", "en:beverages", "model-v1"))
	id := *resp.Results[0].InsightID

	rec := s.do(t, http.MethodGet, "/api/insights/"+id.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	insight := decode[models.Insight](t, rec)
	assert.Equal(t, id, insight.ID)
	assert.Equal(t, models.InsightStatusPending, insight.Status)

	rec = s.do(t, http.MethodGet, "/api/insights/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/insights/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_insight_id", errorCode(t, rec))
}

func TestAnnotate(t *testing.T) {
	s := newInsightsServer(t)
	resp := s.ingest(t, categoryCandidate("p1", "en:beverages", "model-v1"))
	path := "/api/insights/" + resp.Results[0].InsightID.String() + "/annotate"

	rec := s.do(t, http.MethodPost, path, AnnotateRequest{Decision: "maybe", Annotator: "alice"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, path, AnnotateRequest{Decision: services.DecisionAccept})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, path, AnnotateRequest{Decision: services.DecisionAccept, Annotator: "alice"})
	require.Equal(t, http.StatusOK, rec.Code)
	insight := decode[models.Insight](t, rec)
	assert.Equal(t, models.InsightStatusValidated, insight.Status)
	assert.Equal(t, models.AnnotationOriginManual, insight.AnnotationOrigin)
	assert.Equal(t, "alice", insight.Annotator)

	rec = s.do(t, http.MethodPost, path, AnnotateRequest{Decision: services.DecisionReject, Annotator: "bob"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", errorCode(t, rec))

	rec = s.do(t, http.MethodPost, "/api/insights/"+uuid.NewString()+"/annotate", AnnotateRequest{Decision: services.DecisionAccept, Annotator: "alice"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListInsights_Pagination(t *testing.T) {
	s := newInsightsServer(t)
	for _, target := range []string{"p1", "p2", "p3", "p4", "p5"} {
		s.ingest(t, categoryCandidate(target, "en:beverages", "model-v1"))
	}

	seen := map[uuid.UUID]bool{}
	cursor := ""
	pages := 0
	for {
		query := url.Values{"limit": {"2"}}
		if cursor != "" {
			query.Set("cursor", cursor)
		}
		rec := s.do(t, http.MethodGet, "/api/insights?"+query.Encode(), nil)
		require.Equal(t, http.StatusOK, rec.Code)
		page := decode[InsightListResponse](t, rec)
		pages++
		for _, insight := range page.Insights {
			assert.False(t, seen[insight.ID], "insight listed twice")
			seen[insight.ID] = true
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	assert.Len(t, seen, 5)
	assert.Equal(t, 3, pages)
}

func TestListInsights_Filters(t *testing.T) {
	s := newInsightsServer(t)
	resp := s.ingest(t,
		categoryCandidate("p1", "en:beverages", "model-v1"),
		categoryCandidate("p2", "en:snacks", "model-v1"),
	)
	rec := s.do(t, http.MethodPost, "/api/insights/"+resp.Results[0].InsightID.String()+"/annotate",
		AnnotateRequest{Decision: services.DecisionReject, Annotator: "alice"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/insights?status=pending&kind=category", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[InsightListResponse](t, rec)
	require.Len(t, page.Insights, 1)
	assert.Equal(t, "p2", page.Insights[0].TargetID)

	rec = s.do(t, http.MethodGet, "/api/insights?target_id=p1&status=rejected,applied", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page = decode[InsightListResponse](t, rec)
	require.Len(t, page.Insights, 1)
	assert.Equal(t, models.InsightStatusRejected, page.Insights[0].Status)

	rec = s.do(t, http.MethodGet, "/api/insights?target_id=nobody", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page = decode[InsightListResponse](t, rec)
	assert.NotNil(t, page.Insights)
	assert.Empty(t, page.Insights)

	for _, bad := range []string{"status=archived", "kind=nutriscore", "stuck=maybe", "limit=0", "cursor=abc!"} {
		rec = s.do(t, http.MethodGet, "/api/insights?"+bad, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestStats(t *testing.T) {
	s := newInsightsServer(t)
	s.ingest(t,
		categoryCandidate("p1", "en:beverages", "model-v1"),
		categoryCandidate("p2", "en:snacks", "model-v1"),
	)

	rec := s.do(t, http.MethodGet, "/api/insights/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[services.InsightStats](t, rec)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.ByStatus[models.InsightStatusPending])

	counts, err := s.repo.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, counts[models.InsightStatusPending])
}
