package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-insights/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-insights/pkg/models"
	"github.com/ekaya-inc/ekaya-insights/pkg/services"
)

// MaxBatchSize bounds the number of candidates in one ingestion request.
const MaxBatchSize = 1000

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 8 << 20

// ============================================================================
// Request/Response Types
// ============================================================================

// IngestBatchRequest for POST /api/insights/batch. Candidates are decoded
// one by one so that an undecodable entry is reported as malformed instead
// of failing the request.
type IngestBatchRequest struct {
	Candidates []json.RawMessage `json:"candidates"`
}

// IngestBatchResponse reports the outcome of every candidate, in order.
type IngestBatchResponse struct {
	Results []models.IngestResult        `json:"results"`
	Counts  map[models.IngestOutcome]int `json:"counts"`
}

// AnnotateRequest for POST /api/insights/{id}/annotate
type AnnotateRequest struct {
	Decision  services.Decision `json:"decision"`
	Annotator string            `json:"annotator"`
}

// InsightListResponse for GET /api/insights
type InsightListResponse struct {
	Insights   []*models.Insight `json:"insights"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

// ============================================================================
// Handler
// ============================================================================

// InsightsHandler exposes ingestion, annotation and queries over HTTP.
type InsightsHandler struct {
	ingestion  services.IngestionService
	annotation services.AnnotationService
	logger     *zap.Logger
}

// NewInsightsHandler creates a new insights handler.
func NewInsightsHandler(
	ingestion services.IngestionService,
	annotation services.AnnotationService,
	logger *zap.Logger,
) *InsightsHandler {
	return &InsightsHandler{
		ingestion:  ingestion,
		annotation: annotation,
		logger:     logger,
	}
}

// RegisterRoutes registers the insights handler's routes on the given mux.
func (h *InsightsHandler) RegisterRoutes(mux *http.ServeMux) {
	base := "/api/insights"

	mux.HandleFunc("POST "+base+"/batch", h.IngestBatch)
	mux.HandleFunc("GET "+base, h.List)
	mux.HandleFunc("GET "+base+"/stats", h.Stats)
	mux.HandleFunc("GET "+base+"/{id}", h.Get)
	mux.HandleFunc("POST "+base+"/{id}/annotate", h.Annotate)
}

// IngestBatch handles POST /api/insights/batch
func (h *InsightsHandler) IngestBatch(w http.ResponseWriter, r *http.Request) {
	var req IngestBatchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if len(req.Candidates) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "candidates is required")
		return
	}
	if len(req.Candidates) > MaxBatchSize {
		h.writeError(w, http.StatusBadRequest, "batch_too_large",
			fmt.Sprintf("at most %d candidates per batch", MaxBatchSize))
		return
	}

	candidates, positions, malformed := decodeCandidates(req.Candidates)

	ingested, err := h.ingestion.IngestBatch(r.Context(), candidates)
	if err != nil {
		h.logger.Error("Failed to ingest batch",
			zap.Int("candidates", len(req.Candidates)),
			zap.Int("processed", len(ingested)),
			zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "ingest_failed", "Failed to ingest candidates")
		return
	}

	response := IngestBatchResponse{
		Results: make([]models.IngestResult, len(req.Candidates)),
		Counts:  make(map[models.IngestOutcome]int),
	}
	for _, result := range malformed {
		response.Results[result.Index] = result
	}
	for _, result := range ingested {
		result.Index = positions[result.Index]
		response.Results[result.Index] = result
	}
	for _, result := range response.Results {
		response.Counts[result.Outcome]++
	}

	h.writeJSON(w, http.StatusOK, ApiResponse{Success: true, Data: response})
}

// decodeCandidates decodes each raw candidate. It returns the decodable
// candidates, the request index of each of them, and a malformed result for
// every entry that could not be decoded.
func decodeCandidates(raw []json.RawMessage) ([]models.Candidate, []int, []models.IngestResult) {
	candidates := make([]models.Candidate, 0, len(raw))
	positions := make([]int, 0, len(raw))
	var malformed []models.IngestResult

	for i, entry := range raw {
		var c models.Candidate
		if err := json.Unmarshal(entry, &c); err != nil {
			malformed = append(malformed, models.IngestResult{
				Index:   i,
				Outcome: models.IngestOutcomeMalformed,
				Error:   fmt.Sprintf("invalid candidate: %v", err),
			})
			continue
		}
		candidates = append(candidates, c)
		positions = append(positions, i)
	}
	return candidates, positions, malformed
}

// List handles GET /api/insights
func (h *InsightsHandler) List(w http.ResponseWriter, r *http.Request) {
	params, err := ParseListParams(r.URL.Query())
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}

	page, err := h.annotation.List(r.Context(), params.Filter, params.After, params.Limit)
	if err != nil {
		h.logger.Error("Failed to list insights", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "list_insights_failed", "Failed to list insights")
		return
	}

	response := InsightListResponse{
		Insights:   page.Insights,
		NextCursor: EncodeCursor(page.Next),
	}
	if response.Insights == nil {
		response.Insights = []*models.Insight{}
	}

	h.writeJSON(w, http.StatusOK, ApiResponse{Success: true, Data: response})
}

// Get handles GET /api/insights/{id}
func (h *InsightsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseInsightID(w, r, h.logger)
	if !ok {
		return
	}

	insight, err := h.annotation.Get(r.Context(), id)
	if err != nil {
		h.handleServiceError(w, "Failed to get insight", err, zap.String("insight_id", id.String()))
		return
	}

	h.writeJSON(w, http.StatusOK, ApiResponse{Success: true, Data: insight})
}

// Annotate handles POST /api/insights/{id}/annotate
func (h *InsightsHandler) Annotate(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseInsightID(w, r, h.logger)
	if !ok {
		return
	}

	var req AnnotateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if !req.Decision.IsValid() {
		h.writeError(w, http.StatusBadRequest, "invalid_decision", `decision must be "accept" or "reject"`)
		return
	}
	if strings.TrimSpace(req.Annotator) == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "annotator is required")
		return
	}

	insight, err := h.annotation.Annotate(r.Context(), id, req.Decision, req.Annotator)
	if err != nil {
		h.handleServiceError(w, "Failed to annotate insight", err,
			zap.String("insight_id", id.String()),
			zap.String("decision", string(req.Decision)))
		return
	}

	h.writeJSON(w, http.StatusOK, ApiResponse{Success: true, Data: insight})
}

// Stats handles GET /api/insights/stats
func (h *InsightsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.annotation.Stats(r.Context())
	if err != nil {
		h.logger.Error("Failed to compute insight stats", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "stats_failed", "Failed to compute stats")
		return
	}

	h.writeJSON(w, http.StatusOK, ApiResponse{Success: true, Data: stats})
}

// handleServiceError maps service errors to HTTP statuses.
func (h *InsightsHandler) handleServiceError(w http.ResponseWriter, msg string, err error, fields ...zap.Field) {
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Insight not found")
	case errors.Is(err, apperrors.ErrInvalidTransition):
		h.writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	default:
		h.logger.Error(msg, append(fields, zap.Error(err))...)
		h.writeError(w, http.StatusInternalServerError, "internal_error", msg)
	}
}

func (h *InsightsHandler) writeError(w http.ResponseWriter, status int, code, message string) {
	if err := ErrorResponse(w, status, code, message); err != nil {
		h.logger.Error("Failed to write error response", zap.Error(err))
	}
}

func (h *InsightsHandler) writeJSON(w http.ResponseWriter, status int, data any) {
	if err := WriteJSON(w, status, data); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
