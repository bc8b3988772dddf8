package handlers

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-insights/pkg/models"
)

// ParseInsightID extracts and validates the insight ID from the request path.
// Returns the parsed UUID and true on success, or uuid.Nil and false on error
// (after writing an error response).
// Expects path parameter: id
func ParseInsightID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_insight_id", "Invalid insight ID format"); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return uuid.Nil, false
	}
	return id, true
}

// ListParams are the query parameters of GET /api/insights.
type ListParams struct {
	Filter models.InsightFilter
	After  *models.InsightCursor
	Limit  int
}

// ParseListParams reads target_id, kind, status (repeatable or
// comma-separated), stuck, cursor and limit.
func ParseListParams(query url.Values) (*ListParams, error) {
	params := &ListParams{
		Filter: models.InsightFilter{
			TargetID: strings.TrimSpace(query.Get("target_id")),
			OrderBy:  models.OrderByCreatedAt,
		},
	}

	if kind := strings.TrimSpace(query.Get("kind")); kind != "" {
		if _, ok := models.LookupKind(models.InsightKind(kind)); !ok {
			return nil, fmt.Errorf("unknown kind %q", kind)
		}
		params.Filter.Kind = models.InsightKind(kind)
	}

	for _, raw := range query["status"] {
		for _, s := range strings.Split(raw, ",") {
			status := models.InsightStatus(strings.TrimSpace(s))
			if status == "" {
				continue
			}
			if !status.IsValid() {
				return nil, fmt.Errorf("unknown status %q", status)
			}
			params.Filter.Statuses = append(params.Filter.Statuses, status)
		}
	}

	if raw := query.Get("stuck"); raw != "" {
		stuck, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("stuck must be a boolean")
		}
		params.Filter.Stuck = &stuck
	}

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return nil, fmt.Errorf("limit must be a positive integer")
		}
		params.Limit = limit
	}

	if raw := query.Get("cursor"); raw != "" {
		cursor, err := DecodeCursor(raw)
		if err != nil {
			return nil, err
		}
		params.After = cursor
	}

	return params, nil
}

// EncodeCursor returns the opaque form of a page cursor.
func EncodeCursor(c *models.InsightCursor) string {
	if c == nil {
		return ""
	}
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor parses a cursor produced by EncodeCursor.
func DecodeCursor(s string) (*models.InsightCursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor")
	}
	var c models.InsightCursor
	if err := json.Unmarshal(raw, &c); err != nil || c.ID == uuid.Nil {
		return nil, fmt.Errorf("invalid cursor")
	}
	return &c, nil
}
