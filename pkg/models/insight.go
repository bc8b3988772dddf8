package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-insights/pkg/jsonutil"
)

// InsightStatus is the lifecycle state of an insight.
type InsightStatus string

// Insight status constants.
const (
	InsightStatusPending     InsightStatus = "pending"
	InsightStatusValidated   InsightStatus = "validated"
	InsightStatusRejected    InsightStatus = "rejected"
	InsightStatusApplied     InsightStatus = "applied"
	InsightStatusApplyFailed InsightStatus = "apply_failed"
)

// AllInsightStatuses lists every status, in lifecycle order.
var AllInsightStatuses = []InsightStatus{
	InsightStatusPending,
	InsightStatusValidated,
	InsightStatusRejected,
	InsightStatusApplied,
	InsightStatusApplyFailed,
}

// IsValid reports whether s is a known status.
func (s InsightStatus) IsValid() bool {
	for _, known := range AllInsightStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsActive reports whether an insight in this status still competes with
// new candidates for the same target and kind.
func (s InsightStatus) IsActive() bool {
	return s == InsightStatusPending || s == InsightStatusValidated || s == InsightStatusApplyFailed
}

// ActiveInsightStatuses are the statuses considered by deduplication.
var ActiveInsightStatuses = []InsightStatus{
	InsightStatusPending,
	InsightStatusValidated,
	InsightStatusApplyFailed,
}

// Annotation origin constants.
const (
	AnnotationOriginAutomatic = "automatic"
	AnnotationOriginManual    = "manual"
)

// Decision reason constants.
const (
	ReasonManual        = "manual"
	ReasonAutoPolicy    = "auto_policy"
	ReasonPolicyReject  = "policy_reject"
	ReasonSuperseded    = "superseded"
	ReasonApplyRejected = "apply_rejected"
)

// Insight is a proposed factual update to a product record.
// Identity, kind, value, confidence and source never change after creation;
// everything else is written only through the state machine.
type Insight struct {
	ID             uuid.UUID      `json:"id"`
	TargetID       string         `json:"target_id"`
	Kind           InsightKind    `json:"kind"`
	Value          string         `json:"value"`
	ValueTag       string         `json:"value_tag"`
	Data           map[string]any `json:"data,omitempty"`
	Confidence     float64        `json:"confidence"`
	SourceIdentity string         `json:"source_identity"`

	Status           InsightStatus `json:"status"`
	AnnotationOrigin string        `json:"annotation_origin,omitempty"`
	Annotator        string        `json:"annotator,omitempty"`
	Reason           string        `json:"reason,omitempty"`

	RetryCount    int        `json:"retry_count"`
	LastError     string     `json:"last_error,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	Stuck         bool       `json:"stuck"`

	Revision  int64      `json:"revision"`
	CreatedAt time.Time  `json:"created_at"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
	AppliedAt *time.Time `json:"applied_at,omitempty"`
}

// Clone returns a copy that does not share pointer fields with i.
func (i *Insight) Clone() *Insight {
	c := *i
	if i.Data != nil {
		c.Data = make(map[string]any, len(i.Data))
		for k, v := range i.Data {
			c.Data[k] = v
		}
	}
	c.NextAttemptAt = cloneTime(i.NextAttemptAt)
	c.DecidedAt = cloneTime(i.DecidedAt)
	c.AppliedAt = cloneTime(i.AppliedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Candidate is a raw insight proposal submitted for ingestion.
type Candidate struct {
	TargetID       string         `json:"target_id"`
	Kind           InsightKind    `json:"kind"`
	Value          string         `json:"value"`
	Data           map[string]any `json:"data,omitempty"`
	Confidence     float64        `json:"confidence"`
	SourceIdentity string         `json:"source_identity"`
}

// UnmarshalJSON accepts a value given as a bare number or boolean and a
// confidence given as a numeric string. A missing or null confidence is an
// error: a candidate without a score must not be read as a score of 0.
func (c *Candidate) UnmarshalJSON(data []byte) error {
	type plain Candidate
	var raw struct {
		plain
		Value      json.RawMessage `json:"value"`
		Confidence json.RawMessage `json:"confidence"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	value, err := jsonutil.FlexibleString(raw.Value)
	if err != nil {
		return fmt.Errorf("value: %w", err)
	}
	if jsonutil.IsNull(raw.Confidence) {
		return fmt.Errorf("confidence is required")
	}
	confidence, err := jsonutil.FlexibleFloat(raw.Confidence)
	if err != nil {
		return fmt.Errorf("confidence: %w", err)
	}

	*c = Candidate(raw.plain)
	c.Value = value
	c.Confidence = confidence
	return nil
}

// IngestOutcome is the per-candidate result of a batch ingestion.
type IngestOutcome string

// Ingest outcome constants.
const (
	IngestOutcomeAdmitted   IngestOutcome = "admitted"
	IngestOutcomeDuplicate  IngestOutcome = "duplicate"
	IngestOutcomeSuperseded IngestOutcome = "superseded"
	IngestOutcomeMalformed  IngestOutcome = "malformed"
)

// IngestResult reports what happened to one candidate of a batch.
type IngestResult struct {
	Index       int           `json:"index"`
	Outcome     IngestOutcome `json:"outcome"`
	InsightID   *uuid.UUID    `json:"insight_id,omitempty"`
	DuplicateOf *uuid.UUID    `json:"duplicate_of,omitempty"`
	Superseded  []uuid.UUID   `json:"superseded,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// InsightOrder selects the sort key of a query.
type InsightOrder string

// Query orderings. Both break ties on id.
const (
	OrderByCreatedAt InsightOrder = "created_at"
	OrderByDecidedAt InsightOrder = "decided_at"
)

// InsightFilter narrows an insight query. Zero values mean "any".
type InsightFilter struct {
	TargetID string
	Kind     InsightKind
	Statuses []InsightStatus
	Stuck    *bool
	// DueBefore keeps only insights with no next_attempt_at or one at or
	// before this time.
	DueBefore *time.Time
	OrderBy   InsightOrder
}

// InsightCursor is a keyset pagination position: the sort key and id of the
// last row already returned.
type InsightCursor struct {
	At time.Time `json:"at"`
	ID uuid.UUID `json:"id"`
}

// Matches reports whether i satisfies the filter.
func (f InsightFilter) Matches(i *Insight) bool {
	if f.TargetID != "" && i.TargetID != f.TargetID {
		return false
	}
	if f.Kind != "" && i.Kind != f.Kind {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if i.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Stuck != nil && i.Stuck != *f.Stuck {
		return false
	}
	if f.DueBefore != nil && i.NextAttemptAt != nil && i.NextAttemptAt.After(*f.DueBefore) {
		return false
	}
	if f.OrderBy == OrderByDecidedAt && i.DecidedAt == nil {
		return false
	}
	return true
}

// SortKey returns the time the filter orders by for i.
func (f InsightFilter) SortKey(i *Insight) time.Time {
	if f.OrderBy == OrderByDecidedAt && i.DecidedAt != nil {
		return *i.DecidedAt
	}
	return i.CreatedAt
}

// CursorFor returns the cursor positioned just after i.
func (f InsightFilter) CursorFor(i *Insight) *InsightCursor {
	return &InsightCursor{At: f.SortKey(i), ID: i.ID}
}
