// Package updater applies validated insights to the external system of record.
package updater

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-insights/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-insights/pkg/models"
)

// tokenNamespace scopes idempotency tokens to this service.
var tokenNamespace = uuid.MustParse("6f1c9a52-3e0b-5d4f-9a7e-2b8c4d1e0f36")

// IdempotencyToken derives the token sent with every update of an insight.
// It depends only on the insight id, so a retried or duplicated call carries
// the same token.
func IdempotencyToken(insightID uuid.UUID) string {
	return uuid.NewSHA1(tokenNamespace, insightID[:]).String()
}

// UpdateRequest is one application of an insight to a product record.
type UpdateRequest struct {
	InsightID        uuid.UUID          `json:"insight_id"`
	TargetID         string             `json:"target_id"`
	Kind             models.InsightKind `json:"kind"`
	Value            string             `json:"value"`
	IdempotencyToken string             `json:"-"`
}

// NewUpdateRequest builds the request for insight.
func NewUpdateRequest(insight *models.Insight) UpdateRequest {
	return UpdateRequest{
		InsightID:        insight.ID,
		TargetID:         insight.TargetID,
		Kind:             insight.Kind,
		Value:            insight.Value,
		IdempotencyToken: IdempotencyToken(insight.ID),
	}
}

// Updater applies an update to the system of record. It must be safe to
// call more than once with the same IdempotencyToken. A nil error means the
// update is applied; failures wrap apperrors.ErrRetryableApply or
// apperrors.ErrNonRetryableApply.
type Updater interface {
	Apply(ctx context.Context, req UpdateRequest) error
}

// Outcome classifies the error returned by an Updater.
type Outcome string

const (
	OutcomeApplied      Outcome = "applied"
	OutcomeRetryable    Outcome = "retryable"
	OutcomeNonRetryable Outcome = "non_retryable"
)

// Classify maps an Apply error to its outcome. Only an explicit
// apperrors.ErrNonRetryableApply rejects the insight; anything else is
// retried, up to the worker pool's bound.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeApplied
	case errors.Is(err, apperrors.ErrNonRetryableApply):
		return OutcomeNonRetryable
	default:
		return OutcomeRetryable
	}
}

// Retryable marks err as a transient failure.
func Retryable(err error) error {
	return fmt.Errorf("%w: %w", apperrors.ErrRetryableApply, err)
}

// NonRetryable marks err as a permanent rejection of the update.
func NonRetryable(err error) error {
	return fmt.Errorf("%w: %w", apperrors.ErrNonRetryableApply, err)
}
