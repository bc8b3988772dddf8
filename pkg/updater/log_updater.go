package updater

import (
	"context"

	"go.uber.org/zap"
)

// LogUpdater logs updates instead of sending them. It is selected when no
// upstream URL is configured.
type LogUpdater struct {
	logger *zap.Logger
}

// NewLogUpdater creates a LogUpdater.
func NewLogUpdater(logger *zap.Logger) *LogUpdater {
	return &LogUpdater{logger: logger.Named("dry-run-updater")}
}

var _ Updater = (*LogUpdater)(nil)

func (u *LogUpdater) Apply(_ context.Context, req UpdateRequest) error {
	u.logger.Info("Dry run: update not sent",
		zap.String("insight_id", req.InsightID.String()),
		zap.String("target_id", req.TargetID),
		zap.String("kind", string(req.Kind)),
		zap.String("value", req.Value),
		zap.String("token", req.IdempotencyToken))
	return nil
}
