// Package lognotifier records backup requests in the log instead of
// publishing them, for local runs without cloud credentials.
package lognotifier

import (
	"context"

	"go.uber.org/zap"
)

// Notifier logs each backup request.
type Notifier struct {
	logger *zap.Logger
}

// New creates a Notifier.
func New(logger *zap.Logger) *Notifier {
	return &Notifier{logger: logger}
}

// Notify logs the backup request and succeeds.
func (n *Notifier) Notify(_ context.Context, site, operation, outputRef string) error {
	n.logger.Info("backup requested",
		zap.String("site", site),
		zap.String("operation", operation),
		zap.String("output_ref", outputRef),
	)
	return nil
}
