package notify

import (
	"context"

	"github.com/hugo-lorenzo-mato/reqflow/internal/logging"
)

// LogNotifier writes notifications to the log. It never fails.
type LogNotifier struct {
	logger *logging.Logger
}

// NewLogNotifier creates a notifier that logs at info level.
func NewLogNotifier(logger *logging.Logger) *LogNotifier {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Notify logs the message.
func (n *LogNotifier) Notify(_ context.Context, channel string, recipients []string, message string) error {
	n.logger.Info("notification", "channel", channel, "recipients", recipients, "message", message)
	return nil
}
