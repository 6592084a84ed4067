package notify

import (
	"context"

	"github.com/rs/zerolog"

	"whatsapp-ai-platform/internal/domain/ports/adapter"
)

var _ adapter.Notifier = (*LogNotifier)(nil)

// LogNotifier writes alerts to the log. Used when no broker is configured.
type LogNotifier struct {
	logger *zerolog.Logger
}

func NewLogNotifier(logger *zerolog.Logger) *LogNotifier {
	l := logger.With().Str("component", "log_notifier").Logger()
	return &LogNotifier{logger: &l}
}

func (n *LogNotifier) SendUsageAlert(ctx context.Context, email string, percent int, resource string) error {
	n.logger.Warn().Str("email", email).Int("percent", percent).Str("resource", resource).Msg("usage alert")
	return nil
}
