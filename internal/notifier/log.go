package notifier

import (
	"context"

	"github.com/rs/zerolog"
)

// LogSender writes messages to the log. Used when no bot token is configured.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger *zerolog.Logger) *LogSender {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "log_sender").Logger()
	}
	return &LogSender{logger: l}
}

func (s *LogSender) Send(_ context.Context, chatID int64, text string) error {
	s.logger.Info().Int64("chat_id", chatID).Str("text", text).Msg("notification")
	return nil
}
