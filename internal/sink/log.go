package sink

import (
	"context"

	"github.com/rs/zerolog"
)

// LogSink writes reports to the log. Used when no thread provider is
// configured, and as the reaper's idle notifier.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (l *LogSink) Post(_ context.Context, body string) error {
	l.logger.Info().Str("body", body).Msg("report")
	return nil
}
