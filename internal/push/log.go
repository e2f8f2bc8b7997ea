// ABOUTME: Sender that writes pushes to the log instead of delivering them
// ABOUTME: Default provider for development coordinators

package push

import (
	"context"
	"log/slog"
)

// LogSender logs every message at info level.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a LogSender. Pass nil logger for default.
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger.With("component", "push")}
}

// Send implements Sender.
func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.logger.Info("push",
		"token", redact(msg.Token),
		"category", msg.Category,
		"title", msg.Title,
		"data", msg.Data)
	return nil
}

func redact(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}
