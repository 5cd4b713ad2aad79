// Package mail abstracts outbound mail so password reset and invitation
// links can be delivered without binding the services to a provider.
package mail

import (
	"context"

	"github.com/google/uuid"

	"github.com/spaceport-hq/spaceport/pkg/observability"
)

// Sender delivers a single message and returns a provider message id.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) (string, error)
}

// LogSender writes messages to the log instead of delivering them. It is the
// default in development and in environments without a mail provider.
type LogSender struct {
	logger *observability.Logger
}

// NewLogSender creates a log-backed sender.
func NewLogSender(logger *observability.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send logs the message and fabricates a message id.
func (s *LogSender) Send(ctx context.Context, to, subject, body string) (string, error) {
	messageID := uuid.NewString()
	s.logger.Info("outbound mail",
		"message_id", messageID,
		"to", to,
		"subject", subject,
		"body", body,
	)
	return messageID, nil
}
