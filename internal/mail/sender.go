package mail

import (
	"context"
	"net/url"

	"unionhall/internal/observability"
)

// Sender delivers a single message. Delivery guarantees belong to the
// implementation; callers only hand over recipient and content.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// LogSender writes outgoing mail to the structured log instead of delivering
// it. It is the default when no SMTP relay is configured, and what tests use.
type LogSender struct {
	logger *observability.Logger
}

func NewLogSender(logger *observability.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, to, subject, body string) error {
	s.logger.Info("mail_send", map[string]any{
		"to":      to,
		"subject": subject,
		"body":    body,
	})
	return nil
}

// VerificationLink builds the link embedded in an email-verification message.
func VerificationLink(baseURL, token string) string {
	return actionLink(baseURL, "/auth/verify-email", token)
}

// ResetLink builds the link embedded in a password-reset message.
func ResetLink(baseURL, token string) string {
	return actionLink(baseURL, "/auth/reset-password", token)
}

func actionLink(baseURL, path, token string) string {
	return baseURL + path + "?token=" + url.QueryEscape(token)
}
