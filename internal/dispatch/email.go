package dispatch

import (
	"context"
	"fmt"
	"html"

	"github.com/resend/resend-go/v2"

	"github.com/aftionix/jobboard-realtime/notify"
)

// EmailService delivers notifications to offline recipients via Resend.
type EmailService struct {
	client    *resend.Client
	fromEmail string
}

// NewEmailService creates an email fallback driver. An empty apiKey yields a
// nil service so callers can wire the fallback conditionally.
func NewEmailService(apiKey, fromEmail string) *EmailService {
	if apiKey == "" {
		return nil
	}
	if fromEmail == "" {
		fromEmail = "notifications@aftionix.in"
	}
	return &EmailService{
		client:    resend.NewClient(apiKey),
		fromEmail: fromEmail,
	}
}

// SendNotificationEmail renders the notification as a short transactional
// email. Only called for recipients with no live connection.
func (s *EmailService) SendNotificationEmail(ctx context.Context, to string, n *notify.Notification) error {
	params := &resend.SendEmailRequest{
		From:    s.fromEmail,
		To:      []string{to},
		Subject: n.Title,
		Html:    notificationEmailHTML(n),
	}

	if _, err := s.client.Emails.SendWithContext(ctx, params); err != nil {
		return fmt.Errorf("send notification email: %w", err)
	}
	return nil
}

func notificationEmailHTML(n *notify.Notification) string {
	return fmt.Sprintf(`<div style="font-family:sans-serif;max-width:600px">
<h2>%s</h2>
<p>%s</p>
<p style="color:#888;font-size:12px">You received this because you were offline when the notification arrived.
Sign in to aftionix.in to manage your notification preferences.</p>
</div>`, html.EscapeString(n.Title), html.EscapeString(n.Message))
}
