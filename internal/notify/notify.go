// Package notify is the notification port behind the send_notification
// action handler: a named channel abstraction over whatever transport
// actually delivers the message.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/resend/resend-go/v2"
)

// Message is a channel-agnostic notification payload.
type Message struct {
	Channel string `json:"channel"` // e.g. "email"
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Sender delivers a Message or returns an error the action handler will
// classify into the Outcome taxonomy.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender logs notifications instead of sending them — used in ENV=local
// and in tests.
type LogSender struct {
	Logger *slog.Logger
}

func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.Logger.Info("notification (local dev)", "channel", msg.Channel, "to", msg.To, "subject", msg.Subject)
	return nil
}

// ResendSender delivers email-channel notifications via the Resend API.
type ResendSender struct {
	client *resend.Client
	from   string
}

func (s *ResendSender) Send(ctx context.Context, msg Message) error {
	if msg.Channel != "" && msg.Channel != "email" {
		return fmt.Errorf("resend sender does not support channel %q", msg.Channel)
	}
	params := &resend.SendEmailRequest{
		From:    s.from,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Html:    msg.Body,
	}
	_, err := s.client.Emails.SendWithContext(ctx, params)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	return nil
}

// NewSender returns a LogSender for ENV=local, ResendSender otherwise.
func NewSender(env, apiKey, from string, logger *slog.Logger) Sender {
	if env == "local" {
		return &LogSender{Logger: logger}
	}
	return &ResendSender{
		client: resend.NewClient(apiKey),
		from:   from,
	}
}
