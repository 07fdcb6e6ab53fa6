// Package notify delivers tier notifications over email and SMS.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/willibrandon/hostwatch/internal/alerts"
	"github.com/willibrandon/hostwatch/internal/config"
	"github.com/willibrandon/hostwatch/internal/logger"
)

var emailBody = template.Must(template.New("email").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: sans-serif;">
<h2>{{.Subject}}</h2>
<p>{{.Message}}</p>
<table cellpadding="4">
<tr><td><b>Rule</b></td><td>{{.Rule}}</td></tr>
<tr><td><b>Host</b></td><td>{{.Host}}</td></tr>
<tr><td><b>Severity</b></td><td>{{.Severity}}</td></tr>
<tr><td><b>Value</b></td><td>{{.Value}}</td></tr>
<tr><td><b>Threshold</b></td><td>{{.Threshold}}</td></tr>
<tr><td><b>Triggered</b></td><td>{{.TriggeredAt}}</td></tr>
<tr><td><b>Event</b></td><td>{{.EventID}}</td></tr>
</table>
</body>
</html>
`))

type emailData struct {
	Subject     string
	Message     string
	Rule        string
	Host        string
	Severity    string
	Value       string
	Threshold   string
	TriggeredAt string
	EventID     string
}

// EmailSender sends the email tier through an SMTP relay.
type EmailSender struct {
	from string
	send func(ctx context.Context, msg *mail.Msg) error
}

// NewEmailSender creates a sender for the configured relay.
func NewEmailSender(cfg config.EmailConfig) (*EmailSender, error) {
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTLSPolicy(tlsPolicy(cfg.TLSPolicy)),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, mail.WithTimeout(cfg.Timeout))
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}

	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create smtp client: %w", err)
	}

	return &EmailSender{
		from: cfg.From,
		send: func(ctx context.Context, msg *mail.Msg) error {
			return client.DialAndSendWithContext(ctx, msg)
		},
	}, nil
}

// Notify implements alerts.Notifier. One message goes to all recipients.
func (s *EmailSender) Notify(ctx context.Context, n *alerts.Notification) error {
	msg, err := s.build(n)
	if err != nil {
		return err
	}
	if err := s.send(ctx, msg); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}

	logger.Debug("email sent", "event", n.Event.ID, "recipients", len(n.Recipients))
	return nil
}

func (s *EmailSender) build(n *alerts.Notification) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(s.from); err != nil {
		return nil, fmt.Errorf("invalid from address %q: %w", s.from, err)
	}
	if err := msg.To(n.Recipients...); err != nil {
		return nil, fmt.Errorf("invalid recipients: %w", err)
	}
	msg.Subject(n.Subject)

	var body bytes.Buffer
	err := emailBody.Execute(&body, emailData{
		Subject:     n.Subject,
		Message:     n.Message,
		Rule:        n.Rule.Name,
		Host:        n.Event.Host,
		Severity:    string(n.Rule.Severity),
		Value:       fmt.Sprintf("%.2f", n.Value),
		Threshold:   fmt.Sprintf("%.2f", n.Threshold),
		TriggeredAt: n.Event.TriggeredAt.UTC().Format(time.RFC1123),
		EventID:     n.Event.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("render email body: %w", err)
	}
	msg.SetBodyString(mail.TypeTextHTML, body.String())
	msg.AddAlternativeString(mail.TypeTextPlain, n.Message)

	return msg, nil
}

func tlsPolicy(name string) mail.TLSPolicy {
	switch name {
	case "mandatory":
		return mail.TLSMandatory
	case "none":
		return mail.NoTLS
	default:
		return mail.TLSOpportunistic
	}
}
