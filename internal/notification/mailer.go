package notification

import (
	"context"
	"errors"
	"fmt"

	"github.com/wneessen/go-mail"

	"delivery-guard/internal/config"
	"delivery-guard/internal/util"
)

type Email struct {
	To      []string
	Subject string
	Body    string
}

type Mailer interface {
	Send(ctx context.Context, msg Email) error
}

type SMTPMailer struct {
	client *mail.Client
	from   string
}

func NewSMTPMailer(cfg config.MailConfig) (*SMTPMailer, error) {
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTLSPortPolicy(mail.TLSOpportunistic),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password))
	}

	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create SMTP client: %w", err)
	}

	util.Info("SMTP mailer initialized", util.String("host", cfg.Host), util.Int("port", cfg.Port))
	return &SMTPMailer{client: client, from: cfg.From}, nil
}

func (m *SMTPMailer) Send(ctx context.Context, email Email) error {
	msg := mail.NewMsg()
	if err := msg.From(m.from); err != nil {
		return fmt.Errorf("invalid sender address: %w", err)
	}
	if err := msg.To(email.To...); err != nil {
		return fmt.Errorf("invalid recipient address: %w", err)
	}
	msg.Subject(email.Subject)
	msg.SetBodyString(mail.TypeTextPlain, email.Body)

	if err := m.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("failed to send mail: %w", err)
	}
	return nil
}

var ErrMailDisabled = errors.New("smtp disabled, message not delivered")

// LogMailer writes the message summary to the log instead of sending it.
// Send always fails so callers count the message as undelivered.
type LogMailer struct{}

func (LogMailer) Send(_ context.Context, email Email) error {
	util.Warn("Mail dispatch skipped, SMTP disabled",
		util.Any("to", email.To),
		util.String("subject", email.Subject))
	return ErrMailDisabled
}
