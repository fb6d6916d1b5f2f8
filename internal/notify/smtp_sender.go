package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"time"

	"github.com/jordan-wright/email"
	"github.com/lead-router/internal/config"
)

// SMTPSender sends mail through an SMTP relay
type SMTPSender struct {
	addr    string
	auth    smtp.Auth
	from    string
	timeout time.Duration
	send    func(addr string, auth smtp.Auth, e *email.Email) error
}

// NewSMTPSender creates a sender for the configured relay
func NewSMTPSender(cfg *config.EmailConfig) *SMTPSender {
	var auth smtp.Auth
	if cfg.User != "" {
		auth = smtp.PlainAuth("", cfg.User, cfg.Password, cfg.Host)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SMTPSender{
		addr:    fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		auth:    auth,
		from:    cfg.From,
		timeout: timeout,
		send: func(addr string, auth smtp.Auth, e *email.Email) error {
			return e.Send(addr, auth)
		},
	}
}

// Send delivers the message. The SMTP client has no context support, so the wait is
// bounded by ctx and the sender timeout; an abandoned send finishes in the background.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	e := email.NewEmail()
	e.From = s.from
	e.To = []string{msg.To}
	e.Subject = msg.Subject
	e.Text = []byte(msg.Text)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.send(s.addr, s.auth, e)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send to %s: %w", msg.To, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("smtp send to %s: %w", msg.To, ctx.Err())
	}
}

// NewSender builds the configured sender: SMTP when a relay host is set, otherwise the log sender
func NewSender(cfg *config.EmailConfig) Sender {
	if cfg.Host == "" {
		return LogSender{}
	}
	return NewSMTPSender(cfg)
}
