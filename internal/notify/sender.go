// Package notify delivers lead and operator emails.
package notify

import (
	"context"

	"github.com/lead-router/internal/circuitbreaker"
	"github.com/lead-router/internal/logging"
)

// Message is one outbound email
type Message struct {
	To      string
	Subject string
	Text    string
}

// Sender delivers a message or returns an error
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender writes messages to the log instead of sending them. It is used when no
// SMTP relay is configured.
type LogSender struct{}

// Send logs the message
func (LogSender) Send(ctx context.Context, msg Message) error {
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"to":      msg.To,
		"subject": msg.Subject,
		"bytes":   len(msg.Text),
	}).Info("Email not sent: no SMTP relay configured")
	return nil
}

// BreakerSender guards a sender with a circuit breaker so a dead relay fails fast
type BreakerSender struct {
	next    Sender
	breaker *circuitbreaker.CircuitBreaker
}

// NewBreakerSender wraps next with the given breaker
func NewBreakerSender(next Sender, breaker *circuitbreaker.CircuitBreaker) *BreakerSender {
	return &BreakerSender{next: next, breaker: breaker}
}

// Send delivers through the breaker
func (b *BreakerSender) Send(ctx context.Context, msg Message) error {
	return b.breaker.Execute(ctx, func(ctx context.Context) error {
		return b.next.Send(ctx, msg)
	})
}
