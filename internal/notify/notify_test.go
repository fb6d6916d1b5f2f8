package notify

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/jordan-wright/email"
	"github.com/lead-router/internal/circuitbreaker"
	"github.com/lead-router/internal/config"
	"github.com/lead-router/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLead() *models.Lead {
	return &models.Lead{
		ID:          "LD-260101-7K3QMX",
		Name:        "Dana Cruz",
		Phone:       "5551234567",
		Email:       "dana@example.com",
		Zip:         "10001",
		ProjectType: "Roofing",
		Timeframe:   "ASAP",
	}
}

func TestTeaserMessage_HidesContactDetails(t *testing.T) {
	msg, err := TeaserMessage("pro@example.com", testLead(), "https://pay.example.com/lead?client_reference_id=LD-260101-7K3QMX")
	require.NoError(t, err)

	assert.Equal(t, "pro@example.com", msg.To)
	assert.Contains(t, msg.Text, "client_reference_id=LD-260101-7K3QMX")
	assert.Contains(t, msg.Text, "Roofing")
	assert.NotContains(t, msg.Text, "5551234567")
	assert.NotContains(t, msg.Text, "dana@example.com")
	assert.NotContains(t, msg.Text, "Dana Cruz")
}

func TestFullLeadMessage_IncludesContactDetails(t *testing.T) {
	msg, err := FullLeadMessage("pro@example.com", testLead())
	require.NoError(t, err)

	assert.Contains(t, msg.Text, "5551234567")
	assert.Contains(t, msg.Text, "dana@example.com")
	assert.Contains(t, msg.Subject, "10001")
}

func TestPurchasedLeadMessage(t *testing.T) {
	lead := testLead()
	lead.Name = ""
	msg, err := PurchasedLeadMessage("buyer@example.com", lead)
	require.NoError(t, err)

	assert.Contains(t, msg.Text, "(not given)")
	assert.Contains(t, msg.Text, "5551234567")
}

func TestAlertMessage_SortedFields(t *testing.T) {
	msg := AlertMessage("ops@example.com", "unclassifiable_payment", "payment matched nothing",
		map[string]interface{}{"paymentId": "pay_1", "amount": "123.00"})

	assert.Equal(t, "[lead-router alert] unclassifiable_payment", msg.Subject)
	assert.Less(t, strings.Index(msg.Text, "amount"), strings.Index(msg.Text, "paymentId"))
}

func TestSMTPSender_Send(t *testing.T) {
	s := NewSMTPSender(&config.EmailConfig{Host: "smtp.example.com", Port: "587", From: "leads@example.com", Timeout: time.Second})

	var got *email.Email
	s.send = func(addr string, auth smtp.Auth, e *email.Email) error {
		assert.Equal(t, "smtp.example.com:587", addr)
		got = e
		return nil
	}

	require.NoError(t, s.Send(context.Background(), Message{To: "a@example.com", Subject: "hi", Text: "body"}))
	require.NotNil(t, got)
	assert.Equal(t, "leads@example.com", got.From)
	assert.Equal(t, []string{"a@example.com"}, got.To)
	assert.Equal(t, "body", string(got.Text))
}

func TestSMTPSender_Timeout(t *testing.T) {
	s := NewSMTPSender(&config.EmailConfig{Host: "smtp.example.com", Port: "587", Timeout: 20 * time.Millisecond})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	s.send = func(string, smtp.Auth, *email.Email) error {
		<-release
		return nil
	}

	err := s.Send(context.Background(), Message{To: "a@example.com"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type failingSender struct{ calls int }

func (f *failingSender) Send(context.Context, Message) error {
	f.calls++
	return errors.New("relay down")
}

func TestBreakerSender_FailsFastWhenOpen(t *testing.T) {
	inner := &failingSender{}
	cfg := circuitbreaker.DefaultConfig("smtp")
	cfg.MaxConsecutive = 2
	s := NewBreakerSender(inner, circuitbreaker.NewCircuitBreaker(cfg))

	for i := 0; i < 2; i++ {
		assert.Error(t, s.Send(context.Background(), Message{}))
	}
	assert.ErrorIs(t, s.Send(context.Background(), Message{}), circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, 2, inner.calls)
}

func TestNewSender_LogsWithoutRelay(t *testing.T) {
	s := NewSender(&config.EmailConfig{})
	_, ok := s.(LogSender)
	assert.True(t, ok)
	assert.NoError(t, s.Send(context.Background(), Message{To: "a@example.com"}))
}
