package service

import (
	"context"
	"sync"
	"time"

	"github.com/lead-router/internal/logging"
	"github.com/lead-router/internal/metrics"
	"github.com/lead-router/internal/notify"
)

// Alert kinds raised to operators
const (
	AlertUnclassifiablePayment  = "unclassifiable_payment"
	AlertLeadNotFound           = "lead_not_found"
	AlertPaymentRejected        = "payment_rejected"
	AlertPurchaseDeliveryFailed = "purchase_delivery_failed"
	AlertLedgerMismatch         = "ledger_mismatch"
	AlertLeadChargeFailed       = "lead_charge_failed"
)

// alertSendTimeout bounds the best-effort ops email
const alertSendTimeout = 10 * time.Second

// Alerter raises operator-visible alerts for money-touching failures
type Alerter struct {
	sender  notify.Sender
	opsTo   string
	pending sync.WaitGroup
}

// NewAlerter creates an alerter. With an empty ops address alerts only go to logs and metrics.
func NewAlerter(sender notify.Sender, opsTo string) *Alerter {
	return &Alerter{sender: sender, opsTo: opsTo}
}

// Alert logs the alert, counts it and emails operators in the background
func (a *Alerter) Alert(ctx context.Context, kind, message string, fields map[string]interface{}) {
	logging.FromContext(ctx).WithFields(fields).Alert(kind, message)
	metrics.Alerts.WithLabelValues(kind).Inc()

	if a == nil || a.sender == nil || a.opsTo == "" {
		return
	}

	msg := notify.AlertMessage(a.opsTo, kind, message, fields)
	logger := logging.FromContext(ctx)
	a.pending.Add(1)
	go func() {
		defer a.pending.Done()
		sendCtx, cancel := context.WithTimeout(context.Background(), alertSendTimeout)
		defer cancel()
		if err := a.sender.Send(sendCtx, msg); err != nil {
			logger.WithError(err).WithField("alertKind", kind).Warn("Failed to email alert")
		}
	}()
}

// Wait blocks until in-flight alert emails finish
func (a *Alerter) Wait() {
	a.pending.Wait()
}
