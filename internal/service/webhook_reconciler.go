package service

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/lead-router/internal/errors"
	"github.com/lead-router/internal/logging"
	"github.com/lead-router/internal/metrics"
	"github.com/lead-router/internal/models"
	"github.com/lead-router/internal/storage"
	"github.com/lead-router/internal/types"
)

// PaymentEvent is a normalized payment gateway event
type PaymentEvent struct {
	PaymentID        string            `json:"paymentId"`
	Status           string            `json:"status"`
	Mode             string            `json:"mode"`
	AmountCents      int64             `json:"amountCents"`
	Currency         string            `json:"currency"`
	CorrelationToken string            `json:"correlationToken"`
	BuyerEmail       string            `json:"buyerEmail"`
	CompanyName      string            `json:"companyName"`
	Metadata         map[string]string `json:"metadata"`
}

// Reconcile outcomes reported to the gateway
const (
	OutcomeProcessed = "processed"
	OutcomeRejected  = "rejected"
)

// Rejection reasons recorded in the purchase log
const (
	RejectStatusNotComplete = "status_not_complete"
	RejectUnsupportedMode   = "unsupported_mode"
	RejectNonPositiveAmount = "non_positive_amount"
	RejectMissingToken      = "missing_correlation_token"
	RejectMissingPaymentID  = "missing_payment_id"
	RejectUnclassifiable    = "unclassifiable"
	RejectMissingBuyer      = "missing_buyer_email"
	RejectInvalidBuyer      = "invalid_buyer_email"
)

// completeStatuses are the gateway statuses that mean money was captured
var completeStatuses = map[string]bool{
	"complete":  true,
	"paid":      true,
	"succeeded": true,
}

// oneTimeMode is the only checkout mode that carries a one-time charge
const oneTimeMode = "payment"

// ReconcileResult is the outcome of one payment event. Reason is safe to show to the
// caller; Detail is for logs and tests.
type ReconcileResult struct {
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	Duplicate  bool   `json:"duplicate,omitempty"`
	Product    string `json:"-"`
	Detail     string `json:"-"`
	LeadID     string `json:"-"`
	ProviderID string `json:"-"`
}

// WebhookReconciler applies verified payment events exactly once
type WebhookReconciler struct {
	guard      *IdempotencyGuard
	prices     *PriceTable
	ledger     *CreditLedger
	providers  ProviderRepository
	accounts   *ProviderService
	dispatcher *LeadDispatcher
	alerter    *Alerter
	renewal    time.Duration
}

// NewWebhookReconciler creates a new webhook reconciler
func NewWebhookReconciler(
	guard *IdempotencyGuard,
	prices *PriceTable,
	ledger *CreditLedger,
	providers ProviderRepository,
	accounts *ProviderService,
	dispatcher *LeadDispatcher,
	alerter *Alerter,
	renewal time.Duration,
) *WebhookReconciler {
	return &WebhookReconciler{
		guard:      guard,
		prices:     prices,
		ledger:     ledger,
		providers:  providers,
		accounts:   accounts,
		dispatcher: dispatcher,
		alerter:    alerter,
		renewal:    renewal,
	}
}

// Reconcile runs an event through Received, Validated, Classified, Applied and Logged.
// Every event is logged as Attempted before anything else happens. A rejected event
// ends in a Rejected:<reason> entry. A processed payment is a no-op on replay.
// Storage errors are returned so the gateway retries; delivery problems never are.
func (r *WebhookReconciler) Reconcile(ctx context.Context, ev *PaymentEvent) (*ReconcileResult, error) {
	start := time.Now()
	defer func() {
		metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
	}()

	ev.PaymentID = strings.TrimSpace(ev.PaymentID)
	ev.CorrelationToken = strings.TrimSpace(ev.CorrelationToken)

	ctx = logging.WithLogger(ctx, logging.FromContext(ctx).WithField("paymentId", ev.PaymentID))
	logger := logging.FromContext(ctx)

	entry := models.PurchaseLogEntry{
		PaymentID:        ev.PaymentID,
		AmountCents:      ev.AmountCents,
		Currency:         strings.ToLower(ev.Currency),
		CorrelationToken: ev.CorrelationToken,
		BuyerEmail:       models.NormalizeEmail(ev.BuyerEmail),
	}

	// Received
	if err := r.guard.RecordAttempt(ctx, entry); err != nil {
		return nil, err
	}

	// Validated
	if reason := validateEvent(ev); reason != "" {
		if reason != RejectStatusNotComplete && reason != RejectUnsupportedMode {
			r.alerter.Alert(ctx, AlertPaymentRejected, "Payment event failed validation", map[string]interface{}{
				"paymentId": ev.PaymentID,
				"reason":    reason,
			})
		}
		return r.reject(ctx, entry, reason, "event not applicable")
	}

	if res, done, err := r.checkProcessed(ctx, ev.PaymentID); done || err != nil {
		return res, err
	}

	release, err := r.guard.Lock(ctx, ev.PaymentID)
	if err != nil {
		return nil, err
	}
	defer release()

	// another delivery may have finished while we waited
	if res, done, err := r.checkProcessed(ctx, ev.PaymentID); done || err != nil {
		return res, err
	}

	// Classified
	amount := ToMajorUnits(ev.AmountCents)
	product := r.prices.Classify(amount, ev.Metadata)
	if product == nil {
		unclassifiable := errors.NewUnclassifiablePaymentError(ev.PaymentID, amount.StringFixed(2))
		r.alerter.Alert(ctx, AlertUnclassifiablePayment, unclassifiable.Message, map[string]interface{}{
			"paymentId":        ev.PaymentID,
			"amount":           amount.StringFixed(2),
			"currency":         entry.Currency,
			"correlationToken": ev.CorrelationToken,
			"buyerEmail":       entry.BuyerEmail,
		})
		return r.reject(ctx, entry, RejectUnclassifiable, "payment could not be matched to a product")
	}
	entry.Product = product.ID
	logger.WithFields(map[string]interface{}{
		"product": product.ID,
		"amount":  amount.StringFixed(2),
	}).Info("Payment classified")

	// Applied, then Logged
	if product.Kind == types.ProductSingleLead {
		return r.applyLeadPurchase(ctx, ev, entry)
	}
	return r.applyCredits(ctx, ev, entry, product)
}

func validateEvent(ev *PaymentEvent) string {
	switch {
	case !completeStatuses[strings.ToLower(ev.Status)]:
		return RejectStatusNotComplete
	case strings.ToLower(ev.Mode) != oneTimeMode:
		return RejectUnsupportedMode
	case ev.AmountCents <= 0:
		return RejectNonPositiveAmount
	case ev.CorrelationToken == "":
		return RejectMissingToken
	case ev.PaymentID == "":
		return RejectMissingPaymentID
	}
	return ""
}

func (r *WebhookReconciler) checkProcessed(ctx context.Context, paymentID string) (*ReconcileResult, bool, error) {
	processed, err := r.guard.IsProcessed(ctx, paymentID)
	if err != nil {
		return nil, true, err
	}
	if !processed {
		return nil, false, nil
	}
	logging.FromContext(ctx).Info("Payment already processed, ignoring replay")
	metrics.WebhookEvents.WithLabelValues("duplicate").Inc()
	return &ReconcileResult{Status: OutcomeProcessed, Duplicate: true, Detail: "already processed"}, true, nil
}

func (r *WebhookReconciler) reject(ctx context.Context, entry models.PurchaseLogEntry, reason, callerReason string) (*ReconcileResult, error) {
	logging.FromContext(ctx).WithField("reason", reason).Warn("Payment event rejected")
	metrics.WebhookEvents.WithLabelValues("rejected").Inc()

	if err := r.guard.RecordRejection(ctx, entry, reason); err != nil {
		return nil, err
	}
	return &ReconcileResult{Status: OutcomeRejected, Reason: callerReason, Detail: reason}, nil
}

func (r *WebhookReconciler) applyLeadPurchase(ctx context.Context, ev *PaymentEvent, entry models.PurchaseLogEntry) (*ReconcileResult, error) {
	logger := logging.FromContext(ctx)
	result := &ReconcileResult{Status: OutcomeProcessed, Product: entry.Product, LeadID: ev.CorrelationToken}

	_, err := r.dispatcher.DeliverPurchasedLead(ctx, ev.CorrelationToken, ev.BuyerEmail, ev.PaymentID, ev.AmountCents)
	switch {
	case err == nil:
		result.Detail = "lead delivered"
	case errors.HasCode(err, errors.CodeLeadNotFound):
		entry.Note = "lead not found"
		result.Detail = entry.Note
	case errors.HasCode(err, errors.CodeDeliveryFailure):
		entry.Note = "delivery failed, flagged for resend"
		result.Detail = entry.Note
	default:
		return nil, err
	}

	return r.finish(ctx, logger, entry, types.PurchaseSuccess, result)
}

func (r *WebhookReconciler) applyCredits(ctx context.Context, ev *PaymentEvent, entry models.PurchaseLogEntry, product *Product) (*ReconcileResult, error) {
	logger := logging.FromContext(ctx)

	provider, err := r.resolvePayer(ctx, ev)
	if errors.HasCode(err, errors.CodeValidation) {
		r.alerter.Alert(ctx, AlertPaymentRejected, "Credit purchase carries a malformed buyer email", map[string]interface{}{
			"paymentId":        ev.PaymentID,
			"correlationToken": ev.CorrelationToken,
			"buyerEmail":       entry.BuyerEmail,
			"product":          product.ID,
		})
		return r.reject(ctx, entry, RejectInvalidBuyer, "event not applicable")
	}
	if err != nil {
		return nil, err
	}
	if provider == nil {
		r.alerter.Alert(ctx, AlertPaymentRejected, "Credit purchase has no identifiable provider", map[string]interface{}{
			"paymentId":        ev.PaymentID,
			"correlationToken": ev.CorrelationToken,
			"product":          product.ID,
		})
		return r.reject(ctx, entry, RejectMissingBuyer, "event not applicable")
	}

	txType := types.TxPurchaseCredit
	if product.Kind == types.ProductSubscription {
		txType = types.TxSubscriptionRenewal
	}

	result := &ReconcileResult{Status: OutcomeProcessed, Product: product.ID, ProviderID: provider.ID}

	_, err = r.ledger.Credit(ctx, provider.ID, product.Credits, txType, ev.PaymentID, product.ID)
	switch {
	case err == nil:
		result.Detail = "credits added"
	case errors.HasCode(err, errors.CodeDuplicatePayment):
		logger.Warn("Credits for payment already applied, completing log")
		result.Detail = "credits already applied"
	default:
		return nil, err
	}

	if product.Perks {
		if _, err := r.providers.ExtendPremium(ctx, provider.ID, product.PerkSet(), product.ID, r.renewal); err != nil {
			return nil, errors.NewDatabaseError("extend premium", err)
		}
	}

	return r.finish(ctx, logger, entry, types.PurchaseCreditsAdded, result)
}

// resolvePayer finds the provider a credit purchase belongs to: the correlation token
// when it names a provider, otherwise the buyer email. Returns nil when neither works.
func (r *WebhookReconciler) resolvePayer(ctx context.Context, ev *PaymentEvent) (*models.Provider, error) {
	p, err := r.providers.GetByID(ctx, ev.CorrelationToken)
	if err == nil {
		return p, nil
	}
	if !stderrors.Is(err, storage.ErrNotFound) {
		return nil, errors.NewDatabaseError("get provider", err)
	}

	if strings.TrimSpace(ev.BuyerEmail) == "" {
		return nil, nil
	}
	p, _, err = r.accounts.GetOrCreateProvider(ctx, ev.BuyerEmail, ev.CompanyName)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *WebhookReconciler) finish(ctx context.Context, logger *logging.Logger, entry models.PurchaseLogEntry, status types.PurchaseStatus, result *ReconcileResult) (*ReconcileResult, error) {
	entry.Note = strings.TrimSpace(entry.Note)
	if err := r.guard.RecordOutcome(ctx, entry, status); err != nil {
		if errors.HasCode(err, errors.CodeDuplicatePayment) {
			metrics.WebhookEvents.WithLabelValues("duplicate").Inc()
			return &ReconcileResult{Status: OutcomeProcessed, Duplicate: true, Detail: "already processed"}, nil
		}
		return nil, err
	}

	metrics.WebhookEvents.WithLabelValues(string(status)).Inc()
	logger.WithFields(map[string]interface{}{
		"status":  status,
		"product": result.Product,
		"detail":  result.Detail,
	}).Info("Payment reconciled")
	return result, nil
}
