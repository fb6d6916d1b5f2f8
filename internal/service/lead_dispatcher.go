package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/lead-router/internal/circuitbreaker"
	"github.com/lead-router/internal/config"
	"github.com/lead-router/internal/errors"
	"github.com/lead-router/internal/logging"
	"github.com/lead-router/internal/metrics"
	"github.com/lead-router/internal/models"
	"github.com/lead-router/internal/notify"
	"github.com/lead-router/internal/retry"
	"github.com/lead-router/internal/storage"
	"github.com/lead-router/internal/types"
)

// LeadInput is the intake payload for a new lead
type LeadInput struct {
	Name         string `json:"name" validate:"omitempty,max=200"`
	Phone        string `json:"phone" validate:"required,phone,max=40"`
	Email        string `json:"email" validate:"omitempty,email,max=254"`
	Zip          string `json:"zip" validate:"required,zip5"`
	ProjectSize  string `json:"projectSize" validate:"omitempty,max=100"`
	Timeframe    string `json:"timeframe" validate:"omitempty,max=100"`
	ProjectType  string `json:"projectType" validate:"omitempty,max=100"`
	Note         string `json:"note" validate:"omitempty,max=2000"`
	ProviderID   string `json:"providerId" validate:"omitempty,max=64"`
	ProviderName string `json:"providerName" validate:"omitempty,max=200"`
}

// DispatchResult summarizes how a lead was routed
type DispatchResult struct {
	LeadID         string           `json:"leadId"`
	Status         types.LeadStatus `json:"status"`
	Path           MatchPath        `json:"path"`
	FullDeliveries int              `json:"fullDeliveries"`
	Teasers        int              `json:"teasers"`
	FailedEmails   int              `json:"failedEmails"`
	FailedCharges  int              `json:"failedCharges"`
}

// LeadDispatcher routes leads to providers and delivers purchased leads to buyers
type LeadDispatcher struct {
	leads      LeadRepository
	deliveries DeliveryRepository
	resolver   *MatchingResolver
	ledger     *CreditLedger
	sender     notify.Sender
	alerter    *Alerter
	cfg        config.DispatchConfig
	validate   *validator.Validate
	retryCfg   *retry.Config
	staleAfter time.Duration
	now        func() time.Time
}

// defaultClaimStaleAfter is how long a pending purchase delivery blocks a re-run
const defaultClaimStaleAfter = 10 * time.Minute

// NewLeadDispatcher creates a new lead dispatcher
func NewLeadDispatcher(
	leads LeadRepository,
	deliveries DeliveryRepository,
	resolver *MatchingResolver,
	ledger *CreditLedger,
	sender notify.Sender,
	alerter *Alerter,
	cfg config.DispatchConfig,
) *LeadDispatcher {
	if cfg.CreditsPerLead <= 0 {
		cfg.CreditsPerLead = 1
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.ShouldRetry = func(err error) bool {
		return !stderrors.Is(err, circuitbreaker.ErrCircuitOpen)
	}

	return &LeadDispatcher{
		leads:      leads,
		deliveries: deliveries,
		resolver:   resolver,
		ledger:     ledger,
		sender:     sender,
		alerter:    alerter,
		cfg:        cfg,
		validate:   newValidator(),
		retryCfg:   retryCfg,
		staleAfter: defaultClaimStaleAfter,
		now:        time.Now,
	}
}

// SetRetryConfig replaces the resend backoff policy
func (d *LeadDispatcher) SetRetryConfig(cfg *retry.Config) {
	d.retryCfg = cfg
}

// SetClaimStaleAfter sets how old a pending purchase delivery must be before a
// re-run of the same payment may take it over
func (d *LeadDispatcher) SetClaimStaleAfter(after time.Duration) {
	if after > 0 {
		d.staleAfter = after
	}
}

// Submit validates and stores a new lead, then dispatches it
func (d *LeadDispatcher) Submit(ctx context.Context, input *LeadInput) (*DispatchResult, error) {
	input.Zip = strings.TrimSpace(input.Zip)
	input.Email = strings.TrimSpace(input.Email)
	if err := validateStruct(d.validate, input); err != nil {
		return nil, err
	}

	lead := &models.Lead{
		Name:               strings.TrimSpace(input.Name),
		Phone:              strings.TrimSpace(input.Phone),
		Email:              models.NormalizeEmail(input.Email),
		Zip:                input.Zip,
		ProjectSize:        strings.TrimSpace(input.ProjectSize),
		Timeframe:          strings.TrimSpace(input.Timeframe),
		ProjectType:        strings.TrimSpace(input.ProjectType),
		Note:               strings.TrimSpace(input.Note),
		DirectProviderID:   strings.TrimSpace(input.ProviderID),
		DirectProviderName: strings.TrimSpace(input.ProviderName),
	}

	if err := d.createWithFreshID(ctx, lead); err != nil {
		return nil, err
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"leadId": lead.ID,
		"zip":    lead.Zip,
		"direct": lead.IsDirect(),
	}).Info("Lead accepted")

	return d.Dispatch(ctx, lead)
}

func (d *LeadDispatcher) createWithFreshID(ctx context.Context, lead *models.Lead) error {
	for attempt := 1; attempt <= maxLeadIDAttempts; attempt++ {
		id, err := NewLeadID(d.now())
		if err != nil {
			return errors.NewInternalError("failed to generate lead id", err)
		}
		lead.ID = id

		err = d.leads.Create(ctx, lead)
		if err == nil {
			return nil
		}
		if !stderrors.Is(err, storage.ErrDuplicate) {
			return errors.NewDatabaseError("create lead", err)
		}
		logging.FromContext(ctx).WithField("leadId", id).Warn("Lead id collision, regenerating")
	}
	return errors.NewInternalError("failed to allocate a unique lead id", nil)
}

// Dispatch resolves the lead's candidates and charges each one. A charged provider gets
// the full lead; a provider without credit gets a teaser with a payment link and is not
// assigned. A failed email never reverses a debit; the delivery stays flagged for resend.
// A charge that fails on storage is counted and alerted so an operator can re-dispatch.
func (d *LeadDispatcher) Dispatch(ctx context.Context, lead *models.Lead) (*DispatchResult, error) {
	logger := logging.FromContext(ctx).WithField("leadId", lead.ID)

	match, err := d.resolver.Resolve(ctx, lead)
	if err != nil {
		return nil, errors.NewDatabaseError("resolve lead", err)
	}
	metrics.LeadsReceived.WithLabelValues(string(match.Path)).Inc()

	result := &DispatchResult{LeadID: lead.ID, Path: match.Path}
	var failedProviders []string

	if len(match.Candidates) == 0 {
		if _, err := d.leads.MarkStatus(ctx, lead.ID, types.LeadStatusNoCoverage); err != nil {
			return nil, errors.NewDatabaseError("mark lead no coverage", err)
		}
		logger.WithField("zip", lead.Zip).Info(errors.NewNoCoverageError(lead.ID, lead.Zip).Message)
		result.Status = types.LeadStatusNoCoverage
		return result, nil
	}

	for _, c := range match.Candidates {
		providerID := c.ID
		_, err := d.ledger.Debit(ctx, c.ID, d.cfg.CreditsPerLead, lead.ID)
		switch {
		case err == nil:
			result.FullDeliveries++
			msg, renderErr := notify.FullLeadMessage(c.Email, lead)
			if renderErr != nil {
				return nil, errors.NewInternalError("failed to render lead email", renderErr)
			}
			if _, sendErr := d.deliver(ctx, lead.ID, &providerID, nil, types.DeliveryFull, msg); sendErr != nil {
				result.FailedEmails++
			}

		case errors.HasCode(err, errors.CodeInsufficientCredit):
			result.Teasers++
			msg, renderErr := notify.TeaserMessage(c.Email, lead, d.PaymentLink(lead.ID, c.Email))
			if renderErr != nil {
				return nil, errors.NewInternalError("failed to render teaser email", renderErr)
			}
			if _, sendErr := d.deliver(ctx, lead.ID, &providerID, nil, types.DeliveryTeaser, msg); sendErr != nil {
				result.FailedEmails++
			}

		case errors.HasCode(err, errors.CodeConflict):
			logger.WithField("providerId", c.ID).WithField("reason", err.Error()).Info("Provider not charged for lead, skipping")

		default:
			result.FailedCharges++
			failedProviders = append(failedProviders, c.ID)
			logger.WithError(err).WithField("providerId", c.ID).Error("Failed to charge provider for lead")
		}
	}

	if result.FailedCharges > 0 {
		d.alerter.Alert(ctx, AlertLeadChargeFailed, "Lead could not be charged to every candidate", map[string]interface{}{
			"leadId":    lead.ID,
			"providers": failedProviders,
			"full":      result.FullDeliveries,
			"teasers":   result.Teasers,
		})
	}

	if result.FullDeliveries == 0 && result.Teasers > 0 {
		if _, err := d.leads.MarkStatus(ctx, lead.ID, types.LeadStatusSent); err != nil {
			return nil, errors.NewDatabaseError("mark lead sent", err)
		}
	}

	current, err := d.leads.GetByID(ctx, lead.ID)
	if err != nil {
		return nil, errors.NewDatabaseError("reload lead", err)
	}
	result.Status = current.Status

	logger.WithFields(map[string]interface{}{
		"path":    match.Path,
		"full":    result.FullDeliveries,
		"teasers": result.Teasers,
		"status":  result.Status,
	}).Info("Lead dispatched")

	return result, nil
}

// PaymentLink builds the single-lead checkout link carried by a teaser
func (d *LeadDispatcher) PaymentLink(leadID, email string) string {
	u, err := url.Parse(d.cfg.PaymentLinkURL)
	if err != nil {
		return d.cfg.PaymentLinkURL
	}
	q := u.Query()
	q.Set("client_reference_id", leadID)
	if email != "" {
		q.Set("prefilled_email", email)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// deliver records a delivery, sends the message and stores the outcome
func (d *LeadDispatcher) deliver(ctx context.Context, leadID string, providerID, paymentID *string, kind types.DeliveryKind, msg notify.Message) (*models.Delivery, error) {
	delivery := &models.Delivery{
		LeadID:     leadID,
		ProviderID: providerID,
		Recipient:  msg.To,
		Kind:       kind,
		PaymentID:  paymentID,
		Status:     types.DeliveryPending,
	}
	recorded := true
	if err := d.deliveries.Create(ctx, delivery); err != nil {
		logging.FromContext(ctx).WithError(err).WithFields(map[string]interface{}{
			"leadId": leadID,
			"kind":   kind,
		}).Error("Failed to record delivery")
		recorded = false
	}

	return d.send(ctx, delivery, recorded, msg)
}

// send emails msg and, when the delivery row exists, stores the outcome on it
func (d *LeadDispatcher) send(ctx context.Context, delivery *models.Delivery, recorded bool, msg notify.Message) (*models.Delivery, error) {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"leadId": delivery.LeadID,
		"kind":   delivery.Kind,
		"to":     msg.To,
	})

	sendErr := d.sender.Send(ctx, msg)

	status, lastErr, result := types.DeliverySent, "", "sent"
	if sendErr != nil {
		status, lastErr, result = types.DeliveryFailed, sendErr.Error(), "failed"
	}
	metrics.Deliveries.WithLabelValues(string(delivery.Kind), result).Inc()

	if recorded {
		if err := d.deliveries.MarkResult(ctx, delivery.ID, status, lastErr); err != nil {
			logger.WithError(err).Error("Failed to record delivery outcome")
		}
		delivery.Status = status
		delivery.LastError = lastErr
	}

	if sendErr != nil {
		logger.WithError(sendErr).Warn("Email delivery failed, flagged for resend")
		return delivery, errors.NewDeliveryFailureError(msg.To, sendErr)
	}
	return delivery, nil
}

// claimPurchaseDelivery creates the payment's purchase delivery row. The caller that
// creates it, or reclaims a failed or stale pending one, is the only one allowed to
// send. Everyone else gets claimed=false.
func (d *LeadDispatcher) claimPurchaseDelivery(ctx context.Context, leadID, paymentID, recipient string) (*models.Delivery, bool, error) {
	pid := paymentID
	delivery := &models.Delivery{
		LeadID:    leadID,
		Recipient: recipient,
		Kind:      types.DeliveryPurchase,
		PaymentID: &pid,
		Status:    types.DeliveryPending,
	}
	err := d.deliveries.Create(ctx, delivery)
	if err == nil {
		return delivery, true, nil
	}
	if !stderrors.Is(err, storage.ErrDuplicate) {
		return nil, false, errors.NewDatabaseError("record purchase delivery", err)
	}

	prior, err := d.deliveries.FindByPayment(ctx, paymentID)
	if err != nil {
		return nil, false, errors.NewDatabaseError("find purchase delivery", err)
	}
	if prior.Status == types.DeliverySent || prior.Status == types.DeliveryResent {
		return prior, false, nil
	}

	ok, err := d.deliveries.Reclaim(ctx, prior.ID, d.now().Add(-d.staleAfter))
	if err != nil {
		return nil, false, errors.NewDatabaseError("reclaim purchase delivery", err)
	}
	if !ok {
		return prior, false, nil
	}
	prior.Status = types.DeliveryPending
	return prior, true, nil
}

// DeliverPurchasedLead records a single-lead purchase and emails the lead to the buyer.
// A missing lead raises an operator alert and returns LeadNotFound. Concurrent or
// repeated runs for one payment send at most once; only a failed or stale delivery is
// sent again.
func (d *LeadDispatcher) DeliverPurchasedLead(ctx context.Context, leadID, buyerEmail, paymentID string, amountCents int64) (*models.Lead, error) {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"leadId":    leadID,
		"paymentId": paymentID,
	})
	fields := map[string]interface{}{
		"leadId":      leadID,
		"paymentId":   paymentID,
		"buyerEmail":  buyerEmail,
		"amountCents": amountCents,
	}

	lead, err := d.leads.GetByID(ctx, leadID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			d.alerter.Alert(ctx, AlertLeadNotFound, "Payment captured for unknown lead", fields)
			return nil, errors.NewLeadNotFoundError(leadID, paymentID)
		}
		return nil, errors.NewDatabaseError("get lead", err)
	}

	if prior, err := d.deliveries.FindByPayment(ctx, paymentID); err == nil {
		if prior.Status == types.DeliverySent || prior.Status == types.DeliveryResent {
			logger.Info("Purchased lead already delivered for payment")
			return lead, nil
		}
	} else if !stderrors.Is(err, storage.ErrNotFound) {
		return nil, errors.NewDatabaseError("find purchase delivery", err)
	}

	buyerEmail = models.NormalizeEmail(buyerEmail)
	updated, err := d.leads.RecordPurchase(ctx, &models.LeadPurchase{
		PaymentID:   paymentID,
		LeadID:      leadID,
		BuyerEmail:  buyerEmail,
		AmountCents: amountCents,
	})
	switch {
	case err == nil:
		lead = updated
	case stderrors.Is(err, storage.ErrDuplicate):
		logger.Info("Purchase already recorded")
	case stderrors.Is(err, storage.ErrNotFound):
		d.alerter.Alert(ctx, AlertLeadNotFound, "Payment captured for unknown lead", fields)
		return nil, errors.NewLeadNotFoundError(leadID, paymentID)
	default:
		return nil, errors.NewDatabaseError("record purchase", err)
	}

	if buyerEmail == "" {
		d.alerter.Alert(ctx, AlertPurchaseDeliveryFailed, "Purchased lead has no buyer email", fields)
		return lead, errors.NewDeliveryFailureError("", fmt.Errorf("payment %s carries no buyer email", paymentID))
	}
	if err := d.validate.Var(buyerEmail, "email,max=254"); err != nil {
		d.alerter.Alert(ctx, AlertPurchaseDeliveryFailed, "Purchased lead has a malformed buyer email", fields)
		return lead, errors.NewDeliveryFailureError(buyerEmail, fmt.Errorf("payment %s carries a malformed buyer email", paymentID))
	}

	msg, err := notify.PurchasedLeadMessage(buyerEmail, lead)
	if err != nil {
		return lead, errors.NewInternalError("failed to render purchased lead email", err)
	}

	delivery, claimed, err := d.claimPurchaseDelivery(ctx, leadID, paymentID, buyerEmail)
	if err != nil {
		return lead, err
	}
	if !claimed {
		logger.WithField("deliveryStatus", delivery.Status).Info("Purchased lead delivery handled by another run")
		return lead, nil
	}

	if _, err := d.send(ctx, delivery, true, msg); err != nil {
		d.alerter.Alert(ctx, AlertPurchaseDeliveryFailed, "Purchased lead email failed", fields)
		return lead, err
	}

	if err := d.leads.SetEmailSent(ctx, leadID); err != nil {
		logger.WithError(err).Error("Failed to flag purchased lead as emailed")
	}
	lead.EmailSent = true

	logger.Info("Purchased lead delivered")
	return lead, nil
}

// Resend re-renders a delivery from the current lead and sends it with backoff
func (d *LeadDispatcher) Resend(ctx context.Context, delivery *models.Delivery) error {
	lead, err := d.leads.GetByID(ctx, delivery.LeadID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return errors.NewNotFoundError("lead", delivery.LeadID)
		}
		return errors.NewDatabaseError("get lead", err)
	}

	var msg notify.Message
	switch delivery.Kind {
	case types.DeliveryFull:
		msg, err = notify.FullLeadMessage(delivery.Recipient, lead)
	case types.DeliveryTeaser:
		msg, err = notify.TeaserMessage(delivery.Recipient, lead, d.PaymentLink(lead.ID, delivery.Recipient))
	case types.DeliveryPurchase:
		msg, err = notify.PurchasedLeadMessage(delivery.Recipient, lead)
	default:
		return errors.NewValidationError("kind", "unknown delivery kind "+string(delivery.Kind))
	}
	if err != nil {
		return errors.NewInternalError("failed to render email", err)
	}

	sendErr := retry.Do(ctx, d.retryCfg, func(ctx context.Context, _ int) error {
		return d.sender.Send(ctx, msg)
	})

	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"deliveryId": delivery.ID,
		"leadId":     delivery.LeadID,
		"kind":       delivery.Kind,
	})

	if sendErr != nil {
		metrics.Deliveries.WithLabelValues(string(delivery.Kind), "failed").Inc()
		if err := d.deliveries.MarkResult(ctx, delivery.ID, types.DeliveryFailed, sendErr.Error()); err != nil {
			logger.WithError(err).Error("Failed to record resend outcome")
		}
		return errors.NewDeliveryFailureError(delivery.Recipient, sendErr)
	}

	metrics.Deliveries.WithLabelValues(string(delivery.Kind), "resent").Inc()
	if err := d.deliveries.MarkResult(ctx, delivery.ID, types.DeliveryResent, ""); err != nil {
		logger.WithError(err).Error("Failed to record resend outcome")
	}
	if delivery.Kind == types.DeliveryPurchase {
		if err := d.leads.SetEmailSent(ctx, delivery.LeadID); err != nil {
			logger.WithError(err).Error("Failed to flag purchased lead as emailed")
		}
	}

	logger.Info("Delivery resent")
	return nil
}
