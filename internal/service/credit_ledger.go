package service

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lead-router/internal/errors"
	"github.com/lead-router/internal/logging"
	"github.com/lead-router/internal/metrics"
	"github.com/lead-router/internal/models"
	"github.com/lead-router/internal/storage"
	"github.com/lead-router/internal/types"
)

// BalanceResult is a provider balance after a ledger operation
type BalanceResult struct {
	ProviderID  string                    `json:"providerId"`
	Balance     int                       `json:"balance"`
	Transaction *models.CreditTransaction `json:"transaction,omitempty"`
}

// CreditLedger owns every provider balance mutation
type CreditLedger struct {
	providers ProviderRepository
	ledger    LedgerRepository
}

// NewCreditLedger creates a new credit ledger
func NewCreditLedger(providers ProviderRepository, ledger LedgerRepository) *CreditLedger {
	return &CreditLedger{providers: providers, ledger: ledger}
}

// GetBalance returns the provider's current balance
func (c *CreditLedger) GetBalance(ctx context.Context, providerID string) (*BalanceResult, error) {
	p, err := c.providers.GetByID(ctx, providerID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return nil, errors.NewNotFoundError("provider", providerID)
		}
		return nil, errors.NewDatabaseError("get balance", err)
	}
	return &BalanceResult{ProviderID: p.ID, Balance: p.CreditBalance}, nil
}

// Debit charges a provider for a full lead delivery. The balance, the transaction
// and the lead assignment change together or not at all.
func (c *CreditLedger) Debit(ctx context.Context, providerID string, amount int, leadID string) (*BalanceResult, error) {
	if amount <= 0 {
		return nil, errors.NewValidationError("amount", "must be positive")
	}

	t, err := c.ledger.DebitForLead(ctx, providerID, leadID, amount)
	switch {
	case err == nil:
	case stderrors.Is(err, storage.ErrInsufficientBalance):
		balance := 0
		if p, getErr := c.providers.GetByID(ctx, providerID); getErr == nil {
			balance = p.CreditBalance
		}
		return nil, errors.NewInsufficientCreditError(providerID, balance, amount)
	case stderrors.Is(err, storage.ErrDuplicate):
		return nil, errors.NewConflictError(fmt.Sprintf("provider %s already charged for lead %s", providerID, leadID))
	case stderrors.Is(err, storage.ErrProviderInactive):
		return nil, errors.NewConflictError(fmt.Sprintf("provider %s is not active", providerID))
	case stderrors.Is(err, storage.ErrNotFound):
		return nil, errors.NewNotFoundError("provider or lead", providerID+"/"+leadID)
	default:
		return nil, errors.NewDatabaseError("debit", err)
	}

	recordMutation(t)
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"providerId":   providerID,
		"leadId":       leadID,
		"amount":       amount,
		"balanceAfter": t.BalanceAfter,
	}).Info("Provider debited for lead")

	return &BalanceResult{ProviderID: providerID, Balance: t.BalanceAfter, Transaction: t}, nil
}

// Credit adds a non-negative amount. Payment-sourced credits are unique per reference;
// a repeat returns a DuplicatePayment error and leaves the balance unchanged.
func (c *CreditLedger) Credit(ctx context.Context, providerID string, amount int, txType types.TransactionType, reference, note string) (*BalanceResult, error) {
	if amount < 0 {
		return nil, errors.NewValidationError("amount", "must not be negative")
	}
	switch txType {
	case types.TxPurchaseCredit, types.TxSubscriptionRenewal, types.TxAdminAdd:
	default:
		return nil, errors.NewValidationError("type", "not a credit type: "+string(txType))
	}

	t, err := c.ledger.Apply(ctx, &models.CreditTransaction{
		ProviderID: providerID,
		Type:       txType,
		Amount:     amount,
		Reference:  reference,
		Note:       note,
	}, false)
	if err != nil {
		return nil, c.mapApplyError(err, providerID, reference, "credit")
	}

	recordMutation(t)
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"providerId":   providerID,
		"type":         txType,
		"amount":       amount,
		"reference":    reference,
		"balanceAfter": t.BalanceAfter,
	}).Info("Provider credited")

	return &BalanceResult{ProviderID: providerID, Balance: t.BalanceAfter, Transaction: t}, nil
}

// AdminAdjust applies a signed operator correction. It is the only path that may drive
// a balance below zero.
func (c *CreditLedger) AdminAdjust(ctx context.Context, providerID string, amount int, reference, note string) (*BalanceResult, error) {
	if amount == 0 {
		return nil, errors.NewValidationError("amount", "must not be zero")
	}

	txType := types.TxAdminAdd
	if amount < 0 {
		txType = types.TxAdminDeduct
	}
	if reference == "" {
		reference = "admin:" + uuid.New().String()
	}

	t, err := c.ledger.Apply(ctx, &models.CreditTransaction{
		ProviderID: providerID,
		Type:       txType,
		Amount:     amount,
		Reference:  reference,
		Note:       note,
	}, true)
	if err != nil {
		return nil, c.mapApplyError(err, providerID, reference, "admin adjust")
	}

	recordMutation(t)
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"providerId":   providerID,
		"amount":       amount,
		"reference":    reference,
		"balanceAfter": t.BalanceAfter,
	}).Warn("Provider balance adjusted by operator")

	return &BalanceResult{ProviderID: providerID, Balance: t.BalanceAfter, Transaction: t}, nil
}

func (c *CreditLedger) mapApplyError(err error, providerID, reference, op string) error {
	switch {
	case stderrors.Is(err, storage.ErrDuplicate):
		return errors.NewDuplicatePaymentError(reference)
	case stderrors.Is(err, storage.ErrNotFound):
		return errors.NewNotFoundError("provider", providerID)
	case stderrors.Is(err, storage.ErrInsufficientBalance):
		return errors.NewInsufficientCreditError(providerID, 0, 0)
	default:
		return errors.NewDatabaseError(op, err)
	}
}

func recordMutation(t *models.CreditTransaction) {
	metrics.LedgerMutations.WithLabelValues(string(t.Type)).Inc()
	amount := t.Amount
	if amount < 0 {
		amount = -amount
	}
	metrics.CreditsMoved.WithLabelValues(string(t.Type)).Add(float64(amount))
}
