package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/lead-router/internal/errors"
	"github.com/lead-router/internal/models"
	"github.com/lead-router/internal/storage"
	"github.com/lead-router/internal/types"
)

// AdjustCreditsInput is an operator balance correction
type AdjustCreditsInput struct {
	Amount    int    `json:"amount" validate:"required,ne=0"`
	Reference string `json:"reference" validate:"omitempty,max=200"`
	Note      string `json:"note" validate:"required,max=500"`
}

// LedgerReport is a provider's balance check plus recent transactions
type LedgerReport struct {
	Reconciliation *models.LedgerReconciliation `json:"reconciliation"`
	Transactions   []*models.CreditTransaction  `json:"transactions"`
}

// LeadDetail is a lead with its routing history
type LeadDetail struct {
	Lead        *models.Lead             `json:"lead"`
	Assignments []*models.LeadAssignment `json:"assignments"`
	Deliveries  []*models.Delivery       `json:"deliveries"`
}

// AdminService exposes operator hooks over the ledger, leads and deliveries
type AdminService struct {
	ledger     *CreditLedger
	ledgerRepo LedgerRepository
	leads      LeadRepository
	deliveries DeliveryRepository
	dispatcher *LeadDispatcher
	accounts   *ProviderService
	validate   *validator.Validate
}

// NewAdminService creates a new admin service
func NewAdminService(
	ledger *CreditLedger,
	ledgerRepo LedgerRepository,
	leads LeadRepository,
	deliveries DeliveryRepository,
	dispatcher *LeadDispatcher,
	accounts *ProviderService,
) *AdminService {
	return &AdminService{
		ledger:     ledger,
		ledgerRepo: ledgerRepo,
		leads:      leads,
		deliveries: deliveries,
		dispatcher: dispatcher,
		accounts:   accounts,
		validate:   newValidator(),
	}
}

// AdjustCredits applies a signed correction to a provider balance
func (s *AdminService) AdjustCredits(ctx context.Context, providerID string, input *AdjustCreditsInput) (*BalanceResult, error) {
	if err := validateStruct(s.validate, input); err != nil {
		return nil, err
	}
	return s.ledger.AdminAdjust(ctx, providerID, input.Amount, input.Reference, input.Note)
}

// Ledger reconciles a provider's balance against its transaction log
func (s *AdminService) Ledger(ctx context.Context, providerID string, limit int) (*LedgerReport, error) {
	rec, err := s.ledgerRepo.Reconcile(ctx, providerID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return nil, errors.NewNotFoundError("provider", providerID)
		}
		return nil, errors.NewDatabaseError("reconcile ledger", err)
	}

	txs, err := s.ledgerRepo.ListTransactions(ctx, providerID, limit)
	if err != nil {
		return nil, errors.NewDatabaseError("list transactions", err)
	}
	if txs == nil {
		txs = []*models.CreditTransaction{}
	}
	return &LedgerReport{Reconciliation: rec, Transactions: txs}, nil
}

// ResendDelivery re-sends one recorded delivery
func (s *AdminService) ResendDelivery(ctx context.Context, deliveryID string) (*models.Delivery, error) {
	d, err := s.deliveries.GetByID(ctx, deliveryID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return nil, errors.NewNotFoundError("delivery", deliveryID)
		}
		return nil, errors.NewDatabaseError("get delivery", err)
	}

	if err := s.dispatcher.Resend(ctx, d); err != nil {
		return nil, err
	}
	return s.deliveries.GetByID(ctx, deliveryID)
}

// SearchLeads lists leads matching the filter
func (s *AdminService) SearchLeads(ctx context.Context, f models.LeadFilter) ([]*models.Lead, error) {
	if f.Zip != "" && !ValidZip(f.Zip) {
		return nil, errors.NewValidationError("zip", "zip5")
	}
	leads, err := s.leads.Search(ctx, f)
	if err != nil {
		return nil, errors.NewDatabaseError("search leads", err)
	}
	if leads == nil {
		leads = []*models.Lead{}
	}
	return leads, nil
}

// GetLead returns a lead with its assignments and deliveries
func (s *AdminService) GetLead(ctx context.Context, leadID string) (*LeadDetail, error) {
	lead, err := s.leads.GetByID(ctx, leadID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return nil, errors.NewNotFoundError("lead", leadID)
		}
		return nil, errors.NewDatabaseError("get lead", err)
	}

	assignments, err := s.leads.ListAssignments(ctx, leadID)
	if err != nil {
		return nil, errors.NewDatabaseError("list assignments", err)
	}
	deliveries, err := s.deliveries.ListByLead(ctx, leadID)
	if err != nil {
		return nil, errors.NewDatabaseError("list deliveries", err)
	}
	return &LeadDetail{Lead: lead, Assignments: assignments, Deliveries: deliveries}, nil
}

// RedispatchLead routes a lead again after a failed charge. Only a lead still New is
// eligible; providers already charged for it are skipped.
func (s *AdminService) RedispatchLead(ctx context.Context, leadID string) (*DispatchResult, error) {
	lead, err := s.leads.GetByID(ctx, leadID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return nil, errors.NewNotFoundError("lead", leadID)
		}
		return nil, errors.NewDatabaseError("get lead", err)
	}
	if lead.Status != types.LeadStatusNew {
		return nil, errors.NewConflictError(fmt.Sprintf("lead %s is %s; only New leads can be re-dispatched", leadID, lead.Status))
	}
	return s.dispatcher.Dispatch(ctx, lead)
}

// CoverageGaps reports zips whose leads found no provider since the given time
func (s *AdminService) CoverageGaps(ctx context.Context, since time.Time, limit int) ([]models.CoverageGap, error) {
	gaps, err := s.leads.CoverageGaps(ctx, since, limit)
	if err != nil {
		return nil, errors.NewDatabaseError("coverage gaps", err)
	}
	if gaps == nil {
		gaps = []models.CoverageGap{}
	}
	return gaps, nil
}

// SetProviderStatus activates or soft-deactivates a provider
func (s *AdminService) SetProviderStatus(ctx context.Context, providerID string, status types.ProviderStatus) error {
	return s.accounts.SetStatus(ctx, providerID, status)
}
