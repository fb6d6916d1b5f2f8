// Package service implements the lead routing and payment reconciliation engine.
package service

import (
	"context"
	"time"

	"github.com/lead-router/internal/models"
	"github.com/lead-router/internal/storage"
	"github.com/lead-router/internal/types"
)

// ProviderRepository interface for provider data operations
type ProviderRepository interface {
	Create(ctx context.Context, p *models.Provider) error
	GetByID(ctx context.Context, id string) (*models.Provider, error)
	GetByEmail(ctx context.Context, email string) (*models.Provider, error)
	ListActiveByCompanyName(ctx context.Context, name string) ([]*models.Provider, error)
	ListActiveByZip(ctx context.Context, zip string) ([]*models.Provider, error)
	List(ctx context.Context, limit, offset int) ([]*models.Provider, error)
	SetStatus(ctx context.Context, id string, status types.ProviderStatus) error
	ExtendPremium(ctx context.Context, id string, perks models.Perks, plan string, period time.Duration) (*models.Provider, error)
	ExpirePremium(ctx context.Context, now time.Time) (int, error)
}

// LedgerRepository interface for credit balance mutations
type LedgerRepository interface {
	DebitForLead(ctx context.Context, providerID, leadID string, amount int) (*models.CreditTransaction, error)
	Apply(ctx context.Context, t *models.CreditTransaction, allowNegative bool) (*models.CreditTransaction, error)
	ListTransactions(ctx context.Context, providerID string, limit int) ([]*models.CreditTransaction, error)
	HasPaymentCredit(ctx context.Context, reference string) (bool, error)
	Reconcile(ctx context.Context, providerID string) (*models.LedgerReconciliation, error)
	ListInconsistent(ctx context.Context) ([]*models.LedgerReconciliation, error)
}

// LeadRepository interface for lead data operations
type LeadRepository interface {
	Create(ctx context.Context, l *models.Lead) error
	GetByID(ctx context.Context, id string) (*models.Lead, error)
	MarkStatus(ctx context.Context, id string, status types.LeadStatus) (bool, error)
	RecordPurchase(ctx context.Context, p *models.LeadPurchase) (*models.Lead, error)
	SetEmailSent(ctx context.Context, id string) error
	Search(ctx context.Context, f models.LeadFilter) ([]*models.Lead, error)
	CoverageGaps(ctx context.Context, since time.Time, limit int) ([]models.CoverageGap, error)
	ListAssignments(ctx context.Context, leadID string) ([]*models.LeadAssignment, error)
}

// PurchaseLogRepository interface for the payment event log
type PurchaseLogRepository interface {
	Append(ctx context.Context, e *models.PurchaseLogEntry) error
	FindFinal(ctx context.Context, paymentID string) (*models.PurchaseLogEntry, error)
	ListByPayment(ctx context.Context, paymentID string) ([]*models.PurchaseLogEntry, error)
}

// DeliveryRepository interface for outbound notification tracking
type DeliveryRepository interface {
	Create(ctx context.Context, d *models.Delivery) error
	GetByID(ctx context.Context, id string) (*models.Delivery, error)
	MarkResult(ctx context.Context, id string, status types.DeliveryStatus, lastErr string) error
	FindByPayment(ctx context.Context, paymentID string) (*models.Delivery, error)
	Reclaim(ctx context.Context, id string, staleBefore time.Time) (bool, error)
	ListByLead(ctx context.Context, leadID string) ([]*models.Delivery, error)
	ListFailed(ctx context.Context, maxAttempts, limit int) ([]*models.Delivery, error)
	FailDangling(ctx context.Context, cutoff time.Time) (int, error)
}

// PaymentLocker serializes work on one payment id
type PaymentLocker interface {
	Acquire(ctx context.Context, paymentID string) (release func(), ok bool, err error)
}

// Repositories bundles the ledger store
type Repositories struct {
	Providers   ProviderRepository
	Ledger      LedgerRepository
	Leads       LeadRepository
	PurchaseLog PurchaseLogRepository
	Deliveries  DeliveryRepository
}

// NewPostgresRepositories wires the Postgres-backed store
func NewPostgresRepositories(db *storage.PostgresDB) Repositories {
	return Repositories{
		Providers:   storage.NewProviderRepository(db),
		Ledger:      storage.NewLedgerRepository(db),
		Leads:       storage.NewLeadRepository(db),
		PurchaseLog: storage.NewPurchaseLogRepository(db),
		Deliveries:  storage.NewDeliveryRepository(db),
	}
}

// NewMemoryRepositories wires the in-memory store
func NewMemoryRepositories(s *storage.MemoryStore) Repositories {
	return Repositories{
		Providers:   s.Providers(),
		Ledger:      s.Ledger(),
		Leads:       s.Leads(),
		PurchaseLog: s.PurchaseLog(),
		Deliveries:  s.Deliveries(),
	}
}
