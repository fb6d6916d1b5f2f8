package models

import (
	"time"

	"github.com/lead-router/internal/types"
)

// CreditTransaction is an immutable credit ledger row
type CreditTransaction struct {
	ID           string                `json:"id" db:"id"`
	ProviderID   string                `json:"providerId" db:"provider_id"`
	Type         types.TransactionType `json:"type" db:"type"`
	Amount       int                   `json:"amount" db:"amount"` // signed
	BalanceAfter int                   `json:"balanceAfter" db:"balance_after"`
	Reference    string                `json:"reference" db:"reference"`
	Note         string                `json:"note,omitempty" db:"note"`
	CreatedAt    time.Time             `json:"createdAt" db:"created_at"`
}

// PurchaseLogEntry is an immutable record of an observed payment event
type PurchaseLogEntry struct {
	ID               string               `json:"id" db:"id"`
	PaymentID        string               `json:"paymentId" db:"payment_id"`
	Status           types.PurchaseStatus `json:"status" db:"status"`
	AmountCents      int64                `json:"amountCents" db:"amount_cents"`
	Currency         string               `json:"currency,omitempty" db:"currency"`
	CorrelationToken string               `json:"correlationToken,omitempty" db:"correlation_token"`
	BuyerEmail       string               `json:"buyerEmail,omitempty" db:"buyer_email"`
	Product          string               `json:"product,omitempty" db:"product"`
	Note             string               `json:"note,omitempty" db:"note"`
	CreatedAt        time.Time            `json:"createdAt" db:"created_at"`
}

// Delivery is one outbound notification attempt for a lead
type Delivery struct {
	ID         string               `json:"id" db:"id"`
	LeadID     string               `json:"leadId" db:"lead_id"`
	ProviderID *string              `json:"providerId,omitempty" db:"provider_id"`
	Recipient  string               `json:"recipient" db:"recipient"`
	Kind       types.DeliveryKind   `json:"kind" db:"kind"`
	PaymentID  *string              `json:"paymentId,omitempty" db:"payment_id"`
	Status     types.DeliveryStatus `json:"status" db:"status"`
	Attempts   int                  `json:"attempts" db:"attempts"`
	LastError  string               `json:"lastError,omitempty" db:"last_error"`
	CreatedAt  time.Time            `json:"createdAt" db:"created_at"`
	UpdatedAt  time.Time            `json:"updatedAt" db:"updated_at"`
}

// LedgerReconciliation compares a provider's balance to its transaction log
type LedgerReconciliation struct {
	ProviderID       string `json:"providerId"`
	CreditBalance    int    `json:"creditBalance"`
	TransactionSum   int    `json:"transactionSum"`
	TransactionCount int    `json:"transactionCount"`
	Consistent       bool   `json:"consistent"`
}
