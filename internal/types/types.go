// Package types provides common type definitions for the lead routing engine.
package types

// LeadStatus represents where a lead is in its routing lifecycle
type LeadStatus string

const (
	// LeadStatusNew is a lead that has been accepted but not routed yet
	LeadStatusNew LeadStatus = "New"
	// LeadStatusSent is a lead that went out to at least one provider (full or teaser)
	LeadStatusSent LeadStatus = "Sent"
	// LeadStatusPurchased is a lead bought through a single-lead payment
	LeadStatusPurchased LeadStatus = "Purchased"
	// LeadStatusNoCoverage is a lead no active provider could receive
	LeadStatusNoCoverage LeadStatus = "NoCoverage"
)

// leadStatusRank orders statuses so transitions can only move forward.
// Sent and NoCoverage share a rank: neither can follow the other.
var leadStatusRank = map[LeadStatus]int{
	LeadStatusNew:        0,
	LeadStatusSent:       1,
	LeadStatusNoCoverage: 1,
	LeadStatusPurchased:  2,
}

// CanTransition reports whether a lead may move from one status to another
func (s LeadStatus) CanTransition(to LeadStatus) bool {
	from, ok := leadStatusRank[s]
	if !ok {
		return false
	}
	next, ok := leadStatusRank[to]
	if !ok {
		return false
	}
	if s == to {
		return s == LeadStatusPurchased
	}
	return next > from
}

// ProviderStatus represents whether a provider can receive leads
type ProviderStatus string

const (
	// ProviderActive providers are eligible for matching
	ProviderActive ProviderStatus = "Active"
	// ProviderInactive providers are soft-deactivated
	ProviderInactive ProviderStatus = "Inactive"
)

// TransactionType represents the kind of credit ledger mutation
type TransactionType string

const (
	TxPurchaseCredit      TransactionType = "purchase_credit"
	TxLeadDebit           TransactionType = "lead_debit"
	TxAdminAdd            TransactionType = "admin_add"
	TxAdminDeduct         TransactionType = "admin_deduct"
	TxSubscriptionRenewal TransactionType = "subscription_renewal"
)

// IsPaymentSourced reports whether the transaction originates from a gateway payment.
// Payment-sourced transactions are unique per reference.
func (t TransactionType) IsPaymentSourced() bool {
	return t == TxPurchaseCredit || t == TxSubscriptionRenewal
}

// PurchaseStatus is the status recorded on a purchase log entry
type PurchaseStatus string

const (
	PurchaseAttempted    PurchaseStatus = "Attempted"
	PurchaseSuccess      PurchaseStatus = "Success"
	PurchaseCreditsAdded PurchaseStatus = "Credits Added"
)

// Rejected builds the terminal "Rejected:<reason>" status
func Rejected(reason string) PurchaseStatus {
	return PurchaseStatus("Rejected:" + reason)
}

// IsFinal reports whether the status marks a payment as processed
func (s PurchaseStatus) IsFinal() bool {
	return s == PurchaseSuccess || s == PurchaseCreditsAdded
}

// ProductKind distinguishes what a payment bought
type ProductKind string

const (
	ProductSingleLead   ProductKind = "single_lead"
	ProductCreditPack   ProductKind = "credit_pack"
	ProductSubscription ProductKind = "subscription"
)

// DeliveryKind is the kind of outbound notification
type DeliveryKind string

const (
	DeliveryFull     DeliveryKind = "full"
	DeliveryTeaser   DeliveryKind = "teaser"
	DeliveryPurchase DeliveryKind = "purchase"
)

// DeliveryStatus tracks an outbound notification attempt
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
	DeliveryResent  DeliveryStatus = "resent"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
