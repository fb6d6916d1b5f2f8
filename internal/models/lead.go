// Package models provides data models for the lead routing engine.
package models

import (
	"time"

	"github.com/lead-router/internal/types"
)

// Lead represents an inbound sales lead
type Lead struct {
	ID                 string           `json:"leadId" db:"lead_id"`
	Name               string           `json:"name,omitempty" db:"name"`
	Phone              string           `json:"phone" db:"phone"`
	Email              string           `json:"email,omitempty" db:"email"`
	Zip                string           `json:"zip" db:"zip"`
	ProjectSize        string           `json:"projectSize,omitempty" db:"project_size"`
	Timeframe          string           `json:"timeframe,omitempty" db:"timeframe"`
	ProjectType        string           `json:"projectType,omitempty" db:"project_type"`
	Note               string           `json:"note,omitempty" db:"note"`
	DirectProviderID   string           `json:"directProviderId,omitempty" db:"direct_provider_id"`
	DirectProviderName string           `json:"directProviderName,omitempty" db:"direct_provider_name"`
	Status             types.LeadStatus `json:"status" db:"status"`
	AssignedProviderID *string          `json:"assignedProviderId,omitempty" db:"assigned_provider_id"` // lookup key only
	CreditsCharged     int              `json:"creditsCharged" db:"credits_charged"`
	PurchasedBy        *string          `json:"purchasedBy,omitempty" db:"purchased_by"`
	PurchasedAt        *time.Time       `json:"purchasedAt,omitempty" db:"purchased_at"`
	PaymentID          *string          `json:"paymentId,omitempty" db:"payment_id"`
	EmailSent          bool             `json:"emailSent" db:"email_sent"`
	CreatedAt          time.Time        `json:"createdAt" db:"created_at"`
	UpdatedAt          time.Time        `json:"updatedAt" db:"updated_at"`
}

// IsDirect reports whether the lead targets a specific provider
func (l *Lead) IsDirect() bool {
	return l.DirectProviderID != "" || l.DirectProviderName != ""
}

// LeadAssignment records one full delivery of a lead to a provider
type LeadAssignment struct {
	LeadID         string    `json:"leadId" db:"lead_id"`
	ProviderID     string    `json:"providerId" db:"provider_id"`
	CreditsCharged int       `json:"creditsCharged" db:"credits_charged"`
	TransactionID  string    `json:"transactionId" db:"transaction_id"`
	CreatedAt      time.Time `json:"createdAt" db:"created_at"`
}

// LeadPurchase records a single-lead purchase by a buyer
type LeadPurchase struct {
	PaymentID   string    `json:"paymentId" db:"payment_id"`
	LeadID      string    `json:"leadId" db:"lead_id"`
	BuyerEmail  string    `json:"buyerEmail" db:"buyer_email"`
	AmountCents int64     `json:"amountCents" db:"amount_cents"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
}

// LeadFilter narrows an admin lead search
type LeadFilter struct {
	Zip        string
	Status     types.LeadStatus
	ProviderID string
	Query      string // matched against name, email and phone
	Limit      int
	Offset     int
}

// CoverageGap summarizes leads nobody could receive in one zip
type CoverageGap struct {
	Zip       string    `json:"zip"`
	LeadCount int       `json:"leadCount"`
	LastSeen  time.Time `json:"lastSeen"`
}
