package models

import (
	"strings"
	"time"

	"github.com/lead-router/internal/types"
)

// Provider represents a paying service provider that receives leads
type Provider struct {
	ID                 string               `json:"providerId" db:"provider_id"`
	Email              string               `json:"email" db:"email"`
	CompanyName        string               `json:"companyName" db:"company_name"`
	Phone              string               `json:"phone,omitempty" db:"phone"`
	ServiceZips        []string             `json:"serviceZips" db:"service_zips"`
	CreditBalance      int                  `json:"creditBalance" db:"credit_balance"`
	Status             types.ProviderStatus `json:"status" db:"status"`
	TotalLeadsReceived int                  `json:"totalLeadsReceived" db:"total_leads_received"`
	Plan               string               `json:"plan" db:"plan"`
	IsPremium          bool                 `json:"isPremium" db:"is_premium"`
	IsVerified         bool                 `json:"isVerified" db:"is_verified"`
	IsPriority         bool                 `json:"isPriority" db:"is_priority"`
	PremiumExpiresAt   *time.Time           `json:"premiumExpiresAt,omitempty" db:"premium_expires_at"`
	CreatedAt          time.Time            `json:"createdAt" db:"created_at"`
	UpdatedAt          time.Time            `json:"updatedAt" db:"updated_at"`
}

// IsActive reports whether the provider may receive leads
func (p *Provider) IsActive() bool {
	return p.Status == types.ProviderActive
}

// ServesZip reports whether the zip is in the provider's service area
func (p *Provider) ServesZip(zip string) bool {
	for _, z := range p.ServiceZips {
		if z == zip {
			return true
		}
	}
	return false
}

// NormalizeEmail lower-cases and trims an email so it can be used as a unique key
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Perks are the premium flags granted by qualifying purchases
type Perks struct {
	Premium  bool `json:"premium"`
	Verified bool `json:"verified"`
	Priority bool `json:"priority"`
}

// Any reports whether at least one perk is granted
func (p Perks) Any() bool {
	return p.Premium || p.Verified || p.Priority
}
