package service

import (
	"github.com/lead-router/internal/config"
	"github.com/lead-router/internal/models"
	"github.com/lead-router/internal/types"
	"github.com/shopspring/decimal"
)

// Product is something a payment can buy
type Product struct {
	ID      string
	Kind    types.ProductKind
	Price   decimal.Decimal
	Credits int
	Perks   bool
}

// PerkSet returns the premium flags the product grants
func (p *Product) PerkSet() models.Perks {
	if !p.Perks {
		return models.Perks{}
	}
	return models.Perks{Premium: true, Verified: true, Priority: true}
}

// MetadataProductKey is the payment metadata key naming the purchased product
const MetadataProductKey = "product_id"

// PriceTable maps payment amounts to products
type PriceTable struct {
	singleLead *Product
	bundles    []*Product // packs first, then the subscription
	tolerance  decimal.Decimal
	byID       map[string]*Product
}

// NewPriceTable builds a price table from pricing configuration
func NewPriceTable(cfg config.PricingConfig) *PriceTable {
	t := &PriceTable{
		singleLead: &Product{
			ID:    "single_lead",
			Kind:  types.ProductSingleLead,
			Price: cfg.SingleLeadPrice,
		},
		tolerance: cfg.Tolerance,
		byID:      make(map[string]*Product),
	}
	t.byID[t.singleLead.ID] = t.singleLead

	for _, pack := range cfg.Packs {
		p := &Product{ID: pack.ID, Kind: types.ProductCreditPack, Price: pack.Price, Credits: pack.Credits, Perks: pack.Perks}
		t.bundles = append(t.bundles, p)
		t.byID[p.ID] = p
	}
	if cfg.Subscription.ID != "" {
		s := cfg.Subscription
		p := &Product{ID: s.ID, Kind: types.ProductSubscription, Price: s.Price, Credits: s.Credits, Perks: s.Perks}
		t.bundles = append(t.bundles, p)
		t.byID[p.ID] = p
	}
	return t
}

// Product returns a product by id
func (t *PriceTable) Product(id string) (*Product, bool) {
	p, ok := t.byID[id]
	return p, ok
}

// Classify maps a paid amount (major currency units) to a product. A known product id in
// metadata is authoritative. Otherwise the nearest pack or subscription within tolerance
// wins, with exact matches first and ties going to the non-subscription product. The
// single lead is recognized only inside its own band when no bundle matched. Returns nil
// when nothing fits.
func (t *PriceTable) Classify(amount decimal.Decimal, metadata map[string]string) *Product {
	if id, ok := metadata[MetadataProductKey]; ok {
		if p, known := t.byID[id]; known {
			return p
		}
	}

	if !amount.IsPositive() {
		return nil
	}

	var best *Product
	var bestDiff decimal.Decimal
	for _, p := range t.bundles {
		diff := amount.Sub(p.Price).Abs()
		if diff.GreaterThan(t.tolerance) {
			continue
		}
		if best == nil || diff.LessThan(bestDiff) ||
			(diff.Equal(bestDiff) && best.Kind == types.ProductSubscription && p.Kind != types.ProductSubscription) {
			best, bestDiff = p, diff
		}
	}
	if best != nil {
		return best
	}

	if amount.Sub(t.singleLead.Price).Abs().LessThanOrEqual(t.tolerance) {
		return t.singleLead
	}
	return nil
}

// ToMajorUnits converts an amount in minor units (cents) to a decimal in major units
func ToMajorUnits(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}
