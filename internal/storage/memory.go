package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lead-router/internal/models"
	"github.com/lead-router/internal/types"
)

// MemoryStore is an in-process ledger store with the same contract as the Postgres
// repositories. A single mutex makes every mutation atomic.
type MemoryStore struct {
	mu sync.Mutex

	providers    map[string]*models.Provider
	emailIndex   map[string]string
	leads        map[string]*models.Lead
	transactions []*models.CreditTransaction
	paymentRefs  map[string]struct{}
	assignments  map[string]*models.LeadAssignment
	purchases    map[string]*models.LeadPurchase
	purchaseLog  []*models.PurchaseLogEntry
	deliveries   map[string]*models.Delivery

	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		providers:   make(map[string]*models.Provider),
		emailIndex:  make(map[string]string),
		leads:       make(map[string]*models.Lead),
		paymentRefs: make(map[string]struct{}),
		assignments: make(map[string]*models.LeadAssignment),
		purchases:   make(map[string]*models.LeadPurchase),
		deliveries:  make(map[string]*models.Delivery),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store's time source
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Providers returns the provider view of the store
func (s *MemoryStore) Providers() *MemoryProviders { return &MemoryProviders{s} }

// Ledger returns the ledger view of the store
func (s *MemoryStore) Ledger() *MemoryLedger { return &MemoryLedger{s} }

// Leads returns the lead view of the store
func (s *MemoryStore) Leads() *MemoryLeads { return &MemoryLeads{s} }

// PurchaseLog returns the purchase log view of the store
func (s *MemoryStore) PurchaseLog() *MemoryPurchaseLog { return &MemoryPurchaseLog{s} }

// Deliveries returns the delivery view of the store
func (s *MemoryStore) Deliveries() *MemoryDeliveries { return &MemoryDeliveries{s} }

func assignmentKey(leadID, providerID string) string {
	return leadID + "|" + providerID
}

func copyProvider(p *models.Provider) *models.Provider {
	c := *p
	c.ServiceZips = append([]string(nil), p.ServiceZips...)
	if p.PremiumExpiresAt != nil {
		t := *p.PremiumExpiresAt
		c.PremiumExpiresAt = &t
	}
	return &c
}

func copyLead(l *models.Lead) *models.Lead {
	c := *l
	return &c
}

// MemoryProviders implements the provider repository in memory
type MemoryProviders struct{ s *MemoryStore }

// Create inserts a provider with a zero balance
func (m *MemoryProviders) Create(_ context.Context, p *models.Provider) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	p.Email = models.NormalizeEmail(p.Email)
	if _, taken := m.s.emailIndex[p.Email]; taken {
		return ErrDuplicate
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if _, taken := m.s.providers[p.ID]; taken {
		return ErrDuplicate
	}
	if p.Status == "" {
		p.Status = types.ProviderActive
	}
	if p.ServiceZips == nil {
		p.ServiceZips = []string{}
	}
	p.CreditBalance = 0
	p.TotalLeadsReceived = 0
	p.CreatedAt = m.s.now()
	p.UpdatedAt = p.CreatedAt

	m.s.providers[p.ID] = copyProvider(p)
	m.s.emailIndex[p.Email] = p.ID
	return nil
}

// GetByID retrieves a provider by ID
func (m *MemoryProviders) GetByID(_ context.Context, id string) (*models.Provider, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	p, ok := m.s.providers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyProvider(p), nil
}

// GetByEmail retrieves a provider by normalized email
func (m *MemoryProviders) GetByEmail(_ context.Context, email string) (*models.Provider, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	id, ok := m.s.emailIndex[models.NormalizeEmail(email)]
	if !ok {
		return nil, ErrNotFound
	}
	return copyProvider(m.s.providers[id]), nil
}

func (m *MemoryProviders) filter(keep func(p *models.Provider) bool) []*models.Provider {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	var out []*models.Provider
	for _, p := range m.s.providers {
		if keep(p) {
			out = append(out, copyProvider(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ListActiveByCompanyName returns active providers whose company name matches case-insensitively
func (m *MemoryProviders) ListActiveByCompanyName(_ context.Context, name string) ([]*models.Provider, error) {
	return m.filter(func(p *models.Provider) bool {
		return p.IsActive() && strings.EqualFold(p.CompanyName, name)
	}), nil
}

// ListActiveByZip returns active providers serving the zip
func (m *MemoryProviders) ListActiveByZip(_ context.Context, zip string) ([]*models.Provider, error) {
	return m.filter(func(p *models.Provider) bool {
		return p.IsActive() && p.ServesZip(zip)
	}), nil
}

// List returns providers page by page
func (m *MemoryProviders) List(_ context.Context, limit, offset int) ([]*models.Provider, error) {
	all := m.filter(func(*models.Provider) bool { return true })
	return page(all, limit, offset), nil
}

// SetStatus activates or soft-deactivates a provider
func (m *MemoryProviders) SetStatus(_ context.Context, id string, status types.ProviderStatus) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	p, ok := m.s.providers[id]
	if !ok {
		return ErrNotFound
	}
	p.Status = status
	p.UpdatedAt = m.s.now()
	return nil
}

// ExtendPremium grants perks and pushes the expiry out by period
func (m *MemoryProviders) ExtendPremium(_ context.Context, id string, perks models.Perks, plan string, period time.Duration) (*models.Provider, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	p, ok := m.s.providers[id]
	if !ok {
		return nil, ErrNotFound
	}

	now := m.s.now()
	base := now
	if p.PremiumExpiresAt != nil && p.PremiumExpiresAt.After(now) {
		base = *p.PremiumExpiresAt
	}
	expires := base.Add(period)

	p.IsPremium = p.IsPremium || perks.Premium
	p.IsVerified = p.IsVerified || perks.Verified
	p.IsPriority = p.IsPriority || perks.Priority
	if plan != "" {
		p.Plan = plan
	}
	p.PremiumExpiresAt = &expires
	p.UpdatedAt = now
	return copyProvider(p), nil
}

// ExpirePremium clears perks of providers whose premium period ended before now
func (m *MemoryProviders) ExpirePremium(_ context.Context, now time.Time) (int, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	count := 0
	for _, p := range m.s.providers {
		if p.PremiumExpiresAt == nil || !p.PremiumExpiresAt.Before(now) {
			continue
		}
		if !(p.IsPremium || p.IsVerified || p.IsPriority) {
			continue
		}
		p.IsPremium, p.IsVerified, p.IsPriority = false, false, false
		p.UpdatedAt = m.s.now()
		count++
	}
	return count, nil
}

// MemoryLedger implements the ledger repository in memory
type MemoryLedger struct{ s *MemoryStore }

// appendTx must be called with the store lock held
func (s *MemoryStore) appendTx(t *models.CreditTransaction) {
	if t.Type.IsPaymentSourced() {
		s.paymentRefs[t.Reference] = struct{}{}
	}
	c := *t
	s.transactions = append(s.transactions, &c)
}

// DebitForLead charges a provider for a full lead delivery atomically
func (m *MemoryLedger) DebitForLead(_ context.Context, providerID, leadID string, amount int) (*models.CreditTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("debit amount must be positive, got %d", amount)
	}

	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	p, ok := m.s.providers[providerID]
	if !ok {
		return nil, ErrNotFound
	}
	lead, ok := m.s.leads[leadID]
	if !ok {
		return nil, ErrNotFound
	}
	if p.Status != types.ProviderActive {
		return nil, ErrProviderInactive
	}
	if p.CreditBalance < amount {
		return nil, ErrInsufficientBalance
	}
	key := assignmentKey(leadID, providerID)
	if _, dup := m.s.assignments[key]; dup {
		return nil, ErrDuplicate
	}

	now := m.s.now()
	p.CreditBalance -= amount
	p.TotalLeadsReceived++
	p.UpdatedAt = now

	t := &models.CreditTransaction{
		ID:           uuid.New().String(),
		ProviderID:   providerID,
		Type:         types.TxLeadDebit,
		Amount:       -amount,
		BalanceAfter: p.CreditBalance,
		Reference:    leadID,
		CreatedAt:    now,
	}
	m.s.appendTx(t)

	m.s.assignments[key] = &models.LeadAssignment{
		LeadID:         leadID,
		ProviderID:     providerID,
		CreditsCharged: amount,
		TransactionID:  t.ID,
		CreatedAt:      now,
	}

	if lead.Status == types.LeadStatusNew {
		lead.Status = types.LeadStatusSent
	}
	if lead.AssignedProviderID == nil {
		id := providerID
		lead.AssignedProviderID = &id
	}
	lead.CreditsCharged++
	lead.UpdatedAt = now

	return t, nil
}

// Apply adds a signed amount to a provider's balance and appends the transaction
func (m *MemoryLedger) Apply(_ context.Context, t *models.CreditTransaction, allowNegative bool) (*models.CreditTransaction, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	p, ok := m.s.providers[t.ProviderID]
	if !ok {
		return nil, ErrNotFound
	}
	if !allowNegative && p.CreditBalance+t.Amount < 0 {
		return nil, ErrInsufficientBalance
	}
	if t.Type.IsPaymentSourced() {
		if _, dup := m.s.paymentRefs[t.Reference]; dup {
			return nil, ErrDuplicate
		}
	}

	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.CreatedAt = m.s.now()
	p.CreditBalance += t.Amount
	p.UpdatedAt = t.CreatedAt
	t.BalanceAfter = p.CreditBalance
	m.s.appendTx(t)
	return t, nil
}

// ListTransactions returns a provider's ledger, newest first
func (m *MemoryLedger) ListTransactions(_ context.Context, providerID string, limit int) ([]*models.CreditTransaction, error) {
	if limit <= 0 {
		limit = 100
	}

	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	var out []*models.CreditTransaction
	for i := len(m.s.transactions) - 1; i >= 0 && len(out) < limit; i-- {
		if t := m.s.transactions[i]; t.ProviderID == providerID {
			c := *t
			out = append(out, &c)
		}
	}
	return out, nil
}

// HasPaymentCredit reports whether a payment reference already credited a provider
func (m *MemoryLedger) HasPaymentCredit(_ context.Context, reference string) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	_, ok := m.s.paymentRefs[reference]
	return ok, nil
}

// reconcile must be called with the store lock held
func (s *MemoryStore) reconcile(p *models.Provider) *models.LedgerReconciliation {
	rec := &models.LedgerReconciliation{ProviderID: p.ID, CreditBalance: p.CreditBalance}
	for _, t := range s.transactions {
		if t.ProviderID == p.ID {
			rec.TransactionSum += t.Amount
			rec.TransactionCount++
		}
	}
	rec.Consistent = rec.CreditBalance == rec.TransactionSum
	return rec
}

// Reconcile compares one provider's balance with the sum of its transactions
func (m *MemoryLedger) Reconcile(_ context.Context, providerID string) (*models.LedgerReconciliation, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	p, ok := m.s.providers[providerID]
	if !ok {
		return nil, ErrNotFound
	}
	return m.s.reconcile(p), nil
}

// ListInconsistent returns every provider whose balance disagrees with its ledger
func (m *MemoryLedger) ListInconsistent(_ context.Context) ([]*models.LedgerReconciliation, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	var out []*models.LedgerReconciliation
	for _, p := range m.s.providers {
		if rec := m.s.reconcile(p); !rec.Consistent {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out, nil
}

// MemoryLeads implements the lead repository in memory
type MemoryLeads struct{ s *MemoryStore }

// Create inserts a new lead in status New
func (m *MemoryLeads) Create(_ context.Context, l *models.Lead) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	if _, taken := m.s.leads[l.ID]; taken {
		return ErrDuplicate
	}
	l.Status = types.LeadStatusNew
	l.CreatedAt = m.s.now()
	l.UpdatedAt = l.CreatedAt
	m.s.leads[l.ID] = copyLead(l)
	return nil
}

// GetByID retrieves a lead by ID
func (m *MemoryLeads) GetByID(_ context.Context, id string) (*models.Lead, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	l, ok := m.s.leads[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyLead(l), nil
}

// MarkStatus moves a lead forward, reporting false when the transition is not allowed
func (m *MemoryLeads) MarkStatus(_ context.Context, id string, status types.LeadStatus) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	l, ok := m.s.leads[id]
	if !ok {
		return false, ErrNotFound
	}
	if !l.Status.CanTransition(status) {
		return false, nil
	}
	l.Status = status
	l.UpdatedAt = m.s.now()
	return true, nil
}

// RecordPurchase stores a single-lead purchase and moves the lead to Purchased
func (m *MemoryLeads) RecordPurchase(_ context.Context, p *models.LeadPurchase) (*models.Lead, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	if _, dup := m.s.purchases[p.PaymentID]; dup {
		return nil, ErrDuplicate
	}
	l, ok := m.s.leads[p.LeadID]
	if !ok {
		return nil, ErrNotFound
	}

	now := m.s.now()
	p.CreatedAt = now
	c := *p
	m.s.purchases[p.PaymentID] = &c

	l.Status = types.LeadStatusPurchased
	if l.PurchasedBy == nil {
		buyer := p.BuyerEmail
		l.PurchasedBy = &buyer
	}
	if l.PurchasedAt == nil {
		l.PurchasedAt = &now
	}
	if l.PaymentID == nil {
		payment := p.PaymentID
		l.PaymentID = &payment
	}
	l.UpdatedAt = now
	return copyLead(l), nil
}

// SetEmailSent flags that the purchased lead was emailed to its buyer
func (m *MemoryLeads) SetEmailSent(_ context.Context, id string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	l, ok := m.s.leads[id]
	if !ok {
		return ErrNotFound
	}
	l.EmailSent = true
	l.UpdatedAt = m.s.now()
	return nil
}

// Search returns leads matching the filter, newest first
func (m *MemoryLeads) Search(_ context.Context, f models.LeadFilter) ([]*models.Lead, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	query := strings.ToLower(f.Query)
	var out []*models.Lead
	for _, l := range m.s.leads {
		if f.Zip != "" && l.Zip != f.Zip {
			continue
		}
		if f.Status != "" && l.Status != f.Status {
			continue
		}
		if f.ProviderID != "" && !m.s.leadTouchesProvider(l, f.ProviderID) {
			continue
		}
		if query != "" &&
			!strings.Contains(strings.ToLower(l.Name), query) &&
			!strings.Contains(strings.ToLower(l.Email), query) &&
			!strings.Contains(strings.ToLower(l.Phone), query) {
			continue
		}
		out = append(out, copyLead(l))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return page(out, limit, f.Offset), nil
}

// leadTouchesProvider must be called with the store lock held
func (s *MemoryStore) leadTouchesProvider(l *models.Lead, providerID string) bool {
	if l.DirectProviderID == providerID {
		return true
	}
	if l.AssignedProviderID != nil && *l.AssignedProviderID == providerID {
		return true
	}
	_, ok := s.assignments[assignmentKey(l.ID, providerID)]
	return ok
}

// CoverageGaps counts NoCoverage leads per zip since the given time
func (m *MemoryLeads) CoverageGaps(_ context.Context, since time.Time, limit int) ([]models.CoverageGap, error) {
	if limit <= 0 {
		limit = 100
	}

	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	byZip := make(map[string]*models.CoverageGap)
	for _, l := range m.s.leads {
		if l.Status != types.LeadStatusNoCoverage || l.CreatedAt.Before(since) {
			continue
		}
		g, ok := byZip[l.Zip]
		if !ok {
			g = &models.CoverageGap{Zip: l.Zip}
			byZip[l.Zip] = g
		}
		g.LeadCount++
		if l.CreatedAt.After(g.LastSeen) {
			g.LastSeen = l.CreatedAt
		}
	}

	gaps := make([]models.CoverageGap, 0, len(byZip))
	for _, g := range byZip {
		gaps = append(gaps, *g)
	}
	sort.Slice(gaps, func(i, j int) bool {
		if gaps[i].LeadCount == gaps[j].LeadCount {
			return gaps[i].Zip < gaps[j].Zip
		}
		return gaps[i].LeadCount > gaps[j].LeadCount
	})
	if len(gaps) > limit {
		gaps = gaps[:limit]
	}
	return gaps, nil
}

// ListAssignments returns the providers a lead was delivered to in full
func (m *MemoryLeads) ListAssignments(_ context.Context, leadID string) ([]*models.LeadAssignment, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	var out []*models.LeadAssignment
	for _, a := range m.s.assignments {
		if a.LeadID == leadID {
			c := *a
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ProviderID < out[j].ProviderID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// MemoryPurchaseLog implements the purchase log repository in memory
type MemoryPurchaseLog struct{ s *MemoryStore }

// Append writes an entry; a second final entry for a payment id returns ErrDuplicate
func (m *MemoryPurchaseLog) Append(_ context.Context, e *models.PurchaseLogEntry) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	if e.Status.IsFinal() {
		for _, existing := range m.s.purchaseLog {
			if existing.PaymentID == e.PaymentID && existing.Status.IsFinal() {
				return ErrDuplicate
			}
		}
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.CreatedAt = m.s.now()
	c := *e
	m.s.purchaseLog = append(m.s.purchaseLog, &c)
	return nil
}

// FindFinal returns the entry that marked the payment processed, or ErrNotFound
func (m *MemoryPurchaseLog) FindFinal(_ context.Context, paymentID string) (*models.PurchaseLogEntry, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	for _, e := range m.s.purchaseLog {
		if e.PaymentID == paymentID && e.Status.IsFinal() {
			c := *e
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

// ListByPayment returns every entry for a payment id in arrival order
func (m *MemoryPurchaseLog) ListByPayment(_ context.Context, paymentID string) ([]*models.PurchaseLogEntry, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	var out []*models.PurchaseLogEntry
	for _, e := range m.s.purchaseLog {
		if e.PaymentID == paymentID {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

// MemoryDeliveries implements the delivery repository in memory
type MemoryDeliveries struct{ s *MemoryStore }

func copyDelivery(d *models.Delivery) *models.Delivery {
	c := *d
	return &c
}

// Create records a pending delivery. A second purchase delivery for the same payment id
// returns ErrDuplicate.
func (m *MemoryDeliveries) Create(_ context.Context, d *models.Delivery) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	if d.Kind == types.DeliveryPurchase && d.PaymentID != nil {
		for _, existing := range m.s.deliveries {
			if existing.Kind == types.DeliveryPurchase && existing.PaymentID != nil && *existing.PaymentID == *d.PaymentID {
				return ErrDuplicate
			}
		}
	}

	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.Status == "" {
		d.Status = types.DeliveryPending
	}
	d.CreatedAt = m.s.now()
	d.UpdatedAt = d.CreatedAt
	m.s.deliveries[d.ID] = copyDelivery(d)
	return nil
}

// GetByID retrieves a delivery by ID
func (m *MemoryDeliveries) GetByID(_ context.Context, id string) (*models.Delivery, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	d, ok := m.s.deliveries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDelivery(d), nil
}

// MarkResult records the outcome of one send attempt
func (m *MemoryDeliveries) MarkResult(_ context.Context, id string, status types.DeliveryStatus, lastErr string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	d, ok := m.s.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	d.Status = status
	d.LastError = lastErr
	d.Attempts++
	d.UpdatedAt = m.s.now()
	return nil
}

// Reclaim moves a failed delivery, or one left pending since before staleBefore, back to
// pending. It reports false when another caller got there first or the row went out.
func (m *MemoryDeliveries) Reclaim(_ context.Context, id string, staleBefore time.Time) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	d, ok := m.s.deliveries[id]
	if !ok {
		return false, ErrNotFound
	}
	stale := d.Status == types.DeliveryPending && d.UpdatedAt.Before(staleBefore)
	if d.Status != types.DeliveryFailed && !stale {
		return false, nil
	}
	d.Status = types.DeliveryPending
	d.UpdatedAt = m.s.now()
	return true, nil
}

func (m *MemoryDeliveries) sorted(keep func(d *models.Delivery) bool, byUpdate bool) []*models.Delivery {
	var out []*models.Delivery
	for _, d := range m.s.deliveries {
		if keep(d) {
			out = append(out, copyDelivery(d))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].CreatedAt, out[j].CreatedAt
		if byUpdate {
			a, b = out[i].UpdatedAt, out[j].UpdatedAt
		}
		if a.Equal(b) {
			return out[i].ID < out[j].ID
		}
		return a.Before(b)
	})
	return out
}

// FindByPayment returns the purchase delivery for a payment, preferring one that went
// out, then the newest. Returns ErrNotFound when none exists.
func (m *MemoryDeliveries) FindByPayment(_ context.Context, paymentID string) (*models.Delivery, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	found := m.sorted(func(d *models.Delivery) bool {
		return d.Kind == types.DeliveryPurchase && d.PaymentID != nil && *d.PaymentID == paymentID
	}, false)
	if len(found) == 0 {
		return nil, ErrNotFound
	}
	for i := len(found) - 1; i >= 0; i-- {
		if found[i].Status == types.DeliverySent || found[i].Status == types.DeliveryResent {
			return found[i], nil
		}
	}
	return found[len(found)-1], nil
}

// ListByLead returns every delivery recorded for a lead
func (m *MemoryDeliveries) ListByLead(_ context.Context, leadID string) ([]*models.Delivery, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	return m.sorted(func(d *models.Delivery) bool { return d.LeadID == leadID }, false), nil
}

// ListFailed returns failed deliveries that still have attempts left, oldest first
func (m *MemoryDeliveries) ListFailed(_ context.Context, maxAttempts, limit int) ([]*models.Delivery, error) {
	if limit <= 0 {
		limit = 50
	}

	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	out := m.sorted(func(d *models.Delivery) bool {
		return d.Status == types.DeliveryFailed && d.Attempts < maxAttempts
	}, true)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FailDangling marks deliveries stuck in pending since before cutoff as failed
func (m *MemoryDeliveries) FailDangling(_ context.Context, cutoff time.Time) (int, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	count := 0
	for _, d := range m.s.deliveries {
		if d.Status == types.DeliveryPending && d.UpdatedAt.Before(cutoff) {
			d.Status = types.DeliveryFailed
			d.LastError = "dangling: no send outcome recorded"
			d.UpdatedAt = m.s.now()
			count++
		}
	}
	return count, nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
