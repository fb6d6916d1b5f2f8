package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lead-router/internal/config"
	"github.com/lead-router/internal/models"
	"github.com/lead-router/internal/notify"
	"github.com/lead-router/internal/retry"
	"github.com/lead-router/internal/storage"
	"github.com/lead-router/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// recordingSender captures outbound mail and can be told to fail
type recordingSender struct {
	mu      sync.Mutex
	sent    []notify.Message
	failing map[string]error
	failAll error
}

func newRecordingSender() *recordingSender {
	return &recordingSender{failing: make(map[string]error)}
}

func (s *recordingSender) Send(_ context.Context, msg notify.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failAll != nil {
		return s.failAll
	}
	if err, ok := s.failing[msg.To]; ok {
		return err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *recordingSender) failFor(to string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing[to] = err
}

func (s *recordingSender) heal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = make(map[string]error)
	s.failAll = nil
}

func (s *recordingSender) to(addr string) []notify.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []notify.Message
	for _, m := range s.sent {
		if m.To == addr {
			out = append(out, m)
		}
	}
	return out
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func testPricing(t *testing.T) config.PricingConfig {
	t.Helper()
	packs, err := config.ParsePacks("pack_5:200:5,pack_12:450:12:perks,pack_30:1000:30:perks")
	require.NoError(t, err)
	subs, err := config.ParsePacks("subscription_monthly:99:3:perks")
	require.NoError(t, err)

	return config.PricingConfig{
		Currency:        "usd",
		SingleLeadPrice: decimal.NewFromInt(40),
		Packs:           packs,
		Subscription:    subs[0],
		Tolerance:       decimal.NewFromInt(5),
		PerksRenewal:    30 * 24 * time.Hour,
	}
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Pricing: testPricing(t),
		Dispatch: config.DispatchConfig{
			CreditsPerLead: 1,
			PaymentLinkURL: "https://pay.example.com/lead",
			OpsEmail:       "ops@example.com",
		},
		Maintenance: config.MaintenanceConfig{
			DanglingAfter:     10 * time.Minute,
			ResendBatchSize:   50,
			ResendMaxAttempts: 5,
		},
	}
}

type testEnv struct {
	engine *Engine
	store  *storage.MemoryStore
	repos  Repositories
	sender *recordingSender
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithLocker(t, storage.NewLocalPaymentLock())
}

// newTestEnvWithLocker builds an engine over a fresh memory store; a nil locker leaves
// concurrent deliveries of one payment to the store's constraints alone
func newTestEnvWithLocker(t *testing.T, locker PaymentLocker) *testEnv {
	t.Helper()
	store := storage.NewMemoryStore()
	repos := NewMemoryRepositories(store)
	sender := newRecordingSender()

	engine := NewEngine(testConfig(t), repos, locker, sender)
	engine.Dispatcher.SetRetryConfig(&retry.Config{
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   1,
	})
	t.Cleanup(engine.Alerter.Wait)

	return &testEnv{engine: engine, store: store, repos: repos, sender: sender}
}

// addProvider registers an active provider and funds it through the ledger
func (e *testEnv) addProvider(t *testing.T, email, company string, zips []string, balance int) *models.Provider {
	t.Helper()
	ctx := context.Background()

	p := &models.Provider{
		Email:       email,
		CompanyName: company,
		Phone:       "(239) 555-0142",
		ServiceZips: zips,
		Status:      types.ProviderActive,
	}
	require.NoError(t, e.repos.Providers.Create(ctx, p))

	if balance > 0 {
		_, err := e.repos.Ledger.Apply(ctx, &models.CreditTransaction{
			ProviderID: p.ID,
			Type:       types.TxAdminAdd,
			Amount:     balance,
			Reference:  "seed",
		}, false)
		require.NoError(t, err)
	}
	return e.provider(t, p.ID)
}

func (e *testEnv) provider(t *testing.T, id string) *models.Provider {
	t.Helper()
	p, err := e.repos.Providers.GetByID(context.Background(), id)
	require.NoError(t, err)
	return p
}

func (e *testEnv) lead(t *testing.T, id string) *models.Lead {
	t.Helper()
	l, err := e.repos.Leads.GetByID(context.Background(), id)
	require.NoError(t, err)
	return l
}

func (e *testEnv) transactionCount(t *testing.T, providerID string) int {
	t.Helper()
	txs, err := e.repos.Ledger.ListTransactions(context.Background(), providerID, 1000)
	require.NoError(t, err)
	return len(txs)
}

func completeEvent(paymentID string, cents int64, token, email string) *PaymentEvent {
	return &PaymentEvent{
		PaymentID:        paymentID,
		Status:           "complete",
		Mode:             "payment",
		AmountCents:      cents,
		Currency:         "usd",
		CorrelationToken: token,
		BuyerEmail:       email,
	}
}

func validLead(zip string) *LeadInput {
	return &LeadInput{
		Name:        "Dana Reyes",
		Phone:       "239-555-0199",
		Email:       "dana@example.net",
		Zip:         zip,
		ProjectType: "Roof repair",
		Timeframe:   "This month",
	}
}

func errSMTP(to string) error {
	return fmt.Errorf("smtp: relay refused mail for %s", to)
}
