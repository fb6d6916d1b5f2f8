package service

import (
	"context"
	"testing"
	"time"

	"github.com/lead-router/internal/models"
	"github.com/lead-router/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// skewedLedger reports a fixed set of inconsistent providers
type skewedLedger struct {
	LedgerRepository
	bad []*models.LedgerReconciliation
}

func (s *skewedLedger) ListInconsistent(context.Context) ([]*models.LedgerReconciliation, error) {
	return s.bad, nil
}

func TestSweep(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	past := time.Now().Add(-2 * time.Hour)
	env.store.SetClock(func() time.Time { return past })

	premium := env.addProvider(t, "premium@example.com", "Premium", nil, 0)
	_, err := env.repos.Providers.ExtendPremium(ctx, premium.ID, models.Perks{Premium: true, Verified: true}, "pack_12", time.Hour)
	require.NoError(t, err)

	seedLead(t, env, "LD-260101-HHHHHH", "33901")
	providerID := premium.ID
	stuck := &models.Delivery{
		LeadID:     "LD-260101-HHHHHH",
		ProviderID: &providerID,
		Recipient:  "premium@example.com",
		Kind:       types.DeliveryTeaser,
	}
	require.NoError(t, env.repos.Deliveries.Create(ctx, stuck))

	env.store.SetClock(time.Now)

	report, err := env.engine.Maintenance.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.PremiumExpired)
	assert.Equal(t, 1, report.DanglingFailed)
	assert.Equal(t, 0, report.LedgerMismatches)
	assert.Equal(t, 1, report.DeliveriesResent)
	assert.Equal(t, 0, report.DeliveriesStillBad)

	got := env.provider(t, premium.ID)
	assert.False(t, got.IsPremium)
	assert.False(t, got.IsVerified)

	d, err := env.repos.Deliveries.GetByID(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryResent, d.Status)
	assert.Len(t, env.sender.to("premium@example.com"), 1)

	// a second pass finds nothing left to do
	report, err = env.engine.Maintenance.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.PremiumExpired)
	assert.Equal(t, 0, report.DanglingFailed)
	assert.Equal(t, 0, report.DeliveriesResent)
}

func TestSweep_LedgerMismatchAlerts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ledger := &skewedLedger{
		LedgerRepository: env.repos.Ledger,
		bad: []*models.LedgerReconciliation{
			{ProviderID: "p-1", CreditBalance: 5, TransactionSum: 4, TransactionCount: 2},
		},
	}
	svc := NewMaintenanceService(env.repos.Providers, ledger, env.repos.Deliveries, env.engine.Dispatcher, env.engine.Alerter, testConfig(t).Maintenance)

	report, err := svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.LedgerMismatches)

	env.engine.Alerter.Wait()
	alerts := env.sender.to("ops@example.com")
	require.Len(t, alerts, 1)
	assert.Contains(t, alerts[0].Subject, AlertLedgerMismatch)
	assert.Contains(t, alerts[0].Text, "p-1")
}

func TestSweep_GivesUpAfterMaxAttempts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addProvider(t, "dead@example.com", "Dead", []string{"33901"}, 1)
	env.sender.failFor("dead@example.com", errSMTP("dead@example.com"))

	_, err := env.engine.Dispatcher.Submit(ctx, validLead("33901"))
	require.NoError(t, err)

	// first failure plus four failed sweeps exhausts the five-attempt budget
	for i := 0; i < 4; i++ {
		report, err := env.engine.Maintenance.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.DeliveriesStillBad, "sweep %d", i)
	}

	report, err := env.engine.Maintenance.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.DeliveriesStillBad)
}
