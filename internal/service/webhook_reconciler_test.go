package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lead-router/internal/errors"
	"github.com/lead-router/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcile_PackPurchaseIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.addProvider(t, "pro@example.com", "Pro", []string{"33901"}, 0)

	res, err := env.engine.Reconciler.Reconcile(ctx, completeEvent("pi_123", 20000, p.ID, "pro@example.com"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Status)
	assert.False(t, res.Duplicate)
	assert.Equal(t, "pack_5", res.Product)
	assert.Equal(t, 5, env.provider(t, p.ID).CreditBalance)
	txCount := env.transactionCount(t, p.ID)

	replay, err := env.engine.Reconciler.Reconcile(ctx, completeEvent("pi_123", 20000, p.ID, "pro@example.com"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, replay.Status)
	assert.True(t, replay.Duplicate)
	assert.Equal(t, 5, env.provider(t, p.ID).CreditBalance)
	assert.Equal(t, txCount, env.transactionCount(t, p.ID))

	entries, err := env.repos.PurchaseLog.ListByPayment(ctx, "pi_123")
	require.NoError(t, err)
	statuses := make([]types.PurchaseStatus, 0, len(entries))
	for _, e := range entries {
		statuses = append(statuses, e.Status)
	}
	assert.Equal(t, []types.PurchaseStatus{
		types.PurchaseAttempted,
		types.PurchaseCreditsAdded,
		types.PurchaseAttempted,
	}, statuses)
}

func TestReconcile_NonCompleteNeverCreditsOrDelivers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.addProvider(t, "pro@example.com", "Pro", nil, 0)
	seedLead(t, env, "LD-260101-EEEEEE", "33901")

	for _, status := range []string{"open", "expired", "unpaid", ""} {
		ev := completeEvent("pi_status_"+status, 20000, p.ID, "pro@example.com")
		ev.Status = status
		res, err := env.engine.Reconciler.Reconcile(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, OutcomeRejected, res.Status)
		assert.Equal(t, RejectStatusNotComplete, res.Detail)

		lead := completeEvent("pi_lead_"+status, 4000, "LD-260101-EEEEEE", "buyer@example.com")
		lead.Status = status
		_, err = env.engine.Reconciler.Reconcile(ctx, lead)
		require.NoError(t, err)
	}

	assert.Equal(t, 0, env.provider(t, p.ID).CreditBalance)
	assert.Equal(t, types.LeadStatusNew, env.lead(t, "LD-260101-EEEEEE").Status)
	assert.Empty(t, env.sender.to("buyer@example.com"))
}

func TestReconcile_ValidationGate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(ev *PaymentEvent)
		reason string
	}{
		{"subscription mode", func(ev *PaymentEvent) { ev.Mode = "subscription" }, RejectUnsupportedMode},
		{"zero amount", func(ev *PaymentEvent) { ev.AmountCents = 0 }, RejectNonPositiveAmount},
		{"negative amount", func(ev *PaymentEvent) { ev.AmountCents = -20000 }, RejectNonPositiveAmount},
		{"missing token", func(ev *PaymentEvent) { ev.CorrelationToken = "  " }, RejectMissingToken},
		{"missing payment id", func(ev *PaymentEvent) { ev.PaymentID = "" }, RejectMissingPaymentID},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := completeEvent("pi_gate", 20000, "token", "buyer@example.com")
			tc.mutate(ev)

			res, err := env.engine.Reconciler.Reconcile(ctx, ev)
			require.NoError(t, err)
			assert.Equal(t, OutcomeRejected, res.Status)
			assert.Equal(t, tc.reason, res.Detail)
			assert.NotContains(t, res.Reason, tc.reason)
		})
	}

	processed, err := env.engine.Guard.IsProcessed(ctx, "pi_gate")
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestReconcile_UnclassifiableAmount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.addProvider(t, "pro@example.com", "Pro", nil, 0)

	res, err := env.engine.Reconciler.Reconcile(ctx, completeEvent("pi_odd", 31337, p.ID, "pro@example.com"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, res.Status)
	assert.Equal(t, RejectUnclassifiable, res.Detail)
	assert.Equal(t, 0, env.provider(t, p.ID).CreditBalance)

	entries, err := env.repos.PurchaseLog.ListByPayment(ctx, "pi_odd")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, types.Rejected(RejectUnclassifiable), entries[1].Status)

	env.engine.Alerter.Wait()
	alerts := env.sender.to("ops@example.com")
	require.Len(t, alerts, 1)
	assert.Contains(t, alerts[0].Subject, AlertUnclassifiablePayment)
	assert.Contains(t, alerts[0].Text, "313.37")
}

func TestReconcile_CreatesProviderFromBuyerEmail(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ev := completeEvent("pi_new", 20000, "landing-page", "John.Smith@Example.com")
	res, err := env.engine.Reconciler.Reconcile(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Status)
	require.NotEmpty(t, res.ProviderID)

	p, err := env.repos.Providers.GetByEmail(ctx, "john.smith@example.com")
	require.NoError(t, err)
	assert.Equal(t, res.ProviderID, p.ID)
	assert.Equal(t, "John Smith", p.CompanyName)
	assert.Equal(t, 5, p.CreditBalance)

	// a later payment by the same email reuses the provider
	_, err = env.engine.Reconciler.Reconcile(ctx, completeEvent("pi_new_2", 20000, "landing-page", "john.smith@example.com"))
	require.NoError(t, err)
	assert.Equal(t, 10, env.provider(t, p.ID).CreditBalance)
}

func TestReconcile_CreditPurchaseWithoutPayer(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.engine.Reconciler.Reconcile(context.Background(), completeEvent("pi_nobody", 20000, "landing-page", ""))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, res.Status)
	assert.Equal(t, RejectMissingBuyer, res.Detail)

	env.engine.Alerter.Wait()
	assert.Len(t, env.sender.to("ops@example.com"), 1)
}

func TestReconcile_MalformedBuyerEmailRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.engine.Reconciler.Reconcile(ctx, completeEvent("pi_bad_email", 20000, "landing-page", "not-an-email"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, res.Status)
	assert.Equal(t, RejectInvalidBuyer, res.Detail)

	providers, err := env.repos.Providers.List(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, providers)

	entries, err := env.repos.PurchaseLog.ListByPayment(ctx, "pi_bad_email")
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, types.Rejected(RejectInvalidBuyer), entries[len(entries)-1].Status)

	env.engine.Alerter.Wait()
	alerts := env.sender.to("ops@example.com")
	require.Len(t, alerts, 1)
	assert.Contains(t, alerts[0].Subject, AlertPaymentRejected)
}

func TestReconcile_SubscriptionGrantsPerks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.addProvider(t, "sub@example.com", "Sub", nil, 0)

	res, err := env.engine.Reconciler.Reconcile(ctx, completeEvent("pi_sub_1", 9900, p.ID, "sub@example.com"))
	require.NoError(t, err)
	assert.Equal(t, "subscription_monthly", res.Product)

	got := env.provider(t, p.ID)
	assert.Equal(t, 3, got.CreditBalance)
	assert.True(t, got.IsPremium)
	assert.True(t, got.IsVerified)
	assert.True(t, got.IsPriority)
	assert.Equal(t, "subscription_monthly", got.Plan)
	require.NotNil(t, got.PremiumExpiresAt)
	first := *got.PremiumExpiresAt
	assert.WithinDuration(t, time.Now().Add(30*24*time.Hour), first, time.Minute)

	txs, err := env.repos.Ledger.ListTransactions(ctx, p.ID, 10)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, types.TxSubscriptionRenewal, txs[0].Type)

	// a renewal extends from the current expiry
	_, err = env.engine.Reconciler.Reconcile(ctx, completeEvent("pi_sub_2", 9900, p.ID, "sub@example.com"))
	require.NoError(t, err)
	got = env.provider(t, p.ID)
	require.NotNil(t, got.PremiumExpiresAt)
	assert.WithinDuration(t, first.Add(30*24*time.Hour), *got.PremiumExpiresAt, time.Second)
	assert.Equal(t, 6, got.CreditBalance)
}

func TestReconcile_SingleLeadPurchase(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedLead(t, env, "LD-260101-FFFFFF", "33901")

	res, err := env.engine.Reconciler.Reconcile(ctx, completeEvent("pi_single", 4000, "LD-260101-FFFFFF", "buyer@example.com"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Status)
	assert.Equal(t, "single_lead", res.Product)

	lead := env.lead(t, "LD-260101-FFFFFF")
	assert.Equal(t, types.LeadStatusPurchased, lead.Status)
	assert.True(t, lead.EmailSent)
	assert.Len(t, env.sender.to("buyer@example.com"), 1)

	final, err := env.engine.Guard.Outcome(ctx, "pi_single")
	require.NoError(t, err)
	assert.Equal(t, types.PurchaseSuccess, final.Status)
	assert.Equal(t, "single_lead", final.Product)

	replay, err := env.engine.Reconciler.Reconcile(ctx, completeEvent("pi_single", 4000, "LD-260101-FFFFFF", "buyer@example.com"))
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)
	assert.Len(t, env.sender.to("buyer@example.com"), 1)
}

func TestReconcile_UnknownLeadStillProcessed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.engine.Reconciler.Reconcile(ctx, completeEvent("pi_ghost", 4000, "LD-000000-GHOST0", "buyer@example.com"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Status)
	assert.Equal(t, "lead not found", res.Detail)

	processed, err := env.engine.Guard.IsProcessed(ctx, "pi_ghost")
	require.NoError(t, err)
	assert.True(t, processed)

	env.engine.Alerter.Wait()
	alerts := env.sender.to("ops@example.com")
	require.Len(t, alerts, 1)
	assert.Contains(t, alerts[0].Subject, AlertLeadNotFound)
}

func TestReconcile_DeliveryFailureDoesNotBlockProcessing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedLead(t, env, "LD-260101-GGGGGG", "33901")
	env.sender.failFor("buyer@example.com", errSMTP("buyer@example.com"))

	res, err := env.engine.Reconciler.Reconcile(ctx, completeEvent("pi_flaky", 4000, "LD-260101-GGGGGG", "buyer@example.com"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Status)

	processed, err := env.engine.Guard.IsProcessed(ctx, "pi_flaky")
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, types.LeadStatusPurchased, env.lead(t, "LD-260101-GGGGGG").Status)

	d, err := env.repos.Deliveries.FindByPayment(ctx, "pi_flaky")
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryFailed, d.Status)
}

func TestReconcile_ConcurrentDeliveriesCreditOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.addProvider(t, "race@example.com", "Race", nil, 0)

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.engine.Reconciler.Reconcile(ctx, completeEvent("pi_race", 45000, p.ID, "race@example.com"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, errors.ErrPaymentInProgress)
		}
	}
	assert.Equal(t, 12, env.provider(t, p.ID).CreditBalance)

	rec, err := env.repos.Ledger.Reconcile(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, rec.Consistent)
}

func TestReconcile_ConcurrentLeadPurchaseEmailsBuyerOnce(t *testing.T) {
	env := newTestEnvWithLocker(t, nil)
	ctx := context.Background()
	seedLead(t, env, "LD-260101-RRRRRR", "33901")

	const workers = 16
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := env.engine.Reconciler.Reconcile(ctx, completeEvent("pi_dup", 4000, "LD-260101-RRRRRR", "buyer@example.com"))
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Len(t, env.sender.to("buyer@example.com"), 1)

	deliveries, err := env.repos.Deliveries.ListByLead(ctx, "LD-260101-RRRRRR")
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, types.DeliveryPurchase, deliveries[0].Kind)
	assert.Equal(t, types.DeliverySent, deliveries[0].Status)

	final, err := env.engine.Guard.Outcome(ctx, "pi_dup")
	require.NoError(t, err)
	assert.Equal(t, types.PurchaseSuccess, final.Status)
}
