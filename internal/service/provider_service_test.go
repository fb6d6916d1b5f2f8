package service

import (
	"context"
	"testing"

	"github.com/lead-router/internal/errors"
	"github.com/lead-router/internal/storage"
	"github.com/lead-router/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompanyNameFromEmail(t *testing.T) {
	cases := map[string]string{
		"john.smith@example.com":     "John Smith",
		"JANE_DOE@example.com":       "Jane Doe",
		"best-roofing+leads@x.io":    "Best Roofing Leads",
		"info@acme.com":              "Info",
		"...@weird.com":              "...@weird.com",
		"no-at-sign":                 "No At Sign",
		"émile.zola@example.fr":      "Émile Zola",
		"contractor2024@example.com": "Contractor2024",
	}
	for in, want := range cases {
		assert.Equal(t, want, CompanyNameFromEmail(in), in)
	}
}

func TestRegister(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	svc := env.engine.Providers

	p, err := svc.Register(ctx, &RegisterProviderInput{
		Email:       " Owner@Acme.com ",
		Phone:       "239-555-0142",
		ServiceZips: []string{"33901", "33902", "33901"},
	})
	require.NoError(t, err)
	assert.Equal(t, "owner@acme.com", p.Email)
	assert.Equal(t, "Owner", p.CompanyName)
	assert.Equal(t, []string{"33901", "33902"}, p.ServiceZips)
	assert.Equal(t, 0, p.CreditBalance)
	assert.Equal(t, types.ProviderActive, p.Status)

	_, err = svc.Register(ctx, &RegisterProviderInput{Email: "owner@acme.com"})
	assert.True(t, errors.HasCode(err, errors.CodeConflict))

	_, err = svc.Register(ctx, &RegisterProviderInput{Email: "x@acme.com", ServiceZips: []string{"ABCDE"}})
	assert.ErrorIs(t, err, errors.ErrValidation)
}

func TestGetOrCreateProvider(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	svc := env.engine.Providers

	p, created, err := svc.GetOrCreateProvider(ctx, "mary.jones@example.com", "")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "Mary Jones", p.CompanyName)

	again, created, err := svc.GetOrCreateProvider(ctx, "MARY.JONES@example.com", "Other Name")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, p.ID, again.ID)
	assert.Equal(t, "Mary Jones", again.CompanyName)

	named, _, err := svc.GetOrCreateProvider(ctx, "ops@brand.com", "Brand Builders LLC")
	require.NoError(t, err)
	assert.Equal(t, "Brand Builders LLC", named.CompanyName)

	_, _, err = svc.GetOrCreateProvider(ctx, "  ", "")
	assert.ErrorIs(t, err, errors.ErrValidation)

	for _, bad := range []string{"not-an-email", "two@@example.com", "buyer@"} {
		_, _, err = svc.GetOrCreateProvider(ctx, bad, "")
		assert.ErrorIs(t, err, errors.ErrValidation, bad)
		_, err = env.repos.Providers.GetByEmail(ctx, bad)
		assert.ErrorIs(t, err, storage.ErrNotFound, bad)
	}
}

func TestQueryBalance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addProvider(t, "pro@example.com", "Pro", nil, 4)

	view, err := env.engine.Providers.QueryBalance(ctx, &BalanceQueryInput{Email: "PRO@example.com", PhoneLast4: "0142"})
	require.NoError(t, err)
	assert.Equal(t, 4, view.Balance)

	_, wrongPhone := env.engine.Providers.QueryBalance(ctx, &BalanceQueryInput{Email: "pro@example.com", PhoneLast4: "9999"})
	_, wrongEmail := env.engine.Providers.QueryBalance(ctx, &BalanceQueryInput{Email: "nobody@example.com", PhoneLast4: "0142"})
	require.Error(t, wrongPhone)
	require.Error(t, wrongEmail)
	assert.Equal(t, wrongEmail.Error(), wrongPhone.Error())

	_, err = env.engine.Providers.QueryBalance(ctx, &BalanceQueryInput{Email: "pro@example.com", PhoneLast4: "42"})
	assert.ErrorIs(t, err, errors.ErrValidation)
}

func TestSetStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.addProvider(t, "pro@example.com", "Pro", []string{"33901"}, 0)

	require.NoError(t, env.engine.Providers.SetStatus(ctx, p.ID, types.ProviderInactive))
	assert.Equal(t, types.ProviderInactive, env.provider(t, p.ID).Status)

	assert.ErrorIs(t, env.engine.Providers.SetStatus(ctx, p.ID, "Banned"), errors.ErrValidation)
	assert.True(t, errors.HasCode(env.engine.Providers.SetStatus(ctx, "missing", types.ProviderActive), errors.CodeNotFound))
}
