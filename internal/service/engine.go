package service

import (
	"github.com/lead-router/internal/config"
	"github.com/lead-router/internal/notify"
)

// Engine wires the routing and reconciliation components over one store
type Engine struct {
	Providers   *ProviderService
	Ledger      *CreditLedger
	Resolver    *MatchingResolver
	Prices      *PriceTable
	Guard       *IdempotencyGuard
	Dispatcher  *LeadDispatcher
	Reconciler  *WebhookReconciler
	Admin       *AdminService
	Maintenance *MaintenanceService
	Alerter     *Alerter
}

// NewEngine builds every component from configuration, a store, a payment lock and a mail sender
func NewEngine(cfg *config.Config, repos Repositories, locker PaymentLocker, sender notify.Sender) *Engine {
	alerter := NewAlerter(sender, cfg.Dispatch.OpsEmail)
	accounts := NewProviderService(repos.Providers)
	ledger := NewCreditLedger(repos.Providers, repos.Ledger)
	resolver := NewMatchingResolver(repos.Providers, nil)
	prices := NewPriceTable(cfg.Pricing)
	guard := NewIdempotencyGuard(repos.PurchaseLog, locker)

	dispatcher := NewLeadDispatcher(repos.Leads, repos.Deliveries, resolver, ledger, sender, alerter, cfg.Dispatch)
	dispatcher.SetClaimStaleAfter(cfg.Maintenance.DanglingAfter)
	reconciler := NewWebhookReconciler(guard, prices, ledger, repos.Providers, accounts, dispatcher, alerter, cfg.Pricing.PerksRenewal)
	admin := NewAdminService(ledger, repos.Ledger, repos.Leads, repos.Deliveries, dispatcher, accounts)
	maintenance := NewMaintenanceService(repos.Providers, repos.Ledger, repos.Deliveries, dispatcher, alerter, cfg.Maintenance)

	return &Engine{
		Providers:   accounts,
		Ledger:      ledger,
		Resolver:    resolver,
		Prices:      prices,
		Guard:       guard,
		Dispatcher:  dispatcher,
		Reconciler:  reconciler,
		Admin:       admin,
		Maintenance: maintenance,
		Alerter:     alerter,
	}
}
