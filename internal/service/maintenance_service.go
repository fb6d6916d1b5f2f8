package service

import (
	"context"
	"time"

	"github.com/lead-router/internal/config"
	"github.com/lead-router/internal/errors"
	"github.com/lead-router/internal/logging"
	"github.com/lead-router/internal/metrics"
)

// SweepReport counts what one maintenance pass changed
type SweepReport struct {
	PremiumExpired     int       `json:"premiumExpired"`
	DanglingFailed     int       `json:"danglingFailed"`
	LedgerMismatches   int       `json:"ledgerMismatches"`
	DeliveriesResent   int       `json:"deliveriesResent"`
	DeliveriesStillBad int       `json:"deliveriesStillFailing"`
	StartedAt          time.Time `json:"startedAt"`
	Duration           string    `json:"duration"`
}

// MaintenanceService runs the periodic batch pass. Every step is a conditional update,
// so a sweep can overlap live traffic or another sweep.
type MaintenanceService struct {
	providers  ProviderRepository
	ledger     LedgerRepository
	deliveries DeliveryRepository
	dispatcher *LeadDispatcher
	alerter    *Alerter
	cfg        config.MaintenanceConfig
	now        func() time.Time
}

// NewMaintenanceService creates a new maintenance service
func NewMaintenanceService(
	providers ProviderRepository,
	ledger LedgerRepository,
	deliveries DeliveryRepository,
	dispatcher *LeadDispatcher,
	alerter *Alerter,
	cfg config.MaintenanceConfig,
) *MaintenanceService {
	return &MaintenanceService{
		providers:  providers,
		ledger:     ledger,
		deliveries: deliveries,
		dispatcher: dispatcher,
		alerter:    alerter,
		cfg:        cfg,
		now:        time.Now,
	}
}

// Sweep expires lapsed premium perks, fails deliveries stuck in pending, audits the
// ledger and resends failed deliveries.
func (s *MaintenanceService) Sweep(ctx context.Context) (*SweepReport, error) {
	logger := logging.FromContext(ctx).WithField("task", "maintenance")
	report := &SweepReport{StartedAt: s.now().UTC()}

	expired, err := s.providers.ExpirePremium(ctx, report.StartedAt)
	if err != nil {
		return nil, errors.NewDatabaseError("expire premium", err)
	}
	report.PremiumExpired = expired
	metrics.MaintenanceItems.WithLabelValues("premium_expired").Add(float64(expired))

	dangling, err := s.deliveries.FailDangling(ctx, report.StartedAt.Add(-s.cfg.DanglingAfter))
	if err != nil {
		return nil, errors.NewDatabaseError("fail dangling deliveries", err)
	}
	report.DanglingFailed = dangling
	metrics.MaintenanceItems.WithLabelValues("dangling_failed").Add(float64(dangling))

	mismatches, err := s.ledger.ListInconsistent(ctx)
	if err != nil {
		return nil, errors.NewDatabaseError("audit ledger", err)
	}
	for _, rec := range mismatches {
		s.alerter.Alert(ctx, AlertLedgerMismatch, "Provider balance disagrees with its ledger", map[string]interface{}{
			"providerId":       rec.ProviderID,
			"creditBalance":    rec.CreditBalance,
			"transactionSum":   rec.TransactionSum,
			"transactionCount": rec.TransactionCount,
		})
	}
	report.LedgerMismatches = len(mismatches)

	failed, err := s.deliveries.ListFailed(ctx, s.cfg.ResendMaxAttempts, s.cfg.ResendBatchSize)
	if err != nil {
		return nil, errors.NewDatabaseError("list failed deliveries", err)
	}
	for _, d := range failed {
		if ctx.Err() != nil {
			break
		}
		if err := s.dispatcher.Resend(ctx, d); err != nil {
			report.DeliveriesStillBad++
			logger.WithError(err).WithField("deliveryId", d.ID).Warn("Resend failed")
			continue
		}
		report.DeliveriesResent++
	}
	metrics.MaintenanceItems.WithLabelValues("deliveries_resent").Add(float64(report.DeliveriesResent))

	report.Duration = time.Since(report.StartedAt).String()
	logger.WithFields(map[string]interface{}{
		"premiumExpired":   report.PremiumExpired,
		"danglingFailed":   report.DanglingFailed,
		"ledgerMismatches": report.LedgerMismatches,
		"resent":           report.DeliveriesResent,
		"stillFailing":     report.DeliveriesStillBad,
	}).Info("Maintenance sweep finished")
	return report, nil
}

// Run sweeps on every interval until ctx is cancelled
func (s *MaintenanceService) Run(ctx context.Context) {
	interval := s.cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil {
			logging.FromContext(ctx).WithError(err).Error("Maintenance sweep failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
