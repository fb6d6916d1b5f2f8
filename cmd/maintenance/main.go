// Package main runs the lead router maintenance sweep, once or on an interval.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/lead-router/internal/circuitbreaker"
	"github.com/lead-router/internal/config"
	"github.com/lead-router/internal/logging"
	"github.com/lead-router/internal/notify"
	"github.com/lead-router/internal/service"
)

func main() {
	loop := flag.Bool("loop", false, "Keep sweeping every MAINTENANCE_INTERVAL instead of running once")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().WithField("component", "maintenance")

	backend, err := service.OpenBackend(cfg, false)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open store")
	}
	defer backend.Close()

	sender := notify.NewBreakerSender(notify.NewSender(&cfg.Email), circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig("smtp")))
	engine := service.NewEngine(cfg, backend.Repos, backend.Locker, sender)
	defer engine.Alerter.Wait()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *loop {
		logger.WithField("interval", cfg.Maintenance.Interval.String()).Info("Starting maintenance loop")
		engine.Maintenance.Run(ctx)
		return
	}

	report, err := engine.Maintenance.Sweep(ctx)
	if err != nil {
		logger.WithError(err).Error("Maintenance sweep failed")
		engine.Alerter.Wait()
		backend.Close()
		os.Exit(1)
	}
	logger.WithFields(map[string]interface{}{
		"premiumExpired":   report.PremiumExpired,
		"danglingFailed":   report.DanglingFailed,
		"ledgerMismatches": report.LedgerMismatches,
		"resent":           report.DeliveriesResent,
		"stillFailing":     report.DeliveriesStillBad,
		"duration":         report.Duration,
	}).Info("Maintenance sweep finished")
}
