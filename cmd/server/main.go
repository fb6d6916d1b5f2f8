// Package main provides the API server entry point for the lead router.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lead-router/internal/api"
	"github.com/lead-router/internal/circuitbreaker"
	"github.com/lead-router/internal/config"
	"github.com/lead-router/internal/logging"
	"github.com/lead-router/internal/notify"
	"github.com/lead-router/internal/service"
)

func main() {
	fmt.Println("Lead Router API Server")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":   cfg.Logging.Level,
		"format":  cfg.Logging.Format,
		"backend": cfg.Database.Backend,
	}).Info("Structured logging initialized")

	backend, err := service.OpenBackend(cfg, true)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open store")
	}
	defer backend.Close()

	// Outbound mail fails fast while the relay is down
	breakers := circuitbreaker.NewManager()
	sender := notify.NewBreakerSender(notify.NewSender(&cfg.Email), breakers.GetOrCreate("smtp", nil))

	engine := service.NewEngine(cfg, backend.Repos, backend.Locker, sender)
	logger.Info("Routing engine initialized")

	serverConfig := &api.ServerConfig{
		Host:             cfg.Server.Host,
		Port:             cfg.Server.Port,
		ReadTimeout:      cfg.Server.ReadTimeout,
		WriteTimeout:     cfg.Server.WriteTimeout,
		IdleTimeout:      60 * time.Second,
		AdminToken:       cfg.Server.AdminToken,
		WebhookSecret:    cfg.Webhook.SigningSecret,
		WebhookTolerance: cfg.Webhook.TimestampTolerance,
		PublicRPS:        cfg.RateLimit.PublicRPS,
		PublicBurst:      cfg.RateLimit.PublicBurst,
	}

	server := api.NewServer(serverConfig, engine, breakers)
	for name, check := range backend.Checks {
		server.AddHealthCheck(name, check)
	}

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	// let in-flight operator alerts finish
	engine.Alerter.Wait()
	logger.Info("Server exited")
}
