// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"github.com/lead-router/internal/circuitbreaker"
	"github.com/lead-router/internal/logging"
	"github.com/lead-router/internal/models"
	"github.com/lead-router/internal/service"
	"github.com/lead-router/internal/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Service interfaces for dependency injection and testing

// LeadIntake accepts and routes new leads
type LeadIntake interface {
	Submit(ctx context.Context, input *service.LeadInput) (*service.DispatchResult, error)
}

// PaymentReconciler applies gateway payment events
type PaymentReconciler interface {
	Reconcile(ctx context.Context, ev *service.PaymentEvent) (*service.ReconcileResult, error)
}

// ProviderAccounts handles provider self-service
type ProviderAccounts interface {
	Register(ctx context.Context, input *service.RegisterProviderInput) (*models.Provider, error)
	QueryBalance(ctx context.Context, input *service.BalanceQueryInput) (*service.BalanceView, error)
}

// AdminOperations are the operator hooks behind the admin token
type AdminOperations interface {
	AdjustCredits(ctx context.Context, providerID string, input *service.AdjustCreditsInput) (*service.BalanceResult, error)
	Ledger(ctx context.Context, providerID string, limit int) (*service.LedgerReport, error)
	ResendDelivery(ctx context.Context, deliveryID string) (*models.Delivery, error)
	SearchLeads(ctx context.Context, f models.LeadFilter) ([]*models.Lead, error)
	GetLead(ctx context.Context, leadID string) (*service.LeadDetail, error)
	RedispatchLead(ctx context.Context, leadID string) (*service.DispatchResult, error)
	CoverageGaps(ctx context.Context, since time.Time, limit int) ([]models.CoverageGap, error)
	SetProviderStatus(ctx context.Context, providerID string, status types.ProviderStatus) error
}

// Sweeper runs one maintenance pass on demand
type Sweeper interface {
	Sweep(ctx context.Context) (*service.SweepReport, error)
}

// HealthCheck probes one dependency
type HealthCheck func(ctx context.Context) error

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	leads      LeadIntake
	payments   PaymentReconciler
	providers  ProviderAccounts
	admin      AdminOperations
	sweeper    Sweeper
	breakers   *circuitbreaker.Manager
	checks     map[string]HealthCheck
	config     *ServerConfig
	now        func() time.Time
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host             string
	Port             string
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	IdleTimeout      time.Duration
	AdminToken       string
	WebhookSecret    string
	WebhookTolerance time.Duration
	PublicRPS        int
	PublicBurst      int
}

// NewServer creates a new API server instance over a routing engine.
func NewServer(config *ServerConfig, engine *service.Engine, breakers *circuitbreaker.Manager) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		leads:     engine.Dispatcher,
		payments:  engine.Reconciler,
		providers: engine.Providers,
		admin:     engine.Admin,
		sweeper:   engine.Maintenance,
		breakers:  breakers,
		checks:    make(map[string]HealthCheck),
		config:    config,
		now:       time.Now,
	}

	if config.WebhookSecret == "" {
		logging.GetGlobalLogger().Warn("WEBHOOK_SIGNING_SECRET is empty: payment webhooks are accepted unsigned")
	}

	s.setupRouter()

	return s
}

// AddHealthCheck registers a dependency probe reported by /health
func (s *Server) AddHealthCheck(name string, check HealthCheck) {
	s.checks[name] = check
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	// Set up middleware (order matters!)
	s.router.Use(RequestIDMiddleware)
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Public endpoints share one per-client limiter
	limiter := NewRateLimiter(s.config.PublicRPS, s.config.PublicBurst)
	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(RateLimitMiddleware(limiter))

	api.HandleFunc("/leads", s.handleSubmitLead).Methods("POST", "OPTIONS")
	api.HandleFunc("/providers", s.handleRegisterProvider).Methods("POST", "OPTIONS")
	api.HandleFunc("/providers/balance", s.handleProviderBalance).Methods("POST", "OPTIONS")

	// Gateway webhooks are authenticated by signature, not throttled
	s.router.HandleFunc("/webhooks/payments", s.handlePaymentWebhook).Methods("POST")

	admin := s.router.PathPrefix("/admin").Subrouter()
	admin.Use(AdminAuthMiddleware(s.config.AdminToken))

	admin.HandleFunc("/providers/{id}/credits", s.handleAdjustCredits).Methods("POST")
	admin.HandleFunc("/providers/{id}/ledger", s.handleProviderLedger).Methods("GET")
	admin.HandleFunc("/providers/{id}/status", s.handleSetProviderStatus).Methods("PUT")
	admin.HandleFunc("/deliveries/{id}/resend", s.handleResendDelivery).Methods("POST")
	admin.HandleFunc("/leads", s.handleSearchLeads).Methods("GET")
	admin.HandleFunc("/leads/{id}", s.handleGetLead).Methods("GET")
	admin.HandleFunc("/leads/{id}/dispatch", s.handleRedispatchLead).Methods("POST")
	admin.HandleFunc("/coverage-gaps", s.handleCoverageGaps).Methods("GET")
	admin.HandleFunc("/maintenance/sweep", s.handleSweep).Methods("POST")
}

// handleHealth reports dependency probes and circuit breaker states.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	code := http.StatusOK

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make(map[string]string, len(names))
	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			checks[name] = err.Error()
			status = "unhealthy"
			code = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	var breakers []*circuitbreaker.Stats
	if s.breakers != nil {
		breakers = s.breakers.AllStats()
		for _, b := range breakers {
			if b.State == circuitbreaker.StateOpen && status == "healthy" {
				status = "degraded"
			}
		}
	}

	respondJSON(w, code, map[string]interface{}{
		"status":   status,
		"service":  "lead-router",
		"checks":   checks,
		"breakers": breakers,
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	logging.GetGlobalLogger().WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.GetGlobalLogger().Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
