package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/lead-router/internal/logging"
	"github.com/lead-router/internal/service"
)

// maxWebhookBody bounds the payment event payload
const maxWebhookBody = 64 << 10

// handleSubmitLead handles POST /api/leads - Accept and route a lead
func (s *Server) handleSubmitLead(w http.ResponseWriter, r *http.Request) {
	var input service.LeadInput
	if err := parseJSONBody(r, &input); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	result, err := s.leads.Submit(r.Context(), &input)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, result)
}

// handleRegisterProvider handles POST /api/providers - Register a provider account
func (s *Server) handleRegisterProvider(w http.ResponseWriter, r *http.Request) {
	var input service.RegisterProviderInput
	if err := parseJSONBody(r, &input); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	provider, err := s.providers.Register(r.Context(), &input)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, provider)
}

// handleProviderBalance handles POST /api/providers/balance - Balance lookup by email and phone suffix
func (s *Server) handleProviderBalance(w http.ResponseWriter, r *http.Request) {
	var input service.BalanceQueryInput
	if err := parseJSONBody(r, &input); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	view, err := s.providers.QueryBalance(r.Context(), &input)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, view)
}

// handlePaymentWebhook handles POST /webhooks/payments - Verify and apply a gateway event
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	logger := logging.FromContext(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Failed to read body", nil)
		return
	}
	defer r.Body.Close()

	if s.config.WebhookSecret != "" {
		err := VerifySignature(r.Header.Get(SignatureHeader), body, s.config.WebhookSecret, s.config.WebhookTolerance, s.now())
		if err != nil {
			logger.WithError(err).Warn("Rejected unsigned or forged payment webhook")
			respondError(w, http.StatusUnauthorized, ErrCodeInvalidSignature, "Invalid signature", nil)
			return
		}
	}

	// Gateways add fields over time, so unknown fields are tolerated here
	var ev service.PaymentEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		logger.WithError(err).Warn("Malformed payment webhook body")
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid JSON", nil)
		return
	}

	result, err := s.payments.Reconcile(r.Context(), &ev)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}
