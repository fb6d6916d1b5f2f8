package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/lead-router/internal/models"
	"github.com/lead-router/internal/service"
	"github.com/lead-router/internal/types"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	defaultGapDays  = 30
)

// queryInt parses an optional non-negative integer query parameter
func queryInt(r *http.Request, key string, def, max int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, false
	}
	if max > 0 && v > max {
		v = max
	}
	return v, true
}

// handleAdjustCredits handles POST /admin/providers/{id}/credits - Manual ledger adjustment
func (s *Server) handleAdjustCredits(w http.ResponseWriter, r *http.Request) {
	var input service.AdjustCreditsInput
	if err := parseJSONBody(r, &input); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	result, err := s.admin.AdjustCredits(r.Context(), mux.Vars(r)["id"], &input)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// handleProviderLedger handles GET /admin/providers/{id}/ledger - Reconciliation report
func (s *Server) handleProviderLedger(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", defaultPageSize, maxPageSize)
	if !ok {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid limit", nil)
		return
	}

	report, err := s.admin.Ledger(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, report)
}

// handleSetProviderStatus handles PUT /admin/providers/{id}/status - Activate or deactivate
func (s *Server) handleSetProviderStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status types.ProviderStatus `json:"status"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	id := mux.Vars(r)["id"]
	if err := s.admin.SetProviderStatus(r.Context(), id, req.Status); err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"providerId": id,
		"status":     req.Status,
	})
}

// handleResendDelivery handles POST /admin/deliveries/{id}/resend
func (s *Server) handleResendDelivery(w http.ResponseWriter, r *http.Request) {
	delivery, err := s.admin.ResendDelivery(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, delivery)
}

// handleSearchLeads handles GET /admin/leads - Search by zip, status, provider or free text
func (s *Server) handleSearchLeads(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", defaultPageSize, maxPageSize)
	if !ok {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid limit", nil)
		return
	}
	offset, ok := queryInt(r, "offset", 0, 0)
	if !ok {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid offset", nil)
		return
	}

	query := r.URL.Query()
	filter := models.LeadFilter{
		Zip:        query.Get("zip"),
		Status:     types.LeadStatus(query.Get("status")),
		ProviderID: query.Get("providerId"),
		Query:      query.Get("q"),
		Limit:      limit,
		Offset:     offset,
	}

	leads, err := s.admin.SearchLeads(r.Context(), filter)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"leads":  leads,
		"limit":  limit,
		"offset": offset,
	})
}

// handleGetLead handles GET /admin/leads/{id} - Lead with assignments and deliveries
func (s *Server) handleGetLead(w http.ResponseWriter, r *http.Request) {
	detail, err := s.admin.GetLead(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, detail)
}

// handleRedispatchLead handles POST /admin/leads/{id}/dispatch - Route a New lead again
func (s *Server) handleRedispatchLead(w http.ResponseWriter, r *http.Request) {
	result, err := s.admin.RedispatchLead(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// handleCoverageGaps handles GET /admin/coverage-gaps - NoCoverage leads per zip.
// The window is ?since=<RFC3339> or ?days=<n>, defaulting to 30 days.
func (s *Server) handleCoverageGaps(w http.ResponseWriter, r *http.Request) {
	since := s.now().AddDate(0, 0, -defaultGapDays)
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid since, expected RFC3339", nil)
			return
		}
		since = t
	} else if r.URL.Query().Get("days") != "" {
		days, ok := queryInt(r, "days", defaultGapDays, 3650)
		if !ok {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid days", nil)
			return
		}
		since = s.now().AddDate(0, 0, -days)
	}

	limit, ok := queryInt(r, "limit", defaultPageSize, maxPageSize)
	if !ok {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid limit", nil)
		return
	}

	gaps, err := s.admin.CoverageGaps(r.Context(), since, limit)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"since": since.UTC(),
		"gaps":  gaps,
	})
}

// handleSweep handles POST /admin/maintenance/sweep - Run one maintenance pass now
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	report, err := s.sweeper.Sweep(r.Context())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, report)
}
