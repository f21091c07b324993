package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gwi-platform/governance/pkg/violation"
)

// defaultViolationLookback bounds unfiltered listings.
const defaultViolationLookback = 24 * time.Hour

func (s *Server) handleListViolations(w http.ResponseWriter, r *http.Request) {
	if s.violations == nil {
		WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", "Violation store not configured")
		return
	}
	tenantID, _, ok := s.actor(w, r)
	if !ok {
		return
	}

	since := time.Now().Add(-defaultViolationLookback)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			WriteBadRequest(w, "Invalid 'since' parameter (expected RFC 3339 timestamp)")
			return
		}
		since = parsed
	}

	list, err := s.violations.ListSince(r.Context(), tenantID, since)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"violations": list, "count": len(list)})
}

func (s *Server) handleGetViolation(w http.ResponseWriter, r *http.Request) {
	if s.violations == nil {
		WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", "Violation store not configured")
		return
	}
	tenantID, _, ok := s.actor(w, r)
	if !ok {
		return
	}

	v, err := s.violations.Get(r.Context(), tenantID, chi.URLParam(r, "violationID"))
	if errors.Is(err, violation.ErrViolationNotFound) {
		WriteNotFound(w, "Violation not found")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// UpdateViolationStatusRequest moves a violation through its lifecycle.
type UpdateViolationStatusRequest struct {
	Status violation.Status `json:"status"`
}

var validStatuses = map[violation.Status]bool{
	violation.StatusOpen:         true,
	violation.StatusAcknowledged: true,
	violation.StatusEscalated:    true,
	violation.StatusResolved:     true,
	violation.StatusDismissed:    true,
}

func (s *Server) handleUpdateViolationStatus(w http.ResponseWriter, r *http.Request) {
	if s.violations == nil {
		WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", "Violation store not configured")
		return
	}
	tenantID, _, ok := s.actor(w, r)
	if !ok {
		return
	}

	var req UpdateViolationStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if !validStatuses[req.Status] {
		WriteBadRequest(w, "Invalid status")
		return
	}

	err := s.violations.UpdateStatus(r.Context(), tenantID, chi.URLParam(r, "violationID"), req.Status)
	if errors.Is(err, violation.ErrViolationNotFound) {
		WriteNotFound(w, "Violation not found")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(req.Status)})
}
