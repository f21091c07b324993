package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gwi-platform/governance/pkg/policy"
	"github.com/gwi-platform/governance/pkg/policycache"
)

func policyRef(tenantID string, req InvalidateCacheRequest) policycache.PolicyRef {
	return policycache.PolicyRef{
		TenantID: tenantID,
		Repo:     req.Repo,
		Branch:   req.Branch,
		PolicyID: req.PolicyID,
	}
}

// ValidatePolicyResponse reports validation of a submitted policy
// document.
type ValidatePolicyResponse struct {
	Valid  bool                     `json:"valid"`
	Errors []policy.ValidationError `json:"errors,omitempty"`
}

func (s *Server) handleValidatePolicy(w http.ResponseWriter, r *http.Request) {
	if s.validator == nil {
		WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", "Validator not configured")
		return
	}
	if _, _, ok := s.actor(w, r); !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB limit
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		WriteBadRequest(w, "Unable to read request body")
		return
	}

	if _, verrs := s.validator.ValidateJSON(raw); len(verrs) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, ValidatePolicyResponse{Valid: false, Errors: verrs})
		return
	}
	writeJSON(w, http.StatusOK, ValidatePolicyResponse{Valid: true})
}

// InvalidateCacheRequest selects which cached policies to drop. Repo
// narrows to one repository; policy narrows to a single entry.
type InvalidateCacheRequest struct {
	Repo     string `json:"repo,omitempty"`
	Branch   string `json:"branch,omitempty"`
	PolicyID string `json:"policyId,omitempty"`
}

func (s *Server) handleInvalidateCache(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", "Policy engine not configured")
		return
	}
	tenantID, _, ok := s.actor(w, r)
	if !ok {
		return
	}

	var req InvalidateCacheRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	var invalidated int
	switch {
	case req.PolicyID != "":
		if s.engine.Invalidate(policyRef(tenantID, req)) {
			invalidated = 1
		}
	case req.Repo != "":
		invalidated = s.engine.InvalidateRepo(tenantID, req.Repo)
	default:
		invalidated = s.engine.InvalidateTenant(tenantID)
	}

	writeJSON(w, http.StatusOK, map[string]int{"invalidated": invalidated})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", "Policy engine not configured")
		return
	}
	if _, _, ok := s.actor(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Stats())
}
