package api

import (
	"encoding/json"
	"net/http"

	"github.com/gwi-platform/governance/pkg/gate"
	"github.com/gwi-platform/governance/pkg/policy"
)

// CheckRequest is the body of POST /v1/gate/check. Tenant and actor
// come from the authenticated principal, never from the body.
type CheckRequest struct {
	Action         string                  `json:"action"`
	Resource       policy.Resource         `json:"resource"`
	Approvals      []policy.SignedApproval `json:"approvals,omitempty"`
	RequiredScopes []policy.ApprovalScope  `json:"requiredScopes,omitempty"`
	PlanHash       string                  `json:"planHash,omitempty"`
	PatchHash      string                  `json:"patchHash,omitempty"`
	Content        string                  `json:"content,omitempty"`
	Labels         []string                `json:"labels,omitempty"`
	Fields         map[string]any          `json:"fields,omitempty"`
}

// CheckResponse mirrors the gate result. Denials answer 403 with the
// same shape so clients parse one body either way; Error is set only
// on denials.
type CheckResponse struct {
	Allowed      bool                        `json:"allowed"`
	Error        string                      `json:"error,omitempty"`
	Code         string                      `json:"code,omitempty"`
	Message      string                      `json:"message,omitempty"`
	Requirements *policy.MissingRequirements `json:"requirements,omitempty"`
	Reasons      []policy.Reason             `json:"reasons,omitempty"`
}

func (s *Server) handleGateCheck(w http.ResponseWriter, r *http.Request) {
	if s.gate == nil {
		WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", "Gate not configured")
		return
	}
	tenantID, actor, ok := s.actor(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB limit
	var req CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.Action == "" {
		WriteBadRequest(w, "Missing required field: action")
		return
	}

	res, err := s.gate.CheckGate(r.Context(), gate.Input{
		TenantID:       tenantID,
		Action:         req.Action,
		Actor:          actor,
		Resource:       req.Resource,
		Approvals:      req.Approvals,
		RequiredScopes: req.RequiredScopes,
		PlanHash:       req.PlanHash,
		PatchHash:      req.PatchHash,
		Content:        req.Content,
		Labels:         req.Labels,
		Fields:         req.Fields,
		RequestID:      w.Header().Get("X-Request-ID"),
	})
	if err != nil {
		WriteInternal(w, err)
		return
	}

	resp := CheckResponse{
		Allowed: res.Allowed,
		Code:    res.DenialReason,
		Message: res.Message,
	}
	if pr := res.PolicyResult; pr != nil {
		resp.Requirements = pr.MissingRequirements
		resp.Reasons = pr.Reasons
	}

	status := http.StatusOK
	if !res.Allowed {
		status = http.StatusForbidden
		resp.Error = http.StatusText(http.StatusForbidden)
	}
	writeJSON(w, status, resp)
}
