package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gwi-platform/governance/pkg/audit"
	"github.com/gwi-platform/governance/pkg/store"
)

// ExportRequest is the body of POST /v1/audit/export. The tenant comes
// from the authenticated principal.
type ExportRequest struct {
	Format       audit.Format `json:"format"`
	StartTime    *time.Time   `json:"startTime,omitempty"`
	EndTime      *time.Time   `json:"endTime,omitempty"`
	StartSeq     uint64       `json:"startSeq,omitempty"`
	EndSeq       uint64       `json:"endSeq,omitempty"`
	Actor        string       `json:"actor,omitempty"`
	Category     string       `json:"category,omitempty"`
	ResourceType string       `json:"resourceType,omitempty"`
	HighRiskOnly bool         `json:"highRiskOnly,omitempty"`
	Limit        int          `json:"limit,omitempty"`
	SortOrder    string       `json:"sortOrder,omitempty"` // "asc" | "desc"
	Sign         bool         `json:"sign,omitempty"`
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil {
		WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", "Exporter not configured")
		return
	}
	tenantID, _, ok := s.actor(w, r)
	if !ok {
		return
	}

	var req ExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.Format == "" {
		req.Format = s.exportDefs.Format
	}
	if req.Format == "" {
		req.Format = audit.FormatJSON
	}
	if s.exportDefs.Sign {
		req.Sign = true
	}
	if s.exportDefs.MaxEntries > 0 && (req.Limit <= 0 || req.Limit > s.exportDefs.MaxEntries) {
		req.Limit = s.exportDefs.MaxEntries
	}

	res, err := s.exporter.Export(r.Context(), audit.Options{
		TenantID:     tenantID,
		Format:       req.Format,
		StartTime:    req.StartTime,
		EndTime:      req.EndTime,
		StartSeq:     req.StartSeq,
		EndSeq:       req.EndSeq,
		Actor:        req.Actor,
		Category:     req.Category,
		ResourceType: req.ResourceType,
		HighRiskOnly: req.HighRiskOnly,
		Limit:        req.Limit,
		SortOrder:    store.SortOrder(req.SortOrder),
		Sign:         req.Sign,
	})
	switch {
	case errors.Is(err, audit.ErrUnknownFormat):
		WriteBadRequest(w, "Unknown export format")
		return
	case errors.Is(err, audit.ErrInvalidTimeRange):
		WriteBadRequest(w, "Start time must not be after end time")
		return
	case errors.Is(err, audit.ErrNoSigner):
		WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", "Signing requested but no signing key configured")
		return
	case err != nil:
		WriteInternal(w, err)
		return
	}

	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+res.Filename+`"`)
	w.Header().Set("X-Export-ID", res.Metadata.ExportID)
	if res.Signature != nil {
		// Attestation travels out-of-band so the signed bytes are exactly
		// the response body.
		sigJSON, _ := json.Marshal(res.Signature)
		w.Header().Set("X-Export-Signature", base64.StdEncoding.EncodeToString(sigJSON))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Content)
}
