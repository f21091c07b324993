package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/gwi-platform/governance/pkg/audit"
	"github.com/gwi-platform/governance/pkg/gate"
	"github.com/gwi-platform/governance/pkg/policy"
	"github.com/gwi-platform/governance/pkg/policycache"
	"github.com/gwi-platform/governance/pkg/violation"
)

// ActorResolver extracts the authenticated actor and tenant from the
// request context. Injected at composition time so this package stays
// independent of the auth middleware.
type ActorResolver func(ctx context.Context) (tenantID string, actor policy.Actor, ok bool)

// Server exposes the governance engine over HTTP.
type Server struct {
	gate       *gate.Gate
	engine     *policycache.Engine
	validator  *policy.Validator
	violations violation.Store
	exporter   *audit.Exporter
	resolve    ActorResolver
	log        *zap.Logger
	exportDefs ExportDefaults
}

// ExportDefaults are operator-tuned fallbacks applied to export requests
// that leave the corresponding field unset.
type ExportDefaults struct {
	Format     audit.Format
	Sign       bool
	MaxEntries int
}

// WithExportDefaults installs profile-driven export fallbacks.
func (s *Server) WithExportDefaults(d ExportDefaults) *Server {
	s.exportDefs = d
	return s
}

// NewServer wires the HTTP surface. Any collaborator may be nil; the
// corresponding endpoints then answer 503.
func NewServer(g *gate.Gate, engine *policycache.Engine, validator *policy.Validator, violations violation.Store, exporter *audit.Exporter, resolve ActorResolver, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		gate:       g,
		engine:     engine,
		validator:  validator,
		violations: violations,
		exporter:   exporter,
		resolve:    resolve,
		log:        log,
	}
}

// Routes builds the router. Middleware (auth, rate limiting, request id)
// is layered on by the caller.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.logRequests)

	r.Get("/health", s.handleHealth)
	r.Get("/readiness", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/gate/check", s.handleGateCheck)
		r.Post("/policies/validate", s.handleValidatePolicy)
		r.Post("/cache/invalidate", s.handleInvalidateCache)
		r.Get("/cache/stats", s.handleCacheStats)
		r.Get("/violations", s.handleListViolations)
		r.Get("/violations/{violationID}", s.handleGetViolation)
		r.Post("/violations/{violationID}/status", s.handleUpdateViolationStatus)
		r.Post("/audit/export", s.handleExport)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// logRequests emits one structured log line per request.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("requestId", w.Header().Get("X-Request-ID")),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// actor resolves the caller, answering 401 when no resolver or no
// authenticated principal is available.
func (s *Server) actor(w http.ResponseWriter, r *http.Request) (string, policy.Actor, bool) {
	if s.resolve == nil {
		WriteUnauthorized(w, "Authentication not configured")
		return "", policy.Actor{}, false
	}
	tenantID, actor, ok := s.resolve(r.Context())
	if !ok || tenantID == "" {
		WriteUnauthorized(w, "")
		return "", policy.Actor{}, false
	}
	return tenantID, actor, true
}
