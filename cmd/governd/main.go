// Command governd runs the policy and audit governance service.
package main

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"database/sql"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gwi-platform/governance/pkg/api"
	"github.com/gwi-platform/governance/pkg/audit"
	"github.com/gwi-platform/governance/pkg/auth"
	"github.com/gwi-platform/governance/pkg/config"
	"github.com/gwi-platform/governance/pkg/gate"
	"github.com/gwi-platform/governance/pkg/policy"
	"github.com/gwi-platform/governance/pkg/policycache"
	"github.com/gwi-platform/governance/pkg/policyloader"
	"github.com/gwi-platform/governance/pkg/store"
	"github.com/gwi-platform/governance/pkg/violation"

	_ "modernc.org/sqlite" // SQLite driver
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "governd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	// Tuning profile overrides env defaults when present.
	detectorCfg := violation.Config{}
	exportDefs := api.ExportDefaults{}
	if profile, err := config.LoadProfile(cfg.ProfilesDir, cfg.Profile); err == nil {
		if profile.Cache.MaxSize > 0 {
			cfg.CacheMaxSize = profile.Cache.MaxSize
		}
		if profile.Cache.DefaultTTL > 0 {
			cfg.CacheDefaultTTL = profile.Cache.DefaultTTL.Std()
		}
		detectorCfg = violation.Config{
			DedupWindow:       profile.Detection.DedupWindow.Std(),
			MinInterval:       profile.Detection.MinInterval.Std(),
			AggregationWindow: profile.Detection.AggregationWindow.Std(),
			PatternThreshold:  profile.Detection.PatternThreshold,
			AutoEscalate:      profile.Detection.AutoEscalate,
		}
		exportDefs = api.ExportDefaults{
			Format:     audit.Format(profile.Export.DefaultFormat),
			Sign:       profile.Export.SignByDefault,
			MaxEntries: profile.Export.MaxEntries,
		}
		logger.Info("tuning profile loaded", zap.String("profile", profile.Code))
	} else {
		logger.Warn("tuning profile not loaded, using defaults",
			zap.String("profile", cfg.Profile), zap.Error(err))
	}

	// Audit trail
	auditStore := store.NewAuditStore()

	// Violation persistence
	db, err := sql.Open("sqlite", cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()
	violations, err := violation.NewSQLiteStore(db)
	if err != nil {
		return fmt.Errorf("violation store: %w", err)
	}

	// Dedup key registry: Redis when configured, in-process otherwise
	var registry violation.KeyRegistry
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = rdb.Close() }()
		registry = violation.NewRedisKeyRegistry(rdb, "")
		logger.Info("violation dedup backed by redis", zap.String("addr", cfg.RedisAddr))
	} else {
		registry = violation.NewMemoryKeyRegistry()
	}

	detector := violation.NewDetector(violations, registry, detectorCfg)
	detector.OnViolation(func(v *violation.Violation) {
		logger.Warn("violation detected",
			zap.String("tenant", v.TenantID),
			zap.String("type", string(v.Type)),
			zap.String("severity", string(v.Severity)),
			zap.String("actor", v.Actor),
		)
	})
	detector.OnPattern(func(p *violation.Pattern) {
		logger.Warn("violation pattern detected",
			zap.String("tenant", p.TenantID),
			zap.String("groupKey", p.GroupKey),
			zap.Int("count", p.Count),
		)
	})

	// Policy pipeline: loader -> cache -> compiled engine
	loader := policyloader.NewLoader(policyDir())
	if err := loader.LoadAll(); err != nil {
		logger.Warn("policy bundles not loaded", zap.Error(err))
	}
	cache := policycache.New(policycache.Options{
		MaxSize:    cfg.CacheMaxSize,
		DefaultTTL: cfg.CacheDefaultTTL,
	})
	engine := policycache.NewEngine(cache, loader, policy.Compile, cfg.CacheDefaultTTL)
	loader.OnReload(func(b *policyloader.Bundle) {
		engine.InvalidateTenant(b.TenantID)
	})

	// Constitution guards run before document policy.
	guards, err := gate.NewConstitutionGuard()
	if err != nil {
		return fmt.Errorf("constitution guard: %w", err)
	}
	if err := loadGuardRules(guards); err != nil {
		return fmt.Errorf("constitution rules: %w", err)
	}

	evaluator := gate.NewDocumentEvaluator(engine, policy.NewEvaluator(), guards, nil)
	g := gate.New(evaluator, gate.NewStoreSink(auditStore), gate.WithShadowMode(cfg.ShadowMode))
	if cfg.ShadowMode {
		logger.Warn("gate running in shadow mode: denials are audited but not enforced")
	}

	// Gate denials feed the violation detector.
	auditStore.AddHandler(func(entry *store.Entry) {
		if entry.Action != gate.EventCheckDenied {
			return
		}
		var data struct {
			Action        string `json:"action"`
			Decision      string `json:"decision"`
			MatchedRuleID string `json:"matchedRuleId"`
		}
		_ = json.Unmarshal(entry.Data, &data)
		if data.Decision != string(policy.DecisionDeny) {
			return
		}
		_, _ = detector.DetectFromPolicyEvaluation(context.Background(), violation.PolicyEvaluationSignal{
			TenantID:      entry.TenantID,
			ActorID:       entry.Actor,
			ActorType:     entry.ActorType,
			Resource:      entry.ResourceID,
			Action:        data.Action,
			MatchedRuleID: data.MatchedRuleID,
		})
	})

	// Export signing is optional; without a key exports are unsigned.
	var signer *audit.Signer
	if cfg.SigningKeyPath != "" {
		key, err := loadSigningKey(cfg.SigningKeyPath)
		if err != nil {
			return fmt.Errorf("signing key: %w", err)
		}
		signer, err = audit.NewSigner(key, cfg.SigningKeyID)
		if err != nil {
			return fmt.Errorf("signer: %w", err)
		}
	}
	exporter := audit.NewExporter(auditStore, signer)

	// HTTP surface
	resolve := func(ctx context.Context) (string, policy.Actor, bool) {
		tenantID, err := auth.GetTenantID(ctx)
		if err != nil {
			return "", policy.Actor{}, false
		}
		return tenantID, auth.ActorFromContext(ctx), true
	}
	server := api.NewServer(g, engine, policy.NewValidator(), violations, exporter, resolve, logger).
		WithExportDefaults(exportDefs)

	limiter := auth.NewActorLimiter(20, 40)
	limiter.OnExceeded = func(ctx context.Context, tenantID, actorID, path string, limit float64) {
		if tenantID == "" {
			return
		}
		_, _ = detector.DetectFromRateLimit(ctx, violation.RateLimitSignal{
			TenantID:  tenantID,
			ActorID:   actorID,
			Resource:  path,
			Action:    "http.request",
			LimitName: "api-requests",
			LimitType: "rps",
			Limit:     limit,
		})
	}

	var handler http.Handler = server.Routes()
	handler = limiter.Middleware(handler)
	handler = auth.NewMiddleware(jwtValidator(logger))(handler)
	handler = auth.CORSMiddleware(nil)(handler)
	handler = auth.RequestIDMiddleware(handler)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("governd listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "DEBUG" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func policyDir() string {
	if dir := os.Getenv("POLICY_BUNDLE_DIR"); dir != "" {
		return dir
	}
	return "policies"
}

// jwtValidator builds the token validator from JWT_HMAC_SECRET. With no
// secret configured the middleware fails closed.
func jwtValidator(logger *zap.Logger) *auth.JWTValidator {
	secret := os.Getenv("JWT_HMAC_SECRET")
	if secret == "" {
		logger.Warn("JWT_HMAC_SECRET not set, all authenticated endpoints will reject")
		return nil
	}
	return auth.NewJWTValidator(func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
}

// loadGuardRules compiles process-wide CEL deny rules from the file
// named by CONSTITUTION_RULES. These run before any document policy.
func loadGuardRules(guards *gate.ConstitutionGuard) error {
	path := os.Getenv("CONSTITUTION_RULES")
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var rules []struct {
		ID         string `json:"id"`
		Expression string `json:"expression"`
	}
	if err := json.Unmarshal(raw, &rules); err != nil {
		return err
	}
	for _, r := range rules {
		if err := guards.AddRule(r.ID, r.Expression); err != nil {
			return fmt.Errorf("rule %s: %w", r.ID, err)
		}
	}
	return nil
}

func loadSigningKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key in %s is not RSA", path)
	}
	return key, nil
}
