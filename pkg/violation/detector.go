package violation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config tunes the detector. Zero values take the documented defaults.
type Config struct {
	// DedupWindow is how long an idempotency key blocks re-creation.
	DedupWindow time.Duration // default 24h
	// MinInterval suppresses policy-denial and limit-exceeded storms: any
	// violation of the same type and actor (and resource, when set) inside
	// this interval blocks creation even under a different key.
	MinInterval time.Duration // default 5m
	// AggregationWindow is the rolling window for pattern detection.
	AggregationWindow time.Duration // default 1h
	// PatternThreshold is the count at which a pattern fires.
	PatternThreshold int // default 5
	// GroupBy selects the pattern aggregation dimension.
	GroupBy Dimension // default type+actor
	// AutoEscalate enables automatic escalation of severe violations.
	AutoEscalate bool
	// EscalateScore and EscalateConfidence gate anomaly escalation.
	EscalateScore      float64 // default 0.9
	EscalateConfidence float64 // default 0.8
}

func (c Config) withDefaults() Config {
	if c.DedupWindow <= 0 {
		c.DedupWindow = 24 * time.Hour
	}
	if c.MinInterval <= 0 {
		c.MinInterval = 5 * time.Minute
	}
	if c.AggregationWindow <= 0 {
		c.AggregationWindow = time.Hour
	}
	if c.PatternThreshold <= 0 {
		c.PatternThreshold = 5
	}
	if c.GroupBy == "" {
		c.GroupBy = GroupByTypeActor
	}
	if c.EscalateScore <= 0 {
		c.EscalateScore = 0.9
	}
	if c.EscalateConfidence <= 0 {
		c.EscalateConfidence = 0.8
	}
	return c
}

// Callback observes detected violations. Errors and panics inside a
// callback are isolated per subscriber.
type Callback func(v *Violation)

// PatternCallback observes detected patterns.
type PatternCallback func(p *Pattern)

// Detector is the violation detection pipeline. Safe for concurrent use;
// dedup is serialized by the registry's atomic key claim.
type Detector struct {
	cfg      Config
	store    Store
	registry KeyRegistry
	clock    func() time.Time

	mu          sync.Mutex
	onViolation []Callback
	onPattern   []PatternCallback
}

// NewDetector builds a detector over a violation store and key registry.
func NewDetector(store Store, registry KeyRegistry, cfg Config) *Detector {
	return &Detector{
		cfg:      cfg.withDefaults(),
		store:    store,
		registry: registry,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (d *Detector) WithClock(clock func() time.Time) *Detector {
	d.clock = clock
	return d
}

// OnViolation registers a violation-detected callback.
func (d *Detector) OnViolation(cb Callback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onViolation = append(d.onViolation, cb)
}

// OnPattern registers a pattern-detected callback.
func (d *Detector) OnPattern(cb PatternCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onPattern = append(d.onPattern, cb)
}

// idempotencyKey hashes the identity of a violation and truncates the
// digest; the first 16 bytes are plenty for per-tenant uniqueness.
func idempotencyKey(t Type, tenantID, actor, resource, action, discriminator string) string {
	input := fmt.Sprintf("%s:%s:%s:%s:%s:%s", t, tenantID, actor, resource, action, discriminator)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:16])
}

// DetectFromPolicyEvaluation records a violation for a policy denial.
func (d *Detector) DetectFromPolicyEvaluation(ctx context.Context, sig PolicyEvaluationSignal) (*Detection, error) {
	severity := sig.Severity
	if severity == "" {
		severity = SeverityMedium
	}
	v := &Violation{
		TenantID:  sig.TenantID,
		Type:      TypePolicyDenied,
		Severity:  severity,
		Actor:     sig.ActorID,
		ActorType: sig.ActorType,
		Resource:  sig.Resource,
		Action:    sig.Action,
		Details: Details{PolicyDenial: &PolicyDenialDetails{
			MatchedRuleID: sig.MatchedRuleID,
			Reasons:       sig.Reasons,
		}},
	}
	key := idempotencyKey(TypePolicyDenied, sig.TenantID, sig.ActorID, sig.Resource, sig.Action, sig.MatchedRuleID)
	return d.detect(ctx, v, key, true)
}

// DetectFromApprovalBypass records a violation for a bypassed approval
// workflow. The bypass method is part of the idempotency key, so distinct
// bypass methods dedup independently.
func (d *Detector) DetectFromApprovalBypass(ctx context.Context, sig ApprovalBypassSignal) (*Detection, error) {
	v := &Violation{
		TenantID: sig.TenantID,
		Type:     TypeApprovalBypassed,
		Severity: SeverityHigh,
		Actor:    sig.ActorID,
		Resource: sig.Resource,
		Action:   sig.Action,
		Details: Details{ApprovalBypass: &ApprovalBypassDetails{
			WorkflowID:   sig.WorkflowID,
			BypassMethod: sig.BypassMethod,
		}},
	}
	discriminator := sig.WorkflowID + ":" + sig.BypassMethod
	key := idempotencyKey(TypeApprovalBypassed, sig.TenantID, sig.ActorID, sig.Resource, sig.Action, discriminator)
	return d.detect(ctx, v, key, false)
}

// DetectFromRateLimit records a violation for an exceeded limit.
func (d *Detector) DetectFromRateLimit(ctx context.Context, sig RateLimitSignal) (*Detection, error) {
	v := &Violation{
		TenantID: sig.TenantID,
		Type:     TypeLimitExceeded,
		Severity: SeverityMedium,
		Actor:    sig.ActorID,
		Resource: sig.Resource,
		Action:   sig.Action,
		Details: Details{LimitExceeded: &LimitExceededDetails{
			LimitName: sig.LimitName,
			LimitType: sig.LimitType,
			Limit:     sig.Limit,
			Observed:  sig.Observed,
		}},
	}
	discriminator := sig.LimitName + ":" + sig.LimitType
	key := idempotencyKey(TypeLimitExceeded, sig.TenantID, sig.ActorID, sig.Resource, sig.Action, discriminator)
	return d.detect(ctx, v, key, true)
}

// DetectFromAnomaly records a violation for a behavioral anomaly. The
// score is rounded to one decimal in the key so jittering scores of the
// same anomaly dedup together.
func (d *Detector) DetectFromAnomaly(ctx context.Context, sig AnomalySignal) (*Detection, error) {
	severity := SeverityMedium
	switch {
	case sig.Score >= 0.9:
		severity = SeverityCritical
	case sig.Score >= 0.7:
		severity = SeverityHigh
	}
	v := &Violation{
		TenantID: sig.TenantID,
		Type:     TypeAnomalyDetected,
		Severity: severity,
		Actor:    sig.ActorID,
		Resource: sig.Resource,
		Action:   sig.Action,
		Details: Details{Anomaly: &AnomalyDetails{
			Kind:       sig.Kind,
			Score:      sig.Score,
			Confidence: sig.Confidence,
		}},
	}
	discriminator := fmt.Sprintf("%s:%.1f", sig.Kind, sig.Score)
	key := idempotencyKey(TypeAnomalyDetected, sig.TenantID, sig.ActorID, sig.Resource, sig.Action, discriminator)
	return d.detect(ctx, v, key, false)
}

// detect is the shared pipeline: dedup claim, storm suppression,
// persistence, escalation, callbacks, pattern aggregation. The key is
// claimed atomically before anything is written, so concurrent identical
// signals produce exactly one violation; a claim that does not end in a
// persisted violation is released so a retry starts clean.
func (d *Detector) detect(ctx context.Context, v *Violation, key string, stormSuppress bool) (*Detection, error) {
	if v.TenantID == "" || v.Actor == "" {
		return nil, fmt.Errorf("violation: tenant and actor are required")
	}

	claimed, err := d.registry.Claim(ctx, v.TenantID, key, d.cfg.DedupWindow)
	if err != nil {
		return nil, fmt.Errorf("violation: dedup check: %w", err)
	}
	if !claimed {
		return &Detection{Deduplicated: true}, nil
	}

	now := d.clock().UTC()
	if stormSuppress {
		suppressed, err := d.recentSameSource(ctx, v, now)
		if err != nil {
			d.releaseKey(ctx, v.TenantID, key)
			return nil, err
		}
		if suppressed {
			d.releaseKey(ctx, v.TenantID, key)
			return &Detection{Suppressed: true}, nil
		}
	}

	v.ID = uuid.New().String()
	v.Status = StatusOpen
	v.DetectedAt = now
	v.IdempotencyKey = key
	d.escalate(v)

	if err := d.store.Create(ctx, v); err != nil {
		d.releaseKey(ctx, v.TenantID, key)
		return nil, fmt.Errorf("violation: persist: %w", err)
	}

	d.fireViolation(v)

	pattern, err := d.checkPattern(ctx, v, now)
	if err != nil {
		return nil, err
	}
	if pattern != nil {
		d.firePattern(pattern)
	}

	return &Detection{Violation: v, Pattern: pattern}, nil
}

// releaseKey undoes a claim, best-effort, surviving caller cancellation.
func (d *Detector) releaseKey(ctx context.Context, tenantID, key string) {
	_ = d.registry.Release(context.WithoutCancel(ctx), tenantID, key)
}

// recentSameSource reports whether any violation of the same type and
// actor (and resource, when the new violation names one) was detected
// within the minimum interval.
func (d *Detector) recentSameSource(ctx context.Context, v *Violation, now time.Time) (bool, error) {
	recent, err := d.store.ListSince(ctx, v.TenantID, now.Add(-d.cfg.MinInterval))
	if err != nil {
		return false, fmt.Errorf("violation: storm check: %w", err)
	}
	for _, r := range recent {
		if r.Type != v.Type || r.Actor != v.Actor {
			continue
		}
		if v.Resource != "" && r.Resource != v.Resource {
			continue
		}
		return true, nil
	}
	return false, nil
}

// escalate applies the auto-escalation rules in place, before the
// violation is persisted.
func (d *Detector) escalate(v *Violation) {
	if !d.cfg.AutoEscalate {
		return
	}
	switch v.Type {
	case TypeApprovalBypassed:
		v.Status = StatusEscalated
	case TypePolicyDenied:
		if v.Severity == SeverityCritical {
			v.Status = StatusEscalated
		}
	case TypeAnomalyDetected:
		a := v.Details.Anomaly
		if a != nil && a.Score >= d.cfg.EscalateScore && a.Confidence >= d.cfg.EscalateConfidence {
			v.Severity = SeverityCritical
			v.Status = StatusEscalated
		}
	}
}

func (d *Detector) fireViolation(v *Violation) {
	d.mu.Lock()
	cbs := make([]Callback, len(d.onViolation))
	copy(cbs, d.onViolation)
	d.mu.Unlock()
	for _, cb := range cbs {
		func() {
			defer func() { _ = recover() }()
			cb(v)
		}()
	}
}

func (d *Detector) firePattern(p *Pattern) {
	d.mu.Lock()
	cbs := make([]PatternCallback, len(d.onPattern))
	copy(cbs, d.onPattern)
	d.mu.Unlock()
	for _, cb := range cbs {
		func() {
			defer func() { _ = recover() }()
			cb(p)
		}()
	}
}
