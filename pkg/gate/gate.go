// Package gate is the policy evaluation gate: the entry point that turns
// an action request into an allow/deny/more-approvals decision, an audit
// event, and a human-readable explanation.
package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gwi-platform/governance/pkg/policy"
)

var (
	ErrNoEvaluator   = errors.New("gate: no rule evaluator configured (fail-closed)")
	ErrInvalidInput  = errors.New("gate: invalid input")
	ErrAuditRequired = errors.New("gate: audit sink rejected event")
)

// Audit event types emitted by the gate, one per evaluation.
const (
	EventCheckAllowed = "rbac.check.allowed"
	EventCheckDenied  = "rbac.check.denied"
)

// Denial codes carried by DenialError.
const (
	CodePolicyDenied      = "POLICY_DENIED"
	CodeApprovalsRequired = "APPROVALS_REQUIRED"
)

// RuleEvaluator reaches a decision for a built evaluation context.
// The gate treats it as an external collaborator.
type RuleEvaluator interface {
	Evaluate(ctx context.Context, ec *policy.Context) (*policy.Result, error)
}

// AuditEvent is what the gate hands to its audit sink after every
// evaluation.
type AuditEvent struct {
	EventType string          `json:"eventType"`
	Outcome   string          `json:"outcome"`
	TenantID  string          `json:"tenantId"`
	Actor     policy.Actor    `json:"actor"`
	Resource  policy.Resource `json:"resource"`
	Data      map[string]any  `json:"data,omitempty"`
	TraceID   string          `json:"traceId,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// AuditSink receives gate audit events. Fire-and-forget from the gate's
// perspective, but failures surface through the sink's error so they are
// never silently dropped.
type AuditSink interface {
	EmitAuditEvent(ctx context.Context, ev AuditEvent) error
}

// Input describes one action to be checked.
type Input struct {
	TenantID       string                  `json:"tenantId"`
	Action         string                  `json:"action"`
	Actor          policy.Actor            `json:"actor"`
	Resource       policy.Resource         `json:"resource"`
	Approvals      []policy.SignedApproval `json:"approvals,omitempty"`
	RequiredScopes []policy.ApprovalScope  `json:"requiredScopes,omitempty"`
	PlanHash       string                  `json:"planHash,omitempty"`
	PatchHash      string                  `json:"patchHash,omitempty"`
	Content        string                  `json:"content,omitempty"`
	Labels         []string                `json:"labels,omitempty"`
	Fields         map[string]any          `json:"fields,omitempty"`
	RequestID      string                  `json:"requestId,omitempty"`
}

// Result is the outcome of one gate check. Shadowed marks a denial that
// was let through because the gate runs in shadow mode; DenialReason and
// Message still describe the decision that would have been enforced.
type Result struct {
	Allowed      bool           `json:"allowed"`
	Shadowed     bool           `json:"shadowed,omitempty"`
	PolicyResult *policy.Result `json:"policyResult"`
	Message      string         `json:"message,omitempty"`
	DenialReason string         `json:"denialReason,omitempty"`
}

// Gate evaluates actions against policy. Construct one per process with
// its collaborators; there are no package-level singletons.
type Gate struct {
	evaluator RuleEvaluator
	sink      AuditSink
	envSnap   func() map[string]string
	clock     func() time.Time
	shadow    bool

	registerDefaults func(ctx context.Context) error
	initOnce         sync.Once
	initErr          error
}

// Option configures a Gate.
type Option func(*Gate)

// WithEnvSnapshot supplies the environment snapshot captured into each
// evaluation context.
func WithEnvSnapshot(fn func() map[string]string) Option {
	return func(g *Gate) { g.envSnap = fn }
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(g *Gate) { g.clock = clock }
}

// WithShadowMode makes the gate evaluate and audit every check as usual
// but never block: denials are reported allowed with Shadowed set, for
// trialing a policy set against live traffic.
func WithShadowMode(enabled bool) Option {
	return func(g *Gate) { g.shadow = enabled }
}

// WithDefaultPolicies registers a hook that installs default policies.
// It runs exactly once per Gate regardless of how many checks are made.
func WithDefaultPolicies(fn func(ctx context.Context) error) Option {
	return func(g *Gate) { g.registerDefaults = fn }
}

// New constructs a gate around an evaluator and an audit sink.
func New(evaluator RuleEvaluator, sink AuditSink, opts ...Option) *Gate {
	g := &Gate{
		evaluator: evaluator,
		sink:      sink,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CheckGate builds an immutable evaluation context, delegates to the rule
// evaluator, emits exactly one audit event, and renders the decision.
func (g *Gate) CheckGate(ctx context.Context, in Input) (*Result, error) {
	if g.evaluator == nil {
		return nil, ErrNoEvaluator
	}
	if err := validateInput(in); err != nil {
		return nil, err
	}

	g.initOnce.Do(func() {
		if g.registerDefaults != nil {
			g.initErr = g.registerDefaults(ctx)
		}
	})
	if g.initErr != nil {
		return nil, fmt.Errorf("gate: default policy registration: %w", g.initErr)
	}

	ec, err := g.buildContext(ctx, in)
	if err != nil {
		return nil, err
	}

	res, err := g.evaluator.Evaluate(ctx, ec)
	if err != nil {
		return nil, fmt.Errorf("gate: evaluate: %w", err)
	}

	out := &Result{PolicyResult: res}
	switch res.Decision {
	case policy.DecisionAllow:
		out.Allowed = true
	case policy.DecisionDeny:
		out.DenialReason = CodePolicyDenied
		out.Message = renderDenial(res)
	case policy.DecisionRequireMoreApprovals:
		out.DenialReason = CodeApprovalsRequired
		out.Message = renderApprovalsNeeded(in, res)
	default:
		return nil, fmt.Errorf("gate: evaluator returned unknown decision %q", res.Decision)
	}

	if err := g.emitAudit(ctx, in, ec, out); err != nil {
		return nil, err
	}
	// The audit trail records the real decision before shadow mode
	// lets a denial through.
	if g.shadow && !out.Allowed {
		out.Allowed = true
		out.Shadowed = true
	}
	return out, nil
}

// RequirePolicyApproval runs the same check and raises a typed denial
// error when the action is not allowed.
func (g *Gate) RequirePolicyApproval(ctx context.Context, in Input) (*Result, error) {
	res, err := g.CheckGate(ctx, in)
	if err != nil {
		return nil, err
	}
	if !res.Allowed {
		return nil, &DenialError{Code: res.DenialReason, Result: res}
	}
	return res, nil
}

// DenialError is the exception-style form of a gate denial. It carries
// the full gate result for callers that render their own responses.
type DenialError struct {
	Code   string
	Result *Result
}

func (e *DenialError) Error() string {
	return fmt.Sprintf("gate: %s: %s", e.Code, firstLine(e.Result.Message))
}

// Render returns the same human-readable text as the gate's message.
func (e *DenialError) Render() string {
	return e.Result.Message
}

// Requirements returns the missing approval requirements, if any.
func (e *DenialError) Requirements() *policy.MissingRequirements {
	if e.Result == nil || e.Result.PolicyResult == nil {
		return nil
	}
	return e.Result.PolicyResult.MissingRequirements
}

func validateInput(in Input) error {
	var missing []string
	if in.TenantID == "" {
		missing = append(missing, "tenantId")
	}
	if in.Action == "" {
		missing = append(missing, "action")
	}
	if in.Actor.ID == "" {
		missing = append(missing, "actor.id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidInput, strings.Join(missing, ", "))
	}
	return nil
}

func (g *Gate) emitAudit(ctx context.Context, in Input, ec *policy.Context, out *Result) error {
	if g.sink == nil {
		return nil
	}
	eventType := EventCheckDenied
	outcome := "denied"
	if out.Allowed {
		eventType = EventCheckAllowed
		outcome = "allowed"
	}
	ev := AuditEvent{
		EventType: eventType,
		Outcome:   outcome,
		TenantID:  in.TenantID,
		Actor:     in.Actor,
		Resource:  in.Resource,
		TraceID:   traceID(ctx),
		RequestID: in.RequestID,
		Data: map[string]any{
			"action":      in.Action,
			"decision":    string(out.PolicyResult.Decision),
			"contextHash": contextHash(ec),
		},
	}
	if out.PolicyResult.MatchedRuleID != "" {
		ev.Data["matchedRuleId"] = out.PolicyResult.MatchedRuleID
	}
	if err := g.sink.EmitAuditEvent(ctx, ev); err != nil {
		return fmt.Errorf("%w: %w", ErrAuditRequired, err)
	}
	return nil
}

// renderDenial renders a deterministic bulleted denial message.
func renderDenial(res *policy.Result) string {
	var b strings.Builder
	b.WriteString("Action denied by policy.\n")
	for _, r := range res.Reasons {
		b.WriteString("- ")
		b.WriteString(r.Message)
		if r.RuleID != "" {
			fmt.Fprintf(&b, " (rule %s)", r.RuleID)
		}
		b.WriteString("\n")
		if r.Resolution != "" {
			fmt.Fprintf(&b, "  resolution: %s\n", r.Resolution)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderApprovalsNeeded renders the scope and approval-count summary plus
// the command that obtains an approval.
func renderApprovalsNeeded(in Input, res *policy.Result) string {
	req := res.MissingRequirements
	if req == nil {
		req = &policy.MissingRequirements{}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Additional approvals required: %d more approval(s) needed.\n", req.ApprovalsNeeded)
	if len(req.MissingScopes) > 0 {
		b.WriteString("Missing scopes:\n")
		for _, s := range req.MissingScopes {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}
	fmt.Fprintf(&b, "To approve, run: gwi approve %s --tenant %s", in.Action, in.TenantID)
	return b.String()
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
