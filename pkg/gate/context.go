package gate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/gowebpki/jcs"
	"go.opentelemetry.io/otel/trace"

	"github.com/gwi-platform/governance/pkg/policy"
)

// buildContext assembles the immutable evaluation context. The
// environment snapshot is taken here, at call time, so the evaluator
// sees a consistent view even if the environment changes mid-flight.
func (g *Gate) buildContext(ctx context.Context, in Input) (*policy.Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var env map[string]string
	if g.envSnap != nil {
		src := g.envSnap()
		env = make(map[string]string, len(src))
		for k, v := range src {
			env[k] = v
		}
	}

	fields := make(map[string]any, len(in.Fields))
	for k, v := range in.Fields {
		fields[k] = v
	}

	return &policy.Context{
		TenantID:    in.TenantID,
		Action:      in.Action,
		Actor:       in.Actor,
		Resource:    in.Resource,
		Approvals:   append([]policy.SignedApproval(nil), in.Approvals...),
		Scopes:      append([]policy.ApprovalScope(nil), in.RequiredScopes...),
		PlanHash:    in.PlanHash,
		PatchHash:   in.PatchHash,
		Labels:      append([]string(nil), in.Labels...),
		Fields:      fields,
		Env:         env,
		EvaluatedAt: g.clock().UTC(),
	}, nil
}

// contextHash is the canonical SHA-256 of the evaluation context,
// recorded on the audit event so a decision can be tied to exactly what
// was evaluated. JCS canonicalization keeps the hash stable across
// field ordering.
func contextHash(ec *policy.Context) string {
	raw, err := json.Marshal(ec)
	if err != nil {
		return ""
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		canonical = raw
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// traceID extracts the active trace identifier for audit correlation.
func traceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
