package gate

import (
	"context"
	"errors"
	"fmt"

	"github.com/gwi-platform/governance/pkg/policy"
	"github.com/gwi-platform/governance/pkg/policycache"
)

// RefResolver names which policies apply to an evaluation context, most
// specific scope first.
type RefResolver func(ec *policy.Context) []policycache.PolicyRef

// DefaultRefResolver resolves the "default" policy at branch, repo, and
// tenant scope, narrowest first.
func DefaultRefResolver(ec *policy.Context) []policycache.PolicyRef {
	var refs []policycache.PolicyRef
	if ec.Resource.Repo != "" && ec.Resource.Branch != "" {
		refs = append(refs, policycache.PolicyRef{
			TenantID: ec.TenantID, Repo: ec.Resource.Repo, Branch: ec.Resource.Branch, PolicyID: "default",
		})
	}
	if ec.Resource.Repo != "" {
		refs = append(refs, policycache.PolicyRef{
			TenantID: ec.TenantID, Repo: ec.Resource.Repo, PolicyID: "default",
		})
	}
	refs = append(refs, policycache.PolicyRef{TenantID: ec.TenantID, PolicyID: "default"})
	return refs
}

// DocumentEvaluator is the built-in RuleEvaluator: constitution guards
// first, then scoped policy documents served by the cached engine.
type DocumentEvaluator struct {
	engine   *policycache.Engine
	eval     *policy.Evaluator
	guards   *ConstitutionGuard
	resolver RefResolver
}

// NewDocumentEvaluator wires the default evaluator. Guards may be nil.
func NewDocumentEvaluator(engine *policycache.Engine, eval *policy.Evaluator, guards *ConstitutionGuard, resolver RefResolver) *DocumentEvaluator {
	if resolver == nil {
		resolver = DefaultRefResolver
	}
	return &DocumentEvaluator{engine: engine, eval: eval, guards: guards, resolver: resolver}
}

// Evaluate applies guards, then walks the resolved policy refs from the
// narrowest scope outward. The first non-allow decision wins; a missing
// document at a scope falls through to the next.
func (d *DocumentEvaluator) Evaluate(ctx context.Context, ec *policy.Context) (*policy.Result, error) {
	if d.guards != nil {
		if res, denied, err := d.guards.Check(ctx, ec); err != nil {
			return nil, fmt.Errorf("constitution guard: %w", err)
		} else if denied {
			return res, nil
		}
	}

	evaluated := 0
	var last *policy.Result
	for _, ref := range d.resolver(ec) {
		cp, err := d.engine.GetPolicy(ctx, ref)
		if err != nil {
			if errors.Is(err, policycache.ErrPolicyNotFound) {
				continue
			}
			return nil, err
		}
		res, err := d.eval.Evaluate(ctx, cp, ec)
		if err != nil {
			return nil, err
		}
		evaluated++
		if res.Decision != policy.DecisionAllow {
			res.PoliciesEvaluated = evaluated
			return res, nil
		}
		last = res
	}

	if last == nil {
		// No policy anywhere for this tenant: fail closed.
		return &policy.Result{
			Decision: policy.DecisionDeny,
			Reasons:  []policy.Reason{{Message: "no policy configured for tenant", Resolution: "register a default policy for the tenant"}},
		}, nil
	}
	last.PoliciesEvaluated = evaluated
	return last, nil
}
