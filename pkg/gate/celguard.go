package gate

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/gwi-platform/governance/pkg/policy"
)

// ConstitutionGuard holds process-wide CEL deny rules evaluated before
// any tenant policy document. A guard expression that evaluates to true
// denies the action outright.
type ConstitutionGuard struct {
	mu       sync.RWMutex
	env      *cel.Env
	programs map[string]cel.Program
	order    []string
}

// NewConstitutionGuard creates an empty guard with the standard
// evaluation environment.
func NewConstitutionGuard() (*ConstitutionGuard, error) {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.StringType),
		cel.Variable("tenant", cel.StringType),
		cel.Variable("actor", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("resource", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("gate: create CEL environment: %w", err)
	}
	return &ConstitutionGuard{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// AddRule compiles and registers a deny expression under an id. Adding
// the same id again replaces the rule.
func (g *ConstitutionGuard) AddRule(id, expression string) error {
	ast, issues := g.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("gate: guard %q: compile: %w", id, issues.Err())
	}
	prg, err := g.env.Program(ast)
	if err != nil {
		return fmt.Errorf("gate: guard %q: program: %w", id, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.programs[id]; !exists {
		g.order = append(g.order, id)
	}
	g.programs[id] = prg
	return nil
}

// Check evaluates the guard chain in registration order. The first rule
// that fires produces a DENY result. Evaluation errors fail closed as
// errors, not as silent allows.
func (g *ConstitutionGuard) Check(ctx context.Context, ec *policy.Context) (*policy.Result, bool, error) {
	g.mu.RLock()
	ids := append([]string(nil), g.order...)
	programs := make(map[string]cel.Program, len(g.programs))
	for id, p := range g.programs {
		programs[id] = p
	}
	g.mu.RUnlock()

	if len(ids) == 0 {
		return nil, false, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	input := map[string]any{
		"action": ec.Action,
		"tenant": ec.TenantID,
		"actor": map[string]any{
			"id":         ec.Actor.ID,
			"type":       ec.Actor.Type,
			"role":       ec.Actor.Role,
			"confidence": ec.Actor.Confidence,
		},
		"resource": map[string]any{
			"type":            ec.Resource.Type,
			"id":              ec.Resource.ID,
			"repo":            ec.Resource.Repo,
			"branch":          ec.Resource.Branch,
			"protectedBranch": ec.Resource.ProtectedBranch,
			"production":      ec.Resource.Production,
		},
	}

	for _, id := range ids {
		out, _, err := programs[id].Eval(input)
		if err != nil {
			return nil, false, fmt.Errorf("guard %q: %w", id, err)
		}
		fired, ok := out.Value().(bool)
		if !ok {
			return nil, false, fmt.Errorf("guard %q: expression is not boolean", id)
		}
		if fired {
			return &policy.Result{
				Decision: policy.DecisionDeny,
				Reasons: []policy.Reason{{
					RuleID:  id,
					Message: fmt.Sprintf("blocked by constitution rule %s", id),
				}},
			}, true, nil
		}
	}
	return nil, false, nil
}

// Len returns the number of registered guard rules.
func (g *ConstitutionGuard) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.programs)
}
