package gate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwi-platform/governance/pkg/policy"
	"github.com/gwi-platform/governance/pkg/policycache"
)

func docAllow(name string) *policy.Document {
	return &policy.Document{
		Version:       "1.0.0",
		Name:          name,
		Scope:         policy.ScopeGlobal,
		DefaultAction: policy.Action{Effect: policy.EffectAllow},
	}
}

func docDenyAction(name, action string) *policy.Document {
	return &policy.Document{
		Version:       "1.0.0",
		Name:          name,
		Scope:         policy.ScopeGlobal,
		DefaultAction: policy.Action{Effect: policy.EffectAllow},
		Rules: []policy.Rule{{
			ID:       "deny-" + action,
			Name:     "deny " + action,
			Enabled:  true,
			Priority: 100,
			Conditions: []policy.Condition{{
				Kind: policy.CondCustom,
				Custom: &policy.CustomCondition{
					Field:    "action",
					Operator: policy.OpEq,
					Value:    action,
				},
			}},
			Action: policy.Action{
				Effect: policy.EffectDeny,
				Reason: "action blocked at this scope",
			},
		}},
	}
}

// mapLoader serves documents keyed by cache key.
type mapLoader map[string]*policy.Document

func (m mapLoader) Load(_ context.Context, ref policycache.PolicyRef) (*policy.Document, error) {
	return m[ref.Key()], nil
}

func newDocEvaluator(t *testing.T, docs mapLoader) *DocumentEvaluator {
	t.Helper()
	engine := policycache.NewEngine(policycache.New(policycache.Options{MaxSize: 100}), docs, nil, 0)
	return NewDocumentEvaluator(engine, policy.NewEvaluator(), nil, nil)
}

func evalContext(repo, branch string) *policy.Context {
	return &policy.Context{
		TenantID: "acme",
		Action:   "repo.push",
		Actor:    policy.Actor{ID: "alice", Type: "human", Role: "engineer"},
		Resource: policy.Resource{Type: "repo", ID: repo, Repo: repo, Branch: branch},
	}
}

func TestDefaultRefResolver_NarrowestFirst(t *testing.T) {
	refs := DefaultRefResolver(evalContext("platform", "main"))
	require.Len(t, refs, 3)
	assert.Equal(t, "acme:platform:main:default", refs[0].Key())
	assert.Equal(t, "acme:platform:default", refs[1].Key())
	assert.Equal(t, "acme:default", refs[2].Key())

	refs = DefaultRefResolver(evalContext("platform", ""))
	require.Len(t, refs, 2)
	assert.Equal(t, "acme:platform:default", refs[0].Key())

	refs = DefaultRefResolver(evalContext("", ""))
	require.Len(t, refs, 1)
	assert.Equal(t, "acme:default", refs[0].Key())
}

func TestDocumentEvaluator_BranchScopeWins(t *testing.T) {
	d := newDocEvaluator(t, mapLoader{
		"acme:platform:main:default": docDenyAction("branch", "repo.push"),
		"acme:default":               docAllow("tenant"),
	})

	res, err := d.Evaluate(context.Background(), evalContext("platform", "main"))
	require.NoError(t, err)
	assert.Equal(t, policy.DecisionDeny, res.Decision)
	assert.Equal(t, "deny-repo.push", res.MatchedRuleID)
	assert.Equal(t, 1, res.PoliciesEvaluated)
}

func TestDocumentEvaluator_FallsThroughMissingScopes(t *testing.T) {
	d := newDocEvaluator(t, mapLoader{
		"acme:default": docAllow("tenant"),
	})

	res, err := d.Evaluate(context.Background(), evalContext("platform", "main"))
	require.NoError(t, err)
	assert.Equal(t, policy.DecisionAllow, res.Decision)
	assert.Equal(t, 1, res.PoliciesEvaluated)
}

func TestDocumentEvaluator_AllScopesAllow(t *testing.T) {
	d := newDocEvaluator(t, mapLoader{
		"acme:platform:main:default": docAllow("branch"),
		"acme:platform:default":      docAllow("repo"),
		"acme:default":               docAllow("tenant"),
	})

	res, err := d.Evaluate(context.Background(), evalContext("platform", "main"))
	require.NoError(t, err)
	assert.Equal(t, policy.DecisionAllow, res.Decision)
	assert.Equal(t, 3, res.PoliciesEvaluated)
}

func TestDocumentEvaluator_NoPolicyFailsClosed(t *testing.T) {
	d := newDocEvaluator(t, mapLoader{})

	res, err := d.Evaluate(context.Background(), evalContext("platform", "main"))
	require.NoError(t, err)
	assert.Equal(t, policy.DecisionDeny, res.Decision)
	require.Len(t, res.Reasons, 1)
	assert.Contains(t, res.Reasons[0].Message, "no policy configured")
}

func TestDocumentEvaluator_GuardsRunBeforePolicies(t *testing.T) {
	guards, err := NewConstitutionGuard()
	require.NoError(t, err)
	require.NoError(t, guards.AddRule("block-all", `true`))

	// The loader would allow everything, but the guard fires first.
	docs := mapLoader{"acme:default": docAllow("tenant")}
	engine := policycache.NewEngine(policycache.New(policycache.Options{MaxSize: 10}), docs, nil, 0)
	d := NewDocumentEvaluator(engine, policy.NewEvaluator(), guards, nil)

	res, err := d.Evaluate(context.Background(), evalContext("", ""))
	require.NoError(t, err)
	assert.Equal(t, policy.DecisionDeny, res.Decision)
	assert.Equal(t, "block-all", res.Reasons[0].RuleID)
	assert.Equal(t, 0, res.PoliciesEvaluated)
}

func TestDocumentEvaluator_CustomResolver(t *testing.T) {
	docs := mapLoader{"acme:strict": docDenyAction("strict", "repo.push")}
	engine := policycache.NewEngine(policycache.New(policycache.Options{MaxSize: 10}), docs, nil, 0)
	resolver := func(ec *policy.Context) []policycache.PolicyRef {
		return []policycache.PolicyRef{{TenantID: ec.TenantID, PolicyID: "strict"}}
	}
	d := NewDocumentEvaluator(engine, policy.NewEvaluator(), nil, resolver)

	res, err := d.Evaluate(context.Background(), evalContext("platform", "main"))
	require.NoError(t, err)
	assert.Equal(t, policy.DecisionDeny, res.Decision)
}
