package gate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwi-platform/governance/pkg/policy"
)

func guardContext() *policy.Context {
	return &policy.Context{
		TenantID: "acme",
		Action:   "repo.force-push",
		Actor:    policy.Actor{ID: "bot-7", Type: "agent", Role: "deployer", Confidence: 0.4},
		Resource: policy.Resource{Type: "repo", ID: "platform", Repo: "platform", Branch: "main", ProtectedBranch: true},
	}
}

func TestConstitutionGuard_DeniesWhenRuleFires(t *testing.T) {
	g, err := NewConstitutionGuard()
	require.NoError(t, err)
	require.NoError(t, g.AddRule("no-agent-force-push",
		`actor.type == "agent" && action == "repo.force-push"`))

	res, denied, err := g.Check(context.Background(), guardContext())
	require.NoError(t, err)
	require.True(t, denied)
	assert.Equal(t, policy.DecisionDeny, res.Decision)
	require.Len(t, res.Reasons, 1)
	assert.Equal(t, "no-agent-force-push", res.Reasons[0].RuleID)
	assert.Contains(t, res.Reasons[0].Message, "constitution rule")
}

func TestConstitutionGuard_PassesWhenNoRuleFires(t *testing.T) {
	g, err := NewConstitutionGuard()
	require.NoError(t, err)
	require.NoError(t, g.AddRule("no-prod-delete",
		`action == "resource.delete" && resource.production`))

	_, denied, err := g.Check(context.Background(), guardContext())
	require.NoError(t, err)
	assert.False(t, denied)
}

func TestConstitutionGuard_FirstRuleWins(t *testing.T) {
	g, err := NewConstitutionGuard()
	require.NoError(t, err)
	require.NoError(t, g.AddRule("first", `tenant == "acme"`))
	require.NoError(t, g.AddRule("second", `true`))

	res, denied, err := g.Check(context.Background(), guardContext())
	require.NoError(t, err)
	require.True(t, denied)
	assert.Equal(t, "first", res.Reasons[0].RuleID)
}

func TestConstitutionGuard_ReplaceRule(t *testing.T) {
	g, err := NewConstitutionGuard()
	require.NoError(t, err)
	require.NoError(t, g.AddRule("r", `true`))
	require.NoError(t, g.AddRule("r", `false`))
	assert.Equal(t, 1, g.Len())

	_, denied, err := g.Check(context.Background(), guardContext())
	require.NoError(t, err)
	assert.False(t, denied)
}

func TestConstitutionGuard_CompileError(t *testing.T) {
	g, err := NewConstitutionGuard()
	require.NoError(t, err)

	err = g.AddRule("broken", `actor.type ==`)
	require.Error(t, err)
	assert.Equal(t, 0, g.Len())
}

func TestConstitutionGuard_NonBooleanExpression(t *testing.T) {
	g, err := NewConstitutionGuard()
	require.NoError(t, err)
	require.NoError(t, g.AddRule("not-bool", `action`))

	_, _, err = g.Check(context.Background(), guardContext())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not boolean")
}

func TestConstitutionGuard_EmptyGuardIsNoop(t *testing.T) {
	g, err := NewConstitutionGuard()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// With no rules the guard never touches the context.
	_, denied, err := g.Check(ctx, guardContext())
	require.NoError(t, err)
	assert.False(t, denied)
}

func TestConstitutionGuard_ConfidenceThreshold(t *testing.T) {
	g, err := NewConstitutionGuard()
	require.NoError(t, err)
	require.NoError(t, g.AddRule("low-confidence-agent",
		`actor.type == "agent" && actor.confidence < 0.5 && resource.protectedBranch`))

	_, denied, err := g.Check(context.Background(), guardContext())
	require.NoError(t, err)
	assert.True(t, denied)

	ec := guardContext()
	ec.Actor.Confidence = 0.9
	_, denied, err = g.Check(context.Background(), ec)
	require.NoError(t, err)
	assert.False(t, denied)
}
