package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDoc() *Document {
	return &Document{
		Version:       "1.0.0",
		Name:          "base",
		Scope:         ScopeGlobal,
		DefaultAction: Action{Effect: EffectAllow},
		Rules: []Rule{
			{
				ID:       "deny-main",
				Name:     "Deny pushes to main",
				Enabled:  true,
				Priority: 100,
				Conditions: []Condition{
					{Kind: CondBranch, Branch: &BranchCondition{Names: []string{"main"}}},
				},
				Action: Action{Effect: EffectDeny, Reason: "main is protected"},
			},
		},
	}
}

func TestValidate_ValidDocument(t *testing.T) {
	doc, errs := NewValidator().Validate(validDoc())
	require.Empty(t, errs)
	require.NotNil(t, doc)
}

func TestValidate_MissingNameAndVersion(t *testing.T) {
	doc := validDoc()
	doc.Name = ""
	doc.Version = ""

	_, errs := NewValidator().Validate(doc)
	require.Len(t, errs, 2)
	assert.Equal(t, "name", errs[0].Path)
	assert.Equal(t, "version", errs[1].Path)
}

func TestValidate_BadSemver(t *testing.T) {
	doc := validDoc()
	doc.Version = "not-a-version"

	_, errs := NewValidator().Validate(doc)
	require.Len(t, errs, 1)
	assert.Equal(t, "version", errs[0].Path)
}

func TestValidate_ScopeTargetRequired(t *testing.T) {
	doc := validDoc()
	doc.Scope = ScopeRepo
	doc.ScopeTarget = ""

	_, errs := NewValidator().Validate(doc)
	require.Len(t, errs, 1)
	assert.Equal(t, "scopeTarget", errs[0].Path)
}

func TestValidate_DuplicateRuleIDs(t *testing.T) {
	doc := validDoc()
	doc.Rules = append(doc.Rules, doc.Rules[0])

	_, errs := NewValidator().Validate(doc)
	require.Len(t, errs, 1)
	assert.Equal(t, "rules[1].id", errs[0].Path)
	assert.Contains(t, errs[0].Message, "duplicate")
}

func TestValidate_RuleIDCharset(t *testing.T) {
	doc := validDoc()
	doc.Rules[0].ID = "bad id!"

	_, errs := NewValidator().Validate(doc)
	require.Len(t, errs, 1)
	assert.Equal(t, "rules[0].id", errs[0].Path)
}

func TestValidate_ConditionsAndLogicMutuallyExclusive(t *testing.T) {
	doc := validDoc()
	doc.Rules[0].ConditionLogic = &ConditionGroup{
		Operator: GroupAnd,
		Conditions: []Condition{
			{Kind: CondBranch, Branch: &BranchCondition{Names: []string{"dev"}}},
		},
	}

	_, errs := NewValidator().Validate(doc)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "mutually exclusive")
}

func TestValidate_GroupNestingDepth(t *testing.T) {
	cond := Condition{Kind: CondBranch, Branch: &BranchCondition{Names: []string{"x"}}}
	doc := validDoc()
	doc.Rules[0].Conditions = nil
	doc.Rules[0].ConditionLogic = &ConditionGroup{
		Operator: GroupAnd,
		Group: &ConditionGroup{
			Operator: GroupOr,
			Group: &ConditionGroup{
				Operator:   GroupNot,
				Conditions: []Condition{cond},
			},
		},
	}

	_, errs := NewValidator().Validate(doc)
	require.NotEmpty(t, errs)
	found := false
	for _, e := range errs {
		if e.Message == "groups may nest at most one level deep" {
			found = true
		}
	}
	assert.True(t, found, "expected nesting depth error, got %v", errs)
}

func TestValidate_ConditionKindMismatch(t *testing.T) {
	doc := validDoc()
	doc.Rules[0].Conditions = []Condition{
		{Kind: CondRepository, Branch: &BranchCondition{Names: []string{"main"}}},
	}

	_, errs := NewValidator().Validate(doc)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "does not match")
}

func TestValidate_ExactlyOneVariant(t *testing.T) {
	doc := validDoc()
	doc.Rules[0].Conditions = []Condition{
		{
			Kind:   CondBranch,
			Branch: &BranchCondition{Names: []string{"main"}},
			Label:  &LabelCondition{Labels: []string{"hotfix"}},
		},
	}

	_, errs := NewValidator().Validate(doc)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "exactly one")
}

func TestValidate_RequireApprovalNeedsConfig(t *testing.T) {
	doc := validDoc()
	doc.Rules[0].Action = Action{Effect: EffectRequireApproval}

	_, errs := NewValidator().Validate(doc)
	require.Len(t, errs, 1)
	assert.Equal(t, "rules[0].action.approval", errs[0].Path)
}

func TestValidate_ApprovalConfigRanges(t *testing.T) {
	doc := validDoc()
	doc.Rules[0].Action = Action{
		Effect:   EffectRequireApproval,
		Approval: &ApprovalConfig{MinApprovers: 0, TimeoutHours: 500},
	}

	_, errs := NewValidator().Validate(doc)
	require.Len(t, errs, 2)
	assert.Equal(t, "rules[0].action.approval.minApprovers", errs[0].Path)
	assert.Equal(t, "rules[0].action.approval.timeoutHours", errs[1].Path)
}

func TestValidate_NotifyNeedsNotification(t *testing.T) {
	doc := validDoc()
	doc.Rules[0].Action = Action{Effect: EffectNotify}

	_, errs := NewValidator().Validate(doc)
	require.Len(t, errs, 1)
	assert.Equal(t, "rules[0].action.notification", errs[0].Path)
}

func TestValidateJSON_Malformed(t *testing.T) {
	_, errs := NewValidator().ValidateJSON([]byte("{nope"))
	require.Len(t, errs, 1)
	assert.Equal(t, "$", errs[0].Path)
}

func TestValidate_UnknownEffect(t *testing.T) {
	doc := validDoc()
	doc.DefaultAction = Action{Effect: "explode"}

	_, errs := NewValidator().Validate(doc)
	require.Len(t, errs, 1)
	assert.Equal(t, "defaultAction.effect", errs[0].Path)
}
