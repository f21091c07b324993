package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile_SortsByDescendingPriority(t *testing.T) {
	doc := &Document{
		Version:       "1.0.0",
		Name:          "base",
		Scope:         ScopeGlobal,
		DefaultAction: Action{Effect: EffectAllow},
		Rules: []Rule{
			{ID: "a", Priority: 10, Action: Action{Effect: EffectAllow}},
			{ID: "b", Priority: 100, Action: Action{Effect: EffectAllow}},
			{ID: "c", Priority: 100, Action: Action{Effect: EffectAllow}},
			{ID: "d", Priority: 50, Action: Action{Effect: EffectAllow}},
		},
	}

	cp, err := Compile(doc)
	require.NoError(t, err)

	got := make([]string, len(cp.Rules))
	for i, cr := range cp.Rules {
		got[i] = cr.Rule.ID
	}
	// Stable sort: b before c preserves document order at equal priority.
	assert.Equal(t, []string{"b", "c", "d", "a"}, got)
}

func TestCompile_RejectsBadRegex(t *testing.T) {
	doc := &Document{
		Version:       "1.0.0",
		Name:          "base",
		Scope:         ScopeGlobal,
		DefaultAction: Action{Effect: EffectAllow},
		Rules: []Rule{
			{ID: "r", Priority: 1,
				Conditions: []Condition{{Kind: CondCustom, Custom: &CustomCondition{
					Field: "title", Operator: OpMatches, Value: "([unclosed",
				}}},
				Action: Action{Effect: EffectDeny}},
		},
	}

	_, err := Compile(doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `rule "r"`)
}

func TestCompileGlob(t *testing.T) {
	cases := []struct {
		pattern string
		input   string
		want    bool
	}{
		{"*.go", "main.go", true},
		{"*.go", "cmd/main.go", false}, // single star stops at separators
		{"**/*.go", "cmd/main.go", true},
		{"**/*.go", "a/b/c/main.go", true},
		{"infra/**", "infra/terraform/main.tf", true},
		{"infra/**", "app/main.tf", false},
		{"a/**/b", "a/b", true}, // ** swallows the separator when empty
		{"a/**/b", "a/x/y/b", true},
		{"release-?", "release-1", true},
		{"release-?", "release-12", false},
	}

	for _, tc := range cases {
		re, err := compileGlob(tc.pattern)
		require.NoError(t, err, tc.pattern)
		assert.Equal(t, tc.want, re.MatchString(tc.input), "%s vs %s", tc.pattern, tc.input)
	}
}
