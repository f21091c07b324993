package policycache

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwi-platform/governance/pkg/policy"
)

func TestEngine_LoadsOnMissThenHits(t *testing.T) {
	var loads int
	loader := LoaderFunc(func(_ context.Context, ref PolicyRef) (*policy.Document, error) {
		loads++
		return &policy.Document{
			Version:       "1.0.0",
			Name:          ref.PolicyID,
			Scope:         policy.ScopeGlobal,
			DefaultAction: policy.Action{Effect: policy.EffectAllow},
		}, nil
	})

	var compiles int
	compiler := func(doc *policy.Document) (*policy.CompiledPolicy, error) {
		compiles++
		return policy.Compile(doc)
	}

	e := NewEngine(New(Options{MaxSize: 10}), loader, compiler, 0)
	ref := PolicyRef{TenantID: "acme", PolicyID: "base"}

	cp, err := e.GetPolicy(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "base", cp.Doc.Name)

	// Second access is served from cache: no further load or compile.
	cp2, err := e.GetPolicy(context.Background(), ref)
	require.NoError(t, err)
	assert.Same(t, cp, cp2)
	assert.Equal(t, 1, loads)
	assert.Equal(t, 1, compiles)
}

func TestEngine_NotFound(t *testing.T) {
	loader := LoaderFunc(func(context.Context, PolicyRef) (*policy.Document, error) {
		return nil, nil
	})
	e := NewEngine(New(Options{MaxSize: 10}), loader, nil, 0)

	_, err := e.GetPolicy(context.Background(), PolicyRef{TenantID: "acme", PolicyID: "missing"})
	assert.ErrorIs(t, err, ErrPolicyNotFound)
}

func TestEngine_LoaderErrorCachesNothing(t *testing.T) {
	boom := errors.New("backend down")
	var loads int
	loader := LoaderFunc(func(context.Context, PolicyRef) (*policy.Document, error) {
		loads++
		return nil, boom
	})
	e := NewEngine(New(Options{MaxSize: 10}), loader, nil, 0)
	ref := PolicyRef{TenantID: "acme", PolicyID: "base"}

	_, err := e.GetPolicy(context.Background(), ref)
	assert.ErrorIs(t, err, boom)

	// The failure must not be cached; the next call hits the loader again.
	_, err = e.GetPolicy(context.Background(), ref)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, loads)
	assert.Equal(t, 0, e.Stats().Size)
}

func TestEngine_CompileErrorPropagates(t *testing.T) {
	loader := LoaderFunc(func(_ context.Context, ref PolicyRef) (*policy.Document, error) {
		return &policy.Document{Name: ref.PolicyID}, nil
	})
	bad := errors.New("compile failed")
	compiler := func(*policy.Document) (*policy.CompiledPolicy, error) { return nil, bad }
	e := NewEngine(New(Options{MaxSize: 10}), loader, compiler, 0)

	_, err := e.GetPolicy(context.Background(), PolicyRef{TenantID: "acme", PolicyID: "base"})
	assert.ErrorIs(t, err, bad)
	assert.Equal(t, 0, e.Stats().Size)
}

func TestEngine_Invalidation(t *testing.T) {
	var loads int
	loader := LoaderFunc(func(_ context.Context, ref PolicyRef) (*policy.Document, error) {
		loads++
		return &policy.Document{
			Version:       "1.0.0",
			Name:          ref.PolicyID,
			Scope:         policy.ScopeGlobal,
			DefaultAction: policy.Action{Effect: policy.EffectAllow},
		}, nil
	})
	e := NewEngine(New(Options{MaxSize: 10}), loader, nil, 0)

	base := PolicyRef{TenantID: "acme", PolicyID: "base"}
	repo := PolicyRef{TenantID: "acme", Repo: "platform", PolicyID: "deploy"}
	other := PolicyRef{TenantID: "globex", PolicyID: "base"}

	for _, ref := range []PolicyRef{base, repo, other} {
		_, err := e.GetPolicy(context.Background(), ref)
		require.NoError(t, err)
	}
	require.Equal(t, 3, loads)

	assert.True(t, e.Invalidate(base))
	assert.False(t, e.Invalidate(base), "second invalidate finds nothing")

	assert.Equal(t, 1, e.InvalidateRepo("acme", "platform"))
	assert.Equal(t, 0, e.InvalidateTenant("acme"))

	// globex is untouched.
	_, err := e.GetPolicy(context.Background(), other)
	require.NoError(t, err)
	assert.Equal(t, 3, loads)

	_, err = e.GetPolicy(context.Background(), base)
	require.NoError(t, err)
	assert.Equal(t, 4, loads)
}
