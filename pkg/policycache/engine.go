package policycache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gwi-platform/governance/pkg/policy"
)

// ErrPolicyNotFound is returned when the loader has no document for a key.
var ErrPolicyNotFound = errors.New("policycache: policy not found")

// Loader fetches policy documents from external storage on cache miss.
// Implementations must honor ctx cancellation; a slow backend must not
// stall callers past their deadline.
type Loader interface {
	Load(ctx context.Context, ref PolicyRef) (*policy.Document, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, ref PolicyRef) (*policy.Document, error)

func (f LoaderFunc) Load(ctx context.Context, ref PolicyRef) (*policy.Document, error) {
	return f(ctx, ref)
}

// Compiler turns a validated document into its compiled form.
type Compiler func(doc *policy.Document) (*policy.CompiledPolicy, error)

// PolicyRef names one policy at one scope.
type PolicyRef struct {
	TenantID string
	Repo     string
	Branch   string
	PolicyID string
}

// Key returns the cache key for the reference.
func (r PolicyRef) Key() string {
	return Key(r.TenantID, r.Repo, r.Branch, r.PolicyID)
}

// Engine composes the cache with a pluggable compiler and loader, so the
// cache never knows how documents are produced or persisted.
type Engine struct {
	cache    *Cache
	loader   Loader
	compiler Compiler
	ttl      time.Duration
}

// NewEngine builds a cached policy engine. A nil compiler uses
// policy.Compile.
func NewEngine(cache *Cache, loader Loader, compiler Compiler, ttl time.Duration) *Engine {
	if compiler == nil {
		compiler = policy.Compile
	}
	return &Engine{cache: cache, loader: loader, compiler: compiler, ttl: ttl}
}

// GetPolicy returns the compiled policy for ref, loading and compiling on
// cache miss. Loader and compiler failures propagate; a failed load never
// caches anything.
func (e *Engine) GetPolicy(ctx context.Context, ref PolicyRef) (*policy.CompiledPolicy, error) {
	key := ref.Key()
	if cp, ok := e.cache.Get(key); ok {
		return cp, nil
	}

	doc, err := e.loader.Load(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("policycache: load %s: %w", key, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("policycache: %s: %w", key, ErrPolicyNotFound)
	}

	cp, err := e.compiler(doc)
	if err != nil {
		return nil, fmt.Errorf("policycache: compile %s: %w", key, err)
	}

	e.cache.Set(key, cp, e.ttl)
	return cp, nil
}

// Invalidate drops one policy, forcing a reload on next access.
func (e *Engine) Invalidate(ref PolicyRef) bool {
	return e.cache.Invalidate(ref.Key())
}

// InvalidateTenant drops every cached policy for a tenant.
func (e *Engine) InvalidateTenant(tenantID string) int {
	return e.cache.InvalidateByTenant(tenantID)
}

// InvalidateRepo drops every cached policy scoped to a repo.
func (e *Engine) InvalidateRepo(tenantID, repo string) int {
	return e.cache.InvalidateByRepo(tenantID, repo)
}

// Stats exposes the underlying cache counters.
func (e *Engine) Stats() Stats {
	return e.cache.Stats()
}
