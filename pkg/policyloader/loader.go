// Package policyloader loads policy documents from the filesystem.
//
// Bundles are JSON files binding a policy document to the tenant, repo,
// and branch it governs, enabling policy changes without code
// deployments. The loader doubles as the cache's backing source.
package policyloader

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gwi-platform/governance/pkg/policy"
	"github.com/gwi-platform/governance/pkg/policycache"
)

// Bundle binds one policy document to its scope.
type Bundle struct {
	TenantID string           `json:"tenantId"`
	Repo     string           `json:"repo,omitempty"`
	Branch   string           `json:"branch,omitempty"`
	PolicyID string           `json:"policyId"`
	Document *policy.Document `json:"document"`
}

func (b *Bundle) ref() policycache.PolicyRef {
	return policycache.PolicyRef{
		TenantID: b.TenantID,
		Repo:     b.Repo,
		Branch:   b.Branch,
		PolicyID: b.PolicyID,
	}
}

// Loader loads and serves policy bundles from a directory.
type Loader struct {
	mu        sync.RWMutex
	bundles   map[string]*Bundle // cache key -> bundle
	bundleDir string
	validator *policy.Validator
	onReload  func(bundle *Bundle)
}

// NewLoader creates a bundle loader reading from the given directory.
// Documents are validated on load; invalid bundles are rejected.
func NewLoader(bundleDir string) *Loader {
	return &Loader{
		bundles:   make(map[string]*Bundle),
		bundleDir: bundleDir,
		validator: policy.NewValidator(),
	}
}

// OnReload registers a callback invoked when a bundle is loaded or
// reloaded. Used to invalidate cached compilations.
func (l *Loader) OnReload(fn func(bundle *Bundle)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onReload = fn
}

// LoadAll loads all .json bundle files from the configured directory.
func (l *Loader) LoadAll() error {
	entries, err := os.ReadDir(l.bundleDir)
	if err != nil {
		return fmt.Errorf("policyloader: read dir %s: %w", l.bundleDir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		path := filepath.Join(l.bundleDir, entry.Name())
		if err := l.LoadFile(path); err != nil {
			return fmt.Errorf("policyloader: load %s: %w", entry.Name(), err)
		}
	}

	return nil
}

// LoadFile loads a single policy bundle from a JSON file.
func (l *Loader) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	var bundle Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return fmt.Errorf("parse bundle: %w", err)
	}
	if bundle.TenantID == "" || bundle.PolicyID == "" {
		return fmt.Errorf("bundle %s: tenantId and policyId are required", filepath.Base(path))
	}
	if bundle.Document == nil {
		return fmt.Errorf("bundle %s: missing document", filepath.Base(path))
	}
	if _, verrs := l.validator.Validate(bundle.Document); len(verrs) > 0 {
		return fmt.Errorf("bundle %s: %w", filepath.Base(path), verrs)
	}

	l.mu.Lock()
	l.bundles[bundle.ref().Key()] = &bundle
	callback := l.onReload
	l.mu.Unlock()

	if callback != nil {
		callback(&bundle)
	}

	return nil
}

// Register adds or replaces a bundle programmatically.
func (l *Loader) Register(b *Bundle) error {
	if b.TenantID == "" || b.PolicyID == "" {
		return fmt.Errorf("policyloader: tenantId and policyId are required")
	}
	if _, verrs := l.validator.Validate(b.Document); len(verrs) > 0 {
		return verrs
	}

	l.mu.Lock()
	l.bundles[b.ref().Key()] = b
	callback := l.onReload
	l.mu.Unlock()

	if callback != nil {
		callback(b)
	}
	return nil
}

// Load implements policycache.Loader.
func (l *Loader) Load(ctx context.Context, ref policycache.PolicyRef) (*policy.Document, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.bundles[ref.Key()]
	if !ok {
		return nil, policycache.ErrPolicyNotFound
	}
	return b.Document, nil
}

// All returns every loaded bundle.
func (l *Loader) All() []*Bundle {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]*Bundle, 0, len(l.bundles))
	for _, b := range l.bundles {
		result = append(result, b)
	}
	return result
}
