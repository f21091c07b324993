package violation

import (
	"context"
	"sync"
	"time"
)

// KeyRegistry remembers idempotency keys for the dedup window. A key that
// exists means a violation with that key was already created recently.
type KeyRegistry interface {
	// Register stores the key with a TTL. Registering an existing key
	// refreshes its TTL.
	Register(ctx context.Context, tenantID, key string, ttl time.Duration) error
	// Exists reports whether the key is registered and unexpired.
	Exists(ctx context.Context, tenantID, key string) (bool, error)
	// Claim atomically registers the key with a TTL if it is not already
	// held. It reports false when the key exists, leaving its TTL
	// untouched. Concurrent claims of one key yield exactly one true.
	Claim(ctx context.Context, tenantID, key string, ttl time.Duration) (bool, error)
	// Release drops the key, undoing a claim whose violation was never
	// persisted.
	Release(ctx context.Context, tenantID, key string) error
}

// MemoryKeyRegistry is the in-process KeyRegistry. Safe for concurrent use.
type MemoryKeyRegistry struct {
	mu    sync.Mutex
	keys  map[string]time.Time // registry key -> expiry
	clock func() time.Time
}

// NewMemoryKeyRegistry creates an empty registry.
func NewMemoryKeyRegistry() *MemoryKeyRegistry {
	return &MemoryKeyRegistry{
		keys:  make(map[string]time.Time),
		clock: time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *MemoryKeyRegistry) WithClock(clock func() time.Time) *MemoryKeyRegistry {
	r.clock = clock
	return r
}

func registryKey(tenantID, key string) string {
	return tenantID + ":" + key
}

func (r *MemoryKeyRegistry) Register(ctx context.Context, tenantID, key string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[registryKey(tenantID, key)] = r.clock().Add(ttl)
	return nil
}

func (r *MemoryKeyRegistry) Exists(ctx context.Context, tenantID, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	expiry, ok := r.keys[registryKey(tenantID, key)]
	if !ok {
		return false, nil
	}
	if r.clock().After(expiry) {
		delete(r.keys, registryKey(tenantID, key))
		return false, nil
	}
	return true, nil
}

func (r *MemoryKeyRegistry) Claim(ctx context.Context, tenantID, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	k := registryKey(tenantID, key)
	if expiry, ok := r.keys[k]; ok && !r.clock().After(expiry) {
		return false, nil
	}
	r.keys[k] = r.clock().Add(ttl)
	return true, nil
}

func (r *MemoryKeyRegistry) Release(ctx context.Context, tenantID, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.keys, registryKey(tenantID, key))
	return nil
}

// Prune drops expired keys and returns the count removed.
func (r *MemoryKeyRegistry) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock()
	n := 0
	for k, expiry := range r.keys {
		if now.After(expiry) {
			delete(r.keys, k)
			n++
		}
	}
	return n
}
