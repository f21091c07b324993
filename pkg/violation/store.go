package violation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrViolationNotFound is returned for lookups of unknown violations.
var ErrViolationNotFound = errors.New("violation: not found")

// Store persists violations. Implementations must be safe for concurrent
// use and must honor ctx cancellation on every call.
type Store interface {
	Create(ctx context.Context, v *Violation) error
	Get(ctx context.Context, tenantID, id string) (*Violation, error)
	// ListSince returns a tenant's violations detected at or after since,
	// in detection order.
	ListSince(ctx context.Context, tenantID string, since time.Time) ([]*Violation, error)
	// UpdateStatus transitions a violation's triage status.
	UpdateStatus(ctx context.Context, tenantID, id string, status Status) error
}

// MemoryStore is the in-process Store.
type MemoryStore struct {
	mu         sync.RWMutex
	byTenant   map[string][]*Violation
	byTenantID map[string]*Violation
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byTenant:   make(map[string][]*Violation),
		byTenantID: make(map[string]*Violation),
	}
}

func memKey(tenantID, id string) string {
	return tenantID + "/" + id
}

func (s *MemoryStore) Create(ctx context.Context, v *Violation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	clone := *v
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byTenant[v.TenantID] = append(s.byTenant[v.TenantID], &clone)
	s.byTenantID[memKey(v.TenantID, v.ID)] = &clone
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, tenantID, id string) (*Violation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.byTenantID[memKey(tenantID, id)]
	if !ok {
		return nil, ErrViolationNotFound
	}
	clone := *v
	return &clone, nil
}

func (s *MemoryStore) ListSince(ctx context.Context, tenantID string, since time.Time) ([]*Violation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Violation
	for _, v := range s.byTenant[tenantID] {
		if !v.DetectedAt.Before(since) {
			clone := *v
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, tenantID, id string, status Status) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.byTenantID[memKey(tenantID, id)]
	if !ok {
		return ErrViolationNotFound
	}
	v.Status = status
	return nil
}
