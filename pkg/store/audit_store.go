// Package store implements the append-only audit log with per-tenant
// hash chaining. Entries are immutable: there is no update or delete
// path, and each entry's hash covers the previous entry's hash so
// tampering is detectable.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrEntryNotFound = errors.New("store: entry not found")
	ErrChainBroken   = errors.New("store: hash chain is broken")
	ErrEmptyTenantID = errors.New("store: tenant id must not be empty")
)

// Outcome classifies how the audited action ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePartial Outcome = "partial"
)

// ChainInfo is the tamper-evidence block of an entry. Sequence is
// monotonically increasing per tenant; PreviousHash links to the prior
// entry of the same tenant.
type ChainInfo struct {
	Sequence     uint64 `json:"sequence"`
	PreviousHash string `json:"previousHash"`
	EntryHash    string `json:"entryHash"`
}

// Entry is a single immutable audit log entry.
type Entry struct {
	ID           string            `json:"id"`
	TenantID     string            `json:"tenantId"`
	Timestamp    time.Time         `json:"timestamp"`
	Actor        string            `json:"actor"`
	ActorType    string            `json:"actorType,omitempty"`
	Action       string            `json:"action"`
	Category     string            `json:"category,omitempty"`
	ResourceType string            `json:"resourceType,omitempty"`
	ResourceID   string            `json:"resourceId,omitempty"`
	Outcome      Outcome           `json:"outcome"`
	HighRisk     bool              `json:"highRisk"`
	Chain        ChainInfo         `json:"chain"`
	ContextHash  string            `json:"contextHash,omitempty"`
	TraceID      string            `json:"traceId,omitempty"`
	RequestID    string            `json:"requestId,omitempty"`
	Data         json.RawMessage   `json:"data,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Record is the caller-supplied portion of an entry; the store assigns
// identity, timestamps, and chain linkage.
type Record struct {
	TenantID     string
	Actor        string
	ActorType    string
	Action       string
	Category     string
	ResourceType string
	ResourceID   string
	Outcome      Outcome
	HighRisk     bool
	ContextHash  string
	TraceID      string
	RequestID    string
	Data         any
	Metadata     map[string]string
}

// EntryHandler is called synchronously after an entry is appended.
// Handler panics are isolated and never fail the append.
type EntryHandler func(entry *Entry)

// tenantChain serializes appends for one tenant, which is what keeps
// chain.sequence strictly increasing per tenant.
type tenantChain struct {
	sequence uint64
	head     string
	entries  []*Entry
}

// AuditStore is an in-process append-only audit log. Safe for concurrent
// use; appends for one tenant are serialized behind the store lock.
type AuditStore struct {
	mu       sync.RWMutex
	chains   map[string]*tenantChain
	byID     map[string]*Entry
	handlers []EntryHandler
	clock    func() time.Time
}

// NewAuditStore creates an empty store.
func NewAuditStore() *AuditStore {
	return &AuditStore{
		chains: make(map[string]*tenantChain),
		byID:   make(map[string]*Entry),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *AuditStore) WithClock(clock func() time.Time) *AuditStore {
	s.clock = clock
	return s
}

// Append writes one entry. The write is all-or-nothing: on error no
// partial entry is recorded and the chain state is unchanged.
func (s *AuditStore) Append(ctx context.Context, rec Record) (*Entry, error) {
	if rec.TenantID == "" {
		return nil, ErrEmptyTenantID
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var payload json.RawMessage
	if rec.Data != nil {
		b, err := json.Marshal(rec.Data)
		if err != nil {
			return nil, fmt.Errorf("store: serialize data: %w", err)
		}
		payload = b
	}

	s.mu.Lock()
	chain, ok := s.chains[rec.TenantID]
	if !ok {
		chain = &tenantChain{head: "genesis"}
		s.chains[rec.TenantID] = chain
	}

	entry := &Entry{
		ID:           uuid.New().String(),
		TenantID:     rec.TenantID,
		Timestamp:    s.clock().UTC(),
		Actor:        rec.Actor,
		ActorType:    rec.ActorType,
		Action:       rec.Action,
		Category:     rec.Category,
		ResourceType: rec.ResourceType,
		ResourceID:   rec.ResourceID,
		Outcome:      rec.Outcome,
		HighRisk:     rec.HighRisk,
		ContextHash:  rec.ContextHash,
		TraceID:      rec.TraceID,
		RequestID:    rec.RequestID,
		Data:         payload,
		Metadata:     rec.Metadata,
		Chain: ChainInfo{
			Sequence:     chain.sequence + 1,
			PreviousHash: chain.head,
		},
	}

	hash, err := entryHash(entry)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("store: compute entry hash: %w", err)
	}
	entry.Chain.EntryHash = hash

	chain.sequence++
	chain.head = hash
	chain.entries = append(chain.entries, entry)
	s.byID[entry.ID] = entry
	handlers := s.handlers
	s.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() { _ = recover() }()
			h(entry)
		}()
	}
	return entry, nil
}

// entryHash hashes the chain-relevant fields of an entry, including the
// previous hash, which is what links the chain.
func entryHash(e *Entry) (string, error) {
	hashable := struct {
		TenantID     string          `json:"tenantId"`
		Sequence     uint64          `json:"sequence"`
		Timestamp    time.Time       `json:"timestamp"`
		Actor        string          `json:"actor"`
		Action       string          `json:"action"`
		Outcome      Outcome         `json:"outcome"`
		HighRisk     bool            `json:"highRisk"`
		ContextHash  string          `json:"contextHash"`
		Data         json.RawMessage `json:"data,omitempty"`
		PreviousHash string          `json:"previousHash"`
	}{
		TenantID:     e.TenantID,
		Sequence:     e.Chain.Sequence,
		Timestamp:    e.Timestamp,
		Actor:        e.Actor,
		Action:       e.Action,
		Outcome:      e.Outcome,
		HighRisk:     e.HighRisk,
		ContextHash:  e.ContextHash,
		Data:         e.Data,
		PreviousHash: e.Chain.PreviousHash,
	}
	data, err := json.Marshal(hashable)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// Get retrieves an entry by ID.
func (s *AuditStore) Get(id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return e, nil
}

// ChainHead returns the current head hash for a tenant ("genesis" when
// the tenant has no entries).
func (s *AuditStore) ChainHead(tenantID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if chain, ok := s.chains[tenantID]; ok {
		return chain.head
	}
	return "genesis"
}

// SortOrder controls query result ordering by sequence.
type SortOrder string

const (
	SortAscending  SortOrder = "asc"
	SortDescending SortOrder = "desc"
)

// QueryOptions filters the audit log.
type QueryOptions struct {
	TenantID     string
	StartTime    *time.Time
	EndTime      *time.Time
	StartSeq     uint64
	EndSeq       uint64
	Actor        string
	Category     string
	ResourceType string
	HighRiskOnly bool
	Limit        int
	SortOrder    SortOrder
}

func (o QueryOptions) matches(e *Entry) bool {
	if o.StartTime != nil && e.Timestamp.Before(*o.StartTime) {
		return false
	}
	if o.EndTime != nil && e.Timestamp.After(*o.EndTime) {
		return false
	}
	if o.StartSeq > 0 && e.Chain.Sequence < o.StartSeq {
		return false
	}
	if o.EndSeq > 0 && e.Chain.Sequence > o.EndSeq {
		return false
	}
	if o.Actor != "" && e.Actor != o.Actor {
		return false
	}
	if o.Category != "" && e.Category != o.Category {
		return false
	}
	if o.ResourceType != "" && e.ResourceType != o.ResourceType {
		return false
	}
	if o.HighRiskOnly && !e.HighRisk {
		return false
	}
	return true
}

// Query returns entries matching the options. TenantID is required.
func (s *AuditStore) Query(ctx context.Context, opts QueryOptions) ([]*Entry, error) {
	if opts.TenantID == "" {
		return nil, ErrEmptyTenantID
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	chain, ok := s.chains[opts.TenantID]
	if !ok {
		return nil, nil
	}

	results := make([]*Entry, 0)
	for _, e := range chain.entries {
		if opts.matches(e) {
			results = append(results, e)
		}
	}
	if opts.SortOrder == SortDescending {
		sort.Slice(results, func(i, j int) bool {
			return results[i].Chain.Sequence > results[j].Chain.Sequence
		})
	}
	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// VerifyChain recomputes the full chain for a tenant and reports the
// first break found.
func (s *AuditStore) VerifyChain(tenantID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain, ok := s.chains[tenantID]
	if !ok {
		return nil
	}

	expectedPrev := "genesis"
	var expectedSeq uint64 = 1
	for i, e := range chain.entries {
		if e.Chain.Sequence != expectedSeq {
			return fmt.Errorf("%w: entry %d has sequence %d, expected %d",
				ErrChainBroken, i, e.Chain.Sequence, expectedSeq)
		}
		if e.Chain.PreviousHash != expectedPrev {
			return fmt.Errorf("%w: entry %d has previous hash %s, expected %s",
				ErrChainBroken, i, e.Chain.PreviousHash, expectedPrev)
		}
		computed, err := entryHash(e)
		if err != nil {
			return fmt.Errorf("%w: entry %d hash computation failed: %w", ErrChainBroken, i, err)
		}
		if computed != e.Chain.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch (computed %s, stored %s)",
				ErrChainBroken, i, computed, e.Chain.EntryHash)
		}
		expectedPrev = e.Chain.EntryHash
		expectedSeq++
	}
	return nil
}

// AddHandler registers a handler invoked on every append.
func (s *AuditStore) AddHandler(h EntryHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// Size returns the total entry count across tenants.
func (s *AuditStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, chain := range s.chains {
		n += len(chain.entries)
	}
	return n
}
