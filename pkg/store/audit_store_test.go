package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendN(t *testing.T, s *AuditStore, tenantID string, n int) []*Entry {
	t.Helper()
	entries := make([]*Entry, 0, n)
	for i := 0; i < n; i++ {
		e, err := s.Append(context.Background(), Record{
			TenantID: tenantID,
			Actor:    "alice",
			Action:   "policy.check",
			Outcome:  OutcomeSuccess,
		})
		require.NoError(t, err)
		entries = append(entries, e)
	}
	return entries
}

func TestAppend_ChainLinkage(t *testing.T) {
	s := NewAuditStore()

	first, err := s.Append(context.Background(), Record{
		TenantID: "acme",
		Actor:    "alice",
		Action:   "policy.check",
		Outcome:  OutcomeSuccess,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, first.ID)
	assert.Equal(t, uint64(1), first.Chain.Sequence)
	assert.Equal(t, "genesis", first.Chain.PreviousHash)
	assert.Contains(t, first.Chain.EntryHash, "sha256:")

	second, err := s.Append(context.Background(), Record{
		TenantID: "acme",
		Actor:    "bob",
		Action:   "policy.update",
		Outcome:  OutcomeSuccess,
	})
	require.NoError(t, err)

	assert.Equal(t, uint64(2), second.Chain.Sequence)
	assert.Equal(t, first.Chain.EntryHash, second.Chain.PreviousHash)
	assert.Equal(t, second.Chain.EntryHash, s.ChainHead("acme"))
}

func TestAppend_TenantChainsAreIndependent(t *testing.T) {
	s := NewAuditStore()
	appendN(t, s, "acme", 3)
	appendN(t, s, "globex", 2)

	acme, err := s.Query(context.Background(), QueryOptions{TenantID: "acme"})
	require.NoError(t, err)
	globex, err := s.Query(context.Background(), QueryOptions{TenantID: "globex"})
	require.NoError(t, err)

	assert.Len(t, acme, 3)
	assert.Len(t, globex, 2)
	assert.Equal(t, uint64(3), acme[2].Chain.Sequence)
	assert.Equal(t, uint64(2), globex[1].Chain.Sequence)
	assert.Equal(t, "genesis", globex[0].Chain.PreviousHash)
}

func TestAppend_Validation(t *testing.T) {
	s := NewAuditStore()

	_, err := s.Append(context.Background(), Record{Actor: "alice", Action: "x"})
	assert.ErrorIs(t, err, ErrEmptyTenantID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Append(ctx, Record{TenantID: "acme", Action: "x"})
	assert.ErrorIs(t, err, context.Canceled)

	// A bad payload must not advance the chain.
	_, err = s.Append(context.Background(), Record{
		TenantID: "acme",
		Action:   "x",
		Data:     map[string]any{"ch": make(chan int)},
	})
	require.Error(t, err)
	assert.Equal(t, "genesis", s.ChainHead("acme"))
	assert.Equal(t, 0, s.Size())
}

func TestAppend_DataPayload(t *testing.T) {
	s := NewAuditStore()
	e, err := s.Append(context.Background(), Record{
		TenantID: "acme",
		Action:   "gate.check.denied",
		Outcome:  OutcomeFailure,
		Data:     map[string]string{"decision": "DENY"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"decision":"DENY"}`, string(e.Data))
}

func TestGet(t *testing.T) {
	s := NewAuditStore()
	entries := appendN(t, s, "acme", 1)

	got, err := s.Get(entries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, entries[0].Chain.EntryHash, got.Chain.EntryHash)

	_, err = s.Get("no-such-id")
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestQuery_Filters(t *testing.T) {
	s := NewAuditStore()
	ctx := context.Background()

	_, err := s.Append(ctx, Record{
		TenantID: "acme", Actor: "alice", Action: "deploy",
		Category: "deployment", ResourceType: "service", Outcome: OutcomeSuccess,
	})
	require.NoError(t, err)
	_, err = s.Append(ctx, Record{
		TenantID: "acme", Actor: "bob", Action: "delete",
		Category: "deployment", ResourceType: "database",
		Outcome: OutcomeFailure, HighRisk: true,
	})
	require.NoError(t, err)
	_, err = s.Append(ctx, Record{
		TenantID: "acme", Actor: "alice", Action: "read",
		Category: "access", ResourceType: "service", Outcome: OutcomeSuccess,
	})
	require.NoError(t, err)

	cases := []struct {
		name string
		opts QueryOptions
		want int
	}{
		{"by actor", QueryOptions{TenantID: "acme", Actor: "alice"}, 2},
		{"by category", QueryOptions{TenantID: "acme", Category: "deployment"}, 2},
		{"by resource type", QueryOptions{TenantID: "acme", ResourceType: "database"}, 1},
		{"high risk only", QueryOptions{TenantID: "acme", HighRiskOnly: true}, 1},
		{"sequence range", QueryOptions{TenantID: "acme", StartSeq: 2, EndSeq: 3}, 2},
		{"limit", QueryOptions{TenantID: "acme", Limit: 2}, 2},
		{"unknown tenant", QueryOptions{TenantID: "nobody"}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := s.Query(ctx, tc.opts)
			require.NoError(t, err)
			assert.Len(t, got, tc.want)
		})
	}

	_, err = s.Query(ctx, QueryOptions{})
	assert.ErrorIs(t, err, ErrEmptyTenantID)
}

func TestQuery_TimeWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewAuditStore().WithClock(func() time.Time { return now })

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := s.Append(ctx, Record{TenantID: "acme", Action: "tick", Outcome: OutcomeSuccess})
		require.NoError(t, err)
		now = now.Add(time.Hour)
	}

	start := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	end := time.Date(2026, 3, 1, 13, 30, 0, 0, time.UTC)
	got, err := s.Query(ctx, QueryOptions{TenantID: "acme", StartTime: &start, EndTime: &end})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(2), got[0].Chain.Sequence)
}

func TestQuery_SortDescending(t *testing.T) {
	s := NewAuditStore()
	appendN(t, s, "acme", 3)

	got, err := s.Query(context.Background(), QueryOptions{
		TenantID:  "acme",
		SortOrder: SortDescending,
		Limit:     2,
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(3), got[0].Chain.Sequence)
	assert.Equal(t, uint64(2), got[1].Chain.Sequence)
}

func TestVerifyChain(t *testing.T) {
	s := NewAuditStore()
	entries := appendN(t, s, "acme", 5)

	require.NoError(t, s.VerifyChain("acme"))
	require.NoError(t, s.VerifyChain("empty-tenant"))

	// Tamper with a mid-chain entry; verification must catch it.
	entries[2].Actor = "mallory"
	err := s.VerifyChain("acme")
	assert.ErrorIs(t, err, ErrChainBroken)
}

func TestAppend_HandlerPanicIsolated(t *testing.T) {
	s := NewAuditStore()
	s.AddHandler(func(*Entry) { panic("bad handler") })

	var seen []*Entry
	s.AddHandler(func(e *Entry) { seen = append(seen, e) })

	e, err := s.Append(context.Background(), Record{
		TenantID: "acme", Action: "x", Outcome: OutcomeSuccess,
	})
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Equal(t, e.ID, seen[0].ID)
}

func TestAppend_Concurrent(t *testing.T) {
	s := NewAuditStore()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				_, err := s.Append(context.Background(), Record{
					TenantID: "acme", Action: "tick", Outcome: OutcomeSuccess,
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 200, s.Size())
	assert.NoError(t, s.VerifyChain("acme"))
}
