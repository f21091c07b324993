package audit

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwi-platform/governance/pkg/store"
)

func seededStore(t *testing.T) *store.AuditStore {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := store.NewAuditStore().WithClock(func() time.Time { return now })
	ctx := context.Background()

	_, err := s.Append(ctx, store.Record{
		TenantID: "acme", Actor: "alice", ActorType: "human",
		Action: "rbac.check.allowed", Category: "rbac",
		ResourceType: "repo", ResourceID: "platform",
		Outcome: store.OutcomeSuccess,
	})
	require.NoError(t, err)
	_, err = s.Append(ctx, store.Record{
		TenantID: "acme", Actor: "bob", ActorType: "human",
		Action: "rbac.check.denied", Category: "rbac",
		ResourceType: "repo", ResourceID: "platform",
		Outcome: store.OutcomeFailure, HighRisk: true,
		ContextHash: "sha256:abc",
	})
	require.NoError(t, err)
	return s
}

func TestExport_JSON(t *testing.T) {
	e := NewExporter(seededStore(t), nil)

	res, err := e.Export(context.Background(), Options{TenantID: "acme", Format: FormatJSON})
	require.NoError(t, err)
	assert.Equal(t, "application/json", res.ContentType)
	assert.Contains(t, res.Filename, "audit-export-acme-")
	assert.True(t, strings.HasSuffix(res.Filename, ".json"))

	var entries []*store.Entry
	require.NoError(t, json.Unmarshal(res.Content, &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "alice", entries[0].Actor)

	md := res.Metadata
	assert.NotEmpty(t, md.ExportID)
	assert.Equal(t, 2, md.EntryCount)
	assert.Equal(t, entries[1].Chain.EntryHash, md.ChainHead)
}

func TestExport_JSONLines(t *testing.T) {
	e := NewExporter(seededStore(t), nil)

	res, err := e.Export(context.Background(), Options{TenantID: "acme", Format: FormatJSONLines})
	require.NoError(t, err)
	assert.Equal(t, "application/x-ndjson", res.ContentType)

	lines := strings.Split(strings.TrimRight(string(res.Content), "\n"), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		var entry store.Entry
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		assert.Equal(t, "acme", entry.TenantID)
	}
}

func TestExport_CSV(t *testing.T) {
	e := NewExporter(seededStore(t), nil)

	res, err := e.Export(context.Background(), Options{TenantID: "acme", Format: FormatCSV})
	require.NoError(t, err)
	assert.Equal(t, "text/csv", res.ContentType)

	lines := strings.Split(strings.TrimRight(string(res.Content), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "id,tenantId,timestamp,sequence,actor,action"))
	assert.Contains(t, lines[1], ",alice,")
	assert.Contains(t, lines[2], ",true,") // highRisk column
}

func TestCSVEscape(t *testing.T) {
	assert.Equal(t, "plain", csvEscape("plain"))
	assert.Equal(t, `"a,b"`, csvEscape("a,b"))
	assert.Equal(t, `"say ""hi"""`, csvEscape(`say "hi"`))
	assert.Equal(t, "\"line\nbreak\"", csvEscape("line\nbreak"))
}

func TestExport_CEF(t *testing.T) {
	e := NewExporter(seededStore(t), nil)

	res, err := e.Export(context.Background(), Options{TenantID: "acme", Format: FormatCEF})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(string(res.Content), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "CEF:0|GWI|AuditLog|1.0|rbac.check.allowed|"))
	assert.Contains(t, lines[0], "|1|") // routine severity
	assert.Contains(t, lines[0], "suser=alice")
	assert.Contains(t, lines[1], "|8|") // high risk severity
	assert.Contains(t, lines[1], "cs1Label=tenantId cs1=acme")
	assert.Contains(t, lines[1], "cs4Label=resource cs4=repo/platform")
}

func TestExport_Syslog(t *testing.T) {
	e := NewExporter(seededStore(t), nil)

	res, err := e.Export(context.Background(), Options{TenantID: "acme", Format: FormatSyslog})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(string(res.Content), "\n"), "\n")
	require.Len(t, lines, 2)
	// Facility 13, severity 6 (informational) and 2 (critical).
	assert.True(t, strings.HasPrefix(lines[0], "<110>1 "))
	assert.True(t, strings.HasPrefix(lines[1], "<106>1 "))
	assert.Contains(t, lines[0], `[audit@gwi entryId=`)
	assert.Contains(t, lines[1], `highRisk="true"`)
	assert.Contains(t, lines[1], "tenant=acme seq=2")
}

func TestExport_EmptyTenantRendersEmpty(t *testing.T) {
	e := NewExporter(store.NewAuditStore(), nil)

	res, err := e.Export(context.Background(), Options{TenantID: "acme", Format: FormatJSON})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Metadata.EntryCount)
	assert.Equal(t, "genesis", res.Metadata.ChainHead)
	assert.JSONEq(t, "[]", string(res.Content))
}

func TestExport_Filters(t *testing.T) {
	e := NewExporter(seededStore(t), nil)

	res, err := e.Export(context.Background(), Options{
		TenantID:     "acme",
		Format:       FormatJSON,
		HighRiskOnly: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Metadata.EntryCount)

	res, err = e.Export(context.Background(), Options{
		TenantID: "acme",
		Format:   FormatJSON,
		Actor:    "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Metadata.EntryCount)
}

func TestExport_Validation(t *testing.T) {
	e := NewExporter(seededStore(t), nil)
	ctx := context.Background()

	_, err := e.Export(ctx, Options{Format: FormatJSON})
	assert.ErrorIs(t, err, ErrEmptyTenantID)

	start := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err = e.Export(ctx, Options{TenantID: "acme", Format: FormatJSON, StartTime: &start, EndTime: &end})
	assert.ErrorIs(t, err, ErrInvalidTimeRange)

	_, err = e.Export(ctx, Options{TenantID: "acme", Format: "xml"})
	assert.ErrorIs(t, err, ErrUnknownFormat)

	_, err = e.Export(ctx, Options{TenantID: "acme", Format: FormatJSON, Sign: true})
	assert.ErrorIs(t, err, ErrNoSigner)

	nilStore := NewExporter(nil, nil)
	_, err = nilStore.Export(ctx, Options{TenantID: "acme", Format: FormatJSON})
	assert.ErrorIs(t, err, ErrStoreNotConfigured)
}
