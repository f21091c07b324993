// Package audit renders the immutable audit log into compliance export
// formats and attests exports with RSA signatures.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gwi-platform/governance/pkg/store"
)

var (
	// ErrEmptyTenantID is returned when the export names no tenant.
	ErrEmptyTenantID = errors.New("audit: tenant id must not be empty")
	// ErrInvalidTimeRange is returned when start time is after end time.
	ErrInvalidTimeRange = errors.New("audit: start time must be before end time")
	// ErrStoreNotConfigured is returned when export is invoked without a backing store.
	ErrStoreNotConfigured = errors.New("audit: store not configured (fail-closed)")
	// ErrUnknownFormat is returned for unrecognized export formats.
	ErrUnknownFormat = errors.New("audit: unknown export format")
	// ErrNoSigner is returned when signing is requested without a signer.
	ErrNoSigner = errors.New("audit: signing requested but no signer configured")
)

// Format selects the export rendering.
type Format string

const (
	FormatJSON      Format = "json"
	FormatJSONLines Format = "json-lines"
	FormatCSV       Format = "csv"
	FormatCEF       Format = "cef"
	FormatSyslog    Format = "syslog"
)

// Options selects what to export and how.
type Options struct {
	TenantID     string
	Format       Format
	StartTime    *time.Time
	EndTime      *time.Time
	StartSeq     uint64
	EndSeq       uint64
	Actor        string
	Category     string
	ResourceType string
	HighRiskOnly bool
	Limit        int
	SortOrder    store.SortOrder
	Sign         bool
}

// Metadata describes an export for its manifest.
type Metadata struct {
	ExportID    string     `json:"exportId"`
	TenantID    string     `json:"tenantId"`
	Format      Format     `json:"format"`
	GeneratedAt time.Time  `json:"generatedAt"`
	EntryCount  int        `json:"entryCount"`
	ChainHead   string     `json:"chainHead"`
	PeriodStart *time.Time `json:"periodStart,omitempty"`
	PeriodEnd   *time.Time `json:"periodEnd,omitempty"`
}

// Result is a completed export.
type Result struct {
	Content     []byte     `json:"content"`
	Metadata    Metadata   `json:"metadata"`
	Signature   *Signature `json:"signature,omitempty"`
	ContentType string     `json:"contentType"`
	Filename    string     `json:"filename"`
}

// Exporter reads the hash-chained audit store and renders entries.
type Exporter struct {
	store  *store.AuditStore
	signer *Signer
	clock  func() time.Time
}

// NewExporter creates an exporter. The signer may be nil when attestation
// is not needed.
func NewExporter(s *store.AuditStore, signer *Signer) *Exporter {
	return &Exporter{store: s, signer: signer, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (e *Exporter) WithClock(clock func() time.Time) *Exporter {
	e.clock = clock
	return e
}

// Export queries, renders, and optionally signs the selected entries.
func (e *Exporter) Export(ctx context.Context, opts Options) (*Result, error) {
	if opts.TenantID == "" {
		return nil, ErrEmptyTenantID
	}
	if opts.StartTime != nil && opts.EndTime != nil && opts.StartTime.After(*opts.EndTime) {
		return nil, ErrInvalidTimeRange
	}
	if e.store == nil {
		return nil, ErrStoreNotConfigured
	}
	if opts.Sign && e.signer == nil {
		return nil, ErrNoSigner
	}

	entries, err := e.store.Query(ctx, store.QueryOptions{
		TenantID:     opts.TenantID,
		StartTime:    opts.StartTime,
		EndTime:      opts.EndTime,
		StartSeq:     opts.StartSeq,
		EndSeq:       opts.EndSeq,
		Actor:        opts.Actor,
		Category:     opts.Category,
		ResourceType: opts.ResourceType,
		HighRiskOnly: opts.HighRiskOnly,
		Limit:        opts.Limit,
		SortOrder:    opts.SortOrder,
	})
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}

	content, contentType, ext, err := render(opts.Format, entries)
	if err != nil {
		return nil, err
	}

	now := e.clock().UTC()
	res := &Result{
		Content:     content,
		ContentType: contentType,
		Filename:    fmt.Sprintf("audit-export-%s-%s.%s", opts.TenantID, now.Format("20060102-150405"), ext),
		Metadata: Metadata{
			ExportID:    uuid.New().String(),
			TenantID:    opts.TenantID,
			Format:      opts.Format,
			GeneratedAt: now,
			EntryCount:  len(entries),
			ChainHead:   e.store.ChainHead(opts.TenantID),
			PeriodStart: opts.StartTime,
			PeriodEnd:   opts.EndTime,
		},
	}

	if opts.Sign {
		sig, err := e.signer.Sign(content, now)
		if err != nil {
			return nil, fmt.Errorf("audit: sign export: %w", err)
		}
		res.Signature = sig
	}
	return res, nil
}

func render(f Format, entries []*store.Entry) (content []byte, contentType, ext string, err error) {
	switch f {
	case FormatJSON:
		content, err = renderJSON(entries)
		return content, "application/json", "json", err
	case FormatJSONLines:
		content, err = renderJSONLines(entries)
		return content, "application/x-ndjson", "jsonl", err
	case FormatCSV:
		content, err = renderCSV(entries)
		return content, "text/csv", "csv", err
	case FormatCEF:
		return renderCEF(entries), "text/plain", "cef", nil
	case FormatSyslog:
		return renderSyslog(entries), "text/plain", "log", nil
	default:
		return nil, "", "", fmt.Errorf("%w: %q", ErrUnknownFormat, f)
	}
}
