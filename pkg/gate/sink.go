package gate

import (
	"context"
	"fmt"

	"github.com/gwi-platform/governance/pkg/store"
)

// StoreSink appends gate audit events to the immutable audit store.
type StoreSink struct {
	store *store.AuditStore
}

// NewStoreSink wraps an audit store as an AuditSink.
func NewStoreSink(s *store.AuditStore) *StoreSink {
	return &StoreSink{store: s}
}

// EmitAuditEvent appends one chained entry per gate evaluation.
func (s *StoreSink) EmitAuditEvent(ctx context.Context, ev AuditEvent) error {
	outcome := store.OutcomeSuccess
	highRisk := false
	if ev.Outcome == "denied" {
		outcome = store.OutcomeFailure
		highRisk = true
	}

	ctxHash, _ := ev.Data["contextHash"].(string)
	_, err := s.store.Append(ctx, store.Record{
		TenantID:     ev.TenantID,
		Actor:        ev.Actor.ID,
		ActorType:    ev.Actor.Type,
		Action:       ev.EventType,
		Category:     "rbac",
		ResourceType: ev.Resource.Type,
		ResourceID:   ev.Resource.ID,
		Outcome:      outcome,
		HighRisk:     highRisk,
		ContextHash:  ctxHash,
		TraceID:      ev.TraceID,
		RequestID:    ev.RequestID,
		Data:         ev.Data,
	})
	if err != nil {
		return fmt.Errorf("gate: append audit entry: %w", err)
	}
	return nil
}
