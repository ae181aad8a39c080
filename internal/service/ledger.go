package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/workloom/backend/internal/domain"
	"github.com/workloom/backend/internal/metrics"
)

// EventLedger records every inbound provider event exactly once.
type EventLedger struct {
	store EventStore
	now   Clock
}

// NewEventLedger creates a new EventLedger.
func NewEventLedger(store EventStore, now Clock) *EventLedger {
	if now == nil {
		now = time.Now
	}
	return &EventLedger{store: store, now: now}
}

// Ingest appends the event unless its provider event id was seen before. For a
// duplicate it returns the existing row.
func (l *EventLedger) Ingest(ctx context.Context, provider, providerEventID, eventType string,
	tenantHint string, payload domain.Document) (domain.IngestResult, *domain.BillingEvent, error) {
	providerEventID = strings.TrimSpace(providerEventID)
	if providerEventID == "" {
		return "", nil, domain.ErrBadRequest("missing provider event id")
	}

	ev := &domain.BillingEvent{
		ID:              uuid.New().String(),
		Provider:        provider,
		ProviderEventID: providerEventID,
		EventType:       eventType,
		TenantHint:      tenantHint,
		ReceivedAt:      l.now().UTC(),
		Payload:         payload,
	}

	inserted, err := l.store.Insert(ctx, ev)
	if err != nil {
		return "", nil, domain.ErrInternal("failed to ledger billing event", err)
	}
	if !inserted {
		metrics.LedgerIngestTotal.WithLabelValues(string(domain.IngestDuplicate)).Inc()
		existing, err := l.store.FindByProviderEventID(ctx, providerEventID)
		if err != nil {
			return "", nil, domain.ErrInternal("failed to load billing event", err)
		}
		if existing == nil {
			return "", nil, domain.ErrInternal("duplicate billing event vanished", nil)
		}
		return domain.IngestDuplicate, existing, nil
	}
	metrics.LedgerIngestTotal.WithLabelValues(string(domain.IngestAccepted)).Inc()
	return domain.IngestAccepted, ev, nil
}

// MarkProcessed closes a pending event once its effect has been applied or
// deliberately skipped.
func (l *EventLedger) MarkProcessed(ctx context.Context, eventID string, res domain.EventResolution) error {
	if err := l.store.MarkProcessed(ctx, eventID, res, l.now().UTC()); err != nil {
		return domain.ErrInternal("failed to mark billing event processed", err)
	}
	return nil
}

// RecordFailure keeps the event pending and remembers why.
func (l *EventLedger) RecordFailure(ctx context.Context, eventID string, cause error) error {
	if err := l.store.RecordFailure(ctx, eventID, cause.Error()); err != nil {
		return domain.ErrInternal("failed to record billing event failure", err)
	}
	return nil
}

// Pending lists unprocessed events in arrival order.
func (l *EventLedger) Pending(ctx context.Context, limit int) ([]*domain.BillingEvent, error) {
	events, err := l.store.ListPending(ctx, limit)
	if err != nil {
		return nil, domain.ErrInternal("failed to list pending events", err)
	}
	return events, nil
}

// History lists a tenant's events, newest first.
func (l *EventLedger) History(ctx context.Context, tenantID string, limit int) ([]*domain.BillingEvent, error) {
	events, err := l.store.ListByTenant(ctx, tenantID, limit)
	if err != nil {
		return nil, domain.ErrInternal("failed to list billing events", err)
	}
	return events, nil
}
