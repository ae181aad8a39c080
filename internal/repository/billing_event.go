package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/workloom/backend/internal/domain"
)

const billingEventColumns = `
	id, provider, provider_event_id, event_type, tenant_id, tenant_hint, subscription_id,
	received_at, processed_at, last_error, payload`

// BillingEventRepository is the append-only ledger of provider events.
type BillingEventRepository struct {
	db *pgxpool.Pool
}

// NewBillingEventRepository creates a new BillingEventRepository.
func NewBillingEventRepository(db *pgxpool.Pool) *BillingEventRepository {
	return &BillingEventRepository{db: db}
}

// Insert appends ev unless its provider event id is already ledgered.
// It reports false for a duplicate. Concurrent inserts of the same id are
// arbitrated by the unique constraint.
func (r *BillingEventRepository) Insert(ctx context.Context, ev *domain.BillingEvent) (bool, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return false, fmt.Errorf("failed to encode event payload: %w", err)
	}
	query := `
		INSERT INTO billing_events (` + billingEventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (provider_event_id) DO NOTHING
	`
	tag, err := r.db.Exec(ctx, query,
		ev.ID, ev.Provider, ev.ProviderEventID, ev.EventType, ev.TenantID, ev.TenantHint, ev.SubscriptionID,
		ev.ReceivedAt, ev.ProcessedAt, ev.LastError, payload,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert billing event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FindByProviderEventID returns the ledger row for an idempotency key, or nil.
func (r *BillingEventRepository) FindByProviderEventID(ctx context.Context, providerEventID string) (*domain.BillingEvent, error) {
	query := `SELECT ` + billingEventColumns + ` FROM billing_events WHERE provider_event_id = $1`
	return scanBillingEvent(r.db.QueryRow(ctx, query, providerEventID))
}

// MarkProcessed stamps the event as handled and records what it resolved to.
func (r *BillingEventRepository) MarkProcessed(ctx context.Context, id string, res domain.EventResolution, at time.Time) error {
	query := `
		UPDATE billing_events
		SET processed_at = $2, last_error = '',
		    tenant_id = COALESCE(NULLIF($3, ''), tenant_id),
		    subscription_id = COALESCE(NULLIF($4, ''), subscription_id)
		WHERE id = $1 AND processed_at IS NULL
	`
	if _, err := r.db.Exec(ctx, query, id, at, res.TenantID, res.SubscriptionID); err != nil {
		return fmt.Errorf("failed to mark billing event processed: %w", err)
	}
	return nil
}

// RecordFailure keeps the event pending and stores why it could not be applied.
func (r *BillingEventRepository) RecordFailure(ctx context.Context, id, reason string) error {
	_, err := r.db.Exec(ctx, `UPDATE billing_events SET last_error = $2 WHERE id = $1 AND processed_at IS NULL`, id, reason)
	if err != nil {
		return fmt.Errorf("failed to record billing event failure: %w", err)
	}
	return nil
}

// ListPending returns unprocessed events, oldest first.
func (r *BillingEventRepository) ListPending(ctx context.Context, limit int) ([]*domain.BillingEvent, error) {
	query := `SELECT ` + billingEventColumns + ` FROM billing_events
		WHERE processed_at IS NULL ORDER BY received_at, id LIMIT $1`
	return r.list(ctx, query, limitArg(limit))
}

// ListByTenant returns a tenant's resolved events, newest first. Unresolved
// events are never listed, whatever tenant their payload names.
func (r *BillingEventRepository) ListByTenant(ctx context.Context, tenantID string, limit int) ([]*domain.BillingEvent, error) {
	query := `SELECT ` + billingEventColumns + ` FROM billing_events
		WHERE tenant_id = $1 ORDER BY received_at DESC LIMIT $2`
	return r.list(ctx, query, tenantID, limitArg(limit))
}

func (r *BillingEventRepository) list(ctx context.Context, query string, args ...any) ([]*domain.BillingEvent, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list billing events: %w", err)
	}
	defer rows.Close()

	var events []*domain.BillingEvent
	for rows.Next() {
		ev, err := scanBillingEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanBillingEvent(row pgx.Row) (*domain.BillingEvent, error) {
	var ev domain.BillingEvent
	var payload []byte
	err := row.Scan(&ev.ID, &ev.Provider, &ev.ProviderEventID, &ev.EventType, &ev.TenantID, &ev.TenantHint, &ev.SubscriptionID,
		&ev.ReceivedAt, &ev.ProcessedAt, &ev.LastError, &payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan billing event: %w", err)
	}
	if err := json.Unmarshal(payload, &ev.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload of event %s: %w", ev.ProviderEventID, err)
	}
	return &ev, nil
}
