package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/workloom/backend/internal/domain"
)

const subscriptionColumns = `
	id, tenant_id, plan_code, status, billing_cycle, current_period_start, current_period_end,
	cancel_at_period_end, provider, provider_customer_id, provider_subscription_id,
	provider_payment_id, provider_order_id, last_event_id, last_event_at,
	created_at, updated_at, deleted_at`

// SubscriptionRepository persists tenant subscriptions.
type SubscriptionRepository struct {
	db *pgxpool.Pool
}

// NewSubscriptionRepository creates a new SubscriptionRepository.
func NewSubscriptionRepository(db *pgxpool.Pool) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// Create inserts a subscription. A second live subscription for the same tenant
// fails with domain.ErrSubscriptionExists.
func (r *SubscriptionRepository) Create(ctx context.Context, sub *domain.Subscription) error {
	query := `
		INSERT INTO subscriptions (` + subscriptionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`
	_, err := r.db.Exec(ctx, query,
		sub.ID, sub.TenantID, sub.PlanCode, sub.Status, sub.BillingCycle,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd,
		sub.Provider, sub.ProviderCustomerID, sub.ProviderSubscriptionID,
		sub.ProviderPaymentID, sub.ProviderOrderID, sub.LastEventID, sub.LastEventAt,
		sub.CreatedAt, sub.UpdatedAt, sub.DeletedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "ux_subscriptions_live_tenant") {
			return domain.ErrSubscriptionExists
		}
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// FindByTenant returns the tenant's live subscription, or nil.
func (r *SubscriptionRepository) FindByTenant(ctx context.Context, tenantID string) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE tenant_id = $1 AND ` + liveSubscription
	return scanSubscription(r.db.QueryRow(ctx, query, tenantID))
}

// FindByProviderSubscriptionID resolves a provider's subscription id. Tombstoned
// rows are included so late cancellations still resolve; the newest row wins.
func (r *SubscriptionRepository) FindByProviderSubscriptionID(ctx context.Context, provider, providerSubID string) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE provider = $1 AND provider_subscription_id = $2
		ORDER BY created_at DESC LIMIT 1`
	return scanSubscription(r.db.QueryRow(ctx, query, provider, providerSubID))
}

// Transition locks the subscription row, hands a copy to fn and persists it when
// fn reports a change. Concurrent transitions on the same subscription serialize
// on the row lock.
func (r *SubscriptionRepository) Transition(ctx context.Context, tenantID, id string, fn func(sub *domain.Subscription) (bool, error)) (*domain.Subscription, error) {
	var result *domain.Subscription
	err := inTx(ctx, r.db, func(tx pgx.Tx) error {
		query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
			WHERE id = $1 AND tenant_id = $2 FOR UPDATE`
		sub, err := scanSubscription(tx.QueryRow(ctx, query, id, tenantID))
		if err != nil {
			return err
		}
		if sub == nil {
			return domain.ErrNotFound("subscription not found")
		}

		changed, err := fn(sub)
		result = sub
		if err != nil || !changed {
			return err
		}
		return updateSubscription(ctx, tx, sub)
	})
	if err != nil {
		return result, err
	}
	return result, nil
}

func updateSubscription(ctx context.Context, q DBTX, sub *domain.Subscription) error {
	query := `
		UPDATE subscriptions SET
			plan_code = $3, status = $4, billing_cycle = $5,
			current_period_start = $6, current_period_end = $7, cancel_at_period_end = $8,
			provider_customer_id = $9, provider_subscription_id = $10,
			provider_payment_id = $11, provider_order_id = $12,
			last_event_id = $13, last_event_at = $14, updated_at = $15, deleted_at = $16
		WHERE id = $1 AND tenant_id = $2
	`
	tag, err := q.Exec(ctx, query,
		sub.ID, sub.TenantID, sub.PlanCode, sub.Status, sub.BillingCycle,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd,
		sub.ProviderCustomerID, sub.ProviderSubscriptionID,
		sub.ProviderPaymentID, sub.ProviderOrderID,
		sub.LastEventID, sub.LastEventAt, sub.UpdatedAt, sub.DeletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("failed to update subscription %s: no row", sub.ID)
	}
	return nil
}

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := row.Scan(
		&sub.ID, &sub.TenantID, &sub.PlanCode, &sub.Status, &sub.BillingCycle,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd,
		&sub.Provider, &sub.ProviderCustomerID, &sub.ProviderSubscriptionID,
		&sub.ProviderPaymentID, &sub.ProviderOrderID, &sub.LastEventID, &sub.LastEventAt,
		&sub.CreatedAt, &sub.UpdatedAt, &sub.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}
	return &sub, nil
}
