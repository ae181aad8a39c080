package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Liveness predicates shared by every query that must ignore tombstoned rows.
const (
	liveSubscription = "deleted_at IS NULL"
	liveTimesheet    = "ts.deleted_at IS NULL"
)

const pgUniqueViolation = "23505"

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewDB creates a new PostgreSQL connection pool.
func NewDB(ctx context.Context, databaseURL string, maxConns int32) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 10
	}
	config.MaxConns = maxConns
	config.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// RunMigrations creates the billing schema. It is idempotent.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS plans (
			code          TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			price_monthly NUMERIC(12,2) NOT NULL,
			price_yearly  NUMERIC(12,2) NOT NULL,
			max_seats     INTEGER NOT NULL DEFAULT 0,
			max_projects  INTEGER NOT NULL DEFAULT 0,
			features      JSONB NOT NULL DEFAULT '{}'::jsonb,
			active        BOOLEAN NOT NULL DEFAULT TRUE,
			sort_order    INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS subscriptions (
			id                       TEXT PRIMARY KEY,
			tenant_id                TEXT NOT NULL,
			plan_code                TEXT NOT NULL REFERENCES plans(code),
			status                   TEXT NOT NULL,
			billing_cycle            TEXT NOT NULL,
			current_period_start     TIMESTAMPTZ NOT NULL,
			current_period_end       TIMESTAMPTZ NOT NULL,
			cancel_at_period_end     BOOLEAN NOT NULL DEFAULT FALSE,
			provider                 TEXT NOT NULL,
			provider_customer_id     TEXT NOT NULL DEFAULT '',
			provider_subscription_id TEXT NOT NULL DEFAULT '',
			provider_payment_id      TEXT NOT NULL DEFAULT '',
			provider_order_id        TEXT NOT NULL DEFAULT '',
			last_event_id            TEXT NOT NULL DEFAULT '',
			last_event_at            TIMESTAMPTZ,
			created_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			deleted_at               TIMESTAMPTZ
		);
		CREATE UNIQUE INDEX IF NOT EXISTS ux_subscriptions_live_tenant
			ON subscriptions(tenant_id) WHERE deleted_at IS NULL;
		CREATE INDEX IF NOT EXISTS idx_subscriptions_provider_sub
			ON subscriptions(provider, provider_subscription_id);

		CREATE TABLE IF NOT EXISTS billing_events (
			id                TEXT PRIMARY KEY,
			provider          TEXT NOT NULL,
			provider_event_id TEXT NOT NULL,
			event_type        TEXT NOT NULL,
			tenant_id         TEXT,
			tenant_hint       TEXT NOT NULL DEFAULT '',
			subscription_id   TEXT,
			received_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			processed_at      TIMESTAMPTZ,
			last_error        TEXT NOT NULL DEFAULT '',
			payload           JSONB NOT NULL,
			CONSTRAINT ux_billing_events_provider_event_id UNIQUE (provider_event_id)
		);
		CREATE INDEX IF NOT EXISTS idx_billing_events_pending
			ON billing_events(received_at) WHERE processed_at IS NULL;
		CREATE INDEX IF NOT EXISTS idx_billing_events_tenant ON billing_events(tenant_id);

		CREATE TABLE IF NOT EXISTS timesheets (
			id               TEXT PRIMARY KEY,
			tenant_id        TEXT NOT NULL,
			user_id          TEXT NOT NULL,
			week_start       DATE NOT NULL,
			status           TEXT NOT NULL DEFAULT 'DRAFT',
			total_minutes    INTEGER NOT NULL DEFAULT 0,
			billable_minutes INTEGER NOT NULL DEFAULT 0,
			deleted_at       TIMESTAMPTZ,
			CONSTRAINT ux_timesheets_tenant_user_week UNIQUE (tenant_id, user_id, week_start)
		);

		CREATE TABLE IF NOT EXISTS invoices (
			id         TEXT PRIMARY KEY,
			tenant_id  TEXT NOT NULL,
			number     TEXT NOT NULL,
			client_id  TEXT NOT NULL,
			project_id TEXT,
			issue_date DATE NOT NULL,
			due_date   DATE NOT NULL,
			status     TEXT NOT NULL DEFAULT 'DRAFT',
			subtotal   NUMERIC(14,2) NOT NULL DEFAULT 0,
			tax_rate   NUMERIC(7,4) NOT NULL DEFAULT 0,
			tax_amount NUMERIC(14,2) NOT NULL DEFAULT 0,
			total      NUMERIC(14,2) NOT NULL DEFAULT 0,
			notes      TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT ux_invoices_tenant_number UNIQUE (tenant_id, number)
		);

		CREATE TABLE IF NOT EXISTS invoice_items (
			id            TEXT PRIMARY KEY,
			invoice_id    TEXT NOT NULL REFERENCES invoices(id) ON DELETE CASCADE,
			position      INTEGER NOT NULL,
			description   TEXT NOT NULL,
			quantity      NUMERIC(12,4) NOT NULL,
			unit_price    NUMERIC(12,2) NOT NULL,
			amount        NUMERIC(14,2) NOT NULL,
			time_entry_id TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_invoice_items_invoice ON invoice_items(invoice_id);

		CREATE TABLE IF NOT EXISTS time_entries (
			id          TEXT PRIMARY KEY,
			tenant_id   TEXT NOT NULL,
			user_id     TEXT NOT NULL,
			project_id  TEXT NOT NULL,
			task_id     TEXT,
			entry_date  DATE NOT NULL,
			minutes     INTEGER NOT NULL,
			billable    BOOLEAN NOT NULL DEFAULT TRUE,
			description TEXT NOT NULL DEFAULT '',
			invoice_id  TEXT REFERENCES invoices(id),
			billed_at   TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_time_entries_unbilled
			ON time_entries(tenant_id, project_id, entry_date) WHERE invoice_id IS NULL;

		CREATE OR REPLACE FUNCTION time_entries_invoice_guard() RETURNS trigger AS $$
		BEGIN
			IF OLD.invoice_id IS NOT NULL AND NEW.invoice_id IS DISTINCT FROM OLD.invoice_id THEN
				RAISE EXCEPTION 'time entry % is already billed', OLD.id;
			END IF;
			RETURN NEW;
		END
		$$ LANGUAGE plpgsql;
		DROP TRIGGER IF EXISTS trg_time_entries_invoice_guard ON time_entries;
		CREATE TRIGGER trg_time_entries_invoice_guard
			BEFORE UPDATE ON time_entries
			FOR EACH ROW EXECUTE FUNCTION time_entries_invoice_guard();
	`
	_, err := pool.Exec(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// limitArg maps a non-positive limit to NULL, which LIMIT reads as unbounded.
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func inTx(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, pool, fn)
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
