package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/workloom/backend/internal/domain"
)

const timeEntryColumns = `
	te.id, te.tenant_id, te.user_id, te.project_id, te.task_id, te.entry_date,
	te.minutes, te.billable, te.description, te.invoice_id, te.billed_at`

// TimeEntryRepository reads logged time and the timesheets that approve it.
type TimeEntryRepository struct {
	db *pgxpool.Pool
}

// NewTimeEntryRepository creates a new TimeEntryRepository.
func NewTimeEntryRepository(db *pgxpool.Pool) *TimeEntryRepository {
	return &TimeEntryRepository{db: db}
}

// SelectUnbilled returns entries eligible for billing under q, ordered by date
// then user. An entry qualifies only when the timesheet covering its week is
// approved and live.
func (r *TimeEntryRepository) SelectUnbilled(ctx context.Context, q domain.UnbilledQuery) ([]domain.TimeEntry, error) {
	query := `
		SELECT ` + timeEntryColumns + `
		FROM time_entries te
		JOIN timesheets ts
		  ON ts.tenant_id = te.tenant_id
		 AND ts.user_id = te.user_id
		 AND ts.week_start = date_trunc('week', te.entry_date)::date
		WHERE te.tenant_id = $1
		  AND te.invoice_id IS NULL
		  AND te.project_id = ANY($2)
		  AND te.entry_date BETWEEN $3::date AND $4::date
		  AND ($5 = FALSE OR te.billable)
		  AND ts.status = 'APPROVED'
		  AND ` + liveTimesheet + `
		ORDER BY te.entry_date, te.user_id, te.id
	`
	rows, err := r.db.Query(ctx, query, q.TenantID, q.ProjectIDs, q.From, q.To, q.BillableOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to select unbilled entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.TimeEntry
	for rows.Next() {
		e, err := scanTimeEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// FindByIDs returns the tenant's entries with the given ids, in no particular order.
func (r *TimeEntryRepository) FindByIDs(ctx context.Context, tenantID string, ids []string) ([]domain.TimeEntry, error) {
	query := `SELECT ` + timeEntryColumns + ` FROM time_entries te WHERE te.tenant_id = $1 AND te.id = ANY($2)`
	rows, err := r.db.Query(ctx, query, tenantID, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to find time entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.TimeEntry
	for rows.Next() {
		e, err := scanTimeEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// CreateEntry inserts a time entry. Used by seeding and tests.
func (r *TimeEntryRepository) CreateEntry(ctx context.Context, e *domain.TimeEntry) error {
	query := `
		INSERT INTO time_entries (id, tenant_id, user_id, project_id, task_id, entry_date, minutes, billable, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.Exec(ctx, query, e.ID, e.TenantID, e.UserID, e.ProjectID, e.TaskID,
		e.Date, e.Minutes, e.Billable, e.Description)
	if err != nil {
		return fmt.Errorf("failed to create time entry: %w", err)
	}
	return nil
}

// UpsertTimesheet writes a timesheet keyed by (tenant, user, week start).
func (r *TimeEntryRepository) UpsertTimesheet(ctx context.Context, ts *domain.Timesheet) error {
	query := `
		INSERT INTO timesheets (id, tenant_id, user_id, week_start, status, total_minutes, billable_minutes, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT ON CONSTRAINT ux_timesheets_tenant_user_week DO UPDATE SET
			status = EXCLUDED.status,
			total_minutes = EXCLUDED.total_minutes,
			billable_minutes = EXCLUDED.billable_minutes,
			deleted_at = EXCLUDED.deleted_at
	`
	_, err := r.db.Exec(ctx, query, ts.ID, ts.TenantID, ts.UserID, domain.WeekStart(ts.WeekStart),
		ts.Status, ts.TotalMinutes, ts.BillableMinutes, ts.DeletedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert timesheet: %w", err)
	}
	return nil
}

// FindTimesheet returns the user's timesheet for the week containing weekStart, or nil.
func (r *TimeEntryRepository) FindTimesheet(ctx context.Context, tenantID, userID string, weekStart time.Time) (*domain.Timesheet, error) {
	query := `
		SELECT id, tenant_id, user_id, week_start, status, total_minutes, billable_minutes, deleted_at
		FROM timesheets WHERE tenant_id = $1 AND user_id = $2 AND week_start = $3
	`
	var ts domain.Timesheet
	err := r.db.QueryRow(ctx, query, tenantID, userID, domain.WeekStart(weekStart)).Scan(
		&ts.ID, &ts.TenantID, &ts.UserID, &ts.WeekStart, &ts.Status,
		&ts.TotalMinutes, &ts.BillableMinutes, &ts.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find timesheet: %w", err)
	}
	return &ts, nil
}

func scanTimeEntry(row pgx.Row) (*domain.TimeEntry, error) {
	var e domain.TimeEntry
	err := row.Scan(&e.ID, &e.TenantID, &e.UserID, &e.ProjectID, &e.TaskID, &e.Date,
		&e.Minutes, &e.Billable, &e.Description, &e.InvoiceID, &e.BilledAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan time entry: %w", err)
	}
	return &e, nil
}
