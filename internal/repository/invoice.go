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

const invoiceColumns = `
	id, tenant_id, number, client_id, project_id, issue_date, due_date, status,
	subtotal, tax_rate, tax_amount, total, notes, created_at, updated_at`

// InvoiceRepository persists invoices, their items and the billing marks on
// time entries.
type InvoiceRepository struct {
	db *pgxpool.Pool
}

// NewInvoiceRepository creates a new InvoiceRepository.
func NewInvoiceRepository(db *pgxpool.Pool) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

// NextNumber proposes the next invoice number for the tenant in the month of
// issue. Sequences past 9999 are longer, so they sort by length first. Two
// callers may receive the same number; the unique constraint on
// (tenant_id, number) decides the winner.
func (r *InvoiceRepository) NextNumber(ctx context.Context, tenantID string, issue time.Time) (string, error) {
	query := `
		SELECT number FROM invoices
		WHERE tenant_id = $1 AND number LIKE $2
		ORDER BY length(number) DESC, number DESC LIMIT 1
	`
	var last string
	err := r.db.QueryRow(ctx, query, tenantID, domain.InvoiceNumberPrefix(issue)+"%").Scan(&last)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("failed to read last invoice number: %w", err)
	}
	return domain.InvoiceNumber(issue, domain.InvoiceSequence(last)+1), nil
}

// CommitDraft inserts inv as a draft and claims entryIDs for it in one
// transaction. Only entries that are still unbilled are claimed; itemize
// receives the claimed ids and returns the lines to store. When nothing can be
// claimed the transaction is rolled back with domain.ErrEmptySelection.
func (r *InvoiceRepository) CommitDraft(ctx context.Context, inv *domain.Invoice, entryIDs []string,
	itemize func(claimed []string) ([]domain.InvoiceItem, error)) ([]string, error) {
	var claimed []string
	err := inTx(ctx, r.db, func(tx pgx.Tx) error {
		if err := insertInvoice(ctx, tx, inv); err != nil {
			return err
		}

		rows, err := tx.Query(ctx, `
			UPDATE time_entries SET invoice_id = $1, billed_at = $2
			WHERE tenant_id = $3 AND id = ANY($4) AND invoice_id IS NULL
			RETURNING id
		`, inv.ID, inv.CreatedAt, inv.TenantID, entryIDs)
		if err != nil {
			return fmt.Errorf("failed to claim time entries: %w", err)
		}
		claimed, err = pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("failed to claim time entries: %w", err)
		}
		if len(claimed) == 0 {
			return domain.ErrEmptySelection
		}

		items, err := itemize(claimed)
		if err != nil {
			return err
		}
		inv.Items = items
		inv.Recalculate()
		if err := inv.Validate(); err != nil {
			return fmt.Errorf("invalid invoice: %w", err)
		}
		if err := insertItems(ctx, tx, inv); err != nil {
			return err
		}
		return updateInvoice(ctx, tx, inv)
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Create inserts a complete invoice with its items.
func (r *InvoiceRepository) Create(ctx context.Context, inv *domain.Invoice) error {
	return inTx(ctx, r.db, func(tx pgx.Tx) error {
		if err := insertInvoice(ctx, tx, inv); err != nil {
			return err
		}
		return insertItems(ctx, tx, inv)
	})
}

// FindByNumber returns the tenant's invoice with its items, or nil.
func (r *InvoiceRepository) FindByNumber(ctx context.Context, tenantID, number string) (*domain.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE tenant_id = $1 AND number = $2`
	inv, err := scanInvoice(r.db.QueryRow(ctx, query, tenantID, number))
	if err != nil || inv == nil {
		return inv, err
	}
	inv.Items, err = listItems(ctx, r.db, inv.ID)
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// List returns the tenant's invoices without items, newest first.
func (r *InvoiceRepository) List(ctx context.Context, tenantID string, limit int) ([]*domain.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices
		WHERE tenant_id = $1 ORDER BY issue_date DESC, number DESC LIMIT $2`
	rows, err := r.db.Query(ctx, query, tenantID, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}
	defer rows.Close()

	var invoices []*domain.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

// Update locks the invoice, hands it to fn and persists the result. When fn
// reports that items changed they are rewritten as well.
func (r *InvoiceRepository) Update(ctx context.Context, tenantID, number string,
	fn func(inv *domain.Invoice) (bool, error)) (*domain.Invoice, error) {
	var result *domain.Invoice
	err := inTx(ctx, r.db, func(tx pgx.Tx) error {
		query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE tenant_id = $1 AND number = $2 FOR UPDATE`
		inv, err := scanInvoice(tx.QueryRow(ctx, query, tenantID, number))
		if err != nil {
			return err
		}
		if inv == nil {
			return domain.ErrNotFound("invoice not found")
		}
		if inv.Items, err = listItems(ctx, tx, inv.ID); err != nil {
			return err
		}

		itemsChanged, err := fn(inv)
		if err != nil {
			return err
		}
		if itemsChanged {
			if _, err := tx.Exec(ctx, `DELETE FROM invoice_items WHERE invoice_id = $1`, inv.ID); err != nil {
				return fmt.Errorf("failed to clear invoice items: %w", err)
			}
			if err := insertItems(ctx, tx, inv); err != nil {
				return err
			}
		}
		result = inv
		return updateInvoice(ctx, tx, inv)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func insertInvoice(ctx context.Context, q DBTX, inv *domain.Invoice) error {
	query := `
		INSERT INTO invoices (` + invoiceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err := q.Exec(ctx, query,
		inv.ID, inv.TenantID, inv.Number, inv.ClientID, inv.ProjectID, inv.IssueDate, inv.DueDate, inv.Status,
		inv.Subtotal, inv.TaxRate, inv.TaxAmount, inv.Total, inv.Notes, inv.CreatedAt, inv.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "ux_invoices_tenant_number") {
			return fmt.Errorf("%w: %s", domain.ErrInvoiceNumberCollision, inv.Number)
		}
		return fmt.Errorf("failed to insert invoice: %w", err)
	}
	return nil
}

func insertItems(ctx context.Context, q DBTX, inv *domain.Invoice) error {
	query := `
		INSERT INTO invoice_items (id, invoice_id, position, description, quantity, unit_price, amount, time_entry_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	for i := range inv.Items {
		it := &inv.Items[i]
		it.InvoiceID = inv.ID
		if _, err := q.Exec(ctx, query, it.ID, it.InvoiceID, it.Position, it.Description,
			it.Quantity, it.UnitPrice, it.Amount, it.TimeEntryID); err != nil {
			return fmt.Errorf("failed to insert invoice item: %w", err)
		}
	}
	return nil
}

func updateInvoice(ctx context.Context, q DBTX, inv *domain.Invoice) error {
	query := `
		UPDATE invoices SET
			status = $3, subtotal = $4, tax_rate = $5, tax_amount = $6, total = $7,
			notes = $8, updated_at = $9
		WHERE id = $1 AND tenant_id = $2
	`
	_, err := q.Exec(ctx, query, inv.ID, inv.TenantID, inv.Status,
		inv.Subtotal, inv.TaxRate, inv.TaxAmount, inv.Total, inv.Notes, inv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update invoice: %w", err)
	}
	return nil
}

func listItems(ctx context.Context, q DBTX, invoiceID string) ([]domain.InvoiceItem, error) {
	query := `
		SELECT id, invoice_id, position, description, quantity, unit_price, amount, time_entry_id
		FROM invoice_items WHERE invoice_id = $1 ORDER BY position
	`
	rows, err := q.Query(ctx, query, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoice items: %w", err)
	}
	defer rows.Close()

	items := []domain.InvoiceItem{}
	for rows.Next() {
		var it domain.InvoiceItem
		if err := rows.Scan(&it.ID, &it.InvoiceID, &it.Position, &it.Description,
			&it.Quantity, &it.UnitPrice, &it.Amount, &it.TimeEntryID); err != nil {
			return nil, fmt.Errorf("failed to scan invoice item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func scanInvoice(row pgx.Row) (*domain.Invoice, error) {
	var inv domain.Invoice
	err := row.Scan(
		&inv.ID, &inv.TenantID, &inv.Number, &inv.ClientID, &inv.ProjectID, &inv.IssueDate, &inv.DueDate, &inv.Status,
		&inv.Subtotal, &inv.TaxRate, &inv.TaxAmount, &inv.Total, &inv.Notes, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan invoice: %w", err)
	}
	return &inv, nil
}
