package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/workloom/backend/internal/domain"
	"github.com/workloom/backend/internal/metrics"
)

// InvoiceOptions tunes invoice creation.
type InvoiceOptions struct {
	// NumberAttempts bounds retries after an invoice number collision.
	NumberAttempts int
	// DueDays is the default gap between issue and due date.
	DueDays int
}

// InvoiceService turns approved time into invoices and manages the invoice ledger.
type InvoiceService struct {
	entries  TimeEntryStore
	invoices InvoiceStore
	opts     InvoiceOptions
	validate *validator.Validate
	now      Clock
}

// NewInvoiceService creates a new InvoiceService.
func NewInvoiceService(entries TimeEntryStore, invoices InvoiceStore, opts InvoiceOptions, now Clock) *InvoiceService {
	if opts.NumberAttempts <= 0 {
		opts.NumberAttempts = 3
	}
	if opts.DueDays < 0 {
		opts.DueDays = 0
	}
	if now == nil {
		now = time.Now
	}
	return &InvoiceService{
		entries:  entries,
		invoices: invoices,
		opts:     opts,
		validate: validator.New(),
		now:      now,
	}
}

// SelectUnbilled lists the tenant's billable, unbilled, approved time entries.
func (s *InvoiceService) SelectUnbilled(ctx context.Context, q domain.UnbilledQuery) ([]domain.TimeEntry, error) {
	if err := s.validate.Struct(q); err != nil {
		return nil, domain.ErrValidation(formatValidationErrors(err))
	}
	if q.To.Before(q.From) {
		return nil, domain.ErrValidation("to must not be before from")
	}
	entries, err := s.entries.SelectUnbilled(ctx, q)
	if err != nil {
		return nil, domain.ErrInternal("failed to select unbilled time", err)
	}
	return entries, nil
}

// Preview prices the currently eligible entries without claiming them.
func (s *InvoiceService) Preview(ctx context.Context, tenantID string, req *domain.CommitInvoiceRequest) (*domain.Invoice, error) {
	entries, err := s.eligible(ctx, tenantID, req)
	if err != nil {
		return nil, err
	}
	inv, err := s.draft(tenantID, "", req)
	if err != nil {
		return nil, err
	}
	inv.Items = itemize(req.Rates, entries, nil)
	inv.Recalculate()
	return inv, nil
}

// CommitInvoice bills the eligible entries on a new draft invoice. Entries
// another invoice claimed first are left out and listed in the result.
func (s *InvoiceService) CommitInvoice(ctx context.Context, tenantID string, req *domain.CommitInvoiceRequest) (*domain.CommitResult, error) {
	entries, err := s.eligible(ctx, tenantID, req)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}

	var lastErr error
	for attempt := 1; attempt <= s.opts.NumberAttempts; attempt++ {
		number, err := s.invoices.NextNumber(ctx, tenantID, s.issueDate(req.IssueDate))
		if err != nil {
			return nil, domain.ErrInternal("failed to allocate invoice number", err)
		}
		inv, err := s.draft(tenantID, number, req)
		if err != nil {
			return nil, err
		}

		claimed, err := s.invoices.CommitDraft(ctx, inv, ids, func(claimed []string) ([]domain.InvoiceItem, error) {
			return itemize(req.Rates, entries, claimed), nil
		})
		switch {
		case err == nil:
			conflicts := difference(ids, claimed)
			if len(conflicts) > 0 {
				metrics.ConflictingEntriesTotal.Add(float64(len(conflicts)))
				log.Warn().
					Str("tenant_id", tenantID).
					Str("invoice", inv.Number).
					Strs("entries", conflicts).
					Msg("Time entries already billed by another invoice")
			}
			metrics.InvoicesCommittedTotal.WithLabelValues("time").Inc()
			log.Info().
				Str("tenant_id", tenantID).
				Str("invoice", inv.Number).
				Int("entries", len(claimed)).
				Str("total", inv.Total.StringFixed(2)).
				Msg("Invoice committed")
			return &domain.CommitResult{Invoice: inv, ConflictingEntries: conflicts}, nil
		case errors.Is(err, domain.ErrInvoiceNumberCollision):
			metrics.InvoiceNumberRetriesTotal.Inc()
			log.Debug().Str("tenant_id", tenantID).Str("number", number).Int("attempt", attempt).Msg("Invoice number collision")
			lastErr = err
		case errors.Is(err, domain.ErrEmptySelection):
			metrics.ConflictingEntriesTotal.Add(float64(len(ids)))
			return nil, domain.ErrUnprocessable("all selected time entries are already billed", err)
		default:
			return nil, domain.ErrInternal("failed to commit invoice", err)
		}
	}
	return nil, domain.ErrUnavailable("could not allocate a unique invoice number", lastErr)
}

// CreateManual creates a draft invoice from hand-entered lines.
func (s *InvoiceService) CreateManual(ctx context.Context, tenantID string, req *domain.ManualInvoiceRequest) (*domain.Invoice, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, domain.ErrValidation(formatValidationErrors(err))
	}
	items, err := manualItems(req.Items, nil)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= s.opts.NumberAttempts; attempt++ {
		number, err := s.invoices.NextNumber(ctx, tenantID, s.issueDate(req.IssueDate))
		if err != nil {
			return nil, domain.ErrInternal("failed to allocate invoice number", err)
		}
		inv, err := s.draft(tenantID, number, &domain.CommitInvoiceRequest{
			ClientID:  req.ClientID,
			ProjectID: req.ProjectID,
			IssueDate: req.IssueDate,
			DueDate:   req.DueDate,
			TaxRate:   req.TaxRate,
			Notes:     req.Notes,
		})
		if err != nil {
			return nil, err
		}
		inv.Items = append([]domain.InvoiceItem(nil), items...)
		inv.Recalculate()
		if err := inv.Validate(); err != nil {
			return nil, domain.ErrValidation(err.Error())
		}

		err = s.invoices.Create(ctx, inv)
		if err == nil {
			metrics.InvoicesCommittedTotal.WithLabelValues("manual").Inc()
			log.Info().Str("tenant_id", tenantID).Str("invoice", inv.Number).Msg("Manual invoice created")
			return inv, nil
		}
		if !errors.Is(err, domain.ErrInvoiceNumberCollision) {
			return nil, domain.ErrInternal("failed to create invoice", err)
		}
		metrics.InvoiceNumberRetriesTotal.Inc()
		lastErr = err
	}
	return nil, domain.ErrUnavailable("could not allocate a unique invoice number", lastErr)
}

// ReplaceItems rewrites the lines of a draft invoice and recalculates it.
func (s *InvoiceService) ReplaceItems(ctx context.Context, tenantID, number string, req *domain.ReplaceItemsRequest) (*domain.Invoice, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, domain.ErrValidation(formatValidationErrors(err))
	}
	now := s.now().UTC()
	inv, err := s.invoices.Update(ctx, tenantID, number, func(inv *domain.Invoice) (bool, error) {
		if !inv.Editable() {
			return false, domain.ErrConflict("invoice can no longer be edited",
				fmt.Errorf("%w: %s is %s", domain.ErrImmutableInvoice, inv.Number, inv.Status))
		}
		linked := make(map[string]bool)
		for _, it := range inv.Items {
			if it.TimeEntryID != nil {
				linked[*it.TimeEntryID] = true
			}
		}
		items, err := manualItems(req.Items, linked)
		if err != nil {
			return false, err
		}
		inv.Items = items
		inv.Recalculate()
		if err := inv.Validate(); err != nil {
			return false, domain.ErrValidation(err.Error())
		}
		inv.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		return nil, wrapStoreError("failed to update invoice items", err)
	}
	return inv, nil
}

// ChangeStatus moves an invoice along its lifecycle.
func (s *InvoiceService) ChangeStatus(ctx context.Context, tenantID, number string, req *domain.InvoiceStatusRequest) (*domain.Invoice, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, domain.ErrValidation(formatValidationErrors(err))
	}
	now := s.now().UTC()
	inv, err := s.invoices.Update(ctx, tenantID, number, func(inv *domain.Invoice) (bool, error) {
		if !domain.CanTransition(inv.Status, req.Status) {
			return false, domain.ErrConflict("invalid status transition",
				fmt.Errorf("%w: %s to %s", domain.ErrInvalidTransition, inv.Status, req.Status))
		}
		inv.Status = req.Status
		inv.UpdatedAt = now
		return false, nil
	})
	if err != nil {
		return nil, wrapStoreError("failed to update invoice status", err)
	}
	log.Info().Str("tenant_id", tenantID).Str("invoice", number).Str("status", string(req.Status)).Msg("Invoice status changed")
	return inv, nil
}

// Get returns a tenant's invoice by number.
func (s *InvoiceService) Get(ctx context.Context, tenantID, number string) (*domain.Invoice, error) {
	inv, err := s.invoices.FindByNumber(ctx, tenantID, number)
	if err != nil {
		return nil, domain.ErrInternal("failed to load invoice", err)
	}
	if inv == nil {
		return nil, domain.ErrNotFound("invoice not found")
	}
	return inv, nil
}

// List returns a tenant's invoices, newest first.
func (s *InvoiceService) List(ctx context.Context, tenantID string, limit int) ([]*domain.Invoice, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	invoices, err := s.invoices.List(ctx, tenantID, limit)
	if err != nil {
		return nil, domain.ErrInternal("failed to list invoices", err)
	}
	if invoices == nil {
		invoices = []*domain.Invoice{}
	}
	return invoices, nil
}

func (s *InvoiceService) eligible(ctx context.Context, tenantID string, req *domain.CommitInvoiceRequest) ([]domain.TimeEntry, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, domain.ErrValidation(formatValidationErrors(err))
	}
	if err := checkRate("hourly rate", req.Rates.DefaultHourly); err != nil {
		return nil, err
	}
	for project, rate := range req.Rates.ProjectHourly {
		if err := checkRate("hourly rate for project "+project, rate); err != nil {
			return nil, err
		}
	}
	q := req.UnbilledQuery
	q.TenantID = tenantID
	entries, err := s.SelectUnbilled(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, domain.ErrUnprocessable("no eligible time entries", domain.ErrEmptySelection)
	}
	return entries, nil
}

// draft builds an unsaved invoice header.
func (s *InvoiceService) draft(tenantID, number string, req *domain.CommitInvoiceRequest) (*domain.Invoice, error) {
	if req.TaxRate.IsNegative() {
		return nil, domain.ErrValidation("tax rate must not be negative")
	}
	if !domain.FitsScale(req.TaxRate, domain.TaxRateScale) {
		return nil, domain.ErrValidation(fmt.Sprintf("tax rate allows at most %d decimals", domain.TaxRateScale))
	}
	issue := s.issueDate(req.IssueDate)
	due := dateOf(req.DueDate)
	if req.DueDate.IsZero() {
		due = issue.AddDate(0, 0, s.opts.DueDays)
	}
	if due.Before(issue) {
		return nil, domain.ErrValidation("due date must not be before issue date")
	}
	now := s.now().UTC()
	return &domain.Invoice{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Number:    number,
		ClientID:  req.ClientID,
		ProjectID: req.ProjectID,
		IssueDate: issue,
		DueDate:   due,
		Status:    domain.InvoiceDraft,
		TaxRate:   req.TaxRate,
		Subtotal:  decimal.Zero,
		TaxAmount: decimal.Zero,
		Total:     decimal.Zero,
		Notes:     req.Notes,
		Items:     []domain.InvoiceItem{},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *InvoiceService) issueDate(requested time.Time) time.Time {
	if requested.IsZero() {
		return dateOf(s.now())
	}
	return dateOf(requested)
}

// itemize prices entries in their selection order. When claimed is non-nil
// only those entries are included.
func itemize(rates domain.RateCard, entries []domain.TimeEntry, claimed []string) []domain.InvoiceItem {
	var keep map[string]bool
	if claimed != nil {
		keep = make(map[string]bool, len(claimed))
		for _, id := range claimed {
			keep[id] = true
		}
	}
	items := make([]domain.InvoiceItem, 0, len(entries))
	for _, e := range entries {
		if keep != nil && !keep[e.ID] {
			continue
		}
		item := rates.Itemize(e)
		item.ID = uuid.New().String()
		items = append(items, item)
	}
	return items
}

// manualItems normalizes hand-entered lines. Links to time entries survive only
// when they were already on the invoice.
func manualItems(in []domain.InvoiceItem, linked map[string]bool) ([]domain.InvoiceItem, error) {
	items := make([]domain.InvoiceItem, 0, len(in))
	for _, it := range in {
		if it.Quantity.IsNegative() || it.UnitPrice.IsNegative() {
			return nil, domain.ErrValidation("item quantity and unit price must not be negative")
		}
		if !domain.FitsScale(it.Quantity, domain.QuantityScale) || !domain.FitsScale(it.UnitPrice, domain.MoneyScale) {
			return nil, domain.ErrValidation(fmt.Sprintf("item %q: quantity allows %d decimals and unit price %d",
				it.Description, domain.QuantityScale, domain.MoneyScale))
		}
		item := domain.NewInvoiceItem(it.Description, it.Quantity, it.UnitPrice)
		item.ID = uuid.New().String()
		if it.TimeEntryID != nil && linked[*it.TimeEntryID] {
			id := *it.TimeEntryID
			item.TimeEntryID = &id
		}
		items = append(items, item)
	}
	return items, nil
}

func checkRate(name string, rate decimal.Decimal) error {
	if rate.IsNegative() {
		return domain.ErrValidation(name + " must not be negative")
	}
	if !domain.FitsScale(rate, domain.MoneyScale) {
		return domain.ErrValidation(fmt.Sprintf("%s allows at most %d decimals", name, domain.MoneyScale))
	}
	return nil
}

func difference(all, claimed []string) []string {
	got := make(map[string]bool, len(claimed))
	for _, id := range claimed {
		got[id] = true
	}
	out := []string{}
	for _, id := range all {
		if !got[id] {
			out = append(out, id)
		}
	}
	return out
}

func dateOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func wrapStoreError(msg string, err error) error {
	if _, ok := domain.AsAppError(err); ok {
		return err
	}
	return domain.ErrInternal(msg, err)
}
