package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// InvoiceStatus is the lifecycle state of an invoice.
type InvoiceStatus string

const (
	InvoiceDraft     InvoiceStatus = "DRAFT"
	InvoiceSent      InvoiceStatus = "SENT"
	InvoicePaid      InvoiceStatus = "PAID"
	InvoiceOverdue   InvoiceStatus = "OVERDUE"
	InvoiceCancelled InvoiceStatus = "CANCELLED"
)

var invoiceTransitions = map[InvoiceStatus][]InvoiceStatus{
	InvoiceDraft:   {InvoiceSent},
	InvoiceSent:    {InvoicePaid, InvoiceOverdue, InvoiceCancelled},
	InvoicePaid:    {InvoiceCancelled},
	InvoiceOverdue: {InvoicePaid, InvoiceCancelled},
}

// CanTransition reports whether an invoice may move from one status to another.
func CanTransition(from, to InvoiceStatus) bool {
	for _, s := range invoiceTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// InvoiceNumberPrefix is the per-month prefix shared by invoices issued in the
// month of t, e.g. "INV-202604-".
func InvoiceNumberPrefix(t time.Time) string {
	return "INV-" + t.UTC().Format("200601") + "-"
}

// InvoiceNumber formats the seq-th invoice of the month of t.
func InvoiceNumber(t time.Time, seq int) string {
	return fmt.Sprintf("%s%04d", InvoiceNumberPrefix(t), seq)
}

// InvoiceSequence extracts the trailing sequence from a number produced by
// InvoiceNumber. It returns 0 when the number does not carry one.
func InvoiceSequence(number string) int {
	i := strings.LastIndexByte(number, '-')
	if i < 0 {
		return 0
	}
	n, err := strconv.Atoi(number[i+1:])
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Invoice is tenant scoped; Number is unique per tenant. Amounts and items are
// frozen once Status leaves DRAFT.
type Invoice struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenantId"`
	Number    string          `json:"number"`
	ClientID  string          `json:"clientId"`
	ProjectID *string         `json:"projectId,omitempty"`
	IssueDate time.Time       `json:"issueDate"`
	DueDate   time.Time       `json:"dueDate"`
	Status    InvoiceStatus   `json:"status"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	TaxRate   decimal.Decimal `json:"taxRate"`
	TaxAmount decimal.Decimal `json:"taxAmount"`
	Total     decimal.Decimal `json:"total"`
	Notes     string          `json:"notes,omitempty"`
	Items     []InvoiceItem   `json:"items"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// InvoiceItem is one line on an invoice. Amount = Quantity × UnitPrice.
type InvoiceItem struct {
	ID          string          `json:"id"`
	InvoiceID   string          `json:"invoiceId"`
	Description string          `json:"description" validate:"required"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	Amount      decimal.Decimal `json:"amount"`
	TimeEntryID *string         `json:"timeEntryId,omitempty"`
	Position    int             `json:"position"`
}

// Decimal places kept for stored invoice figures.
const (
	MoneyScale    int32 = 2
	QuantityScale int32 = 4
	TaxRateScale  int32 = 4
)

// FitsScale reports whether d has no more than places significant decimals.
func FitsScale(d decimal.Decimal, places int32) bool {
	return d.Equal(d.Round(places))
}

// NewInvoiceItem builds an item with quantity and unit price at their stored
// scale and the amount computed from those.
func NewInvoiceItem(description string, quantity, unitPrice decimal.Decimal) InvoiceItem {
	quantity = quantity.Round(QuantityScale)
	unitPrice = unitPrice.Round(MoneyScale)
	return InvoiceItem{
		Description: description,
		Quantity:    quantity,
		UnitPrice:   unitPrice,
		Amount:      quantity.Mul(unitPrice).Round(MoneyScale),
	}
}

// Editable reports whether amounts and items may still change.
func (inv *Invoice) Editable() bool {
	return inv.Status == InvoiceDraft
}

// Recalculate derives item amounts, subtotal, tax and total from the items and
// tax rate (a percentage, e.g. 18 for 18%).
// Quantities, prices and the rate are first rounded to their stored scale.
func (inv *Invoice) Recalculate() {
	subtotal := decimal.Zero
	for i := range inv.Items {
		it := &inv.Items[i]
		it.Quantity = it.Quantity.Round(QuantityScale)
		it.UnitPrice = it.UnitPrice.Round(MoneyScale)
		it.Amount = it.Quantity.Mul(it.UnitPrice).Round(MoneyScale)
		it.Position = i
		subtotal = subtotal.Add(it.Amount)
	}
	inv.TaxRate = inv.TaxRate.Round(TaxRateScale)
	inv.Subtotal = subtotal
	inv.TaxAmount = subtotal.Mul(inv.TaxRate).Div(decimal.NewFromInt(100)).Round(MoneyScale)
	inv.Total = inv.Subtotal.Add(inv.TaxAmount)
}

// Validate checks the amount invariants.
func (inv *Invoice) Validate() error {
	if len(inv.Items) == 0 {
		return fmt.Errorf("invoice %s has no items", inv.Number)
	}
	sum := decimal.Zero
	for _, it := range inv.Items {
		if !FitsScale(it.Quantity, QuantityScale) || !FitsScale(it.UnitPrice, MoneyScale) {
			return fmt.Errorf("item %q has more decimals than can be stored", it.Description)
		}
		if !it.Amount.Equal(it.Quantity.Mul(it.UnitPrice).Round(MoneyScale)) {
			return fmt.Errorf("item %q amount %s != quantity %s x unit price %s",
				it.Description, it.Amount, it.Quantity, it.UnitPrice)
		}
		if it.Quantity.IsNegative() || it.UnitPrice.IsNegative() {
			return fmt.Errorf("item %q has a negative quantity or price", it.Description)
		}
		sum = sum.Add(it.Amount)
	}
	if !FitsScale(inv.TaxRate, TaxRateScale) {
		return fmt.Errorf("tax rate %s has more than %d decimals", inv.TaxRate, TaxRateScale)
	}
	if !inv.Subtotal.Equal(sum) {
		return fmt.Errorf("subtotal %s != sum of items %s", inv.Subtotal, sum)
	}
	if !inv.Total.Equal(inv.Subtotal.Add(inv.TaxAmount)) {
		return fmt.Errorf("total %s != subtotal %s + tax %s", inv.Total, inv.Subtotal, inv.TaxAmount)
	}
	return nil
}

// RateCard prices time entries: a default hourly rate with per-project overrides.
type RateCard struct {
	DefaultHourly decimal.Decimal            `json:"defaultHourly"`
	ProjectHourly map[string]decimal.Decimal `json:"projectHourly,omitempty"`
}

// HourlyRate returns the rate that applies to a project.
func (r RateCard) HourlyRate(projectID string) decimal.Decimal {
	if rate, ok := r.ProjectHourly[projectID]; ok {
		return rate
	}
	return r.DefaultHourly
}

// Itemize turns one time entry into an invoice line (quantity in hours).
func (r RateCard) Itemize(e TimeEntry) InvoiceItem {
	hours := decimal.NewFromInt(int64(e.Minutes)).Div(decimal.NewFromInt(60)).Round(QuantityScale)
	desc := e.Description
	if desc == "" {
		desc = "Time on project " + e.ProjectID
	}
	item := NewInvoiceItem(fmt.Sprintf("%s (%s)", desc, e.Date.Format("2006-01-02")), hours, r.HourlyRate(e.ProjectID))
	id := e.ID
	item.TimeEntryID = &id
	return item
}

// CommitInvoiceRequest is the operator request to bill unbilled time.
type CommitInvoiceRequest struct {
	UnbilledQuery
	ClientID  string          `json:"clientId" validate:"required"`
	ProjectID *string         `json:"projectId,omitempty"`
	IssueDate time.Time       `json:"issueDate"`
	DueDate   time.Time       `json:"dueDate"`
	TaxRate   decimal.Decimal `json:"taxRate"`
	Rates     RateCard        `json:"rates"`
	Notes     string          `json:"notes,omitempty"`
}

// CommitResult is the new invoice plus entries that lost the billing race.
type CommitResult struct {
	Invoice            *Invoice `json:"invoice"`
	ConflictingEntries []string `json:"conflictingEntries"`
}

// ManualInvoiceRequest creates a draft invoice from hand-entered lines.
type ManualInvoiceRequest struct {
	ClientID  string          `json:"clientId" validate:"required"`
	ProjectID *string         `json:"projectId,omitempty"`
	IssueDate time.Time       `json:"issueDate"`
	DueDate   time.Time       `json:"dueDate"`
	TaxRate   decimal.Decimal `json:"taxRate"`
	Notes     string          `json:"notes,omitempty"`
	Items     []InvoiceItem   `json:"items" validate:"required,min=1,dive"`
}

// ReplaceItemsRequest rewrites the lines of a draft invoice.
type ReplaceItemsRequest struct {
	Items []InvoiceItem `json:"items" validate:"required,min=1,dive"`
}

// InvoiceStatusRequest moves an invoice to a new status.
type InvoiceStatusRequest struct {
	Status InvoiceStatus `json:"status" validate:"required,oneof=SENT PAID OVERDUE CANCELLED"`
}
