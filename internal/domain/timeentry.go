package domain

import "time"

// TimeEntry is a unit of logged work. Once InvoiceID is set it is never
// cleared or reassigned.
type TimeEntry struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenantId"`
	UserID      string     `json:"userId"`
	ProjectID   string     `json:"projectId"`
	TaskID      *string    `json:"taskId,omitempty"`
	Date        time.Time  `json:"date"`
	Minutes     int        `json:"minutes"`
	Billable    bool       `json:"billable"`
	Description string     `json:"description,omitempty"`
	InvoiceID   *string    `json:"invoiceId,omitempty"`
	BilledAt    *time.Time `json:"billedAt,omitempty"`
}

// Unbilled reports whether the entry has not been attached to an invoice.
func (e *TimeEntry) Unbilled() bool {
	return e.InvoiceID == nil
}

// TimesheetStatus is the approval state of a weekly timesheet.
type TimesheetStatus string

const (
	TimesheetDraft     TimesheetStatus = "DRAFT"
	TimesheetSubmitted TimesheetStatus = "SUBMITTED"
	TimesheetApproved  TimesheetStatus = "APPROVED"
	TimesheetRejected  TimesheetStatus = "REJECTED"
)

// Timesheet aggregates one user's week. Unique per (tenant, user, week start).
type Timesheet struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenantId"`
	UserID          string          `json:"userId"`
	WeekStart       time.Time       `json:"weekStart"`
	Status          TimesheetStatus `json:"status"`
	TotalMinutes    int             `json:"totalMinutes"`
	BillableMinutes int             `json:"billableMinutes"`
	DeletedAt       *time.Time      `json:"deletedAt,omitempty"`
}

// WeekStart returns the Monday (UTC midnight) of the week containing t.
func WeekStart(t time.Time) time.Time {
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset)
}

// UnbilledQuery selects candidate entries for an invoice.
type UnbilledQuery struct {
	TenantID     string    `json:"-"`
	ProjectIDs   []string  `json:"projectIds" validate:"required,min=1,dive,required"`
	From         time.Time `json:"from" validate:"required"`
	To           time.Time `json:"to" validate:"required"`
	BillableOnly bool      `json:"billableOnly"`
}

// Eligible reports whether e may be billed under q given the covering timesheet.
// sheet may be nil when no timesheet exists for the entry's week.
func (q UnbilledQuery) Eligible(e *TimeEntry, sheet *Timesheet) bool {
	if e.TenantID != q.TenantID || !e.Unbilled() {
		return false
	}
	if q.BillableOnly && !e.Billable {
		return false
	}
	day := dateOnly(e.Date)
	if day.Before(dateOnly(q.From)) || day.After(dateOnly(q.To)) {
		return false
	}
	inSet := false
	for _, p := range q.ProjectIDs {
		if p == e.ProjectID {
			inSet = true
			break
		}
	}
	if !inSet {
		return false
	}
	return sheet != nil &&
		sheet.TenantID == e.TenantID &&
		sheet.UserID == e.UserID &&
		sheet.DeletedAt == nil &&
		sheet.Status == TimesheetApproved &&
		sheet.WeekStart.Equal(WeekStart(e.Date))
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
