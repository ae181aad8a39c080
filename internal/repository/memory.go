package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/workloom/backend/internal/domain"
)

// MemoryStore keeps every billing table in process. It mirrors the Postgres
// repositories: the same uniqueness rules, the same compare-and-set on
// time entries, and one lock standing in for row locks.
type MemoryStore struct {
	mu sync.Mutex

	plans       []domain.Plan
	subs        map[string]*domain.Subscription
	events      map[string]*domain.BillingEvent
	eventKeys   map[string]string
	entries     map[string]*domain.TimeEntry
	sheets      map[string]*domain.Timesheet
	invoices    map[string]*domain.Invoice
	invoiceKeys map[string]string
}

// NewMemoryStore creates an empty store seeded with plans.
func NewMemoryStore(plans []domain.Plan) *MemoryStore {
	return &MemoryStore{
		plans:       append([]domain.Plan(nil), plans...),
		subs:        make(map[string]*domain.Subscription),
		events:      make(map[string]*domain.BillingEvent),
		eventKeys:   make(map[string]string),
		entries:     make(map[string]*domain.TimeEntry),
		sheets:      make(map[string]*domain.Timesheet),
		invoices:    make(map[string]*domain.Invoice),
		invoiceKeys: make(map[string]string),
	}
}

// Plans returns the plan catalog view.
func (m *MemoryStore) Plans() *MemoryPlans { return &MemoryPlans{m} }

// Subscriptions returns the subscription table view.
func (m *MemoryStore) Subscriptions() *MemorySubscriptions { return &MemorySubscriptions{m} }

// Events returns the billing event ledger view.
func (m *MemoryStore) Events() *MemoryEvents { return &MemoryEvents{m} }

// TimeEntries returns the time entry and timesheet view.
func (m *MemoryStore) TimeEntries() *MemoryTimeEntries { return &MemoryTimeEntries{m} }

// Invoices returns the invoice ledger view.
func (m *MemoryStore) Invoices() *MemoryInvoices { return &MemoryInvoices{m} }

// MemoryPlans serves the plan catalog from memory.
type MemoryPlans struct{ m *MemoryStore }

// ListPlans returns every plan ordered for display.
func (p *MemoryPlans) ListPlans(_ context.Context) ([]domain.Plan, error) {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	plans := append([]domain.Plan(nil), p.m.plans...)
	sort.SliceStable(plans, func(i, j int) bool {
		if plans[i].SortOrder != plans[j].SortOrder {
			return plans[i].SortOrder < plans[j].SortOrder
		}
		return plans[i].Code < plans[j].Code
	})
	return plans, nil
}

// MemorySubscriptions stores subscriptions in memory.
type MemorySubscriptions struct{ m *MemoryStore }

// Create inserts a subscription, refusing a second live one for the tenant.
func (s *MemorySubscriptions) Create(_ context.Context, sub *domain.Subscription) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if sub.Live() {
		for _, existing := range s.m.subs {
			if existing.TenantID == sub.TenantID && existing.Live() {
				return domain.ErrSubscriptionExists
			}
		}
	}
	if _, ok := s.m.subs[sub.ID]; ok {
		return fmt.Errorf("subscription %s already exists", sub.ID)
	}
	cp := *sub
	s.m.subs[sub.ID] = &cp
	return nil
}

// FindByTenant returns the tenant's live subscription, or nil.
func (s *MemorySubscriptions) FindByTenant(_ context.Context, tenantID string) (*domain.Subscription, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, sub := range s.m.subs {
		if sub.TenantID == tenantID && sub.Live() {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, nil
}

// FindByProviderSubscriptionID resolves a provider id, tombstones included.
func (s *MemorySubscriptions) FindByProviderSubscriptionID(_ context.Context, provider, providerSubID string) (*domain.Subscription, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var found *domain.Subscription
	for _, sub := range s.m.subs {
		if sub.Provider != provider || sub.ProviderSubscriptionID != providerSubID {
			continue
		}
		if found == nil || sub.CreatedAt.After(found.CreatedAt) {
			found = sub
		}
	}
	if found == nil {
		return nil, nil
	}
	cp := *found
	return &cp, nil
}

// Transition runs fn on a copy of the subscription while holding the store lock.
func (s *MemorySubscriptions) Transition(_ context.Context, tenantID, id string, fn func(sub *domain.Subscription) (bool, error)) (*domain.Subscription, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	stored, ok := s.m.subs[id]
	if !ok || stored.TenantID != tenantID {
		return nil, domain.ErrNotFound("subscription not found")
	}
	cp := *stored
	changed, err := fn(&cp)
	if err != nil {
		return &cp, err
	}
	if changed {
		if cp.Live() && !stored.Live() {
			return &cp, fmt.Errorf("subscription %s cannot be revived", id)
		}
		saved := cp
		s.m.subs[id] = &saved
	}
	return &cp, nil
}

// MemoryEvents is the in-memory billing event ledger.
type MemoryEvents struct{ m *MemoryStore }

// Insert appends ev unless its provider event id is known. It reports false for
// a duplicate.
func (e *MemoryEvents) Insert(_ context.Context, ev *domain.BillingEvent) (bool, error) {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	if _, ok := e.m.eventKeys[ev.ProviderEventID]; ok {
		return false, nil
	}
	cp := *ev
	e.m.events[ev.ID] = &cp
	e.m.eventKeys[ev.ProviderEventID] = ev.ID
	return true, nil
}

// FindByProviderEventID returns the ledger row for an idempotency key, or nil.
func (e *MemoryEvents) FindByProviderEventID(_ context.Context, providerEventID string) (*domain.BillingEvent, error) {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	id, ok := e.m.eventKeys[providerEventID]
	if !ok {
		return nil, nil
	}
	cp := *e.m.events[id]
	return &cp, nil
}

// MarkProcessed stamps a pending event as handled.
func (e *MemoryEvents) MarkProcessed(_ context.Context, id string, res domain.EventResolution, at time.Time) error {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	ev, ok := e.m.events[id]
	if !ok || !ev.Pending() {
		return nil
	}
	processed := at
	ev.ProcessedAt = &processed
	ev.LastError = ""
	if res.TenantID != "" {
		tenant := res.TenantID
		ev.TenantID = &tenant
	}
	if res.SubscriptionID != "" {
		sub := res.SubscriptionID
		ev.SubscriptionID = &sub
	}
	return nil
}

// RecordFailure stores the last processing error on a pending event.
func (e *MemoryEvents) RecordFailure(_ context.Context, id, reason string) error {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	if ev, ok := e.m.events[id]; ok && ev.Pending() {
		ev.LastError = reason
	}
	return nil
}

// ListPending returns unprocessed events, oldest first.
func (e *MemoryEvents) ListPending(_ context.Context, limit int) ([]*domain.BillingEvent, error) {
	return e.list(limit, func(ev *domain.BillingEvent) bool { return ev.Pending() }, false), nil
}

// ListByTenant returns the events resolved to a tenant, newest first.
func (e *MemoryEvents) ListByTenant(_ context.Context, tenantID string, limit int) ([]*domain.BillingEvent, error) {
	return e.list(limit, func(ev *domain.BillingEvent) bool {
		return ev.TenantID != nil && *ev.TenantID == tenantID
	}, true), nil
}

func (e *MemoryEvents) list(limit int, keep func(*domain.BillingEvent) bool, newestFirst bool) []*domain.BillingEvent {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	var out []*domain.BillingEvent
	for _, ev := range e.m.events {
		if keep(ev) {
			cp := *ev
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.Before(out[j].ReceivedAt) != newestFirst
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// MemoryTimeEntries stores time entries and timesheets in memory.
type MemoryTimeEntries struct{ m *MemoryStore }

// CreateEntry inserts a time entry.
func (t *MemoryTimeEntries) CreateEntry(_ context.Context, e *domain.TimeEntry) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if _, ok := t.m.entries[e.ID]; ok {
		return fmt.Errorf("time entry %s already exists", e.ID)
	}
	cp := *e
	t.m.entries[e.ID] = &cp
	return nil
}

// UpsertTimesheet writes a timesheet keyed by (tenant, user, week start).
func (t *MemoryTimeEntries) UpsertTimesheet(_ context.Context, ts *domain.Timesheet) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	cp := *ts
	cp.WeekStart = domain.WeekStart(ts.WeekStart)
	key := sheetKey(cp.TenantID, cp.UserID, cp.WeekStart)
	if existing, ok := t.m.sheets[key]; ok {
		cp.ID = existing.ID
	}
	t.m.sheets[key] = &cp
	return nil
}

// FindTimesheet returns the user's timesheet for the week containing weekStart, or nil.
func (t *MemoryTimeEntries) FindTimesheet(_ context.Context, tenantID, userID string, weekStart time.Time) (*domain.Timesheet, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	ts, ok := t.m.sheets[sheetKey(tenantID, userID, domain.WeekStart(weekStart))]
	if !ok {
		return nil, nil
	}
	cp := *ts
	return &cp, nil
}

// FindByIDs returns the tenant's entries with the given ids.
func (t *MemoryTimeEntries) FindByIDs(_ context.Context, tenantID string, ids []string) ([]domain.TimeEntry, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	var out []domain.TimeEntry
	for _, id := range ids {
		if e, ok := t.m.entries[id]; ok && e.TenantID == tenantID {
			out = append(out, *e)
		}
	}
	return out, nil
}

// SelectUnbilled returns entries eligible under q, ordered by date then user.
func (t *MemoryTimeEntries) SelectUnbilled(_ context.Context, q domain.UnbilledQuery) ([]domain.TimeEntry, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	var out []domain.TimeEntry
	for _, e := range t.m.entries {
		sheet := t.m.sheets[sheetKey(e.TenantID, e.UserID, domain.WeekStart(e.Date))]
		if q.Eligible(e, sheet) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func sheetKey(tenantID, userID string, week time.Time) string {
	return strings.Join([]string{tenantID, userID, week.Format("2006-01-02")}, "|")
}

// MemoryInvoices is the in-memory invoice ledger.
type MemoryInvoices struct{ m *MemoryStore }

// NextNumber proposes the next invoice number for the tenant in the month of issue.
func (i *MemoryInvoices) NextNumber(_ context.Context, tenantID string, issue time.Time) (string, error) {
	i.m.mu.Lock()
	defer i.m.mu.Unlock()
	prefix := domain.InvoiceNumberPrefix(issue)
	last := 0
	for _, inv := range i.m.invoices {
		if inv.TenantID == tenantID && strings.HasPrefix(inv.Number, prefix) {
			if seq := domain.InvoiceSequence(inv.Number); seq > last {
				last = seq
			}
		}
	}
	return domain.InvoiceNumber(issue, last+1), nil
}

// CommitDraft stores inv and claims the still-unbilled entries among entryIDs
// atomically. Nothing is stored when no entry can be claimed.
func (i *MemoryInvoices) CommitDraft(_ context.Context, inv *domain.Invoice, entryIDs []string,
	itemize func(claimed []string) ([]domain.InvoiceItem, error)) ([]string, error) {
	i.m.mu.Lock()
	defer i.m.mu.Unlock()
	if err := i.checkNumber(inv); err != nil {
		return nil, err
	}

	var claimed []string
	for _, id := range entryIDs {
		if e, ok := i.m.entries[id]; ok && e.TenantID == inv.TenantID && e.Unbilled() {
			claimed = append(claimed, id)
		}
	}
	if len(claimed) == 0 {
		return nil, domain.ErrEmptySelection
	}

	items, err := itemize(claimed)
	if err != nil {
		return nil, err
	}
	inv.Items = items
	inv.Recalculate()
	if err := inv.Validate(); err != nil {
		return nil, fmt.Errorf("invalid invoice: %w", err)
	}

	for _, id := range claimed {
		e := i.m.entries[id]
		invoiceID := inv.ID
		billed := inv.CreatedAt
		e.InvoiceID = &invoiceID
		e.BilledAt = &billed
	}
	i.put(inv)
	return claimed, nil
}

// Create inserts a complete invoice.
func (i *MemoryInvoices) Create(_ context.Context, inv *domain.Invoice) error {
	i.m.mu.Lock()
	defer i.m.mu.Unlock()
	if err := i.checkNumber(inv); err != nil {
		return err
	}
	i.put(inv)
	return nil
}

// FindByNumber returns the tenant's invoice, or nil.
func (i *MemoryInvoices) FindByNumber(_ context.Context, tenantID, number string) (*domain.Invoice, error) {
	i.m.mu.Lock()
	defer i.m.mu.Unlock()
	id, ok := i.m.invoiceKeys[tenantID+"|"+number]
	if !ok {
		return nil, nil
	}
	return copyInvoice(i.m.invoices[id]), nil
}

// List returns the tenant's invoices without items, newest first.
func (i *MemoryInvoices) List(_ context.Context, tenantID string, limit int) ([]*domain.Invoice, error) {
	i.m.mu.Lock()
	defer i.m.mu.Unlock()
	var out []*domain.Invoice
	for _, inv := range i.m.invoices {
		if inv.TenantID == tenantID {
			cp := copyInvoice(inv)
			cp.Items = nil
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].IssueDate.Equal(out[b].IssueDate) {
			return out[a].IssueDate.After(out[b].IssueDate)
		}
		return out[a].Number > out[b].Number
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Update runs fn on a copy of the invoice and stores the result.
func (i *MemoryInvoices) Update(_ context.Context, tenantID, number string,
	fn func(inv *domain.Invoice) (bool, error)) (*domain.Invoice, error) {
	i.m.mu.Lock()
	defer i.m.mu.Unlock()
	id, ok := i.m.invoiceKeys[tenantID+"|"+number]
	if !ok {
		return nil, domain.ErrNotFound("invoice not found")
	}
	cp := copyInvoice(i.m.invoices[id])
	if _, err := fn(cp); err != nil {
		return nil, err
	}
	i.put(cp)
	return copyInvoice(cp), nil
}

func (i *MemoryInvoices) checkNumber(inv *domain.Invoice) error {
	if _, taken := i.m.invoiceKeys[inv.TenantID+"|"+inv.Number]; taken {
		return fmt.Errorf("%w: %s", domain.ErrInvoiceNumberCollision, inv.Number)
	}
	return nil
}

func (i *MemoryInvoices) put(inv *domain.Invoice) {
	for k := range inv.Items {
		inv.Items[k].InvoiceID = inv.ID
	}
	i.m.invoices[inv.ID] = copyInvoice(inv)
	i.m.invoiceKeys[inv.TenantID+"|"+inv.Number] = inv.ID
}

func copyInvoice(inv *domain.Invoice) *domain.Invoice {
	cp := *inv
	cp.Items = append([]domain.InvoiceItem(nil), inv.Items...)
	return &cp
}
