package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/workloom/backend/internal/domain"
	"github.com/workloom/backend/internal/service"
	"golang.org/x/sync/errgroup"
)

type entryStore interface {
	service.TimeEntryStore
	CreateEntry(ctx context.Context, e *domain.TimeEntry) error
	UpsertTimesheet(ctx context.Context, ts *domain.Timesheet) error
	FindTimesheet(ctx context.Context, tenantID, userID string, weekStart time.Time) (*domain.Timesheet, error)
	FindByIDs(ctx context.Context, tenantID string, ids []string) ([]domain.TimeEntry, error)
}

// storeSet is one backend under test. Both the memory store and Postgres must
// pass the same contract.
type storeSet struct {
	plans    service.PlanSource
	subs     service.SubscriptionStore
	events   service.EventStore
	entries  entryStore
	invoices service.InvoiceStore
}

var decimalHundred = decimal.NewFromInt(100)

var contractNow = time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)

func uniq(prefix string) string {
	return prefix + "-" + uuid.New().String()[:8]
}

func runStoreContract(t *testing.T, s storeSet) {
	t.Run("plans", func(t *testing.T) { testPlans(t, s) })
	t.Run("subscriptions", func(t *testing.T) { testSubscriptions(t, s) })
	t.Run("events", func(t *testing.T) { testEvents(t, s) })
	t.Run("unbilled", func(t *testing.T) { testUnbilled(t, s) })
	t.Run("commit draft", func(t *testing.T) { testCommitDraft(t, s) })
	t.Run("concurrent claims", func(t *testing.T) { testConcurrentClaims(t, s) })
	t.Run("invoice numbers", func(t *testing.T) { testInvoiceNumbers(t, s) })
	t.Run("invoice update", func(t *testing.T) { testInvoiceUpdate(t, s) })
	t.Run("sub-cent amounts", func(t *testing.T) { testSubCentAmounts(t, s) })
}

func testPlans(t *testing.T, s storeSet) {
	plans, err := s.plans.ListPlans(context.Background())
	require.NoError(t, err)
	require.Len(t, plans, 3)
	assert.Equal(t, []string{"free", "team", "business"}, []string{plans[0].Code, plans[1].Code, plans[2].Code})
	assert.True(t, plans[2].HasFeature("sso"))
}

func newSubscription(tenantID, providerSubID string) *domain.Subscription {
	return &domain.Subscription{
		ID:                     uuid.New().String(),
		TenantID:               tenantID,
		PlanCode:               "team",
		Status:                 domain.StatusTrialing,
		BillingCycle:           domain.CycleMonthly,
		CurrentPeriodStart:     contractNow,
		CurrentPeriodEnd:       contractNow.AddDate(0, 0, 14),
		Provider:               "razorpay",
		ProviderSubscriptionID: providerSubID,
		CreatedAt:              contractNow,
		UpdatedAt:              contractNow,
	}
}

func testSubscriptions(t *testing.T, s storeSet) {
	ctx := context.Background()
	tenant := uniq("tenant")
	providerSub := uniq("sub")

	first := newSubscription(tenant, providerSub)
	require.NoError(t, s.subs.Create(ctx, first))

	err := s.subs.Create(ctx, newSubscription(tenant, uniq("sub")))
	assert.True(t, errors.Is(err, domain.ErrSubscriptionExists), "second live subscription: %v", err)

	found, err := s.subs.FindByTenant(ctx, tenant)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, first.ID, found.ID)

	missing, err := s.subs.FindByTenant(ctx, uniq("tenant"))
	require.NoError(t, err)
	assert.Nil(t, missing)

	// A failing callback leaves the row untouched.
	_, err = s.subs.Transition(ctx, tenant, first.ID, func(sub *domain.Subscription) (bool, error) {
		sub.Status = domain.StatusActive
		return true, errors.New("abort")
	})
	require.Error(t, err)
	found, err = s.subs.FindByTenant(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTrialing, found.Status)

	_, err = s.subs.Transition(ctx, uniq("tenant"), first.ID, func(*domain.Subscription) (bool, error) { return true, nil })
	require.Error(t, err, "other tenant cannot transition")

	updated, err := s.subs.Transition(ctx, tenant, first.ID, func(sub *domain.Subscription) (bool, error) {
		sub.Status = domain.StatusCanceled
		deleted := contractNow
		sub.DeletedAt = &deleted
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, updated.Status)

	found, err = s.subs.FindByTenant(ctx, tenant)
	require.NoError(t, err)
	assert.Nil(t, found, "tombstoned subscription is not live")

	byProvider, err := s.subs.FindByProviderSubscriptionID(ctx, "razorpay", providerSub)
	require.NoError(t, err)
	require.NotNil(t, byProvider)
	assert.Equal(t, first.ID, byProvider.ID)
	assert.NotNil(t, byProvider.DeletedAt)

	require.NoError(t, s.subs.Create(ctx, newSubscription(tenant, uniq("sub"))), "tenant may resubscribe")
}

func newEvent(providerEventID string, receivedAt time.Time, tenantHint string) *domain.BillingEvent {
	return &domain.BillingEvent{
		ID:              uuid.New().String(),
		Provider:        "razorpay",
		ProviderEventID: providerEventID,
		EventType:       domain.EventSubscriptionCharged,
		ReceivedAt:      receivedAt,
		Payload:         domain.Document{"event": "subscription.charged", "n": 1},
		TenantHint:      tenantHint,
	}
}

func testEvents(t *testing.T, s storeSet) {
	ctx := context.Background()
	tenant := uniq("tenant")
	idA, idB := uniq("evt"), uniq("evt")

	// Received out of insertion order.
	later := newEvent(idA, contractNow.Add(time.Minute), tenant)
	earlier := newEvent(idB, contractNow, tenant)

	ok, err := s.events.Insert(ctx, later)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.events.Insert(ctx, earlier)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.events.Insert(ctx, newEvent(idA, contractNow, tenant))
	require.NoError(t, err)
	assert.False(t, ok, "duplicate provider event id")

	got, err := s.events.FindByProviderEventID(ctx, idA)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, later.ID, got.ID)
	assert.Equal(t, "subscription.charged", got.Payload.String("event"))
	assert.True(t, got.Pending())
	assert.Equal(t, tenant, got.TenantHint)
	assert.Nil(t, got.TenantID, "a hint is not a tenant")

	unresolved, err := s.events.ListByTenant(ctx, tenant, 0)
	require.NoError(t, err)
	assert.Empty(t, unresolved, "unresolved events are not listed under their hint")

	none, err := s.events.FindByProviderEventID(ctx, uniq("evt"))
	require.NoError(t, err)
	assert.Nil(t, none)

	pending, err := s.events.ListPending(ctx, 0)
	require.NoError(t, err)
	var order []string
	for _, ev := range pending {
		if ev.ProviderEventID == idA || ev.ProviderEventID == idB {
			order = append(order, ev.ProviderEventID)
		}
	}
	assert.Equal(t, []string{idB, idA}, order, "pending events in arrival order")

	require.NoError(t, s.events.RecordFailure(ctx, earlier.ID, "unknown subscription"))
	got, err = s.events.FindByProviderEventID(ctx, idB)
	require.NoError(t, err)
	assert.Equal(t, "unknown subscription", got.LastError)
	assert.True(t, got.Pending())

	resolved := uniq("tenant")
	require.NoError(t, s.events.MarkProcessed(ctx, earlier.ID, domain.EventResolution{TenantID: resolved, SubscriptionID: "sub-1"}, contractNow))
	got, err = s.events.FindByProviderEventID(ctx, idB)
	require.NoError(t, err)
	assert.False(t, got.Pending())
	assert.Empty(t, got.LastError)
	require.NotNil(t, got.TenantID)
	assert.Equal(t, resolved, *got.TenantID)
	require.NotNil(t, got.SubscriptionID)
	assert.Equal(t, "sub-1", *got.SubscriptionID)

	require.NoError(t, s.events.MarkProcessed(ctx, later.ID, domain.EventResolution{}, contractNow))
	got, err = s.events.FindByProviderEventID(ctx, idA)
	require.NoError(t, err)
	assert.Nil(t, got.TenantID, "an empty resolution assigns no tenant")
	assert.Equal(t, tenant, got.TenantHint)

	history, err := s.events.ListByTenant(ctx, tenant, 10)
	require.NoError(t, err)
	assert.Empty(t, history)

	history, err = s.events.ListByTenant(ctx, resolved, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, idB, history[0].ProviderEventID)
}

// seedWeek stores an approved week with two billable entries, a non-billable
// one and an entry in a week that is only submitted. It returns the billable ids.
func seedWeek(t *testing.T, s storeSet, tenant string) []string {
	t.Helper()
	ctx := context.Background()
	monday := time.Date(2026, 4, 6, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.entries.UpsertTimesheet(ctx, &domain.Timesheet{
		ID: uuid.New().String(), TenantID: tenant, UserID: "u-1", WeekStart: monday.AddDate(0, 0, 2), Status: domain.TimesheetApproved,
	}))
	require.NoError(t, s.entries.UpsertTimesheet(ctx, &domain.Timesheet{
		ID: uuid.New().String(), TenantID: tenant, UserID: "u-1", WeekStart: monday.AddDate(0, 0, -7), Status: domain.TimesheetSubmitted,
	}))

	ids := []string{uniq("te"), uniq("te")}
	entries := []domain.TimeEntry{
		{ID: ids[0], TenantID: tenant, UserID: "u-1", ProjectID: "p-1", Date: monday, Minutes: 60, Billable: true},
		{ID: ids[1], TenantID: tenant, UserID: "u-1", ProjectID: "p-1", Date: monday.AddDate(0, 0, 1), Minutes: 45, Billable: true},
		{ID: uniq("te"), TenantID: tenant, UserID: "u-1", ProjectID: "p-1", Date: monday.AddDate(0, 0, 2), Minutes: 30, Billable: false},
		{ID: uniq("te"), TenantID: tenant, UserID: "u-1", ProjectID: "p-1", Date: monday.AddDate(0, 0, -5), Minutes: 30, Billable: true},
		{ID: uniq("te"), TenantID: tenant, UserID: "u-1", ProjectID: "p-2", Date: monday, Minutes: 30, Billable: true},
	}
	for i := range entries {
		require.NoError(t, s.entries.CreateEntry(ctx, &entries[i]))
	}
	return ids
}

func unbilledQuery(tenant string) domain.UnbilledQuery {
	return domain.UnbilledQuery{
		TenantID:     tenant,
		ProjectIDs:   []string{"p-1"},
		From:         time.Date(2026, 3, 30, 0, 0, 0, 0, time.UTC),
		To:           time.Date(2026, 4, 12, 0, 0, 0, 0, time.UTC),
		BillableOnly: true,
	}
}

func testUnbilled(t *testing.T, s storeSet) {
	ctx := context.Background()
	tenant := uniq("tenant")
	ids := seedWeek(t, s, tenant)

	sheet, err := s.entries.FindTimesheet(ctx, tenant, "u-1", time.Date(2026, 4, 9, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NotNil(t, sheet, "timesheets are keyed by the monday of their week")
	assert.Equal(t, domain.TimesheetApproved, sheet.Status)

	entries, err := s.entries.SelectUnbilled(ctx, unbilledQuery(tenant))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ids[0], entries[0].ID)
	assert.Equal(t, ids[1], entries[1].ID)

	q := unbilledQuery(tenant)
	q.BillableOnly = false
	entries, err = s.entries.SelectUnbilled(ctx, q)
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	q = unbilledQuery(uniq("tenant"))
	entries, err = s.entries.SelectUnbilled(ctx, q)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Rejecting the week withdraws its entries.
	require.NoError(t, s.entries.UpsertTimesheet(ctx, &domain.Timesheet{
		ID: uuid.New().String(), TenantID: tenant, UserID: "u-1", WeekStart: time.Date(2026, 4, 6, 0, 0, 0, 0, time.UTC), Status: domain.TimesheetRejected,
	}))
	entries, err = s.entries.SelectUnbilled(ctx, unbilledQuery(tenant))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func draftInvoice(tenant, number string) *domain.Invoice {
	return &domain.Invoice{
		ID:        uuid.New().String(),
		TenantID:  tenant,
		Number:    number,
		ClientID:  "client-1",
		IssueDate: time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC),
		DueDate:   time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC),
		Status:    domain.InvoiceDraft,
		TaxRate:   decimal.NewFromInt(10),
		Items:     []domain.InvoiceItem{},
		CreatedAt: contractNow,
		UpdatedAt: contractNow,
	}
}

func itemizer(rate decimal.Decimal, entries []domain.TimeEntry) func([]string) ([]domain.InvoiceItem, error) {
	return func(claimed []string) ([]domain.InvoiceItem, error) {
		keep := map[string]bool{}
		for _, id := range claimed {
			keep[id] = true
		}
		cards := domain.RateCard{DefaultHourly: rate}
		var items []domain.InvoiceItem
		for _, e := range entries {
			if keep[e.ID] {
				item := cards.Itemize(e)
				item.ID = uuid.New().String()
				items = append(items, item)
			}
		}
		return items, nil
	}
}

func testCommitDraft(t *testing.T, s storeSet) {
	ctx := context.Background()
	tenant := uniq("tenant")
	ids := seedWeek(t, s, tenant)
	entries, err := s.entries.SelectUnbilled(ctx, unbilledQuery(tenant))
	require.NoError(t, err)

	inv := draftInvoice(tenant, "INV-202604-0001")
	claimed, err := s.invoices.CommitDraft(ctx, inv, ids, itemizer(decimalHundred, entries))
	require.NoError(t, err)
	assert.ElementsMatch(t, ids, claimed)
	assert.True(t, decimal.NewFromInt(175).Equal(inv.Subtotal), inv.Subtotal.String())
	assert.True(t, decimal.RequireFromString("192.5").Equal(inv.Total), inv.Total.String())

	stored, err := s.invoices.FindByNumber(ctx, tenant, inv.Number)
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.Len(t, stored.Items, 2)
	assert.True(t, inv.Total.Equal(stored.Total))
	require.NoError(t, stored.Validate())

	billed, err := s.entries.FindByIDs(ctx, tenant, ids)
	require.NoError(t, err)
	require.Len(t, billed, 2)
	for _, e := range billed {
		require.NotNil(t, e.InvoiceID)
		assert.Equal(t, inv.ID, *e.InvoiceID)
	}

	// Nothing left to claim: no invoice is stored.
	empty := draftInvoice(tenant, "INV-202604-0002")
	_, err = s.invoices.CommitDraft(ctx, empty, ids, itemizer(decimalHundred, entries))
	assert.True(t, errors.Is(err, domain.ErrEmptySelection), "%v", err)
	gone, err := s.invoices.FindByNumber(ctx, tenant, empty.Number)
	require.NoError(t, err)
	assert.Nil(t, gone)

	// A taken number is reported as a collision and claims nothing.
	more := seedWeek(t, s, tenant)
	_, err = s.invoices.CommitDraft(ctx, draftInvoice(tenant, inv.Number), more, itemizer(decimalHundred, entries))
	assert.True(t, errors.Is(err, domain.ErrInvoiceNumberCollision), "%v", err)
	unbilled, err := s.entries.FindByIDs(ctx, tenant, more)
	require.NoError(t, err)
	for _, e := range unbilled {
		assert.Nil(t, e.InvoiceID)
	}
}

func testConcurrentClaims(t *testing.T, s storeSet) {
	ctx := context.Background()
	tenant := uniq("tenant")
	ids := seedWeek(t, s, tenant)
	entries, err := s.entries.SelectUnbilled(ctx, unbilledQuery(tenant))
	require.NoError(t, err)

	const workers = 6
	claims := make([][]string, workers)
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		i := i
		g.Go(func() error {
			inv := draftInvoice(tenant, domain.InvoiceNumber(contractNow, i+1))
			claimed, err := s.invoices.CommitDraft(ctx, inv, ids, itemizer(decimalHundred, entries))
			if errors.Is(err, domain.ErrEmptySelection) {
				return nil
			}
			claims[i] = claimed
			return err
		})
	}
	require.NoError(t, g.Wait())

	seen := map[string]int{}
	for _, c := range claims {
		for _, id := range c {
			seen[id]++
		}
	}
	assert.Len(t, seen, len(ids))
	for id, n := range seen {
		assert.Equal(t, 1, n, "entry %s billed %d times", id, n)
	}
}

func testInvoiceNumbers(t *testing.T, s storeSet) {
	ctx := context.Background()
	tenant := uniq("tenant")
	issue := time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)

	number, err := s.invoices.NextNumber(ctx, tenant, issue)
	require.NoError(t, err)
	assert.Equal(t, "INV-202604-0001", number)

	inv := draftInvoice(tenant, number)
	inv.Items = []domain.InvoiceItem{domain.NewInvoiceItem("Retainer", decimal.NewFromInt(1), decimal.NewFromInt(500))}
	inv.Items[0].ID = uuid.New().String()
	inv.Recalculate()
	require.NoError(t, s.invoices.Create(ctx, inv))

	number, err = s.invoices.NextNumber(ctx, tenant, issue)
	require.NoError(t, err)
	assert.Equal(t, "INV-202604-0002", number)

	number, err = s.invoices.NextNumber(ctx, tenant, issue.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, "INV-202605-0001", number)

	dup := draftInvoice(tenant, inv.Number)
	err = s.invoices.Create(ctx, dup)
	assert.True(t, errors.Is(err, domain.ErrInvoiceNumberCollision), "%v", err)

	require.NoError(t, s.invoices.Create(ctx, draftInvoice(uniq("tenant"), inv.Number)), "numbers are per tenant")

	list, err := s.invoices.List(ctx, tenant, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Empty(t, list[0].Items)

	busy := uniq("tenant")
	for _, seq := range []int{9999, 10000} {
		require.NoError(t, s.invoices.Create(ctx, draftInvoice(busy, domain.InvoiceNumber(issue, seq))))
	}
	number, err = s.invoices.NextNumber(ctx, busy, issue)
	require.NoError(t, err)
	assert.Equal(t, "INV-202604-10001", number)
}

func testInvoiceUpdate(t *testing.T, s storeSet) {
	ctx := context.Background()
	tenant := uniq("tenant")
	inv := draftInvoice(tenant, "INV-202604-0001")
	inv.Items = []domain.InvoiceItem{domain.NewInvoiceItem("Retainer", decimal.NewFromInt(1), decimal.NewFromInt(500))}
	inv.Items[0].ID = uuid.New().String()
	inv.Recalculate()
	require.NoError(t, s.invoices.Create(ctx, inv))

	updated, err := s.invoices.Update(ctx, tenant, inv.Number, func(cur *domain.Invoice) (bool, error) {
		item := domain.NewInvoiceItem("Support", decimal.NewFromInt(2), decimal.NewFromInt(75))
		item.ID = uuid.New().String()
		cur.Items = append(cur.Items, item)
		cur.Recalculate()
		return true, nil
	})
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(650).Equal(updated.Subtotal))

	stored, err := s.invoices.FindByNumber(ctx, tenant, inv.Number)
	require.NoError(t, err)
	require.Len(t, stored.Items, 2)
	assert.Equal(t, "Support", stored.Items[1].Description)
	assert.True(t, decimal.NewFromInt(715).Equal(stored.Total), stored.Total.String())

	_, err = s.invoices.Update(ctx, tenant, inv.Number, func(cur *domain.Invoice) (bool, error) {
		cur.Status = domain.InvoiceSent
		return false, errors.New("rejected")
	})
	require.Error(t, err)
	stored, err = s.invoices.FindByNumber(ctx, tenant, inv.Number)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceDraft, stored.Status, "failed update is not persisted")

	_, err = s.invoices.Update(ctx, tenant, "INV-202604-0404", func(*domain.Invoice) (bool, error) { return false, nil })
	appErr, ok := domain.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, 404, appErr.Code)
}

func testSubCentAmounts(t *testing.T, s storeSet) {
	ctx := context.Background()
	tenant := uniq("tenant")
	rates := domain.RateCard{DefaultHourly: decimal.RequireFromString("33.335")}

	inv := draftInvoice(tenant, "INV-202604-0001")
	inv.TaxRate = decimal.RequireFromString("17.123456")
	timed := rates.Itemize(domain.TimeEntry{ID: uniq("te"), ProjectID: "p-1", Date: contractNow, Minutes: 180})
	manual := domain.NewInvoiceItem("Travel", decimal.RequireFromString("1.234567"), decimal.RequireFromString("9.999"))
	inv.Items = []domain.InvoiceItem{timed, manual}
	for i := range inv.Items {
		inv.Items[i].ID = uuid.New().String()
		inv.Items[i].TimeEntryID = nil
	}
	inv.Recalculate()
	require.NoError(t, s.invoices.Create(ctx, inv))

	stored, err := s.invoices.FindByNumber(ctx, tenant, inv.Number)
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.NoError(t, stored.Validate())
	require.Len(t, stored.Items, 2)
	for i := range inv.Items {
		assert.True(t, inv.Items[i].Quantity.Equal(stored.Items[i].Quantity))
		assert.True(t, inv.Items[i].UnitPrice.Equal(stored.Items[i].UnitPrice), stored.Items[i].UnitPrice.String())
		assert.True(t, inv.Items[i].Amount.Equal(stored.Items[i].Amount))
	}
	assert.True(t, inv.TaxRate.Equal(stored.TaxRate), stored.TaxRate.String())
	assert.True(t, inv.Total.Equal(stored.Total), stored.Total.String())

	// Recalculating a reloaded draft keeps its figures.
	stored.Recalculate()
	assert.True(t, inv.Subtotal.Equal(stored.Subtotal))
	assert.True(t, inv.Total.Equal(stored.Total))
}
