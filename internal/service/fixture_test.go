package service

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/workloom/backend/internal/domain"
	"github.com/workloom/backend/internal/repository"
	"github.com/workloom/backend/pkg/payment"
)

const testSecret = "rzp_test_secret"

// fixture wires every service to one in-memory store and a settable clock.
type fixture struct {
	mem      *repository.MemoryStore
	razorpay *payment.RazorpayProvider
	plans    *PlanCatalog
	ledger   *EventLedger
	subs     *SubscriptionService
	webhooks *WebhookService
	invoices *InvoiceService

	mu  sync.Mutex
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, payment.NewMockGateway("razorpay"), TrialPolicy{Days: 14})
}

func newFixtureWith(t *testing.T, gateway payment.Gateway, trial TrialPolicy) *fixture {
	t.Helper()
	f := &fixture{
		mem:      repository.NewMemoryStore(domain.DefaultPlans()),
		razorpay: payment.NewRazorpayProvider(testSecret),
		now:      time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC),
	}
	f.plans = NewPlanCatalog(f.mem.Plans())
	f.ledger = NewEventLedger(f.mem.Events(), f.clock)
	f.subs = NewSubscriptionService(f.mem.Subscriptions(), f.plans, gateway, "razorpay", trial, f.clock)
	f.webhooks = NewWebhookService(payment.NewRegistry(f.razorpay, payment.NewStripeProvider("whsec_test")), f.ledger, f.subs)
	f.invoices = NewInvoiceService(f.mem.TimeEntries(), f.mem.Invoices(), InvoiceOptions{NumberAttempts: 3, DueDays: 30}, f.clock)
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// seedSubscription stores a subscription bound to a known provider id.
func (f *fixture) seedSubscription(t *testing.T, tenantID, providerSubID string, status domain.SubscriptionStatus) *domain.Subscription {
	t.Helper()
	now := f.clock()
	sub := &domain.Subscription{
		ID:                     "sub-" + tenantID,
		TenantID:               tenantID,
		PlanCode:               "team",
		Status:                 status,
		BillingCycle:           domain.CycleMonthly,
		CurrentPeriodStart:     now,
		CurrentPeriodEnd:       now.AddDate(0, 0, 14),
		Provider:               "razorpay",
		ProviderSubscriptionID: providerSubID,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	require.NoError(t, f.mem.Subscriptions().Create(context.Background(), sub))
	return sub
}

// deliver sends a signed razorpay webhook.
func (f *fixture) deliver(t *testing.T, eventID string, body string) (*domain.WebhookOutcome, error) {
	t.Helper()
	h := http.Header{}
	h.Set(payment.RazorpaySignatureHeader, f.razorpay.Sign([]byte(body)))
	h.Set(payment.RazorpayEventIDHeader, eventID)
	return f.webhooks.HandleDelivery(context.Background(), "razorpay", h, []byte(body))
}

func razorpayEvent(eventType, providerSubID, tenantID string) string {
	return `{"event":"` + eventType + `","payload":{"subscription":{"entity":{"id":"` + providerSubID +
		`","notes":{"tenant_id":"` + tenantID + `"}}},"payment":{"entity":{"id":"pay_1"}}}}`
}

// requireAppError asserts err is an AppError with the given status code.
func requireAppError(t *testing.T, err error, code int) *domain.AppError {
	t.Helper()
	require.Error(t, err)
	appErr, ok := domain.AsAppError(err)
	require.True(t, ok, "expected AppError, got %T: %v", err, err)
	require.Equal(t, code, appErr.Code, appErr.Error())
	return appErr
}

type failingGateway struct{}

func (failingGateway) CreateCheckout(context.Context, payment.CheckoutRequest) (*payment.Checkout, error) {
	return nil, errors.New("provider down")
}

func (failingGateway) CancelSubscription(context.Context, string, bool) error {
	return errors.New("provider down")
}
