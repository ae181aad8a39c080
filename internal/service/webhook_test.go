package service

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
	"github.com/workloom/backend/internal/domain"
	"github.com/workloom/backend/pkg/payment"
	"golang.org/x/sync/errgroup"
)

func TestWebhookAppliesActivation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedSubscription(t, "tenant-1", "sub_R1", domain.StatusTrialing)

	out, err := f.deliver(t, "evt_1", razorpayEvent("subscription.activated", "sub_R1", "tenant-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.IngestAccepted, out.Result)
	assert.Equal(t, domain.OutcomeApplied, out.Transition)
	assert.Equal(t, domain.EventSubscriptionActivated, out.EventType)
	assert.False(t, out.Pending)

	sub, err := f.subs.Current(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, sub.Status)
	assert.Equal(t, "evt_1", sub.LastEventID)
	assert.Equal(t, "pay_1", sub.ProviderPaymentID)

	ev, err := f.mem.Events().FindByProviderEventID(ctx, "evt_1")
	require.NoError(t, err)
	require.NotNil(t, ev.ProcessedAt)
	require.NotNil(t, ev.SubscriptionID)
	assert.Equal(t, "sub-tenant-1", *ev.SubscriptionID)

	history, err := f.ledger.History(ctx, "tenant-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "evt_1", history[0].ProviderEventID)
}

func TestWebhookDuplicateDeliveryAppliesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedSubscription(t, "tenant-1", "sub_R1", domain.StatusActive)
	body := razorpayEvent("subscription.charged", "sub_R1", "tenant-1")

	first, err := f.deliver(t, "evt_1", body)
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeApplied, first.Transition)
	after, err := f.subs.Current(ctx, "tenant-1")
	require.NoError(t, err)

	second, err := f.deliver(t, "evt_1", body)
	require.NoError(t, err)
	assert.Equal(t, domain.IngestDuplicate, second.Result)
	assert.Empty(t, second.Transition)
	assert.False(t, second.Pending)

	again, err := f.subs.Current(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, after.CurrentPeriodEnd, again.CurrentPeriodEnd)
}

func TestWebhookDuplicateWithDifferentPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedSubscription(t, "tenant-1", "sub_R1", domain.StatusActive)

	_, err := f.deliver(t, "evt_1", razorpayEvent("subscription.halted", "sub_R1", "tenant-1"))
	require.NoError(t, err)

	// Same id, different body: only the first delivery counts.
	out, err := f.deliver(t, "evt_1", razorpayEvent("subscription.charged", "sub_R1", "tenant-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.IngestDuplicate, out.Result)

	sub, err := f.subs.Current(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPastDue, sub.Status)

	ev, err := f.mem.Events().FindByProviderEventID(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, "subscription.halted", ev.Payload.String("event"))
}

func TestWebhookConcurrentDuplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedSubscription(t, "tenant-1", "sub_R1", domain.StatusActive)
	before, err := f.subs.Current(ctx, "tenant-1")
	require.NoError(t, err)
	body := razorpayEvent("subscription.charged", "sub_R1", "tenant-1")

	results := make([]domain.IngestResult, 16)
	var g errgroup.Group
	for i := range results {
		i := i
		g.Go(func() error {
			out, err := f.deliver(t, "evt_dup", body)
			if err != nil {
				return err
			}
			results[i] = out.Result
			return nil
		})
	}
	require.NoError(t, g.Wait())

	accepted := 0
	for _, r := range results {
		if r == domain.IngestAccepted {
			accepted++
		}
	}
	assert.Equal(t, 1, accepted)

	sub, err := f.subs.Current(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, before.CurrentPeriodEnd.AddDate(0, 1, 0), sub.CurrentPeriodEnd)
}

func TestWebhookInvalidSignatureIsNotLedgered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	body := razorpayEvent("subscription.charged", "sub_R1", "tenant-1")

	h := http.Header{}
	h.Set(payment.RazorpaySignatureHeader, "deadbeef")
	h.Set(payment.RazorpayEventIDHeader, "evt_forged")
	_, err := f.webhooks.HandleDelivery(ctx, "razorpay", h, []byte(body))
	appErr := requireAppError(t, err, http.StatusUnauthorized)
	assert.True(t, errors.Is(appErr, domain.ErrInvalidSignature))

	ev, err := f.mem.Events().FindByProviderEventID(ctx, "evt_forged")
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestWebhookRequestErrors(t *testing.T) {
	f := newFixture(t)
	body := razorpayEvent("subscription.charged", "sub_R1", "tenant-1")

	_, err := f.webhooks.HandleDelivery(context.Background(), "paypal", http.Header{}, []byte(body))
	requireAppError(t, err, http.StatusNotFound)

	_, err = f.deliver(t, "", body)
	requireAppError(t, err, http.StatusBadRequest)

	_, err = f.deliver(t, "evt_bad", `not json`)
	requireAppError(t, err, http.StatusBadRequest)
}

func TestWebhookUnresolvedEventStaysPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.deliver(t, "evt_1", razorpayEvent("subscription.activated", "sub_later", "tenant-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.IngestAccepted, out.Result)
	assert.True(t, out.Pending)

	ev, err := f.mem.Events().FindByProviderEventID(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, ev.Pending())
	assert.Contains(t, ev.LastError, "unknown subscription")

	// A redelivery of a pending event reports it as still pending.
	out, err = f.deliver(t, "evt_1", razorpayEvent("subscription.activated", "sub_later", "tenant-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.IngestDuplicate, out.Result)
	assert.True(t, out.Pending)
}

func TestWebhookTenantMismatchStaysPending(t *testing.T) {
	f := newFixture(t)
	f.seedSubscription(t, "tenant-1", "sub_R1", domain.StatusTrialing)

	out, err := f.deliver(t, "evt_1", razorpayEvent("subscription.activated", "sub_R1", "tenant-2"))
	require.NoError(t, err)
	assert.True(t, out.Pending)

	sub, err := f.subs.Current(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTrialing, sub.Status)
}

func TestWebhookTenantMismatchIsNotListedForEitherTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedSubscription(t, "tenant-1", "sub_R1", domain.StatusTrialing)

	_, err := f.deliver(t, "evt_1", razorpayEvent("subscription.activated", "sub_R1", "tenant-2"))
	require.NoError(t, err)

	ev, err := f.mem.Events().FindByProviderEventID(ctx, "evt_1")
	require.NoError(t, err)
	assert.Nil(t, ev.TenantID)
	assert.Equal(t, "tenant-2", ev.TenantHint)

	hinted, err := f.ledger.History(ctx, "tenant-2", 0)
	require.NoError(t, err)
	assert.Empty(t, hinted, "a payload cannot place an event in another tenant's history")

	owner, err := f.ledger.History(ctx, "tenant-1", 0)
	require.NoError(t, err)
	assert.Empty(t, owner)
}

func TestWebhookInvalidTransitionIsSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedSubscription(t, "tenant-1", "sub_R1", domain.StatusTrialing)

	out, err := f.deliver(t, "evt_1", razorpayEvent("subscription.charged", "sub_R1", "tenant-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSkipped, out.Transition)
	assert.False(t, out.Pending)

	ev, err := f.mem.Events().FindByProviderEventID(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, ev.Pending())

	sub, err := f.subs.Current(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTrialing, sub.Status)
}

func TestWebhookUnknownEventTypeIsIgnored(t *testing.T) {
	f := newFixture(t)

	out, err := f.deliver(t, "evt_1", `{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_9"}}}}`)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeIgnored, out.Transition)
	assert.False(t, out.Pending)
}

func TestWebhookCancellationTombstones(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedSubscription(t, "tenant-1", "sub_R1", domain.StatusActive)

	out, err := f.deliver(t, "evt_1", razorpayEvent("subscription.cancelled", "sub_R1", "tenant-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, out.Transition)

	sub, err := f.subs.Current(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Nil(t, sub)

	// Late events still resolve against the tombstone and change nothing.
	out, err = f.deliver(t, "evt_2", razorpayEvent("subscription.charged", "sub_R1", "tenant-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSkipped, out.Transition)
	assert.False(t, out.Pending)
}

func TestWebhookStripeDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.seedSubscription(t, "tenant-1", "sub_S1", domain.StatusActive)
	require.NoError(t, func() error {
		_, err := f.mem.Subscriptions().Transition(ctx, "tenant-1", sub.ID, func(s *domain.Subscription) (bool, error) {
			s.Provider = "stripe"
			return true, nil
		})
		return err
	}())

	payload := `{"id":"evt_S1","object":"event","type":"invoice.payment_failed","data":{"object":{"id":"in_1","object":"invoice","subscription":"sub_S1","customer":"cus_1"}}}`
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    "whsec_test",
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	h := http.Header{}
	h.Set(payment.StripeSignatureHeader, signed.Header)

	out, err := f.webhooks.HandleDelivery(ctx, "stripe", h, signed.Payload)
	require.NoError(t, err)
	assert.Equal(t, "evt_S1", out.ProviderEventID)
	assert.Equal(t, domain.OutcomeApplied, out.Transition)

	current, err := f.subs.Current(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPastDue, current.Status)
}

func TestProcessPendingReplaysInArrivalOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.deliver(t, "evt_1", razorpayEvent("subscription.activated", "sub_later", "tenant-1"))
	require.NoError(t, err)
	require.True(t, out.Pending)
	f.advance(time.Minute)
	out, err = f.deliver(t, "evt_2", razorpayEvent("subscription.halted", "sub_later", "tenant-1"))
	require.NoError(t, err)
	require.True(t, out.Pending)

	processed, pending, err := f.webhooks.ProcessPending(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, processed)
	assert.Equal(t, 2, pending)

	f.seedSubscription(t, "tenant-1", "sub_later", domain.StatusTrialing)
	f.advance(time.Minute)

	processed, pending, err = f.webhooks.ProcessPending(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, processed)
	assert.Equal(t, 0, pending)

	// activated then payment failed; the reverse order would end ACTIVE.
	sub, err := f.subs.Current(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPastDue, sub.Status)
	assert.Equal(t, "evt_2", sub.LastEventID)

	left, err := f.ledger.Pending(ctx, 100)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestLedgerIngestOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payload := domain.Document{"event": "subscription.charged"}

	results := make([]domain.IngestResult, 20)
	var g errgroup.Group
	for i := range results {
		i := i
		g.Go(func() error {
			res, _, err := f.ledger.Ingest(ctx, "razorpay", "evt_same", domain.EventSubscriptionCharged, "", payload)
			results[i] = res
			return err
		})
	}
	require.NoError(t, g.Wait())

	accepted := 0
	for _, r := range results {
		if r == domain.IngestAccepted {
			accepted++
		}
	}
	assert.Equal(t, 1, accepted)

	pending, err := f.ledger.Pending(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
