package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SubscriptionStatus is the lifecycle state of a tenant subscription.
type SubscriptionStatus string

const (
	StatusTrialing SubscriptionStatus = "TRIALING"
	StatusActive   SubscriptionStatus = "ACTIVE"
	StatusPastDue  SubscriptionStatus = "PAST_DUE"
	StatusCanceled SubscriptionStatus = "CANCELED"
)

// Canonical event types. Provider adapters translate their own names onto these.
const (
	EventSubscriptionActivated = "subscription.activated"
	EventSubscriptionCharged   = "subscription.charged"
	EventPaymentFailed         = "subscription.payment_failed"
	EventSubscriptionCancelled = "subscription.cancelled"
)

// IsTransitionEvent reports whether eventType drives the subscription state machine.
func IsTransitionEvent(eventType string) bool {
	switch eventType {
	case EventSubscriptionActivated, EventSubscriptionCharged, EventPaymentFailed, EventSubscriptionCancelled:
		return true
	}
	return false
}

// Subscription is the materialized current state of a tenant's plan. It is
// advanced by ApplyEvent, never rebuilt from event history.
type Subscription struct {
	ID                     string             `json:"id"`
	TenantID               string             `json:"tenantId"`
	PlanCode               string             `json:"planCode"`
	Status                 SubscriptionStatus `json:"status"`
	BillingCycle           BillingCycle       `json:"billingCycle"`
	CurrentPeriodStart     time.Time          `json:"currentPeriodStart"`
	CurrentPeriodEnd       time.Time          `json:"currentPeriodEnd"`
	CancelAtPeriodEnd      bool               `json:"cancelAtPeriodEnd"`
	Provider               string             `json:"provider"`
	ProviderCustomerID     string             `json:"providerCustomerId"`
	ProviderSubscriptionID string             `json:"providerSubscriptionId"`
	ProviderPaymentID      string             `json:"providerPaymentId,omitempty"`
	ProviderOrderID        string             `json:"providerOrderId,omitempty"`
	LastEventID            string             `json:"lastEventId,omitempty"`
	LastEventAt            *time.Time         `json:"lastEventAt,omitempty"`
	CreatedAt              time.Time          `json:"createdAt"`
	UpdatedAt              time.Time          `json:"updatedAt"`
	DeletedAt              *time.Time         `json:"deletedAt,omitempty"`
}

// Live reports whether the subscription has not been tombstoned.
func (s *Subscription) Live() bool {
	return s.DeletedAt == nil
}

// CreateSubscriptionRequest is the input for starting a checkout.
type CreateSubscriptionRequest struct {
	Plan  string       `json:"plan" validate:"required"`
	Cycle BillingCycle `json:"cycle" validate:"required,oneof=MONTHLY YEARLY"`
}

// CancelSubscriptionRequest is the input for an explicit cancellation.
type CancelSubscriptionRequest struct {
	AtPeriodEnd bool `json:"atPeriodEnd"`
}

// CheckoutResponse carries the provider identifiers and the amount to charge.
type CheckoutResponse struct {
	SubscriptionID         string             `json:"subscriptionId"`
	Status                 SubscriptionStatus `json:"status"`
	Provider               string             `json:"provider"`
	ProviderCustomerID     string             `json:"providerCustomerId"`
	ProviderSubscriptionID string             `json:"providerSubscriptionId"`
	ProviderOrderID        string             `json:"providerOrderId"`
	PaymentURL             string             `json:"paymentUrl,omitempty"`
	Amount                 decimal.Decimal    `json:"amount"`
	PlanCode               string             `json:"planCode"`
	Cycle                  BillingCycle       `json:"cycle"`
}

// EventFacts are the fields a provider adapter extracts from a payload.
type EventFacts struct {
	ProviderSubscriptionID string     `json:"providerSubscriptionId,omitempty"`
	TenantHint             string     `json:"tenantHint,omitempty"`
	CustomerID             string     `json:"customerId,omitempty"`
	PaymentID              string     `json:"paymentId,omitempty"`
	OrderID                string     `json:"orderId,omitempty"`
	PeriodStart            *time.Time `json:"periodStart,omitempty"`
	PeriodEnd              *time.Time `json:"periodEnd,omitempty"`
}

// TransitionEvent is a validated, de-duplicated event ready for ApplyEvent.
type TransitionEvent struct {
	ID         string
	Type       string
	ReceivedAt time.Time
	EventFacts
}

// Outcome describes what ApplyEvent did.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeNoop    Outcome = "noop"    // already applied or already in the target state
	OutcomeSkipped Outcome = "skipped" // precondition failed or event is stale
	OutcomeIgnored Outcome = "ignored" // event type has no transition
)

// ApplyEvent advances sub according to ev. It mutates sub only when the
// outcome is OutcomeApplied. A precondition failure returns OutcomeSkipped
// together with an error wrapping ErrInvalidTransition. The result depends only
// on (sub, ev, now), so an ordered sequence always yields the same state.
func ApplyEvent(sub *Subscription, ev TransitionEvent, now time.Time) (Outcome, error) {
	if sub.LastEventID != "" && sub.LastEventID == ev.ID {
		return OutcomeNoop, nil
	}

	switch ev.Type {
	case EventSubscriptionCancelled:
		if sub.Status == StatusCanceled {
			return OutcomeNoop, nil
		}
		sub.Status = StatusCanceled
		sub.CancelAtPeriodEnd = false
		deleted := now
		sub.DeletedAt = &deleted

	case EventSubscriptionActivated:
		if stale(sub, ev) {
			return OutcomeSkipped, nil
		}
		if sub.Status != StatusTrialing && sub.Status != StatusPastDue {
			return OutcomeSkipped, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, ev.Type, sub.Status)
		}
		sub.Status = StatusActive
		if ev.PeriodStart != nil {
			sub.CurrentPeriodStart = *ev.PeriodStart
		}
		if ev.PeriodEnd != nil {
			sub.CurrentPeriodEnd = *ev.PeriodEnd
		}

	case EventSubscriptionCharged:
		if stale(sub, ev) {
			return OutcomeSkipped, nil
		}
		if sub.Status != StatusActive && sub.Status != StatusPastDue {
			return OutcomeSkipped, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, ev.Type, sub.Status)
		}
		sub.Status = StatusActive
		sub.CurrentPeriodStart = sub.CurrentPeriodEnd
		sub.CurrentPeriodEnd = AdvanceCycle(sub.CurrentPeriodEnd, sub.BillingCycle)

	case EventPaymentFailed:
		if stale(sub, ev) {
			return OutcomeSkipped, nil
		}
		if sub.Status != StatusActive {
			return OutcomeSkipped, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, ev.Type, sub.Status)
		}
		sub.Status = StatusPastDue

	default:
		return OutcomeIgnored, nil
	}

	if ev.PaymentID != "" {
		sub.ProviderPaymentID = ev.PaymentID
	}
	if ev.OrderID != "" {
		sub.ProviderOrderID = ev.OrderID
	}
	if ev.CustomerID != "" && sub.ProviderCustomerID == "" {
		sub.ProviderCustomerID = ev.CustomerID
	}
	sub.LastEventID = ev.ID
	received := ev.ReceivedAt
	sub.LastEventAt = &received
	sub.UpdatedAt = now
	return OutcomeApplied, nil
}

// stale reports whether ev was received before the last applied event.
func stale(sub *Subscription, ev TransitionEvent) bool {
	return sub.LastEventAt != nil && !ev.ReceivedAt.IsZero() && ev.ReceivedAt.Before(*sub.LastEventAt)
}

// AdvanceCycle moves t forward by one billing cycle.
func AdvanceCycle(t time.Time, cycle BillingCycle) time.Time {
	if cycle == CycleYearly {
		return t.AddDate(1, 0, 0)
	}
	return t.AddDate(0, 1, 0)
}
