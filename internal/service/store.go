package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/workloom/backend/internal/domain"
)

// PlanSource reads the plan catalog.
type PlanSource interface {
	ListPlans(ctx context.Context) ([]domain.Plan, error)
}

// SubscriptionStore persists subscriptions. Transition must serialize
// concurrent calls for the same subscription.
type SubscriptionStore interface {
	Create(ctx context.Context, sub *domain.Subscription) error
	FindByTenant(ctx context.Context, tenantID string) (*domain.Subscription, error)
	FindByProviderSubscriptionID(ctx context.Context, provider, providerSubID string) (*domain.Subscription, error)
	Transition(ctx context.Context, tenantID, id string, fn func(sub *domain.Subscription) (bool, error)) (*domain.Subscription, error)
}

// EventStore is the append-only billing event ledger. Insert reports false when
// the provider event id is already present.
type EventStore interface {
	Insert(ctx context.Context, ev *domain.BillingEvent) (bool, error)
	FindByProviderEventID(ctx context.Context, providerEventID string) (*domain.BillingEvent, error)
	MarkProcessed(ctx context.Context, id string, res domain.EventResolution, at time.Time) error
	RecordFailure(ctx context.Context, id, reason string) error
	ListPending(ctx context.Context, limit int) ([]*domain.BillingEvent, error)
	ListByTenant(ctx context.Context, tenantID string, limit int) ([]*domain.BillingEvent, error)
}

// TimeEntryStore reads billable time.
type TimeEntryStore interface {
	SelectUnbilled(ctx context.Context, q domain.UnbilledQuery) ([]domain.TimeEntry, error)
}

// InvoiceStore persists invoices. CommitDraft must insert the invoice and claim
// the still-unbilled entries in one atomic step.
type InvoiceStore interface {
	NextNumber(ctx context.Context, tenantID string, issue time.Time) (string, error)
	CommitDraft(ctx context.Context, inv *domain.Invoice, entryIDs []string,
		itemize func(claimed []string) ([]domain.InvoiceItem, error)) ([]string, error)
	Create(ctx context.Context, inv *domain.Invoice) error
	FindByNumber(ctx context.Context, tenantID, number string) (*domain.Invoice, error)
	List(ctx context.Context, tenantID string, limit int) ([]*domain.Invoice, error)
	Update(ctx context.Context, tenantID, number string, fn func(inv *domain.Invoice) (bool, error)) (*domain.Invoice, error)
}

// Clock returns the current time. Tests pin it.
type Clock func() time.Time

func formatValidationErrors(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}
