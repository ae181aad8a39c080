package service

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/workloom/backend/internal/domain"
	"github.com/workloom/backend/internal/metrics"
	"github.com/workloom/backend/pkg/payment"
)

// TrialPolicy decides how a new subscription starts.
type TrialPolicy struct {
	Days int
}

// SubscriptionService owns the per-tenant subscription lifecycle.
type SubscriptionService struct {
	store    SubscriptionStore
	plans    *PlanCatalog
	gateway  payment.Gateway
	provider string
	trial    TrialPolicy
	validate *validator.Validate
	now      Clock
}

// NewSubscriptionService creates a new SubscriptionService. provider names the
// payment provider checkouts are created with.
func NewSubscriptionService(store SubscriptionStore, plans *PlanCatalog, gateway payment.Gateway,
	provider string, trial TrialPolicy, now Clock) *SubscriptionService {
	if now == nil {
		now = time.Now
	}
	return &SubscriptionService{
		store:    store,
		plans:    plans,
		gateway:  gateway,
		provider: provider,
		trial:    trial,
		validate: validator.New(),
		now:      now,
	}
}

// Current returns the tenant's live subscription, or nil.
func (s *SubscriptionService) Current(ctx context.Context, tenantID string) (*domain.Subscription, error) {
	sub, err := s.store.FindByTenant(ctx, tenantID)
	if err != nil {
		return nil, domain.ErrInternal("failed to load subscription", err)
	}
	return sub, nil
}

// Checkout starts a subscription for a tenant that has none.
func (s *SubscriptionService) Checkout(ctx context.Context, tenantID string, req *domain.CreateSubscriptionRequest) (*domain.CheckoutResponse, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, domain.ErrValidation(formatValidationErrors(err))
	}

	plan, err := s.plans.Get(ctx, req.Plan)
	if err != nil {
		if errors.Is(err, domain.ErrPlanNotFound) {
			return nil, domain.ErrUnprocessable("unknown or inactive plan", err)
		}
		return nil, err
	}

	existing, err := s.store.FindByTenant(ctx, tenantID)
	if err != nil {
		return nil, domain.ErrInternal("failed to load subscription", err)
	}
	if existing != nil {
		return nil, domain.ErrConflict("tenant already has a subscription", domain.ErrSubscriptionExists)
	}

	amount := plan.Price(req.Cycle)
	checkout, err := s.gateway.CreateCheckout(ctx, payment.CheckoutRequest{
		TenantID: tenantID,
		PlanCode: plan.Code,
		Cycle:    string(req.Cycle),
		Amount:   amount,
	})
	if err != nil {
		return nil, domain.ErrUnavailable("failed to create checkout", err)
	}

	now := s.now().UTC()
	sub := &domain.Subscription{
		ID:                     uuid.New().String(),
		TenantID:               tenantID,
		PlanCode:               plan.Code,
		BillingCycle:           req.Cycle,
		CurrentPeriodStart:     now,
		Provider:               s.provider,
		ProviderCustomerID:     checkout.CustomerID,
		ProviderSubscriptionID: checkout.SubscriptionID,
		ProviderOrderID:        checkout.OrderID,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if s.trial.Days > 0 {
		sub.Status = domain.StatusTrialing
		sub.CurrentPeriodEnd = now.AddDate(0, 0, s.trial.Days)
	} else {
		sub.Status = domain.StatusActive
		sub.CurrentPeriodEnd = domain.AdvanceCycle(now, req.Cycle)
	}

	if err := s.store.Create(ctx, sub); err != nil {
		if errors.Is(err, domain.ErrSubscriptionExists) {
			return nil, domain.ErrConflict("tenant already has a subscription", err)
		}
		return nil, domain.ErrInternal("failed to create subscription", err)
	}

	log.Info().
		Str("tenant_id", tenantID).
		Str("subscription_id", sub.ID).
		Str("plan", plan.Code).
		Str("status", string(sub.Status)).
		Msg("Subscription checkout created")

	return &domain.CheckoutResponse{
		SubscriptionID:         sub.ID,
		Status:                 sub.Status,
		Provider:               s.provider,
		ProviderCustomerID:     checkout.CustomerID,
		ProviderSubscriptionID: checkout.SubscriptionID,
		ProviderOrderID:        checkout.OrderID,
		PaymentURL:             checkout.PaymentURL,
		Amount:                 amount,
		PlanCode:               plan.Code,
		Cycle:                  req.Cycle,
	}, nil
}

// Cancel stops the tenant's subscription, immediately or at period end.
func (s *SubscriptionService) Cancel(ctx context.Context, tenantID string, req *domain.CancelSubscriptionRequest) (*domain.Subscription, error) {
	current, err := s.Current(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, domain.ErrNotFound("no active subscription")
	}

	if current.ProviderSubscriptionID != "" {
		if err := s.gateway.CancelSubscription(ctx, current.ProviderSubscriptionID, req.AtPeriodEnd); err != nil {
			return nil, domain.ErrUnavailable("failed to cancel with payment provider", err)
		}
	}

	now := s.now().UTC()
	sub, err := s.store.Transition(ctx, tenantID, current.ID, func(sub *domain.Subscription) (bool, error) {
		if sub.Status == domain.StatusCanceled {
			return false, nil
		}
		if req.AtPeriodEnd {
			if sub.CancelAtPeriodEnd {
				return false, nil
			}
			sub.CancelAtPeriodEnd = true
		} else {
			sub.Status = domain.StatusCanceled
			sub.CancelAtPeriodEnd = false
			deleted := now
			sub.DeletedAt = &deleted
		}
		sub.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		if _, ok := domain.AsAppError(err); ok {
			return nil, err
		}
		return nil, domain.ErrInternal("failed to cancel subscription", err)
	}

	log.Info().
		Str("tenant_id", tenantID).
		Str("subscription_id", sub.ID).
		Bool("at_period_end", req.AtPeriodEnd).
		Msg("Subscription cancelled")
	return sub, nil
}

// Apply resolves the subscription an event refers to and advances it under the
// store's per-subscription lock. A precondition failure is reported as
// OutcomeSkipped with an error wrapping domain.ErrInvalidTransition.
func (s *SubscriptionService) Apply(ctx context.Context, provider string, ev domain.TransitionEvent) (domain.Outcome, domain.EventResolution, error) {
	if !domain.IsTransitionEvent(ev.Type) {
		return domain.OutcomeIgnored, domain.EventResolution{}, nil
	}

	sub, err := s.resolve(ctx, provider, ev)
	if err != nil {
		return "", domain.EventResolution{}, err
	}
	res := domain.EventResolution{TenantID: sub.TenantID, SubscriptionID: sub.ID}

	var (
		outcome  domain.Outcome
		applyErr error
	)
	now := s.now().UTC()
	_, err = s.store.Transition(ctx, sub.TenantID, sub.ID, func(locked *domain.Subscription) (bool, error) {
		outcome, applyErr = domain.ApplyEvent(locked, ev, now)
		return outcome == domain.OutcomeApplied, nil
	})
	if err != nil {
		return "", res, err
	}

	metrics.SubscriptionTransitionsTotal.WithLabelValues(ev.Type, string(outcome)).Inc()
	return outcome, res, applyErr
}

func (s *SubscriptionService) resolve(ctx context.Context, provider string, ev domain.TransitionEvent) (*domain.Subscription, error) {
	resErr := &domain.ResolutionError{
		ProviderEventID:        ev.ID,
		ProviderSubscriptionID: ev.ProviderSubscriptionID,
		TenantHint:             ev.TenantHint,
	}
	if ev.ProviderSubscriptionID == "" {
		resErr.Reason = "event carries no subscription id"
		return nil, resErr
	}

	sub, err := s.store.FindByProviderSubscriptionID(ctx, provider, ev.ProviderSubscriptionID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		resErr.Reason = "unknown subscription"
		return nil, resErr
	}
	if ev.TenantHint != "" && ev.TenantHint != sub.TenantID {
		resErr.Reason = "tenant hint does not match subscription tenant"
		return nil, resErr
	}
	return sub, nil
}
