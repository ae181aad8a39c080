package service

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/workloom/backend/internal/domain"
	"github.com/workloom/backend/internal/metrics"
	"github.com/workloom/backend/pkg/payment"
)

// WebhookService runs provider deliveries through verify, ledger and apply.
type WebhookService struct {
	providers *payment.Registry
	ledger    *EventLedger
	subs      *SubscriptionService
}

// NewWebhookService creates a new WebhookService.
func NewWebhookService(providers *payment.Registry, ledger *EventLedger, subs *SubscriptionService) *WebhookService {
	return &WebhookService{providers: providers, ledger: ledger, subs: subs}
}

// HandleDelivery verifies a webhook body, records it in the ledger and applies
// it. Only ledger failures are returned as errors once the delivery is
// verified; anything that prevents the transition leaves the event pending and
// is reported through WebhookOutcome.Pending.
func (s *WebhookService) HandleDelivery(ctx context.Context, providerName string, header http.Header, body []byte) (*domain.WebhookOutcome, error) {
	provider, err := s.providers.Get(providerName)
	if err != nil {
		return nil, domain.ErrNotFound("unknown payment provider")
	}

	delivery, err := provider.Parse(header, body)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidSignature) {
			log.Warn().Err(err).Str("provider", providerName).Msg("Rejected webhook with invalid signature")
			return nil, domain.ErrSignature(err)
		}
		return nil, err
	}

	result, ev, err := s.ledger.Ingest(ctx, providerName, delivery.EventID, delivery.EventType,
		delivery.Facts.TenantHint, delivery.Payload)
	if err != nil {
		return nil, err
	}

	out := &domain.WebhookOutcome{
		Result:          result,
		ProviderEventID: ev.ProviderEventID,
		EventType:       ev.EventType,
	}
	if result == domain.IngestDuplicate {
		out.Pending = ev.Pending()
		log.Debug().Str("event_id", ev.ProviderEventID).Msg("Duplicate webhook delivery")
		return out, nil
	}

	out.Transition, out.Pending = s.process(ctx, ev, delivery.EventType, delivery.Facts)
	return out, nil
}

// ProcessPending retries pending ledger events in arrival order and reports
// how many were closed and how many remain pending.
func (s *WebhookService) ProcessPending(ctx context.Context, limit int) (processed, pending int, err error) {
	events, err := s.ledger.Pending(ctx, limit)
	if err != nil {
		return 0, 0, err
	}
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return processed, pending, err
		}
		provider, err := s.providers.Get(ev.Provider)
		if err != nil {
			log.Warn().Str("event_id", ev.ProviderEventID).Str("provider", ev.Provider).Msg("Pending event from unknown provider")
			pending++
			continue
		}
		eventType, facts := provider.Normalize(ev.Payload)
		if _, stillPending := s.process(ctx, ev, eventType, facts); stillPending {
			pending++
		} else {
			processed++
		}
	}
	return processed, pending, nil
}

// process applies a ledgered event and closes it unless it must stay pending.
func (s *WebhookService) process(ctx context.Context, ev *domain.BillingEvent, eventType string, facts domain.EventFacts) (domain.Outcome, bool) {
	logger := log.With().
		Str("event_id", ev.ProviderEventID).
		Str("provider", ev.Provider).
		Str("event_type", eventType).
		Logger()

	outcome, res, err := s.subs.Apply(ctx, ev.Provider, domain.TransitionEvent{
		ID:         ev.ProviderEventID,
		Type:       eventType,
		ReceivedAt: ev.ReceivedAt,
		EventFacts: facts,
	})
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrInvalidTransition):
		logger.Warn().Err(err).Str("tenant_id", res.TenantID).Msg("Skipped billing event")
	case domain.IsResolutionError(err):
		logger.Warn().Err(err).Msg("Billing event left pending")
		metrics.PendingEventsTotal.WithLabelValues("resolution").Inc()
		s.recordFailure(ctx, ev, err)
		return "", true
	default:
		logger.Error().Err(err).Msg("Failed to apply billing event")
		metrics.PendingEventsTotal.WithLabelValues("apply").Inc()
		s.recordFailure(ctx, ev, err)
		return "", true
	}

	if err := s.ledger.MarkProcessed(ctx, ev.ID, res); err != nil {
		logger.Error().Err(err).Msg("Failed to mark billing event processed")
		metrics.PendingEventsTotal.WithLabelValues("mark").Inc()
		return outcome, true
	}
	logger.Info().Str("tenant_id", res.TenantID).Str("outcome", string(outcome)).Msg("Billing event processed")
	return outcome, false
}

func (s *WebhookService) recordFailure(ctx context.Context, ev *domain.BillingEvent, cause error) {
	if err := s.ledger.RecordFailure(ctx, ev.ID, cause); err != nil {
		log.Error().Err(err).Str("event_id", ev.ProviderEventID).Msg("Failed to record billing event failure")
	}
}
