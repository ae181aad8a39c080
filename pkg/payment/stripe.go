package payment

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v82/webhook"
	"github.com/workloom/backend/internal/domain"
)

const StripeSignatureHeader = "Stripe-Signature"

// StripeProvider verifies Stripe-Signature headers with the endpoint secret.
type StripeProvider struct {
	secret string
}

// NewStripeProvider creates a provider using the endpoint's signing secret.
func NewStripeProvider(secret string) *StripeProvider {
	return &StripeProvider{secret: secret}
}

func (p *StripeProvider) Name() string { return "stripe" }

func (p *StripeProvider) Parse(header http.Header, body []byte) (*Delivery, error) {
	if p.secret == "" {
		return nil, fmt.Errorf("%w: stripe webhook secret not configured", domain.ErrInvalidSignature)
	}
	sigHeader := header.Get(StripeSignatureHeader)
	if strings.TrimSpace(sigHeader) == "" {
		return nil, fmt.Errorf("%w: missing %s header", domain.ErrInvalidSignature, StripeSignatureHeader)
	}

	event, err := webhook.ConstructEventWithOptions(body, sigHeader, p.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
	}

	doc, err := domain.ParseDocument(body)
	if err != nil {
		return nil, domain.ErrBadRequest(err.Error())
	}
	eventType, facts := p.Normalize(doc)
	return &Delivery{
		EventID:   event.ID,
		EventType: eventType,
		RawType:   string(event.Type),
		Payload:   doc,
		Facts:     facts,
	}, nil
}

// Normalize reads the event envelope; facts come from data.object.
func (p *StripeProvider) Normalize(doc domain.Document) (string, domain.EventFacts) {
	rawType := doc.String("type")
	object := domain.Document{}
	if v, ok := doc.Lookup("data.object"); ok {
		if m, ok := v.(map[string]any); ok {
			object = m
		}
	}

	if strings.HasPrefix(rawType, "invoice.") {
		return stripeEventType(rawType, object), domain.EventFacts{
			ProviderSubscriptionID: firstString(object, "subscription", "parent.subscription_details.subscription"),
			TenantHint: firstString(object, "metadata.tenant_id", "subscription_details.metadata.tenant_id",
				"parent.subscription_details.metadata.tenant_id"),
			CustomerID:  object.String("customer"),
			PaymentID:   firstString(object, "payment_intent", "charge"),
			OrderID:     object.String("id"),
			PeriodStart: firstTime(object, "lines.data.0.period.start", "period_start"),
			PeriodEnd:   firstTime(object, "lines.data.0.period.end", "period_end"),
		}
	}
	return stripeEventType(rawType, object), domain.EventFacts{
		ProviderSubscriptionID: object.String("id"),
		TenantHint:             object.String("metadata.tenant_id"),
		CustomerID:             object.String("customer"),
		PeriodStart:            firstTime(object, "current_period_start", "items.data.0.current_period_start"),
		PeriodEnd:              firstTime(object, "current_period_end", "items.data.0.current_period_end"),
	}
}

func stripeEventType(rawType string, object domain.Document) string {
	switch rawType {
	case "invoice.paid", "invoice.payment_succeeded":
		return domain.EventSubscriptionCharged
	case "invoice.payment_failed":
		return domain.EventPaymentFailed
	case "customer.subscription.deleted":
		return domain.EventSubscriptionCancelled
	case "customer.subscription.created", "customer.subscription.updated":
		switch object.String("status") {
		case "active":
			return domain.EventSubscriptionActivated
		case "canceled":
			return domain.EventSubscriptionCancelled
		}
	}
	return rawType
}
