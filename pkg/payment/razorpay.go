package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/workloom/backend/internal/domain"
)

const (
	RazorpaySignatureHeader = "X-Razorpay-Signature"
	RazorpayEventIDHeader   = "X-Razorpay-Event-Id"
)

var razorpayEventTypes = map[string]string{
	"subscription.activated": domain.EventSubscriptionActivated,
	"subscription.charged":   domain.EventSubscriptionCharged,
	"subscription.pending":   domain.EventPaymentFailed,
	"subscription.halted":    domain.EventPaymentFailed,
	"subscription.cancelled": domain.EventSubscriptionCancelled,
	"subscription.completed": domain.EventSubscriptionCancelled,
}

// RazorpayProvider verifies hex HMAC-SHA256 signatures over the raw body.
type RazorpayProvider struct {
	secret string
}

// NewRazorpayProvider creates a provider using the shared webhook secret.
func NewRazorpayProvider(secret string) *RazorpayProvider {
	return &RazorpayProvider{secret: secret}
}

func (p *RazorpayProvider) Name() string { return "razorpay" }

func (p *RazorpayProvider) Parse(header http.Header, body []byte) (*Delivery, error) {
	if p.secret == "" {
		return nil, fmt.Errorf("%w: razorpay webhook secret not configured", domain.ErrInvalidSignature)
	}
	if !verifySignature(header.Get(RazorpaySignatureHeader), body, p.secret) {
		return nil, domain.ErrInvalidSignature
	}

	doc, err := domain.ParseDocument(body)
	if err != nil {
		return nil, domain.ErrBadRequest(err.Error())
	}

	eventType, facts := p.Normalize(doc)
	return &Delivery{
		EventID:   strings.TrimSpace(header.Get(RazorpayEventIDHeader)),
		EventType: eventType,
		RawType:   doc.String("event"),
		Payload:   doc,
		Facts:     facts,
	}, nil
}

func (p *RazorpayProvider) Normalize(doc domain.Document) (string, domain.EventFacts) {
	rawType := doc.String("event")
	eventType, ok := razorpayEventTypes[rawType]
	if !ok {
		eventType = rawType
	}

	const sub = "payload.subscription.entity."
	const pay = "payload.payment.entity."
	return eventType, domain.EventFacts{
		ProviderSubscriptionID: firstString(doc, sub+"id", pay+"subscription_id"),
		TenantHint:             firstString(doc, sub+"notes.tenant_id", pay+"notes.tenant_id"),
		CustomerID:             firstString(doc, sub+"customer_id", pay+"customer_id"),
		PaymentID:              doc.String(pay + "id"),
		OrderID:                doc.String(pay + "order_id"),
		PeriodStart:            firstTime(doc, sub+"current_start"),
		PeriodEnd:              firstTime(doc, sub+"current_end"),
	}
}

// Sign returns the signature header value for body. Used by tests and local tooling.
func (p *RazorpayProvider) Sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(p.secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func verifySignature(signature string, payload []byte, secret string) bool {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expectedSignature := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(strings.ToLower(signature)), []byte(expectedSignature))
}
