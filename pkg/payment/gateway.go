package payment

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Gateway defines the checkout contract of a payment provider. The provider
// reports the outcome of a checkout asynchronously through webhooks.
type Gateway interface {
	// CreateCheckout registers the customer and subscription with the provider
	// and returns a link the customer pays through.
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error)
	// CancelSubscription asks the provider to stop billing a subscription.
	CancelSubscription(ctx context.Context, providerSubscriptionID string, atPeriodEnd bool) error
}

// CheckoutRequest describes the plan a tenant is buying.
type CheckoutRequest struct {
	TenantID string
	PlanCode string
	Cycle    string
	Amount   decimal.Decimal
}

// Checkout holds the identifiers the provider assigned to a new checkout.
type Checkout struct {
	CustomerID     string
	SubscriptionID string
	OrderID        string
	PaymentURL     string
}

// MockGateway is a dummy implementation for development and tests.
type MockGateway struct {
	provider string
	baseURL  string
}

// NewMockGateway returns a gateway that fabricates provider identifiers.
func NewMockGateway(provider string) *MockGateway {
	return &MockGateway{provider: provider, baseURL: "https://example.com/pay"}
}

func (g *MockGateway) CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	if req.Amount.IsNegative() {
		return nil, fmt.Errorf("negative checkout amount %s", req.Amount)
	}
	id := strings.ReplaceAll(uuid.New().String(), "-", "")[:14]
	orderID := "order_" + id
	return &Checkout{
		CustomerID:     "cust_" + req.TenantID,
		SubscriptionID: "sub_" + id,
		OrderID:        orderID,
		PaymentURL:     g.baseURL + "?provider=" + g.provider + "&order_id=" + orderID,
	}, nil
}

func (g *MockGateway) CancelSubscription(ctx context.Context, providerSubscriptionID string, atPeriodEnd bool) error {
	if providerSubscriptionID == "" {
		return fmt.Errorf("missing provider subscription id")
	}
	return nil
}
