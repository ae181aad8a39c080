package domain

import "time"

// BillingEvent is an append-only ledger row for an inbound provider event.
// ProviderEventID is the idempotency key; a nil ProcessedAt marks the event
// as pending. TenantHint is whatever the payload claims and is never trusted;
// TenantID is only set once the event resolves to a subscription.
type BillingEvent struct {
	ID              string     `json:"id"`
	Provider        string     `json:"provider"`
	ProviderEventID string     `json:"providerEventId"`
	EventType       string     `json:"eventType"`
	TenantID        *string    `json:"tenantId,omitempty"`
	TenantHint      string     `json:"tenantHint,omitempty"`
	SubscriptionID  *string    `json:"subscriptionId,omitempty"`
	ReceivedAt      time.Time  `json:"receivedAt"`
	ProcessedAt     *time.Time `json:"processedAt,omitempty"`
	LastError       string     `json:"lastError,omitempty"`
	Payload         Document   `json:"payload"`
}

// Pending reports whether the event still needs to be applied.
func (e *BillingEvent) Pending() bool {
	return e.ProcessedAt == nil
}

// IngestResult is the ledger's answer to an ingestion attempt.
type IngestResult string

const (
	IngestAccepted  IngestResult = "accepted"
	IngestDuplicate IngestResult = "duplicate"
)

// EventResolution records which tenant and subscription an event was applied to.
type EventResolution struct {
	TenantID       string
	SubscriptionID string
}

// WebhookOutcome is returned to the webhook handler after a delivery.
type WebhookOutcome struct {
	Result          IngestResult `json:"result"`
	ProviderEventID string       `json:"eventId"`
	EventType       string       `json:"eventType"`
	Transition      Outcome      `json:"transition,omitempty"`
	Pending         bool         `json:"pending"`
}
