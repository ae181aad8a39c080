package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequestsTotal counts webhook deliveries by provider and HTTP status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workloom",
		Subsystem: "billing",
		Name:      "webhook_requests_total",
		Help:      "Total payment webhook requests by provider and HTTP status.",
	}, []string{"provider", "status"})

	// WebhookDuration tracks webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "workloom",
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Payment webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"provider"})

	// LedgerIngestTotal counts ledger ingestion results (accepted/duplicate).
	LedgerIngestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workloom",
		Subsystem: "billing",
		Name:      "ledger_ingest_total",
		Help:      "Billing events offered to the ledger by result.",
	}, []string{"result"})

	// SubscriptionTransitionsTotal counts state machine outcomes by event type.
	SubscriptionTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workloom",
		Subsystem: "billing",
		Name:      "subscription_transitions_total",
		Help:      "Subscription events applied to the state machine by type and outcome.",
	}, []string{"event_type", "outcome"})

	// PendingEventsTotal counts events left pending after a processing attempt.
	PendingEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workloom",
		Subsystem: "billing",
		Name:      "pending_events_total",
		Help:      "Billing events left pending by reason.",
	}, []string{"reason"})

	// InvoicesCommittedTotal counts created invoices by source (time/manual).
	InvoicesCommittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workloom",
		Subsystem: "billing",
		Name:      "invoices_committed_total",
		Help:      "Invoices created by source.",
	}, []string{"source"})

	// ConflictingEntriesTotal counts time entries lost to a concurrent invoice.
	ConflictingEntriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "workloom",
		Subsystem: "billing",
		Name:      "conflicting_entries_total",
		Help:      "Time entries excluded because another invoice claimed them first.",
	})

	// InvoiceNumberRetriesTotal counts invoice number collisions that were retried.
	InvoiceNumberRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "workloom",
		Subsystem: "billing",
		Name:      "invoice_number_retries_total",
		Help:      "Invoice number collisions retried with a fresh number.",
	})
)
