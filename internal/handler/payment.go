package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/workloom/backend/internal/domain"
	"github.com/workloom/backend/internal/metrics"
	"github.com/workloom/backend/internal/service"
)

type PaymentHandler struct {
	subs    *service.SubscriptionService
	webhook *service.WebhookService
	ledger  *service.EventLedger
}

func NewPaymentHandler(subs *service.SubscriptionService, webhook *service.WebhookService, ledger *service.EventLedger) *PaymentHandler {
	return &PaymentHandler{subs: subs, webhook: webhook, ledger: ledger}
}

// CreateCheckout handles POST /api/payment/checkout.
func (h *PaymentHandler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFrom(r)
	if !ok {
		unauthorized(w)
		return
	}

	var req domain.CreateSubscriptionRequest
	if err := DecodeJSON(r, &req); err != nil {
		Error(w, err)
		return
	}

	resp, err := h.subs.Checkout(r.Context(), tenantID, &req)
	if err != nil {
		Error(w, err)
		return
	}

	JSON(w, http.StatusCreated, resp)
}

// GetSubscription handles GET /api/payment/subscription.
func (h *PaymentHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFrom(r)
	if !ok {
		unauthorized(w)
		return
	}

	sub, err := h.subs.Current(r.Context(), tenantID)
	if err != nil {
		Error(w, err)
		return
	}

	if sub == nil {
		JSON(w, http.StatusOK, map[string]interface{}{"status": "none"})
		return
	}

	JSON(w, http.StatusOK, sub)
}

// CancelSubscription handles POST /api/payment/subscription/cancel.
func (h *PaymentHandler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFrom(r)
	if !ok {
		unauthorized(w)
		return
	}

	var req domain.CancelSubscriptionRequest
	if r.ContentLength != 0 {
		if err := DecodeJSON(r, &req); err != nil {
			Error(w, err)
			return
		}
	}

	sub, err := h.subs.Cancel(r.Context(), tenantID, &req)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, sub)
}

// ListEvents handles GET /api/payment/events.
func (h *PaymentHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFrom(r)
	if !ok {
		unauthorized(w)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	events, err := h.ledger.History(r.Context(), tenantID, limit)
	if err != nil {
		Error(w, err)
		return
	}
	if events == nil {
		events = []*domain.BillingEvent{}
	}
	JSON(w, http.StatusOK, events)
}

// Webhook handles POST /api/payment/webhook/{provider}. Verified events that
// cannot be applied yet are acknowledged with 202 and stay pending.
func (h *PaymentHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	start := time.Now()
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(provider, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	}()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
			JSON(w, status, map[string]string{"error": "payload too large"})
			return
		}
		status = http.StatusBadRequest
		JSON(w, status, map[string]string{"error": "failed to read request body"})
		return
	}

	out, err := h.webhook.HandleDelivery(r.Context(), provider, r.Header, body)
	if err != nil {
		status = http.StatusInternalServerError
		if appErr, ok := domain.AsAppError(err); ok {
			status = appErr.Code
		}
		Error(w, err)
		return
	}

	if out.Pending && out.Result == domain.IngestAccepted {
		status = http.StatusAccepted
	}
	JSON(w, status, out)
}
