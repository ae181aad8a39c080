package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/workloom/backend/internal/domain"
	"github.com/workloom/backend/internal/service"
)

// InvoiceHandler exposes the time-to-invoice flow and the invoice ledger.
type InvoiceHandler struct {
	svc *service.InvoiceService
}

// NewInvoiceHandler creates a new InvoiceHandler.
func NewInvoiceHandler(svc *service.InvoiceService) *InvoiceHandler {
	return &InvoiceHandler{svc: svc}
}

// Unbilled handles POST /api/invoices/unbilled.
func (h *InvoiceHandler) Unbilled(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFrom(r)
	if !ok {
		unauthorized(w)
		return
	}
	var q domain.UnbilledQuery
	if err := DecodeJSON(r, &q); err != nil {
		Error(w, err)
		return
	}
	q.TenantID = tenantID

	entries, err := h.svc.SelectUnbilled(r.Context(), q)
	if err != nil {
		Error(w, err)
		return
	}
	if entries == nil {
		entries = []domain.TimeEntry{}
	}
	JSON(w, http.StatusOK, entries)
}

// Preview handles POST /api/invoices/preview.
func (h *InvoiceHandler) Preview(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFrom(r)
	if !ok {
		unauthorized(w)
		return
	}
	var req domain.CommitInvoiceRequest
	if err := DecodeJSON(r, &req); err != nil {
		Error(w, err)
		return
	}

	inv, err := h.svc.Preview(r.Context(), tenantID, &req)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, inv)
}

// Commit handles POST /api/invoices.
func (h *InvoiceHandler) Commit(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFrom(r)
	if !ok {
		unauthorized(w)
		return
	}
	var req domain.CommitInvoiceRequest
	if err := DecodeJSON(r, &req); err != nil {
		Error(w, err)
		return
	}

	result, err := h.svc.CommitInvoice(r.Context(), tenantID, &req)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusCreated, result)
}

// CreateManual handles POST /api/invoices/manual.
func (h *InvoiceHandler) CreateManual(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFrom(r)
	if !ok {
		unauthorized(w)
		return
	}
	var req domain.ManualInvoiceRequest
	if err := DecodeJSON(r, &req); err != nil {
		Error(w, err)
		return
	}

	inv, err := h.svc.CreateManual(r.Context(), tenantID, &req)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusCreated, inv)
}

// List handles GET /api/invoices.
func (h *InvoiceHandler) List(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFrom(r)
	if !ok {
		unauthorized(w)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	invoices, err := h.svc.List(r.Context(), tenantID, limit)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, invoices)
}

// Get handles GET /api/invoices/{number}.
func (h *InvoiceHandler) Get(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFrom(r)
	if !ok {
		unauthorized(w)
		return
	}

	inv, err := h.svc.Get(r.Context(), tenantID, chi.URLParam(r, "number"))
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, inv)
}

// ReplaceItems handles PUT /api/invoices/{number}/items.
func (h *InvoiceHandler) ReplaceItems(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFrom(r)
	if !ok {
		unauthorized(w)
		return
	}
	var req domain.ReplaceItemsRequest
	if err := DecodeJSON(r, &req); err != nil {
		Error(w, err)
		return
	}

	inv, err := h.svc.ReplaceItems(r.Context(), tenantID, chi.URLParam(r, "number"), &req)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, inv)
}

// ChangeStatus handles POST /api/invoices/{number}/status.
func (h *InvoiceHandler) ChangeStatus(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFrom(r)
	if !ok {
		unauthorized(w)
		return
	}
	var req domain.InvoiceStatusRequest
	if err := DecodeJSON(r, &req); err != nil {
		Error(w, err)
		return
	}

	inv, err := h.svc.ChangeStatus(r.Context(), tenantID, chi.URLParam(r, "number"), &req)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, inv)
}
