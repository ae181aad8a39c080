package handler

import (
	"net/http"

	"github.com/workloom/backend/internal/service"
)

// PlansHandler handles plan-related endpoints.
type PlansHandler struct {
	catalog *service.PlanCatalog
}

// NewPlansHandler creates a new PlansHandler.
func NewPlansHandler(catalog *service.PlanCatalog) *PlansHandler {
	return &PlansHandler{catalog: catalog}
}

// List handles GET /api/plans.
func (h *PlansHandler) List(w http.ResponseWriter, r *http.Request) {
	plans, err := h.catalog.List(r.Context())
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, plans)
}
