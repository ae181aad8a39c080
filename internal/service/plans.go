package service

import (
	"context"
	"fmt"

	"github.com/workloom/backend/internal/domain"
)

// PlanCatalog is the read-only plan registry.
type PlanCatalog struct {
	source PlanSource
}

// NewPlanCatalog creates a new PlanCatalog.
func NewPlanCatalog(source PlanSource) *PlanCatalog {
	return &PlanCatalog{source: source}
}

// List returns the active plans in display order.
func (c *PlanCatalog) List(ctx context.Context) ([]domain.Plan, error) {
	plans, err := c.source.ListPlans(ctx)
	if err != nil {
		return nil, domain.ErrInternal("failed to list plans", err)
	}
	active := make([]domain.Plan, 0, len(plans))
	for _, p := range plans {
		if p.Active {
			active = append(active, p)
		}
	}
	return active, nil
}

// Get returns the active plan with the given code.
func (c *PlanCatalog) Get(ctx context.Context, code string) (*domain.Plan, error) {
	plans, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range plans {
		if plans[i].Code == code {
			return &plans[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrPlanNotFound, code)
}
