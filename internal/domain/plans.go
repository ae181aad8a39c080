package domain

import "github.com/shopspring/decimal"

// BillingCycle is how often a subscription renews.
type BillingCycle string

const (
	CycleMonthly BillingCycle = "MONTHLY"
	CycleYearly  BillingCycle = "YEARLY"
)

// Valid reports whether c is a known cycle.
func (c BillingCycle) Valid() bool {
	return c == CycleMonthly || c == CycleYearly
}

// Plan is a catalog row. Billing logic reads plans but never mutates them.
type Plan struct {
	Code         string          `json:"code"`
	Name         string          `json:"name"`
	PriceMonthly decimal.Decimal `json:"priceMonthly"`
	PriceYearly  decimal.Decimal `json:"priceYearly"`
	MaxSeats     int             `json:"maxSeats"`    // 0 = unlimited
	MaxProjects  int             `json:"maxProjects"` // 0 = unlimited
	Features     Document        `json:"features,omitempty"`
	Active       bool            `json:"active"`
	SortOrder    int             `json:"sortOrder"`
}

// Price returns the amount charged per cycle.
func (p Plan) Price(cycle BillingCycle) decimal.Decimal {
	if cycle == CycleYearly {
		return p.PriceYearly
	}
	return p.PriceMonthly
}

// HasFeature reports whether the plan's feature map enables name.
func (p Plan) HasFeature(name string) bool {
	return p.Features.Bool(name)
}

// DefaultPlans is the catalog seeded into a fresh database.
func DefaultPlans() []Plan {
	return []Plan{
		{
			Code:         "free",
			Name:         "Free",
			PriceMonthly: decimal.Zero,
			PriceYearly:  decimal.Zero,
			MaxSeats:     3,
			MaxProjects:  2,
			Features:     Document{"invoicing": false, "timesheets": true},
			Active:       true,
			SortOrder:    0,
		},
		{
			Code:         "team",
			Name:         "Team",
			PriceMonthly: decimal.RequireFromString("29.00"),
			PriceYearly:  decimal.RequireFromString("290.00"),
			MaxSeats:     15,
			MaxProjects:  50,
			Features:     Document{"invoicing": true, "timesheets": true},
			Active:       true,
			SortOrder:    1,
		},
		{
			Code:         "business",
			Name:         "Business",
			PriceMonthly: decimal.RequireFromString("99.00"),
			PriceYearly:  decimal.RequireFromString("990.00"),
			MaxSeats:     0,
			MaxProjects:  0,
			Features:     Document{"invoicing": true, "timesheets": true, "sso": true, "audit_export": true},
			Active:       true,
			SortOrder:    2,
		},
	}
}
