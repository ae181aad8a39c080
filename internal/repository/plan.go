package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/workloom/backend/internal/domain"
)

// PlanRepository reads the plan catalog.
type PlanRepository struct {
	db *pgxpool.Pool
}

// NewPlanRepository creates a new PlanRepository.
func NewPlanRepository(db *pgxpool.Pool) *PlanRepository {
	return &PlanRepository{db: db}
}

// ListPlans returns every catalog row ordered for display.
func (r *PlanRepository) ListPlans(ctx context.Context) ([]domain.Plan, error) {
	query := `
		SELECT code, name, price_monthly, price_yearly, max_seats, max_projects, features, active, sort_order
		FROM plans ORDER BY sort_order, code
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var plans []domain.Plan
	for rows.Next() {
		var p domain.Plan
		var features []byte
		if err := rows.Scan(&p.Code, &p.Name, &p.PriceMonthly, &p.PriceYearly,
			&p.MaxSeats, &p.MaxProjects, &features, &p.Active, &p.SortOrder); err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		if len(features) > 0 {
			if err := json.Unmarshal(features, &p.Features); err != nil {
				return nil, fmt.Errorf("failed to decode features for plan %s: %w", p.Code, err)
			}
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// Seed inserts plans that do not exist yet. Existing rows are left untouched.
func (r *PlanRepository) Seed(ctx context.Context, plans []domain.Plan) error {
	query := `
		INSERT INTO plans (code, name, price_monthly, price_yearly, max_seats, max_projects, features, active, sort_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (code) DO NOTHING
	`
	for _, p := range plans {
		features, err := json.Marshal(p.Features)
		if err != nil {
			return fmt.Errorf("failed to encode features for plan %s: %w", p.Code, err)
		}
		if _, err := r.db.Exec(ctx, query, p.Code, p.Name, p.PriceMonthly, p.PriceYearly,
			p.MaxSeats, p.MaxProjects, features, p.Active, p.SortOrder); err != nil {
			return fmt.Errorf("failed to seed plan %s: %w", p.Code, err)
		}
	}
	return nil
}
