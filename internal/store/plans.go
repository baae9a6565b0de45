package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"subscription-service/internal/models"
)

const planColumns = `id, name, type, traffic_limit_gb, device_limit, internal_squads, external_squad, is_active, durations`

// GetPlan retrieves a plan by id
func (s *Store) GetPlan(ctx context.Context, id int64) (*models.Plan, error) {
	var plan models.Plan
	err := s.db.GetContext(ctx, &plan, "SELECT "+planColumns+" FROM plans WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("plan %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

// UpdatePlanDurations replaces the duration and price list of a plan
func (s *Store) UpdatePlanDurations(ctx context.Context, id int64, durations models.PlanDurations) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE plans SET durations = $1, updated_at = NOW() WHERE id = $2", durations, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("plan %d: %w", id, ErrNotFound)
	}
	return nil
}
