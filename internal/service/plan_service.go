package service

import (
	"context"
	"errors"
	"fmt"

	"subscription-service/internal/models"
	"subscription-service/internal/pricing"
	"subscription-service/internal/store"
	"subscription-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PlanService covers the admin price entry of plans
type PlanService struct {
	store  PlanStore
	logger *zap.Logger
}

// NewPlanService creates a new plan service
func NewPlanService(store PlanStore) *PlanService {
	return &PlanService{store: store, logger: util.GetLogger()}
}

// UpdatePrice parses operator input and sets the price of one duration in one currency.
// A missing duration is added.
func (s *PlanService) UpdatePrice(ctx context.Context, planID int64, days int, currency models.Currency, input string) (*models.Plan, error) {
	ctx, span := util.StartSpan(ctx, "PlanService.UpdatePrice")
	defer span.End()

	if days == 0 || days < models.UnlimitedDuration {
		return nil, fmt.Errorf("%w: duration %d", pricing.ErrInvalidPrice, days)
	}

	price, err := pricing.ParsePrice(input, currency)
	if err != nil {
		return nil, err
	}

	plan, err := s.store.GetPlan(ctx, planID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: plan %d not found", ErrPlanUnavailable, planID)
	}
	if err != nil {
		return nil, err
	}

	duration, ok := plan.Durations.Find(days)
	if !ok {
		plan.Durations = append(plan.Durations, models.PlanDuration{Days: days})
		duration = &plan.Durations[len(plan.Durations)-1]
	}
	if duration.Prices == nil {
		duration.Prices = make(map[models.Currency]decimal.Decimal)
	}
	duration.Prices[currency] = price

	if err := s.store.UpdatePlanDurations(ctx, planID, plan.Durations); err != nil {
		return nil, fmt.Errorf("failed to update plan %d: %w", planID, err)
	}

	s.logger.Info("Plan price updated",
		zap.Int64("plan_id", planID),
		zap.Int("days", days),
		zap.String("currency", string(currency)),
		zap.String("price", price.String()))
	return plan, nil
}
