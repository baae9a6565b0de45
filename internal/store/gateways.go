package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"subscription-service/internal/models"
)

const gatewayColumns = `type, is_active, currency, settings, updated_at`

// GetGateway retrieves the configuration row of a provider
func (s *Store) GetGateway(ctx context.Context, t models.GatewayType) (*models.PaymentGateway, error) {
	var gw models.PaymentGateway
	err := s.db.GetContext(ctx, &gw, "SELECT "+gatewayColumns+" FROM payment_gateways WHERE type = $1", t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("gateway %s: %w", t, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &gw, nil
}

// ListGateways returns every configured provider
func (s *Store) ListGateways(ctx context.Context) ([]models.PaymentGateway, error) {
	var gateways []models.PaymentGateway
	err := s.db.SelectContext(ctx, &gateways, "SELECT "+gatewayColumns+" FROM payment_gateways ORDER BY type")
	return gateways, err
}

// UpsertGateway stores the configuration row of a provider
func (s *Store) UpsertGateway(ctx context.Context, gw *models.PaymentGateway) error {
	query := `
		INSERT INTO payment_gateways (type, is_active, currency, settings)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (type) DO UPDATE
		SET is_active = EXCLUDED.is_active, currency = EXCLUDED.currency,
			settings = EXCLUDED.settings, updated_at = NOW()
		RETURNING updated_at`

	return s.db.GetContext(ctx, &gw.UpdatedAt, query, gw.Type, gw.IsActive, gw.Currency, []byte(gw.Settings))
}
