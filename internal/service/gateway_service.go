package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"subscription-service/internal/gateway"
	"subscription-service/internal/models"
	"subscription-service/internal/store"
	"subscription-service/internal/util"

	"go.uber.org/zap"
)

// GatewayService reads gateway settings through the cache and builds adapters
type GatewayService struct {
	store    GatewayStore
	cache    GatewayCache
	registry GatewayBuilder
	ttl      time.Duration
	logger   *zap.Logger
}

// NewGatewayService creates a new gateway service
func NewGatewayService(store GatewayStore, cache GatewayCache, registry GatewayBuilder, ttl time.Duration) *GatewayService {
	return &GatewayService{
		store:    store,
		cache:    cache,
		registry: registry,
		ttl:      ttl,
		logger:   util.GetLogger(),
	}
}

// Get returns the settings of a gateway, nil when it was never configured
func (s *GatewayService) Get(ctx context.Context, t models.GatewayType) (*models.PaymentGateway, error) {
	ctx, span := util.StartSpan(ctx, "GatewayService.Get")
	defer span.End()

	cached, err := s.cache.GetGateway(ctx, t)
	if err != nil {
		s.logger.Warn("Gateway cache read failed", zap.String("gateway", string(t)), zap.Error(err))
	}
	if cached != nil {
		return cached, nil
	}

	gw, err := s.store.GetGateway(ctx, t)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load gateway %s: %w", t, err)
	}

	if err := s.cache.SetGateway(ctx, gw, s.ttl); err != nil {
		s.logger.Warn("Gateway cache write failed", zap.String("gateway", string(t)), zap.Error(err))
	}
	return gw, nil
}

// List returns every stored gateway
func (s *GatewayService) List(ctx context.Context) ([]models.PaymentGateway, error) {
	return s.store.ListGateways(ctx)
}

// Update stores new settings and drops the cached copy before returning
func (s *GatewayService) Update(ctx context.Context, gw *models.PaymentGateway) error {
	ctx, span := util.StartSpan(ctx, "GatewayService.Update")
	defer span.End()

	if gw.IsActive {
		if _, err := s.registry.Build(*gw); err != nil {
			return err
		}
	}
	if err := s.store.UpsertGateway(ctx, gw); err != nil {
		return fmt.Errorf("failed to store gateway %s: %w", gw.Type, err)
	}
	if err := s.cache.InvalidateGateway(ctx, gw.Type); err != nil {
		return fmt.Errorf("failed to invalidate gateway %s: %w", gw.Type, err)
	}

	s.logger.Info("Gateway updated",
		zap.String("gateway", string(gw.Type)),
		zap.Bool("active", gw.IsActive))
	return nil
}

// Adapter builds the provider adapter of a configured gateway, active or not
func (s *GatewayService) Adapter(ctx context.Context, t models.GatewayType) (gateway.Gateway, *models.PaymentGateway, error) {
	cfg, err := s.Get(ctx, t)
	if err != nil {
		return nil, nil, err
	}
	if cfg == nil {
		return nil, nil, fmt.Errorf("%w: %s is not configured", ErrNoActiveGateways, t)
	}
	gw, err := s.registry.Build(*cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrNoActiveGateways, t, err)
	}
	return gw, cfg, nil
}

// Active builds the adapter of an active, fully configured gateway
func (s *GatewayService) Active(ctx context.Context, t models.GatewayType) (gateway.Gateway, *models.PaymentGateway, error) {
	gw, cfg, err := s.Adapter(ctx, t)
	if err != nil {
		return nil, nil, err
	}
	if !cfg.IsActive {
		return nil, nil, fmt.Errorf("%w: %s is disabled", ErrNoActiveGateways, t)
	}
	return gw, cfg, nil
}
