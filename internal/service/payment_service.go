package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"subscription-service/internal/gateway"
	"subscription-service/internal/models"
	"subscription-service/internal/pricing"
	"subscription-service/internal/store"
	"subscription-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CreatePaymentRequest is a checkout request
type CreatePaymentRequest struct {
	UserID       int64               `json:"user_id" validate:"required"`
	PlanID       int64               `json:"plan_id" validate:"required"`
	DurationDays int                 `json:"duration_days" validate:"required"`
	Gateway      models.GatewayType  `json:"gateway" validate:"required"`
	PurchaseType models.PurchaseType `json:"purchase_type" validate:"required,oneof=NEW RENEW CHANGE"`
}

// PaymentResult is returned to the buyer. PayURL is nil for the free path
// and for providers that need no redirect.
type PaymentResult struct {
	PaymentID uuid.UUID                `json:"payment_id"`
	Status    models.TransactionStatus `json:"status"`
	PayURL    *string                  `json:"pay_url,omitempty"`
	Pricing   models.PriceDetails      `json:"pricing"`
}

// PaymentService runs checkout
type PaymentService struct {
	ledger       *TransactionLedger
	gateways     *GatewayService
	orchestrator *SubscriptionOrchestrator
	users        UserStore
	plans        PlanStore
	subs         SubscriptionStore
	logger       *zap.Logger
}

// NewPaymentService creates a new payment service
func NewPaymentService(
	ledger *TransactionLedger,
	gateways *GatewayService,
	orchestrator *SubscriptionOrchestrator,
	users UserStore,
	plans PlanStore,
	subs SubscriptionStore,
) *PaymentService {
	return &PaymentService{
		ledger:       ledger,
		gateways:     gateways,
		orchestrator: orchestrator,
		users:        users,
		plans:        plans,
		subs:         subs,
		logger:       util.GetLogger(),
	}
}

// CreatePayment prices the plan, opens a PENDING transaction and either
// completes it directly when nothing is owed or asks the provider for an invoice
func (ps *PaymentService) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*PaymentResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.CreatePayment")
	defer span.End()

	user, err := ps.users.GetUser(ctx, req.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}

	if req.PurchaseType == models.PurchaseTypeRenew {
		sub, err := ps.subs.GetCurrentSubscription(ctx, req.UserID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && sub.Status == models.SubscriptionStatusDeleted) {
			return nil, ErrNoSubscriptionToRenew
		}
		if err != nil {
			return nil, err
		}
	}

	gw, gwCfg, err := ps.gateways.Active(ctx, req.Gateway)
	if err != nil {
		return nil, err
	}

	plan, basePrice, err := ps.priceOf(ctx, req.PlanID, req.DurationDays, gwCfg.Currency)
	if err != nil {
		return nil, err
	}

	discount := pricing.EffectiveDiscount(user.PersonalDiscount, user.PurchaseDiscount)
	price := pricing.Calculate(basePrice, discount, gwCfg.Currency)

	t, err := ps.ledger.Create(ctx, req.UserID, &models.Transaction{
		PurchaseType: req.PurchaseType,
		GatewayType:  gwCfg.Type,
		Currency:     gwCfg.Currency,
		Pricing:      price,
		Plan:         plan.Snapshot(req.DurationDays),
	})
	if err != nil {
		return nil, err
	}
	util.PaymentsCreatedTotal.WithLabelValues(string(gwCfg.Type), string(req.PurchaseType)).Inc()

	if price.IsFree() {
		return ps.completeFree(ctx, t)
	}

	invoice, err := ps.requestInvoice(ctx, gw, t, req.UserID)
	if err != nil {
		return nil, err
	}

	return &PaymentResult{
		PaymentID: t.PaymentID,
		Status:    t.Status,
		PayURL:    invoice.PayURL,
		Pricing:   t.Pricing,
	}, nil
}

// CreateTestPayment opens a minimal-price transaction that is never provisioned.
// Disabled gateways are allowed so they can be checked before going live.
func (ps *PaymentService) CreateTestPayment(ctx context.Context, userID int64, gatewayType models.GatewayType) (*PaymentResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.CreateTestPayment")
	defer span.End()

	gw, gwCfg, err := ps.gateways.Adapter(ctx, gatewayType)
	if err != nil {
		return nil, err
	}

	t, err := ps.ledger.Create(ctx, userID, &models.Transaction{
		PurchaseType: models.PurchaseTypeNew,
		GatewayType:  gwCfg.Type,
		Currency:     gwCfg.Currency,
		Pricing:      pricing.Calculate(decimal.NewFromInt(1), 0, gwCfg.Currency),
		Plan:         models.PlanSnapshot{Name: "Test payment", DurationDays: 1},
		IsTest:       true,
	})
	if err != nil {
		return nil, err
	}

	invoice, err := ps.requestInvoice(ctx, gw, t, userID)
	if err != nil {
		return nil, err
	}

	return &PaymentResult{
		PaymentID: t.PaymentID,
		Status:    t.Status,
		PayURL:    invoice.PayURL,
		Pricing:   t.Pricing,
	}, nil
}

func (ps *PaymentService) priceOf(ctx context.Context, planID int64, days int, currency models.Currency) (*models.Plan, decimal.Decimal, error) {
	plan, err := ps.plans.GetPlan(ctx, planID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, decimal.Zero, fmt.Errorf("%w: plan %d not found", ErrPlanUnavailable, planID)
	}
	if err != nil {
		return nil, decimal.Zero, err
	}
	if !plan.IsActive {
		return nil, decimal.Zero, fmt.Errorf("%w: plan %d is inactive", ErrPlanUnavailable, planID)
	}

	duration, ok := plan.Durations.Find(days)
	if !ok {
		return nil, decimal.Zero, fmt.Errorf("%w: plan %d has no %d-day duration", ErrPlanUnavailable, planID, days)
	}
	price, ok := duration.Prices[currency]
	if !ok {
		return nil, decimal.Zero, fmt.Errorf("%w: plan %d has no %s price", ErrPlanUnavailable, planID, currency)
	}
	return plan, price, nil
}

// completeFree skips the provider entirely
func (ps *PaymentService) completeFree(ctx context.Context, t *models.Transaction) (*PaymentResult, error) {
	tr, err := ps.ledger.UpdateStatus(ctx, t.PaymentID, models.TransactionStatusCompleted)
	if err != nil {
		return nil, err
	}

	ps.logger.Info("Free purchase completed without invoice",
		zap.String("payment_id", t.PaymentID.String()),
		zap.Int("discount", t.Pricing.DiscountPercent))

	if tr.Applied {
		if err := ps.orchestrator.Fulfill(ctx, tr.Transaction); err != nil {
			return nil, err
		}
	}

	return &PaymentResult{
		PaymentID: t.PaymentID,
		Status:    models.TransactionStatusCompleted,
		Pricing:   t.Pricing,
	}, nil
}

// requestInvoice cancels the transaction when the provider refuses it
func (ps *PaymentService) requestInvoice(ctx context.Context, gw gateway.Gateway, t *models.Transaction, recipientID int64) (*gateway.Invoice, error) {
	start := time.Now()
	invoice, err := gw.CreateInvoice(ctx, gateway.InvoiceRequest{
		PaymentID:      t.PaymentID,
		RecipientID:    recipientID,
		Amount:         t.Pricing.FinalAmount,
		Currency:       t.Currency,
		Description:    t.Plan.Name,
		IdempotencyKey: uuid.New(),
	})
	util.InvoiceLatency.WithLabelValues(string(t.GatewayType)).Observe(time.Since(start).Seconds())

	if err != nil {
		util.GatewayErrorsTotal.WithLabelValues(string(t.GatewayType)).Inc()
		ps.logger.Error("Invoice creation failed",
			zap.String("payment_id", t.PaymentID.String()),
			zap.String("gateway", string(t.GatewayType)),
			zap.Error(err))
		if _, cerr := ps.ledger.UpdateStatus(ctx, t.PaymentID, models.TransactionStatusCanceled); cerr != nil {
			ps.logger.Error("Failed to cancel transaction after invoice error",
				zap.String("payment_id", t.PaymentID.String()),
				zap.Error(cerr))
		}
		return nil, err
	}

	if err := ps.ledger.SetExternalRef(ctx, t.PaymentID, invoice.ExternalRef); err != nil {
		ps.logger.Warn("Failed to store external reference",
			zap.String("payment_id", t.PaymentID.String()),
			zap.Error(err))
	}

	ps.logger.Info("Invoice created",
		zap.String("payment_id", t.PaymentID.String()),
		zap.String("gateway", string(t.GatewayType)),
		zap.String("external_ref", invoice.ExternalRef))
	return invoice, nil
}
