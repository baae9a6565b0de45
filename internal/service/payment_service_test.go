package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"subscription-service/internal/gateway"
	"subscription-service/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type paymentFixture struct {
	*orchestratorFixture
	cache    *memCache
	gateway  *fakeGateway
	gateways *GatewayService
	payments *PaymentService
}

func newPaymentFixture() *paymentFixture {
	f := &paymentFixture{orchestratorFixture: newOrchestratorFixture(), cache: newMemCache()}
	payURL := "https://pay.example/checkout"
	f.gateway = &fakeGateway{kind: models.GatewayTypeYookassa, payURL: &payURL}
	registry := &fakeRegistry{gateways: map[models.GatewayType]*fakeGateway{models.GatewayTypeYookassa: f.gateway}}

	f.store.gateways[models.GatewayTypeYookassa] = models.PaymentGateway{
		Type:     models.GatewayTypeYookassa,
		IsActive: true,
		Currency: models.CurrencyRUB,
	}
	f.store.plans[7] = models.Plan{
		ID:       7,
		Name:     "Standard",
		Type:     models.PlanTypeTraffic,
		IsActive: true,
		Durations: models.PlanDurations{
			{Days: 30, Prices: map[models.Currency]decimal.Decimal{
				models.CurrencyRUB: decimal.RequireFromString("199.00"),
				models.CurrencyXTR: decimal.NewFromInt(100),
			}},
		},
	}
	f.store.addUser(models.User{TelegramID: buyer})

	f.gateways = NewGatewayService(f.store, f.cache, registry, time.Minute)
	f.payments = NewPaymentService(f.ledger, f.gateways, f.orch, f.store, f.store, f.store)
	return f
}

func (f *paymentFixture) request(purchase models.PurchaseType) CreatePaymentRequest {
	return CreatePaymentRequest{
		UserID:       buyer,
		PlanID:       7,
		DurationDays: 30,
		Gateway:      models.GatewayTypeYookassa,
		PurchaseType: purchase,
	}
}

func TestCreatePaymentIssuesInvoice(t *testing.T) {
	f := newPaymentFixture()
	f.store.addUser(models.User{TelegramID: buyer, PersonalDiscount: 10, PurchaseDiscount: 25})

	res, err := f.payments.CreatePayment(context.Background(), f.request(models.PurchaseTypeNew))
	require.NoError(t, err)

	assert.Equal(t, models.TransactionStatusPending, res.Status)
	require.NotNil(t, res.PayURL)
	assert.Equal(t, "https://pay.example/checkout", *res.PayURL)
	assert.Equal(t, 25, res.Pricing.DiscountPercent)
	assert.True(t, decimal.RequireFromString("149.25").Equal(res.Pricing.FinalAmount), res.Pricing.FinalAmount.String())

	require.Equal(t, 1, f.gateway.invoiceCount())
	inv := f.gateway.invoices[0]
	assert.Equal(t, res.PaymentID, inv.PaymentID)
	assert.NotEqual(t, uuid.Nil, inv.IdempotencyKey)
	assert.NotEqual(t, inv.PaymentID, inv.IdempotencyKey)
	assert.Equal(t, buyer, inv.RecipientID)

	tx := f.store.tx(res.PaymentID)
	assert.Equal(t, "ext-"+res.PaymentID.String()[:8], tx.ExternalRef)
	assert.Equal(t, 30, tx.Plan.DurationDays)
	assert.Equal(t, "Standard", tx.Plan.Name)
}

func TestCreatePaymentFreePathSkipsProvider(t *testing.T) {
	f := newPaymentFixture()
	f.store.addUser(models.User{TelegramID: buyer, PersonalDiscount: 100})

	res, err := f.payments.CreatePayment(context.Background(), f.request(models.PurchaseTypeNew))
	require.NoError(t, err)

	assert.Equal(t, 0, f.gateway.invoiceCount(), "nothing owed, no invoice")
	assert.Nil(t, res.PayURL)
	assert.Equal(t, models.TransactionStatusCompleted, res.Status)
	assert.True(t, res.Pricing.FinalAmount.IsZero())
	assert.Equal(t, models.TransactionStatusCompleted, f.store.tx(res.PaymentID).Status)
	assert.NotNil(t, f.store.user(buyer).CurrentSubscriptionID)
	assert.Equal(t, 1, f.panel.creates)
}

func TestCreatePaymentInvoiceFailureCancels(t *testing.T) {
	f := newPaymentFixture()
	f.gateway.invoiceErr = &gateway.Error{Gateway: models.GatewayTypeYookassa, Op: "create invoice", Err: errors.New("503")}

	_, err := f.payments.CreatePayment(context.Background(), f.request(models.PurchaseTypeNew))

	var gerr *gateway.Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, models.GatewayTypeYookassa, gerr.Gateway)

	txs, err := f.store.GetTransactionsByUser(context.Background(), buyer)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, models.TransactionStatusCanceled, txs[0].Status)
}

func TestCreatePaymentRejections(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(f *paymentFixture, req *CreatePaymentRequest)
		want    error
	}{
		{
			name:    "unknown user",
			prepare: func(_ *paymentFixture, req *CreatePaymentRequest) { req.UserID = 5 },
			want:    ErrUserNotFound,
		},
		{
			name: "gateway disabled",
			prepare: func(f *paymentFixture, _ *CreatePaymentRequest) {
				gw := f.store.gateways[models.GatewayTypeYookassa]
				gw.IsActive = false
				f.store.gateways[models.GatewayTypeYookassa] = gw
			},
			want: ErrNoActiveGateways,
		},
		{
			name:    "gateway never configured",
			prepare: func(_ *paymentFixture, req *CreatePaymentRequest) { req.Gateway = models.GatewayTypeCryptomus },
			want:    ErrNoActiveGateways,
		},
		{
			name:    "missing duration",
			prepare: func(_ *paymentFixture, req *CreatePaymentRequest) { req.DurationDays = 90 },
			want:    ErrPlanUnavailable,
		},
		{
			name: "no price in gateway currency",
			prepare: func(f *paymentFixture, _ *CreatePaymentRequest) {
				gw := f.store.gateways[models.GatewayTypeYookassa]
				gw.Currency = models.CurrencyUSD
				f.store.gateways[models.GatewayTypeYookassa] = gw
			},
			want: ErrPlanUnavailable,
		},
		{
			name: "inactive plan",
			prepare: func(f *paymentFixture, _ *CreatePaymentRequest) {
				p := f.store.plans[7]
				p.IsActive = false
				f.store.plans[7] = p
			},
			want: ErrPlanUnavailable,
		},
		{
			name:    "renew without subscription",
			prepare: func(_ *paymentFixture, req *CreatePaymentRequest) { req.PurchaseType = models.PurchaseTypeRenew },
			want:    ErrNoSubscriptionToRenew,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPaymentFixture()
			req := f.request(models.PurchaseTypeNew)
			tt.prepare(f, &req)

			_, err := f.payments.CreatePayment(context.Background(), req)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, 0, f.gateway.invoiceCount())
		})
	}
}

func TestCreateTestPaymentOnDisabledGateway(t *testing.T) {
	f := newPaymentFixture()
	gw := f.store.gateways[models.GatewayTypeYookassa]
	gw.IsActive = false
	f.store.gateways[models.GatewayTypeYookassa] = gw

	res, err := f.payments.CreateTestPayment(context.Background(), buyer, models.GatewayTypeYookassa)
	require.NoError(t, err)

	tx := f.store.tx(res.PaymentID)
	assert.True(t, tx.IsTest)
	assert.True(t, decimal.NewFromInt(1).Equal(tx.Pricing.FinalAmount))
	assert.Equal(t, 1, f.gateway.invoiceCount())
}

func TestGatewayServiceCachesUntilUpdate(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()

	gw, err := f.gateways.Get(ctx, models.GatewayTypeYookassa)
	require.NoError(t, err)
	require.NotNil(t, gw)
	assert.Contains(t, f.cache.gateways, models.GatewayTypeYookassa)

	// stale store changes stay invisible while cached
	stored := f.store.gateways[models.GatewayTypeYookassa]
	stored.Currency = models.CurrencyEUR
	f.store.gateways[models.GatewayTypeYookassa] = stored
	gw, err = f.gateways.Get(ctx, models.GatewayTypeYookassa)
	require.NoError(t, err)
	assert.Equal(t, models.CurrencyRUB, gw.Currency)

	update := stored
	update.Currency = models.CurrencyUSD
	require.NoError(t, f.gateways.Update(ctx, &update))
	assert.Equal(t, []models.GatewayType{models.GatewayTypeYookassa}, f.cache.invalidated)

	gw, err = f.gateways.Get(ctx, models.GatewayTypeYookassa)
	require.NoError(t, err)
	assert.Equal(t, models.CurrencyUSD, gw.Currency)

	missing, err := f.gateways.Get(ctx, models.GatewayTypeHeleket)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestGatewayServiceRejectsIncompleteActivation(t *testing.T) {
	f := newPaymentFixture()

	err := f.gateways.Update(context.Background(), &models.PaymentGateway{
		Type:     models.GatewayTypeCryptomus,
		IsActive: true,
		Currency: models.CurrencyUSD,
	})
	assert.Error(t, err)
	assert.NotContains(t, f.store.gateways, models.GatewayTypeCryptomus)
}

func TestPlanServiceUpdatePrice(t *testing.T) {
	f := newPaymentFixture()
	plans := NewPlanService(f.store)
	ctx := context.Background()

	plan, err := plans.UpdatePrice(ctx, 7, 30, models.CurrencyRUB, " 149,90 ")
	require.NoError(t, err)
	d, ok := plan.Durations.Find(30)
	require.True(t, ok)
	assert.True(t, decimal.RequireFromString("149.9").Equal(d.Prices[models.CurrencyRUB]))
	assert.True(t, decimal.NewFromInt(100).Equal(d.Prices[models.CurrencyXTR]), "other currencies untouched")

	plan, err = plans.UpdatePrice(ctx, 7, 90, models.CurrencyXTR, "250.7")
	require.NoError(t, err)
	d, ok = plan.Durations.Find(90)
	require.True(t, ok)
	assert.True(t, decimal.NewFromInt(250).Equal(d.Prices[models.CurrencyXTR]))

	stored, err := f.store.GetPlan(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, stored.Durations, 2)

	_, err = plans.UpdatePrice(ctx, 7, 30, models.CurrencyRUB, "abc")
	assert.Error(t, err)
	_, err = plans.UpdatePrice(ctx, 99, 30, models.CurrencyRUB, "10")
	assert.ErrorIs(t, err, ErrPlanUnavailable)
}
