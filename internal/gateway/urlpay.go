package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"subscription-service/internal/models"

	"github.com/google/uuid"
)

const urlpaySignatureHeader = "X-Signature"

type urlpaySettings struct {
	APIURL    *string `json:"api_url" validate:"required"`
	ShopID    *string `json:"shop_id" validate:"required"`
	APIKey    *string `json:"api_key" validate:"required"`
	SecretKey *string `json:"secret_key" validate:"required"`
}

// urlpay is a generic hosted-checkout provider signing callbacks with HMAC-SHA256
type urlpay struct {
	settings    urlpaySettings
	callbackURL string
	returnURL   string
	client      *http.Client
}

func newURLPay(cfg models.PaymentGateway, deps Deps) (Gateway, error) {
	var s urlpaySettings
	if err := decodeSettings(cfg, &s); err != nil {
		return nil, err
	}
	return &urlpay{
		settings:    s,
		callbackURL: deps.webhookURL(models.GatewayTypeURLPay),
		returnURL:   deps.ReturnURL,
		client:      deps.httpClient(),
	}, nil
}

func (g *urlpay) Type() models.GatewayType {
	return models.GatewayTypeURLPay
}

type urlpayInvoiceRequest struct {
	ShopID      string `json:"shop_id"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	OrderID     string `json:"order_id"`
	Description string `json:"description"`
	CallbackURL string `json:"callback_url"`
	ReturnURL   string `json:"return_url,omitempty"`
}

type urlpayInvoiceResponse struct {
	ID     string `json:"id"`
	PayURL string `json:"pay_url"`
}

func (g *urlpay) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	raw, err := json.Marshal(urlpayInvoiceRequest{
		ShopID:      *g.settings.ShopID,
		Amount:      req.Amount.StringFixed(2),
		Currency:    string(req.Currency),
		OrderID:     req.PaymentID.String(),
		Description: req.Description,
		CallbackURL: g.callbackURL,
		ReturnURL:   g.returnURL,
	})
	if err != nil {
		return nil, newError(g.Type(), "encode invoice", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+*g.settings.APIKey)
	header.Set("Idempotency-Key", req.IdempotencyKey.String())

	endpoint := strings.TrimRight(*g.settings.APIURL, "/") + "/api/v1/invoices"
	var resp urlpayInvoiceResponse
	if err := doJSON(ctx, g.client, endpoint, header, raw, &resp); err != nil {
		return nil, newError(g.Type(), "create invoice", err)
	}
	if resp.PayURL == "" {
		return nil, newError(g.Type(), "create invoice", fmt.Errorf("empty pay_url for payment %s", req.PaymentID))
	}

	url := resp.PayURL
	return &Invoice{ExternalRef: resp.ID, PayURL: &url}, nil
}

func (g *urlpay) VerifyTrust(req *WebhookRequest) error {
	if !VerifyHMACSHA256(req.Body, req.Header.Get(urlpaySignatureHeader), *g.settings.SecretKey) {
		return fmt.Errorf("%w: bad signature", ErrUntrustedSource)
	}
	return nil
}

type urlpayNotification struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

func (g *urlpay) ParseWebhook(req *WebhookRequest) (*Notification, error) {
	var n urlpayNotification
	if err := json.Unmarshal(req.Body, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	var status models.TransactionStatus
	switch strings.ToLower(n.Status) {
	case "paid", "succeeded":
		status = models.TransactionStatusCompleted
	case "canceled", "cancelled", "expired":
		status = models.TransactionStatusCanceled
	default:
		return ignored(), nil
	}

	paymentID, err := uuid.Parse(n.OrderID)
	if err != nil {
		return nil, fmt.Errorf("%w: order_id %q", ErrInvalidPayload, n.OrderID)
	}

	return &Notification{PaymentID: paymentID, Status: status}, nil
}
