package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"subscription-service/internal/models"

	"github.com/google/uuid"
)

const yookassaAPI = "https://api.yookassa.ru/v3"

// yookassaNetworks are the published notification sources; payloads are unsigned
var yookassaNetworks = MustAllowList(
	"185.71.76.0/27",
	"185.71.77.0/27",
	"77.75.153.0/25",
	"77.75.156.11",
	"77.75.156.35",
	"77.75.154.128/25",
	"2a02:5180::/32",
)

type yookassaSettings struct {
	ShopID    *string `json:"shop_id" validate:"required"`
	SecretKey *string `json:"secret_key" validate:"required"`
}

type yookassa struct {
	settings  yookassaSettings
	baseURL   string
	returnURL string
	client    *http.Client
	trusted   AllowList
}

func newYookassa(cfg models.PaymentGateway, deps Deps) (Gateway, error) {
	var s yookassaSettings
	if err := decodeSettings(cfg, &s); err != nil {
		return nil, err
	}
	return &yookassa{
		settings:  s,
		baseURL:   deps.baseURL(models.GatewayTypeYookassa, yookassaAPI),
		returnURL: deps.ReturnURL,
		client:    deps.httpClient(),
		trusted:   yookassaNetworks,
	}, nil
}

func (g *yookassa) Type() models.GatewayType {
	return models.GatewayTypeYookassa
}

type yookassaAmount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type yookassaPaymentRequest struct {
	Amount       yookassaAmount `json:"amount"`
	Capture      bool           `json:"capture"`
	Description  string         `json:"description"`
	Confirmation struct {
		Type      string `json:"type"`
		ReturnURL string `json:"return_url"`
	} `json:"confirmation"`
	Metadata map[string]string `json:"metadata"`
}

type yookassaPaymentResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Confirmation struct {
		ConfirmationURL string `json:"confirmation_url"`
	} `json:"confirmation"`
}

func (g *yookassa) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	body := yookassaPaymentRequest{
		Amount:      yookassaAmount{Value: req.Amount.StringFixed(2), Currency: string(req.Currency)},
		Capture:     true,
		Description: req.Description,
		Metadata:    map[string]string{"payment_id": req.PaymentID.String()},
	}
	body.Confirmation.Type = "redirect"
	body.Confirmation.ReturnURL = g.returnURL

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, newError(g.Type(), "encode invoice", err)
	}

	header := http.Header{}
	header.Set("Idempotence-Key", req.IdempotencyKey.String())
	header.Set("Authorization", basicAuth(*g.settings.ShopID, *g.settings.SecretKey))

	var resp yookassaPaymentResponse
	if err := doJSON(ctx, g.client, g.baseURL+"/payments", header, raw, &resp); err != nil {
		return nil, newError(g.Type(), "create invoice", err)
	}
	if resp.ID == "" || resp.Confirmation.ConfirmationURL == "" {
		return nil, newError(g.Type(), "create invoice", fmt.Errorf("incomplete response for payment %s", req.PaymentID))
	}

	url := resp.Confirmation.ConfirmationURL
	return &Invoice{ExternalRef: resp.ID, PayURL: &url}, nil
}

func (g *yookassa) VerifyTrust(req *WebhookRequest) error {
	return g.trusted.check(req)
}

type yookassaNotification struct {
	Type   string `json:"type"`
	Event  string `json:"event"`
	Object struct {
		ID       string            `json:"id"`
		Status   string            `json:"status"`
		Metadata map[string]string `json:"metadata"`
	} `json:"object"`
}

func (g *yookassa) ParseWebhook(req *WebhookRequest) (*Notification, error) {
	var n yookassaNotification
	if err := json.Unmarshal(req.Body, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	var status models.TransactionStatus
	switch n.Event {
	case "payment.succeeded":
		status = models.TransactionStatusCompleted
	case "payment.canceled":
		status = models.TransactionStatusCanceled
	default:
		return ignored(), nil
	}

	paymentID, err := uuid.Parse(n.Object.Metadata["payment_id"])
	if err != nil {
		return nil, fmt.Errorf("%w: missing payment_id metadata on %s", ErrInvalidPayload, n.Object.ID)
	}

	return &Notification{PaymentID: paymentID, Status: status}, nil
}
