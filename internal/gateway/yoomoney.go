package gateway

import (
	"context"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"subscription-service/internal/models"

	"github.com/google/uuid"
)

const yoomoneyQuickpayURL = "https://yoomoney.ru/quickpay/confirm"

type yoomoneySettings struct {
	Wallet             *string `json:"wallet" validate:"required"`
	NotificationSecret *string `json:"notification_secret" validate:"required"`
}

// yoomoney uses quickpay forms; notifications are signed with sha1_hash
type yoomoney struct {
	settings  yoomoneySettings
	payURL    string
	returnURL string
}

func newYoomoney(cfg models.PaymentGateway, deps Deps) (Gateway, error) {
	var s yoomoneySettings
	if err := decodeSettings(cfg, &s); err != nil {
		return nil, err
	}
	return &yoomoney{
		settings:  s,
		payURL:    deps.baseURL(models.GatewayTypeYoomoney, yoomoneyQuickpayURL),
		returnURL: deps.ReturnURL,
	}, nil
}

func (g *yoomoney) Type() models.GatewayType {
	return models.GatewayTypeYoomoney
}

// CreateInvoice builds a quickpay link; the label carries the payment id so a
// repeated attempt produces the same charge reference
func (g *yoomoney) CreateInvoice(_ context.Context, req InvoiceRequest) (*Invoice, error) {
	if req.Currency != models.CurrencyRUB {
		return nil, newError(g.Type(), "create invoice", fmt.Errorf("unsupported currency %s", req.Currency))
	}

	q := url.Values{}
	q.Set("receiver", *g.settings.Wallet)
	q.Set("quickpay-form", "button")
	q.Set("paymentType", "AC")
	q.Set("sum", req.Amount.StringFixed(2))
	q.Set("label", req.PaymentID.String())
	q.Set("targets", req.Description)
	if g.returnURL != "" {
		q.Set("successURL", g.returnURL)
	}

	link := g.payURL + "?" + q.Encode()
	return &Invoice{ExternalRef: req.PaymentID.String(), PayURL: &link}, nil
}

func (g *yoomoney) VerifyTrust(req *WebhookRequest) error {
	form, err := url.ParseQuery(string(req.Body))
	if err != nil {
		return fmt.Errorf("%w: unreadable form", ErrUntrustedSource)
	}

	expected := yoomoneyHash(form, *g.settings.NotificationSecret)
	got := strings.ToLower(strings.TrimSpace(form.Get("sha1_hash")))
	if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
		return fmt.Errorf("%w: sha1_hash mismatch", ErrUntrustedSource)
	}
	return nil
}

func (g *yoomoney) ParseWebhook(req *WebhookRequest) (*Notification, error) {
	form, err := url.ParseQuery(string(req.Body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	if form.Get("unaccepted") == "true" || form.Get("codepro") == "true" {
		return ignored(), nil
	}

	label := strings.TrimSpace(form.Get("label"))
	if label == "" {
		return ignored(), nil
	}
	paymentID, err := uuid.Parse(label)
	if err != nil {
		return nil, fmt.Errorf("%w: label %q", ErrInvalidPayload, label)
	}

	return &Notification{PaymentID: paymentID, Status: models.TransactionStatusCompleted}, nil
}

func yoomoneyHash(form url.Values, secret string) string {
	parts := []string{
		form.Get("notification_type"),
		form.Get("operation_id"),
		form.Get("amount"),
		form.Get("currency"),
		form.Get("datetime"),
		form.Get("sender"),
		form.Get("codepro"),
		secret,
		form.Get("label"),
	}
	sum := sha1.Sum([]byte(strings.Join(parts, "&")))
	return hex.EncodeToString(sum[:])
}
