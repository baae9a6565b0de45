package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"subscription-service/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
)

const telegramSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// telegramStars settles in-chat invoices paid in Telegram Stars.
// The invoice is posted into the chat, so no pay URL exists.
type telegramStars struct {
	secret   string
	invoices StarsInvoiceSender
}

func newTelegramStars(_ models.PaymentGateway, deps Deps) (Gateway, error) {
	if deps.StarsSecret == "" {
		return nil, fmt.Errorf("%w: %s webhook secret", ErrNotConfigured, models.GatewayTypeTelegramStars)
	}
	return &telegramStars{secret: deps.StarsSecret, invoices: deps.StarsInvoices}, nil
}

func (g *telegramStars) Type() models.GatewayType {
	return models.GatewayTypeTelegramStars
}

func (g *telegramStars) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	if req.Currency != models.CurrencyXTR {
		return nil, newError(g.Type(), "create invoice", fmt.Errorf("unsupported currency %s", req.Currency))
	}
	if g.invoices != nil {
		err := g.invoices.SendStarsInvoice(ctx, req.RecipientID, req.Description, req.Description,
			req.PaymentID.String(), req.Amount.IntPart())
		if err != nil {
			return nil, newError(g.Type(), "create invoice", err)
		}
	}
	return &Invoice{ExternalRef: req.PaymentID.String()}, nil
}

func (g *telegramStars) VerifyTrust(req *WebhookRequest) error {
	if !secretEqual(req.Header.Get(telegramSecretHeader), g.secret) {
		return fmt.Errorf("%w: bad secret token", ErrUntrustedSource)
	}
	return nil
}

func (g *telegramStars) ParseWebhook(req *WebhookRequest) (*Notification, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(req.Body, &update); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	if update.Message == nil || update.Message.SuccessfulPayment == nil {
		return ignored(), nil
	}

	payload := strings.TrimSpace(update.Message.SuccessfulPayment.InvoicePayload)
	paymentID, err := uuid.Parse(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: invoice payload %q", ErrInvalidPayload, payload)
	}

	return &Notification{PaymentID: paymentID, Status: models.TransactionStatusCompleted}, nil
}
