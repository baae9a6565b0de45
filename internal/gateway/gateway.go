// Package gateway adapts payment providers to a single invoice/webhook contract.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strings"

	"subscription-service/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrUntrustedSource = errors.New("untrusted webhook source")
	ErrInvalidPayload  = errors.New("invalid webhook payload")
	ErrNotConfigured   = errors.New("gateway not configured")
	ErrUnknownGateway  = errors.New("unknown gateway")
)

// Error is a provider or transport failure
type Error struct {
	Gateway models.GatewayType
	Op      string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway %s: %s: %v", e.Gateway, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(t models.GatewayType, op string, err error) error {
	return &Error{Gateway: t, Op: op, Err: err}
}

// InvoiceRequest describes one payment attempt
type InvoiceRequest struct {
	PaymentID      uuid.UUID
	RecipientID    int64
	Amount         decimal.Decimal
	Currency       models.Currency
	Description    string
	IdempotencyKey uuid.UUID
}

// Invoice is what the provider returned for a payment attempt.
// PayURL is nil when the flow needs no redirect.
type Invoice struct {
	ExternalRef string
	PayURL      *string
}

// WebhookRequest is an inbound provider notification
type WebhookRequest struct {
	Body     []byte
	Header   http.Header
	RemoteIP netip.Addr
}

// Notification is a normalized provider notification
type Notification struct {
	PaymentID uuid.UUID
	Status    models.TransactionStatus
	Ignored   bool
}

func ignored() *Notification {
	return &Notification{Ignored: true}
}

// Gateway is implemented once per provider
type Gateway interface {
	Type() models.GatewayType
	CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error)
	// VerifyTrust runs before any payload parsing
	VerifyTrust(req *WebhookRequest) error
	ParseWebhook(req *WebhookRequest) (*Notification, error)
}

// Key is the URL path segment of a gateway type
func Key(t models.GatewayType) string {
	return strings.ToLower(string(t))
}

// ParseKey maps a URL path segment back to a gateway type
func ParseKey(key string) (models.GatewayType, bool) {
	t := models.GatewayType(strings.ToUpper(strings.TrimSpace(key)))
	_, ok := factories[t]
	return t, ok
}

// Deps are the shared collaborators every provider may use
type Deps struct {
	HTTPClient     *http.Client
	WebhookBaseURL string
	ReturnURL      string
	StarsSecret    string
	StarsInvoices  StarsInvoiceSender
	// BaseURLs overrides provider API endpoints, keyed by gateway type
	BaseURLs map[models.GatewayType]string
}

func (d Deps) webhookURL(t models.GatewayType) string {
	return strings.TrimRight(d.WebhookBaseURL, "/") + "/webhooks/payments/" + Key(t)
}

func (d Deps) baseURL(t models.GatewayType, def string) string {
	if u, ok := d.BaseURLs[t]; ok && u != "" {
		return strings.TrimRight(u, "/")
	}
	return def
}

func (d Deps) httpClient() *http.Client {
	if d.HTTPClient != nil {
		return d.HTTPClient
	}
	return http.DefaultClient
}

// StarsInvoiceSender posts a native Stars invoice into a chat
type StarsInvoiceSender interface {
	SendStarsInvoice(ctx context.Context, recipientID int64, title, description, payload string, amount int64) error
}

type factory func(cfg models.PaymentGateway, deps Deps) (Gateway, error)

var factories = map[models.GatewayType]factory{
	models.GatewayTypeTelegramStars: newTelegramStars,
	models.GatewayTypeYookassa:      newYookassa,
	models.GatewayTypeYoomoney:      newYoomoney,
	models.GatewayTypeCryptomus:     newCryptomus,
	models.GatewayTypeHeleket:       newHeleket,
	models.GatewayTypeURLPay:        newURLPay,
}

// Registry builds provider adapters from persisted gateway rows
type Registry struct {
	deps Deps
}

// NewRegistry creates a registry sharing deps across providers
func NewRegistry(deps Deps) *Registry {
	return &Registry{deps: deps}
}

// Build returns the adapter for a gateway row; incomplete settings yield ErrNotConfigured
func (r *Registry) Build(cfg models.PaymentGateway) (Gateway, error) {
	f, ok := factories[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGateway, cfg.Type)
	}
	return f(cfg, r.deps)
}

// Types lists every supported gateway type
func Types() []models.GatewayType {
	return []models.GatewayType{
		models.GatewayTypeTelegramStars,
		models.GatewayTypeYookassa,
		models.GatewayTypeYoomoney,
		models.GatewayTypeCryptomus,
		models.GatewayTypeHeleket,
		models.GatewayTypeURLPay,
	}
}

var validate = validator.New()

// decodeSettings fills dst from the row and requires every `validate:"required"` field
func decodeSettings(cfg models.PaymentGateway, dst interface{}) error {
	if len(cfg.Settings) > 0 {
		if err := json.Unmarshal(cfg.Settings, dst); err != nil {
			return fmt.Errorf("%w: %s settings: %v", ErrNotConfigured, cfg.Type, err)
		}
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %s settings: %v", ErrNotConfigured, cfg.Type, err)
	}
	return nil
}
