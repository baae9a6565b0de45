package gateway

import (
	"context"
	"crypto/md5"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"

	"subscription-service/internal/models"

	"github.com/google/uuid"
)

const (
	cryptomusAPI = "https://api.cryptomus.com"
	heleketAPI   = "https://api.heleket.com"
)

var (
	cryptomusNetworks = MustAllowList("91.227.144.54")
	heleketNetworks   = MustAllowList("31.133.220.8")
)

type cryptoSettings struct {
	MerchantID *string `json:"merchant_id" validate:"required"`
	APIKey     *string `json:"api_key" validate:"required"`
}

// cryptoProcessor speaks the merchant API shared by Cryptomus and Heleket:
// requests and notifications are signed with md5(base64(body) + api key)
type cryptoProcessor struct {
	gatewayType models.GatewayType
	settings    cryptoSettings
	baseURL     string
	callbackURL string
	returnURL   string
	client      *http.Client
	trusted     AllowList
}

func newCryptomus(cfg models.PaymentGateway, deps Deps) (Gateway, error) {
	return newCryptoProcessor(cfg, deps, cryptomusAPI, cryptomusNetworks)
}

func newHeleket(cfg models.PaymentGateway, deps Deps) (Gateway, error) {
	return newCryptoProcessor(cfg, deps, heleketAPI, heleketNetworks)
}

func newCryptoProcessor(cfg models.PaymentGateway, deps Deps, defaultURL string, trusted AllowList) (Gateway, error) {
	var s cryptoSettings
	if err := decodeSettings(cfg, &s); err != nil {
		return nil, err
	}
	return &cryptoProcessor{
		gatewayType: cfg.Type,
		settings:    s,
		baseURL:     deps.baseURL(cfg.Type, defaultURL),
		callbackURL: deps.webhookURL(cfg.Type),
		returnURL:   deps.ReturnURL,
		client:      deps.httpClient(),
		trusted:     trusted,
	}, nil
}

func (g *cryptoProcessor) Type() models.GatewayType {
	return g.gatewayType
}

type cryptoInvoiceRequest struct {
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
	OrderID        string `json:"order_id"`
	URLCallback    string `json:"url_callback"`
	URLReturn      string `json:"url_return,omitempty"`
	URLSuccess     string `json:"url_success,omitempty"`
	AdditionalData string `json:"additional_data,omitempty"`
}

type cryptoInvoiceResponse struct {
	State   int    `json:"state"`
	Message string `json:"message"`
	Result  struct {
		UUID    string `json:"uuid"`
		OrderID string `json:"order_id"`
		URL     string `json:"url"`
	} `json:"result"`
}

// CreateInvoice uses the payment id as order_id; the processor rejects a second
// invoice for the same order, which keeps retries from double charging
func (g *cryptoProcessor) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	raw, err := json.Marshal(cryptoInvoiceRequest{
		Amount:         req.Amount.StringFixed(2),
		Currency:       string(req.Currency),
		OrderID:        req.PaymentID.String(),
		URLCallback:    g.callbackURL,
		URLReturn:      g.returnURL,
		URLSuccess:     g.returnURL,
		AdditionalData: req.IdempotencyKey.String(),
	})
	if err != nil {
		return nil, newError(g.Type(), "encode invoice", err)
	}

	header := http.Header{}
	header.Set("merchant", *g.settings.MerchantID)
	header.Set("sign", cryptoSign(raw, *g.settings.APIKey))

	var resp cryptoInvoiceResponse
	if err := doJSON(ctx, g.client, g.baseURL+"/v1/payment", header, raw, &resp); err != nil {
		return nil, newError(g.Type(), "create invoice", err)
	}
	if resp.State != 0 || resp.Result.URL == "" {
		return nil, newError(g.Type(), "create invoice", fmt.Errorf("state=%d message=%s", resp.State, resp.Message))
	}

	url := resp.Result.URL
	return &Invoice{ExternalRef: resp.Result.UUID, PayURL: &url}, nil
}

func (g *cryptoProcessor) VerifyTrust(req *WebhookRequest) error {
	return g.trusted.check(req)
}

type cryptoNotification struct {
	Type    string `json:"type"`
	UUID    string `json:"uuid"`
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Sign    string `json:"sign"`
}

func (g *cryptoProcessor) ParseWebhook(req *WebhookRequest) (*Notification, error) {
	var n cryptoNotification
	if err := json.Unmarshal(req.Body, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	expected := cryptoSign(stripSign(req.Body), *g.settings.APIKey)
	if n.Sign == "" || subtle.ConstantTimeCompare([]byte(n.Sign), []byte(expected)) != 1 {
		return nil, fmt.Errorf("%w: sign mismatch", ErrUntrustedSource)
	}

	var status models.TransactionStatus
	switch n.Status {
	case "paid", "paid_over":
		status = models.TransactionStatusCompleted
	case "cancel", "fail", "system_fail":
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

func cryptoSign(body []byte, apiKey string) string {
	sum := md5.Sum([]byte(base64.StdEncoding.EncodeToString(body) + apiKey))
	return hex.EncodeToString(sum[:])
}

var (
	signTrailing = regexp.MustCompile(`,\s*"sign"\s*:\s*"[^"]*"`)
	signLeading  = regexp.MustCompile(`"sign"\s*:\s*"[^"]*"\s*,?`)
)

// stripSign removes the sign member from the raw body, keeping the sender's
// key order and escaping intact so the digest matches
func stripSign(body []byte) []byte {
	if signTrailing.Match(body) {
		return signTrailing.ReplaceAll(body, nil)
	}
	return signLeading.ReplaceAll(body, nil)
}
