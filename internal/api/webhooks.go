package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/netip"

	"subscription-service/internal/gateway"
	"subscription-service/internal/models"
	"subscription-service/internal/panel"
	"subscription-service/internal/service"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const panelSignatureHeader = "X-Remnawave-Signature"

func (h *Handler) readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, h.opts.MaxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_body"})
		return nil, false
	}
	return body, true
}

// paymentWebhook hands the raw request to the ingress; the status code is the ingress outcome
func (h *Handler) paymentWebhook(c *gin.Context) {
	body, ok := h.readBody(c)
	if !ok {
		return
	}

	req := &gateway.WebhookRequest{
		Body:   body,
		Header: c.Request.Header,
	}
	if addr, err := netip.ParseAddr(c.ClientIP()); err == nil {
		req.RemoteIP = addr.Unmap()
	}

	key := c.Param("gateway")
	res := h.deps.Webhooks.Receive(c.Request.Context(), key, req)

	if res.Outcome == service.OutcomeIgnored {
		if t, _ := gateway.ParseKey(key); t == models.GatewayTypeTelegramStars {
			h.answerPreCheckout(c, body)
		}
	}

	c.JSON(res.StatusCode, gin.H{"status": res.Outcome})
}

// answerPreCheckout approves a Stars checkout only while its transaction is still PENDING.
// It runs after the ingress has verified the secret token.
func (h *Handler) answerPreCheckout(c *gin.Context, body []byte) {
	if h.deps.PreCheckout == nil {
		return
	}

	var update tgbotapi.Update
	if err := json.Unmarshal(body, &update); err != nil || update.PreCheckoutQuery == nil {
		return
	}
	q := update.PreCheckoutQuery

	ok, reason := false, "This payment is no longer available"
	if paymentID, err := uuid.Parse(q.InvoicePayload); err == nil {
		t, err := h.deps.Transactions.Get(c.Request.Context(), paymentID)
		ok = err == nil && t.Status == models.TransactionStatusPending
	}

	if err := h.deps.PreCheckout.AnswerPreCheckout(c.Request.Context(), q.ID, ok, reason); err != nil {
		h.logger.Error("Failed to answer pre-checkout query",
			zap.String("query_id", q.ID),
			zap.Error(err))
	}
}

// panelWebhook mirrors panel user events after checking the body signature
func (h *Handler) panelWebhook(c *gin.Context) {
	body, ok := h.readBody(c)
	if !ok {
		return
	}

	sig := c.GetHeader(panelSignatureHeader)
	if h.opts.PanelWebhookSecret == "" || !gateway.VerifyHMACSHA256(body, sig, h.opts.PanelWebhookSecret) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature"})
		return
	}

	ev, err := panel.ParseEvent(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}

	if err := h.deps.Subscription.MirrorPanelEvent(c.Request.Context(), ev); err != nil {
		h.logger.Error("Failed to mirror panel event",
			zap.String("event", ev.Name),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
