package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"subscription-service/internal/gateway"
	"subscription-service/internal/models"
	"subscription-service/internal/service"

	"github.com/gin-gonic/gin"
)

// createPayment handles checkout
func (h *Handler) createPayment(c *gin.Context) {
	var req service.CreatePaymentRequest
	if !h.bind(c, &req) {
		return
	}
	req.Gateway = models.GatewayType(strings.ToUpper(string(req.Gateway)))

	res, err := h.deps.Payments.CreatePayment(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, res)
}

type trialRequest struct {
	UserID int64 `json:"user_id" validate:"required"`
}

func (h *Handler) issueTrial(c *gin.Context) {
	var req trialRequest
	if !h.bind(c, &req) {
		return
	}

	sub, err := h.deps.Subscription.IssueTrial(c.Request.Context(), req.UserID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, sub)
}

func (h *Handler) listTransactions(c *gin.Context) {
	userID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	txs, err := h.deps.Transactions.GetByUser(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if txs == nil {
		txs = []models.Transaction{}
	}

	c.JSON(http.StatusOK, gin.H{"transactions": txs})
}

type testPaymentRequest struct {
	UserID  int64              `json:"user_id" validate:"required"`
	Gateway models.GatewayType `json:"gateway" validate:"required"`
}

func (h *Handler) createTestPayment(c *gin.Context) {
	var req testPaymentRequest
	if !h.bind(c, &req) {
		return
	}

	gw := models.GatewayType(strings.ToUpper(string(req.Gateway)))
	res, err := h.deps.Payments.CreateTestPayment(c.Request.Context(), req.UserID, gw)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, res)
}

// replayTransaction queues a fulfillment replay; the transaction must be FAILED
func (h *Handler) replayTransaction(c *gin.Context) {
	paymentID, ok := parseUUIDParam(c, "paymentId")
	if !ok {
		return
	}

	t, err := h.deps.Transactions.Get(c.Request.Context(), paymentID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if t.Status != models.TransactionStatusFailed {
		c.JSON(http.StatusConflict, gin.H{"error": "not_replayable", "status": t.Status})
		return
	}

	handle, err := h.deps.Tasks.Enqueue(c.Request.Context(), models.TaskPaymentReplay, models.PaymentReplayTask{
		PaymentID:   paymentID,
		RequestedBy: c.ClientIP(),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"task_id": handle.ID})
}

type priceRequest struct {
	Days     int             `json:"days" validate:"required"`
	Currency models.Currency `json:"currency" validate:"required,oneof=XTR RUB USD EUR"`
	Price    string          `json:"price" validate:"required"`
}

func (h *Handler) updatePlanPrice(c *gin.Context) {
	planID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	var req priceRequest
	if !h.bind(c, &req) {
		return
	}

	plan, err := h.deps.Plans.UpdatePrice(c.Request.Context(), planID, req.Days, req.Currency, req.Price)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, plan)
}

func (h *Handler) listGateways(c *gin.Context) {
	gws, err := h.deps.Gateways.List(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	// settings carry provider secrets
	for i := range gws {
		gws[i].Settings = nil
	}
	c.JSON(http.StatusOK, gin.H{"gateways": gws})
}

type gatewayRequest struct {
	IsActive bool            `json:"is_active"`
	Currency models.Currency `json:"currency" validate:"required,oneof=XTR RUB USD EUR"`
	Settings json.RawMessage `json:"settings"`
}

func (h *Handler) updateGateway(c *gin.Context) {
	t, ok := gateway.ParseKey(c.Param("type"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_gateway"})
		return
	}
	var req gatewayRequest
	if !h.bind(c, &req) {
		return
	}

	gw := &models.PaymentGateway{
		Type:     t,
		IsActive: req.IsActive,
		Currency: req.Currency,
		Settings: req.Settings,
	}

	if err := h.deps.Gateways.Update(c.Request.Context(), gw); err != nil {
		h.writeError(c, err)
		return
	}

	gw.Settings = nil
	c.JSON(http.StatusOK, gw)
}
