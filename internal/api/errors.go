package api

import (
	"errors"
	"net/http"

	"subscription-service/internal/broker"
	"subscription-service/internal/gateway"
	"subscription-service/internal/pricing"
	"subscription-service/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type errorMapping struct {
	err    error
	status int
	code   string
}

// errorMappings gives every user-facing cause one stable code
var errorMappings = []errorMapping{
	{service.ErrUserNotFound, http.StatusNotFound, "user_not_found"},
	{service.ErrTransactionNotFound, http.StatusNotFound, "transaction_not_found"},
	{service.ErrBroadcastNotFound, http.StatusNotFound, "broadcast_not_found"},
	{service.ErrNoActiveGateways, http.StatusConflict, "no_active_gateways"},
	{service.ErrPlanUnavailable, http.StatusConflict, "plan_unavailable"},
	{service.ErrNoSubscriptionToRenew, http.StatusConflict, "no_subscription_to_renew"},
	{service.ErrTrialAlreadyUsed, http.StatusConflict, "trial_already_used"},
	{service.ErrTrialNotAvailable, http.StatusConflict, "trial_not_available"},
	{service.ErrStalePayment, http.StatusConflict, "stale_payment"},
	{service.ErrNotReplayable, http.StatusConflict, "not_replayable"},
	{service.ErrBroadcastNotRunning, http.StatusConflict, "broadcast_not_running"},
	{service.ErrBroadcastRunning, http.StatusConflict, "broadcast_running"},
	{service.ErrEmptyAudience, http.StatusUnprocessableEntity, "empty_audience"},
	{service.ErrUnknownPurchaseType, http.StatusBadRequest, "unknown_purchase_type"},
	{pricing.ErrInvalidPrice, http.StatusBadRequest, "invalid_price"},
	{pricing.ErrNegativePrice, http.StatusBadRequest, "negative_price"},
	{gateway.ErrNotConfigured, http.StatusBadRequest, "gateway_not_configured"},
	{broker.ErrTaskFailed, http.StatusBadGateway, "task_failed"},
}

// writeError maps an error to a status and code; unknown errors are 500
func (h *Handler) writeError(c *gin.Context, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			c.JSON(m.status, gin.H{"error": m.code, "details": err.Error()})
			return
		}
	}

	var gerr *gateway.Error
	if errors.As(err, &gerr) {
		c.JSON(http.StatusBadGateway, gin.H{"error": "gateway_error", "gateway": gerr.Gateway})
		return
	}

	var ferr *service.FulfillmentError
	if errors.As(err, &ferr) {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":          "fulfillment_failed",
			"payment_id":     ferr.PaymentID,
			"correlation_id": ferr.CorrelationID,
		})
		return
	}

	h.logger.Error("Unhandled request error",
		zap.String("path", c.FullPath()),
		zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
}
