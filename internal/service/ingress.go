package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"subscription-service/internal/gateway"
	"subscription-service/internal/messaging"
	"subscription-service/internal/models"
	"subscription-service/internal/util"

	"go.uber.org/zap"
)

// Webhook outcomes, also used as metric labels
const (
	OutcomeAccepted  = "accepted"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeUnknown   = "unknown_gateway"
	OutcomeUntrusted = "untrusted"
	OutcomeInvalid   = "invalid"
	OutcomeEnqueue   = "enqueue_failed"
)

// IngressResult tells the HTTP layer what to answer the provider
type IngressResult struct {
	StatusCode int
	Outcome    string
}

// WebhookIngress verifies, parses and queues provider notifications.
// It never touches the ledger itself.
type WebhookIngress struct {
	gateways *GatewayService
	tasks    TaskQueue
	dedupe   IdempotencyStore
	notifier OperatorNotifier
	ttl      time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// NewWebhookIngress creates a new ingress
func NewWebhookIngress(gateways *GatewayService, tasks TaskQueue, dedupe IdempotencyStore, notifier OperatorNotifier, dedupeTTL time.Duration) *WebhookIngress {
	return &WebhookIngress{
		gateways: gateways,
		tasks:    tasks,
		dedupe:   dedupe,
		notifier: notifier,
		ttl:      dedupeTTL,
		now:      time.Now,
		logger:   util.GetLogger(),
	}
}

func dedupeKey(t models.GatewayType, n *gateway.Notification) string {
	return fmt.Sprintf("webhook:%s:%s:%s", t, n.PaymentID, n.Status)
}

// Receive handles one inbound request addressed to the gateway key
func (w *WebhookIngress) Receive(ctx context.Context, key string, req *gateway.WebhookRequest) IngressResult {
	ctx, span := util.StartSpan(ctx, "WebhookIngress.Receive")
	defer span.End()

	t, ok := gateway.ParseKey(key)
	if !ok {
		return w.result(unknownGatewayLabel, http.StatusNotFound, OutcomeUnknown)
	}
	label := gateway.Key(t)

	gw, _, err := w.gateways.Active(ctx, t)
	if err != nil {
		w.logger.Warn("Webhook for unavailable gateway", zap.String("gateway", string(t)), zap.Error(err))
		return w.result(label, http.StatusNotFound, OutcomeUnknown)
	}

	if err := gw.VerifyTrust(req); err != nil {
		w.logger.Warn("Untrusted webhook",
			zap.String("gateway", string(t)),
			zap.String("remote_ip", req.RemoteIP.String()),
			zap.Error(err))
		return w.result(label, http.StatusUnauthorized, OutcomeUntrusted)
	}

	n, err := gw.ParseWebhook(req)
	if err != nil {
		w.logger.Warn("Unparseable webhook", zap.String("gateway", string(t)), zap.Error(err))
		status := http.StatusBadRequest
		if errors.Is(err, gateway.ErrUntrustedSource) {
			status = http.StatusUnauthorized
		}
		return w.result(label, status, OutcomeInvalid)
	}
	if n.Ignored {
		return w.result(label, http.StatusOK, OutcomeIgnored)
	}

	dk := dedupeKey(t, n)
	seen, err := w.dedupe.CheckIdempotencyKey(ctx, dk)
	if err != nil {
		w.logger.Warn("Webhook dedupe check failed", zap.String("key", dk), zap.Error(err))
	}
	if seen {
		return w.result(label, http.StatusOK, OutcomeDuplicate)
	}

	_, err = w.tasks.Enqueue(ctx, models.TaskPaymentWebhook, models.PaymentWebhookTask{
		Gateway:    t,
		PaymentID:  n.PaymentID,
		Status:     n.Status,
		ReceivedAt: w.now().UTC(),
	})
	if err != nil {
		w.logger.Error("Failed to enqueue webhook",
			zap.String("gateway", string(t)),
			zap.String("payment_id", n.PaymentID.String()),
			zap.Error(err))
		w.notifier.NotifyOperator(ctx, messaging.Notification{
			Title: "Webhook could not be queued",
			Fields: [][2]string{
				{"gateway", string(t)},
				{"payment_id", n.PaymentID.String()},
				{"status", string(n.Status)},
				{"error", err.Error()},
			},
		})
		return w.result(label, http.StatusOK, OutcomeEnqueue)
	}

	if err := w.dedupe.SetIdempotencyKey(ctx, dk, string(n.Status), w.ttl); err != nil {
		w.logger.Warn("Failed to set webhook dedupe key", zap.String("key", dk), zap.Error(err))
	}

	w.logger.Info("Webhook accepted",
		zap.String("gateway", string(t)),
		zap.String("payment_id", n.PaymentID.String()),
		zap.String("status", string(n.Status)))
	return w.result(label, http.StatusOK, OutcomeAccepted)
}

// unknownGatewayLabel keeps arbitrary path segments out of the metric labels
const unknownGatewayLabel = "unknown"

func (w *WebhookIngress) result(gatewayKey string, code int, outcome string) IngressResult {
	util.WebhooksReceivedTotal.WithLabelValues(gatewayKey, outcome).Inc()
	return IngressResult{StatusCode: code, Outcome: outcome}
}
