package models

import (
	"time"

	"github.com/google/uuid"
)

// Task names
const (
	TaskPaymentWebhook      = "payments.webhook"
	TaskPaymentReplay       = "payments.replay"
	TaskCancelStalePayments = "transactions.cancel_stale"
	TaskBroadcastSend       = "broadcast.send"
	TaskBroadcastDelete     = "broadcast.delete"
)

// PaymentWebhookTask carries a parsed provider notification
type PaymentWebhookTask struct {
	Gateway    GatewayType       `json:"gateway"`
	PaymentID  uuid.UUID         `json:"payment_id"`
	Status     TransactionStatus `json:"status"`
	ReceivedAt time.Time         `json:"received_at"`
}

// PaymentReplayTask asks for a fulfillment replay
type PaymentReplayTask struct {
	PaymentID   uuid.UUID `json:"payment_id"`
	RequestedBy string    `json:"requested_by,omitempty"`
}

// CancelStalePaymentsTask sweeps abandoned checkouts
type CancelStalePaymentsTask struct {
	MaxAge time.Duration `json:"max_age"`
}

// BroadcastTask references a persisted broadcast job
type BroadcastTask struct {
	TaskID uuid.UUID `json:"task_id"`
}

// BroadcastDeleteResult is returned by the deletion task
type BroadcastDeleteResult struct {
	Deleted int `json:"deleted"`
	Failed  int `json:"failed"`
}
