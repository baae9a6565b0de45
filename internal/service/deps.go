package service

import (
	"context"
	"time"

	"subscription-service/internal/broker"
	"subscription-service/internal/gateway"
	"subscription-service/internal/messaging"
	"subscription-service/internal/models"
	"subscription-service/internal/panel"

	"github.com/google/uuid"
)

// TransactionStore persists ledger entries
type TransactionStore interface {
	CreateTransaction(ctx context.Context, t *models.Transaction) error
	GetTransaction(ctx context.Context, paymentID uuid.UUID) (*models.Transaction, error)
	GetTransactionsByUser(ctx context.Context, telegramID int64) ([]models.Transaction, error)
	CompareAndSetTransactionStatus(ctx context.Context, paymentID uuid.UUID, from, to models.TransactionStatus) (bool, error)
	SetTransactionExternalRef(ctx context.Context, paymentID uuid.UUID, ref string) error
	MarkTransactionFulfilled(ctx context.Context, paymentID uuid.UUID) (bool, error)
	CancelStaleTransactions(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)
}

// SubscriptionStore persists subscriptions and the current subscription pointer
type SubscriptionStore interface {
	GetCurrentSubscription(ctx context.Context, telegramID int64) (*models.Subscription, error)
	GetSubscriptionByPanelUUID(ctx context.Context, panelUUID uuid.UUID) (*models.Subscription, error)
	UpdateSubscription(ctx context.Context, id int64, patch models.SubscriptionPatch) (*models.Subscription, error)
	CreateCurrentSubscription(ctx context.Context, sub *models.Subscription) error
	ReplaceCurrentSubscription(ctx context.Context, previousID int64, sub *models.Subscription) error
	ClaimTrialSubscription(ctx context.Context, sub *models.Subscription) (bool, error)
}

type UserStore interface {
	GetUser(ctx context.Context, telegramID int64) (*models.User, error)
	ConsumePurchaseDiscount(ctx context.Context, telegramID int64) error
	SetUserBotBlocked(ctx context.Context, telegramID int64, blocked bool) error
}

type PlanStore interface {
	GetPlan(ctx context.Context, id int64) (*models.Plan, error)
	UpdatePlanDurations(ctx context.Context, id int64, durations models.PlanDurations) error
}

type GatewayStore interface {
	GetGateway(ctx context.Context, t models.GatewayType) (*models.PaymentGateway, error)
	ListGateways(ctx context.Context) ([]models.PaymentGateway, error)
	UpsertGateway(ctx context.Context, gw *models.PaymentGateway) error
}

type BroadcastStore interface {
	ResolveAudience(ctx context.Context, audience models.BroadcastAudience, planID *int64) ([]int64, error)
	CreateBroadcast(ctx context.Context, job *models.BroadcastJob, recipients []int64) error
	GetBroadcast(ctx context.Context, taskID uuid.UUID) (*models.BroadcastJob, error)
	GetBroadcastStatus(ctx context.Context, taskID uuid.UUID) (models.BroadcastStatus, error)
	TransitionBroadcast(ctx context.Context, taskID uuid.UUID, from, to models.BroadcastStatus) (bool, error)
	ListDeliveries(ctx context.Context, taskID uuid.UUID, status models.DeliveryStatus) ([]models.DeliveryRecord, error)
	RecordDelivery(ctx context.Context, record *models.DeliveryRecord) error
	RecordDeletion(ctx context.Context, record *models.DeliveryRecord, deleted bool) error
}

// PanelClient provisions users on the access panel; calls are keyed by the panel UUID
type PanelClient interface {
	CreateUser(ctx context.Context, spec panel.UserSpec) (*panel.User, error)
	UpdateUser(ctx context.Context, id uuid.UUID, spec panel.UserSpec) (*panel.User, error)
	DeleteUser(ctx context.Context, id uuid.UUID) (bool, error)
	GetUserByUsername(ctx context.Context, username string) (*panel.User, error)
	ResetTraffic(ctx context.Context, id uuid.UUID) error
}

type OperatorNotifier interface {
	NotifyOperator(ctx context.Context, note messaging.Notification)
}

type MessageSender interface {
	Send(ctx context.Context, recipientID int64, payload models.MessagePayload) (*int64, error)
	Delete(ctx context.Context, recipientID, messageID int64) (bool, error)
}

type TaskQueue interface {
	Enqueue(ctx context.Context, name string, payload interface{}) (broker.TaskHandle, error)
	AwaitResult(ctx context.Context, handle broker.TaskHandle, out interface{}) error
}

type GatewayCache interface {
	GetGateway(ctx context.Context, t models.GatewayType) (*models.PaymentGateway, error)
	SetGateway(ctx context.Context, gw *models.PaymentGateway, ttl time.Duration) error
	InvalidateGateway(ctx context.Context, t models.GatewayType) error
}

type GatewayBuilder interface {
	Build(cfg models.PaymentGateway) (gateway.Gateway, error)
}

type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, key, token string) error
}

type IdempotencyStore interface {
	CheckIdempotencyKey(ctx context.Context, key string) (bool, error)
	SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}
