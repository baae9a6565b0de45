package models

import (
	"database/sql/driver"
	"time"

	"github.com/google/uuid"
)

// BroadcastStatus is the lifecycle state of a broadcast job
type BroadcastStatus string

const (
	BroadcastStatusProcessing BroadcastStatus = "PROCESSING"
	BroadcastStatusCompleted  BroadcastStatus = "COMPLETED"
	BroadcastStatusCanceled   BroadcastStatus = "CANCELED"
	BroadcastStatusError      BroadcastStatus = "ERROR"
)

// BroadcastAudience selects the recipients of a broadcast
type BroadcastAudience string

const (
	AudienceAll          BroadcastAudience = "ALL"
	AudiencePlan         BroadcastAudience = "PLAN"
	AudienceSubscribed   BroadcastAudience = "SUBSCRIBED"
	AudienceUnsubscribed BroadcastAudience = "UNSUBSCRIBED"
	AudienceExpired      BroadcastAudience = "EXPIRED"
	AudienceTrial        BroadcastAudience = "TRIAL"
)

// DeliveryStatus is the per-recipient outcome
type DeliveryStatus string

const (
	DeliveryStatusPending DeliveryStatus = "PENDING"
	DeliveryStatusSent    DeliveryStatus = "SENT"
	DeliveryStatusFailed  DeliveryStatus = "FAILED"
	DeliveryStatusDeleted DeliveryStatus = "DELETED"
)

// MessagePayload is the content sent to each recipient
type MessagePayload struct {
	Text      string `json:"text"`
	MediaType string `json:"media_type,omitempty"`
	MediaID   string `json:"media_id,omitempty"`
}

// Value implements driver.Valuer
func (p MessagePayload) Value() (driver.Value, error) {
	return jsonValue(p)
}

// Scan implements sql.Scanner
func (p *MessagePayload) Scan(src interface{}) error {
	return scanJSON(src, p)
}

// BroadcastJob is a bulk send run
type BroadcastJob struct {
	TaskID            uuid.UUID         `db:"task_id" json:"task_id"`
	Status            BroadcastStatus   `db:"status" json:"status"`
	Audience          BroadcastAudience `db:"audience" json:"audience"`
	PlanID            *int64            `db:"plan_id" json:"plan_id,omitempty"`
	Payload           MessagePayload    `db:"payload" json:"payload"`
	TotalCount        int               `db:"total_count" json:"total_count"`
	SuccessCount      int               `db:"success_count" json:"success_count"`
	FailedCount       int               `db:"failed_count" json:"failed_count"`
	DeletedCount      int               `db:"deleted_count" json:"deleted_count"`
	DeleteFailedCount int               `db:"delete_failed_count" json:"delete_failed_count"`
	CreatedAt         time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time         `db:"updated_at" json:"updated_at"`
}

// DeliveryRecord tracks one recipient of a broadcast
type DeliveryRecord struct {
	ID              int64          `db:"id" json:"id"`
	BroadcastTaskID uuid.UUID      `db:"broadcast_task_id" json:"broadcast_task_id"`
	UserTelegramID  int64          `db:"user_telegram_id" json:"user_telegram_id"`
	MessageID       *int64         `db:"message_id" json:"message_id,omitempty"`
	Status          DeliveryStatus `db:"status" json:"status"`
	// DeleteFailed is set after a retraction attempt failed; the record stays SENT
	DeleteFailed bool `db:"delete_failed" json:"delete_failed,omitempty"`
}
