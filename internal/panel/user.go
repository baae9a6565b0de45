package panel

import (
	"encoding/json"
	"fmt"
	"time"

	"subscription-service/internal/models"

	"github.com/google/uuid"
)

// UnlimitedExpiry is sent for plans without an end date
var UnlimitedExpiry = time.Date(2099, time.December, 31, 0, 0, 0, 0, time.UTC)

const (
	StatusActive   = "ACTIVE"
	StatusDisabled = "DISABLED"
	StatusLimited  = "LIMITED"
	StatusExpired  = "EXPIRED"

	gigabyte = int64(1024 * 1024 * 1024)
)

// UserSpec is the desired state of a panel user
type UserSpec struct {
	Username             string      `json:"username,omitempty"`
	Status               string      `json:"status,omitempty"`
	ExpireAt             time.Time   `json:"expireAt"`
	TrafficLimitBytes    int64       `json:"trafficLimitBytes"`
	TrafficLimitStrategy string      `json:"trafficLimitStrategy"`
	HWIDDeviceLimit      int         `json:"hwidDeviceLimit"`
	ActiveInternalSquads []uuid.UUID `json:"activeInternalSquads"`
	ExternalSquadUUID    *uuid.UUID  `json:"externalSquadUuid,omitempty"`
	TelegramID           *int64      `json:"telegramId,omitempty"`
	Description          string      `json:"description,omitempty"`
}

// User is the panel's view of a user
type User struct {
	UUID            uuid.UUID `json:"uuid"`
	ShortUUID       string    `json:"shortUuid"`
	Username        string    `json:"username"`
	Status          string    `json:"status"`
	ExpireAt        time.Time `json:"expireAt"`
	SubscriptionURL string    `json:"subscriptionUrl"`
}

// Username is the panel username bound to a telegram user
func Username(telegramID int64) string {
	return fmt.Sprintf("tg_%d", telegramID)
}

// SpecFromPlan sizes a panel user to a plan snapshot
func SpecFromPlan(telegramID int64, plan models.PlanSnapshot, expireAt time.Time) UserSpec {
	tgID := telegramID
	spec := UserSpec{
		Username:             Username(telegramID),
		Status:               StatusActive,
		ExpireAt:             expireAt.UTC(),
		TrafficLimitStrategy: "NO_RESET",
		ActiveInternalSquads: plan.InternalSquads,
		ExternalSquadUUID:    plan.ExternalSquad,
		TelegramID:           &tgID,
		Description:          plan.Name,
	}
	if spec.ActiveInternalSquads == nil {
		spec.ActiveInternalSquads = []uuid.UUID{}
	}

	switch plan.Type {
	case models.PlanTypeTraffic:
		spec.TrafficLimitBytes = int64(plan.TrafficLimitGB) * gigabyte
	case models.PlanTypeDevices:
		spec.HWIDDeviceLimit = plan.DeviceLimit
	case models.PlanTypeBoth:
		spec.TrafficLimitBytes = int64(plan.TrafficLimitGB) * gigabyte
		spec.HWIDDeviceLimit = plan.DeviceLimit
	}
	return spec
}

// Event is a panel webhook notification
type Event struct {
	Name string `json:"event"`
	Data struct {
		UUID     uuid.UUID `json:"uuid"`
		Username string    `json:"username"`
		Status   string    `json:"status"`
	} `json:"data"`
}

// ParseEvent decodes a webhook body
func ParseEvent(body []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("decode panel event: %w", err)
	}
	if ev.Name == "" || ev.Data.UUID == uuid.Nil {
		return nil, fmt.Errorf("decode panel event: missing event or user uuid")
	}
	return &ev, nil
}

// SubscriptionStatus maps a user event to the local status it implies
func (e *Event) SubscriptionStatus() (models.SubscriptionStatus, bool) {
	switch e.Name {
	case "user.disabled":
		return models.SubscriptionStatusDisabled, true
	case "user.limited":
		return models.SubscriptionStatusLimited, true
	case "user.expired":
		return models.SubscriptionStatusExpired, true
	case "user.enabled":
		return models.SubscriptionStatusActive, true
	case "user.deleted":
		return models.SubscriptionStatusDeleted, true
	default:
		return "", false
	}
}
