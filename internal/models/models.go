package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionStatus is the ledger state of a payment
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "PENDING"
	TransactionStatusCompleted TransactionStatus = "COMPLETED"
	TransactionStatusCanceled  TransactionStatus = "CANCELED"
	TransactionStatusFailed    TransactionStatus = "FAILED"
	TransactionStatusRefunded  TransactionStatus = "REFUNDED"
)

// IsTerminal reports whether the status has left PENDING
func (s TransactionStatus) IsTerminal() bool {
	return s != TransactionStatusPending
}

// PurchaseType selects the provisioning recipe
type PurchaseType string

const (
	PurchaseTypeNew    PurchaseType = "NEW"
	PurchaseTypeRenew  PurchaseType = "RENEW"
	PurchaseTypeChange PurchaseType = "CHANGE"
)

// GatewayType identifies a payment provider
type GatewayType string

const (
	GatewayTypeTelegramStars GatewayType = "TELEGRAM_STARS"
	GatewayTypeYookassa      GatewayType = "YOOKASSA"
	GatewayTypeYoomoney      GatewayType = "YOOMONEY"
	GatewayTypeCryptomus     GatewayType = "CRYPTOMUS"
	GatewayTypeHeleket       GatewayType = "HELEKET"
	GatewayTypeURLPay        GatewayType = "URLPAY"
)

// Currency is an ISO-like settlement currency code
type Currency string

const (
	CurrencyXTR Currency = "XTR"
	CurrencyRUB Currency = "RUB"
	CurrencyUSD Currency = "USD"
	CurrencyEUR Currency = "EUR"
)

// SubscriptionStatus mirrors the panel-side user status
type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "ACTIVE"
	SubscriptionStatusDisabled SubscriptionStatus = "DISABLED"
	SubscriptionStatusLimited  SubscriptionStatus = "LIMITED"
	SubscriptionStatusExpired  SubscriptionStatus = "EXPIRED"
	SubscriptionStatusDeleted  SubscriptionStatus = "DELETED"
)

// PlanType describes which limits a plan enforces
type PlanType string

const (
	PlanTypeTraffic   PlanType = "TRAFFIC"
	PlanTypeDevices   PlanType = "DEVICES"
	PlanTypeBoth      PlanType = "BOTH"
	PlanTypeUnlimited PlanType = "UNLIMITED"
)

// UnlimitedDuration marks a plan duration without expiry
const UnlimitedDuration = -1

// PlanSnapshot is a denormalized copy of a plan's terms at purchase time
type PlanSnapshot struct {
	ID             int64       `json:"id"`
	Name           string      `json:"name"`
	Type           PlanType    `json:"type"`
	TrafficLimitGB int         `json:"traffic_limit_gb"`
	DeviceLimit    int         `json:"device_limit"`
	DurationDays   int         `json:"duration_days"`
	InternalSquads []uuid.UUID `json:"internal_squads"`
	ExternalSquad  *uuid.UUID  `json:"external_squad,omitempty"`
}

// IsUnlimited reports whether the snapshot never expires
func (p PlanSnapshot) IsUnlimited() bool {
	return p.DurationDays == UnlimitedDuration
}

// Duration returns the plan duration as a time.Duration
func (p PlanSnapshot) Duration() time.Duration {
	return time.Duration(p.DurationDays) * 24 * time.Hour
}

// Value implements driver.Valuer for JSONB columns
func (p PlanSnapshot) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// Scan implements sql.Scanner for JSONB columns
func (p *PlanSnapshot) Scan(src interface{}) error {
	return scanJSON(src, p)
}

// PriceDetails is the pricing snapshot of a transaction
type PriceDetails struct {
	OriginalAmount  decimal.Decimal `db:"original_amount" json:"original_amount"`
	DiscountPercent int             `db:"discount_percent" json:"discount_percent"`
	FinalAmount     decimal.Decimal `db:"final_amount" json:"final_amount"`
}

// IsFree reports whether nothing has to be charged
func (p PriceDetails) IsFree() bool {
	return p.FinalAmount.IsZero()
}

// Transaction represents a payment ledger entry
type Transaction struct {
	ID             int64             `db:"id" json:"id"`
	PaymentID      uuid.UUID         `db:"payment_id" json:"payment_id"`
	UserTelegramID int64             `db:"user_telegram_id" json:"user_telegram_id"`
	Status         TransactionStatus `db:"status" json:"status"`
	PurchaseType   PurchaseType      `db:"purchase_type" json:"purchase_type"`
	GatewayType    GatewayType       `db:"gateway_type" json:"gateway_type"`
	Currency       Currency          `db:"currency" json:"currency"`
	Pricing        PriceDetails      `db:"-" json:"pricing"`
	Plan           PlanSnapshot      `db:"plan" json:"plan"`
	IsTest         bool              `db:"is_test" json:"is_test"`
	ExternalRef    string            `db:"external_ref" json:"external_ref,omitempty"`
	// FulfilledAt is set once the purchase has been provisioned
	FulfilledAt *time.Time `db:"fulfilled_at" json:"fulfilled_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time         `db:"updated_at" json:"updated_at"`
}

// Subscription represents provisioned access on the panel
type Subscription struct {
	ID             int64              `db:"id" json:"id"`
	UserTelegramID int64              `db:"user_telegram_id" json:"user_telegram_id"`
	PanelUserUUID  uuid.UUID          `db:"panel_user_uuid" json:"panel_user_uuid"`
	Status         SubscriptionStatus `db:"status" json:"status"`
	IsTrial        bool               `db:"is_trial" json:"is_trial"`
	ExpireAt       *time.Time         `db:"expire_at" json:"expire_at,omitempty"`
	Plan           PlanSnapshot       `db:"plan" json:"plan"`
	URL            string             `db:"url" json:"url"`
	CreatedAt      time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time          `db:"updated_at" json:"updated_at"`
}

// SubscriptionPatch lists the fields a single write changes; nil fields are left alone
type SubscriptionPatch struct {
	Status      *SubscriptionStatus
	ExpireAt    *time.Time
	ClearExpiry bool
	Plan        *PlanSnapshot
	URL         *string
}

// IsEmpty reports whether the patch changes nothing
func (p SubscriptionPatch) IsEmpty() bool {
	return p.Status == nil && p.ExpireAt == nil && !p.ClearExpiry && p.Plan == nil && p.URL == nil
}

// User is a bot user
type User struct {
	TelegramID            int64     `db:"telegram_id" json:"telegram_id"`
	Name                  string    `db:"name" json:"name"`
	PersonalDiscount      int       `db:"personal_discount" json:"personal_discount"`
	PurchaseDiscount      int       `db:"purchase_discount" json:"purchase_discount"`
	CurrentSubscriptionID *int64    `db:"current_subscription_id" json:"current_subscription_id,omitempty"`
	IsTrialUsed           bool      `db:"is_trial_used" json:"is_trial_used"`
	IsBotBlocked          bool      `db:"is_bot_blocked" json:"is_bot_blocked"`
	CreatedAt             time.Time `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time `db:"updated_at" json:"updated_at"`
}

// PlanDuration is one purchasable duration of a plan with per-currency prices
type PlanDuration struct {
	Days   int                          `json:"days"`
	Prices map[Currency]decimal.Decimal `json:"prices"`
}

// PlanDurations is stored as a JSONB array
type PlanDurations []PlanDuration

// Value implements driver.Valuer
func (d PlanDurations) Value() (driver.Value, error) {
	return json.Marshal(d)
}

// Scan implements sql.Scanner
func (d *PlanDurations) Scan(src interface{}) error {
	return scanJSON(src, d)
}

// Find returns the duration with the given number of days
func (d PlanDurations) Find(days int) (*PlanDuration, bool) {
	for i := range d {
		if d[i].Days == days {
			return &d[i], true
		}
	}
	return nil, false
}

// UUIDList is a JSONB array of UUIDs
type UUIDList []uuid.UUID

// Value implements driver.Valuer
func (l UUIDList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]uuid.UUID(l))
}

// Scan implements sql.Scanner
func (l *UUIDList) Scan(src interface{}) error {
	return scanJSON(src, l)
}

// Plan is a sellable plan (read-only for the core)
type Plan struct {
	ID             int64         `db:"id" json:"id"`
	Name           string        `db:"name" json:"name"`
	Type           PlanType      `db:"type" json:"type"`
	TrafficLimitGB int           `db:"traffic_limit_gb" json:"traffic_limit_gb"`
	DeviceLimit    int           `db:"device_limit" json:"device_limit"`
	InternalSquads UUIDList      `db:"internal_squads" json:"internal_squads"`
	ExternalSquad  *uuid.UUID    `db:"external_squad" json:"external_squad,omitempty"`
	IsActive       bool          `db:"is_active" json:"is_active"`
	Durations      PlanDurations `db:"durations" json:"durations"`
}

// Snapshot copies the plan terms for the given duration
func (p Plan) Snapshot(days int) PlanSnapshot {
	squads := make([]uuid.UUID, len(p.InternalSquads))
	copy(squads, p.InternalSquads)

	var external *uuid.UUID
	if p.ExternalSquad != nil {
		id := *p.ExternalSquad
		external = &id
	}

	return PlanSnapshot{
		ID:             p.ID,
		Name:           p.Name,
		Type:           p.Type,
		TrafficLimitGB: p.TrafficLimitGB,
		DeviceLimit:    p.DeviceLimit,
		DurationDays:   days,
		InternalSquads: squads,
		ExternalSquad:  external,
	}
}

// PaymentGateway is the persisted configuration of a provider
type PaymentGateway struct {
	Type      GatewayType     `db:"type" json:"type"`
	IsActive  bool            `db:"is_active" json:"is_active"`
	Currency  Currency        `db:"currency" json:"currency"`
	Settings  json.RawMessage `db:"settings" json:"settings"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

func scanJSON(src interface{}, dst interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported JSON column type %T", src)
	}
}

func jsonValue(v interface{}) (driver.Value, error) {
	return json.Marshal(v)
}
