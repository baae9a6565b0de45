package service

import (
	"errors"
	"fmt"

	"subscription-service/internal/models"

	"github.com/google/uuid"
)

// User-facing causes, one per reason an action cannot currently succeed
var (
	ErrUserNotFound          = errors.New("user not found")
	ErrNoActiveGateways      = errors.New("no active payment gateway")
	ErrPlanUnavailable       = errors.New("plan unavailable")
	ErrNoSubscriptionToRenew = errors.New("no subscription to renew")
	ErrTrialAlreadyUsed      = errors.New("trial already used")
	ErrTrialNotAvailable     = errors.New("trial not available with an existing subscription")
	ErrStalePayment          = errors.New("payment is no longer pending")
	ErrUnknownPurchaseType   = errors.New("unknown purchase type")
	ErrEmptyAudience         = errors.New("broadcast audience is empty")
	ErrBroadcastNotFound     = errors.New("broadcast not found")
	ErrBroadcastNotRunning   = errors.New("broadcast is not running")
	ErrBroadcastRunning      = errors.New("broadcast is still running")
)

var (
	ErrInvalidLedgerTransition = errors.New("invalid ledger transition")
	ErrTransactionNotFound     = errors.New("transaction not found")
	ErrNotReplayable           = errors.New("transaction is not awaiting replay")
)

// TransitionError is an attempted move between two different terminal statuses
type TransitionError struct {
	PaymentID uuid.UUID
	From      models.TransactionStatus
	To        models.TransactionStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%v: payment %s %s -> %s", ErrInvalidLedgerTransition, e.PaymentID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidLedgerTransition
}

// FulfillmentError means money was captured but provisioning failed
type FulfillmentError struct {
	PaymentID     uuid.UUID
	PurchaseType  models.PurchaseType
	CorrelationID uuid.UUID
	Err           error
}

func (e *FulfillmentError) Error() string {
	return fmt.Sprintf("fulfillment of %s payment %s failed (correlation %s): %v",
		e.PurchaseType, e.PaymentID, e.CorrelationID, e.Err)
}

func (e *FulfillmentError) Unwrap() error {
	return e.Err
}
