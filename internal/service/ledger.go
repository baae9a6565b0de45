package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"subscription-service/internal/models"
	"subscription-service/internal/store"
	"subscription-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxTransitionAttempts = 3

// allowedTransitions lists every status change the ledger applies.
// COMPLETED -> FAILED records a captured payment whose fulfillment failed.
var allowedTransitions = map[models.TransactionStatus]map[models.TransactionStatus]bool{
	models.TransactionStatusPending: {
		models.TransactionStatusCompleted: true,
		models.TransactionStatusCanceled:  true,
		models.TransactionStatusFailed:    true,
	},
	models.TransactionStatusCompleted: {
		models.TransactionStatusFailed:   true,
		models.TransactionStatusRefunded: true,
	},
}

// TransactionLedger owns transaction status changes
type TransactionLedger struct {
	store  TransactionStore
	now    func() time.Time
	logger *zap.Logger
}

// NewTransactionLedger creates a new ledger
func NewTransactionLedger(store TransactionStore) *TransactionLedger {
	return &TransactionLedger{
		store:  store,
		now:    time.Now,
		logger: util.GetLogger(),
	}
}

// Transition is the outcome of UpdateStatus
type Transition struct {
	Transaction *models.Transaction
	From        models.TransactionStatus
	// Applied is false when the transaction already held the status
	Applied bool
}

// Create stores t for userID as PENDING
func (l *TransactionLedger) Create(ctx context.Context, userID int64, t *models.Transaction) (*models.Transaction, error) {
	ctx, span := util.StartSpan(ctx, "TransactionLedger.Create")
	defer span.End()

	if t.PaymentID == uuid.Nil {
		t.PaymentID = uuid.New()
	}
	t.UserTelegramID = userID
	t.Status = models.TransactionStatusPending

	if err := l.store.CreateTransaction(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	l.logger.Info("Transaction created",
		zap.String("payment_id", t.PaymentID.String()),
		zap.Int64("user_id", userID),
		zap.String("gateway", string(t.GatewayType)),
		zap.String("amount", t.Pricing.FinalAmount.String()),
		zap.Bool("is_test", t.IsTest))
	return t, nil
}

// Get returns a transaction by payment id
func (l *TransactionLedger) Get(ctx context.Context, paymentID uuid.UUID) (*models.Transaction, error) {
	t, err := l.store.GetTransaction(ctx, paymentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, paymentID)
	}
	return t, err
}

// GetByUser returns a user's transactions, newest first
func (l *TransactionLedger) GetByUser(ctx context.Context, userID int64) ([]models.Transaction, error) {
	return l.store.GetTransactionsByUser(ctx, userID)
}

// UpdateStatus moves a transaction to status.
// Re-observing the held status is a no-op; a move between two different
// terminal statuses outside allowedTransitions returns a *TransitionError.
func (l *TransactionLedger) UpdateStatus(ctx context.Context, paymentID uuid.UUID, status models.TransactionStatus) (*Transition, error) {
	ctx, span := util.StartSpan(ctx, "TransactionLedger.UpdateStatus")
	defer span.End()

	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		t, err := l.Get(ctx, paymentID)
		if err != nil {
			return nil, err
		}
		from := t.Status

		if from == status || (from == models.TransactionStatusFailed && status == models.TransactionStatusCompleted) {
			l.logger.Debug("Transition already applied",
				zap.String("payment_id", paymentID.String()),
				zap.String("status", string(from)),
				zap.String("requested", string(status)))
			return &Transition{Transaction: t, From: from}, nil
		}

		if !allowedTransitions[from][status] {
			util.LedgerRejectedTransitionsTotal.Inc()
			terr := &TransitionError{PaymentID: paymentID, From: from, To: status}
			l.logger.Error("Rejected ledger transition",
				zap.String("payment_id", paymentID.String()),
				zap.String("from", string(from)),
				zap.String("to", string(status)))
			return nil, terr
		}

		ok, err := l.store.CompareAndSetTransactionStatus(ctx, paymentID, from, status)
		if err != nil {
			return nil, err
		}
		if ok {
			t.Status = status
			util.LedgerTransitionsTotal.WithLabelValues(string(from), string(status)).Inc()
			l.logger.Info("Transaction status changed",
				zap.String("payment_id", paymentID.String()),
				zap.String("from", string(from)),
				zap.String("to", string(status)))
			return &Transition{Transaction: t, From: from, Applied: true}, nil
		}
		// somebody else moved it first, decide again on the fresh row
	}

	return nil, fmt.Errorf("transaction %s: status kept changing under %d attempts", paymentID, maxTransitionAttempts)
}

// ResolveFailed moves a FAILED transaction back to COMPLETED after a successful replay
func (l *TransactionLedger) ResolveFailed(ctx context.Context, paymentID uuid.UUID) (bool, error) {
	ok, err := l.store.CompareAndSetTransactionStatus(ctx, paymentID,
		models.TransactionStatusFailed, models.TransactionStatusCompleted)
	if err != nil {
		return false, fmt.Errorf("failed to resolve transaction %s: %w", paymentID, err)
	}
	if ok {
		util.LedgerTransitionsTotal.WithLabelValues(string(models.TransactionStatusFailed), string(models.TransactionStatusCompleted)).Inc()
	}
	return ok, nil
}

// MarkFulfilled records that the transaction's purchase has been provisioned
func (l *TransactionLedger) MarkFulfilled(ctx context.Context, paymentID uuid.UUID) error {
	if _, err := l.store.MarkTransactionFulfilled(ctx, paymentID); err != nil {
		return fmt.Errorf("failed to mark transaction %s fulfilled: %w", paymentID, err)
	}
	return nil
}

// CancelStale cancels PENDING transactions older than maxAge
func (l *TransactionLedger) CancelStale(ctx context.Context, maxAge time.Duration) (int, error) {
	ctx, span := util.StartSpan(ctx, "TransactionLedger.CancelStale")
	defer span.End()

	ids, err := l.store.CancelStaleTransactions(ctx, l.now().Add(-maxAge))
	if err != nil {
		return 0, err
	}

	if len(ids) > 0 {
		util.StaleTransactionsCanceledTotal.Add(float64(len(ids)))
		l.logger.Info("Canceled stale transactions",
			zap.Int("count", len(ids)),
			zap.Duration("max_age", maxAge))
	}
	return len(ids), nil
}

// SetExternalRef stores the provider reference of a transaction
func (l *TransactionLedger) SetExternalRef(ctx context.Context, paymentID uuid.UUID, ref string) error {
	if ref == "" {
		return nil
	}
	return l.store.SetTransactionExternalRef(ctx, paymentID, ref)
}
