package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"subscription-service/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const transactionColumns = `id, payment_id, user_telegram_id, status, purchase_type, gateway_type, currency,
	original_amount, discount_percent, final_amount, plan, is_test, external_ref, fulfilled_at, created_at, updated_at`

// transactionRow flattens the pricing snapshot into columns
type transactionRow struct {
	models.Transaction
	OriginalAmount  decimal.Decimal `db:"original_amount"`
	DiscountPercent int             `db:"discount_percent"`
	FinalAmount     decimal.Decimal `db:"final_amount"`
}

func (r transactionRow) toModel() *models.Transaction {
	t := r.Transaction
	t.Pricing = models.PriceDetails{
		OriginalAmount:  r.OriginalAmount,
		DiscountPercent: r.DiscountPercent,
		FinalAmount:     r.FinalAmount,
	}
	return &t
}

// CreateTransaction inserts a ledger entry and fills its id and timestamps
func (s *Store) CreateTransaction(ctx context.Context, t *models.Transaction) error {
	query := `
		INSERT INTO transactions (payment_id, user_telegram_id, status, purchase_type, gateway_type, currency,
			original_amount, discount_percent, final_amount, plan, is_test, external_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at, updated_at`

	row := s.db.QueryRowxContext(ctx, query,
		t.PaymentID, t.UserTelegramID, t.Status, t.PurchaseType, t.GatewayType, t.Currency,
		t.Pricing.OriginalAmount, t.Pricing.DiscountPercent, t.Pricing.FinalAmount,
		t.Plan, t.IsTest, t.ExternalRef)

	if err := row.Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return fmt.Errorf("insert transaction %s: %w", t.PaymentID, err)
	}
	return nil
}

// GetTransaction retrieves a ledger entry by payment id
func (s *Store) GetTransaction(ctx context.Context, paymentID uuid.UUID) (*models.Transaction, error) {
	var row transactionRow
	err := s.db.GetContext(ctx, &row,
		"SELECT "+transactionColumns+" FROM transactions WHERE payment_id = $1", paymentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", paymentID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

// GetTransactionsByUser retrieves a user's ledger entries, newest first
func (s *Store) GetTransactionsByUser(ctx context.Context, telegramID int64) ([]models.Transaction, error) {
	var rows []transactionRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT "+transactionColumns+" FROM transactions WHERE user_telegram_id = $1 ORDER BY created_at DESC",
		telegramID)
	if err != nil {
		return nil, err
	}

	out := make([]models.Transaction, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r.toModel())
	}
	return out, nil
}

// CompareAndSetTransactionStatus moves a transaction from one status to another.
// It reports false when the row no longer holds from.
func (s *Store) CompareAndSetTransactionStatus(ctx context.Context, paymentID uuid.UUID, from, to models.TransactionStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE transactions SET status = $1, updated_at = NOW() WHERE payment_id = $2 AND status = $3",
		to, paymentID, from)
	if err != nil {
		return false, fmt.Errorf("update transaction %s status: %w", paymentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkTransactionFulfilled stamps fulfilled_at once; it reports false when it was already set
func (s *Store) MarkTransactionFulfilled(ctx context.Context, paymentID uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE transactions SET fulfilled_at = NOW(), updated_at = NOW() WHERE payment_id = $1 AND fulfilled_at IS NULL",
		paymentID)
	if err != nil {
		return false, fmt.Errorf("mark transaction %s fulfilled: %w", paymentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetTransactionExternalRef records the provider's own reference
func (s *Store) SetTransactionExternalRef(ctx context.Context, paymentID uuid.UUID, ref string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE transactions SET external_ref = $1, updated_at = NOW() WHERE payment_id = $2",
		ref, paymentID)
	return err
}

// CancelStaleTransactions cancels PENDING entries created before cutoff
func (s *Store) CancelStaleTransactions(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.SelectContext(ctx, &ids, `
		UPDATE transactions SET status = $1, updated_at = NOW()
		WHERE status = $2 AND created_at < $3
		RETURNING payment_id`,
		models.TransactionStatusCanceled, models.TransactionStatusPending, cutoff)
	if err != nil {
		return nil, fmt.Errorf("cancel stale transactions: %w", err)
	}
	return ids, nil
}
