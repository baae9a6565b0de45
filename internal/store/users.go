package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"subscription-service/internal/models"

	"github.com/jmoiron/sqlx"
)

const userColumns = `telegram_id, name, personal_discount, purchase_discount, current_subscription_id,
	is_trial_used, is_bot_blocked, created_at, updated_at`

// GetUser retrieves a user by telegram id
func (s *Store) GetUser(ctx context.Context, telegramID int64) (*models.User, error) {
	var user models.User
	err := s.db.GetContext(ctx, &user,
		"SELECT "+userColumns+" FROM users WHERE telegram_id = $1", telegramID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %d: %w", telegramID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// ConsumePurchaseDiscount resets the one-shot purchase discount
func (s *Store) ConsumePurchaseDiscount(ctx context.Context, telegramID int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE users SET purchase_discount = 0, updated_at = NOW() WHERE telegram_id = $1 AND purchase_discount <> 0",
		telegramID)
	return err
}

// SetUserBotBlocked flags users that blocked the bot so audiences skip them
func (s *Store) SetUserBotBlocked(ctx context.Context, telegramID int64, blocked bool) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE users SET is_bot_blocked = $1, updated_at = NOW() WHERE telegram_id = $2",
		blocked, telegramID)
	return err
}

func setCurrentSubscription(ctx context.Context, tx *sqlx.Tx, telegramID, subscriptionID int64) error {
	res, err := tx.ExecContext(ctx,
		"UPDATE users SET current_subscription_id = $1, updated_at = NOW() WHERE telegram_id = $2",
		subscriptionID, telegramID)
	if err != nil {
		return fmt.Errorf("repoint current subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %d: %w", telegramID, ErrNotFound)
	}
	return nil
}
