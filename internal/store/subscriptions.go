package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"subscription-service/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const subscriptionColumns = `id, user_telegram_id, panel_user_uuid, status, is_trial, expire_at, plan, url, created_at, updated_at`

// GetSubscription retrieves a subscription by id
func (s *Store) GetSubscription(ctx context.Context, id int64) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.db.GetContext(ctx, &sub,
		"SELECT "+subscriptionColumns+" FROM subscriptions WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("subscription %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// GetCurrentSubscription follows the user's current subscription pointer
func (s *Store) GetCurrentSubscription(ctx context.Context, telegramID int64) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.db.GetContext(ctx, &sub, `
		SELECT s.`+strings.ReplaceAll(subscriptionColumns, ", ", ", s.")+`
		FROM users u JOIN subscriptions s ON s.id = u.current_subscription_id
		WHERE u.telegram_id = $1`, telegramID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("current subscription of %d: %w", telegramID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// GetSubscriptionByPanelUUID finds the most recent subscription bound to a panel user
func (s *Store) GetSubscriptionByPanelUUID(ctx context.Context, panelUUID uuid.UUID) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.db.GetContext(ctx, &sub,
		"SELECT "+subscriptionColumns+" FROM subscriptions WHERE panel_user_uuid = $1 ORDER BY id DESC LIMIT 1",
		panelUUID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("subscription of panel user %s: %w", panelUUID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// UpdateSubscription applies patch to one row and returns the result
func (s *Store) UpdateSubscription(ctx context.Context, id int64, patch models.SubscriptionPatch) (*models.Subscription, error) {
	if patch.IsEmpty() {
		return s.GetSubscription(ctx, id)
	}

	query, args := buildSubscriptionUpdate(id, patch)

	var sub models.Subscription
	err := s.db.GetContext(ctx, &sub, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("subscription %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("update subscription %d: %w", id, err)
	}
	return &sub, nil
}

func buildSubscriptionUpdate(id int64, patch models.SubscriptionPatch) (string, []interface{}) {
	var sets []string
	var args []interface{}
	set := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Status != nil {
		set("status", *patch.Status)
	}
	switch {
	case patch.ClearExpiry:
		sets = append(sets, "expire_at = NULL")
	case patch.ExpireAt != nil:
		set("expire_at", *patch.ExpireAt)
	}
	if patch.Plan != nil {
		set("plan", *patch.Plan)
	}
	if patch.URL != nil {
		set("url", *patch.URL)
	}
	sets = append(sets, "updated_at = NOW()")

	args = append(args, id)
	query := fmt.Sprintf("UPDATE subscriptions SET %s WHERE id = $%d RETURNING %s",
		strings.Join(sets, ", "), len(args), subscriptionColumns)
	return query, args
}

func insertSubscription(ctx context.Context, tx *sqlx.Tx, sub *models.Subscription) error {
	query := `
		INSERT INTO subscriptions (user_telegram_id, panel_user_uuid, status, is_trial, expire_at, plan, url)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`

	row := tx.QueryRowxContext(ctx, query,
		sub.UserTelegramID, sub.PanelUserUUID, sub.Status, sub.IsTrial, sub.ExpireAt, sub.Plan, sub.URL)
	if err := row.Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

// CreateCurrentSubscription inserts sub and makes it the user's current one
func (s *Store) CreateCurrentSubscription(ctx context.Context, sub *models.Subscription) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := insertSubscription(ctx, tx, sub); err != nil {
			return err
		}
		return setCurrentSubscription(ctx, tx, sub.UserTelegramID, sub.ID)
	})
}

// ReplaceCurrentSubscription disables the previous row, inserts sub and repoints the user.
// The previous row keeps its identity and history.
func (s *Store) ReplaceCurrentSubscription(ctx context.Context, previousID int64, sub *models.Subscription) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			"UPDATE subscriptions SET status = $1, updated_at = NOW() WHERE id = $2",
			models.SubscriptionStatusDisabled, previousID)
		if err != nil {
			return fmt.Errorf("disable subscription %d: %w", previousID, err)
		}
		if err := insertSubscription(ctx, tx, sub); err != nil {
			return err
		}
		return setCurrentSubscription(ctx, tx, sub.UserTelegramID, sub.ID)
	})
}

// ClaimTrialSubscription sets the user's trial flag and stores the trial as current.
// It reports false without writing anything when the flag was already set.
func (s *Store) ClaimTrialSubscription(ctx context.Context, sub *models.Subscription) (bool, error) {
	claimed := false
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE users SET is_trial_used = TRUE, updated_at = NOW() WHERE telegram_id = $1 AND NOT is_trial_used",
			sub.UserTelegramID)
		if err != nil {
			return fmt.Errorf("claim trial: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		if err := insertSubscription(ctx, tx, sub); err != nil {
			return err
		}
		if err := setCurrentSubscription(ctx, tx, sub.UserTelegramID, sub.ID); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}
