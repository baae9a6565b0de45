package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"subscription-service/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const broadcastColumns = `task_id, status, audience, plan_id, payload, total_count, success_count, failed_count,
	deleted_count, delete_failed_count, created_at, updated_at`

const deliveryColumns = `id, broadcast_task_id, user_telegram_id, message_id, status, delete_failed`

// ResolveAudience returns the telegram ids matching the selector, skipping users who blocked the bot
func (s *Store) ResolveAudience(ctx context.Context, audience models.BroadcastAudience, planID *int64) ([]int64, error) {
	const base = `SELECT u.telegram_id FROM users u `
	const current = `JOIN subscriptions s ON s.id = u.current_subscription_id `
	const active = `NOT u.is_bot_blocked `

	var (
		query string
		args  []interface{}
	)
	switch audience {
	case models.AudienceAll:
		query = base + "WHERE " + active
	case models.AudienceUnsubscribed:
		query = base + "WHERE " + active + "AND u.current_subscription_id IS NULL"
	case models.AudienceSubscribed:
		query = base + current + "WHERE " + active + "AND s.status = $1 AND NOT s.is_trial"
		args = []interface{}{models.SubscriptionStatusActive}
	case models.AudienceExpired:
		query = base + current + "WHERE " + active + "AND s.status = $1"
		args = []interface{}{models.SubscriptionStatusExpired}
	case models.AudienceTrial:
		query = base + current + "WHERE " + active + "AND s.status = $1 AND s.is_trial"
		args = []interface{}{models.SubscriptionStatusActive}
	case models.AudiencePlan:
		if planID == nil {
			return nil, fmt.Errorf("audience %s requires a plan id", audience)
		}
		query = base + current + "WHERE " + active + "AND s.status = $1 AND (s.plan->>'id')::bigint = $2"
		args = []interface{}{models.SubscriptionStatusActive, *planID}
	default:
		return nil, fmt.Errorf("unknown audience %q", audience)
	}

	var ids []int64
	if err := s.db.SelectContext(ctx, &ids, query+" ORDER BY u.telegram_id", args...); err != nil {
		return nil, fmt.Errorf("resolve audience %s: %w", audience, err)
	}
	return ids, nil
}

// CreateBroadcast stores the job and one PENDING delivery record per recipient
func (s *Store) CreateBroadcast(ctx context.Context, job *models.BroadcastJob, recipients []int64) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		job.TotalCount = len(recipients)
		err := tx.QueryRowxContext(ctx, `
			INSERT INTO broadcasts (task_id, status, audience, plan_id, payload, total_count)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING created_at, updated_at`,
			job.TaskID, job.Status, job.Audience, job.PlanID, job.Payload, job.TotalCount,
		).Scan(&job.CreatedAt, &job.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert broadcast: %w", err)
		}

		stmt, err := tx.PreparexContext(ctx,
			"INSERT INTO broadcast_deliveries (broadcast_task_id, user_telegram_id, status) VALUES ($1, $2, $3)")
		if err != nil {
			return fmt.Errorf("prepare deliveries: %w", err)
		}
		defer stmt.Close()

		for _, id := range recipients {
			if _, err := stmt.ExecContext(ctx, job.TaskID, id, models.DeliveryStatusPending); err != nil {
				return fmt.Errorf("insert delivery for %d: %w", id, err)
			}
		}
		return nil
	})
}

// GetBroadcast retrieves a job by task id
func (s *Store) GetBroadcast(ctx context.Context, taskID uuid.UUID) (*models.BroadcastJob, error) {
	var job models.BroadcastJob
	err := s.db.GetContext(ctx, &job, "SELECT "+broadcastColumns+" FROM broadcasts WHERE task_id = $1", taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("broadcast %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// GetBroadcastStatus reads only the status column
func (s *Store) GetBroadcastStatus(ctx context.Context, taskID uuid.UUID) (models.BroadcastStatus, error) {
	var status models.BroadcastStatus
	err := s.db.GetContext(ctx, &status, "SELECT status FROM broadcasts WHERE task_id = $1", taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("broadcast %s: %w", taskID, ErrNotFound)
	}
	return status, err
}

// TransitionBroadcast sets status when the job currently holds from
func (s *Store) TransitionBroadcast(ctx context.Context, taskID uuid.UUID, from, to models.BroadcastStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE broadcasts SET status = $1, updated_at = NOW() WHERE task_id = $2 AND status = $3",
		to, taskID, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ListDeliveries returns the job's records in the given status, in id order
func (s *Store) ListDeliveries(ctx context.Context, taskID uuid.UUID, status models.DeliveryStatus) ([]models.DeliveryRecord, error) {
	var records []models.DeliveryRecord
	err := s.db.SelectContext(ctx, &records,
		"SELECT "+deliveryColumns+" FROM broadcast_deliveries WHERE broadcast_task_id = $1 AND status = $2 ORDER BY id",
		taskID, status)
	return records, err
}

// RecordDelivery stores a send outcome and bumps the matching job counter together
func (s *Store) RecordDelivery(ctx context.Context, record *models.DeliveryRecord) error {
	counter := "failed_count"
	if record.Status == models.DeliveryStatusSent {
		counter = "success_count"
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE broadcast_deliveries SET status = $1, message_id = $2 WHERE id = $3 AND status = $4",
			record.Status, record.MessageID, record.ID, models.DeliveryStatusPending)
		if err != nil {
			return fmt.Errorf("update delivery %d: %w", record.ID, err)
		}
		// already recorded by an earlier attempt
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE broadcasts SET "+counter+" = "+counter+" + 1, updated_at = NOW() WHERE task_id = $1",
			record.BroadcastTaskID)
		if err != nil {
			return fmt.Errorf("bump %s: %w", counter, err)
		}
		return nil
	})
}

// RecordDeletion stores a retraction outcome and bumps the deletion counters.
// A record counts as failed at most once; a later successful retraction moves
// it from the failed counter to the deleted one.
func (s *Store) RecordDeletion(ctx context.Context, record *models.DeliveryRecord, deleted bool) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if !deleted {
			res, err := tx.ExecContext(ctx,
				"UPDATE broadcast_deliveries SET delete_failed = TRUE WHERE id = $1 AND status = $2 AND NOT delete_failed",
				record.ID, models.DeliveryStatusSent)
			if err != nil {
				return fmt.Errorf("update delivery %d: %w", record.ID, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return nil
			}
			return bumpDeletionCounters(ctx, tx, record.BroadcastTaskID, "delete_failed_count = delete_failed_count + 1")
		}

		var failedBefore bool
		err := tx.GetContext(ctx, &failedBefore,
			"UPDATE broadcast_deliveries SET status = $1 WHERE id = $2 AND status = $3 RETURNING delete_failed",
			models.DeliveryStatusDeleted, record.ID, models.DeliveryStatusSent)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("update delivery %d: %w", record.ID, err)
		}

		set := "deleted_count = deleted_count + 1"
		if failedBefore {
			set += ", delete_failed_count = delete_failed_count - 1"
		}
		return bumpDeletionCounters(ctx, tx, record.BroadcastTaskID, set)
	})
}

func bumpDeletionCounters(ctx context.Context, tx *sqlx.Tx, taskID uuid.UUID, set string) error {
	_, err := tx.ExecContext(ctx,
		"UPDATE broadcasts SET "+set+", updated_at = NOW() WHERE task_id = $1", taskID)
	if err != nil {
		return fmt.Errorf("update deletion counters of %s: %w", taskID, err)
	}
	return nil
}
