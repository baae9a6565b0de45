package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"subscription-service/internal/broker"
	"subscription-service/internal/messaging"
	"subscription-service/internal/models"
	"subscription-service/internal/service"
	"subscription-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type PaymentProcessor interface {
	HandlePaymentNotification(ctx context.Context, n *models.PaymentWebhookTask) error
	Replay(ctx context.Context, paymentID uuid.UUID) error
}

type StaleSweeper interface {
	Sweep(ctx context.Context, maxAge time.Duration) (int, error)
}

type Broadcaster interface {
	Run(ctx context.Context, taskID uuid.UUID) error
	MarkFailed(ctx context.Context, taskID uuid.UUID) error
	RunDeletion(ctx context.Context, taskID uuid.UUID) (*models.BroadcastDeleteResult, error)
}

type OperatorNotifier interface {
	NotifyOperator(ctx context.Context, note messaging.Notification)
}

// TaskDeps are the services the task catalog runs
type TaskDeps struct {
	Payments   PaymentProcessor
	Sweeper    StaleSweeper
	Broadcasts Broadcaster
	Notifier   OperatorNotifier
}

// ReplayResult is stored for payments.replay
type ReplayResult struct {
	PaymentID uuid.UUID `json:"payment_id"`
	Replayed  bool      `json:"replayed"`
	Reason    string    `json:"reason,omitempty"`
}

// SweepResult is stored for transactions.cancel_stale
type SweepResult struct {
	Canceled int `json:"canceled"`
}

// RegisterTasks binds the task catalog to the executor
func RegisterTasks(e *Executor, d TaskDeps) {
	alert := alertOperator(d.Notifier)

	e.Register(models.TaskPaymentWebhook, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var task models.PaymentWebhookTask
		if err := json.Unmarshal(raw, &task); err != nil {
			return nil, fmt.Errorf("decode %s: %w", models.TaskPaymentWebhook, err)
		}
		return nil, d.Payments.HandlePaymentNotification(ctx, &task)
	}, Hooks{OnError: alert})

	e.Register(models.TaskPaymentReplay, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var task models.PaymentReplayTask
		if err := json.Unmarshal(raw, &task); err != nil {
			return nil, fmt.Errorf("decode %s: %w", models.TaskPaymentReplay, err)
		}

		res := ReplayResult{PaymentID: task.PaymentID}
		err := d.Payments.Replay(ctx, task.PaymentID)
		var ferr *service.FulfillmentError
		switch {
		case err == nil:
			res.Replayed = true
		case errors.Is(err, service.ErrNotReplayable), errors.Is(err, service.ErrTransactionNotFound):
			res.Reason = err.Error()
		case errors.As(err, &ferr):
			// already alerted
			res.Reason = err.Error()
		default:
			return nil, err
		}

		util.GetLogger().Info("Replay finished",
			zap.String("payment_id", task.PaymentID.String()),
			zap.String("requested_by", task.RequestedBy),
			zap.Bool("replayed", res.Replayed))
		return res, nil
	}, Hooks{OnError: alert})

	e.Register(models.TaskCancelStalePayments, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var task models.CancelStalePaymentsTask
		if err := json.Unmarshal(raw, &task); err != nil {
			return nil, fmt.Errorf("decode %s: %w", models.TaskCancelStalePayments, err)
		}
		n, err := d.Sweeper.Sweep(ctx, task.MaxAge)
		if err != nil {
			return nil, err
		}
		return SweepResult{Canceled: n}, nil
	}, Hooks{OnError: alert})

	e.Register(models.TaskBroadcastSend, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var task models.BroadcastTask
		if err := json.Unmarshal(raw, &task); err != nil {
			return nil, fmt.Errorf("decode %s: %w", models.TaskBroadcastSend, err)
		}
		return nil, d.Broadcasts.Run(ctx, task.TaskID)
	}, Hooks{
		OnError: func(ctx context.Context, env broker.Envelope, err error) {
			var task models.BroadcastTask
			if jerr := json.Unmarshal(env.Payload, &task); jerr == nil {
				if merr := d.Broadcasts.MarkFailed(ctx, task.TaskID); merr != nil {
					util.GetLogger().Error("Failed to mark broadcast failed",
						zap.String("broadcast_id", task.TaskID.String()),
						zap.Error(merr))
				}
			}
			alert(ctx, env, err)
		},
	})

	e.Register(models.TaskBroadcastDelete, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var task models.BroadcastTask
		if err := json.Unmarshal(raw, &task); err != nil {
			return nil, fmt.Errorf("decode %s: %w", models.TaskBroadcastDelete, err)
		}
		return d.Broadcasts.RunDeletion(ctx, task.TaskID)
	}, Hooks{OnError: alert})
}

func alertOperator(n OperatorNotifier) func(ctx context.Context, env broker.Envelope, err error) {
	return func(ctx context.Context, env broker.Envelope, err error) {
		if n == nil {
			return
		}
		n.NotifyOperator(ctx, messaging.Notification{
			Title: "Task failed",
			Fields: [][2]string{
				{"task", env.Name},
				{"task_id", env.TaskID.String()},
				{"attempts", fmt.Sprint(env.Attempt)},
				{"error", err.Error()},
			},
		})
	}
}
