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

// BroadcastConfig throttles a run
type BroadcastConfig struct {
	BatchSize  int
	BatchDelay time.Duration
}

// StartBroadcastRequest is an operator request to message an audience
type StartBroadcastRequest struct {
	Audience models.BroadcastAudience `json:"audience" validate:"required,oneof=ALL PLAN SUBSCRIBED UNSUBSCRIBED EXPIRED TRIAL"`
	PlanID   *int64                   `json:"plan_id" validate:"required_if=Audience PLAN"`
	Payload  models.MessagePayload    `json:"payload"`
}

// BroadcastService sends one payload to many recipients in throttled batches
type BroadcastService struct {
	store  BroadcastStore
	users  UserStore
	sender MessageSender
	tasks  TaskQueue
	cfg    BroadcastConfig
	sleep  func(ctx context.Context, d time.Duration) error
	logger *zap.Logger
}

// NewBroadcastService creates a new broadcast service
func NewBroadcastService(store BroadcastStore, users UserStore, sender MessageSender, tasks TaskQueue, cfg BroadcastConfig) *BroadcastService {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	return &BroadcastService{
		store:  store,
		users:  users,
		sender: sender,
		tasks:  tasks,
		cfg:    cfg,
		sleep:  sleepContext,
		logger: util.GetLogger(),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Start persists a job for the resolved audience and queues its run
func (s *BroadcastService) Start(ctx context.Context, req StartBroadcastRequest) (*models.BroadcastJob, error) {
	ctx, span := util.StartSpan(ctx, "BroadcastService.Start")
	defer span.End()

	recipients, err := s.store.ResolveAudience(ctx, req.Audience, req.PlanID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve audience: %w", err)
	}
	if len(recipients) == 0 {
		return nil, ErrEmptyAudience
	}

	job := &models.BroadcastJob{
		TaskID:   uuid.New(),
		Status:   models.BroadcastStatusProcessing,
		Audience: req.Audience,
		PlanID:   req.PlanID,
		Payload:  req.Payload,
	}
	if err := s.store.CreateBroadcast(ctx, job, recipients); err != nil {
		return nil, fmt.Errorf("failed to create broadcast: %w", err)
	}

	if _, err := s.tasks.Enqueue(ctx, models.TaskBroadcastSend, models.BroadcastTask{TaskID: job.TaskID}); err != nil {
		if _, terr := s.store.TransitionBroadcast(ctx, job.TaskID, models.BroadcastStatusProcessing, models.BroadcastStatusError); terr != nil {
			s.logger.Error("Failed to mark unqueued broadcast", zap.Error(terr))
		}
		return nil, fmt.Errorf("failed to enqueue broadcast: %w", err)
	}

	s.logger.Info("Broadcast started",
		zap.String("task_id", job.TaskID.String()),
		zap.String("audience", string(job.Audience)),
		zap.Int("recipients", job.TotalCount))
	return job, nil
}

// Get returns a job with its counters
func (s *BroadcastService) Get(ctx context.Context, taskID uuid.UUID) (*models.BroadcastJob, error) {
	job, err := s.store.GetBroadcast(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrBroadcastNotFound
	}
	return job, err
}

// Cancel flags a running job; the run notices before its next recipient
func (s *BroadcastService) Cancel(ctx context.Context, taskID uuid.UUID) error {
	if _, err := s.Get(ctx, taskID); err != nil {
		return err
	}
	ok, err := s.store.TransitionBroadcast(ctx, taskID, models.BroadcastStatusProcessing, models.BroadcastStatusCanceled)
	if err != nil {
		return err
	}
	if !ok {
		return ErrBroadcastNotRunning
	}
	s.logger.Info("Broadcast canceled", zap.String("task_id", taskID.String()))
	return nil
}

// Run sends the job's pending deliveries. Batches run strictly one after
// another and the job status is re-read before every recipient.
func (s *BroadcastService) Run(ctx context.Context, taskID uuid.UUID) error {
	ctx, span := util.StartSpan(ctx, "BroadcastService.Run")
	defer span.End()

	job, err := s.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if job.Status != models.BroadcastStatusProcessing {
		s.logger.Info("Broadcast not running, skipping",
			zap.String("task_id", taskID.String()),
			zap.String("status", string(job.Status)))
		return nil
	}

	pending, err := s.store.ListDeliveries(ctx, taskID, models.DeliveryStatusPending)
	if err != nil {
		return fmt.Errorf("failed to list deliveries: %w", err)
	}

	for start := 0; start < len(pending); start += s.cfg.BatchSize {
		if start > 0 {
			if err := s.sleep(ctx, s.cfg.BatchDelay); err != nil {
				return err
			}
		}

		end := start + s.cfg.BatchSize
		if end > len(pending) {
			end = len(pending)
		}

		for i := start; i < end; i++ {
			status, err := s.store.GetBroadcastStatus(ctx, taskID)
			if err != nil {
				return fmt.Errorf("failed to read broadcast status: %w", err)
			}
			if status != models.BroadcastStatusProcessing {
				s.logger.Info("Broadcast stopped",
					zap.String("task_id", taskID.String()),
					zap.String("status", string(status)),
					zap.Int("processed", i))
				return nil
			}

			if err := s.deliver(ctx, job, &pending[i]); err != nil {
				return err
			}
		}
	}

	if _, err := s.store.TransitionBroadcast(ctx, taskID, models.BroadcastStatusProcessing, models.BroadcastStatusCompleted); err != nil {
		return fmt.Errorf("failed to complete broadcast: %w", err)
	}
	s.logger.Info("Broadcast completed",
		zap.String("task_id", taskID.String()),
		zap.Int("recipients", len(pending)))
	return nil
}

// deliver sends to one recipient; a send failure only marks that record
func (s *BroadcastService) deliver(ctx context.Context, job *models.BroadcastJob, record *models.DeliveryRecord) error {
	messageID, err := s.sender.Send(ctx, record.UserTelegramID, job.Payload)
	switch {
	case err != nil:
		s.logger.Warn("Broadcast send failed",
			zap.String("task_id", job.TaskID.String()),
			zap.Int64("user_id", record.UserTelegramID),
			zap.Error(err))
		record.Status = models.DeliveryStatusFailed
	case messageID == nil:
		record.Status = models.DeliveryStatusFailed
		if berr := s.users.SetUserBotBlocked(ctx, record.UserTelegramID, true); berr != nil {
			s.logger.Warn("Failed to flag unreachable user",
				zap.Int64("user_id", record.UserTelegramID),
				zap.Error(berr))
		}
	default:
		record.Status = models.DeliveryStatusSent
		record.MessageID = messageID
	}

	util.BroadcastDeliveriesTotal.WithLabelValues(string(record.Status)).Inc()
	if err := s.store.RecordDelivery(ctx, record); err != nil {
		return fmt.Errorf("failed to record delivery %d: %w", record.ID, err)
	}
	return nil
}

// MarkFailed moves a running job to ERROR after its task gave up
func (s *BroadcastService) MarkFailed(ctx context.Context, taskID uuid.UUID) error {
	_, err := s.store.TransitionBroadcast(ctx, taskID, models.BroadcastStatusProcessing, models.BroadcastStatusError)
	return err
}

// RunDeletion retracts every sent message of a finished job
func (s *BroadcastService) RunDeletion(ctx context.Context, taskID uuid.UUID) (*models.BroadcastDeleteResult, error) {
	ctx, span := util.StartSpan(ctx, "BroadcastService.RunDeletion")
	defer span.End()

	sent, err := s.store.ListDeliveries(ctx, taskID, models.DeliveryStatusSent)
	if err != nil {
		return nil, fmt.Errorf("failed to list sent deliveries: %w", err)
	}

	result := &models.BroadcastDeleteResult{}
	for i := range sent {
		record := &sent[i]
		deleted := false
		if record.MessageID != nil {
			ok, err := s.sender.Delete(ctx, record.UserTelegramID, *record.MessageID)
			if err != nil {
				s.logger.Warn("Broadcast delete failed",
					zap.Int64("user_id", record.UserTelegramID),
					zap.Error(err))
			}
			deleted = ok && err == nil
		}

		if err := s.store.RecordDeletion(ctx, record, deleted); err != nil {
			return nil, fmt.Errorf("failed to record deletion %d: %w", record.ID, err)
		}
		if deleted {
			result.Deleted++
		} else {
			result.Failed++
		}
	}

	s.logger.Info("Broadcast messages deleted",
		zap.String("task_id", taskID.String()),
		zap.Int("deleted", result.Deleted),
		zap.Int("failed", result.Failed))
	return result, nil
}

// RequestDeletion queues the retraction of a finished job and waits for its counts
func (s *BroadcastService) RequestDeletion(ctx context.Context, taskID uuid.UUID) (*models.BroadcastDeleteResult, error) {
	job, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if job.Status == models.BroadcastStatusProcessing {
		return nil, ErrBroadcastRunning
	}

	handle, err := s.tasks.Enqueue(ctx, models.TaskBroadcastDelete, models.BroadcastTask{TaskID: taskID})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue deletion: %w", err)
	}

	var result models.BroadcastDeleteResult
	if err := s.tasks.AwaitResult(ctx, handle, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
