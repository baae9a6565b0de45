package worker

import (
	"context"
	"time"

	"subscription-service/internal/broker"
	"subscription-service/internal/models"
	"subscription-service/internal/util"

	"go.uber.org/zap"
)

// Enqueuer queues named tasks
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload interface{}) (broker.TaskHandle, error)
}

// Scheduler periodically queues the stale transaction sweep
type Scheduler struct {
	tasks    Enqueuer
	interval time.Duration
	maxAge   time.Duration
	logger   *zap.Logger
}

// NewScheduler creates a new scheduler
func NewScheduler(tasks Enqueuer, interval, maxAge time.Duration) *Scheduler {
	return &Scheduler{
		tasks:    tasks,
		interval: interval,
		maxAge:   maxAge,
		logger:   util.GetLogger(),
	}
}

// Run enqueues a sweep every interval until ctx is done
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Scheduler started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	_, err := s.tasks.Enqueue(ctx, models.TaskCancelStalePayments, models.CancelStalePaymentsTask{MaxAge: s.maxAge})
	if err != nil {
		s.logger.Error("Failed to schedule stale sweep", zap.Error(err))
	}
}
