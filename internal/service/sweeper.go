package service

import (
	"context"
	"fmt"
	"time"

	"subscription-service/internal/models"
	"subscription-service/internal/util"

	"go.uber.org/zap"
)

// StaleSweeper cancels abandoned checkouts; one worker at a time holds the sweep lock
type StaleSweeper struct {
	ledger  *TransactionLedger
	locker  Locker
	maxAge  time.Duration
	lockTTL time.Duration
	logger  *zap.Logger
}

// NewStaleSweeper creates a new sweeper
func NewStaleSweeper(ledger *TransactionLedger, locker Locker, maxAge, lockTTL time.Duration) *StaleSweeper {
	return &StaleSweeper{
		ledger:  ledger,
		locker:  locker,
		maxAge:  maxAge,
		lockTTL: lockTTL,
		logger:  util.GetLogger(),
	}
}

// Sweep cancels PENDING transactions older than maxAge, or the configured age when maxAge is zero.
// It returns 0 without sweeping when another worker holds the lock.
func (s *StaleSweeper) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = s.maxAge
	}

	token, ok, err := s.locker.AcquireLock(ctx, models.TaskCancelStalePayments, s.lockTTL)
	if err != nil {
		return 0, fmt.Errorf("failed to acquire sweep lock: %w", err)
	}
	if !ok {
		s.logger.Debug("Stale sweep already running elsewhere")
		return 0, nil
	}
	defer func() {
		if err := s.locker.ReleaseLock(context.Background(), models.TaskCancelStalePayments, token); err != nil {
			s.logger.Warn("Failed to release sweep lock", zap.Error(err))
		}
	}()

	return s.ledger.CancelStale(ctx, maxAge)
}
