package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"subscription-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrTaskFailed = errors.New("task failed")

// Envelope is the wire format of a queued task
type Envelope struct {
	TaskID     uuid.UUID       `json:"task_id"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// TaskHandle identifies an enqueued task
type TaskHandle struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

// TaskResult is what a finished task leaves behind for AwaitResult
type TaskResult struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Publisher writes a message keyed by key
type Publisher interface {
	Publish(ctx context.Context, key string, msg interface{}) error
}

// ResultReader reads finished task results
type ResultReader interface {
	GetTaskResult(ctx context.Context, taskID uuid.UUID) ([]byte, bool, error)
}

// TaskQueue enqueues named tasks onto the task topic
type TaskQueue struct {
	publisher    Publisher
	results      ResultReader
	pollInterval time.Duration
	logger       *zap.Logger
}

// NewTaskQueue creates a task queue
func NewTaskQueue(publisher Publisher, results ResultReader) *TaskQueue {
	return &TaskQueue{
		publisher:    publisher,
		results:      results,
		pollInterval: 250 * time.Millisecond,
		logger:       util.GetLogger(),
	}
}

// Enqueue publishes a new task with a fresh id
func (q *TaskQueue) Enqueue(ctx context.Context, name string, payload interface{}) (TaskHandle, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return TaskHandle{}, fmt.Errorf("marshal %s payload: %w", name, err)
	}

	env := Envelope{
		TaskID:     uuid.New(),
		Name:       name,
		Payload:    raw,
		Attempt:    1,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := q.Publish(ctx, env); err != nil {
		return TaskHandle{}, err
	}

	q.logger.Debug("Task enqueued",
		zap.String("task", name),
		zap.String("task_id", env.TaskID.String()),
	)
	return TaskHandle{ID: env.TaskID, Name: name}, nil
}

// Publish writes an envelope as is; retries use it with a bumped attempt
func (q *TaskQueue) Publish(ctx context.Context, env Envelope) error {
	if err := q.publisher.Publish(ctx, env.TaskID.String(), env); err != nil {
		return fmt.Errorf("publish task %s: %w", env.Name, err)
	}
	return nil
}

// AwaitResult polls until the task finished and decodes its data into out.
// A task that failed for good yields ErrTaskFailed.
func (q *TaskQueue) AwaitResult(ctx context.Context, handle TaskHandle, out interface{}) error {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		raw, found, err := q.results.GetTaskResult(ctx, handle.ID)
		if err != nil {
			return fmt.Errorf("read result of %s: %w", handle.Name, err)
		}
		if found {
			var res TaskResult
			if err := json.Unmarshal(raw, &res); err != nil {
				return fmt.Errorf("decode result of %s: %w", handle.Name, err)
			}
			if res.Error != "" {
				return fmt.Errorf("%w: %s: %s", ErrTaskFailed, handle.Name, res.Error)
			}
			if out == nil || len(res.Data) == 0 {
				return nil
			}
			return json.Unmarshal(res.Data, out)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
