package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"subscription-service/internal/broker"
	"subscription-service/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Handler runs one task. The returned value is stored as the task result.
type Handler func(ctx context.Context, payload json.RawMessage) (interface{}, error)

// Hooks observe the failures of one task type
type Hooks struct {
	// OnRetry runs before a failed attempt is re-queued
	OnRetry func(ctx context.Context, env broker.Envelope, err error)
	// OnError runs once the last attempt failed
	OnError func(ctx context.Context, env broker.Envelope, err error)
}

// Republisher re-queues an envelope
type Republisher interface {
	Publish(ctx context.Context, env broker.Envelope) error
}

// ResultWriter stores finished task results
type ResultWriter interface {
	SetTaskResult(ctx context.Context, taskID uuid.UUID, result []byte, ttl time.Duration) error
}

// Config controls retries and result retention
type Config struct {
	MaxRetries int
	Backoff    time.Duration
	ResultTTL  time.Duration
}

type registration struct {
	handler Handler
	hooks   Hooks
}

// Executor dispatches task envelopes to registered handlers with at-least-once semantics
type Executor struct {
	handlers map[string]registration
	queue    Republisher
	results  ResultWriter
	cfg      Config
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *zap.Logger
}

// NewExecutor creates a new executor
func NewExecutor(queue Republisher, results ResultWriter, cfg Config) *Executor {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = time.Hour
	}
	return &Executor{
		handlers: make(map[string]registration),
		queue:    queue,
		results:  results,
		cfg:      cfg,
		sleep:    sleepContext,
		logger:   util.GetLogger(),
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

// Register binds a handler and its hooks to a task name
func (e *Executor) Register(name string, h Handler, hooks Hooks) {
	e.handlers[name] = registration{handler: h, hooks: hooks}
}

// HandleMessage decodes a consumed message and dispatches it.
// Undecodable messages are dropped so they cannot block the partition.
func (e *Executor) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var env broker.Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		e.logger.Error("Dropping undecodable task",
			zap.String("key", string(msg.Key)),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}
	return e.Dispatch(ctx, env)
}

// Dispatch runs one attempt of a task. A failed attempt is re-published with
// attempt+1 after a linear backoff until MaxRetries attempts were made.
func (e *Executor) Dispatch(ctx context.Context, env broker.Envelope) error {
	reg, ok := e.handlers[env.Name]
	if !ok {
		e.logger.Warn("No handler for task",
			zap.String("task", env.Name),
			zap.String("task_id", env.TaskID.String()))
		util.TasksProcessedTotal.WithLabelValues(env.Name, "unknown").Inc()
		return nil
	}

	ctx, span := util.StartSpan(ctx, "Executor."+env.Name)
	defer span.End()

	logger := e.logger.With(
		zap.String("task", env.Name),
		zap.String("task_id", env.TaskID.String()),
		zap.Int("attempt", env.Attempt))

	start := time.Now()
	data, err := e.run(ctx, reg.handler, env.Payload)
	util.TaskDuration.WithLabelValues(env.Name).Observe(time.Since(start).Seconds())

	if err == nil {
		util.TasksProcessedTotal.WithLabelValues(env.Name, "success").Inc()
		logger.Debug("Task done")
		return e.storeResult(ctx, env, data, "")
	}

	if env.Attempt < e.cfg.MaxRetries {
		util.TasksProcessedTotal.WithLabelValues(env.Name, "retry").Inc()
		logger.Warn("Task failed, retrying", zap.Error(err))
		if reg.hooks.OnRetry != nil {
			reg.hooks.OnRetry(ctx, env, err)
		}
		if err := e.sleep(ctx, time.Duration(env.Attempt)*e.cfg.Backoff); err != nil {
			return err
		}

		next := env
		next.Attempt++
		if err := e.queue.Publish(ctx, next); err != nil {
			return fmt.Errorf("requeue %s: %w", env.Name, err)
		}
		return nil
	}

	util.TasksProcessedTotal.WithLabelValues(env.Name, "failed").Inc()
	logger.Error("Task failed for good", zap.Error(err))
	if reg.hooks.OnError != nil {
		reg.hooks.OnError(ctx, env, err)
	}
	return e.storeResult(ctx, env, nil, err.Error())
}

// run turns a handler panic into a failed attempt
func (e *Executor) run(ctx context.Context, h Handler, payload json.RawMessage) (data interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return h(ctx, payload)
}

func (e *Executor) storeResult(ctx context.Context, env broker.Envelope, data interface{}, failure string) error {
	res := broker.TaskResult{Error: failure}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal %s result: %w", env.Name, err)
		}
		res.Data = raw
	}

	raw, err := json.Marshal(res)
	if err != nil {
		return err
	}
	if err := e.results.SetTaskResult(ctx, env.TaskID, raw, e.cfg.ResultTTL); err != nil {
		e.logger.Warn("Failed to store task result",
			zap.String("task", env.Name),
			zap.String("task_id", env.TaskID.String()),
			zap.Error(err))
	}
	return nil
}

// TaskWorker consumes the task topic and feeds the executor
type TaskWorker struct {
	consumer *broker.Consumer
	executor *Executor
	logger   *zap.Logger
}

// NewTaskWorker creates a new task worker
func NewTaskWorker(consumer *broker.Consumer, executor *Executor) *TaskWorker {
	return &TaskWorker{
		consumer: consumer,
		executor: executor,
		logger:   util.GetLogger(),
	}
}

// Start blocks until ctx is done
func (w *TaskWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting task worker...")
	return w.consumer.StartConsuming(ctx, w.executor.HandleMessage)
}

// Stop stops the worker
func (w *TaskWorker) Stop() error {
	w.logger.Info("Stopping task worker...")
	return w.consumer.Close()
}
