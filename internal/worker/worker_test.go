package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"subscription-service/internal/broker"
	"subscription-service/internal/messaging"
	"subscription-service/internal/models"
	"subscription-service/internal/service"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type requeue struct {
	mu   sync.Mutex
	envs []broker.Envelope
}

func (r *requeue) Publish(_ context.Context, env broker.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	return nil
}

type results struct {
	mu   sync.Mutex
	data map[uuid.UUID]broker.TaskResult
}

func (r *results) SetTaskResult(_ context.Context, id uuid.UUID, raw []byte, _ time.Duration) error {
	var res broker.TaskResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[id] = res
	return nil
}

func newTestExecutor(maxRetries int) (*Executor, *requeue, *results, *[]time.Duration) {
	q := &requeue{}
	res := &results{data: map[uuid.UUID]broker.TaskResult{}}
	e := NewExecutor(q, res, Config{MaxRetries: maxRetries, Backoff: time.Second, ResultTTL: time.Minute})
	var slept []time.Duration
	e.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return e, q, res, &slept
}

func envelope(name string, payload interface{}, attempt int) broker.Envelope {
	raw, _ := json.Marshal(payload)
	return broker.Envelope{TaskID: uuid.New(), Name: name, Payload: raw, Attempt: attempt}
}

func TestExecutorStoresResult(t *testing.T) {
	e, q, res, _ := newTestExecutor(3)
	e.Register("echo", func(_ context.Context, raw json.RawMessage) (interface{}, error) {
		var in map[string]int
		require.NoError(t, json.Unmarshal(raw, &in))
		return map[string]int{"doubled": in["n"] * 2}, nil
	}, Hooks{})

	env := envelope("echo", map[string]int{"n": 21}, 1)
	require.NoError(t, e.Dispatch(context.Background(), env))

	assert.Empty(t, q.envs)
	stored := res.data[env.TaskID]
	assert.Empty(t, stored.Error)
	assert.JSONEq(t, `{"doubled":42}`, string(stored.Data))
}

func TestExecutorRetriesWithLinearBackoff(t *testing.T) {
	e, q, res, slept := newTestExecutor(3)
	var retried, failed int
	e.Register("flaky", func(context.Context, json.RawMessage) (interface{}, error) {
		return nil, errors.New("panel unavailable")
	}, Hooks{
		OnRetry: func(context.Context, broker.Envelope, error) { retried++ },
		OnError: func(context.Context, broker.Envelope, error) { failed++ },
	})
	ctx := context.Background()

	env := envelope("flaky", struct{}{}, 1)
	require.NoError(t, e.Dispatch(ctx, env))
	require.Len(t, q.envs, 1)
	assert.Equal(t, 2, q.envs[0].Attempt)
	assert.Equal(t, env.TaskID, q.envs[0].TaskID)

	require.NoError(t, e.Dispatch(ctx, q.envs[0]))
	require.Len(t, q.envs, 2)
	assert.Equal(t, 3, q.envs[1].Attempt)

	require.NoError(t, e.Dispatch(ctx, q.envs[1]))
	assert.Len(t, q.envs, 2, "last attempt is not re-queued")

	assert.Equal(t, 2, retried)
	assert.Equal(t, 1, failed)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *slept)
	assert.Contains(t, res.data[env.TaskID].Error, "panel unavailable")
}

func TestExecutorRecoversPanics(t *testing.T) {
	e, _, res, _ := newTestExecutor(1)
	e.Register("boom", func(context.Context, json.RawMessage) (interface{}, error) {
		panic("nil map")
	}, Hooks{})

	env := envelope("boom", nil, 1)
	require.NoError(t, e.Dispatch(context.Background(), env))
	assert.Contains(t, res.data[env.TaskID].Error, "nil map")
}

func TestExecutorHandleMessage(t *testing.T) {
	e, _, res, _ := newTestExecutor(1)
	called := 0
	e.Register("ping", func(context.Context, json.RawMessage) (interface{}, error) {
		called++
		return nil, nil
	}, Hooks{})

	env := envelope("ping", nil, 1)
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	require.NoError(t, e.HandleMessage(context.Background(), kafka.Message{Value: raw}))
	require.NoError(t, e.HandleMessage(context.Background(), kafka.Message{Value: []byte("not json")}))
	require.NoError(t, e.Dispatch(context.Background(), envelope("unknown", nil, 1)))

	assert.Equal(t, 1, called)
	assert.Contains(t, res.data, env.TaskID)
}

type mockPayments struct {
	mock.Mock
}

func (m *mockPayments) HandlePaymentNotification(ctx context.Context, n *models.PaymentWebhookTask) error {
	return m.Called(ctx, n).Error(0)
}

func (m *mockPayments) Replay(ctx context.Context, id uuid.UUID) error {
	return m.Called(ctx, id).Error(0)
}

type mockBroadcasts struct {
	mock.Mock
}

func (m *mockBroadcasts) Run(ctx context.Context, id uuid.UUID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockBroadcasts) MarkFailed(ctx context.Context, id uuid.UUID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockBroadcasts) RunDeletion(ctx context.Context, id uuid.UUID) (*models.BroadcastDeleteResult, error) {
	args := m.Called(ctx, id)
	res, _ := args.Get(0).(*models.BroadcastDeleteResult)
	return res, args.Error(1)
}

type sweepFunc func(ctx context.Context, maxAge time.Duration) (int, error)

func (f sweepFunc) Sweep(ctx context.Context, maxAge time.Duration) (int, error) { return f(ctx, maxAge) }

type notes struct {
	titles []string
}

func (n *notes) NotifyOperator(_ context.Context, note messaging.Notification) {
	n.titles = append(n.titles, note.Title)
}

func TestRegisteredTasks(t *testing.T) {
	e, _, res, _ := newTestExecutor(1)
	payments := &mockPayments{}
	broadcasts := &mockBroadcasts{}
	alerts := &notes{}
	var sweptAge time.Duration
	RegisterTasks(e, TaskDeps{
		Payments:   payments,
		Broadcasts: broadcasts,
		Notifier:   alerts,
		Sweeper: sweepFunc(func(_ context.Context, maxAge time.Duration) (int, error) {
			sweptAge = maxAge
			return 4, nil
		}),
	})
	ctx := context.Background()

	t.Run("webhook", func(t *testing.T) {
		task := models.PaymentWebhookTask{PaymentID: uuid.New(), Status: models.TransactionStatusCompleted}
		payments.On("HandlePaymentNotification", mock.Anything, &task).Return(nil).Once()

		require.NoError(t, e.Dispatch(ctx, envelope(models.TaskPaymentWebhook, task, 1)))
		payments.AssertExpectations(t)
	})

	t.Run("replay not pending", func(t *testing.T) {
		id := uuid.New()
		payments.On("Replay", mock.Anything, id).Return(service.ErrNotReplayable).Once()

		env := envelope(models.TaskPaymentReplay, models.PaymentReplayTask{PaymentID: id}, 1)
		require.NoError(t, e.Dispatch(ctx, env))

		var out ReplayResult
		require.NoError(t, json.Unmarshal(res.data[env.TaskID].Data, &out))
		assert.False(t, out.Replayed)
		assert.Empty(t, res.data[env.TaskID].Error)
	})

	t.Run("sweep", func(t *testing.T) {
		env := envelope(models.TaskCancelStalePayments, models.CancelStalePaymentsTask{MaxAge: 24 * time.Hour}, 1)
		require.NoError(t, e.Dispatch(ctx, env))

		assert.Equal(t, 24*time.Hour, sweptAge)
		assert.JSONEq(t, `{"canceled":4}`, string(res.data[env.TaskID].Data))
	})

	t.Run("broadcast failure marks job", func(t *testing.T) {
		id := uuid.New()
		broadcasts.On("Run", mock.Anything, id).Return(errors.New("db gone")).Once()
		broadcasts.On("MarkFailed", mock.Anything, id).Return(nil).Once()

		require.NoError(t, e.Dispatch(ctx, envelope(models.TaskBroadcastSend, models.BroadcastTask{TaskID: id}, 1)))
		broadcasts.AssertExpectations(t)
		assert.Contains(t, alerts.titles, "Task failed")
	})

	t.Run("broadcast delete result", func(t *testing.T) {
		id := uuid.New()
		broadcasts.On("RunDeletion", mock.Anything, id).Return(&models.BroadcastDeleteResult{Deleted: 3, Failed: 1}, nil).Once()

		env := envelope(models.TaskBroadcastDelete, models.BroadcastTask{TaskID: id}, 1)
		require.NoError(t, e.Dispatch(ctx, env))
		assert.JSONEq(t, `{"deleted":3,"failed":1}`, string(res.data[env.TaskID].Data))
	})
}

type recordingEnqueuer struct {
	mu    sync.Mutex
	names []string
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, name string, _ interface{}) (broker.TaskHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
	return broker.TaskHandle{ID: uuid.New(), Name: name}, nil
}

func TestSchedulerTick(t *testing.T) {
	q := &recordingEnqueuer{}
	s := NewScheduler(q, time.Minute, 24*time.Hour)

	s.tick(context.Background())
	assert.Equal(t, []string{models.TaskCancelStalePayments}, q.names)
}
