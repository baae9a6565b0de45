package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"subscription-service/internal/models"
	"subscription-service/internal/panel"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const buyer = int64(1001)

func TestHandlePaymentNotificationProvisionsOnce(t *testing.T) {
	f := newOrchestratorFixture()
	f.store.addUser(models.User{TelegramID: buyer, PurchaseDiscount: 15})
	tx := f.pending(buyer, models.PurchaseTypeNew, testPlan(30))

	require.NoError(t, f.complete(tx))
	require.NoError(t, f.complete(tx))

	assert.Equal(t, 1, f.panel.creates, "replayed webhook must not provision again")
	assert.Equal(t, models.TransactionStatusCompleted, f.store.tx(tx.PaymentID).Status)

	user := f.store.user(buyer)
	require.NotNil(t, user.CurrentSubscriptionID)
	assert.Equal(t, 0, user.PurchaseDiscount, "purchase discount is one-shot")

	sub := f.store.sub(*user.CurrentSubscriptionID)
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
	require.NotNil(t, sub.ExpireAt)
	assert.Equal(t, fixedNow.Add(30*24*time.Hour), *sub.ExpireAt)
	assert.NotEmpty(t, sub.URL)
	assert.Equal(t, []string{"New payment completed"}, f.notifier.titles())
}

func TestRedeliveredCompletionFinishesInterruptedFulfillment(t *testing.T) {
	f := newOrchestratorFixture()
	f.store.addUser(models.User{TelegramID: buyer})
	tx := f.pending(buyer, models.PurchaseTypeNew, testPlan(30))

	// the first delivery committed COMPLETED and died before provisioning
	_, err := f.ledger.UpdateStatus(context.Background(), tx.PaymentID, models.TransactionStatusCompleted)
	require.NoError(t, err)
	require.Nil(t, f.store.tx(tx.PaymentID).FulfilledAt)

	require.NoError(t, f.complete(tx))

	assert.Equal(t, 1, f.panel.creates)
	assert.NotNil(t, f.store.user(buyer).CurrentSubscriptionID)
	assert.NotNil(t, f.store.tx(tx.PaymentID).FulfilledAt)
	assert.Equal(t, []string{"New payment completed"}, f.notifier.titles())

	require.NoError(t, f.complete(tx))
	assert.Equal(t, 1, f.panel.creates)
}

func TestReplayMarksTransactionFulfilled(t *testing.T) {
	f := newOrchestratorFixture()
	f.store.addUser(models.User{TelegramID: buyer})
	f.panel.failCreate = errors.New("timeout")
	tx := f.pending(buyer, models.PurchaseTypeNew, testPlan(30))
	require.NoError(t, f.complete(tx))
	assert.Nil(t, f.store.tx(tx.PaymentID).FulfilledAt)

	f.panel.failCreate = nil
	require.NoError(t, f.orch.Replay(context.Background(), tx.PaymentID))
	assert.NotNil(t, f.store.tx(tx.PaymentID).FulfilledAt)
}

func TestHandlePaymentNotificationUnlimitedPlan(t *testing.T) {
	f := newOrchestratorFixture()
	f.store.addUser(models.User{TelegramID: buyer})
	tx := f.pending(buyer, models.PurchaseTypeNew, testPlan(models.UnlimitedDuration))

	require.NoError(t, f.complete(tx))

	sub := f.store.sub(*f.store.user(buyer).CurrentSubscriptionID)
	assert.Nil(t, sub.ExpireAt)
	assert.Equal(t, panel.UnlimitedExpiry, f.panel.spec(sub.PanelUserUUID).ExpireAt)
}

func TestHandlePaymentNotificationOnCanceledTransaction(t *testing.T) {
	f := newOrchestratorFixture()
	f.store.addUser(models.User{TelegramID: buyer})
	tx := f.pending(buyer, models.PurchaseTypeNew, testPlan(30))
	f.store.setStatus(tx.PaymentID, models.TransactionStatusCanceled)

	require.NoError(t, f.complete(tx))

	assert.Equal(t, 0, f.panel.creates)
	assert.Equal(t, models.TransactionStatusCanceled, f.store.tx(tx.PaymentID).Status)
	assert.Equal(t, []string{"Payment received for a closed transaction"}, f.notifier.titles())
}

func TestHandlePaymentNotificationUnknownPayment(t *testing.T) {
	f := newOrchestratorFixture()

	err := f.orch.HandlePaymentNotification(context.Background(), &models.PaymentWebhookTask{
		PaymentID: uuid.New(),
		Status:    models.TransactionStatusCompleted,
	})
	assert.NoError(t, err)
}

func TestTestPaymentIsNeverProvisioned(t *testing.T) {
	f := newOrchestratorFixture()
	f.store.addUser(models.User{TelegramID: buyer})
	tx, err := f.ledger.Create(context.Background(), buyer, &models.Transaction{
		GatewayType: models.GatewayTypeYookassa,
		Plan:        models.PlanSnapshot{Name: "Test payment", DurationDays: 1},
		IsTest:      true,
	})
	require.NoError(t, err)

	require.NoError(t, f.complete(tx))

	assert.Equal(t, 0, f.panel.creates)
	assert.Nil(t, f.store.user(buyer).CurrentSubscriptionID)
	assert.Equal(t, models.TransactionStatusCompleted, f.store.tx(tx.PaymentID).Status)
}

func TestRenewExtendsFromLaterOfExpiryAndNow(t *testing.T) {
	tests := []struct {
		name     string
		expireAt time.Time
		want     time.Time
	}{
		{"active subscription stacks on expiry", fixedNow.Add(10 * 24 * time.Hour), fixedNow.Add(40 * 24 * time.Hour)},
		{"lapsed subscription starts from now", fixedNow.Add(-5 * 24 * time.Hour), fixedNow.Add(30 * 24 * time.Hour)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newOrchestratorFixture()
			f.store.addUser(models.User{TelegramID: buyer})
			ctx := context.Background()

			first := f.pending(buyer, models.PurchaseTypeNew, testPlan(30))
			require.NoError(t, f.complete(first))
			subID := *f.store.user(buyer).CurrentSubscriptionID
			expire := tt.expireAt
			_, err := f.store.UpdateSubscription(ctx, subID, models.SubscriptionPatch{ExpireAt: &expire})
			require.NoError(t, err)

			renewal := f.pending(buyer, models.PurchaseTypeRenew, testPlan(30))
			require.NoError(t, f.complete(renewal))

			assert.Equal(t, subID, *f.store.user(buyer).CurrentSubscriptionID, "renew keeps the subscription")
			sub := f.store.sub(subID)
			require.NotNil(t, sub.ExpireAt)
			assert.Equal(t, tt.want, *sub.ExpireAt)
			assert.Equal(t, tt.want, f.panel.spec(sub.PanelUserUUID).ExpireAt)
			assert.Equal(t, 1, f.panel.creates)
		})
	}
}

func TestRenewWithoutSubscriptionFails(t *testing.T) {
	f := newOrchestratorFixture()
	f.store.addUser(models.User{TelegramID: buyer})
	tx := f.pending(buyer, models.PurchaseTypeRenew, testPlan(30))

	require.NoError(t, f.complete(tx))

	assert.Equal(t, models.TransactionStatusFailed, f.store.tx(tx.PaymentID).Status)
	assert.Contains(t, f.notifier.field("Fulfillment failed", "error"), ErrNoSubscriptionToRenew.Error())
}

func TestChangeReplacesCurrentSubscription(t *testing.T) {
	f := newOrchestratorFixture()
	f.store.addUser(models.User{TelegramID: buyer})

	first := f.pending(buyer, models.PurchaseTypeNew, testPlan(30))
	require.NoError(t, f.complete(first))
	oldID := *f.store.user(buyer).CurrentSubscriptionID
	old := f.store.sub(oldID)

	bigger := testPlan(90)
	bigger.Name = "Premium"
	bigger.TrafficLimitGB = 500
	change := f.pending(buyer, models.PurchaseTypeChange, bigger)
	require.NoError(t, f.complete(change))

	newID := *f.store.user(buyer).CurrentSubscriptionID
	assert.NotEqual(t, oldID, newID, "change creates a new subscription identity")
	assert.Equal(t, models.SubscriptionStatusDisabled, f.store.sub(oldID).Status)

	sub := f.store.sub(newID)
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, "Premium", sub.Plan.Name)
	assert.Equal(t, fixedNow.Add(90*24*time.Hour), *sub.ExpireAt)
	assert.Equal(t, old.PanelUserUUID, sub.PanelUserUUID)
	assert.Equal(t, 1, f.panel.resets[sub.PanelUserUUID])
	assert.Equal(t, int64(500)*1024*1024*1024, f.panel.spec(sub.PanelUserUUID).TrafficLimitBytes)
}

func TestNewPurchaseWithExistingSubscriptionChangesIt(t *testing.T) {
	f := newOrchestratorFixture()
	f.store.addUser(models.User{TelegramID: buyer})

	first := f.pending(buyer, models.PurchaseTypeNew, testPlan(30))
	require.NoError(t, f.complete(first))
	oldID := *f.store.user(buyer).CurrentSubscriptionID

	second := f.pending(buyer, models.PurchaseTypeNew, testPlan(30))
	require.NoError(t, f.complete(second))

	assert.Equal(t, 1, f.panel.creates)
	assert.NotEqual(t, oldID, *f.store.user(buyer).CurrentSubscriptionID)
	assert.Equal(t, models.SubscriptionStatusDisabled, f.store.sub(oldID).Status)
}

func TestPanelFailureMarksTransactionFailed(t *testing.T) {
	f := newOrchestratorFixture()
	f.store.addUser(models.User{TelegramID: buyer})
	f.panel.failCreate = &panel.APIError{Op: "create user", StatusCode: 502, Body: "bad gateway"}
	tx := f.pending(buyer, models.PurchaseTypeNew, testPlan(30))

	require.NoError(t, f.complete(tx), "fulfillment failures are not retried by the queue")

	assert.Equal(t, models.TransactionStatusFailed, f.store.tx(tx.PaymentID).Status)
	assert.Nil(t, f.store.user(buyer).CurrentSubscriptionID)
	assert.Equal(t, []string{"Fulfillment failed"}, f.notifier.titles())

	correlation := f.notifier.field("Fulfillment failed", "correlation_id")
	_, err := uuid.Parse(correlation)
	assert.NoError(t, err)
	assert.Contains(t, f.notifier.field("Fulfillment failed", "error"), "bad gateway")
}

func TestFulfillReturnsFulfillmentError(t *testing.T) {
	f := newOrchestratorFixture()
	f.store.addUser(models.User{TelegramID: buyer})
	f.panel.failCreate = errors.New("connection refused")
	tx := f.pending(buyer, models.PurchaseTypeNew, testPlan(30))
	f.store.setStatus(tx.PaymentID, models.TransactionStatusCompleted)

	err := f.orch.Fulfill(context.Background(), tx)

	var ferr *FulfillmentError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, tx.PaymentID, ferr.PaymentID)
	assert.NotEqual(t, uuid.Nil, ferr.CorrelationID)
	assert.Equal(t, models.TransactionStatusFailed, f.store.tx(tx.PaymentID).Status)
}

func TestReplayAfterFailure(t *testing.T) {
	f := newOrchestratorFixture()
	f.store.addUser(models.User{TelegramID: buyer})
	f.panel.failCreate = errors.New("timeout")
	tx := f.pending(buyer, models.PurchaseTypeNew, testPlan(30))
	require.NoError(t, f.complete(tx))
	require.Equal(t, models.TransactionStatusFailed, f.store.tx(tx.PaymentID).Status)

	ctx := context.Background()

	err := f.orch.Replay(ctx, tx.PaymentID)
	var ferr *FulfillmentError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, models.TransactionStatusFailed, f.store.tx(tx.PaymentID).Status)

	f.panel.failCreate = nil
	require.NoError(t, f.orch.Replay(ctx, tx.PaymentID))
	assert.Equal(t, models.TransactionStatusCompleted, f.store.tx(tx.PaymentID).Status)
	assert.NotNil(t, f.store.user(buyer).CurrentSubscriptionID)

	assert.ErrorIs(t, f.orch.Replay(ctx, tx.PaymentID), ErrNotReplayable)
	assert.Equal(t, 1, f.panel.creates)

	// a late provider retry of COMPLETED is still a no-op
	require.NoError(t, f.complete(tx))
	assert.Equal(t, 1, f.panel.creates)
}

func TestCreateReusesExistingPanelUser(t *testing.T) {
	f := newOrchestratorFixture()
	f.store.addUser(models.User{TelegramID: buyer})
	existing, err := f.panel.CreateUser(context.Background(), panel.UserSpec{Username: panel.Username(buyer)})
	require.NoError(t, err)

	tx := f.pending(buyer, models.PurchaseTypeNew, testPlan(30))
	require.NoError(t, f.complete(tx))

	sub := f.store.sub(*f.store.user(buyer).CurrentSubscriptionID)
	assert.Equal(t, existing.UUID, sub.PanelUserUUID)
	assert.Equal(t, 1, f.panel.creates)
}

func TestIssueTrial(t *testing.T) {
	f := newOrchestratorFixture()
	f.store.addUser(models.User{TelegramID: buyer})
	ctx := context.Background()

	sub, err := f.orch.IssueTrial(ctx, buyer)
	require.NoError(t, err)
	assert.True(t, sub.IsTrial)
	assert.Equal(t, fixedNow.Add(3*24*time.Hour), *sub.ExpireAt)
	assert.True(t, f.store.user(buyer).IsTrialUsed)

	_, err = f.orch.IssueTrial(ctx, buyer)
	assert.ErrorIs(t, err, ErrTrialAlreadyUsed)

	_, err = f.orch.IssueTrial(ctx, 999)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestIssueTrialRejectedWithSubscription(t *testing.T) {
	f := newOrchestratorFixture()
	f.store.addUser(models.User{TelegramID: buyer})
	tx := f.pending(buyer, models.PurchaseTypeNew, testPlan(30))
	require.NoError(t, f.complete(tx))

	_, err := f.orch.IssueTrial(context.Background(), buyer)
	assert.ErrorIs(t, err, ErrTrialNotAvailable)
}

func TestIssueTrialConcurrentRequests(t *testing.T) {
	f := newOrchestratorFixture()
	f.store.addUser(models.User{TelegramID: buyer})

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.orch.IssueTrial(context.Background(), buyer)
		}(i)
	}
	wg.Wait()

	granted := 0
	for _, err := range errs {
		if err == nil {
			granted++
			continue
		}
		assert.True(t,
			errors.Is(err, ErrTrialAlreadyUsed) || errors.Is(err, ErrTrialNotAvailable),
			"unexpected error: %v", err)
	}
	assert.Equal(t, 1, granted)

	sub := f.store.sub(*f.store.user(buyer).CurrentSubscriptionID)
	_, err := f.panel.GetUserByUsername(context.Background(), panel.Username(buyer))
	require.NoError(t, err, "the winner's panel user must survive")
	assert.True(t, sub.IsTrial)
}

func TestTrialUpgradeOnRenew(t *testing.T) {
	f := newOrchestratorFixture()
	f.store.addUser(models.User{TelegramID: buyer})
	trial, err := f.orch.IssueTrial(context.Background(), buyer)
	require.NoError(t, err)

	tx := f.pending(buyer, models.PurchaseTypeRenew, testPlan(30))
	require.NoError(t, f.complete(tx))

	sub := f.store.sub(*f.store.user(buyer).CurrentSubscriptionID)
	assert.NotEqual(t, trial.ID, sub.ID)
	assert.False(t, sub.IsTrial)
	assert.Equal(t, models.SubscriptionStatusDisabled, f.store.sub(trial.ID).Status)
}

func TestMirrorPanelEvent(t *testing.T) {
	f := newOrchestratorFixture()
	f.store.addUser(models.User{TelegramID: buyer})
	tx := f.pending(buyer, models.PurchaseTypeNew, testPlan(30))
	require.NoError(t, f.complete(tx))
	sub := f.store.sub(*f.store.user(buyer).CurrentSubscriptionID)
	ctx := context.Background()

	ev := &panel.Event{Name: "user.limited"}
	ev.Data.UUID = sub.PanelUserUUID
	require.NoError(t, f.orch.MirrorPanelEvent(ctx, ev))
	assert.Equal(t, models.SubscriptionStatusLimited, f.store.sub(sub.ID).Status)

	ignored := &panel.Event{Name: "user.bandwidth_usage_threshold_reached"}
	ignored.Data.UUID = sub.PanelUserUUID
	require.NoError(t, f.orch.MirrorPanelEvent(ctx, ignored))
	assert.Equal(t, models.SubscriptionStatusLimited, f.store.sub(sub.ID).Status)

	unknown := &panel.Event{Name: "user.disabled"}
	unknown.Data.UUID = uuid.New()
	assert.NoError(t, f.orch.MirrorPanelEvent(ctx, unknown))
}
