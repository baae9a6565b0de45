package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"subscription-service/internal/messaging"
	"subscription-service/internal/models"
	"subscription-service/internal/panel"
	"subscription-service/internal/store"
	"subscription-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OrchestratorConfig holds the provisioning knobs
type OrchestratorConfig struct {
	PanelTimeout time.Duration
	TrialPlan    models.PlanSnapshot
}

// SubscriptionOrchestrator turns completed payments into provisioned access
type SubscriptionOrchestrator struct {
	ledger   *TransactionLedger
	subs     SubscriptionStore
	users    UserStore
	panel    PanelClient
	notifier OperatorNotifier
	cfg      OrchestratorConfig
	now      func() time.Time
	logger   *zap.Logger
}

// NewSubscriptionOrchestrator creates a new orchestrator
func NewSubscriptionOrchestrator(
	ledger *TransactionLedger,
	subs SubscriptionStore,
	users UserStore,
	panelClient PanelClient,
	notifier OperatorNotifier,
	cfg OrchestratorConfig,
) *SubscriptionOrchestrator {
	if cfg.PanelTimeout <= 0 {
		cfg.PanelTimeout = 15 * time.Second
	}
	return &SubscriptionOrchestrator{
		ledger:   ledger,
		subs:     subs,
		users:    users,
		panel:    panelClient,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
		logger:   util.GetLogger(),
	}
}

// HandlePaymentNotification applies a parsed provider notification and fulfills
// the first COMPLETED observation. A repeated COMPLETED is a no-op unless the
// earlier delivery stopped between the status change and provisioning.
func (o *SubscriptionOrchestrator) HandlePaymentNotification(ctx context.Context, n *models.PaymentWebhookTask) error {
	ctx, span := util.StartSpan(ctx, "SubscriptionOrchestrator.HandlePaymentNotification")
	defer span.End()

	tr, err := o.ledger.UpdateStatus(ctx, n.PaymentID, n.Status)
	var terr *TransitionError
	switch {
	case errors.As(err, &terr):
		if n.Status == models.TransactionStatusCompleted {
			o.notifier.NotifyOperator(ctx, messaging.Notification{
				Title: "Payment received for a closed transaction",
				Fields: [][2]string{
					{"payment_id", n.PaymentID.String()},
					{"gateway", string(n.Gateway)},
					{"status", string(terr.From)},
				},
			})
		}
		return nil
	case errors.Is(err, ErrTransactionNotFound):
		o.logger.Warn("Notification for unknown transaction",
			zap.String("payment_id", n.PaymentID.String()),
			zap.String("gateway", string(n.Gateway)))
		return nil
	case err != nil:
		return fmt.Errorf("failed to update transaction status: %w", err)
	}

	if n.Status != models.TransactionStatusCompleted {
		return nil
	}
	if !tr.Applied {
		t := tr.Transaction
		if t.Status != models.TransactionStatusCompleted || t.FulfilledAt != nil {
			return nil
		}
		o.logger.Warn("Resuming unfinished fulfillment",
			zap.String("payment_id", t.PaymentID.String()),
			zap.String("gateway", string(n.Gateway)))
	}

	var ferr *FulfillmentError
	if err := o.Fulfill(ctx, tr.Transaction); err != nil && !errors.As(err, &ferr) {
		return err
	}
	return nil
}

// Fulfill provisions a freshly COMPLETED transaction. A provisioning failure
// marks the transaction FAILED, alerts the operator and returns *FulfillmentError.
func (o *SubscriptionOrchestrator) Fulfill(ctx context.Context, t *models.Transaction) error {
	ctx, span := util.StartSpan(ctx, "SubscriptionOrchestrator.Fulfill")
	defer span.End()

	if t.IsTest {
		o.logger.Info("Test payment completed", zap.String("payment_id", t.PaymentID.String()))
		o.notifier.NotifyOperator(ctx, messaging.Notification{
			Title:  "Test payment completed",
			Fields: [][2]string{{"payment_id", t.PaymentID.String()}, {"gateway", string(t.GatewayType)}},
		})
		o.markFulfilled(ctx, t.PaymentID)
		return nil
	}

	if err := o.users.ConsumePurchaseDiscount(ctx, t.UserTelegramID); err != nil {
		o.logger.Error("Failed to consume purchase discount",
			zap.Int64("user_id", t.UserTelegramID),
			zap.Error(err))
	}

	sub, err := o.provision(ctx, t)
	if err != nil {
		ferr := o.fulfillmentFailed(ctx, t, err)
		if _, uerr := o.ledger.UpdateStatus(ctx, t.PaymentID, models.TransactionStatusFailed); uerr != nil {
			o.logger.Error("Failed to mark transaction FAILED",
				zap.String("payment_id", t.PaymentID.String()),
				zap.Error(uerr))
		}
		return ferr
	}
	o.markFulfilled(ctx, t.PaymentID)

	util.FulfillmentsTotal.WithLabelValues(string(t.PurchaseType), "success").Inc()
	o.notifier.NotifyOperator(ctx, messaging.Notification{
		Title: "New payment completed",
		Fields: [][2]string{
			{"payment_id", t.PaymentID.String()},
			{"user_id", fmt.Sprint(t.UserTelegramID)},
			{"purchase_type", string(t.PurchaseType)},
			{"plan", t.Plan.Name},
			{"amount", t.Pricing.FinalAmount.String() + " " + string(t.Currency)},
			{"subscription_id", fmt.Sprint(sub.ID)},
		},
	})
	return nil
}

// Replay re-runs provisioning of a FAILED transaction and moves it back to COMPLETED
func (o *SubscriptionOrchestrator) Replay(ctx context.Context, paymentID uuid.UUID) error {
	ctx, span := util.StartSpan(ctx, "SubscriptionOrchestrator.Replay")
	defer span.End()

	t, err := o.ledger.Get(ctx, paymentID)
	if err != nil {
		return err
	}
	if t.Status != models.TransactionStatusFailed {
		return fmt.Errorf("%w: %s is %s", ErrNotReplayable, paymentID, t.Status)
	}

	if _, err := o.provision(ctx, t); err != nil {
		return o.fulfillmentFailed(ctx, t, err)
	}
	o.markFulfilled(ctx, paymentID)

	if _, err := o.ledger.ResolveFailed(ctx, paymentID); err != nil {
		return err
	}

	util.FulfillmentsTotal.WithLabelValues(string(t.PurchaseType), "replayed").Inc()
	o.logger.Info("Fulfillment replayed", zap.String("payment_id", paymentID.String()))
	return nil
}

// markFulfilled stamps the transaction so redelivered notifications skip it.
// A failed stamp is only logged: the user is already provisioned.
func (o *SubscriptionOrchestrator) markFulfilled(ctx context.Context, paymentID uuid.UUID) {
	if err := o.ledger.MarkFulfilled(ctx, paymentID); err != nil {
		o.logger.Error("Provisioned but not marked fulfilled",
			zap.String("payment_id", paymentID.String()),
			zap.Error(err))
	}
}

func (o *SubscriptionOrchestrator) fulfillmentFailed(ctx context.Context, t *models.Transaction, cause error) *FulfillmentError {
	ferr := &FulfillmentError{
		PaymentID:     t.PaymentID,
		PurchaseType:  t.PurchaseType,
		CorrelationID: uuid.New(),
		Err:           cause,
	}

	util.FulfillmentsTotal.WithLabelValues(string(t.PurchaseType), "failed").Inc()
	o.logger.Error("Fulfillment failed",
		zap.String("payment_id", t.PaymentID.String()),
		zap.String("correlation_id", ferr.CorrelationID.String()),
		zap.String("purchase_type", string(t.PurchaseType)),
		zap.Error(cause))
	o.notifier.NotifyOperator(ctx, messaging.Notification{
		Title: "Fulfillment failed",
		Fields: [][2]string{
			{"payment_id", t.PaymentID.String()},
			{"correlation_id", ferr.CorrelationID.String()},
			{"user_id", fmt.Sprint(t.UserTelegramID)},
			{"purchase_type", string(t.PurchaseType)},
			{"error", cause.Error()},
		},
	})
	return ferr
}

// provision dispatches to the recipe of the purchase type
func (o *SubscriptionOrchestrator) provision(ctx context.Context, t *models.Transaction) (*models.Subscription, error) {
	current, err := o.currentSubscription(ctx, t.UserTelegramID)
	if err != nil {
		return nil, err
	}

	switch t.PurchaseType {
	case models.PurchaseTypeNew:
		if current == nil {
			return o.createNew(ctx, t.UserTelegramID, t.Plan)
		}
		return o.change(ctx, current, t.Plan)

	case models.PurchaseTypeRenew:
		if current == nil {
			return nil, ErrNoSubscriptionToRenew
		}
		if current.IsTrial {
			return o.change(ctx, current, t.Plan)
		}
		return o.renew(ctx, current, t.Plan)

	case models.PurchaseTypeChange:
		if current == nil {
			return o.createNew(ctx, t.UserTelegramID, t.Plan)
		}
		return o.change(ctx, current, t.Plan)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPurchaseType, t.PurchaseType)
	}
}

// currentSubscription returns nil when the user has no usable current subscription
func (o *SubscriptionOrchestrator) currentSubscription(ctx context.Context, userID int64) (*models.Subscription, error) {
	sub, err := o.subs.GetCurrentSubscription(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load current subscription: %w", err)
	}
	if sub.Status == models.SubscriptionStatusDeleted {
		return nil, nil
	}
	return sub, nil
}

func (o *SubscriptionOrchestrator) panelCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.cfg.PanelTimeout)
}

// expiryFrom is nil for unlimited plans
func expiryFrom(base time.Time, plan models.PlanSnapshot) *time.Time {
	if plan.IsUnlimited() {
		return nil
	}
	t := base.Add(plan.Duration()).UTC()
	return &t
}

func panelExpiry(expiry *time.Time) time.Time {
	if expiry == nil {
		return panel.UnlimitedExpiry
	}
	return *expiry
}

// upsertPanelUser creates the panel user or, when the username is taken,
// updates the existing one. created reports whether a new user was made.
func (o *SubscriptionOrchestrator) upsertPanelUser(ctx context.Context, spec panel.UserSpec) (user *panel.User, created bool, err error) {
	pctx, cancel := o.panelCtx(ctx)
	defer cancel()

	user, err = o.panel.CreateUser(pctx, spec)
	if err == nil {
		return user, true, nil
	}
	if !errors.Is(err, panel.ErrUserExists) {
		return nil, false, fmt.Errorf("panel create user: %w", err)
	}

	existing, err := o.panel.GetUserByUsername(pctx, spec.Username)
	if err != nil {
		return nil, false, fmt.Errorf("panel get user %s: %w", spec.Username, err)
	}
	user, err = o.panel.UpdateUser(pctx, existing.UUID, spec)
	if err != nil {
		return nil, false, fmt.Errorf("panel update user %s: %w", existing.UUID, err)
	}
	return user, false, nil
}

// createNew provisions a first subscription and points the user at it
func (o *SubscriptionOrchestrator) createNew(ctx context.Context, userID int64, plan models.PlanSnapshot) (*models.Subscription, error) {
	expiry := expiryFrom(o.now(), plan)

	user, _, err := o.upsertPanelUser(ctx, panel.SpecFromPlan(userID, plan, panelExpiry(expiry)))
	if err != nil {
		return nil, err
	}

	sub := &models.Subscription{
		UserTelegramID: userID,
		PanelUserUUID:  user.UUID,
		Status:         models.SubscriptionStatusActive,
		ExpireAt:       expiry,
		Plan:           plan,
		URL:            user.SubscriptionURL,
	}
	if err := o.subs.CreateCurrentSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to store subscription: %w", err)
	}

	o.logger.Info("Subscription created",
		zap.Int64("user_id", userID),
		zap.Int64("subscription_id", sub.ID),
		zap.String("panel_uuid", user.UUID.String()))
	return sub, nil
}

// renew extends the current expiry by the plan duration and keeps the row identity
func (o *SubscriptionOrchestrator) renew(ctx context.Context, current *models.Subscription, plan models.PlanSnapshot) (*models.Subscription, error) {
	now := o.now()
	var expiry *time.Time
	if current.ExpireAt != nil {
		base := *current.ExpireAt
		if base.Before(now) {
			base = now
		}
		expiry = expiryFrom(base, plan)
	}

	pctx, cancel := o.panelCtx(ctx)
	defer cancel()

	spec := panel.SpecFromPlan(current.UserTelegramID, plan, panelExpiry(expiry))
	user, err := o.panel.UpdateUser(pctx, current.PanelUserUUID, spec)
	if err != nil {
		return nil, fmt.Errorf("panel update user %s: %w", current.PanelUserUUID, err)
	}

	status := models.SubscriptionStatusActive
	patch := models.SubscriptionPatch{Status: &status, Plan: &plan}
	if expiry == nil {
		patch.ClearExpiry = true
	} else {
		patch.ExpireAt = expiry
	}
	if user.SubscriptionURL != "" && user.SubscriptionURL != current.URL {
		patch.URL = &user.SubscriptionURL
	}

	sub, err := o.subs.UpdateSubscription(ctx, current.ID, patch)
	if err != nil {
		return nil, fmt.Errorf("failed to update subscription %d: %w", current.ID, err)
	}

	o.logger.Info("Subscription renewed",
		zap.Int64("subscription_id", sub.ID),
		zap.Timep("expire_at", sub.ExpireAt))
	return sub, nil
}

// change resizes the panel user to the new plan with fresh counters, disables
// the previous row and points the user at a new one
func (o *SubscriptionOrchestrator) change(ctx context.Context, current *models.Subscription, plan models.PlanSnapshot) (*models.Subscription, error) {
	expiry := expiryFrom(o.now(), plan)
	spec := panel.SpecFromPlan(current.UserTelegramID, plan, panelExpiry(expiry))

	pctx, cancel := o.panelCtx(ctx)
	defer cancel()

	user, err := o.panel.UpdateUser(pctx, current.PanelUserUUID, spec)
	switch {
	case errors.Is(err, panel.ErrUserNotFound):
		user, _, err = o.upsertPanelUser(ctx, spec)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("panel update user %s: %w", current.PanelUserUUID, err)
	}

	if err := o.panel.ResetTraffic(pctx, user.UUID); err != nil {
		return nil, fmt.Errorf("panel reset traffic %s: %w", user.UUID, err)
	}

	sub := &models.Subscription{
		UserTelegramID: current.UserTelegramID,
		PanelUserUUID:  user.UUID,
		Status:         models.SubscriptionStatusActive,
		ExpireAt:       expiry,
		Plan:           plan,
		URL:            user.SubscriptionURL,
	}
	if sub.URL == "" {
		sub.URL = current.URL
	}
	if err := o.subs.ReplaceCurrentSubscription(ctx, current.ID, sub); err != nil {
		return nil, fmt.Errorf("failed to replace subscription %d: %w", current.ID, err)
	}

	o.logger.Info("Subscription changed",
		zap.Int64("previous_id", current.ID),
		zap.Int64("subscription_id", sub.ID),
		zap.Bool("from_trial", current.IsTrial))
	return sub, nil
}

// IssueTrial grants the one trial a user may ever receive
func (o *SubscriptionOrchestrator) IssueTrial(ctx context.Context, userID int64) (*models.Subscription, error) {
	ctx, span := util.StartSpan(ctx, "SubscriptionOrchestrator.IssueTrial")
	defer span.End()

	user, err := o.users.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	if user.IsTrialUsed {
		return nil, ErrTrialAlreadyUsed
	}

	current, err := o.currentSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	if current != nil {
		return nil, ErrTrialNotAvailable
	}

	plan := o.cfg.TrialPlan
	expiry := expiryFrom(o.now(), plan)
	panelUser, created, err := o.upsertPanelUser(ctx, panel.SpecFromPlan(userID, plan, panelExpiry(expiry)))
	if err != nil {
		return nil, err
	}

	sub := &models.Subscription{
		UserTelegramID: userID,
		PanelUserUUID:  panelUser.UUID,
		Status:         models.SubscriptionStatusActive,
		IsTrial:        true,
		ExpireAt:       expiry,
		Plan:           plan,
		URL:            panelUser.SubscriptionURL,
	}

	claimed, err := o.subs.ClaimTrialSubscription(ctx, sub)
	if err == nil && !claimed {
		err = ErrTrialAlreadyUsed
	}
	if err != nil {
		if created && !o.panelUserInUse(ctx, userID, panelUser.UUID) {
			o.discardPanelUser(ctx, panelUser.UUID)
		}
		return nil, err
	}

	util.TrialsIssuedTotal.Inc()
	o.notifier.NotifyOperator(ctx, messaging.Notification{
		Title:  "Trial issued",
		Fields: [][2]string{{"user_id", fmt.Sprint(userID)}, {"subscription_id", fmt.Sprint(sub.ID)}},
	})
	return sub, nil
}

// panelUserInUse reports whether a concurrent winner already points at the panel user.
// Lookup errors count as in use.
func (o *SubscriptionOrchestrator) panelUserInUse(ctx context.Context, userID int64, id uuid.UUID) bool {
	current, err := o.currentSubscription(ctx, userID)
	if err != nil {
		return true
	}
	return current != nil && current.PanelUserUUID == id
}

// discardPanelUser undoes a panel user whose local record could not be stored
func (o *SubscriptionOrchestrator) discardPanelUser(ctx context.Context, id uuid.UUID) {
	pctx, cancel := o.panelCtx(ctx)
	defer cancel()

	if _, err := o.panel.DeleteUser(pctx, id); err != nil {
		o.logger.Error("Failed to delete orphaned panel user",
			zap.String("panel_uuid", id.String()),
			zap.Error(err))
	}
}

// MirrorPanelEvent copies a panel-side status change onto the local subscription
func (o *SubscriptionOrchestrator) MirrorPanelEvent(ctx context.Context, ev *panel.Event) error {
	ctx, span := util.StartSpan(ctx, "SubscriptionOrchestrator.MirrorPanelEvent")
	defer span.End()

	status, ok := ev.SubscriptionStatus()
	if !ok {
		o.logger.Debug("Ignoring panel event", zap.String("event", ev.Name))
		return nil
	}

	sub, err := o.subs.GetSubscriptionByPanelUUID(ctx, ev.Data.UUID)
	if errors.Is(err, store.ErrNotFound) {
		o.logger.Warn("Panel event for unknown user",
			zap.String("event", ev.Name),
			zap.String("panel_uuid", ev.Data.UUID.String()))
		return nil
	}
	if err != nil {
		return err
	}
	if sub.Status == status {
		return nil
	}

	if _, err := o.subs.UpdateSubscription(ctx, sub.ID, models.SubscriptionPatch{Status: &status}); err != nil {
		return fmt.Errorf("failed to mirror %s on subscription %d: %w", ev.Name, sub.ID, err)
	}

	o.logger.Info("Mirrored panel event",
		zap.String("event", ev.Name),
		zap.Int64("subscription_id", sub.ID),
		zap.String("status", string(status)))
	return nil
}
