package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"subscription-service/internal/broker"
	"subscription-service/internal/gateway"
	"subscription-service/internal/messaging"
	"subscription-service/internal/models"
	"subscription-service/internal/panel"
	"subscription-service/internal/store"

	"github.com/google/uuid"
)

// memStore keeps users, plans, gateways, transactions and subscriptions in memory
type memStore struct {
	mu       sync.Mutex
	txs      map[uuid.UUID]models.Transaction
	subs     map[int64]models.Subscription
	users    map[int64]models.User
	plans    map[int64]models.Plan
	gateways map[models.GatewayType]models.PaymentGateway
	nextSub  int64

	// beforeCAS runs once before the next compare-and-set, outside the lock
	beforeCAS func()
}

func newMemStore() *memStore {
	return &memStore{
		txs:      map[uuid.UUID]models.Transaction{},
		subs:     map[int64]models.Subscription{},
		users:    map[int64]models.User{},
		plans:    map[int64]models.Plan{},
		gateways: map[models.GatewayType]models.PaymentGateway{},
	}
}

func (m *memStore) addUser(u models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.TelegramID] = u
}

func (m *memStore) user(id int64) models.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[id]
}

func (m *memStore) tx(id uuid.UUID) models.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txs[id]
}

func (m *memStore) sub(id int64) models.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs[id]
}

func (m *memStore) CreateTransaction(_ context.Context, t *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.ID = int64(len(m.txs) + 1)
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	m.txs[t.PaymentID] = *t
	return nil
}

func (m *memStore) GetTransaction(_ context.Context, id uuid.UUID) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, store.ErrNotFound)
	}
	return &t, nil
}

func (m *memStore) GetTransactionsByUser(_ context.Context, userID int64) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Transaction
	for _, t := range m.txs {
		if t.UserTelegramID == userID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *memStore) CompareAndSetTransactionStatus(_ context.Context, id uuid.UUID, from, to models.TransactionStatus) (bool, error) {
	if hook := m.beforeCAS; hook != nil {
		m.beforeCAS = nil
		hook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[id]
	if !ok || t.Status != from {
		return false, nil
	}
	t.Status = to
	m.txs[id] = t
	return true, nil
}

func (m *memStore) setStatus(id uuid.UUID, status models.TransactionStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.txs[id]
	t.Status = status
	m.txs[id] = t
}

func (m *memStore) SetTransactionExternalRef(_ context.Context, id uuid.UUID, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.txs[id]
	t.ExternalRef = ref
	m.txs[id] = t
	return nil
}

func (m *memStore) MarkTransactionFulfilled(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[id]
	if !ok || t.FulfilledAt != nil {
		return false, nil
	}
	now := fixedNow
	t.FulfilledAt = &now
	m.txs[id] = t
	return true, nil
}

func (m *memStore) CancelStaleTransactions(_ context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uuid.UUID
	for id, t := range m.txs {
		if t.Status == models.TransactionStatusPending && t.CreatedAt.Before(cutoff) {
			t.Status = models.TransactionStatusCanceled
			m.txs[id] = t
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memStore) GetCurrentSubscription(_ context.Context, userID int64) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok || u.CurrentSubscriptionID == nil {
		return nil, store.ErrNotFound
	}
	s := m.subs[*u.CurrentSubscriptionID]
	return &s, nil
}

func (m *memStore) GetSubscriptionByPanelUUID(_ context.Context, id uuid.UUID) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *models.Subscription
	for _, s := range m.subs {
		if s.PanelUserUUID == id && (found == nil || s.ID > found.ID) {
			s := s
			found = &s
		}
	}
	if found == nil {
		return nil, store.ErrNotFound
	}
	return found, nil
}

func (m *memStore) UpdateSubscription(_ context.Context, id int64, patch models.SubscriptionPatch) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if patch.Status != nil {
		s.Status = *patch.Status
	}
	if patch.ExpireAt != nil {
		e := *patch.ExpireAt
		s.ExpireAt = &e
	}
	if patch.ClearExpiry {
		s.ExpireAt = nil
	}
	if patch.Plan != nil {
		s.Plan = *patch.Plan
	}
	if patch.URL != nil {
		s.URL = *patch.URL
	}
	m.subs[id] = s
	return &s, nil
}

func (m *memStore) insertLocked(sub *models.Subscription) {
	m.nextSub++
	sub.ID = m.nextSub
	m.subs[sub.ID] = *sub
	u := m.users[sub.UserTelegramID]
	id := sub.ID
	u.CurrentSubscriptionID = &id
	m.users[sub.UserTelegramID] = u
}

func (m *memStore) CreateCurrentSubscription(_ context.Context, sub *models.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertLocked(sub)
	return nil
}

func (m *memStore) ReplaceCurrentSubscription(_ context.Context, previousID int64, sub *models.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.subs[previousID]
	prev.Status = models.SubscriptionStatusDisabled
	m.subs[previousID] = prev
	m.insertLocked(sub)
	return nil
}

func (m *memStore) ClaimTrialSubscription(_ context.Context, sub *models.Subscription) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.users[sub.UserTelegramID]
	if u.IsTrialUsed {
		return false, nil
	}
	u.IsTrialUsed = true
	m.users[sub.UserTelegramID] = u
	m.insertLocked(sub)
	return true, nil
}

func (m *memStore) GetUser(_ context.Context, id int64) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &u, nil
}

func (m *memStore) ConsumePurchaseDiscount(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.users[id]
	u.PurchaseDiscount = 0
	m.users[id] = u
	return nil
}

func (m *memStore) SetUserBotBlocked(_ context.Context, id int64, blocked bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.users[id]
	u.IsBotBlocked = blocked
	m.users[id] = u
	return nil
}

func (m *memStore) GetPlan(_ context.Context, id int64) (*models.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (m *memStore) UpdatePlanDurations(_ context.Context, id int64, durations models.PlanDurations) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[id]
	if !ok {
		return store.ErrNotFound
	}
	p.Durations = durations
	m.plans[id] = p
	return nil
}

func (m *memStore) GetGateway(_ context.Context, t models.GatewayType) (*models.PaymentGateway, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gw, ok := m.gateways[t]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &gw, nil
}

func (m *memStore) ListGateways(_ context.Context) ([]models.PaymentGateway, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PaymentGateway
	for _, gw := range m.gateways {
		out = append(out, gw)
	}
	return out, nil
}

func (m *memStore) UpsertGateway(_ context.Context, gw *models.PaymentGateway) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gateways[gw.Type] = *gw
	return nil
}

// fakePanel is an in-memory access panel
type fakePanel struct {
	mu         sync.Mutex
	users      map[uuid.UUID]panel.User
	specs      map[uuid.UUID]panel.UserSpec
	resets     map[uuid.UUID]int
	creates    int
	deletes    int
	failCreate error
	failUpdate error
}

func newFakePanel() *fakePanel {
	return &fakePanel{
		users:  map[uuid.UUID]panel.User{},
		specs:  map[uuid.UUID]panel.UserSpec{},
		resets: map[uuid.UUID]int{},
	}
}

func (p *fakePanel) CreateUser(_ context.Context, spec panel.UserSpec) (*panel.User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failCreate != nil {
		return nil, p.failCreate
	}
	for _, u := range p.users {
		if u.Username == spec.Username {
			return nil, panel.ErrUserExists
		}
	}
	p.creates++
	id := uuid.New()
	u := panel.User{
		UUID:            id,
		Username:        spec.Username,
		Status:          spec.Status,
		ExpireAt:        spec.ExpireAt,
		SubscriptionURL: "https://panel.example/sub/" + id.String()[:8],
	}
	p.users[id] = u
	p.specs[id] = spec
	return &u, nil
}

func (p *fakePanel) UpdateUser(_ context.Context, id uuid.UUID, spec panel.UserSpec) (*panel.User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failUpdate != nil {
		return nil, p.failUpdate
	}
	u, ok := p.users[id]
	if !ok {
		return nil, panel.ErrUserNotFound
	}
	u.ExpireAt = spec.ExpireAt
	u.Status = spec.Status
	p.users[id] = u
	p.specs[id] = spec
	return &u, nil
}

func (p *fakePanel) DeleteUser(_ context.Context, id uuid.UUID) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.users[id]; !ok {
		return false, nil
	}
	p.deletes++
	delete(p.users, id)
	return true, nil
}

func (p *fakePanel) GetUserByUsername(_ context.Context, username string) (*panel.User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, u := range p.users {
		if u.Username == username {
			return &u, nil
		}
	}
	return nil, panel.ErrUserNotFound
}

func (p *fakePanel) ResetTraffic(_ context.Context, id uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.users[id]; !ok {
		return panel.ErrUserNotFound
	}
	p.resets[id]++
	return nil
}

func (p *fakePanel) spec(id uuid.UUID) panel.UserSpec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.specs[id]
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []messaging.Notification
}

func (n *recordingNotifier) NotifyOperator(_ context.Context, note messaging.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
}

func (n *recordingNotifier) titles() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.notes))
	for i, note := range n.notes {
		out[i] = note.Title
	}
	return out
}

func (n *recordingNotifier) field(title, key string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, note := range n.notes {
		if note.Title != title {
			continue
		}
		for _, f := range note.Fields {
			if f[0] == key {
				return f[1]
			}
		}
	}
	return ""
}

type enqueued struct {
	name    string
	payload interface{}
}

type recordingTasks struct {
	mu     sync.Mutex
	tasks  []enqueued
	err    error
	result interface{}
}

func (q *recordingTasks) Enqueue(_ context.Context, name string, payload interface{}) (broker.TaskHandle, error) {
	if q.err != nil {
		return broker.TaskHandle{}, q.err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, enqueued{name: name, payload: payload})
	return broker.TaskHandle{ID: uuid.New(), Name: name}, nil
}

func (q *recordingTasks) AwaitResult(_ context.Context, _ broker.TaskHandle, out interface{}) error {
	if res, ok := q.result.(*models.BroadcastDeleteResult); ok {
		if dst, ok := out.(*models.BroadcastDeleteResult); ok {
			*dst = *res
		}
	}
	return nil
}

type memCache struct {
	mu          sync.Mutex
	gateways    map[models.GatewayType]models.PaymentGateway
	invalidated []models.GatewayType
}

func newMemCache() *memCache {
	return &memCache{gateways: map[models.GatewayType]models.PaymentGateway{}}
}

func (c *memCache) GetGateway(_ context.Context, t models.GatewayType) (*models.PaymentGateway, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	gw, ok := c.gateways[t]
	if !ok {
		return nil, nil
	}
	return &gw, nil
}

func (c *memCache) SetGateway(_ context.Context, gw *models.PaymentGateway, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gateways[gw.Type] = *gw
	return nil
}

func (c *memCache) InvalidateGateway(_ context.Context, t models.GatewayType) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.gateways, t)
	c.invalidated = append(c.invalidated, t)
	return nil
}

// fakeGateway records invoices and returns canned webhook results
type fakeGateway struct {
	mu         sync.Mutex
	kind       models.GatewayType
	invoices   []gateway.InvoiceRequest
	payURL     *string
	invoiceErr error
	trustErr   error
	parsed     *gateway.Notification
	parseErr   error
}

func (g *fakeGateway) Type() models.GatewayType { return g.kind }

func (g *fakeGateway) CreateInvoice(_ context.Context, req gateway.InvoiceRequest) (*gateway.Invoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.invoices = append(g.invoices, req)
	if g.invoiceErr != nil {
		return nil, g.invoiceErr
	}
	return &gateway.Invoice{ExternalRef: "ext-" + req.PaymentID.String()[:8], PayURL: g.payURL}, nil
}

func (g *fakeGateway) VerifyTrust(*gateway.WebhookRequest) error { return g.trustErr }

func (g *fakeGateway) ParseWebhook(*gateway.WebhookRequest) (*gateway.Notification, error) {
	return g.parsed, g.parseErr
}

func (g *fakeGateway) invoiceCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.invoices)
}

type fakeRegistry struct {
	gateways map[models.GatewayType]*fakeGateway
}

func (r *fakeRegistry) Build(cfg models.PaymentGateway) (gateway.Gateway, error) {
	gw, ok := r.gateways[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("%s: missing settings", cfg.Type)
	}
	return gw, nil
}

var fixedNow = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

func testPlan(days int) models.PlanSnapshot {
	return models.PlanSnapshot{
		ID:             1,
		Name:           "Standard",
		Type:           models.PlanTypeTraffic,
		TrafficLimitGB: 100,
		DurationDays:   days,
	}
}

type orchestratorFixture struct {
	store    *memStore
	panel    *fakePanel
	notifier *recordingNotifier
	ledger   *TransactionLedger
	orch     *SubscriptionOrchestrator
}

func newOrchestratorFixture() *orchestratorFixture {
	f := &orchestratorFixture{
		store:    newMemStore(),
		panel:    newFakePanel(),
		notifier: &recordingNotifier{},
	}
	f.ledger = NewTransactionLedger(f.store)
	f.ledger.now = func() time.Time { return fixedNow }
	f.orch = NewSubscriptionOrchestrator(f.ledger, f.store, f.store, f.panel, f.notifier, OrchestratorConfig{
		PanelTimeout: time.Second,
		TrialPlan:    models.PlanSnapshot{Name: "Trial", Type: models.PlanTypeTraffic, TrafficLimitGB: 5, DurationDays: 3},
	})
	f.orch.now = func() time.Time { return fixedNow }
	return f
}

// pending stores a PENDING transaction for userID
func (f *orchestratorFixture) pending(userID int64, purchase models.PurchaseType, plan models.PlanSnapshot) *models.Transaction {
	t, err := f.ledger.Create(context.Background(), userID, &models.Transaction{
		PurchaseType: purchase,
		GatewayType:  models.GatewayTypeYookassa,
		Currency:     models.CurrencyRUB,
		Plan:         plan,
	})
	if err != nil {
		panic(err)
	}
	return t
}

func (f *orchestratorFixture) complete(t *models.Transaction) error {
	return f.orch.HandlePaymentNotification(context.Background(), &models.PaymentWebhookTask{
		Gateway:   t.GatewayType,
		PaymentID: t.PaymentID,
		Status:    models.TransactionStatusCompleted,
	})
}
