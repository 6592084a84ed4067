//go:build !integration

package usecase_test

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whatsapp-ai-platform/internal/domain"
	"whatsapp-ai-platform/internal/domain/model"
	"whatsapp-ai-platform/internal/domain/ports/repository"
)

// -----------------------------
// In-memory store shared by the repository mocks
// -----------------------------

type memStore struct {
	mu           sync.Mutex
	orgs         map[string]model.Organization
	plans        map[string]model.Plan
	tasks        map[string]model.AgentTask
	reservations map[string]model.CreditReservation
	txns         []model.CreditTransaction
}

func newMemStore() *memStore {
	return &memStore{
		orgs:         map[string]model.Organization{},
		plans:        map[string]model.Plan{},
		tasks:        map[string]model.AgentTask{},
		reservations: map[string]model.CreditReservation{},
	}
}

// snapshot copies the store so a failed transaction can be rolled back.
func (s *memStore) snapshot() *memStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := newMemStore()
	for k, v := range s.orgs {
		c.orgs[k] = v
	}
	for k, v := range s.plans {
		c.plans[k] = v
	}
	for k, v := range s.tasks {
		c.tasks[k] = v
	}
	for k, v := range s.reservations {
		c.reservations[k] = v
	}
	c.txns = append(c.txns, s.txns...)
	return c
}

func (s *memStore) restore(c *memStore) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orgs, s.plans, s.tasks, s.reservations, s.txns = c.orgs, c.plans, c.tasks, c.reservations, c.txns
}

func (s *memStore) balance(orgID string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orgs[orgID].CreditBalance
}

func (s *memStore) transactions(orgID string) []model.CreditTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.CreditTransaction
	for _, t := range s.txns {
		if t.OrganizationID == orgID {
			out = append(out, t)
		}
	}
	return out
}

// ---- Mock TransactionManager ----

type MockTxManager struct {
	WithTxFunc func(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error
}

func NewMockTxManager() *MockTxManager {
	return &MockTxManager{}
}

var _ repository.TransactionManager = (*MockTxManager)(nil)

// WithTx runs fn immediately with NoTX unless WithTxFunc is set.
func (m *MockTxManager) WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	if m.WithTxFunc != nil {
		return m.WithTxFunc(ctx, txOpt, fn)
	}
	return fn(ctx, repository.NoTX)
}

// NewRollbackTxManager restores the store when fn fails, like a real transaction.
func NewRollbackTxManager(s *memStore) *MockTxManager {
	return &MockTxManager{WithTxFunc: func(ctx context.Context, _ pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
		snap := s.snapshot()
		if err := fn(ctx, repository.NoTX); err != nil {
			s.restore(snap)
			return err
		}
		return nil
	}}
}

// ---- Mock OrganizationRepository ----

type MockOrgRepo struct {
	s *memStore

	AddBalanceFunc     func(ctx context.Context, tx repository.Tx, id string, delta decimal.Decimal) (decimal.Decimal, error)
	IncrementUsageFunc func(ctx context.Context, tx repository.Tx, id string, messages, agentRuns int) error
}

var _ repository.OrganizationRepository = (*MockOrgRepo)(nil)

func NewMockOrgRepo(s *memStore) *MockOrgRepo { return &MockOrgRepo{s: s} }

func (m *MockOrgRepo) Save(ctx context.Context, tx repository.Tx, org *model.Organization) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.orgs[org.ID] = *org
	return nil
}

func (m *MockOrgRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Organization, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	o, ok := m.s.orgs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &o, nil
}

func (m *MockOrgRepo) FindByIDForUpdate(ctx context.Context, tx repository.Tx, id string) (*model.Organization, error) {
	return m.FindByID(ctx, tx, id)
}

func (m *MockOrgRepo) ListIDs(ctx context.Context, tx repository.Tx) ([]string, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	ids := make([]string, 0, len(m.s.orgs))
	for id := range m.s.orgs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MockOrgRepo) AddBalance(ctx context.Context, tx repository.Tx, id string, delta decimal.Decimal) (decimal.Decimal, error) {
	if m.AddBalanceFunc != nil {
		return m.AddBalanceFunc(ctx, tx, id, delta)
	}
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	o, ok := m.s.orgs[id]
	if !ok {
		return decimal.Zero, domain.ErrNotFound
	}
	o.CreditBalance = o.CreditBalance.Add(delta)
	m.s.orgs[id] = o
	return o.CreditBalance, nil
}

func (m *MockOrgRepo) IncrementUsage(ctx context.Context, tx repository.Tx, id string, messages, agentRuns int) error {
	if m.IncrementUsageFunc != nil {
		return m.IncrementUsageFunc(ctx, tx, id, messages, agentRuns)
	}
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	o, ok := m.s.orgs[id]
	if !ok {
		return domain.ErrNotFound
	}
	o.MessagesUsedThisMonth += messages
	o.AgentRunsUsedThisMonth += agentRuns
	m.s.orgs[id] = o
	return nil
}

func (m *MockOrgRepo) ResetCycle(ctx context.Context, tx repository.Tx, id string, cycleStart time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	o := m.s.orgs[id]
	o.MessagesUsedThisMonth, o.AgentRunsUsedThisMonth, o.BillingCycleStart = 0, 0, cycleStart
	m.s.orgs[id] = o
	return nil
}

func (m *MockOrgRepo) SaveReferralCode(ctx context.Context, tx repository.Tx, code *model.ReferralCode) error {
	return nil
}

func (m *MockOrgRepo) FindReferrer(ctx context.Context, tx repository.Tx, code string) (*model.Organization, error) {
	return nil, domain.ErrNotFound
}

// ---- Mock PlanRepository ----

type MockPlanRepo struct{ s *memStore }

var _ repository.PlanRepository = (*MockPlanRepo)(nil)

func NewMockPlanRepo(s *memStore) *MockPlanRepo { return &MockPlanRepo{s: s} }

func (m *MockPlanRepo) Save(ctx context.Context, tx repository.Tx, p *model.Plan) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.plans[p.ID] = *p
	return nil
}

func (m *MockPlanRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Plan, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	p, ok := m.s.plans[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &p, nil
}

func (m *MockPlanRepo) ListAll(ctx context.Context, tx repository.Tx) ([]*model.Plan, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	out := make([]*model.Plan, 0, len(m.s.plans))
	for _, p := range m.s.plans {
		p := p
		out = append(out, &p)
	}
	return out, nil
}

// ---- Mock AgentTaskRepository ----

type MockTaskRepo struct {
	s *memStore

	SaveFunc func(ctx context.Context, tx repository.Tx, task *model.AgentTask) error
}

var _ repository.AgentTaskRepository = (*MockTaskRepo)(nil)

func NewMockTaskRepo(s *memStore) *MockTaskRepo { return &MockTaskRepo{s: s} }

func (m *MockTaskRepo) Save(ctx context.Context, tx repository.Tx, task *model.AgentTask) error {
	if m.SaveFunc != nil {
		return m.SaveFunc(ctx, tx, task)
	}
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.tasks[task.ID] = *task
	return nil
}

func (m *MockTaskRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.AgentTask, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	t, ok := m.s.tasks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &t, nil
}

func (m *MockTaskRepo) MarkRunning(ctx context.Context, tx repository.Tx, id string, at time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	t, ok := m.s.tasks[id]
	if !ok {
		return domain.ErrNotFound
	}
	if t.Status.Terminal() {
		return domain.ErrTaskTerminal
	}
	t.Status, t.StartedAt = model.AgentTaskRunning, &at
	m.s.tasks[id] = t
	return nil
}

func (m *MockTaskRepo) Finish(ctx context.Context, tx repository.Tx, task *model.AgentTask) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	cur, ok := m.s.tasks[task.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Status.Terminal() {
		return domain.ErrTaskTerminal
	}
	m.s.tasks[task.ID] = *task
	return nil
}

func (m *MockTaskRepo) LinkReservation(ctx context.Context, tx repository.Tx, taskID, reservationID string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	t := m.s.tasks[taskID]
	t.ReservationID = &reservationID
	m.s.tasks[taskID] = t
	return nil
}

// ---- Mock ReservationRepository ----

type MockReservationRepo struct {
	s *memStore

	TransitionFunc func(ctx context.Context, tx repository.Tx, id string, to model.ReservationStatus, at time.Time) (bool, error)
}

var _ repository.ReservationRepository = (*MockReservationRepo)(nil)

func NewMockReservationRepo(s *memStore) *MockReservationRepo { return &MockReservationRepo{s: s} }

func (m *MockReservationRepo) Save(ctx context.Context, tx repository.Tx, r *model.CreditReservation) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.reservations[r.ID] = *r
	return nil
}

func (m *MockReservationRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.CreditReservation, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	r, ok := m.s.reservations[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &r, nil
}

func (m *MockReservationRepo) Transition(ctx context.Context, tx repository.Tx, id string, to model.ReservationStatus, at time.Time) (bool, error) {
	if m.TransitionFunc != nil {
		return m.TransitionFunc(ctx, tx, id, to, at)
	}
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	r, ok := m.s.reservations[id]
	if !ok || r.Status != model.ReservationPending {
		return false, nil
	}
	r.Status, r.SettledAt = to, &at
	m.s.reservations[id] = r
	return true, nil
}

func (m *MockReservationRepo) LinkJob(ctx context.Context, tx repository.Tx, id, jobID, taskID string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	r, ok := m.s.reservations[id]
	if !ok {
		return domain.ErrNotFound
	}
	r.JobID, r.TaskID = &jobID, &taskID
	m.s.reservations[id] = r
	return nil
}

func (m *MockReservationRepo) Extend(ctx context.Context, tx repository.Tx, id string, until time.Time) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	r, ok := m.s.reservations[id]
	if !ok || r.Status != model.ReservationPending {
		return false, nil
	}
	r.ExpiresAt = until
	m.s.reservations[id] = r
	return true, nil
}

func (m *MockReservationRepo) ListExpiredPending(ctx context.Context, tx repository.Tx, now time.Time, limit int) ([]*model.CreditReservation, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []*model.CreditReservation
	for _, r := range m.s.reservations {
		r := r
		if r.Expired(now) && len(out) < limit {
			out = append(out, &r)
		}
	}
	return out, nil
}

// ---- Mock TransactionRepository ----

type MockTxnRepo struct {
	s *memStore

	AppendFunc func(ctx context.Context, tx repository.Tx, t *model.CreditTransaction) error
}

var _ repository.TransactionRepository = (*MockTxnRepo)(nil)

func NewMockTxnRepo(s *memStore) *MockTxnRepo { return &MockTxnRepo{s: s} }

func (m *MockTxnRepo) Append(ctx context.Context, tx repository.Tx, t *model.CreditTransaction) error {
	if m.AppendFunc != nil {
		return m.AppendFunc(ctx, tx, t)
	}
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if t.Reference != nil {
		for _, e := range m.s.txns {
			if e.Reference != nil && *e.Reference == *t.Reference {
				return domain.ErrAlreadyExists
			}
		}
	}
	m.s.txns = append(m.s.txns, *t)
	return nil
}

func (m *MockTxnRepo) ListByOrganization(ctx context.Context, tx repository.Tx, orgID string, limit int) ([]*model.CreditTransaction, error) {
	var out []*model.CreditTransaction
	for _, t := range m.s.transactions(orgID) {
		t := t
		out = append(out, &t)
	}
	return out, nil
}

func (m *MockTxnRepo) SumByOrganization(ctx context.Context, tx repository.Tx, orgID string) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, t := range m.s.transactions(orgID) {
		sum = sum.Add(t.Amount)
	}
	return sum, nil
}

// ---- Mock JobQueue ----

type enqueued struct {
	Queue   model.QueueName
	Payload model.JobPayload
	Opts    model.EnqueueOptions
}

type MockQueue struct {
	mu   sync.Mutex
	Jobs []enqueued

	EnqueueFunc func(ctx context.Context, name model.QueueName, payload model.JobPayload, opts model.EnqueueOptions) (string, error)
}

func (m *MockQueue) Enqueue(ctx context.Context, name model.QueueName, payload model.JobPayload, opts model.EnqueueOptions) (string, error) {
	if m.EnqueueFunc != nil {
		return m.EnqueueFunc(ctx, name, payload, opts)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Jobs = append(m.Jobs, enqueued{Queue: name, Payload: payload, Opts: opts})
	return fmt.Sprintf("job-%d", len(m.Jobs)), nil
}

// newTestLogger creates a silent zerolog.Logger for use in tests.
func newTestLogger() *zerolog.Logger {
	logger := zerolog.New(io.Discard)
	return &logger
}

// seedOrg stores an organization on planID with the given balance.
func seedOrg(s *memStore, id, planID string, balance string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := model.Organization{ID: id, Name: id, CreditBalance: decimal.RequireFromString(balance), BillingCycleStart: time.Now()}
	if planID != "" {
		o.PlanID = &planID
	}
	s.orgs[id] = o
}

func seedPlan(s *memStore, id string, messages, agentRuns int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[id] = model.Plan{ID: id, Name: id, PriceMonthly: decimal.NewFromInt(29), MessagesIncluded: messages, AgentRunsIncluded: agentRuns, MaxInstances: 1, RateLimitPerMinute: 20}
}
