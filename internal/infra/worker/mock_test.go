//go:build !integration

package worker_test

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whatsapp-ai-platform/internal/domain"
	"whatsapp-ai-platform/internal/domain/model"
	"whatsapp-ai-platform/internal/domain/ports/adapter"
	"whatsapp-ai-platform/internal/domain/ports/repository"
	"whatsapp-ai-platform/internal/usecase"
)

func newTestLogger() *zerolog.Logger {
	l := zerolog.New(io.Discard)
	return &l
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

// recordingSleeper captures requested delays without waiting.
type recordingSleeper struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	return ctx.Err()
}

type passTx struct{ calls int }

func (p *passTx) WithTx(ctx context.Context, _ pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	p.calls++
	return fn(ctx, repository.NoTX)
}

// ---- organizations ----

type fakeOrgs struct {
	mu        sync.Mutex
	orgs      map[string]*model.Organization
	referrals map[string]string // code -> org id

	IncrementUsageErr error
}

var _ repository.OrganizationRepository = (*fakeOrgs)(nil)

func newFakeOrgs(orgs ...*model.Organization) *fakeOrgs {
	f := &fakeOrgs{orgs: map[string]*model.Organization{}, referrals: map[string]string{}}
	for _, o := range orgs {
		f.orgs[o.ID] = o
	}
	return f
}

func (f *fakeOrgs) get(id string) model.Organization {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.orgs[id]
}

func (f *fakeOrgs) Save(ctx context.Context, tx repository.Tx, org *model.Organization) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := *org
	f.orgs[org.ID] = &c
	return nil
}

func (f *fakeOrgs) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Organization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orgs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := *o
	return &c, nil
}

func (f *fakeOrgs) FindByIDForUpdate(ctx context.Context, tx repository.Tx, id string) (*model.Organization, error) {
	return f.FindByID(ctx, tx, id)
}

func (f *fakeOrgs) ListIDs(ctx context.Context, tx repository.Tx) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id := range f.orgs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fakeOrgs) AddBalance(ctx context.Context, tx repository.Tx, id string, delta decimal.Decimal) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orgs[id]
	if !ok {
		return decimal.Zero, domain.ErrNotFound
	}
	o.CreditBalance = o.CreditBalance.Add(delta)
	return o.CreditBalance, nil
}

func (f *fakeOrgs) IncrementUsage(ctx context.Context, tx repository.Tx, id string, messages, agentRuns int) error {
	if f.IncrementUsageErr != nil {
		return f.IncrementUsageErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orgs[id]
	if !ok {
		return domain.ErrNotFound
	}
	o.MessagesUsedThisMonth += messages
	o.AgentRunsUsedThisMonth += agentRuns
	return nil
}

func (f *fakeOrgs) ResetCycle(ctx context.Context, tx repository.Tx, id string, cycleStart time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := f.orgs[id]
	o.MessagesUsedThisMonth, o.AgentRunsUsedThisMonth, o.BillingCycleStart = 0, 0, cycleStart
	return nil
}

func (f *fakeOrgs) SaveReferralCode(ctx context.Context, tx repository.Tx, code *model.ReferralCode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.referrals[code.Code] = code.OrganizationID
	return nil
}

func (f *fakeOrgs) FindReferrer(ctx context.Context, tx repository.Tx, code string) (*model.Organization, error) {
	f.mu.Lock()
	id, ok := f.referrals[code]
	f.mu.Unlock()
	if !ok {
		return nil, domain.ErrNotFound
	}
	return f.FindByID(ctx, tx, id)
}

// ---- plans ----

type fakePlans struct{ plans map[string]*model.Plan }

var _ repository.PlanRepository = (*fakePlans)(nil)

func newFakePlans(plans ...*model.Plan) *fakePlans {
	f := &fakePlans{plans: map[string]*model.Plan{}}
	for _, p := range plans {
		f.plans[p.ID] = p
	}
	return f
}

func (f *fakePlans) Save(ctx context.Context, tx repository.Tx, p *model.Plan) error {
	f.plans[p.ID] = p
	return nil
}

func (f *fakePlans) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Plan, error) {
	p, ok := f.plans[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return p, nil
}

func (f *fakePlans) ListAll(ctx context.Context, tx repository.Tx) ([]*model.Plan, error) {
	var out []*model.Plan
	for _, p := range f.plans {
		out = append(out, p)
	}
	return out, nil
}

// ---- instances ----

type fakeInstances struct {
	mu    sync.Mutex
	insts map[string]*model.WhatsAppInstance
}

var _ repository.InstanceRepository = (*fakeInstances)(nil)

func newFakeInstances(insts ...*model.WhatsAppInstance) *fakeInstances {
	f := &fakeInstances{insts: map[string]*model.WhatsAppInstance{}}
	for _, i := range insts {
		f.insts[i.ID] = i
	}
	return f
}

func (f *fakeInstances) get(id string) model.WhatsAppInstance {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.insts[id]
}

func (f *fakeInstances) Save(ctx context.Context, tx repository.Tx, inst *model.WhatsAppInstance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insts[inst.ID] = inst
	return nil
}

func (f *fakeInstances) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.WhatsAppInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, ok := f.insts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := *i
	return &c, nil
}

func (f *fakeInstances) FindByName(ctx context.Context, tx repository.Tx, name string) (*model.WhatsAppInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, i := range f.insts {
		if i.InstanceName == name {
			c := *i
			return &c, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeInstances) ListByOrganization(ctx context.Context, tx repository.Tx, orgID string) ([]*model.WhatsAppInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.WhatsAppInstance
	for _, i := range f.insts {
		if i.OrganizationID == orgID {
			c := *i
			out = append(out, &c)
		}
	}
	return out, nil
}

func (f *fakeInstances) IncrementMessages(ctx context.Context, tx repository.Tx, id string, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insts[id].MessagesLast24h += n
	return nil
}

func (f *fakeInstances) ResetMessagesByOrganization(ctx context.Context, tx repository.Tx, orgID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, i := range f.insts {
		if i.OrganizationID == orgID {
			i.MessagesLast24h = 0
		}
	}
	return nil
}

func (f *fakeInstances) ThrottleByOrganization(ctx context.Context, tx repository.Tx, orgID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, i := range f.insts {
		if i.OrganizationID == orgID && i.Health != model.InstanceBanned {
			i.Health = model.InstanceThrottled
			n++
		}
	}
	return n, nil
}

// ---- sent messages ----

type fakeSent struct {
	mu   sync.Mutex
	keys map[string]model.SentMessage
}

var _ repository.SentMessageRepository = (*fakeSent)(nil)

func newFakeSent() *fakeSent { return &fakeSent{keys: map[string]model.SentMessage{}} }

func (f *fakeSent) Exists(ctx context.Context, tx repository.Tx, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.keys[key]
	return ok, nil
}

func (f *fakeSent) Save(ctx context.Context, tx repository.Tx, m *model.SentMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.keys[m.IdempotencyKey]; ok {
		return domain.ErrAlreadyExists
	}
	f.keys[m.IdempotencyKey] = *m
	return nil
}

// ---- agent tasks ----

type fakeTasks struct {
	mu    sync.Mutex
	tasks map[string]*model.AgentTask
}

var _ repository.AgentTaskRepository = (*fakeTasks)(nil)

func newFakeTasks(tasks ...*model.AgentTask) *fakeTasks {
	f := &fakeTasks{tasks: map[string]*model.AgentTask{}}
	for _, t := range tasks {
		f.tasks[t.ID] = t
	}
	return f
}

func (f *fakeTasks) get(id string) model.AgentTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.tasks[id]
}

func (f *fakeTasks) Save(ctx context.Context, tx repository.Tx, t *model.AgentTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := *t
	f.tasks[t.ID] = &c
	return nil
}

func (f *fakeTasks) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.AgentTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := *t
	return &c, nil
}

func (f *fakeTasks) MarkRunning(ctx context.Context, tx repository.Tx, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return domain.ErrNotFound
	}
	if t.Status.Terminal() {
		return domain.ErrTaskTerminal
	}
	t.Status, t.StartedAt = model.AgentTaskRunning, &at
	return nil
}

func (f *fakeTasks) Finish(ctx context.Context, tx repository.Tx, task *model.AgentTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.tasks[task.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Status.Terminal() {
		return domain.ErrTaskTerminal
	}
	c := *task
	f.tasks[task.ID] = &c
	return nil
}

func (f *fakeTasks) LinkReservation(ctx context.Context, tx repository.Tx, taskID, reservationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[taskID].ReservationID = &reservationID
	return nil
}

// ---- ledger ----

type settleCall struct {
	ReservationID string
	Outcome       model.ReservationStatus
	Amount        decimal.Decimal
}

// fakeLedger records entries and settlements; a reservation settles once.
type fakeLedger struct {
	mu       sync.Mutex
	entries  []usecase.Entry
	settled  map[string]settleCall
	extended map[string]time.Time
	audit    model.BalanceAudit
}

var _ usecase.Ledger = (*fakeLedger)(nil)

func newFakeLedger() *fakeLedger {
	return &fakeLedger{settled: map[string]settleCall{}, extended: map[string]time.Time{}}
}

func (f *fakeLedger) Charge(ctx context.Context, orgID string, amount decimal.Decimal, description string) (*model.CreditTransaction, error) {
	return f.Apply(ctx, nil, usecase.Entry{OrganizationID: orgID, Amount: amount.Neg(), Type: model.TxCharge, Description: description})
}

func (f *fakeLedger) Credit(ctx context.Context, orgID string, amount decimal.Decimal, typ model.TransactionType, description string) (*model.CreditTransaction, error) {
	return f.Apply(ctx, nil, usecase.Entry{OrganizationID: orgID, Amount: amount, Type: typ, Description: description})
}

func (f *fakeLedger) Debit(ctx context.Context, orgID string, amount decimal.Decimal, typ model.TransactionType, description string) (*model.CreditTransaction, error) {
	return f.Apply(ctx, nil, usecase.Entry{OrganizationID: orgID, Amount: amount.Neg(), Type: typ, Description: description})
}

func (f *fakeLedger) Apply(ctx context.Context, tx repository.Tx, e usecase.Entry) (*model.CreditTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e.Reference != "" {
		for _, x := range f.entries {
			if x.Reference == e.Reference {
				return nil, domain.ErrAlreadyExists
			}
		}
	}
	f.entries = append(f.entries, e)
	return &model.CreditTransaction{OrganizationID: e.OrganizationID, Amount: e.Amount, Type: e.Type}, nil
}

func (f *fakeLedger) Reserve(ctx context.Context, orgID string, amount decimal.Decimal, ttl time.Duration) (string, error) {
	return "res-1", nil
}

func (f *fakeLedger) Settle(ctx context.Context, reservationID string, outcome model.ReservationStatus, amount decimal.Decimal) error {
	return f.SettleTx(ctx, nil, reservationID, outcome, amount)
}

func (f *fakeLedger) SettleTx(ctx context.Context, tx repository.Tx, reservationID string, outcome model.ReservationStatus, amount decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.settled[reservationID]; ok {
		return domain.ErrReservationSettled
	}
	f.settled[reservationID] = settleCall{ReservationID: reservationID, Outcome: outcome, Amount: amount}
	return nil
}

func (f *fakeLedger) ExtendReservation(ctx context.Context, tx repository.Tx, reservationID string, until time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.settled[reservationID]; ok {
		return domain.ErrReservationSettled
	}
	f.extended[reservationID] = until
	return nil
}

func (f *fakeLedger) ReconcileExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	return 0, nil
}

func (f *fakeLedger) AuditBalance(ctx context.Context, orgID string) (model.BalanceAudit, error) {
	return f.audit, nil
}

func (f *fakeLedger) entriesFor(orgID string) []usecase.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []usecase.Entry
	for _, e := range f.entries {
		if e.OrganizationID == orgID {
			out = append(out, e)
		}
	}
	return out
}

// ---- gateway ----

type gatewayCall struct {
	Method   string
	Instance string
	To       string
	Text     string
	Presence adapter.Presence
}

type fakeGateway struct {
	mu    sync.Mutex
	calls []gatewayCall

	SendErr     error
	PresenceErr error
}

var _ adapter.MessagingGateway = (*fakeGateway)(nil)

func (g *fakeGateway) SendText(ctx context.Context, instance, to, text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, gatewayCall{Method: "send", Instance: instance, To: to, Text: text})
	return g.SendErr
}

func (g *fakeGateway) SetPresence(ctx context.Context, instance, to string, presence adapter.Presence) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, gatewayCall{Method: "presence", Instance: instance, To: to, Presence: presence})
	return g.PresenceErr
}

func (g *fakeGateway) InstanceStatus(ctx context.Context, instance string) (adapter.InstanceStatus, error) {
	return adapter.InstanceStatus{Instance: instance, State: "open"}, nil
}

func (g *fakeGateway) sends() []gatewayCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []gatewayCall
	for _, c := range g.calls {
		if c.Method == "send" {
			out = append(out, c)
		}
	}
	return out
}

func (g *fakeGateway) methods() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.calls))
	for _, c := range g.calls {
		if c.Method == "presence" {
			out = append(out, "presence:"+string(c.Presence))
			continue
		}
		out = append(out, c.Method)
	}
	return out
}

// ---- LLMs ----

// scriptedLLM answers ChatWithTools with Replies in order; Func overrides it.
type scriptedLLM struct {
	mu      sync.Mutex
	Replies []*adapter.ChatResult
	Func    func(ctx context.Context, messages []adapter.Message) (*adapter.ChatResult, error)
	calls   int
	seen    [][]adapter.Message
}

var _ adapter.ToolCallingLLM = (*scriptedLLM)(nil)

func (s *scriptedLLM) ChatWithTools(ctx context.Context, messages []adapter.Message, tools []adapter.ToolSchema, opts adapter.ChatOptions) (*adapter.ChatResult, error) {
	s.mu.Lock()
	i := s.calls
	s.calls++
	s.seen = append(s.seen, append([]adapter.Message(nil), messages...))
	s.mu.Unlock()
	if s.Func != nil {
		return s.Func(ctx, messages)
	}
	if i >= len(s.Replies) {
		return s.Replies[len(s.Replies)-1], nil
	}
	return s.Replies[i], nil
}

type fakeChatAI struct {
	Reply     string
	Err       error
	TokensPer int // tokens per message for CountTokens
	seen      []adapter.Message
}

var _ adapter.AIServiceAdapter = (*fakeChatAI)(nil)

func (f *fakeChatAI) ListModels(ctx context.Context) ([]string, error) { return []string{"test"}, nil }

func (f *fakeChatAI) GetModelInfo(model string) (adapter.ModelInfo, error) {
	return adapter.ModelInfo{Name: model}, nil
}

func (f *fakeChatAI) CountTokens(ctx context.Context, model string, messages []adapter.Message) (int, error) {
	return len(messages) * f.TokensPer, nil
}

func (f *fakeChatAI) Chat(ctx context.Context, model string, messages []adapter.Message) (string, error) {
	r, _, err := f.ChatWithUsage(ctx, model, messages)
	return r, err
}

func (f *fakeChatAI) ChatWithUsage(ctx context.Context, model string, messages []adapter.Message) (string, adapter.Usage, error) {
	f.seen = append([]adapter.Message(nil), messages...)
	return f.Reply, adapter.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}, f.Err
}

// ---- tools ----

type fakeTools struct {
	mu       sync.Mutex
	Schemas  []adapter.ToolSchema
	Results  map[string]adapter.ToolResult
	Err      error
	executed []string
	released []string
}

var _ adapter.ToolService = (*fakeTools)(nil)

func (f *fakeTools) ListTools(ctx context.Context, orgID string) ([]adapter.ToolSchema, error) {
	return f.Schemas, nil
}

func (f *fakeTools) ExecuteTool(ctx context.Context, orgID, name string, args map[string]any) (adapter.ToolResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, name)
	if f.Err != nil {
		return adapter.ToolResult{}, f.Err
	}
	if r, ok := f.Results[name]; ok {
		return r, nil
	}
	return adapter.ToolResult{Content: "ok"}, nil
}

func (f *fakeTools) Release(orgID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, orgID)
}

// ---- misc ----

type fakeLimiter struct {
	mu    sync.Mutex
	allow bool
	err   error
	keys  []string
}

func (f *fakeLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	return f.allow, f.err
}

type alert struct {
	Email    string
	Percent  int
	Resource string
}

type fakeNotifier struct {
	mu     sync.Mutex
	alerts []alert
	Err    error
}

func (f *fakeNotifier) SendUsageAlert(ctx context.Context, email string, percent int, resource string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, alert{email, percent, resource})
	return f.Err
}

type fakeOnce struct {
	mu   sync.Mutex
	keys map[string]bool
}

func newFakeOnce() *fakeOnce { return &fakeOnce{keys: map[string]bool{}} }

func (f *fakeOnce) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keys[key] {
		return false, nil
	}
	f.keys[key] = true
	return true, nil
}

type fakeHistory struct {
	mu   sync.Mutex
	msgs map[string][]adapter.Message
	Err  error
}

func newFakeHistory() *fakeHistory { return &fakeHistory{msgs: map[string][]adapter.Message{}} }

func (f *fakeHistory) History(ctx context.Context, orgID, contact string) ([]adapter.Message, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]adapter.Message(nil), f.msgs[orgID+":"+contact]...), nil
}

func (f *fakeHistory) Append(ctx context.Context, orgID, contact string, msgs ...adapter.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs[orgID+":"+contact] = append(f.msgs[orgID+":"+contact], msgs...)
	return nil
}

var errBoom = errors.New("boom")

func ptr[T any](v T) *T { return &v }
