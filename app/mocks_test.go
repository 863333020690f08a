package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/artpar/comparellm/adapters/clock"
	"github.com/artpar/comparellm/adapters/idgen"
	"github.com/artpar/comparellm/adapters/memory"
	"github.com/artpar/comparellm/domain/account"
	"github.com/artpar/comparellm/domain/billing"
	"github.com/artpar/comparellm/domain/model"
	"github.com/artpar/comparellm/domain/usage"
	"github.com/artpar/comparellm/ports"
	"github.com/rs/zerolog"
)

// Mock implementations for testing

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// syncRecorder records usage events immediately.
type syncRecorder struct {
	mu     sync.Mutex
	events []usage.Event
}

func (r *syncRecorder) Record(e usage.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *syncRecorder) Flush(ctx context.Context) error { return nil }
func (r *syncRecorder) Close() error                    { return nil }

func (r *syncRecorder) all() []usage.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]usage.Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *syncRecorder) byModel(id string) (usage.Event, bool) {
	for _, e := range r.all() {
		if e.ModelID == id {
			return e, true
		}
	}
	return usage.Event{}, false
}

type mockReply struct {
	text   string
	chunks []string
	usage  usage.TokenUsage
	err    error
	delay  time.Duration
	panics bool
}

// mockBackend answers per model id; unknown ids get a default answer.
type mockBackend struct {
	mu      sync.Mutex
	replies map[string]mockReply
	calls   []string
	prompts map[string]string
}

func newMockBackend() *mockBackend {
	return &mockBackend{replies: map[string]mockReply{}, prompts: map[string]string{}}
}

func (b *mockBackend) set(id string, r mockReply) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.replies[id] = r
}

func (b *mockBackend) reply(m model.Descriptor, prompt string) mockReply {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, m.ID)
	b.prompts[m.ID] = prompt
	r, ok := b.replies[m.ID]
	if !ok {
		r = mockReply{chunks: []string{"answer ", "from ", m.ID}, usage: usage.NewTokenUsage(10, 5)}
	}
	if r.text == "" {
		r.text = strings.Join(r.chunks, "")
	}
	return r
}

func (b *mockBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func (b *mockBackend) promptFor(id string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.prompts[id]
}

func (b *mockBackend) wait(ctx context.Context, r mockReply) error {
	if r.delay == 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(r.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *mockBackend) Complete(ctx context.Context, m model.Descriptor, prompt string) (ports.Completion, error) {
	r := b.reply(m, prompt)
	if r.panics {
		panic("backend exploded")
	}
	if err := b.wait(ctx, r); err != nil {
		return ports.Completion{}, err
	}
	if r.err != nil {
		return ports.Completion{}, r.err
	}
	return ports.Completion{Text: r.text, Usage: r.usage}, nil
}

func (b *mockBackend) Stream(ctx context.Context, m model.Descriptor, prompt string, onChunk func(string)) (ports.Completion, error) {
	r := b.reply(m, prompt)
	if r.panics {
		panic("backend exploded")
	}
	if err := b.wait(ctx, r); err != nil {
		return ports.Completion{}, err
	}
	if r.err != nil {
		return ports.Completion{}, r.err
	}
	for _, c := range r.chunks {
		onChunk(c)
	}
	return ports.Completion{Text: r.text, Usage: r.usage}, nil
}

// failingAccounts wraps the memory store with injectable write failures.
type failingAccounts struct {
	*memory.AccountStore
	debitErr  error
	updateErr error
}

func (f *failingAccounts) Debit(ctx context.Context, id string, amount int64) (int64, error) {
	if f.debitErr != nil {
		return 0, f.debitErr
	}
	return f.AccountStore.Debit(ctx, id, amount)
}

func (f *failingAccounts) Update(ctx context.Context, a account.Account) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	return f.AccountStore.Update(ctx, a)
}

type denyPolicy struct{ model string }

func (d denyPolicy) Allowed(a account.Account, m model.Descriptor) bool { return m.ID != d.model }

// mockProvider is a scripted payment provider.
type mockProvider struct {
	event         billing.Event
	parseErr      error
	subscriptions map[string]billing.Subscription
	emails        map[string]string
	emailCalls    int
	checkout      ports.CheckoutParams
	canceled      []string
	cancelErr     error
	portalFor     string
}

func (p *mockProvider) ParseEvent(payload []byte, signature string) (billing.Event, error) {
	if p.parseErr != nil {
		return billing.Event{}, p.parseErr
	}
	e := p.event
	e.Payload = payload
	return e, nil
}

func (p *mockProvider) GetSubscription(ctx context.Context, ref string) (billing.Subscription, error) {
	s, ok := p.subscriptions[ref]
	if !ok {
		return billing.Subscription{}, errors.New("no such subscription")
	}
	return s, nil
}

func (p *mockProvider) GetCustomerEmail(ctx context.Context, ref string) (string, error) {
	p.emailCalls++
	e, ok := p.emails[ref]
	if !ok {
		return "", errors.New("no such customer")
	}
	return e, nil
}

func (p *mockProvider) CreateCheckout(ctx context.Context, cp ports.CheckoutParams) (string, error) {
	p.checkout = cp
	return "https://checkout.test/" + cp.AccountID, nil
}

func (p *mockProvider) CreatePortal(ctx context.Context, customerRef, returnURL string) (string, error) {
	p.portalFor = customerRef
	return "https://portal.test/" + customerRef, nil
}

func (p *mockProvider) CancelAtPeriodEnd(ctx context.Context, ref string) error {
	if p.cancelErr != nil {
		return p.cancelErr
	}
	p.canceled = append(p.canceled, ref)
	return nil
}

type mockDirectory struct {
	users []ports.Identity
	err   error
	calls int
}

func (d *mockDirectory) ListUsers(ctx context.Context) ([]ports.Identity, error) {
	d.calls++
	return d.users, d.err
}

// harness wires the services over memory stores.
type harness struct {
	accounts *failingAccounts
	recorder *syncRecorder
	backend  *mockBackend
	clock    *clock.Fake
	ledger   *LedgerService
	compare  *CompareService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		accounts: &failingAccounts{AccountStore: memory.NewAccountStore()},
		recorder: &syncRecorder{},
		backend:  newMockBackend(),
		clock:    clock.NewFake(testNow),
	}
	reg := model.MustRegistry(model.DefaultCatalog())
	h.ledger = NewLedgerService(h.accounts, h.recorder, reg, idgen.NewSequential("ev"), h.clock, nil, zerolog.Nop())
	h.compare = NewCompareService(reg, h.backend, h.ledger, nil, nil, CompareConfig{ModelTimeout: time.Second}, zerolog.Nop())
	return h
}

func (h *harness) createAccount(t *testing.T, id, email string, mutate func(*account.Account)) account.Account {
	t.Helper()
	a := account.New(id, email, h.clock.Now())
	if mutate != nil {
		mutate(&a)
	}
	if err := h.accounts.Create(context.Background(), a); err != nil {
		t.Fatalf("create account: %v", err)
	}
	return a
}

func (h *harness) credits(t *testing.T, id string) int64 {
	t.Helper()
	a, err := h.accounts.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	return a.Credits
}
