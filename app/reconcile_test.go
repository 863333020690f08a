package app

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/artpar/comparellm/adapters/clock"
	"github.com/artpar/comparellm/adapters/idgen"
	"github.com/artpar/comparellm/adapters/memory"
	"github.com/artpar/comparellm/domain/account"
	"github.com/artpar/comparellm/domain/billing"
	"github.com/artpar/comparellm/ports"
	"github.com/rs/zerolog"
)

type reconcileHarness struct {
	accounts  *failingAccounts
	audit     *memory.AuditStore
	processed *memory.ProcessedEventStore
	provider  *mockProvider
	directory *mockDirectory
	clock     *clock.Fake
	svc       *ReconcileService
}

func newReconcileHarness(t *testing.T) *reconcileHarness {
	t.Helper()
	h := &reconcileHarness{
		accounts:  &failingAccounts{AccountStore: memory.NewAccountStore()},
		audit:     memory.NewAuditStore(),
		processed: memory.NewProcessedEventStore(),
		provider:  &mockProvider{subscriptions: map[string]billing.Subscription{}, emails: map[string]string{}},
		directory: &mockDirectory{},
		clock:     clock.NewFake(testNow),
	}
	h.svc = NewReconcileService(
		h.provider,
		h.accounts,
		h.audit,
		h.processed,
		DefaultResolvers(h.accounts, h.directory, h.clock),
		idgen.NewSequential("audit"),
		h.clock,
		nil,
		zerolog.Nop(),
	)
	h.svc.SetPlans(billing.PlanPrices{"price_plus": account.TierPlus, "price_pro": account.TierPro})
	return h
}

func (h *reconcileHarness) create(t *testing.T, id, email string, mutate func(*account.Account)) {
	t.Helper()
	a := account.New(id, email, h.clock.Now())
	if mutate != nil {
		mutate(&a)
	}
	if err := h.accounts.Create(context.Background(), a); err != nil {
		t.Fatalf("create account: %v", err)
	}
}

func (h *reconcileHarness) get(t *testing.T, id string) account.Account {
	t.Helper()
	a, err := h.accounts.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get account %s: %v", id, err)
	}
	return a
}

func (h *reconcileHarness) auditLog(t *testing.T) []billing.AuditEntry {
	t.Helper()
	entries, err := h.audit.List(context.Background(), 100)
	if err != nil {
		t.Fatal(err)
	}
	return entries
}

func TestReconcile_CheckoutAmountWinsOverPriceID(t *testing.T) {
	h := newReconcileHarness(t)
	h.create(t, "acc-1", "alice@x.com", nil)

	entry := h.svc.Reconcile(context.Background(), billing.Event{
		ID:                "evt_1",
		Type:              billing.EventCheckoutCompleted,
		RawType:           "checkout.session.completed",
		ClientReferenceID: "acc-1",
		CustomerRef:       "cus_1",
		SubscriptionRef:   "sub_1",
		AmountMinor:       2999,
		PriceID:           "price_plus",
		Payload:           []byte(`{"id":"evt_1"}`),
	})

	if entry.Outcome != billing.OutcomeApplied || !entry.Success {
		t.Fatalf("entry = %+v", entry)
	}
	if entry.Tier != account.TierPro || entry.AccountID != "acc-1" {
		t.Errorf("entry tier = %s account = %s", entry.Tier, entry.AccountID)
	}
	a := h.get(t, "acc-1")
	if a.Tier != account.TierPro || a.Credits != 30000 || a.Status != account.StatusActive {
		t.Errorf("account = %+v", a)
	}
	if a.CustomerRef != "cus_1" || a.SubscriptionRef != "sub_1" {
		t.Errorf("refs = %q %q", a.CustomerRef, a.SubscriptionRef)
	}

	log := h.auditLog(t)
	if len(log) != 1 || string(log[0].Payload) != `{"id":"evt_1"}` || log[0].EventType != "checkout.session.completed" {
		t.Errorf("audit = %+v", log)
	}
}

func TestReconcile_ReplayIsIdempotent(t *testing.T) {
	h := newReconcileHarness(t)
	h.create(t, "acc-1", "alice@x.com", nil)
	e := billing.Event{
		ID:                "evt_1",
		Type:              billing.EventInvoicePaid,
		ClientReferenceID: "acc-1",
		AmountMinor:       500,
	}

	first := h.svc.Reconcile(context.Background(), e)
	after := h.get(t, "acc-1")

	// Spend some credits, then redeliver.
	if _, err := h.accounts.Debit(context.Background(), "acc-1", 100); err != nil {
		t.Fatal(err)
	}
	second := h.svc.Reconcile(context.Background(), e)

	if first.Outcome != billing.OutcomeApplied || second.Outcome != billing.OutcomeDuplicate {
		t.Fatalf("outcomes = %s, %s", first.Outcome, second.Outcome)
	}
	got := h.get(t, "acc-1")
	if got.Credits != after.Credits-100 || got.Tier != account.TierPlus {
		t.Errorf("replay changed account: credits %d tier %s", got.Credits, got.Tier)
	}
	if len(h.auditLog(t)) != 2 {
		t.Errorf("audit entries = %d, want 2", len(h.auditLog(t)))
	}
}

func TestReconcile_ReplayWithoutDedupStoreSameEndState(t *testing.T) {
	h := newReconcileHarness(t)
	h.create(t, "acc-1", "alice@x.com", nil)
	e := billing.Event{ID: "evt_1", Type: billing.EventCheckoutCompleted, ClientReferenceID: "acc-1", AmountMinor: 2500}

	h.svc.Reconcile(context.Background(), e)
	once := h.get(t, "acc-1")
	if err := h.processed.Release(context.Background(), "evt_1"); err != nil {
		t.Fatal(err)
	}
	h.svc.Reconcile(context.Background(), e)
	twice := h.get(t, "acc-1")

	if once.Tier != twice.Tier || once.Credits != twice.Credits || once.Status != twice.Status {
		t.Errorf("once = %+v, twice = %+v", once, twice)
	}
}

func TestReconcile_AliasEmail(t *testing.T) {
	h := newReconcileHarness(t)
	h.create(t, "acc-1", "alice@x.com", nil)

	entry := h.svc.Reconcile(context.Background(), billing.Event{
		ID:          "evt_1",
		Type:        billing.EventInvoicePaid,
		Email:       "Alice+receipt@x.com",
		AmountMinor: 500,
	})

	if entry.Outcome != billing.OutcomeApplied || entry.AccountID != "acc-1" {
		t.Fatalf("entry = %+v", entry)
	}
	if a := h.get(t, "acc-1"); a.Tier != account.TierPlus || a.Credits != 10000 {
		t.Errorf("account = %+v", a)
	}
}

func TestReconcile_PaymentFailedKeepsCustomerRef(t *testing.T) {
	h := newReconcileHarness(t)
	h.create(t, "acc-1", "a@x.com", func(a *account.Account) {
		a.Tier = account.TierPro
		a.Credits = 12345
		a.CustomerRef = "cus_1"
		a.SubscriptionRef = "sub_1"
	})

	entry := h.svc.Reconcile(context.Background(), billing.Event{
		ID:          "evt_1",
		Type:        billing.EventInvoicePaymentFailed,
		CustomerRef: "cus_1",
	})

	if entry.Outcome != billing.OutcomeApplied || entry.Tier != account.TierFree {
		t.Fatalf("entry = %+v", entry)
	}
	a := h.get(t, "acc-1")
	if a.Tier != account.TierFree || a.Status != account.StatusPastDue || a.Credits != 500 {
		t.Errorf("account = %+v", a)
	}
	if a.CustomerRef != "cus_1" {
		t.Errorf("CustomerRef = %q, want unchanged", a.CustomerRef)
	}
	if a.SubscriptionRef != "" {
		t.Errorf("SubscriptionRef = %q, want cleared", a.SubscriptionRef)
	}
}

func TestReconcile_SubscriptionDeleted(t *testing.T) {
	h := newReconcileHarness(t)
	h.create(t, "acc-1", "a@x.com", func(a *account.Account) {
		a.Tier = account.TierPlus
		a.Credits = 42
		a.CustomerRef = "cus_1"
		a.SubscriptionRef = "sub_1"
	})

	h.svc.Reconcile(context.Background(), billing.Event{
		ID:              "evt_1",
		Type:            billing.EventSubscriptionDeleted,
		CustomerRef:     "cus_1",
		SubscriptionRef: "sub_1",
	})

	a := h.get(t, "acc-1")
	if a.Tier != account.TierFree || a.Status != account.StatusCanceled || a.Credits != 500 {
		t.Errorf("account = %+v", a)
	}
	if a.SubscriptionRef != "" {
		t.Errorf("SubscriptionRef = %q, want cleared", a.SubscriptionRef)
	}
}

func TestReconcile_Unresolved(t *testing.T) {
	h := newReconcileHarness(t)
	h.create(t, "acc-1", "a@x.com", nil)

	entry := h.svc.Reconcile(context.Background(), billing.Event{
		ID:          "evt_1",
		Type:        billing.EventCheckoutCompleted,
		Email:       "stranger@y.com",
		AmountMinor: 2500,
	})

	if entry.Outcome != billing.OutcomeUnresolved || entry.Success || entry.Error == "" {
		t.Fatalf("entry = %+v", entry)
	}
	if h.directory.calls != 1 {
		t.Errorf("directory scanned %d times, want 1", h.directory.calls)
	}
	if a := h.get(t, "acc-1"); a.Tier != account.TierFree {
		t.Error("unrelated account mutated")
	}
	// The claim is released so a replay can still apply it.
	if claimed, _ := h.processed.Claim(context.Background(), "evt_1", testNow); !claimed {
		t.Error("unresolved event claim not released")
	}
}

func TestReconcile_UpdateFailureAudited(t *testing.T) {
	h := newReconcileHarness(t)
	h.create(t, "acc-1", "a@x.com", nil)
	h.accounts.updateErr = errors.New("disk full")

	entry := h.svc.Reconcile(context.Background(), billing.Event{
		ID:                "evt_1",
		Type:              billing.EventCheckoutCompleted,
		ClientReferenceID: "acc-1",
		AmountMinor:       2500,
	})

	if entry.Outcome != billing.OutcomeFailed || entry.Success {
		t.Fatalf("entry = %+v", entry)
	}
	if !strings.Contains(entry.Error, "disk full") {
		t.Errorf("Error = %q", entry.Error)
	}
	if !strings.Contains(entry.AttemptedUpdate, `"tier":"pro"`) || !strings.Contains(entry.AttemptedUpdate, `"credits":30000`) {
		t.Errorf("AttemptedUpdate = %s", entry.AttemptedUpdate)
	}
	if claimed, _ := h.processed.Claim(context.Background(), "evt_1", testNow); !claimed {
		t.Error("failed event claim not released")
	}
}

func TestReconcile_EnrichesFromSubscription(t *testing.T) {
	h := newReconcileHarness(t)
	h.create(t, "acc-1", "a@x.com", func(a *account.Account) { a.CustomerRef = "cus_1" })
	h.provider.subscriptions["sub_1"] = billing.Subscription{
		ID:          "sub_1",
		CustomerRef: "cus_1",
		Status:      "active",
		PriceID:     "price_pro",
		UnitAmount:  2500,
	}

	entry := h.svc.Reconcile(context.Background(), billing.Event{
		ID:              "evt_1",
		Type:            billing.EventInvoicePaid,
		CustomerRef:     "cus_1",
		SubscriptionRef: "sub_1",
	})

	if entry.Tier != account.TierPro {
		t.Fatalf("entry = %+v", entry)
	}
	if a := h.get(t, "acc-1"); a.Credits != 30000 {
		t.Errorf("credits = %d", a.Credits)
	}
}

func TestReconcile_PriceIDFallback(t *testing.T) {
	h := newReconcileHarness(t)
	h.create(t, "acc-1", "a@x.com", nil)

	entry := h.svc.Reconcile(context.Background(), billing.Event{
		ID:                "evt_1",
		Type:              billing.EventSubscriptionCreated,
		ClientReferenceID: "acc-1",
		PriceID:           "price_plus",
	})
	if entry.Tier != account.TierPlus {
		t.Errorf("tier = %s, want plus from price id", entry.Tier)
	}
}

func TestReconcile_FetchesCustomerEmail(t *testing.T) {
	h := newReconcileHarness(t)
	h.create(t, "acc-1", "bob@x.com", nil)
	h.provider.emails["cus_9"] = "bob@x.com"

	entry := h.svc.Reconcile(context.Background(), billing.Event{
		ID:          "evt_1",
		Type:        billing.EventCheckoutCompleted,
		CustomerRef: "cus_9",
		AmountMinor: 500,
	})

	if entry.AccountID != "acc-1" || entry.Outcome != billing.OutcomeApplied {
		t.Fatalf("entry = %+v", entry)
	}
	if h.provider.emailCalls != 1 {
		t.Errorf("customer email fetched %d times, want 1", h.provider.emailCalls)
	}
	if a := h.get(t, "acc-1"); a.CustomerRef != "cus_9" {
		t.Errorf("CustomerRef = %q, want linked", a.CustomerRef)
	}
}

func TestReconcile_DirectoryFallbackProvisions(t *testing.T) {
	h := newReconcileHarness(t)
	h.directory.users = []ports.Identity{
		{Subject: "u-1", Email: "dave@x.com"},
		{Subject: "u-9", Email: "carol@x.com"},
	}

	entry := h.svc.Reconcile(context.Background(), billing.Event{
		ID:          "evt_1",
		Type:        billing.EventCheckoutCompleted,
		Email:       "carol+pay@x.com",
		AmountMinor: 2500,
	})

	if entry.Outcome != billing.OutcomeApplied || entry.AccountID != "u-9" {
		t.Fatalf("entry = %+v", entry)
	}
	a := h.get(t, "u-9")
	if a.Email != "carol@x.com" || a.Tier != account.TierPro {
		t.Errorf("account = %+v", a)
	}
}

func TestReconcile_DirectoryError(t *testing.T) {
	h := newReconcileHarness(t)
	h.directory.err = errors.New("directory unavailable")

	entry := h.svc.Reconcile(context.Background(), billing.Event{
		ID:    "evt_1",
		Type:  billing.EventCheckoutCompleted,
		Email: "x@y.com",
	})
	if entry.Outcome != billing.OutcomeFailed || !strings.Contains(entry.Error, "directory unavailable") {
		t.Errorf("entry = %+v", entry)
	}
}

func TestReconcile_ClientReferenceWinsOverEmail(t *testing.T) {
	h := newReconcileHarness(t)
	h.create(t, "acc-1", "a@x.com", nil)
	h.create(t, "acc-2", "b@x.com", nil)

	entry := h.svc.Reconcile(context.Background(), billing.Event{
		ID:                "evt_1",
		Type:              billing.EventCheckoutCompleted,
		ClientReferenceID: "acc-2",
		Email:             "a@x.com",
		AmountMinor:       500,
	})
	if entry.AccountID != "acc-2" {
		t.Errorf("resolved %s, want acc-2", entry.AccountID)
	}
}

func TestReconcile_UnhandledIgnored(t *testing.T) {
	h := newReconcileHarness(t)

	entry := h.svc.Reconcile(context.Background(), billing.Event{ID: "evt_1", Type: billing.EventUnhandled, RawType: "charge.refunded"})
	if entry.Outcome != billing.OutcomeIgnored || entry.EventType != "charge.refunded" {
		t.Errorf("entry = %+v", entry)
	}
	if claimed, _ := h.processed.Claim(context.Background(), "evt_1", testNow); !claimed {
		t.Error("ignored event should not be claimed")
	}
}

func TestHandleWebhook(t *testing.T) {
	h := newReconcileHarness(t)
	h.create(t, "acc-1", "a@x.com", nil)
	h.provider.event = billing.Event{ID: "evt_1", Type: billing.EventCheckoutCompleted, ClientReferenceID: "acc-1", AmountMinor: 500}

	entry, err := h.svc.HandleWebhook(context.Background(), []byte(`{}`), "t=1,v1=abc")
	if err != nil {
		t.Fatalf("HandleWebhook() error = %v", err)
	}
	if entry.Outcome != billing.OutcomeApplied {
		t.Errorf("entry = %+v", entry)
	}

	h.provider.parseErr = ports.ErrInvalidSignature
	if _, err := h.svc.HandleWebhook(context.Background(), []byte(`{}`), "bad"); !errors.Is(err, ports.ErrInvalidSignature) {
		t.Errorf("error = %v, want ErrInvalidSignature", err)
	}
	if len(h.auditLog(t)) != 1 {
		t.Error("rejected webhook must not be audited")
	}
}

func TestMatchIdentity(t *testing.T) {
	users := []ports.Identity{
		{Subject: "1", Email: "bob+old@x.com"},
		{Subject: "2", Email: "Bob@x.com"},
	}
	tests := []struct {
		email string
		want  string
		ok    bool
	}{
		{"bob@x.com", "2", true},
		{"bob+new@x.com", "1", true}, // base match, first in list order
		{"alice@x.com", "", false},
	}
	for _, tt := range tests {
		got, ok := matchIdentity(users, tt.email)
		if ok != tt.ok || got.Subject != tt.want {
			t.Errorf("matchIdentity(%q) = %+v, %v", tt.email, got, ok)
		}
	}
}
