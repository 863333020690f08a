package app

import (
	"context"
	"errors"
	"testing"

	"github.com/artpar/comparellm/adapters/clock"
	"github.com/artpar/comparellm/adapters/memory"
	"github.com/artpar/comparellm/domain/account"
	"github.com/artpar/comparellm/domain/usage"
	"github.com/artpar/comparellm/ports"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func newAccountService(t *testing.T) (*AccountService, *memory.AccountStore, *memory.UsageStore) {
	t.Helper()
	accounts := memory.NewAccountStore()
	usageStore := memory.NewUsageStore()
	return NewAccountService(accounts, usageStore, clock.NewFake(testNow), zerolog.Nop()), accounts, usageStore
}

func TestAccountService_Provision(t *testing.T) {
	svc, accounts, _ := newAccountService(t)
	id := ports.Identity{Subject: "user-1", Email: "Alice@X.com"}

	a, err := svc.Provision(context.Background(), id)
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	if a.ID != "user-1" || a.Email != "alice@x.com" || a.Tier != account.TierFree || a.Credits != 500 || a.Status != account.StatusActive {
		t.Errorf("account = %+v", a)
	}

	if _, err := accounts.Debit(context.Background(), "user-1", 10); err != nil {
		t.Fatal(err)
	}
	again, err := svc.Provision(context.Background(), id)
	if err != nil {
		t.Fatalf("second Provision() error = %v", err)
	}
	if again.Credits != 490 {
		t.Errorf("second Provision recreated the account: credits = %d", again.Credits)
	}
}

func TestAccountService_Provision_MissingEmail(t *testing.T) {
	svc, _, _ := newAccountService(t)
	if _, err := svc.Provision(context.Background(), ports.Identity{Subject: "user-1"}); !errors.Is(err, ErrMissingEmail) {
		t.Errorf("error = %v, want ErrMissingEmail", err)
	}
}

func TestAccountService_Provision_EmailTaken(t *testing.T) {
	svc, accounts, _ := newAccountService(t)
	if err := accounts.Create(context.Background(), account.New("legacy-id", "bob@x.com", testNow)); err != nil {
		t.Fatal(err)
	}

	a, err := svc.Provision(context.Background(), ports.Identity{Subject: "user-2", Email: "Bob@x.com"})
	if !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("Provision() = %q, %v; want ErrEmailTaken", a.ID, err)
	}
	if a.ID != "" {
		t.Errorf("returned account %q for another subject", a.ID)
	}
	if _, err := accounts.Get(context.Background(), "user-2"); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("Get(user-2) error = %v, want ErrNotFound", err)
	}
}

func TestAccountService_History(t *testing.T) {
	svc, _, usageStore := newAccountService(t)
	err := usageStore.RecordBatch(context.Background(), []usage.Event{
		{ID: "1", AccountID: "acc-1", ModelID: "gpt-4o", PromptTokens: 10, CostUSD: decimal.RequireFromString("0.01"), CreatedAt: testNow},
		{ID: "2", AccountID: "acc-1", ModelID: "gpt-4o_summary", PromptTokens: 5, CostUSD: decimal.RequireFromString("0.02"), CreatedAt: testNow},
		{ID: "3", AccountID: "acc-2", ModelID: "gpt-4o", CreatedAt: testNow},
	})
	if err != nil {
		t.Fatal(err)
	}

	events, summary, err := svc.History(context.Background(), "acc-1", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(events) != 2 {
		t.Errorf("events = %d, want 2", len(events))
	}
	if summary.Calls != 1 || summary.SummaryCalls != 1 || summary.PromptTokens != 15 {
		t.Errorf("summary = %+v", summary)
	}
	if !summary.CostUSD.Equal(decimal.RequireFromString("0.03")) {
		t.Errorf("cost = %s", summary.CostUSD)
	}
}

func TestAccountService_AdminReset(t *testing.T) {
	svc, accounts, _ := newAccountService(t)
	a := account.New("acc-1", "a@x.com", testNow)
	a.Tier, a.Credits, a.SubscriptionRef, a.CustomerRef = account.TierPro, 17, "sub_1", "cus_1"
	if err := accounts.Create(context.Background(), a); err != nil {
		t.Fatal(err)
	}

	got, err := svc.AdminReset(context.Background(), "acc-1")
	if err != nil {
		t.Fatalf("AdminReset() error = %v", err)
	}
	if got.Tier != account.TierFree || got.Credits != 500 || got.Status != account.StatusActive || got.SubscriptionRef != "" {
		t.Errorf("account = %+v", got)
	}
	stored, _ := accounts.Get(context.Background(), "acc-1")
	if stored.Tier != account.TierFree {
		t.Error("reset not persisted")
	}

	if _, err := svc.AdminReset(context.Background(), "missing"); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestAccountService_AdminSetTier(t *testing.T) {
	svc, accounts, _ := newAccountService(t)
	if err := accounts.Create(context.Background(), account.New("acc-1", "carol@x.com", testNow)); err != nil {
		t.Fatal(err)
	}

	got, err := svc.AdminSetTier(context.Background(), "Carol@x.com", account.TierPlus)
	if err != nil {
		t.Fatalf("AdminSetTier() error = %v", err)
	}
	if got.Tier != account.TierPlus || got.Credits != 10000 {
		t.Errorf("account = %+v", got)
	}

	if _, err := svc.AdminSetTier(context.Background(), "carol@x.com", account.Tier("gold")); err == nil {
		t.Error("expected invalid tier error")
	}
	if _, err := svc.AdminSetTier(context.Background(), "carol+x@x.com", account.TierPro); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("error = %v, want exact email match only", err)
	}
}
