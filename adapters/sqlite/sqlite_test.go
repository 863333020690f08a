package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/artpar/comparellm/adapters/sqlite"
	"github.com/artpar/comparellm/domain/account"
	"github.com/artpar/comparellm/domain/billing"
	"github.com/artpar/comparellm/domain/usage"
	"github.com/artpar/comparellm/ports"
	"github.com/shopspring/decimal"
)

func setupTestDB(t *testing.T) *sqlite.DB {
	t.Helper()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "comparellm-test.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if _, err := db.Migrate(); err != nil {
		db.Close()
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

var created = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func TestMigrate_Idempotent(t *testing.T) {
	db := setupTestDB(t)

	ran, err := db.Migrate()
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if len(ran) != 0 {
		t.Errorf("second migrate applied %v, want nothing", ran)
	}
}

// -----------------------------------------------------------------------------
// AccountStore Tests
// -----------------------------------------------------------------------------

func TestAccountStore_CreateAndLookups(t *testing.T) {
	store := sqlite.NewAccountStore(setupTestDB(t))
	ctx := context.Background()

	a := account.New("acc-1", "Alice@X.com", created)
	a.CustomerRef = "cus_1"
	if err := store.Create(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.Get(ctx, "acc-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Email != "alice@x.com" || got.Tier != account.TierFree || got.Credits != 500 || got.CustomerRef != "cus_1" {
		t.Errorf("get = %+v", got)
	}
	if got.SubscriptionRef != "" || got.CurrentPeriodEnd != nil {
		t.Errorf("nullable fields not empty: %+v", got)
	}

	if got, err := store.GetByEmail(ctx, "ALICE@x.com"); err != nil || got.ID != "acc-1" {
		t.Errorf("GetByEmail = %v, %v", got.ID, err)
	}
	if got, err := store.GetByBaseEmail(ctx, "alice+receipt@x.com"); err != nil || got.ID != "acc-1" {
		t.Errorf("GetByBaseEmail = %v, %v", got.ID, err)
	}
	if got, err := store.GetByCustomerRef(ctx, "cus_1"); err != nil || got.ID != "acc-1" {
		t.Errorf("GetByCustomerRef = %v, %v", got.ID, err)
	}
	if _, err := store.GetByCustomerRef(ctx, ""); !errors.Is(err, sqlite.ErrNotFound) {
		t.Errorf("GetByCustomerRef(\"\") error = %v, want ErrNotFound", err)
	}
	if _, err := store.Get(ctx, "nope"); !errors.Is(err, sqlite.ErrNotFound) {
		t.Errorf("Get(nope) error = %v, want ErrNotFound", err)
	}
}

func TestAccountStore_CreateDuplicateEmail(t *testing.T) {
	store := sqlite.NewAccountStore(setupTestDB(t))
	ctx := context.Background()

	if err := store.Create(ctx, account.New("acc-1", "a@x.com", created)); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := store.Create(ctx, account.New("acc-2", "A@x.com", created))
	if !errors.Is(err, sqlite.ErrDuplicate) {
		t.Errorf("duplicate create error = %v, want ErrDuplicate", err)
	}
}

func TestAccountStore_Update(t *testing.T) {
	store := sqlite.NewAccountStore(setupTestDB(t))
	ctx := context.Background()

	a := account.New("acc-1", "a@x.com", created)
	if err := store.Create(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}

	end := created.AddDate(0, 1, 0)
	a = account.Subscribe(a, account.TierPro, "cus_9", "sub_9", &end, created.Add(time.Hour))
	if err := store.Update(ctx, a); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, _ := store.Get(ctx, "acc-1")
	if got.Tier != account.TierPro || got.Credits != 30000 || got.SubscriptionRef != "sub_9" {
		t.Errorf("after update = %+v", got)
	}
	if got.CurrentPeriodEnd == nil || !got.CurrentPeriodEnd.Equal(end) {
		t.Errorf("CurrentPeriodEnd = %v, want %v", got.CurrentPeriodEnd, end)
	}

	if err := store.Update(ctx, account.Account{ID: "missing", Tier: account.TierFree, Status: account.StatusActive}); !errors.Is(err, sqlite.ErrNotFound) {
		t.Errorf("update missing error = %v, want ErrNotFound", err)
	}
}

func TestAccountStore_SetStatusKeepsCredits(t *testing.T) {
	store := sqlite.NewAccountStore(setupTestDB(t))
	ctx := context.Background()

	a := account.New("acc-1", "a@x.com", created)
	a.Credits = 100
	if err := store.Create(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Debit(ctx, "acc-1", 25); err != nil {
		t.Fatalf("debit: %v", err)
	}

	if err := store.SetStatus(ctx, "acc-1", account.StatusCancelAtPeriodEnd, created.Add(time.Hour)); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	got, _ := store.Get(ctx, "acc-1")
	if got.Status != account.StatusCancelAtPeriodEnd || got.Credits != 75 {
		t.Errorf("after SetStatus = status %s credits %d", got.Status, got.Credits)
	}

	if err := store.SetStatus(ctx, "missing", account.StatusActive, created); !errors.Is(err, sqlite.ErrNotFound) {
		t.Errorf("SetStatus(missing) error = %v, want ErrNotFound", err)
	}
}

func TestAccountStore_Debit(t *testing.T) {
	store := sqlite.NewAccountStore(setupTestDB(t))
	ctx := context.Background()

	a := account.New("acc-1", "a@x.com", created)
	a.Credits = 30
	if err := store.Create(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}

	remaining, err := store.Debit(ctx, "acc-1", 30)
	if err != nil || remaining != 0 {
		t.Fatalf("Debit(30) = %d, %v; want 0, nil", remaining, err)
	}

	remaining, err = store.Debit(ctx, "acc-1", 1)
	if !errors.Is(err, ports.ErrInsufficientCredits) {
		t.Errorf("Debit(1) error = %v, want ErrInsufficientCredits", err)
	}
	if remaining != 0 {
		t.Errorf("remaining = %d, want 0", remaining)
	}

	if _, err := store.Debit(ctx, "missing", 1); !errors.Is(err, sqlite.ErrNotFound) {
		t.Errorf("Debit(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := store.Debit(ctx, "acc-1", -5); err == nil {
		t.Error("negative debit should fail")
	}
}

func TestAccountStore_DebitConcurrentNeverOverdraws(t *testing.T) {
	store := sqlite.NewAccountStore(setupTestDB(t))
	ctx := context.Background()

	a := account.New("acc-1", "a@x.com", created)
	a.Credits = 50
	if err := store.Create(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}

	var ok atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Debit(ctx, "acc-1", 5); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	got, _ := store.Get(ctx, "acc-1")
	if got.Credits < 0 {
		t.Fatalf("credits went negative: %d", got.Credits)
	}
	if got.Credits != 50-5*ok.Load() {
		t.Errorf("credits = %d after %d successful debits", got.Credits, ok.Load())
	}
}

// -----------------------------------------------------------------------------
// UsageStore Tests
// -----------------------------------------------------------------------------

func TestUsageStore_RecordAndList(t *testing.T) {
	store := sqlite.NewUsageStore(setupTestDB(t))
	ctx := context.Background()

	events := []usage.Event{
		{ID: "u1", AccountID: "acc-1", ModelID: "gpt-4o", PromptTokens: 10, CompletionTokens: 20, CostUSD: decimal.RequireFromString("0.000225"), CreatedAt: created},
		{ID: "u2", AccountID: "acc-1", ModelID: "mistral-7b", CostUSD: decimal.Zero, CreatedAt: created.Add(time.Second)},
		{ID: "u3", AccountID: "acc-2", ModelID: "gpt-4o", CreatedAt: created},
	}
	if err := store.RecordBatch(ctx, events); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := store.RecordBatch(ctx, nil); err != nil {
		t.Errorf("empty batch: %v", err)
	}

	got, err := store.ListByAccount(ctx, "acc-1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != "u2" || got[1].ID != "u1" {
		t.Fatalf("list = %+v", got)
	}
	if !got[1].CostUSD.Equal(decimal.RequireFromString("0.000225")) || got[1].CompletionTokens != 20 {
		t.Errorf("round trip lost data: %+v", got[1])
	}

	limited, _ := store.ListByAccount(ctx, "acc-1", 1)
	if len(limited) != 1 {
		t.Errorf("limit ignored: %d rows", len(limited))
	}
}

// -----------------------------------------------------------------------------
// Billing Store Tests
// -----------------------------------------------------------------------------

func TestAuditStore_AppendAndList(t *testing.T) {
	store := sqlite.NewAuditStore(setupTestDB(t))
	ctx := context.Background()

	first := billing.AuditEntry{ID: "a1", EventID: "evt_1", EventType: "checkout.session.completed", AccountID: "acc-1",
		Tier: account.TierPro, Outcome: billing.OutcomeApplied, Success: true, AttemptedUpdate: `{"tier":"pro"}`,
		Payload: []byte(`{"id":"evt_1"}`), CreatedAt: created}
	second := billing.AuditEntry{ID: "a2", EventID: "evt_2", EventType: "invoice.paid", Outcome: billing.OutcomeUnresolved,
		Error: "no account matched", Livemode: true, CreatedAt: created.Add(time.Minute)}

	for _, e := range []billing.AuditEntry{first, second} {
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := store.List(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != "a2" {
		t.Fatalf("list = %+v", got)
	}
	if got[0].AccountID != "" || got[0].Success || !got[0].Livemode || got[0].Error != "no account matched" {
		t.Errorf("unresolved entry = %+v", got[0])
	}
	if got[1].Tier != account.TierPro || !got[1].Success || string(got[1].Payload) != `{"id":"evt_1"}` {
		t.Errorf("applied entry = %+v", got[1])
	}
}

func TestProcessedEventStore_ClaimReleasePrune(t *testing.T) {
	store := sqlite.NewProcessedEventStore(setupTestDB(t))
	ctx := context.Background()

	ok, err := store.Claim(ctx, "evt_1", created)
	if err != nil || !ok {
		t.Fatalf("first claim = %v, %v", ok, err)
	}
	if ok, _ := store.Claim(ctx, "evt_1", created); ok {
		t.Error("second claim should report already processed")
	}

	if err := store.Release(ctx, "evt_1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := store.Claim(ctx, "evt_1", created); !ok {
		t.Error("claim after release should succeed")
	}

	if _, err := store.Claim(ctx, "evt_new", created.Add(48*time.Hour)); err != nil {
		t.Fatalf("claim: %v", err)
	}
	n, err := store.Prune(ctx, created.Add(24*time.Hour))
	if err != nil || n != 1 {
		t.Errorf("prune = %d, %v; want 1", n, err)
	}
	if ok, _ := store.Claim(ctx, "evt_new", created); ok {
		t.Error("recent claim should survive prune")
	}
}
