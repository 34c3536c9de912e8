package usage

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/parchment-ai/parchment/internal/testutil"
)

func newTestAccountant(t *testing.T, defaultLimit float64) *Accountant {
	t.Helper()
	db, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)
	return New(db.Pool, defaultLimit, testutil.Logger())
}

func TestCanSpendDefaultLimit(t *testing.T) {
	a := newTestAccountant(t, 0.5)
	ctx := context.Background()

	// Fresh user with no account row is under the default limit.
	ok, err := a.CanSpend(ctx, "alice")
	if err != nil {
		t.Fatalf("CanSpend() error: %v", err)
	}
	if !ok {
		t.Error("fresh user should be allowed to spend")
	}

	if err := a.RecordSpend(ctx, "alice", 0.49); err != nil {
		t.Fatalf("RecordSpend() error: %v", err)
	}
	ok, err = a.CanSpend(ctx, "alice")
	if err != nil {
		t.Fatalf("CanSpend() error: %v", err)
	}
	if !ok {
		t.Error("user under limit should be allowed")
	}

	if err := a.RecordSpend(ctx, "alice", 0.01); err != nil {
		t.Fatalf("RecordSpend() error: %v", err)
	}
	ok, err = a.CanSpend(ctx, "alice")
	if err != nil {
		t.Fatalf("CanSpend() error: %v", err)
	}
	if ok {
		t.Error("user at limit must be rejected")
	}
}

func TestCanSpendCustomLimitOverridesDefault(t *testing.T) {
	a := newTestAccountant(t, 0.5)
	ctx := context.Background()

	higher := 10.0
	if err := a.SetLimit(ctx, "bob", &higher); err != nil {
		t.Fatalf("SetLimit() error: %v", err)
	}
	if err := a.RecordSpend(ctx, "bob", 1.0); err != nil {
		t.Fatalf("RecordSpend() error: %v", err)
	}

	ok, err := a.CanSpend(ctx, "bob")
	if err != nil {
		t.Fatalf("CanSpend() error: %v", err)
	}
	if !ok {
		t.Error("custom limit should override the lower default")
	}

	lower := 0.1
	if err := a.SetLimit(ctx, "bob", &lower); err != nil {
		t.Fatalf("SetLimit() error: %v", err)
	}
	ok, err = a.CanSpend(ctx, "bob")
	if err != nil {
		t.Fatalf("CanSpend() error: %v", err)
	}
	if ok {
		t.Error("lowered custom limit must reject")
	}

	// Removing the override restores the default.
	if err := a.SetLimit(ctx, "bob", nil); err != nil {
		t.Fatalf("SetLimit(nil) error: %v", err)
	}
	ok, err = a.CanSpend(ctx, "bob")
	if err != nil {
		t.Fatalf("CanSpend() error: %v", err)
	}
	if ok {
		t.Error("spent 1.0 against default 0.5, must reject")
	}
}

func TestRecordSpendConcurrentIncrements(t *testing.T) {
	a := newTestAccountant(t, 1000)
	ctx := context.Background()

	const workers = 20
	const perWorker = 5
	const amount = 0.01

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWorker {
				if err := a.RecordSpend(ctx, "carol", amount); err != nil {
					t.Errorf("RecordSpend() error: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	spent, err := a.Spent(ctx, "carol")
	if err != nil {
		t.Fatalf("Spent() error: %v", err)
	}
	want := workers * perWorker * amount
	if math.Abs(spent-want) > 1e-9 {
		t.Errorf("spent = %f, want %f (no lost updates)", spent, want)
	}
}

func TestRecordSpendValidation(t *testing.T) {
	a := newTestAccountant(t, 1)
	ctx := context.Background()

	if err := a.RecordSpend(ctx, "", 0.1); err == nil {
		t.Error("empty user ID must be rejected")
	}
	if err := a.RecordSpend(ctx, "dave", -0.1); err == nil {
		t.Error("negative spend must be rejected")
	}
	if _, err := a.CanSpend(ctx, ""); err == nil {
		t.Error("empty user ID must fail closed")
	}
}

func TestSpentUnknownUser(t *testing.T) {
	a := newTestAccountant(t, 1)
	spent, err := a.Spent(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("Spent() error: %v", err)
	}
	if spent != 0 {
		t.Errorf("spent = %f, want 0", spent)
	}
}
