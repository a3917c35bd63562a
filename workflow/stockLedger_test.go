package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/supply_backend/models"
	"bitbucket.org/mmdatafocus/supply_backend/utils"
)

func TestStockLedger_LatestEntryWinsNotSum(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, models.StoreTypeHardware, 0)

	f.append(t, p, nil, models.AdjustmentTypeAdjustment, 50)
	f.append(t, p, nil, models.AdjustmentTypeOut, 30)
	f.append(t, p, nil, models.AdjustmentTypeOut, 45)

	if got := f.current(t, p, nil); got != 45 {
		t.Fatalf("expected 45, got %d", got)
	}
}

func TestStockLedger_SameTimestampBreaksTieById(t *testing.T) {
	f := newFixture(t)
	frozen := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	f.ledger.Now = func() time.Time { return frozen }
	p := f.product(t, models.StoreTypeHardware, 0)

	for _, qty := range []int64{7, 3, 11, 2} {
		f.append(t, p, nil, models.AdjustmentTypeAdjustment, qty)
	}
	if got := f.current(t, p, nil); got != 2 {
		t.Fatalf("expected last appended quantity 2, got %d", got)
	}
}

func TestStockLedger_ClockStepBackDoesNotReorder(t *testing.T) {
	f := newFixture(t)
	times := []time.Time{
		time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC),
	}
	i := 0
	f.ledger.Now = func() time.Time {
		at := times[i%len(times)]
		i++
		return at
	}
	p := f.product(t, models.StoreTypeHardware, 0)

	f.append(t, p, nil, models.AdjustmentTypeAdjustment, 20)
	f.append(t, p, nil, models.AdjustmentTypeAdjustment, 12)
	if got := f.current(t, p, nil); got != 12 {
		t.Fatalf("expected 12, got %d", got)
	}
}

func TestStockLedger_NoStockProductAlwaysZero(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, models.StoreTypeLPO, 25)

	f.append(t, p, nil, models.AdjustmentTypeIn, 80)
	if got := f.current(t, p, nil); got != 0 {
		t.Fatalf("expected 0 for no-stock product, got %d", got)
	}
	if got := f.current(t, p, intPtr(3)); got != 0 {
		t.Fatalf("expected 0 for no-stock product at a site, got %d", got)
	}

	flagged := &models.Store{Name: "drop ship", Type: models.StoreTypeHardware, IsNoStock: true}
	if err := f.repo.CreateStore(context.Background(), flagged); err != nil {
		t.Fatalf("create store: %v", err)
	}
	fp := &models.Product{Name: "drop", StoreId: flagged.ID, Quantity: 9}
	if err := f.repo.CreateProduct(context.Background(), fp); err != nil {
		t.Fatalf("create product: %v", err)
	}
	if got := f.current(t, fp.ID, nil); got != 0 {
		t.Fatalf("expected 0 for flagged store, got %d", got)
	}
}

func TestStockLedger_StaticFallbackAndSiteKeys(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, models.StoreTypeWorkshop, 17)

	if got := f.current(t, p, nil); got != 17 {
		t.Fatalf("expected static quantity 17, got %d", got)
	}

	f.append(t, p, intPtr(4), models.AdjustmentTypeIn, 6)
	if got := f.current(t, p, intPtr(4)); got != 6 {
		t.Fatalf("expected site 4 quantity 6, got %d", got)
	}
	if got := f.current(t, p, nil); got != 17 {
		t.Fatalf("expected general stock unaffected by site entry, got %d", got)
	}
	if got := f.current(t, p, intPtr(5)); got != 17 {
		t.Fatalf("expected untouched site to fall back to static quantity, got %d", got)
	}

	f.append(t, p, nil, models.AdjustmentTypeAdjustment, 2)
	if got := f.current(t, p, intPtr(4)); got != 6 {
		t.Fatalf("expected site 4 unaffected by general entry, got %d", got)
	}
}

func TestStockLedger_AppendValidation(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, models.StoreTypeHardware, 0)
	ctx := context.Background()

	cases := []struct {
		name string
		in   models.NewStockEntry
	}{
		{"unknown product", models.NewStockEntry{ProductId: 999, Quantity: 1, AdjustmentType: models.AdjustmentTypeIn}},
		{"negative quantity", models.NewStockEntry{ProductId: p, Quantity: -4, AdjustmentType: models.AdjustmentTypeIn}},
		{"unknown adjustment type", models.NewStockEntry{ProductId: p, Quantity: 4, AdjustmentType: "transfer"}},
		{"missing product", models.NewStockEntry{Quantity: 4, AdjustmentType: models.AdjustmentTypeIn}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.ledger.AppendEntry(ctx, tc.in); !errors.Is(err, models.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
	if n := f.repo.StockEntryCount(); n != 0 {
		t.Fatalf("expected nothing written, got %d entries", n)
	}
}

func TestStockLedger_ActorLabel(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, models.StoreTypeHardware, 0)

	ctx := utils.SetUserNameInContext(context.Background(), "Aung Aung")
	if _, err := f.ledger.AppendEntry(ctx, models.NewStockEntry{ProductId: p, Quantity: 3, AdjustmentType: models.AdjustmentTypeIn}); err != nil {
		t.Fatalf("append: %v", err)
	}
	f.append(t, p, nil, models.AdjustmentTypeIn, 4)

	history, err := f.ledger.History(context.Background(), p, nil, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(history))
	}
	if history[0].ActorLabel != "System" || history[1].ActorLabel != "Aung Aung" {
		t.Fatalf("unexpected actor labels %q, %q", history[0].ActorLabel, history[1].ActorLabel)
	}
}

func TestStockLedger_Deduct(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.product(t, models.StoreTypeHardware, 10)
	ref := StockReference{Type: models.StockReferenceTypeManual}

	remaining, err := f.ledger.Deduct(ctx, p, nil, 4, ref, "site use")
	if err != nil {
		t.Fatalf("deduct: %v", err)
	}
	if remaining != 6 || f.current(t, p, nil) != 6 {
		t.Fatalf("expected 6 remaining, got %d (current %d)", remaining, f.current(t, p, nil))
	}

	before := f.repo.StockEntryCount()
	if _, err := f.ledger.Deduct(ctx, p, nil, 7, ref, ""); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected insufficient stock validation error, got %v", err)
	}
	if _, err := f.ledger.Deduct(ctx, p, nil, 0, ref, ""); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected non-positive amount validation error, got %v", err)
	}
	if f.repo.StockEntryCount() != before {
		t.Fatalf("expected failed deductions to write nothing")
	}

	lpo := f.product(t, models.StoreTypeLPO, 0)
	remaining, err = f.ledger.Deduct(ctx, lpo, nil, 100, ref, "")
	if err != nil || remaining != 0 {
		t.Fatalf("expected no-stock deduction to be skipped, got %d err=%v", remaining, err)
	}
	if f.repo.StockEntryCount() != before {
		t.Fatalf("expected no entry for no-stock product")
	}
}

func TestStockLedger_ConcurrentDeductionsSerialize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.product(t, models.StoreTypeHardware, 0)
	f.append(t, p, nil, models.AdjustmentTypeAdjustment, 20)

	var wg sync.WaitGroup
	errs := make(chan error, 25)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.ledger.Deduct(ctx, p, nil, 1, StockReference{Type: models.StockReferenceTypeManual}, ""); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	failed := 0
	for err := range errs {
		if !errors.Is(err, models.ErrValidation) {
			t.Fatalf("unexpected error: %v", err)
		}
		failed++
	}
	if failed != 5 {
		t.Fatalf("expected 5 deductions to fail for lack of stock, got %d", failed)
	}
	if got := f.current(t, p, nil); got != 0 {
		t.Fatalf("expected 0 left, got %d", got)
	}
}

func TestStockLedger_Deactivate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.product(t, models.StoreTypeHardware, 9)

	f.append(t, p, nil, models.AdjustmentTypeIn, 30)
	wrong := f.append(t, p, nil, models.AdjustmentTypeAdjustment, 300)

	if err := f.ledger.Deactivate(ctx, wrong, "typo"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if got := f.current(t, p, nil); got != 30 {
		t.Fatalf("expected previous entry to be current again, got %d", got)
	}
	if err := f.ledger.Deactivate(ctx, wrong, "again"); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected second deactivation to fail validation, got %v", err)
	}
	if err := f.ledger.Deactivate(ctx, 12345, "missing"); !errors.Is(err, utils.ErrorRecordNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	history, err := f.ledger.History(ctx, p, nil, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].ID != wrong || history[0].IsActive {
		t.Fatalf("expected history to keep the inactive entry first, got %+v", history)
	}
	if history[0].DeactivateNote == nil || *history[0].DeactivateNote != "typo" {
		t.Fatalf("expected deactivation note to be kept")
	}

	if err := f.ledger.Deactivate(ctx, history[1].ID, ""); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if got := f.current(t, p, nil); got != 9 {
		t.Fatalf("expected static fallback once no entry is active, got %d", got)
	}
}

func TestStockLedger_IsLowStock(t *testing.T) {
	f := newFixture(t)
	threshold := int64(5)
	product := &models.Product{Name: "cement", StoreId: f.stores[models.StoreTypeHardware], Quantity: 40, LowStockThreshold: &threshold}
	if err := f.repo.CreateProduct(context.Background(), product); err != nil {
		t.Fatalf("create product: %v", err)
	}

	low, qty, err := f.ledger.IsLowStock(context.Background(), product.ID, nil)
	if err != nil || low || qty != 40 {
		t.Fatalf("expected 40 and not low, got %d low=%v err=%v", qty, low, err)
	}
	f.append(t, product.ID, nil, models.AdjustmentTypeOut, 5)
	low, qty, err = f.ledger.IsLowStock(context.Background(), product.ID, nil)
	if err != nil || !low || qty != 5 {
		t.Fatalf("expected 5 and low, got %d low=%v err=%v", qty, low, err)
	}
}
