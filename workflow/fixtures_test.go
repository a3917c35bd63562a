package workflow

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/supply_backend/models"
	"bitbucket.org/mmdatafocus/supply_backend/repository"
	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// stepClock advances by step on every call.
type stepClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func newStepClock(step time.Duration) *stepClock {
	return &stepClock{now: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC), step: step}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

type fixture struct {
	repo      *repository.MemoryRepository
	ledger    *StockLedger
	lifecycle *OrderLifecycle
	clock     *stepClock
	stores    map[models.StoreType]int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := repository.NewMemoryRepository()
	clock := newStepClock(time.Second)
	ledger := &StockLedger{
		Repo:         repo,
		Locker:       NewLocalKeyLocker(),
		Logger:       quietLogger(),
		NoStockTypes: []string{"lpo"},
		Now:          clock.Now,
	}
	f := &fixture{
		repo:   repo,
		ledger: ledger,
		lifecycle: &OrderLifecycle{
			Repo:   repo,
			Ledger: ledger,
			Logger: quietLogger(),
		},
		clock:  clock,
		stores: map[models.StoreType]int{},
	}
	for _, st := range []models.StoreType{models.StoreTypeHardware, models.StoreTypeWorkshop, models.StoreTypeLPO} {
		store := &models.Store{Name: string(st) + " store", Type: st}
		if err := repo.CreateStore(context.Background(), store); err != nil {
			t.Fatalf("create store: %v", err)
		}
		f.stores[st] = store.ID
	}
	return f
}

func (f *fixture) product(t *testing.T, storeType models.StoreType, staticQty int64) int {
	t.Helper()
	p := &models.Product{Name: "item", StoreId: f.stores[storeType], Quantity: staticQty}
	if err := f.repo.CreateProduct(context.Background(), p); err != nil {
		t.Fatalf("create product: %v", err)
	}
	return p.ID
}

func (f *fixture) append(t *testing.T, productId int, siteId *int, adj models.AdjustmentType, qty int64) int64 {
	t.Helper()
	id, err := f.ledger.AppendEntry(context.Background(), models.NewStockEntry{
		ProductId:      productId,
		SiteId:         siteId,
		Quantity:       qty,
		AdjustmentType: adj,
		ReferenceType:  models.StockReferenceTypeManual,
	})
	if err != nil {
		t.Fatalf("append %s %d: %v", adj, qty, err)
	}
	return id
}

func (f *fixture) current(t *testing.T, productId int, siteId *int) int64 {
	t.Helper()
	qty, err := f.ledger.CurrentQuantity(context.Background(), productId, siteId)
	if err != nil {
		t.Fatalf("current quantity: %v", err)
	}
	return qty
}

func intPtr(v int) *int { return &v }

func int64Ptr(v int64) *int64 { return &v }
