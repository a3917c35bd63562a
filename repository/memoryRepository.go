package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/supply_backend/models"
	"bitbucket.org/mmdatafocus/supply_backend/utils"
	"gorm.io/datatypes"
)

// memoryState holds every table of the in-memory repository.
type memoryState struct {
	stores      map[int]models.Store
	products    map[int]models.Product
	entries     []models.StockLedgerEntry
	orders      map[int]models.Order
	events      []models.OrderStatusEvent
	nextStore   int
	nextProduct int
	nextEntry   int64
	nextOrder   int
	nextItem    int
	nextEvent   int64
}

func newMemoryState() *memoryState {
	return &memoryState{
		stores:   map[int]models.Store{},
		products: map[int]models.Product{},
		orders:   map[int]models.Order{},
	}
}

func (s *memoryState) clone() *memoryState {
	out := *s
	out.stores = make(map[int]models.Store, len(s.stores))
	for k, v := range s.stores {
		out.stores[k] = v
	}
	out.products = make(map[int]models.Product, len(s.products))
	for k, v := range s.products {
		out.products[k] = v
	}
	out.entries = append([]models.StockLedgerEntry(nil), s.entries...)
	out.orders = make(map[int]models.Order, len(s.orders))
	for k, v := range s.orders {
		out.orders[k] = cloneOrder(v)
	}
	out.events = append([]models.OrderStatusEvent(nil), s.events...)
	return &out
}

func cloneOrder(o models.Order) models.Order {
	out := o
	out.ChannelStatuses = o.ChannelStatuses.Clone()
	if o.ChannelRejectionNotes != nil {
		out.ChannelRejectionNotes = datatypes.JSONMap{}
		for k, v := range o.ChannelRejectionNotes {
			out.ChannelRejectionNotes[k] = v
		}
	}
	if o.RejectedNote != nil {
		note := *o.RejectedNote
		out.RejectedNote = &note
	}
	out.Items = make([]*models.OrderLineItem, len(o.Items))
	for i, item := range o.Items {
		cp := *item
		if item.StockConsumedAt != nil {
			at := *item.StockConsumedAt
			cp.StockConsumedAt = &at
		}
		out.Items[i] = &cp
	}
	out.CustomItems = make([]*models.CustomLineItem, len(o.CustomItems))
	for i, item := range o.CustomItems {
		cp := *item
		cp.ImageUrls = append(datatypes.JSONSlice[string](nil), item.ImageUrls...)
		out.CustomItems[i] = &cp
	}
	return out
}

// MemoryRepository is an in-process Repository for tests and local tooling.
// Every call and every transaction runs under one mutex, so transactions are serializable.
type MemoryRepository struct {
	mu    *sync.Mutex
	state **memoryState
	inTx  bool
	now   func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	state := newMemoryState()
	return &MemoryRepository{
		mu:    &sync.Mutex{},
		state: &state,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

var _ models.Repository = (*MemoryRepository)(nil)

// do runs fn with the state locked, unless the caller already holds it inside Transaction.
func (r *MemoryRepository) do(fn func(s *memoryState) error) error {
	if r.inTx {
		return fn(*r.state)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(*r.state)
}

func (r *MemoryRepository) Transaction(ctx context.Context, fn func(tx models.Repository) error) (err error) {
	if r.inTx {
		return fn(r)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := (*r.state).clone()
	tx := &MemoryRepository{mu: r.mu, state: r.state, inTx: true, now: r.now}
	defer func() {
		if p := recover(); p != nil {
			*r.state = snapshot
			panic(p)
		}
		if err != nil {
			*r.state = snapshot
		}
	}()
	return fn(tx)
}

func (r *MemoryRepository) InsertStockEntry(ctx context.Context, entry *models.StockLedgerEntry) error {
	if err := entry.BeforeCreate(nil); err != nil {
		return err
	}
	return r.do(func(s *memoryState) error {
		if _, ok := s.products[entry.ProductId]; !ok {
			return models.ValidationErrorf("product %d does not exist", entry.ProductId)
		}
		s.nextEntry++
		entry.ID = s.nextEntry
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = r.now()
		}
		s.entries = append(s.entries, *entry)
		return nil
	})
}

// newestFirst orders by (created_at, id) descending.
func newestFirst(entries []models.StockLedgerEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.After(entries[j].CreatedAt)
		}
		return entries[i].ID > entries[j].ID
	})
}

func (s *memoryState) keyEntries(productId int, siteId *int, activeOnly bool) []models.StockLedgerEntry {
	key := models.StockKey{ProductId: productId, SiteId: siteId}
	var out []models.StockLedgerEntry
	for _, e := range s.entries {
		if !key.Matches(e.ProductId, e.SiteId) {
			continue
		}
		if activeOnly && !e.IsActive {
			continue
		}
		out = append(out, e)
	}
	newestFirst(out)
	return out
}

func (r *MemoryRepository) LatestActiveStockEntry(ctx context.Context, productId int, siteId *int) (*models.StockLedgerEntry, error) {
	var latest *models.StockLedgerEntry
	err := r.do(func(s *memoryState) error {
		entries := s.keyEntries(productId, siteId, true)
		if len(entries) > 0 {
			e := entries[0]
			latest = &e
		}
		return nil
	})
	return latest, err
}

func (r *MemoryRepository) ListStockEntries(ctx context.Context, productId int, siteId *int, limit int) ([]*models.StockLedgerEntry, error) {
	var out []*models.StockLedgerEntry
	err := r.do(func(s *memoryState) error {
		entries := s.keyEntries(productId, siteId, false)
		if limit > 0 && len(entries) > limit {
			entries = entries[:limit]
		}
		for i := range entries {
			e := entries[i]
			out = append(out, &e)
		}
		return nil
	})
	return out, err
}

func (r *MemoryRepository) GetStockEntry(ctx context.Context, id int64) (*models.StockLedgerEntry, error) {
	var found *models.StockLedgerEntry
	err := r.do(func(s *memoryState) error {
		for _, e := range s.entries {
			if e.ID == id {
				cp := e
				found = &cp
				return nil
			}
		}
		return utils.NotFoundf("ledger entry %d", id)
	})
	return found, err
}

func (r *MemoryRepository) DeactivateStockEntry(ctx context.Context, id int64, at time.Time, note string) error {
	return r.do(func(s *memoryState) error {
		for i := range s.entries {
			if s.entries[i].ID == id && s.entries[i].IsActive {
				s.entries[i].IsActive = false
				s.entries[i].DeactivatedAt = &at
				s.entries[i].DeactivateNote = &note
				return nil
			}
		}
		return utils.NotFoundf("active ledger entry %d", id)
	})
}

// LockStockKey only checks the product: the repository mutex already serializes writers.
func (r *MemoryRepository) LockStockKey(ctx context.Context, productId int, siteId *int) error {
	return r.do(func(s *memoryState) error {
		if _, ok := s.products[productId]; !ok {
			return models.ValidationErrorf("product %d does not exist", productId)
		}
		return nil
	})
}

func (r *MemoryRepository) GetProduct(ctx context.Context, id int) (*models.Product, error) {
	var product *models.Product
	err := r.do(func(s *memoryState) error {
		p, ok := s.products[id]
		if !ok {
			return utils.NotFoundf("product %d", id)
		}
		if store, ok := s.stores[p.StoreId]; ok {
			p.Store = &store
		}
		product = &p
		return nil
	})
	return product, err
}

func (r *MemoryRepository) CreateStore(ctx context.Context, store *models.Store) error {
	return r.do(func(s *memoryState) error {
		s.nextStore++
		store.ID = s.nextStore
		store.CreatedAt = r.now()
		store.UpdatedAt = store.CreatedAt
		s.stores[store.ID] = *store
		return nil
	})
}

func (r *MemoryRepository) CreateProduct(ctx context.Context, product *models.Product) error {
	return r.do(func(s *memoryState) error {
		if _, ok := s.stores[product.StoreId]; !ok {
			return models.ValidationErrorf("store %d does not exist", product.StoreId)
		}
		s.nextProduct++
		product.ID = s.nextProduct
		product.CreatedAt = r.now()
		product.UpdatedAt = product.CreatedAt
		stored := *product
		stored.Store = nil
		s.products[product.ID] = stored
		return nil
	})
}

func (r *MemoryRepository) InsertOrder(ctx context.Context, order *models.Order) error {
	return r.do(func(s *memoryState) error {
		s.nextOrder++
		order.ID = s.nextOrder
		order.CreatedAt = r.now()
		order.UpdatedAt = order.CreatedAt
		for _, item := range order.Items {
			s.nextItem++
			item.ID = s.nextItem
			item.OrderId = order.ID
			item.CreatedAt = order.CreatedAt
		}
		for _, item := range order.CustomItems {
			s.nextItem++
			item.ID = s.nextItem
			item.OrderId = order.ID
			item.CreatedAt = order.CreatedAt
		}
		s.orders[order.ID] = cloneOrder(*order)
		return nil
	})
}

func (r *MemoryRepository) GetOrder(ctx context.Context, id int) (*models.Order, error) {
	var order *models.Order
	err := r.do(func(s *memoryState) error {
		o, ok := s.orders[id]
		if !ok {
			return utils.NotFoundf("order %d", id)
		}
		cp := cloneOrder(o)
		order = &cp
		return nil
	})
	return order, err
}

func (r *MemoryRepository) GetOrderForUpdate(ctx context.Context, id int) (*models.Order, error) {
	return r.GetOrder(ctx, id)
}

func (r *MemoryRepository) SaveOrderStatus(ctx context.Context, order *models.Order) error {
	return r.do(func(s *memoryState) error {
		stored, ok := s.orders[order.ID]
		if !ok {
			return utils.NotFoundf("order %d", order.ID)
		}
		updated := cloneOrder(*order)
		stored.Status = updated.Status
		stored.ChannelStatuses = updated.ChannelStatuses
		stored.ChannelRejectionNotes = updated.ChannelRejectionNotes
		stored.RejectedNote = updated.RejectedNote
		stored.UpdatedAt = r.now()
		s.orders[order.ID] = stored
		return nil
	})
}

func (r *MemoryRepository) MarkOrderItemsConsumed(ctx context.Context, itemIds []int, at time.Time) error {
	if len(itemIds) == 0 {
		return nil
	}
	return r.do(func(s *memoryState) error {
		marked := map[int]bool{}
		for _, id := range itemIds {
			marked[id] = true
		}
		for _, o := range s.orders {
			for _, item := range o.Items {
				if marked[item.ID] {
					stamp := at
					item.StockConsumedAt = &stamp
				}
			}
		}
		return nil
	})
}

func (r *MemoryRepository) ListOrderIds(ctx context.Context, afterId int, limit int) ([]int, error) {
	var ids []int
	err := r.do(func(s *memoryState) error {
		for id := range s.orders {
			if id > afterId {
				ids = append(ids, id)
			}
		}
		sort.Ints(ids)
		if limit > 0 && len(ids) > limit {
			ids = ids[:limit]
		}
		return nil
	})
	return ids, err
}

func (r *MemoryRepository) InsertOrderEvent(ctx context.Context, event *models.OrderStatusEvent) error {
	return r.do(func(s *memoryState) error {
		s.nextEvent++
		event.ID = s.nextEvent
		if event.PublishStatus == "" {
			event.PublishStatus = models.OutboxPublishStatusPending
		}
		event.CreatedAt = r.now()
		event.UpdatedAt = event.CreatedAt
		s.events = append(s.events, *event)
		return nil
	})
}

func (r *MemoryRepository) ClaimOrderEvents(ctx context.Context, now time.Time, staleBefore time.Time, limit int, maxAttempts int, dispatcherId string) ([]models.OrderStatusEvent, error) {
	var claimed []models.OrderStatusEvent
	err := r.do(func(s *memoryState) error {
		for i := range s.events {
			if limit > 0 && len(claimed) >= limit {
				break
			}
			e := &s.events[i]
			ready := (e.PublishStatus == models.OutboxPublishStatusPending || e.PublishStatus == models.OutboxPublishStatusFailed) &&
				(e.NextAttemptAt == nil || !e.NextAttemptAt.After(now))
			stale := e.PublishStatus == models.OutboxPublishStatusProcessing && e.LockedAt != nil && !e.LockedAt.After(staleBefore)
			if !ready && !stale {
				continue
			}
			if maxAttempts > 0 && e.PublishAttempts >= maxAttempts {
				msg := "max publish attempts exceeded"
				e.PublishStatus = models.OutboxPublishStatusDead
				e.LastPublishError = &msg
				e.NextAttemptAt = nil
				e.LockedAt = nil
				e.LockedBy = nil
				claimed = append(claimed, *e)
				continue
			}
			lockedAt := now
			lockedBy := dispatcherId
			e.PublishStatus = models.OutboxPublishStatusProcessing
			e.LockedAt = &lockedAt
			e.LockedBy = &lockedBy
			e.PublishAttempts++
			e.LastPublishError = nil
			e.NextAttemptAt = nil
			claimed = append(claimed, *e)
		}
		return nil
	})
	return claimed, err
}

func (r *MemoryRepository) MarkOrderEventSent(ctx context.Context, id int64, messageId string, at time.Time) error {
	return r.do(func(s *memoryState) error {
		for i := range s.events {
			if s.events[i].ID == id {
				e := &s.events[i]
				e.PublishStatus = models.OutboxPublishStatusSent
				e.PublishedAt = &at
				e.PubSubMessageId = &messageId
				e.LockedAt = nil
				e.LockedBy = nil
				e.NextAttemptAt = nil
				return nil
			}
		}
		return utils.NotFoundf("order event %d", id)
	})
}

func (r *MemoryRepository) MarkOrderEventFailed(ctx context.Context, id int64, errMsg string, nextAttemptAt *time.Time) error {
	return r.do(func(s *memoryState) error {
		for i := range s.events {
			if s.events[i].ID == id {
				e := &s.events[i]
				e.PublishStatus = models.OutboxPublishStatusFailed
				if nextAttemptAt == nil {
					e.PublishStatus = models.OutboxPublishStatusDead
				}
				e.LastPublishError = &errMsg
				e.NextAttemptAt = nextAttemptAt
				e.LockedAt = nil
				e.LockedBy = nil
				return nil
			}
		}
		return utils.NotFoundf("order event %d", id)
	})
}

// OrderEvents returns a copy of the outbox, oldest first.
func (r *MemoryRepository) OrderEvents() []models.OrderStatusEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.OrderStatusEvent(nil), (*r.state).events...)
}

// StockEntryCount returns the number of ledger rows, inactive ones included.
func (r *MemoryRepository) StockEntryCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len((*r.state).entries)
}
