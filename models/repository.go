package models

import (
	"context"
	"time"
)

type StockLedgerRepository interface {
	InsertStockEntry(ctx context.Context, entry *StockLedgerEntry) error
	// LatestActiveStockEntry returns nil, nil when the key has no active entry.
	LatestActiveStockEntry(ctx context.Context, productId int, siteId *int) (*StockLedgerEntry, error)
	// ListStockEntries returns entries for the key newest first, inactive ones included.
	ListStockEntries(ctx context.Context, productId int, siteId *int, limit int) ([]*StockLedgerEntry, error)
	GetStockEntry(ctx context.Context, id int64) (*StockLedgerEntry, error)
	DeactivateStockEntry(ctx context.Context, id int64, at time.Time, note string) error
	// LockStockKey blocks other writers of the key until the surrounding transaction ends.
	LockStockKey(ctx context.Context, productId int, siteId *int) error
}

type ProductCatalog interface {
	// GetProduct loads the product with its store.
	GetProduct(ctx context.Context, id int) (*Product, error)
	CreateStore(ctx context.Context, store *Store) error
	CreateProduct(ctx context.Context, product *Product) error
}

type OrderRepository interface {
	// InsertOrder stores the order with its line items.
	InsertOrder(ctx context.Context, order *Order) error
	GetOrder(ctx context.Context, id int) (*Order, error)
	// GetOrderForUpdate loads the order and holds its row until the surrounding transaction ends.
	GetOrderForUpdate(ctx context.Context, id int) (*Order, error)
	// SaveOrderStatus writes status, channel statuses, rejection notes and rejected note together.
	SaveOrderStatus(ctx context.Context, order *Order) error
	ListOrderIds(ctx context.Context, afterId int, limit int) ([]int, error)
	// MarkOrderItemsConsumed stamps stock_consumed_at on the given line items.
	MarkOrderItemsConsumed(ctx context.Context, itemIds []int, at time.Time) error
}

type OrderOutbox interface {
	InsertOrderEvent(ctx context.Context, event *OrderStatusEvent) error
	// ClaimOrderEvents moves up to limit publishable rows to PROCESSING for dispatcherId. Rows that
	// already reached maxAttempts are moved to DEAD and returned with that status.
	ClaimOrderEvents(ctx context.Context, now time.Time, staleBefore time.Time, limit int, maxAttempts int, dispatcherId string) ([]OrderStatusEvent, error)
	MarkOrderEventSent(ctx context.Context, id int64, messageId string, at time.Time) error
	// MarkOrderEventFailed records errMsg; a nil nextAttemptAt moves the row to DEAD.
	MarkOrderEventFailed(ctx context.Context, id int64, errMsg string, nextAttemptAt *time.Time) error
}

// Repository is the persistence boundary of the engine.
type Repository interface {
	StockLedgerRepository
	ProductCatalog
	OrderRepository
	OrderOutbox
	// Transaction runs fn atomically. fn must use the Repository it is given.
	Transaction(ctx context.Context, fn func(tx Repository) error) error
}
