package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/supply_backend/models"
	"bitbucket.org/mmdatafocus/supply_backend/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MysqlRepository is the gorm-backed Repository. Inside Transaction it is bound to the tx handle.
type MysqlRepository struct {
	db *gorm.DB
}

func NewMysqlRepository(db *gorm.DB) *MysqlRepository {
	return &MysqlRepository{db: db}
}

func (r *MysqlRepository) conn(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx)
}

// translateError maps driver errors onto the engine's error taxonomy.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.ErrorRecordNotFound
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case 1213: // deadlock
			return fmt.Errorf("%w: %s", models.ErrConcurrencyConflict, mysqlErr.Message)
		case 1205: // lock wait timeout
			return fmt.Errorf("%w: %s", models.ErrConcurrencyConflict, mysqlErr.Message)
		case 1062: // duplicate entry
			return fmt.Errorf("%w: %s", models.ErrConcurrencyConflict, mysqlErr.Message)
		case 1452: // foreign key
			return fmt.Errorf("%w: %s", models.ErrValidation, mysqlErr.Message)
		}
	}
	return err
}

func whereStockKey(q *gorm.DB, productId int, siteId *int) *gorm.DB {
	q = q.Where("product_id = ?", productId)
	if siteId == nil {
		return q.Where("site_id IS NULL")
	}
	return q.Where("site_id = ?", *siteId)
}

func (r *MysqlRepository) InsertStockEntry(ctx context.Context, entry *models.StockLedgerEntry) error {
	return translateError(r.conn(ctx).Create(entry).Error)
}

func (r *MysqlRepository) LatestActiveStockEntry(ctx context.Context, productId int, siteId *int) (*models.StockLedgerEntry, error) {
	var entry models.StockLedgerEntry
	q := whereStockKey(r.conn(ctx).Model(&models.StockLedgerEntry{}), productId, siteId).
		Where("is_active = ?", true).
		Order("created_at DESC").
		Order("id DESC").
		Limit(1)
	err := q.Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, translateError(err)
	}
	return &entry, nil
}

func (r *MysqlRepository) ListStockEntries(ctx context.Context, productId int, siteId *int, limit int) ([]*models.StockLedgerEntry, error) {
	var entries []*models.StockLedgerEntry
	q := whereStockKey(r.conn(ctx).Model(&models.StockLedgerEntry{}), productId, siteId).
		Order("created_at DESC").
		Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, translateError(err)
	}
	return entries, nil
}

func (r *MysqlRepository) GetStockEntry(ctx context.Context, id int64) (*models.StockLedgerEntry, error) {
	var entry models.StockLedgerEntry
	if err := r.conn(ctx).Where("id = ?", id).Take(&entry).Error; err != nil {
		return nil, translateError(err)
	}
	return &entry, nil
}

func (r *MysqlRepository) DeactivateStockEntry(ctx context.Context, id int64, at time.Time, note string) error {
	res := r.conn(ctx).Model(&models.StockLedgerEntry{}).
		Where("id = ? AND is_active = ?", id, true).
		Updates(map[string]interface{}{
			"is_active":       false,
			"deactivated_at":  at,
			"deactivate_note": note,
		})
	if res.Error != nil {
		return translateError(res.Error)
	}
	if res.RowsAffected == 0 {
		return utils.NotFoundf("active ledger entry %d", id)
	}
	return nil
}

// LockStockKey takes the product row lock, which serializes every ledger key of the product.
func (r *MysqlRepository) LockStockKey(ctx context.Context, productId int, siteId *int) error {
	var product models.Product
	err := r.conn(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Select("id").
		Where("id = ?", productId).
		Take(&product).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.ValidationErrorf("product %d does not exist", productId)
	}
	return translateError(err)
}

func (r *MysqlRepository) GetProduct(ctx context.Context, id int) (*models.Product, error) {
	var product models.Product
	if err := r.conn(ctx).Preload("Store").Where("id = ?", id).Take(&product).Error; err != nil {
		return nil, translateError(err)
	}
	return &product, nil
}

func (r *MysqlRepository) CreateStore(ctx context.Context, store *models.Store) error {
	return translateError(r.conn(ctx).Create(store).Error)
}

func (r *MysqlRepository) CreateProduct(ctx context.Context, product *models.Product) error {
	return translateError(r.conn(ctx).Omit("Store").Create(product).Error)
}

func (r *MysqlRepository) InsertOrder(ctx context.Context, order *models.Order) error {
	return translateError(r.conn(ctx).Create(order).Error)
}

func (r *MysqlRepository) GetOrder(ctx context.Context, id int) (*models.Order, error) {
	var order models.Order
	err := r.conn(ctx).
		Preload("Items").
		Preload("CustomItems").
		Where("id = ?", id).
		Take(&order).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &order, nil
}

func (r *MysqlRepository) GetOrderForUpdate(ctx context.Context, id int) (*models.Order, error) {
	var order models.Order
	err := r.conn(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Preload("Items").
		Preload("CustomItems").
		Where("id = ?", id).
		Take(&order).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &order, nil
}

func (r *MysqlRepository) SaveOrderStatus(ctx context.Context, order *models.Order) error {
	res := r.conn(ctx).Model(&models.Order{}).
		Where("id = ?", order.ID).
		Updates(map[string]interface{}{
			"status":                  order.Status,
			"channel_statuses":        order.ChannelStatuses,
			"channel_rejection_notes": order.ChannelRejectionNotes,
			"rejected_note":           order.RejectedNote,
		})
	if res.Error != nil {
		return translateError(res.Error)
	}
	if res.RowsAffected == 0 {
		return utils.NotFoundf("order %d", order.ID)
	}
	return nil
}

func (r *MysqlRepository) MarkOrderItemsConsumed(ctx context.Context, itemIds []int, at time.Time) error {
	if len(itemIds) == 0 {
		return nil
	}
	err := r.conn(ctx).Model(&models.OrderLineItem{}).
		Where("id IN ?", itemIds).
		Update("stock_consumed_at", at).Error
	return translateError(err)
}

func (r *MysqlRepository) ListOrderIds(ctx context.Context, afterId int, limit int) ([]int, error) {
	var ids []int
	q := r.conn(ctx).Model(&models.Order{}).Where("id > ?", afterId).Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Pluck("id", &ids).Error; err != nil {
		return nil, translateError(err)
	}
	return ids, nil
}

func (r *MysqlRepository) InsertOrderEvent(ctx context.Context, event *models.OrderStatusEvent) error {
	if event.PublishStatus == "" {
		event.PublishStatus = models.OutboxPublishStatusPending
	}
	return translateError(r.conn(ctx).Create(event).Error)
}

func (r *MysqlRepository) ClaimOrderEvents(ctx context.Context, now time.Time, staleBefore time.Time, limit int, maxAttempts int, dispatcherId string) ([]models.OrderStatusEvent, error) {
	var claimed []models.OrderStatusEvent
	err := r.conn(ctx).Transaction(func(tx *gorm.DB) error {
		// Eligible:
		// - PENDING / FAILED and ready to retry
		// - PROCESSING but lock is stale (dispatcher crashed mid-batch)
		q := tx.
			Where(`
				(
					publish_status IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
				)
				OR
				(
					publish_status = ? AND locked_at IS NOT NULL AND locked_at <= ?
				)
			`, []string{models.OutboxPublishStatusPending, models.OutboxPublishStatusFailed}, now, models.OutboxPublishStatusProcessing, staleBefore).
			Order("id ASC").
			Limit(limit).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		for i := range claimed {
			// Poison messages go terminal.
			if maxAttempts > 0 && claimed[i].PublishAttempts >= maxAttempts {
				msg := fmt.Sprintf("max publish attempts exceeded (%d)", maxAttempts)
				claimed[i].PublishStatus = models.OutboxPublishStatusDead
				if err := tx.Model(&models.OrderStatusEvent{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
					"publish_status":     models.OutboxPublishStatusDead,
					"last_publish_error": &msg,
					"next_attempt_at":    nil,
					"locked_at":          nil,
					"locked_by":          nil,
				}).Error; err != nil {
					return err
				}
				continue
			}

			lockedBy := dispatcherId
			lockedAt := now
			claimed[i].PublishStatus = models.OutboxPublishStatusProcessing
			claimed[i].LockedAt = &lockedAt
			claimed[i].LockedBy = &lockedBy
			claimed[i].PublishAttempts++
			claimed[i].LastPublishError = nil
			if err := tx.Model(&models.OrderStatusEvent{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
				"publish_status":     models.OutboxPublishStatusProcessing,
				"locked_at":          &lockedAt,
				"locked_by":          &lockedBy,
				"publish_attempts":   gorm.Expr("publish_attempts + 1"),
				"last_publish_error": nil,
				"next_attempt_at":    nil,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, translateError(err)
	}
	return claimed, nil
}

func (r *MysqlRepository) MarkOrderEventSent(ctx context.Context, id int64, messageId string, at time.Time) error {
	return translateError(r.conn(ctx).Model(&models.OrderStatusEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"publish_status":     models.OutboxPublishStatusSent,
			"published_at":       &at,
			"pub_sub_message_id": &messageId,
			"locked_at":          nil,
			"locked_by":          nil,
			"next_attempt_at":    nil,
		}).Error)
}

func (r *MysqlRepository) MarkOrderEventFailed(ctx context.Context, id int64, errMsg string, nextAttemptAt *time.Time) error {
	status := models.OutboxPublishStatusFailed
	if nextAttemptAt == nil {
		status = models.OutboxPublishStatusDead
	}
	return translateError(r.conn(ctx).Model(&models.OrderStatusEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"publish_status":     status,
			"last_publish_error": &errMsg,
			"next_attempt_at":    nextAttemptAt,
			"locked_at":          nil,
			"locked_by":          nil,
		}).Error)
}

func (r *MysqlRepository) Transaction(ctx context.Context, fn func(tx models.Repository) error) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&MysqlRepository{db: tx})
	})
	return translateError(err)
}

var _ models.Repository = (*MysqlRepository)(nil)
