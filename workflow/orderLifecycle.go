package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"bitbucket.org/mmdatafocus/supply_backend/config"
	"bitbucket.org/mmdatafocus/supply_backend/models"
	"bitbucket.org/mmdatafocus/supply_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// OrderLifecycle creates orders, applies channel status changes and keeps Order.Status in step
// with the channel map. A status change, its stock deductions, the recomputed order status and
// the outbox event commit together or not at all.
type OrderLifecycle struct {
	Repo              models.Repository
	Ledger            *StockLedger
	Logger            *logrus.Logger
	StrictTransitions bool
}

func NewOrderLifecycle(repo models.Repository, ledger *StockLedger, logger *logrus.Logger) *OrderLifecycle {
	return &OrderLifecycle{
		Repo:              repo,
		Ledger:            ledger,
		Logger:            logger,
		StrictTransitions: config.StrictChannelTransitions(),
	}
}

func (w *OrderLifecycle) logger() *logrus.Logger {
	if w.Logger == nil {
		return config.GetLogger()
	}
	return w.Logger
}

func (w *OrderLifecycle) GetOrder(ctx context.Context, orderId int) (*models.Order, error) {
	return w.Repo.GetOrder(ctx, orderId)
}

// routeLineItem picks the channel of a stock line: an explicit tag wins, a supplier id means lpo,
// otherwise the product's store decides.
func routeLineItem(product *models.Product, item models.NewOrderLineItem) (models.Channel, string, error) {
	supplierId := strings.TrimSpace(item.SupplierId)
	tag := strings.TrimSpace(item.Channel)
	if tag == "" && supplierId != "" {
		tag = string(models.ChannelLPO)
	}
	if tag != "" {
		channel, err := models.ParseChannel(tag)
		if err != nil {
			return "", "", err
		}
		if channel == models.ChannelLPO && supplierId == "" {
			return "", "", models.ValidationErrorf("lpo line for product %d needs a supplier", product.ID)
		}
		if channel != models.ChannelLPO {
			supplierId = ""
		}
		return channel, supplierId, nil
	}

	channel := product.Channel()
	switch channel {
	case "":
		return "", "", models.ValidationErrorf("product %d has no store to route it to", product.ID)
	case models.ChannelLPO:
		return "", "", models.ValidationErrorf("lpo line for product %d needs a supplier", product.ID)
	}
	return channel, "", nil
}

func (w *OrderLifecycle) newOrderEvent(ctx context.Context, order *models.Order, eventType models.OrderEventType, oldStatus models.OrderStatus) *models.OrderStatusEvent {
	cid, _ := utils.GetCorrelationIdFromContext(ctx)
	return &models.OrderStatusEvent{
		OrderId:       order.ID,
		EventType:     eventType,
		OldStatus:     oldStatus,
		NewStatus:     order.Status,
		CorrelationId: cid,
		PublishStatus: models.OutboxPublishStatusPending,
	}
}

type startingStock struct {
	productId int
	quantity  int64
}

// CreateOrder stores the order with every used channel at pending. Starting quantities given on
// line items are seeded into the general stock key afterwards on a best-effort basis.
func (w *OrderLifecycle) CreateOrder(ctx context.Context, in models.NewOrder) (*models.Order, error) {
	if err := utils.ValidateStruct(in); err != nil {
		return nil, models.ValidationErrorf("%v", utils.ProcessValidationErrors(err))
	}
	if len(in.Items) == 0 && len(in.CustomItems) == 0 {
		return nil, models.ValidationErrorf("order needs at least one line item")
	}

	priority := in.Priority
	if priority == "" {
		priority = models.OrderPriorityNormal
	}
	order := &models.Order{
		SiteId:                in.SiteId,
		RequesterId:           in.RequesterId,
		Priority:              priority,
		ExpectedDeliveryDate:  in.ExpectedDeliveryDate,
		Note:                  in.Note,
		ChannelRejectionNotes: datatypes.JSONMap{},
	}

	var seeds []startingStock
	err := w.Repo.Transaction(ctx, func(tx models.Repository) error {
		for _, item := range in.Items {
			product, err := tx.GetProduct(ctx, item.ProductId)
			if errors.Is(err, utils.ErrorRecordNotFound) {
				return models.ValidationErrorf("product %d does not exist", item.ProductId)
			}
			if err != nil {
				return err
			}
			channel, supplierId, err := routeLineItem(product, item)
			if err != nil {
				return err
			}
			if _, err := order.ChannelStatuses.Set(channel, models.ChannelStatusPending, supplierId); err != nil {
				return err
			}
			switch channel {
			case models.ChannelLPO:
				order.IsLpo = true
			case models.ChannelCustom:
				order.IsCustomProduct = true
			}
			order.Items = append(order.Items, &models.OrderLineItem{
				ProductId:  item.ProductId,
				Quantity:   item.Quantity,
				Channel:    channel,
				SupplierId: supplierId,
			})
			if item.StartingQuantity != nil {
				seeds = append(seeds, startingStock{productId: item.ProductId, quantity: *item.StartingQuantity})
			}
		}
		for _, item := range in.CustomItems {
			if _, err := order.ChannelStatuses.Set(models.ChannelCustom, models.ChannelStatusPending, ""); err != nil {
				return err
			}
			order.IsCustomProduct = true
			order.CustomItems = append(order.CustomItems, &models.CustomLineItem{
				Description: item.Description,
				MaterialId:  item.MaterialId,
				ProductId:   item.ProductId,
				ImageUrls:   datatypes.JSONSlice[string](item.ImageUrls),
				Quantity:    item.Quantity,
			})
		}

		order.Status = models.RecomputeOrderStatus(order.ChannelStatuses)
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		return tx.InsertOrderEvent(ctx, w.newOrderEvent(ctx, order, models.OrderEventCreated, ""))
	})
	if err != nil {
		if !errors.Is(err, models.ErrValidation) {
			config.LogError(w.logger(), "OrderLifecycle", "CreateOrder", "create order", in, err)
		}
		return nil, err
	}

	w.seedStartingStock(ctx, order, seeds)
	return order, nil
}

// seedStartingStock appends adjustment entries for known starting quantities. Failures are logged
// and swallowed: the order itself is already committed.
func (w *OrderLifecycle) seedStartingStock(ctx context.Context, order *models.Order, seeds []startingStock) {
	if w.Ledger == nil {
		return
	}
	orderId := order.ID
	for _, seed := range seeds {
		_, err := w.Ledger.AppendEntry(ctx, models.NewStockEntry{
			ProductId:      seed.productId,
			Quantity:       seed.quantity,
			AdjustmentType: models.AdjustmentTypeAdjustment,
			ReferenceType:  models.StockReferenceTypeOrder,
			ReferenceId:    &orderId,
			Note:           fmt.Sprintf("starting quantity from order %d", orderId),
		})
		if err != nil {
			cid, _ := utils.GetCorrelationIdFromContext(ctx)
			w.logger().WithFields(logrus.Fields{
				"order_id":       orderId,
				"product_id":     seed.productId,
				"correlation_id": cid,
			}).Warn(fmt.Errorf("%w: seed starting quantity: %v", models.ErrBestEffortSideEffect, err).Error())
		}
	}
}

// consumesStock reports whether moving a channel from prev to next takes its goods out of stock.
// Hardware, workshop and custom-tagged lines leave the store once approved; lpo lines count on delivery.
func consumesStock(channel models.Channel, prev, next models.ChannelStatus) bool {
	switch channel {
	case models.ChannelHardware, models.ChannelWorkshop, models.ChannelCustom:
		return next.ConsumesStock() && !prev.ConsumesStock()
	case models.ChannelLPO:
		return next == models.ChannelStatusDelivered && prev != models.ChannelStatusDelivered
	}
	return false
}

func stockKeysFor(items []*models.OrderLineItem) []string {
	keys := make([]string, 0, len(items))
	for _, item := range items {
		keys = append(keys, stockLockKey(item.ProductId, nil))
	}
	return keys
}

// SetChannelStatus applies one channel (or lpo supplier) status change and recomputes the order.
// A legacy lpo string is upgraded to a per-supplier map on the first supplier update.
// Unless update.BestEffortStock is set, a failed stock deduction aborts the change.
func (w *OrderLifecycle) SetChannelStatus(ctx context.Context, orderId int, update models.ChannelStatusUpdate) (*models.Order, error) {
	if err := utils.ValidateStruct(update); err != nil {
		return nil, models.ValidationErrorf("%v", utils.ProcessValidationErrors(err))
	}
	channel, err := models.ParseChannel(string(update.Channel))
	if err != nil {
		return nil, err
	}
	status, err := models.ParseChannelStatus(update.Status)
	if err != nil {
		return nil, err
	}
	supplierId := strings.TrimSpace(update.SupplierId)

	// Line items never change after creation, so the keys can be read before locking.
	current, err := w.Repo.GetOrder(ctx, orderId)
	if err != nil {
		return nil, err
	}
	var locker KeyLocker
	if w.Ledger != nil {
		locker = w.Ledger.Locker
	}
	unlock, err := lockKeys(ctx, locker, stockKeysFor(current.ItemsFor(channel, supplierId)))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var result *models.Order
	err = w.Repo.Transaction(ctx, func(tx models.Repository) error {
		order, err := tx.GetOrderForUpdate(ctx, orderId)
		if err != nil {
			return err
		}

		prev, _, err := order.ChannelStatuses.Get(channel, supplierId)
		if errors.Is(err, models.ErrLegacyLPOStatus) {
			prev = order.ChannelStatuses.LPO().Legacy
		} else if err != nil {
			return err
		}
		if w.StrictTransitions && !models.CanTransition(channel, prev, status) {
			return models.ValidationErrorf("%s cannot move from %q to %q", channel, prev, status)
		}
		// Terminal orders still accept channel updates.
		if order.Status.IsTerminal() {
			w.logger().WithFields(logrus.Fields{
				"order_id": order.ID,
				"status":   order.Status,
				"channel":  channel,
			}).Info("channel status changed on a terminal order")
		}

		upgraded, err := order.ChannelStatuses.Set(channel, status, supplierId)
		if err != nil {
			return err
		}
		if upgraded {
			cid, _ := utils.GetCorrelationIdFromContext(ctx)
			w.logger().WithFields(logrus.Fields{
				"order_id":       order.ID,
				"supplier_id":    supplierId,
				"legacy_status":  prev,
				"correlation_id": cid,
			}).Warn(models.ErrLegacyLPOStatus.Error() + ": upgraded to per-supplier map, legacy value dropped")
		}

		noteKey := models.RejectionNoteKey(channel, supplierId)
		if order.ChannelRejectionNotes == nil {
			order.ChannelRejectionNotes = datatypes.JSONMap{}
		}
		if status == models.ChannelStatusRejected && strings.TrimSpace(update.Note) != "" {
			order.ChannelRejectionNotes[noteKey] = strings.TrimSpace(update.Note)
		}

		if consumesStock(channel, prev, status) {
			if err := w.consumeStock(ctx, tx, order, channel, supplierId, update.BestEffortStock); err != nil {
				return err
			}
		}

		oldStatus := order.Status
		order.Status = models.RecomputeOrderStatus(order.ChannelStatuses)
		if order.Status == models.OrderStatusRejected {
			if note, ok := order.ChannelRejectionNotes[noteKey].(string); ok && note != "" {
				order.RejectedNote = &note
			}
		}
		if err := tx.SaveOrderStatus(ctx, order); err != nil {
			return err
		}

		event := w.newOrderEvent(ctx, order, models.OrderEventChannelStatusChanged, oldStatus)
		event.Channel = channel
		event.SupplierId = supplierId
		event.ChannelStatus = status
		if err := tx.InsertOrderEvent(ctx, event); err != nil {
			return err
		}
		result = order
		return nil
	})
	if err != nil {
		if !errors.Is(err, models.ErrValidation) && !errors.Is(err, utils.ErrorRecordNotFound) {
			config.LogError(w.logger(), "OrderLifecycle", "SetChannelStatus", update.Describe(), orderId, err)
		}
		return nil, err
	}
	return result, nil
}

// consumeStock deducts the channel's line items from general stock inside tx, in product order.
// A line is deducted at most once; lines already marked consumed are skipped.
func (w *OrderLifecycle) consumeStock(ctx context.Context, tx models.Repository, order *models.Order, channel models.Channel, supplierId string, bestEffort bool) error {
	if w.Ledger == nil {
		return nil
	}
	items := order.ItemsFor(channel, supplierId)
	sort.SliceStable(items, func(i, j int) bool { return items[i].ProductId < items[j].ProductId })

	orderId := order.ID
	ref := StockReference{Type: models.StockReferenceTypeOrder, Id: &orderId}
	var consumed []*models.OrderLineItem
	for _, item := range items {
		if item.StockConsumedAt != nil {
			continue
		}
		note := fmt.Sprintf("order %d %s", order.ID, channel)
		if supplierId != "" {
			note += " supplier " + supplierId
		}
		_, _, err := w.Ledger.deductLocked(ctx, tx, item.ProductId, nil, item.Quantity, ref, note)
		if err == nil {
			consumed = append(consumed, item)
			continue
		}
		if !bestEffort {
			return err
		}
		cid, _ := utils.GetCorrelationIdFromContext(ctx)
		w.logger().WithFields(logrus.Fields{
			"order_id":       order.ID,
			"product_id":     item.ProductId,
			"supplier_id":    supplierId,
			"correlation_id": cid,
		}).Warn(fmt.Errorf("%w: deduct stock: %v", models.ErrBestEffortSideEffect, err).Error())
	}
	if len(consumed) == 0 {
		return nil
	}
	at := w.Ledger.now()
	ids := make([]int, 0, len(consumed))
	for _, item := range consumed {
		ids = append(ids, item.ID)
	}
	if err := tx.MarkOrderItemsConsumed(ctx, ids, at); err != nil {
		return err
	}
	for _, item := range consumed {
		stamp := at
		item.StockConsumedAt = &stamp
	}
	return nil
}

// RecomputeOrderStatus re-derives Order.Status from the stored channel map and persists it when it
// differs. changed reports whether anything was written.
func (w *OrderLifecycle) RecomputeOrderStatus(ctx context.Context, orderId int) (order *models.Order, changed bool, err error) {
	err = w.Repo.Transaction(ctx, func(tx models.Repository) error {
		o, err := tx.GetOrderForUpdate(ctx, orderId)
		if err != nil {
			return err
		}
		order = o
		next := models.RecomputeOrderStatus(o.ChannelStatuses)
		if next == o.Status {
			return nil
		}
		oldStatus := o.Status
		o.Status = next
		if err := tx.SaveOrderStatus(ctx, o); err != nil {
			return err
		}
		changed = true
		return tx.InsertOrderEvent(ctx, w.newOrderEvent(ctx, o, models.OrderEventStatusRecomputed, oldStatus))
	})
	if err != nil {
		return nil, false, err
	}
	return order, changed, nil
}

// RebuildAllStatuses walks every order in id order and recomputes its status.
func (w *OrderLifecycle) RebuildAllStatuses(ctx context.Context, batchSize int) (checked int, changed int, err error) {
	if batchSize <= 0 {
		batchSize = 200
	}
	afterId := 0
	for {
		ids, err := w.Repo.ListOrderIds(ctx, afterId, batchSize)
		if err != nil {
			return checked, changed, err
		}
		if len(ids) == 0 {
			return checked, changed, nil
		}
		for _, id := range ids {
			_, didChange, err := w.RecomputeOrderStatus(ctx, id)
			if err != nil {
				return checked, changed, err
			}
			checked++
			if didChange {
				changed++
			}
		}
		afterId = ids[len(ids)-1]
	}
}
