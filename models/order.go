package models

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

type OrderPriority string

const (
	OrderPriorityLow    OrderPriority = "low"
	OrderPriorityNormal OrderPriority = "normal"
	OrderPriorityHigh   OrderPriority = "high"
	OrderPriorityUrgent OrderPriority = "urgent"
)

// Order is a site's supply request. Status is derived from ChannelStatuses and is only written
// together with it.
type Order struct {
	ID                    int               `gorm:"primary_key" json:"id"`
	SiteId                int               `gorm:"index;not null" json:"site_id"`
	RequesterId           int               `gorm:"index;not null" json:"requester_id"`
	Priority              OrderPriority     `gorm:"type:enum('low','normal','high','urgent');not null;default:'normal'" json:"priority"`
	ExpectedDeliveryDate  *time.Time        `gorm:"default:null" json:"expected_delivery_date"`
	Note                  string            `gorm:"type:text" json:"note"`
	RejectedNote          *string           `gorm:"type:text" json:"rejected_note"`
	Status                OrderStatus       `gorm:"type:enum('Pending','Approved','Rejected','Delivery','OutOfDelivery','InTransit');not null;default:'Pending';index" json:"status"`
	ChannelStatuses       ChannelStatusMap  `gorm:"type:json" json:"channel_statuses"`
	ChannelRejectionNotes datatypes.JSONMap `gorm:"type:json" json:"channel_rejection_notes"`
	IsLpo                 bool              `gorm:"not null;default:false" json:"is_lpo"`
	IsCustomProduct       bool              `gorm:"not null;default:false" json:"is_custom_product"`
	Items                 []*OrderLineItem  `gorm:"foreignKey:OrderId" json:"items"`
	CustomItems           []*CustomLineItem `gorm:"foreignKey:OrderId" json:"custom_items"`
	CreatedAt             time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

type OrderLineItem struct {
	ID         int     `gorm:"primary_key" json:"id"`
	OrderId    int     `gorm:"index;not null" json:"order_id"`
	ProductId  int     `gorm:"index;not null" json:"product_id"`
	Quantity   int64   `gorm:"not null" json:"quantity"`
	Channel    Channel `gorm:"size:20;not null" json:"channel"`
	SupplierId string  `gorm:"size:64;default:''" json:"supplier_id"`
	// StockConsumedAt is set once the line's quantity has been taken out of stock.
	StockConsumedAt *time.Time `gorm:"type:datetime(6);default:null" json:"stock_consumed_at"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// CustomLineItem is a free-form request that is fulfilled outside the stock ledger.
type CustomLineItem struct {
	ID          int                         `gorm:"primary_key" json:"id"`
	OrderId     int                         `gorm:"index;not null" json:"order_id"`
	Description string                      `gorm:"type:text;not null" json:"description"`
	MaterialId  *int                        `gorm:"default:null" json:"material_id"`
	ProductId   *int                        `gorm:"default:null" json:"product_id"`
	ImageUrls   datatypes.JSONSlice[string] `gorm:"type:json" json:"image_urls"`
	Quantity    int64                       `gorm:"not null" json:"quantity"`
	CreatedAt   time.Time                   `gorm:"autoCreateTime" json:"created_at"`
}

// ItemsFor returns the stock line items fulfilled by channel; supplierId narrows lpo items.
func (o *Order) ItemsFor(channel Channel, supplierId string) []*OrderLineItem {
	var items []*OrderLineItem
	for _, item := range o.Items {
		if item.Channel != channel {
			continue
		}
		if channel == ChannelLPO && supplierId != "" && item.SupplierId != supplierId {
			continue
		}
		items = append(items, item)
	}
	return items
}

func RejectionNoteKey(channel Channel, supplierId string) string {
	if channel == ChannelLPO {
		return fmt.Sprintf("%s:%s", ChannelLPO, supplierId)
	}
	return string(channel)
}

type NewOrder struct {
	SiteId               int                 `json:"site_id" validate:"required,gt=0"`
	RequesterId          int                 `json:"requester_id" validate:"required,gt=0"`
	Priority             OrderPriority       `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
	ExpectedDeliveryDate *time.Time          `json:"expected_delivery_date"`
	Note                 string              `json:"note" validate:"max=2000"`
	Items                []NewOrderLineItem  `json:"items" validate:"dive"`
	CustomItems          []NewCustomLineItem `json:"custom_items" validate:"dive"`
}

// NewOrderLineItem routes by the product's store unless Channel tags it "custom" or "lpo".
// An lpo line needs a SupplierId. StartingQuantity, when known, seeds the general stock key.
type NewOrderLineItem struct {
	ProductId        int    `json:"product_id" validate:"required,gt=0"`
	Quantity         int64  `json:"quantity" validate:"required,gt=0"`
	Channel          string `json:"channel" validate:"omitempty,oneof=hardware workshop custom lpo"`
	SupplierId       string `json:"supplier_id" validate:"max=64"`
	StartingQuantity *int64 `json:"starting_quantity" validate:"omitempty,gte=0"`
}

type NewCustomLineItem struct {
	Description string   `json:"description" validate:"required"`
	MaterialId  *int     `json:"material_id" validate:"omitempty,gt=0"`
	ProductId   *int     `json:"product_id" validate:"omitempty,gt=0"`
	ImageUrls   []string `json:"image_urls" validate:"dive,url"`
	Quantity    int64    `json:"quantity" validate:"required,gt=0"`
}

// ChannelStatusUpdate sets one channel (or one lpo supplier) of an order.
// BestEffortStock lets the status change commit even when the stock deduction fails.
type ChannelStatusUpdate struct {
	Channel         Channel `json:"channel" validate:"required"`
	Status          string  `json:"status" validate:"required"`
	SupplierId      string  `json:"supplier_id" validate:"max=64"`
	Note            string  `json:"note" validate:"max=2000"`
	BestEffortStock bool    `json:"-"`
}

func (u ChannelStatusUpdate) Describe() string {
	if u.Channel == ChannelLPO {
		return fmt.Sprintf("%s[%s]=%s", u.Channel, u.SupplierId, strings.ToLower(u.Status))
	}
	return fmt.Sprintf("%s=%s", u.Channel, strings.ToLower(u.Status))
}
