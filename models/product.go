package models

import (
	"strings"
	"time"
)

type StoreType string

const (
	StoreTypeHardware StoreType = "hardware"
	StoreTypeWorkshop StoreType = "workshop"
	StoreTypeLPO      StoreType = "lpo"
)

func (t StoreType) IsValid() bool {
	return t == StoreTypeHardware || t == StoreTypeWorkshop || t == StoreTypeLPO
}

type Store struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Name      string    `gorm:"size:100;not null" json:"name" validate:"required,max=100"`
	Type      StoreType `gorm:"type:enum('hardware','workshop','lpo');not null" json:"type" validate:"required,oneof=hardware workshop lpo"`
	IsNoStock bool      `gorm:"not null;default:false" json:"is_no_stock"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Product is owned by the catalog; the ledger only reads it.
// Quantity is the legacy static stock figure, used when a key has no active ledger entry.
type Product struct {
	ID                int       `gorm:"primary_key" json:"id"`
	Name              string    `gorm:"size:255;not null" json:"name" validate:"required,max=255"`
	StoreId           int       `gorm:"index;not null" json:"store_id" validate:"required,gt=0"`
	Store             *Store    `gorm:"foreignKey:StoreId" json:"store,omitempty" validate:"-"`
	IsMaterial        bool      `gorm:"not null;default:false" json:"is_material"`
	LowStockThreshold *int64    `gorm:"default:null" json:"low_stock_threshold" validate:"omitempty,gte=0"`
	Quantity          int64     `gorm:"not null;default:0" json:"quantity" validate:"gte=0"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsNoStock reports whether the product is sourced through a pass-through channel, either
// because its store is flagged or because its store type is listed in noStockTypes.
func (p *Product) IsNoStock(noStockTypes []string) bool {
	if p == nil || p.Store == nil {
		return false
	}
	if p.Store.IsNoStock {
		return true
	}
	for _, t := range noStockTypes {
		if strings.EqualFold(strings.TrimSpace(t), string(p.Store.Type)) {
			return true
		}
	}
	return false
}

// Channel is the fulfillment channel a line item for this product routes to when the request
// does not tag one explicitly.
func (p *Product) Channel() Channel {
	if p == nil || p.Store == nil {
		return ""
	}
	switch p.Store.Type {
	case StoreTypeHardware:
		return ChannelHardware
	case StoreTypeWorkshop:
		return ChannelWorkshop
	case StoreTypeLPO:
		return ChannelLPO
	}
	return ""
}

// IsLowStock reports whether quantity is at or below the product's threshold.
// Products without a threshold are never low.
func (p *Product) IsLowStock(quantity int64) bool {
	if p == nil || p.LowStockThreshold == nil {
		return false
	}
	return quantity <= *p.LowStockThreshold
}
