package models

import (
	"time"

	"gorm.io/gorm"
)

type AdjustmentType string

const (
	AdjustmentTypeIn         AdjustmentType = "in"
	AdjustmentTypeOut        AdjustmentType = "out"
	AdjustmentTypeAdjustment AdjustmentType = "adjustment"
)

func (t AdjustmentType) IsValid() bool {
	return t == AdjustmentTypeIn || t == AdjustmentTypeOut || t == AdjustmentTypeAdjustment
}

type StockReferenceType string

const (
	StockReferenceTypeOrder  StockReferenceType = "ORDER"
	StockReferenceTypeImport StockReferenceType = "IMPORT"
	StockReferenceTypeManual StockReferenceType = "MANUAL"
)

// StockLedgerEntry records the quantity of a product at a point in time.
//
// Quantity is the resulting stock level after the adjustment, not a delta: current stock for a
// (product, site) key is the Quantity of its newest active entry, ordered by (created_at, id)
// descending. A nil SiteId is the general stock key and never matches a site.
//
// Rows are never updated except for the IsActive flag, and never deleted.
type StockLedgerEntry struct {
	ID             int64              `gorm:"primary_key;autoIncrement" json:"id"`
	ProductId      int                `gorm:"not null;index:idx_stock_ledger_key,priority:1" json:"product_id"`
	SiteId         *int               `gorm:"index:idx_stock_ledger_key,priority:2" json:"site_id"`
	Quantity       int64              `gorm:"not null" json:"quantity"`
	AdjustmentType AdjustmentType     `gorm:"type:enum('in','out','adjustment');not null" json:"adjustment_type"`
	ReferenceType  StockReferenceType `gorm:"size:20;default:null" json:"reference_type"`
	ReferenceId    *int               `gorm:"index;default:null" json:"reference_id"`
	Note           string             `gorm:"type:text" json:"note"`
	ActorLabel     string             `gorm:"size:100;not null" json:"actor_label"`
	IsActive       bool               `gorm:"not null;default:true;index:idx_stock_ledger_key,priority:3" json:"is_active"`
	DeactivatedAt  *time.Time         `gorm:"default:null" json:"deactivated_at"`
	DeactivateNote *string            `gorm:"type:text" json:"deactivate_note"`
	CreatedAt      time.Time          `gorm:"type:datetime(6);not null;index:idx_stock_ledger_key,priority:4" json:"created_at"`
}

func (StockLedgerEntry) TableName() string {
	return "stock_ledger_entries"
}

func (e *StockLedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if !e.AdjustmentType.IsValid() {
		return ValidationErrorf("unknown adjustment type %q", e.AdjustmentType)
	}
	if e.Quantity < 0 {
		return ValidationErrorf("quantity must not be negative, got %d", e.Quantity)
	}
	return nil
}

// NewStockEntry is the input to a ledger append.
type NewStockEntry struct {
	ProductId      int                `json:"product_id" validate:"required,gt=0"`
	SiteId         *int               `json:"site_id" validate:"omitempty,gt=0"`
	Quantity       int64              `json:"quantity" validate:"gte=0"`
	AdjustmentType AdjustmentType     `json:"adjustment_type" validate:"required,oneof=in out adjustment"`
	ReferenceType  StockReferenceType `json:"reference_type"`
	ReferenceId    *int               `json:"reference_id"`
	Note           string             `json:"note" validate:"max=1000"`
	ActorLabel     string             `json:"actor_label" validate:"max=100"`
}

// StockKey identifies one ledger stream.
type StockKey struct {
	ProductId int
	SiteId    *int
}

func (k StockKey) Matches(productId int, siteId *int) bool {
	if k.ProductId != productId {
		return false
	}
	if k.SiteId == nil || siteId == nil {
		return k.SiteId == nil && siteId == nil
	}
	return *k.SiteId == *siteId
}
