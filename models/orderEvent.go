package models

import (
	"time"

	"bitbucket.org/mmdatafocus/supply_backend/config"
)

// Outbox publish statuses for OrderStatusEvent.PublishStatus.
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

type OrderEventType string

const (
	OrderEventCreated              OrderEventType = "ORDER_CREATED"
	OrderEventChannelStatusChanged OrderEventType = "CHANNEL_STATUS_CHANGED"
	OrderEventStatusRecomputed     OrderEventType = "ORDER_STATUS_RECOMPUTED"
)

// OrderStatusEvent is a transactional outbox row. It is inserted in the same transaction as the
// order change and published after commit by the dispatcher.
type OrderStatusEvent struct {
	ID               int64          `gorm:"primary_key;autoIncrement;index:idx_order_outbox_dispatch,priority:3" json:"id"`
	OrderId          int            `gorm:"index;not null" json:"order_id"`
	EventType        OrderEventType `gorm:"size:40;not null" json:"event_type"`
	Channel          Channel        `gorm:"size:20" json:"channel"`
	SupplierId       string         `gorm:"size:64" json:"supplier_id"`
	ChannelStatus    ChannelStatus  `gorm:"size:20" json:"channel_status"`
	OldStatus        OrderStatus    `gorm:"size:20" json:"old_status"`
	NewStatus        OrderStatus    `gorm:"size:20;not null" json:"new_status"`
	CorrelationId    string         `gorm:"size:64;index" json:"correlation_id"`
	PublishStatus    string         `gorm:"size:20;index;not null;default:'PENDING';index:idx_order_outbox_dispatch,priority:1" json:"publish_status"` // PENDING|PROCESSING|SENT|FAILED|DEAD
	PublishedAt      *time.Time     `gorm:"index" json:"published_at"`
	PubSubMessageId  *string        `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int            `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time     `gorm:"index;index:idx_order_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time     `gorm:"index" json:"locked_at"`
	LockedBy         *string        `gorm:"size:100" json:"locked_by"`
	LastPublishError *string        `gorm:"type:text" json:"last_publish_error"`
	CreatedAt        time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

func ConvertToOrderEventMessage(record OrderStatusEvent) config.OrderEventMessage {
	return config.OrderEventMessage{
		ID:            record.ID,
		OrderId:       record.OrderId,
		EventType:     string(record.EventType),
		OldStatus:     string(record.OldStatus),
		NewStatus:     string(record.NewStatus),
		Channel:       string(record.Channel),
		SupplierId:    record.SupplierId,
		ChannelStatus: string(record.ChannelStatus),
		CorrelationId: record.CorrelationId,
		OccurredAt:    record.CreatedAt,
	}
}
