package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/keymart-backend/pkg/enums"
)

// PaymentQueueEntry is one checkout request moving through the payment queue.
type PaymentQueueEntry struct {
	ID                  uuid.UUID           `gorm:"column:id;type:char(36);primaryKey"`
	UserID              uuid.UUID           `gorm:"column:user_id;type:char(36);not null;index"`
	CartSnapshot        json.RawMessage     `gorm:"column:cart_snapshot;type:text;not null"`
	TotalAmount         decimal.Decimal     `gorm:"column:total_amount;type:numeric(18,2);not null"`
	Status              enums.PaymentStatus `gorm:"column:status;type:varchar(16);not null;index:idx_payment_queue_status_created,priority:1"`
	OrderReference      *string             `gorm:"column:order_reference;type:varchar(128)"`
	ErrorMessage        *string             `gorm:"column:error_message;type:text"`
	Attempts            int                 `gorm:"column:attempts;not null;default:0"`
	ProcessingStartedAt *time.Time          `gorm:"column:processing_started_at"`
	ProcessedAt         *time.Time          `gorm:"column:processed_at"`
	CreatedAt           time.Time           `gorm:"column:created_at;autoCreateTime;index:idx_payment_queue_status_created,priority:2"`
	UpdatedAt           time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

func (PaymentQueueEntry) TableName() string { return "payment_queue_entries" }

func (e *PaymentQueueEntry) BeforeCreate(*gorm.DB) error {
	ensureID(&e.ID)
	return nil
}
