package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Stall is a seller storefront; CommissionRate is a percentage taken by the platform.
type Stall struct {
	ID             uuid.UUID           `gorm:"column:id;type:char(36);primaryKey"`
	SellerID       uuid.UUID           `gorm:"column:seller_id;type:char(36);not null"`
	ShopID         *uuid.UUID          `gorm:"column:shop_id;type:char(36)"`
	Name           string              `gorm:"column:name;type:varchar(255);not null"`
	CommissionRate decimal.NullDecimal `gorm:"column:commission_rate;type:numeric(5,2)"`
	CreatedAt      time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

func (Stall) TableName() string { return "stalls" }

func (s *Stall) BeforeCreate(*gorm.DB) error {
	ensureID(&s.ID)
	return nil
}
