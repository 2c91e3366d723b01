package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/keymart-backend/pkg/enums"
)

// InventoryUnit is one indivisible digital item listed by a seller.
// A unit is sellable iff it is neither locked nor consumed.
type InventoryUnit struct {
	ID            uuid.UUID      `gorm:"column:id;type:char(36);primaryKey"`
	ProductID     uuid.UUID      `gorm:"column:product_id;type:char(36);not null;index:idx_inventory_units_available,priority:1"`
	SellerID      uuid.UUID      `gorm:"column:seller_id;type:char(36);not null"`
	ShopID        *uuid.UUID     `gorm:"column:shop_id;type:char(36)"`
	StallID       uuid.UUID      `gorm:"column:stall_id;type:char(36);not null"`
	ItemType      enums.ItemType `gorm:"column:item_type;type:varchar(32);not null"`
	Payload       string         `gorm:"column:payload;type:text;not null"`
	Locked        bool           `gorm:"column:locked;not null;default:false;index:idx_inventory_units_available,priority:2"`
	LockedBy      *uuid.UUID     `gorm:"column:locked_by;type:char(36)"`
	LockedAt      *time.Time     `gorm:"column:locked_at"`
	ReservedUntil *time.Time     `gorm:"column:reserved_until;index"`
	Consumed      bool           `gorm:"column:consumed;not null;default:false;index:idx_inventory_units_available,priority:3"`
	ConsumedAt    *time.Time     `gorm:"column:consumed_at"`
	CreatedAt     time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

func (InventoryUnit) TableName() string { return "inventory_units" }

func (u *InventoryUnit) BeforeCreate(*gorm.DB) error {
	ensureID(&u.ID)
	return nil
}

// Sellable reports whether the unit may be claimed.
func (u InventoryUnit) Sellable() bool {
	return !u.Locked && !u.Consumed
}
