package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/keymart-backend/pkg/enums"
)

// Wallet holds the spendable balance of one user.
type Wallet struct {
	UserID    uuid.UUID       `gorm:"column:user_id;type:char(36);primaryKey"`
	Balance   decimal.Decimal `gorm:"column:balance;type:numeric(18,2);not null;default:0"`
	CreatedAt time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

func (Wallet) TableName() string { return "wallets" }

// WalletMovement is an append-only ledger row. Amount is always positive; Type gives the direction.
type WalletMovement struct {
	ID             uuid.UUID            `gorm:"column:id;type:char(36);primaryKey"`
	UserID         uuid.UUID            `gorm:"column:user_id;type:char(36);not null;index"`
	Amount         decimal.Decimal      `gorm:"column:amount;type:numeric(18,2);not null"`
	Type           enums.MovementType   `gorm:"column:type;type:varchar(16);not null"`
	Status         enums.MovementStatus `gorm:"column:status;type:varchar(16);not null"`
	OrderReference *string              `gorm:"column:order_reference;type:varchar(128);index"`
	HoldID         *uuid.UUID           `gorm:"column:hold_id;type:char(36)"`
	Description    string               `gorm:"column:description;type:varchar(255)"`
	CreatedAt      time.Time            `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time            `gorm:"column:updated_at;autoUpdateTime"`
}

func (WalletMovement) TableName() string { return "wallet_movements" }

func (m *WalletMovement) BeforeCreate(*gorm.DB) error {
	ensureID(&m.ID)
	return nil
}

// WalletHold is a debited-but-undistributed amount tied to an order reference.
type WalletHold struct {
	ID             uuid.UUID        `gorm:"column:id;type:char(36);primaryKey"`
	UserID         uuid.UUID        `gorm:"column:user_id;type:char(36);not null;uniqueIndex:ux_wallet_holds_user_reference,priority:1"`
	Amount         decimal.Decimal  `gorm:"column:amount;type:numeric(18,2);not null"`
	OrderReference string           `gorm:"column:order_reference;type:varchar(128);not null;uniqueIndex:ux_wallet_holds_user_reference,priority:2"`
	Status         enums.HoldStatus `gorm:"column:status;type:varchar(16);not null;index:idx_wallet_holds_status_expiry,priority:1"`
	ExpiresAt      time.Time        `gorm:"column:expires_at;not null;index:idx_wallet_holds_status_expiry,priority:2"`
	MovementID     *uuid.UUID       `gorm:"column:movement_id;type:char(36)"`
	CompletedAt    *time.Time       `gorm:"column:completed_at"`
	CancelledAt    *time.Time       `gorm:"column:cancelled_at"`
	CreatedAt      time.Time        `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time        `gorm:"column:updated_at;autoUpdateTime"`
}

func (WalletHold) TableName() string { return "wallet_holds" }

func (h *WalletHold) BeforeCreate(*gorm.DB) error {
	ensureID(&h.ID)
	return nil
}
