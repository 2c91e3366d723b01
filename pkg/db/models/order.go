package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/keymart-backend/pkg/enums"
)

// Order is the buyer-facing header for one stall group of a checkout.
type Order struct {
	ID               uuid.UUID         `gorm:"column:id;type:char(36);primaryKey"`
	OrderReference   string            `gorm:"column:order_reference;type:varchar(128);not null;index"`
	PaymentID        uuid.UUID         `gorm:"column:payment_id;type:char(36);not null;index"`
	BuyerID          uuid.UUID         `gorm:"column:buyer_id;type:char(36);not null;index"`
	SellerID         uuid.UUID         `gorm:"column:seller_id;type:char(36);not null"`
	StallID          uuid.UUID         `gorm:"column:stall_id;type:char(36);not null"`
	TotalAmount      decimal.Decimal   `gorm:"column:total_amount;type:numeric(18,2);not null"`
	CommissionAmount decimal.Decimal   `gorm:"column:commission_amount;type:numeric(18,2);not null"`
	SellerAmount     decimal.Decimal   `gorm:"column:seller_amount;type:numeric(18,2);not null"`
	Status           enums.OrderStatus `gorm:"column:status;type:varchar(16);not null"`
	Lines            []OrderLine       `gorm:"foreignKey:OrderID"`
	CreatedAt        time.Time         `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time         `gorm:"column:updated_at;autoUpdateTime"`
}

func (Order) TableName() string { return "orders" }

func (o *Order) BeforeCreate(*gorm.DB) error {
	ensureID(&o.ID)
	return nil
}

// OrderLine is one purchased unit with its commission split.
type OrderLine struct {
	ID               uuid.UUID       `gorm:"column:id;type:char(36);primaryKey"`
	OrderID          uuid.UUID       `gorm:"column:order_id;type:char(36);not null;index"`
	UnitID           uuid.UUID       `gorm:"column:unit_id;type:char(36);not null;uniqueIndex"`
	ProductID        uuid.UUID       `gorm:"column:product_id;type:char(36);not null"`
	SellerID         uuid.UUID       `gorm:"column:seller_id;type:char(36);not null"`
	ProductName      string          `gorm:"column:product_name;type:varchar(255)"`
	Quantity         int             `gorm:"column:quantity;not null;default:1"`
	UnitPrice        decimal.Decimal `gorm:"column:unit_price;type:numeric(18,2);not null"`
	CommissionRate   decimal.Decimal `gorm:"column:commission_rate;type:numeric(5,2);not null"`
	CommissionAmount decimal.Decimal `gorm:"column:commission_amount;type:numeric(18,2);not null"`
	SellerAmount     decimal.Decimal `gorm:"column:seller_amount;type:numeric(18,2);not null"`
	CreatedAt        time.Time       `gorm:"column:created_at;autoCreateTime"`
}

func (OrderLine) TableName() string { return "order_lines" }

func (l *OrderLine) BeforeCreate(*gorm.DB) error {
	ensureID(&l.ID)
	return nil
}
