package types

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CartLine is one entry of a cart snapshot as stored on a payment queue entry.
type CartLine struct {
	ProductID   uuid.UUID       `json:"productId" validate:"required"`
	Name        string          `json:"name" validate:"max=255"`
	Quantity    int             `json:"quantity" validate:"gte=0,lte=1000"`
	Price       decimal.Decimal `json:"price"`
	WarehouseID string          `json:"warehouseId,omitempty"`
	StallID     uuid.UUID       `json:"stallId" validate:"required"`
	ShopID      *uuid.UUID      `json:"shopId,omitempty"`
	SellerID    uuid.UUID       `json:"sellerId" validate:"required"`
}

// Cart is an ordered list of cart lines.
type Cart []CartLine

// Quantities sums requested units per product.
func (c Cart) Quantities() map[uuid.UUID]int {
	out := make(map[uuid.UUID]int, len(c))
	for _, line := range c {
		if line.Quantity <= 0 {
			continue
		}
		out[line.ProductID] += line.Quantity
	}
	return out
}

// Total returns the sum of quantity times unit price.
func (c Cart) Total() decimal.Decimal {
	total := decimal.Zero
	for _, line := range c {
		total = total.Add(line.Price.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}
	return total
}

// Units counts every requested unit across lines.
func (c Cart) Units() int {
	n := 0
	for _, line := range c {
		if line.Quantity > 0 {
			n += line.Quantity
		}
	}
	return n
}

func (c Cart) Snapshot() (json.RawMessage, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode cart snapshot: %w", err)
	}
	return raw, nil
}

// ParseCart decodes a stored cart snapshot.
func ParseCart(raw json.RawMessage) (Cart, error) {
	var cart Cart
	if err := json.Unmarshal(raw, &cart); err != nil {
		return nil, fmt.Errorf("decode cart snapshot: %w", err)
	}
	return cart, nil
}
