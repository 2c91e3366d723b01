package outbox

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentCompletedEvent is emitted once a queue entry finished all saga steps.
type PaymentCompletedEvent struct {
	PaymentID      uuid.UUID       `json:"paymentId"`
	UserID         uuid.UUID       `json:"userId"`
	OrderReference string          `json:"orderReference"`
	TotalAmount    decimal.Decimal `json:"totalAmount"`
	OrderIDs       []uuid.UUID     `json:"orderIds"`
	UnitCount      int             `json:"unitCount"`
}

// PaymentFailedEvent is emitted when a queue entry ends in FAILED.
type PaymentFailedEvent struct {
	PaymentID      uuid.UUID       `json:"paymentId"`
	UserID         uuid.UUID       `json:"userId"`
	OrderReference string          `json:"orderReference,omitempty"`
	TotalAmount    decimal.Decimal `json:"totalAmount"`
	Reason         string          `json:"reason"`
	Code           string          `json:"code,omitempty"`
}

// HoldSettledEvent describes a wallet hold that reached a terminal state.
type HoldSettledEvent struct {
	HoldID         uuid.UUID       `json:"holdId"`
	UserID         uuid.UUID       `json:"userId"`
	OrderReference string          `json:"orderReference"`
	Amount         decimal.Decimal `json:"amount"`
	Reason         string          `json:"reason,omitempty"`
}
