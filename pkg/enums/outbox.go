package enums

import "fmt"

// OutboxAggregateType names the aggregate an outbox event describes.
type OutboxAggregateType string

const (
	AggregatePayment    OutboxAggregateType = "payment"
	AggregateWalletHold OutboxAggregateType = "wallet_hold"
)

func (a OutboxAggregateType) IsValid() bool {
	return a == AggregatePayment || a == AggregateWalletHold
}

func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	if a := OutboxAggregateType(value); a.IsValid() {
		return a, nil
	}
	return "", fmt.Errorf("invalid aggregate type %q", value)
}

// OutboxEventType names the domain event carried by an outbox row. Every
// event type belongs to exactly one aggregate type.
type OutboxEventType string

const (
	EventPaymentCompleted OutboxEventType = "payment.completed"
	EventPaymentFailed    OutboxEventType = "payment.failed"
	EventHoldCompleted    OutboxEventType = "wallet.hold_completed"
	EventHoldRefunded     OutboxEventType = "wallet.hold_refunded"
)

var eventAggregates = map[OutboxEventType]OutboxAggregateType{
	EventPaymentCompleted: AggregatePayment,
	EventPaymentFailed:    AggregatePayment,
	EventHoldCompleted:    AggregateWalletHold,
	EventHoldRefunded:     AggregateWalletHold,
}

func (e OutboxEventType) IsValid() bool {
	_, ok := eventAggregates[e]
	return ok
}

// Aggregate returns the aggregate type e is emitted for, or "" when e is
// unknown.
func (e OutboxEventType) Aggregate() OutboxAggregateType {
	return eventAggregates[e]
}

func ParseOutboxEventType(value string) (OutboxEventType, error) {
	if e := OutboxEventType(value); e.IsValid() {
		return e, nil
	}
	return "", fmt.Errorf("invalid event type %q", value)
}
