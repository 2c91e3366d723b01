package enums

import "fmt"

// MovementType classifies a wallet ledger movement.
type MovementType string

const (
	MovementDeposit    MovementType = "DEPOSIT"
	MovementWithdraw   MovementType = "WITHDRAW"
	MovementPurchase   MovementType = "PURCHASE"
	MovementRefund     MovementType = "REFUND"
	MovementSale       MovementType = "SALE"
	MovementCommission MovementType = "COMMISSION"
)

var validMovementTypes = []MovementType{
	MovementDeposit,
	MovementWithdraw,
	MovementPurchase,
	MovementRefund,
	MovementSale,
	MovementCommission,
}

func (m MovementType) String() string {
	return string(m)
}

func (m MovementType) IsValid() bool {
	for _, candidate := range validMovementTypes {
		if candidate == m {
			return true
		}
	}
	return false
}

// IsCredit reports whether the movement adds funds to the wallet.
func (m MovementType) IsCredit() bool {
	switch m {
	case MovementDeposit, MovementRefund, MovementSale, MovementCommission:
		return true
	default:
		return false
	}
}

func ParseMovementType(value string) (MovementType, error) {
	for _, candidate := range validMovementTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid movement type %q", value)
}

// MovementStatus tracks whether a ledger movement settled.
type MovementStatus string

const (
	MovementStatusPending  MovementStatus = "PENDING"
	MovementStatusSuccess  MovementStatus = "SUCCESS"
	MovementStatusFailed   MovementStatus = "FAILED"
	MovementStatusCanceled MovementStatus = "CANCELED"
)

var validMovementStatuses = []MovementStatus{
	MovementStatusPending,
	MovementStatusSuccess,
	MovementStatusFailed,
	MovementStatusCanceled,
}

func (m MovementStatus) String() string {
	return string(m)
}

func (m MovementStatus) IsValid() bool {
	for _, candidate := range validMovementStatuses {
		if candidate == m {
			return true
		}
	}
	return false
}

func ParseMovementStatus(value string) (MovementStatus, error) {
	for _, candidate := range validMovementStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid movement status %q", value)
}
