package enums

import "fmt"

// HoldStatus tracks a wallet hold.
type HoldStatus string

const (
	HoldStatusPending   HoldStatus = "PENDING"
	HoldStatusCompleted HoldStatus = "COMPLETED"
	HoldStatusCancelled HoldStatus = "CANCELLED"
)

var validHoldStatuses = []HoldStatus{
	HoldStatusPending,
	HoldStatusCompleted,
	HoldStatusCancelled,
}

func (h HoldStatus) String() string {
	return string(h)
}

func (h HoldStatus) IsValid() bool {
	for _, candidate := range validHoldStatuses {
		if candidate == h {
			return true
		}
	}
	return false
}

func (h HoldStatus) IsTerminal() bool {
	return h == HoldStatusCompleted || h == HoldStatusCancelled
}

func ParseHoldStatus(value string) (HoldStatus, error) {
	for _, candidate := range validHoldStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid hold status %q", value)
}
