package lock

import (
	"github.com/google/uuid"
)

// PaymentPollKey guards a single poll pass across all instances.
const PaymentPollKey = "payment:queue:poll"

func PaymentUserKey(userID uuid.UUID) string {
	return "payment:user:" + userID.String()
}

func PaymentEntryKey(entryID uuid.UUID) string {
	return "payment:entry:" + entryID.String()
}

func StockValidateKey(productID uuid.UUID) string {
	return "stock:validate:" + productID.String()
}

func InventoryReserveKey(productID uuid.UUID) string {
	return "inventory:reserve:" + productID.String()
}

// WalletUserKey serializes every balance mutation of one user.
func WalletUserKey(userID uuid.UUID) string {
	return "wallet:user:" + userID.String()
}

func CronJobKey(job string) string {
	return "cron:" + job
}
