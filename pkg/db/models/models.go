package models

// All lists every persisted model for AutoMigrate-based drivers and tests.
func All() []any {
	return []any{
		&InventoryUnit{},
		&Stall{},
		&Wallet{},
		&WalletMovement{},
		&WalletHold{},
		&PaymentQueueEntry{},
		&Order{},
		&OrderLine{},
		&OutboxEvent{},
	}
}
