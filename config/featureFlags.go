package config

import (
	"os"
	"strings"
)

// StockLockRedis additionally serializes ledger appends across instances with a redis lock per
// (product, site) key. The database row lock is always taken.
//
// Set via env:
// - STOCK_LOCK_REDIS=true
func StockLockRedis() bool {
	return boolFromEnv("STOCK_LOCK_REDIS")
}

// NoStockStoreTypes lists the store types whose products never carry stock (pass-through sourcing).
//
// Set via env:
// - NO_STOCK_STORE_TYPES="lpo"
//
// Types are case-insensitive. Unset means "lpo".
func NoStockStoreTypes() []string {
	raw := os.Getenv("NO_STOCK_STORE_TYPES")
	if strings.TrimSpace(raw) == "" {
		return []string{"lpo"}
	}
	var types []string
	for _, part := range strings.Split(raw, ",") {
		p := strings.ToLower(strings.TrimSpace(part))
		if p != "" {
			types = append(types, p)
		}
	}
	return types
}

// StrictChannelTransitions rejects channel status changes outside the fulfillment state machine.
// Off by default: any status may be set from any prior status.
//
// Set via env:
// - STRICT_CHANNEL_TRANSITIONS=true
func StrictChannelTransitions() bool {
	return boolFromEnv("STRICT_CHANNEL_TRANSITIONS")
}
