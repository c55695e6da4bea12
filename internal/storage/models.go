package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// BalanceSnapshot is one persisted balance observation from a
// reconciliation pass. Decimals is -1 when the token's decimal count
// was never resolved.
type BalanceSnapshot struct {
	ID           int64
	RecordedAt   time.Time
	Wallet       string
	TokenAddress string
	Symbol       string
	Decimals     int16
	RawBalance   string
	Balance      decimal.Decimal
	BlockNumber  uint64
}
