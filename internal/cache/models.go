package cache

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// SourceReconciliation tags BalanceUpdated events produced by the
// reconciliation sweep, as opposed to event-driven updates which carry
// no source.
const SourceReconciliation = "reconciliation"

// entry is one cached (wallet, token) balance. Raw is kept as big.Int
// because token balances overflow float64 long before uint256.
type entry struct {
	raw         *big.Int
	formatted   decimal.Decimal
	decimals    *uint8
	native      bool
	lastBlock   uint64
	lastUpdated time.Time
}

// walletCache maps normalized token address -> cached balance.
type walletCache struct {
	tokens map[string]*entry
}

// BalanceRecord is the read model returned to callers: a cached
// balance merged with known token metadata and, on live reads,
// best-effort price data.
type BalanceRecord struct {
	Token            string           `json:"token"`
	Symbol           string           `json:"symbol,omitempty"`
	Name             string           `json:"name,omitempty"`
	Decimals         *uint8           `json:"decimals,omitempty"`
	RawBalance       string           `json:"rawBalance"`
	Formatted        decimal.Decimal  `json:"formattedBalance"`
	Native           bool             `json:"native,omitempty"`
	LastUpdatedBlock uint64           `json:"lastUpdatedBlock"`
	LastUpdatedAt    time.Time        `json:"lastUpdatedAt"`
	Price            *decimal.Decimal `json:"price,omitempty"`
	Value            *decimal.Decimal `json:"value,omitempty"`
}

// BalanceUpdated is pushed to listeners whenever a cached balance
// changes. Source is empty for event-driven updates and
// SourceReconciliation for sweep corrections; PreviousRaw records the
// overwritten value so listeners can tell drift correction from
// ordinary movement.
type BalanceUpdated struct {
	Wallet      string          `json:"wallet"`
	Token       string          `json:"token"`
	RawBalance  string          `json:"rawBalance"`
	Formatted   decimal.Decimal `json:"formattedBalance"`
	BlockNumber uint64          `json:"blockNumber,omitempty"`
	Source      string          `json:"source,omitempty"`
	PreviousRaw string          `json:"previousRaw,omitempty"`
}

// Status is a health/debug snapshot of the manager.
type Status struct {
	WatcherConnected bool      `json:"watcherConnected"`
	TrackedWallets   int       `json:"trackedWallets"`
	TrackedTokens    int       `json:"trackedTokens"`
	CacheSizeBytes   int       `json:"cacheSizeBytes"`
	Reconciling      bool      `json:"reconciling"`
	LastReconcileAt  time.Time `json:"lastReconcileAt,omitzero"`
}
