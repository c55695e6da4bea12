package blockchain

import (
	"strings"

	"math/big"

	"github.com/shopspring/decimal"
)

// NormalizeAddress lowercases a hex address so it can be used as a map
// key. Addresses compare case-insensitively on-chain.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// FormatUnits scales a raw integer balance down by the token's decimal
// count. big.Int is required upstream because token balances overflow
// float64 well before they overflow uint256.
func FormatUnits(raw *big.Int, decimals uint8) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -int32(decimals))
}
