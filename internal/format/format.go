package format

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Units renders an amount in smallest units as a decimal string, dividing by
// 10^decimals and trimming trailing zeros.
func Units(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -int32(decimals)).String()
}

// ShortHash keeps the 0x prefix and the first three bytes of a hash.
func ShortHash(hash common.Hash) string {
	return hash.Hex()[:8]
}
