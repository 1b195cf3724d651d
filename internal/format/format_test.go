package format

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/zeebo/assert"
)

func TestUnits(t *testing.T) {
	assert.Equal(t, Units(big.NewInt(1_000_000), 6), "1")
	assert.Equal(t, Units(big.NewInt(1_500_000), 6), "1.5")
	assert.Equal(t, Units(big.NewInt(1), 6), "0.000001")
	assert.Equal(t, Units(big.NewInt(0), 18), "0")
	assert.Equal(t, Units(nil, 6), "0")
	assert.Equal(t, Units(big.NewInt(42), 0), "42")
}

func TestShortHash(t *testing.T) {
	h := common.HexToHash("0xabcdef0123456789000000000000000000000000000000000000000000000000")
	assert.Equal(t, ShortHash(h), "0xabcdef")
}
