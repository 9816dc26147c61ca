package keys

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
)

func TestHashMatchesABIEncoding(t *testing.T) {
	// abi.encode("POOL_AMOUNT"): offset word, length word, right-padded data.
	buf := common.LeftPadBytes(big.NewInt(32).Bytes(), 32)
	buf = append(buf, common.LeftPadBytes(big.NewInt(11).Bytes(), 32)...)
	buf = append(buf, common.RightPadBytes([]byte("POOL_AMOUNT"), 32)...)

	assert.Equal(t, crypto.Keccak256Hash(buf), Hash("POOL_AMOUNT"))
	assert.Equal(t, PoolAmount, Hash("POOL_AMOUNT"))
}

func TestDeriveIsDeterministicAndParameterSensitive(t *testing.T) {
	market := common.HexToAddress("0x1000000000000000000000000000000000000001")
	other := common.HexToAddress("0x1000000000000000000000000000000000000002")

	assert.Equal(t, IsAdlEnabledKey(market, true), IsAdlEnabledKey(market, true))
	assert.NotEqual(t, IsAdlEnabledKey(market, true), IsAdlEnabledKey(market, false))
	assert.NotEqual(t, IsAdlEnabledKey(market, true), IsAdlEnabledKey(other, true))
	assert.NotEqual(t, IsAdlEnabledKey(market, true), LatestAdlBlockKey(market, true))
	assert.NotEqual(t,
		MaxPnlFactorKey(MaxPnlFactorForAdl, market, true),
		MaxPnlFactorKey(MaxPnlFactorForTraders, market, true),
	)
}

func TestDeriveWordLayout(t *testing.T) {
	token := common.HexToAddress("0xaaaa000000000000000000000000000000000001")
	want := crypto.Keccak256Hash(PriceFeed.Bytes(), common.LeftPadBytes(token.Bytes(), 32))
	assert.Equal(t, want, PriceFeedKey(token))
}

func TestDeriveUnsupportedParameterPanics(t *testing.T) {
	assert.Panics(t, func() { Derive(Nonce, 1.5) })
}

func TestEncodeHasNoBase(t *testing.T) {
	account := common.HexToAddress("0xaaaa000000000000000000000000000000000002")
	want := crypto.Keccak256Hash(common.LeftPadBytes(account.Bytes(), 32), common.LeftPadBytes([]byte{1}, 32))
	assert.Equal(t, want, Encode(account, true))
}
