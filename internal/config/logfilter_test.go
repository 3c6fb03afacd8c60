package config

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToLogFilter_EventSignatureHashed(t *testing.T) {
	f := FilterConfig{
		Name:      "usdc-transfers",
		Network:   "mainnet",
		Addresses: []string{"0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"},
		Events:    []string{"Transfer(address,address,uint256)"},
		MaxBlockRange: 2000,
	}

	lf, err := f.ToLogFilter(1)
	require.NoError(t, err)

	assert.Equal(t, "usdc-transfers", lf.Name)
	assert.Equal(t, uint64(1), lf.ChainID)
	require.Len(t, lf.Addresses, 1)
	assert.Equal(t, common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"), lf.Addresses[0])

	require.Len(t, lf.Topics, 1)
	require.Len(t, lf.Topics[0].Hashes, 1)
	assert.Equal(t, crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)")), lf.Topics[0].Hashes[0])
}

func TestToLogFilter_RawTopicHashPassthrough(t *testing.T) {
	rawTopic := "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"
	f := FilterConfig{Name: "raw", Network: "mainnet", Events: []string{rawTopic}}

	lf, err := f.ToLogFilter(1)
	require.NoError(t, err)
	require.Len(t, lf.Topics, 1)
	require.Len(t, lf.Topics[0].Hashes, 1)
	assert.Equal(t, common.HexToHash(rawTopic), lf.Topics[0].Hashes[0])
}

func TestToLogFilter_NoEvents_NoTopicSlots(t *testing.T) {
	f := FilterConfig{Name: "all-events", Network: "mainnet"}

	lf, err := f.ToLogFilter(1)
	require.NoError(t, err)
	assert.Empty(t, lf.Topics)
	assert.Empty(t, lf.Addresses)
}

func TestToLogFilter_MultipleEventsBecomeOneTopicSlot(t *testing.T) {
	f := FilterConfig{
		Name:    "transfers-and-approvals",
		Network: "mainnet",
		Events:  []string{"Transfer(address,address,uint256)", "Approval(address,address,uint256)"},
	}

	lf, err := f.ToLogFilter(1)
	require.NoError(t, err)
	require.Len(t, lf.Topics, 1)
	assert.Len(t, lf.Topics[0].Hashes, 2)
}

func TestToLogFilter_InvalidAddress(t *testing.T) {
	f := FilterConfig{Name: "bad", Network: "mainnet", Addresses: []string{"not-an-address"}}

	_, err := f.ToLogFilter(1)
	require.ErrorContains(t, err, "invalid address")
}

func TestToLogFilter_AddressPassedAsEvent(t *testing.T) {
	f := FilterConfig{
		Name:    "bad",
		Network: "mainnet",
		Events:  []string{"0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"},
	}

	_, err := f.ToLogFilter(1)
	require.ErrorContains(t, err, "looks like an address")
}

func TestToLogFilter_CarriesBlockRangeThrough(t *testing.T) {
	end := uint64(1000)
	f := FilterConfig{Name: "bounded", Network: "mainnet", StartBlock: 500, EndBlock: &end, MaxBlockRange: 100}

	lf, err := f.ToLogFilter(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), lf.StartBlock)
	require.NotNil(t, lf.EndBlock)
	assert.Equal(t, uint64(1000), *lf.EndBlock)
	assert.Equal(t, uint64(100), lf.MaxBlockRange)
}
