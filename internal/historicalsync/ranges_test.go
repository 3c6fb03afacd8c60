package historicalsync

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/evmindex/indexcore/internal/store"
)

func TestSubtractCached(t *testing.T) {
	cached := []store.CachedRange{
		{StartBlock: 10, EndBlock: 20},
		{StartBlock: 30, EndBlock: 40},
	}
	got := subtractCached(0, 50, cached)
	assert.Equal(t, []blockRange{
		{From: 0, To: 9},
		{From: 21, To: 29},
		{From: 41, To: 50},
	}, got)
}

func TestSubtractCached_FullyCovered(t *testing.T) {
	cached := []store.CachedRange{{StartBlock: 0, EndBlock: 100}}
	got := subtractCached(10, 90, cached)
	assert.Empty(t, got)
}

func TestSubtractCached_NoCache(t *testing.T) {
	got := subtractCached(5, 15, nil)
	assert.Equal(t, []blockRange{{From: 5, To: 15}}, got)
}

func TestPartition(t *testing.T) {
	got := partition(blockRange{From: 0, To: 9}, 4)
	assert.Equal(t, []blockRange{
		{From: 0, To: 3},
		{From: 4, To: 7},
		{From: 8, To: 9},
	}, got)
}

func TestPartition_ExactMultiple(t *testing.T) {
	got := partition(blockRange{From: 0, To: 7}, 4)
	assert.Equal(t, []blockRange{
		{From: 0, To: 3},
		{From: 4, To: 7},
	}, got)
}
