package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeLeadingRanges_CoalescesAdjacent(t *testing.T) {
	ranges := []cachedRangeRow{
		{id: 1, startBlock: 0, endBlock: 100, endBlockTimestamp: 1000},
		{id: 2, startBlock: 101, endBlock: 200, endBlockTimestamp: 2000},
		{id: 3, startBlock: 500, endBlock: 600, endBlockTimestamp: 5000},
	}

	merged := mergeLeadingRanges(ranges, 150)
	if assert.NotNil(t, merged) {
		assert.Equal(t, uint64(0), merged.startBlock)
		assert.Equal(t, uint64(200), merged.endBlock)
		assert.Equal(t, uint64(2000), merged.endBlockTimestamp)
		assert.Len(t, merged.consumed, 2)
	}
}

func TestMergeLeadingRanges_NoLeadingRange(t *testing.T) {
	ranges := []cachedRangeRow{
		{id: 1, startBlock: 500, endBlock: 600, endBlockTimestamp: 5000},
	}
	assert.Nil(t, mergeLeadingRanges(ranges, 10))
}

func TestMergeLeadingRanges_SingleUnconsolidatedRangeStillReported(t *testing.T) {
	ranges := []cachedRangeRow{
		{id: 1, startBlock: 0, endBlock: 100, endBlockTimestamp: 1000},
	}
	merged := mergeLeadingRanges(ranges, 50)
	if assert.NotNil(t, merged) {
		assert.Equal(t, uint64(1000), merged.endBlockTimestamp)
	}
}
