package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evmindex/indexcore/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	st, err := Open(context.Background(), Config{Path: filepath.Join(dir, "test.db")})
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })
	return st
}

func seedLog(t *testing.T, st *Store, chainID, blockNumber, timestamp uint64, logIndex uint, topic0 common.Hash) {
	t.Helper()
	addr := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	blockHash := common.BytesToHash([]byte{byte(blockNumber)})
	txHash := common.BytesToHash([]byte{byte(blockNumber), byte(logIndex)})

	block := store.Block{
		ChainID:   chainID,
		Hash:      blockHash,
		Number:    blockNumber,
		Timestamp: timestamp,
	}
	tx := store.Transaction{
		ChainID:     chainID,
		Hash:        txHash,
		BlockHash:   blockHash,
		BlockNumber: blockNumber,
		From:        addr,
		Type:        store.TxTypeLegacy,
	}
	l := store.Log{
		ChainID:         chainID,
		Address:         addr,
		BlockHash:       blockHash,
		BlockNumber:     blockNumber,
		TransactionHash: txHash,
		LogIndex:        logIndex,
		Topic0:          &topic0,
	}

	require.NoError(t, st.InsertRealtimeBlock(context.Background(), chainID, block, []store.Transaction{tx}, []store.Log{l}))
}

// TestGetLogEvents_LoopsPastGoSideFilteredRows covers the case where a raw
// SQL batch of pageSize+1 rows contains fewer matches than pageSize because
// matchesAnyFilter drops some of them in Go, even though further matching
// rows exist past the fetched window. The page must keep fetching raw
// batches rather than falsely reporting itself as the last page.
func TestGetLogEvents_LoopsPastGoSideFilteredRows(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	matchTopic := common.HexToHash("0x01")
	skipTopic := common.HexToHash("0x02")

	// Five logs at one timestamp, alternating match/skip; matches at
	// log_index 0, 2, 4.
	topics := []common.Hash{matchTopic, skipTopic, matchTopic, skipTopic, matchTopic}
	for i, topic := range topics {
		seedLog(t, st, 1, uint64(i), 1000, uint(i), topic)
	}

	filter := store.LogFilter{ChainID: 1, Topics: []store.TopicSlot{{Hashes: []common.Hash{matchTopic}}}}

	page, err := st.GetLogEvents(ctx, store.GetLogEventsParams{
		FromTimestamp: 0,
		ToTimestamp:   9999,
		Filters:       []store.LogFilter{filter},
		PageSize:      2,
	})
	require.NoError(t, err)

	require.Len(t, page.Logs, 2, "must not falsely under-fill the page")
	assert.Equal(t, uint(0), page.Logs[0].Log.LogIndex)
	assert.Equal(t, uint(2), page.Logs[1].Log.LogIndex)
	require.NotNil(t, page.Metadata.Cursor, "third match still pending must not be reported as the last page")

	next, err := st.GetLogEvents(ctx, store.GetLogEventsParams{
		FromTimestamp: 0,
		ToTimestamp:   9999,
		Filters:       []store.LogFilter{filter},
		PageSize:      2,
		Cursor:        page.Metadata.Cursor,
	})
	require.NoError(t, err)
	require.Len(t, next.Logs, 1)
	assert.Equal(t, uint(4), next.Logs[0].Log.LogIndex)
	assert.Nil(t, next.Metadata.Cursor, "no more logs left, this is genuinely the last page")
}
