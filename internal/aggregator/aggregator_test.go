package aggregator

import (
	"context"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evmindex/indexcore/internal/store"
)

type fakeStore struct {
	mu          sync.Mutex
	checkpoints map[string]store.Checkpoint
	events      store.EventPage
}

func (s *fakeStore) Migrate(ctx context.Context) error { return nil }
func (s *fakeStore) Close() error                      { return nil }
func (s *fakeStore) InsertHistoricalLogs(ctx context.Context, chainID uint64, logs []store.Log) error {
	return nil
}
func (s *fakeStore) InsertHistoricalBlock(ctx context.Context, chainID uint64, block store.Block, txs []store.Transaction, opts store.InsertHistoricalBlockOpts) error {
	return nil
}
func (s *fakeStore) InsertRealtimeBlock(ctx context.Context, chainID uint64, block store.Block, txs []store.Transaction, logs []store.Log) error {
	return nil
}
func (s *fakeStore) DeleteRealtimeData(ctx context.Context, chainID uint64, fromBlockNumber uint64) error {
	return nil
}
func (s *fakeStore) MergeLogFilterCachedRanges(ctx context.Context, filterKey string, start uint64) (store.MergeResult, error) {
	return store.MergeResult{}, nil
}
func (s *fakeStore) GetLogFilterCachedRanges(ctx context.Context, filterKey string) ([]store.CachedRange, error) {
	return nil, nil
}
func (s *fakeStore) InsertContractReadResult(ctx context.Context, chainID uint64, addr [20]byte, blockNum uint64, calldata, result []byte) error {
	return nil
}
func (s *fakeStore) GetContractReadResult(ctx context.Context, chainID uint64, addr [20]byte, blockNum uint64, calldata []byte) ([]byte, bool, error) {
	return nil, false, nil
}
func (s *fakeStore) GetLogEvents(ctx context.Context, params store.GetLogEventsParams) (store.EventPage, error) {
	return s.events, nil
}
func (s *fakeStore) GetCheckpoint(ctx context.Context, network string) (store.Checkpoint, error) {
	return store.Checkpoint{}, nil
}
func (s *fakeStore) SaveCheckpoint(ctx context.Context, cp store.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkpoints == nil {
		s.checkpoints = make(map[string]store.Checkpoint)
	}
	s.checkpoints[cp.Network] = cp
	return nil
}
func (s *fakeStore) GetDerivedEntity(ctx context.Context, entityName, id string) (store.DerivedEntityRow, bool, error) {
	return store.DerivedEntityRow{}, false, nil
}
func (s *fakeStore) PutDerivedEntity(ctx context.Context, row store.DerivedEntityRow) error {
	return nil
}
func (s *fakeStore) RollbackDerivedStore(ctx context.Context, toTimestamp uint64) error { return nil }
func (s *fakeStore) ResetDerivedStore(ctx context.Context) error                       { return nil }
func (s *fakeStore) BeginDerived(ctx context.Context) (store.DerivedTx, error)          { return nil, nil }

func TestAggregator_ChecksGlobalMinAcrossNetworks(t *testing.T) {
	st := &fakeStore{}
	agg := New(map[string]uint64{"mainnet": 1, "polygon": 137}, nil, st, nil)

	var advanced []uint64
	agg.OnNewCheckpoint(func(t uint64) { advanced = append(advanced, t) })

	agg.HandleNewHistoricalCheckpoint("mainnet", 1, 100)
	assert.Equal(t, uint64(0), agg.Checkpoint(), "polygon still at 0, global min stays 0")

	agg.HandleNewHistoricalCheckpoint("polygon", 137, 50)
	assert.Equal(t, uint64(50), agg.Checkpoint())

	agg.HandleNewHistoricalCheckpoint("polygon", 137, 200)
	assert.Equal(t, uint64(100), agg.Checkpoint())
	assert.Equal(t, []uint64{50, 100}, advanced)
}

func TestAggregator_HistoricalSyncCompleteSwitchesToMax(t *testing.T) {
	st := &fakeStore{}
	agg := New(map[string]uint64{"mainnet": 1}, nil, st, nil)

	agg.HandleNewHistoricalCheckpoint("mainnet", 1, 100)
	agg.HandleNewRealtimeCheckpoint("mainnet", 1, 50)
	assert.Equal(t, uint64(100), agg.Checkpoint(), "not yet complete, uses historical only")

	agg.HandleHistoricalSyncComplete("mainnet", 1)
	agg.HandleNewRealtimeCheckpoint("mainnet", 1, 150)
	assert.Equal(t, uint64(150), agg.Checkpoint(), "complete, uses max(historical, realtime)")
}

func TestAggregator_ReorgClampsCheckpoint(t *testing.T) {
	st := &fakeStore{}
	agg := New(map[string]uint64{"mainnet": 1}, nil, st, nil)
	agg.HandleNewHistoricalCheckpoint("mainnet", 1, 100)
	require.Equal(t, uint64(100), agg.Checkpoint())

	var reorgedAt []uint64
	agg.OnReorg(func(t uint64) { reorgedAt = append(reorgedAt, t) })

	agg.HandleReorg("mainnet", 1, 40)
	assert.Equal(t, uint64(40), agg.Checkpoint())
	assert.Equal(t, []uint64{40}, reorgedAt)
}

func TestAggregator_GetEvents_StampsFilterName(t *testing.T) {
	addr := common.HexToAddress("0x2222222222222222222222222222222222222222")
	filter := store.LogFilter{Name: "transfers", ChainID: 1, Addresses: []common.Address{addr}}
	st := &fakeStore{events: store.EventPage{
		Logs: []store.EventEntry{{Log: store.Log{ChainID: 1, Address: addr}}},
	}}
	agg := New(map[string]uint64{"mainnet": 1}, []store.LogFilter{filter}, st, nil)

	page, err := agg.GetEvents(context.Background(), 0, 1000, 100, nil, nil)
	require.NoError(t, err)
	require.Len(t, page.Logs, 1)
	assert.Equal(t, "transfers", page.Logs[0].FilterName)
}

func TestAggregator_GetEvents_CountsKeyedByStampedFilterName(t *testing.T) {
	addr := common.HexToAddress("0x2222222222222222222222222222222222222222")
	transferTopic := common.HexToHash("0xaaaa")
	approvalTopic := common.HexToHash("0xbbbb")
	filter := store.LogFilter{Name: "transfers", ChainID: 1, Addresses: []common.Address{addr}}

	st := &fakeStore{events: store.EventPage{
		Logs: []store.EventEntry{
			{Log: store.Log{ChainID: 1, Address: addr, Topic0: &transferTopic}},
			{Log: store.Log{ChainID: 1, Address: addr, Topic0: &transferTopic}},
			{Log: store.Log{ChainID: 1, Address: addr, Topic0: &approvalTopic}},
		},
	}}
	agg := New(map[string]uint64{"mainnet": 1}, []store.LogFilter{filter}, st, nil)

	// Store returns entries with no FilterName set; GetEvents must stamp it
	// before counting, not key counts on the empty string.
	page, err := agg.GetEvents(context.Background(), 0, 1000, 100, nil, nil)
	require.NoError(t, err)
	require.Len(t, page.Metadata.Counts, 2)
	for _, c := range page.Metadata.Counts {
		assert.Equal(t, "transfers", c.FilterName, "counts must be keyed on the stamped filter name, not \"\"")
	}

	// With IncludeEventSelectors restricting to only the transfer topic, the
	// approval count must be dropped, and the transfer count must survive
	// because it's keyed on the real filter name rather than "".
	restricted, err := agg.GetEvents(context.Background(), 0, 1000, 100, nil, map[string][]string{
		"transfers": {transferTopic.Hex()},
	})
	require.NoError(t, err)
	require.Len(t, restricted.Metadata.Counts, 1)
	assert.Equal(t, "transfers", restricted.Metadata.Counts[0].FilterName)
	assert.Equal(t, transferTopic, restricted.Metadata.Counts[0].Topic0)
	assert.Equal(t, 2, restricted.Metadata.Counts[0].Count)
}
