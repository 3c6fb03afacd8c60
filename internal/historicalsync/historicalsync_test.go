package historicalsync

import (
	"context"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evmindex/indexcore/internal/config"
	"github.com/evmindex/indexcore/internal/store"
)

type fakeClient struct {
	logs map[string][]types.Log // keyed by "from-to"
}

func (f *fakeClient) Close() {}

func (f *fakeClient) GetLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	key := q.FromBlock.String() + "-" + q.ToBlock.String()
	return f.logs[key], nil
}

func (f *fakeClient) GetBlockHeader(ctx context.Context, n uint64) (*types.Header, error) { return nil, nil }
func (f *fakeClient) GetLatestBlockHeader(ctx context.Context) (*types.Header, error)     { return nil, nil }
func (f *fakeClient) GetFinalizedBlockHeader(ctx context.Context) (*types.Header, error)  { return nil, nil }
func (f *fakeClient) GetSafeBlockHeader(ctx context.Context) (*types.Header, error)       { return nil, nil }

func (f *fakeClient) BatchGetLogs(ctx context.Context, qs []ethereum.FilterQuery) ([][]types.Log, error) {
	return nil, nil
}

func (f *fakeClient) BatchGetBlockHeaders(ctx context.Context, ns []uint64) ([]*types.Header, error) {
	return nil, nil
}

func (f *fakeClient) GetBlockByHash(ctx context.Context, chainID uint64, hash common.Hash) (store.Block, []store.Transaction, error) {
	return store.Block{ChainID: chainID, Hash: hash, Number: 1, Timestamp: 1000}, nil, nil
}

func (f *fakeClient) GetBlockByNumber(ctx context.Context, chainID uint64, n uint64) (store.Block, []store.Transaction, error) {
	return store.Block{}, nil, nil
}

type fakeStore struct {
	mu           sync.Mutex
	insertedLogs []store.Log
	insertedBlks []store.Block
	merged       int
}

func (s *fakeStore) Migrate(ctx context.Context) error { return nil }
func (s *fakeStore) Close() error                      { return nil }

func (s *fakeStore) InsertHistoricalLogs(ctx context.Context, chainID uint64, logs []store.Log) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertedLogs = append(s.insertedLogs, logs...)
	return nil
}

func (s *fakeStore) InsertHistoricalBlock(ctx context.Context, chainID uint64, block store.Block, txs []store.Transaction, opts store.InsertHistoricalBlockOpts) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertedBlks = append(s.insertedBlks, block)
	return nil
}

func (s *fakeStore) InsertRealtimeBlock(ctx context.Context, chainID uint64, block store.Block, txs []store.Transaction, logs []store.Log) error {
	return nil
}
func (s *fakeStore) DeleteRealtimeData(ctx context.Context, chainID uint64, fromBlockNumber uint64) error {
	return nil
}

func (s *fakeStore) MergeLogFilterCachedRanges(ctx context.Context, filterKey string, start uint64) (store.MergeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.merged++
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
	return store.EventPage{}, nil
}
func (s *fakeStore) GetCheckpoint(ctx context.Context, network string) (store.Checkpoint, error) {
	return store.Checkpoint{}, nil
}
func (s *fakeStore) SaveCheckpoint(ctx context.Context, cp store.Checkpoint) error { return nil }
func (s *fakeStore) GetDerivedEntity(ctx context.Context, entityName, id string) (store.DerivedEntityRow, bool, error) {
	return store.DerivedEntityRow{}, false, nil
}
func (s *fakeStore) PutDerivedEntity(ctx context.Context, row store.DerivedEntityRow) error {
	return nil
}
func (s *fakeStore) RollbackDerivedStore(ctx context.Context, toTimestamp uint64) error { return nil }
func (s *fakeStore) ResetDerivedStore(ctx context.Context) error                       { return nil }
func (s *fakeStore) BeginDerived(ctx context.Context) (store.DerivedTx, error)          { return nil, nil }

type fakeSink struct {
	mu               sync.Mutex
	checkpoints      []uint64
	completed        bool
}

func (f *fakeSink) HandleNewHistoricalCheckpoint(network string, chainID uint64, timestamp uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoints = append(f.checkpoints, timestamp)
}

func (f *fakeSink) HandleHistoricalSyncComplete(network string, chainID uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = true
}

func TestSyncer_Run_FetchesAndCommitsRange(t *testing.T) {
	addr := common.HexToAddress("0x1111111111111111111111111111111111111111")
	blockHash := common.HexToHash("0xaaaa")
	client := &fakeClient{
		logs: map[string][]types.Log{
			"0-9": {{Address: addr, BlockHash: blockHash, BlockNumber: 5, Index: 0}},
		},
	}
	st := &fakeStore{}
	sink := &fakeSink{}

	filter := store.LogFilter{
		Name:          "transfers",
		ChainID:       1,
		Addresses:     []common.Address{addr},
		StartBlock:    0,
		EndBlock:      uint64Ptr(9),
		MaxBlockRange: 100,
	}
	syncer := New(config.NetworkConfig{Name: "mainnet", ChainID: 1, MaxRPCRequestConcurrency: 2}, []store.LogFilter{filter}, client, st, sink, nil)

	err := syncer.Run(context.Background(), 9)
	require.NoError(t, err)

	assert.Len(t, st.insertedLogs, 1)
	assert.Len(t, st.insertedBlks, 1)
	assert.True(t, sink.completed)
}

func uint64Ptr(v uint64) *uint64 { return &v }
