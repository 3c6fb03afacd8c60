package realtimesync

import (
	"context"
	"fmt"
	"math/big"
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
	headByNumber map[uint64]store.Block
	byHash       map[common.Hash]store.Block
	head         uint64
}

func (f *fakeClient) Close()                                                          {}
func (f *fakeClient) GetLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}
func (f *fakeClient) GetBlockHeader(ctx context.Context, n uint64) (*types.Header, error) {
	return nil, nil
}
func (f *fakeClient) GetLatestBlockHeader(ctx context.Context) (*types.Header, error) {
	return &types.Header{Number: new(big.Int).SetUint64(f.head)}, nil
}
func (f *fakeClient) GetFinalizedBlockHeader(ctx context.Context) (*types.Header, error) {
	return nil, nil
}
func (f *fakeClient) GetSafeBlockHeader(ctx context.Context) (*types.Header, error) { return nil, nil }
func (f *fakeClient) BatchGetLogs(ctx context.Context, qs []ethereum.FilterQuery) ([][]types.Log, error) {
	return nil, nil
}
func (f *fakeClient) BatchGetBlockHeaders(ctx context.Context, ns []uint64) ([]*types.Header, error) {
	return nil, nil
}
func (f *fakeClient) GetBlockByHash(ctx context.Context, chainID uint64, hash common.Hash) (store.Block, []store.Transaction, error) {
	if b, ok := f.byHash[hash]; ok {
		return b, nil, nil
	}
	for _, b := range f.headByNumber {
		if b.Hash == hash {
			return b, nil, nil
		}
	}
	return store.Block{}, nil, assertErr("block not found")
}
func (f *fakeClient) GetBlockByNumber(ctx context.Context, chainID uint64, n uint64) (store.Block, []store.Transaction, error) {
	b, ok := f.headByNumber[n]
	if !ok {
		return store.Block{}, nil, assertErr("block not found")
	}
	return b, nil, nil
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

type fakeStore struct {
	mu       sync.Mutex
	inserted []store.Block
	deletedFrom uint64
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
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, block)
	return nil
}
func (s *fakeStore) DeleteRealtimeData(ctx context.Context, chainID uint64, fromBlockNumber uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletedFrom = fromBlockNumber
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
	mu           sync.Mutex
	realtimeTs   []uint64
	finalityTs   []uint64
	reorgs       []uint64
}

func (f *fakeSink) HandleNewRealtimeCheckpoint(network string, chainID uint64, timestamp uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.realtimeTs = append(f.realtimeTs, timestamp)
}
func (f *fakeSink) HandleNewFinalityCheckpoint(network string, chainID uint64, timestamp uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalityTs = append(f.finalityTs, timestamp)
}
func (f *fakeSink) HandleReorg(network string, chainID uint64, commonAncestorTimestamp uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reorgs = append(f.reorgs, commonAncestorTimestamp)
}

func block(n uint64, hash, parent common.Hash) store.Block {
	return store.Block{Number: n, Hash: hash, ParentHash: parent, Timestamp: 1000 + n}
}

func TestSyncer_Tick_AppendsNewBlocks(t *testing.T) {
	h0 := common.HexToHash("0x00")
	h1 := common.HexToHash("0x01")
	h2 := common.HexToHash("0x02")

	client := &fakeClient{
		head: 2,
		headByNumber: map[uint64]store.Block{
			0: block(0, h0, common.Hash{}),
			1: block(1, h1, h0),
			2: block(2, h2, h1),
		},
	}
	st := &fakeStore{}
	sink := &fakeSink{}

	syncer := New(config.NetworkConfig{Name: "mainnet", ChainID: 1}, nil, 10, client, st, sink, nil)
	syncer.unfinalized = []store.Block{client.headByNumber[0]}

	err := syncer.tick(context.Background())
	require.NoError(t, err)

	assert.Len(t, st.inserted, 2)
	assert.Len(t, sink.realtimeTs, 2)
	assert.Equal(t, h2, syncer.tail().Hash)
}

// TestSyncer_HandleReorg_FindsAncestorAndDeletes exercises the same
// invocation shape tick() actually produces: newBlock sits one height above
// the tracked tail, and its parent (the new chain's block at the tail's own
// height) is not in the window, so the ancestor is only reachable by
// following the parent-hash chain with additional RPC fetches.
func TestSyncer_HandleReorg_FindsAncestorAndDeletes(t *testing.T) {
	h0 := common.HexToHash("0x00")
	h1a := common.HexToHash("0x1a")
	h1b := common.HexToHash("0x1b")
	h2b := common.HexToHash("0x2b")

	client := &fakeClient{
		byHash: map[common.Hash]store.Block{
			h1b: block(1, h1b, h0),
		},
	}
	st := &fakeStore{}
	sink := &fakeSink{}

	syncer := New(config.NetworkConfig{Name: "mainnet", ChainID: 1}, nil, 10, client, st, sink, nil)
	syncer.unfinalized = []store.Block{block(0, h0, common.Hash{}), block(1, h1a, h0)}

	newBlock := block(2, h2b, h1b)
	newTail, err := syncer.handleReorg(context.Background(), newBlock)
	require.NoError(t, err)

	assert.Equal(t, h1b, newTail.Hash, "the reorged block 1 fetched by hash becomes the new tail")
	assert.Equal(t, uint64(1), st.deletedFrom)
	require.Len(t, sink.reorgs, 1)
	assert.Equal(t, block(0, h0, common.Hash{}).Timestamp, sink.reorgs[0], "reorg signal carries the common ancestor's timestamp")
	require.Len(t, st.inserted, 1)
	assert.Equal(t, h1b, st.inserted[0].Hash)
	assert.Len(t, syncer.unfinalized, 2)
	assert.Equal(t, h0, syncer.unfinalized[0].Hash)
	assert.Equal(t, h1b, syncer.unfinalized[1].Hash)
}

// TestSyncer_HandleReorg_MultiHopWalksBackToAncestor mirrors the reviewer's
// end-to-end scenario: window [10,11,12], the newly observed block is 13
// with parent 12', and the common ancestor (10) is only reachable by
// fetching 12' then 11' by hash.
func TestSyncer_HandleReorg_MultiHopWalksBackToAncestor(t *testing.T) {
	h10 := common.HexToHash("0x10")
	h11a := common.HexToHash("0x11a")
	h12a := common.HexToHash("0x12a")
	h11b := common.HexToHash("0x11b")
	h12b := common.HexToHash("0x12b")
	h13b := common.HexToHash("0x13b")

	client := &fakeClient{
		byHash: map[common.Hash]store.Block{
			h12b: block(12, h12b, h11b),
			h11b: block(11, h11b, h10),
		},
	}
	st := &fakeStore{}
	sink := &fakeSink{}

	syncer := New(config.NetworkConfig{Name: "mainnet", ChainID: 1}, nil, 10, client, st, sink, nil)
	syncer.unfinalized = []store.Block{
		block(10, h10, common.HexToHash("0x09")),
		block(11, h11a, h10),
		block(12, h12a, h11a),
	}

	newBlock := block(13, h13b, h12b)
	newTail, err := syncer.handleReorg(context.Background(), newBlock)
	require.NoError(t, err)

	assert.Equal(t, h12b, newTail.Hash)
	assert.Equal(t, uint64(11), st.deletedFrom)
	require.Len(t, sink.reorgs, 1)
	require.Len(t, st.inserted, 2)
	assert.Equal(t, h11b, st.inserted[0].Hash)
	assert.Equal(t, h12b, st.inserted[1].Hash)
	require.Len(t, syncer.unfinalized, 3)
	assert.Equal(t, []common.Hash{h10, h11b, h12b}, []common.Hash{syncer.unfinalized[0].Hash, syncer.unfinalized[1].Hash, syncer.unfinalized[2].Hash})
}

// TestSyncer_HandleReorg_DeepReorgIsFatal covers a fork whose parent chain,
// once fetched, resolves at or below the oldest tracked block — meaning the
// true common ancestor lies outside the finality window entirely.
func TestSyncer_HandleReorg_DeepReorgIsFatal(t *testing.T) {
	h5 := common.HexToHash("0x05")
	unknownParent := common.HexToHash("0xff")

	client := &fakeClient{
		byHash: map[common.Hash]store.Block{
			unknownParent: block(4, unknownParent, common.Hash{}),
		},
	}
	syncer := New(config.NetworkConfig{Name: "mainnet", ChainID: 1}, nil, 10, client, &fakeStore{}, &fakeSink{}, nil)
	syncer.unfinalized = []store.Block{block(5, h5, common.HexToHash("0x04"))}

	_, err := syncer.handleReorg(context.Background(), block(6, common.HexToHash("0x06"), unknownParent))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeepReorg)
}

// TestSyncer_HandleReorg_ExceedsFinalityDepthIsFatal covers a parent chain
// that keeps resolving to never-before-seen blocks past the finality bound,
// which must fail closed rather than loop indefinitely issuing RPC calls.
func TestSyncer_HandleReorg_ExceedsFinalityDepthIsFatal(t *testing.T) {
	h0 := common.HexToHash("0x00")

	byHash := map[common.Hash]store.Block{}
	parent := common.HexToHash("0xa0")
	newBlock := block(20, common.HexToHash("0xa1"), parent)
	for n := uint64(19); n >= 15; n-- {
		next := common.HexToHash(fmt.Sprintf("0x%x", n-1))
		byHash[parent] = block(n, parent, next)
		parent = next
	}

	client := &fakeClient{byHash: byHash}
	syncer := New(config.NetworkConfig{Name: "mainnet", ChainID: 1}, nil, 3, client, &fakeStore{}, &fakeSink{}, nil)
	syncer.unfinalized = []store.Block{block(0, h0, common.Hash{})}

	_, err := syncer.handleReorg(context.Background(), newBlock)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeepReorg)
}

// TestSyncer_Tick_HandlesShallowReorgEndToEnd drives the reorg through
// tick() itself (rather than calling handleReorg directly) to confirm the
// whole loop — not just the ancestor search — recovers a shallow reorg.
func TestSyncer_Tick_HandlesShallowReorgEndToEnd(t *testing.T) {
	h10 := common.HexToHash("0x10")
	h11a := common.HexToHash("0x11a")
	h12a := common.HexToHash("0x12a")
	h11b := common.HexToHash("0x11b")
	h12b := common.HexToHash("0x12b")
	h13b := common.HexToHash("0x13b")

	client := &fakeClient{
		head: 13,
		headByNumber: map[uint64]store.Block{
			13: block(13, h13b, h12b),
		},
		byHash: map[common.Hash]store.Block{
			h12b: block(12, h12b, h11b),
			h11b: block(11, h11b, h10),
		},
	}
	st := &fakeStore{}
	sink := &fakeSink{}

	syncer := New(config.NetworkConfig{Name: "mainnet", ChainID: 1}, nil, 10, client, st, sink, nil)
	syncer.unfinalized = []store.Block{
		block(10, h10, common.HexToHash("0x09")),
		block(11, h11a, h10),
		block(12, h12a, h11a),
	}

	err := syncer.tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, h13b, syncer.tail().Hash)
	require.Len(t, sink.reorgs, 1)
	assert.Len(t, st.inserted, 3, "the two re-derived blocks (11b, 12b) plus the originally observed 13b")
}
