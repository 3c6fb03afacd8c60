package pipeline

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evmindex/indexcore/internal/config"
	"github.com/evmindex/indexcore/internal/store"
	"github.com/evmindex/indexcore/pkg/handler"
)

const erc20ABI = `[{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}]`

type fakeAggregator struct {
	mu         sync.Mutex
	checkpoint uint64
	page       store.EventPage
	// pages, when non-empty, serves one entry per successive GetEvents call
	// instead of always returning page - used to script a truncated page
	// followed by its continuation.
	pages     []store.EventPage
	calls     int
	gotFrom   []uint64
	gotCursor []*store.Cursor
	onCheck   []func(uint64)
	onReorg   []func(uint64)
}

func (a *fakeAggregator) Checkpoint() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.checkpoint
}
func (a *fakeAggregator) GetEvents(ctx context.Context, from, to uint64, pageSize int, cursor *store.Cursor, sel map[string][]string) (store.EventPage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gotFrom = append(a.gotFrom, from)
	a.gotCursor = append(a.gotCursor, cursor)
	if len(a.pages) > 0 {
		if a.calls >= len(a.pages) {
			return store.EventPage{}, nil
		}
		p := a.pages[a.calls]
		a.calls++
		return p, nil
	}
	if cursor != nil {
		return store.EventPage{}, nil
	}
	return a.page, nil
}
func (a *fakeAggregator) OnNewCheckpoint(fn func(uint64)) { a.onCheck = append(a.onCheck, fn) }
func (a *fakeAggregator) OnReorg(fn func(uint64))         { a.onReorg = append(a.onReorg, fn) }
func (a *fakeAggregator) advance(t uint64) {
	a.mu.Lock()
	a.checkpoint = t
	a.mu.Unlock()
	for _, fn := range a.onCheck {
		fn(t)
	}
}

type fakeDerivedTx struct {
	mu   *sync.Mutex
	rows map[string]store.DerivedEntityRow
}

func (t *fakeDerivedTx) Get(ctx context.Context, entityName, id string) (store.DerivedEntityRow, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	row, ok := t.rows[entityName+"/"+id]
	return row, ok, nil
}
func (t *fakeDerivedTx) Put(ctx context.Context, row store.DerivedEntityRow) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows[row.EntityName+"/"+row.ID] = row
	return nil
}
func (t *fakeDerivedTx) Commit(ctx context.Context) error   { return nil }
func (t *fakeDerivedTx) Rollback(ctx context.Context) error { return nil }

type fakeDerivedStore struct {
	mu           sync.Mutex
	rows         map[string]store.DerivedEntityRow
	resetCalls   int
	rollbackToTs []uint64
}

func (s *fakeDerivedStore) Migrate(ctx context.Context) error { return nil }
func (s *fakeDerivedStore) Close() error                      { return nil }
func (s *fakeDerivedStore) InsertHistoricalLogs(ctx context.Context, chainID uint64, logs []store.Log) error {
	return nil
}
func (s *fakeDerivedStore) InsertHistoricalBlock(ctx context.Context, chainID uint64, block store.Block, txs []store.Transaction, opts store.InsertHistoricalBlockOpts) error {
	return nil
}
func (s *fakeDerivedStore) InsertRealtimeBlock(ctx context.Context, chainID uint64, block store.Block, txs []store.Transaction, logs []store.Log) error {
	return nil
}
func (s *fakeDerivedStore) DeleteRealtimeData(ctx context.Context, chainID uint64, fromBlockNumber uint64) error {
	return nil
}
func (s *fakeDerivedStore) MergeLogFilterCachedRanges(ctx context.Context, filterKey string, start uint64) (store.MergeResult, error) {
	return store.MergeResult{}, nil
}
func (s *fakeDerivedStore) GetLogFilterCachedRanges(ctx context.Context, filterKey string) ([]store.CachedRange, error) {
	return nil, nil
}
func (s *fakeDerivedStore) InsertContractReadResult(ctx context.Context, chainID uint64, addr [20]byte, blockNum uint64, calldata, result []byte) error {
	return nil
}
func (s *fakeDerivedStore) GetContractReadResult(ctx context.Context, chainID uint64, addr [20]byte, blockNum uint64, calldata []byte) ([]byte, bool, error) {
	return nil, false, nil
}
func (s *fakeDerivedStore) GetLogEvents(ctx context.Context, params store.GetLogEventsParams) (store.EventPage, error) {
	return store.EventPage{}, nil
}
func (s *fakeDerivedStore) GetCheckpoint(ctx context.Context, network string) (store.Checkpoint, error) {
	return store.Checkpoint{}, nil
}
func (s *fakeDerivedStore) SaveCheckpoint(ctx context.Context, cp store.Checkpoint) error { return nil }
func (s *fakeDerivedStore) GetDerivedEntity(ctx context.Context, entityName, id string) (store.DerivedEntityRow, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[entityName+"/"+id]
	return row, ok, nil
}
func (s *fakeDerivedStore) PutDerivedEntity(ctx context.Context, row store.DerivedEntityRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[row.EntityName+"/"+row.ID] = row
	return nil
}
func (s *fakeDerivedStore) RollbackDerivedStore(ctx context.Context, toTimestamp uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollbackToTs = append(s.rollbackToTs, toTimestamp)
	return nil
}
func (s *fakeDerivedStore) ResetDerivedStore(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetCalls++
	s.rows = map[string]store.DerivedEntityRow{}
	return nil
}
func (s *fakeDerivedStore) BeginDerived(ctx context.Context) (store.DerivedTx, error) {
	return &fakeDerivedTx{mu: &s.mu, rows: s.rows}, nil
}

func transferLog(from, to common.Address, value uint64, ts uint64) store.EventEntry {
	topic0 := crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	topicFrom := common.BytesToHash(from.Bytes())
	topicTo := common.BytesToHash(to.Bytes())
	data := make([]byte, 32)
	data[31] = byte(value)
	return store.EventEntry{
		FilterName: "token",
		Log: store.Log{
			ChainID: 1,
			Address: from,
			Topic0:  &topic0,
			Topic1:  &topicFrom,
			Topic2:  &topicTo,
			Data:    data,
		},
		Block: store.Block{Timestamp: ts},
	}
}

func newTestPipeline(t *testing.T, agg CheckpointSource, st *fakeDerivedStore, registry *handler.Registry) *Pipeline {
	t.Helper()
	filters := []config.FilterConfig{{Name: "token", ABI: erc20ABI}}
	p, err := New(filters, registry, agg, st, nil, nil)
	require.NoError(t, err)
	return p
}

func TestPipeline_DrainsPageAndAdvancesWatermark(t *testing.T) {
	from := common.HexToAddress("0x1111111111111111111111111111111111111111")
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")

	var seen []*big.Int
	registry := handler.NewRegistry()
	registry.Register("token", "Transfer", func(ctx context.Context, ev handler.Event, entities handler.Entities, contracts handler.Contracts) error {
		seen = append(seen, ev.Args["value"].(*big.Int))
		return entities.Put(ctx, "transfer", ev.Log.TransactionHash.Hex(), []byte("{}"))
	})

	agg := &fakeAggregator{page: store.EventPage{
		Logs:     []store.EventEntry{transferLog(from, to, 7, 100)},
		Metadata: store.PageMetadata{PageEndsAtTimestamp: 100},
	}}
	st := &fakeDerivedStore{rows: map[string]store.DerivedEntityRow{}}
	p := newTestPipeline(t, agg, st, registry)

	p.Start(context.Background())
	agg.advance(100)

	assert.Equal(t, uint64(100), p.ToTimestamp())
	assert.Equal(t, Idle, p.State())
	assert.Len(t, st.rows, 1)
	require.Len(t, seen, 1)
	assert.Equal(t, big.NewInt(7), seen[0])
}

// TestPipeline_TruncatedPageResumesWithoutSkippingSameTimestampLogs covers a
// page that truncates mid-timestamp: the second call must keep querying
// from the same lower bound (relying on the cursor to skip only what was
// already applied), not jump `from` past the shared timestamp and lose the
// remaining logs.
func TestPipeline_TruncatedPageResumesWithoutSkippingSameTimestampLogs(t *testing.T) {
	fromAddr := common.HexToAddress("0x1111111111111111111111111111111111111111")
	toAddr := common.HexToAddress("0x2222222222222222222222222222222222222222")

	var seen []uint64
	registry := handler.NewRegistry()
	registry.Register("token", "Transfer", func(ctx context.Context, ev handler.Event, entities handler.Entities, contracts handler.Contracts) error {
		seen = append(seen, uint64(ev.Log.LogIndex))
		return entities.Put(ctx, "transfer", ev.Log.TransactionHash.Hex(), []byte("{}"))
	})

	firstLog := transferLog(fromAddr, toAddr, 1, 100)
	firstLog.Log.LogIndex = 0
	secondLog := transferLog(fromAddr, toAddr, 2, 100)
	secondLog.Log.LogIndex = 1

	cursor := &store.Cursor{Timestamp: 100, ChainID: 1, BlockNumber: 5, LogIndex: 0}

	agg := &fakeAggregator{
		checkpoint: 100,
		pages: []store.EventPage{
			{Logs: []store.EventEntry{firstLog}, Metadata: store.PageMetadata{PageEndsAtTimestamp: 100, Cursor: cursor}},
			{Logs: []store.EventEntry{secondLog}, Metadata: store.PageMetadata{PageEndsAtTimestamp: 100}},
		},
	}
	st := &fakeDerivedStore{rows: map[string]store.DerivedEntityRow{}}
	p := newTestPipeline(t, agg, st, registry)

	p.Start(context.Background())

	require.Equal(t, []uint64{1, 1}, agg.gotFrom, "the second call must not advance from past the truncated timestamp")
	require.Len(t, agg.gotCursor, 2)
	assert.Nil(t, agg.gotCursor[0])
	assert.Equal(t, cursor, agg.gotCursor[1])
	assert.Equal(t, []uint64{0, 1}, seen, "both same-timestamp logs are applied, none skipped")
	assert.Equal(t, uint64(100), p.ToTimestamp())
	assert.Equal(t, Idle, p.State())
}

func TestPipeline_HandlerErrorHaltsPipeline(t *testing.T) {
	from := common.HexToAddress("0x1111111111111111111111111111111111111111")
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")

	registry := handler.NewRegistry()
	registry.Register("token", "Transfer", func(ctx context.Context, ev handler.Event, entities handler.Entities, contracts handler.Contracts) error {
		return assertErr("boom")
	})

	agg := &fakeAggregator{page: store.EventPage{
		Logs:     []store.EventEntry{transferLog(from, to, 7, 100)},
		Metadata: store.PageMetadata{PageEndsAtTimestamp: 100},
	}}
	st := &fakeDerivedStore{rows: map[string]store.DerivedEntityRow{}}
	p := newTestPipeline(t, agg, st, registry)

	p.Start(context.Background())
	agg.advance(100)

	assert.Equal(t, Stopped, p.State())
	assert.Equal(t, uint64(0), p.ToTimestamp())
}

func TestPipeline_ReorgRewindsWatermark(t *testing.T) {
	registry := handler.NewRegistry()
	agg := &fakeAggregator{page: store.EventPage{}}
	st := &fakeDerivedStore{rows: map[string]store.DerivedEntityRow{}}
	p := newTestPipeline(t, agg, st, registry)
	p.Start(context.Background())
	agg.advance(200)
	require.Equal(t, uint64(200), p.ToTimestamp())

	for _, fn := range agg.onReorg {
		fn(50)
	}

	assert.Equal(t, []uint64{50}, st.rollbackToTs)
	assert.Equal(t, uint64(200), p.ToTimestamp(), "empty page jumps straight to the checkpoint again after reorg resume")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
