// Package historicalsync implements SPEC_FULL.md §4.2: per-network backfill
// of the event store over each log filter's configured block range, using
// the store's cached-range index to skip already-ingested work. It replaces
// the teacher's internal/downloader + internal/fetcher pair with an explicit
// bounded task queue (golang.org/x/sync/errgroup) generalized from a single
// backfill-then-live loop to multi-filter, multi-range concurrent fetching.
package historicalsync

import (
	"context"
	"fmt"
	"math/big"
	"sync/atomic"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

	"github.com/evmindex/indexcore/internal/config"
	"github.com/evmindex/indexcore/internal/logger"
	"github.com/evmindex/indexcore/internal/metrics"
	"github.com/evmindex/indexcore/internal/rpcclient"
	"github.com/evmindex/indexcore/internal/store"
)

// EventSink receives the checkpoint/completion signals Historical Sync
// produces, consumed by the Event Aggregator (§4.4).
type EventSink interface {
	HandleNewHistoricalCheckpoint(network string, chainID uint64, timestamp uint64)
	HandleHistoricalSyncComplete(network string, chainID uint64)
}

// Syncer backfills every log filter configured for one network.
type Syncer struct {
	network config.NetworkConfig
	filters []store.LogFilter
	client  rpcclient.EthClient
	store   store.Store
	sink    EventSink
	log     *logger.Logger
}

func New(network config.NetworkConfig, filters []store.LogFilter, client rpcclient.EthClient, st store.Store, sink EventSink, log *logger.Logger) *Syncer {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Syncer{
		network: network,
		filters: filters,
		client:  client,
		store:   st,
		sink:    sink,
		log:     log.WithComponent("historical-sync").With("network", network.Name),
	}
}

// Run backfills every filter up to min(filter.EndBlock, latestFinalized),
// then emits syncComplete once every filter's task queue is empty, per
// SPEC_FULL.md §4.2. latestFinalized comes from Realtime Sync's setup().
func (s *Syncer) Run(ctx context.Context, latestFinalized uint64) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, f := range s.filters {
		f := f
		g.Go(func() error { return s.syncFilter(gctx, f, latestFinalized) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	s.log.Infow("historical sync complete", "chain_id", s.network.ChainID)
	s.sink.HandleHistoricalSyncComplete(s.network.Name, s.network.ChainID)
	return nil
}

func (s *Syncer) syncFilter(ctx context.Context, filter store.LogFilter, latestFinalized uint64) error {
	key := filter.Key()

	merge, err := s.store.MergeLogFilterCachedRanges(ctx, key, filter.StartBlock)
	if err != nil {
		return fmt.Errorf("merge cached ranges for filter %s: %w", filter.Name, err)
	}
	if merge.StartingRangeEndTimestamp > 0 {
		s.emitCheckpoint(merge.StartingRangeEndTimestamp)
	}

	endBlock := latestFinalized
	if filter.EndBlock != nil && *filter.EndBlock < endBlock {
		endBlock = *filter.EndBlock
	}
	if filter.StartBlock > endBlock {
		s.log.Debugw("filter has no work", "filter", filter.Name)
		return nil
	}

	cached, err := s.store.GetLogFilterCachedRanges(ctx, key)
	if err != nil {
		return fmt.Errorf("get cached ranges for filter %s: %w", filter.Name, err)
	}
	uncached := subtractCached(filter.StartBlock, endBlock, cached)

	effectiveMaxRange := &atomic.Uint64{}
	effectiveMaxRange.Store(filter.MaxBlockRange)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrencyLimit(s.network.MaxRPCRequestConcurrency))
	for _, r := range uncached {
		for _, sub := range partition(r, filter.MaxBlockRange) {
			sub := sub
			g.Go(func() error { return s.runLogTask(gctx, filter, key, sub, effectiveMaxRange) })
		}
	}
	return g.Wait()
}

func concurrencyLimit(n int) int {
	if n <= 0 {
		return 10
	}
	return n
}

// runLogTask implements one LogTask. On a too-many-results error it hands
// the range to splitAndRetry, which lowers the filter's effectiveMaxRange
// (to a provider-suggested size, or half the failing range rounded up) and
// re-runs the range partitioned at that size, per SPEC_FULL.md §4.2 step 2.
func (s *Syncer) runLogTask(ctx context.Context, filter store.LogFilter, key string, r blockRange, effectiveMaxRange *atomic.Uint64) error {
	query := filterQuery(filter, r.From, r.To)
	logs, err := s.client.GetLogs(ctx, query)
	if err != nil {
		if tooMany, errData := rpcclient.IsTooManyResultsError(err); tooMany {
			return s.splitAndRetry(ctx, filter, key, r, errData, effectiveMaxRange)
		}
		return fmt.Errorf("fetch logs [%d,%d] for filter %s: %w", r.From, r.To, filter.Name, err)
	}

	storeLogs := make([]store.Log, len(logs))
	blockHashes := make(map[common.Hash]struct{})
	for i, l := range logs {
		storeLogs[i] = toStoreLog(filter.ChainID, l)
		blockHashes[l.BlockHash] = struct{}{}
	}
	if err := s.store.InsertHistoricalLogs(ctx, filter.ChainID, storeLogs); err != nil {
		return fmt.Errorf("insert historical logs [%d,%d]: %w", r.From, r.To, err)
	}

	bg, bctx := errgroup.WithContext(ctx)
	bg.SetLimit(concurrencyLimit(s.network.MaxRPCRequestConcurrency))
	for hash := range blockHashes {
		hash := hash
		bg.Go(func() error { return s.runBlockTask(bctx, filter, key, hash, r.From) })
	}
	if err := bg.Wait(); err != nil {
		return err
	}

	return s.runRangeCommitTask(ctx, filter, r)
}

func (s *Syncer) splitAndRetry(ctx context.Context, filter store.LogFilter, key string, r blockRange, errData string, effectiveMaxRange *atomic.Uint64) error {
	suggestedFrom, suggestedTo, ok := rpcclient.ParseSuggestedBlockRange(errData)
	var newRangeSize uint64
	if ok && suggestedTo >= suggestedFrom && suggestedTo-suggestedFrom+1 < r.To-r.From+1 {
		newRangeSize = suggestedTo - suggestedFrom + 1
	} else {
		newRangeSize = (r.To - r.From + 2) / 2
	}
	if newRangeSize == 0 {
		newRangeSize = 1
	}

	for {
		cur := effectiveMaxRange.Load()
		if newRangeSize >= cur || effectiveMaxRange.CompareAndSwap(cur, newRangeSize) {
			break
		}
	}
	// Every subsequent task for this filter, not just this retry, is
	// partitioned at the learned effectiveMaxRange so a provider limit
	// discovered mid-backfill doesn't get rediscovered range by range.
	subs := partition(r, effectiveMaxRange.Load())
	s.log.Warnw("range too large, splitting", "filter", filter.Name, "from", r.From, "to", r.To, "new_max_range", effectiveMaxRange.Load(), "subranges", len(subs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrencyLimit(s.network.MaxRPCRequestConcurrency))
	for _, sub := range subs {
		sub := sub
		g.Go(func() error { return s.runLogTask(gctx, filter, key, sub, effectiveMaxRange) })
	}
	return g.Wait()
}

func (s *Syncer) runBlockTask(ctx context.Context, filter store.LogFilter, key string, hash common.Hash, blockNumberToCacheFrom uint64) error {
	block, txs, err := s.client.GetBlockByHash(ctx, filter.ChainID, hash)
	if err != nil {
		return fmt.Errorf("fetch block %s for filter %s: %w", hash.Hex(), filter.Name, err)
	}
	return s.store.InsertHistoricalBlock(ctx, filter.ChainID, block, txs, store.InsertHistoricalBlockOpts{
		FilterKey:              key,
		BlockNumberToCacheFrom: blockNumberToCacheFrom,
	})
}

func (s *Syncer) runRangeCommitTask(ctx context.Context, filter store.LogFilter, r blockRange) error {
	merge, err := s.store.MergeLogFilterCachedRanges(ctx, filter.Key(), filter.StartBlock)
	if err != nil {
		return fmt.Errorf("commit range [%d,%d] for filter %s: %w", r.From, r.To, filter.Name, err)
	}
	if merge.StartingRangeEndTimestamp > 0 {
		s.emitCheckpoint(merge.StartingRangeEndTimestamp)
	}
	return nil
}

func (s *Syncer) emitCheckpoint(timestamp uint64) {
	metrics.HistoricalCheckpoint.WithLabelValues(s.network.Name).Set(float64(timestamp))
	s.sink.HandleNewHistoricalCheckpoint(s.network.Name, s.network.ChainID, timestamp)
}

func filterQuery(filter store.LogFilter, from, to uint64) ethereum.FilterQuery {
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: filter.Addresses,
	}
	for _, slot := range filter.Topics {
		q.Topics = append(q.Topics, slot.Hashes)
	}
	return q
}

func toStoreLog(chainID uint64, l types.Log) store.Log {
	sl := store.Log{
		ChainID:          chainID,
		Address:          l.Address,
		BlockHash:        l.BlockHash,
		BlockNumber:      l.BlockNumber,
		TransactionHash:  l.TxHash,
		TransactionIndex: l.TxIndex,
		LogIndex:         l.Index,
		Data:             l.Data,
	}
	if len(l.Topics) > 0 {
		sl.Topic0 = &l.Topics[0]
	}
	if len(l.Topics) > 1 {
		sl.Topic1 = &l.Topics[1]
	}
	if len(l.Topics) > 2 {
		sl.Topic2 = &l.Topics[2]
	}
	if len(l.Topics) > 3 {
		sl.Topic3 = &l.Topics[3]
	}
	return sl
}
