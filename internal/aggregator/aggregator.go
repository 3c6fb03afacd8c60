// Package aggregator implements the Event Aggregator from SPEC_FULL.md §4.4:
// it tracks per-network checkpoints fed by Historical Sync and Realtime
// Sync, recomputes a globally monotone checkpoint, and serves the Handler
// Pipeline's ordered event stream. No teacher package covers this — the
// teacher's IndexerCoordinator (pkg/indexer) fans logs out to indexers
// directly as they're fetched, with no cross-network watermark. This is
// grounded on the teacher's mutex-guarded coordinator idiom
// (internal/indexer/coordinator.go) generalized from "one shared address
// space" to "one monotone checkpoint across N independently-progressing
// networks", plus other_examples/duneanalytics-node-indexer__progress.go's
// per-chain progress record shape for the internal per-network state.
package aggregator

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/evmindex/indexcore/internal/logger"
	"github.com/evmindex/indexcore/internal/metrics"
	"github.com/evmindex/indexcore/internal/store"
)

type networkState struct {
	chainID                  uint64
	historical               uint64
	realtime                 uint64
	finality                 uint64
	isHistoricalSyncComplete bool
}

func (n networkState) perNetworkCheckpoint() uint64 {
	if n.isHistoricalSyncComplete {
		if n.realtime > n.historical {
			return n.realtime
		}
		return n.historical
	}
	return n.historical
}

// Aggregator is the direct (in-process) variant of the Event Aggregator,
// fed by historicalsync.Syncer and realtimesync.Syncer via the EventSink
// interfaces those packages define.
type Aggregator struct {
	mu       sync.Mutex
	networks map[string]*networkState

	checkpoint         uint64
	finalityCheckpoint uint64

	store   store.Store
	filters []store.LogFilter
	log     *logger.Logger

	onNewCheckpoint []func(uint64)
	onReorg         []func(commonAncestorTimestamp uint64)
}

func New(networkNames map[string]uint64, filters []store.LogFilter, st store.Store, log *logger.Logger) *Aggregator {
	if log == nil {
		log = logger.NewNopLogger()
	}
	networks := make(map[string]*networkState, len(networkNames))
	for name, chainID := range networkNames {
		networks[name] = &networkState{chainID: chainID}
	}
	return &Aggregator{
		networks: networks,
		store:    st,
		filters:  filters,
		log:      log.WithComponent("aggregator"),
	}
}

// OnNewCheckpoint registers a callback invoked whenever the global
// checkpoint advances, e.g. the Handler Pipeline waking up to process a new
// page.
func (a *Aggregator) OnNewCheckpoint(fn func(uint64)) { a.onNewCheckpoint = append(a.onNewCheckpoint, fn) }

// OnReorg registers a callback invoked when a network reports a reorg.
func (a *Aggregator) OnReorg(fn func(uint64)) { a.onReorg = append(a.onReorg, fn) }

func (a *Aggregator) Checkpoint() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.checkpoint
}

func (a *Aggregator) FinalityCheckpoint() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.finalityCheckpoint
}

func (a *Aggregator) HandleNewHistoricalCheckpoint(network string, chainID uint64, timestamp uint64) {
	a.update(network, chainID, func(n *networkState) { n.historical = timestamp })
}

func (a *Aggregator) HandleHistoricalSyncComplete(network string, chainID uint64) {
	a.update(network, chainID, func(n *networkState) { n.isHistoricalSyncComplete = true })
}

func (a *Aggregator) HandleNewRealtimeCheckpoint(network string, chainID uint64, timestamp uint64) {
	a.update(network, chainID, func(n *networkState) { n.realtime = timestamp })
}

func (a *Aggregator) HandleNewFinalityCheckpoint(network string, chainID uint64, timestamp uint64) {
	a.mu.Lock()
	n, ok := a.networks[network]
	if !ok {
		n = &networkState{chainID: chainID}
		a.networks[network] = n
	}
	n.finality = timestamp

	min := ^uint64(0)
	for _, ns := range a.networks {
		if ns.finality < min {
			min = ns.finality
		}
	}
	if min > a.finalityCheckpoint {
		a.finalityCheckpoint = min
	}
	a.mu.Unlock()
}

func (a *Aggregator) HandleReorg(network string, chainID uint64, commonAncestorTimestamp uint64) {
	a.mu.Lock()
	if n, ok := a.networks[network]; ok {
		if n.historical > commonAncestorTimestamp {
			n.historical = commonAncestorTimestamp
		}
		if n.realtime > commonAncestorTimestamp {
			n.realtime = commonAncestorTimestamp
		}
	}
	if a.checkpoint > commonAncestorTimestamp {
		a.checkpoint = commonAncestorTimestamp
	}
	a.mu.Unlock()

	for _, fn := range a.onReorg {
		fn(commonAncestorTimestamp)
	}
}

func (a *Aggregator) update(network string, chainID uint64, apply func(*networkState)) {
	a.mu.Lock()
	n, ok := a.networks[network]
	if !ok {
		n = &networkState{chainID: chainID}
		a.networks[network] = n
	}
	apply(n)
	snapshot := *n

	min := ^uint64(0)
	for _, ns := range a.networks {
		v := ns.perNetworkCheckpoint()
		if v < min {
			min = v
		}
	}
	advanced := min > a.checkpoint
	if advanced {
		a.checkpoint = min
	}
	a.mu.Unlock()

	if err := a.store.SaveCheckpoint(context.Background(), store.Checkpoint{
		Network:                  network,
		ChainID:                  chainID,
		HistoricalCheckpoint:     snapshot.historical,
		RealtimeCheckpoint:       snapshot.realtime,
		FinalityCheckpoint:       snapshot.finality,
		IsHistoricalSyncComplete: snapshot.isHistoricalSyncComplete,
	}); err != nil {
		a.log.Errorw("save checkpoint failed", "network", network, "error", err)
	}

	if advanced {
		metrics.AggregatorCheckpoint.Set(float64(min))
		for _, fn := range a.onNewCheckpoint {
			fn(min)
		}
	}
}

// GetEvents returns one page of the ordered event stream restricted to this
// aggregator's configured filters, per §4.4's getEvents contract. Unlike
// store.Store.GetLogEvents directly, it stamps EventEntry.FilterName on
// every returned entry so per-(filterName, topic0) handler dispatch works,
// and only then computes Metadata.Counts — GetLogEvents itself has no
// notion of filter identity beyond matching, since a log may satisfy more
// than one filter and only the aggregator (which owns the filter list this
// query was built from) can decide dispatch precedence and label counts.
func (a *Aggregator) GetEvents(ctx context.Context, fromTimestamp, toTimestamp uint64, pageSize int, cursor *store.Cursor, includeEventSelectors map[string][]string) (store.EventPage, error) {
	page, err := a.store.GetLogEvents(ctx, store.GetLogEventsParams{
		FromTimestamp: fromTimestamp,
		ToTimestamp:   toTimestamp,
		Filters:       a.filters,
		PageSize:      pageSize,
		Cursor:        cursor,
	})
	if err != nil {
		return store.EventPage{}, fmt.Errorf("get log events: %w", err)
	}

	for i := range page.Logs {
		page.Logs[i].FilterName = a.filterNameFor(page.Logs[i].Log)
	}
	page.Metadata.Counts = countsByFilterAndTopic(page.Logs, includeEventSelectors)
	return page, nil
}

func (a *Aggregator) filterNameFor(l store.Log) string {
	for _, f := range a.filters {
		if f.ChainID != l.ChainID || !f.MatchesAddress(l.Address) {
			continue
		}
		if f.MatchesTopics([4]*common.Hash{l.Topic0, l.Topic1, l.Topic2, l.Topic3}) {
			return f.Name
		}
	}
	return ""
}

// countsByFilterAndTopic tallies entries per (FilterName, Topic0), matching
// §4.1's counts contract. entries must already have FilterName stamped —
// see GetEvents above. When include is non-nil, a filter/topic pair is kept
// only if it's named in include[filterName].
func countsByFilterAndTopic(entries []store.EventEntry, include map[string][]string) []store.EventCount {
	type key struct {
		filter string
		topic  common.Hash
	}
	counts := map[key]int{}
	for _, e := range entries {
		if e.Log.Topic0 == nil {
			continue
		}
		k := key{filter: e.FilterName, topic: *e.Log.Topic0}
		counts[k]++
	}
	out := make([]store.EventCount, 0, len(counts))
	for k, c := range counts {
		if include != nil {
			allowed, ok := include[k.filter]
			if !ok {
				continue
			}
			found := false
			for _, sel := range allowed {
				if sel == k.topic.Hex() {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		out = append(out, store.EventCount{FilterName: k.filter, Topic0: k.topic, Count: c})
	}
	return out
}
