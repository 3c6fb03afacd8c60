// Package pipeline implements the Handler Pipeline from SPEC_FULL.md §4.5:
// it drains the Event Aggregator's ordered stream page by page, decodes
// each log against its filter's ABI, dispatches to the user-registered
// handler inside a Derived Store transaction, and advances the
// "processed-through" watermark (toTimestamp) once the page commits. No
// teacher package covers this shape directly — the teacher's
// internal/indexer coordinator fans logs out to indexers concurrently as
// they're fetched, with no watermark or transactional-page concept at all.
// This is grounded on the teacher's registry-lookup-then-dispatch idiom
// (internal/indexer/coordinator.go's address/topic → indexer map) adapted
// to (filterName, eventName) keys and switched to strictly sequential,
// single-logical-threaded application, matching §5's ordering guarantees.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/evmindex/indexcore/internal/config"
	"github.com/evmindex/indexcore/internal/logger"
	"github.com/evmindex/indexcore/internal/metrics"
	"github.com/evmindex/indexcore/internal/store"
	"github.com/evmindex/indexcore/pkg/handler"
)

// State is one of the pipeline's four lifecycle states (§4.5).
type State int

const (
	Idle State = iota
	Processing
	Reorging
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Processing:
		return "processing"
	case Reorging:
		return "reorging"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// CheckpointSource is the narrow slice of the Event Aggregator's contract
// (§4.4's Transport interface) the pipeline needs: both the in-process
// aggregator.Aggregator and the remote aggregator.RemoteAggregator satisfy
// it without pipeline importing internal/aggregator directly.
type CheckpointSource interface {
	Checkpoint() uint64
	GetEvents(ctx context.Context, fromTimestamp, toTimestamp uint64, pageSize int, cursor *store.Cursor, includeEventSelectors map[string][]string) (store.EventPage, error)
	OnNewCheckpoint(fn func(uint64))
	OnReorg(fn func(uint64))
}

// ContractCaller performs a live eth_call, used by the Contracts view on a
// contract-read-result cache miss.
type ContractCaller interface {
	Call(ctx context.Context, chainID uint64, address [20]byte, blockNumber uint64, calldata []byte) ([]byte, error)
}

const defaultPageSize = 500

// Pipeline is the Handler Pipeline engine described in §4.5.
type Pipeline struct {
	aggregator CheckpointSource
	store      store.Store
	caller     ContractCaller
	log        *logger.Logger
	pageSize   int

	// runMu serializes onNewCheckpoint/handleReorg/Reset bodies end to end,
	// implementing §5's "Event Aggregator and Handler Pipeline are
	// single-logical-threaded with respect to mutable state" requirement.
	runMu sync.Mutex

	mu    sync.Mutex
	state State
	// toTimestamp is the externally reported "processed through" watermark
	// (ToTimestamp/Healthy). drainFrom is the lower bound drain() actually
	// queries with next; the two diverge while a page is truncated mid
	// timestamp, since that timestamp isn't fully drained yet even though
	// toTimestamp has advanced to it for reporting purposes.
	toTimestamp               uint64
	drainFrom                 uint64
	pendingCursor             *store.Cursor
	registry                  *handler.Registry
	filterABIs                map[string]filterABI
	historicalSyncCompletedAt uint64
	healthy                   bool
	lastErr                   error
}

// New builds a Pipeline. filters supplies the ABI source for each named
// filter the registry may dispatch against.
func New(filters []config.FilterConfig, registry *handler.Registry, agg CheckpointSource, st store.Store, caller ContractCaller, log *logger.Logger) (*Pipeline, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}
	filterABIs, err := buildFilterABIs(filters)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		aggregator: agg,
		store:      st,
		caller:     caller,
		log:        log.WithComponent("pipeline"),
		pageSize:   defaultPageSize,
		registry:   registry,
		filterABIs: filterABIs,
		drainFrom:  1,
	}, nil
}

func buildFilterABIs(filters []config.FilterConfig) (map[string]filterABI, error) {
	out := make(map[string]filterABI, len(filters))
	for _, f := range filters {
		if f.ABI == "" {
			continue
		}
		fa, err := loadFilterABI(f)
		if err != nil {
			return nil, err
		}
		out[f.Name] = fa
	}
	return out, nil
}

// Start registers the pipeline as a subscriber of the aggregator's
// newCheckpoint/reorg events and processes any backlog already available.
func (p *Pipeline) Start(ctx context.Context) {
	p.aggregator.OnNewCheckpoint(func(uint64) { p.onNewCheckpoint(ctx) })
	p.aggregator.OnReorg(func(t uint64) { p.handleReorg(ctx, t) })
	p.onNewCheckpoint(ctx)
}

// SetHistoricalSyncCompletedAt records the timestamp at which historical
// sync finished, used to compute the healthy flag on drain (§4.5 step 2).
func (p *Pipeline) SetHistoricalSyncCompletedAt(t uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.historicalSyncCompletedAt = t
}

func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) ToTimestamp() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.toTimestamp
}

// Healthy reports whether the pipeline has drained through historical
// sync's completion point, consumed by the HTTP server's healthcheck.
func (p *Pipeline) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Pipeline) onNewCheckpoint(ctx context.Context) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	if p.State() == Stopped {
		return
	}
	p.setState(Processing)

	if err := p.drain(ctx); err != nil {
		p.mu.Lock()
		p.state = Stopped
		p.lastErr = err
		p.mu.Unlock()
		p.log.Errorw("handler pipeline halted", "error", err)
		return
	}
	p.setState(Idle)
}

// drain implements §4.5 step 1: "while toTimestamp < aggregator.checkpoint,
// stream pages and commit at toTimestamp = pageEndsAtTimestamp after each
// page." A page with logs advances the watermark to its
// PageEndsAtTimestamp; an empty final page (no cursor left to follow) jumps
// the watermark straight to the requested upper bound, since there was
// nothing left to apply in that gap.
//
// When a page truncates mid-timestamp (more matching logs share
// PageEndsAtTimestamp than fit in one page), the store's cursor is the only
// thing that knows where within that timestamp to resume: drainFrom must
// NOT advance past it, since the store's `timestamp >= from` bound would
// otherwise exclude the remaining same-timestamp logs the cursor was meant
// to resume from. drainFrom only advances once a page comes back with no
// cursor, meaning everything up to toTimestamp is fully drained.
func (p *Pipeline) drain(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		target := p.aggregator.Checkpoint()
		p.mu.Lock()
		from := p.drainFrom
		cursor := p.pendingCursor
		p.mu.Unlock()
		if from > target {
			return nil
		}

		page, err := p.aggregator.GetEvents(ctx, from, target, p.pageSize, cursor, p.selectors())
		if err != nil {
			return fmt.Errorf("get events: %w", err)
		}

		if err := p.applyPage(ctx, page); err != nil {
			return err
		}

		p.mu.Lock()
		if len(page.Logs) > 0 {
			p.toTimestamp = page.Metadata.PageEndsAtTimestamp
		} else if page.Metadata.Cursor == nil {
			p.toTimestamp = target
		}
		p.pendingCursor = page.Metadata.Cursor
		if page.Metadata.Cursor == nil {
			p.drainFrom = p.toTimestamp + 1
		}
		toTimestamp := p.toTimestamp
		healthy := p.historicalSyncCompletedAt > 0 && toTimestamp >= p.historicalSyncCompletedAt
		p.healthy = healthy
		p.mu.Unlock()

		metrics.HandlerPipelineLag.Set(float64(target) - float64(toTimestamp))
	}
}

// selectors builds includeEventSelectors from the registry's current
// (filterName, eventName) bindings, resolving eventName → topic0 through
// each filter's ABI, per §4.4's getEvents contract.
func (p *Pipeline) selectors() map[string][]string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string][]string)
	for _, entry := range p.registry.Entries() {
		fa, ok := p.filterABIs[entry.FilterName]
		if !ok {
			continue
		}
		ev, ok := fa.abi.Events[entry.EventName]
		if !ok {
			continue
		}
		out[entry.FilterName] = append(out[entry.FilterName], ev.ID.Hex())
	}
	return out
}

func (p *Pipeline) applyPage(ctx context.Context, page store.EventPage) error {
	if len(page.Logs) == 0 {
		return nil
	}

	tx, err := p.store.BeginDerived(ctx)
	if err != nil {
		return fmt.Errorf("begin derived tx: %w", err)
	}
	entities := &entitiesView{ctx: ctx, tx: tx}
	contracts := &contractsView{ctx: ctx, store: p.store, caller: p.caller}

	for _, entry := range page.Logs {
		entities.version = entry.Block.Timestamp
		fa, ok := p.filterABIs[entry.FilterName]
		if !ok || entry.Log.Topic0 == nil {
			continue
		}
		ev, ok := fa.bySelector[*entry.Log.Topic0]
		if !ok {
			p.log.Warnw("undecodable log: unknown event selector", "filter", entry.FilterName, "topic0", entry.Log.Topic0.Hex())
			continue
		}
		args, err := decodeArgs(ev, collectTopics(entry.Log), entry.Log.Data)
		if err != nil {
			p.log.Warnw("undecodable log", "filter", entry.FilterName, "event", ev.Name, "error", err)
			continue
		}
		fn, ok := p.registry.Lookup(entry.FilterName, ev.Name)
		if !ok {
			continue
		}

		event := handler.Event{
			FilterName: entry.FilterName,
			EventName:  ev.Name,
			Args:       args,
			Log:        entry.Log,
			Block:      entry.Block,
			Tx:         entry.Tx,
		}
		if err := fn(ctx, event, entities, contracts); err != nil {
			metrics.HandlerErrors.WithLabelValues(entry.FilterName).Inc()
			_ = tx.Rollback(ctx)
			return fmt.Errorf("handler %s.%s: %w", entry.FilterName, ev.Name, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit derived tx: %w", err)
	}
	return nil
}

func collectTopics(l store.Log) []common.Hash {
	topics := make([]common.Hash, 0, 4)
	for _, t := range []*common.Hash{l.Topic0, l.Topic1, l.Topic2, l.Topic3} {
		if t == nil {
			break
		}
		topics = append(topics, *t)
	}
	return topics
}

// handleReorg implements §4.5's reorg handling: halt in-flight processing,
// revert the derived store past the common ancestor, rewind toTimestamp,
// and resume.
func (p *Pipeline) handleReorg(ctx context.Context, commonAncestorTimestamp uint64) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	p.setState(Reorging)
	if err := p.store.RollbackDerivedStore(ctx, commonAncestorTimestamp); err != nil {
		p.log.Errorw("rollback derived store failed", "error", err)
		p.setState(Stopped)
		return
	}

	p.mu.Lock()
	p.toTimestamp = commonAncestorTimestamp
	p.drainFrom = commonAncestorTimestamp + 1
	p.pendingCursor = nil
	p.state = Idle
	p.mu.Unlock()

	if err := p.drain(ctx); err != nil {
		p.mu.Lock()
		p.state = Stopped
		p.lastErr = err
		p.mu.Unlock()
		p.log.Errorw("handler pipeline halted after reorg", "error", err)
	}
}

// Reset implements §4.5's hot-reload: revert the derived store to empty,
// rebuild the handler registry and filter ABIs, and resume from the
// aggregator's current checkpoint.
func (p *Pipeline) Reset(ctx context.Context, filters []config.FilterConfig, registry *handler.Registry) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	if err := p.store.ResetDerivedStore(ctx); err != nil {
		return fmt.Errorf("reset derived store: %w", err)
	}
	filterABIs, err := buildFilterABIs(filters)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.registry = registry
	p.filterABIs = filterABIs
	p.toTimestamp = 0
	p.drainFrom = 1
	p.pendingCursor = nil
	p.state = Idle
	p.healthy = false
	p.lastErr = nil
	p.mu.Unlock()

	if err := p.drain(ctx); err != nil {
		p.mu.Lock()
		p.state = Stopped
		p.lastErr = err
		p.mu.Unlock()
		return err
	}
	p.setState(Idle)
	return nil
}
