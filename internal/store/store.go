package store

import "context"

// GetLogEventsParams selects a window of the ordered log stream. It has no
// notion of IncludeEventSelectors: the store matches params.Filters but
// can't tell which named filter each match belongs to (a log can satisfy
// more than one), so Metadata.Counts is left for the caller that does know
// filter identity — see aggregator.Aggregator.GetEvents.
type GetLogEventsParams struct {
	FromTimestamp uint64
	ToTimestamp   uint64
	Filters       []LogFilter
	PageSize      int
	Cursor        *Cursor
}

// MergeResult is the outcome of mergeLogFilterCachedRanges.
type MergeResult struct {
	StartingRangeEndTimestamp uint64
}

// InsertHistoricalBlockOpts carries the CachedRange bookkeeping that
// accompanies a historical block insert.
type InsertHistoricalBlockOpts struct {
	FilterKey             string
	BlockNumberToCacheFrom uint64
}

// Store is the capability set both backends (SQLite, Postgres) satisfy.
// No backend-specific type crosses this boundary.
type Store interface {
	Migrate(ctx context.Context) error
	Close() error

	// Event Store operations (§4.1).
	InsertHistoricalLogs(ctx context.Context, chainID uint64, logs []Log) error
	InsertHistoricalBlock(ctx context.Context, chainID uint64, block Block, txs []Transaction, opts InsertHistoricalBlockOpts) error
	InsertRealtimeBlock(ctx context.Context, chainID uint64, block Block, txs []Transaction, logs []Log) error
	DeleteRealtimeData(ctx context.Context, chainID uint64, fromBlockNumber uint64) error
	MergeLogFilterCachedRanges(ctx context.Context, filterKey string, logFilterStartBlock uint64) (MergeResult, error)
	GetLogFilterCachedRanges(ctx context.Context, filterKey string) ([]CachedRange, error)
	InsertContractReadResult(ctx context.Context, chainID uint64, address [20]byte, blockNumber uint64, calldata, result []byte) error
	GetContractReadResult(ctx context.Context, chainID uint64, address [20]byte, blockNumber uint64, calldata []byte) ([]byte, bool, error)
	GetLogEvents(ctx context.Context, params GetLogEventsParams) (EventPage, error)

	// Per-network checkpoint persistence.
	GetCheckpoint(ctx context.Context, network string) (Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error

	// Derived Store operations (§3, §4.5).
	GetDerivedEntity(ctx context.Context, entityName, id string) (DerivedEntityRow, bool, error)
	PutDerivedEntity(ctx context.Context, row DerivedEntityRow) error
	RollbackDerivedStore(ctx context.Context, toTimestamp uint64) error
	ResetDerivedStore(ctx context.Context) error

	// BeginDerived opens a transaction-scoped view of the derived store for
	// one handler-pipeline page; DerivedTx.Commit/Rollback finalize it.
	BeginDerived(ctx context.Context) (DerivedTx, error)
}

// DerivedTx is a transactional view over the Derived Store used by the
// Handler Pipeline to apply one page of events atomically.
type DerivedTx interface {
	Get(ctx context.Context, entityName, id string) (DerivedEntityRow, bool, error)
	Put(ctx context.Context, row DerivedEntityRow) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
