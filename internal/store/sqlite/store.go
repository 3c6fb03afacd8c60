package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/mattn/go-sqlite3"
	"github.com/russross/meddler"

	"github.com/evmindex/indexcore/internal/store"
)

// Store implements store.Store on top of SQLite, grounded on the teacher's
// internal/db package (DSN/PRAGMA construction, sql-migrate wiring, custom
// meddler converters) generalized to the indexing core's schema.
type Store struct {
	db *sql.DB
}

// Config mirrors the teacher's DatabaseConfig fields relevant to SQLite.
type Config struct {
	Path               string
	JournalMode        string
	Synchronous        string
	CacheSize          int
	BusyTimeoutMS      int
	EnableForeignKeys  bool
	MaxOpenConnections int
	MaxIdleConnections int
}

// Open opens a SQLite-backed Store. It does not apply migrations; call
// Migrate for that.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	foreignKeys := "off"
	if cfg.EnableForeignKeys {
		foreignKeys = "on"
	}
	journalMode := cfg.JournalMode
	if journalMode == "" {
		journalMode = "WAL"
	}
	busyTimeout := cfg.BusyTimeoutMS
	if busyTimeout == 0 {
		busyTimeout = 30000
	}

	dsn := fmt.Sprintf(
		"file:%s?_txlock=immediate&_foreign_keys=%s&_journal_mode=%s&_busy_timeout=%d",
		cfg.Path, foreignKeys, journalMode, busyTimeout,
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if cfg.MaxOpenConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConnections)
	}
	if cfg.MaxIdleConnections > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConnections)
	}

	if cfg.Synchronous != "" {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA synchronous = %s", cfg.Synchronous)); err != nil {
			db.Close()
			return nil, fmt.Errorf("set synchronous pragma: %w", err)
		}
	}
	if cfg.CacheSize != 0 {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA cache_size = %d", cfg.CacheSize)); err != nil {
			db.Close()
			return nil, fmt.Errorf("set cache_size pragma: %w", err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	return runMigrations(s.db)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) InsertHistoricalLogs(ctx context.Context, chainID uint64, logs []store.Log) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollbackOnErr(tx, &err)

	for _, l := range logs {
		row := toDBLog(chainID, l)
		if err = insertLogIgnoreConflict(tx, row); err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

func insertLogIgnoreConflict(tx *sql.Tx, row *dbLog) error {
	_, err := tx.Exec(`INSERT OR IGNORE INTO logs
		(chain_id, id, address, block_hash, block_number, transaction_hash, transaction_index, log_index, data, topic0, topic1, topic2, topic3)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ChainID, row.ID, row.Address.Bytes(), row.BlockHash.Bytes(), row.BlockNumber,
		row.TransactionHash.Bytes(), row.TransactionIndex, row.LogIndex, row.Data,
		topicBytes(row.Topic0), topicBytes(row.Topic1), topicBytes(row.Topic2), topicBytes(row.Topic3))
	return err
}

func topicBytes(h *common.Hash) interface{} {
	if h == nil {
		return nil
	}
	return h.Bytes()
}

func (s *Store) InsertHistoricalBlock(ctx context.Context, chainID uint64, block store.Block, txs []store.Transaction, opts store.InsertHistoricalBlockOpts) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollbackOnErr(tx, &err)

	if err = insertBlockIgnoreConflict(tx, toDBBlock(chainID, block)); err != nil {
		return err
	}
	for _, t := range txs {
		if err = insertTxIgnoreConflict(tx, toDBTransaction(chainID, t)); err != nil {
			return err
		}
	}

	if _, err = tx.Exec(`INSERT INTO log_filter_cached_ranges (filter_key, start_block, end_block, end_block_timestamp) VALUES (?, ?, ?, ?)`,
		opts.FilterKey, opts.BlockNumberToCacheFrom, block.Number, block.Timestamp); err != nil {
		return err
	}

	err = tx.Commit()
	return err
}

func insertBlockIgnoreConflict(tx *sql.Tx, b *dbBlock) error {
	_, err := tx.Exec(`INSERT OR IGNORE INTO blocks
		(chain_id, hash, parent_hash, number, timestamp, miner, gas_limit, gas_used, base_fee_per_gas, difficulty, total_difficulty, extra_data, logs_bloom, mix_hash, nonce, receipts_root, sha3_uncles, size, state_root, transactions_root)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		b.ChainID, b.Hash.Bytes(), b.ParentHash.Bytes(), b.Number, b.Timestamp,
		b.Miner.Bytes(), b.GasLimit, b.GasUsed, bigUintBytesOrNil(b.BaseFeePerGas),
		b.Difficulty.Bytes32(), b.TotalDifficulty.Bytes32(), b.ExtraData, b.LogsBloom,
		b.MixHash.Bytes(), b.Nonce, b.ReceiptsRoot.Bytes(), b.Sha3Uncles.Bytes(),
		b.Size, b.StateRoot.Bytes(), b.TransactionsRoot.Bytes())
	return err
}

func insertTxIgnoreConflict(tx *sql.Tx, t *dbTransaction) error {
	var toAddr interface{}
	if t.To != nil {
		toAddr = t.To.Bytes()
	}
	_, err := tx.Exec(`INSERT OR IGNORE INTO transactions
		(chain_id, hash, block_hash, block_number, transaction_index, from_address, to_address, input, nonce, value, gas, v, r, s, type, gas_price, max_fee_per_gas, max_priority_fee_per_gas, access_list)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ChainID, t.Hash.Bytes(), t.BlockHash.Bytes(), t.BlockNumber, t.TransactionIndex,
		t.From.Bytes(), toAddr, t.Input, t.Nonce, t.Value.Bytes32(), t.Gas,
		t.V.Bytes32(), t.R.Bytes32(), t.S.Bytes32(), t.Type,
		bigUintBytesOrNil(t.GasPrice), bigUintBytesOrNil(t.MaxFeePerGas), bigUintBytesOrNil(t.MaxPriorityFeePerGas), t.AccessList)
	return err
}

func bigUintBytesOrNil(b *store.BigUint) interface{} {
	if b == nil {
		return nil
	}
	return b.Bytes32()
}

func (s *Store) InsertRealtimeBlock(ctx context.Context, chainID uint64, block store.Block, txs []store.Transaction, logs []store.Log) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollbackOnErr(tx, &err)

	if _, err = tx.Exec(`INSERT OR REPLACE INTO blocks
		(chain_id, hash, parent_hash, number, timestamp, miner, gas_limit, gas_used, base_fee_per_gas, difficulty, total_difficulty, extra_data, logs_bloom, mix_hash, nonce, receipts_root, sha3_uncles, size, state_root, transactions_root)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		chainID, block.Hash.Bytes(), block.ParentHash.Bytes(), block.Number, block.Timestamp,
		block.Miner.Bytes(), block.GasLimit, block.GasUsed, bigUintBytesOrNil(block.BaseFeePerGas),
		block.Difficulty.Bytes32(), block.TotalDifficulty.Bytes32(), block.ExtraData, block.LogsBloom,
		block.MixHash.Bytes(), block.Nonce, block.ReceiptsRoot.Bytes(), block.Sha3Uncles.Bytes(),
		block.Size, block.StateRoot.Bytes(), block.TransactionsRoot.Bytes()); err != nil {
		return err
	}

	for _, t := range txs {
		if err = insertTxIgnoreConflict(tx, toDBTransaction(chainID, t)); err != nil {
			return err
		}
	}
	for _, l := range logs {
		if err = insertLogIgnoreConflict(tx, toDBLog(chainID, l)); err != nil {
			return err
		}
	}

	err = tx.Commit()
	return err
}

func (s *Store) DeleteRealtimeData(ctx context.Context, chainID uint64, fromBlockNumber uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollbackOnErr(tx, &err)

	if _, err = tx.Exec(`DELETE FROM logs WHERE chain_id = ? AND block_number >= ?`, chainID, fromBlockNumber); err != nil {
		return err
	}
	if _, err = tx.Exec(`DELETE FROM transactions WHERE chain_id = ? AND block_number >= ?`, chainID, fromBlockNumber); err != nil {
		return err
	}
	if _, err = tx.Exec(`DELETE FROM blocks WHERE chain_id = ? AND number >= ?`, chainID, fromBlockNumber); err != nil {
		return err
	}
	err = tx.Commit()
	return err
}

// MergeLogFilterCachedRanges coalesces all CachedRange rows for filterKey
// whose combined interval starts at or before logFilterStartBlock into one
// row, and returns the endBlockTimestamp of that coalesced leading range.
func (s *Store) MergeLogFilterCachedRanges(ctx context.Context, filterKey string, logFilterStartBlock uint64) (store.MergeResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.MergeResult{}, err
	}
	defer rollbackOnErr(tx, &err)

	var ranges []*dbCachedRange
	if err = meddler.QueryAll(tx, &ranges, `SELECT * FROM log_filter_cached_ranges WHERE filter_key = ? ORDER BY start_block ASC`, filterKey); err != nil {
		return store.MergeResult{}, err
	}

	leading := mergeLeadingRanges(ranges, logFilterStartBlock)
	if leading == nil {
		if err = tx.Commit(); err != nil {
			return store.MergeResult{}, err
		}
		return store.MergeResult{}, nil
	}

	for _, r := range leading.consumed {
		if _, err = tx.Exec(`DELETE FROM log_filter_cached_ranges WHERE id = ?`, r.ID); err != nil {
			return store.MergeResult{}, err
		}
	}
	if _, err = tx.Exec(`INSERT INTO log_filter_cached_ranges (filter_key, start_block, end_block, end_block_timestamp) VALUES (?, ?, ?, ?)`,
		filterKey, leading.startBlock, leading.endBlock, leading.endBlockTimestamp); err != nil {
		return store.MergeResult{}, err
	}

	if err = tx.Commit(); err != nil {
		return store.MergeResult{}, err
	}
	return store.MergeResult{StartingRangeEndTimestamp: leading.endBlockTimestamp}, nil
}

type leadingMerge struct {
	consumed          []*dbCachedRange
	startBlock        uint64
	endBlock          uint64
	endBlockTimestamp uint64
}

// mergeLeadingRanges coalesces adjacent/overlapping ranges starting at or
// before startBlock into a single leading interval.
func mergeLeadingRanges(ranges []*dbCachedRange, startBlock uint64) *leadingMerge {
	var cur *leadingMerge
	for _, r := range ranges {
		if r.StartBlock > startBlock && cur == nil {
			break
		}
		if cur == nil {
			cur = &leadingMerge{startBlock: r.StartBlock, endBlock: r.EndBlock, endBlockTimestamp: r.EndBlockTimestamp}
			cur.consumed = append(cur.consumed, r)
			continue
		}
		// adjacent or overlapping with the accumulated leading range
		if r.StartBlock <= cur.endBlock+1 {
			if r.EndBlock > cur.endBlock {
				cur.endBlock = r.EndBlock
				cur.endBlockTimestamp = r.EndBlockTimestamp
			}
			cur.consumed = append(cur.consumed, r)
			continue
		}
		break
	}
	if cur != nil && len(cur.consumed) == 1 {
		// nothing to coalesce; still report it as the leading range so the
		// caller gets startingRangeEndTimestamp (the caller rewrites the
		// single row unchanged).
		return cur
	}
	return cur
}

func (s *Store) GetLogFilterCachedRanges(ctx context.Context, filterKey string) ([]store.CachedRange, error) {
	var rows []*dbCachedRange
	if err := meddler.QueryAll(s.db, &rows, `SELECT * FROM log_filter_cached_ranges WHERE filter_key = ? ORDER BY start_block ASC`, filterKey); err != nil {
		return nil, err
	}
	out := make([]store.CachedRange, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toStore())
	}
	return out, nil
}

func (s *Store) InsertContractReadResult(ctx context.Context, chainID uint64, address [20]byte, blockNumber uint64, calldata, result []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO contract_read_results (chain_id, address, block_number, calldata, result) VALUES (?, ?, ?, ?, ?)`,
		chainID, address[:], blockNumber, calldata, result)
	return err
}

func (s *Store) GetContractReadResult(ctx context.Context, chainID uint64, address [20]byte, blockNumber uint64, calldata []byte) ([]byte, bool, error) {
	var result []byte
	err := s.db.QueryRowContext(ctx, `SELECT result FROM contract_read_results WHERE chain_id = ? AND address = ? AND block_number = ? AND calldata = ?`,
		chainID, address[:], blockNumber, calldata).Scan(&result)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return result, true, nil
}

func rollbackOnErr(tx *sql.Tx, errp *error) {
	if *errp != nil {
		_ = tx.Rollback()
	}
}
