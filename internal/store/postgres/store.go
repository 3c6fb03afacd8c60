// Package postgres implements store.Store on top of Postgres via pgx,
// grounded on _examples/luoyeETH-liquidityScope's internal/storage/postgres
// package (pgxpool.Pool, native $N-placeholder queries, no database/sql
// shim), generalized from that package's pool-metrics schema to the
// indexing core's Event Store / Derived Store schema §3/§4.1 define.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/evmindex/indexcore/internal/store"
)

// Store implements store.Store on top of a Postgres connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Config mirrors the fields of config.DatabaseConfig relevant to Postgres.
type Config struct {
	ConnectionString   string
	MaxOpenConnections int
	MaxIdleConnections int
}

// Open opens a Postgres-backed Store. It does not apply migrations; call
// Migrate for that.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.ConnectionString == "" {
		return nil, fmt.Errorf("postgres: connection string is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxOpenConnections > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConnections)
	}
	if cfg.MaxIdleConnections > 0 {
		poolCfg.MinConns = int32(cfg.MaxIdleConnections)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.pool)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) InsertHistoricalLogs(ctx context.Context, chainID uint64, logs []store.Log) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer rollbackOnErr(ctx, tx, &err)

	for _, l := range logs {
		if err = insertLogIgnoreConflict(ctx, tx, chainID, l); err != nil {
			return err
		}
	}
	err = tx.Commit(ctx)
	return err
}

func insertLogIgnoreConflict(ctx context.Context, tx pgx.Tx, chainID uint64, l store.Log) error {
	_, err := tx.Exec(ctx, `INSERT INTO logs
		(chain_id, id, address, block_hash, block_number, transaction_hash, transaction_index, log_index, data, topic0, topic1, topic2, topic3)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (chain_id, id) DO NOTHING`,
		chainID, l.ID(), l.Address.Bytes(), l.BlockHash.Bytes(), l.BlockNumber,
		l.TransactionHash.Bytes(), l.TransactionIndex, l.LogIndex, l.Data,
		hashBytesOrNil(l.Topic0), hashBytesOrNil(l.Topic1), hashBytesOrNil(l.Topic2), hashBytesOrNil(l.Topic3))
	return err
}

func (s *Store) InsertHistoricalBlock(ctx context.Context, chainID uint64, block store.Block, txs []store.Transaction, opts store.InsertHistoricalBlockOpts) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer rollbackOnErr(ctx, tx, &err)

	if err = insertBlockIgnoreConflict(ctx, tx, chainID, block); err != nil {
		return err
	}
	for _, t := range txs {
		if err = insertTxIgnoreConflict(ctx, tx, chainID, t); err != nil {
			return err
		}
	}
	if _, err = tx.Exec(ctx, `INSERT INTO log_filter_cached_ranges (filter_key, start_block, end_block, end_block_timestamp) VALUES ($1,$2,$3,$4)`,
		opts.FilterKey, opts.BlockNumberToCacheFrom, block.Number, block.Timestamp); err != nil {
		return err
	}

	err = tx.Commit(ctx)
	return err
}

func insertBlockIgnoreConflict(ctx context.Context, tx pgx.Tx, chainID uint64, b store.Block) error {
	_, err := tx.Exec(ctx, `INSERT INTO blocks
		(chain_id, hash, parent_hash, number, timestamp, miner, gas_limit, gas_used, base_fee_per_gas, difficulty, total_difficulty, extra_data, logs_bloom, mix_hash, nonce, receipts_root, sha3_uncles, size, state_root, transactions_root)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
		ON CONFLICT (chain_id, hash) DO NOTHING`,
		chainID, b.Hash.Bytes(), b.ParentHash.Bytes(), b.Number, b.Timestamp,
		b.Miner.Bytes(), b.GasLimit, b.GasUsed, bigUintBytesOrNil(b.BaseFeePerGas),
		b.Difficulty.Bytes32(), b.TotalDifficulty.Bytes32(), b.ExtraData, b.LogsBloom,
		b.MixHash.Bytes(), b.Nonce, b.ReceiptsRoot.Bytes(), b.Sha3Uncles.Bytes(),
		b.Size, b.StateRoot.Bytes(), b.TransactionsRoot.Bytes())
	return err
}

func insertTxIgnoreConflict(ctx context.Context, tx pgx.Tx, chainID uint64, t store.Transaction) error {
	_, err := tx.Exec(ctx, `INSERT INTO transactions
		(chain_id, hash, block_hash, block_number, transaction_index, from_address, to_address, input, nonce, value, gas, v, r, s, type, gas_price, max_fee_per_gas, max_priority_fee_per_gas, access_list)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		ON CONFLICT (chain_id, hash) DO NOTHING`,
		chainID, t.Hash.Bytes(), t.BlockHash.Bytes(), t.BlockNumber, t.TransactionIndex,
		t.From.Bytes(), addressBytesOrNil(t.To), t.Input, t.Nonce, t.Value.Bytes32(), t.Gas,
		t.V.Bytes32(), t.R.Bytes32(), t.S.Bytes32(), string(t.Type),
		bigUintBytesOrNil(t.GasPrice), bigUintBytesOrNil(t.MaxFeePerGas), bigUintBytesOrNil(t.MaxPriorityFeePerGas), t.AccessList)
	return err
}

func (s *Store) InsertRealtimeBlock(ctx context.Context, chainID uint64, block store.Block, txs []store.Transaction, logs []store.Log) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer rollbackOnErr(ctx, tx, &err)

	if _, err = tx.Exec(ctx, `INSERT INTO blocks
		(chain_id, hash, parent_hash, number, timestamp, miner, gas_limit, gas_used, base_fee_per_gas, difficulty, total_difficulty, extra_data, logs_bloom, mix_hash, nonce, receipts_root, sha3_uncles, size, state_root, transactions_root)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
		ON CONFLICT (chain_id, hash) DO UPDATE SET
			parent_hash = EXCLUDED.parent_hash, number = EXCLUDED.number, timestamp = EXCLUDED.timestamp`,
		chainID, block.Hash.Bytes(), block.ParentHash.Bytes(), block.Number, block.Timestamp,
		block.Miner.Bytes(), block.GasLimit, block.GasUsed, bigUintBytesOrNil(block.BaseFeePerGas),
		block.Difficulty.Bytes32(), block.TotalDifficulty.Bytes32(), block.ExtraData, block.LogsBloom,
		block.MixHash.Bytes(), block.Nonce, block.ReceiptsRoot.Bytes(), block.Sha3Uncles.Bytes(),
		block.Size, block.StateRoot.Bytes(), block.TransactionsRoot.Bytes()); err != nil {
		return err
	}

	for _, t := range txs {
		if err = insertTxIgnoreConflict(ctx, tx, chainID, t); err != nil {
			return err
		}
	}
	for _, l := range logs {
		if err = insertLogIgnoreConflict(ctx, tx, chainID, l); err != nil {
			return err
		}
	}

	err = tx.Commit(ctx)
	return err
}

func (s *Store) DeleteRealtimeData(ctx context.Context, chainID uint64, fromBlockNumber uint64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer rollbackOnErr(ctx, tx, &err)

	if _, err = tx.Exec(ctx, `DELETE FROM logs WHERE chain_id = $1 AND block_number >= $2`, chainID, fromBlockNumber); err != nil {
		return err
	}
	if _, err = tx.Exec(ctx, `DELETE FROM transactions WHERE chain_id = $1 AND block_number >= $2`, chainID, fromBlockNumber); err != nil {
		return err
	}
	if _, err = tx.Exec(ctx, `DELETE FROM blocks WHERE chain_id = $1 AND number >= $2`, chainID, fromBlockNumber); err != nil {
		return err
	}
	err = tx.Commit(ctx)
	return err
}

// MergeLogFilterCachedRanges mirrors internal/store/sqlite's leading-range
// coalescing algorithm exactly; only the placeholder/row-scan syntax differs
// between backends.
func (s *Store) MergeLogFilterCachedRanges(ctx context.Context, filterKey string, logFilterStartBlock uint64) (store.MergeResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return store.MergeResult{}, err
	}
	defer rollbackOnErr(ctx, tx, &err)

	rows, err := tx.Query(ctx, `SELECT id, filter_key, start_block, end_block, end_block_timestamp FROM log_filter_cached_ranges WHERE filter_key = $1 ORDER BY start_block ASC`, filterKey)
	if err != nil {
		return store.MergeResult{}, err
	}
	var ranges []cachedRangeRow
	for rows.Next() {
		var r cachedRangeRow
		if err = rows.Scan(&r.id, &r.filterKey, &r.startBlock, &r.endBlock, &r.endBlockTimestamp); err != nil {
			rows.Close()
			return store.MergeResult{}, err
		}
		ranges = append(ranges, r)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return store.MergeResult{}, err
	}

	leading := mergeLeadingRanges(ranges, logFilterStartBlock)
	if leading == nil {
		if err = tx.Commit(ctx); err != nil {
			return store.MergeResult{}, err
		}
		return store.MergeResult{}, nil
	}

	for _, r := range leading.consumed {
		if _, err = tx.Exec(ctx, `DELETE FROM log_filter_cached_ranges WHERE id = $1`, r.id); err != nil {
			return store.MergeResult{}, err
		}
	}
	if _, err = tx.Exec(ctx, `INSERT INTO log_filter_cached_ranges (filter_key, start_block, end_block, end_block_timestamp) VALUES ($1,$2,$3,$4)`,
		filterKey, leading.startBlock, leading.endBlock, leading.endBlockTimestamp); err != nil {
		return store.MergeResult{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return store.MergeResult{}, err
	}
	return store.MergeResult{StartingRangeEndTimestamp: leading.endBlockTimestamp}, nil
}

type cachedRangeRow struct {
	id                int64
	filterKey         string
	startBlock        uint64
	endBlock          uint64
	endBlockTimestamp uint64
}

type leadingMerge struct {
	consumed          []cachedRangeRow
	startBlock        uint64
	endBlock          uint64
	endBlockTimestamp uint64
}

func mergeLeadingRanges(ranges []cachedRangeRow, startBlock uint64) *leadingMerge {
	var cur *leadingMerge
	for _, r := range ranges {
		if r.startBlock > startBlock && cur == nil {
			break
		}
		if cur == nil {
			cur = &leadingMerge{startBlock: r.startBlock, endBlock: r.endBlock, endBlockTimestamp: r.endBlockTimestamp}
			cur.consumed = append(cur.consumed, r)
			continue
		}
		if r.startBlock <= cur.endBlock+1 {
			if r.endBlock > cur.endBlock {
				cur.endBlock = r.endBlock
				cur.endBlockTimestamp = r.endBlockTimestamp
			}
			cur.consumed = append(cur.consumed, r)
			continue
		}
		break
	}
	return cur
}

func (s *Store) GetLogFilterCachedRanges(ctx context.Context, filterKey string) ([]store.CachedRange, error) {
	rows, err := s.pool.Query(ctx, `SELECT filter_key, start_block, end_block, end_block_timestamp FROM log_filter_cached_ranges WHERE filter_key = $1 ORDER BY start_block ASC`, filterKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.CachedRange
	for rows.Next() {
		var r store.CachedRange
		if err := rows.Scan(&r.FilterKey, &r.StartBlock, &r.EndBlock, &r.EndBlockTimestamp); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) InsertContractReadResult(ctx context.Context, chainID uint64, address [20]byte, blockNumber uint64, calldata, result []byte) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO contract_read_results (chain_id, address, block_number, calldata, result) VALUES ($1,$2,$3,$4,$5) ON CONFLICT DO NOTHING`,
		chainID, address[:], blockNumber, calldata, result)
	return err
}

func (s *Store) GetContractReadResult(ctx context.Context, chainID uint64, address [20]byte, blockNumber uint64, calldata []byte) ([]byte, bool, error) {
	var result []byte
	err := s.pool.QueryRow(ctx, `SELECT result FROM contract_read_results WHERE chain_id = $1 AND address = $2 AND block_number = $3 AND calldata = $4`,
		chainID, address[:], blockNumber, calldata).Scan(&result)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return result, true, nil
}

func rollbackOnErr(ctx context.Context, tx pgx.Tx, errp *error) {
	if *errp != nil {
		_ = tx.Rollback(ctx)
	}
}
