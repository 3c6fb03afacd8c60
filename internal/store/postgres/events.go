package postgres

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"github.com/evmindex/indexcore/internal/store"
)

// GetLogEvents mirrors internal/store/sqlite's GetLogEvents exactly (same
// join, same ordering, same cursor/pageSize/loop-fetch contract per §4.1)
// with placeholders and row-scanning swapped for pgx's conventions. The
// transactions join is a LEFT JOIN so a log with no matching transaction row
// (a §4.1 invariant violation) surfaces as a scan error on its non-nullable
// columns instead of silently vanishing from the page.
func (s *Store) GetLogEvents(ctx context.Context, params store.GetLogEventsParams) (store.EventPage, error) {
	pageSize := params.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}

	var matched []store.EventEntry
	cursor := params.Cursor
	for {
		batchSize := pageSize + 1
		batch, err := s.queryLogEventBatch(ctx, params, cursor, batchSize)
		if err != nil {
			return store.EventPage{}, err
		}

		for _, entry := range batch {
			next := store.Cursor{
				Timestamp:   entry.Block.Timestamp,
				ChainID:     entry.Log.ChainID,
				BlockNumber: entry.Log.BlockNumber,
				LogIndex:    entry.Log.LogIndex,
			}
			cursor = &next
			if matchesAnyFilter(entry.Log, params.Filters) {
				matched = append(matched, entry)
			}
		}

		rawExhausted := len(batch) < batchSize
		if rawExhausted || len(matched) > pageSize {
			break
		}
	}

	truncated := false
	if len(matched) > pageSize {
		matched = matched[:pageSize]
		truncated = true
	}

	meta := store.PageMetadata{}
	if truncated {
		last := matched[len(matched)-1]
		meta.PageEndsAtTimestamp = last.Block.Timestamp
		meta.Cursor = &store.Cursor{
			Timestamp:   last.Block.Timestamp,
			ChainID:     last.Log.ChainID,
			BlockNumber: last.Log.BlockNumber,
			LogIndex:    last.Log.LogIndex,
		}
	} else {
		meta.PageEndsAtTimestamp = params.ToTimestamp
	}

	return store.EventPage{Logs: matched, Metadata: meta}, nil
}

// queryLogEventBatch fetches up to limit rows in raw (b.timestamp, l.chain_id,
// l.block_number, l.log_index) order strictly after cursor, unfiltered by
// params.Filters.
func (s *Store) queryLogEventBatch(ctx context.Context, params store.GetLogEventsParams, cursor *store.Cursor, limit int) ([]store.EventEntry, error) {
	query := `SELECT l.chain_id, l.address, l.block_hash, l.block_number, l.transaction_hash, l.transaction_index, l.log_index, l.data, l.topic0, l.topic1, l.topic2, l.topic3,
		b.parent_hash, b.timestamp, b.miner, b.gas_limit, b.gas_used, b.base_fee_per_gas, b.difficulty, b.total_difficulty, b.extra_data, b.logs_bloom, b.mix_hash, b.nonce, b.receipts_root, b.sha3_uncles, b.size, b.state_root, b.transactions_root,
		t.transaction_index, t.from_address, t.to_address, t.input, t.nonce, t.value, t.gas, t.v, t.r, t.s, t.type, t.gas_price, t.max_fee_per_gas, t.max_priority_fee_per_gas, t.access_list
		FROM logs l
		INNER JOIN blocks b ON b.chain_id = l.chain_id AND b.hash = l.block_hash
		LEFT JOIN transactions t ON t.chain_id = l.chain_id AND t.hash = l.transaction_hash
		WHERE b.timestamp >= $1 AND b.timestamp <= $2`
	args := []interface{}{params.FromTimestamp, params.ToTimestamp}

	if cursor != nil {
		c := *cursor
		query += fmt.Sprintf(` AND (b.timestamp > $%d OR (b.timestamp = $%d AND (l.chain_id > $%d OR (l.chain_id = $%d AND (l.block_number > $%d OR (l.block_number = $%d AND l.log_index > $%d))))))`,
			3, 4, 5, 6, 7, 8, 9)
		args = append(args, c.Timestamp, c.Timestamp, c.ChainID, c.ChainID, c.BlockNumber, c.BlockNumber, c.LogIndex)
	}

	query += fmt.Sprintf(` ORDER BY b.timestamp ASC, l.chain_id ASC, l.block_number ASC, l.log_index ASC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query log events: %w", err)
	}
	defer rows.Close()

	var entries []store.EventEntry
	for rows.Next() {
		entry, err := scanEventEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func scanEventEntry(rows pgx.Rows) (store.EventEntry, error) {
	var (
		chainID                                   uint64
		addrBytes, blockHashBytes, txHashBytes     []byte
		blockNumber                                uint64
		txIndexOnLog                               uint
		logIndex                                   uint
		data                                       []byte
		topic0, topic1, topic2, topic3             []byte
		parentHash, miner                          []byte
		timestamp, gasLimit, gasUsed, nonce, size  uint64
		baseFee, difficulty, totalDifficulty       []byte
		extraData, logsBloom                       []byte
		mixHash, receiptsRoot, sha3Uncles          []byte
		stateRoot, transactionsRoot                []byte
		txIndex                                    uint
		from, to                                   []byte
		input                                      []byte
		txNonce                                    uint64
		value                                      []byte
		gas                                        uint64
		v, r, sArg                                 []byte
		txType                                     string
		gasPrice, maxFee, maxPriorityFee           []byte
		accessList                                 []byte
	)

	if err := rows.Scan(
		&chainID, &addrBytes, &blockHashBytes, &blockNumber, &txHashBytes, &txIndexOnLog, &logIndex, &data, &topic0, &topic1, &topic2, &topic3,
		&parentHash, &timestamp, &miner, &gasLimit, &gasUsed, &baseFee, &difficulty, &totalDifficulty, &extraData, &logsBloom, &mixHash, &nonce, &receiptsRoot, &sha3Uncles, &size, &stateRoot, &transactionsRoot,
		&txIndex, &from, &to, &input, &txNonce, &value, &gas, &v, &r, &sArg, &txType, &gasPrice, &maxFee, &maxPriorityFee, &accessList,
	); err != nil {
		return store.EventEntry{}, fmt.Errorf("scan log event row: %w", err)
	}

	logRow := store.Log{
		ChainID:          chainID,
		Address:          common.BytesToAddress(addrBytes),
		BlockHash:        common.BytesToHash(blockHashBytes),
		BlockNumber:      blockNumber,
		TransactionHash:  common.BytesToHash(txHashBytes),
		TransactionIndex: txIndexOnLog,
		LogIndex:         logIndex,
		Data:             data,
		Topic0:           optionalHash(topic0),
		Topic1:           optionalHash(topic1),
		Topic2:           optionalHash(topic2),
		Topic3:           optionalHash(topic3),
	}

	block := store.Block{
		ChainID:          chainID,
		Hash:             logRow.BlockHash,
		ParentHash:       common.BytesToHash(parentHash),
		Number:           blockNumber,
		Timestamp:        timestamp,
		Miner:            common.BytesToAddress(miner),
		GasLimit:         gasLimit,
		GasUsed:          gasUsed,
		BaseFeePerGas:    optionalBigUint(baseFee),
		Difficulty:       store.BigUintFromBytes32(difficulty),
		TotalDifficulty:  store.BigUintFromBytes32(totalDifficulty),
		ExtraData:        extraData,
		LogsBloom:        logsBloom,
		MixHash:          common.BytesToHash(mixHash),
		Nonce:            nonce,
		ReceiptsRoot:     common.BytesToHash(receiptsRoot),
		Sha3Uncles:       common.BytesToHash(sha3Uncles),
		Size:             size,
		StateRoot:        common.BytesToHash(stateRoot),
		TransactionsRoot: common.BytesToHash(transactionsRoot),
	}

	var toAddr *common.Address
	if len(to) > 0 {
		a := common.BytesToAddress(to)
		toAddr = &a
	}

	tx := store.Transaction{
		ChainID:              chainID,
		Hash:                 logRow.TransactionHash,
		BlockHash:            logRow.BlockHash,
		BlockNumber:          blockNumber,
		TransactionIndex:     txIndex,
		From:                 common.BytesToAddress(from),
		To:                   toAddr,
		Input:                input,
		Nonce:                txNonce,
		Value:                store.BigUintFromBytes32(value),
		Gas:                  gas,
		V:                    store.BigUintFromBytes32(v),
		R:                    store.BigUintFromBytes32(r),
		S:                    store.BigUintFromBytes32(sArg),
		Type:                 store.TxType(txType),
		GasPrice:             optionalBigUint(gasPrice),
		MaxFeePerGas:         optionalBigUint(maxFee),
		MaxPriorityFeePerGas: optionalBigUint(maxPriorityFee),
		AccessList:           accessList,
	}

	return store.EventEntry{Log: logRow, Block: block, Tx: tx}, nil
}

func matchesAnyFilter(l store.Log, filters []store.LogFilter) bool {
	if len(filters) == 0 {
		return true
	}
	topics := [4]*common.Hash{l.Topic0, l.Topic1, l.Topic2, l.Topic3}
	for _, f := range filters {
		if f.ChainID != l.ChainID {
			continue
		}
		if !f.MatchesAddress(l.Address) {
			continue
		}
		if !f.MatchesTopics(topics) {
			continue
		}
		return true
	}
	return false
}
