package sqlite

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/evmindex/indexcore/internal/store"
)

type dbBlock struct {
	ChainID          uint64          `meddler:"chain_id"`
	Hash             common.Hash     `meddler:"hash,hash"`
	ParentHash       common.Hash     `meddler:"parent_hash,hash"`
	Number           uint64          `meddler:"number"`
	Timestamp        uint64          `meddler:"timestamp"`
	Miner            common.Address  `meddler:"miner,address"`
	GasLimit         uint64          `meddler:"gas_limit"`
	GasUsed          uint64          `meddler:"gas_used"`
	BaseFeePerGas    *store.BigUint  `meddler:"base_fee_per_gas,biguint"`
	Difficulty       store.BigUint   `meddler:"difficulty,biguint"`
	TotalDifficulty  store.BigUint   `meddler:"total_difficulty,biguint"`
	ExtraData        []byte          `meddler:"extra_data"`
	LogsBloom        []byte          `meddler:"logs_bloom"`
	MixHash          common.Hash     `meddler:"mix_hash,hash"`
	Nonce            uint64          `meddler:"nonce"`
	ReceiptsRoot     common.Hash     `meddler:"receipts_root,hash"`
	Sha3Uncles       common.Hash     `meddler:"sha3_uncles,hash"`
	Size             uint64          `meddler:"size"`
	StateRoot        common.Hash     `meddler:"state_root,hash"`
	TransactionsRoot common.Hash     `meddler:"transactions_root,hash"`
}

func toDBBlock(chainID uint64, b store.Block) *dbBlock {
	return &dbBlock{
		ChainID:          chainID,
		Hash:             b.Hash,
		ParentHash:       b.ParentHash,
		Number:           b.Number,
		Timestamp:        b.Timestamp,
		Miner:            b.Miner,
		GasLimit:         b.GasLimit,
		GasUsed:          b.GasUsed,
		BaseFeePerGas:    b.BaseFeePerGas,
		Difficulty:       b.Difficulty,
		TotalDifficulty:  b.TotalDifficulty,
		ExtraData:        b.ExtraData,
		LogsBloom:        b.LogsBloom,
		MixHash:          b.MixHash,
		Nonce:            b.Nonce,
		ReceiptsRoot:     b.ReceiptsRoot,
		Sha3Uncles:       b.Sha3Uncles,
		Size:             b.Size,
		StateRoot:        b.StateRoot,
		TransactionsRoot: b.TransactionsRoot,
	}
}

func (d *dbBlock) toStore() store.Block {
	return store.Block{
		ChainID:          d.ChainID,
		Hash:             d.Hash,
		ParentHash:       d.ParentHash,
		Number:           d.Number,
		Timestamp:        d.Timestamp,
		Miner:            d.Miner,
		GasLimit:         d.GasLimit,
		GasUsed:          d.GasUsed,
		BaseFeePerGas:    d.BaseFeePerGas,
		Difficulty:       d.Difficulty,
		TotalDifficulty:  d.TotalDifficulty,
		ExtraData:        d.ExtraData,
		LogsBloom:        d.LogsBloom,
		MixHash:          d.MixHash,
		Nonce:            d.Nonce,
		ReceiptsRoot:     d.ReceiptsRoot,
		Sha3Uncles:       d.Sha3Uncles,
		Size:             d.Size,
		StateRoot:        d.StateRoot,
		TransactionsRoot: d.TransactionsRoot,
	}
}

type dbTransaction struct {
	ChainID              uint64         `meddler:"chain_id"`
	Hash                 common.Hash    `meddler:"hash,hash"`
	BlockHash            common.Hash    `meddler:"block_hash,hash"`
	BlockNumber          uint64         `meddler:"block_number"`
	TransactionIndex     uint           `meddler:"transaction_index"`
	From                 common.Address `meddler:"from_address,address"`
	To                   *common.Address `meddler:"to_address,address"`
	Input                []byte         `meddler:"input"`
	Nonce                uint64         `meddler:"nonce"`
	Value                store.BigUint  `meddler:"value,biguint"`
	Gas                  uint64         `meddler:"gas"`
	V                    store.BigUint  `meddler:"v,biguint"`
	R                    store.BigUint  `meddler:"r,biguint"`
	S                    store.BigUint  `meddler:"s,biguint"`
	Type                 string         `meddler:"type"`
	GasPrice             *store.BigUint `meddler:"gas_price,biguint"`
	MaxFeePerGas         *store.BigUint `meddler:"max_fee_per_gas,biguint"`
	MaxPriorityFeePerGas *store.BigUint `meddler:"max_priority_fee_per_gas,biguint"`
	AccessList           []byte         `meddler:"access_list"`
}

func toDBTransaction(chainID uint64, t store.Transaction) *dbTransaction {
	return &dbTransaction{
		ChainID:              chainID,
		Hash:                 t.Hash,
		BlockHash:            t.BlockHash,
		BlockNumber:          t.BlockNumber,
		TransactionIndex:     t.TransactionIndex,
		From:                 t.From,
		To:                   t.To,
		Input:                t.Input,
		Nonce:                t.Nonce,
		Value:                t.Value,
		Gas:                  t.Gas,
		V:                    t.V,
		R:                    t.R,
		S:                    t.S,
		Type:                 string(t.Type),
		GasPrice:             t.GasPrice,
		MaxFeePerGas:         t.MaxFeePerGas,
		MaxPriorityFeePerGas: t.MaxPriorityFeePerGas,
		AccessList:           t.AccessList,
	}
}

func (d *dbTransaction) toStore() store.Transaction {
	return store.Transaction{
		ChainID:              d.ChainID,
		Hash:                 d.Hash,
		BlockHash:            d.BlockHash,
		BlockNumber:          d.BlockNumber,
		TransactionIndex:     d.TransactionIndex,
		From:                 d.From,
		To:                   d.To,
		Input:                d.Input,
		Nonce:                d.Nonce,
		Value:                d.Value,
		Gas:                  d.Gas,
		V:                    d.V,
		R:                    d.R,
		S:                    d.S,
		Type:                 store.TxType(d.Type),
		GasPrice:             d.GasPrice,
		MaxFeePerGas:         d.MaxFeePerGas,
		MaxPriorityFeePerGas: d.MaxPriorityFeePerGas,
		AccessList:           d.AccessList,
	}
}

type dbLog struct {
	ChainID          uint64          `meddler:"chain_id"`
	ID               []byte          `meddler:"id"`
	Address          common.Address  `meddler:"address,address"`
	BlockHash        common.Hash     `meddler:"block_hash,hash"`
	BlockNumber      uint64          `meddler:"block_number"`
	TransactionHash  common.Hash     `meddler:"transaction_hash,hash"`
	TransactionIndex uint            `meddler:"transaction_index"`
	LogIndex         uint            `meddler:"log_index"`
	Data             []byte          `meddler:"data"`
	Topic0           *common.Hash    `meddler:"topic0,hash"`
	Topic1           *common.Hash    `meddler:"topic1,hash"`
	Topic2           *common.Hash    `meddler:"topic2,hash"`
	Topic3           *common.Hash    `meddler:"topic3,hash"`
}

func toDBLog(chainID uint64, l store.Log) *dbLog {
	return &dbLog{
		ChainID:          chainID,
		ID:               l.ID(),
		Address:          l.Address,
		BlockHash:        l.BlockHash,
		BlockNumber:      l.BlockNumber,
		TransactionHash:  l.TransactionHash,
		TransactionIndex: l.TransactionIndex,
		LogIndex:         l.LogIndex,
		Data:             l.Data,
		Topic0:           l.Topic0,
		Topic1:           l.Topic1,
		Topic2:           l.Topic2,
		Topic3:           l.Topic3,
	}
}

func (d *dbLog) toStore() store.Log {
	return store.Log{
		ChainID:          d.ChainID,
		Address:          d.Address,
		BlockHash:        d.BlockHash,
		BlockNumber:      d.BlockNumber,
		TransactionHash:  d.TransactionHash,
		TransactionIndex: d.TransactionIndex,
		LogIndex:         d.LogIndex,
		Data:             d.Data,
		Topic0:           d.Topic0,
		Topic1:           d.Topic1,
		Topic2:           d.Topic2,
		Topic3:           d.Topic3,
	}
}

type dbCachedRange struct {
	ID                int64  `meddler:"id,pk"`
	FilterKey         string `meddler:"filter_key"`
	StartBlock        uint64 `meddler:"start_block"`
	EndBlock          uint64 `meddler:"end_block"`
	EndBlockTimestamp uint64 `meddler:"end_block_timestamp"`
}

func (d *dbCachedRange) toStore() store.CachedRange {
	return store.CachedRange{
		FilterKey:         d.FilterKey,
		StartBlock:        d.StartBlock,
		EndBlock:          d.EndBlock,
		EndBlockTimestamp: d.EndBlockTimestamp,
	}
}

type dbCheckpoint struct {
	Network                  string `meddler:"network,pk"`
	ChainID                  uint64 `meddler:"chain_id"`
	HistoricalCheckpoint     uint64 `meddler:"historical_checkpoint"`
	RealtimeCheckpoint       uint64 `meddler:"realtime_checkpoint"`
	FinalityCheckpoint       uint64 `meddler:"finality_checkpoint"`
	IsHistoricalSyncComplete bool   `meddler:"is_historical_sync_complete"`
}

func (d *dbCheckpoint) toStore() store.Checkpoint {
	return store.Checkpoint{
		Network:                  d.Network,
		ChainID:                  d.ChainID,
		HistoricalCheckpoint:     d.HistoricalCheckpoint,
		RealtimeCheckpoint:       d.RealtimeCheckpoint,
		FinalityCheckpoint:       d.FinalityCheckpoint,
		IsHistoricalSyncComplete: d.IsHistoricalSyncComplete,
	}
}

// dbDerivedEntity has no primary key column of its own (the table's natural
// key is entity_name+id, and rollback keeps multiple versions around), so it
// is only ever read with meddler.QueryRow/QueryAll; writes go through plain
// tx.Exec in derived.go.
type dbDerivedEntity struct {
	EntityName string `meddler:"entity_name"`
	EntityID   string `meddler:"id"`
	Data       []byte `meddler:"data"`
	ValidFrom  uint64 `meddler:"valid_from"`
	ValidTo    uint64 `meddler:"valid_to"`
}

func (d *dbDerivedEntity) toStore() store.DerivedEntityRow {
	return store.DerivedEntityRow{
		EntityName: d.EntityName,
		ID:         d.EntityID,
		Data:       d.Data,
		ValidFrom:  d.ValidFrom,
		ValidTo:    d.ValidTo,
	}
}
