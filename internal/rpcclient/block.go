package rpcclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/evmindex/indexcore/internal/store"
)

// wireBlock mirrors the JSON-RPC eth_getBlockByHash/eth_getBlockByNumber
// response shape (full transaction objects), decoded directly into the
// canonical store types rather than through go-ethereum's types.Block, which
// drops fields (totalDifficulty) this data model needs.
type wireBlock struct {
	Hash             common.Hash       `json:"hash"`
	ParentHash       common.Hash       `json:"parentHash"`
	Number           hexutil.Uint64    `json:"number"`
	Timestamp        hexutil.Uint64    `json:"timestamp"`
	Miner            common.Address    `json:"miner"`
	GasLimit         hexutil.Uint64    `json:"gasLimit"`
	GasUsed          hexutil.Uint64    `json:"gasUsed"`
	BaseFeePerGas    *hexutil.Big      `json:"baseFeePerGas"`
	Difficulty       *hexutil.Big      `json:"difficulty"`
	TotalDifficulty  *hexutil.Big      `json:"totalDifficulty"`
	ExtraData        hexutil.Bytes     `json:"extraData"`
	LogsBloom        hexutil.Bytes     `json:"logsBloom"`
	MixHash          common.Hash       `json:"mixHash"`
	Nonce            hexutil.Bytes     `json:"nonce"`
	ReceiptsRoot     common.Hash       `json:"receiptsRoot"`
	Sha3Uncles       common.Hash       `json:"sha3Uncles"`
	Size             hexutil.Uint64    `json:"size"`
	StateRoot        common.Hash       `json:"stateRoot"`
	TransactionsRoot common.Hash       `json:"transactionsRoot"`
	Transactions     []wireTransaction `json:"transactions"`
}

type wireTransaction struct {
	Hash                 common.Hash     `json:"hash"`
	BlockHash            common.Hash     `json:"blockHash"`
	BlockNumber          hexutil.Uint64  `json:"blockNumber"`
	TransactionIndex     hexutil.Uint64  `json:"transactionIndex"`
	From                 common.Address  `json:"from"`
	To                   *common.Address `json:"to"`
	Input                hexutil.Bytes   `json:"input"`
	Nonce                hexutil.Uint64  `json:"nonce"`
	Value                *hexutil.Big    `json:"value"`
	Gas                  hexutil.Uint64  `json:"gas"`
	V                    *hexutil.Big    `json:"v"`
	R                    *hexutil.Big    `json:"r"`
	S                    *hexutil.Big    `json:"s"`
	Type                 *hexutil.Uint64 `json:"type"`
	GasPrice             *hexutil.Big    `json:"gasPrice"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas"`
	AccessList           json.RawMessage `json:"accessList"`
}

func bigOrNil(b *hexutil.Big) *store.BigUint {
	if b == nil {
		return nil
	}
	v := store.NewBigUint(b.ToInt())
	return &v
}

func (w wireBlock) toStore(chainID uint64) (store.Block, []store.Transaction) {
	block := store.Block{
		ChainID:          chainID,
		Hash:             w.Hash,
		ParentHash:       w.ParentHash,
		Number:           uint64(w.Number),
		Timestamp:        uint64(w.Timestamp),
		Miner:            w.Miner,
		GasLimit:         uint64(w.GasLimit),
		GasUsed:          uint64(w.GasUsed),
		BaseFeePerGas:    bigOrNil(w.BaseFeePerGas),
		ExtraData:        w.ExtraData,
		LogsBloom:        w.LogsBloom,
		MixHash:          w.MixHash,
		ReceiptsRoot:     w.ReceiptsRoot,
		Sha3Uncles:       w.Sha3Uncles,
		Size:             uint64(w.Size),
		StateRoot:        w.StateRoot,
		TransactionsRoot: w.TransactionsRoot,
	}
	if w.Difficulty != nil {
		block.Difficulty = store.NewBigUint(w.Difficulty.ToInt())
	}
	if w.TotalDifficulty != nil {
		block.TotalDifficulty = store.NewBigUint(w.TotalDifficulty.ToInt())
	}
	if len(w.Nonce) >= 8 {
		block.Nonce = uint64(w.Nonce[0])<<56 | uint64(w.Nonce[1])<<48 | uint64(w.Nonce[2])<<40 | uint64(w.Nonce[3])<<32 |
			uint64(w.Nonce[4])<<24 | uint64(w.Nonce[5])<<16 | uint64(w.Nonce[6])<<8 | uint64(w.Nonce[7])
	}

	txs := make([]store.Transaction, len(w.Transactions))
	for i, wt := range w.Transactions {
		txs[i] = wt.toStore(chainID)
	}
	return block, txs
}

func (wt wireTransaction) toStore(chainID uint64) store.Transaction {
	txType := store.TxTypeLegacy
	if wt.Type != nil {
		switch *wt.Type {
		case 1:
			txType = store.TxTypeEIP2930
		case 2:
			txType = store.TxTypeEIP1559
		}
	}
	tx := store.Transaction{
		ChainID:          chainID,
		Hash:             wt.Hash,
		BlockHash:        wt.BlockHash,
		BlockNumber:      uint64(wt.BlockNumber),
		TransactionIndex: uint(wt.TransactionIndex),
		From:             wt.From,
		To:               wt.To,
		Input:            wt.Input,
		Nonce:            uint64(wt.Nonce),
		Gas:              uint64(wt.Gas),
		Type:             txType,
		AccessList:       wt.AccessList,
	}
	if wt.Value != nil {
		tx.Value = store.NewBigUint(wt.Value.ToInt())
	}
	if wt.V != nil {
		tx.V = store.NewBigUint(wt.V.ToInt())
	}
	if wt.R != nil {
		tx.R = store.NewBigUint(wt.R.ToInt())
	}
	if wt.S != nil {
		tx.S = store.NewBigUint(wt.S.ToInt())
	}
	tx.GasPrice = bigOrNil(wt.GasPrice)
	tx.MaxFeePerGas = bigOrNil(wt.MaxFeePerGas)
	tx.MaxPriorityFeePerGas = bigOrNil(wt.MaxPriorityFeePerGas)
	return tx
}

// GetBlockByHash fetches a block with full transaction objects by hash.
func (c *Client) GetBlockByHash(ctx context.Context, chainID uint64, hash common.Hash) (store.Block, []store.Transaction, error) {
	raw, err := c.transport.Call(ctx, "eth_getBlockByHash", hash, true)
	if err != nil {
		return store.Block{}, nil, err
	}
	return decodeWireBlock(raw, chainID)
}

// GetBlockByNumber fetches a block with full transaction objects by number.
func (c *Client) GetBlockByNumber(ctx context.Context, chainID uint64, number uint64) (store.Block, []store.Transaction, error) {
	raw, err := c.transport.Call(ctx, "eth_getBlockByNumber", toBlockNumArg(number), true)
	if err != nil {
		return store.Block{}, nil, err
	}
	return decodeWireBlock(raw, chainID)
}

func decodeWireBlock(raw json.RawMessage, chainID uint64) (store.Block, []store.Transaction, error) {
	if string(raw) == "null" {
		return store.Block{}, nil, fmt.Errorf("block not found")
	}
	var w wireBlock
	if err := json.Unmarshal(raw, &w); err != nil {
		return store.Block{}, nil, fmt.Errorf("decode block result: %w", err)
	}
	block, txs := w.toStore(chainID)
	return block, txs, nil
}
