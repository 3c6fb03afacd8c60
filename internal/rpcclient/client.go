package rpcclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/evmindex/indexcore/internal/store"
)

// EthClient is the chain-facing surface Historical Sync and Realtime Sync
// depend on, kept identical to the teacher's pkg/rpc.EthClient so both
// components are agnostic to which Transport backs the Client.
type EthClient interface {
	Close()
	GetLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
	GetBlockHeader(ctx context.Context, blockNum uint64) (*types.Header, error)
	GetLatestBlockHeader(ctx context.Context) (*types.Header, error)
	GetFinalizedBlockHeader(ctx context.Context) (*types.Header, error)
	GetSafeBlockHeader(ctx context.Context) (*types.Header, error)
	BatchGetLogs(ctx context.Context, queries []ethereum.FilterQuery) ([][]types.Log, error)
	BatchGetBlockHeaders(ctx context.Context, blockNums []uint64) ([]*types.Header, error)
	GetBlockByHash(ctx context.Context, chainID uint64, hash common.Hash) (store.Block, []store.Transaction, error)
	GetBlockByNumber(ctx context.Context, chainID uint64, number uint64) (store.Block, []store.Transaction, error)
}

// Client implements EthClient on top of any Transport, so the same call
// sites work whether the backing transport is Direct, Paid, or a peer
// indexer's wire protocol.
type Client struct {
	transport Transport
}

var _ EthClient = (*Client)(nil)

func NewClient(transport Transport) *Client {
	return &Client{transport: transport}
}

func (c *Client) Close() { c.transport.Close() }

func (c *Client) GetLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	raw, err := c.transport.Call(ctx, "eth_getLogs", toFilterArg(query))
	if err != nil {
		return nil, err
	}
	var logs []types.Log
	if err := json.Unmarshal(raw, &logs); err != nil {
		return nil, fmt.Errorf("decode eth_getLogs result: %w", err)
	}
	return logs, nil
}

func (c *Client) GetBlockHeader(ctx context.Context, blockNum uint64) (*types.Header, error) {
	return c.headerByArg(ctx, toBlockNumArg(blockNum))
}

func (c *Client) GetLatestBlockHeader(ctx context.Context) (*types.Header, error) {
	return c.headerByArg(ctx, "latest")
}

func (c *Client) GetFinalizedBlockHeader(ctx context.Context) (*types.Header, error) {
	return c.headerByArg(ctx, "finalized")
}

func (c *Client) GetSafeBlockHeader(ctx context.Context) (*types.Header, error) {
	return c.headerByArg(ctx, "safe")
}

func (c *Client) headerByArg(ctx context.Context, blockArg string) (*types.Header, error) {
	raw, err := c.transport.Call(ctx, "eth_getBlockByNumber", blockArg, false)
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" {
		return nil, ethereum.NotFound
	}
	var header types.Header
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, fmt.Errorf("decode eth_getBlockByNumber result: %w", err)
	}
	return &header, nil
}

func (c *Client) BatchGetLogs(ctx context.Context, queries []ethereum.FilterQuery) ([][]types.Log, error) {
	calls := make([]Call, len(queries))
	for i, q := range queries {
		calls[i] = Call{Method: "eth_getLogs", Params: []interface{}{toFilterArg(q)}}
	}
	raws, err := c.transport.BatchCall(ctx, calls)
	if err != nil {
		return nil, err
	}
	results := make([][]types.Log, len(raws))
	for i, raw := range raws {
		if err := json.Unmarshal(raw, &results[i]); err != nil {
			return nil, fmt.Errorf("decode batch eth_getLogs[%d] result: %w", i, err)
		}
	}
	return results, nil
}

func (c *Client) BatchGetBlockHeaders(ctx context.Context, blockNums []uint64) ([]*types.Header, error) {
	const maxBatch = 100
	var all []*types.Header
	for i := 0; i < len(blockNums); i += maxBatch {
		end := i + maxBatch
		if end > len(blockNums) {
			end = len(blockNums)
		}
		chunk := blockNums[i:end]
		calls := make([]Call, len(chunk))
		for j, n := range chunk {
			calls[j] = Call{Method: "eth_getBlockByNumber", Params: []interface{}{toBlockNumArg(n), false}}
		}
		raws, err := c.transport.BatchCall(ctx, calls)
		if err != nil {
			return nil, err
		}
		for _, raw := range raws {
			if string(raw) == "null" {
				all = append(all, nil)
				continue
			}
			var header types.Header
			if err := json.Unmarshal(raw, &header); err != nil {
				return nil, fmt.Errorf("decode batch eth_getBlockByNumber result: %w", err)
			}
			all = append(all, &header)
		}
	}
	return all, nil
}

func toFilterArg(q ethereum.FilterQuery) interface{} {
	arg := map[string]interface{}{"topics": q.Topics}
	if q.BlockHash != nil {
		arg["blockHash"] = *q.BlockHash
	} else {
		if q.FromBlock != nil {
			arg["fromBlock"] = toBlockNumArg(q.FromBlock.Uint64())
		}
		if q.ToBlock != nil {
			arg["toBlock"] = toBlockNumArg(q.ToBlock.Uint64())
		}
	}
	if len(q.Addresses) > 0 {
		if len(q.Addresses) == 1 {
			arg["address"] = q.Addresses[0]
		} else {
			arg["address"] = q.Addresses
		}
	}
	return arg
}

func toBlockNumArg(blockNum uint64) string {
	return fmt.Sprintf("0x%x", blockNum)
}
