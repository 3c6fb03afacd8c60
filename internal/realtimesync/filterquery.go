package realtimesync

import (
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/evmindex/indexcore/internal/store"
)

// unionFilterQuery builds one eth_getLogs query restricted to blockHash that
// matches any of this network's configured log filters, per SPEC_FULL.md
// §4.3 step 3 ("the union of this network's log filters' address/topics").
// Only addresses are unioned into the RPC-level filter; topic matching is
// left to GetLogEvents' per-filter LogFilter.MatchesTopics at read time,
// since go-ethereum's FilterQuery topics are AND-across-slots and cannot
// safely express "any of filter A's topics OR any of filter B's topics"
// without over- or under-fetching.
func unionFilterQuery(filters []store.LogFilter, blockHash common.Hash) ethereum.FilterQuery {
	seenAddr := make(map[common.Address]struct{})
	var addresses []common.Address
	anyAddress := false

	for _, f := range filters {
		if len(f.Addresses) == 0 {
			anyAddress = true
			continue
		}
		for _, a := range f.Addresses {
			if _, ok := seenAddr[a]; !ok {
				seenAddr[a] = struct{}{}
				addresses = append(addresses, a)
			}
		}
	}
	if anyAddress {
		addresses = nil
	}

	return ethereum.FilterQuery{
		BlockHash: &blockHash,
		Addresses: addresses,
	}
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
