package config

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/evmindex/indexcore/internal/store"
)

// ToLogFilter converts a configured filter into the canonical
// store.LogFilter Historical/Realtime Sync select logs with. chainID is
// resolved from the filter's owning NetworkConfig by the caller, since
// FilterConfig only carries the network's name.
//
// Events entries name either an event signature ("Transfer(address,address,uint256)"),
// hashed with Keccak256 the same way go-ethereum's abigen does, or a raw
// 32-byte topic hash (0x-prefixed hex) passed straight through — matching
// §6's "event?|topics?" filter shape.
func (f FilterConfig) ToLogFilter(chainID uint64) (store.LogFilter, error) {
	addresses := make([]common.Address, 0, len(f.Addresses))
	for _, a := range f.Addresses {
		if !common.IsHexAddress(a) {
			return store.LogFilter{}, fmt.Errorf("filter %q: invalid address %q", f.Name, a)
		}
		addresses = append(addresses, common.HexToAddress(a))
	}

	var topic0 []common.Hash
	for _, e := range f.Events {
		e = strings.TrimSpace(e)
		if common.IsHexAddress(e) {
			return store.LogFilter{}, fmt.Errorf("filter %q: %q looks like an address, not an event", f.Name, e)
		}
		if strings.HasPrefix(e, "0x") && len(e) == 2*common.HashLength+2 {
			topic0 = append(topic0, common.HexToHash(e))
			continue
		}
		topic0 = append(topic0, crypto.Keccak256Hash([]byte(e)))
	}

	var topics []store.TopicSlot
	if len(topic0) > 0 {
		topics = []store.TopicSlot{{Hashes: topic0}}
	}

	return store.LogFilter{
		Name:          f.Name,
		ChainID:       chainID,
		Addresses:     addresses,
		Topics:        topics,
		StartBlock:    f.StartBlock,
		EndBlock:      f.EndBlock,
		MaxBlockRange: f.MaxBlockRange,
	}, nil
}
