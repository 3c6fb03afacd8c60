package pipeline

import (
	"context"
	"fmt"

	"github.com/evmindex/indexcore/internal/store"
)

// entitiesView adapts a store.DerivedTx to the handler.Entities contract
// handlers are given for the lifetime of one page. version is the
// currently-dispatching event's block timestamp, stamped as ValidFrom on
// every row a handler writes so RollbackDerivedStore can find and undo it.
type entitiesView struct {
	ctx     context.Context
	tx      store.DerivedTx
	version uint64
}

func (v *entitiesView) Get(ctx context.Context, entityName, id string) ([]byte, bool, error) {
	row, found, err := v.tx.Get(ctx, entityName, id)
	if err != nil || !found {
		return nil, found, err
	}
	return row.Data, true, nil
}

func (v *entitiesView) Put(ctx context.Context, entityName, id string, data []byte) error {
	return v.tx.Put(ctx, store.DerivedEntityRow{
		EntityName: entityName,
		ID:         id,
		Data:       data,
		ValidFrom:  v.version,
		ValidTo:    store.ValidToInfinity,
	})
}

// contractsView is the read-only, cache-backed eth_call view handlers use
// to read on-chain state, per §4.1's contract-read-result cache and §4.5's
// "read-only contracts view" requirement.
type contractsView struct {
	ctx    context.Context
	store  store.Store
	caller ContractCaller
}

func (v *contractsView) Call(ctx context.Context, chainID uint64, address [20]byte, blockNumber uint64, calldata []byte) ([]byte, error) {
	if cached, ok, err := v.store.GetContractReadResult(ctx, chainID, address, blockNumber, calldata); err != nil {
		return nil, err
	} else if ok {
		return cached, nil
	}

	if v.caller == nil {
		return nil, fmt.Errorf("contract read cache miss and no live contract caller is configured")
	}
	result, err := v.caller.Call(ctx, chainID, address, blockNumber, calldata)
	if err != nil {
		return nil, err
	}
	if err := v.store.InsertContractReadResult(ctx, chainID, address, blockNumber, calldata, result); err != nil {
		return nil, fmt.Errorf("cache contract read result: %w", err)
	}
	return result, nil
}
