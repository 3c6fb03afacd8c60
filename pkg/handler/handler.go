// Package handler defines the contract user code implements to react to
// indexed events, per SPEC_FULL.md §4.5's Handler Pipeline. This is the
// public boundary examples/indexers/erc20 and any other downstream indexer
// plugin builds against, mirroring the teacher's pkg/indexer.Indexer
// interface but keyed by (filterName, eventName) instead of
// (address, topic) and given a transactional entities view instead of a
// raw *sql.DB.
package handler

import (
	"context"

	"github.com/evmindex/indexcore/internal/store"
)

// Event is one decoded log ready for handler dispatch: the raw canonical
// row joined with its block/transaction and the ABI-decoded event
// arguments, keyed by parameter name.
type Event struct {
	FilterName string
	EventName  string
	Args       map[string]interface{}
	Log        store.Log
	Block      store.Block
	Tx         store.Transaction
}

// Entities is the transactional, per-page view of the Derived Store a
// handler reads and writes through. Rows written via Put become visible to
// later Get calls within the same page and are only durable once the
// pipeline commits the page.
type Entities interface {
	Get(ctx context.Context, entityName, id string) (data []byte, found bool, err error)
	Put(ctx context.Context, entityName, id string, data []byte) error
}

// Contracts is a read-only view over on-chain state as of a given block,
// backed by the contract-read-result cache keyed on
// (chainId, address, blockNumber, calldata) per §4.1.
type Contracts interface {
	Call(ctx context.Context, chainID uint64, address [20]byte, blockNumber uint64, calldata []byte) ([]byte, error)
}

// Func is the signature every registered handler implements.
type Func func(ctx context.Context, event Event, entities Entities, contracts Contracts) error

// Registry maps (filterName, eventName) pairs to their handler.
type Registry struct {
	handlers map[registryKey]Func
}

type registryKey struct {
	filterName string
	eventName  string
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[registryKey]Func)}
}

// Register binds fn to (filterName, eventName). Registering the same pair
// twice replaces the previous handler, matching the "rebuild handler
// registry" semantics reset() requires.
func (r *Registry) Register(filterName, eventName string, fn Func) {
	r.handlers[registryKey{filterName, eventName}] = fn
}

// Lookup returns the handler bound to (filterName, eventName), if any.
func (r *Registry) Lookup(filterName, eventName string) (Func, bool) {
	fn, ok := r.handlers[registryKey{filterName, eventName}]
	return fn, ok
}

// Binding names one registered (filterName, eventName) pair.
type Binding struct {
	FilterName string
	EventName  string
}

// Entries lists every registered binding, used by the pipeline to build
// the includeEventSelectors passed to Aggregator.GetEvents.
func (r *Registry) Entries() []Binding {
	out := make([]Binding, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, Binding{FilterName: k.filterName, EventName: k.eventName})
	}
	return out
}
