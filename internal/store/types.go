// Package store defines the canonical Event Store and Derived Store data
// model shared by the SQLite and Postgres backends.
package store

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// BigUint wraps a big.Int so backends can persist it as a fixed 32-byte
// big-endian column, preserving ordering under a plain SQL ORDER BY.
type BigUint struct {
	*big.Int
}

// NewBigUint wraps v. A nil v is treated as zero.
func NewBigUint(v *big.Int) BigUint {
	if v == nil {
		return BigUint{big.NewInt(0)}
	}
	return BigUint{v}
}

const bigUintWidth = 32

// Bytes32 encodes the value as a fixed 32-byte big-endian slice.
func (b BigUint) Bytes32() []byte {
	out := make([]byte, bigUintWidth)
	if b.Int == nil {
		return out
	}
	v := b.Int.Bytes()
	if len(v) > bigUintWidth {
		// value does not fit - truncation would silently corrupt ordering,
		// so keep the low bytes only after the invariant check upstream.
		v = v[len(v)-bigUintWidth:]
	}
	copy(out[bigUintWidth-len(v):], v)
	return out
}

// BigUintFromBytes32 decodes a fixed-width big-endian slice back into a BigUint.
func BigUintFromBytes32(b []byte) BigUint {
	return BigUint{new(big.Int).SetBytes(b)}
}

// TxType mirrors go-ethereum's transaction type enum restricted to the
// three kinds the data model names explicitly.
type TxType string

const (
	TxTypeLegacy  TxType = "legacy"
	TxTypeEIP2930 TxType = "eip2930"
	TxTypeEIP1559 TxType = "eip1559"
)

// Block is the canonical block row.
type Block struct {
	ChainID          uint64
	Hash             common.Hash
	ParentHash       common.Hash
	Number           uint64
	Timestamp        uint64
	Miner            common.Address
	GasLimit         uint64
	GasUsed          uint64
	BaseFeePerGas    *BigUint
	Difficulty       BigUint
	TotalDifficulty  BigUint
	ExtraData        []byte
	LogsBloom        []byte
	MixHash          common.Hash
	Nonce            uint64
	ReceiptsRoot     common.Hash
	Sha3Uncles       common.Hash
	Size             uint64
	StateRoot        common.Hash
	TransactionsRoot common.Hash
}

// Transaction is the canonical transaction row.
type Transaction struct {
	ChainID              uint64
	Hash                 common.Hash
	BlockHash            common.Hash
	BlockNumber          uint64
	TransactionIndex     uint
	From                 common.Address
	To                   *common.Address
	Input                []byte
	Nonce                uint64
	Value                BigUint
	Gas                  uint64
	V                     BigUint
	R                     BigUint
	S                     BigUint
	Type                 TxType
	GasPrice             *BigUint
	MaxFeePerGas         *BigUint
	MaxPriorityFeePerGas *BigUint
	AccessList           []byte // JSON-encoded, opaque below the store boundary
}

// Log is the canonical log row. ID is blockHash || logIndex.
type Log struct {
	ChainID          uint64
	Address          common.Address
	BlockHash        common.Hash
	BlockNumber      uint64
	TransactionHash  common.Hash
	TransactionIndex uint
	LogIndex         uint
	Data             []byte
	Topic0           *common.Hash
	Topic1           *common.Hash
	Topic2           *common.Hash
	Topic3           *common.Hash
}

// ID returns the log's identity: blockHash concatenated with the log index.
func (l Log) ID() []byte {
	id := make([]byte, common.HashLength+4)
	copy(id, l.BlockHash.Bytes())
	id[common.HashLength] = byte(l.LogIndex >> 24)
	id[common.HashLength+1] = byte(l.LogIndex >> 16)
	id[common.HashLength+2] = byte(l.LogIndex >> 8)
	id[common.HashLength+3] = byte(l.LogIndex)
	return id
}

// TopicSlot is one slot of a LogFilter's topic matcher: nil matches
// anything, a non-empty set matches any hash in the set.
type TopicSlot struct {
	Hashes []common.Hash
}

// Matches reports whether h satisfies this slot.
func (s TopicSlot) Matches(h *common.Hash) bool {
	if len(s.Hashes) == 0 {
		return true
	}
	if h == nil {
		return false
	}
	for _, want := range s.Hashes {
		if want == *h {
			return true
		}
	}
	return false
}

// LogFilter is a named selector over logs on one chain.
type LogFilter struct {
	Name         string
	ChainID      uint64
	Addresses    []common.Address // empty ⇒ any address
	Topics       []TopicSlot       // per-slot matcher, index 0..3
	StartBlock   uint64
	EndBlock     *uint64 // nil ⇒ realtime (no upper bound)
	MaxBlockRange uint64
}

// Key is the filterKey used to scope CachedRange rows: a deterministic hash
// of the filter's identity (chainId, name, addresses, topics, block bounds).
func (f LogFilter) Key() string {
	h := newFilterHasher()
	h.writeUint64(f.ChainID)
	h.writeString(f.Name)
	for _, a := range f.Addresses {
		h.writeBytes(a.Bytes())
	}
	for _, slot := range f.Topics {
		for _, t := range slot.Hashes {
			h.writeBytes(t.Bytes())
		}
		h.writeString("|")
	}
	h.writeUint64(f.StartBlock)
	if f.EndBlock != nil {
		h.writeUint64(*f.EndBlock)
	}
	return h.sum()
}

// MatchesAddress reports whether addr is selected by this filter.
func (f LogFilter) MatchesAddress(addr common.Address) bool {
	if len(f.Addresses) == 0 {
		return true
	}
	for _, a := range f.Addresses {
		if a == addr {
			return true
		}
	}
	return false
}

// MatchesTopics reports whether the log's topics satisfy every configured slot.
func (f LogFilter) MatchesTopics(topics [4]*common.Hash) bool {
	for i, slot := range f.Topics {
		if i > 3 {
			break
		}
		if !slot.Matches(topics[i]) {
			return false
		}
	}
	return true
}

// CachedRange records that the store contains every log matching filterKey
// within [StartBlock, EndBlock].
type CachedRange struct {
	FilterKey         string
	StartBlock        uint64
	EndBlock          uint64
	EndBlockTimestamp uint64
}

// Cursor is a strictly ordered iterator position.
type Cursor struct {
	Timestamp   uint64
	ChainID     uint64
	BlockNumber uint64
	LogIndex    uint
}

// Less reports whether c sorts strictly before o under (timestamp, chainId, blockNumber, logIndex).
func (c Cursor) Less(o Cursor) bool {
	if c.Timestamp != o.Timestamp {
		return c.Timestamp < o.Timestamp
	}
	if c.ChainID != o.ChainID {
		return c.ChainID < o.ChainID
	}
	if c.BlockNumber != o.BlockNumber {
		return c.BlockNumber < o.BlockNumber
	}
	return c.LogIndex < o.LogIndex
}

// Checkpoint is the per-network progress record.
type Checkpoint struct {
	Network                  string
	ChainID                  uint64
	HistoricalCheckpoint     uint64
	RealtimeCheckpoint       uint64
	FinalityCheckpoint       uint64
	IsHistoricalSyncComplete bool
}

// PerNetworkCheckpoint is the value folded into the aggregator's global minimum.
func (c Checkpoint) PerNetworkCheckpoint() uint64 {
	if c.IsHistoricalSyncComplete {
		if c.RealtimeCheckpoint > c.HistoricalCheckpoint {
			return c.RealtimeCheckpoint
		}
		return c.HistoricalCheckpoint
	}
	return c.HistoricalCheckpoint
}

// DerivedEntityRow is a versioned user-entity row in the Derived Store.
type DerivedEntityRow struct {
	EntityName string
	ID         string
	Data       []byte // JSON-encoded entity payload
	ValidFrom  uint64
	ValidTo    uint64 // ValidToInfinity means still live
}

// ValidToInfinity is the sentinel ValidTo value meaning "still live". It is
// the largest value a signed 64-bit SQL integer column can hold, so both
// store backends can bind it as a query parameter.
const ValidToInfinity = ^uint64(0) >> 1

// EventEntry is a decoded log joined with its block, ready for handler dispatch.
type EventEntry struct {
	FilterName string
	Log        Log
	Block      Block
	Tx         Transaction
}

// EventCount is a per-(filterName, topic0) count within a page.
type EventCount struct {
	FilterName string
	Topic0     common.Hash
	Count      int
}

// PageMetadata describes pagination state for one page of getLogEvents/getEvents.
type PageMetadata struct {
	PageEndsAtTimestamp uint64
	Counts              []EventCount
	Cursor              *Cursor // nil ⇒ last page
}

// EventPage is one page of the ordered log stream.
type EventPage struct {
	Logs     []EventEntry
	Metadata PageMetadata
}
