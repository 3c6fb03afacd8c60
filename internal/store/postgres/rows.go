package postgres

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/evmindex/indexcore/internal/store"
)

func optionalHash(b []byte) *common.Hash {
	if len(b) == 0 {
		return nil
	}
	h := common.BytesToHash(b)
	return &h
}

func optionalBigUint(b []byte) *store.BigUint {
	if len(b) == 0 {
		return nil
	}
	v := store.BigUintFromBytes32(b)
	return &v
}

func bigUintBytesOrNil(b *store.BigUint) []byte {
	if b == nil {
		return nil
	}
	return b.Bytes32()
}

func addressBytesOrNil(a *common.Address) []byte {
	if a == nil {
		return nil
	}
	return a.Bytes()
}

func hashBytesOrNil(h *common.Hash) []byte {
	if h == nil {
		return nil
	}
	return h.Bytes()
}
