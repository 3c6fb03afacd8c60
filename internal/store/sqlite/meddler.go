// Package sqlite implements the Event Store and Derived Store on SQLite via
// mattn/go-sqlite3 and russross/meddler, following the custom-converter idiom
// the teacher uses for domain types that do not map onto plain SQL columns.
package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/evmindex/indexcore/internal/store"
	"github.com/russross/meddler"
)

func init() {
	meddler.Register("address", addressMeddler{})
	meddler.Register("hash", hashMeddler{})
	meddler.Register("biguint", bigUintMeddler{})
}

// addressMeddler converts common.Address <-> BLOB.
type addressMeddler struct{}

func (addressMeddler) PreRead(fieldAddr interface{}) (interface{}, error) {
	return new(sql.RawBytes), nil
}

func (addressMeddler) PostRead(fieldAddr, scanTarget interface{}) error {
	raw, ok := scanTarget.(*sql.RawBytes)
	if !ok {
		return fmt.Errorf("address meddler: expected *sql.RawBytes, got %T", scanTarget)
	}
	switch ptr := fieldAddr.(type) {
	case **common.Address:
		if len(*raw) == 0 {
			*ptr = nil
			return nil
		}
		addr := common.BytesToAddress(*raw)
		*ptr = &addr
		return nil
	case *common.Address:
		*ptr = common.BytesToAddress(*raw)
		return nil
	default:
		return fmt.Errorf("address meddler: expected *common.Address or **common.Address, got %T", fieldAddr)
	}
}

func (addressMeddler) PreWrite(field interface{}) (interface{}, error) {
	switch v := field.(type) {
	case *common.Address:
		if v == nil {
			return nil, nil
		}
		return v.Bytes(), nil
	case common.Address:
		return v.Bytes(), nil
	default:
		return nil, fmt.Errorf("address meddler: expected common.Address or *common.Address, got %T", field)
	}
}

// hashMeddler converts common.Hash <-> BLOB, NULL-safe for the nullable topic slots.
type hashMeddler struct{}

func (hashMeddler) PreRead(fieldAddr interface{}) (interface{}, error) {
	return new(sql.RawBytes), nil
}

func (hashMeddler) PostRead(fieldAddr, scanTarget interface{}) error {
	raw, ok := scanTarget.(*sql.RawBytes)
	if !ok {
		return fmt.Errorf("hash meddler: expected *sql.RawBytes, got %T", scanTarget)
	}
	switch ptr := fieldAddr.(type) {
	case **common.Hash:
		if len(*raw) == 0 {
			*ptr = nil
			return nil
		}
		h := common.BytesToHash(*raw)
		*ptr = &h
		return nil
	case *common.Hash:
		*ptr = common.BytesToHash(*raw)
		return nil
	default:
		return fmt.Errorf("hash meddler: expected *common.Hash or **common.Hash, got %T", fieldAddr)
	}
}

func (hashMeddler) PreWrite(field interface{}) (interface{}, error) {
	switch v := field.(type) {
	case *common.Hash:
		if v == nil {
			return nil, nil
		}
		return v.Bytes(), nil
	case common.Hash:
		return v.Bytes(), nil
	default:
		return nil, fmt.Errorf("hash meddler: expected common.Hash or *common.Hash, got %T", field)
	}
}

// bigUintMeddler converts store.BigUint <-> fixed 32-byte big-endian BLOB,
// so that ORDER BY on the column matches numeric order.
type bigUintMeddler struct{}

func (bigUintMeddler) PreRead(fieldAddr interface{}) (interface{}, error) {
	return new(sql.RawBytes), nil
}

func (bigUintMeddler) PostRead(fieldAddr, scanTarget interface{}) error {
	raw, ok := scanTarget.(*sql.RawBytes)
	if !ok {
		return fmt.Errorf("biguint meddler: expected *sql.RawBytes, got %T", scanTarget)
	}
	switch ptr := fieldAddr.(type) {
	case **store.BigUint:
		if len(*raw) == 0 {
			*ptr = nil
			return nil
		}
		v := store.BigUintFromBytes32(*raw)
		*ptr = &v
		return nil
	case *store.BigUint:
		*ptr = store.BigUintFromBytes32(*raw)
		return nil
	default:
		return fmt.Errorf("biguint meddler: expected store.BigUint or *store.BigUint, got %T", fieldAddr)
	}
}

func (bigUintMeddler) PreWrite(field interface{}) (interface{}, error) {
	switch v := field.(type) {
	case *store.BigUint:
		if v == nil {
			return nil, nil
		}
		return v.Bytes32(), nil
	case store.BigUint:
		return v.Bytes32(), nil
	default:
		return nil, fmt.Errorf("biguint meddler: expected store.BigUint or *store.BigUint, got %T", field)
	}
}
