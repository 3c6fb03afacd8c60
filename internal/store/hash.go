package store

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// filterHasher builds the deterministic filterKey for a LogFilter's identity.
type filterHasher struct {
	h [32]byte
	d []byte
}

func newFilterHasher() *filterHasher {
	return &filterHasher{}
}

func (f *filterHasher) writeBytes(b []byte) {
	f.d = append(f.d, b...)
}

func (f *filterHasher) writeString(s string) {
	f.d = append(f.d, []byte(s)...)
}

func (f *filterHasher) writeUint64(v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	f.d = append(f.d, buf[:]...)
}

func (f *filterHasher) sum() string {
	sum := sha256.Sum256(f.d)
	return hex.EncodeToString(sum[:])
}
