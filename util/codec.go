package util

import (
	"github.com/tchajed/goose/machine"
	"github.com/tchajed/marshal"
)

// PutBytes appends b to enc as little-endian words. len(b) must be a
// multiple of 8.
func PutBytes(enc *marshal.Enc, b []byte) {
	if len(b)%8 != 0 {
		panic("PutBytes: length not a multiple of 8")
	}
	for i := 0; i < len(b); i += 8 {
		enc.PutInt(machine.UInt64Get(b[i : i+8]))
	}
}

// GetBytes is the inverse of PutBytes.
func GetBytes(dec *marshal.Dec, n uint64) []byte {
	if n%8 != 0 {
		panic("GetBytes: length not a multiple of 8")
	}
	b := make([]byte, n)
	for i := uint64(0); i < n; i += 8 {
		machine.UInt64Put(b[i:i+8], dec.GetInt())
	}
	return b
}
