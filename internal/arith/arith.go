// Package arith interprets chain hashes as 256-bit integers.
package arith

import (
	"github.com/holiman/uint256"
)

// FromHash reads a 32-byte hash as a little-endian 256-bit integer, the
// byte order chain hashes are stored in.
func FromHash(h [32]byte) *uint256.Int {
	var be [32]byte
	for i := 0; i < 32; i++ {
		be[i] = h[31-i]
	}
	return new(uint256.Int).SetBytes32(be[:])
}

// ToHash is the inverse of FromHash.
func ToHash(x *uint256.Int) [32]byte {
	be := x.Bytes32()
	var out [32]byte
	for i := 0; i < 32; i++ {
		out[i] = be[31-i]
	}
	return out
}

// AbsDiff returns |a - b|.
func AbsDiff(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return new(uint256.Int).Sub(b, a)
	}
	return new(uint256.Int).Sub(a, b)
}

// Compact encodes x in the nBits floating point form: one size byte
// followed by a 23-bit mantissa.
func Compact(x *uint256.Int) uint32 {
	size := uint((x.BitLen() + 7) / 8)
	var mantissa uint64
	if size <= 3 {
		mantissa = x.Uint64() << (8 * (3 - size))
	} else {
		mantissa = new(uint256.Int).Rsh(x, 8*(size-3)).Uint64()
	}
	if mantissa&0x00800000 != 0 {
		mantissa >>= 8
		size++
	}
	return uint32(mantissa) | uint32(size)<<24
}
