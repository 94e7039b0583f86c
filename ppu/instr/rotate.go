package instr

import "math/bits"

// rotateMask[mb][me] holds the 64-bit mask with ones from bit mb through bit
// me (big-endian bit numbering), wrapping around when mb > me.
var rotateMask = buildRotateMask()

func buildRotateMask() (t [64][64]uint64) {
	ones := func(b, e int) uint64 {
		hi := ^uint64(0) >> uint(b)
		var lo uint64
		if e < 63 {
			lo = ^uint64(0) >> uint(e+1)
		}
		return hi &^ lo
	}
	for mb := 0; mb < 64; mb++ {
		for me := 0; me < 64; me++ {
			if mb <= me {
				t[mb][me] = ones(mb, me)
			} else {
				t[mb][me] = ^ones(me+1, mb-1)
			}
		}
	}
	return t
}

// RotateMask returns the 64-bit MASK(mb, me).
func RotateMask(mb, me uint32) uint64 { return rotateMask[mb&63][me&63] }

// WordMask returns the mask rlwinm/rlwimi use for their 32-bit mb and me.
func WordMask(mb, me uint32) uint64 { return rotateMask[(mb&31)+32][(me&31)+32] }

// RotateWord rotates the low word of v left by n and replicates it into both
// halves of the result, as the 32-bit rotate instructions define.
func RotateWord(v uint64, n uint32) uint64 {
	r := uint64(bits.RotateLeft32(uint32(v), int(n&31)))
	return r<<32 | r
}
