package common

import (
	"encoding/binary"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Hash is a BLAKE2b-256 digest.
type Hash [32]byte

// ComputeHash computes the BLAKE2b hash of the given data
func ComputeHash(data []byte) []byte {
	hash := blake2b.Sum256(data)
	return hash[:]
}

func Blake2Hash(data []byte) Hash {
	return Hash(blake2b.Sum256(data))
}

func (h Hash) Bytes() []byte { return h[:] }

func (h Hash) Hex() string { return "0x" + hex.EncodeToString(h[:]) }

// Uint64 folds the first eight bytes of the digest into an id.
func (h Hash) Uint64() uint64 {
	return binary.BigEndian.Uint64(h[:8])
}

func IsNilHash(h Hash) bool {
	return h == Hash{}
}

// Uint32ToBytes encodes val big-endian, matching guest memory byte order.
func Uint32ToBytes(val uint32) []byte {
	bytes := make([]byte, 4)
	binary.BigEndian.PutUint32(bytes, val)
	return bytes
}
