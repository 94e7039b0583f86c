package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBlake2HashStable(t *testing.T) {
	a := Blake2Hash([]byte{0x38, 0x60, 0x00, 0x01})
	b := Blake2Hash([]byte{0x38, 0x60, 0x00, 0x01})
	c := Blake2Hash([]byte{0x38, 0x60, 0x00, 0x02})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a.Uint64(), c.Uint64())
	assert.False(t, IsNilHash(a))
	assert.Len(t, a.Hex(), 66)
}

func TestNames(t *testing.T) {
	assert.Equal(t, "0x00010000", FormatAddr(0x10000))
	assert.Equal(t, "block_0x00010040", BlockName(0x10040))
	assert.Equal(t, "function_0x00010000", FunctionName(0x10000))
	assert.Equal(t, []byte{0x4E, 0x80, 0x00, 0x20}, Uint32ToBytes(0x4E800020))
}
