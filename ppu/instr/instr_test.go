package instr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeAsmRoundTrip(t *testing.T) {
	a := NewAsm(0x10000)
	a.Addi(3, 4, -5).Add(5, 6, 7).Dot().Rlwinm(8, 9, 3, 0, 28).Lwz(10, 16, 1).Cmpwi(7, 3, 9).Mtlr(0).Blr()
	words := a.Words()
	require.Len(t, words, 7)

	op := Decode(words[0])
	assert.Equal(t, Addi, op.Kind)
	assert.Equal(t, uint8(3), op.RD)
	assert.Equal(t, uint8(4), op.RA)
	assert.Equal(t, int64(-5), op.Imm)

	op = Decode(words[1])
	assert.Equal(t, Add, op.Kind)
	assert.True(t, op.Rc)

	op = Decode(words[2])
	assert.Equal(t, Rlwinm, op.Kind)
	assert.Equal(t, uint8(3), op.SH)
	assert.Equal(t, uint8(28), op.ME)

	op = Decode(words[3])
	assert.Equal(t, Lwz, op.Kind)
	assert.Equal(t, int64(16), op.Imm)

	op = Decode(words[4])
	assert.Equal(t, Cmpi, op.Kind)
	assert.Equal(t, uint8(7), op.CRF)
	assert.False(t, op.L)

	op = Decode(words[5])
	assert.Equal(t, Mtspr, op.Kind)
	assert.Equal(t, uint16(8), op.SPR)

	assert.Equal(t, BLR, words[6])
	assert.Equal(t, BCLR, Decode(words[6]).Kind)
}

func TestBranchTargets(t *testing.T) {
	a := NewAsm(0x20000)
	a.B(0x1FFF0).Bl(0x20100).Beq(0, 0x20008).Ba(0x400)
	w := a.Words()

	assert.Equal(t, uint32(0x1FFF0), BranchTarget(0x20000, w[0]))
	assert.Equal(t, int32(-0x10), LI(w[0]))
	assert.Equal(t, uint32(0x20100), BranchTarget(0x20004, w[1]))
	assert.True(t, LK(w[1]))
	assert.Equal(t, uint32(0x20008), BranchTarget(0x20008, w[2]))
	assert.Equal(t, uint32(0x400), BranchTarget(0x2000C, w[3]))
	assert.True(t, AA(w[3]))
}

func TestClassifyBranch(t *testing.T) {
	a := NewAsm(0)
	a.B(0x40).Bl(0x40).Blr().Blrl().Bctr().Bctrl().Beq(0, 0x40).Nop()
	w := a.Words()
	expected := []BranchType{LocalBranch, FunctionCall, Return, FunctionCall, LocalBranch, FunctionCall, LocalBranch, NonBranch}
	for i, want := range expected {
		assert.Equal(t, want, ClassifyBranch(w[i]), "word %d", i)
	}
}

func TestUnknownDecode(t *testing.T) {
	assert.Equal(t, Unknown, Decode(0).Kind)
	assert.Equal(t, Unknown, Decode(0xFC000000).Kind) // fp opcode 63
	assert.Equal(t, "unknown", Decode(0).Kind.String())
}

func TestRotateMask(t *testing.T) {
	assert.Equal(t, ^uint64(0), RotateMask(0, 63))
	assert.Equal(t, uint64(0x8000000000000000), RotateMask(0, 0))
	assert.Equal(t, uint64(1), RotateMask(63, 63))
	assert.Equal(t, uint64(0x8000000000000001), RotateMask(63, 0))
	assert.Equal(t, uint64(0xFFFFFFFF), WordMask(0, 31))
	assert.Equal(t, uint64(0xFFFFFFF8), WordMask(0, 28))
	assert.Equal(t, uint64(0x12345678_12345678), RotateWord(0x12345678, 0))
	assert.Equal(t, uint64(0x23456781_23456781), RotateWord(0x12345678, 4))
}

func TestDisassemble(t *testing.T) {
	assert.Contains(t, Disassemble(0x10000, BLR), "blr")
}
