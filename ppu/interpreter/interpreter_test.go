package interpreter

import (
	"errors"
	"testing"

	"github.com/colorfulnotion/ppurec/ppu/guest"
	"github.com/colorfulnotion/ppurec/ppu/instr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	codeBase = 0x1000
	stopAddr = 0x0F00
)

func load(t *testing.T, a *instr.Asm) *guest.State {
	t.Helper()
	mem, err := guest.NewMemory(0x10000)
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })
	mem.WriteWords(a.Origin, a.Words()...)
	return guest.NewState(mem, a.Origin, stopAddr)
}

// run steps until the function returns to stopAddr.
func run(t *testing.T, st *guest.State) *Interpreter {
	t.Helper()
	in := New()
	for i := 0; st.PC != stopAddr; i++ {
		require.Less(t, i, 10000, "runaway program")
		require.NoError(t, in.Step(st))
		st.PC += instr.Width
	}
	return in
}

func TestArithmetic(t *testing.T) {
	a := instr.NewAsm(codeBase)
	a.Li(3, 7).Li(4, -3).Add(5, 3, 4).Subf(6, 4, 3).Mullw(7, 3, 4).Divw(8, 7, 4).Neg(9, 3).Blr()
	st := load(t, a)
	in := run(t, st)

	assert.Equal(t, uint64(4), st.GPR[5])
	assert.Equal(t, uint64(10), st.GPR[6])
	assert.Equal(t, uint64(0xFFFFFFFFFFFFFFEB), st.GPR[7]) // -21
	assert.Equal(t, uint64(7), st.GPR[8])
	assert.Equal(t, uint64(0xFFFFFFFFFFFFFFF9), st.GPR[9])
	assert.Equal(t, uint64(8), in.Executed)
}

func TestLogicalAndRotate(t *testing.T) {
	a := instr.NewAsm(codeBase)
	a.Lis(3, 0x1234).Ori(3, 3, 0x5678).Rlwinm(4, 3, 8, 24, 31).Slwi(5, 3, 4).Andi(6, 3, 0xF0).Xoris(7, 3, 0x1234).Blr()
	st := load(t, a)
	run(t, st)

	assert.Equal(t, uint64(0x12345678), st.GPR[3])
	assert.Equal(t, uint64(0x12), st.GPR[4])
	assert.Equal(t, uint64(0x23456780), st.GPR[5])
	assert.Equal(t, uint64(0x70), st.GPR[6])
	assert.Equal(t, uint64(0x5678), st.GPR[7])
	// andi. records a positive result in CR0
	assert.True(t, st.CRBit(instr.CRGt))
}

func TestCountedLoop(t *testing.T) {
	a := instr.NewAsm(codeBase)
	a.Li(3, 0).Li(4, 5).Mtctr(4)
	loop := a.PC()
	a.Addi(3, 3, 2).Bdnz(loop).Blr()
	st := load(t, a)
	run(t, st)

	assert.Equal(t, uint64(10), st.GPR[3])
	assert.Equal(t, uint64(0), st.CTR)
}

func TestCompareAndBranch(t *testing.T) {
	a := instr.NewAsm(codeBase)
	a.Li(3, 5).Cmpwi(0, 3, 5)
	skip := a.PC() + 8
	a.Beq(0, skip).Li(4, 1).Li(5, 1).Blr()
	st := load(t, a)
	run(t, st)

	assert.Equal(t, uint64(0), st.GPR[4])
	assert.Equal(t, uint64(1), st.GPR[5])
	assert.True(t, st.CRBit(instr.CREq))
}

func TestMemoryOps(t *testing.T) {
	a := instr.NewAsm(codeBase)
	a.Li(1, 0x4000).Li(3, -2).Stw(3, 8, 1).Lwz(4, 8, 1).Lha(5, 10, 1).Lbz(6, 11, 1).
		Stwu(3, 16, 1).Std(3, 8, 1).Ld(7, 8, 1).Blr()
	st := load(t, a)
	run(t, st)

	assert.Equal(t, uint64(0xFFFFFFFE), st.GPR[4])
	assert.Equal(t, uint64(0xFFFFFFFFFFFFFFFE), st.GPR[5])
	assert.Equal(t, uint64(0xFE), st.GPR[6])
	assert.Equal(t, uint64(0x4010), st.GPR[1])
	assert.Equal(t, uint64(0xFFFFFFFFFFFFFFFE), st.GPR[7])
}

func TestCallAndReturn(t *testing.T) {
	a := instr.NewAsm(codeBase)
	callee := uint32(codeBase + 0x100)
	a.Mflr(31).Bl(callee).Mtlr(31).Blr()
	c := instr.NewAsm(callee)
	c.Li(3, 42).Blr()

	st := load(t, a)
	st.Mem.WriteWords(c.Origin, c.Words()...)
	run(t, st)
	assert.Equal(t, uint64(42), st.GPR[3])
	assert.Equal(t, uint64(stopAddr), st.LR)
}

func TestSPRAndCR(t *testing.T) {
	a := instr.NewAsm(codeBase)
	a.Lis(3, -0x7000).Mtcrf(0x80, 3).Mfcr(4).Mtspr(guest.SprXER, 3).Mfspr(5, guest.SprXER).Blr()
	st := load(t, a)
	run(t, st)
	assert.Equal(t, uint32(0x90000000), st.CR)
	assert.Equal(t, uint64(0x90000000), st.GPR[4])
	assert.Equal(t, st.GPR[3], st.GPR[5])
}

func TestUnknownInstruction(t *testing.T) {
	a := instr.NewAsm(codeBase)
	a.Emit(0xFC000000)
	st := load(t, a)
	err := New().Step(st)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownInstruction))
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, int32(0), DivideWord(1, 0))
	assert.Equal(t, int32(0), DivideWord(-1<<31, -1))
	assert.Equal(t, uint32(0), DivideWordUnsigned(9, 0))
	assert.Equal(t, uint64(0), ShiftWord(1, 32, true))
	assert.Equal(t, uint64(0x80000000), ShiftWord(1, 31, true))
	assert.Equal(t, uint32(0xF000000F), CRFieldMask(0x81))
}
