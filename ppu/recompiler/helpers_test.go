package recompiler

import (
	"testing"
	"time"

	"github.com/colorfulnotion/ppurec/ppu/analysis"
	"github.com/colorfulnotion/ppurec/ppu/config"
	"github.com/colorfulnotion/ppurec/ppu/guest"
	"github.com/colorfulnotion/ppurec/ppu/instr"
	"github.com/stretchr/testify/require"
)

const (
	memSize  = 0x20000
	stopAddr = 0x0100
	dataBase = 0x8000
)

func loadProgram(t *testing.T, progs ...*instr.Asm) *guest.Memory {
	t.Helper()
	mem, err := guest.NewMemory(memSize)
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })
	for _, p := range progs {
		mem.WriteWords(p.Origin, p.Words()...)
	}
	return mem
}

func testConfig(threshold uint64) *config.Config {
	c := config.Default()
	c.HitThreshold = threshold
	c.IdleTimeout = 10 * time.Millisecond
	return c
}

// stubDecoder stands in for the dispatcher when compiled code is run on its
// own.
type stubDecoder struct {
	calls    []uint32
	contexts []uint64
}

func (d *stubDecoder) ExecuteFunction(st *guest.State, ctx uint64) uint32 {
	d.calls = append(d.calls, st.PC)
	st.GPR[3] += 100
	st.PC = uint32(st.LR)
	return 0
}

func (d *stubDecoder) ExecuteTillReturn(st *guest.State, ctx uint64) uint32 {
	d.contexts = append(d.contexts, ctx)
	return 0
}

func stubState(mem *guest.Memory, entry uint32) (*guest.State, *stubDecoder) {
	st := guest.NewState(mem, entry, stopAddr)
	d := &stubDecoder{}
	st.Decoder = d
	return st, d
}

// straightLine is li r3,1 followed by n-2 increments and blr: n instructions
// leaving r3 = n-1.
func straightLine(origin uint32, n int) *instr.Asm {
	a := instr.NewAsm(origin).Li(3, 1)
	for i := 0; i < n-2; i++ {
		a.Addi(3, 3, 1)
	}
	return a.Blr()
}

// counted loops r4 times adding 1 to r3, then returns.
func counted(origin uint32, n int32) *instr.Asm {
	a := instr.NewAsm(origin).
		Li(3, 0).
		Li(4, n).
		Mtctr(4)
	head := a.PC()
	return a.Addi(3, 3, 1).
		Bdnz(head).
		Blr()
}

func analysisResult(compilable bool, count uint32, callees ...uint32) analysis.Result {
	return analysis.Result{Compilable: compilable, InstructionCount: count, Callees: callees}
}
