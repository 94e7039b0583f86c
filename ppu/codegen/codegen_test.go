package codegen

import (
	"testing"

	"github.com/colorfulnotion/ppurec/ppu/guest"
	"github.com/colorfulnotion/ppurec/ppu/ir"
	"github.com/colorfulnotion/ppurec/ppu/ir/opt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDecoder struct {
	calls    []uint32
	contexts []uint64
}

func (d *recordingDecoder) ExecuteFunction(st *guest.State, ctx uint64) uint32 {
	d.calls = append(d.calls, st.PC)
	st.GPR[3]++
	return 0
}

func (d *recordingDecoder) ExecuteTillReturn(st *guest.State, ctx uint64) uint32 {
	d.contexts = append(d.contexts, ctx)
	return 0
}

func newState(t *testing.T) (*guest.State, *recordingDecoder) {
	t.Helper()
	mem, err := guest.NewMemory(0x10000)
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })
	st := guest.NewState(mem, 0x1000, 0x0F00)
	d := &recordingDecoder{}
	st.Decoder = d
	return st, d
}

func generate(t *testing.T, f *ir.Func) guest.Executable {
	t.Helper()
	require.NoError(t, ir.Verify(f))
	m, err := Generate(f)
	require.NoError(t, err)
	return m.Executable()
}

// sumLoop stores 1+2+...+n into r3 with a counted loop carried by phis.
func sumLoop(n uint64) *ir.Func {
	f := ir.NewFunc("sum")
	b := ir.NewBuilder(f)
	entry := f.NewBlock("entry", 0x1000)
	loop := f.NewBlock("loop", 0x1004)
	done := f.NewBlock("done", 0x1008)

	b.SetInsertPoint(entry)
	b.Br(loop)

	f.ComputePreds()
	b.SetInsertPoint(loop)
	i := b.Phi()
	acc := b.Phi()
	next := b.Add(i, b.Const(1))
	sum := b.Add(acc, next)
	b.CondBr(b.Binary(ir.OpLtU, next, b.Const(n)), loop, done)
	i.AddIncoming(b.Const(0), entry)
	i.AddIncoming(next, loop)
	acc.AddIncoming(b.Const(0), entry)
	acc.AddIncoming(sum, loop)

	b.SetInsertPoint(done)
	b.StoreGPR(3, sum)
	b.Ret(b.Const(0))
	return f
}

func TestLoopWithPhis(t *testing.T) {
	st, _ := newState(t)
	exe := generate(t, sumLoop(10))
	assert.Zero(t, exe(st, 0))
	assert.EqualValues(t, 55, st.GPR[3])

	// frames are not shared between calls
	assert.Zero(t, exe(st, 0))
	assert.EqualValues(t, 55, st.GPR[3])
}

func TestPhiSwapIsParallel(t *testing.T) {
	f := ir.NewFunc("swap")
	b := ir.NewBuilder(f)
	entry := f.NewBlock("entry", 0)
	loop := f.NewBlock("loop", 4)
	done := f.NewBlock("done", 8)

	b.SetInsertPoint(entry)
	b.Br(loop)
	f.ComputePreds()

	b.SetInsertPoint(loop)
	x, y, n := b.Phi(), b.Phi(), b.Phi()
	n1 := b.Add(n, b.Const(1))
	b.CondBr(b.Binary(ir.OpLtU, n1, b.Const(3)), loop, done)
	x.AddIncoming(b.Const(1), entry)
	x.AddIncoming(y, loop)
	y.AddIncoming(b.Const(2), entry)
	y.AddIncoming(x, loop)
	n.AddIncoming(b.Const(0), entry)
	n.AddIncoming(n1, loop)

	b.SetInsertPoint(done)
	b.StoreGPR(3, x)
	b.StoreGPR(4, y)
	b.Ret(b.Const(0))

	st, _ := newState(t)
	generate(t, f)(st, 0)
	// three passes through loop, two swaps taken
	assert.EqualValues(t, 1, st.GPR[3])
	assert.EqualValues(t, 2, st.GPR[4])
}

func TestExitValueAndState(t *testing.T) {
	f := ir.NewFunc("exit")
	b := ir.NewBuilder(f)
	b.SetInsertPoint(f.NewBlock("entry", 0x1000))
	b.StoreSPR(ir.SprCR, b.Const(0x1_2000_0000))
	b.SetExitFrom(b.Const(0x1000))
	b.SetPC(b.Const(0x1234))
	b.Ret(b.Const(0x1234))

	st, _ := newState(t)
	assert.EqualValues(t, 0x1234, generate(t, f)(st, 0))
	assert.EqualValues(t, 0x1234, st.PC)
	assert.EqualValues(t, 0x1000, st.ExitFrom)
	assert.EqualValues(t, 0x20000000, st.CR)
}

func TestCallsGoThroughDecoder(t *testing.T) {
	f := ir.NewFunc("calls")
	b := ir.NewBuilder(f)
	b.SetInsertPoint(f.NewBlock("entry", 0x1000))
	b.Call(0x2000)
	b.CallIndirect(b.Const(0x3003))
	b.Interpret(b.Const(guest.PackContext(0x1000, 0x1010)))
	b.Ret(b.Const(0))

	st, d := newState(t)
	generate(t, f)(st, 0)
	assert.Equal(t, []uint32{0x2000, 0x3000}, d.calls)
	assert.Equal(t, []uint64{0x0000100000001010}, d.contexts)
	assert.EqualValues(t, 2, st.GPR[3])
}

func TestPollSeesStop(t *testing.T) {
	f := ir.NewFunc("poll")
	b := ir.NewBuilder(f)
	b.SetInsertPoint(f.NewBlock("entry", 0))
	b.Ret(b.Poll())
	exe := generate(t, f)

	st, _ := newState(t)
	assert.Zero(t, exe(st, 0))
	st.FastStop()
	assert.EqualValues(t, 1, exe(st, 0))
}

func TestMemoryOps(t *testing.T) {
	f := ir.NewFunc("mem")
	b := ir.NewBuilder(f)
	b.SetInsertPoint(f.NewBlock("entry", 0))
	addr := b.Const(0x8000)
	b.Store(4, addr, b.Const(0xDEADBEEF))
	b.StoreGPR(3, b.Load(2, addr))
	b.StoreGPR(4, b.Unary(ir.OpSext16, b.Load(2, b.Const(0x8002))))
	b.Store(1, b.Const(0x8010), b.LoadGPR(5))
	b.Ret(b.Const(0))

	st, _ := newState(t)
	st.GPR[5] = 0x1FF
	generate(t, f)(st, 0)
	assert.EqualValues(t, 0xDEAD, st.GPR[3])
	assert.Equal(t, uint64(0xFFFFFFFFFFFFBEEF), st.GPR[4])
	assert.EqualValues(t, 0xFF, st.Mem.Read8(0x8010))
}

func TestOpsMatchFolder(t *testing.T) {
	samples := []uint64{0, 1, 2, 31, 32, 63, 0x7FFFFFFF, 0x80000000, 0xFFFFFFFF, 0xFFFFFFFFFFFFFFFF, 0x123456789}
	for op, fn := range unary {
		for _, x := range samples {
			want, ok := opt.Eval(op, x)
			require.True(t, ok, op.String())
			assert.Equal(t, want, fn(x), "%s %#x", op, x)
		}
	}
	for op, fn := range binary {
		for _, x := range samples {
			for _, y := range samples {
				want, ok := opt.Eval(op, x, y)
				require.True(t, ok, op.String())
				assert.Equal(t, want, fn(x, y), "%s %#x %#x", op, x, y)
			}
		}
	}
}

func TestGenerateErrors(t *testing.T) {
	_, err := Generate(ir.NewFunc("empty"))
	assert.ErrorIs(t, err, ErrEmptyFunction)

	f := ir.NewFunc("open")
	f.NewBlock("entry", 0)
	_, err = Generate(f)
	assert.ErrorIs(t, err, ErrUnterminated)
}

func TestClosedModulePanics(t *testing.T) {
	f := ir.NewFunc("closed")
	b := ir.NewBuilder(f)
	b.SetInsertPoint(f.NewBlock("entry", 0))
	b.Ret(b.Const(0))
	m, err := Generate(f)
	require.NoError(t, err)
	require.NoError(t, m.Close())

	st, _ := newState(t)
	assert.Panics(t, func() { m.Executable()(st, 0) })
}
