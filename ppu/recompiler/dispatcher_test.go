package recompiler

import (
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/colorfulnotion/ppurec/ppu/config"
	"github.com/colorfulnotion/ppurec/ppu/guest"
	"github.com/colorfulnotion/ppurec/ppu/instr"
	"github.com/colorfulnotion/ppurec/ppu/interpreter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDispatcher(t *testing.T, mem *guest.Memory, c *config.Config) (*Session, *Dispatcher) {
	t.Helper()
	s := NewSession(mem, c)
	d, err := s.NewDispatcher()
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return s, d
}

func waitCompiled(t *testing.T, e *Engine, addr uint32) BlockInfo {
	t.Helper()
	var info BlockInfo
	require.Eventually(t, func() bool {
		var ok bool
		info, ok = e.Block(addr)
		return ok && info.IsCompiled
	}, 5*time.Second, 5*time.Millisecond)
	return info
}

func run(t *testing.T, d *Dispatcher, mem *guest.Memory, entry uint32) *guest.State {
	t.Helper()
	st := guest.NewState(mem, entry, stopAddr)
	require.NoError(t, d.Run(st))
	return st
}

func TestEndToEndStraightLineFunction(t *testing.T) {
	mem := loadProgram(t, straightLine(0x1000, 10))
	_, d := newDispatcher(t, mem, testConfig(1))

	st := run(t, d, mem, 0x1000)
	assert.EqualValues(t, 9, st.GPR[3])
	assert.True(t, st.Stopped())
	assert.EqualValues(t, 10, d.Interpreted())

	info := waitCompiled(t, d.Engine(), 0x1000)
	assert.Equal(t, 10, info.InstructionCount)
	assert.True(t, info.CompiledAsFunction)

	exe := d.Engine().Cache().Function(0x1000)
	require.NotNil(t, exe)
	fresh := guest.NewState(mem, 0x1000, stopAddr)
	fresh.Decoder = d
	assert.Zero(t, exe(fresh, 0))
	assert.EqualValues(t, 9, fresh.GPR[3])

	// the next run goes through compiled code only
	st = run(t, d, mem, 0x1000)
	assert.EqualValues(t, 9, st.GPR[3])
	assert.EqualValues(t, 10, d.Interpreted())
}

// mixedProgram: main loops 20 times calling leaf, which scrambles r3 and
// stores it through r10.
func mixedProgram() []*instr.Asm {
	main := instr.NewAsm(0x1000).
		Mflr(30).
		Li(3, 7).
		Li(10, dataBase-4).
		Li(4, 20).
		Mtctr(4)
	head := main.PC()
	main.Bl(0x2000).
		Add(5, 5, 3).
		Bdnz(head).
		Mtlr(30).
		Blr()

	leaf := instr.NewAsm(0x2000).
		Mulli(3, 3, 3).
		Addi(3, 3, 1).
		Andi(3, 3, 0xFFFF).
		Cmpwi(0, 3, 100)
	skip := leaf.PC() + 2*instr.Width
	leaf.Blt(0, skip).
		Xori(3, 3, 0x55).
		Stwu(3, 4, 10).
		Blr()
	return []*instr.Asm{main, leaf}
}

func snapshot(st *guest.State, mem *guest.Memory) ([32]uint64, uint64, uint32, []byte) {
	return st.GPR, st.CTR, st.CR, mem.Bytes(dataBase, 20*4)
}

func TestCompiledMatchesInterpreted(t *testing.T) {
	refMem := loadProgram(t, mixedProgram()...)
	_, ref := newDispatcher(t, refMem, testConfig(1<<40))
	refState := run(t, ref, refMem, 0x1000)
	wantGPR, wantCTR, wantCR, wantData := snapshot(refState, refMem)
	require.NotZero(t, wantGPR[5])

	mem := loadProgram(t, mixedProgram()...)
	_, d := newDispatcher(t, mem, testConfig(1))
	for i := 0; i < 4; i++ {
		st := run(t, d, mem, 0x1000)
		gpr, ctr, cr, data := snapshot(st, mem)
		assert.Equal(t, wantGPR, gpr, "run %d", i)
		assert.Equal(t, wantCTR, ctr, "run %d", i)
		assert.Equal(t, wantCR, cr, "run %d", i)
		assert.Equal(t, wantData, data, "run %d", i)
		if i == 0 {
			waitCompiled(t, d.Engine(), 0x1000)
			waitCompiled(t, d.Engine(), 0x2000)
		}
	}
	before := d.Interpreted()
	run(t, d, mem, 0x1000)
	assert.Equal(t, before, d.Interpreted())
}

func TestExitValueContract(t *testing.T) {
	prog := counted(0x6000, 3)
	mem := loadProgram(t, prog)
	_, d := newDispatcher(t, mem, testConfig(1))

	st := run(t, d, mem, 0x6000)
	assert.EqualValues(t, 3, st.GPR[3])

	// the loop body is compiled from its first loop trace, which never
	// reaches the instruction after the loop
	info := waitCompiled(t, d.Engine(), 0x600C)
	assert.False(t, info.CompiledAsFunction)
	assert.Zero(t, info.Generation)

	exe := d.Engine().Cache().Block(0x600C)
	require.NotNil(t, exe)
	st = guest.NewState(mem, 0x600C, stopAddr)
	st.Decoder = d
	st.CTR = 1
	assert.EqualValues(t, 0x6014, exe(st, 0))
	assert.EqualValues(t, 0x6014, st.PC)
	assert.EqualValues(t, 0x6010, st.ExitFrom)
	assert.EqualValues(t, 1, st.GPR[3])
}

func TestExclusionRangeHidesGenerations(t *testing.T) {
	c := testConfig(1)
	c.ExclusionRange = true
	c.MinID, c.MaxID = 0, 1
	mem := loadProgram(t, straightLine(0x1000, 4), straightLine(0x2000, 6))
	_, d := newDispatcher(t, mem, c)
	e := d.Engine()

	run(t, d, mem, 0x1000)
	assert.Zero(t, waitCompiled(t, e, 0x1000).Generation)
	run(t, d, mem, 0x2000)
	assert.EqualValues(t, 1, waitCompiled(t, e, 0x2000).Generation)

	assert.Nil(t, e.Cache().Function(0x1000))
	assert.Equal(t, []uint64{0}, e.Cache().Generations(0x1000))
	assert.NotNil(t, e.Cache().Function(0x2000))

	// generation 0 stays interpreted
	before := d.Interpreted()
	run(t, d, mem, 0x1000)
	assert.Equal(t, before+4, d.Interpreted())
}

func TestSessionStopEndsCompiledLoop(t *testing.T) {
	a := instr.NewAsm(0x1000)
	a.Addi(3, 3, 1).B(0x1000)
	mem := loadProgram(t, a)
	s, d := newDispatcher(t, mem, testConfig(1))

	st := guest.NewState(mem, 0x1000, stopAddr)
	done := make(chan error, 1)
	go func() { done <- d.Run(st) }()

	waitCompiled(t, d.Engine(), 0x1000)
	s.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("guest thread did not stop")
	}
	assert.NotZero(t, st.GPR[3])
}

func TestGuestFaults(t *testing.T) {
	mem := loadProgram(t,
		instr.NewAsm(0x1000).Lis(4, 0x7FFF).Lwz(3, 0, 4).Blr(),
		instr.NewAsm(0x2000).Li(3, 1).Emit(0).Blr(),
	)
	_, d := newDispatcher(t, mem, testConfig(1<<40))

	err := d.Run(guest.NewState(mem, 0x1000, stopAddr))
	require.ErrorIs(t, err, guest.ErrAccessViolation)
	assert.True(t, IsFault(err))

	st := guest.NewState(mem, 0x2000, stopAddr)
	err = d.Run(st)
	require.ErrorIs(t, err, interpreter.ErrUnknownInstruction)
	assert.EqualValues(t, 0x2004, st.PC)
}

func TestConcurrentThreadsSerializeCompiles(t *testing.T) {
	const threads = 4
	var progs []*instr.Asm
	for i := 0; i < threads; i++ {
		progs = append(progs, counted(0x1000+uint32(i)*0x100, 5))
	}
	mem := loadProgram(t, progs...)
	s := NewSession(mem, testConfig(1))
	e, err := s.Acquire()
	require.NoError(t, err)
	defer s.Release()
	cc := &countingCompiler{inner: e.compiler}
	e.compiler = cc

	var g errgroup.Group
	for i := 0; i < threads; i++ {
		entry := 0x1000 + uint32(i)*0x100
		g.Go(func() error {
			d, err := s.NewDispatcher()
			if err != nil {
				return err
			}
			defer d.Close()
			for n := 0; n < 3; n++ {
				st := guest.NewState(mem, entry, stopAddr)
				if err := d.Run(st); err != nil {
					return err
				}
				if st.GPR[3] != 5 {
					t.Errorf("thread %#x: r3 = %d", entry, st.GPR[3])
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	for i := 0; i < threads; i++ {
		waitCompiled(t, e, 0x1000+uint32(i)*0x100)
	}
	assert.EqualValues(t, 1, cc.peak.Load())

	seen := map[uint32]int{}
	for _, a := range cc.Starts() {
		seen[a]++
	}
	for i := 0; i < threads; i++ {
		assert.Equal(t, 1, seen[0x1000+uint32(i)*0x100])
	}
}

func TestSessionRefCounting(t *testing.T) {
	s := NewSession(loadProgram(t), nil)
	assert.Nil(t, s.Engine())
	d1, err := s.NewDispatcher()
	require.NoError(t, err)
	d2, err := s.NewDispatcher()
	require.NoError(t, err)
	assert.Same(t, d1.Engine(), d2.Engine())

	require.NoError(t, d1.Close())
	require.NoError(t, d1.Close())
	assert.NotNil(t, s.Engine())
	require.NoError(t, d2.Close())
	assert.Nil(t, s.Engine())
	assert.NoError(t, s.Release())
}
