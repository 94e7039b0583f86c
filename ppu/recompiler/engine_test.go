package recompiler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/colorfulnotion/ppurec/ppu/analysis"
	"github.com/colorfulnotion/ppurec/ppu/cfg"
	"github.com/colorfulnotion/ppurec/ppu/config"
	"github.com/colorfulnotion/ppurec/ppu/guest"
	"github.com/colorfulnotion/ppurec/ppu/instr"
	"github.com/colorfulnotion/ppurec/ppu/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingCompiler records every compile and the peak number running at
// once.
type countingCompiler struct {
	inner compiler

	inflight atomic.Int32
	peak     atomic.Int32

	mu     sync.Mutex
	starts []uint32
}

func (c *countingCompiler) enter(start uint32) {
	n := c.inflight.Add(1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	c.mu.Lock()
	c.starts = append(c.starts, start)
	c.mu.Unlock()
	time.Sleep(time.Millisecond)
}

func (c *countingCompiler) CompileBlock(name string, g *cfg.Graph) (*Unit, error) {
	c.enter(g.StartAddress)
	defer c.inflight.Add(-1)
	return c.inner.CompileBlock(name, g)
}

func (c *countingCompiler) CompileFunction(addr uint32, count int) (*Unit, error) {
	c.enter(addr)
	defer c.inflight.Add(-1)
	return c.inner.CompileFunction(addr, count)
}

func (c *countingCompiler) GetStats() Stats { return c.inner.GetStats() }

func (c *countingCompiler) Starts() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint32(nil), c.starts...)
}

func newTestEngine(t *testing.T, mem *guest.Memory, c *config.Config) (*Engine, *countingCompiler) {
	t.Helper()
	e, err := NewEngine(mem, c)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	cc := &countingCompiler{inner: e.compiler}
	e.compiler = cc
	return e, cc
}

func linearTrace(fn uint32, addrs ...uint32) *trace.Trace {
	t := trace.New(fn)
	for _, a := range addrs {
		t.Entries = append(t.Entries, trace.InstructionEntry(a))
	}
	return t
}

func straightTrace(origin uint32, n int) *trace.Trace {
	addrs := make([]uint32, n)
	for i := range addrs {
		addrs[i] = origin + uint32(i)*instr.Width
	}
	return linearTrace(origin, addrs...)
}

func TestFoldSplitsAtCompiledBlock(t *testing.T) {
	e, _ := newTestEngine(t, loadProgram(t), testConfig(1000))
	tr := &trace.Trace{FunctionAddress: 0x1000, Entries: []trace.Entry{
		trace.InstructionEntry(0x1000),
		trace.BlockEntry(0x1004, 0x1010),
		trace.InstructionEntry(0x1014),
	}}
	touched := e.fold(tr)
	require.Len(t, touched, 2)
	assert.EqualValues(t, 0x1000, touched[0].StartAddress)
	assert.EqualValues(t, 0x1004, touched[1].StartAddress)
	assert.EqualValues(t, 0x1000, touched[1].FunctionAddress)

	fn := e.registry.Get(0x1000)
	assert.Equal(t, []uint32{0x1000, 0x1014}, fn.CFG.Instructions.Sorted())
	assert.Equal(t, []uint32{0x1014}, fn.CFG.Successors(0x1010))

	blk := e.registry.Get(0x1004)
	assert.Equal(t, []uint32{0x1014}, blk.CFG.Instructions.Sorted())
	assert.Equal(t, []uint32{0x1014}, blk.CFG.Successors(0x1010))

	// folding again changes nothing
	before := fn.CFG.Clone()
	e.fold(tr)
	assert.True(t, before.Equal(fn.CFG))
}

func TestFoldLoopWrapsToHead(t *testing.T) {
	e, _ := newTestEngine(t, loadProgram(t), testConfig(1000))
	tr := linearTrace(0x1000, 0x100C, 0x1010)
	tr.Kind = trace.Loop
	e.fold(tr)

	blk := e.registry.Get(0x100C)
	require.NotNil(t, blk)
	assert.Equal(t, []uint32{0x100C}, blk.CFG.Successors(0x1010))
	assert.Equal(t, []uint32{0x100C}, e.registry.Get(0x1000).CFG.Successors(0x1010))
}

func TestProcessTraceHitsAndMemo(t *testing.T) {
	mem := loadProgram(t, straightLine(0x1000, 10))
	e, cc := newTestEngine(t, mem, testConfig(3))
	tr := straightTrace(0x1000, 10)

	e.processTrace(tr)
	e.processTrace(tr)
	b := e.registry.Get(0x1000)
	assert.EqualValues(t, 2, b.NumHits)
	assert.False(t, b.IsCompiled)
	assert.Len(t, e.processed[tr.ID()], 1)
	assert.Nil(t, e.cache.Function(0x1000))

	e.processTrace(tr)
	assert.True(t, b.IsCompiled)
	assert.True(t, b.CompiledAsFunction)
	assert.Equal(t, 10, b.InstructionCount)
	assert.Zero(t, b.Generation)
	assert.Equal(t, b.CFG.Size(), b.LastCompiledCFGSize)
	assert.Empty(t, e.processed[tr.ID()])
	assert.NotNil(t, e.cache.Function(0x1000))

	e.processTrace(tr)
	assert.Equal(t, []uint32{0x1000}, cc.Starts())
	assert.EqualValues(t, 3, b.NumHits)
}

func TestFailedCompileRetriedAfterGrowth(t *testing.T) {
	e, cc := newTestEngine(t, loadProgram(t), testConfig(1))
	tr := linearTrace(0x7000, 0x7000)

	e.processTrace(tr)
	b := e.registry.Get(0x7000)
	assert.False(t, b.IsCompiled)
	assert.Equal(t, StatusNotCompilable, b.Status())
	assert.ErrorIs(t, b.AnalysisErr, analysis.ErrScanExhausted)
	assert.Len(t, cc.Starts(), 1)

	e.processTrace(tr)
	assert.Len(t, cc.Starts(), 1)

	e.processTrace(linearTrace(0x7000, 0x7000, 0x7004))
	assert.Len(t, cc.Starts(), 2)
	assert.True(t, b.Info().Failed)
}

// callChain: 0x1000 calls 0x2000, which calls 0x1000 and 0x3000; 0x3000
// branches backwards and cannot be compiled whole.
func callChain() []*instr.Asm {
	return []*instr.Asm{
		instr.NewAsm(0x1000).Mflr(30).Bl(0x2000).Mtlr(30).Blr(),
		instr.NewAsm(0x2000).Mflr(29).Bl(0x1000).Bl(0x3000).Mtlr(29).Blr(),
		instr.NewAsm(0x3000).B(0x0F00),
	}
}

func TestMinimalFunctionCompileSet(t *testing.T) {
	e, _ := newTestEngine(t, loadProgram(t, callChain()...), testConfig(1))
	assert.Equal(t, []uint32{0x1000, 0x2000}, e.MinimalFunctionCompileSet(0x1000))
	assert.Equal(t, StatusNotCompilable, e.registry.Get(0x3000).Status())
	assert.ErrorIs(t, e.registry.Get(0x3000).AnalysisErr, analysis.ErrBranchBeforeStart)
	assert.Equal(t, StatusCompilable, e.registry.Get(0x2000).Status())
}

func TestCompileSetOnWorker(t *testing.T) {
	e, err := NewEngine(loadProgram(t, callChain()...), testConfig(1))
	require.NoError(t, err)
	set, err := e.CompileSet(context.Background(), 0x2000)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0x1000, 0x2000}, set)

	info, ok := e.Block(0x3000)
	require.True(t, ok)
	assert.Equal(t, StatusNotCompilable.String(), info.Status)

	require.NoError(t, e.Close())
	_, err = e.CompileSet(context.Background(), 0x2000)
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestEagerCallees(t *testing.T) {
	c := testConfig(1)
	c.EagerCallees = true
	e, cc := newTestEngine(t, loadProgram(t, callChain()...), c)

	e.processTrace(linearTrace(0x1000, 0x1000, 0x1004))
	assert.Equal(t, []uint32{0x2000, 0x1000}, cc.Starts())
	assert.NotNil(t, e.cache.Function(0x2000))
	assert.NotNil(t, e.cache.Function(0x1000))
	assert.EqualValues(t, 0, e.registry.Get(0x2000).Generation)
	assert.EqualValues(t, 1, e.registry.Get(0x1000).Generation)
}

func TestRecompileCandidate(t *testing.T) {
	e, _ := newTestEngine(t, loadProgram(t), testConfig(1))
	grow := func(start, fn uint32, n int, compiled bool) {
		b := e.registry.GetOrCreate(start, fn)
		b.IsCompiled = compiled
		for i := 0; i < n; i++ {
			b.CFG.Instructions.Add(start + uint32(i)*4)
		}
	}
	grow(0x1000, 0x1000, 2, true)
	grow(0x2000, 0x2000, 5, true)
	grow(0x3000, 0x1000, 10, true)
	grow(0x4000, 0x4000, 20, false)

	got := e.recompileCandidate()
	require.NotNil(t, got)
	assert.EqualValues(t, 0x2000, got.StartAddress)

	for _, b := range e.registry.Entries() {
		b.LastCompiledCFGSize = b.CFG.Size()
	}
	assert.Nil(t, e.recompileCandidate())
}

func TestRecompileOnIdle(t *testing.T) {
	c := testConfig(1)
	c.RecompileOnIdle = true
	e, cc := newTestEngine(t, loadProgram(t, straightLine(0x1000, 10)), c)

	e.processTrace(straightTrace(0x1000, 10))
	require.True(t, e.registry.Get(0x1000).IsCompiled)

	e.idle()
	assert.Len(t, cc.Starts(), 1)

	e.processTrace(linearTrace(0x1000, 0x1000, 0x1008))
	e.idle()
	assert.Len(t, cc.Starts(), 2)
	assert.Equal(t, []uint64{0, 1}, e.cache.Generations(0x1000))
	b := e.registry.Get(0x1000)
	assert.EqualValues(t, 1, b.Generation)
	assert.Equal(t, b.CFG.Size(), b.LastCompiledCFGSize)
}

func TestEngineWorkerLifecycle(t *testing.T) {
	dir := t.TempDir()
	c := testConfig(1)
	c.LogDir = filepath.Join(dir, "logs")
	c.TraceDump = filepath.Join(dir, "traces.jsonl")
	c.AnalysisCache = filepath.Join(dir, "analysis")
	e, err := NewEngine(loadProgram(t, straightLine(0x1000, 10)), c)
	require.NoError(t, err)

	e.NotifyTrace(straightTrace(0x1000, 10))
	require.Eventually(t, func() bool {
		info, ok := e.Block(0x1000)
		return ok && info.IsCompiled
	}, 5*time.Second, 5*time.Millisecond)
	require.NotNil(t, e.Cache().Function(0x1000))
	assert.Len(t, e.Snapshot(), 1)

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	e.NotifyTrace(straightTrace(0x1000, 10))

	info, ok := e.Block(0x1000)
	require.True(t, ok)
	assert.Equal(t, "compiled", info.Status)
	assert.Nil(t, e.Cache().Function(0x1000))

	journal, err := os.ReadFile(filepath.Join(c.LogDir, fmt.Sprintf("ppurec_%d.log", e.ID)))
	require.NoError(t, err)
	assert.Contains(t, string(journal), "ID IS 0")
	assert.Contains(t, string(journal), "Total time")
	assert.Contains(t, string(journal), "Time spent idling")

	f, err := os.Open(c.TraceDump)
	require.NoError(t, err)
	defer f.Close()
	recs, err := trace.ReadJSONL(f)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, []uint32{0x1000}, recs[0].Blocks)

	store, err := analysis.OpenStore(c.AnalysisCache)
	require.NoError(t, err)
	defer store.Close()
	n, err := store.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEngineStopsWithSession(t *testing.T) {
	s := NewSession(loadProgram(t), testConfig(1))
	e, err := s.Acquire()
	require.NoError(t, err)
	e.NotifyTrace(linearTrace(0x7000, 0x7000))
	s.Stop()
	select {
	case <-e.done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
	require.NoError(t, s.Release())
	assert.Nil(t, s.Engine())
}

func TestNewEngineRejectsInvalidConfig(t *testing.T) {
	c := testConfig(0)
	_, err := NewEngine(loadProgram(t), c)
	assert.ErrorIs(t, err, config.ErrInvalid)
}
