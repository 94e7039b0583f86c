package trace

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct{ traces []*Trace }

func (c *collector) NotifyTrace(t *Trace) { c.traces = append(c.traces, t) }

func TestLoopDetection(t *testing.T) {
	const fn, a, b, c = 0x1000, 0x1000, 0x1004, 0x1008
	sink := &collector{}
	tr := NewTracer(sink)

	tr.EnterFunction(fn)
	tr.Instruction(a)
	tr.Instruction(b)
	tr.Instruction(c)
	tr.Instruction(b)

	require.Len(t, sink.traces, 1)
	loop := sink.traces[0]
	assert.Equal(t, Loop, loop.Kind)
	assert.Equal(t, uint32(fn), loop.FunctionAddress)
	assert.Equal(t, []Entry{InstructionEntry(b), InstructionEntry(c)}, loop.Entries)

	// the back edge c -> b is implied by wrapping around
	next, ok := loop.Next(1)
	require.True(t, ok)
	assert.Equal(t, uint32(b), next.Addr)

	tr.Return()
	require.Len(t, sink.traces, 2)
	outer := sink.traces[1]
	assert.Equal(t, Linear, outer.Kind)
	assert.Equal(t, []Entry{InstructionEntry(a), InstructionEntry(b)}, outer.Entries)
	assert.Equal(t, 0, tr.Depth())
}

func TestStableLoopTraces(t *testing.T) {
	sink := &collector{}
	tr := NewTracer(sink)
	tr.EnterFunction(0x2000)
	tr.Instruction(0x2000)
	for i := 0; i < 3; i++ {
		tr.Instruction(0x2004)
		tr.Instruction(0x2008)
	}
	tr.Instruction(0x2004)
	require.Len(t, sink.traces, 3)
	for _, loop := range sink.traces {
		assert.Equal(t, sink.traces[0].ID(), loop.ID())
	}
}

func TestCallsAndCompiledBlocks(t *testing.T) {
	sink := &collector{}
	tr := NewTracer(sink)

	tr.EnterFunction(0x3000)
	tr.Instruction(0x3000)
	tr.CallFunction(0x4000)
	tr.EnterFunction(0x4000)
	tr.ExitFromCompiledBlock(0x4000, 0)
	require.Len(t, sink.traces, 1)
	assert.Equal(t, []Entry{BlockEntry(0x4000, 0)}, sink.traces[0].Entries)

	tr.Instruction(0x3004)
	tr.Return()
	require.Len(t, sink.traces, 2)
	assert.Equal(t, []Entry{InstructionEntry(0x3000), CallEntry(0x4000), InstructionEntry(0x3004)}, sink.traces[1].Entries)

	tr.ExitFromCompiledFunction(0x5000, 0)
	assert.Equal(t, 0, tr.Depth())
	tr.ExitFromCompiledFunction(0x5000, 0x5010)
	assert.Equal(t, 1, tr.Depth())
	tr.Instruction(0x5014)
	tr.Return()
	require.Len(t, sink.traces, 3)
	assert.Equal(t, []Entry{BlockEntry(0x5000, 0x5010), InstructionEntry(0x5014)}, sink.traces[2].Entries)
}

func TestTraceID(t *testing.T) {
	a := &Trace{FunctionAddress: 1, Entries: []Entry{InstructionEntry(4)}}
	b := &Trace{FunctionAddress: 1, Entries: []Entry{InstructionEntry(4)}}
	c := &Trace{FunctionAddress: 1, Kind: Loop, Entries: []Entry{InstructionEntry(4)}}
	assert.Equal(t, a.ID(), b.ID())
	assert.NotEqual(t, a.ID(), c.ID())
}

func TestJSONLWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf)
	tr := &Trace{FunctionAddress: 0x1000, Entries: []Entry{InstructionEntry(0x1000), BlockEntry(0x1004, 0x1010)}}
	require.NoError(t, w.Write(&Record{ID: tr.ID(), Trace: tr, Blocks: []uint32{0x1000}}))
	require.NoError(t, w.Close())
	require.ErrorIs(t, w.Write(&Record{}), ErrWriterClosed)

	recs, err := ReadJSONL(&buf)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, tr.ID(), recs[0].ID)
	assert.Equal(t, tr.Entries, recs[0].Trace.Entries)
}
