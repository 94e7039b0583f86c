package trace

import (
	"github.com/colorfulnotion/ppurec/common"
	"github.com/colorfulnotion/ppurec/log"
)

// Sink receives completed traces. Ownership passes with the call.
type Sink interface {
	NotifyTrace(t *Trace)
}

// Tracer turns the event stream of one guest thread into traces. It is not
// safe for concurrent use; every guest thread owns its own Tracer.
type Tracer struct {
	sink  Sink
	stack []*Trace
}

func NewTracer(sink Sink) *Tracer {
	return &Tracer{sink: sink}
}

// Depth is the number of traces in progress.
func (t *Tracer) Depth() int { return len(t.stack) }

func (t *Tracer) top() *Trace {
	if len(t.stack) == 0 {
		return nil
	}
	return t.stack[len(t.stack)-1]
}

func (t *Tracer) EnterFunction(addr uint32) {
	t.stack = append(t.stack, New(addr))
	log.Trace(log.TracerModule, "enter function", "addr", common.FormatAddr(addr), "depth", len(t.stack))
}

func (t *Tracer) CallFunction(addr uint32) {
	if top := t.top(); top != nil {
		top.Entries = append(top.Entries, CallEntry(addr))
	}
}

// Instruction records addr, cutting a loop trace out of the current trace if
// addr was already visited in it. The enclosing trace keeps the path up to
// and including the loop head.
func (t *Tracer) Instruction(addr uint32) {
	top := t.top()
	if top == nil {
		return
	}
	for i := len(top.Entries) - 1; i >= 0; i-- {
		e := top.Entries[i]
		if e.Type == FunctionCall || e.PrimaryAddress() != addr {
			continue
		}
		loop := &Trace{
			FunctionAddress: top.FunctionAddress,
			Kind:            Loop,
			Entries:         append([]Entry(nil), top.Entries[i:]...),
		}
		top.Entries = append(top.Entries[:i], InstructionEntry(addr))
		log.Trace(log.TracerModule, "loop detected", "head", common.FormatAddr(addr), "len", len(loop.Entries))
		t.emit(loop)
		return
	}
	top.Entries = append(top.Entries, InstructionEntry(addr))
}

// ExitFromCompiledBlock records a compiled block run; exit 0 means the block
// returned from the function.
func (t *Tracer) ExitFromCompiledBlock(entry, exit uint32) {
	top := t.top()
	if top == nil {
		return
	}
	top.Entries = append(top.Entries, BlockEntry(entry, exit))
	if exit == 0 {
		t.pop()
	}
}

// ExitFromCompiledFunction opens a trace for interpretation resumed from
// inside a compiled function.
func (t *Tracer) ExitFromCompiledFunction(function, exit uint32) {
	if exit == 0 {
		return
	}
	tr := New(function)
	tr.Entries = append(tr.Entries, BlockEntry(function, exit))
	t.stack = append(t.stack, tr)
}

func (t *Tracer) Return() {
	t.pop()
}

// Flush emits every trace still in progress, innermost first. The dispatcher
// calls it when a guest thread stops mid-function.
func (t *Tracer) Flush() {
	for len(t.stack) > 0 {
		t.pop()
	}
}

func (t *Tracer) pop() {
	top := t.top()
	if top == nil {
		return
	}
	t.stack = t.stack[:len(t.stack)-1]
	top.Kind = Linear
	t.emit(top)
}

func (t *Tracer) emit(tr *Trace) {
	if len(tr.Entries) == 0 || t.sink == nil {
		return
	}
	t.sink.NotifyTrace(tr)
}
