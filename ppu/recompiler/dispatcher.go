package recompiler

import (
	"errors"
	"fmt"

	"github.com/colorfulnotion/ppurec/common"
	"github.com/colorfulnotion/ppurec/log"
	"github.com/colorfulnotion/ppurec/ppu/guest"
	"github.com/colorfulnotion/ppurec/ppu/instr"
	"github.com/colorfulnotion/ppurec/ppu/interpreter"
	"github.com/colorfulnotion/ppurec/ppu/metrics"
	"github.com/colorfulnotion/ppurec/ppu/trace"
)

// Dispatcher runs one guest thread, preferring compiled code and falling
// back to interpreting one instruction at a time. It is the guest.Reentry
// compiled code calls back into. Not safe for concurrent use.
type Dispatcher struct {
	engine  *Engine
	cache   *Cache
	emu     guest.StopSource
	tracer  *trace.Tracer
	interp  *interpreter.Interpreter
	metrics *metrics.Metrics
	release func() error
}

// NewDispatcher feeds e with the traces of one guest thread. emu may be nil.
func NewDispatcher(e *Engine, emu guest.StopSource) *Dispatcher {
	return &Dispatcher{
		engine:  e,
		cache:   e.Cache(),
		emu:     emu,
		tracer:  trace.NewTracer(e),
		interp:  interpreter.New(),
		metrics: e.metrics,
	}
}

func (d *Dispatcher) Engine() *Engine { return d.engine }

// Interpreted counts the instructions this dispatcher interpreted.
func (d *Dispatcher) Interpreted() uint64 { return d.interp.Executed }

// Run executes the function at st.PC until it returns to st.StopAddress or
// the thread is stopped. Guest memory faults and undecodable instructions are
// returned as errors.
func (d *Dispatcher) Run(st *guest.State) (err error) {
	st.Decoder = d
	if st.Emu == nil && d.emu != nil {
		st.Emu = d.emu
	}
	defer d.tracer.Flush()
	defer func() {
		if r := recover(); r != nil {
			av, ok := r.(*guest.AccessViolation)
			if !ok {
				panic(r)
			}
			st.SetFault(av)
			err = fmt.Errorf("guest thread at %s: %w", common.FormatAddr(st.PC), av)
		}
	}()

	d.ExecuteFunction(st, 0)
	return st.Fault
}

// ExecuteFunction runs the function at st.PC, compiled when available.
func (d *Dispatcher) ExecuteFunction(st *guest.State, ctx uint64) uint32 {
	if exec := d.cache.Function(st.PC); exec != nil {
		d.metrics.Dispatch(metrics.PathFunction)
		return exec(st, 0)
	}
	d.tracer.EnterFunction(st.PC)
	return d.ExecuteTillReturn(st, 0)
}

// ExecuteTillReturn dispatches from st.PC until the current function
// returns. A non-zero ctx means a compiled function bailed out here.
func (d *Dispatcher) ExecuteTillReturn(st *guest.State, ctx uint64) uint32 {
	if ctx != 0 {
		fn, exit := guest.UnpackContext(ctx)
		d.tracer.ExitFromCompiledFunction(fn, exit)
	}

	for !st.CheckStatus() {
		if exec := d.cache.Block(st.PC); exec != nil {
			d.metrics.Dispatch(metrics.PathBlock)
			entry := st.PC
			if exit := exec(st, 0); exit == 0 {
				d.tracer.ExitFromCompiledBlock(entry, 0)
				if st.PC == st.StopAddress {
					st.FastStop()
				}
				return 0
			}
			d.tracer.ExitFromCompiledBlock(entry, st.ExitFrom)
			continue
		}

		d.metrics.Dispatch(metrics.PathInterpreted)
		d.tracer.Instruction(st.PC)
		w := st.Mem.Read32(st.PC)
		old := st.PC
		if err := d.interp.Execute(st, w); err != nil {
			log.Warn(log.DispatcherModule, "interpreter fault", "pc", common.FormatAddr(old), "err", err)
			st.SetFault(err)
			return 0
		}
		branch := instr.NonBranch
		if st.PC != old {
			branch = instr.ClassifyBranch(w)
		}
		st.PC += instr.Width

		switch branch {
		case instr.Return:
			d.tracer.Return()
			if st.PC == st.StopAddress {
				st.FastStop()
			}
			return 0
		case instr.FunctionCall:
			d.tracer.CallFunction(st.PC)
			d.ExecuteFunction(st, 0)
		}
	}
	return 0
}

// Close releases the dispatcher's engine reference, if it holds one.
func (d *Dispatcher) Close() error {
	if d.release == nil {
		return nil
	}
	release := d.release
	d.release = nil
	return release()
}

// IsFault reports whether err came from a guest fault rather than a stop.
func IsFault(err error) bool {
	return errors.Is(err, guest.ErrAccessViolation) || errors.Is(err, interpreter.ErrUnknownInstruction)
}
