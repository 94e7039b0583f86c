// Package codegen turns optimized IR into host-callable code. Each IR value
// becomes a closure over fixed frame slots; blocks run their closures in
// order and their terminators pick the next block, moving phi inputs on the
// way.
package codegen

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/colorfulnotion/ppurec/ppu/guest"
	"github.com/colorfulnotion/ppurec/ppu/ir"
)

var (
	ErrEmptyFunction  = errors.New("codegen: function has no blocks")
	ErrUnsupportedOp  = errors.New("codegen: unsupported op")
	ErrUnterminated   = errors.New("codegen: block without terminator")
	ErrModuleReleased = errors.New("codegen: module released")
)

type frame struct {
	st      *guest.State
	ctx     uint64
	v       []uint64
	scratch []uint64
}

type step func(fr *frame)

type move struct{ dst, src int }

type edge struct {
	to    *cblock
	moves []move
}

type cblock struct {
	name  string
	steps []step
	kind  ir.TermKind
	cond  int
	ret   int
	succ  [2]edge
}

// Module is the finalized code of one compiled unit. It stays callable until
// Close; the cache that owns it is the only caller of Close.
type Module struct {
	Name      string
	NumBlocks int
	NumSteps  int
	NumSlots  int

	entry  *cblock
	init   []uint64
	frames sync.Pool
	closed atomic.Bool
}

// Generate finalizes f. Only blocks reachable from the entry are emitted.
func Generate(f *ir.Func) (*Module, error) {
	if f == nil || f.Entry == nil || len(f.Blocks) == 0 {
		return nil, ErrEmptyFunction
	}
	f.ComputePreds()
	rpo := f.Reachable()

	m := &Module{Name: f.Name, NumSlots: f.NumValueIDs()}
	m.init = make([]uint64, m.NumSlots)
	for _, c := range f.Consts() {
		m.init[c.ID] = c.Uint()
	}

	blocks := make(map[*ir.Block]*cblock, len(rpo))
	for _, b := range rpo {
		blocks[b] = &cblock{name: b.Name}
	}
	for _, b := range rpo {
		cb := blocks[b]
		for _, v := range b.Values {
			if v.Op == ir.OpPhi {
				continue
			}
			s, err := lower(v)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", b.Name, err)
			}
			cb.steps = append(cb.steps, s)
		}
		m.NumSteps += len(cb.steps)

		cb.kind = b.Term.Kind
		switch b.Term.Kind {
		case ir.TermBr:
			cb.succ[0] = makeEdge(b, b.Term.Succs[0], blocks)
		case ir.TermCondBr:
			cb.cond = b.Term.Cond.ID
			cb.succ[0] = makeEdge(b, b.Term.Succs[0], blocks)
			cb.succ[1] = makeEdge(b, b.Term.Succs[1], blocks)
		case ir.TermRet:
			cb.ret = b.Term.Ret.ID
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnterminated, b.Name)
		}
	}
	m.entry = blocks[f.Entry]
	m.NumBlocks = len(rpo)

	scratch := 0
	for _, cb := range blocks {
		for _, e := range cb.succ {
			scratch = max(scratch, len(e.moves))
		}
	}
	m.frames.New = func() any {
		return &frame{v: make([]uint64, m.NumSlots), scratch: make([]uint64, scratch)}
	}
	return m, nil
}

func makeEdge(from, to *ir.Block, blocks map[*ir.Block]*cblock) edge {
	e := edge{to: blocks[to]}
	for _, phi := range to.Phis() {
		if in, ok := phi.IncomingFrom(from); ok {
			e.moves = append(e.moves, move{dst: phi.ID, src: in.ID})
		}
	}
	return e
}

// Executable returns the entry point of m.
func (m *Module) Executable() guest.Executable { return m.call }

// Close releases m. Calls made afterwards panic.
func (m *Module) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *Module) call(st *guest.State, ctx uint64) uint32 {
	if m.closed.Load() {
		panic(fmt.Errorf("%w: %s", ErrModuleReleased, m.Name))
	}
	fr := m.frames.Get().(*frame)
	defer m.frames.Put(fr)
	copy(fr.v, m.init)
	fr.st, fr.ctx = st, ctx

	b := m.entry
	for {
		for _, s := range b.steps {
			s(fr)
		}
		var e *edge
		switch b.kind {
		case ir.TermRet:
			return uint32(fr.v[b.ret])
		case ir.TermBr:
			e = &b.succ[0]
		case ir.TermCondBr:
			if fr.v[b.cond] != 0 {
				e = &b.succ[0]
			} else {
				e = &b.succ[1]
			}
		}
		if len(e.moves) > 0 {
			for i, mv := range e.moves {
				fr.scratch[i] = fr.v[mv.src]
			}
			for i, mv := range e.moves {
				fr.v[mv.dst] = fr.scratch[i]
			}
		}
		b = e.to
	}
}
