package opt

import (
	"fmt"
	"strings"

	"github.com/colorfulnotion/ppurec/ppu/ir"
)

// regKey identifies a guest register across GPR and SPR accesses.
func regKey(v *ir.Value) int {
	switch v.Op {
	case ir.OpLoadGPR, ir.OpStoreGPR:
		return int(v.Aux)
	case ir.OpLoadSPR, ir.OpStoreSPR:
		return 32 + int(v.Aux)
	}
	return -1
}

// ForwardRegisters replaces register loads with the value last stored to or
// loaded from the same register earlier in the block.
type ForwardRegisters struct{}

func (ForwardRegisters) Name() string { return "forward-registers" }

func (ForwardRegisters) Run(f *ir.Func) bool {
	repl := map[*ir.Value]*ir.Value{}
	for _, b := range f.Blocks {
		known := map[int]*ir.Value{}
		for _, v := range b.Values {
			switch {
			case v.Op == ir.OpLoadGPR || v.Op == ir.OpLoadSPR:
				k := regKey(v)
				if prev, ok := known[k]; ok {
					repl[v] = prev
				} else {
					known[k] = v
				}
			case v.Op == ir.OpStoreSPR && v.Aux == ir.SprCR:
				// CR keeps only the low word of what is stored.
				delete(known, regKey(v))
			case v.Op == ir.OpStoreGPR || v.Op == ir.OpStoreSPR:
				known[regKey(v)] = resolved(repl, v.Args[0])
			case v.Op.IsBarrier():
				clear(known)
			}
		}
	}
	return replaceAndRemove(f, repl)
}

func resolved(repl map[*ir.Value]*ir.Value, v *ir.Value) *ir.Value {
	for {
		r, ok := repl[v]
		if !ok {
			return v
		}
		v = r
	}
}

// CSE merges identical pure computations within a block.
type CSE struct{}

func (CSE) Name() string { return "cse" }

func (CSE) Run(f *ir.Func) bool {
	repl := map[*ir.Value]*ir.Value{}
	for _, b := range f.Blocks {
		seen := map[string]*ir.Value{}
		for _, v := range b.Values {
			if !pure(v.Op) {
				continue
			}
			for i, a := range v.Args {
				v.Args[i] = resolved(repl, a)
			}
			k := cseKey(v)
			if prev, ok := seen[k]; ok {
				repl[v] = prev
				continue
			}
			seen[k] = v
		}
	}
	return replaceAndRemove(f, repl)
}

// pure reports ops whose result depends only on their operands.
func pure(op ir.Op) bool {
	if !op.HasResult() || op.HasSideEffects() || op.IsMemory() {
		return false
	}
	switch op {
	case ir.OpConst, ir.OpPhi, ir.OpLoadGPR, ir.OpLoadSPR:
		return false
	}
	return true
}

func cseKey(v *ir.Value) string {
	ids := make([]int, len(v.Args))
	for i, a := range v.Args {
		ids[i] = a.ID
	}
	if v.Op.Commutative() && len(ids) == 2 && ids[0] > ids[1] {
		ids[0], ids[1] = ids[1], ids[0]
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d/%d", v.Op, v.Aux)
	for _, id := range ids {
		fmt.Fprintf(&sb, ",%d", id)
	}
	return sb.String()
}

// DeadStores removes register stores overwritten later in the same block
// before anything could observe them.
type DeadStores struct{}

func (DeadStores) Name() string { return "dead-stores" }

func (DeadStores) Run(f *ir.Func) bool {
	dead := map[*ir.Value]bool{}
	for _, b := range f.Blocks {
		overwritten := map[int]bool{}
		for i := len(b.Values) - 1; i >= 0; i-- {
			v := b.Values[i]
			switch {
			case v.Op == ir.OpStoreGPR || v.Op == ir.OpStoreSPR:
				k := regKey(v)
				if overwritten[k] {
					dead[v] = true
				}
				overwritten[k] = true
			case v.Op == ir.OpLoadGPR || v.Op == ir.OpLoadSPR:
				delete(overwritten, regKey(v))
			case v.Op.IsBarrier() || v.Op.IsMemory() || v.Op == ir.OpPoll:
				clear(overwritten)
			}
		}
	}
	removeValues(f, dead)
	return len(dead) > 0
}

// DCE removes unused values without side effects.
type DCE struct{}

func (DCE) Name() string { return "dce" }

func (DCE) Run(f *ir.Func) bool {
	changed := false
	for {
		used := map[*ir.Value]bool{}
		for _, b := range f.Blocks {
			for _, v := range b.Values {
				for _, a := range v.Args {
					used[a] = true
				}
			}
			if b.Term.Cond != nil {
				used[b.Term.Cond] = true
			}
			if b.Term.Ret != nil {
				used[b.Term.Ret] = true
			}
		}
		dead := map[*ir.Value]bool{}
		for _, b := range f.Blocks {
			for _, v := range b.Values {
				if v.Op.HasResult() && !v.Op.HasSideEffects() && !used[v] {
					dead[v] = true
				}
			}
		}
		if len(dead) == 0 {
			return changed
		}
		removeValues(f, dead)
		changed = true
	}
}

// SimplifyCFG folds constant branches, drops unreachable blocks and merges
// straight-line block chains.
type SimplifyCFG struct{}

func (SimplifyCFG) Name() string { return "simplify-cfg" }

func (SimplifyCFG) Run(f *ir.Func) bool {
	changed := false
	for _, b := range f.Blocks {
		t := &b.Term
		if t.Kind != ir.TermCondBr {
			continue
		}
		switch {
		case t.Succs[0] == t.Succs[1]:
			*t = ir.Term{Kind: ir.TermBr, Succs: [2]*ir.Block{t.Succs[0]}}
			changed = true
		case t.Cond.IsConst():
			taken, dropped := t.Succs[0], t.Succs[1]
			if t.Cond.Uint() == 0 {
				taken, dropped = dropped, taken
			}
			dropIncoming(dropped, b)
			*t = ir.Term{Kind: ir.TermBr, Succs: [2]*ir.Block{taken}}
			changed = true
		}
	}

	live := map[*ir.Block]bool{}
	for _, b := range f.Reachable() {
		live[b] = true
	}
	dead := map[*ir.Block]bool{}
	for _, b := range f.Blocks {
		if !live[b] {
			dead[b] = true
		}
	}
	if len(dead) > 0 {
		f.RemoveBlocks(dead)
		changed = true
	}

	for merged := true; merged; {
		merged = false
		f.ComputePreds()
		for _, b := range f.Blocks {
			if b.Term.Kind != ir.TermBr {
				continue
			}
			s := b.Term.Succs[0]
			if s == b || s == f.Entry || len(s.Preds) != 1 || len(s.Phis()) > 0 {
				continue
			}
			for _, v := range s.Values {
				v.Block = b
			}
			b.Values = append(b.Values, s.Values...)
			b.Term = s.Term
			for _, succ := range s.Succs() {
				for _, phi := range succ.Phis() {
					for i, p := range phi.Incoming {
						if p == s {
							phi.Incoming[i] = b
						}
					}
				}
			}
			s.Values = nil
			s.Term = ir.Term{}
			f.RemoveBlocks(map[*ir.Block]bool{s: true})
			merged, changed = true, true
			break
		}
	}
	return changed
}

// dropIncoming removes the phi inputs of b that arrive from pred.
func dropIncoming(b, pred *ir.Block) {
	for _, phi := range b.Phis() {
		args, inc := phi.Args[:0], phi.Incoming[:0]
		for i, p := range phi.Incoming {
			if p != pred {
				args = append(args, phi.Args[i])
				inc = append(inc, p)
			}
		}
		phi.Args, phi.Incoming = args, inc
	}
}
