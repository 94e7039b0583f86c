package ir

import (
	"errors"
	"fmt"
)

// Verify checks the structural rules every pass must preserve: each
// reachable block is terminated, phis lead their block and match its
// predecessors, argument counts fit the op, and every use is dominated by
// its definition. All problems are reported together.
func Verify(f *Func) error {
	var errs []error
	report := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}
	if f.Entry == nil {
		return errors.New("function has no entry block")
	}
	f.ComputePreds()
	if len(f.Entry.Preds) > 0 {
		report("entry block %s has predecessors", f.Entry.Name)
	}

	rpo := f.Reachable()
	idom := dominators(f.Entry, rpo)
	order := make(map[*Block]int, len(rpo))
	for i, b := range rpo {
		order[b] = i
	}
	position := map[*Value]int{}
	for _, b := range f.Blocks {
		for i, v := range b.Values {
			position[v] = i
		}
	}

	dominates := func(a, b *Block) bool {
		for b != nil {
			if a == b {
				return true
			}
			next := idom[b]
			if next == b {
				return false
			}
			b = next
		}
		return false
	}
	usable := func(def *Value, user *Block, at int) bool {
		if def == nil {
			return false
		}
		if def.Op == OpConst {
			return true
		}
		if !def.Op.HasResult() || def.Block == nil {
			return false
		}
		if def.Block == user {
			return at < 0 || position[def] < at
		}
		return dominates(def.Block, user)
	}

	for _, b := range rpo {
		switch b.Term.Kind {
		case TermNone:
			report("block %s has no terminator", b.Name)
		case TermBr:
			if b.Term.Succs[0] == nil {
				report("block %s: br without target", b.Name)
			}
		case TermCondBr:
			if b.Term.Succs[0] == nil || b.Term.Succs[1] == nil {
				report("block %s: condbr without targets", b.Name)
			}
			if !usable(b.Term.Cond, b, -1) {
				report("block %s: condbr operand not available", b.Name)
			}
		case TermRet:
			if !usable(b.Term.Ret, b, -1) {
				report("block %s: ret operand not available", b.Name)
			}
		}

		inPhis := true
		for i, v := range b.Values {
			if v.Block != b {
				report("%s: value %%%d records wrong block", b.Name, v.ID)
			}
			if v.Op != OpPhi {
				inPhis = false
			} else if !inPhis {
				report("%s: phi %%%d after non-phi", b.Name, v.ID)
			}
			if n := v.Op.Arity(); n >= 0 && len(v.Args) != n {
				report("%s: %s %%%d has %d args, want %d", b.Name, v.Op, v.ID, len(v.Args), n)
			}
			if v.Op == OpCall && len(v.Args) > 1 {
				report("%s: call %%%d has %d args", b.Name, v.ID, len(v.Args))
			}
			if v.Op == OpPhi {
				if len(v.Incoming) != len(v.Args) {
					report("%s: phi %%%d args and incoming differ", b.Name, v.ID)
					continue
				}
				if len(v.Args) != len(b.Preds) {
					report("%s: phi %%%d has %d inputs for %d predecessors", b.Name, v.ID, len(v.Args), len(b.Preds))
				}
				for j, p := range v.Incoming {
					if !hasBlock(b.Preds, p) {
						report("%s: phi %%%d input from non-predecessor %s", b.Name, v.ID, p.Name)
						continue
					}
					if _, live := order[p]; live && !usable(v.Args[j], p, -1) {
						report("%s: phi %%%d input %d not available in %s", b.Name, v.ID, j, p.Name)
					}
				}
				continue
			}
			for j, a := range v.Args {
				if !usable(a, b, i) {
					report("%s: %s %%%d arg %d not available", b.Name, v.Op, v.ID, j)
				}
			}
		}
	}
	return errors.Join(errs...)
}

func hasBlock(list []*Block, b *Block) bool {
	for _, x := range list {
		if x == b {
			return true
		}
	}
	return false
}

// dominators computes immediate dominators over rpo (Cooper, Harvey and
// Kennedy). The entry maps to itself.
func dominators(entry *Block, rpo []*Block) map[*Block]*Block {
	index := make(map[*Block]int, len(rpo))
	for i, b := range rpo {
		index[b] = i
	}
	idom := map[*Block]*Block{entry: entry}
	intersect := func(a, b *Block) *Block {
		for a != b {
			for index[a] > index[b] {
				a = idom[a]
			}
			for index[b] > index[a] {
				b = idom[b]
			}
		}
		return a
	}
	for changed := true; changed; {
		changed = false
		for _, b := range rpo[1:] {
			var nd *Block
			for _, p := range b.Preds {
				if _, ok := idom[p]; !ok {
					continue
				}
				if nd == nil {
					nd = p
				} else {
					nd = intersect(p, nd)
				}
			}
			if nd != nil && idom[b] != nd {
				idom[b] = nd
				changed = true
			}
		}
	}
	return idom
}
