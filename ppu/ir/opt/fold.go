package opt

import (
	"math/bits"

	"github.com/colorfulnotion/ppurec/ppu/ir"
)

// Fold evaluates operations on constants and applies algebraic identities.
type Fold struct{}

func (Fold) Name() string { return "fold" }

func (Fold) Run(f *ir.Func) bool {
	repl := map[*ir.Value]*ir.Value{}
	get := func(v *ir.Value) *ir.Value {
		if r, ok := repl[v]; ok {
			return r
		}
		return v
	}
	for _, b := range f.Blocks {
		for _, v := range b.Values {
			for i, a := range v.Args {
				v.Args[i] = get(a)
			}
			if r := simplify(f, v); r != nil && r != v {
				repl[v] = r
			}
		}
	}
	return replaceAndRemove(f, repl)
}

// simplify returns a replacement for v, or nil.
func simplify(f *ir.Func, v *ir.Value) *ir.Value {
	if v.Op == ir.OpPhi {
		return simplifyPhi(v)
	}
	if v.Op.HasSideEffects() || !v.Op.HasResult() || len(v.Args) == 0 {
		return nil
	}
	allConst := true
	for _, a := range v.Args {
		if !a.IsConst() {
			allConst = false
			break
		}
	}
	if allConst {
		if r, ok := Eval(v.Op, constArgs(v)...); ok {
			return f.Const(r)
		}
		return nil
	}
	return identity(f, v)
}

func constArgs(v *ir.Value) []uint64 {
	out := make([]uint64, len(v.Args))
	for i, a := range v.Args {
		out[i] = a.Uint()
	}
	return out
}

// simplifyPhi collapses a phi whose inputs are all the same value.
func simplifyPhi(v *ir.Value) *ir.Value {
	var same *ir.Value
	for _, a := range v.Args {
		if a == v {
			continue
		}
		if same != nil && a != same {
			return nil
		}
		same = a
	}
	return same
}

func isConst(v *ir.Value, c uint64) bool { return v.IsConst() && v.Uint() == c }

func identity(f *ir.Func, v *ir.Value) *ir.Value {
	x := v.Args[0]
	var y *ir.Value
	if len(v.Args) > 1 {
		y = v.Args[1]
	}
	if v.Op.Commutative() && x.IsConst() && !y.IsConst() {
		v.Args[0], v.Args[1] = y, x
		x, y = y, x
	}
	switch v.Op {
	case ir.OpAdd, ir.OpOr, ir.OpXor, ir.OpSub, ir.OpShl, ir.OpLShr:
		if isConst(y, 0) {
			return x
		}
		if x == y {
			switch v.Op {
			case ir.OpOr:
				return x
			case ir.OpXor, ir.OpSub:
				return f.Const(0)
			}
		}
	case ir.OpAnd:
		if isConst(y, 0) {
			return f.Const(0)
		}
		if isConst(y, ^uint64(0)) || x == y {
			return x
		}
	case ir.OpMul:
		if isConst(y, 1) {
			return x
		}
		if isConst(y, 0) {
			return f.Const(0)
		}
	case ir.OpSelect:
		if x.IsConst() {
			if x.Uint() != 0 {
				return v.Args[1]
			}
			return v.Args[2]
		}
		if v.Args[1] == v.Args[2] {
			return v.Args[1]
		}
	case ir.OpEq:
		if x == y {
			return f.Const(1)
		}
	case ir.OpNe:
		if x == y {
			return f.Const(0)
		}
	case ir.OpZext32:
		if x.Op == ir.OpZext32 || x.Op == ir.OpLoad32 || x.Op == ir.OpLoad16 || x.Op == ir.OpLoad8 {
			return x
		}
	case ir.OpSext32:
		if x.Op == ir.OpSext32 || x.Op == ir.OpSext16 || x.Op == ir.OpSext8 {
			return x
		}
	}
	return nil
}

// Eval computes op over constant operands. It is the reference semantics the
// code generator implements.
func Eval(op ir.Op, a ...uint64) (uint64, bool) {
	b2u := func(b bool) uint64 {
		if b {
			return 1
		}
		return 0
	}
	switch op {
	case ir.OpAdd:
		return a[0] + a[1], true
	case ir.OpSub:
		return a[0] - a[1], true
	case ir.OpMul:
		return a[0] * a[1], true
	case ir.OpDivS32:
		x, y := int32(a[0]), int32(a[1])
		if y == 0 || (x == -1<<31 && y == -1) {
			return 0, true
		}
		return uint64(uint32(x / y)), true
	case ir.OpDivU32:
		x, y := uint32(a[0]), uint32(a[1])
		if y == 0 {
			return 0, true
		}
		return uint64(x / y), true
	case ir.OpAnd:
		return a[0] & a[1], true
	case ir.OpOr:
		return a[0] | a[1], true
	case ir.OpXor:
		return a[0] ^ a[1], true
	case ir.OpAndNot:
		return a[0] &^ a[1], true
	case ir.OpNot:
		return ^a[0], true
	case ir.OpShl:
		return a[0] << (a[1] & 63), true
	case ir.OpLShr:
		return a[0] >> (a[1] & 63), true
	case ir.OpRotlWord:
		r := uint64(bits.RotateLeft32(uint32(a[0]), int(a[1]&31)))
		return r<<32 | r, true
	case ir.OpShlWord, ir.OpShrWord:
		n := a[1] & 63
		if n > 31 {
			return 0, true
		}
		if op == ir.OpShlWord {
			return uint64(uint32(a[0]) << n), true
		}
		return uint64(uint32(a[0]) >> n), true
	case ir.OpSext8:
		return uint64(int64(int8(a[0]))), true
	case ir.OpSext16:
		return uint64(int64(int16(a[0]))), true
	case ir.OpSext32:
		return uint64(int64(int32(a[0]))), true
	case ir.OpZext32:
		return uint64(uint32(a[0])), true
	case ir.OpEq:
		return b2u(a[0] == a[1]), true
	case ir.OpNe:
		return b2u(a[0] != a[1]), true
	case ir.OpLtS:
		return b2u(int64(a[0]) < int64(a[1])), true
	case ir.OpLtU:
		return b2u(a[0] < a[1]), true
	case ir.OpGtS:
		return b2u(int64(a[0]) > int64(a[1])), true
	case ir.OpGtU:
		return b2u(a[0] > a[1]), true
	case ir.OpSelect:
		if a[0] != 0 {
			return a[1], true
		}
		return a[2], true
	}
	return 0, false
}
