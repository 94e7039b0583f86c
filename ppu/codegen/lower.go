package codegen

import (
	"fmt"
	"math/bits"

	"github.com/colorfulnotion/ppurec/ppu/ir"
)

func b2u(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

var unary = map[ir.Op]func(x uint64) uint64{
	ir.OpNot:    func(x uint64) uint64 { return ^x },
	ir.OpSext8:  func(x uint64) uint64 { return uint64(int64(int8(x))) },
	ir.OpSext16: func(x uint64) uint64 { return uint64(int64(int16(x))) },
	ir.OpSext32: func(x uint64) uint64 { return uint64(int64(int32(x))) },
	ir.OpZext32: func(x uint64) uint64 { return uint64(uint32(x)) },
}

var binary = map[ir.Op]func(x, y uint64) uint64{
	ir.OpAdd:    func(x, y uint64) uint64 { return x + y },
	ir.OpSub:    func(x, y uint64) uint64 { return x - y },
	ir.OpMul:    func(x, y uint64) uint64 { return x * y },
	ir.OpAnd:    func(x, y uint64) uint64 { return x & y },
	ir.OpOr:     func(x, y uint64) uint64 { return x | y },
	ir.OpXor:    func(x, y uint64) uint64 { return x ^ y },
	ir.OpAndNot: func(x, y uint64) uint64 { return x &^ y },
	ir.OpShl:    func(x, y uint64) uint64 { return x << (y & 63) },
	ir.OpLShr:   func(x, y uint64) uint64 { return x >> (y & 63) },
	ir.OpEq:     func(x, y uint64) uint64 { return b2u(x == y) },
	ir.OpNe:     func(x, y uint64) uint64 { return b2u(x != y) },
	ir.OpLtS:    func(x, y uint64) uint64 { return b2u(int64(x) < int64(y)) },
	ir.OpLtU:    func(x, y uint64) uint64 { return b2u(x < y) },
	ir.OpGtS:    func(x, y uint64) uint64 { return b2u(int64(x) > int64(y)) },
	ir.OpGtU:    func(x, y uint64) uint64 { return b2u(x > y) },
	ir.OpRotlWord: func(x, y uint64) uint64 {
		r := uint64(bits.RotateLeft32(uint32(x), int(y&31)))
		return r<<32 | r
	},
	ir.OpShlWord: func(x, y uint64) uint64 {
		if y&63 > 31 {
			return 0
		}
		return uint64(uint32(x) << (y & 31))
	},
	ir.OpShrWord: func(x, y uint64) uint64 {
		if y&63 > 31 {
			return 0
		}
		return uint64(uint32(x) >> (y & 31))
	},
	ir.OpDivS32: func(x, y uint64) uint64 {
		a, b := int32(x), int32(y)
		if b == 0 || (a == -1<<31 && b == -1) {
			return 0
		}
		return uint64(uint32(a / b))
	},
	ir.OpDivU32: func(x, y uint64) uint64 {
		if uint32(y) == 0 {
			return 0
		}
		return uint64(uint32(x) / uint32(y))
	},
}

// lower returns the closure that executes v.
func lower(v *ir.Value) (step, error) {
	d := v.ID
	arg := func(i int) int { return v.Args[i].ID }

	if fn, ok := unary[v.Op]; ok {
		a := arg(0)
		return func(fr *frame) { fr.v[d] = fn(fr.v[a]) }, nil
	}
	if fn, ok := binary[v.Op]; ok {
		a, b := arg(0), arg(1)
		return func(fr *frame) { fr.v[d] = fn(fr.v[a], fr.v[b]) }, nil
	}

	switch v.Op {
	case ir.OpLoadGPR:
		r := v.Aux
		return func(fr *frame) { fr.v[d] = fr.st.GPR[r] }, nil
	case ir.OpStoreGPR:
		r, a := v.Aux, arg(0)
		return func(fr *frame) { fr.st.GPR[r] = fr.v[a] }, nil
	case ir.OpLoadSPR:
		return loadSPR(v.Aux, d)
	case ir.OpStoreSPR:
		return storeSPR(v.Aux, arg(0))
	case ir.OpSelect:
		c, a, b := arg(0), arg(1), arg(2)
		return func(fr *frame) {
			if fr.v[c] != 0 {
				fr.v[d] = fr.v[a]
			} else {
				fr.v[d] = fr.v[b]
			}
		}, nil

	case ir.OpLoad8:
		a := arg(0)
		return func(fr *frame) { fr.v[d] = uint64(fr.st.Mem.Read8(uint32(fr.v[a]))) }, nil
	case ir.OpLoad16:
		a := arg(0)
		return func(fr *frame) { fr.v[d] = uint64(fr.st.Mem.Read16(uint32(fr.v[a]))) }, nil
	case ir.OpLoad32:
		a := arg(0)
		return func(fr *frame) { fr.v[d] = uint64(fr.st.Mem.Read32(uint32(fr.v[a]))) }, nil
	case ir.OpLoad64:
		a := arg(0)
		return func(fr *frame) { fr.v[d] = fr.st.Mem.Read64(uint32(fr.v[a])) }, nil
	case ir.OpStore8:
		a, x := arg(0), arg(1)
		return func(fr *frame) { fr.st.Mem.Write8(uint32(fr.v[a]), uint8(fr.v[x])) }, nil
	case ir.OpStore16:
		a, x := arg(0), arg(1)
		return func(fr *frame) { fr.st.Mem.Write16(uint32(fr.v[a]), uint16(fr.v[x])) }, nil
	case ir.OpStore32:
		a, x := arg(0), arg(1)
		return func(fr *frame) { fr.st.Mem.Write32(uint32(fr.v[a]), uint32(fr.v[x])) }, nil
	case ir.OpStore64:
		a, x := arg(0), arg(1)
		return func(fr *frame) { fr.st.Mem.Write64(uint32(fr.v[a]), fr.v[x]) }, nil

	case ir.OpSetPC:
		a := arg(0)
		return func(fr *frame) { fr.st.PC = uint32(fr.v[a]) }, nil
	case ir.OpSetExitFrom:
		a := arg(0)
		return func(fr *frame) { fr.st.ExitFrom = uint32(fr.v[a]) }, nil
	case ir.OpCall:
		if len(v.Args) == 0 {
			target := uint32(v.Aux)
			return func(fr *frame) {
				fr.st.PC = target
				fr.v[d] = uint64(fr.st.Decoder.ExecuteFunction(fr.st, 0))
			}, nil
		}
		a := arg(0)
		return func(fr *frame) {
			fr.st.PC = uint32(fr.v[a]) &^ 3
			fr.v[d] = uint64(fr.st.Decoder.ExecuteFunction(fr.st, 0))
		}, nil
	case ir.OpInterpret:
		a := arg(0)
		return func(fr *frame) {
			fr.v[d] = uint64(fr.st.Decoder.ExecuteTillReturn(fr.st, fr.v[a]))
		}, nil
	case ir.OpPoll:
		return func(fr *frame) { fr.v[d] = b2u(fr.st.CheckStatus()) }, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedOp, v.Op)
}

func loadSPR(spr int64, d int) (step, error) {
	switch spr {
	case ir.SprLR:
		return func(fr *frame) { fr.v[d] = fr.st.LR }, nil
	case ir.SprCTR:
		return func(fr *frame) { fr.v[d] = fr.st.CTR }, nil
	case ir.SprXER:
		return func(fr *frame) { fr.v[d] = fr.st.XER }, nil
	case ir.SprCR:
		return func(fr *frame) { fr.v[d] = uint64(fr.st.CR) }, nil
	}
	return nil, fmt.Errorf("%w: load spr %d", ErrUnsupportedOp, spr)
}

func storeSPR(spr int64, a int) (step, error) {
	switch spr {
	case ir.SprLR:
		return func(fr *frame) { fr.st.LR = fr.v[a] }, nil
	case ir.SprCTR:
		return func(fr *frame) { fr.st.CTR = fr.v[a] }, nil
	case ir.SprXER:
		return func(fr *frame) { fr.st.XER = fr.v[a] }, nil
	case ir.SprCR:
		return func(fr *frame) { fr.st.CR = uint32(fr.v[a]) }, nil
	}
	return nil, fmt.Errorf("%w: store spr %d", ErrUnsupportedOp, spr)
}
