// Package ir is the intermediate representation compiled guest regions are
// built in: functions of basic blocks holding 64-bit SSA values.
package ir

import (
	"fmt"
	"slices"
)

// Op is the operation of a Value.
type Op uint8

const (
	OpInvalid Op = iota
	OpConst

	OpLoadGPR  // Aux = register
	OpStoreGPR // Args = value; Aux = register
	OpLoadSPR  // Aux = SPR
	OpStoreSPR // Args = value; Aux = SPR

	OpAdd
	OpSub
	OpMul
	OpDivS32
	OpDivU32
	OpAnd
	OpOr
	OpXor
	OpAndNot
	OpNot
	OpShl
	OpLShr
	OpRotlWord
	OpShlWord
	OpShrWord

	OpSext8
	OpSext16
	OpSext32
	OpZext32

	OpEq
	OpNe
	OpLtS
	OpLtU
	OpGtS
	OpGtU
	OpSelect

	OpLoad8
	OpLoad16
	OpLoad32
	OpLoad64
	OpStore8
	OpStore16
	OpStore32
	OpStore64

	OpSetPC
	OpSetExitFrom
	OpCall      // Aux = target, or Args = target for indirect calls
	OpInterpret // Args = context word
	OpPoll

	OpPhi
	numOps
)

type opInfo struct {
	name   string
	args   int // -1 for variadic
	result bool
	effect bool
	commut bool
}

var opTable = [numOps]opInfo{
	OpInvalid:  {name: "invalid"},
	OpConst:    {name: "const", result: true},
	OpLoadGPR:  {name: "load.gpr", result: true},
	OpStoreGPR: {name: "store.gpr", args: 1, effect: true},
	OpLoadSPR:  {name: "load.spr", result: true},
	OpStoreSPR: {name: "store.spr", args: 1, effect: true},

	OpAdd:      {name: "add", args: 2, result: true, commut: true},
	OpSub:      {name: "sub", args: 2, result: true},
	OpMul:      {name: "mul", args: 2, result: true, commut: true},
	OpDivS32:   {name: "sdiv.w", args: 2, result: true},
	OpDivU32:   {name: "udiv.w", args: 2, result: true},
	OpAnd:      {name: "and", args: 2, result: true, commut: true},
	OpOr:       {name: "or", args: 2, result: true, commut: true},
	OpXor:      {name: "xor", args: 2, result: true, commut: true},
	OpAndNot:   {name: "andnot", args: 2, result: true},
	OpNot:      {name: "not", args: 1, result: true},
	OpShl:      {name: "shl", args: 2, result: true},
	OpLShr:     {name: "lshr", args: 2, result: true},
	OpRotlWord: {name: "rotl.w", args: 2, result: true},
	OpShlWord:  {name: "shl.w", args: 2, result: true},
	OpShrWord:  {name: "shr.w", args: 2, result: true},

	OpSext8:  {name: "sext8", args: 1, result: true},
	OpSext16: {name: "sext16", args: 1, result: true},
	OpSext32: {name: "sext32", args: 1, result: true},
	OpZext32: {name: "zext32", args: 1, result: true},

	OpEq:     {name: "icmp.eq", args: 2, result: true, commut: true},
	OpNe:     {name: "icmp.ne", args: 2, result: true, commut: true},
	OpLtS:    {name: "icmp.slt", args: 2, result: true},
	OpLtU:    {name: "icmp.ult", args: 2, result: true},
	OpGtS:    {name: "icmp.sgt", args: 2, result: true},
	OpGtU:    {name: "icmp.ugt", args: 2, result: true},
	OpSelect: {name: "select", args: 3, result: true},

	OpLoad8:   {name: "load.8", args: 1, result: true},
	OpLoad16:  {name: "load.16", args: 1, result: true},
	OpLoad32:  {name: "load.32", args: 1, result: true},
	OpLoad64:  {name: "load.64", args: 1, result: true},
	OpStore8:  {name: "store.8", args: 2, effect: true},
	OpStore16: {name: "store.16", args: 2, effect: true},
	OpStore32: {name: "store.32", args: 2, effect: true},
	OpStore64: {name: "store.64", args: 2, effect: true},

	OpSetPC:       {name: "set.pc", args: 1, effect: true},
	OpSetExitFrom: {name: "set.exit", args: 1, effect: true},
	OpCall:        {name: "call", args: -1, result: true, effect: true},
	OpInterpret:   {name: "interpret", args: 1, result: true, effect: true},
	OpPoll:        {name: "poll", result: true, effect: true},

	OpPhi: {name: "phi", args: -1, result: true},
}

func (o Op) String() string {
	if o < numOps {
		return opTable[o].name
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// HasResult reports whether values of this op produce a value.
func (o Op) HasResult() bool { return o < numOps && opTable[o].result }

// HasSideEffects reports whether the op must be kept even when unused.
func (o Op) HasSideEffects() bool { return o < numOps && opTable[o].effect }

func (o Op) Commutative() bool { return o < numOps && opTable[o].commut }

// Arity is the fixed argument count, -1 for variadic ops.
func (o Op) Arity() int {
	if o < numOps {
		return opTable[o].args
	}
	return 0
}

// IsMemory reports whether the op touches guest memory.
func (o Op) IsMemory() bool { return o >= OpLoad8 && o <= OpStore64 }

// IsBarrier reports ops that may read or write any guest register.
func (o Op) IsBarrier() bool { return o == OpCall || o == OpInterpret }

// SPR identifiers used as Aux of OpLoadSPR/OpStoreSPR.
const (
	SprLR int64 = iota
	SprCTR
	SprXER
	SprCR
	NumSPR
)

var sprNames = [NumSPR]string{"lr", "ctr", "xer", "cr"}

// Value is one SSA value. Constants are pooled per function and belong to no
// block.
type Value struct {
	ID    int
	Op    Op
	Args  []*Value
	Aux   int64
	Block *Block

	// Incoming lists the predecessor each phi argument arrives from.
	Incoming []*Block
}

func (v *Value) IsConst() bool { return v.Op == OpConst }

// Uint is the constant payload of an OpConst value.
func (v *Value) Uint() uint64 { return uint64(v.Aux) }

// AddIncoming adds a phi argument arriving from pred.
func (v *Value) AddIncoming(val *Value, pred *Block) {
	v.Args = append(v.Args, val)
	v.Incoming = append(v.Incoming, pred)
}

// IncomingFrom returns the phi argument for pred.
func (v *Value) IncomingFrom(pred *Block) (*Value, bool) {
	for i, b := range v.Incoming {
		if b == pred {
			return v.Args[i], true
		}
	}
	return nil, false
}

// TermKind is the kind of a block terminator.
type TermKind uint8

const (
	TermNone TermKind = iota
	TermBr
	TermCondBr
	TermRet
)

// Term ends a block. Succs[0] is the branch target (taken edge for CondBr).
type Term struct {
	Kind  TermKind
	Cond  *Value
	Succs [2]*Block
	Ret   *Value
}

// Block is a basic block. Phis come first in Values.
type Block struct {
	ID    int
	Name  string
	Addr  uint32
	Func  *Func
	Preds []*Block

	Values []*Value
	Term   Term
}

// Succs returns the distinct successors of b.
func (b *Block) Succs() []*Block {
	switch b.Term.Kind {
	case TermBr:
		return []*Block{b.Term.Succs[0]}
	case TermCondBr:
		if b.Term.Succs[0] == b.Term.Succs[1] {
			return []*Block{b.Term.Succs[0]}
		}
		return []*Block{b.Term.Succs[0], b.Term.Succs[1]}
	}
	return nil
}

// Empty reports whether nothing was emitted into b.
func (b *Block) Empty() bool { return len(b.Values) == 0 && b.Term.Kind == TermNone }

// Phis returns the leading phi values.
func (b *Block) Phis() []*Value {
	n := 0
	for n < len(b.Values) && b.Values[n].Op == OpPhi {
		n++
	}
	return b.Values[:n]
}

// Func is a compiled unit.
type Func struct {
	Name   string
	Entry  *Block
	Blocks []*Block

	consts    map[uint64]*Value
	nextValue int
	nextBlock int
}

func NewFunc(name string) *Func {
	return &Func{Name: name, consts: map[uint64]*Value{}}
}

func (f *Func) NewBlock(name string, addr uint32) *Block {
	b := &Block{ID: f.nextBlock, Name: name, Addr: addr, Func: f}
	f.nextBlock++
	f.Blocks = append(f.Blocks, b)
	if f.Entry == nil {
		f.Entry = b
	}
	return b
}

// Const returns the pooled constant v.
func (f *Func) Const(v uint64) *Value {
	if c, ok := f.consts[v]; ok {
		return c
	}
	c := f.newValue(OpConst, int64(v))
	f.consts[v] = c
	return c
}

// Consts returns every pooled constant in creation order.
func (f *Func) Consts() []*Value {
	out := make([]*Value, 0, len(f.consts))
	for _, c := range f.consts {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b *Value) int { return a.ID - b.ID })
	return out
}

func (f *Func) newValue(op Op, aux int64, args ...*Value) *Value {
	v := &Value{ID: f.nextValue, Op: op, Aux: aux, Args: args}
	f.nextValue++
	return v
}

// NumValueIDs is one past the largest value id handed out.
func (f *Func) NumValueIDs() int { return f.nextValue }

// NumValues counts the values placed in blocks.
func (f *Func) NumValues() int {
	n := 0
	for _, b := range f.Blocks {
		n += len(b.Values)
	}
	return n
}

// ComputePreds rebuilds every predecessor list from the terminators.
func (f *Func) ComputePreds() {
	for _, b := range f.Blocks {
		b.Preds = b.Preds[:0]
	}
	for _, b := range f.Blocks {
		for _, s := range b.Succs() {
			s.Preds = append(s.Preds, b)
		}
	}
}

// Reachable returns the blocks reachable from the entry in reverse postorder.
func (f *Func) Reachable() []*Block {
	seen := make(map[*Block]bool, len(f.Blocks))
	var post []*Block
	var walk func(b *Block)
	walk = func(b *Block) {
		seen[b] = true
		for _, s := range b.Succs() {
			if !seen[s] {
				walk(s)
			}
		}
		post = append(post, b)
	}
	if f.Entry != nil {
		walk(f.Entry)
	}
	for i, j := 0, len(post)-1; i < j; i, j = i+1, j-1 {
		post[i], post[j] = post[j], post[i]
	}
	return post
}

// ReplaceUses rewrites every argument, terminator operand and phi input
// through repl, following chains.
func (f *Func) ReplaceUses(repl map[*Value]*Value) {
	if len(repl) == 0 {
		return
	}
	resolve := func(v *Value) *Value {
		for i := 0; v != nil && i < len(repl)+1; i++ {
			r, ok := repl[v]
			if !ok {
				break
			}
			v = r
		}
		return v
	}
	for _, b := range f.Blocks {
		for _, v := range b.Values {
			for i, a := range v.Args {
				v.Args[i] = resolve(a)
			}
		}
		b.Term.Cond = resolve(b.Term.Cond)
		b.Term.Ret = resolve(b.Term.Ret)
	}
}

// RemoveBlocks drops the listed blocks and any phi inputs arriving from them.
func (f *Func) RemoveBlocks(dead map[*Block]bool) {
	if len(dead) == 0 {
		return
	}
	kept := f.Blocks[:0]
	for _, b := range f.Blocks {
		if !dead[b] {
			kept = append(kept, b)
		}
	}
	for i := len(kept); i < len(f.Blocks); i++ {
		f.Blocks[i] = nil
	}
	f.Blocks = kept
	for _, b := range f.Blocks {
		for _, phi := range b.Phis() {
			args, inc := phi.Args[:0], phi.Incoming[:0]
			for i, p := range phi.Incoming {
				if !dead[p] {
					args = append(args, phi.Args[i])
					inc = append(inc, p)
				}
			}
			phi.Args, phi.Incoming = args, inc
		}
	}
	f.ComputePreds()
}
