package ir

// Builder appends values to a current block.
type Builder struct {
	f   *Func
	cur *Block
}

func NewBuilder(f *Func) *Builder { return &Builder{f: f} }

func (b *Builder) Func() *Func { return b.f }

func (b *Builder) SetInsertPoint(blk *Block) { b.cur = blk }

func (b *Builder) Block() *Block { return b.cur }

// Terminated reports whether the current block already has a terminator.
func (b *Builder) Terminated() bool { return b.cur.Term.Kind != TermNone }

func (b *Builder) emit(op Op, aux int64, args ...*Value) *Value {
	v := b.f.newValue(op, aux, args...)
	v.Block = b.cur
	b.cur.Values = append(b.cur.Values, v)
	return v
}

func (b *Builder) Const(v uint64) *Value { return b.f.Const(v) }

func (b *Builder) LoadGPR(r uint8) *Value           { return b.emit(OpLoadGPR, int64(r)) }
func (b *Builder) StoreGPR(r uint8, v *Value)       { b.emit(OpStoreGPR, int64(r), v) }
func (b *Builder) LoadSPR(spr int64) *Value         { return b.emit(OpLoadSPR, spr) }
func (b *Builder) StoreSPR(spr int64, v *Value)     { b.emit(OpStoreSPR, spr, v) }
func (b *Builder) Unary(op Op, x *Value) *Value     { return b.emit(op, 0, x) }
func (b *Builder) Binary(op Op, x, y *Value) *Value { return b.emit(op, 0, x, y) }

func (b *Builder) Add(x, y *Value) *Value { return b.Binary(OpAdd, x, y) }
func (b *Builder) Sub(x, y *Value) *Value { return b.Binary(OpSub, x, y) }
func (b *Builder) And(x, y *Value) *Value { return b.Binary(OpAnd, x, y) }
func (b *Builder) Or(x, y *Value) *Value  { return b.Binary(OpOr, x, y) }

func (b *Builder) Select(c, x, y *Value) *Value { return b.emit(OpSelect, 0, c, x, y) }

// Load reads width bytes (1, 2, 4 or 8) of guest memory, zero-extended.
func (b *Builder) Load(width int, addr *Value) *Value {
	return b.emit(loadOps[width], 0, addr)
}

func (b *Builder) Store(width int, addr, v *Value) {
	b.emit(storeOps[width], 0, addr, v)
}

var (
	loadOps  = map[int]Op{1: OpLoad8, 2: OpLoad16, 4: OpLoad32, 8: OpLoad64}
	storeOps = map[int]Op{1: OpStore8, 2: OpStore16, 4: OpStore32, 8: OpStore64}
)

func (b *Builder) SetPC(v *Value)       { b.emit(OpSetPC, 0, v) }
func (b *Builder) SetExitFrom(v *Value) { b.emit(OpSetExitFrom, 0, v) }

// Call runs the guest function at target through the dispatcher.
func (b *Builder) Call(target uint32) *Value { return b.emit(OpCall, int64(target)) }

// CallIndirect runs the guest function whose address is target.
func (b *Builder) CallIndirect(target *Value) *Value { return b.emit(OpCall, 0, target) }

// Interpret hands the thread to the dispatcher until the function returns.
func (b *Builder) Interpret(ctx *Value) *Value { return b.emit(OpInterpret, 0, ctx) }

// Poll yields 1 when the guest thread has been asked to stop.
func (b *Builder) Poll() *Value { return b.emit(OpPoll, 0) }

// Phi inserts an empty phi after the existing phis of the current block.
func (b *Builder) Phi() *Value {
	v := b.f.newValue(OpPhi, 0)
	v.Block = b.cur
	n := len(b.cur.Phis())
	b.cur.Values = append(b.cur.Values, nil)
	copy(b.cur.Values[n+1:], b.cur.Values[n:])
	b.cur.Values[n] = v
	return v
}

func (b *Builder) Br(to *Block) {
	b.cur.Term = Term{Kind: TermBr, Succs: [2]*Block{to}}
}

func (b *Builder) CondBr(c *Value, then, els *Block) {
	b.cur.Term = Term{Kind: TermCondBr, Cond: c, Succs: [2]*Block{then, els}}
}

func (b *Builder) Ret(v *Value) {
	b.cur.Term = Term{Kind: TermRet, Ret: v}
}
