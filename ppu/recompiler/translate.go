package recompiler

import (
	"fmt"

	"github.com/colorfulnotion/ppurec/ppu/instr"
	"github.com/colorfulnotion/ppurec/ppu/interpreter"
	"github.com/colorfulnotion/ppurec/ppu/ir"
)

// translator is the per-compile scratch state: the IR function under
// construction and one block per guest instruction address.
type translator struct {
	f *ir.Func
	b *ir.Builder

	// function is set for whole-function compiles; fn is its address.
	function bool
	fn       uint32

	blocks map[uint32]*ir.Block
	order  []uint32
}

func newTranslator(name string, function bool, fn uint32) *translator {
	f := ir.NewFunc(name)
	return &translator{
		f:        f,
		b:        ir.NewBuilder(f),
		function: function,
		fn:       fn,
		blocks:   map[uint32]*ir.Block{},
	}
}

// blockAt returns the block holding the instruction at addr.
func (t *translator) blockAt(addr uint32) *ir.Block {
	if blk, ok := t.blocks[addr]; ok {
		return blk
	}
	blk := t.f.NewBlock(fmt.Sprintf("instr_0x%08X", addr), addr)
	t.blocks[addr] = blk
	t.order = append(t.order, addr)
	return blk
}

// helper creates a block that does not start a guest instruction. Its Addr
// is the instruction that branched into it.
func (t *translator) helper(prefix string, addr uint32) *ir.Block {
	return t.f.NewBlock(fmt.Sprintf("%s_0x%08X", prefix, addr), addr)
}

// begin creates the entry block and its edge to the first instruction.
func (t *translator) begin(start uint32) {
	entry := t.f.NewBlock("entry", start)
	t.b.SetInsertPoint(entry)
	t.b.Br(t.blockAt(start))
}

// translatable reports whether op can be expressed in compiled code.
func (t *translator) translatable(op instr.Op) bool {
	switch op.Kind {
	case instr.Unknown:
		return false
	case instr.Mfspr, instr.Mtspr:
		_, ok := sprOf(op.SPR)
		return ok
	case instr.BCCTR:
		if op.BO&instr.BONoCTR == 0 {
			return false
		}
		// a computed jump inside a whole function has no compiled target
		return op.LK || !t.function
	}
	return true
}

func sprOf(n uint16) (int64, bool) {
	switch n {
	case 1:
		return ir.SprXER, true
	case 8:
		return ir.SprLR, true
	case 9:
		return ir.SprCTR, true
	}
	return 0, false
}

// instruction emits the IR for op at addr into its block. It reports false,
// leaving the block empty, when op cannot be compiled.
func (t *translator) instruction(addr uint32, op instr.Op) bool {
	blk := t.blockAt(addr)
	if !blk.Empty() {
		return true
	}
	if !t.translatable(op) {
		return false
	}
	t.b.SetInsertPoint(blk)
	if op.IsBranch() {
		t.branch(addr, op)
		return true
	}
	t.compute(op)
	t.b.Br(t.blockAt(addr + instr.Width))
	return true
}

func (t *translator) gpr(r uint8) *ir.Value { return t.b.LoadGPR(r) }

func (t *translator) baseOrZero(ra uint8) *ir.Value {
	if ra == 0 {
		return t.b.Const(0)
	}
	return t.gpr(ra)
}

func (t *translator) imm(op instr.Op) *ir.Value { return t.b.Const(uint64(op.Imm)) }

// compute emits a non-branch instruction.
func (t *translator) compute(op instr.Op) {
	b := t.b
	rd, ra, rb := op.RD, op.RA, op.RB
	var result *ir.Value
	record := false

	switch op.Kind {
	case instr.Addi:
		b.StoreGPR(rd, b.Add(t.baseOrZero(ra), t.imm(op)))
	case instr.Addis:
		b.StoreGPR(rd, b.Add(t.baseOrZero(ra), b.Const(uint64(op.Imm<<16))))
	case instr.Mulli:
		b.StoreGPR(rd, b.Binary(ir.OpMul, t.gpr(ra), t.imm(op)))
	case instr.Cmpi:
		a := t.gpr(ra)
		if !op.L {
			a = b.Unary(ir.OpSext32, a)
		}
		t.setCRField(op.CRF, t.compare(a, t.imm(op), true))
	case instr.Cmpli:
		a := t.gpr(ra)
		if !op.L {
			a = b.Unary(ir.OpZext32, a)
		}
		t.setCRField(op.CRF, t.compare(a, t.imm(op), false))
	case instr.Cmp, instr.Cmpl:
		signed := op.Kind == instr.Cmp
		x, y := t.gpr(ra), t.gpr(rb)
		if !op.L {
			ext := ir.OpZext32
			if signed {
				ext = ir.OpSext32
			}
			x, y = b.Unary(ext, x), b.Unary(ext, y)
		}
		t.setCRField(op.CRF, t.compare(x, y, signed))
	case instr.Ori:
		b.StoreGPR(ra, b.Or(t.gpr(rd), t.imm(op)))
	case instr.Oris:
		b.StoreGPR(ra, b.Or(t.gpr(rd), b.Const(uint64(op.Imm)<<16)))
	case instr.Xori:
		b.StoreGPR(ra, b.Binary(ir.OpXor, t.gpr(rd), t.imm(op)))
	case instr.Xoris:
		b.StoreGPR(ra, b.Binary(ir.OpXor, t.gpr(rd), b.Const(uint64(op.Imm)<<16)))
	case instr.Andi:
		result, record = b.And(t.gpr(rd), t.imm(op)), true
		b.StoreGPR(ra, result)
	case instr.Andis:
		result, record = b.And(t.gpr(rd), b.Const(uint64(op.Imm)<<16)), true
		b.StoreGPR(ra, result)
	case instr.Rlwinm:
		rot := b.Binary(ir.OpRotlWord, t.gpr(rd), b.Const(uint64(op.SH)))
		result, record = b.And(rot, b.Const(instr.WordMask(uint32(op.MB), uint32(op.ME)))), op.Rc
		b.StoreGPR(ra, result)
	case instr.Rlwimi:
		m := b.Const(instr.WordMask(uint32(op.MB), uint32(op.ME)))
		rot := b.Binary(ir.OpRotlWord, t.gpr(rd), b.Const(uint64(op.SH)))
		result, record = b.Or(b.And(rot, m), b.Binary(ir.OpAndNot, t.gpr(ra), m)), op.Rc
		b.StoreGPR(ra, result)

	case instr.Lwz, instr.Lwzu, instr.Lbz, instr.Lhz, instr.Lha, instr.Ld:
		base := t.baseOrZero(ra)
		if op.Kind == instr.Lwzu {
			base = t.gpr(ra)
		}
		ea := b.Unary(ir.OpZext32, b.Add(base, t.imm(op)))
		var v *ir.Value
		switch op.Kind {
		case instr.Lwz, instr.Lwzu:
			v = b.Load(4, ea)
		case instr.Lbz:
			v = b.Load(1, ea)
		case instr.Lhz:
			v = b.Load(2, ea)
		case instr.Lha:
			v = b.Unary(ir.OpSext16, b.Load(2, ea))
		case instr.Ld:
			v = b.Load(8, ea)
		}
		b.StoreGPR(rd, v)
		if op.Kind == instr.Lwzu {
			b.StoreGPR(ra, ea)
		}
	case instr.Lwzx:
		ea := b.Unary(ir.OpZext32, b.Add(t.baseOrZero(ra), t.gpr(rb)))
		b.StoreGPR(rd, b.Load(4, ea))
	case instr.Stw, instr.Stwu, instr.Stb, instr.Sth, instr.Std:
		base := t.baseOrZero(ra)
		if op.Kind == instr.Stwu {
			base = t.gpr(ra)
		}
		ea := b.Unary(ir.OpZext32, b.Add(base, t.imm(op)))
		width := map[instr.Kind]int{instr.Stw: 4, instr.Stwu: 4, instr.Stb: 1, instr.Sth: 2, instr.Std: 8}[op.Kind]
		b.Store(width, ea, t.gpr(rd))
		if op.Kind == instr.Stwu {
			b.StoreGPR(ra, ea)
		}
	case instr.Stwx:
		ea := b.Unary(ir.OpZext32, b.Add(t.baseOrZero(ra), t.gpr(rb)))
		b.Store(4, ea, t.gpr(rd))

	case instr.Add:
		result = b.Add(t.gpr(ra), t.gpr(rb))
	case instr.Subf:
		result = b.Sub(t.gpr(rb), t.gpr(ra))
	case instr.Neg:
		result = b.Sub(b.Const(0), t.gpr(ra))
	case instr.Mullw:
		result = b.Binary(ir.OpMul, b.Unary(ir.OpSext32, t.gpr(ra)), b.Unary(ir.OpSext32, t.gpr(rb)))
	case instr.Divw:
		result = b.Binary(ir.OpDivS32, t.gpr(ra), t.gpr(rb))
	case instr.Divwu:
		result = b.Binary(ir.OpDivU32, t.gpr(ra), t.gpr(rb))

	case instr.And:
		result = b.And(t.gpr(rd), t.gpr(rb))
	case instr.Andc:
		result = b.Binary(ir.OpAndNot, t.gpr(rd), t.gpr(rb))
	case instr.Or:
		result = b.Or(t.gpr(rd), t.gpr(rb))
	case instr.Nor:
		result = b.Unary(ir.OpNot, b.Or(t.gpr(rd), t.gpr(rb)))
	case instr.Xor:
		result = b.Binary(ir.OpXor, t.gpr(rd), t.gpr(rb))
	case instr.Slw:
		result = b.Binary(ir.OpShlWord, t.gpr(rd), t.gpr(rb))
	case instr.Srw:
		result = b.Binary(ir.OpShrWord, t.gpr(rd), t.gpr(rb))
	case instr.Extsb:
		result = b.Unary(ir.OpSext8, t.gpr(rd))
	case instr.Extsh:
		result = b.Unary(ir.OpSext16, t.gpr(rd))
	case instr.Extsw:
		result = b.Unary(ir.OpSext32, t.gpr(rd))

	case instr.Mfspr:
		spr, _ := sprOf(op.SPR)
		b.StoreGPR(rd, b.LoadSPR(spr))
	case instr.Mtspr:
		spr, _ := sprOf(op.SPR)
		b.StoreSPR(spr, t.gpr(rd))
	case instr.Mfcr:
		b.StoreGPR(rd, b.LoadSPR(ir.SprCR))
	case instr.Mtcrf:
		mask := uint64(interpreter.CRFieldMask(uint32(op.CRM)))
		cr := b.And(b.LoadSPR(ir.SprCR), b.Const(^mask&0xFFFFFFFF))
		b.StoreSPR(ir.SprCR, b.Or(cr, b.And(t.gpr(rd), b.Const(mask))))
	}

	// X-form results go to RD for arithmetic and to RA for logical ops.
	switch op.Kind {
	case instr.Add, instr.Subf, instr.Neg, instr.Mullw, instr.Divw, instr.Divwu:
		b.StoreGPR(rd, result)
		record = op.Rc
	case instr.And, instr.Andc, instr.Or, instr.Nor, instr.Xor, instr.Slw, instr.Srw,
		instr.Extsb, instr.Extsh, instr.Extsw:
		b.StoreGPR(ra, result)
		record = op.Rc
	}
	if record {
		t.setCRField(0, t.compare(result, b.Const(0), true))
	}
}

// compare builds the LT/GT/EQ/SO nibble for x against y.
func (t *translator) compare(x, y *ir.Value, signed bool) *ir.Value {
	b := t.b
	lt, gt := ir.OpLtU, ir.OpGtU
	if signed {
		lt, gt = ir.OpLtS, ir.OpGtS
	}
	nib := b.Select(b.Binary(lt, x, y), b.Const(8),
		b.Select(b.Binary(gt, x, y), b.Const(4), b.Const(2)))
	so := b.And(b.Binary(ir.OpLShr, b.LoadSPR(ir.SprXER), b.Const(31)), b.Const(1))
	return b.Or(nib, so)
}

func (t *translator) setCRField(crf uint8, nibble *ir.Value) {
	b := t.b
	shift := 28 - 4*uint64(crf)
	keep := ^(uint64(0xF) << shift) & 0xFFFFFFFF
	cr := b.And(b.LoadSPR(ir.SprCR), b.Const(keep))
	b.StoreSPR(ir.SprCR, b.Or(cr, b.Binary(ir.OpShl, nibble, b.Const(shift))))
}

// condition returns the BO/BI branch condition, or nil when the branch is
// always taken. CTR is decremented when BO asks for it.
func (t *translator) condition(op instr.Op) *ir.Value {
	b := t.b
	var ctrOK, condOK *ir.Value
	if op.BO&instr.BONoCTR == 0 {
		ctr := b.Sub(b.LoadSPR(ir.SprCTR), b.Const(1))
		b.StoreSPR(ir.SprCTR, ctr)
		cmp := ir.OpNe
		if op.BO&instr.BOCTRZero != 0 {
			cmp = ir.OpEq
		}
		ctrOK = b.Binary(cmp, ctr, b.Const(0))
	}
	if op.BO&instr.BOIgnoreCR == 0 {
		bit := b.And(b.Binary(ir.OpLShr, b.LoadSPR(ir.SprCR), b.Const(uint64(31-op.BI))), b.Const(1))
		cmp := ir.OpEq
		if op.BO&instr.BOCondTrue != 0 {
			cmp = ir.OpNe
		}
		condOK = b.Binary(cmp, bit, b.Const(0))
	}
	switch {
	case ctrOK != nil && condOK != nil:
		return b.And(ctrOK, condOK)
	case ctrOK != nil:
		return ctrOK
	}
	return condOK
}

// branch emits b, bc, bclr and bcctr. Register targets are read before LR
// is updated, as the interpreter does.
func (t *translator) branch(addr uint32, op instr.Op) {
	b := t.b
	next := addr + instr.Width

	var target *ir.Value
	direct := uint32(0)
	switch op.Kind {
	case instr.B:
		direct = op.Target(addr)
	case instr.BC:
		direct = op.Target(addr)
	case instr.BCLR:
		target = b.Binary(ir.OpAndNot, b.LoadSPR(ir.SprLR), b.Const(3))
	case instr.BCCTR:
		target = b.Binary(ir.OpAndNot, b.LoadSPR(ir.SprCTR), b.Const(3))
	}

	var taken *ir.Value
	if op.Kind != instr.B {
		taken = t.condition(op)
	}
	if op.LK {
		b.StoreSPR(ir.SprLR, b.Const(uint64(next)))
	}

	// dest is where the taken path continues.
	var dest *ir.Block
	switch {
	case op.LK:
		dest = t.helper("call", addr)
		b.SetInsertPoint(dest)
		if target == nil {
			b.Call(direct)
		} else {
			b.CallIndirect(target)
		}
		t.pollThen(addr, next, t.blockAt(next))
	case op.Kind == instr.BCLR:
		dest = t.helper("ret", addr)
		b.SetInsertPoint(dest)
		b.SetPC(target)
		b.Ret(b.Const(0))
	case op.Kind == instr.BCCTR:
		dest = t.helper("jump", addr)
		b.SetInsertPoint(dest)
		b.SetExitFrom(b.Const(uint64(addr)))
		pc := b.Unary(ir.OpZext32, target)
		b.SetPC(pc)
		b.Ret(pc)
	case direct <= addr:
		dest = t.helper("loop", addr)
		b.SetInsertPoint(dest)
		t.pollThen(addr, direct, t.blockAt(direct))
	default:
		dest = t.blockAt(direct)
	}

	b.SetInsertPoint(t.blockAt(addr))
	if taken == nil {
		b.Br(dest)
		return
	}
	b.CondBr(taken, dest, t.blockAt(next))
}

// pollThen ends the current block with a stop check: a stopped thread leaves
// compiled code resuming at resume, otherwise control continues to cont.
func (t *translator) pollThen(from, resume uint32, cont *ir.Block) {
	b := t.b
	stop := b.Binary(ir.OpNe, b.Poll(), b.Const(0))
	exit := t.helper("stop", from)
	b.CondBr(stop, exit, cont)

	b.SetInsertPoint(exit)
	b.SetExitFrom(b.Const(uint64(from)))
	b.SetPC(b.Const(uint64(resume)))
	b.Ret(b.Const(uint64(resume)))
}

// exits turns every block left empty into an exit block. The phi collects
// the address of each predecessor, i.e. the last instruction executed.
func (t *translator) exits() int {
	t.f.ComputePreds()
	n := 0
	for _, addr := range t.order {
		blk := t.blocks[addr]
		if !blk.Empty() {
			continue
		}
		n++
		b := t.b
		b.SetInsertPoint(blk)
		from := b.Phi()
		for _, p := range blk.Preds {
			from.AddIncoming(b.Const(uint64(p.Addr)), p)
		}
		b.SetPC(b.Const(uint64(addr)))
		if t.function {
			ctx := b.Or(b.Const(uint64(t.fn)<<32), b.Unary(ir.OpZext32, from))
			b.Ret(b.Interpret(ctx))
			continue
		}
		b.SetExitFrom(from)
		b.Ret(b.Const(uint64(addr)))
	}
	return n
}
