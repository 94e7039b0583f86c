package instr

import "encoding/binary"

// Asm is a small assembler for guest programs, used by tests and the CLI demo
// image. Branch helpers take absolute targets and encode them relative to the
// current position.
type Asm struct {
	Origin uint32
	words  []uint32
}

func NewAsm(origin uint32) *Asm { return &Asm{Origin: origin} }

// PC is the address of the next emitted instruction.
func (a *Asm) PC() uint32 { return a.Origin + uint32(len(a.words)*Width) }

// Words returns the program emitted so far.
func (a *Asm) Words() []uint32 { return append([]uint32(nil), a.words...) }

// Bytes is the big-endian image of the program.
func (a *Asm) Bytes() []byte {
	out := make([]byte, 0, len(a.words)*Width)
	for _, w := range a.words {
		out = binary.BigEndian.AppendUint32(out, w)
	}
	return out
}

func (a *Asm) Len() int { return len(a.words) }

func (a *Asm) Emit(w uint32) *Asm {
	a.words = append(a.words, w)
	return a
}

// Dot sets the record bit of the last emitted instruction.
func (a *Asm) Dot() *Asm {
	if n := len(a.words); n > 0 {
		a.words[n-1] |= 1
	}
	return a
}

func dForm(op, rt, ra uint32, imm int32) uint32 {
	return op<<26 | (rt&31)<<21 | (ra&31)<<16 | uint32(uint16(imm))
}

func xForm(rt, ra, rb, xo uint32) uint32 {
	return OpG31<<26 | (rt&31)<<21 | (ra&31)<<16 | (rb&31)<<11 | (xo&0x3FF)<<1
}

func (a *Asm) Addi(rt, ra uint32, simm int32) *Asm  { return a.Emit(dForm(OpAddi, rt, ra, simm)) }
func (a *Asm) Addis(rt, ra uint32, simm int32) *Asm { return a.Emit(dForm(OpAddis, rt, ra, simm)) }
func (a *Asm) Li(rt uint32, simm int32) *Asm        { return a.Addi(rt, 0, simm) }
func (a *Asm) Lis(rt uint32, simm int32) *Asm       { return a.Addis(rt, 0, simm) }
func (a *Asm) Mulli(rt, ra uint32, simm int32) *Asm { return a.Emit(dForm(OpMulli, rt, ra, simm)) }

func (a *Asm) Cmpwi(crf, ra uint32, simm int32) *Asm {
	return a.Emit(dForm(OpCmpi, crf<<2, ra, simm))
}

func (a *Asm) Cmplwi(crf, ra uint32, uimm uint16) *Asm {
	return a.Emit(dForm(OpCmpli, crf<<2, ra, int32(uimm)))
}

func (a *Asm) Cmpdi(crf, ra uint32, simm int32) *Asm {
	return a.Emit(dForm(OpCmpi, crf<<2|1, ra, simm))
}

func (a *Asm) Cmpw(crf, ra, rb uint32) *Asm  { return a.Emit(xForm(crf<<2, ra, rb, XoCmp)) }
func (a *Asm) Cmplw(crf, ra, rb uint32) *Asm { return a.Emit(xForm(crf<<2, ra, rb, XoCmpl)) }

func (a *Asm) Ori(ra, rs uint32, uimm uint16) *Asm  { return a.Emit(dForm(OpOri, rs, ra, int32(uimm))) }
func (a *Asm) Oris(ra, rs uint32, uimm uint16) *Asm { return a.Emit(dForm(OpOris, rs, ra, int32(uimm))) }
func (a *Asm) Xori(ra, rs uint32, uimm uint16) *Asm { return a.Emit(dForm(OpXori, rs, ra, int32(uimm))) }
func (a *Asm) Xoris(ra, rs uint32, uimm uint16) *Asm {
	return a.Emit(dForm(OpXoris, rs, ra, int32(uimm)))
}
func (a *Asm) Andi(ra, rs uint32, uimm uint16) *Asm { return a.Emit(dForm(OpAndi, rs, ra, int32(uimm))) }
func (a *Asm) Andis(ra, rs uint32, uimm uint16) *Asm {
	return a.Emit(dForm(OpAndis, rs, ra, int32(uimm)))
}
func (a *Asm) Nop() *Asm { return a.Ori(0, 0, 0) }

func (a *Asm) Rlwinm(ra, rs, sh, mb, me uint32) *Asm {
	return a.Emit(OpRlwinm<<26 | (rs&31)<<21 | (ra&31)<<16 | (sh&31)<<11 | (mb&31)<<6 | (me&31)<<1)
}

func (a *Asm) Rlwimi(ra, rs, sh, mb, me uint32) *Asm {
	return a.Emit(OpRlwimi<<26 | (rs&31)<<21 | (ra&31)<<16 | (sh&31)<<11 | (mb&31)<<6 | (me&31)<<1)
}

// Slwi is rlwinm ra,rs,n,0,31-n.
func (a *Asm) Slwi(ra, rs, n uint32) *Asm { return a.Rlwinm(ra, rs, n, 0, 31-n) }

func (a *Asm) Lwz(rt uint32, d int32, ra uint32) *Asm  { return a.Emit(dForm(OpLwz, rt, ra, d)) }
func (a *Asm) Lwzu(rt uint32, d int32, ra uint32) *Asm { return a.Emit(dForm(OpLwzu, rt, ra, d)) }
func (a *Asm) Lbz(rt uint32, d int32, ra uint32) *Asm  { return a.Emit(dForm(OpLbz, rt, ra, d)) }
func (a *Asm) Lhz(rt uint32, d int32, ra uint32) *Asm  { return a.Emit(dForm(OpLhz, rt, ra, d)) }
func (a *Asm) Lha(rt uint32, d int32, ra uint32) *Asm  { return a.Emit(dForm(OpLha, rt, ra, d)) }
func (a *Asm) Stw(rs uint32, d int32, ra uint32) *Asm  { return a.Emit(dForm(OpStw, rs, ra, d)) }
func (a *Asm) Stwu(rs uint32, d int32, ra uint32) *Asm { return a.Emit(dForm(OpStwu, rs, ra, d)) }
func (a *Asm) Stb(rs uint32, d int32, ra uint32) *Asm  { return a.Emit(dForm(OpStb, rs, ra, d)) }
func (a *Asm) Sth(rs uint32, d int32, ra uint32) *Asm  { return a.Emit(dForm(OpSth, rs, ra, d)) }
func (a *Asm) Ld(rt uint32, ds int32, ra uint32) *Asm  { return a.Emit(dForm(OpLd, rt, ra, ds&^3)) }
func (a *Asm) Std(rs uint32, ds int32, ra uint32) *Asm { return a.Emit(dForm(OpStd, rs, ra, ds&^3)) }
func (a *Asm) Lwzx(rt, ra, rb uint32) *Asm             { return a.Emit(xForm(rt, ra, rb, XoLwzx)) }
func (a *Asm) Stwx(rs, ra, rb uint32) *Asm             { return a.Emit(xForm(rs, ra, rb, XoStwx)) }

func (a *Asm) Add(rt, ra, rb uint32) *Asm   { return a.Emit(xForm(rt, ra, rb, XoAdd)) }
func (a *Asm) Subf(rt, ra, rb uint32) *Asm  { return a.Emit(xForm(rt, ra, rb, XoSubf)) }
func (a *Asm) Neg(rt, ra uint32) *Asm       { return a.Emit(xForm(rt, ra, 0, XoNeg)) }
func (a *Asm) Mullw(rt, ra, rb uint32) *Asm { return a.Emit(xForm(rt, ra, rb, XoMullw)) }
func (a *Asm) Divw(rt, ra, rb uint32) *Asm  { return a.Emit(xForm(rt, ra, rb, XoDivw)) }
func (a *Asm) Divwu(rt, ra, rb uint32) *Asm { return a.Emit(xForm(rt, ra, rb, XoDivwu)) }
func (a *Asm) And(ra, rs, rb uint32) *Asm   { return a.Emit(xForm(rs, ra, rb, XoAnd)) }
func (a *Asm) Andc(ra, rs, rb uint32) *Asm  { return a.Emit(xForm(rs, ra, rb, XoAndc)) }
func (a *Asm) Or(ra, rs, rb uint32) *Asm    { return a.Emit(xForm(rs, ra, rb, XoOr)) }
func (a *Asm) Mr(ra, rs uint32) *Asm        { return a.Or(ra, rs, rs) }
func (a *Asm) Nor(ra, rs, rb uint32) *Asm   { return a.Emit(xForm(rs, ra, rb, XoNor)) }
func (a *Asm) Xor(ra, rs, rb uint32) *Asm   { return a.Emit(xForm(rs, ra, rb, XoXor)) }
func (a *Asm) Slw(ra, rs, rb uint32) *Asm   { return a.Emit(xForm(rs, ra, rb, XoSlw)) }
func (a *Asm) Srw(ra, rs, rb uint32) *Asm   { return a.Emit(xForm(rs, ra, rb, XoSrw)) }
func (a *Asm) Extsb(ra, rs uint32) *Asm     { return a.Emit(xForm(rs, ra, 0, XoExtsb)) }
func (a *Asm) Extsh(ra, rs uint32) *Asm     { return a.Emit(xForm(rs, ra, 0, XoExtsh)) }
func (a *Asm) Extsw(ra, rs uint32) *Asm     { return a.Emit(xForm(rs, ra, 0, XoExtsw)) }

func (a *Asm) Mfspr(rt, spr uint32) *Asm { return a.Emit(xForm(rt, spr&31, spr>>5, XoMfspr)) }
func (a *Asm) Mtspr(spr, rs uint32) *Asm { return a.Emit(xForm(rs, spr&31, spr>>5, XoMtspr)) }
func (a *Asm) Mflr(rt uint32) *Asm       { return a.Mfspr(rt, 8) }
func (a *Asm) Mtlr(rs uint32) *Asm       { return a.Mtspr(8, rs) }
func (a *Asm) Mfctr(rt uint32) *Asm      { return a.Mfspr(rt, 9) }
func (a *Asm) Mtctr(rs uint32) *Asm      { return a.Mtspr(9, rs) }
func (a *Asm) Mfcr(rt uint32) *Asm       { return a.Emit(xForm(rt, 0, 0, XoMfcr)) }
func (a *Asm) Mtcrf(crm, rs uint32) *Asm {
	return a.Emit(OpG31<<26 | (rs&31)<<21 | (crm&0xFF)<<12 | XoMtcrf<<1)
}

func (a *Asm) branch(target uint32, aa, lk bool) uint32 {
	disp := target - a.PC()
	if aa {
		disp = target
	}
	w := OpB<<26 | disp&0x03FFFFFC
	if aa {
		w |= 2
	}
	if lk {
		w |= 1
	}
	return w
}

func (a *Asm) B(target uint32) *Asm  { return a.Emit(a.branch(target, false, false)) }
func (a *Asm) Bl(target uint32) *Asm { return a.Emit(a.branch(target, false, true)) }
func (a *Asm) Ba(target uint32) *Asm { return a.Emit(a.branch(target, true, false)) }

// Bc emits a conditional branch to target; bi is the CR bit (crf*4 + CRLt..CRSo).
func (a *Asm) Bc(bo, bi, target uint32) *Asm {
	disp := target - a.PC()
	return a.Emit(OpBC<<26 | (bo&31)<<21 | (bi&31)<<16 | disp&0xFFFC)
}

func (a *Asm) Bcl(bo, bi, target uint32) *Asm {
	return a.Bc(bo, bi, target).Dot()
}

func (a *Asm) Beq(crf, target uint32) *Asm { return a.Bc(BOTrue, crf*CRBitsField+CREq, target) }
func (a *Asm) Bne(crf, target uint32) *Asm { return a.Bc(BOFalse, crf*CRBitsField+CREq, target) }
func (a *Asm) Blt(crf, target uint32) *Asm { return a.Bc(BOTrue, crf*CRBitsField+CRLt, target) }
func (a *Asm) Bge(crf, target uint32) *Asm { return a.Bc(BOFalse, crf*CRBitsField+CRLt, target) }
func (a *Asm) Bgt(crf, target uint32) *Asm { return a.Bc(BOTrue, crf*CRBitsField+CRGt, target) }
func (a *Asm) Ble(crf, target uint32) *Asm { return a.Bc(BOFalse, crf*CRBitsField+CRGt, target) }
func (a *Asm) Bdnz(target uint32) *Asm     { return a.Bc(BODecNZ, 0, target) }

func (a *Asm) Blr() *Asm   { return a.Emit(BLR) }
func (a *Asm) Blrl() *Asm  { return a.Emit(BLR | 1) }
func (a *Asm) Bctr() *Asm  { return a.Emit(OpG13<<26 | BOAlways<<21 | XoBCCTR<<1) }
func (a *Asm) Bctrl() *Asm { return a.Bctr().Dot() }

// Beqlr returns when CR field crf has EQ set.
func (a *Asm) Beqlr(crf uint32) *Asm {
	return a.Emit(OpG13<<26 | BOTrue<<21 | (crf*CRBitsField+CREq)<<16 | XoBCLR<<1)
}
