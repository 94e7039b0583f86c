package instr

import "fmt"

// Kind tags a decoded instruction.
type Kind uint8

const (
	Unknown Kind = iota
	Addi
	Addis
	Mulli
	Cmpi
	Cmpli
	Ori
	Oris
	Xori
	Xoris
	Andi
	Andis
	Rlwinm
	Rlwimi
	Lwz
	Lwzu
	Lbz
	Lhz
	Lha
	Stw
	Stwu
	Stb
	Sth
	Ld
	Std
	B
	BC
	BCLR
	BCCTR
	Add
	Subf
	Neg
	Mullw
	Divw
	Divwu
	And
	Andc
	Or
	Nor
	Xor
	Slw
	Srw
	Extsb
	Extsh
	Extsw
	Cmp
	Cmpl
	Lwzx
	Stwx
	Mfspr
	Mtspr
	Mfcr
	Mtcrf
	numKinds
)

var kindNames = [numKinds]string{
	Unknown: "unknown",
	Addi:    "addi", Addis: "addis", Mulli: "mulli", Cmpi: "cmpi", Cmpli: "cmpli",
	Ori: "ori", Oris: "oris", Xori: "xori", Xoris: "xoris", Andi: "andi.", Andis: "andis.",
	Rlwinm: "rlwinm", Rlwimi: "rlwimi",
	Lwz: "lwz", Lwzu: "lwzu", Lbz: "lbz", Lhz: "lhz", Lha: "lha",
	Stw: "stw", Stwu: "stwu", Stb: "stb", Sth: "sth", Ld: "ld", Std: "std",
	B: "b", BC: "bc", BCLR: "bclr", BCCTR: "bcctr",
	Add: "add", Subf: "subf", Neg: "neg", Mullw: "mullw", Divw: "divw", Divwu: "divwu",
	And: "and", Andc: "andc", Or: "or", Nor: "nor", Xor: "xor", Slw: "slw", Srw: "srw",
	Extsb: "extsb", Extsh: "extsh", Extsw: "extsw", Cmp: "cmp", Cmpl: "cmpl",
	Lwzx: "lwzx", Stwx: "stwx", Mfspr: "mfspr", Mtspr: "mtspr", Mfcr: "mfcr", Mtcrf: "mtcrf",
}

func (k Kind) String() string {
	if k < numKinds {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Op is one decoded instruction. Register fields keep their encoded
// position: RD is the RT/RS slot (bits 6-10), RA and RB follow it.
type Op struct {
	Kind Kind
	Word uint32

	RD, RA, RB uint8

	// Imm is SIMM sign-extended, UIMM zero-extended, or the DS/D displacement.
	Imm int64

	SH, MB, ME uint8
	CRF        uint8
	L          bool
	Rc         bool

	BO, BI uint8
	Disp   int32
	AA, LK bool

	SPR uint16
	CRM uint8
}

// IsBranch reports whether the op can change control flow.
func (o Op) IsBranch() bool {
	switch o.Kind {
	case B, BC, BCLR, BCCTR:
		return true
	}
	return false
}

// Target is the absolute target of a b or bc at addr.
func (o Op) Target(addr uint32) uint32 {
	if o.AA {
		return uint32(o.Disp)
	}
	return addr + uint32(o.Disp)
}

func (o Op) String() string {
	return fmt.Sprintf("%s 0x%08X", o.Kind, o.Word)
}

// Decode turns an instruction word into an Op. Words outside the supported
// integer subset decode to Kind Unknown.
func Decode(w uint32) Op {
	op := Op{
		Word: w,
		RD:   uint8(RD(w)),
		RA:   uint8(RA(w)),
		RB:   uint8(RB(w)),
	}
	switch OPCD(w) {
	case OpAddi:
		op.Kind, op.Imm = Addi, int64(SIMM(w))
	case OpAddis:
		op.Kind, op.Imm = Addis, int64(SIMM(w))
	case OpMulli:
		op.Kind, op.Imm = Mulli, int64(SIMM(w))
	case OpCmpi:
		op.Kind, op.Imm = Cmpi, int64(SIMM(w))
		op.CRF, op.L = uint8(CRFD(w)), L(w)
	case OpCmpli:
		op.Kind, op.Imm = Cmpli, int64(UIMM(w))
		op.CRF, op.L = uint8(CRFD(w)), L(w)
	case OpOri:
		op.Kind, op.Imm = Ori, int64(UIMM(w))
	case OpOris:
		op.Kind, op.Imm = Oris, int64(UIMM(w))
	case OpXori:
		op.Kind, op.Imm = Xori, int64(UIMM(w))
	case OpXoris:
		op.Kind, op.Imm = Xoris, int64(UIMM(w))
	case OpAndi:
		op.Kind, op.Imm, op.Rc = Andi, int64(UIMM(w)), true
	case OpAndis:
		op.Kind, op.Imm, op.Rc = Andis, int64(UIMM(w)), true
	case OpRlwinm, OpRlwimi:
		op.Kind = Rlwinm
		if OPCD(w) == OpRlwimi {
			op.Kind = Rlwimi
		}
		op.SH, op.MB, op.ME, op.Rc = uint8(SH(w)), uint8(MB(w)), uint8(ME(w)), Rc(w)
	case OpLwz, OpLwzu, OpLbz, OpLhz, OpLha, OpStw, OpStwu, OpStb, OpSth:
		op.Kind = dFormMemory[OPCD(w)]
		op.Imm = int64(SIMM(w))
	case OpLd, OpStd:
		if w&3 != 0 {
			return op
		}
		op.Kind = Ld
		if OPCD(w) == OpStd {
			op.Kind = Std
		}
		op.Imm = int64(DS(w))
	case OpB:
		op.Kind, op.Disp, op.AA, op.LK = B, LI(w), AA(w), LK(w)
	case OpBC:
		op.Kind, op.Disp, op.AA, op.LK = BC, BD(w), AA(w), LK(w)
		op.BO, op.BI = uint8(BO(w)), uint8(BI(w))
	case OpG13:
		switch XO(w) {
		case XoBCLR:
			op.Kind = BCLR
		case XoBCCTR:
			op.Kind = BCCTR
		default:
			return op
		}
		op.BO, op.BI, op.LK = uint8(BO(w)), uint8(BI(w)), LK(w)
	case OpG31:
		decodeG31(&op, w)
	}
	return op
}

var dFormMemory = map[uint32]Kind{
	OpLwz: Lwz, OpLwzu: Lwzu, OpLbz: Lbz, OpLhz: Lhz, OpLha: Lha,
	OpStw: Stw, OpStwu: Stwu, OpStb: Stb, OpSth: Sth,
}

func decodeG31(op *Op, w uint32) {
	op.Rc = Rc(w)
	switch XO(w) {
	case XoCmp:
		op.Kind, op.CRF, op.L, op.Rc = Cmp, uint8(CRFD(w)), L(w), false
	case XoCmpl:
		op.Kind, op.CRF, op.L, op.Rc = Cmpl, uint8(CRFD(w)), L(w), false
	case XoMfcr:
		op.Kind, op.Rc = Mfcr, false
	case XoMtcrf:
		op.Kind, op.CRM, op.Rc = Mtcrf, uint8(CRM(w)), false
	case XoLwzx:
		op.Kind, op.Rc = Lwzx, false
	case XoStwx:
		op.Kind, op.Rc = Stwx, false
	case XoMfspr:
		op.Kind, op.SPR, op.Rc = Mfspr, uint16(SPR(w)), false
	case XoMtspr:
		op.Kind, op.SPR, op.Rc = Mtspr, uint16(SPR(w)), false
	case XoAnd:
		op.Kind = And
	case XoAndc:
		op.Kind = Andc
	case XoOr:
		op.Kind = Or
	case XoNor:
		op.Kind = Nor
	case XoXor:
		op.Kind = Xor
	case XoSlw:
		op.Kind = Slw
	case XoSrw:
		op.Kind = Srw
	case XoExtsb:
		op.Kind = Extsb
	case XoExtsh:
		op.Kind = Extsh
	case XoExtsw:
		op.Kind = Extsw
	default:
		switch XO9(w) {
		case XoAdd:
			op.Kind = Add
		case XoSubf:
			op.Kind = Subf
		case XoNeg:
			op.Kind = Neg
		case XoMullw:
			op.Kind = Mullw
		case XoDivw:
			op.Kind = Divw
		case XoDivwu:
			op.Kind = Divwu
		default:
			op.Rc = false
		}
	}
}

// BranchType classifies a branch instruction for the dispatcher.
type BranchType uint8

const (
	NonBranch BranchType = iota
	LocalBranch
	FunctionCall
	Return
)

func (b BranchType) String() string {
	switch b {
	case LocalBranch:
		return "local"
	case FunctionCall:
		return "call"
	case Return:
		return "return"
	}
	return "none"
}

// ClassifyBranch derives the branch type of w from its opcode and link bit.
func ClassifyBranch(w uint32) BranchType {
	lk := LK(w)
	switch OPCD(w) {
	case OpB, OpBC:
		if lk {
			return FunctionCall
		}
		return LocalBranch
	case OpG13:
		switch XO(w) {
		case XoBCLR:
			if lk {
				return FunctionCall
			}
			return Return
		case XoBCCTR:
			if lk {
				return FunctionCall
			}
			return LocalBranch
		}
	}
	return NonBranch
}
