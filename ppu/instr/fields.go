// Package instr decodes guest instruction words: raw field extraction, a
// tagged decode into Op, branch classification and disassembly.
package instr

// Width is the size in bytes of one guest instruction.
const Width = 4

// BLR is the encoding of the unconditional return instruction.
const BLR uint32 = 0x4E800020

// Primary opcodes (OPCD).
const (
	OpMulli  = 7
	OpCmpli  = 10
	OpCmpi   = 11
	OpAddi   = 14
	OpAddis  = 15
	OpBC     = 16
	OpB      = 18
	OpG13    = 19
	OpRlwimi = 20
	OpRlwinm = 21
	OpOri    = 24
	OpOris   = 25
	OpXori   = 26
	OpXoris  = 27
	OpAndi   = 28
	OpAndis  = 29
	OpG31    = 31
	OpLwz    = 32
	OpLwzu   = 33
	OpLbz    = 34
	OpStw    = 36
	OpStwu   = 37
	OpStb    = 38
	OpLhz    = 40
	OpLha    = 42
	OpSth    = 44
	OpLd     = 58
	OpStd    = 62
)

// Extended opcodes of primary opcode 19.
const (
	XoBCLR  = 16
	XoBCCTR = 528
)

// Extended opcodes of primary opcode 31 (10-bit X-form).
const (
	XoCmp   = 0
	XoMfcr  = 19
	XoLwzx  = 23
	XoSlw   = 24
	XoAnd   = 28
	XoCmpl  = 32
	XoAndc  = 60
	XoNor   = 124
	XoMtcrf = 144
	XoStwx  = 151
	XoXor   = 316
	XoMfspr = 339
	XoOr    = 444
	XoMtspr = 467
	XoSrw   = 536
	XoExtsh = 922
	XoExtsb = 954
	XoExtsw = 986
)

// Extended opcodes of primary opcode 31 (9-bit XO-form, OE masked off).
const (
	XoSubf  = 40
	XoNeg   = 104
	XoMullw = 235
	XoAdd   = 266
	XoDivwu = 459
	XoDivw  = 491
)

// BO bits, most significant first.
const (
	BOIgnoreCR  = 0x10
	BOCondTrue  = 0x08
	BONoCTR     = 0x04
	BOCTRZero   = 0x02
	BOAlways    = BOIgnoreCR | BONoCTR
	BOTrue      = BONoCTR | BOCondTrue
	BOFalse     = BONoCTR
	BODecNZ     = BOIgnoreCR
	BODecZ      = BOIgnoreCR | BOCTRZero
	CRLt        = 0
	CRGt        = 1
	CREq        = 2
	CRSo        = 3
	CRBitsField = 4
)

func OPCD(w uint32) uint32 { return w >> 26 }
func RD(w uint32) uint32   { return (w >> 21) & 0x1F }
func RA(w uint32) uint32   { return (w >> 16) & 0x1F }
func RB(w uint32) uint32   { return (w >> 11) & 0x1F }
func BO(w uint32) uint32   { return (w >> 21) & 0x1F }
func BI(w uint32) uint32   { return (w >> 16) & 0x1F }
func AA(w uint32) bool     { return w&2 != 0 }
func LK(w uint32) bool     { return w&1 != 0 }
func Rc(w uint32) bool     { return w&1 != 0 }
func SH(w uint32) uint32   { return (w >> 11) & 0x1F }
func MB(w uint32) uint32   { return (w >> 6) & 0x1F }
func ME(w uint32) uint32   { return (w >> 1) & 0x1F }
func CRFD(w uint32) uint32 { return (w >> 23) & 0x7 }
func L(w uint32) bool      { return (w>>21)&1 != 0 }
func CRM(w uint32) uint32  { return (w >> 12) & 0xFF }
func UIMM(w uint32) uint32 { return w & 0xFFFF }
func SIMM(w uint32) int32  { return int32(int16(w)) }

// XO returns the 10-bit extended opcode of X/XL-form instructions.
func XO(w uint32) uint32 { return (w >> 1) & 0x3FF }

// XO9 returns the 9-bit extended opcode of XO-form instructions.
func XO9(w uint32) uint32 { return (w >> 1) & 0x1FF }

// BD is the sign-extended conditional branch displacement.
func BD(w uint32) int32 { return int32(int16(w & 0xFFFC)) }

// LI is the sign-extended unconditional branch displacement.
func LI(w uint32) int32 { return int32(w<<6) >> 6 &^ 3 }

// DS is the sign-extended displacement of DS-form loads and stores.
func DS(w uint32) int32 { return int32(int16(w & 0xFFFC)) }

// SPR returns the special purpose register number with its two halves swapped back.
func SPR(w uint32) uint32 { return ((w >> 16) & 0x1F) | ((w>>11)&0x1F)<<5 }

// BranchTarget resolves the target of a b or bc at addr, honouring AA.
func BranchTarget(addr, w uint32) uint32 {
	var disp int32
	if OPCD(w) == OpB {
		disp = LI(w)
	} else {
		disp = BD(w)
	}
	if AA(w) {
		return uint32(disp)
	}
	return addr + uint32(disp)
}

// IsBCCTR reports whether w is a bcctr of any form.
func IsBCCTR(w uint32) bool { return OPCD(w) == OpG13 && XO(w) == XoBCCTR }

// IsBCLR reports whether w is a bclr of any form.
func IsBCLR(w uint32) bool { return OPCD(w) == OpG13 && XO(w) == XoBCLR }
