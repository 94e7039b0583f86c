// Package interpreter executes one guest instruction at a time against a
// guest.State. A taken branch leaves PC at target-4; the caller advances PC
// by one instruction after every Execute.
package interpreter

import (
	"errors"
	"fmt"

	"github.com/colorfulnotion/ppurec/log"
	"github.com/colorfulnotion/ppurec/ppu/guest"
	"github.com/colorfulnotion/ppurec/ppu/instr"
)

var ErrUnknownInstruction = errors.New("unknown instruction")

const xerSO = 1 << 31

// Interpreter is stateless apart from its instruction counter.
type Interpreter struct {
	Executed uint64
}

func New() *Interpreter { return &Interpreter{} }

// Step fetches and executes the instruction at st.PC.
func (in *Interpreter) Step(st *guest.State) error {
	return in.Execute(st, st.Mem.Read32(st.PC))
}

// Execute decodes w and applies it to st.
func (in *Interpreter) Execute(st *guest.State, w uint32) error {
	op := instr.Decode(w)
	if op.Kind == instr.Unknown {
		return fmt.Errorf("%w 0x%08X at 0x%08X", ErrUnknownInstruction, w, st.PC)
	}
	if err := in.exec(st, op); err != nil {
		return err
	}
	in.Executed++
	return nil
}

func (in *Interpreter) exec(st *guest.State, op instr.Op) error {
	g := &st.GPR
	rd, ra, rb := op.RD, op.RA, op.RB
	var result uint64
	record := false

	switch op.Kind {
	case instr.Addi:
		g[rd] = baseOrZero(st, ra) + uint64(op.Imm)
	case instr.Addis:
		g[rd] = baseOrZero(st, ra) + uint64(op.Imm<<16)
	case instr.Mulli:
		g[rd] = uint64(int64(g[ra]) * op.Imm)
	case instr.Cmpi:
		a := int64(g[ra])
		if !op.L {
			a = int64(int32(g[ra]))
		}
		st.SetCRField(uint32(op.CRF), compareSigned(a, op.Imm, st.XER))
	case instr.Cmpli:
		a := g[ra]
		if !op.L {
			a = uint64(uint32(a))
		}
		st.SetCRField(uint32(op.CRF), compareUnsigned(a, uint64(op.Imm), st.XER))
	case instr.Cmp:
		a, b := int64(g[ra]), int64(g[rb])
		if !op.L {
			a, b = int64(int32(a)), int64(int32(b))
		}
		st.SetCRField(uint32(op.CRF), compareSigned(a, b, st.XER))
	case instr.Cmpl:
		a, b := g[ra], g[rb]
		if !op.L {
			a, b = uint64(uint32(a)), uint64(uint32(b))
		}
		st.SetCRField(uint32(op.CRF), compareUnsigned(a, b, st.XER))
	case instr.Ori:
		g[ra] = g[rd] | uint64(op.Imm)
	case instr.Oris:
		g[ra] = g[rd] | uint64(op.Imm)<<16
	case instr.Xori:
		g[ra] = g[rd] ^ uint64(op.Imm)
	case instr.Xoris:
		g[ra] = g[rd] ^ uint64(op.Imm)<<16
	case instr.Andi:
		result, record = g[rd]&uint64(op.Imm), true
		g[ra] = result
	case instr.Andis:
		result, record = g[rd]&(uint64(op.Imm)<<16), true
		g[ra] = result
	case instr.Rlwinm:
		result = instr.RotateWord(g[rd], uint32(op.SH)) & instr.WordMask(uint32(op.MB), uint32(op.ME))
		g[ra], record = result, op.Rc
	case instr.Rlwimi:
		m := instr.WordMask(uint32(op.MB), uint32(op.ME))
		result = instr.RotateWord(g[rd], uint32(op.SH))&m | g[ra]&^m
		g[ra], record = result, op.Rc

	case instr.Lwz, instr.Lbz, instr.Lhz, instr.Lha, instr.Ld, instr.Lwzu:
		ea := uint32(baseOrZero(st, ra) + uint64(op.Imm))
		if op.Kind == instr.Lwzu {
			ea = uint32(g[ra] + uint64(op.Imm))
		}
		switch op.Kind {
		case instr.Lwz, instr.Lwzu:
			g[rd] = uint64(st.Mem.Read32(ea))
		case instr.Lbz:
			g[rd] = uint64(st.Mem.Read8(ea))
		case instr.Lhz:
			g[rd] = uint64(st.Mem.Read16(ea))
		case instr.Lha:
			g[rd] = uint64(int64(int16(st.Mem.Read16(ea))))
		case instr.Ld:
			g[rd] = st.Mem.Read64(ea)
		}
		if op.Kind == instr.Lwzu {
			g[ra] = uint64(ea)
		}
	case instr.Lwzx:
		g[rd] = uint64(st.Mem.Read32(uint32(baseOrZero(st, ra) + g[rb])))
	case instr.Stw, instr.Stb, instr.Sth, instr.Std, instr.Stwu:
		ea := uint32(baseOrZero(st, ra) + uint64(op.Imm))
		if op.Kind == instr.Stwu {
			ea = uint32(g[ra] + uint64(op.Imm))
		}
		switch op.Kind {
		case instr.Stw, instr.Stwu:
			st.Mem.Write32(ea, uint32(g[rd]))
		case instr.Stb:
			st.Mem.Write8(ea, uint8(g[rd]))
		case instr.Sth:
			st.Mem.Write16(ea, uint16(g[rd]))
		case instr.Std:
			st.Mem.Write64(ea, g[rd])
		}
		if op.Kind == instr.Stwu {
			g[ra] = uint64(ea)
		}
	case instr.Stwx:
		st.Mem.Write32(uint32(baseOrZero(st, ra)+g[rb]), uint32(g[rd]))

	case instr.Add:
		result = g[ra] + g[rb]
		g[rd], record = result, op.Rc
	case instr.Subf:
		result = g[rb] - g[ra]
		g[rd], record = result, op.Rc
	case instr.Neg:
		result = -g[ra]
		g[rd], record = result, op.Rc
	case instr.Mullw:
		result = uint64(int64(int32(g[ra])) * int64(int32(g[rb])))
		g[rd], record = result, op.Rc
	case instr.Divw:
		result = uint64(uint32(DivideWord(int32(g[ra]), int32(g[rb]))))
		g[rd], record = result, op.Rc
	case instr.Divwu:
		result = uint64(DivideWordUnsigned(uint32(g[ra]), uint32(g[rb])))
		g[rd], record = result, op.Rc
	case instr.And:
		result = g[rd] & g[rb]
		g[ra], record = result, op.Rc
	case instr.Andc:
		result = g[rd] &^ g[rb]
		g[ra], record = result, op.Rc
	case instr.Or:
		result = g[rd] | g[rb]
		g[ra], record = result, op.Rc
	case instr.Nor:
		result = ^(g[rd] | g[rb])
		g[ra], record = result, op.Rc
	case instr.Xor:
		result = g[rd] ^ g[rb]
		g[ra], record = result, op.Rc
	case instr.Slw:
		result = ShiftWord(g[rd], g[rb], true)
		g[ra], record = result, op.Rc
	case instr.Srw:
		result = ShiftWord(g[rd], g[rb], false)
		g[ra], record = result, op.Rc
	case instr.Extsb:
		result = uint64(int64(int8(g[rd])))
		g[ra], record = result, op.Rc
	case instr.Extsh:
		result = uint64(int64(int16(g[rd])))
		g[ra], record = result, op.Rc
	case instr.Extsw:
		result = uint64(int64(int32(g[rd])))
		g[ra], record = result, op.Rc

	case instr.Mfspr:
		v, err := st.ReadSPR(uint32(op.SPR))
		if err != nil {
			return fmt.Errorf("%w: mfspr at 0x%08X: %v", ErrUnknownInstruction, st.PC, err)
		}
		g[rd] = v
	case instr.Mtspr:
		if err := st.WriteSPR(uint32(op.SPR), g[rd]); err != nil {
			return fmt.Errorf("%w: mtspr at 0x%08X: %v", ErrUnknownInstruction, st.PC, err)
		}
	case instr.Mfcr:
		g[rd] = uint64(st.CR)
	case instr.Mtcrf:
		mask := CRFieldMask(uint32(op.CRM))
		st.CR = st.CR&^mask | uint32(g[rd])&mask

	case instr.B:
		if op.LK {
			st.LR = uint64(st.PC + instr.Width)
		}
		st.PC = op.Target(st.PC) - instr.Width
	case instr.BC:
		taken := branchTaken(st, op)
		if op.LK {
			st.LR = uint64(st.PC + instr.Width)
		}
		if taken {
			st.PC = op.Target(st.PC) - instr.Width
		}
	case instr.BCLR:
		target := uint32(st.LR) &^ 3
		taken := branchTaken(st, op)
		if op.LK {
			st.LR = uint64(st.PC + instr.Width)
		}
		if taken {
			st.PC = target - instr.Width
		}
	case instr.BCCTR:
		target := uint32(st.CTR) &^ 3
		if op.BO&instr.BONoCTR == 0 {
			return fmt.Errorf("%w: bcctr with ctr decrement at 0x%08X", ErrUnknownInstruction, st.PC)
		}
		taken := branchTaken(st, op)
		if op.LK {
			st.LR = uint64(st.PC + instr.Width)
		}
		if taken {
			st.PC = target - instr.Width
		}
	default:
		return fmt.Errorf("%w: %s at 0x%08X", ErrUnknownInstruction, op.Kind, st.PC)
	}

	if record {
		st.SetCRField(0, compareSigned(int64(result), 0, st.XER))
	}
	if log.IsModuleEnabled(log.DispatcherModule) {
		log.Trace(log.DispatcherModule, "interpret", "pc", fmt.Sprintf("0x%08X", st.PC), "op", op.Kind)
	}
	return nil
}

func baseOrZero(st *guest.State, ra uint8) uint64 {
	if ra == 0 {
		return 0
	}
	return st.GPR[ra]
}

// branchTaken applies the BO/BI rules, decrementing CTR when BO asks for it.
func branchTaken(st *guest.State, op instr.Op) bool {
	bo := op.BO
	ctrOK := true
	if bo&instr.BONoCTR == 0 {
		st.CTR--
		ctrOK = (st.CTR != 0) != (bo&instr.BOCTRZero != 0)
	}
	condOK := bo&instr.BOIgnoreCR != 0 || st.CRBit(uint32(op.BI)) == (bo&instr.BOCondTrue != 0)
	return ctrOK && condOK
}

func compareSigned(a, b int64, xer uint64) uint32 {
	return crNibble(a < b, a > b, xer)
}

func compareUnsigned(a, b uint64, xer uint64) uint32 {
	return crNibble(a < b, a > b, xer)
}

func crNibble(lt, gt bool, xer uint64) uint32 {
	var n uint32
	switch {
	case lt:
		n = 8
	case gt:
		n = 4
	default:
		n = 2
	}
	if xer&xerSO != 0 {
		n |= 1
	}
	return n
}

// DivideWord is divw: division by zero and the overflowing case yield 0.
func DivideWord(a, b int32) int32 {
	if b == 0 || (a == -1<<31 && b == -1) {
		return 0
	}
	return a / b
}

// DivideWordUnsigned is divwu: division by zero yields 0.
func DivideWordUnsigned(a, b uint32) uint32 {
	if b == 0 {
		return 0
	}
	return a / b
}

// ShiftWord is slw/srw: shift amounts of 32..63 clear the result.
func ShiftWord(v, amount uint64, left bool) uint64 {
	n := amount & 0x3F
	if n > 31 {
		return 0
	}
	if left {
		return uint64(uint32(v) << n)
	}
	return uint64(uint32(v) >> n)
}

// CRFieldMask expands the 8-bit mtcrf field mask into a CR bit mask.
func CRFieldMask(crm uint32) uint32 {
	var mask uint32
	for i := uint32(0); i < 8; i++ {
		if crm&(0x80>>i) != 0 {
			mask |= 0xF << (28 - 4*i)
		}
	}
	return mask
}
