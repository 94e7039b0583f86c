package ir

import (
	"fmt"
	"strings"
)

// String renders f in an LLVM-like text form for the diagnostic journal.
func (f *Func) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "define i32 @%s(ptr %%state, i64 %%context) {\n", f.Name)
	for i, blk := range f.Blocks {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(blk.Name)
		b.WriteByte(':')
		if len(blk.Preds) > 0 {
			names := make([]string, len(blk.Preds))
			for j, p := range blk.Preds {
				names[j] = "%" + p.Name
			}
			fmt.Fprintf(&b, "%*s; preds = %s", max(1, 40-len(blk.Name)), "", strings.Join(names, ", "))
		}
		b.WriteByte('\n')
		for _, v := range blk.Values {
			b.WriteString("  ")
			b.WriteString(v.LongString())
			b.WriteByte('\n')
		}
		if t := blk.Term.String(); t != "" {
			b.WriteString("  ")
			b.WriteString(t)
			b.WriteByte('\n')
		}
	}
	b.WriteString("}\n")
	return b.String()
}

// Ref is the operand spelling of v.
func (v *Value) Ref() string {
	if v == nil {
		return "<nil>"
	}
	if v.Op == OpConst {
		return fmt.Sprintf("0x%X", uint64(v.Aux))
	}
	return fmt.Sprintf("%%%d", v.ID)
}

// LongString renders v as a full instruction.
func (v *Value) LongString() string {
	var b strings.Builder
	if v.Op.HasResult() {
		fmt.Fprintf(&b, "%%%d = ", v.ID)
	}
	b.WriteString(v.Op.String())
	switch v.Op {
	case OpLoadGPR, OpStoreGPR:
		fmt.Fprintf(&b, " r%d", v.Aux)
	case OpLoadSPR, OpStoreSPR:
		if v.Aux >= 0 && v.Aux < NumSPR {
			fmt.Fprintf(&b, " %s", sprNames[v.Aux])
		} else {
			fmt.Fprintf(&b, " spr%d", v.Aux)
		}
	case OpCall:
		if len(v.Args) == 0 {
			fmt.Fprintf(&b, " @0x%08X", uint32(v.Aux))
		}
	case OpPhi:
		parts := make([]string, len(v.Args))
		for i, a := range v.Args {
			name := "?"
			if i < len(v.Incoming) && v.Incoming[i] != nil {
				name = v.Incoming[i].Name
			}
			parts[i] = fmt.Sprintf("[ %s, %%%s ]", a.Ref(), name)
		}
		b.WriteString(" i32 ")
		b.WriteString(strings.Join(parts, ", "))
		return b.String()
	}
	for i, a := range v.Args {
		if i > 0 || v.Op == OpStoreGPR || v.Op == OpStoreSPR {
			b.WriteString(",")
		}
		b.WriteByte(' ')
		b.WriteString(a.Ref())
	}
	return b.String()
}

func (t Term) String() string {
	switch t.Kind {
	case TermBr:
		return "br label %" + t.Succs[0].Name
	case TermCondBr:
		return fmt.Sprintf("br i1 %s, label %%%s, label %%%s", t.Cond.Ref(), t.Succs[0].Name, t.Succs[1].Name)
	case TermRet:
		return "ret i32 " + t.Ret.Ref()
	}
	return ""
}
