package instr

import (
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/arch/ppc64/ppc64asm"
)

// Disassemble renders one guest instruction at addr in GNU syntax.
func Disassemble(addr, w uint32) string {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], w)
	inst, err := ppc64asm.Decode(buf[:], binary.BigEndian)
	if err != nil {
		return fmt.Sprintf(".long 0x%08X", w)
	}
	return ppc64asm.GNUSyntax(inst, uint64(addr))
}

// DisassembleRange renders count instructions starting at addr, one per line.
func DisassembleRange(mem interface{ Read32(uint32) uint32 }, addr uint32, count int) string {
	var b strings.Builder
	for i := 0; i < count; i++ {
		a := addr + uint32(i*Width)
		w := mem.Read32(a)
		fmt.Fprintf(&b, "0x%08X: %08X  %s\n", a, w, Disassemble(a, w))
	}
	return b.String()
}
