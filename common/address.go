package common

import "fmt"

// FormatAddr renders a guest address the way the journal and CLI print it.
func FormatAddr(addr uint32) string {
	return fmt.Sprintf("0x%08X", addr)
}

// BlockName is the symbol used for a trace-assembled compiled block.
func BlockName(addr uint32) string {
	return fmt.Sprintf("block_0x%08X", addr)
}

// FunctionName is the symbol used for a whole compiled function.
func FunctionName(addr uint32) string {
	return fmt.Sprintf("function_0x%08X", addr)
}
