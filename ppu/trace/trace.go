// Package trace records interpreted control flow as Execution Traces.
package trace

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/colorfulnotion/ppurec/common"
)

// EntryType tags an Entry.
type EntryType uint8

const (
	Instruction EntryType = iota
	FunctionCall
	CompiledBlock
)

func (t EntryType) String() string {
	switch t {
	case Instruction:
		return "instruction"
	case FunctionCall:
		return "call"
	case CompiledBlock:
		return "compiled_block"
	}
	return "unknown"
}

// Entry is one control-flow event. Addr is the instruction or call target;
// for CompiledBlock entries Addr is the block entry and Exit its exit address.
type Entry struct {
	Type EntryType `json:"type"`
	Addr uint32    `json:"addr"`
	Exit uint32    `json:"exit,omitempty"`
}

func InstructionEntry(addr uint32) Entry  { return Entry{Type: Instruction, Addr: addr} }
func CallEntry(addr uint32) Entry         { return Entry{Type: FunctionCall, Addr: addr} }
func BlockEntry(entry, exit uint32) Entry { return Entry{Type: CompiledBlock, Addr: entry, Exit: exit} }

// PrimaryAddress is the address loop detection and block lookup key on.
func (e Entry) PrimaryAddress() uint32 { return e.Addr }

func (e Entry) String() string {
	switch e.Type {
	case Instruction:
		return fmt.Sprintf("I:0x%08X", e.Addr)
	case FunctionCall:
		return fmt.Sprintf("F:0x%08X", e.Addr)
	case CompiledBlock:
		return fmt.Sprintf("C:0x%08X-0x%08X", e.Addr, e.Exit)
	}
	return "?"
}

// Kind is Linear for traces closed by a return, Loop for detected iterations.
type Kind uint8

const (
	Linear Kind = iota
	Loop
)

func (k Kind) String() string {
	if k == Loop {
		return "loop"
	}
	return "linear"
}

// Trace is an ordered run of entries inside one function.
type Trace struct {
	FunctionAddress uint32  `json:"function"`
	Kind            Kind    `json:"kind"`
	Entries         []Entry `json:"entries"`
}

func New(function uint32) *Trace {
	return &Trace{FunctionAddress: function}
}

// ID identifies the trace by content; two traces with the same function,
// kind and entries share an id.
func (t *Trace) ID() uint64 {
	buf := make([]byte, 0, 8+len(t.Entries)*9)
	buf = binary.BigEndian.AppendUint32(buf, t.FunctionAddress)
	buf = append(buf, byte(t.Kind))
	for _, e := range t.Entries {
		buf = append(buf, byte(e.Type))
		buf = binary.BigEndian.AppendUint32(buf, e.Addr)
		if e.Type == CompiledBlock {
			buf = binary.BigEndian.AppendUint32(buf, e.Exit)
		}
	}
	return common.Blake2Hash(buf).Uint64()
}

// Next returns the entry that follows position i, wrapping to the first entry
// for loops. ok is false at the end of a linear trace.
func (t *Trace) Next(i int) (Entry, bool) {
	if i+1 < len(t.Entries) {
		return t.Entries[i+1], true
	}
	if t.Kind == Loop && len(t.Entries) > 0 {
		return t.Entries[0], true
	}
	return Entry{}, false
}

func (t *Trace) String() string {
	parts := make([]string, len(t.Entries))
	for i, e := range t.Entries {
		parts[i] = e.String()
	}
	return fmt.Sprintf("0x%08X:%s:[%s]", t.FunctionAddress, t.Kind, strings.Join(parts, " "))
}
