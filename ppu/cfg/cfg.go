// Package cfg holds the incrementally built control-flow graph of a block.
package cfg

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/colorfulnotion/ppurec/ppu/instr"
	"github.com/colorfulnotion/ppurec/ppu/trace"
)

// AddrSet is a set of guest addresses.
type AddrSet map[uint32]struct{}

func (s AddrSet) Add(a uint32) bool {
	if _, ok := s[a]; ok {
		return false
	}
	s[a] = struct{}{}
	return true
}

func (s AddrSet) Has(a uint32) bool {
	_, ok := s[a]
	return ok
}

// Sorted returns the members in ascending order.
func (s AddrSet) Sorted() []uint32 {
	return slices.Sorted(maps.Keys(s))
}

// Graph is the CFG of one block. It only grows.
type Graph struct {
	StartAddress    uint32
	FunctionAddress uint32

	Instructions AddrSet
	Branches     map[uint32]AddrSet
	Calls        map[uint32]AddrSet
}

func New(start, function uint32) *Graph {
	return &Graph{
		StartAddress:    start,
		FunctionAddress: function,
		Instructions:    AddrSet{},
		Branches:        map[uint32]AddrSet{},
		Calls:           map[uint32]AddrSet{},
	}
}

func (g *Graph) AddBranch(from, to uint32) {
	set, ok := g.Branches[from]
	if !ok {
		set = AddrSet{}
		g.Branches[from] = set
	}
	set.Add(to)
}

func (g *Graph) AddCall(from, to uint32) {
	set, ok := g.Calls[from]
	if !ok {
		set = AddrSet{}
		g.Calls[from] = set
	}
	set.Add(to)
}

// Size counts visited addresses plus branch and call edges.
func (g *Graph) Size() int {
	n := len(g.Instructions)
	for _, s := range g.Branches {
		n += len(s)
	}
	for _, s := range g.Calls {
		n += len(s)
	}
	return n
}

// Clone returns a deep copy the compiler can read while the graph keeps growing.
func (g *Graph) Clone() *Graph {
	c := New(g.StartAddress, g.FunctionAddress)
	c.Instructions = maps.Clone(g.Instructions)
	for k, v := range g.Branches {
		c.Branches[k] = maps.Clone(v)
	}
	for k, v := range g.Calls {
		c.Calls[k] = maps.Clone(v)
	}
	return c
}

// Equal reports whether both graphs hold the same nodes and edges.
func (g *Graph) Equal(o *Graph) bool {
	if g.StartAddress != o.StartAddress || g.FunctionAddress != o.FunctionAddress {
		return false
	}
	if !maps.Equal(g.Instructions, o.Instructions) {
		return false
	}
	eq := func(a, b map[uint32]AddrSet) bool {
		return maps.EqualFunc(a, b, func(x, y AddrSet) bool { return maps.Equal(x, y) })
	}
	return eq(g.Branches, o.Branches) && eq(g.Calls, o.Calls)
}

// Update folds the step from this to next into g. next is nil at the end of
// a linear trace.
func (g *Graph) Update(this trace.Entry, next *trace.Entry) {
	switch this.Type {
	case trace.Instruction:
		g.Instructions.Add(this.Addr)
		if next == nil {
			return
		}
		switch next.Type {
		case trace.Instruction, trace.CompiledBlock:
			if next.PrimaryAddress() != this.Addr+instr.Width {
				g.AddBranch(this.Addr, next.PrimaryAddress())
			}
		case trace.FunctionCall:
			g.AddCall(this.Addr, next.PrimaryAddress())
		}
	case trace.CompiledBlock:
		if next == nil {
			return
		}
		switch next.Type {
		case trace.Instruction, trace.CompiledBlock:
			g.AddBranch(this.Exit, next.PrimaryAddress())
		case trace.FunctionCall:
			g.AddCall(this.Exit, next.PrimaryAddress())
		}
	}
}

// Fold applies Update to every step of t, wrapping around for loop traces.
func (g *Graph) Fold(t *trace.Trace) {
	for i, e := range t.Entries {
		if next, ok := t.Next(i); ok {
			g.Update(e, &next)
		} else {
			g.Update(e, nil)
		}
	}
}

// Successors lists every branch target recorded from addr.
func (g *Graph) Successors(addr uint32) []uint32 {
	return g.Branches[addr].Sorted()
}

func (g *Graph) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "start=0x%08X function=0x%08X size=%d\n", g.StartAddress, g.FunctionAddress, g.Size())
	for _, a := range g.Instructions.Sorted() {
		fmt.Fprintf(&b, "  0x%08X", a)
		if s, ok := g.Branches[a]; ok {
			fmt.Fprintf(&b, " ->%s", formatSet(s))
		}
		if s, ok := g.Calls[a]; ok {
			fmt.Fprintf(&b, " call%s", formatSet(s))
		}
		b.WriteByte('\n')
	}
	for _, from := range slices.Sorted(maps.Keys(g.Branches)) {
		if !g.Instructions.Has(from) {
			fmt.Fprintf(&b, "  exit 0x%08X ->%s\n", from, formatSet(g.Branches[from]))
		}
	}
	return b.String()
}

func formatSet(s AddrSet) string {
	var b strings.Builder
	for _, a := range s.Sorted() {
		fmt.Fprintf(&b, " 0x%08X", a)
	}
	return b.String()
}
