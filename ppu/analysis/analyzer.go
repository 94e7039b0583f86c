// Package analysis decides whether a guest address starts a function simple
// enough to compile whole.
package analysis

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/colorfulnotion/ppurec/common"
	"github.com/colorfulnotion/ppurec/log"
	"github.com/colorfulnotion/ppurec/ppu/guest"
	"github.com/colorfulnotion/ppurec/ppu/instr"
)

var (
	ErrIndirectBranch    = errors.New("indirect branch without link")
	ErrBranchBeforeStart = errors.New("branch before function start")
	ErrScanExhausted     = errors.New("no return within scan limit")
)

// DefaultMaxSize is the scan bound in bytes.
const DefaultMaxSize = 4096

// Result is the outcome of one scan.
type Result struct {
	Start            uint32   `json:"start"`
	Compilable       bool     `json:"compilable"`
	InstructionCount uint32   `json:"instruction_count"`
	Callees          []uint32 `json:"callees,omitempty"`
	// ScanEnd is the address after the last instruction the scan read.
	ScanEnd uint32 `json:"scan_end"`
	Detail  string `json:"reason,omitempty"`

	// Reason holds the rejection cause; only Detail is persisted.
	Reason error `json:"-"`
}

// Analyzer scans guest code linearly.
type Analyzer struct {
	mem     guest.Reader
	maxSize uint32
}

func NewAnalyzer(mem guest.Reader, maxSize uint32) *Analyzer {
	if maxSize == 0 {
		maxSize = DefaultMaxSize
	}
	return &Analyzer{mem: mem, maxSize: maxSize}
}

func (a *Analyzer) MaxSize() uint32 { return a.maxSize }

// Analyse scans forward from start in instruction steps. A function ends at
// the first blr at or past the farthest forward branch target seen so far.
func (a *Analyzer) Analyse(start uint32) Result {
	res := Result{Start: start}
	callees := map[uint32]struct{}{}
	farthest := start

	limit := uint64(start) + uint64(a.maxSize)
	if sized, ok := a.mem.(interface{ Size() uint32 }); ok && uint64(sized.Size()) < limit {
		limit = uint64(sized.Size()) &^ (instr.Width - 1)
	}

	fail := func(err error) Result {
		res.Reason = err
		res.Detail = err.Error()
		res.Callees = slices.Sorted(maps.Keys(callees))
		log.Debug(log.AnalyzerModule, "not compilable", "start", common.FormatAddr(start), "err", err)
		return res
	}

	for addr := start; uint64(addr)+instr.Width <= limit; addr += instr.Width {
		res.ScanEnd = addr + instr.Width
		w := a.mem.Read32(addr)
		switch {
		case w == instr.BLR && addr >= farthest:
			res.Compilable = true
			res.InstructionCount = (addr-start)/instr.Width + 1
			res.Callees = slices.Sorted(maps.Keys(callees))
			log.Debug(log.AnalyzerModule, "compilable", "start", common.FormatAddr(start),
				"instructions", res.InstructionCount, "callees", len(res.Callees))
			return res
		case instr.IsBCCTR(w):
			if !instr.LK(w) {
				return fail(fmt.Errorf("%w at %s", ErrIndirectBranch, common.FormatAddr(addr)))
			}
		case instr.OPCD(w) == instr.OpBC:
			target := instr.BranchTarget(addr, w)
			if target > farthest && !instr.LK(w) {
				farthest = target
			}
		case instr.OPCD(w) == instr.OpB:
			target := instr.BranchTarget(addr, w)
			if instr.LK(w) {
				callees[target] = struct{}{}
				continue
			}
			if target < start {
				return fail(fmt.Errorf("%w: %s -> %s", ErrBranchBeforeStart,
					common.FormatAddr(addr), common.FormatAddr(target)))
			}
			if target > farthest {
				farthest = target
			}
		}
	}
	return fail(fmt.Errorf("%w (%d bytes)", ErrScanExhausted, a.maxSize))
}
