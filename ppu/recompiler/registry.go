package recompiler

import (
	"slices"

	"github.com/colorfulnotion/ppurec/ppu/analysis"
	"github.com/colorfulnotion/ppurec/ppu/cfg"
)

// BlockStatus is where a block is in its analysis/compilation lifecycle.
type BlockStatus uint8

const (
	StatusNew BlockStatus = iota
	StatusAnalysed
	StatusCompilable
	StatusNotCompilable
	StatusCompiled
)

func (s BlockStatus) String() string {
	switch s {
	case StatusAnalysed:
		return "analysed"
	case StatusCompilable:
		return "compilable"
	case StatusNotCompilable:
		return "not-compilable"
	case StatusCompiled:
		return "compiled"
	}
	return "new"
}

// BlockEntry is the registry record of one guest address. It is owned by the
// engine worker.
type BlockEntry struct {
	StartAddress    uint32
	FunctionAddress uint32
	CFG             *cfg.Graph

	Analysed             bool
	IsCompilableFunction bool
	InstructionCount     int
	CalledFunctions      cfg.AddrSet
	AnalysisErr          error

	IsCompiled          bool
	CompiledAsFunction  bool
	NumHits             uint64
	LastCompiledCFGSize int
	Generation          uint64

	// failedCFGSize is the CFG size of the last failed compile; the block is
	// retried once its CFG grows past it.
	failed        bool
	failedCFGSize int
}

func newBlockEntry(start, function uint32) *BlockEntry {
	return &BlockEntry{
		StartAddress:    start,
		FunctionAddress: function,
		CFG:             cfg.New(start, function),
		CalledFunctions: cfg.AddrSet{},
	}
}

// IsFunction reports whether the block starts its function.
func (b *BlockEntry) IsFunction() bool { return b.StartAddress == b.FunctionAddress }

func (b *BlockEntry) Status() BlockStatus {
	switch {
	case b.IsCompiled:
		return StatusCompiled
	case !b.Analysed:
		return StatusNew
	case b.IsCompilableFunction:
		return StatusCompilable
	case b.AnalysisErr != nil:
		return StatusNotCompilable
	}
	return StatusAnalysed
}

// applyAnalysis records an analyzer result.
func (b *BlockEntry) applyAnalysis(res analysis.Result) {
	b.Analysed = true
	b.IsCompilableFunction = res.Compilable
	b.InstructionCount = int(res.InstructionCount)
	b.AnalysisErr = res.Reason
	for _, c := range res.Callees {
		b.CalledFunctions.Add(c)
	}
}

// retryable reports whether a failed block may be compiled again.
func (b *BlockEntry) retryable() bool {
	return !b.failed || b.CFG.Size() > b.failedCFGSize
}

// BlockInfo is a copy of a BlockEntry safe to hand to other goroutines.
type BlockInfo struct {
	StartAddress         uint32   `json:"start"`
	FunctionAddress      uint32   `json:"function"`
	Status               string   `json:"status"`
	IsCompilableFunction bool     `json:"compilable_function"`
	IsCompiled           bool     `json:"compiled"`
	CompiledAsFunction   bool     `json:"compiled_as_function"`
	InstructionCount     int      `json:"instruction_count"`
	CalledFunctions      []uint32 `json:"called_functions,omitempty"`
	NumHits              uint64   `json:"hits"`
	CFGSize              int      `json:"cfg_size"`
	LastCompiledCFGSize  int      `json:"last_compiled_cfg_size"`
	Generation           uint64   `json:"generation"`
	Failed               bool     `json:"failed,omitempty"`

	CFG *cfg.Graph `json:"-"`
}

func (b *BlockEntry) Info() BlockInfo {
	return BlockInfo{
		StartAddress:         b.StartAddress,
		FunctionAddress:      b.FunctionAddress,
		Status:               b.Status().String(),
		IsCompilableFunction: b.IsCompilableFunction,
		IsCompiled:           b.IsCompiled,
		CompiledAsFunction:   b.CompiledAsFunction,
		InstructionCount:     b.InstructionCount,
		CalledFunctions:      b.CalledFunctions.Sorted(),
		NumHits:              b.NumHits,
		CFGSize:              b.CFG.Size(),
		LastCompiledCFGSize:  b.LastCompiledCFGSize,
		Generation:           b.Generation,
		Failed:               b.failed,
		CFG:                  b.CFG.Clone(),
	}
}

// Registry maps a start address to its one BlockEntry. Entries are never
// removed.
type Registry struct {
	blocks map[uint32]*BlockEntry
}

func NewRegistry() *Registry {
	return &Registry{blocks: map[uint32]*BlockEntry{}}
}

func (r *Registry) Get(start uint32) *BlockEntry { return r.blocks[start] }

// GetOrCreate returns the entry for start, creating it for function if
// needed. An existing entry keeps its function address.
func (r *Registry) GetOrCreate(start, function uint32) *BlockEntry {
	if b, ok := r.blocks[start]; ok {
		return b
	}
	b := newBlockEntry(start, function)
	r.blocks[start] = b
	return b
}

func (r *Registry) Len() int { return len(r.blocks) }

// Entries returns every entry ordered by start address.
func (r *Registry) Entries() []*BlockEntry {
	out := make([]*BlockEntry, 0, len(r.blocks))
	for _, b := range r.blocks {
		out = append(out, b)
	}
	slices.SortFunc(out, func(a, b *BlockEntry) int {
		switch {
		case a.StartAddress < b.StartAddress:
			return -1
		case a.StartAddress > b.StartAddress:
			return 1
		}
		return 0
	})
	return out
}

// Snapshot copies every entry.
func (r *Registry) Snapshot() []BlockInfo {
	entries := r.Entries()
	out := make([]BlockInfo, len(entries))
	for i, b := range entries {
		out[i] = b.Info()
	}
	return out
}
