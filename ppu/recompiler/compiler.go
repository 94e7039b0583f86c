package recompiler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/colorfulnotion/ppurec/common"
	"github.com/colorfulnotion/ppurec/log"
	"github.com/colorfulnotion/ppurec/ppu/cfg"
	"github.com/colorfulnotion/ppurec/ppu/codegen"
	"github.com/colorfulnotion/ppurec/ppu/guest"
	"github.com/colorfulnotion/ppurec/ppu/instr"
	"github.com/colorfulnotion/ppurec/ppu/ir"
	"github.com/colorfulnotion/ppurec/ppu/ir/opt"
)

var (
	ErrVerification     = errors.New("ir verification failed")
	ErrUncompilableHead = errors.New("first instruction cannot be compiled")
	ErrEmptyRange       = errors.New("nothing to compile")
)

// Stats accumulates compile timings across every unit a Compiler built.
type Stats struct {
	IRBuild   time.Duration
	Optimize  time.Duration
	Translate time.Duration
	Total     time.Duration

	Blocks         int
	Functions      int
	Failures       int
	VerifyFailures int
}

// Unit is one compiled region. It owns its backend module.
type Unit struct {
	Name         string
	Start        uint32
	Function     bool
	Instructions int
	ExitBlocks   int
	Passes       []opt.PassStat

	// Timings of this unit alone.
	IRBuild, Optimize, Translate time.Duration

	Module *codegen.Module
}

func (u *Unit) Executable() guest.Executable { return u.Module.Executable() }

// Compiler translates guest regions into host code. It is used from the
// engine worker only and keeps no locks.
type Compiler struct {
	mem      guest.Reader
	pipeline *opt.Pipeline
	journal  *Journal
	strict   bool
	stats    Stats
}

// NewCompiler reads guest code from mem. With strict set, IR that fails
// verification is rejected instead of being compiled anyway.
func NewCompiler(mem guest.Reader, journal *Journal, strict bool) *Compiler {
	return &Compiler{mem: mem, pipeline: opt.Default(), journal: journal, strict: strict}
}

// SetPipeline replaces the optimizing backend.
func (c *Compiler) SetPipeline(p *opt.Pipeline) { c.pipeline = p }

func (c *Compiler) GetStats() Stats { return c.stats }

// CompileBlock compiles the instructions recorded in g. Addresses the graph
// reaches but does not contain become exit blocks returning that address.
func (c *Compiler) CompileBlock(name string, g *cfg.Graph) (*Unit, error) {
	start := time.Now()
	addrs := g.Instructions.Sorted()
	if len(addrs) == 0 {
		return nil, c.fail(fmt.Errorf("%s: %w", name, ErrEmptyRange))
	}
	t := newTranslator(name, false, g.FunctionAddress)
	c.journal.Printf("Recompiling block %s :\n\n", name)
	t.begin(g.StartAddress)
	count := 0
	for _, addr := range addrs {
		if t.emit(c.mem, addr, c.journal) {
			count++
		}
	}
	u := &Unit{Name: name, Start: g.StartAddress, Instructions: count}
	if err := c.finish(t, u, start); err != nil {
		return nil, c.fail(err)
	}
	c.stats.Blocks++
	return u, nil
}

// CompileFunction compiles the count instructions starting at addr, a range
// the analyzer found to be a complete function.
func (c *Compiler) CompileFunction(addr uint32, count int) (*Unit, error) {
	start := time.Now()
	name := common.FunctionName(addr)
	if count <= 0 {
		return nil, c.fail(fmt.Errorf("%s: %w", name, ErrEmptyRange))
	}
	t := newTranslator(name, true, addr)
	c.journal.Printf("Recompiling function %s :\n\n", name)
	t.begin(addr)
	end := addr + uint32(count)*instr.Width
	for a := addr; a < end; a += instr.Width {
		t.emit(c.mem, a, c.journal)
	}
	u := &Unit{Name: name, Start: addr, Function: true, Instructions: count}
	if err := c.finish(t, u, start); err != nil {
		return nil, c.fail(err)
	}
	c.stats.Functions++
	return u, nil
}

func (c *Compiler) fail(err error) error {
	c.stats.Failures++
	log.Warn(log.CompilerModule, "compile failed", "err", err)
	return err
}

// emit journals and translates the instruction at addr.
func (t *translator) emit(mem guest.Reader, addr uint32, j *Journal) bool {
	w := mem.Read32(addr)
	j.Printf("%s\n", instr.Disassemble(addr, w))
	ok := t.instruction(addr, instr.Decode(w))
	if !ok {
		j.Printf("    ^ not compiled, region exits here\n")
	}
	return ok
}

// finish closes the IR, then verifies, optimizes and generates code for it.
func (c *Compiler) finish(t *translator, u *Unit, start time.Time) error {
	head := t.blocks[u.Start]
	if head == nil || head.Empty() {
		return fmt.Errorf("%s: %w at %s", u.Name, ErrUncompilableHead, common.FormatAddr(u.Start))
	}
	u.ExitBlocks = t.exits()
	f := t.f

	c.journal.Section("IR", f.String())
	if err := ir.Verify(f); err != nil {
		c.stats.VerifyFailures++
		c.journal.Printf("Verification failed: %v\n\n", err)
		log.Warn(log.CompilerModule, "ir verification failed", "unit", u.Name, "err", err)
		if c.strict {
			return fmt.Errorf("%s: %w: %v", u.Name, ErrVerification, err)
		}
	}
	irEnd := time.Now()
	u.IRBuild = irEnd.Sub(start)

	u.Passes = c.pipeline.Run(f)
	optEnd := time.Now()
	u.Optimize = optEnd.Sub(irEnd)
	if log.IsModuleEnabled(log.CompilerModule) {
		c.journal.Section("Optimized IR", f.String())
	}

	mod, err := codegen.Generate(f)
	if err != nil {
		return fmt.Errorf("%s: %w", u.Name, err)
	}
	u.Module = mod
	end := time.Now()
	u.Translate = end.Sub(optEnd)

	c.stats.IRBuild += u.IRBuild
	c.stats.Optimize += u.Optimize
	c.stats.Translate += u.Translate
	c.stats.Total += end.Sub(start)

	log.Debug(log.CompilerModule, "compiled", "unit", u.Name, "instructions", u.Instructions,
		"exits", u.ExitBlocks, "blocks", mod.NumBlocks, "steps", mod.NumSteps,
		"passes", passSummary(u.Passes), "elapsed", end.Sub(start))
	return nil
}

func passSummary(stats []opt.PassStat) string {
	var parts []string
	for _, s := range stats {
		if s.Changed > 0 {
			parts = append(parts, fmt.Sprintf("%s:%d", s.Name, s.Changed))
		}
	}
	return strings.Join(parts, ",")
}
