// Package opt is the replaceable optimizing pipeline run over every compiled
// unit. Passes must keep ir.Verify passing and guest-visible state equal.
package opt

import (
	"time"

	"github.com/colorfulnotion/ppurec/ppu/ir"
)

// Pass transforms a function in place and reports whether it changed it.
type Pass interface {
	Name() string
	Run(f *ir.Func) bool
}

// PassStat is the per-pass outcome of one pipeline run.
type PassStat struct {
	Name     string
	Runs     int
	Changed  int
	Duration time.Duration
}

// Pipeline runs its passes in order until nothing changes or the round limit
// is reached.
type Pipeline struct {
	Passes    []Pass
	MaxRounds int
}

// Default is the standard pipeline.
func Default() *Pipeline {
	return &Pipeline{
		Passes: []Pass{
			Fold{},
			ForwardRegisters{},
			CSE{},
			DeadStores{},
			DCE{},
			SimplifyCFG{},
		},
		MaxRounds: 4,
	}
}

// None is a pipeline that leaves functions untouched.
func None() *Pipeline { return &Pipeline{} }

// Run optimizes f and returns statistics keyed by pass order.
func (p *Pipeline) Run(f *ir.Func) []PassStat {
	stats := make([]PassStat, len(p.Passes))
	for i, pass := range p.Passes {
		stats[i].Name = pass.Name()
	}
	rounds := p.MaxRounds
	if rounds <= 0 {
		rounds = 1
	}
	for r := 0; r < rounds; r++ {
		changed := false
		for i, pass := range p.Passes {
			start := time.Now()
			c := pass.Run(f)
			stats[i].Runs++
			stats[i].Duration += time.Since(start)
			if c {
				stats[i].Changed++
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return stats
}

// removeValues drops the values in dead from their blocks.
func removeValues(f *ir.Func, dead map[*ir.Value]bool) {
	if len(dead) == 0 {
		return
	}
	for _, b := range f.Blocks {
		kept := b.Values[:0]
		for _, v := range b.Values {
			if !dead[v] {
				kept = append(kept, v)
			}
		}
		for i := len(kept); i < len(b.Values); i++ {
			b.Values[i] = nil
		}
		b.Values = kept
	}
}

// replaceAndRemove redirects uses through repl and deletes the replaced values.
func replaceAndRemove(f *ir.Func, repl map[*ir.Value]*ir.Value) bool {
	if len(repl) == 0 {
		return false
	}
	f.ReplaceUses(repl)
	dead := make(map[*ir.Value]bool, len(repl))
	for v := range repl {
		if !v.IsConst() {
			dead[v] = true
		}
	}
	removeValues(f, dead)
	return true
}
