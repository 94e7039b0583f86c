// Package recompiler turns hot guest code into compiled regions: the engine
// worker folds traces into per-block CFGs, compiles blocks that cross the hit
// threshold and publishes them to the cache the dispatchers read.
package recompiler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/colorfulnotion/ppurec/common"
	"github.com/colorfulnotion/ppurec/log"
	"github.com/colorfulnotion/ppurec/ppu/analysis"
	"github.com/colorfulnotion/ppurec/ppu/cfg"
	"github.com/colorfulnotion/ppurec/ppu/config"
	"github.com/colorfulnotion/ppurec/ppu/guest"
	"github.com/colorfulnotion/ppurec/ppu/ir/opt"
	"github.com/colorfulnotion/ppurec/ppu/metrics"
	"github.com/colorfulnotion/ppurec/ppu/trace"
)

var ErrEngineClosed = errors.New("recompilation engine closed")

const tracerName = "ppurec/recompiler"

var engineSeq atomic.Int32

// compiler is the part of *Compiler the engine drives.
type compiler interface {
	CompileBlock(name string, g *cfg.Graph) (*Unit, error)
	CompileFunction(addr uint32, count int) (*Unit, error)
	GetStats() Stats
}

type analyser interface {
	Analyse(start uint32) analysis.Result
}

// Option customizes an Engine.
type Option func(*Engine)

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithTracerProvider(tp oteltrace.TracerProvider) Option {
	return func(e *Engine) { e.tracer = tp.Tracer(tracerName) }
}

// WithStopSource ends the worker when s reports the session stopped.
func WithStopSource(s guest.StopSource) Option {
	return func(e *Engine) { e.stop = s }
}

// Engine is the recompilation engine. Guest threads hand it traces through
// NotifyTrace and read its output through Cache; everything else is owned by
// a single worker goroutine started on the first trace.
type Engine struct {
	ID  int
	cfg *config.Config

	mem      guest.Reader
	cache    *Cache
	compiler compiler
	analyzer analyser
	store    *analysis.Store
	journal  *Journal
	dump     *trace.JSONLWriter
	metrics  *metrics.Metrics
	tracer   oteltrace.Tracer
	stop     guest.StopSource

	// owned by the worker
	registry  *Registry
	processed map[uint64][]*BlockEntry
	currentID uint64
	timing    TimingSummary

	mu      sync.Mutex
	pending []*trace.Trace

	wake      chan struct{}
	requests  chan func(*Registry)
	quit      chan struct{}
	done      chan struct{}
	start     sync.Once
	closeOnce sync.Once
	closeErr  error
}

// NewEngine builds an engine over the guest code in mem. The worker is not
// started until the first trace arrives.
func NewEngine(mem guest.Reader, c *config.Config, opts ...Option) (*Engine, error) {
	if c == nil {
		c = config.Default()
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		ID:        int(engineSeq.Add(1)),
		cfg:       c,
		mem:       mem,
		cache:     NewCache(c.Excluded),
		tracer:    otel.GetTracerProvider().Tracer(tracerName),
		registry:  NewRegistry(),
		processed: map[uint64][]*BlockEntry{},
		wake:      make(chan struct{}, 1),
		requests:  make(chan func(*Registry)),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}

	var err error
	if e.journal, err = OpenJournal(c.LogDir, e.ID); err != nil {
		return nil, err
	}
	if c.AnalysisCache != "" {
		if e.store, err = analysis.OpenStore(c.AnalysisCache); err != nil {
			e.journal.Close()
			return nil, fmt.Errorf("analysis cache: %w", err)
		}
	}
	if c.TraceDump != "" {
		if e.dump, err = trace.NewJSONLWriterFile(c.TraceDump); err != nil {
			e.releaseResources()
			return nil, fmt.Errorf("trace dump: %w", err)
		}
	}
	e.analyzer = analysis.NewCached(analysis.NewAnalyzer(mem, c.MaxFunctionSize), mem, e.store)
	comp := NewCompiler(mem, e.journal, c.StrictVerify)
	if !c.Optimize {
		comp.SetPipeline(opt.None())
	}
	e.compiler = comp
	return e, nil
}

// Cache is the compiled code the engine has published.
func (e *Engine) Cache() *Cache { return e.cache }

func (e *Engine) Config() *config.Config { return e.cfg }

// NotifyTrace queues t for the worker, starting it if needed. It never
// blocks on compilation.
func (e *Engine) NotifyTrace(t *trace.Trace) {
	select {
	case <-e.done:
		return
	default:
	}
	e.mu.Lock()
	e.pending = append(e.pending, t)
	n := len(e.pending)
	e.mu.Unlock()
	e.metrics.SetPending(n)

	e.start.Do(func() { go e.run() })
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) dequeue() *trace.Trace {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pending) == 0 {
		return nil
	}
	t := e.pending[0]
	e.pending[0] = nil
	e.pending = e.pending[1:]
	e.metrics.SetPending(len(e.pending))
	return t
}

func (e *Engine) stopped() bool {
	select {
	case <-e.quit:
		return true
	default:
	}
	return e.stop != nil && e.stop.IsStopped()
}

func (e *Engine) run() {
	defer close(e.done)
	log.Debug(log.EngineModule, "recompilation worker started", "engine", e.ID)
	begin := time.Now()
	idling := false
	for !e.stopped() {
		select {
		case fn := <-e.requests:
			fn(e.registry)
			continue
		default:
		}

		if t := e.dequeue(); t != nil {
			e.processTrace(t)
			idling = false
			continue
		}

		if idling {
			e.idle()
		}
		idling = true

		idleStart := time.Now()
		timer := time.NewTimer(e.cfg.IdleTimeout)
		select {
		case <-e.wake:
		case fn := <-e.requests:
			fn(e.registry)
		case <-timer.C:
		case <-e.quit:
		}
		timer.Stop()
		e.timing.Idling += time.Since(idleStart)
	}

	e.timing.Total = time.Since(begin)
	e.timing.Compiler = e.compiler.GetStats()
	e.journal.Timing(e.timing)
	if err := e.journal.Flush(); err != nil {
		log.Warn(log.EngineModule, "journal flush failed", "engine", e.ID, "err", err)
	}
	log.Info(log.EngineModule, "recompilation worker exiting", "engine", e.ID,
		"blocks", e.registry.Len(), "total", e.timing.Total, "compiling", e.timing.Compiler.Total)
}

// idle picks the compiled function whose CFG grew the most since it was last
// compiled and, when configured to, recompiles it into a new generation.
func (e *Engine) idle() {
	start := time.Now()
	defer func() { e.timing.Recompiling += time.Since(start) }()

	if b := e.recompileCandidate(); b != nil {
		log.Debug(log.EngineModule, "recompile candidate", "start", common.FormatAddr(b.StartAddress),
			"growth", b.CFG.Size()-b.LastCompiledCFGSize)
		if e.cfg.RecompileOnIdle {
			e.compile(b)
		}
	}
}

func (e *Engine) recompileCandidate() *BlockEntry {
	var candidate *BlockEntry
	best := 0
	for _, b := range e.registry.Entries() {
		if !b.IsFunction() || !b.IsCompiled {
			continue
		}
		if diff := b.CFG.Size() - b.LastCompiledCFGSize; diff > best {
			candidate, best = b, diff
		}
	}
	return candidate
}

// processTrace folds t into the registry on first sight and counts a hit for
// every block it touched that is not compiled yet.
func (e *Engine) processTrace(t *trace.Trace) {
	id := t.ID()
	blocks, repeat := e.processed[id]
	if !repeat {
		e.journal.Printf("Trace: %s\n", t)
		blocks = e.fold(t)
		e.metrics.SetRegistryBlocks(e.registry.Len())
	}
	e.metrics.ObserveTrace(t.Kind.String(), repeat)
	if e.dump != nil {
		rec := &trace.Record{ID: id, Trace: t, Repeat: repeat}
		for _, b := range blocks {
			rec.Blocks = append(rec.Blocks, b.StartAddress)
		}
		if err := e.dump.Write(rec); err != nil {
			log.Warn(log.EngineModule, "trace dump failed", "err", err)
		}
	}

	for _, b := range blocks {
		if b.IsCompiled {
			continue
		}
		b.NumHits++
		if b.NumHits >= e.cfg.HitThreshold && b.retryable() {
			e.compileBlock(b)
		}
	}

	kept := make([]*BlockEntry, 0, len(blocks))
	for _, b := range blocks {
		if !b.IsCompiled {
			kept = append(kept, b)
		}
	}
	e.processed[id] = kept
}

// fold records every step of t in the CFG of the block it belongs to and in
// the CFG of the enclosing function. A compiled block entry starts a new
// block keyed by its entry address.
func (e *Engine) fold(t *trace.Trace) []*BlockEntry {
	fn := e.registry.GetOrCreate(t.FunctionAddress, t.FunctionAddress)
	var (
		cur     *BlockEntry
		touched []*BlockEntry
		split   bool
	)
	for i, ent := range t.Entries {
		if ent.Type == trace.CompiledBlock {
			cur, split = nil, true
		}
		if cur == nil {
			cur = e.registry.GetOrCreate(ent.PrimaryAddress(), t.FunctionAddress)
			touched = append(touched, cur)
		}

		var next *trace.Entry
		if n, ok := t.Next(i); ok && (i+1 < len(t.Entries) || !split) {
			next = &n
		}
		cur.CFG.Update(ent, next)
		if cur != fn {
			fn.CFG.Update(ent, next)
		}
	}
	return touched
}

func (e *Engine) analyse(b *BlockEntry) {
	res := e.analyzer.Analyse(b.StartAddress)
	b.CalledFunctions = cfg.AddrSet{}
	b.applyAnalysis(res)
	e.journal.Printf("Analysing 0x%08X: compilable=%t instructions=%d\n", b.StartAddress, res.Compilable, res.InstructionCount)
	if res.Reason != nil {
		e.journal.Printf("    %v\n", res.Reason)
	}
}

// MinimalFunctionCompileSet walks the callees of addr transitively and
// returns addr plus every compilable function reached, in ascending order.
// It must run on the worker; use Inspect from other goroutines.
func (e *Engine) MinimalFunctionCompileSet(addr uint32) []uint32 {
	build := cfg.AddrSet{}
	build.Add(addr)
	seen := cfg.AddrSet{}
	queue := []uint32{addr}
	for len(queue) > 0 {
		fn := queue[0]
		queue = queue[1:]
		if !seen.Add(fn) {
			continue
		}
		b := e.registry.GetOrCreate(fn, fn)
		e.analyse(b)
		if !b.IsCompilableFunction {
			continue
		}
		build.Add(fn)
		for _, c := range b.CalledFunctions.Sorted() {
			if !seen.Has(c) {
				queue = append(queue, c)
			}
		}
	}
	return build.Sorted()
}

// compileBlock compiles b, as a whole function when the analyzer accepts it.
func (e *Engine) compileBlock(b *BlockEntry) {
	if b.IsFunction() {
		e.analyse(b)
	}
	e.journal.Printf("Compile: 0x%08X (function 0x%08X) compilable=%t size=%d callees=%d\n",
		b.StartAddress, b.FunctionAddress, b.IsCompilableFunction, b.InstructionCount, len(b.CalledFunctions))
	e.journal.Printf("CFG: %s\n", b.CFG)

	if b.IsCompilableFunction && e.cfg.EagerCallees {
		for _, addr := range e.MinimalFunctionCompileSet(b.StartAddress) {
			if addr == b.StartAddress {
				continue
			}
			if callee := e.registry.Get(addr); callee != nil && !callee.IsCompiled && callee.retryable() {
				e.compile(callee)
			}
		}
	}
	e.compile(b)
}

// compile builds b in its current shape and publishes it under the next
// generation id.
func (e *Engine) compile(b *BlockEntry) {
	name := common.BlockName(b.StartAddress)
	if b.IsCompilableFunction {
		name = common.FunctionName(b.StartAddress)
	}
	_, span := e.tracer.Start(context.Background(), fmt.Sprintf("[E%d] compile %s", e.ID, name))
	span.SetAttributes(
		attribute.Int64("start", int64(b.StartAddress)),
		attribute.Bool("function", b.IsCompilableFunction),
		attribute.Int("cfg_size", b.CFG.Size()),
	)
	defer span.End()

	var (
		u   *Unit
		err error
	)
	if b.IsCompilableFunction {
		u, err = e.compiler.CompileFunction(b.StartAddress, b.InstructionCount)
	} else {
		u, err = e.compiler.CompileBlock(name, b.CFG)
	}
	if err != nil {
		b.failed = true
		b.failedCFGSize = b.CFG.Size()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.ObserveCompile(b.IsCompilableFunction, err, 0, 0, 0)
		e.journal.Printf("Compile failed: %v\n\n", err)
		log.Warn(log.EngineModule, "compile failed, block stays interpreted", "start", common.FormatAddr(b.StartAddress), "err", err)
		return
	}

	id := e.currentID
	e.currentID++
	e.cache.Publish(u, id)
	b.IsCompiled = true
	b.CompiledAsFunction = u.Function
	b.Generation = id
	b.LastCompiledCFGSize = b.CFG.Size()
	b.failed = false

	span.SetAttributes(attribute.Int64("generation", int64(id)), attribute.Int("instructions", u.Instructions))
	e.metrics.ObserveCompile(u.Function, nil, u.IRBuild, u.Optimize, u.Translate)
	e.journal.Printf("ID IS %d\n\n", id)
	log.Debug(log.EngineModule, "published", "unit", u.Name, "generation", id, "instructions", u.Instructions)
}

// Inspect runs fn against the registry on the worker goroutine, or directly
// once the worker has exited.
func (e *Engine) Inspect(ctx context.Context, fn func(*Registry)) error {
	select {
	case <-e.done:
		fn(e.registry)
		return nil
	default:
	}
	e.start.Do(func() { go e.run() })

	finished := make(chan struct{})
	req := func(r *Registry) {
		defer close(finished)
		fn(r)
	}
	select {
	case e.requests <- req:
	case <-e.done:
		fn(e.registry)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Block returns a copy of the registry entry for start.
func (e *Engine) Block(start uint32) (BlockInfo, bool) {
	var (
		info BlockInfo
		ok   bool
	)
	_ = e.Inspect(context.Background(), func(r *Registry) {
		if b := r.Get(start); b != nil {
			info, ok = b.Info(), true
		}
	})
	return info, ok
}

// CompileSet runs MinimalFunctionCompileSet on the worker. The analysis
// cache is gone once the engine is closed.
func (e *Engine) CompileSet(ctx context.Context, addr uint32) ([]uint32, error) {
	select {
	case <-e.quit:
		return nil, ErrEngineClosed
	default:
	}
	var set []uint32
	err := e.Inspect(ctx, func(*Registry) { set = e.MinimalFunctionCompileSet(addr) })
	return set, err
}

// Snapshot copies the whole registry.
func (e *Engine) Snapshot() []BlockInfo {
	var out []BlockInfo
	_ = e.Inspect(context.Background(), func(r *Registry) { out = r.Snapshot() })
	return out
}

// Timing returns the worker's time split; it is complete once the worker
// has exited.
func (e *Engine) Timing() TimingSummary {
	var t TimingSummary
	_ = e.Inspect(context.Background(), func(*Registry) {
		t = e.timing
		t.Compiler = e.compiler.GetStats()
	})
	return t
}

// Close stops the worker, waits for it and releases every compiled module.
// Pending traces are dropped.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.quit)
		e.start.Do(func() { close(e.done) })
		<-e.done
		e.closeErr = errors.Join(e.cache.Close(), e.releaseResources())
	})
	return e.closeErr
}

func (e *Engine) releaseResources() error {
	var errs []error
	if e.dump != nil {
		errs = append(errs, e.dump.Close())
	}
	if e.store != nil {
		errs = append(errs, e.store.Close())
	}
	errs = append(errs, e.journal.Close())
	return errors.Join(errs...)
}
