// Package metrics exposes recompiler counters to prometheus.
package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ppurec"

// Dispatch paths.
const (
	PathFunction    = "function"
	PathBlock       = "block"
	PathInterpreted = "interpreted"
)

// Metrics groups the collectors of one engine. A nil *Metrics records
// nothing, so callers never need to check.
type Metrics struct {
	TracesProcessed *prom.CounterVec
	Compiles        *prom.CounterVec
	CompileSeconds  *prom.HistogramVec
	Dispatched      *prom.CounterVec
	RegistryBlocks  prom.Gauge
	PendingTraces   prom.Gauge

	function, block, interpreted prom.Counter
}

func New() *Metrics {
	m := &Metrics{
		TracesProcessed: prom.NewCounterVec(
			prom.CounterOpts{
				Namespace: namespace,
				Name:      "traces_processed_total",
				Help:      "Total number of execution traces folded by the engine.",
			},
			[]string{"kind", "repeat"}),
		Compiles: prom.NewCounterVec(
			prom.CounterOpts{
				Namespace: namespace,
				Name:      "compiles_total",
				Help:      "Total number of compilations by unit kind and result.",
			},
			[]string{"unit", "result"}),
		CompileSeconds: prom.NewHistogramVec(
			prom.HistogramOpts{
				Namespace: namespace,
				Name:      "compile_seconds",
				Help:      "Compilation phase durations.",
				Buckets:   prom.ExponentialBuckets(0.00001, 4, 10),
			},
			[]string{"phase"}),
		Dispatched: prom.NewCounterVec(
			prom.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_total",
				Help:      "Guest dispatch decisions by path.",
			},
			[]string{"path"}),
		RegistryBlocks: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_blocks",
			Help:      "Number of entries in the block registry.",
		}),
		PendingTraces: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_traces",
			Help:      "Traces queued for the engine worker.",
		}),
	}
	m.function = m.Dispatched.WithLabelValues(PathFunction)
	m.block = m.Dispatched.WithLabelValues(PathBlock)
	m.interpreted = m.Dispatched.WithLabelValues(PathInterpreted)
	return m
}

// Register adds every collector to r.
func (m *Metrics) Register(r prom.Registerer) error {
	for _, c := range []prom.Collector{
		m.TracesProcessed, m.Compiles, m.CompileSeconds,
		m.Dispatched, m.RegistryBlocks, m.PendingTraces,
	} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Handler serves the collectors gathered by g.
func Handler(g prom.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveTrace(kind string, repeat bool) {
	if m == nil {
		return
	}
	r := "false"
	if repeat {
		r = "true"
	}
	m.TracesProcessed.WithLabelValues(kind, r).Inc()
}

// ObserveCompile counts one compilation and, when it succeeded, its phase
// timings.
func (m *Metrics) ObserveCompile(function bool, err error, irBuild, optimize, translate time.Duration) {
	if m == nil {
		return
	}
	unit := "block"
	if function {
		unit = "function"
	}
	if err != nil {
		m.Compiles.WithLabelValues(unit, "failed").Inc()
		return
	}
	m.Compiles.WithLabelValues(unit, "ok").Inc()
	m.CompileSeconds.WithLabelValues("ir").Observe(irBuild.Seconds())
	m.CompileSeconds.WithLabelValues("optimize").Observe(optimize.Seconds())
	m.CompileSeconds.WithLabelValues("translate").Observe(translate.Seconds())
}

func (m *Metrics) Dispatch(path string) {
	if m == nil {
		return
	}
	switch path {
	case PathFunction:
		m.function.Inc()
	case PathBlock:
		m.block.Inc()
	default:
		m.interpreted.Inc()
	}
}

func (m *Metrics) SetRegistryBlocks(n int) {
	if m == nil {
		return
	}
	m.RegistryBlocks.Set(float64(n))
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingTraces.Set(float64(n))
}
