// Package report renders the engine's block registry and timing for humans:
// a tree for the terminal and an HTML page of charts.
package report

import (
	"cmp"
	"fmt"
	"io"
	"slices"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"
	"github.com/xlab/treeprint"

	"github.com/colorfulnotion/ppurec/common"
	"github.com/colorfulnotion/ppurec/ppu/recompiler"
)

func statusColor(b recompiler.BlockInfo) string {
	switch {
	case b.IsCompiled:
		return common.ColorGreen
	case b.Failed:
		return common.ColorRed
	case b.Status == recompiler.StatusNotCompilable.String():
		return common.ColorYellow
	}
	return common.ColorGray
}

// groupByFunction orders blocks by function, the function's own entry first.
func groupByFunction(blocks []recompiler.BlockInfo) ([]uint32, map[uint32][]recompiler.BlockInfo) {
	groups := map[uint32][]recompiler.BlockInfo{}
	for _, b := range blocks {
		groups[b.FunctionAddress] = append(groups[b.FunctionAddress], b)
	}
	fns := make([]uint32, 0, len(groups))
	for fn, g := range groups {
		fns = append(fns, fn)
		slices.SortFunc(g, func(a, b recompiler.BlockInfo) int {
			switch {
			case a.StartAddress == fn:
				return -1
			case b.StartAddress == fn:
				return 1
			}
			return cmp.Compare(a.StartAddress, b.StartAddress)
		})
	}
	slices.Sort(fns)
	return fns, groups
}

func describe(b recompiler.BlockInfo, color bool) string {
	s := fmt.Sprintf("%s [%s] hits=%d cfg=%d", common.FormatAddr(b.StartAddress), b.Status, b.NumHits, b.CFGSize)
	if b.IsCompiled {
		s += fmt.Sprintf(" gen=%d", b.Generation)
	}
	return common.Colorize(color, statusColor(b), s)
}

// RegistryTree prints the registry as function -> blocks, with each
// function's callees listed under it.
func RegistryTree(blocks []recompiler.BlockInfo, color bool) treeprint.Tree {
	tree := treeprint.New()
	tree.SetValue(fmt.Sprintf("registry (%d blocks)", len(blocks)))
	fns, groups := groupByFunction(blocks)
	for _, fn := range fns {
		g := groups[fn]
		head := g[0]
		var branch treeprint.Tree
		if head.StartAddress == fn {
			branch = tree.AddBranch(common.FunctionName(fn) + " " + describe(head, color))
			g = g[1:]
		} else {
			branch = tree.AddBranch(common.FunctionName(fn))
		}
		for _, b := range g {
			branch.AddNode(common.BlockName(b.StartAddress) + " " + describe(b, color))
		}
		if head.StartAddress == fn && len(head.CalledFunctions) > 0 {
			calls := branch.AddBranch("calls")
			for _, c := range head.CalledFunctions {
				calls.AddNode(common.FormatAddr(c))
			}
		}
	}
	return tree
}

// CallGraph draws blocks as nodes, linked to their function's entry and
// from each function to its callees.
func CallGraph(blocks []recompiler.BlockInfo) *charts.Graph {
	graph := charts.NewGraph()
	graph.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    "Block registry",
			Subtitle: "blocks by function, with call edges",
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)

	known := map[uint32]bool{}
	for _, b := range blocks {
		known[b.StartAddress] = true
	}
	nodes := make([]opts.GraphNode, 0, len(blocks))
	links := make([]opts.GraphLink, 0)
	for _, b := range blocks {
		color := "gray"
		switch {
		case b.IsCompiled:
			color = "green"
		case b.Failed:
			color = "red"
		}
		nodes = append(nodes, opts.GraphNode{
			Name:  common.FormatAddr(b.StartAddress),
			Value: float32(b.NumHits),
			Tooltip: &opts.Tooltip{
				Show: opts.Bool(true),
				Formatter: types.FuncStr(fmt.Sprintf("Block: %s<br>Function: %s<br>Status: %s<br>Hits: %d<br>Instructions: %d",
					common.FormatAddr(b.StartAddress), common.FormatAddr(b.FunctionAddress), b.Status, b.NumHits, b.InstructionCount)),
			},
			ItemStyle: &opts.ItemStyle{Color: color},
		})
		if b.StartAddress != b.FunctionAddress && known[b.FunctionAddress] {
			links = append(links, opts.GraphLink{
				Source: common.FormatAddr(b.FunctionAddress),
				Target: common.FormatAddr(b.StartAddress),
			})
		}
		for _, c := range b.CalledFunctions {
			if known[c] {
				links = append(links, opts.GraphLink{
					Source: common.FormatAddr(b.StartAddress),
					Target: common.FormatAddr(c),
				})
			}
		}
	}

	graph.AddSeries("registry", nodes, links).SetSeriesOptions(
		charts.WithGraphChartOpts(opts.GraphChart{
			Force:  &opts.GraphForce{Repulsion: 1000, Gravity: 0.3},
			Layout: "force",
			Roam:   opts.Bool(true),
		}),
		charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "right", Formatter: "{b}"}),
	)
	return graph
}

// TimingBar charts the worker's time split in milliseconds.
func TimingBar(t recompiler.TimingSummary) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Recompiler time", Subtitle: fmt.Sprintf("total %dms", t.Total.Milliseconds())}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	phases := []struct {
		name string
		ms   int64
	}{
		{"building IR", t.Compiler.IRBuild.Milliseconds()},
		{"optimizing", t.Compiler.Optimize.Milliseconds()},
		{"translating", t.Compiler.Translate.Milliseconds()},
		{"recompiling", t.Recompiling.Milliseconds()},
		{"idling", t.Idling.Milliseconds()},
		{"misc", t.Misc().Milliseconds()},
	}
	names := make([]string, 0, len(phases))
	data := make([]opts.BarData, 0, len(phases))
	for _, p := range phases {
		names = append(names, p.name)
		data = append(data, opts.BarData{Value: p.ms})
	}
	bar.SetXAxis(names).AddSeries("ms", data)
	return bar
}

// RenderCompileChart writes an HTML page with the timing bar and the call graph.
func RenderCompileChart(w io.Writer, t recompiler.TimingSummary, blocks []recompiler.BlockInfo) error {
	page := components.NewPage()
	page.PageTitle = "ppurec"
	page.AddCharts(TimingBar(t), CallGraph(blocks))
	return page.Render(w)
}
