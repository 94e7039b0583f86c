package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/colorfulnotion/ppurec/common"
	"github.com/colorfulnotion/ppurec/ppu/analysis"
	"github.com/colorfulnotion/ppurec/ppu/instr"
	"github.com/colorfulnotion/ppurec/ppu/recompiler"
)

func newAnalyzeCmd(root *rootFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "analyze <addr>...",
		Short: "Run the function analyzer over guest addresses",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := root.loadConfig()
			if err != nil {
				return err
			}
			mem, _, err := root.image.load()
			if err != nil {
				return err
			}
			defer mem.Close()

			s := recompiler.NewSession(mem, c)
			e, err := s.Acquire()
			if err != nil {
				return err
			}
			defer s.Release()

			a := analysis.NewAnalyzer(mem, c.MaxFunctionSize)
			out := cmd.OutOrStdout()
			for _, arg := range args {
				addr, err := parseAddr(arg)
				if err != nil {
					return err
				}
				res := a.Analyse(addr)
				set, err := e.CompileSet(cmd.Context(), addr)
				if err != nil {
					return err
				}
				if asJSON {
					data, err := json.Marshal(struct {
						analysis.Result
						CompileSet []uint32 `json:"compile_set"`
					}{res, set})
					if err != nil {
						return err
					}
					fmt.Fprintln(out, string(data))
					continue
				}
				fmt.Fprintf(out, "%s compilable=%v instructions=%d scan_end=%s",
					common.FormatAddr(addr), res.Compilable, res.InstructionCount, common.FormatAddr(res.ScanEnd))
				if res.Detail != "" {
					fmt.Fprintf(out, " reason=%q", res.Detail)
				}
				fmt.Fprintln(out)
				for _, callee := range res.Callees {
					fmt.Fprintf(out, "  calls %s\n", common.FormatAddr(callee))
				}
				for _, fn := range set {
					fmt.Fprintf(out, "  build %s\n", common.FunctionName(fn))
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print one JSON object per address")
	return cmd
}

func newDisasmCmd(root *rootFlags) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "disasm [addr]",
		Short: "Disassemble guest code",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mem, entry, err := root.image.load()
			if err != nil {
				return err
			}
			defer mem.Close()
			addr := entry
			if len(args) == 1 {
				if addr, err = parseAddr(args[0]); err != nil {
					return err
				}
			}
			if count < 1 {
				return fmt.Errorf("count must be positive")
			}
			if end := uint64(addr) + uint64(count)*instr.Width; end > uint64(mem.Size()) {
				return fmt.Errorf("range %s+%d leaves guest memory", common.FormatAddr(addr), count)
			}
			fmt.Fprint(cmd.OutOrStdout(), instr.DisassembleRange(mem, addr, count))
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 16, "instructions to print")
	return cmd
}
