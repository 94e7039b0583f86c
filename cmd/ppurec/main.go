// ppurec runs guest PowerPC code under the trace-driven recompiler.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/colorfulnotion/ppurec/log"
	"github.com/colorfulnotion/ppurec/ppu/config"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

type rootFlags struct {
	configPath string
	logLevel   string
	debug      string
	image      imageFlags
}

func (f *rootFlags) loadConfig() (*config.Config, error) {
	return config.Load(f.configPath)
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	rootCmd := &cobra.Command{
		Use:           "ppurec",
		Short:         "Trace-driven PowerPC recompiler",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := log.InitLogger(cmd.ErrOrStderr(), flags.logLevel); err != nil {
				return err
			}
			log.EnableModules(flags.debug)
			return nil
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "config file (yaml, json or toml)")
	pf.StringVar(&flags.logLevel, "log-level", "info", "log level")
	pf.StringVar(&flags.debug, "debug", "", "comma separated log modules to enable (ppu_trace,ppu_rec,ppu_cmp,ppu_dsp,ppu_ana)")
	flags.image.register(pf)

	rootCmd.AddCommand(newRunCmd(flags), newAnalyzeCmd(flags), newDisasmCmd(flags))
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ppurec: %v\n", err)
		os.Exit(1)
	}
}
