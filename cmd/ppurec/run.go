package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/colorfulnotion/ppurec/log"
	"github.com/colorfulnotion/ppurec/ppu/guest"
	"github.com/colorfulnotion/ppurec/ppu/metrics"
	"github.com/colorfulnotion/ppurec/ppu/recompiler"
	"github.com/colorfulnotion/ppurec/ppu/report"
)

// guest code returns here when the entry function finishes
const stopAddress = 0x100

type runFlags struct {
	threads     int
	runs        int
	metricsAddr string
	otlp        string
	reportPath  string
	tree        bool
	color       bool
}

func newRunCmd(root *rootFlags) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the guest image on N threads sharing one recompiler session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGuest(cmd, root, flags)
		},
	}
	f := cmd.Flags()
	f.IntVar(&flags.threads, "threads", 1, "guest threads")
	f.IntVar(&flags.runs, "runs", 3, "calls of the entry function per thread")
	f.StringVar(&flags.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	f.StringVar(&flags.otlp, "otlp", "", "OTLP/HTTP endpoint for compile spans")
	f.StringVar(&flags.reportPath, "report", "", "write an HTML compile report here")
	f.BoolVar(&flags.tree, "tree", false, "print the block registry when done")
	f.BoolVar(&flags.color, "color", false, "colorize the registry tree")
	return cmd
}

func newTracerProvider(ctx context.Context, endpoint string) (*sdktrace.TracerProvider, error) {
	exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}
	res := resource.NewSchemaless(attribute.String("service.name", "ppurec"))
	return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res)), nil
}

func runGuest(cmd *cobra.Command, root *rootFlags, flags *runFlags) error {
	if flags.threads < 1 || flags.runs < 1 {
		return errors.New("threads and runs must be positive")
	}
	c, err := root.loadConfig()
	if err != nil {
		return err
	}
	mem, entry, err := root.image.load()
	if err != nil {
		return err
	}
	defer mem.Close()

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer cancel()

	m := metrics.New()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		return err
	}
	opts := []recompiler.Option{recompiler.WithMetrics(m)}
	if flags.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		srv := &http.Server{Addr: flags.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error(log.GeneralModule, "metrics server", "err", err)
			}
		}()
		defer srv.Close()
	}
	if flags.otlp != "" {
		tp, err := newTracerProvider(ctx, flags.otlp)
		if err != nil {
			return err
		}
		defer tp.Shutdown(context.Background())
		opts = append(opts, recompiler.WithTracerProvider(tp))
	}

	s := recompiler.NewSession(mem, c, opts...)
	e, err := s.Acquire()
	if err != nil {
		return err
	}
	released := false
	defer func() {
		if !released {
			s.Release()
		}
	}()
	stopOnCancel := context.AfterFunc(ctx, s.Stop)
	defer stopOnCancel()

	start := time.Now()
	results := make([]uint64, flags.threads)
	interpreted := make([]uint64, flags.threads)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < flags.threads; i++ {
		g.Go(func() error {
			d, err := s.NewDispatcher()
			if err != nil {
				return err
			}
			defer d.Close()
			for r := 0; r < flags.runs && gctx.Err() == nil; r++ {
				st := guest.NewState(mem, entry, stopAddress)
				if err := d.Run(st); err != nil {
					return fmt.Errorf("thread %d: %w", i, err)
				}
				results[i] = st.GPR[3]
			}
			interpreted[i] = d.Interpreted()
			return nil
		})
	}
	runErr := g.Wait()
	elapsed := time.Since(start)

	released = true
	if err := s.Release(); err != nil {
		log.Warn(log.GeneralModule, "engine close", "err", err)
	}

	out := cmd.OutOrStdout()
	for i, r := range results {
		fmt.Fprintf(out, "thread %d: r3=%d (%#x) interpreted=%d\n", i, r, r, interpreted[i])
	}
	fmt.Fprintf(out, "elapsed %s\n", elapsed.Round(time.Microsecond))

	blocks := e.Snapshot()
	if flags.tree {
		fmt.Fprint(out, report.RegistryTree(blocks, flags.color).String())
	}
	if flags.reportPath != "" {
		f, err := os.Create(flags.reportPath)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := report.RenderCompileChart(f, e.Timing(), blocks); err != nil {
			return fmt.Errorf("report: %w", err)
		}
	}
	return runErr
}
