package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-pager/internal/config"
	"github.com/23skdu/longbow-pager/internal/logger"
	"github.com/23skdu/longbow-pager/internal/metadata"
	"github.com/23skdu/longbow-pager/internal/monitoring"
	"github.com/23skdu/longbow-pager/internal/trace"
)

func addSimFlags(cmd *cobra.Command, o *simOptions) {
	f := cmd.Flags()
	f.IntSliceVar(&o.prompts, "prompt-lens", []int{12, 5, 9}, "Prompt lengths, one sequence each")
	f.IntVar(&o.steps, "steps", 8, "Decode steps after the prefill")
	f.Int64Var(&o.seed, "seed", 1, "Seed for weights, activations and sampled tokens")
	f.IntVar(&o.workers, "workers", 4, "Kernel worker goroutines")
}

func newSimulateCmd(cfg *config.Config) *cobra.Command {
	var (
		o          simOptions
		flightAddr string
		hold       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run prefill and replayed decode steps on random weights",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSimulate(ctx, cmd.OutOrStdout(), *cfg, o, flightAddr, hold)
		},
	}
	addSimFlags(cmd, &o)
	cmd.Flags().StringVar(&flightAddr, "flight", "", "Arrow Flight address to send step snapshots to")
	cmd.Flags().DurationVar(&hold, "hold", 0, "Keep serving metrics this long after the run")
	return cmd
}

func runSimulate(ctx context.Context, w io.Writer, cfg config.Config, o simOptions, flightAddr string, hold time.Duration) error {
	sim, err := newSimulation(cfg, o)
	if err != nil {
		return err
	}
	defer sim.Close()

	mon := monitoring.New(sim.cacheInfo)
	if cfg.MetricsAddr != "" {
		go func() {
			if err := mon.Start(cfg.MetricsAddr); err != nil {
				logger.Log.Error("monitor stopped", "error", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = mon.Stop(sctx)
		}()
	}

	rec := trace.NewRecorder(nil)
	defer rec.Release()

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"STEP", "KIND", "ROWS", "BATCH", "PAGES", "REPLAY", "TOOK", "FINGERPRINT"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	sim.onStep = func(step int64, meta *metadata.Metadata, took time.Duration) error {
		mon.RecordStep(len(meta.SlotMapping), took)
		rec.Append(step, meta)
		kind := "decode"
		if meta.NumPrefills > 0 {
			kind = "prefill"
		}
		table.Append([]string{
			strconv.FormatInt(step, 10),
			kind,
			strconv.Itoa(meta.NumSeqs),
			strconv.Itoa(meta.BatchSize),
			strconv.Itoa(meta.ValidPages()),
			strconv.FormatBool(meta.UseReplay),
			took.Round(time.Microsecond).String(),
			fmt.Sprintf("%016x", meta.Fingerprint()),
		})
		return nil
	}

	if err := sim.Run(ctx); err != nil {
		return err
	}
	table.Render()

	st := mon.Status()
	fmt.Fprintf(w, "pool: %d/%d pages used (%.1f%%), %s, %d replay graphs\n",
		st.Cache.Pages-st.Cache.FreePages, st.Cache.Pages, st.UsagePct, st.CacheSize, st.Cache.ReplayGraphs)

	if flightAddr != "" {
		record := rec.Flush()
		defer record.Release()
		sink, err := trace.DialFlight(flightAddr)
		if err != nil {
			return err
		}
		defer sink.Close()
		if err := sink.Send(ctx, record); err != nil {
			return err
		}
		fmt.Fprintf(w, "sent %d snapshots to %s\n", record.NumRows(), flightAddr)
	}

	if hold > 0 && cfg.MetricsAddr != "" {
		logger.Log.Info("holding metrics endpoint", "addr", cfg.MetricsAddr, "for", hold)
		select {
		case <-ctx.Done():
		case <-time.After(hold):
		}
	}
	return nil
}
