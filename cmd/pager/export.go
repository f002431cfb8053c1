package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-pager/internal/config"
	"github.com/23skdu/longbow-pager/internal/fault"
	"github.com/23skdu/longbow-pager/internal/metadata"
	"github.com/23skdu/longbow-pager/internal/trace"
)

func newExportCmd(cfg *config.Config) *cobra.Command {
	var (
		o   simOptions
		out string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Run a simulation and write every step's metadata as an Arrow IPC stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := runExport(cmd.Context(), *cfg, o, out)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d snapshots to %s\n", n, out)
			return nil
		},
	}
	addSimFlags(cmd, &o)
	cmd.Flags().StringVarP(&out, "out", "o", "pager-trace.arrow", "Output file")
	return cmd
}

func runExport(ctx context.Context, cfg config.Config, o simOptions, path string) (int, error) {
	if path == "" {
		return 0, fault.Configf("no output file")
	}
	sim, err := newSimulation(cfg, o)
	if err != nil {
		return 0, err
	}
	defer sim.Close()

	rec := trace.NewRecorder(nil)
	defer rec.Release()
	sim.onStep = func(step int64, meta *metadata.Metadata, _ time.Duration) error {
		rec.Append(step, meta)
		return nil
	}
	if err := sim.Run(ctx); err != nil {
		return 0, err
	}

	record := rec.Flush()
	defer record.Release()

	f, err := os.Create(path)
	if err != nil {
		return 0, errors.Wrap(err, "creating trace file")
	}
	if err := trace.WriteIPC(f, record); err != nil {
		f.Close()
		return 0, err
	}
	if err := f.Close(); err != nil {
		return 0, errors.Wrap(err, "closing trace file")
	}
	return int(record.NumRows()), nil
}
