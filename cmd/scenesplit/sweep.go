package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/heimdex/scenesplit/internal/assemble"
	"github.com/heimdex/scenesplit/internal/storage"
)

func newSweepCommand(g *globals) *cobra.Command {
	var (
		dryRun bool
		maxAge time.Duration
		output bool
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove orphaned job directories from temp storage",
		Long: "Removes temp directories older than --max-age. Run it while the server is stopped, " +
			"or keep --max-age above the longest job, since a separate process cannot see live jobs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger := g.cfg, g.logger
			if maxAge <= 0 {
				maxAge = cfg.SweepAge()
			}

			store, err := storage.NewManager(storage.Config{
				Root:         cfg.TempDir(),
				QuotaBytes:   cfg.QuotaBytes(),
				MinFreeBytes: cfg.MinFreeBytes(),
				Logger:       logger,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			res, err := store.Sweep(cmd.Context(), storage.SweepOptions{MaxAge: maxAge, DryRun: dryRun})
			if err != nil {
				return err
			}
			report(out, "temp", res, dryRun)

			if output {
				deliverer, err := assemble.NewDirDeliverer(cfg.OutputDir(), logger)
				if err != nil {
					return err
				}
				res, err := storage.SweepDir(cmd.Context(), deliverer.Root(), storage.SweepOptions{MaxAge: cfg.OutboxRetention(), DryRun: dryRun})
				if err != nil {
					return err
				}
				report(out, "output", res, dryRun)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List what would be removed without deleting")
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "Minimum age of a directory to remove (0 = configured sweep age)")
	cmd.Flags().BoolVar(&output, "output", false, "Also prune delivered scenes past the output retention")
	return cmd
}

func report(out io.Writer, area string, res *storage.SweepResult, dryRun bool) {
	verb := "removed"
	if dryRun {
		verb = "would remove"
	}
	fmt.Fprintf(out, "%s: %s %d entries, %s\n", area, verb, len(res.Removed), humanize.IBytes(uint64(res.BytesFreed)))
	for _, name := range res.Removed {
		fmt.Fprintf(out, "  %s\n", name)
	}
	for _, err := range res.Errors {
		fmt.Fprintf(out, "  error: %v\n", err)
	}
}
