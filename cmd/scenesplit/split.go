package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/heimdex/scenesplit/internal/acquire"
	"github.com/heimdex/scenesplit/internal/jobs"
)

type splitOptions struct {
	outputDir      string
	requester      string
	minSceneLength float64
	threshold      float64
	edl            bool
}

func newSplitCommand(g *globals) *cobra.Command {
	opts := splitOptions{}

	cmd := &cobra.Command{
		Use:   "split <file-or-url>",
		Short: "Split one video locally and print the scene files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return split(cmd.Context(), g, cmd.OutOrStdout(), args[0], opts)
		},
	}
	cmd.Flags().StringVarP(&opts.outputDir, "out", "o", "", "Directory to deliver scenes into (defaults to the configured output dir)")
	cmd.Flags().StringVar(&opts.requester, "requester", "cli", "Requester name recorded on the job")
	cmd.Flags().Float64Var(&opts.minSceneLength, "min-scene-length", 0, "Minimum scene length in seconds (0 = configured default)")
	cmd.Flags().Float64Var(&opts.threshold, "threshold", 0, "Detector threshold (0 = configured default)")
	cmd.Flags().BoolVar(&opts.edl, "edl", false, "Also write an EDL next to the scenes")
	return cmd
}

func split(ctx context.Context, g *globals, out io.Writer, target string, opts splitOptions) error {
	a, err := newApp(g.cfg, g.logger, opts.outputDir)
	if err != nil {
		return err
	}
	defer a.Close()

	source, closeSource, err := openSource(target)
	if err != nil {
		return err
	}
	defer closeSource()

	runCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		a.scheduler.Wait()
	}()
	if err := a.scheduler.Start(runCtx); err != nil {
		return err
	}

	events, unsubscribe := a.scheduler.Subscribe()
	defer unsubscribe()

	req := jobs.Request{Source: source, Requester: opts.requester}
	req.Params.MinSceneLength = opts.minSceneLength
	req.Params.Threshold = opts.threshold

	id, err := a.scheduler.Submit(ctx, req)
	if err != nil {
		return err
	}
	printed := make(chan struct{})
	go func() {
		printProgress(out, id, events)
		close(printed)
	}()

	snap, err := a.scheduler.WaitFor(ctx, id, jobs.Finished)
	unsubscribe()
	<-printed
	if err != nil {
		return err
	}

	switch snap.State {
	case jobs.StateCancelled:
		return errors.New("cancelled")
	case jobs.StateFailed:
		if snap.Error != nil {
			return fmt.Errorf("%s (%s)", snap.Error.Message, snap.Error.Detail)
		}
		return errors.New("failed")
	}

	m := snap.Manifest
	fmt.Fprintf(out, "\n%d scenes, %s total\n", len(m.Entries), humanize.IBytes(uint64(m.TotalSize())))
	for _, e := range m.Entries {
		fmt.Fprintf(out, "  %s  %8.2fs - %8.2fs  %s\n", e.Path, e.Start, e.End, humanize.IBytes(uint64(e.Size)))
	}

	if opts.edl {
		path := filepath.Join(a.deliverer.JobDir(m.JobID), "scenes.edl")
		if err := os.WriteFile(path, []byte(m.EDL()), 0o644); err != nil {
			return fmt.Errorf("write edl: %w", err)
		}
		fmt.Fprintf(out, "  %s\n", path)
	}
	return nil
}

// openSource maps a CLI argument to a job source.
func openSource(target string) (acquire.Source, func(), error) {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return acquire.URL(target), func() {}, nil
	}
	f, err := os.Open(target)
	if err != nil {
		return acquire.Source{}, nil, fmt.Errorf("open source: %w", err)
	}
	return acquire.Upload(f.Name(), f), func() { f.Close() }, nil
}

func printProgress(out io.Writer, jobID string, events <-chan jobs.Event) {
	for e := range events {
		if e.JobID != jobID {
			continue
		}
		line := string(e.State)
		if e.Message != "" {
			line += ": " + e.Message
		}
		fmt.Fprintln(out, line)
	}
}
