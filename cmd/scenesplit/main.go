package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/heimdex/scenesplit/internal/config"
	"github.com/heimdex/scenesplit/internal/logging"
)

const cliExecutable = "scenesplit"

var Version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// globals are resolved once in the root command's pre-run and shared by
// every subcommand.
type globals struct {
	configFile string
	logLevel   string

	cfg    *config.EnvConfig
	logger *slog.Logger
}

func newRootCommand() *cobra.Command {
	g := &globals{}

	cmd := &cobra.Command{
		Use:   cliExecutable,
		Short: "Split videos into one file per scene without re-encoding",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path := g.configFile
			if path == "" {
				path = os.Getenv(config.EnvConfigFile)
			}
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			g.cfg = cfg

			level := cfg.LogLevel()
			if g.logLevel != "" {
				level = g.logLevel
			}
			g.logger = logging.NewLogger(level)
			return nil
		},
	}
	cmd.SilenceUsage = true

	cmd.PersistentFlags().StringVarP(&g.configFile, "config", "c", "", "Configuration file path (overrides "+config.EnvConfigFile+")")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn, error")

	cmd.AddCommand(newServeCommand(g))
	cmd.AddCommand(newSplitCommand(g))
	cmd.AddCommand(newSweepCommand(g))
	cmd.AddCommand(newDoctorCommand(g))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		// Skips config loading.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", cliExecutable, Version)
		},
	}
}
