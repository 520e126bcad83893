package main

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/heimdex/scenesplit/internal/api"
	"github.com/heimdex/scenesplit/internal/notify"
	"github.com/heimdex/scenesplit/internal/statuscache"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(g *globals) *cobra.Command {
	var host string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the job workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), g, host)
		},
	}
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Interface to listen on")
	return cmd
}

func serve(ctx context.Context, g *globals, host string) error {
	startTime := time.Now()
	cfg, logger := g.cfg, g.logger

	a, err := newApp(cfg, logger, "")
	if err != nil {
		return err
	}
	defer a.Close()

	logger.Info("starting scenesplit",
		"version", Version,
		"temp_dir", cfg.TempDir(),
		"output_dir", cfg.OutputDir(),
		"workers", cfg.MaxConcurrentJobs(),
		"per_requester", cfg.MaxConcurrentPerRequester(),
		"max_video_size", humanize.IBytes(uint64(cfg.MaxVideoSize())),
		"quota", humanize.IBytes(uint64(cfg.QuotaBytes())),
	)
	if cfg.AuthToken() == "" {
		logger.Warn("no auth token configured, API is open to anyone who can reach it")
	}

	caps := a.doctor.Refresh(ctx)
	if !caps.CanSplit || !caps.CanDetect {
		logger.Warn("required tools missing, jobs will fail until installed", "tools", caps.Tools)
	}

	// Leftovers from a previous run have no live owner.
	if res, err := a.storage.Sweep(ctx, a.sweepOptions(false)); err != nil {
		logger.Warn("startup sweep failed", "error", err)
	} else if len(res.Removed) > 0 {
		logger.Info("startup sweep removed orphans", "dirs", len(res.Removed), "freed", humanize.IBytes(uint64(res.BytesFreed)))
	}

	server := api.NewServer(api.ServerConfig{
		Addr:          net.JoinHostPort(host, strconv.Itoa(cfg.Port())),
		Scheduler:     a.scheduler,
		Storage:       a.storage,
		Doctor:        a.doctor,
		AuthToken:     cfg.AuthToken(),
		MaxUploadSize: cfg.MaxVideoSize(),
		Version:       Version,
		Logger:        logger,
		StartTime:     startTime,
	})

	var mirror *statuscache.Mirror
	if url := cfg.RedisURL(); url != "" {
		store, err := statuscache.NewRedisStore(url)
		if err != nil {
			return fmt.Errorf("failed to configure status mirror: %w", err)
		}
		defer store.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := store.Ping(pingCtx); err != nil {
			logger.Warn("redis unreachable, status mirror will retry per event", "error", err)
		}
		cancel()
		mirror = statuscache.NewMirror(store, statuscache.Config{TTL: cfg.OutboxRetention(), Logger: logger})
	}

	var webhook *notify.Webhook
	if url := cfg.WebhookURL(); url != "" {
		webhook = notify.NewWebhook(notify.Config{URL: url, Token: cfg.WebhookToken(), Logger: logger})
	}

	grp, gctx := errgroup.WithContext(ctx)

	if err := a.scheduler.Start(gctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	grp.Go(func() error {
		a.scheduler.Wait()
		return nil
	})

	grp.Go(func() error {
		a.storage.RunSweeper(gctx, cfg.SweepInterval(), a.sweepOptions(false))
		return nil
	})

	if interval := cfg.SweepInterval(); interval > 0 {
		grp.Go(func() error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					a.pruneOutput(gctx)
				}
			}
		})
	}

	if mirror != nil {
		grp.Go(func() error {
			mirror.Run(gctx, a.scheduler)
			return nil
		})
	}

	if webhook != nil {
		grp.Go(func() error {
			webhook.Run(gctx, a.scheduler)
			return nil
		})
	}

	grp.Go(func() error {
		return server.Start()
	})

	grp.Go(func() error {
		<-gctx.Done()
		logger.Info("initiating graceful shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown HTTP server", "error", err)
		}
		return nil
	})

	err = grp.Wait()
	logger.Info("shutdown complete")
	return err
}
