package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/heimdex/scenesplit/internal/acquire"
	"github.com/heimdex/scenesplit/internal/assemble"
	"github.com/heimdex/scenesplit/internal/config"
	"github.com/heimdex/scenesplit/internal/db"
	"github.com/heimdex/scenesplit/internal/detect"
	"github.com/heimdex/scenesplit/internal/jobs"
	"github.com/heimdex/scenesplit/internal/media"
	"github.com/heimdex/scenesplit/internal/retry"
	"github.com/heimdex/scenesplit/internal/segment"
	"github.com/heimdex/scenesplit/internal/storage"
)

// app is everything a command needs, built once from configuration.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	database  *db.DB
	repo      *jobs.SQLiteRepository
	storage   *storage.Manager
	deliverer *assemble.DirDeliverer
	doctor    *media.Doctor
	scheduler *jobs.Scheduler
}

// newApp wires the pipeline. outputDir overrides the configured outbox when
// set.
func newApp(cfg config.Config, logger *slog.Logger, outputDir string) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a.database = database
	a.repo = jobs.NewRepository(database.Conn())

	a.storage, err = storage.NewManager(storage.Config{
		Root:         cfg.TempDir(),
		QuotaBytes:   cfg.QuotaBytes(),
		MinFreeBytes: cfg.MinFreeBytes(),
		Logger:       logger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize temp storage: %w", err)
	}

	if outputDir == "" {
		outputDir = cfg.OutputDir()
	}
	a.deliverer, err = assemble.NewDirDeliverer(outputDir, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize output dir: %w", err)
	}

	a.doctor = media.NewDoctor(a.tools(), logger)

	library, err := media.NewPySceneDetect(cfg.PythonPath(), logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("scene detection unavailable: %w", err)
	}
	prober := media.NewFFprobe(cfg.FFprobePath(), logger)
	transcoder := media.NewFFmpeg(cfg.FFmpegPath(), logger)

	backoff := cfg.RetryBackoff()
	stages := jobs.Stages{
		Acquirer: acquire.NewService(
			media.NewYtDlp(cfg.YtDlpPath(), logger),
			media.NewHTTPDownload(&http.Client{Timeout: cfg.AcquireTimeout()}, logger),
			prober,
			acquire.Config{
				Retry:       retry.Policy{MaxAttempts: cfg.AcquireAttempts(), InitialBackoff: backoff, MaxBackoff: 8 * backoff},
				MaxDuration: cfg.MaxDuration(),
				Logger:      logger,
			},
		),
		Detector: detect.New(prober, library, detect.Config{
			Timeout: cfg.DetectTimeout(),
			Policy:  detect.Policy{EdgeMargin: cfg.EdgeMargin(), MergeGap: cfg.MergeGap()},
			Logger:  logger,
		}),
		Segmenter: segment.New(transcoder, segment.Config{
			Retry:  retry.Policy{MaxAttempts: cfg.SegmentAttempts(), InitialBackoff: backoff, MaxBackoff: backoff},
			Logger: logger,
		}),
		Assembler: assemble.New(prober, logger),
		Deliverer: a.deliverer,
	}

	a.scheduler, err = jobs.New(a.storage, stages, jobs.Config{
		Workers:      cfg.MaxConcurrentJobs(),
		PerRequester: cfg.MaxConcurrentPerRequester(),
		MaxVideoSize: cfg.MaxVideoSize(),
		Defaults: detect.Params{
			MinSceneLength: cfg.MinSceneLength(),
			Threshold:      cfg.Threshold(),
		},
		AcquireTimeout:  cfg.AcquireTimeout(),
		DetectTimeout:   cfg.DetectTimeout(),
		SegmentTimeout:  cfg.SegmentTimeout(),
		AssembleTimeout: cfg.AssembleTimeout(),
		RecordGrace:     cfg.RecordGrace(),
		Logger:          logger,
	}, jobs.WithRepository(a.repo))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	return a, nil
}

func (a *app) tools() media.Tools {
	return media.Tools{
		FFmpeg:  a.cfg.FFmpegPath(),
		FFprobe: a.cfg.FFprobePath(),
		YtDlp:   a.cfg.YtDlpPath(),
		Python:  a.cfg.PythonPath(),
	}
}

// sweepOptions protects scopes of jobs the scheduler still knows about.
func (a *app) sweepOptions(dryRun bool) storage.SweepOptions {
	opts := storage.SweepOptions{MaxAge: a.cfg.SweepAge(), DryRun: dryRun}
	if a.scheduler != nil {
		opts.IsLive = a.scheduler.IsLive
	}
	return opts
}

// pruneOutput drops delivered scenes past retention and the matching job
// history.
func (a *app) pruneOutput(ctx context.Context) {
	retention := a.cfg.OutboxRetention()
	if _, err := a.deliverer.Prune(ctx, retention, a.scheduler.IsLive); err != nil {
		a.logger.Warn("output prune failed", "error", err)
	}
	n, err := a.repo.DeleteFinishedBefore(ctx, time.Now().Add(-retention))
	if err != nil {
		a.logger.Warn("history prune failed", "error", err)
		return
	}
	if n > 0 {
		a.logger.Info("pruned job history", "jobs", n)
	}
}

func (a *app) Close() error {
	if a.database != nil {
		return a.database.Close()
	}
	return nil
}
