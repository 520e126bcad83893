// Package segment turns a cut list into contiguous time ranges and extracts
// each range from the source with a stream-copy transcoder.
package segment

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/heimdex/scenesplit/internal/failure"
	"github.com/heimdex/scenesplit/internal/logging"
	"github.com/heimdex/scenesplit/internal/media"
	"github.com/heimdex/scenesplit/internal/retry"
	"github.com/heimdex/scenesplit/internal/storage"
)

// minRange is the shortest range Plan will emit. Anything shorter cannot be
// expressed in the millisecond timestamps handed to the transcoder.
const minRange = 0.001

// Range is one planned half-open interval [Start, End) in seconds.
type Range struct {
	Index int     `json:"index"` // 1-based
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

func (r Range) Duration() float64 { return r.End - r.Start }

// Segment is an extracted range on disk.
type Segment struct {
	Index int     `json:"index"`
	Path  string  `json:"path"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Size  int64   `json:"size"`
}

func (s Segment) Duration() float64 { return s.End - s.Start }

// Spacing is how far a cut must stay from either end of the video and from
// the previous kept cut. The zero value only rejects ranges shorter than a
// millisecond.
type Spacing struct {
	EdgeMargin float64
	MinGap     float64
}

// Plan returns len(valid cuts)+1 contiguous ranges covering [0, duration).
// Cuts that are not strictly increasing, fall within EdgeMargin of either
// end or come closer than MinGap to the previous kept cut are dropped; of two
// close cuts the earlier one stays.
func Plan(cuts []float64, duration float64, spacing Spacing) []Range {
	if duration <= 0 {
		return nil
	}
	edge := max(spacing.EdgeMargin, minRange)
	ranges := make([]Range, 0, len(cuts)+1)
	start := 0.0
	for _, c := range cuts {
		if c < edge || duration-c < edge || c-start < minRange {
			continue
		}
		if len(ranges) > 0 && c-start < spacing.MinGap {
			continue
		}
		ranges = append(ranges, Range{Index: len(ranges) + 1, Start: start, End: c})
		start = c
	}
	return append(ranges, Range{Index: len(ranges) + 1, Start: start, End: duration})
}

// RetryHook is told about each repeated range extraction.
type RetryHook func(index int, err error)

type options struct {
	onRetry RetryHook
}

type Option func(*options)

func WithRetryHook(fn RetryHook) Option {
	return func(o *options) { o.onRetry = fn }
}

type Config struct {
	// Retry bounds attempts per range; the default is one retry.
	Retry  retry.Policy
	Logger *slog.Logger
}

// Segmenter extracts planned ranges into a job scope.
type Segmenter struct {
	transcoder media.Transcoder
	cfg        Config
	logger     *slog.Logger
}

func New(transcoder media.Transcoder, cfg Config) *Segmenter {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Policy{MaxAttempts: 2, InitialBackoff: time.Second, MaxBackoff: time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Segmenter{transcoder: transcoder, cfg: cfg, logger: logging.WithComponent(logger, "segment")}
}

// Segment plans the ranges for cuts and extracts them in order into
// scope/segments. It stops at the first range that fails after retry.
func (s *Segmenter) Segment(ctx context.Context, localPath string, cuts []float64, duration float64, spacing Spacing, scope *storage.Scope, opts ...Option) ([]Segment, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return nil, failure.Wrap(failure.KindInternal, fmt.Errorf("stat source: %w", err))
	}
	ranges := Plan(cuts, duration, spacing)
	if len(ranges) == 0 {
		return nil, failure.New(failure.KindProbeFailed, "cannot plan segments for duration %v", duration)
	}
	if len(ranges) != len(cuts)+1 {
		s.logger.Warn("dropped invalid cuts while planning", "cuts", len(cuts), "ranges", len(ranges))
	}

	outDir := scope.Path("segments")
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, failure.Wrap(failure.KindInternal, fmt.Errorf("create segments dir: %w", err))
	}
	ext := outputExtension(localPath)
	width := max(3, len(fmt.Sprint(len(ranges))))

	segments := make([]Segment, 0, len(ranges))
	for _, r := range ranges {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out := filepath.Join(outDir, fmt.Sprintf("scene-%0*d%s", width, r.Index, ext))
		seg, err := s.extractRange(ctx, localPath, out, r, estimateSize(info.Size(), r, duration), scope, o.onRetry)
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}

	s.logger.Info("segmentation complete",
		"job_id", scope.JobID(),
		"segments", len(segments),
		"scope_bytes", humanize.IBytes(uint64(scope.Used())),
	)
	return segments, nil
}

func (s *Segmenter) extractRange(ctx context.Context, input, output string, r Range, estimate int64, scope *storage.Scope, onRetry RetryHook) (Segment, error) {
	if err := scope.EnsureFree(ctx, estimate); err != nil {
		return Segment{}, err
	}
	if err := scope.Reserve(estimate); err != nil {
		return Segment{}, err
	}

	req := media.ExtractRequest{Input: input, Output: output, Start: r.Start, End: r.End}
	err := s.cfg.Retry.Do(ctx, func(ctx context.Context, attempt int) error {
		_, err := s.transcoder.Extract(ctx, req)
		return err
	}, func(attempt int, err error, wait time.Duration) {
		s.logger.Warn("segment extraction failed, retrying",
			"job_id", scope.JobID(), "index", r.Index, "attempt", attempt, "backoff", wait, "error", err)
		if onRetry != nil {
			onRetry(r.Index, err)
		}
	})
	if err != nil {
		os.Remove(output)
		scope.Refund(estimate)
		if ctx.Err() != nil {
			return Segment{}, ctx.Err()
		}
		if failure.KindOf(err) == failure.KindInternal {
			err = failure.Wrap(failure.KindTranscodeFailed, err)
		}
		return Segment{}, fmt.Errorf("scene %d [%.3f, %.3f): %w", r.Index, r.Start, r.End, err)
	}

	info, err := os.Stat(output)
	if err != nil || info.Size() == 0 {
		os.Remove(output)
		scope.Refund(estimate)
		return Segment{}, failure.New(failure.KindTranscodeFailed, "scene %d produced no output", r.Index)
	}
	if err := scope.Settle(estimate, info.Size()); err != nil {
		os.Remove(output)
		scope.Refund(estimate)
		return Segment{}, err
	}

	return Segment{Index: r.Index, Path: output, Start: r.Start, End: r.End, Size: info.Size()}, nil
}

// estimateSize assumes a constant bitrate and adds headroom for container
// overhead and keyframe alignment.
func estimateSize(sourceSize int64, r Range, duration float64) int64 {
	if duration <= 0 {
		return sourceSize
	}
	est := float64(sourceSize) * r.Duration() / duration
	return int64(est*1.1) + 64*1024
}

func outputExtension(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if media.IsSupportedExtension(ext) {
		return ext
	}
	return ".mp4"
}
