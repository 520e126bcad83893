// Package detect wraps the external scene-detection library: it validates
// parameters, bounds the library's run time, and normalises the raw cut list
// into one the segmenter can split on without producing slivers.
package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/heimdex/scenesplit/internal/failure"
	"github.com/heimdex/scenesplit/internal/logging"
	"github.com/heimdex/scenesplit/internal/media"
)

// Params are the per-job detection settings.
type Params struct {
	MinSceneLength float64 `json:"min_scene_length"` // seconds
	Threshold      float64 `json:"threshold"`
}

// Validate rejects non-positive values as InvalidParams.
func (p Params) Validate() error {
	if !(p.MinSceneLength > 0) || math.IsInf(p.MinSceneLength, 0) {
		return failure.New(failure.KindInvalidParams, "min scene length must be positive, got %v", p.MinSceneLength)
	}
	if !(p.Threshold > 0) || math.IsInf(p.Threshold, 0) {
		return failure.New(failure.KindInvalidParams, "threshold must be positive, got %v", p.Threshold)
	}
	return nil
}

// WithDefaults fills zero fields from def.
func (p Params) WithDefaults(def Params) Params {
	if p.MinSceneLength == 0 {
		p.MinSceneLength = def.MinSceneLength
	}
	if p.Threshold == 0 {
		p.Threshold = def.Threshold
	}
	return p
}

// Policy controls cut normalisation. Zero values fall back to the job's
// MinSceneLength.
type Policy struct {
	EdgeMargin float64 // cuts closer than this to either end are dropped
	MergeGap   float64 // cuts closer than this to the previous kept cut are dropped
}

// Resolve fills unset fields from minSceneLength.
func (p Policy) Resolve(minSceneLength float64) Policy {
	if p.EdgeMargin <= 0 {
		p.EdgeMargin = minSceneLength
	}
	if p.MergeGap <= 0 {
		p.MergeGap = minSceneLength
	}
	return p
}

// Result is a normalised detection.
type Result struct {
	Cuts      []float64 `json:"cuts"`
	Duration  float64   `json:"duration"`
	FrameRate float64   `json:"frame_rate"`
	RawCuts   int       `json:"raw_cuts"`
	// Policy is the resolved spacing the cuts satisfy.
	Policy Policy `json:"policy"`
}

type Config struct {
	// Timeout bounds a single library run. Zero means no limit beyond ctx.
	Timeout time.Duration
	Policy  Policy
	Logger  *slog.Logger
}

// Detector runs the probe and scene library for a local file.
type Detector struct {
	prober  media.Prober
	library media.SceneLibrary
	cfg     Config
	logger  *slog.Logger
}

func New(prober media.Prober, library media.SceneLibrary, cfg Config) *Detector {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Detector{prober: prober, library: library, cfg: cfg, logger: logging.WithComponent(logger, "detect")}
}

// Detect returns the normalised cuts for the video at path.
func (d *Detector) Detect(ctx context.Context, path string, params Params) (*Result, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	probe, err := d.prober.Probe(ctx, path)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, failure.Wrap(failure.KindProbeFailed, err)
	}
	if probe.Duration <= 0 {
		return nil, failure.New(failure.KindProbeFailed, "video duration unknown")
	}

	runCtx := ctx
	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	raw, err := d.library.DetectScenes(runCtx, path, params.MinSceneLength, params.Threshold)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			return nil, failure.New(failure.KindDetectionTimedOut, "scene detection exceeded %s", d.cfg.Timeout)
		}
		return nil, failure.Wrap(failure.KindInternal, fmt.Errorf("scene library: %w", err))
	}

	policy := d.cfg.Policy.Resolve(params.MinSceneLength)
	cuts := Normalize(raw, probe.Duration, probe.FrameRate, policy)

	d.logger.Info("scene detection complete",
		"raw_cuts", len(raw),
		"cuts", len(cuts),
		"duration_s", probe.Duration,
		"fps", probe.FrameRate,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	return &Result{Cuts: cuts, Duration: probe.Duration, FrameRate: probe.FrameRate, RawCuts: len(raw), Policy: policy}, nil
}

// Normalize turns raw library output into a strictly increasing cut list:
// timestamps are snapped to whole frames (when fps is known), cuts outside
// (0, duration) or within EdgeMargin of either end are dropped, and a cut
// closer than MergeGap to the previous kept cut is dropped in favour of the
// earlier one. The result is never nil.
func Normalize(raw []float64, duration, fps float64, policy Policy) []float64 {
	sorted := make([]float64, 0, len(raw))
	for _, t := range raw {
		if math.IsNaN(t) || math.IsInf(t, 0) {
			continue
		}
		sorted = append(sorted, SnapToFrame(t, fps))
	}
	sort.Float64s(sorted)

	cuts := []float64{}
	for _, t := range sorted {
		if t <= 0 || t >= duration {
			continue
		}
		if t < policy.EdgeMargin || duration-t < policy.EdgeMargin {
			continue
		}
		if n := len(cuts); n > 0 && (t <= cuts[n-1] || t-cuts[n-1] < policy.MergeGap) {
			continue
		}
		cuts = append(cuts, t)
	}
	return cuts
}

// SnapToFrame rounds t to the nearest frame boundary. Non-positive fps
// leaves t unchanged.
func SnapToFrame(t, fps float64) float64 {
	if fps <= 0 {
		return t
	}
	return math.Round(t*fps) / fps
}
