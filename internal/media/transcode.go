package media

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/heimdex/scenesplit/internal/failure"
)

// ExtractRequest is one half-open time range [Start, End) to copy out of Input.
type ExtractRequest struct {
	Input  string
	Output string
	Start  float64
	End    float64
}

// Transcoder copies a time range of a video into a new container without
// re-encoding.
type Transcoder interface {
	Extract(ctx context.Context, req ExtractRequest) (RunResult, error)
}

// FFmpeg is the production Transcoder. It only ever stream-copies.
type FFmpeg struct {
	path   string
	logger *slog.Logger
}

func NewFFmpeg(path string, logger *slog.Logger) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpeg{path: path, logger: logger}
}

// Extract succeeds when ffmpeg exits 0 and the output file is non-empty.
// Failures are TranscodeFailed; a done ctx returns ctx.Err().
func (f *FFmpeg) Extract(ctx context.Context, req ExtractRequest) (RunResult, error) {
	if req.End <= req.Start {
		return RunResult{}, failure.New(failure.KindTranscodeFailed, "empty range [%.3f, %.3f)", req.Start, req.End)
	}

	res, err := run(ctx, command{name: f.path, args: extractArgs(req), logger: f.logger})
	if err != nil {
		if ctx.Err() != nil {
			os.Remove(req.Output)
			return res, err
		}
		return res, failure.Wrap(failure.KindTranscodeFailed, err)
	}
	if !res.IsSuccess() {
		os.Remove(req.Output)
		return res, failure.New(failure.KindTranscodeFailed, "ffmpeg exited %d: %s", res.ExitCode, truncate(res.StderrTail, 256))
	}

	info, err := os.Stat(req.Output)
	if err != nil {
		return res, failure.Wrap(failure.KindTranscodeFailed, fmt.Errorf("output missing: %w", err))
	}
	if info.Size() == 0 {
		os.Remove(req.Output)
		return res, failure.New(failure.KindTranscodeFailed, "ffmpeg produced an empty file for [%.3f, %.3f)", req.Start, req.End)
	}
	return res, nil
}

// extractArgs seeks on the input side so the cut lands on the keyframe at or
// before Start, then copies every video and audio stream.
func extractArgs(req ExtractRequest) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-loglevel", "error",
		"-y",
		"-ss", seconds(req.Start),
		"-i", req.Input,
		"-t", seconds(req.End - req.Start),
		"-map", "0:v:0",
		"-map", "0:a?",
		"-c", "copy",
		"-avoid_negative_ts", "make_zero",
		req.Output,
	}
}

func seconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}
