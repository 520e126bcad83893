package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/heimdex/scenesplit/internal/failure"
)

// Prober reads container and stream metadata.
type Prober interface {
	Probe(ctx context.Context, path string) (*ProbeResult, error)
}

type ProbeResult struct {
	Duration    float64
	FormatName  string
	HasVideo    bool
	Width       int
	Height      int
	Codec       string
	Bitrate     int64
	FrameRate   float64
	AudioCodec  string
	AudioSample int
}

// FFprobe is the production Prober.
type FFprobe struct {
	path   string
	logger *slog.Logger
}

func NewFFprobe(path string, logger *slog.Logger) *FFprobe {
	if path == "" {
		path = "ffprobe"
	}
	return &FFprobe{path: path, logger: logger}
}

func (p *FFprobe) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	var stdout bytes.Buffer
	res, err := run(ctx, command{
		name:   p.path,
		args:   []string{"-v", "error", "-print_format", "json", "-show_format", "-show_streams", path},
		stdout: &stdout,
		logger: p.logger,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, failure.Wrap(failure.KindProbeFailed, err)
	}
	if !res.IsSuccess() {
		return nil, failure.New(failure.KindProbeFailed, "ffprobe exited %d: %s", res.ExitCode, truncate(res.StderrTail, 256))
	}
	return parseProbeOutput(stdout.Bytes())
}

type ffprobeOutput struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
		BitRate    string `json:"bit_rate"`
	} `json:"format"`
	Streams []struct {
		CodecType    string `json:"codec_type"`
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		RFrameRate   string `json:"r_frame_rate"`
		SampleRate   string `json:"sample_rate"`
		Duration     string `json:"duration"`
		Disposition  struct {
			AttachedPic int `json:"attached_pic"`
		} `json:"disposition"`
	} `json:"streams"`
}

func parseProbeOutput(data []byte) (*ProbeResult, error) {
	var out ffprobeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, failure.Wrap(failure.KindProbeFailed, fmt.Errorf("parse ffprobe json: %w", err))
	}

	res := &ProbeResult{FormatName: out.Format.FormatName}
	res.Duration, _ = strconv.ParseFloat(out.Format.Duration, 64)
	res.Bitrate, _ = strconv.ParseInt(out.Format.BitRate, 10, 64)

	for _, s := range out.Streams {
		switch s.CodecType {
		case "video":
			// Cover art is reported as a video stream.
			if s.Disposition.AttachedPic == 1 || res.HasVideo {
				continue
			}
			res.HasVideo = true
			res.Codec = s.CodecName
			res.Width = s.Width
			res.Height = s.Height
			res.FrameRate = parseFrameRate(s.AvgFrameRate)
			if res.FrameRate == 0 {
				res.FrameRate = parseFrameRate(s.RFrameRate)
			}
			if res.Duration == 0 {
				res.Duration, _ = strconv.ParseFloat(s.Duration, 64)
			}
		case "audio":
			if res.AudioCodec == "" {
				res.AudioCodec = s.CodecName
				res.AudioSample, _ = strconv.Atoi(s.SampleRate)
			}
		}
	}
	return res, nil
}

// parseFrameRate turns ffprobe's "30000/1001" notation into frames per second.
func parseFrameRate(s string) float64 {
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}
