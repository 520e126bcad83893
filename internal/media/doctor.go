package media

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

const defaultCacheTTL = 5 * time.Minute

// Tools names the executables the pipeline shells out to.
type Tools struct {
	FFmpeg  string
	FFprobe string
	YtDlp   string
	Python  string // empty = auto-detect
}

// ToolStatus is the availability of a single executable.
type ToolStatus struct {
	Available bool   `json:"available"`
	Path      string `json:"path,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Capabilities summarises what the installed tools allow.
type Capabilities struct {
	Tools map[string]ToolStatus `json:"tools"`

	CanProbe  bool      `json:"can_probe"`
	CanDetect bool      `json:"can_detect"`
	CanSplit  bool      `json:"can_split"`
	CanFetch  bool      `json:"can_fetch"`
	ProbedAt  time.Time `json:"probed_at"`
}

// Doctor checks tool availability and caches the result for a while, so the
// status endpoint does not fork processes on every request.
type Doctor struct {
	tools  Tools
	ttl    time.Duration
	logger *slog.Logger

	lookPath func(string) (string, error)
	// moduleCheck runs `python -m scenedetect version`.
	moduleCheck func(ctx context.Context, python string) error

	mu     sync.RWMutex
	cached *Capabilities
}

func NewDoctor(tools Tools, logger *slog.Logger) *Doctor {
	d := &Doctor{
		tools:    tools,
		ttl:      defaultCacheTTL,
		logger:   logger,
		lookPath: exec.LookPath,
	}
	d.moduleCheck = d.runModuleCheck
	return d
}

// Get returns cached capabilities if fresh, otherwise re-probes.
func (d *Doctor) Get(ctx context.Context) *Capabilities {
	d.mu.RLock()
	if d.cached != nil && time.Since(d.cached.ProbedAt) < d.ttl {
		caps := d.cached
		d.mu.RUnlock()
		return caps
	}
	d.mu.RUnlock()

	return d.Refresh(ctx)
}

// Refresh forces a new probe regardless of cache freshness.
func (d *Doctor) Refresh(ctx context.Context) *Capabilities {
	d.mu.Lock()
	defer d.mu.Unlock()

	caps := &Capabilities{Tools: make(map[string]ToolStatus), ProbedAt: time.Now()}
	caps.Tools["ffmpeg"] = d.checkTool(d.tools.FFmpeg)
	caps.Tools["ffprobe"] = d.checkTool(d.tools.FFprobe)
	caps.Tools["yt-dlp"] = d.checkTool(d.tools.YtDlp)

	python := ToolStatus{}
	if p, err := findPython(d.lookPath, d.tools.Python); err != nil {
		python.Error = err.Error()
	} else {
		python.Path = p
		if err := d.moduleCheck(ctx, p); err != nil {
			python.Error = "scenedetect module unavailable: " + err.Error()
		} else {
			python.Available = true
		}
	}
	caps.Tools["scenedetect"] = python

	caps.CanProbe = caps.Tools["ffprobe"].Available
	caps.CanSplit = caps.Tools["ffmpeg"].Available
	caps.CanDetect = python.Available && caps.CanProbe
	// Direct links still work through the HTTP fallback without yt-dlp.
	caps.CanFetch = true

	d.logger.Info("tool check complete",
		"probe", caps.CanProbe,
		"detect", caps.CanDetect,
		"split", caps.CanSplit,
		"yt_dlp", caps.Tools["yt-dlp"].Available,
	)

	d.cached = caps
	return caps
}

// Invalidate clears the cached capabilities.
func (d *Doctor) Invalidate() {
	d.mu.Lock()
	d.cached = nil
	d.mu.Unlock()
}

func (d *Doctor) checkTool(name string) ToolStatus {
	if name == "" {
		return ToolStatus{Error: "not configured"}
	}
	path, err := d.lookPath(name)
	if err != nil {
		return ToolStatus{Error: "not found in PATH: " + name}
	}
	return ToolStatus{Available: true, Path: path}
}

func (d *Doctor) runModuleCheck(ctx context.Context, python string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	res, err := run(ctx, command{name: python, args: []string{"-m", "scenedetect", "version"}, logger: d.logger})
	if err != nil {
		return err
	}
	if !res.IsSuccess() {
		return fmt.Errorf("exit %d: %s", res.ExitCode, truncate(res.StderrTail, 200))
	}
	return nil
}
