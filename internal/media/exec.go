// Package media wraps the external processes the pipeline relies on: ffprobe
// for metadata, PySceneDetect for cut detection, ffmpeg for stream-copy
// extraction and yt-dlp for remote downloads. Every engine is an interface
// with a subprocess implementation and a stub for tests.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"
)

const (
	maxStderrBytes = 8 * 1024 // 8 KB tail of stderr kept for diagnostics
)

// RunResult is the structured outcome of executing an engine subprocess.
type RunResult struct {
	ExitCode   int           `json:"exit_code"`
	StderrTail string        `json:"stderr_tail,omitempty"` // last N bytes of stderr
	Duration   time.Duration `json:"duration"`
}

// IsSuccess returns true when the subprocess exited cleanly.
func (r RunResult) IsSuccess() bool { return r.ExitCode == 0 }

// command describes one subprocess invocation.
type command struct {
	name   string
	args   []string
	stdout io.Writer
	logger *slog.Logger
}

// run executes cmd, killing it when ctx is done. The returned error is only
// non-nil when the process could not be started or ctx ended it; a non-zero
// exit is reported through RunResult.
func run(ctx context.Context, c command) (RunResult, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, c.name, c.args...)
	cmd.WaitDelay = 5 * time.Second

	// Capture stderr with bounded buffer
	var stderrBuf bytes.Buffer
	cmd.Stderr = &limitedWriter{w: &stderrBuf, limit: maxStderrBytes}
	if c.stdout != nil {
		cmd.Stdout = c.stdout
	} else {
		cmd.Stdout = io.Discard
	}

	c.logger.Debug("executing media command", "cmd", c.name, "args", c.args)

	err := cmd.Run()
	elapsed := time.Since(start)

	result := RunResult{StderrTail: stderrBuf.String(), Duration: elapsed}
	if ctxErr := ctx.Err(); ctxErr != nil {
		result.ExitCode = -1
		return result, ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			result.ExitCode = -1
			return result, fmt.Errorf("start %s: %w", c.name, err)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	if result.ExitCode != 0 {
		c.logger.Warn("media command failed",
			"cmd", c.name,
			"exit_code", result.ExitCode,
			"duration_ms", elapsed.Milliseconds(),
			"stderr_tail", truncate(result.StderrTail, 512),
		)
	} else {
		c.logger.Debug("media command succeeded", "cmd", c.name, "duration_ms", elapsed.Milliseconds())
	}
	return result, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}

// limitedWriter is an io.Writer that keeps only the last `limit` bytes.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		// Keep only the tail
		b := lw.w.Bytes()
		tail := append([]byte(nil), b[len(b)-lw.limit:]...)
		lw.w.Reset()
		lw.w.Write(tail)
	}
	return n, nil
}
