package media

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/heimdex/scenesplit/internal/failure"
)

// Extractor downloads the video behind a remote URL into dir and returns the
// local path. Implementations enforce maxSize while the bytes arrive.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, rawURL, dir string, maxSize int64) (string, error)
}

// SupportedExtensions lists the container formats accepted as sources.
var SupportedExtensions = []string{".mp4", ".avi", ".mkv", ".mov", ".webm", ".m4v"}

// IsSupportedExtension reports whether ext (with dot, any case) is accepted.
func IsSupportedExtension(ext string) bool {
	ext = strings.ToLower(ext)
	for _, e := range SupportedExtensions {
		if e == ext {
			return true
		}
	}
	return false
}

const downloadBase = "download"

// YtDlp extracts through the yt-dlp executable.
type YtDlp struct {
	path         string
	logger       *slog.Logger
	pollInterval time.Duration
}

func NewYtDlp(path string, logger *slog.Logger) *YtDlp {
	if path == "" {
		path = "yt-dlp"
	}
	return &YtDlp{path: path, logger: logger, pollInterval: 500 * time.Millisecond}
}

func (y *YtDlp) Name() string { return "yt-dlp" }

// Extract runs yt-dlp with --max-filesize and additionally watches dir while
// it downloads, killing the process as soon as the bytes on disk pass maxSize.
func (y *YtDlp) Extract(ctx context.Context, rawURL, dir string, maxSize int64) (string, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var tooLarge atomic.Bool
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		ticker := time.NewTicker(y.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if downloadedBytes(dir) > maxSize {
					tooLarge.Store(true)
					cancel()
					return
				}
			}
		}
	}()

	var stdout bytes.Buffer
	res, err := run(runCtx, command{name: y.path, args: ytdlpArgs(rawURL, dir, maxSize), stdout: &stdout, logger: y.logger})
	cancel()
	<-watchDone

	if tooLarge.Load() {
		removeDownloads(dir)
		return "", failure.New(failure.KindSourceTooLarge, "download exceeded %s", humanize.IBytes(uint64(maxSize)))
	}
	if err != nil {
		removeDownloads(dir)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", failure.Wrap(failure.KindNetworkFailure, err)
	}

	combined := stdout.String() + "\n" + res.StderrTail
	if strings.Contains(combined, "larger than max-filesize") {
		removeDownloads(dir)
		return "", failure.New(failure.KindSourceTooLarge, "video is larger than %s", humanize.IBytes(uint64(maxSize)))
	}
	if !res.IsSuccess() {
		removeDownloads(dir)
		return "", classifyYtDlpFailure(res)
	}

	out := lastLine(stdout.String())
	if out == "" {
		out = findDownload(dir)
	}
	if out == "" {
		return "", failure.New(failure.KindNetworkFailure, "yt-dlp reported success but produced no file")
	}
	if info, err := os.Stat(out); err != nil {
		return "", failure.Wrap(failure.KindNetworkFailure, fmt.Errorf("stat download: %w", err))
	} else if info.Size() > maxSize {
		os.Remove(out)
		return "", failure.New(failure.KindSourceTooLarge, "video is %s, limit is %s",
			humanize.IBytes(uint64(info.Size())), humanize.IBytes(uint64(maxSize)))
	}
	return out, nil
}

func ytdlpArgs(rawURL, dir string, maxSize int64) []string {
	return []string{
		"--no-playlist",
		"--no-progress",
		"--no-warnings",
		"--quiet",
		"--format", "bestvideo[ext=mp4]+bestaudio[ext=m4a]/best[ext=mp4]/best",
		"--merge-output-format", "mp4",
		"--max-filesize", strconv.FormatInt(maxSize, 10),
		"--output", filepath.Join(dir, downloadBase+".%(ext)s"),
		"--print", "after_move:filepath",
		rawURL,
	}
}

// classifyYtDlpFailure separates "this URL is not a video" from transient
// network trouble so the retry policy only repeats the latter.
func classifyYtDlpFailure(res RunResult) error {
	tail := strings.ToLower(res.StderrTail)
	switch {
	case strings.Contains(tail, "unsupported url"),
		strings.Contains(tail, "private video"),
		strings.Contains(tail, "video unavailable"),
		strings.Contains(tail, "is not a valid url"):
		return failure.New(failure.KindUnsupportedSource, "yt-dlp: %s", truncate(res.StderrTail, 256))
	}
	return failure.New(failure.KindNetworkFailure, "yt-dlp exited %d: %s", res.ExitCode, truncate(res.StderrTail, 256))
}

func lastLine(s string) string {
	var last string
	sc := bufio.NewScanner(strings.NewReader(s))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			last = line
		}
	}
	return last
}

func findDownload(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, downloadBase+".") || strings.HasSuffix(name, ".part") {
			continue
		}
		if IsSupportedExtension(filepath.Ext(name)) {
			return filepath.Join(dir, name)
		}
	}
	return ""
}

// downloadedBytes sums the size of every download artefact in dir, including
// partial fragments.
func downloadedBytes(dir string) int64 {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	var total int64
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), downloadBase+".") {
			continue
		}
		if info, err := e.Info(); err == nil {
			total += info.Size()
		}
	}
	return total
}

func removeDownloads(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), downloadBase+".") {
			os.RemoveAll(filepath.Join(dir, e.Name()))
		}
	}
}

// HTTPDownload fetches direct links to video files. It is the fallback when
// yt-dlp cannot handle a URL.
type HTTPDownload struct {
	client *http.Client
	logger *slog.Logger
}

func NewHTTPDownload(client *http.Client, logger *slog.Logger) *HTTPDownload {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPDownload{client: client, logger: logger}
}

func (h *HTTPDownload) Name() string { return "http" }

func (h *HTTPDownload) Extract(ctx context.Context, rawURL, dir string, maxSize int64) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", failure.Wrap(failure.KindUnsupportedSource, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "video/*, application/octet-stream;q=0.9")

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", failure.Wrap(failure.KindNetworkFailure, fmt.Errorf("http request failed: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return "", failure.New(failure.KindNetworkFailure, "download failed: HTTP %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return "", failure.New(failure.KindUnsupportedSource, "download failed: HTTP %d", resp.StatusCode)
	}

	ext, err := downloadExtension(resp.Request.URL, resp.Header.Get("Content-Type"))
	if err != nil {
		return "", err
	}
	if resp.ContentLength > maxSize {
		return "", failure.New(failure.KindSourceTooLarge, "video is %s, limit is %s",
			humanize.IBytes(uint64(resp.ContentLength)), humanize.IBytes(uint64(maxSize)))
	}

	out := filepath.Join(dir, downloadBase+ext)
	f, err := os.Create(out)
	if err != nil {
		return "", failure.Wrap(failure.KindInternal, fmt.Errorf("create download file: %w", err))
	}

	n, copyErr := io.Copy(f, io.LimitReader(resp.Body, maxSize+1))
	closeErr := f.Close()
	switch {
	case copyErr != nil:
		os.Remove(out)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", failure.Wrap(failure.KindNetworkFailure, fmt.Errorf("download interrupted: %w", copyErr))
	case n > maxSize:
		os.Remove(out)
		return "", failure.New(failure.KindSourceTooLarge, "download exceeded %s", humanize.IBytes(uint64(maxSize)))
	case closeErr != nil:
		os.Remove(out)
		return "", failure.Wrap(failure.KindInternal, fmt.Errorf("close download file: %w", closeErr))
	}

	h.logger.Debug("direct download complete", "bytes", n, "ext", ext)
	return out, nil
}

// downloadExtension picks the file extension from the URL path, then the
// content type. Responses that are clearly not video are rejected.
func downloadExtension(u *url.URL, contentType string) (string, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType != "" && !strings.HasPrefix(mediaType, "video/") &&
		mediaType != "application/octet-stream" && mediaType != "binary/octet-stream" {
		return "", failure.New(failure.KindUnsupportedSource, "url does not point to a video (content type %s)", mediaType)
	}

	if u != nil {
		if ext := strings.ToLower(path.Ext(u.Path)); IsSupportedExtension(ext) {
			return ext, nil
		}
	}
	switch mediaType {
	case "video/mp4":
		return ".mp4", nil
	case "video/webm":
		return ".webm", nil
	case "video/quicktime":
		return ".mov", nil
	case "video/x-matroska":
		return ".mkv", nil
	case "video/x-msvideo":
		return ".avi", nil
	case "video/x-m4v":
		return ".m4v", nil
	}
	return ".mp4", nil
}
