package assemble

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/heimdex/scenesplit/internal/failure"
	"github.com/heimdex/scenesplit/internal/logging"
	"github.com/heimdex/scenesplit/internal/storage"
)

// Deliverer hands a finished manifest to whatever consumes the scenes. The
// returned manifest points at the delivered files.
type Deliverer interface {
	Deliver(ctx context.Context, m *Manifest) (*Manifest, error)
}

// DirDeliverer moves scenes into <root>/<jobID>/ and writes manifest.json
// beside them. The outbox outlives the job's temp scope so scenes stay
// downloadable until pruned.
type DirDeliverer struct {
	root   string
	logger *slog.Logger
}

func NewDirDeliverer(root string, logger *slog.Logger) (*DirDeliverer, error) {
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	if err := ValidateOutputDir(root); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &DirDeliverer{root: root, logger: logging.WithComponent(logger, "deliver")}, nil
}

func (d *DirDeliverer) Root() string { return d.root }

// JobDir returns the outbox directory for jobID.
func (d *DirDeliverer) JobDir(jobID string) string {
	return filepath.Join(d.root, jobID)
}

func (d *DirDeliverer) Deliver(ctx context.Context, m *Manifest) (*Manifest, error) {
	dir := d.JobDir(m.JobID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, failure.Wrap(failure.KindInternal, fmt.Errorf("create outbox: %w", err))
	}

	out := *m
	out.Entries = make([]Entry, len(m.Entries))
	for i, e := range m.Entries {
		if err := ctx.Err(); err != nil {
			os.RemoveAll(dir)
			return nil, err
		}
		dst := filepath.Join(dir, e.DisplayName)
		if err := moveFile(e.Path, dst); err != nil {
			os.RemoveAll(dir)
			if errors.Is(err, syscall.ENOSPC) {
				return nil, failure.Wrap(failure.KindDiskFull, err)
			}
			return nil, failure.Wrap(failure.KindInternal, fmt.Errorf("deliver scene %d: %w", e.Index, err))
		}
		e.Path = dst
		out.Entries[i] = e
	}

	if err := writeManifest(filepath.Join(dir, ManifestName), &out); err != nil {
		os.RemoveAll(dir)
		return nil, failure.Wrap(failure.KindInternal, err)
	}

	d.logger.Info("scenes delivered", "job_id", m.JobID, "dir", logging.SanitizePath(dir), "scenes", len(out.Entries))
	return &out, nil
}

// Load reads a delivered manifest back from the outbox.
func (d *DirDeliverer) Load(jobID string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(d.JobDir(jobID), ManifestName))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

// Prune removes delivered jobs older than retention. keep, if set, protects
// job ids that must not be removed yet.
func (d *DirDeliverer) Prune(ctx context.Context, retention time.Duration, keep func(jobID string) bool) (*storage.SweepResult, error) {
	result, err := storage.SweepDir(ctx, d.root, storage.SweepOptions{MaxAge: retention, IsLive: keep})
	if err != nil {
		return result, err
	}
	if len(result.Removed) > 0 {
		d.logger.Info("outbox pruned", "count", len(result.Removed), "freed", humanize.IBytes(uint64(result.BytesFreed)))
	}
	return result, nil
}

func writeManifest(path string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// moveFile renames src to dst, copying when they live on different devices.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return os.Remove(src)
}
