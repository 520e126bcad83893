package storage

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
)

// SweepOptions controls orphan removal.
type SweepOptions struct {
	// MaxAge is how old an orphaned directory must be before it is removed.
	MaxAge time.Duration

	// IsLive reports whether a job record still owns the directory name.
	// Directories held by a live scope are always kept.
	IsLive func(jobID string) bool

	// DryRun lists what would be removed without deleting anything.
	DryRun bool
}

// SweepResult summarises a sweep.
type SweepResult struct {
	Removed    []string
	BytesFreed int64

	// Errors holds per-directory failures; the sweep keeps going past them.
	Errors []error
}

// Sweep removes directories under the root that no live scope or job record
// owns and that are older than opts.MaxAge. It is the safety net for scopes
// orphaned by a crash.
func (m *Manager) Sweep(ctx context.Context, opts SweepOptions) (*SweepResult, error) {
	isLive := opts.IsLive
	opts.IsLive = func(name string) bool {
		return m.IsLive(name) || (isLive != nil && isLive(name))
	}

	result, err := SweepDir(ctx, m.cfg.Root, opts)
	if err != nil {
		return result, err
	}
	if len(result.Removed) > 0 {
		m.logger.Info("storage sweep removed orphaned scopes",
			"count", len(result.Removed),
			"freed", humanize.IBytes(uint64(result.BytesFreed)),
			"dry_run", opts.DryRun,
		)
	}
	return result, nil
}

// SweepDir removes the entries of root older than opts.MaxAge for which
// opts.IsLive (if set) returns false.
func SweepDir(ctx context.Context, root string, opts SweepOptions) (*SweepResult, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", root, err)
	}

	result := &SweepResult{}
	cutoff := time.Now().Add(-opts.MaxAge)

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		name := entry.Name()
		if opts.IsLive != nil && opts.IsLive(name) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("stat %s: %w", name, err))
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(root, name)
		size := info.Size()
		if entry.IsDir() {
			size = dirSize(path)
		}
		if !opts.DryRun {
			if err := os.RemoveAll(path); err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("remove %s: %w", name, err))
				continue
			}
		}
		result.Removed = append(result.Removed, name)
		result.BytesFreed += size
	}
	return result, nil
}

// RunSweeper sweeps every interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration, opts SweepOptions) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := m.Sweep(ctx, opts)
			if err != nil {
				m.logger.Warn("storage sweep failed", "error", err)
				continue
			}
			for _, e := range res.Errors {
				m.logger.Warn("storage sweep entry failed", "error", e)
			}
		}
	}
}

func dirSize(root string) int64 {
	var total int64
	_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}
