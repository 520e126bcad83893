// Package storage owns the per-job scratch directories ("scopes") and the
// global byte quota they share.
//
// Every byte a job writes is reserved against the quota before it lands on
// disk, so aggregate usage across live scopes never exceeds the configured
// limit. Releasing a scope removes its directory and returns its bytes.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/disk"

	"github.com/heimdex/scenesplit/internal/failure"
	"github.com/heimdex/scenesplit/internal/logging"
)

var (
	ErrScopeExists   = errors.New("storage scope already exists for job")
	ErrScopeReleased = errors.New("storage scope already released")
)

// Config configures a Manager.
type Config struct {
	Root         string
	QuotaBytes   int64
	MinFreeBytes int64
	Logger       *slog.Logger
}

// Manager hands out scopes and tracks their aggregate usage.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	used   int64
	scopes map[string]*Scope

	// freeSpace reports free bytes on the filesystem holding path.
	freeSpace func(ctx context.Context, path string) (uint64, error)
}

// NewManager creates the root directory and an empty manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	if cfg.QuotaBytes <= 0 {
		return nil, fmt.Errorf("storage quota must be positive")
	}
	if err := os.MkdirAll(cfg.Root, 0755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{
		cfg:       cfg,
		logger:    logging.WithComponent(logger, "storage"),
		scopes:    make(map[string]*Scope),
		freeSpace: diskFree,
	}, nil
}

func diskFree(ctx context.Context, path string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// Root returns the directory scopes are created under.
func (m *Manager) Root() string {
	return m.cfg.Root
}

// AcquireScope creates the exclusive working directory for jobID.
func (m *Manager) AcquireScope(jobID string) (*Scope, error) {
	if jobID == "" || jobID != filepath.Base(jobID) || jobID == "." || jobID == ".." {
		return nil, fmt.Errorf("invalid job id %q", jobID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.scopes[jobID]; ok {
		return nil, ErrScopeExists
	}

	dir := filepath.Join(m.cfg.Root, jobID)
	if err := os.Mkdir(dir, 0755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, ErrScopeExists
		}
		return nil, failure.Wrap(failure.KindInternal, fmt.Errorf("create scope dir: %w", err))
	}

	s := &Scope{m: m, jobID: jobID, dir: dir}
	m.scopes[jobID] = s
	m.logger.Debug("storage scope acquired", "job_id", jobID, "dir", dir)
	return s, nil
}

// QuotaCheck reports whether n more bytes fit under the global quota right now.
func (m *Manager) QuotaCheck(n int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used+n <= m.cfg.QuotaBytes
}

// Usage returns the bytes currently reserved by live scopes.
func (m *Manager) Usage() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

// Quota returns the configured global quota.
func (m *Manager) Quota() int64 {
	return m.cfg.QuotaBytes
}

// LiveScopes returns the number of unreleased scopes.
func (m *Manager) LiveScopes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.scopes)
}

// IsLive reports whether jobID currently holds a scope.
func (m *Manager) IsLive(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.scopes[jobID]
	return ok
}

// EnsureFree fails with DiskFull when writing n more bytes would leave less
// than the configured free-space floor on the underlying filesystem.
func (m *Manager) EnsureFree(ctx context.Context, n int64) error {
	free, err := m.freeSpace(ctx, m.cfg.Root)
	if err != nil {
		m.logger.Warn("cannot read free disk space", "error", err)
		return nil
	}
	need := uint64(max(n, 0)) + uint64(max(m.cfg.MinFreeBytes, 0))
	if free < need {
		return failure.New(failure.KindDiskFull, "need %s, only %s free",
			humanize.IBytes(need), humanize.IBytes(free))
	}
	return nil
}

func (m *Manager) reserve(s *Scope, n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.released {
		return ErrScopeReleased
	}
	if m.used+n > m.cfg.QuotaBytes {
		return failure.New(failure.KindQuotaExceeded, "reserving %s would exceed quota (%s of %s used)",
			humanize.IBytes(uint64(n)), humanize.IBytes(uint64(m.used)), humanize.IBytes(uint64(m.cfg.QuotaBytes)))
	}
	m.used += n
	s.used += n
	return nil
}

func (m *Manager) refund(s *Scope, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.released {
		return
	}
	n = min(n, s.used)
	s.used -= n
	m.used -= n
}

func (m *Manager) release(s *Scope) (int64, error) {
	m.mu.Lock()
	if s.released {
		m.mu.Unlock()
		return 0, nil
	}
	s.released = true
	freed := s.used
	m.used -= s.used
	s.used = 0
	delete(m.scopes, s.jobID)
	m.mu.Unlock()

	if err := os.RemoveAll(s.dir); err != nil {
		return freed, fmt.Errorf("remove scope dir: %w", err)
	}
	return freed, nil
}

// Scope is one job's exclusive working directory.
type Scope struct {
	m     *Manager
	jobID string
	dir   string

	// guarded by m.mu
	used     int64
	released bool
}

func (s *Scope) JobID() string { return s.jobID }

func (s *Scope) Dir() string { return s.dir }

// Path joins name onto the scope directory.
func (s *Scope) Path(elem ...string) string {
	return filepath.Join(append([]string{s.dir}, elem...)...)
}

// Used returns the bytes reserved by this scope.
func (s *Scope) Used() int64 {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.used
}

// Reserve charges n bytes to this scope, failing with QuotaExceeded when the
// global quota cannot accommodate them.
func (s *Scope) Reserve(n int64) error {
	if n <= 0 {
		return nil
	}
	return s.m.reserve(s, n)
}

// Refund returns n previously reserved bytes, e.g. after deleting a file.
func (s *Scope) Refund(n int64) {
	if n <= 0 {
		return
	}
	s.m.refund(s, n)
}

// Settle adjusts a reservation of reserved bytes to the actual size of what
// was written, refunding the difference or reserving the overshoot.
func (s *Scope) Settle(reserved, actual int64) error {
	switch {
	case actual < reserved:
		s.Refund(reserved - actual)
	case actual > reserved:
		return s.Reserve(actual - reserved)
	}
	return nil
}

// EnsureFree is Manager.EnsureFree for this scope's filesystem.
func (s *Scope) EnsureFree(ctx context.Context, n int64) error {
	return s.m.EnsureFree(ctx, n)
}

// Writer wraps w so that every write is reserved against the quota first.
func (s *Scope) Writer(w io.Writer) *QuotaWriter {
	return &QuotaWriter{scope: s, w: w}
}

// Release removes the scope directory and everything in it. It is safe to
// call more than once.
func (s *Scope) Release() error {
	freed, err := s.m.release(s)
	if err != nil {
		s.m.logger.Error("storage scope release failed", "job_id", s.jobID, "error", err)
		return err
	}
	s.m.logger.Debug("storage scope released", "job_id", s.jobID, "freed", humanize.IBytes(uint64(freed)))
	return nil
}

// QuotaWriter reserves quota for each write before forwarding it.
type QuotaWriter struct {
	scope   *Scope
	w       io.Writer
	written int64
}

func (q *QuotaWriter) Write(p []byte) (int, error) {
	if err := q.scope.Reserve(int64(len(p))); err != nil {
		return 0, err
	}
	n, err := q.w.Write(p)
	q.written += int64(n)
	if n < len(p) {
		q.scope.Refund(int64(len(p) - n))
	}
	return n, err
}

// Written returns the bytes forwarded so far.
func (q *QuotaWriter) Written() int64 {
	return q.written
}
