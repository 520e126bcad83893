package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heimdex/scenesplit/internal/failure"
	"github.com/heimdex/scenesplit/internal/logging"
)

func newTestManager(t *testing.T, quota int64) *Manager {
	t.Helper()
	m, err := NewManager(Config{Root: filepath.Join(t.TempDir(), "scopes"), QuotaBytes: quota})
	require.NoError(t, err)
	return m
}

func TestNewManager_TagsLogsWithComponent(t *testing.T) {
	var buf bytes.Buffer
	m, err := NewManager(Config{
		Root:       filepath.Join(t.TempDir(), "scopes"),
		QuotaBytes: 1 << 10,
		Logger:     logging.NewLoggerTo(&buf, "debug"),
	})
	require.NoError(t, err)

	scope, err := m.AcquireScope("job-1")
	require.NoError(t, err)
	require.NoError(t, scope.Release())

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	for _, line := range lines {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(line, &rec))
		assert.Equal(t, "storage", rec["component"])
		assert.Equal(t, "job-1", rec["job_id"])
	}
}

func TestAcquireScope_RefusesSecondScopeForSameJob(t *testing.T) {
	m := newTestManager(t, 1024)

	s, err := m.AcquireScope("job-1")
	require.NoError(t, err)
	assert.DirExists(t, s.Dir())

	_, err = m.AcquireScope("job-1")
	require.ErrorIs(t, err, ErrScopeExists)
}

func TestAcquireScope_RejectsPathLikeIDs(t *testing.T) {
	m := newTestManager(t, 1024)
	for _, id := range []string{"", "..", "a/b", "../escape"} {
		_, err := m.AcquireScope(id)
		require.Error(t, err, "id %q", id)
	}
}

func TestRelease_RemovesDirectoryAndReturnsBytes(t *testing.T) {
	m := newTestManager(t, 1024)
	s, err := m.AcquireScope("job-1")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(s.Path("a.bin"), []byte("hello"), 0o644))
	require.NoError(t, s.Reserve(600))
	assert.Equal(t, int64(600), m.Usage())

	require.NoError(t, s.Release())
	assert.NoDirExists(t, s.Dir())
	assert.Equal(t, int64(0), m.Usage())
	assert.False(t, m.IsLive("job-1"))

	require.NoError(t, s.Release(), "second release is a no-op")
	require.ErrorIs(t, s.Reserve(1), ErrScopeReleased)

	// The id can be reused once the previous scope is gone.
	_, err = m.AcquireScope("job-1")
	require.NoError(t, err)
}

func TestReserve_QuotaExceeded(t *testing.T) {
	m := newTestManager(t, 1000)
	a, _ := m.AcquireScope("a")
	b, _ := m.AcquireScope("b")

	require.NoError(t, a.Reserve(700))
	assert.True(t, m.QuotaCheck(300))
	assert.False(t, m.QuotaCheck(301))

	err := b.Reserve(400)
	require.Error(t, err)
	assert.Equal(t, failure.KindQuotaExceeded, failure.KindOf(err))
	assert.Equal(t, int64(0), b.Used())

	a.Refund(500)
	require.NoError(t, b.Reserve(400))
	assert.Equal(t, int64(600), m.Usage())
}

func TestSettle(t *testing.T) {
	m := newTestManager(t, 1000)
	s, _ := m.AcquireScope("a")

	require.NoError(t, s.Reserve(500))
	require.NoError(t, s.Settle(500, 200))
	assert.Equal(t, int64(200), m.Usage())

	require.NoError(t, s.Settle(200, 900))
	assert.Equal(t, int64(900), m.Usage())

	require.Error(t, s.Settle(900, 2000))
}

func TestQuotaWriter_StopsAtQuota(t *testing.T) {
	m := newTestManager(t, 10)
	s, _ := m.AcquireScope("a")

	var buf bytes.Buffer
	w := s.Writer(&buf)

	n, err := w.Write([]byte("12345678"))
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	_, err = w.Write([]byte("abc"))
	require.Error(t, err)
	assert.Equal(t, failure.KindQuotaExceeded, failure.KindOf(err))
	assert.Equal(t, "12345678", buf.String())
	assert.Equal(t, int64(8), w.Written())
}

func TestQuotaInvariant_ConcurrentReservations(t *testing.T) {
	const quota = 10_000
	m := newTestManager(t, quota)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		s, err := m.AcquireScope(filepath.Base(t.Name()) + "-" + string(rune('a'+i)))
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if s.Reserve(97) == nil {
					assert.LessOrEqual(t, m.Usage(), int64(quota))
					s.Refund(50)
				}
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, m.Usage(), int64(quota))
}

func TestEnsureFree(t *testing.T) {
	m := newTestManager(t, 1000)
	m.cfg.MinFreeBytes = 100
	m.freeSpace = func(context.Context, string) (uint64, error) { return 500, nil }

	require.NoError(t, m.EnsureFree(context.Background(), 400))

	err := m.EnsureFree(context.Background(), 401)
	require.Error(t, err)
	assert.Equal(t, failure.KindDiskFull, failure.KindOf(err))

	m.freeSpace = func(context.Context, string) (uint64, error) { return 0, errors.New("statfs failed") }
	require.NoError(t, m.EnsureFree(context.Background(), 1<<40), "unknown free space does not block work")
}

func TestSweep_RemovesOnlyOldOrphans(t *testing.T) {
	m := newTestManager(t, 1000)

	live, err := m.AcquireScope("live-scope")
	require.NoError(t, err)

	old := time.Now().Add(-3 * time.Hour)
	for _, name := range []string{"orphan", "known-job", "live-scope"} {
		dir := filepath.Join(m.Root(), name)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "video.mp4"), []byte("0123456789"), 0o644))
		require.NoError(t, os.Chtimes(dir, old, old))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(m.Root(), "fresh-orphan"), 0o755))

	res, err := m.Sweep(context.Background(), SweepOptions{
		MaxAge: time.Hour,
		IsLive: func(id string) bool { return id == "known-job" },
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"orphan"}, res.Removed)
	assert.Equal(t, int64(10), res.BytesFreed)
	assert.NoDirExists(t, filepath.Join(m.Root(), "orphan"))
	assert.DirExists(t, filepath.Join(m.Root(), "known-job"))
	assert.DirExists(t, filepath.Join(m.Root(), "fresh-orphan"))
	assert.DirExists(t, live.Dir())
}

func TestSweep_DryRun(t *testing.T) {
	m := newTestManager(t, 1000)
	dir := filepath.Join(m.Root(), "orphan")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(dir, old, old))

	res, err := m.Sweep(context.Background(), SweepOptions{MaxAge: time.Minute, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"orphan"}, res.Removed)
	assert.DirExists(t, dir)
}

func TestSweepDir_PlainFilesAndLiveCheck(t *testing.T) {
	root := t.TempDir()
	old := time.Now().Add(-48 * time.Hour)
	for _, name := range []string{"stale.zip", "keep-me"} {
		p := filepath.Join(root, name)
		require.NoError(t, os.WriteFile(p, []byte("1234"), 0o644))
		require.NoError(t, os.Chtimes(p, old, old))
	}

	res, err := SweepDir(context.Background(), root, SweepOptions{
		MaxAge: 24 * time.Hour,
		IsLive: func(name string) bool { return name == "keep-me" },
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"stale.zip"}, res.Removed)
	assert.Equal(t, int64(4), res.BytesFreed)
	assert.FileExists(t, filepath.Join(root, "keep-me"))
}

func TestRunSweeper_StopsWithContext(t *testing.T) {
	m := newTestManager(t, 1000)
	dir := filepath.Join(m.Root(), "orphan")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(dir, old, old))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.RunSweeper(ctx, 5*time.Millisecond, SweepOptions{MaxAge: time.Minute})
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, err := os.Stat(dir)
		return os.IsNotExist(err)
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
