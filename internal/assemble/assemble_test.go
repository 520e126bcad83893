package assemble

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heimdex/scenesplit/internal/failure"
	"github.com/heimdex/scenesplit/internal/media"
	"github.com/heimdex/scenesplit/internal/segment"
)

func okProber() *media.StubProber {
	return &media.StubProber{Default: &media.ProbeResult{Duration: 1, HasVideo: true}}
}

// writeSegments creates one file per planned range and returns both.
func writeSegments(t *testing.T, cuts []float64, duration float64) ([]segment.Segment, []segment.Range) {
	t.Helper()
	dir := t.TempDir()
	planned := segment.Plan(cuts, duration, segment.Spacing{})
	segments := make([]segment.Segment, 0, len(planned))
	for _, r := range planned {
		path := filepath.Join(dir, filepath.Base(segmentName(r.Index)))
		data := bytes.Repeat([]byte{byte(r.Index)}, 10*r.Index)
		require.NoError(t, os.WriteFile(path, data, 0o644))
		segments = append(segments, segment.Segment{Index: r.Index, Path: path, Start: r.Start, End: r.End, Size: int64(len(data))})
	}
	return segments, planned
}

func segmentName(i int) string {
	return DisplayName("", i, 3, ".mp4")
}

func TestAssemble_BuildsOrderedManifest(t *testing.T) {
	segments, planned := writeSegments(t, []float64{40, 120, 210}, 300)
	a := New(okProber(), nil)

	m, err := a.Assemble(context.Background(), Input{JobID: "job-1", FrameRate: 25, Segments: segments, Planned: planned})
	require.NoError(t, err)

	assert.Equal(t, "job-1", m.JobID)
	assert.Equal(t, 300.0, m.Duration)
	require.Len(t, m.Entries, 4)
	for i, e := range m.Entries {
		assert.Equal(t, i+1, e.Index)
		assert.Equal(t, segmentName(i+1), e.DisplayName)
		assert.Equal(t, e.End-e.Start, e.Duration)
		assert.Equal(t, int64(10*(i+1)), e.Size)
	}
	assert.Equal(t, int64(10+20+30+40), m.TotalSize())
}

func TestAssemble_TitlePrefix(t *testing.T) {
	segments, planned := writeSegments(t, nil, 10)
	m, err := New(okProber(), nil).Assemble(context.Background(), Input{
		JobID: "job-1", Title: "Summer trip!", Segments: segments, Planned: planned,
	})
	require.NoError(t, err)
	assert.Equal(t, "Summer_trip-scene-001.mp4", m.Entries[0].DisplayName)
}

func TestAssemble_RejectsEmptySegment(t *testing.T) {
	segments, planned := writeSegments(t, []float64{5}, 10)
	require.NoError(t, os.Truncate(segments[1].Path, 0))

	_, err := New(okProber(), nil).Assemble(context.Background(), Input{JobID: "j", Segments: segments, Planned: planned})
	require.Error(t, err)
	assert.Equal(t, failure.KindTranscodeFailed, failure.KindOf(err))
}

func TestAssemble_RejectsMissingSegment(t *testing.T) {
	segments, planned := writeSegments(t, []float64{5}, 10)
	require.NoError(t, os.Remove(segments[0].Path))

	_, err := New(okProber(), nil).Assemble(context.Background(), Input{JobID: "j", Segments: segments, Planned: planned})
	assert.Equal(t, failure.KindTranscodeFailed, failure.KindOf(err))
}

func TestAssemble_RejectsUnplayableSegment(t *testing.T) {
	segments, planned := writeSegments(t, nil, 10)
	prober := &media.StubProber{Err: errors.New("moov atom not found")}

	_, err := New(prober, nil).Assemble(context.Background(), Input{JobID: "j", Segments: segments, Planned: planned})
	require.Error(t, err)
	assert.Equal(t, failure.KindTranscodeFailed, failure.KindOf(err))
}

func TestVerify(t *testing.T) {
	planned := segment.Plan([]float64{10, 20}, 30, segment.Spacing{})
	good := []segment.Segment{
		{Index: 1, Start: 0, End: 10},
		{Index: 2, Start: 10, End: 20},
		{Index: 3, Start: 20, End: 30},
	}
	require.NoError(t, Verify(good, planned))

	tests := []struct {
		name   string
		mutate func([]segment.Segment) []segment.Segment
	}{
		{"missing scene", func(s []segment.Segment) []segment.Segment { return s[:2] }},
		{"out of order", func(s []segment.Segment) []segment.Segment {
			s[0], s[1] = s[1], s[0]
			return s
		}},
		{"gap", func(s []segment.Segment) []segment.Segment {
			s[1].Start = 11
			return s
		}},
		{"short end", func(s []segment.Segment) []segment.Segment {
			s[2].End = 29
			return s
		}},
		{"late start", func(s []segment.Segment) []segment.Segment {
			s[0].Start = 0.5
			return s
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			segs := tt.mutate(append([]segment.Segment(nil), good...))
			err := Verify(segs, planned)
			require.Error(t, err)
			assert.Equal(t, failure.KindTranscodeFailed, failure.KindOf(err))
		})
	}
}

func TestIndexWidthAndDisplayName(t *testing.T) {
	assert.Equal(t, 3, IndexWidth(1))
	assert.Equal(t, 3, IndexWidth(999))
	assert.Equal(t, 4, IndexWidth(1000))
	assert.Equal(t, "scene-0042.mkv", DisplayName("", 42, 4, ".MKV"))
	assert.Equal(t, "clip-scene-007.mp4", DisplayName("clip", 7, 3, ".mp4"))
}

func TestManifest_Batches(t *testing.T) {
	m := &Manifest{}
	for i := 1; i <= 25; i++ {
		m.Entries = append(m.Entries, Entry{Index: i})
	}

	batches := m.Batches(10)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 10)
	assert.Len(t, batches[2], 5)
	assert.Equal(t, 11, batches[1][0].Index)
	assert.Equal(t, 25, batches[2][4].Index)

	assert.Len(t, m.Batches(0), 1)
	assert.Empty(t, (&Manifest{}).Batches(10))
}

func TestManifest_Entry(t *testing.T) {
	m := &Manifest{Entries: []Entry{{Index: 1}, {Index: 2}}}
	e, ok := m.Entry(2)
	assert.True(t, ok)
	assert.Equal(t, 2, e.Index)
	_, ok = m.Entry(3)
	assert.False(t, ok)
	_, ok = m.Entry(0)
	assert.False(t, ok)
}

func assembled(t *testing.T) *Manifest {
	t.Helper()
	segments, planned := writeSegments(t, []float64{5, 8}, 12)
	m, err := New(okProber(), nil).Assemble(context.Background(), Input{JobID: "job-9", Segments: segments, Planned: planned})
	require.NoError(t, err)
	return m
}

func TestWriteArchive(t *testing.T) {
	m := assembled(t)

	var buf bytes.Buffer
	require.NoError(t, m.WriteArchive(context.Background(), &buf))

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	require.Len(t, zr.File, 4)

	for i, f := range zr.File[:3] {
		assert.Equal(t, m.Entries[i].DisplayName, f.Name)
		assert.Equal(t, zip.Store, f.Method)
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		assert.Len(t, data, int(m.Entries[i].Size))
	}

	assert.Equal(t, ManifestName, zr.File[3].Name)
	rc, err := zr.File[3].Open()
	require.NoError(t, err)
	defer rc.Close()
	var decoded Manifest
	require.NoError(t, json.NewDecoder(rc).Decode(&decoded))
	assert.Equal(t, "job-9", decoded.JobID)
	assert.Len(t, decoded.Entries, 3)
}

func TestWriteBatchArchive(t *testing.T) {
	m := assembled(t)

	var buf bytes.Buffer
	require.NoError(t, m.WriteBatchArchive(context.Background(), &buf, 2, 2))
	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	require.Len(t, zr.File, 2)
	assert.Equal(t, m.Entries[2].DisplayName, zr.File[0].Name)

	assert.Error(t, m.WriteBatchArchive(context.Background(), io.Discard, 2, 3))
}

func TestDirDeliverer_MovesScenesAndWritesManifest(t *testing.T) {
	m := assembled(t)
	root := filepath.Join(t.TempDir(), "outbox")
	d, err := NewDirDeliverer(root, nil)
	require.NoError(t, err)

	delivered, err := d.Deliver(context.Background(), m)
	require.NoError(t, err)
	require.Len(t, delivered.Entries, 3)

	for i, e := range delivered.Entries {
		assert.Equal(t, filepath.Join(root, "job-9", e.DisplayName), e.Path)
		assert.FileExists(t, e.Path)
		assert.NoFileExists(t, m.Entries[i].Path, "source file is moved, not copied")
	}

	loaded, err := d.Load("job-9")
	require.NoError(t, err)
	assert.Equal(t, delivered, loaded)
}

func TestDirDeliverer_Prune(t *testing.T) {
	root := t.TempDir()
	d, err := NewDirDeliverer(root, nil)
	require.NoError(t, err)

	old := filepath.Join(root, "old-job")
	keep := filepath.Join(root, "kept-job")
	fresh := filepath.Join(root, "fresh-job")
	for _, dir := range []string{old, keep, fresh} {
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "scene-001.mp4"), []byte("data"), 0o644))
	}
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))
	require.NoError(t, os.Chtimes(keep, past, past))

	res, err := d.Prune(context.Background(), time.Hour, func(id string) bool { return id == "kept-job" })
	require.NoError(t, err)
	assert.Equal(t, []string{"old-job"}, res.Removed)
	assert.NoDirExists(t, old)
	assert.DirExists(t, keep)
	assert.DirExists(t, fresh)
}
