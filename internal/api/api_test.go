package api

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heimdex/scenesplit/internal/assemble"
	"github.com/heimdex/scenesplit/internal/failure"
	"github.com/heimdex/scenesplit/internal/jobs"
	"github.com/heimdex/scenesplit/internal/logging"
	"github.com/heimdex/scenesplit/internal/media"
)

type fakeScheduler struct {
	mu        sync.Mutex
	submitted []jobs.Request
	uploaded  []byte
	submitErr error
	cancelErr error
	cancelled []string
	snaps     map[string]jobs.Snapshot
	events    []jobs.Event
	history   []jobs.Snapshot
	stats     jobs.Stats
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{snaps: map[string]jobs.Snapshot{}}
}

func (f *fakeScheduler) Submit(_ context.Context, req jobs.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, req)

	id := fmt.Sprintf("job-%d", len(f.submitted))
	snap := jobs.Snapshot{ID: id, Requester: req.Requester, State: jobs.StateQueued, Position: 1}
	if req.Source.Reader != nil {
		// Stands in for the acquisition stage draining the upload.
		f.uploaded, _ = io.ReadAll(req.Source.Reader)
		snap.State = jobs.StateDetecting
		snap.Position = 0
	}
	f.snaps[id] = snap
	return id, nil
}

func (f *fakeScheduler) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	snap, ok := f.snaps[id]
	if !ok {
		return jobs.ErrJobNotFound
	}
	f.cancelled = append(f.cancelled, id)
	snap.State = jobs.StateCancelled
	f.snaps[id] = snap
	return nil
}

func (f *fakeScheduler) Status(_ context.Context, id string) (jobs.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snaps[id]
	if !ok {
		return jobs.Snapshot{}, jobs.ErrJobNotFound
	}
	return snap, nil
}

func (f *fakeScheduler) List() []jobs.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]jobs.Snapshot, 0, len(f.snaps))
	for _, s := range f.snaps {
		out = append(out, s)
	}
	return out
}

func (f *fakeScheduler) History(_ context.Context, requester string, limit int) ([]jobs.Snapshot, error) {
	var out []jobs.Snapshot
	for _, s := range f.history {
		if requester == "" || s.Requester == requester {
			out = append(out, s)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeScheduler) EventsSince(seq uint64, id string) []jobs.Event {
	var out []jobs.Event
	for _, e := range f.events {
		if e.Seq > seq && (id == "" || e.JobID == id) {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeScheduler) WaitFor(ctx context.Context, id string, done func(jobs.Snapshot) bool) (jobs.Snapshot, error) {
	snap, err := f.Status(ctx, id)
	if err != nil || done(snap) {
		return snap, err
	}
	<-ctx.Done()
	return snap, ctx.Err()
}

func (f *fakeScheduler) Stats() jobs.Stats { return f.stats }

func (f *fakeScheduler) put(snap jobs.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps[snap.ID] = snap
}

type fakeStorage struct{ used, quota int64 }

func (s fakeStorage) Usage() int64    { return s.used }
func (s fakeStorage) Quota() int64    { return s.quota }
func (s fakeStorage) LiveScopes() int { return 1 }

type fakeDoctor struct{ caps *media.Capabilities }

func (d fakeDoctor) Get(context.Context) *media.Capabilities { return d.caps }

func newTestRouter(t *testing.T, sched *fakeScheduler, token string) http.Handler {
	t.Helper()
	return NewRouter(ServerConfig{
		Scheduler:     sched,
		Storage:       fakeStorage{used: 1 << 20, quota: 1 << 30},
		AuthToken:     token,
		MaxUploadSize: 1 << 20,
		Version:       "test",
	})
}

func do(t *testing.T, h http.Handler, method, target string, body io.Reader, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

// succeededJob writes three scene files and registers a finished job.
func succeededJob(t *testing.T, sched *fakeScheduler) *assemble.Manifest {
	t.Helper()
	dir := t.TempDir()
	m := &assemble.Manifest{JobID: "done", Title: "Summer trip", Duration: 30, FrameRate: 25}
	for i := 1; i <= 3; i++ {
		name := fmt.Sprintf("scene-%03d.mp4", i)
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(strings.Repeat(fmt.Sprint(i), 10)), 0o644))
		m.Entries = append(m.Entries, assemble.Entry{
			Index: i, DisplayName: name, Path: path,
			Start: float64(i-1) * 10, End: float64(i) * 10, Duration: 10, Size: 10,
		})
	}
	sched.put(jobs.Snapshot{ID: "done", State: jobs.StateSucceeded, Manifest: m})
	return m
}

func TestHealth_NoAuthRequired(t *testing.T) {
	h := newTestRouter(t, newFakeScheduler(), "secret")

	rr := do(t, h, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode[HealthResponse](t, rr)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "test", body.Version)
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
}

func TestAuth(t *testing.T) {
	h := newTestRouter(t, newFakeScheduler(), "secret")

	tests := []struct {
		name   string
		header map[string]string
		want   int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"not bearer", map[string]string{"Authorization": "Basic abc"}, http.StatusUnauthorized},
		{"wrong token", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"valid", map[string]string{"Authorization": "Bearer secret"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, h, http.MethodGet, "/v1/jobs", nil, tt.header)
			assert.Equal(t, tt.want, rr.Code)
		})
	}
}

func TestAuth_DisabledWithoutToken(t *testing.T) {
	h := newTestRouter(t, newFakeScheduler(), "")
	rr := do(t, h, http.MethodGet, "/v1/jobs", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRequestID_PropagatesClientValue(t *testing.T) {
	h := newTestRouter(t, newFakeScheduler(), "")
	rr := do(t, h, http.MethodGet, "/health", nil, map[string]string{"X-Request-ID": "abc123"})
	assert.Equal(t, "abc123", rr.Header().Get("X-Request-ID"))
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(logging.Discard())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rr := do(t, h, http.MethodGet, "/", nil, nil)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "INTERNAL_ERROR", decode[ErrorResponse](t, rr).Code)
}

func TestSubmitURL(t *testing.T) {
	sched := newFakeScheduler()
	h := newTestRouter(t, sched, "")

	body := `{"url":"https://example.com/v.mp4","requester":"alice","min_scene_length":3,"threshold":20}`
	rr := do(t, h, http.MethodPost, "/v1/jobs", strings.NewReader(body), map[string]string{"Content-Type": "application/json"})

	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	resp := decode[SubmitResponse](t, rr)
	assert.Equal(t, "job-1", resp.JobID)
	assert.Equal(t, jobs.StateQueued, resp.State)
	assert.Equal(t, 1, resp.Position)

	require.Len(t, sched.submitted, 1)
	req := sched.submitted[0]
	assert.Equal(t, "https://example.com/v.mp4", req.Source.URL)
	assert.Equal(t, "alice", req.Requester)
	assert.Equal(t, 3.0, req.Params.MinSceneLength)
	assert.Equal(t, 20.0, req.Params.Threshold)
}

func TestSubmitURL_BadRequests(t *testing.T) {
	h := newTestRouter(t, newFakeScheduler(), "")

	rr := do(t, h, http.MethodPost, "/v1/jobs", strings.NewReader(`{"requester":"a"}`), nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/v1/jobs", strings.NewReader(`{`), nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/v1/jobs", strings.NewReader("x"), map[string]string{"Content-Type": "text/plain"})
	assert.Equal(t, http.StatusUnsupportedMediaType, rr.Code)
}

func TestSubmit_MapsFailureKinds(t *testing.T) {
	tests := []struct {
		err  error
		want int
		code string
	}{
		{failure.New(failure.KindInvalidParams, "threshold must be positive"), http.StatusBadRequest, "INVALID_PARAMS"},
		{failure.New(failure.KindUnsupportedSource, "ftp"), http.StatusBadRequest, "UNSUPPORTED_SOURCE"},
		{jobs.ErrSchedulerStopped, http.StatusServiceUnavailable, "UNAVAILABLE"},
		{fmt.Errorf("boom"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tt := range tests {
		sched := newFakeScheduler()
		sched.submitErr = tt.err
		h := newTestRouter(t, sched, "")

		rr := do(t, h, http.MethodPost, "/v1/jobs", strings.NewReader(`{"url":"https://example.com/v.mp4"}`), nil)
		assert.Equal(t, tt.want, rr.Code, tt.code)
		assert.Equal(t, tt.code, decode[ErrorResponse](t, rr).Code)
	}
}

func multipartBody(t *testing.T, fields map[string]string, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestSubmitUpload_StreamsFileIntoJob(t *testing.T) {
	sched := newFakeScheduler()
	h := newTestRouter(t, sched, "")

	content := bytes.Repeat([]byte("v"), 4096)
	body, ct := multipartBody(t, map[string]string{"requester": "bob", "min_scene_length": "1.5"}, "clip.mp4", content)
	rr := do(t, h, http.MethodPost, "/v1/jobs", body, map[string]string{"Content-Type": ct})

	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	resp := decode[SubmitResponse](t, rr)
	assert.Equal(t, jobs.StateDetecting, resp.State)

	require.Len(t, sched.submitted, 1)
	assert.Equal(t, "bob", sched.submitted[0].Requester)
	assert.Equal(t, 1.5, sched.submitted[0].Params.MinSceneLength)
	assert.Equal(t, "clip.mp4", sched.submitted[0].Source.Filename)
	assert.Equal(t, content, sched.uploaded)
}

func TestSubmitUpload_Rejections(t *testing.T) {
	h := newTestRouter(t, newFakeScheduler(), "")

	body, ct := multipartBody(t, map[string]string{"requester": "bob"}, "", nil)
	rr := do(t, h, http.MethodPost, "/v1/jobs", body, map[string]string{"Content-Type": ct})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "file part is required")

	body, ct = multipartBody(t, map[string]string{"threshold": "high"}, "clip.mp4", []byte("x"))
	rr = do(t, h, http.MethodPost, "/v1/jobs", body, map[string]string{"Content-Type": ct})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "INVALID_PARAMS", decode[ErrorResponse](t, rr).Code)
}

func TestUploadConsumed(t *testing.T) {
	assert.False(t, uploadConsumed(jobs.Snapshot{State: jobs.StateQueued}))
	assert.False(t, uploadConsumed(jobs.Snapshot{State: jobs.StateAcquiring}))
	assert.True(t, uploadConsumed(jobs.Snapshot{State: jobs.StateDetecting}))
	assert.True(t, uploadConsumed(jobs.Snapshot{State: jobs.StateFailed}))
}

func TestJobLookup(t *testing.T) {
	sched := newFakeScheduler()
	sched.put(jobs.Snapshot{ID: "a", Requester: "alice", State: jobs.StateSegmenting})
	sched.put(jobs.Snapshot{ID: "b", Requester: "bob", State: jobs.StateQueued})
	sched.history = []jobs.Snapshot{{ID: "old", Requester: "alice", State: jobs.StateSucceeded}}
	h := newTestRouter(t, sched, "")

	rr := do(t, h, http.MethodGet, "/v1/jobs/a", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, jobs.StateSegmenting, decode[jobs.Snapshot](t, rr).State)

	rr = do(t, h, http.MethodGet, "/v1/jobs/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, h, http.MethodGet, "/v1/jobs?requester=alice", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	live := decode[JobsResponse](t, rr)
	require.Len(t, live.Jobs, 1)
	assert.Equal(t, "a", live.Jobs[0].ID)

	rr = do(t, h, http.MethodGet, "/v1/jobs?history=true&requester=alice&limit=5", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	hist := decode[JobsResponse](t, rr)
	require.Len(t, hist.Jobs, 1)
	assert.Equal(t, "old", hist.Jobs[0].ID)

	rr = do(t, h, http.MethodGet, "/v1/jobs?history=true&limit=0", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCancel(t *testing.T) {
	sched := newFakeScheduler()
	sched.put(jobs.Snapshot{ID: "a", State: jobs.StateQueued})
	h := newTestRouter(t, sched, "")

	rr := do(t, h, http.MethodDelete, "/v1/jobs/a", nil, nil)
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, jobs.StateCancelled, decode[jobs.Snapshot](t, rr).State)
	assert.Equal(t, []string{"a"}, sched.cancelled)

	rr = do(t, h, http.MethodDelete, "/v1/jobs/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	sched.cancelErr = jobs.ErrAlreadyFinished
	rr = do(t, h, http.MethodDelete, "/v1/jobs/a", nil, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "ALREADY_FINISHED", decode[ErrorResponse](t, rr).Code)
}

func TestEvents(t *testing.T) {
	sched := newFakeScheduler()
	sched.put(jobs.Snapshot{ID: "a", State: jobs.StateDetecting})
	sched.events = []jobs.Event{
		{Seq: 1, JobID: "a", State: jobs.StateQueued},
		{Seq: 2, JobID: "b", State: jobs.StateQueued},
		{Seq: 3, JobID: "a", State: jobs.StateAcquiring},
		{Seq: 4, JobID: "a", State: jobs.StateDetecting},
	}
	h := newTestRouter(t, sched, "")

	rr := do(t, h, http.MethodGet, "/v1/jobs/a/events?since=1", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[EventsResponse](t, rr)
	require.Len(t, resp.Events, 2)
	assert.Equal(t, uint64(4), resp.Next)

	rr = do(t, h, http.MethodGet, "/v1/jobs/a/events?since=4", nil, nil)
	resp = decode[EventsResponse](t, rr)
	assert.Empty(t, resp.Events)
	assert.Equal(t, uint64(4), resp.Next)
	assert.Contains(t, rr.Body.String(), `"events":[]`)

	rr = do(t, h, http.MethodGet, "/v1/jobs/a/events?since=-1", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodGet, "/v1/jobs/zzz/events", nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestOutput_NotReady(t *testing.T) {
	sched := newFakeScheduler()
	sched.put(jobs.Snapshot{ID: "run", State: jobs.StateSegmenting})
	sched.put(jobs.Snapshot{ID: "bad", State: jobs.StateFailed})
	h := newTestRouter(t, sched, "")

	rr := do(t, h, http.MethodGet, "/v1/jobs/run/manifest", nil, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "NOT_READY", decode[ErrorResponse](t, rr).Code)

	rr = do(t, h, http.MethodGet, "/v1/jobs/bad/scenes/1", nil, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "NO_OUTPUT", decode[ErrorResponse](t, rr).Code)
}

func TestManifestAndScenes(t *testing.T) {
	sched := newFakeScheduler()
	m := succeededJob(t, sched)
	h := newTestRouter(t, sched, "")

	rr := do(t, h, http.MethodGet, "/v1/jobs/done/manifest", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	got := decode[assemble.Manifest](t, rr)
	require.Len(t, got.Entries, 3)
	assert.Equal(t, "scene-002.mp4", got.Entries[1].DisplayName)

	rr = do(t, h, http.MethodGet, "/v1/jobs/done/scenes/2", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "2222222222", rr.Body.String())
	assert.Equal(t, "bytes", rr.Header().Get("Accept-Ranges"))
	assert.Contains(t, rr.Header().Get("Content-Disposition"), "scene-002.mp4")

	rr = do(t, h, http.MethodGet, "/v1/jobs/done/scenes/3", nil, map[string]string{"Range": "bytes=2-4"})
	require.Equal(t, http.StatusPartialContent, rr.Code)
	assert.Equal(t, "333", rr.Body.String())
	assert.Equal(t, "bytes 2-4/10", rr.Header().Get("Content-Range"))

	rr = do(t, h, http.MethodGet, "/v1/jobs/done/scenes/1", nil, map[string]string{"Range": "bytes=50-"})
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, rr.Code)
	assert.Equal(t, "bytes */10", rr.Header().Get("Content-Range"))

	rr = do(t, h, http.MethodGet, "/v1/jobs/done/scenes/4", nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, h, http.MethodGet, "/v1/jobs/done/scenes/x", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	require.NoError(t, os.Remove(m.Entries[0].Path))
	rr = do(t, h, http.MethodGet, "/v1/jobs/done/scenes/1", nil, nil)
	assert.Equal(t, http.StatusGone, rr.Code)
}

func readZip(t *testing.T, data []byte) []string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	return names
}

func TestArchive(t *testing.T) {
	sched := newFakeScheduler()
	succeededJob(t, sched)
	h := newTestRouter(t, sched, "")

	rr := do(t, h, http.MethodGet, "/v1/jobs/done/archive", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/zip", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Header().Get("Content-Disposition"), "Summer_trip-scenes.zip")
	assert.Equal(t, []string{"scene-001.mp4", "scene-002.mp4", "scene-003.mp4", assemble.ManifestName}, readZip(t, rr.Body.Bytes()))

	rr = do(t, h, http.MethodGet, "/v1/jobs/done/archive?size=2&batch=2", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Disposition"), "part2")
	assert.Equal(t, []string{"scene-003.mp4", assemble.ManifestName}, readZip(t, rr.Body.Bytes()))

	rr = do(t, h, http.MethodGet, "/v1/jobs/done/archive?size=2&batch=3", nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, h, http.MethodGet, "/v1/jobs/done/archive?batch=1", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestEDL(t *testing.T) {
	sched := newFakeScheduler()
	succeededJob(t, sched)
	h := newTestRouter(t, sched, "")

	rr := do(t, h, http.MethodGet, "/v1/jobs/done/edl", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.HasPrefix(rr.Body.String(), "TITLE: Summer trip"), rr.Body.String())
	assert.Contains(t, rr.Body.String(), "* FROM CLIP NAME:  scene-003.mp4")
}

func TestStatus(t *testing.T) {
	sched := newFakeScheduler()
	sched.stats = jobs.Stats{Workers: 2, PerRequester: 1, Running: 2, Queued: 3, Live: 5}

	h := NewRouter(ServerConfig{
		Scheduler: sched,
		Storage:   fakeStorage{used: 1 << 20, quota: 1 << 30},
		Doctor:    fakeDoctor{caps: &media.Capabilities{CanSplit: true}},
	})

	rr := do(t, h, http.MethodGet, "/v1/status", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[StatusResponse](t, rr)
	assert.Equal(t, "saturated", resp.State)
	assert.Equal(t, 3, resp.Jobs.Queued)
	require.NotNil(t, resp.Storage)
	assert.Equal(t, "1.0 MiB", resp.Storage.Used)
	assert.Equal(t, "1.0 GiB", resp.Storage.Quota)
	require.NotNil(t, resp.Tools)
	assert.True(t, resp.Tools.CanSplit)

	sched.stats = jobs.Stats{Workers: 2}
	rr = do(t, h, http.MethodGet, "/v1/status", nil, nil)
	assert.Equal(t, "idle", decode[StatusResponse](t, rr).State)
}
