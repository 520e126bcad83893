package statuscache

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heimdex/scenesplit/internal/jobs"
)

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
	ttls map[string]time.Duration
}

func newMemStore() *memStore {
	return &memStore{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (s *memStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	s.ttls[key] = ttl
	return nil
}

func (s *memStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *memStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *memStore) Ping(context.Context) error { return nil }

type fakeSource struct {
	events chan jobs.Event
	mu     sync.Mutex
	snaps  map[string]jobs.Snapshot
}

func (f *fakeSource) Subscribe() (<-chan jobs.Event, func()) {
	return f.events, func() {}
}

func (f *fakeSource) Status(_ context.Context, id string) (jobs.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snaps[id]
	if !ok {
		return jobs.Snapshot{}, jobs.ErrJobNotFound
	}
	return snap, nil
}

func (f *fakeSource) set(snap jobs.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps[snap.ID] = snap
}

func (f *fakeSource) drop(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.snaps, id)
}

func TestMirror_PutGet(t *testing.T) {
	store := newMemStore()
	m := NewMirror(store, Config{TTL: time.Minute})

	require.NoError(t, m.Put(context.Background(), jobs.Snapshot{ID: "j1", State: jobs.StateDetecting, Retries: 1}))

	snap, ok, err := m.Get(context.Background(), "j1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, jobs.StateDetecting, snap.State)
	assert.Equal(t, 1, snap.Retries)
	assert.Equal(t, time.Minute, store.ttls["scenesplit:job:j1"])

	_, ok, err = m.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMirror_RunFollowsEvents(t *testing.T) {
	store := newMemStore()
	m := NewMirror(store, Config{Prefix: "test:"})
	src := &fakeSource{events: make(chan jobs.Event, 4), snaps: map[string]jobs.Snapshot{}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, src)
		close(done)
	}()

	src.set(jobs.Snapshot{ID: "j1", State: jobs.StateSucceeded})
	src.events <- jobs.Event{JobID: "j1", State: jobs.StateSucceeded}

	require.Eventually(t, func() bool {
		snap, ok, _ := m.Get(context.Background(), "j1")
		return ok && snap.State == jobs.StateSucceeded
	}, time.Second, 5*time.Millisecond)

	src.drop("j1")
	src.events <- jobs.Event{JobID: "j1"}
	require.Eventually(t, func() bool {
		_, ok, _ := m.Get(context.Background(), "j1")
		return !ok
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("mirror did not stop")
	}
}

func TestNewRedisStore_RejectsBadURL(t *testing.T) {
	_, err := NewRedisStore("not a url")
	assert.Error(t, err)
}

func TestRedisStore_Roundtrip(t *testing.T) {
	url := os.Getenv("SCENESPLIT_TEST_REDIS_URL")
	if url == "" {
		t.Skip("SCENESPLIT_TEST_REDIS_URL not set")
	}
	store, err := NewRedisStore(url)
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()
	require.NoError(t, store.Ping(ctx))

	m := NewMirror(store, Config{Prefix: "scenesplit-test:", TTL: 10 * time.Second})
	require.NoError(t, m.Put(ctx, jobs.Snapshot{ID: "roundtrip", State: jobs.StateQueued, Position: 3}))
	defer store.Delete(ctx, m.Key("roundtrip"))

	snap, ok, err := m.Get(ctx, "roundtrip")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, snap.Position)
}
