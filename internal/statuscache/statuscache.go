// Package statuscache mirrors job snapshots into Redis so external pollers
// (a chat bot front end, dashboards) can read job state without talking to
// the API.
package statuscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/heimdex/scenesplit/internal/jobs"
	"github.com/heimdex/scenesplit/internal/logging"
)

const (
	DefaultPrefix = "scenesplit:job:"
	DefaultTTL    = time.Hour
	writeTimeout  = 2 * time.Second
)

// Store is the key-value surface the mirror needs.
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// RedisStore implements Store with go-redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the server named by redisURL.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisStore{client: redis.NewClient(opts)}, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Source is what the mirror follows: an event stream plus snapshot lookup.
type Source interface {
	Subscribe() (<-chan jobs.Event, func())
	Status(ctx context.Context, jobID string) (jobs.Snapshot, error)
}

// Mirror copies snapshots into a Store.
type Mirror struct {
	store  Store
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

type Config struct {
	Prefix string
	// TTL bounds how long a snapshot survives after its last update.
	TTL    time.Duration
	Logger *slog.Logger
}

func NewMirror(store Store, cfg Config) *Mirror {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Mirror{store: store, prefix: cfg.Prefix, ttl: cfg.TTL, logger: logging.WithComponent(logger, "statuscache")}
}

// Key returns the store key for jobID.
func (m *Mirror) Key(jobID string) string {
	return m.prefix + jobID
}

// Put writes snap under its job key.
func (m *Mirror) Put(ctx context.Context, snap jobs.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return m.store.Set(ctx, m.Key(snap.ID), data, m.ttl)
}

// Get reads a mirrored snapshot. ok is false when nothing is stored.
func (m *Mirror) Get(ctx context.Context, jobID string) (snap jobs.Snapshot, ok bool, err error) {
	data, ok, err := m.store.Get(ctx, m.Key(jobID))
	if err != nil || !ok {
		return jobs.Snapshot{}, ok, err
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return jobs.Snapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, true, nil
}

// Run mirrors the latest snapshot of every job that emits an event until
// ctx is done. Store failures are logged and skipped.
func (m *Mirror) Run(ctx context.Context, src Source) {
	events, unsubscribe := src.Subscribe()
	defer unsubscribe()

	m.logger.Info("status mirror started")
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			m.sync(ctx, src, e.JobID)
		}
	}
}

func (m *Mirror) sync(ctx context.Context, src Source, jobID string) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	snap, err := src.Status(ctx, jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			if err := m.store.Delete(ctx, m.Key(jobID)); err != nil {
				m.logger.Warn("failed to drop mirrored status", "job_id", jobID, "error", err)
			}
			return
		}
		m.logger.Warn("failed to read job status", "job_id", jobID, "error", err)
		return
	}
	if err := m.Put(ctx, snap); err != nil {
		m.logger.Warn("failed to mirror job status", "job_id", jobID, "error", err)
	}
}
