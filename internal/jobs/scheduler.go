package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/heimdex/scenesplit/internal/acquire"
	"github.com/heimdex/scenesplit/internal/assemble"
	"github.com/heimdex/scenesplit/internal/detect"
	"github.com/heimdex/scenesplit/internal/failure"
	"github.com/heimdex/scenesplit/internal/logging"
	"github.com/heimdex/scenesplit/internal/segment"
	"github.com/heimdex/scenesplit/internal/storage"
)

const (
	defaultRecordGrace = 10 * time.Minute
	persistTimeout     = 5 * time.Second
	waitPollInterval   = time.Second
)

// Config holds the scheduling policy.
type Config struct {
	// Workers is the global cap on jobs past Queued.
	Workers int
	// PerRequester caps running jobs per requester. Defaults to Workers.
	PerRequester int

	MaxVideoSize int64
	Defaults     detect.Params

	AcquireTimeout  time.Duration
	DetectTimeout   time.Duration
	SegmentTimeout  time.Duration
	AssembleTimeout time.Duration

	// RecordGrace is how long a finished job stays in memory. History
	// remains available from the repository afterwards.
	RecordGrace time.Duration

	Logger *slog.Logger
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers      int            `json:"workers"`
	PerRequester int            `json:"per_requester"`
	Running      int            `json:"running"`
	Queued       int            `json:"queued"`
	Live         int            `json:"live"`
	Requesters   map[string]int `json:"requesters,omitempty"`
}

type Option func(*Scheduler)

// WithRepository records job history in repo.
func WithRepository(repo Repository) Option {
	return func(s *Scheduler) { s.repo = repo }
}

// WithEventBus publishes events on bus instead of a private one.
func WithEventBus(bus *EventBus) Option {
	return func(s *Scheduler) { s.bus = bus }
}

// Scheduler admits jobs FIFO into a fixed worker pool and drives each one
// through Acquire, Detect, Segment and Assemble.
type Scheduler struct {
	cfg     Config
	stages  Stages
	storage *storage.Manager
	repo    Repository
	bus     *EventBus
	logger  *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	jobs    map[string]*Job
	queue   []*Job
	running map[string]int
	active  int
	started bool
	stopped bool
	wg      sync.WaitGroup
}

func New(store *storage.Manager, stages Stages, cfg Config, opts ...Option) (*Scheduler, error) {
	if store == nil {
		return nil, errors.New("storage manager is required")
	}
	if stages.Acquirer == nil || stages.Detector == nil || stages.Segmenter == nil || stages.Assembler == nil || stages.Deliverer == nil {
		return nil, errors.New("all pipeline stages are required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PerRequester <= 0 || cfg.PerRequester > cfg.Workers {
		cfg.PerRequester = cfg.Workers
	}
	if cfg.RecordGrace <= 0 {
		cfg.RecordGrace = defaultRecordGrace
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	s := &Scheduler{
		cfg:     cfg,
		stages:  stages,
		storage: store,
		logger:  logging.WithComponent(logger, "scheduler"),
		jobs:    make(map[string]*Job),
		running: make(map[string]int),
	}
	s.cond = sync.NewCond(&s.mu)
	for _, opt := range opts {
		opt(s)
	}
	if s.bus == nil {
		s.bus = NewEventBus(0)
	}
	return s, nil
}

// Start launches the workers. They stop when ctx is done; running jobs are
// cancelled and queued jobs are dropped as cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	if s.stopped {
		return ErrSchedulerStopped
	}
	s.started = true

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	go func() {
		<-ctx.Done()
		s.shutdown()
	}()

	s.logger.Info("scheduler started", "workers", s.cfg.Workers, "per_requester", s.cfg.PerRequester)
	return nil
}

// Wait blocks until every worker has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) shutdown() {
	s.mu.Lock()
	s.stopped = true
	dropped := s.queue
	s.queue = nil
	var records []*Record
	for _, j := range dropped {
		s.finishQueuedLocked(j, "service shutting down")
		records = append(records, s.recordLocked(j))
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	for i, rec := range records {
		s.persistFinish(rec, nil)
		s.retire(dropped[i])
	}
	if len(dropped) > 0 {
		s.logger.Info("dropped queued jobs on shutdown", "count", len(dropped))
	}
}

// Submit validates req, queues a job for it and returns the job id.
func (s *Scheduler) Submit(ctx context.Context, req Request) (string, error) {
	params := req.Params.WithDefaults(s.cfg.Defaults)
	if err := params.Validate(); err != nil {
		return "", failure.AtStage(failure.StageIntake, err)
	}
	if err := req.Source.Validate(); err != nil {
		return "", failure.AtStage(failure.StageIntake, err)
	}
	requester := req.Requester
	if requester == "" {
		requester = "anonymous"
	}

	now := time.Now().UTC()
	j := &Job{
		ID:        NewID(),
		Requester: requester,
		Source:    req.Source,
		Params:    params,
		State:     StateQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return "", ErrSchedulerStopped
	}
	rec := s.recordLocked(j)
	s.mu.Unlock()

	// The history row exists before any worker can touch the job.
	s.persistCreate(ctx, rec)

	s.mu.Lock()
	if s.stopped {
		s.finishQueuedLocked(j, "service shutting down")
		rec := s.recordLocked(j)
		s.mu.Unlock()
		s.persistFinish(rec, nil)
		return "", ErrSchedulerStopped
	}
	s.jobs[j.ID] = j
	s.queue = append(s.queue, j)
	position := len(s.queue)
	s.emitLocked(j, fmt.Sprintf("queued at position %d", position))
	s.cond.Broadcast()
	s.mu.Unlock()

	s.logger.Info("job submitted",
		"job_id", j.ID,
		"requester", requester,
		"source", req.Source.Describe(),
		"position", position,
		"min_scene_length", params.MinSceneLength,
		"threshold", params.Threshold,
	)
	return j.ID, nil
}

// Cancel stops a job. A queued job is cancelled immediately; a running job's
// context is cancelled and the worker finishes it as Cancelled after
// cleaning up.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return s.cancelUnknown(ctx, jobID)
	}
	if j.State.Terminal() {
		s.mu.Unlock()
		return ErrAlreadyFinished
	}

	// A worker that popped the job owns it from then on, even before it
	// leaves Queued.
	if j.State == StateQueued && j.cancel == nil {
		s.removeQueuedLocked(j)
		s.finishQueuedLocked(j, "cancelled by requester")
		s.publishPositionsLocked()
		rec := s.recordLocked(j)
		s.mu.Unlock()

		s.persistFinish(rec, nil)
		s.retire(j)
		s.logger.Info("queued job cancelled", "job_id", jobID)
		return nil
	}

	if j.cancel != nil {
		j.cancel()
	}
	s.mu.Unlock()
	s.logger.Info("cancellation requested", "job_id", jobID)
	return nil
}

func (s *Scheduler) cancelUnknown(ctx context.Context, jobID string) error {
	if s.repo == nil {
		return ErrJobNotFound
	}
	rec, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if rec == nil {
		return ErrJobNotFound
	}
	return ErrAlreadyFinished
}

// Status returns the job's current snapshot, falling back to history for
// retired jobs.
func (s *Scheduler) Status(ctx context.Context, jobID string) (Snapshot, error) {
	s.mu.Lock()
	if j, ok := s.jobs[jobID]; ok {
		snap := j.snapshot(s.positionLocked(j))
		s.mu.Unlock()
		return snap, nil
	}
	s.mu.Unlock()

	if s.repo == nil {
		return Snapshot{}, ErrJobNotFound
	}
	rec, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load job: %w", err)
	}
	if rec == nil {
		return Snapshot{}, ErrJobNotFound
	}
	entries, err := s.repo.GetSegments(ctx, jobID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load segments: %w", err)
	}
	return rec.Snapshot(entries), nil
}

// List returns snapshots of every job still held in memory, oldest first.
func (s *Scheduler) List() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Snapshot, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.snapshot(s.positionLocked(j)))
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out
}

// History lists persisted jobs, newest first.
func (s *Scheduler) History(ctx context.Context, requester string, limit int) ([]Snapshot, error) {
	if s.repo == nil {
		return nil, nil
	}
	records, err := s.repo.ListJobs(ctx, requester, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Snapshot(nil))
	}
	return out, nil
}

// Position returns the 1-based queue position of a queued job, or 0.
func (s *Scheduler) Position(jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return 0, ErrJobNotFound
	}
	return s.positionLocked(j), nil
}

// IsLive reports whether jobID is still held in memory.
func (s *Scheduler) IsLive(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[jobID]
	return ok
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Workers:      s.cfg.Workers,
		PerRequester: s.cfg.PerRequester,
		Running:      s.active,
		Queued:       len(s.queue),
		Live:         len(s.jobs),
		Requesters:   make(map[string]int, len(s.running)),
	}
	for r, n := range s.running {
		st.Requesters[r] = n
	}
	return st
}

// Subscribe streams every future event.
func (s *Scheduler) Subscribe() (<-chan Event, func()) {
	return s.bus.Subscribe()
}

// EventsSince returns retained events after seq, optionally for one job.
func (s *Scheduler) EventsSince(seq uint64, jobID string) []Event {
	return s.bus.Since(seq, jobID)
}

// WaitFor blocks until the job's snapshot satisfies done or ctx ends.
func (s *Scheduler) WaitFor(ctx context.Context, jobID string, done func(Snapshot) bool) (Snapshot, error) {
	events, unsubscribe := s.bus.Subscribe()
	defer unsubscribe()

	snap, err := s.Status(ctx, jobID)
	if err != nil || done(snap) {
		return snap, err
	}

	// Events can be dropped for a slow subscriber; the ticker bounds the wait.
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case e := <-events:
			if e.JobID != jobID {
				continue
			}
		case <-ticker.C:
		}
		if snap, err = s.Status(ctx, jobID); err != nil || done(snap) {
			return snap, err
		}
	}
}

// Finished is a WaitFor condition matching terminal states.
func Finished(s Snapshot) bool { return s.State.Terminal() }

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		var j *Job
		for {
			if s.stopped {
				s.mu.Unlock()
				return
			}
			if j = s.nextLocked(); j != nil {
				break
			}
			s.cond.Wait()
		}
		jobCtx, cancel := context.WithCancel(ctx)
		j.cancel = cancel
		s.running[j.Requester]++
		s.active++
		s.publishPositionsLocked()
		s.mu.Unlock()

		s.process(jobCtx, j)
		cancel()
	}
}

// nextLocked pops the oldest queued job whose requester is under its cap.
// Jobs of saturated requesters keep their place.
func (s *Scheduler) nextLocked() *Job {
	for i, j := range s.queue {
		if s.running[j.Requester] < s.cfg.PerRequester {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return j
		}
	}
	return nil
}

func (s *Scheduler) process(ctx context.Context, j *Job) {
	logger := logging.WithJob(s.logger, j.ID, j.Requester)
	start := time.Now()
	manifest, err := s.execute(ctx, j, logger)
	s.finish(j, manifest, err, logger, time.Since(start))
}

func (s *Scheduler) execute(ctx context.Context, j *Job, logger *slog.Logger) (*assemble.Manifest, error) {
	scope, err := s.storage.AcquireScope(j.ID)
	if err != nil {
		return nil, failure.AtStage(failure.StageScheduling, err)
	}
	s.mu.Lock()
	j.scope = scope
	s.mu.Unlock()

	var src *acquire.Result
	err = s.runStage(ctx, j, StateAcquiring, failure.StageAcquire, s.cfg.AcquireTimeout, func(ctx context.Context) error {
		var err error
		src, err = s.stages.Acquirer.Acquire(ctx, j.Source, scope, s.cfg.MaxVideoSize,
			acquire.WithRetryHook(func(reason string, err error) {
				logger.Warn("acquisition retry", "via", reason, "error", err)
				s.noteRetry(j, "download failed, retrying with "+reason)
			}))
		return err
	})
	if err != nil {
		return nil, err
	}

	var found *detect.Result
	err = s.runStage(ctx, j, StateDetecting, failure.StageDetect, s.cfg.DetectTimeout, func(ctx context.Context) error {
		var err error
		found, err = s.stages.Detector.Detect(ctx, src.Path, j.Params)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	j.Cuts = found.Cuts
	j.Duration = found.Duration
	s.mu.Unlock()

	policy := found.Policy.Resolve(j.Params.MinSceneLength)
	spacing := segment.Spacing{EdgeMargin: policy.EdgeMargin, MinGap: policy.MergeGap}

	var segments []segment.Segment
	err = s.runStage(ctx, j, StateSegmenting, failure.StageSegment, s.cfg.SegmentTimeout, func(ctx context.Context) error {
		var err error
		segments, err = s.stages.Segmenter.Segment(ctx, src.Path, found.Cuts, found.Duration, spacing, scope,
			segment.WithRetryHook(func(index int, err error) {
				logger.Warn("segment retry", "index", index, "error", err)
				s.noteRetry(j, fmt.Sprintf("scene %d failed, retrying", index))
			}))
		return err
	})
	if err != nil {
		return nil, err
	}

	var delivered *assemble.Manifest
	err = s.runStage(ctx, j, StateAssembling, failure.StageAssemble, s.cfg.AssembleTimeout, func(ctx context.Context) error {
		m, err := s.stages.Assembler.Assemble(ctx, assemble.Input{
			JobID:     j.ID,
			Title:     j.Source.Title(),
			FrameRate: found.FrameRate,
			Segments:  segments,
			Planned:   segment.Plan(found.Cuts, found.Duration, spacing),
		})
		if err != nil {
			return err
		}
		delivered, err = s.stages.Deliverer.Deliver(ctx, m)
		return failure.AtStage(failure.StageDeliver, err)
	})
	if err != nil {
		return nil, err
	}
	return delivered, nil
}

// runStage moves j into state and runs fn under the stage timeout. A stage
// that overruns its budget fails as InternalTimeout, or DetectionTimedOut
// for detection.
func (s *Scheduler) runStage(ctx context.Context, j *Job, state State, stage failure.Stage, timeout time.Duration, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return failure.AtStage(stage, err)
	}
	if !s.transition(j, state) {
		return failure.AtStage(stage, fmt.Errorf("job cannot enter %s", state))
	}

	stageCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		stageCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	err := fn(stageCtx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return failure.AtStage(stage, ctx.Err())
	}
	if errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
		switch failure.KindOf(err) {
		case failure.KindInternal, failure.KindInternalTimeout, failure.KindCancelled:
			kind := failure.KindInternalTimeout
			if stage == failure.StageDetect {
				kind = failure.KindDetectionTimedOut
			}
			return &failure.Error{Kind: kind, Stage: stage, Err: fmt.Errorf("%s exceeded %s: %w", stage, timeout, err)}
		}
	}
	return failure.AtStage(stage, err)
}

func (s *Scheduler) transition(j *Job, to State) bool {
	s.mu.Lock()
	if !CanTransition(j.State, to) {
		from := j.State
		s.mu.Unlock()
		s.logger.Warn("rejected state transition", "job_id", j.ID, "from", from, "to", to)
		return false
	}
	j.State = to
	j.UpdatedAt = time.Now().UTC()
	s.emitLocked(j, "")
	retries := j.Retries
	s.mu.Unlock()

	s.persistState(j.ID, to, retries)
	return true
}

func (s *Scheduler) noteRetry(j *Job, message string) {
	s.mu.Lock()
	j.Retries++
	j.UpdatedAt = time.Now().UTC()
	s.emitLocked(j, message)
	s.mu.Unlock()
}

// finish releases the job's storage before the terminal state becomes
// visible, so observers of a terminal event never see its scope on disk.
func (s *Scheduler) finish(j *Job, manifest *assemble.Manifest, err error, logger *slog.Logger, elapsed time.Duration) {
	s.mu.Lock()
	scope := j.scope
	s.mu.Unlock()
	if scope != nil {
		if rerr := scope.Release(); rerr != nil {
			logger.Error("failed to release job storage", "error", rerr)
		}
	}

	state := StateSucceeded
	if err != nil {
		state = StateFailed
		if failure.KindOf(err) == failure.KindCancelled {
			state = StateCancelled
		}
	}

	now := time.Now().UTC()
	s.mu.Lock()
	j.scope = nil
	s.running[j.Requester]--
	if s.running[j.Requester] <= 0 {
		delete(s.running, j.Requester)
	}
	s.active--
	if j.State.Terminal() {
		// Terminal states are final; keep the first outcome.
		prev := j.State
		s.cond.Broadcast()
		s.mu.Unlock()
		logger.Warn("job already finished, dropping late outcome", "state", prev, "outcome", state, "error", err)
		return
	}
	j.State = state
	j.Err = err
	j.Manifest = manifest
	j.UpdatedAt = now
	j.FinishedAt = now

	var message string
	switch state {
	case StateSucceeded:
		message = fmt.Sprintf("split into %d scenes", len(manifest.Entries))
	default:
		message = failure.UserMessage(failure.KindOf(err))
	}
	s.emitLocked(j, message)
	rec := s.recordLocked(j)
	s.cond.Broadcast()
	s.mu.Unlock()

	var entries []assemble.Entry
	if manifest != nil {
		entries = manifest.Entries
	}
	s.persistFinish(rec, entries)
	s.retire(j)

	switch state {
	case StateSucceeded:
		logger.Info("job succeeded", "scenes", len(manifest.Entries), "retries", rec.Retries, "elapsed_ms", elapsed.Milliseconds())
	case StateCancelled:
		logger.Info("job cancelled", "stage", failure.StageOf(err), "elapsed_ms", elapsed.Milliseconds())
	default:
		logger.Error("job failed",
			"kind", failure.KindOf(err),
			"stage", failure.StageOf(err),
			"retries", rec.Retries,
			"error", err,
			"elapsed_ms", elapsed.Milliseconds(),
		)
	}
}

func (s *Scheduler) finishQueuedLocked(j *Job, reason string) {
	now := time.Now().UTC()
	j.State = StateCancelled
	j.Err = &failure.Error{Kind: failure.KindCancelled, Stage: failure.StageScheduling, Err: errors.New(reason)}
	j.UpdatedAt = now
	j.FinishedAt = now
	s.emitLocked(j, reason)
}

func (s *Scheduler) removeQueuedLocked(j *Job) {
	for i, q := range s.queue {
		if q == j {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) positionLocked(j *Job) int {
	if j.State != StateQueued {
		return 0
	}
	for i, q := range s.queue {
		if q == j {
			return i + 1
		}
	}
	return 0
}

// publishPositionsLocked records every queued job's new position after the
// queue shrank. Positions reach pollers only; live subscribers get state
// changes.
func (s *Scheduler) publishPositionsLocked() {
	for i, j := range s.queue {
		s.bus.Record(Event{
			JobID:     j.ID,
			Requester: j.Requester,
			State:     j.State,
			Position:  i + 1,
			Message:   fmt.Sprintf("queue position %d", i+1),
		})
	}
}

func (s *Scheduler) emitLocked(j *Job, message string) {
	e := Event{
		JobID:     j.ID,
		Requester: j.Requester,
		State:     j.State,
		Position:  s.positionLocked(j),
		Retries:   j.Retries,
		Message:   message,
	}
	if j.Err != nil && j.State == StateFailed {
		e.ErrorKind = failure.KindOf(j.Err)
		e.Stage = failure.StageOf(j.Err)
	}
	s.bus.Publish(e)
}

func (s *Scheduler) recordLocked(j *Job) *Record {
	rec := &Record{
		ID:         j.ID,
		Requester:  j.Requester,
		SourceKind: j.Source.Kind,
		Source:     j.Source.Describe(),
		Title:      j.Source.Title(),
		Params:     j.Params,
		State:      j.State,
		Retries:    j.Retries,
		Duration:   j.Duration,
		Cuts:       j.Cuts,
		CreatedAt:  j.CreatedAt,
		UpdatedAt:  j.UpdatedAt,
		FinishedAt: j.FinishedAt,
	}
	if j.Err != nil {
		rec.ErrorKind = failure.KindOf(j.Err)
		rec.Stage = failure.StageOf(j.Err)
		rec.Error = j.Err.Error()
	}
	return rec
}

func (s *Scheduler) retire(j *Job) {
	time.AfterFunc(s.cfg.RecordGrace, func() {
		s.mu.Lock()
		if cur, ok := s.jobs[j.ID]; ok && cur == j {
			delete(s.jobs, j.ID)
		}
		s.mu.Unlock()
	})
}

func (s *Scheduler) persistCreate(ctx context.Context, rec *Record) {
	if s.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := s.repo.CreateJob(ctx, rec); err != nil {
		s.logger.Error("failed to record job", "job_id", rec.ID, "error", err)
	}
}

func (s *Scheduler) persistState(id string, state State, retries int) {
	if s.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.repo.UpdateJobState(ctx, id, state, retries); err != nil {
		s.logger.Error("failed to record job state", "job_id", id, "state", state, "error", err)
	}
}

func (s *Scheduler) persistFinish(rec *Record, entries []assemble.Entry) {
	if s.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.repo.FinishJob(ctx, rec); err != nil {
		s.logger.Error("failed to record job result", "job_id", rec.ID, "error", err)
	}
	if len(entries) > 0 {
		if err := s.repo.SaveSegments(ctx, rec.ID, entries); err != nil {
			s.logger.Error("failed to record job segments", "job_id", rec.ID, "error", err)
		}
	}
}
