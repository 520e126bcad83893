// Package jobs schedules scene-split jobs: FIFO admission with a global and a
// per-requester concurrency cap, sequential stage execution per job, cooperative
// cancellation, and a state-transition event stream.
package jobs

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/heimdex/scenesplit/internal/acquire"
	"github.com/heimdex/scenesplit/internal/assemble"
	"github.com/heimdex/scenesplit/internal/detect"
	"github.com/heimdex/scenesplit/internal/failure"
	"github.com/heimdex/scenesplit/internal/storage"
)

var (
	ErrJobNotFound      = errors.New("job not found")
	ErrAlreadyFinished  = errors.New("job already finished")
	ErrSchedulerStopped = errors.New("scheduler stopped")
)

// State is a job's position in the pipeline.
type State string

const (
	StateQueued     State = "queued"
	StateAcquiring  State = "acquiring"
	StateDetecting  State = "detecting"
	StateSegmenting State = "segmenting"
	StateAssembling State = "assembling"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

var stateOrder = map[State]int{
	StateQueued:     0,
	StateAcquiring:  1,
	StateDetecting:  2,
	StateSegmenting: 3,
	StateAssembling: 4,
	StateSucceeded:  5,
	StateFailed:     5,
	StateCancelled:  5,
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Active reports whether a job in this state occupies a worker.
func (s State) Active() bool {
	return s == StateAcquiring || s == StateDetecting || s == StateSegmenting || s == StateAssembling
}

// CanTransition reports whether from -> to respects the forward-only order.
// Cancelled and Failed are reachable from any non-terminal state.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateCancelled || to == StateFailed {
		return true
	}
	f, okFrom := stateOrder[from]
	t, okTo := stateOrder[to]
	return okFrom && okTo && t > f
}

// Request is an inbound split request.
type Request struct {
	Source    acquire.Source
	Requester string

	// Params fields left at zero take the configured defaults.
	Params detect.Params
}

// Job is the scheduler's record of one request. All fields are guarded by
// the owning scheduler's mutex.
type Job struct {
	ID        string
	Requester string
	Source    acquire.Source
	Params    detect.Params

	State    State
	Retries  int
	Cuts     []float64
	Duration float64
	Manifest *assemble.Manifest
	Err      error

	CreatedAt  time.Time
	UpdatedAt  time.Time
	FinishedAt time.Time

	scope  *storage.Scope
	cancel func()
}

// ErrorInfo is the requester-facing description of a failure.
type ErrorInfo struct {
	Kind    failure.Kind  `json:"kind"`
	Stage   failure.Stage `json:"stage,omitempty"`
	Message string        `json:"message"`
	Detail  string        `json:"detail,omitempty"`
}

// Snapshot is a point-in-time copy of a job safe to hand out.
type Snapshot struct {
	ID         string             `json:"id"`
	Requester  string             `json:"requester"`
	Source     string             `json:"source"`
	Title      string             `json:"title,omitempty"`
	Params     detect.Params      `json:"params"`
	State      State              `json:"state"`
	Position   int                `json:"position,omitempty"`
	Retries    int                `json:"retries"`
	Duration   float64            `json:"duration,omitempty"`
	Cuts       []float64          `json:"cuts,omitempty"`
	Manifest   *assemble.Manifest `json:"manifest,omitempty"`
	Error      *ErrorInfo         `json:"error,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
}

func (j *Job) snapshot(position int) Snapshot {
	s := Snapshot{
		ID:        j.ID,
		Requester: j.Requester,
		Source:    j.Source.Describe(),
		Title:     j.Source.Title(),
		Params:    j.Params,
		State:     j.State,
		Position:  position,
		Retries:   j.Retries,
		Duration:  j.Duration,
		Manifest:  j.Manifest,
		Error:     errorInfo(j.Err),
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
	if j.Cuts != nil {
		s.Cuts = append([]float64(nil), j.Cuts...)
	}
	if !j.FinishedAt.IsZero() {
		t := j.FinishedAt
		s.FinishedAt = &t
	}
	return s
}

func errorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	kind := failure.KindOf(err)
	if kind == failure.KindCancelled {
		return nil
	}
	return &ErrorInfo{
		Kind:    kind,
		Stage:   failure.StageOf(err),
		Message: failure.UserMessage(kind),
		Detail:  err.Error(),
	}
}

// NewID returns a time-ordered job id.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
