// Package failure defines the error taxonomy shared by every pipeline stage.
// A failure carries the kind of problem and the stage it happened in so the
// scheduler can decide on retries and the requester gets an actionable message.
package failure

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	KindSourceTooLarge    Kind = "source_too_large"
	KindUnsupportedSource Kind = "unsupported_source"
	KindNetworkFailure    Kind = "network_failure"
	KindCorruptSource     Kind = "corrupt_source"
	KindProbeFailed       Kind = "probe_failed"
	KindDetectionTimedOut Kind = "detection_timed_out"
	KindTranscodeFailed   Kind = "transcode_failed"
	KindDiskFull          Kind = "disk_full"
	KindQuotaExceeded     Kind = "quota_exceeded"
	KindCancelled         Kind = "cancelled"
	KindInternalTimeout   Kind = "internal_timeout"
	KindInvalidParams     Kind = "invalid_params"
	KindInternal          Kind = "internal"
)

// Stage names the pipeline step a failure is attributed to.
type Stage string

const (
	StageIntake     Stage = "intake"
	StageAcquire    Stage = "acquire"
	StageDetect     Stage = "detect"
	StageSegment    Stage = "segment"
	StageAssemble   Stage = "assemble"
	StageDeliver    Stage = "deliver"
	StageScheduling Stage = "scheduling"
)

// Error is a classified pipeline error.
type Error struct {
	Kind  Kind
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	if e.Stage == "" {
		if e.Err == nil {
			return string(e.Kind)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Err == nil {
		return fmt.Sprintf("%s (%s)", e.Kind, e.Stage)
	}
	return fmt.Sprintf("%s (%s): %v", e.Kind, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error from a message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// AtStage attributes err to stage. Already classified errors keep their kind
// and, if set, their original stage. Context errors are mapped to Cancelled or
// InternalTimeout; anything else becomes Internal.
func AtStage(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Stage != "" {
			return err
		}
		return &Error{Kind: fe.Kind, Stage: stage, Err: fe.Err}
	}
	switch {
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindCancelled, Stage: stage, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindInternalTimeout, Stage: stage, Err: err}
	}
	return &Error{Kind: KindInternal, Stage: stage, Err: err}
}

// KindOf returns the kind of err, or Internal when err is unclassified.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindInternalTimeout
	}
	return KindInternal
}

// StageOf returns the stage recorded on err, if any.
func StageOf(err error) Stage {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Stage
	}
	return ""
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsTransient reports whether a failure of this kind may succeed when retried.
// Only network and transcoder hiccups qualify; size and quota problems mean
// the request itself has to shrink.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindNetworkFailure, KindTranscodeFailed:
		return true
	default:
		return false
	}
}

var userMessages = map[Kind]string{
	KindSourceTooLarge:    "video too large",
	KindUnsupportedSource: "unsupported source: send a video file or a video link",
	KindNetworkFailure:    "download failed after retries",
	KindCorruptSource:     "the file is not a readable video",
	KindProbeFailed:       "could not read video metadata",
	KindDetectionTimedOut: "scene detection took too long, try a shorter video",
	KindTranscodeFailed:   "scene split failed",
	KindDiskFull:          "server is out of disk space, try again later",
	KindQuotaExceeded:     "server storage is busy, try a smaller video or try again later",
	KindCancelled:         "job cancelled",
	KindInternalTimeout:   "processing timed out",
	KindInvalidParams:     "invalid scene parameters",
	KindInternal:          "internal error",
}

// UserMessage returns the human-readable category shown to requesters.
func UserMessage(kind Kind) string {
	if msg, ok := userMessages[kind]; ok {
		return msg
	}
	return userMessages[KindInternal]
}
