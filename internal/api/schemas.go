package api

import (
	"github.com/dustin/go-humanize"

	"github.com/heimdex/scenesplit/internal/jobs"
	"github.com/heimdex/scenesplit/internal/media"
)

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	UptimeS int64  `json:"uptime_s"`
}

type StatusResponse struct {
	State   string              `json:"state"`
	Jobs    jobs.Stats          `json:"jobs"`
	Storage *StorageResponse    `json:"storage,omitempty"`
	Tools   *media.Capabilities `json:"tools,omitempty"`
}

type StorageResponse struct {
	UsedBytes  int64  `json:"used_bytes"`
	QuotaBytes int64  `json:"quota_bytes"`
	Used       string `json:"used"`
	Quota      string `json:"quota"`
	LiveScopes int    `json:"live_scopes"`
}

// SubmitURLRequest is the JSON body of a URL submission.
type SubmitURLRequest struct {
	URL            string  `json:"url"`
	Requester      string  `json:"requester,omitempty"`
	MinSceneLength float64 `json:"min_scene_length,omitempty"`
	Threshold      float64 `json:"threshold,omitempty"`
}

type SubmitResponse struct {
	JobID    string          `json:"job_id"`
	State    jobs.State      `json:"state"`
	Position int             `json:"position,omitempty"`
	Error    *jobs.ErrorInfo `json:"error,omitempty"`
}

type JobsResponse struct {
	Jobs []jobs.Snapshot `json:"jobs"`
}

type EventsResponse struct {
	Events []jobs.Event `json:"events"`
	// Next is the value to pass as ?since= on the following poll.
	Next uint64 `json:"next"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func storageResponse(s StorageUsage) *StorageResponse {
	if s == nil {
		return nil
	}
	used, quota := s.Usage(), s.Quota()
	return &StorageResponse{
		UsedBytes:  used,
		QuotaBytes: quota,
		Used:       humanize.IBytes(uint64(used)),
		Quota:      humanize.IBytes(uint64(quota)),
		LiveScopes: s.LiveScopes(),
	}
}

func submitResponse(snap jobs.Snapshot) SubmitResponse {
	return SubmitResponse{
		JobID:    snap.ID,
		State:    snap.State,
		Position: snap.Position,
		Error:    snap.Error,
	}
}
