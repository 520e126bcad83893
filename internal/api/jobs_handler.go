package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/heimdex/scenesplit/internal/acquire"
	"github.com/heimdex/scenesplit/internal/jobs"
)

const (
	maxJSONBody   = 64 << 10
	maxFieldBytes = 1 << 10
	// formOverhead covers multipart boundaries and the small form fields
	// sent alongside the file.
	formOverhead = 1 << 20

	defaultListLimit = 50
	maxListLimit     = 500
)

func submitHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
		switch mediaType {
		case "multipart/form-data":
			submitUpload(cfg, w, r)
		case "application/json", "":
			submitURL(cfg, w, r)
		default:
			WriteError(w, http.StatusUnsupportedMediaType, "use multipart/form-data for uploads or application/json for links", "UNSUPPORTED_MEDIA_TYPE")
		}
	}
}

func submitURL(cfg ServerConfig, w http.ResponseWriter, r *http.Request) {
	var body SubmitURLRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
		return
	}
	if strings.TrimSpace(body.URL) == "" {
		WriteError(w, http.StatusBadRequest, "url is required", "BAD_REQUEST")
		return
	}

	req := jobs.Request{
		Source:    acquire.URL(body.URL),
		Requester: body.Requester,
	}
	req.Params.MinSceneLength = body.MinSceneLength
	req.Params.Threshold = body.Threshold

	id, err := cfg.Scheduler.Submit(r.Context(), req)
	if err != nil {
		writeJobError(w, err)
		return
	}

	snap, err := cfg.Scheduler.Status(r.Context(), id)
	if err != nil {
		WriteJSON(w, http.StatusAccepted, SubmitResponse{JobID: id, State: jobs.StateQueued})
		return
	}
	WriteJSON(w, http.StatusAccepted, submitResponse(snap))
}

// submitUpload streams the "file" part straight into the job's scope. Form
// fields must precede the file part; the request stays open until the
// acquisition stage has consumed the upload.
func submitUpload(cfg ServerConfig, w http.ResponseWriter, r *http.Request) {
	if cfg.MaxUploadSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxUploadSize+formOverhead)
	}
	mr, err := r.MultipartReader()
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid multipart body", "BAD_REQUEST")
		return
	}

	var req jobs.Request
	for req.Source.Reader == nil {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			WriteError(w, http.StatusBadRequest, "file part is required", "BAD_REQUEST")
			return
		}
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid multipart body", "BAD_REQUEST")
			return
		}

		if part.FormName() == "file" {
			req.Source = acquire.Upload(part.FileName(), part)
			break
		}
		if err := applyFormField(&req, part.FormName(), part); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "INVALID_PARAMS")
			return
		}
	}

	id, err := cfg.Scheduler.Submit(r.Context(), req)
	if err != nil {
		writeJobError(w, err)
		return
	}

	snap, err := cfg.Scheduler.WaitFor(r.Context(), id, uploadConsumed)
	if err != nil {
		if r.Context().Err() != nil {
			// The client went away mid-upload; nothing is left to answer.
			cfg.Scheduler.Cancel(context.WithoutCancel(r.Context()), id)
			cfg.Logger.Info("upload aborted by client", "job_id", id, "request_id", requestID(r))
			return
		}
		writeJobError(w, err)
		return
	}

	status := http.StatusAccepted
	if snap.Error != nil {
		status = statusForKind(snap.Error.Kind)
	}
	WriteJSON(w, status, submitResponse(snap))
}

// uploadConsumed matches once the job is past acquisition.
func uploadConsumed(s jobs.Snapshot) bool {
	return s.State != jobs.StateQueued && s.State != jobs.StateAcquiring
}

func applyFormField(req *jobs.Request, name string, r io.Reader) error {
	data, err := io.ReadAll(io.LimitReader(r, maxFieldBytes))
	if err != nil {
		return fmt.Errorf("read field %s: %w", name, err)
	}
	value := strings.TrimSpace(string(data))

	switch name {
	case "requester":
		req.Requester = value
	case "min_scene_length":
		v, err := parseFloatField(name, value)
		if err != nil {
			return err
		}
		req.Params.MinSceneLength = v
	case "threshold":
		v, err := parseFloatField(name, value)
		if err != nil {
			return err
		}
		req.Params.Threshold = v
	}
	return nil
}

func parseFloatField(name, value string) (float64, error) {
	if value == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number", name)
	}
	return v, nil
}

func listJobsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		requester := q.Get("requester")

		if q.Get("history") == "true" {
			limit := defaultListLimit
			if s := q.Get("limit"); s != "" {
				n, err := strconv.Atoi(s)
				if err != nil || n <= 0 {
					WriteError(w, http.StatusBadRequest, "limit must be a positive integer", "BAD_REQUEST")
					return
				}
				limit = min(n, maxListLimit)
			}
			history, err := cfg.Scheduler.History(r.Context(), requester, limit)
			if err != nil {
				WriteError(w, http.StatusInternalServerError, "failed to list jobs", "INTERNAL_ERROR")
				return
			}
			WriteJSON(w, http.StatusOK, JobsResponse{Jobs: history})
			return
		}

		live := cfg.Scheduler.List()
		resp := JobsResponse{Jobs: make([]jobs.Snapshot, 0, len(live))}
		for _, s := range live {
			if requester == "" || s.Requester == requester {
				resp.Jobs = append(resp.Jobs, s)
			}
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func getJobHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := cfg.Scheduler.Status(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeJobError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, snap)
	}
}

func cancelJobHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := cfg.Scheduler.Cancel(r.Context(), id); err != nil {
			writeJobError(w, err)
			return
		}

		snap, err := cfg.Scheduler.Status(r.Context(), id)
		if err != nil {
			WriteJSON(w, http.StatusAccepted, SubmitResponse{JobID: id, State: jobs.StateCancelled})
			return
		}
		WriteJSON(w, http.StatusAccepted, snap)
	}
}

func eventsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var since uint64
		if s := r.URL.Query().Get("since"); s != "" {
			n, err := strconv.ParseUint(s, 10, 64)
			if err != nil {
				WriteError(w, http.StatusBadRequest, "since must be a non-negative integer", "BAD_REQUEST")
				return
			}
			since = n
		}

		if _, err := cfg.Scheduler.Status(r.Context(), id); err != nil {
			writeJobError(w, err)
			return
		}

		events := cfg.Scheduler.EventsSince(since, id)
		resp := EventsResponse{Events: events, Next: since}
		if len(events) > 0 {
			resp.Next = events[len(events)-1].Seq
		}
		if resp.Events == nil {
			resp.Events = []jobs.Event{}
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}
