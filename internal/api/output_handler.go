package api

import (
	"fmt"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/heimdex/scenesplit/internal/assemble"
	"github.com/heimdex/scenesplit/internal/jobs"
)

// deliveredManifest loads the manifest of a succeeded job, writing an error
// response and returning nil otherwise.
func deliveredManifest(cfg ServerConfig, w http.ResponseWriter, r *http.Request) *assemble.Manifest {
	snap, err := cfg.Scheduler.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJobError(w, err)
		return nil
	}
	switch {
	case !snap.State.Terminal():
		WriteError(w, http.StatusConflict, "job is still "+string(snap.State), "NOT_READY")
		return nil
	case snap.State != jobs.StateSucceeded || snap.Manifest == nil:
		WriteError(w, http.StatusConflict, "job produced no scenes", "NO_OUTPUT")
		return nil
	}
	return snap.Manifest
}

func manifestHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m := deliveredManifest(cfg, w, r)
		if m == nil {
			return
		}
		WriteJSON(w, http.StatusOK, m)
	}
}

func sceneHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		index, err := strconv.Atoi(chi.URLParam(r, "index"))
		if err != nil {
			WriteError(w, http.StatusBadRequest, "scene index must be an integer", "BAD_REQUEST")
			return
		}

		m := deliveredManifest(cfg, w, r)
		if m == nil {
			return
		}
		entry, ok := m.Entry(index)
		if !ok {
			WriteError(w, http.StatusNotFound, fmt.Sprintf("scene %d not found (job has %d)", index, len(m.Entries)), "SCENE_NOT_FOUND")
			return
		}

		serveScene(w, r, entry.Path, entry.DisplayName, cfg.Logger)
	}
}

// archiveHandler streams the scenes as a zip. ?size=N&batch=K restricts the
// archive to the K-th group of N scenes, for transports with a per-message
// file limit.
func archiveHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		size, batch, err := batchQuery(r)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}

		m := deliveredManifest(cfg, w, r)
		if m == nil {
			return
		}

		name := downloadName(m)
		if batch > 0 {
			if n := len(m.Batches(size)); batch > n {
				WriteError(w, http.StatusNotFound, fmt.Sprintf("batch %d not found (job has %d)", batch, n), "BATCH_NOT_FOUND")
				return
			}
			name = fmt.Sprintf("%s-part%d", name, batch)
		}

		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name + ".zip"}))
		w.WriteHeader(http.StatusOK)

		if batch > 0 {
			err = m.WriteBatchArchive(r.Context(), w, size, batch)
		} else {
			err = m.WriteArchive(r.Context(), w)
		}
		if err != nil {
			// Headers are gone; the truncated zip is the only signal left.
			cfg.Logger.Warn("archive stream failed", "job_id", m.JobID, "error", err, "request_id", requestID(r))
		}
	}
}

func edlHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m := deliveredManifest(cfg, w, r)
		if m == nil {
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": downloadName(m) + ".edl"}))
		w.WriteHeader(http.StatusOK)
		if err := m.WriteEDL(w); err != nil {
			cfg.Logger.Warn("edl write failed", "job_id", m.JobID, "error", err)
		}
	}
}

func batchQuery(r *http.Request) (size, batch int, err error) {
	q := r.URL.Query()
	if q.Get("batch") == "" {
		return 0, 0, nil
	}
	batch, err = strconv.Atoi(q.Get("batch"))
	if err != nil || batch < 1 {
		return 0, 0, fmt.Errorf("batch must be a positive integer")
	}
	size, err = strconv.Atoi(q.Get("size"))
	if err != nil || size < 1 {
		return 0, 0, fmt.Errorf("size must be a positive integer when batch is set")
	}
	return size, batch, nil
}

func downloadName(m *assemble.Manifest) string {
	if name := assemble.SanitizeName(m.Title, 60); name != "" {
		return name + "-scenes"
	}
	return "scenes-" + m.JobID
}
