package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/heimdex/scenesplit/internal/failure"
	"github.com/heimdex/scenesplit/internal/jobs"
	"github.com/heimdex/scenesplit/internal/logging"
)

func NewRouter(cfg ServerConfig) *chi.Mux {
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.StartTime.IsZero() {
		cfg.StartTime = time.Now()
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))

	r.Get("/health", healthHandler(cfg))

	r.Route("/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.AuthToken, cfg.Logger))

		r.Get("/status", statusHandler(cfg))
		r.Post("/jobs", submitHandler(cfg))
		r.Get("/jobs", listJobsHandler(cfg))
		r.Get("/jobs/{id}", getJobHandler(cfg))
		r.Delete("/jobs/{id}", cancelJobHandler(cfg))
		r.Get("/jobs/{id}/events", eventsHandler(cfg))
		r.Get("/jobs/{id}/manifest", manifestHandler(cfg))
		r.Get("/jobs/{id}/scenes/{index}", sceneHandler(cfg))
		r.Get("/jobs/{id}/archive", archiveHandler(cfg))
		r.Get("/jobs/{id}/edl", edlHandler(cfg))
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		version := cfg.Version
		if version == "" {
			version = "dev"
		}
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: version,
			UptimeS: int64(time.Since(cfg.StartTime).Seconds()),
		})
	}
}

func statusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := cfg.Scheduler.Stats()

		state := "idle"
		switch {
		case stats.Queued > 0 && stats.Running >= stats.Workers:
			state = "saturated"
		case stats.Running > 0:
			state = "busy"
		}

		resp := StatusResponse{
			State:   state,
			Jobs:    stats,
			Storage: storageResponse(cfg.Storage),
		}
		if cfg.Doctor != nil {
			resp.Tools = cfg.Doctor.Get(r.Context())
		}

		WriteJSON(w, http.StatusOK, resp)
	}
}

// writeJobError maps scheduler and pipeline errors onto HTTP responses.
func writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		WriteError(w, http.StatusNotFound, "job not found", "NOT_FOUND")
		return
	case errors.Is(err, jobs.ErrAlreadyFinished):
		WriteError(w, http.StatusConflict, "job already finished", "ALREADY_FINISHED")
		return
	case errors.Is(err, jobs.ErrSchedulerStopped):
		WriteError(w, http.StatusServiceUnavailable, "service shutting down", "UNAVAILABLE")
		return
	}

	kind := failure.KindOf(err)
	WriteError(w, statusForKind(kind), failure.UserMessage(kind), errorCode(kind))
}

func statusForKind(kind failure.Kind) int {
	switch kind {
	case failure.KindInvalidParams, failure.KindUnsupportedSource, failure.KindCorruptSource:
		return http.StatusBadRequest
	case failure.KindSourceTooLarge:
		return http.StatusRequestEntityTooLarge
	case failure.KindQuotaExceeded, failure.KindDiskFull:
		return http.StatusInsufficientStorage
	case failure.KindNetworkFailure:
		return http.StatusBadGateway
	case failure.KindInternalTimeout, failure.KindDetectionTimedOut:
		return http.StatusGatewayTimeout
	case failure.KindCancelled:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func errorCode(kind failure.Kind) string {
	return strings.ToUpper(string(kind))
}
