package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/heimdex/scenesplit/internal/jobs"
	"github.com/heimdex/scenesplit/internal/media"
)

// Scheduler is the part of the job scheduler the API drives.
type Scheduler interface {
	Submit(ctx context.Context, req jobs.Request) (string, error)
	Cancel(ctx context.Context, jobID string) error
	Status(ctx context.Context, jobID string) (jobs.Snapshot, error)
	List() []jobs.Snapshot
	History(ctx context.Context, requester string, limit int) ([]jobs.Snapshot, error)
	EventsSince(seq uint64, jobID string) []jobs.Event
	WaitFor(ctx context.Context, jobID string, done func(jobs.Snapshot) bool) (jobs.Snapshot, error)
	Stats() jobs.Stats
}

// StorageUsage reports temp storage accounting.
type StorageUsage interface {
	Usage() int64
	Quota() int64
	LiveScopes() int
}

// ToolChecker reports which external tools are installed.
type ToolChecker interface {
	Get(ctx context.Context) *media.Capabilities
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

type ServerConfig struct {
	Addr      string
	Scheduler Scheduler
	Storage   StorageUsage
	Doctor    ToolChecker
	// AuthToken, when set, is required as a bearer token on /v1 routes.
	AuthToken string
	// MaxUploadSize caps the request body of a multipart submission.
	MaxUploadSize int64
	Version       string
	Logger        *slog.Logger
	StartTime     time.Time
}

func NewServer(cfg ServerConfig) *Server {
	router := NewRouter(cfg)

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           router,
			ReadHeaderTimeout: 15 * time.Second,
			// Uploads and scene downloads stream for as long as they need.
			ReadTimeout:  0,
			WriteTimeout: 0,
			IdleTimeout:  60 * time.Second,
		},
		logger: cfg.Logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}
