// Package notify delivers finished jobs to an HTTP callback so that front
// ends do not have to poll for results.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/heimdex/scenesplit/internal/jobs"
	"github.com/heimdex/scenesplit/internal/logging"
	"github.com/heimdex/scenesplit/internal/retry"
)

const (
	EventJobFinished = "job.finished"

	DefaultTimeout = 30 * time.Second
	statusTimeout  = 2 * time.Second
)

// DefaultRetry is applied when Config.Retry is left zero.
var DefaultRetry = retry.Policy{MaxAttempts: 4, InitialBackoff: time.Second, MaxBackoff: 30 * time.Second}

// DeliveryError represents a non-2xx answer from the callback endpoint.
type DeliveryError struct {
	StatusCode int
	Body       string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("webhook delivery failed: HTTP %d: %s", e.StatusCode, e.Body)
}

// IsRetryable returns true for server errors (5xx) and rate limiting.
// Other client errors are considered permanent.
func (e *DeliveryError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Scene is one delivered scene as seen by the callback receiver.
type Scene struct {
	Index    int     `json:"index"`
	Name     string  `json:"name"`
	Start    float64 `json:"start"`
	End      float64 `json:"end"`
	Duration float64 `json:"duration"`
	Size     int64   `json:"size"`
}

// Payload is the request body POSTed for every finished job.
type Payload struct {
	Event      string          `json:"event"`
	JobID      string          `json:"job_id"`
	Requester  string          `json:"requester"`
	State      jobs.State      `json:"state"`
	Source     string          `json:"source"`
	Title      string          `json:"title,omitempty"`
	Duration   float64         `json:"duration,omitempty"`
	TotalSize  int64           `json:"total_size,omitempty"`
	Scenes     []Scene         `json:"scenes,omitempty"`
	Error      *jobs.ErrorInfo `json:"error,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// NewPayload builds the callback body from a job snapshot.
func NewPayload(snap jobs.Snapshot) Payload {
	p := Payload{
		Event:      EventJobFinished,
		JobID:      snap.ID,
		Requester:  snap.Requester,
		State:      snap.State,
		Source:     snap.Source,
		Title:      snap.Title,
		Duration:   snap.Duration,
		Error:      snap.Error,
		FinishedAt: snap.FinishedAt,
	}
	if m := snap.Manifest; m != nil {
		p.TotalSize = m.TotalSize()
		for _, e := range m.Entries {
			p.Scenes = append(p.Scenes, Scene{
				Index:    e.Index,
				Name:     e.DisplayName,
				Start:    e.Start,
				End:      e.End,
				Duration: e.Duration,
				Size:     e.Size,
			})
		}
	}
	return p
}

// Source is what the webhook follows: an event stream plus snapshot lookup.
type Source interface {
	Subscribe() (<-chan jobs.Event, func())
	Status(ctx context.Context, jobID string) (jobs.Snapshot, error)
}

type Config struct {
	URL     string
	Token   string
	Timeout time.Duration
	Retry   retry.Policy
	Logger  *slog.Logger
}

// Webhook POSTs a Payload to a fixed URL whenever a job finishes.
type Webhook struct {
	url        string
	token      string
	policy     retry.Policy
	httpClient *http.Client
	logger     *slog.Logger
}

func NewWebhook(cfg Config) *Webhook {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetry
	}
	cfg.Retry.Retryable = retryable
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Webhook{
		url:    cfg.URL,
		token:  cfg.Token,
		policy: cfg.Retry,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logging.WithComponent(logger, "notify"),
	}
}

// Send delivers p, retrying network failures and retryable HTTP answers.
func (w *Webhook) Send(ctx context.Context, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	deliveryID := uuid.NewString()

	return w.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		return w.post(ctx, body, deliveryID, attempt)
	}, func(attempt int, err error, wait time.Duration) {
		w.logger.Warn("webhook delivery failed, retrying",
			"job_id", p.JobID,
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
	})
}

func (w *Webhook) post(ctx context.Context, body []byte, deliveryID string, attempt int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Scenesplit-Event", EventJobFinished)
	req.Header.Set("X-Scenesplit-Delivery", deliveryID)
	req.Header.Set("X-Scenesplit-Attempt", fmt.Sprint(attempt))
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &DeliveryError{StatusCode: resp.StatusCode, Body: string(respBody)}
}

func retryable(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.IsRetryable()
	}
	return true
}

// Run sends one callback per job that reaches a terminal state until ctx
// is done. In-flight deliveries are awaited before Run returns.
func (w *Webhook) Run(ctx context.Context, src Source) {
	events, unsubscribe := src.Subscribe()
	defer unsubscribe()

	var wg sync.WaitGroup
	defer wg.Wait()

	w.logger.Info("webhook notifier started", "url", w.url)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if !e.State.Terminal() {
				continue
			}
			snap, err := w.status(ctx, src, e.JobID)
			if err != nil {
				w.logger.Warn("failed to read finished job", "job_id", e.JobID, "error", err)
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := w.Send(ctx, NewPayload(snap)); err != nil {
					w.logger.Error("webhook delivery abandoned", "job_id", snap.ID, "error", err)
					return
				}
				w.logger.Debug("webhook delivered", "job_id", snap.ID, "state", snap.State)
			}()
		}
	}
}

func (w *Webhook) status(ctx context.Context, src Source, jobID string) (jobs.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()
	return src.Status(ctx, jobID)
}
