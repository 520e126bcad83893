package acquire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/heimdex/scenesplit/internal/failure"
	"github.com/heimdex/scenesplit/internal/logging"
	"github.com/heimdex/scenesplit/internal/media"
	"github.com/heimdex/scenesplit/internal/retry"
	"github.com/heimdex/scenesplit/internal/storage"
)

// Config holds the acquisition policy.
type Config struct {
	// Retry bounds attempts against the primary extractor.
	Retry retry.Policy

	// MaxDuration rejects longer videos as SourceTooLarge. Zero disables it.
	MaxDuration time.Duration

	Logger *slog.Logger
}

// Result describes an acquired source.
type Result struct {
	Path      string
	Size      int64
	Probe     *media.ProbeResult
	Extractor string // empty for uploads
	Retries   int
}

// RetryHook is told about every retry: repeated primary attempts and the
// switch to the fallback extractor.
type RetryHook func(reason string, err error)

type options struct {
	onRetry RetryHook
}

type Option func(*options)

// WithRetryHook registers fn to be called on each retry.
func WithRetryHook(fn RetryHook) Option {
	return func(o *options) { o.onRetry = fn }
}

// Service acquires sources.
type Service struct {
	primary  media.Extractor
	fallback media.Extractor
	prober   media.Prober
	cfg      Config
	logger   *slog.Logger
}

// NewService wires the extractors and prober. fallback may be nil.
func NewService(primary, fallback media.Extractor, prober media.Prober, cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{
		primary:  primary,
		fallback: fallback,
		prober:   prober,
		cfg:      cfg,
		logger:   logging.WithComponent(logger, "acquire"),
	}
}

// Acquire materialises src inside scope, enforcing maxSize while bytes arrive,
// and verifies the result is a decodable video.
func (s *Service) Acquire(ctx context.Context, src Source, scope *storage.Scope, maxSize int64, opts ...Option) (*Result, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := src.Validate(); err != nil {
		return nil, err
	}

	var (
		res *Result
		err error
	)
	switch src.Kind {
	case SourceUpload:
		res, err = s.acquireUpload(ctx, src, scope, maxSize)
	case SourceURL:
		res, err = s.acquireURL(ctx, src, scope, maxSize, o.onRetry)
	}
	if err != nil {
		return nil, err
	}

	if err := s.verify(ctx, res); err != nil {
		os.Remove(res.Path)
		scope.Refund(res.Size)
		return nil, err
	}

	s.logger.Info("source acquired",
		"job_id", scope.JobID(),
		"source", src.Describe(),
		"size", humanize.IBytes(uint64(res.Size)),
		"duration_s", res.Probe.Duration,
		"extractor", res.Extractor,
		"retries", res.Retries,
	)
	return res, nil
}

func (s *Service) acquireUpload(ctx context.Context, src Source, scope *storage.Scope, maxSize int64) (*Result, error) {
	if err := scope.EnsureFree(ctx, maxSize); err != nil {
		return nil, err
	}

	path := scope.Path("source" + src.uploadExtension())
	f, err := os.Create(path)
	if err != nil {
		return nil, failure.Wrap(failure.KindInternal, fmt.Errorf("create upload file: %w", err))
	}

	qw := scope.Writer(f)
	n, copyErr := io.Copy(qw, io.LimitReader(&ctxReader{ctx: ctx, r: src.Reader}, maxSize+1))
	closeErr := f.Close()

	fail := func(err error) (*Result, error) {
		os.Remove(path)
		scope.Refund(qw.Written())
		return nil, err
	}
	switch {
	case copyErr != nil:
		if failure.KindOf(copyErr) == failure.KindQuotaExceeded {
			return fail(copyErr)
		}
		if ctx.Err() != nil {
			return fail(ctx.Err())
		}
		return fail(failure.Wrap(failure.KindNetworkFailure, fmt.Errorf("upload interrupted: %w", copyErr)))
	case n > maxSize:
		return fail(failure.New(failure.KindSourceTooLarge, "upload exceeds %s", humanize.IBytes(uint64(maxSize))))
	case closeErr != nil:
		return fail(failure.Wrap(failure.KindInternal, fmt.Errorf("close upload file: %w", closeErr)))
	case n == 0:
		return fail(failure.New(failure.KindCorruptSource, "upload is empty"))
	}

	return &Result{Path: path, Size: n}, nil
}

func (s *Service) acquireURL(ctx context.Context, src Source, scope *storage.Scope, maxSize int64, onRetry RetryHook) (*Result, error) {
	if err := scope.EnsureFree(ctx, maxSize); err != nil {
		return nil, err
	}
	// Remote sizes are unknown up front, so the whole cap is held until the
	// download settles.
	if err := scope.Reserve(maxSize); err != nil {
		return nil, err
	}

	dir := scope.Path("download")
	if err := os.MkdirAll(dir, 0755); err != nil {
		scope.Refund(maxSize)
		return nil, failure.Wrap(failure.KindInternal, fmt.Errorf("create download dir: %w", err))
	}

	retries := 0
	path, used, err := s.extract(ctx, src.URL, dir, maxSize, func(reason string, err error) {
		retries++
		if onRetry != nil {
			onRetry(reason, err)
		}
	})
	if err != nil {
		scope.Refund(maxSize)
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		scope.Refund(maxSize)
		return nil, failure.Wrap(failure.KindInternal, fmt.Errorf("stat download: %w", err))
	}
	if err := scope.Settle(maxSize, info.Size()); err != nil {
		os.Remove(path)
		scope.Refund(maxSize)
		return nil, err
	}
	return &Result{Path: path, Size: info.Size(), Extractor: used, Retries: retries}, nil
}

// extract runs the primary extractor under the retry policy, then the
// fallback once.
func (s *Service) extract(ctx context.Context, rawURL, dir string, maxSize int64, onRetry RetryHook) (string, string, error) {
	logURL := logging.SanitizeURL(rawURL)

	var path string
	primaryErr := s.cfg.Retry.Do(ctx, func(ctx context.Context, attempt int) error {
		p, err := s.primary.Extract(ctx, rawURL, dir, maxSize)
		if err != nil {
			return err
		}
		path = p
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		s.logger.Warn("extractor attempt failed, retrying",
			"extractor", s.primary.Name(), "url", logURL, "attempt", attempt, "backoff", wait, "error", err)
		onRetry(s.primary.Name(), err)
	})
	if primaryErr == nil {
		return path, s.primary.Name(), nil
	}
	if ctx.Err() != nil {
		return "", "", ctx.Err()
	}
	if !fallbackAllowed(primaryErr) || s.fallback == nil {
		return "", "", primaryErr
	}

	s.logger.Warn("primary extractor failed, trying fallback",
		"primary", s.primary.Name(), "fallback", s.fallback.Name(), "url", logURL, "error", primaryErr)
	onRetry(s.fallback.Name(), primaryErr)

	path, err := s.fallback.Extract(ctx, rawURL, dir, maxSize)
	if err == nil {
		return path, s.fallback.Name(), nil
	}
	if ctx.Err() != nil {
		return "", "", ctx.Err()
	}
	// A flaky network is the more useful explanation than "the fallback
	// did not understand the link".
	if failure.Is(primaryErr, failure.KindNetworkFailure) && failure.Is(err, failure.KindUnsupportedSource) {
		return "", "", primaryErr
	}
	return "", "", err
}

// fallbackAllowed reports whether another extractor could plausibly succeed.
// Size and capacity failures would just repeat.
func fallbackAllowed(err error) bool {
	switch failure.KindOf(err) {
	case failure.KindSourceTooLarge, failure.KindQuotaExceeded, failure.KindDiskFull, failure.KindCancelled:
		return false
	}
	return true
}

func (s *Service) verify(ctx context.Context, res *Result) error {
	probe, err := s.prober.Probe(ctx, res.Path)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return failure.Wrap(failure.KindCorruptSource, err)
	}
	if !probe.HasVideo {
		return failure.New(failure.KindCorruptSource, "no video stream found")
	}
	if probe.Duration <= 0 {
		return failure.New(failure.KindCorruptSource, "video has no duration")
	}
	if s.cfg.MaxDuration > 0 && probe.Duration > s.cfg.MaxDuration.Seconds() {
		return failure.New(failure.KindSourceTooLarge, "video is %s long, limit is %s",
			(time.Duration(probe.Duration * float64(time.Second))).Round(time.Second), s.cfg.MaxDuration)
	}
	res.Probe = probe
	return nil
}

// ctxReader stops an upload copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := c.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) && c.ctx.Err() != nil {
		return n, c.ctx.Err()
	}
	return n, err
}
