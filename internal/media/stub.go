package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/heimdex/scenesplit/internal/failure"
)

// StubProber returns canned probe results. Paths without an entry get Default.
type StubProber struct {
	mu      sync.Mutex
	Results map[string]*ProbeResult
	Default *ProbeResult
	Err     error
	Calls   int
}

func (p *StubProber) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls++
	if p.Err != nil {
		return nil, p.Err
	}
	if r, ok := p.Results[path]; ok {
		cp := *r
		return &cp, nil
	}
	if p.Default == nil {
		return nil, failure.New(failure.KindProbeFailed, "stub: no probe result for %s", filepath.Base(path))
	}
	cp := *p.Default
	return &cp, nil
}

// StubSceneLibrary returns fixed cuts, optionally after a delay that honours ctx.
type StubSceneLibrary struct {
	Cuts  []float64
	Err   error
	Delay time.Duration

	mu         sync.Mutex
	LastMinLen float64
	LastThresh float64
}

func (s *StubSceneLibrary) DetectScenes(ctx context.Context, path string, minSceneLength, threshold float64) ([]float64, error) {
	s.mu.Lock()
	s.LastMinLen = minSceneLength
	s.LastThresh = threshold
	s.mu.Unlock()

	if s.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.Delay):
		}
	}
	if s.Err != nil {
		return nil, s.Err
	}
	return append([]float64(nil), s.Cuts...), nil
}

// StubTranscoder writes BytesPerSecond bytes per second of range into the
// output file instead of running ffmpeg.
type StubTranscoder struct {
	BytesPerSecond float64

	// FailFirst makes the first N calls for a range start fail with TranscodeFailed.
	FailFirst map[float64]int

	// Block, when set, makes Extract wait for ctx to end.
	Block bool

	mu    sync.Mutex
	Calls []ExtractRequest
	fails map[float64]int
}

func (t *StubTranscoder) Extract(ctx context.Context, req ExtractRequest) (RunResult, error) {
	t.mu.Lock()
	t.Calls = append(t.Calls, req)
	if t.fails == nil {
		t.fails = make(map[float64]int)
	}
	shouldFail := t.fails[req.Start] < t.FailFirst[req.Start]
	if shouldFail {
		t.fails[req.Start]++
	}
	t.mu.Unlock()

	if t.Block {
		<-ctx.Done()
		return RunResult{ExitCode: -1}, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return RunResult{ExitCode: -1}, err
	}
	if shouldFail {
		return RunResult{ExitCode: 1, StderrTail: "stub failure"}, failure.New(failure.KindTranscodeFailed, "stub: ffmpeg exited 1")
	}

	size := int((req.End - req.Start) * t.BytesPerSecond)
	if size < 1 {
		size = 1
	}
	if err := os.WriteFile(req.Output, make([]byte, size), 0o644); err != nil {
		return RunResult{ExitCode: 1}, failure.Wrap(failure.KindTranscodeFailed, err)
	}
	return RunResult{}, nil
}

// CallCount returns the number of Extract calls so far.
func (t *StubTranscoder) CallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.Calls)
}

// StubExtractor returns queued errors in order, then writes Content into dir.
type StubExtractor struct {
	ExtractorName string
	Errs          []error
	Content       []byte
	Ext           string

	mu    sync.Mutex
	calls int
}

func (e *StubExtractor) Name() string {
	if e.ExtractorName == "" {
		return "stub"
	}
	return e.ExtractorName
}

func (e *StubExtractor) Extract(ctx context.Context, rawURL, dir string, maxSize int64) (string, error) {
	e.mu.Lock()
	call := e.calls
	e.calls++
	e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if call < len(e.Errs) && e.Errs[call] != nil {
		return "", e.Errs[call]
	}
	if int64(len(e.Content)) > maxSize {
		return "", failure.New(failure.KindSourceTooLarge, "stub: %d bytes over limit %d", len(e.Content), maxSize)
	}
	ext := e.Ext
	if ext == "" {
		ext = ".mp4"
	}
	out := filepath.Join(dir, fmt.Sprintf("%s%s", downloadBase, ext))
	if err := os.WriteFile(out, e.Content, 0o644); err != nil {
		return "", err
	}
	return out, nil
}

// Calls returns how often Extract was invoked.
func (e *StubExtractor) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}
