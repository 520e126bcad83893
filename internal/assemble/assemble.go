// Package assemble checks the extracted segments against the plan and turns
// them into an ordered, named manifest ready for delivery.
package assemble

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/heimdex/scenesplit/internal/failure"
	"github.com/heimdex/scenesplit/internal/logging"
	"github.com/heimdex/scenesplit/internal/media"
	"github.com/heimdex/scenesplit/internal/segment"
)

// boundaryTolerance absorbs float noise when comparing segment boundaries.
const boundaryTolerance = 1e-6

// Entry is one deliverable scene.
type Entry struct {
	Index       int     `json:"index"`
	DisplayName string  `json:"display_name"`
	Path        string  `json:"path"`
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Duration    float64 `json:"duration"`
	Size        int64   `json:"size"`
}

// Manifest is the ordered list of scenes produced for a job.
type Manifest struct {
	JobID     string  `json:"job_id"`
	Title     string  `json:"title,omitempty"`
	Duration  float64 `json:"duration"`
	FrameRate float64 `json:"frame_rate,omitempty"`
	Entries   []Entry `json:"entries"`
}

// TotalSize returns the sum of all entry sizes.
func (m *Manifest) TotalSize() int64 {
	var n int64
	for _, e := range m.Entries {
		n += e.Size
	}
	return n
}

// Entry returns the scene with the given 1-based index.
func (m *Manifest) Entry(index int) (Entry, bool) {
	if index < 1 || index > len(m.Entries) {
		return Entry{}, false
	}
	return m.Entries[index-1], true
}

// Batches splits the entries into groups of at most size, preserving order.
// Messaging transports typically cap attachments per message.
func (m *Manifest) Batches(size int) [][]Entry {
	if size <= 0 {
		size = len(m.Entries)
	}
	var out [][]Entry
	for i := 0; i < len(m.Entries); i += size {
		out = append(out, m.Entries[i:min(i+size, len(m.Entries))])
	}
	return out
}

// Input is everything Assemble needs about a finished segmentation.
type Input struct {
	JobID     string
	Title     string
	FrameRate float64
	Segments  []segment.Segment
	Planned   []segment.Range
}

// Assembler verifies segments and names them.
type Assembler struct {
	prober media.Prober
	logger *slog.Logger
}

func New(prober media.Prober, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Assembler{prober: prober, logger: logging.WithComponent(logger, "assemble")}
}

// Assemble verifies that in.Segments match in.Planned one for one, are
// contiguous from 0 to the end of the video, exist with non-zero size and
// probe as playable, then builds the manifest.
func (a *Assembler) Assemble(ctx context.Context, in Input) (*Manifest, error) {
	if err := Verify(in.Segments, in.Planned); err != nil {
		return nil, err
	}

	prefix := SanitizeName(in.Title, maxTitleLen)
	width := IndexWidth(len(in.Segments))

	m := &Manifest{
		JobID:     in.JobID,
		Title:     in.Title,
		Duration:  in.Planned[len(in.Planned)-1].End,
		FrameRate: in.FrameRate,
		Entries:   make([]Entry, 0, len(in.Segments)),
	}
	for _, s := range in.Segments {
		info, err := os.Stat(s.Path)
		if err != nil {
			return nil, failure.New(failure.KindTranscodeFailed, "scene %d missing: %v", s.Index, err)
		}
		if info.Size() == 0 {
			return nil, failure.New(failure.KindTranscodeFailed, "scene %d is empty", s.Index)
		}
		if _, err := a.prober.Probe(ctx, s.Path); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, failure.New(failure.KindTranscodeFailed, "scene %d is not playable: %v", s.Index, err)
		}

		m.Entries = append(m.Entries, Entry{
			Index:       s.Index,
			DisplayName: DisplayName(prefix, s.Index, width, filepath.Ext(s.Path)),
			Path:        s.Path,
			Start:       s.Start,
			End:         s.End,
			Duration:    s.End - s.Start,
			Size:        info.Size(),
		})
	}

	a.logger.Info("manifest assembled", "job_id", in.JobID, "scenes", len(m.Entries), "bytes", m.TotalSize())
	return m, nil
}

// Verify checks that segments correspond one for one to planned and cover
// [0, end) without gaps or overlaps.
func Verify(segments []segment.Segment, planned []segment.Range) error {
	if len(planned) == 0 {
		return failure.New(failure.KindInternal, "no planned ranges")
	}
	if len(segments) != len(planned) {
		return failure.New(failure.KindTranscodeFailed, "expected %d scenes, got %d", len(planned), len(segments))
	}
	if !near(segments[0].Start, 0) {
		return failure.New(failure.KindTranscodeFailed, "first scene starts at %.3f, not 0", segments[0].Start)
	}
	for i, s := range segments {
		p := planned[i]
		if s.Index != i+1 || s.Index != p.Index {
			return failure.New(failure.KindTranscodeFailed, "scene %d out of order (expected %d)", s.Index, i+1)
		}
		if !near(s.Start, p.Start) || !near(s.End, p.End) {
			return failure.New(failure.KindTranscodeFailed, "scene %d spans [%.3f, %.3f), planned [%.3f, %.3f)",
				s.Index, s.Start, s.End, p.Start, p.End)
		}
		if i > 0 && !near(segments[i-1].End, s.Start) {
			return failure.New(failure.KindTranscodeFailed, "gap between scene %d and %d", i, s.Index)
		}
	}
	last := segments[len(segments)-1]
	if !near(last.End, planned[len(planned)-1].End) {
		return failure.New(failure.KindTranscodeFailed, "last scene ends at %.3f, video ends at %.3f",
			last.End, planned[len(planned)-1].End)
	}
	return nil
}

func near(a, b float64) bool {
	return math.Abs(a-b) <= boundaryTolerance
}

const maxTitleLen = 60

// IndexWidth is the zero-padding width for n scenes: at least three digits.
func IndexWidth(n int) int {
	return max(3, len(fmt.Sprint(n)))
}

// DisplayName builds "scene-007.mp4", or "<prefix>-scene-007.mp4" when a
// sanitised prefix is given.
func DisplayName(prefix string, index, width int, ext string) string {
	name := fmt.Sprintf("scene-%0*d%s", width, index, strings.ToLower(ext))
	if prefix == "" {
		return name
	}
	return prefix + "-" + name
}
