package jobs

import (
	"context"

	"github.com/heimdex/scenesplit/internal/acquire"
	"github.com/heimdex/scenesplit/internal/assemble"
	"github.com/heimdex/scenesplit/internal/detect"
	"github.com/heimdex/scenesplit/internal/segment"
	"github.com/heimdex/scenesplit/internal/storage"
)

// Acquirer materialises a job's source inside its scope.
type Acquirer interface {
	Acquire(ctx context.Context, src acquire.Source, scope *storage.Scope, maxSize int64, opts ...acquire.Option) (*acquire.Result, error)
}

// Detector finds scene cuts in a local video.
type Detector interface {
	Detect(ctx context.Context, path string, params detect.Params) (*detect.Result, error)
}

// Segmenter splits a local video at the given cuts.
type Segmenter interface {
	Segment(ctx context.Context, localPath string, cuts []float64, duration float64, spacing segment.Spacing, scope *storage.Scope, opts ...segment.Option) ([]segment.Segment, error)
}

// Assembler verifies segments and builds the manifest.
type Assembler interface {
	Assemble(ctx context.Context, in assemble.Input) (*assemble.Manifest, error)
}

// Stages are the pipeline steps a worker drives, in order.
type Stages struct {
	Acquirer  Acquirer
	Detector  Detector
	Segmenter Segmenter
	Assembler Assembler
	Deliverer assemble.Deliverer
}
