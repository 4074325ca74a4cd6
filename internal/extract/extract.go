// Package extract defines the boundary to the external capability that knows how to read video
// metadata and media from a platform. Adapters live in sub-packages.
package extract

import (
	"context"

	"github.com/italolelis/vidgrab/internal/platform"
	"github.com/italolelis/vidgrab/internal/telemetry"
	"github.com/italolelis/vidgrab/internal/video"
)

// ProgressFunc receives the completed percentage of a running materialization.
type ProgressFunc func(percent float64)

// MaterializeRequest asks an extractor to write the media for one quality tier to DestPath.
type MaterializeRequest struct {
	URL       string
	Platform  platform.Platform
	Quality   video.Quality
	Container string
	DestPath  string
}

// Extractor is implemented by every extraction backend.
//
// Errors should be *video.FetchError so callers can tell transient from permanent failures,
// or *video.StorageError when writing DestPath fails. Context errors are returned as is.
type Extractor interface {
	Extract(ctx context.Context, url string, p platform.Platform) (*video.Metadata, error)
	Materialize(ctx context.Context, req MaterializeRequest, onProgress ProgressFunc) (int64, error)
}

// InstrumentedExtractor wraps an Extractor with telemetry.
type InstrumentedExtractor struct {
	extractor Extractor
	telemetry *telemetry.Telemetry
	name      string
}

// NewInstrumentedExtractor creates a new instrumented extractor.
func NewInstrumentedExtractor(e Extractor, tel *telemetry.Telemetry, name string) *InstrumentedExtractor {
	return &InstrumentedExtractor{extractor: e, telemetry: tel, name: name}
}

// Extract retrieves metadata with telemetry.
func (e *InstrumentedExtractor) Extract(ctx context.Context, url string, p platform.Platform) (*video.Metadata, error) {
	var result *video.Metadata

	err := e.telemetry.InstrumentExtractorOperation(ctx, e.name, "extract", func(ctx context.Context) error {
		var err error

		result, err = e.extractor.Extract(ctx, url, p)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Materialize writes media with telemetry.
func (e *InstrumentedExtractor) Materialize(ctx context.Context, req MaterializeRequest, onProgress ProgressFunc) (int64, error) {
	var n int64

	err := e.telemetry.InstrumentExtractorOperation(ctx, e.name, "materialize", func(ctx context.Context) error {
		var err error

		n, err = e.extractor.Materialize(ctx, req, onProgress)

		return err
	})

	return n, err
}
