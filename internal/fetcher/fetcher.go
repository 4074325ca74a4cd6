// Package fetcher turns raw extractor output into validated metadata.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"
	"golang.org/x/sync/singleflight"

	"github.com/italolelis/vidgrab/internal/extract"
	"github.com/italolelis/vidgrab/internal/logctx"
	"github.com/italolelis/vidgrab/internal/platform"
	"github.com/italolelis/vidgrab/internal/video"
)

type Fetcher struct {
	extractor extract.Extractor
	group     singleflight.Group
}

func New(extractor extract.Extractor) *Fetcher {
	return &Fetcher{extractor: extractor}
}

// Fetch retrieves metadata for url. It never retries; concurrent calls for the same url share
// one extractor call. Every error that is not a context error is a *video.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, url string, p platform.Platform) (*video.Metadata, error) {
	logger := logctx.LoggerFromContext(ctx).With("platform", p.String())

	v, err, shared := f.group.Do(p.String()+"|"+url, func() (any, error) {
		meta, err := f.extractor.Extract(ctx, url, p)
		if err != nil {
			return nil, classify(err)
		}

		return normalize(meta)
	})
	if err != nil {
		logger.Debug("metadata fetch failed", "err", err, "shared", shared)

		return nil, err
	}

	// Callers sharing a flight get their own copy so nobody mutates another caller's formats.
	meta := *v.(*video.Metadata)
	meta.Formats = append([]video.Format(nil), meta.Formats...)

	return &meta, nil
}

func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var fe *video.FetchError
	if errors.As(err, &fe) {
		return err
	}

	return video.NewTransientError("extract", err)
}

// normalize validates meta and orders its formats from lowest to highest quality, keeping a
// single entry per tier.
func normalize(meta *video.Metadata) (*video.Metadata, error) {
	if meta == nil {
		return nil, video.NewMalformedError("extract", errors.New("empty response"))
	}

	out := *meta
	out.Title = strings.TrimSpace(meta.Title)

	if out.Title == "" {
		return nil, video.NewMalformedError("extract", errors.New("missing title"))
	}

	formats := lo.FilterMap(meta.Formats, func(f video.Format, _ int) (video.Format, bool) {
		if !f.Quality.Valid() {
			return f, false
		}

		container, ok := video.NormalizeContainer(f.Container)
		if !ok {
			return f, false
		}

		f.Container = container
		f.FileSize = max(f.FileSize, 0)

		return f, true
	})

	byQuality := lo.GroupBy(formats, func(f video.Format) video.Quality { return f.Quality })

	out.Formats = lo.FilterMap(video.Qualities(), func(q video.Quality, _ int) (video.Format, bool) {
		candidates, ok := byQuality[q]
		if !ok {
			return video.Format{}, false
		}

		return lo.MaxBy(candidates, func(a, b video.Format) bool { return a.FileSize > b.FileSize }), true
	})

	if len(out.Formats) == 0 {
		return nil, video.NewMalformedError("extract", fmt.Errorf("no usable formats for %q", out.Title))
	}

	return &out, nil
}
