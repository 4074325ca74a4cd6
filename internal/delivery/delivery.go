// Package delivery hands completed artifacts to exactly one client and disposes of them afterwards.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/italolelis/vidgrab/internal/artifact"
	"github.com/italolelis/vidgrab/internal/logctx"
	"github.com/italolelis/vidgrab/internal/storage"
	"github.com/italolelis/vidgrab/internal/telemetry"
	"github.com/italolelis/vidgrab/internal/video"
)

var (
	// ErrNotFoundOrExpired is returned for unknown ids and for artifacts that are gone.
	ErrNotFoundOrExpired = errors.New("download not found or expired")
	// ErrInProgress is returned while another client is receiving the same artifact.
	ErrInProgress = errors.New("download already in progress")
)

// Artifacts is the part of the artifact store delivery needs.
type Artifacts interface {
	Lease(id string) (func(), error)
	Find(id string) (artifact.Entry, bool)
	Reclaim(id string) (int, error)
}

// Artifact is an open, leased artifact ready to be streamed.
type Artifact struct {
	ID                 string
	File               *os.File
	Size               int64
	ContentType        string
	ContentDisposition string

	record  storage.DownloadRecord
	release func()
}

type Service struct {
	ledger    storage.Ledger
	artifacts Artifacts
	clock     clockwork.Clock
	telemetry *telemetry.Telemetry
}

func NewService(ledger storage.Ledger, artifacts Artifacts, clock clockwork.Clock, tel *telemetry.Telemetry) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Service{ledger: ledger, artifacts: artifacts, clock: clock, telemetry: tel}
}

// Open leases the artifact of a completed download. The caller must pass the result to Finish.
func (s *Service) Open(ctx context.Context, id string) (*Artifact, error) {
	if uuid.Validate(id) != nil {
		return nil, ErrNotFoundOrExpired
	}

	release, err := s.artifacts.Lease(id)

	switch {
	case errors.Is(err, artifact.ErrBusy):
		return nil, ErrInProgress
	case errors.Is(err, artifact.ErrInvalidID):
		return nil, ErrNotFoundOrExpired
	case err != nil:
		return nil, fmt.Errorf("failed to lease artifact: %w", err)
	}

	art, err := s.open(ctx, id)
	if err != nil {
		release()

		return nil, err
	}

	art.release = release

	return art, nil
}

func (s *Service) open(ctx context.Context, id string) (*Artifact, error) {
	rec, err := s.ledger.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFoundOrExpired
	}

	if err != nil {
		return nil, fmt.Errorf("failed to look up download: %w", err)
	}

	if rec.Status != storage.StatusCompleted {
		return nil, ErrNotFoundOrExpired
	}

	entry, ok := s.artifacts.Find(id)
	if !ok {
		s.converge(ctx, rec)

		return nil, ErrNotFoundOrExpired
	}

	f, err := os.Open(entry.Path)
	if errors.Is(err, os.ErrNotExist) {
		s.converge(ctx, rec)

		return nil, ErrNotFoundOrExpired
	}

	if err != nil {
		return nil, &video.StorageError{Op: "open", Path: entry.Path, Err: err}
	}

	container := entry.Container
	if container == "" {
		container = rec.Container
	}

	return &Artifact{
		ID:                 id,
		File:               f,
		Size:               entry.Size,
		ContentType:        video.ContentType(container),
		ContentDisposition: ContentDisposition(rec.Title, container),
		record:             *rec,
	}, nil
}

// converge moves a completed record whose file has vanished to failed(expired).
func (s *Service) converge(ctx context.Context, rec *storage.DownloadRecord) {
	if rec.Degraded {
		return
	}

	err := s.ledger.Transition(context.WithoutCancel(ctx), rec.ID, storage.Transition{
		From:          []storage.Status{storage.StatusCompleted},
		To:            storage.StatusFailed,
		FailureReason: storage.ReasonExpired,
		At:            s.clock.Now(),
	})
	if err != nil && !errors.Is(err, storage.ErrStaleTransition) {
		logctx.LoggerFromContext(ctx).Warn("failed to expire download with missing artifact", "download_id", rec.ID, "err", err)
	}
}

// Finish closes and releases art. When written covers the whole file the download is marked served
// and the artifact deleted; otherwise the artifact stays for another attempt.
func (s *Service) Finish(ctx context.Context, art *Artifact, written int64) error {
	defer art.release()

	logger := logctx.LoggerFromContext(ctx).With("download_id", art.ID)
	complete := written == art.Size

	s.telemetry.RecordBytesServed(written, complete)

	var errs []error

	if err := art.File.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close artifact: %w", err))
	}

	if !complete {
		logger.Info("download aborted by client, keeping artifact",
			"sent", humanize.Bytes(uint64(max(written, 0))),
			"size", humanize.Bytes(uint64(max(art.Size, 0))),
		)

		return errors.Join(errs...)
	}

	err := s.ledger.Transition(context.WithoutCancel(ctx), art.ID, storage.Transition{
		From: []storage.Status{storage.StatusCompleted},
		To:   storage.StatusServed,
		At:   s.clock.Now(),
	})
	if err != nil && !art.record.Degraded {
		errs = append(errs, fmt.Errorf("failed to mark download served: %w", err))
	}

	// The file goes regardless of the ledger outcome: a completed record without a file converges
	// to expired on the next request.
	if _, err := s.artifacts.Reclaim(art.ID); err != nil {
		s.telemetry.RecordSystemError("delivery", "reclaim")
		errs = append(errs, fmt.Errorf("failed to reclaim artifact: %w", err))
	}

	s.telemetry.RecordArtifactsReclaimed("served", 1)
	logger.Info("download served", "size", humanize.Bytes(uint64(max(written, 0))))

	return errors.Join(errs...)
}
