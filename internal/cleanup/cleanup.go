// Package cleanup disposes of artifacts that were never served and of ledger rows nobody needs anymore.
package cleanup

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"

	"github.com/italolelis/vidgrab/internal/artifact"
	"github.com/italolelis/vidgrab/internal/logctx"
	"github.com/italolelis/vidgrab/internal/storage"
	"github.com/italolelis/vidgrab/internal/telemetry"
)

// Artifacts is the part of the artifact store the sweeper needs.
type Artifacts interface {
	Lease(id string) (func(), error)
	Reclaim(id string) (int, error)
	List() ([]artifact.Entry, error)
}

type Config struct {
	// Retention is how long a completed artifact waits to be served before it expires.
	Retention time.Duration
	// RecordRetention is how long failed and served records are kept. Zero keeps them forever.
	RecordRetention time.Duration
	// Interval between sweeps when running in the background.
	Interval time.Duration
}

// Result summarizes one sweep.
type Result struct {
	Expired int
	Orphans int
	Pruned  int64
	Files   int
	Bytes   int64
}

type Sweeper struct {
	ledger    storage.Ledger
	artifacts Artifacts
	clock     clockwork.Clock
	cfg       Config
	telemetry *telemetry.Telemetry

	mu    sync.Mutex
	queue expiryQueue
}

func NewSweeper(ledger storage.Ledger, artifacts Artifacts, clock clockwork.Clock, cfg Config, tel *telemetry.Telemetry) *Sweeper {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Sweeper{
		ledger:    ledger,
		artifacts: artifacts,
		clock:     clock,
		cfg:       cfg,
		telemetry: tel,
	}
}

// Schedule queues id for expiry once the retention window after completedAt has passed.
func (s *Sweeper) Schedule(id string, completedAt time.Time) {
	s.scheduleAt(id, completedAt.Add(s.cfg.Retention))
}

func (s *Sweeper) scheduleAt(id string, deadline time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	heap.Push(&s.queue, expiry{id: id, deadline: deadline})
}

// Pending returns the number of scheduled expiries.
func (s *Sweeper) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.queue.Len()
}

// Run sweeps every Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx).With("component", "sweeper")

	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("sweeper shutting down")

			return nil
		case <-ticker.Chan():
			res, err := s.RunOnce(ctx)
			if err != nil {
				logger.Error("sweep finished with errors", "err", err)
			}

			if res.Expired > 0 || res.Orphans > 0 || res.Pruned > 0 {
				logger.Info("sweep completed",
					"expired", res.Expired,
					"orphans", res.Orphans,
					"pruned", res.Pruned,
					"artifact_files", res.Files,
					"artifact_usage", humanize.Bytes(uint64(max(res.Bytes, 0))),
				)
			}
		}
	}
}

// RunOnce expires due artifacts, removes orphaned files and prunes old ledger rows.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	var (
		res  Result
		errs []error
	)

	now := s.clock.Now()

	for _, id := range s.dueIDs(ctx, now) {
		expired, err := s.Expire(ctx, id)
		if err != nil {
			errs = append(errs, err)

			continue
		}

		if expired {
			res.Expired++
		}
	}

	orphans, err := s.sweepOrphans(ctx, now)
	if err != nil {
		errs = append(errs, err)
	}

	res.Orphans = orphans

	if s.cfg.RecordRetention > 0 {
		pruned, err := s.ledger.Prune(ctx, now.Add(-s.cfg.RecordRetention))
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to prune ledger: %w", err))
		}

		res.Pruned = pruned
	}

	if entries, err := s.artifacts.List(); err == nil {
		for _, e := range entries {
			res.Files++
			res.Bytes += e.Size
		}

		s.telemetry.RecordArtifactUsage(res.Files, res.Bytes)
	}

	s.telemetry.RecordArtifactsReclaimed("expired", res.Expired)
	s.telemetry.RecordArtifactsReclaimed("orphan", res.Orphans)

	return res, errors.Join(errs...)
}

// dueIDs merges scheduled expiries with completed records the ledger reports as past retention,
// so expiry survives restarts.
func (s *Sweeper) dueIDs(ctx context.Context, now time.Time) []string {
	s.mu.Lock()
	ids := s.queue.popDue(now)
	s.mu.Unlock()

	stale, err := s.ledger.ListByStatus(ctx, storage.StatusCompleted, now.Add(-s.cfg.Retention))
	if err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to list completed downloads for expiry", "err", err)
	}

	seen := make(map[string]struct{}, len(ids)+len(stale))
	out := make([]string, 0, len(ids)+len(stale))

	for _, id := range ids {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}

	for _, rec := range stale {
		if _, ok := seen[rec.ID]; !ok {
			seen[rec.ID] = struct{}{}
			out = append(out, rec.ID)
		}
	}

	return out
}

// Expire moves a completed download to failed(expired) and deletes its artifact. It reports false
// when there was nothing to expire: the artifact is being served, was already served, or the
// record no longer exists.
func (s *Sweeper) Expire(ctx context.Context, id string) (bool, error) {
	logger := logctx.LoggerFromContext(ctx)

	release, err := s.artifacts.Lease(id)
	if errors.Is(err, artifact.ErrBusy) {
		logger.Debug("artifact is being served, retrying expiry later", "download_id", id)
		s.scheduleAt(id, s.clock.Now().Add(s.cfg.Interval))

		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("failed to lease artifact %s: %w", id, err)
	}
	defer release()

	now := s.clock.Now()

	err = s.ledger.Transition(ctx, id, storage.Transition{
		From:          []storage.Status{storage.StatusCompleted},
		To:            storage.StatusFailed,
		FailureReason: storage.ReasonExpired,
		At:            now,
	})

	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		_, err := s.artifacts.Reclaim(id)

		return false, err
	case errors.Is(err, storage.ErrStaleTransition):
		// Lost the race; the winner is responsible for the file unless the record is terminal.
		rec, getErr := s.ledger.Get(ctx, id)
		if getErr != nil || !rec.Status.IsTerminal() {
			return false, nil
		}

		if _, err := s.artifacts.Reclaim(id); err != nil {
			return false, err
		}

		return false, nil
	default:
		return false, fmt.Errorf("failed to expire download %s: %w", id, err)
	}

	removed, err := s.artifacts.Reclaim(id)
	if err != nil {
		s.telemetry.RecordSystemError("sweeper", "reclaim")

		return false, fmt.Errorf("failed to reclaim artifact %s: %w", id, err)
	}

	logger.Info("expired unserved download", "download_id", id, "files_removed", removed)

	return true, nil
}

// sweepOrphans deletes files older than the retention window that no live record accounts for.
func (s *Sweeper) sweepOrphans(ctx context.Context, now time.Time) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	entries, err := s.artifacts.List()
	if err != nil {
		return 0, fmt.Errorf("failed to list artifacts: %w", err)
	}

	removed := 0

	for _, e := range entries {
		if now.Sub(e.ModTime) < s.cfg.Retention {
			continue
		}

		rec, err := s.ledger.Get(ctx, e.ID)

		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			logger.Warn("failed to look up artifact owner, keeping file", "download_id", e.ID, "err", err)

			continue
		case rec.Degraded || rec.Status.IsActive() || rec.Status == storage.StatusCompleted:
			continue
		}

		release, err := s.artifacts.Lease(e.ID)
		if err != nil {
			continue
		}

		n, err := s.artifacts.Reclaim(e.ID)
		release()

		if err != nil {
			logger.Error("failed to remove orphaned artifact", "path", e.Path, "err", err)

			continue
		}

		if n > 0 {
			removed++

			logger.Info("removed orphaned artifact", "path", e.Path, "size", humanize.Bytes(uint64(max(e.Size, 0))))
		}
	}

	return removed, nil
}
