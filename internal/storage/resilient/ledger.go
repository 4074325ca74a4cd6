// Package resilient keeps the download ledger answering while the durable backend is unavailable.
//
// Every write goes to the primary ledger and is mirrored in memory. When the primary fails
// the ledger switches to degraded mode: reads and writes are served from the mirror and, when
// enabled, status lookups for ids the mirror does not know fall back to inspecting the artifact
// directory. Records produced that way carry Degraded=true. The first successful primary call
// switches back and replays the writes the primary missed.
package resilient

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/italolelis/vidgrab/internal/artifact"
	"github.com/italolelis/vidgrab/internal/logctx"
	"github.com/italolelis/vidgrab/internal/storage"
	"github.com/italolelis/vidgrab/internal/storage/memory"
	"github.com/italolelis/vidgrab/internal/telemetry"
)

// ArtifactFinder looks up committed artifacts by id.
type ArtifactFinder interface {
	Find(id string) (artifact.Entry, bool)
}

// ModeChangeFunc is called when the ledger enters or leaves degraded mode.
type ModeChangeFunc func(ctx context.Context, degraded bool, cause error)

type Options struct {
	// Artifacts enables status inference from files on disk when set.
	Artifacts ArtifactFinder
	OnChange  ModeChangeFunc
	Telemetry *telemetry.Telemetry
}

type Ledger struct {
	primary storage.Ledger
	mirror  *memory.Ledger
	opts    Options

	mu       sync.Mutex
	degraded bool
	// unsynced holds ids written only to the mirror, with the artifact path they completed with.
	unsynced map[string]string

	replayMu sync.Mutex
}

var _ storage.Ledger = (*Ledger)(nil)

func New(primary storage.Ledger, opts Options) *Ledger {
	return &Ledger{primary: primary, mirror: memory.NewLedger(), opts: opts, unsynced: make(map[string]string)}
}

// Degraded reports whether the primary ledger is currently unavailable.
func (l *Ledger) Degraded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.degraded
}

// observe records the outcome of a primary call and reports whether the caller should fall back.
func (l *Ledger) observe(ctx context.Context, err error) bool {
	failed := storage.IsLedgerFailure(err)

	l.mu.Lock()
	changed := l.degraded != failed
	l.degraded = failed
	l.mu.Unlock()

	if changed {
		logger := logctx.LoggerFromContext(ctx)

		if failed {
			logger.WarnContext(ctx, "download ledger unavailable, serving from degraded in-memory state", "err", err)
		} else {
			logger.InfoContext(ctx, "download ledger recovered")
		}

		l.opts.Telemetry.RecordLedgerModeChange(failed)

		if failed {
			l.opts.Telemetry.RecordSystemError("ledger", "unavailable")
		}

		if l.opts.OnChange != nil {
			l.opts.OnChange(ctx, failed, err)
		}

		if !failed {
			l.replayAll(ctx)
		}
	}

	return failed
}

func (l *Ledger) Create(ctx context.Context, rec storage.DownloadRecord) error {
	err := l.primary.Create(ctx, rec)
	if l.observe(ctx, err) {
		if err := l.mirror.Create(ctx, rec); err != nil {
			return err
		}

		l.markUnsynced(rec.ID, rec.ArtifactPath)

		return nil
	}

	if err != nil {
		return err
	}

	l.mirror.Put(rec)

	return nil
}

func (l *Ledger) Get(ctx context.Context, id string) (*storage.DownloadRecord, error) {
	l.settle(ctx, id)
	unsynced := l.isUnsynced(id)

	rec, err := l.primary.Get(ctx, id)
	if !l.observe(ctx, err) {
		// Every write reaches the mirror, so it holds the newest state of ids the primary missed.
		if unsynced {
			if newer, mErr := l.mirror.Get(ctx, id); mErr == nil {
				return newer, nil
			}
		}

		if err == nil {
			l.mirror.Put(*rec)
		}

		return rec, err
	}

	if rec, err := l.mirror.Get(ctx, id); err == nil {
		rec.Degraded = true

		return rec, nil
	}

	if l.opts.Artifacts != nil {
		if entry, ok := l.opts.Artifacts.Find(id); ok {
			return synthesize(entry), nil
		}
	}

	return nil, storage.ErrNotFound
}

func (l *Ledger) Transition(ctx context.Context, id string, t storage.Transition) error {
	l.settle(ctx, id)

	err := l.primary.Transition(ctx, id, t)
	if l.observe(ctx, err) {
		if err := l.mirror.Transition(ctx, id, t); err != nil {
			return err
		}

		l.markUnsynced(id, t.ArtifactPath)

		return nil
	}

	if err == nil {
		// The mirror may not know records created by an earlier process.
		_ = l.mirror.Transition(ctx, id, t)
	}

	return err
}

func (l *Ledger) UpdateProgress(ctx context.Context, id string, percent int, at time.Time) error {
	l.settle(ctx, id)

	err := l.primary.UpdateProgress(ctx, id, percent, at)
	if l.observe(ctx, err) {
		return l.mirror.UpdateProgress(ctx, id, percent, at)
	}

	if err == nil {
		_ = l.mirror.UpdateProgress(ctx, id, percent, at)
	}

	return err
}

func (l *Ledger) FindActive(ctx context.Context, sourceURL, quality string) (*storage.DownloadRecord, error) {
	rec, err := l.primary.FindActive(ctx, sourceURL, quality)
	if l.observe(ctx, err) {
		return l.mirror.FindActive(ctx, sourceURL, quality)
	}

	return rec, err
}

func (l *Ledger) ListByStatus(ctx context.Context, status storage.Status, updatedBefore time.Time) ([]storage.DownloadRecord, error) {
	recs, err := l.primary.ListByStatus(ctx, status, updatedBefore)
	if l.observe(ctx, err) {
		return l.mirror.ListByStatus(ctx, status, updatedBefore)
	}

	return recs, err
}

func (l *Ledger) Recent(ctx context.Context, limit int) ([]storage.DownloadRecord, error) {
	recs, err := l.primary.Recent(ctx, limit)
	if l.observe(ctx, err) {
		return l.mirror.Recent(ctx, limit)
	}

	return recs, err
}

func (l *Ledger) Prune(ctx context.Context, before time.Time) (int64, error) {
	_, _ = l.mirror.Prune(ctx, before)

	n, err := l.primary.Prune(ctx, before)
	l.observe(ctx, err)

	return n, err
}

func (l *Ledger) markUnsynced(id, artifactPath string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if artifactPath == "" {
		artifactPath = l.unsynced[id]
	}

	l.unsynced[id] = artifactPath
}

func (l *Ledger) isUnsynced(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.unsynced[id]

	return ok
}

// settle replays id before a per-record call so the primary does not act on a stale status.
// A failure is left to the primary call that follows.
func (l *Ledger) settle(ctx context.Context, id string) {
	if !l.isUnsynced(id) {
		return
	}

	_ = l.replay(ctx, id)
}

func (l *Ledger) replayAll(ctx context.Context) {
	l.mu.Lock()
	ids := make([]string, 0, len(l.unsynced))
	for id := range l.unsynced {
		ids = append(ids, id)
	}
	l.mu.Unlock()

	if len(ids) == 0 {
		return
	}

	logger := logctx.LoggerFromContext(ctx)

	for _, id := range ids {
		if err := l.replay(ctx, id); err != nil {
			logger.WarnContext(ctx, "failed to replay degraded-mode writes", "download_id", id, "err", err)

			return
		}
	}

	logger.InfoContext(ctx, "replayed degraded-mode writes into the download ledger", "count", len(ids))
}

// replay brings the primary copy of id up to the mirror's. It returns an error only when the
// primary is unavailable; the id then stays unsynced.
func (l *Ledger) replay(ctx context.Context, id string) error {
	l.replayMu.Lock()
	defer l.replayMu.Unlock()

	l.mu.Lock()
	artifactPath, ok := l.unsynced[id]
	l.mu.Unlock()

	if !ok {
		return nil
	}

	want, err := l.mirror.Get(ctx, id)
	if err == nil {
		var have *storage.DownloadRecord

		have, err = l.primary.Get(ctx, id)

		switch {
		case errors.Is(err, storage.ErrNotFound):
			err = l.primary.Create(ctx, *want)
		case err == nil:
			err = l.catchUp(ctx, *have, *want, artifactPath)
		}

		if storage.IsLedgerFailure(err) {
			return err
		}

		if err != nil {
			logctx.LoggerFromContext(ctx).WarnContext(ctx, "dropping degraded-mode write the ledger rejects",
				"download_id", id, "status", want.Status, "err", err)
		}
	}

	l.mu.Lock()
	delete(l.unsynced, id)
	l.mu.Unlock()

	return nil
}

// catchUp walks the primary record have along the state machine to want's status.
func (l *Ledger) catchUp(ctx context.Context, have, want storage.DownloadRecord, artifactPath string) error {
	if have.Status == want.Status {
		if want.Progress > have.Progress {
			return l.primary.UpdateProgress(ctx, want.ID, want.Progress, want.UpdatedAt)
		}

		return nil
	}

	steps := route(have.Status, want.Status)
	if steps == nil {
		// The primary moved on by itself; it wins.
		l.mirror.Put(have)

		return nil
	}

	if artifactPath == "" {
		artifactPath = want.ArtifactPath
	}

	from := have.Status

	for _, to := range steps {
		t := storage.Transition{From: []storage.Status{from}, To: to, At: want.UpdatedAt}

		switch to {
		case storage.StatusCompleted:
			if artifactPath == "" {
				t.To = storage.StatusFailed
				t.FailureReason = storage.ReasonInterrupted
			}

			t.ArtifactPath = artifactPath
			t.FileSize = want.FileSize

			if !want.CompletedAt.IsZero() {
				t.At = want.CompletedAt
			}
		case storage.StatusFailed:
			t.FailureReason = want.FailureReason
		case storage.StatusPending, storage.StatusDownloading, storage.StatusServed:
		}

		if err := l.primary.Transition(ctx, want.ID, t); err != nil {
			return err
		}

		if t.To != to {
			rec := t.Apply(have)
			l.mirror.Put(rec)

			return nil
		}

		from = to
	}

	return nil
}

var statuses = []storage.Status{
	storage.StatusPending,
	storage.StatusDownloading,
	storage.StatusCompleted,
	storage.StatusServed,
	storage.StatusFailed,
}

// route returns the statuses after from on the shortest path to to, or nil when to is unreachable.
func route(from, to storage.Status) []storage.Status {
	prev := map[storage.Status]storage.Status{from: from}
	queue := []storage.Status{from}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if cur == to {
			var path []storage.Status
			for s := to; s != from; s = prev[s] {
				path = append([]storage.Status{s}, path...)
			}

			return path
		}

		for _, next := range statuses {
			if _, seen := prev[next]; !seen && storage.ValidTransition(cur, next) {
				prev[next] = cur
				queue = append(queue, next)
			}
		}
	}

	return nil
}

func synthesize(entry artifact.Entry) *storage.DownloadRecord {
	return &storage.DownloadRecord{
		ID:           entry.ID,
		Container:    entry.Container,
		FileSize:     entry.Size,
		Status:       storage.StatusCompleted,
		Progress:     100,
		ArtifactPath: entry.Path,
		Degraded:     true,
		CreatedAt:    entry.ModTime,
		UpdatedAt:    entry.ModTime,
		CompletedAt:  entry.ModTime,
	}
}
