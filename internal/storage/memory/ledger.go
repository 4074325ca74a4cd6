// Package memory is an in-process Ledger with the same semantics as the sqlite one.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/italolelis/vidgrab/internal/storage"
)

type Ledger struct {
	mu      sync.RWMutex
	records map[string]storage.DownloadRecord
}

func NewLedger() *Ledger {
	return &Ledger{records: make(map[string]storage.DownloadRecord)}
}

func (l *Ledger) Create(_ context.Context, rec storage.DownloadRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.records[rec.ID]; ok {
		return fmt.Errorf("download record %s already exists", rec.ID)
	}

	l.records[rec.ID] = rec

	return nil
}

// Put stores rec unconditionally. It is used to mirror records written elsewhere.
func (l *Ledger) Put(rec storage.DownloadRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records[rec.ID] = rec
}

func (l *Ledger) Get(_ context.Context, id string) (*storage.DownloadRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.records[id]
	if !ok {
		return nil, storage.ErrNotFound
	}

	return &rec, nil
}

func (l *Ledger) Transition(_ context.Context, id string, t storage.Transition) error {
	if err := t.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[id]
	if !ok {
		return storage.ErrNotFound
	}

	if !t.Allows(rec.Status) {
		return fmt.Errorf("%w: %s is %s", storage.ErrStaleTransition, id, rec.Status)
	}

	l.records[id] = t.Apply(rec)

	return nil
}

func (l *Ledger) UpdateProgress(_ context.Context, id string, percent int, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[id]
	if !ok {
		return storage.ErrNotFound
	}

	if rec.Status != storage.StatusDownloading || percent <= rec.Progress {
		return nil
	}

	rec.Progress = min(percent, 100)
	rec.UpdatedAt = at
	l.records[id] = rec

	return nil
}

func (l *Ledger) FindActive(_ context.Context, sourceURL, quality string) (*storage.DownloadRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var found *storage.DownloadRecord

	for _, rec := range l.records {
		if rec.SourceURL != sourceURL || rec.Quality != quality || !rec.Status.IsActive() {
			continue
		}

		if found == nil || rec.CreatedAt.After(found.CreatedAt) {
			r := rec
			found = &r
		}
	}

	if found == nil {
		return nil, storage.ErrNotFound
	}

	return found, nil
}

func (l *Ledger) ListByStatus(_ context.Context, status storage.Status, updatedBefore time.Time) ([]storage.DownloadRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []storage.DownloadRecord

	for _, rec := range l.records {
		if rec.Status == status && rec.UpdatedAt.Before(updatedBefore) {
			out = append(out, rec)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })

	return out, nil
}

func (l *Ledger) Recent(_ context.Context, limit int) ([]storage.DownloadRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]storage.DownloadRecord, 0, len(l.records))
	for _, rec := range l.records {
		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

func (l *Ledger) Prune(_ context.Context, before time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var n int64

	for id, rec := range l.records {
		if rec.Status.IsTerminal() && rec.UpdatedAt.Before(before) {
			delete(l.records, id)
			n++
		}
	}

	return n, nil
}

// Len returns the number of stored records.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.records)
}
