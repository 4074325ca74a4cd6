package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/vidgrab/internal/storage"
)

func newRecord(id string, at time.Time) storage.DownloadRecord {
	return storage.DownloadRecord{
		ID:        id,
		SourceURL: "https://www.tiktok.com/@a/video/1",
		Platform:  "tiktok",
		Quality:   "high",
		Title:     "clip",
		Container: "mp4",
		Status:    storage.StatusPending,
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func TestLedgerLifecycle(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, l.Create(ctx, newRecord("a", now)))
	require.Error(t, l.Create(ctx, newRecord("a", now)))

	require.NoError(t, l.Transition(ctx, "a", storage.Transition{
		From: []storage.Status{storage.StatusPending}, To: storage.StatusDownloading, At: now,
	}))

	require.NoError(t, l.UpdateProgress(ctx, "a", 40, now))
	require.NoError(t, l.UpdateProgress(ctx, "a", 20, now))

	rec, err := l.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 40, rec.Progress)

	require.NoError(t, l.Transition(ctx, "a", storage.Transition{
		From:         []storage.Status{storage.StatusDownloading},
		To:           storage.StatusCompleted,
		ArtifactPath: "/data/a.mp4",
		FileSize:     1024,
		At:           now.Add(time.Minute),
	}))

	rec, err = l.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, rec.Status)
	assert.Equal(t, "/data/a.mp4", rec.ArtifactPath)
	assert.Equal(t, 100, rec.Progress)

	require.NoError(t, l.Transition(ctx, "a", storage.Transition{
		From: []storage.Status{storage.StatusCompleted}, To: storage.StatusServed, At: now.Add(2 * time.Minute),
	}))

	rec, err = l.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusServed, rec.Status)
	assert.Empty(t, rec.ArtifactPath)

	err = l.Transition(ctx, "a", storage.Transition{
		From: []storage.Status{storage.StatusCompleted}, To: storage.StatusFailed, FailureReason: storage.ReasonExpired,
	})
	assert.ErrorIs(t, err, storage.ErrStaleTransition)
}

func TestLedgerRejectsInvalidEdges(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	require.NoError(t, l.Create(ctx, newRecord("a", time.Now())))

	err := l.Transition(ctx, "a", storage.Transition{
		From: []storage.Status{storage.StatusPending}, To: storage.StatusServed,
	})
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)

	err = l.Transition(ctx, "missing", storage.Transition{
		From: []storage.Status{storage.StatusPending}, To: storage.StatusDownloading,
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLedgerQueries(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, l.Create(ctx, newRecord(id, base.Add(time.Duration(i)*time.Hour))))
	}

	active, err := l.FindActive(ctx, "https://www.tiktok.com/@a/video/1", "high")
	require.NoError(t, err)
	assert.Equal(t, "c", active.ID)

	_, err = l.FindActive(ctx, "https://www.tiktok.com/@a/video/1", "4k")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	recent, err := l.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "c", recent[0].ID)
	assert.Equal(t, "b", recent[1].ID)

	stale, err := l.ListByStatus(ctx, storage.StatusPending, base.Add(90*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 2)
	assert.Equal(t, "a", stale[0].ID)

	require.NoError(t, l.Transition(ctx, "a", storage.Transition{
		From: []storage.Status{storage.StatusPending}, To: storage.StatusFailed,
		FailureReason: storage.ReasonInterrupted, At: base,
	}))

	n, err := l.Prune(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Equal(t, 2, l.Len())
}
