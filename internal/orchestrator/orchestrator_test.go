package orchestrator

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/vidgrab/internal/artifact"
	"github.com/italolelis/vidgrab/internal/entitlement"
	"github.com/italolelis/vidgrab/internal/extract"
	"github.com/italolelis/vidgrab/internal/platform"
	"github.com/italolelis/vidgrab/internal/storage"
	"github.com/italolelis/vidgrab/internal/storage/memory"
	"github.com/italolelis/vidgrab/internal/video"
)

const (
	tiktokURL   = "https://www.tiktok.com/@cat/video/7300000000000000001"
	facebookURL = "https://www.facebook.com/watch?v=42"
)

type stubFetcher struct {
	calls atomic.Int32
	meta  *video.Metadata
	err   error
}

func (s *stubFetcher) Fetch(context.Context, string, platform.Platform) (*video.Metadata, error) {
	s.calls.Add(1)

	if s.err != nil {
		return nil, s.err
	}

	meta := *s.meta

	return &meta, nil
}

type materializeFunc func(ctx context.Context, req extract.MaterializeRequest, onProgress extract.ProgressFunc) (int64, error)

type fakeExtractor struct {
	attempts atomic.Int32
	fn       materializeFunc
}

func (f *fakeExtractor) Extract(context.Context, string, platform.Platform) (*video.Metadata, error) {
	return nil, errors.New("not used")
}

func (f *fakeExtractor) Materialize(ctx context.Context, req extract.MaterializeRequest, onProgress extract.ProgressFunc) (int64, error) {
	f.attempts.Add(1)

	return f.fn(ctx, req, onProgress)
}

func writeMedia(_ context.Context, req extract.MaterializeRequest, onProgress extract.ProgressFunc) (int64, error) {
	data := []byte("fake media payload")
	if err := os.WriteFile(req.DestPath, data, 0o600); err != nil {
		return 0, &video.StorageError{Op: "write", Path: req.DestPath, Err: err}
	}

	onProgress(40)
	onProgress(100)

	return int64(len(data)), nil
}

func blockUntilCancelled(ctx context.Context, _ extract.MaterializeRequest, _ extract.ProgressFunc) (int64, error) {
	<-ctx.Done()

	return 0, ctx.Err()
}

type recordingExpirer struct {
	mu  sync.Mutex
	ids []string
}

func (e *recordingExpirer) Schedule(id string, _ time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.ids = append(e.ids, id)
}

func (e *recordingExpirer) scheduled() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]string(nil), e.ids...)
}

type fixture struct {
	orch      *Orchestrator
	ledger    *memory.Ledger
	store     *artifact.Store
	fetcher   *stubFetcher
	extractor *fakeExtractor
	expirer   *recordingExpirer
}

func newFixture(t *testing.T, cfg Config, fn materializeFunc) *fixture {
	t.Helper()

	store, err := artifact.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		ledger: memory.NewLedger(),
		store:  store,
		fetcher: &stubFetcher{meta: &video.Metadata{
			Title: "Dancing cat",
			Formats: []video.Format{
				{Quality: video.QualityLow, FileSize: 100, Container: "mp4"},
				{Quality: video.QualityHigh, FileSize: 300, Container: "mp4"},
				{Quality: video.Quality4K, FileSize: 900, Container: "webm"},
			},
		}},
		extractor: &fakeExtractor{fn: fn},
		expirer:   &recordingExpirer{},
	}

	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = time.Millisecond
	}

	f.orch = New(cfg, Deps{
		Ledger:    f.ledger,
		Artifacts: store,
		Fetcher:   f.fetcher,
		Extractor: f.extractor,
		Gate:      entitlement.NewGate(video.QualityHigh),
		Expirer:   f.expirer,
	})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = f.orch.Shutdown(ctx)
		f.orch.Close()
	})

	return f
}

func (f *fixture) waitFor(t *testing.T, id string, status storage.Status) *storage.DownloadRecord {
	t.Helper()

	var rec *storage.DownloadRecord

	require.Eventually(t, func() bool {
		got, err := f.orch.Status(context.Background(), id)
		if err != nil {
			return false
		}

		rec = got

		return got.Status == status
	}, 5*time.Second, 5*time.Millisecond, "download %s never reached %s", id, status)

	return rec
}

func TestSubmitRunsDownloadToCompletion(t *testing.T) {
	f := newFixture(t, Config{MaxParallel: 2, ProgressStep: 10}, writeMedia)

	rec, err := f.orch.Submit(context.Background(), SubmitRequest{URL: tiktokURL, Quality: "high"})
	require.NoError(t, err)

	assert.NoError(t, uuid.Validate(rec.ID))
	assert.Equal(t, storage.StatusPending, rec.Status)
	assert.Equal(t, "tiktok", rec.Platform)
	assert.Equal(t, "Dancing cat", rec.Title)
	assert.EqualValues(t, 300, rec.EstimatedSize)

	done := f.waitFor(t, rec.ID, storage.StatusCompleted)
	assert.Equal(t, 100, done.Progress)
	assert.EqualValues(t, len("fake media payload"), done.FileSize)
	assert.NotEmpty(t, done.ArtifactPath)
	assert.False(t, done.CompletedAt.IsZero())

	entry, ok := f.store.Find(rec.ID)
	require.True(t, ok)
	assert.Equal(t, done.ArtifactPath, entry.Path)
	assert.False(t, entry.Partial)

	assert.Equal(t, []string{rec.ID}, f.expirer.scheduled())

	select {
	case ev := <-f.orch.OnDownloadFinished:
		assert.Equal(t, rec.ID, ev.ID)
		assert.Equal(t, storage.StatusCompleted, ev.Status)
	case <-time.After(time.Second):
		t.Fatal("no finished event")
	}
}

func TestSubmitRejectsBeforeCreatingRecords(t *testing.T) {
	tests := []struct {
		name     string
		req      SubmitRequest
		wantCode string
	}{
		{"invalid url", SubmitRequest{URL: "ftp://example.com/x", Quality: "high"}, video.CodeInvalidURL},
		{"unsupported platform", SubmitRequest{URL: "https://example.com/video", Quality: "high"}, video.CodeUnsupportedPlatform},
		{"invalid quality", SubmitRequest{URL: tiktokURL, Quality: "ultra"}, video.CodeInvalidQuality},
		{"requires upgrade", SubmitRequest{URL: tiktokURL, Quality: "4k"}, video.CodeQualityRequiresUpgrade},
		{
			"quality not offered",
			SubmitRequest{
				URL:     tiktokURL,
				Quality: "2k",
				Caller:  entitlement.CallerContext{Identity: "a", Subscribed: true, MaxQuality: video.Quality4K},
			},
			video.CodeQualityUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{MaxParallel: 1}, writeMedia)

			_, err := f.orch.Submit(context.Background(), tt.req)

			var ce *video.ClientError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.wantCode, ce.Code)
			assert.Zero(t, f.ledger.Len())
			assert.Zero(t, f.orch.Running())
		})
	}
}

func TestSubmitEntitledCallerGetsPremiumQuality(t *testing.T) {
	f := newFixture(t, Config{MaxParallel: 1}, writeMedia)

	rec, err := f.orch.Submit(context.Background(), SubmitRequest{
		URL:     tiktokURL,
		Quality: "4k",
		Caller:  entitlement.CallerContext{Identity: "a", Subscribed: true, MaxQuality: video.Quality4K},
	})
	require.NoError(t, err)
	assert.Equal(t, "webm", rec.Container)

	f.waitFor(t, rec.ID, storage.StatusCompleted)
}

func TestSubmitFetchErrorsCreateNoRecord(t *testing.T) {
	f := newFixture(t, Config{MaxParallel: 1}, writeMedia)
	f.fetcher.err = video.NewUnavailableError("extract", "removed")

	_, err := f.orch.Submit(context.Background(), SubmitRequest{URL: tiktokURL, Quality: "high"})

	var fe *video.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, video.CodeVideoUnavailable, fe.Code)
	assert.Zero(t, f.ledger.Len())

	// The slot taken for the pre-check is given back.
	f.fetcher.err = nil

	_, err = f.orch.Submit(context.Background(), SubmitRequest{URL: tiktokURL, Quality: "high"})
	require.NoError(t, err)
}

func TestSubmitBusy(t *testing.T) {
	f := newFixture(t, Config{MaxParallel: 1}, blockUntilCancelled)

	_, err := f.orch.Submit(context.Background(), SubmitRequest{URL: tiktokURL, Quality: "high"})
	require.NoError(t, err)

	_, err = f.orch.Submit(context.Background(), SubmitRequest{URL: facebookURL, Quality: "low"})
	require.ErrorIs(t, err, ErrServerBusy)
	assert.Equal(t, 1, f.ledger.Len())
}

func TestSubmitDeduplicatesRunningDownloads(t *testing.T) {
	f := newFixture(t, Config{MaxParallel: 4}, blockUntilCancelled)

	first, err := f.orch.Submit(context.Background(), SubmitRequest{URL: tiktokURL, Quality: "high"})
	require.NoError(t, err)

	second, err := f.orch.Submit(context.Background(), SubmitRequest{URL: tiktokURL, Quality: " HIGH "})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, f.ledger.Len())
	assert.EqualValues(t, 1, f.fetcher.calls.Load())

	other, err := f.orch.Submit(context.Background(), SubmitRequest{URL: tiktokURL, Quality: "low"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestDownloadTimeout(t *testing.T) {
	f := newFixture(t, Config{MaxParallel: 1, MaxFetchDuration: 50 * time.Millisecond}, blockUntilCancelled)

	rec, err := f.orch.Submit(context.Background(), SubmitRequest{URL: tiktokURL, Quality: "high"})
	require.NoError(t, err)

	failed := f.waitFor(t, rec.ID, storage.StatusFailed)
	assert.Equal(t, storage.ReasonTimeout, failed.FailureReason)
	assert.Empty(t, failed.ArtifactPath)

	_, ok := f.store.Find(rec.ID)
	assert.False(t, ok)

	require.Eventually(t, func() bool { return f.orch.Running() == 0 }, time.Second, 5*time.Millisecond)
}

func TestTransientFailuresAreRetried(t *testing.T) {
	var calls atomic.Int32

	f := newFixture(t, Config{MaxParallel: 1, FetchRetries: 3}, func(ctx context.Context, req extract.MaterializeRequest, onProgress extract.ProgressFunc) (int64, error) {
		if calls.Add(1) < 3 {
			return 0, video.NewTransientError("materialize", errors.New("connection reset"))
		}

		return writeMedia(ctx, req, onProgress)
	})

	rec, err := f.orch.Submit(context.Background(), SubmitRequest{URL: tiktokURL, Quality: "high"})
	require.NoError(t, err)

	f.waitFor(t, rec.ID, storage.StatusCompleted)
	assert.EqualValues(t, 3, f.extractor.attempts.Load())
}

func TestRetriesAreBounded(t *testing.T) {
	f := newFixture(t, Config{MaxParallel: 1, FetchRetries: 2}, func(context.Context, extract.MaterializeRequest, extract.ProgressFunc) (int64, error) {
		return 0, video.NewTransientError("materialize", errors.New("503"))
	})

	rec, err := f.orch.Submit(context.Background(), SubmitRequest{URL: tiktokURL, Quality: "high"})
	require.NoError(t, err)

	failed := f.waitFor(t, rec.ID, storage.StatusFailed)
	assert.Equal(t, storage.ReasonFetchFailed, failed.FailureReason)
	assert.EqualValues(t, 3, f.extractor.attempts.Load())
}

func TestPermanentFailuresAreNotRetried(t *testing.T) {
	f := newFixture(t, Config{MaxParallel: 1, FetchRetries: 5}, func(context.Context, extract.MaterializeRequest, extract.ProgressFunc) (int64, error) {
		return 0, video.NewUnavailableError("materialize", "Private video")
	})

	rec, err := f.orch.Submit(context.Background(), SubmitRequest{URL: tiktokURL, Quality: "high"})
	require.NoError(t, err)

	failed := f.waitFor(t, rec.ID, storage.StatusFailed)
	assert.Equal(t, storage.ReasonVideoUnavailable, failed.FailureReason)
	assert.EqualValues(t, 1, f.extractor.attempts.Load())

	select {
	case ev := <-f.orch.OnDownloadFailed:
		assert.Equal(t, rec.ID, ev.Record.ID)
		assert.Equal(t, storage.ReasonVideoUnavailable, ev.Record.FailureReason)
	case <-time.After(time.Second):
		t.Fatal("no failure event")
	}
}

func TestStorageFailureReclaimsPartialFile(t *testing.T) {
	f := newFixture(t, Config{MaxParallel: 1}, func(_ context.Context, req extract.MaterializeRequest, _ extract.ProgressFunc) (int64, error) {
		_ = os.WriteFile(req.DestPath, []byte("half"), 0o600)

		return 0, &video.StorageError{Op: "write", Path: req.DestPath, Err: errors.New("no space left on device")}
	})

	rec, err := f.orch.Submit(context.Background(), SubmitRequest{URL: tiktokURL, Quality: "high"})
	require.NoError(t, err)

	failed := f.waitFor(t, rec.ID, storage.StatusFailed)
	assert.Equal(t, storage.ReasonStorageError, failed.FailureReason)

	require.Eventually(t, func() bool {
		entries, err := f.store.List()

		return err == nil && len(entries) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestConcurrentDownloadsLeaveOneArtifactPerCompletedRecord(t *testing.T) {
	const n = 6

	f := newFixture(t, Config{MaxParallel: 2 * n}, func(ctx context.Context, req extract.MaterializeRequest, onProgress extract.ProgressFunc) (int64, error) {
		if strings.Contains(req.URL, "facebook") {
			_ = os.WriteFile(req.DestPath, []byte("half"), 0o600)

			return 0, &video.StorageError{Op: "write", Path: req.DestPath, Err: errors.New("no space left on device")}
		}

		return writeMedia(ctx, req, onProgress)
	})

	ids := make([]string, 2*n)

	var wg sync.WaitGroup

	for i := range n {
		wg.Add(2)

		go func() {
			defer wg.Done()

			rec, err := f.orch.Submit(context.Background(), SubmitRequest{URL: tiktokURL + "?n=" + strconv.Itoa(i), Quality: "high"})
			if assert.NoError(t, err) {
				ids[2*i] = rec.ID
			}
		}()

		go func() {
			defer wg.Done()

			rec, err := f.orch.Submit(context.Background(), SubmitRequest{URL: facebookURL + "&n=" + strconv.Itoa(i), Quality: "low"})
			if assert.NoError(t, err) {
				ids[2*i+1] = rec.ID
			}
		}()
	}

	wg.Wait()

	var maxPerID atomic.Int32

	require.Eventually(t, func() bool {
		entries, err := f.store.List()
		if err != nil {
			return false
		}

		perID := make(map[string]int32)
		for _, e := range entries {
			perID[e.ID]++
			if perID[e.ID] > maxPerID.Load() {
				maxPerID.Store(perID[e.ID])
			}
		}

		committed := 0
		for _, e := range entries {
			if e.Partial {
				return false
			}

			committed++
		}

		completed, err := f.ledger.ListByStatus(context.Background(), storage.StatusCompleted, time.Now().Add(time.Hour))
		if err != nil {
			return false
		}

		failed, err := f.ledger.ListByStatus(context.Background(), storage.StatusFailed, time.Now().Add(time.Hour))
		if err != nil {
			return false
		}

		return len(completed) == n && len(failed) == n && committed == len(completed)
	}, 5*time.Second, 2*time.Millisecond)

	assert.EqualValues(t, 1, maxPerID.Load())

	for i, id := range ids {
		rec, err := f.ledger.Get(context.Background(), id)
		require.NoError(t, err)

		entry, onDisk := f.store.Find(id)

		if i%2 == 1 {
			assert.Equal(t, storage.StatusFailed, rec.Status)
			assert.False(t, onDisk, "failed download %s left a file", id)

			continue
		}

		assert.Equal(t, storage.StatusCompleted, rec.Status)
		require.True(t, onDisk, "completed download %s has no file", id)
		assert.Equal(t, rec.ArtifactPath, entry.Path)
	}
}

func TestStatusIsMonotonic(t *testing.T) {
	release := make(chan struct{})

	f := newFixture(t, Config{MaxParallel: 1, ProgressStep: 1}, func(ctx context.Context, req extract.MaterializeRequest, onProgress extract.ProgressFunc) (int64, error) {
		for p := 1.0; p <= 50; p++ {
			onProgress(p)
		}

		<-release

		return writeMedia(ctx, req, onProgress)
	})

	rec, err := f.orch.Submit(context.Background(), SubmitRequest{URL: tiktokURL, Quality: "high"})
	require.NoError(t, err)

	var (
		lastRank     = -1
		lastProgress = -1
		seenDone     bool
	)

	deadline := time.After(5 * time.Second)

	for i := 0; !seenDone; i++ {
		if i == 20 {
			close(release)
		}

		got, err := f.orch.Status(context.Background(), rec.ID)
		require.NoError(t, err)

		require.GreaterOrEqual(t, got.Status.Rank(), lastRank, "status went backwards to %s", got.Status)
		require.GreaterOrEqual(t, got.Progress, lastProgress, "progress went backwards")

		lastRank, lastProgress = got.Status.Rank(), got.Progress
		seenDone = got.Status == storage.StatusCompleted

		select {
		case <-deadline:
			t.Fatal("download never completed")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestShutdownCancelsRunningDownloads(t *testing.T) {
	f := newFixture(t, Config{MaxParallel: 2}, blockUntilCancelled)

	rec, err := f.orch.Submit(context.Background(), SubmitRequest{URL: tiktokURL, Quality: "high"})
	require.NoError(t, err)

	f.waitFor(t, rec.ID, storage.StatusDownloading)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, f.orch.Shutdown(ctx))

	got, err := f.orch.Status(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, got.Status)
	assert.Equal(t, storage.ReasonCancelled, got.FailureReason)

	_, err = f.orch.Submit(context.Background(), SubmitRequest{URL: facebookURL, Quality: "low"})
	require.ErrorIs(t, err, ErrServerBusy)
}

func TestCancelSingleDownload(t *testing.T) {
	f := newFixture(t, Config{MaxParallel: 2}, blockUntilCancelled)

	a, err := f.orch.Submit(context.Background(), SubmitRequest{URL: tiktokURL, Quality: "high"})
	require.NoError(t, err)

	b, err := f.orch.Submit(context.Background(), SubmitRequest{URL: facebookURL, Quality: "low"})
	require.NoError(t, err)

	assert.True(t, f.orch.Cancel(a.ID))
	assert.False(t, f.orch.Cancel(uuid.NewString()))

	failed := f.waitFor(t, a.ID, storage.StatusFailed)
	assert.Equal(t, storage.ReasonCancelled, failed.FailureReason)

	got, err := f.orch.Status(context.Background(), b.ID)
	require.NoError(t, err)
	assert.True(t, got.Status.IsActive())
}

func TestStatusUnknownID(t *testing.T) {
	f := newFixture(t, Config{MaxParallel: 1}, writeMedia)

	_, err := f.orch.Status(context.Background(), uuid.NewString())
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = f.orch.Status(context.Background(), "")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRecoverInterrupted(t *testing.T) {
	f := newFixture(t, Config{MaxParallel: 1}, writeMedia)
	ctx := context.Background()
	then := time.Now().Add(-time.Minute)

	pending := uuid.NewString()
	downloading := uuid.NewString()
	completed := uuid.NewString()

	f.ledger.Put(storage.DownloadRecord{ID: pending, Status: storage.StatusPending, CreatedAt: then, UpdatedAt: then})
	f.ledger.Put(storage.DownloadRecord{ID: downloading, Status: storage.StatusDownloading, Container: "mp4", CreatedAt: then, UpdatedAt: then})
	f.ledger.Put(storage.DownloadRecord{
		ID: completed, Status: storage.StatusCompleted, ArtifactPath: "/x", CreatedAt: then, UpdatedAt: then, CompletedAt: then,
	})

	part, err := f.store.Allocate(downloading, "mp4")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(part, []byte("partial"), 0o600))

	n, err := f.orch.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{pending, downloading} {
		rec, err := f.ledger.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, storage.StatusFailed, rec.Status)
		assert.Equal(t, storage.ReasonInterrupted, rec.FailureReason)
	}

	rec, err := f.ledger.Get(ctx, completed)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, rec.Status)

	entries, err := f.store.List()
	require.NoError(t, err)
	assert.Empty(t, entries)
}
