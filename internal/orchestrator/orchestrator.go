// Package orchestrator accepts download submissions and drives each one to a terminal status in
// the background.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/italolelis/vidgrab/internal/entitlement"
	"github.com/italolelis/vidgrab/internal/extract"
	"github.com/italolelis/vidgrab/internal/logctx"
	"github.com/italolelis/vidgrab/internal/platform"
	"github.com/italolelis/vidgrab/internal/storage"
	"github.com/italolelis/vidgrab/internal/telemetry"
	"github.com/italolelis/vidgrab/internal/video"
)

// ErrServerBusy is returned when every download slot is taken.
var ErrServerBusy = errors.New("server is at capacity, try again later")

const eventBuffer = 64

// MetadataFetcher retrieves validated metadata.
type MetadataFetcher interface {
	Fetch(ctx context.Context, url string, p platform.Platform) (*video.Metadata, error)
}

// Authorizer decides whether a caller may request a quality tier.
type Authorizer interface {
	Authorize(q video.Quality, caller entitlement.CallerContext) error
}

// Artifacts is the part of the artifact store downloads write through.
type Artifacts interface {
	Allocate(id, container string) (string, error)
	Commit(id, container string) (string, int64, error)
	Reclaim(id string) (int, error)
}

// Expirer is told about every completed artifact so it can be disposed of if never served.
type Expirer interface {
	Schedule(id string, completedAt time.Time)
}

type Config struct {
	// MaxParallel bounds the number of downloads in flight.
	MaxParallel int
	// MaxFetchDuration bounds a whole background download, retries included.
	MaxFetchDuration time.Duration
	// FetchRetries is how many times a transient failure is retried.
	FetchRetries uint
	// RetryInterval is the first backoff delay between retries.
	RetryInterval time.Duration
	// ProgressStep is the minimum advance in percent before progress is written to the ledger.
	ProgressStep int
}

type SubmitRequest struct {
	URL     string
	Quality string
	Caller  entitlement.CallerContext
}

// Event reports a download that ended in failure.
type Event struct {
	Record storage.DownloadRecord
	Err    error
}

type task struct {
	cancel context.CancelFunc
	key    string
}

type Orchestrator struct {
	cfg       Config
	ledger    storage.Ledger
	artifacts Artifacts
	fetcher   MetadataFetcher
	extractor extract.Extractor
	gate      Authorizer
	expirer   Expirer
	clock     clockwork.Clock
	telemetry *telemetry.Telemetry

	sem   *semaphore.Weighted
	dedup singleflight.Group
	wg    sync.WaitGroup

	mu        sync.Mutex
	tasks     map[string]*task
	byKey     map[string]string
	closed    bool
	eventsOff bool

	OnDownloadFinished chan storage.DownloadRecord
	OnDownloadFailed   chan Event
}

// Deps groups the collaborators of an Orchestrator.
type Deps struct {
	Ledger    storage.Ledger
	Artifacts Artifacts
	Fetcher   MetadataFetcher
	Extractor extract.Extractor
	Gate      Authorizer
	Expirer   Expirer
	Clock     clockwork.Clock
	Telemetry *telemetry.Telemetry
}

func New(cfg Config, deps Deps) *Orchestrator {
	cfg.MaxParallel = max(cfg.MaxParallel, 1)
	cfg.ProgressStep = max(cfg.ProgressStep, 1)

	if cfg.MaxFetchDuration <= 0 {
		cfg.MaxFetchDuration = 10 * time.Minute
	}

	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}

	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Orchestrator{
		cfg:                cfg,
		ledger:             deps.Ledger,
		artifacts:          deps.Artifacts,
		fetcher:            deps.Fetcher,
		extractor:          deps.Extractor,
		gate:               deps.Gate,
		expirer:            deps.Expirer,
		clock:              clock,
		telemetry:          deps.Telemetry,
		sem:                semaphore.NewWeighted(int64(cfg.MaxParallel)),
		tasks:              make(map[string]*task),
		byKey:              make(map[string]string),
		OnDownloadFinished: make(chan storage.DownloadRecord, eventBuffer),
		OnDownloadFailed:   make(chan Event, eventBuffer),
	}
}

// Submit validates the request and, when it is acceptable, records a pending download and starts
// it in the background. The returned record is the pending one; the caller polls Status for progress.
// Identical requests while a previous one is still running return the running record.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*storage.DownloadRecord, error) {
	p := platform.Classify(req.URL)

	rec, outcome, err := o.submit(ctx, p, req)
	o.telemetry.RecordSubmission(p.String(), outcome)

	return rec, err
}

func (o *Orchestrator) submit(ctx context.Context, p platform.Platform, req SubmitRequest) (*storage.DownloadRecord, string, error) {
	if !platform.ValidURL(req.URL) {
		return nil, "rejected", &video.ClientError{Code: video.CodeInvalidURL, Message: "url must be an http or https link"}
	}

	if !p.Supported() {
		return nil, "rejected", &video.ClientError{
			Code:    video.CodeUnsupportedPlatform,
			Message: "supported platforms are Facebook, TikTok, Pinterest and Instagram",
		}
	}

	q, err := video.ParseQuality(req.Quality)
	if err != nil {
		return nil, "rejected", err
	}

	if err := o.gate.Authorize(q, req.Caller); err != nil {
		return nil, "denied", err
	}

	key := req.URL + "|" + q.String()

	type result struct {
		rec     *storage.DownloadRecord
		outcome string
	}

	v, err, _ := o.dedup.Do(key, func() (any, error) {
		if rec := o.findActive(ctx, key, req.URL, q); rec != nil {
			return result{rec, "deduplicated"}, nil
		}

		rec, err := o.start(ctx, p, q, key, req.URL)

		return result{rec, "accepted"}, err
	})
	if err != nil {
		return nil, outcomeOf(err), err
	}

	res := v.(result)
	out := *res.rec

	return &out, res.outcome, nil
}

func outcomeOf(err error) string {
	var ce *video.ClientError

	switch {
	case errors.Is(err, ErrServerBusy):
		return "busy"
	case errors.As(err, &ce):
		return "rejected"
	case video.IsRetryable(err):
		return "fetch_failed"
	default:
		return "error"
	}
}

// findActive returns a record that is already working on key, if any.
func (o *Orchestrator) findActive(ctx context.Context, key, url string, q video.Quality) *storage.DownloadRecord {
	logger := logctx.LoggerFromContext(ctx)

	o.mu.Lock()
	id, running := o.byKey[key]
	o.mu.Unlock()

	if running {
		rec, err := o.ledger.Get(ctx, id)
		if err == nil && rec.Status.IsActive() {
			return rec
		}
	}

	rec, err := o.ledger.FindActive(ctx, url, q.String())

	switch {
	case err == nil:
		o.mu.Lock()
		_, owned := o.tasks[rec.ID]
		o.mu.Unlock()

		// Records left behind by a crashed process are reset by RecoverInterrupted; only follow ours.
		if owned {
			return rec
		}
	case !errors.Is(err, storage.ErrNotFound):
		logger.Warn("failed to look up active downloads, submitting anyway", "err", err)
	}

	return nil
}

// start runs the capacity check, the metadata pre-check and launches the background task.
func (o *Orchestrator) start(ctx context.Context, p platform.Platform, q video.Quality, key, url string) (*storage.DownloadRecord, error) {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()

	if closed || !o.sem.TryAcquire(1) {
		return nil, ErrServerBusy
	}

	launched := false
	defer func() {
		if !launched {
			o.sem.Release(1)
		}
	}()

	meta, err := o.fetcher.Fetch(ctx, url, p)
	if err != nil {
		return nil, err
	}

	format, ok := meta.FormatFor(q)
	if !ok {
		return nil, &video.ClientError{
			Code:    video.CodeQualityUnavailable,
			Message: fmt.Sprintf("quality %s is not available for this video", q),
		}
	}

	now := o.clock.Now()
	rec := storage.DownloadRecord{
		ID:            uuid.NewString(),
		SourceURL:     url,
		Platform:      p.String(),
		Quality:       q.String(),
		Title:         meta.Title,
		Container:     format.Container,
		EstimatedSize: format.FileSize,
		Status:        storage.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := o.ledger.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to record download: %w", err)
	}

	logger := logctx.LoggerFromContext(ctx).With("download_id", rec.ID, "platform", rec.Platform, "quality", rec.Quality)
	taskCtx, cancel := context.WithCancel(logctx.WithLogger(context.WithoutCancel(ctx), logger))

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancel()

		o.fail(ctx, rec, context.Canceled)

		return nil, ErrServerBusy
	}

	o.tasks[rec.ID] = &task{cancel: cancel, key: key}
	o.byKey[key] = rec.ID
	o.wg.Add(1)
	o.mu.Unlock()

	launched = true

	go o.run(taskCtx, rec)

	logger.Info("download accepted", "title", rec.Title, "container", rec.Container)

	return &rec, nil
}

// Status returns the current record for id.
func (o *Orchestrator) Status(ctx context.Context, id string) (*storage.DownloadRecord, error) {
	if id == "" {
		return nil, storage.ErrNotFound
	}

	return o.ledger.Get(ctx, id)
}

// Recent returns the most recent records, newest first.
func (o *Orchestrator) Recent(ctx context.Context, limit int) ([]storage.DownloadRecord, error) {
	return o.ledger.Recent(ctx, limit)
}

// Cancel stops the in-flight download for id. It reports whether a task was running.
func (o *Orchestrator) Cancel(id string) bool {
	o.mu.Lock()
	t, ok := o.tasks[id]
	o.mu.Unlock()

	if ok {
		t.cancel()
	}

	return ok
}

// Running returns the number of downloads in flight.
func (o *Orchestrator) Running() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return len(o.tasks)
}

// Shutdown stops accepting submissions, cancels every running download and waits for them to
// record their final status or for ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true

	for _, t := range o.tasks {
		t.cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})

	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("downloads still running at shutdown: %w", ctx.Err())
	}
}

// Close closes the event channels. Events emitted afterwards are dropped.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.eventsOff {
		return
	}

	o.eventsOff = true

	close(o.OnDownloadFinished)
	close(o.OnDownloadFailed)
}

func (o *Orchestrator) forget(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if t, ok := o.tasks[id]; ok {
		t.cancel()

		if o.byKey[t.key] == id {
			delete(o.byKey, t.key)
		}

		delete(o.tasks, id)
	}
}

func (o *Orchestrator) emitFinished(rec storage.DownloadRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.eventsOff {
		return
	}

	select {
	case o.OnDownloadFinished <- rec:
	default:
	}
}

func (o *Orchestrator) emitFailed(ev Event) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.eventsOff {
		return
	}

	select {
	case o.OnDownloadFailed <- ev:
	default:
	}
}
