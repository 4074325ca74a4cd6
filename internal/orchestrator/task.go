package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/italolelis/vidgrab/internal/extract"
	"github.com/italolelis/vidgrab/internal/logctx"
	"github.com/italolelis/vidgrab/internal/platform"
	"github.com/italolelis/vidgrab/internal/progress"
	"github.com/italolelis/vidgrab/internal/storage"
	"github.com/italolelis/vidgrab/internal/video"
)

// run drives rec from pending to a terminal status.
func (o *Orchestrator) run(ctx context.Context, rec storage.DownloadRecord) {
	defer o.wg.Done()
	defer o.sem.Release(1)
	defer o.forget(rec.ID)

	ctx, cancel := context.WithTimeout(ctx, o.cfg.MaxFetchDuration)
	defer cancel()

	var final storage.DownloadRecord

	err := o.telemetry.InstrumentDownload(ctx, rec.Platform, rec.Quality, func(ctx context.Context) error {
		var err error

		final, err = o.download(ctx, rec)

		return err
	}, func(err error) string {
		if err == nil {
			return string(storage.StatusCompleted)
		}

		return failureReason(ctx, err)
	})
	if err != nil {
		o.fail(ctx, rec, err)

		return
	}

	o.emitFinished(final)
}

func (o *Orchestrator) download(ctx context.Context, rec storage.DownloadRecord) (storage.DownloadRecord, error) {
	logger := logctx.LoggerFromContext(ctx)

	err := o.ledger.Transition(ctx, rec.ID, storage.Transition{
		From: []storage.Status{storage.StatusPending},
		To:   storage.StatusDownloading,
		At:   o.clock.Now(),
	})
	if err != nil {
		return rec, fmt.Errorf("failed to start download: %w", err)
	}

	dest, err := o.artifacts.Allocate(rec.ID, rec.Container)
	if err != nil {
		return rec, &video.StorageError{Op: "allocate", Path: rec.ID, Err: err}
	}

	report := progress.Throttle(o.cfg.ProgressStep, func(percent int) {
		if err := o.ledger.UpdateProgress(ctx, rec.ID, percent, o.clock.Now()); err != nil {
			logger.Debug("failed to record progress", "percent", percent, "err", err)
		}
	})

	req := extract.MaterializeRequest{
		URL:       rec.SourceURL,
		Platform:  platform.ParsePlatform(rec.Platform),
		Quality:   video.Quality(rec.Quality),
		Container: rec.Container,
		DestPath:  dest,
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = o.cfg.RetryInterval

	_, err = backoff.Retry(ctx, func() (int64, error) {
		n, err := o.extractor.Materialize(ctx, req, report)
		if err == nil {
			return n, nil
		}

		if ctx.Err() != nil || !video.IsRetryable(err) {
			return 0, backoff.Permanent(err)
		}

		return 0, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(o.cfg.FetchRetries+1),
		backoff.WithMaxElapsedTime(o.cfg.MaxFetchDuration),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("download attempt failed, retrying", "err", err, "retry_in", next)
		}),
	)
	if err != nil {
		return rec, err
	}

	path, size, err := o.artifacts.Commit(rec.ID, rec.Container)
	if err != nil {
		return rec, &video.StorageError{Op: "commit", Path: dest, Err: err}
	}

	t := storage.Transition{
		From:         []storage.Status{storage.StatusDownloading},
		To:           storage.StatusCompleted,
		ArtifactPath: path,
		FileSize:     size,
		At:           o.clock.Now(),
	}

	if err := o.ledger.Transition(context.WithoutCancel(ctx), rec.ID, t); err != nil {
		return rec, fmt.Errorf("failed to record completion: %w", err)
	}

	if o.expirer != nil {
		o.expirer.Schedule(rec.ID, t.At)
	}

	logger.Info("download completed", "size", size)

	return t.Apply(rec), nil
}

// fail records the failure of rec and disposes of whatever it left on disk.
func (o *Orchestrator) fail(ctx context.Context, rec storage.DownloadRecord, cause error) {
	logger := logctx.LoggerFromContext(ctx)
	reason := failureReason(ctx, cause)

	// The task context is done on timeout and cancellation; the final write must still happen.
	writeCtx := context.WithoutCancel(ctx)

	t := storage.Transition{
		From:          []storage.Status{storage.StatusPending, storage.StatusDownloading},
		To:            storage.StatusFailed,
		FailureReason: reason,
		At:            o.clock.Now(),
	}

	if err := o.ledger.Transition(writeCtx, rec.ID, t); err != nil && !errors.Is(err, storage.ErrStaleTransition) {
		logger.Error("failed to record download failure", "reason", reason, "err", err)
	}

	if _, err := o.artifacts.Reclaim(rec.ID); err != nil {
		logger.Error("failed to reclaim partial artifact", "err", err)
	}

	var se *video.StorageError
	if errors.As(cause, &se) {
		logger.Error("download failed on local storage", "op", se.Op, "path", se.Path, "err", cause)
		o.telemetry.RecordSystemError("orchestrator", "storage")
	} else {
		logger.Warn("download failed", "reason", reason, "err", cause)
	}

	o.emitFailed(Event{Record: t.Apply(rec), Err: cause})
}

// failureReason maps the error that ended a download to the reason stored in the ledger.
func failureReason(ctx context.Context, err error) string {
	var (
		se *video.StorageError
		fe *video.FetchError
	)

	switch {
	case errors.As(err, &se):
		return storage.ReasonStorageError
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return storage.ReasonTimeout
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return storage.ReasonCancelled
	case errors.As(err, &fe):
		switch fe.Code {
		case video.CodeVideoUnavailable:
			return storage.ReasonVideoUnavailable
		case video.CodeInvalidVideoInfo:
			return storage.ReasonInvalidVideoInfo
		}
	}

	return storage.ReasonFetchFailed
}
