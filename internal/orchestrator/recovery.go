package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/italolelis/vidgrab/internal/logctx"
	"github.com/italolelis/vidgrab/internal/storage"
)

// RecoverInterrupted fails every download a previous process left pending or downloading and
// removes its partial files. It must run before the first submission is accepted.
func (o *Orchestrator) RecoverInterrupted(ctx context.Context) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := o.clock.Now()

	recovered := 0

	var errs []error

	for _, status := range []storage.Status{storage.StatusPending, storage.StatusDownloading} {
		recs, err := o.ledger.ListByStatus(ctx, status, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to list %s downloads: %w", status, err))

			continue
		}

		for _, rec := range recs {
			o.mu.Lock()
			_, ours := o.tasks[rec.ID]
			o.mu.Unlock()

			if ours {
				continue
			}

			err := o.ledger.Transition(ctx, rec.ID, storage.Transition{
				From:          []storage.Status{storage.StatusPending, storage.StatusDownloading},
				To:            storage.StatusFailed,
				FailureReason: storage.ReasonInterrupted,
				At:            now,
			})

			switch {
			case errors.Is(err, storage.ErrStaleTransition), errors.Is(err, storage.ErrNotFound):
				continue
			case err != nil:
				errs = append(errs, fmt.Errorf("failed to mark %s interrupted: %w", rec.ID, err))

				continue
			}

			if _, err := o.artifacts.Reclaim(rec.ID); err != nil {
				errs = append(errs, fmt.Errorf("failed to reclaim %s: %w", rec.ID, err))
			}

			recovered++

			logger.Info("marked interrupted download as failed", "download_id", rec.ID, "previous_status", status)
		}
	}

	return recovered, errors.Join(errs...)
}
