package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/vidgrab/internal/storage"
	"github.com/italolelis/vidgrab/internal/telemetry"
)

// InstrumentedDownloadRepository wraps DownloadRepository with telemetry.
type InstrumentedDownloadRepository struct {
	repo      *DownloadRepository
	telemetry *telemetry.Telemetry
}

var _ storage.Ledger = (*InstrumentedDownloadRepository)(nil)

// NewInstrumentedDownloadRepository creates a new instrumented download repository.
func NewInstrumentedDownloadRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedDownloadRepository {
	return &InstrumentedDownloadRepository{
		repo:      NewDownloadRepository(dbConn),
		telemetry: tel,
	}
}

func (r *InstrumentedDownloadRepository) Create(ctx context.Context, rec storage.DownloadRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "create_download", func(ctx context.Context) error {
		return r.repo.Create(ctx, rec)
	})
}

func (r *InstrumentedDownloadRepository) Get(ctx context.Context, id string) (*storage.DownloadRecord, error) {
	var result *storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_download", func(ctx context.Context) error {
		var err error
		result, err = r.repo.Get(ctx, id)

		return err
	})

	return result, err
}

func (r *InstrumentedDownloadRepository) Transition(ctx context.Context, id string, t storage.Transition) error {
	return r.telemetry.InstrumentDBOperation(ctx, "transition_"+string(t.To), func(ctx context.Context) error {
		return r.repo.Transition(ctx, id, t)
	})
}

func (r *InstrumentedDownloadRepository) UpdateProgress(ctx context.Context, id string, percent int, at time.Time) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_progress", func(ctx context.Context) error {
		return r.repo.UpdateProgress(ctx, id, percent, at)
	})
}

func (r *InstrumentedDownloadRepository) FindActive(ctx context.Context, sourceURL, quality string) (*storage.DownloadRecord, error) {
	var result *storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "find_active", func(ctx context.Context) error {
		var err error
		result, err = r.repo.FindActive(ctx, sourceURL, quality)

		return err
	})

	return result, err
}

func (r *InstrumentedDownloadRepository) ListByStatus(ctx context.Context, status storage.Status, updatedBefore time.Time) ([]storage.DownloadRecord, error) {
	var result []storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "list_by_status", func(ctx context.Context) error {
		var err error
		result, err = r.repo.ListByStatus(ctx, status, updatedBefore)

		return err
	})

	return result, err
}

func (r *InstrumentedDownloadRepository) Recent(ctx context.Context, limit int) ([]storage.DownloadRecord, error) {
	var result []storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "recent_downloads", func(ctx context.Context) error {
		var err error
		result, err = r.repo.Recent(ctx, limit)

		return err
	})

	return result, err
}

func (r *InstrumentedDownloadRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	var result int64

	err := r.telemetry.InstrumentDBOperation(ctx, "prune_downloads", func(ctx context.Context) error {
		var err error
		result, err = r.repo.Prune(ctx, before)

		return err
	})

	return result, err
}
