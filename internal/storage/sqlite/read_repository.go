package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/italolelis/vidgrab/internal/storage"
)

func (r *DownloadRepository) FindActive(ctx context.Context, sourceURL, quality string) (*storage.DownloadRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+recordColumns+`
		FROM downloads
		WHERE source_url = ?
		AND quality = ?
		AND status IN ('pending', 'downloading')
		ORDER BY created_at DESC
		LIMIT 1`, sourceURL, quality)
	if err != nil {
		return nil, fmt.Errorf("failed to find active download: %w", err)
	}

	records, err := scanRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan active download: %w", err)
	}

	if len(records) == 0 {
		return nil, storage.ErrNotFound
	}

	return &records[0], nil
}

func (r *DownloadRepository) ListByStatus(ctx context.Context, status storage.Status, updatedBefore time.Time) ([]storage.DownloadRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+recordColumns+`
		FROM downloads
		WHERE status = ?
		AND updated_at < ?
		ORDER BY updated_at ASC`, string(status), formatTime(updatedBefore))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s downloads: %w", status, err)
	}

	records, err := scanRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s downloads: %w", status, err)
	}

	return records, nil
}

// Recent returns the newest records first.
func (r *DownloadRepository) Recent(ctx context.Context, limit int) ([]storage.DownloadRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM downloads ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent downloads: %w", err)
	}

	records, err := scanRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan recent downloads: %w", err)
	}

	return records, nil
}
