package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/vidgrab/internal/storage"
)

// timeLayout is fixed width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const recordColumns = `id, source_url, platform, quality, title, container, estimated_size, file_size,
	status, progress, artifact_path, failure_reason, created_at, updated_at, completed_at`

// DownloadRepository is the sqlite backed storage.Ledger.
type DownloadRepository struct {
	db *sql.DB
}

var _ storage.Ledger = (*DownloadRepository)(nil)

func NewDownloadRepository(dbConn *sql.DB) *DownloadRepository {
	return &DownloadRepository{db: dbConn}
}

func (r *DownloadRepository) Create(ctx context.Context, rec storage.DownloadRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO downloads (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.SourceURL,
		rec.Platform,
		rec.Quality,
		rec.Title,
		rec.Container,
		rec.EstimatedSize,
		rec.FileSize,
		string(rec.Status),
		rec.Progress,
		rec.ArtifactPath,
		rec.FailureReason,
		formatTime(rec.CreatedAt),
		formatTime(rec.UpdatedAt),
		nullableTime(rec.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert download %s: %w", rec.ID, err)
	}

	return nil
}

func (r *DownloadRepository) Get(ctx context.Context, id string) (*storage.DownloadRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM downloads WHERE id = ?`, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get download %s: %w", id, err)
	}

	return rec, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*storage.DownloadRecord, error) {
	var (
		rec                  storage.DownloadRecord
		status               string
		createdAt, updatedAt string
		completedAt          sql.NullString
	)

	err := s.Scan(
		&rec.ID,
		&rec.SourceURL,
		&rec.Platform,
		&rec.Quality,
		&rec.Title,
		&rec.Container,
		&rec.EstimatedSize,
		&rec.FileSize,
		&status,
		&rec.Progress,
		&rec.ArtifactPath,
		&rec.FailureReason,
		&createdAt,
		&updatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = storage.Status(status)

	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}

	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}

	if completedAt.Valid && completedAt.String != "" {
		if rec.CompletedAt, err = parseTime(completedAt.String); err != nil {
			return nil, err
		}
	}

	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]storage.DownloadRecord, error) {
	defer rows.Close()

	var records []storage.DownloadRecord

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		records = append(records, *rec)
	}

	return records, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}

	return formatTime(t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}

	return t, nil
}
