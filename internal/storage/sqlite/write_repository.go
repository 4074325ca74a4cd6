package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/italolelis/vidgrab/internal/storage"
)

// Transition applies t with a single conditional UPDATE so that concurrent writers
// (background task, delivery, sweeper) never both win the same edge.
func (r *DownloadRepository) Transition(ctx context.Context, id string, t storage.Transition) error {
	if err := t.Validate(); err != nil {
		return err
	}

	set := []string{"status = ?", "updated_at = ?"}
	args := []any{string(t.To), formatTime(t.At)}

	switch t.To {
	case storage.StatusCompleted:
		set = append(set, "artifact_path = ?", "file_size = ?", "progress = 100", "completed_at = ?")
		args = append(args, t.ArtifactPath, t.FileSize, formatTime(t.At))
	case storage.StatusFailed:
		set = append(set, "artifact_path = ''", "failure_reason = ?")
		args = append(args, t.FailureReason)
	case storage.StatusServed:
		set = append(set, "artifact_path = ''")
	case storage.StatusPending, storage.StatusDownloading:
	}

	args = append(args, id)

	placeholders := make([]string, len(t.From))
	for i, from := range t.From {
		placeholders[i] = "?"
		args = append(args, string(from))
	}

	query := fmt.Sprintf(
		`UPDATE downloads SET %s WHERE id = ? AND status IN (%s)`,
		strings.Join(set, ", "),
		strings.Join(placeholders, ", "),
	)

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to transition download %s to %s: %w", id, t.To, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected > 0 {
		return nil
	}

	current, err := r.currentStatus(ctx, id)
	if err != nil {
		return err
	}

	return fmt.Errorf("%w: %s is %s", storage.ErrStaleTransition, id, current)
}

// UpdateProgress only ever moves progress forward and only while downloading.
func (r *DownloadRepository) UpdateProgress(ctx context.Context, id string, percent int, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE downloads SET progress = ?, updated_at = ? WHERE id = ? AND status = 'downloading' AND progress < ?`,
		min(percent, 100), formatTime(at), id, percent,
	)
	if err != nil {
		return fmt.Errorf("failed to update progress for %s: %w", id, err)
	}

	if affected, _ := res.RowsAffected(); affected > 0 {
		return nil
	}

	_, err = r.currentStatus(ctx, id)

	return err
}

// Prune deletes failed and served records last updated before the cutoff.
func (r *DownloadRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM downloads WHERE status IN ('failed', 'served') AND updated_at < ?`,
		formatTime(before),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune downloads: %w", err)
	}

	return res.RowsAffected()
}

func (r *DownloadRepository) currentStatus(ctx context.Context, id string) (storage.Status, error) {
	var status string

	err := r.db.QueryRowContext(ctx, `SELECT status FROM downloads WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNotFound
	}

	if err != nil {
		return "", fmt.Errorf("failed to read status of %s: %w", id, err)
	}

	return storage.Status(status), nil
}
