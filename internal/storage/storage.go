package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when no record exists for an id.
	ErrNotFound = errors.New("download record not found")
	// ErrStaleTransition is returned when a conditional transition lost against a concurrent writer.
	ErrStaleTransition = errors.New("download record is no longer in the expected status")
	// ErrInvalidTransition is returned for edges the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Status is the lifecycle position of a download.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusServed      Status = "served"
)

// Failure reasons stored alongside failed records.
const (
	ReasonFetchFailed      = "fetch_failed"
	ReasonVideoUnavailable = "video_unavailable"
	ReasonInvalidVideoInfo = "invalid_video_info"
	ReasonStorageError     = "storage_error"
	ReasonTimeout          = "timeout"
	ReasonExpired          = "expired"
	ReasonInterrupted      = "interrupted"
	ReasonCancelled        = "cancelled"
)

// Rank orders statuses for monotonicity checks: pending < downloading < {completed, failed} < served.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusDownloading:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	case StatusServed:
		return 3
	}

	return -1
}

// IsTerminal reports whether no further transition can leave s.
func (s Status) IsTerminal() bool {
	return s == StatusFailed || s == StatusServed
}

// IsActive reports whether a background task is expected to be working on the record.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusDownloading
}

var transitions = map[Status][]Status{
	StatusPending:     {StatusDownloading, StatusFailed},
	StatusDownloading: {StatusCompleted, StatusFailed},
	StatusCompleted:   {StatusServed, StatusFailed},
}

// ValidTransition reports whether the state machine has an edge from -> to.
func ValidTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}

	return false
}

// DownloadRecord is the ledger entry tracking one download from submission to disposal.
type DownloadRecord struct {
	ID            string
	SourceURL     string
	Platform      string
	Quality       string
	Title         string
	Container     string
	EstimatedSize int64
	FileSize      int64
	Status        Status
	Progress      int
	ArtifactPath  string // only set while Status is completed
	FailureReason string
	Degraded      bool // synthesized from the artifact store while the ledger is unavailable
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   time.Time
}

// Transition moves a record to To if, and only if, its current status is one of From.
// Leaving completed always clears ArtifactPath in the same write.
type Transition struct {
	From          []Status
	To            Status
	ArtifactPath  string // required when To is completed
	FileSize      int64
	FailureReason string // required when To is failed
	At            time.Time
}

// Validate checks every From -> To edge against the state machine.
func (t Transition) Validate() error {
	if len(t.From) == 0 {
		return fmt.Errorf("%w: no source status for %s", ErrInvalidTransition, t.To)
	}

	for _, from := range t.From {
		if !ValidTransition(from, t.To) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, t.To)
		}
	}

	if t.To == StatusCompleted && t.ArtifactPath == "" {
		return fmt.Errorf("%w: completed requires an artifact path", ErrInvalidTransition)
	}

	if t.To == StatusFailed && t.FailureReason == "" {
		return fmt.Errorf("%w: failed requires a reason", ErrInvalidTransition)
	}

	return nil
}

// Apply returns rec after the transition. It does not check From.
func (t Transition) Apply(rec DownloadRecord) DownloadRecord {
	rec.Status = t.To
	rec.UpdatedAt = t.At

	switch t.To {
	case StatusCompleted:
		rec.ArtifactPath = t.ArtifactPath
		rec.FileSize = t.FileSize
		rec.Progress = 100
		rec.CompletedAt = t.At
	case StatusFailed:
		rec.ArtifactPath = ""
		rec.FailureReason = t.FailureReason
	case StatusServed:
		rec.ArtifactPath = ""
	case StatusPending, StatusDownloading:
	}

	return rec
}

// Allows reports whether s is one of the transition's source statuses.
func (t Transition) Allows(s Status) bool {
	for _, from := range t.From {
		if from == s {
			return true
		}
	}

	return false
}

// Ledger is the durable record of every download.
type Ledger interface {
	Create(ctx context.Context, rec DownloadRecord) error
	Get(ctx context.Context, id string) (*DownloadRecord, error)
	Transition(ctx context.Context, id string, t Transition) error
	// UpdateProgress stores percent for a downloading record when it is higher than the current value.
	UpdateProgress(ctx context.Context, id string, percent int, at time.Time) error
	// FindActive returns the newest pending or downloading record for url and quality, or ErrNotFound.
	FindActive(ctx context.Context, sourceURL, quality string) (*DownloadRecord, error)
	// ListByStatus returns records in status last updated before the given time.
	ListByStatus(ctx context.Context, status Status, updatedBefore time.Time) ([]DownloadRecord, error)
	Recent(ctx context.Context, limit int) ([]DownloadRecord, error)
	// Prune deletes terminal records last updated before the given time.
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// IsLedgerFailure reports whether err came from the ledger backend rather than from the state machine.
func IsLedgerFailure(err error) bool {
	if err == nil {
		return false
	}

	return !errors.Is(err, ErrNotFound) &&
		!errors.Is(err, ErrStaleTransition) &&
		!errors.Is(err, ErrInvalidTransition) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}
