package video

import (
	"errors"
	"fmt"
)

// Reason codes surfaced to clients.
const (
	CodeInvalidURL             = "invalid_url"
	CodeUnsupportedPlatform    = "unsupported_platform"
	CodeInvalidQuality         = "invalid_quality"
	CodeQualityUnavailable     = "quality_unavailable"
	CodeQualityRequiresUpgrade = "quality_requires_upgrade"
	CodeVideoUnavailable       = "video_unavailable"
	CodeInvalidVideoInfo       = "invalid_video_info"
	CodeFetchFailed            = "fetch_failed"
)

// ClientError is a request the caller must fix. It is never retried.
type ClientError struct {
	Code    string // Machine readable reason code
	Message string // Human readable explanation
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FetchKind separates failures worth retrying from the ones that are not.
type FetchKind int

const (
	Transient FetchKind = iota
	Permanent
)

func (k FetchKind) String() string {
	if k == Permanent {
		return "permanent"
	}

	return "transient"
}

// FetchError represents a failure of the extraction capability: network trouble (transient),
// removed or private content and malformed responses (permanent).
type FetchError struct {
	Kind    FetchKind
	Code    string // One of CodeVideoUnavailable, CodeInvalidVideoInfo, CodeFetchFailed
	Op      string // The operation that failed (e.g., "extract", "materialize")
	Message string
	Err     error
}

func (e *FetchError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}

	return fmt.Sprintf("%s fetch error during %s (%s): %s", e.Kind, e.Op, e.Code, msg)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying the operation may succeed.
func (e *FetchError) Temporary() bool {
	return e.Kind == Transient
}

// NewTransientError wraps a retryable failure.
func NewTransientError(op string, err error) *FetchError {
	return &FetchError{Kind: Transient, Code: CodeFetchFailed, Op: op, Err: err}
}

// NewUnavailableError reports content that has been removed, made private or never existed.
func NewUnavailableError(op, message string) *FetchError {
	return &FetchError{Kind: Permanent, Code: CodeVideoUnavailable, Op: op, Message: message}
}

// NewMalformedError reports an extractor response we could not make sense of.
func NewMalformedError(op string, err error) *FetchError {
	return &FetchError{
		Kind:    Permanent,
		Code:    CodeInvalidVideoInfo,
		Op:      op,
		Message: "failed to parse video information",
		Err:     err,
	}
}

// StorageError represents local disk failures (disk full, permission denied). These point at
// infrastructure trouble rather than a bad request.
type StorageError struct {
	Op   string // The operation that failed (e.g., "create", "write", "rename")
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s on %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a transient fetch failure.
func IsRetryable(err error) bool {
	var fe *FetchError

	return errors.As(err, &fe) && fe.Temporary()
}
