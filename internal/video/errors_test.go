package video

import (
	"errors"
	"fmt"
	"testing"
)

func TestClientError_Error(t *testing.T) {
	err := &ClientError{Code: CodeUnsupportedPlatform, Message: "use a supported site"}

	expected := "unsupported_platform: use a supported site"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestFetchError_Error(t *testing.T) {
	tests := []struct {
		name       string
		err        *FetchError
		wantFormat string
	}{
		{
			name:       "with message",
			err:        NewUnavailableError("extract", "private video"),
			wantFormat: "permanent fetch error during extract (video_unavailable): private video",
		},
		{
			name:       "falls back to wrapped error",
			err:        NewTransientError("materialize", errors.New("connection reset")),
			wantFormat: "transient fetch error during materialize (fetch_failed): connection reset",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantFormat {
				t.Errorf("Error() = %q, want %q", got, tt.wantFormat)
			}
		})
	}
}

func TestFetchError_Unwrap(t *testing.T) {
	cause := errors.New("unexpected end of JSON input")
	err := NewMalformedError("extract", cause)

	if errors.Unwrap(err) != cause {
		t.Errorf("Unwrap() = %v, want %v", errors.Unwrap(err), cause)
	}

	wrapped := fmt.Errorf("context: %w", err)
	if !errors.Is(wrapped, cause) {
		t.Error("errors.Is() should find cause in wrapped chain")
	}

	var fe *FetchError
	if !errors.As(wrapped, &fe) {
		t.Fatal("errors.As() should find FetchError in wrapped chain")
	}

	if fe.Code != CodeInvalidVideoInfo || fe.Temporary() {
		t.Errorf("unexpected fetch error %+v", fe)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"transient", NewTransientError("extract", errors.New("timeout")), true},
		{"wrapped transient", fmt.Errorf("attempt 1: %w", NewTransientError("extract", nil)), true},
		{"permanent", NewUnavailableError("extract", "gone"), false},
		{"storage", &StorageError{Op: "write", Path: "/tmp/x", Err: errors.New("no space left on device")}, false},
		{"plain", errors.New("boom"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStorageError_Unwrap(t *testing.T) {
	cause := errors.New("permission denied")
	err := &StorageError{Op: "create", Path: "/data/a.mp4", Err: cause}

	if !errors.Is(err, cause) {
		t.Error("errors.Is() should find cause")
	}

	expected := "storage error during create on /data/a.mp4: permission denied"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}
