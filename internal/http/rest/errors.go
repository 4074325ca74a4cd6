package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/italolelis/vidgrab/internal/delivery"
	"github.com/italolelis/vidgrab/internal/logctx"
	"github.com/italolelis/vidgrab/internal/orchestrator"
	"github.com/italolelis/vidgrab/internal/storage"
	"github.com/italolelis/vidgrab/internal/video"
)

const (
	codeNotFound          = "not_found"
	codeNotFoundOrExpired = "not_found_or_expired"
	codeInProgress        = "download_in_progress"
	codeServerBusy        = "server_busy"
	codeRateLimited       = "rate_limited"
	codeBadRequest        = "bad_request"
	codeTimeout           = "timeout"
	codeInternal          = "internal_error"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// apiError is the HTTP rendition of an error.
type apiError struct {
	status  int
	code    string
	message string
}

// formatError maps a domain error onto a status code and a client facing body.
func formatError(err error) apiError {
	var (
		ce *video.ClientError
		fe *video.FetchError
		se *video.StorageError
	)

	switch {
	case errors.As(err, &ce):
		status := http.StatusBadRequest
		if ce.Code == video.CodeQualityRequiresUpgrade {
			status = http.StatusPaymentRequired
		}

		return apiError{status, ce.Code, ce.Message}
	case errors.As(err, &fe):
		if fe.Temporary() || fe.Code == video.CodeFetchFailed {
			return apiError{http.StatusBadGateway, video.CodeFetchFailed, "the video platform could not be reached, try again later"}
		}

		msg := "the video is unavailable"
		if fe.Code == video.CodeInvalidVideoInfo {
			msg = "the video information could not be read"
		}

		return apiError{http.StatusUnprocessableEntity, fe.Code, msg}
	case errors.Is(err, orchestrator.ErrServerBusy):
		return apiError{http.StatusServiceUnavailable, codeServerBusy, err.Error()}
	case errors.Is(err, delivery.ErrNotFoundOrExpired):
		return apiError{http.StatusNotFound, codeNotFoundOrExpired, err.Error()}
	case errors.Is(err, delivery.ErrInProgress):
		return apiError{http.StatusConflict, codeInProgress, err.Error()}
	case errors.Is(err, storage.ErrNotFound):
		return apiError{http.StatusNotFound, codeNotFound, "download not found"}
	case errors.Is(err, context.DeadlineExceeded):
		return apiError{http.StatusGatewayTimeout, codeTimeout, "the request timed out"}
	case errors.As(err, &se):
		return apiError{http.StatusInternalServerError, codeInternal, "local storage failure"}
	}

	return apiError{http.StatusInternalServerError, codeInternal, "internal server error"}
}

// writeError logs err and renders it. Server side failures are logged at ERROR; client mistakes at DEBUG.
func (h *DownloadHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)
	e := formatError(err)

	if e.status >= http.StatusInternalServerError && e.status != http.StatusServiceUnavailable && e.status != http.StatusBadGateway {
		logger.ErrorContext(ctx, "request failed", "code", e.code, "err", err)
	} else {
		logger.DebugContext(ctx, "request rejected", "code", e.code, "err", err)
	}

	if e.status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(int(h.retryAfter/time.Second)))
	}

	writeJSON(w, e.status, errorResponse{Code: e.code, Message: e.message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(body)
}
