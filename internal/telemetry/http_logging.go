package telemetry

import (
	"net/http"
	"time"

	"github.com/italolelis/vidgrab/internal/logctx"
)

// HTTPLogging logs every request once it completes: 5xx at ERROR, 4xx at WARN, everything else at INFO.
// The request id is added by the logger's TraceHandler.
func HTTPLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logctx.LoggerFromContext(ctx)
		start := time.Now()

		rw := newStatusRecorder(w)

		next.ServeHTTP(rw, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"bytes", rw.bytesWritten,
			"duration_ms", time.Since(start).Milliseconds(),
		}

		switch {
		case rw.status >= http.StatusInternalServerError:
			logger.ErrorContext(ctx, "http request completed", attrs...)
		case rw.status >= http.StatusBadRequest:
			logger.WarnContext(ctx, "http request completed", attrs...)
		default:
			logger.InfoContext(ctx, "http request completed", attrs...)
		}
	})
}
