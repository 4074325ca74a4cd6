package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/italolelis/vidgrab/internal/entitlement"
	"github.com/italolelis/vidgrab/internal/telemetry"
)

// NewRouter wires the public API behind the request middleware chain and exposes /metrics.
func NewRouter(h *DownloadHandler, tel *telemetry.Telemetry, lookup entitlement.SubscriptionLookup) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)
	r.Use(telemetry.HTTPLogging)
	r.Use(middleware.Recoverer)
	r.Use(entitlement.Middleware(lookup))

	r.Handle("/metrics", tel.Handler())
	r.Mount("/", h.Routes())

	return telemetry.RequestID(otelhttp.NewHandler(r, "vidgrab"))
}
