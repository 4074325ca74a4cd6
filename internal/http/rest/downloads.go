package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/vidgrab/internal/delivery"
	"github.com/italolelis/vidgrab/internal/entitlement"
	"github.com/italolelis/vidgrab/internal/logctx"
	"github.com/italolelis/vidgrab/internal/orchestrator"
	"github.com/italolelis/vidgrab/internal/platform"
	"github.com/italolelis/vidgrab/internal/storage"
	"github.com/italolelis/vidgrab/internal/video"
)

const (
	maxRequestBody = 64 * 1024
	recentLimit    = 10
)

// Downloads accepts submissions and reports on them.
type Downloads interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (*storage.DownloadRecord, error)
	Status(ctx context.Context, id string) (*storage.DownloadRecord, error)
	Recent(ctx context.Context, limit int) ([]storage.DownloadRecord, error)
}

// Files hands out completed artifacts.
type Files interface {
	Open(ctx context.Context, id string) (*delivery.Artifact, error)
	Finish(ctx context.Context, art *delivery.Artifact, written int64) error
}

type MetadataFetcher interface {
	Fetch(ctx context.Context, url string, p platform.Platform) (*video.Metadata, error)
}

type submitRequest struct {
	URL     string `json:"url"`
	Quality string `json:"quality"`
}

type submitResponse struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Title   string `json:"title"`
	Quality string `json:"quality"`
}

type statusResponse struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Status          string     `json:"status"`
	ProgressPercent int        `json:"progressPercent"`
	FileSize        int64      `json:"fileSize"`
	Quality         string     `json:"quality"`
	Platform        string     `json:"platform"`
	CreatedAt       time.Time  `json:"createdAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	FailureReason   string     `json:"failureReason,omitempty"`
	Degraded        bool       `json:"degraded,omitempty"`
}

type infoRequest struct {
	URL string `json:"url"`
}

type infoFormat struct {
	Quality         string `json:"quality"`
	FileSize        int64  `json:"fileSize"`
	Format          string `json:"format"`
	RequiresUpgrade bool   `json:"requiresUpgrade"`
}

type infoResponse struct {
	Platform  string       `json:"platform"`
	Title     string       `json:"title"`
	Duration  float64      `json:"duration"`
	Thumbnail string       `json:"thumbnail,omitempty"`
	Author    string       `json:"author,omitempty"`
	ViewCount int64        `json:"viewCount"`
	Formats   []infoFormat `json:"formats"`
}

type healthResponse struct {
	Status   string `json:"status"`
	Degraded bool   `json:"degraded"`
}

// DownloadHandlerConfig groups the collaborators of a DownloadHandler.
type DownloadHandlerConfig struct {
	Downloads Downloads
	Files     Files
	Fetcher   MetadataFetcher
	Gate      orchestrator.Authorizer
	Limiter   *IPRateLimiter
	// Degraded reports whether the ledger is currently unavailable.
	Degraded func() bool
	// RetryAfter is advertised to clients turned away because every slot is taken.
	RetryAfter time.Duration
}

type DownloadHandler struct {
	downloads  Downloads
	files      Files
	fetcher    MetadataFetcher
	gate       orchestrator.Authorizer
	limiter    *IPRateLimiter
	degraded   func() bool
	retryAfter time.Duration
}

// NewDownloadHandler creates the handler serving the public download API.
func NewDownloadHandler(cfg DownloadHandlerConfig) *DownloadHandler {
	if cfg.Degraded == nil {
		cfg.Degraded = func() bool { return false }
	}

	if cfg.RetryAfter < time.Second {
		cfg.RetryAfter = 30 * time.Second
	}

	return &DownloadHandler{
		downloads:  cfg.Downloads,
		files:      cfg.Files,
		fetcher:    cfg.Fetcher,
		gate:       cfg.Gate,
		limiter:    cfg.Limiter,
		degraded:   cfg.Degraded,
		retryAfter: cfg.RetryAfter,
	}
}

func (h *DownloadHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(h.limiter.Middleware)
		r.Post("/submit", h.handleSubmit)
		r.Post("/info", h.handleInfo)
	})

	r.Get("/status/{id}", h.handleStatus)
	r.Get("/file/{id}", h.handleFile)
	r.Get("/downloads", h.handleRecent)
	r.Get("/healthz", h.handleHealth)

	return r
}

func (h *DownloadHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: codeBadRequest, Message: "request body must be a JSON object with url and quality"})

		return
	}

	ctx := r.Context()

	rec, err := h.downloads.Submit(ctx, orchestrator.SubmitRequest{
		URL:     req.URL,
		Quality: req.Quality,
		Caller:  entitlement.CallerFromContext(ctx),
	})
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		ID:      rec.ID,
		Status:  string(rec.Status),
		Title:   rec.Title,
		Quality: rec.Quality,
	})
}

func (h *DownloadHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := h.downloads.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, newStatusResponse(rec))
}

func newStatusResponse(rec *storage.DownloadRecord) statusResponse {
	resp := statusResponse{
		ID:              rec.ID,
		Title:           rec.Title,
		Status:          string(rec.Status),
		ProgressPercent: rec.Progress,
		FileSize:        rec.EstimatedSize,
		Quality:         rec.Quality,
		Platform:        rec.Platform,
		CreatedAt:       rec.CreatedAt,
		FailureReason:   rec.FailureReason,
		Degraded:        rec.Degraded,
	}

	if rec.FileSize > 0 {
		resp.FileSize = rec.FileSize
	}

	if !rec.CompletedAt.IsZero() {
		completed := rec.CompletedAt
		resp.CompletedAt = &completed
	}

	return resp
}

// handleFile streams a completed artifact. Only a fully sent file counts as served.
func (h *DownloadHandler) handleFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	art, err := h.files.Open(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	header := w.Header()
	header.Set("Content-Type", art.ContentType)
	header.Set("Content-Length", strconv.FormatInt(art.Size, 10))
	header.Set("Content-Disposition", art.ContentDisposition)
	header.Set("Cache-Control", "no-store")
	header.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	written, copyErr := io.Copy(w, art.File)
	if copyErr != nil {
		logctx.LoggerFromContext(ctx).DebugContext(ctx, "artifact stream interrupted", "download_id", art.ID, "err", copyErr)
	}

	if err := h.files.Finish(ctx, art, written); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to finish delivery", "download_id", art.ID, "err", err)
	}
}

func (h *DownloadHandler) handleInfo(w http.ResponseWriter, r *http.Request) {
	var req infoRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: codeBadRequest, Message: "request body must be a JSON object with url"})

		return
	}

	if !platform.ValidURL(req.URL) {
		h.writeError(w, r, &video.ClientError{Code: video.CodeInvalidURL, Message: "url must be an http or https link"})

		return
	}

	p := platform.Classify(req.URL)
	if !p.Supported() {
		h.writeError(w, r, &video.ClientError{
			Code:    video.CodeUnsupportedPlatform,
			Message: "supported platforms are Facebook, TikTok, Pinterest and Instagram",
		})

		return
	}

	ctx := r.Context()

	meta, err := h.fetcher.Fetch(ctx, req.URL, p)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	caller := entitlement.CallerFromContext(ctx)
	resp := infoResponse{
		Platform:  p.String(),
		Title:     meta.Title,
		Duration:  meta.Duration.Seconds(),
		Thumbnail: meta.Thumbnail,
		Author:    meta.Author,
		ViewCount: meta.ViewCount,
		Formats:   make([]infoFormat, 0, len(meta.Formats)),
	}

	for _, f := range meta.Formats {
		resp.Formats = append(resp.Formats, infoFormat{
			Quality:         f.Quality.String(),
			FileSize:        f.FileSize,
			Format:          f.Container,
			RequiresUpgrade: h.gate.Authorize(f.Quality, caller) != nil,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *DownloadHandler) handleRecent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	recs, err := h.downloads.Recent(ctx, recentLimit)
	if err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to list recent downloads", "err", err)
	}

	resp := make([]statusResponse, 0, len(recs))
	for i := range recs {
		resp = append(resp, newStatusResponse(&recs[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *DownloadHandler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok"}
	if h.degraded() {
		resp = healthResponse{Status: "degraded", Degraded: true}
	}

	writeJSON(w, http.StatusOK, resp)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))

	if err := dec.Decode(v); err != nil {
		return err
	}

	if dec.More() {
		return errors.New("unexpected data after JSON body")
	}

	return nil
}
