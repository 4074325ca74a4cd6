// Package remote talks to an HTTP extraction service.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"

	"github.com/italolelis/vidgrab/internal/extract"
	"github.com/italolelis/vidgrab/internal/logctx"
	"github.com/italolelis/vidgrab/internal/platform"
	"github.com/italolelis/vidgrab/internal/progress"
	"github.com/italolelis/vidgrab/internal/video"
)

const maxErrorBody = 4 * 1024

type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// NewClient creates a client for the service at baseURL. When token is set every request carries it
// as a bearer token.
func NewClient(baseURL, token string) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/")
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid extractor url %q", baseURL)
	}

	base := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}

	httpClient := base
	if token != "" {
		tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		httpClient = oauth2.NewClient(context.WithValue(context.Background(), oauth2.HTTPClient, base), tokenSource)
	}

	return &Client{baseURL: u, httpClient: httpClient}, nil
}

type extractRequest struct {
	URL      string `json:"url"`
	Platform string `json:"platform"`
}

type extractResponse struct {
	Title     string           `json:"title"`
	Duration  float64          `json:"duration"`
	Thumbnail string           `json:"thumbnail"`
	Author    string           `json:"author"`
	ViewCount int64            `json:"viewCount"`
	Formats   []formatResponse `json:"formats"`
}

type formatResponse struct {
	Quality   string `json:"quality"`
	FileSize  int64  `json:"fileSize"`
	Container string `json:"container"`
	URL       string `json:"url"`
}

// Extract asks the service for the metadata of rawURL.
func (c *Client) Extract(ctx context.Context, rawURL string, p platform.Platform) (*video.Metadata, error) {
	res, err := c.extract(ctx, rawURL, p)
	if err != nil {
		return nil, err
	}

	meta := &video.Metadata{
		Title:     strings.TrimSpace(res.Title),
		Duration:  time.Duration(res.Duration * float64(time.Second)),
		Thumbnail: res.Thumbnail,
		Author:    res.Author,
		ViewCount: res.ViewCount,
	}

	for _, f := range res.Formats {
		q, err := video.ParseQuality(f.Quality)
		if err != nil {
			continue
		}

		container, ok := video.NormalizeContainer(f.Container)
		if !ok {
			continue
		}

		meta.Formats = append(meta.Formats, video.Format{Quality: q, FileSize: f.FileSize, Container: container})
	}

	return meta, nil
}

func (c *Client) extract(ctx context.Context, rawURL string, p platform.Platform) (*extractResponse, error) {
	body, err := json.Marshal(extractRequest{URL: rawURL, Platform: p.String()})
	if err != nil {
		return nil, fmt.Errorf("failed to encode extract request: %w", err)
	}

	endpoint := c.baseURL.JoinPath("v1", "extract")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create extract request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(ctx, "extract", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("extract", resp)
	}

	var res extractResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, video.NewMalformedError("extract", err)
	}

	return &res, nil
}

// Materialize resolves the media URL for the requested tier and streams it to DestPath.
func (c *Client) Materialize(ctx context.Context, r extract.MaterializeRequest, onProgress extract.ProgressFunc) (int64, error) {
	logger := logctx.LoggerFromContext(ctx).With("quality", r.Quality, "dest", r.DestPath)

	res, err := c.extract(ctx, r.URL, r.Platform)
	if err != nil {
		return 0, err
	}

	var format *formatResponse

	for i := range res.Formats {
		if q, err := video.ParseQuality(res.Formats[i].Quality); err == nil && q == r.Quality {
			format = &res.Formats[i]

			break
		}
	}

	if format == nil || format.URL == "" {
		return 0, video.NewUnavailableError("materialize", fmt.Sprintf("quality %s is no longer offered", r.Quality))
	}

	mediaURL, err := c.baseURL.Parse(format.URL)
	if err != nil {
		return 0, video.NewMalformedError("materialize", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create media request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, transportError(ctx, "materialize", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, statusError("materialize", resp)
	}

	total := resp.ContentLength
	if total <= 0 {
		total = format.FileSize
	}

	f, err := os.OpenFile(r.DestPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, &video.StorageError{Op: "create", Path: r.DestPath, Err: err}
	}

	w := &fileWriter{f: f}

	n, copyErr := io.Copy(w, progress.NewReader(resp.Body, total, 1, onProgress))
	closeErr := f.Close()

	switch {
	case w.err != nil:
		return n, &video.StorageError{Op: "write", Path: r.DestPath, Err: w.err}
	case copyErr != nil:
		return n, transportError(ctx, "materialize", copyErr)
	case closeErr != nil:
		return n, &video.StorageError{Op: "close", Path: r.DestPath, Err: closeErr}
	}

	if resp.ContentLength > 0 && n != resp.ContentLength {
		return n, video.NewTransientError("materialize", fmt.Errorf("short body: got %d of %d bytes", n, resp.ContentLength))
	}

	logger.Debug("media stream written", "size", n)

	return n, nil
}

// fileWriter remembers write failures so they can be told apart from read failures after io.Copy.
type fileWriter struct {
	f   *os.File
	err error
}

func (w *fileWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if err != nil {
		w.err = err
	}

	return n, err
}

func transportError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("extractor %s: %w", op, ctxErr)
	}

	return video.NewTransientError(op, err)
}

type errorResponse struct {
	Message string `json:"message"`
}

func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	msg := strings.TrimSpace(string(body))

	var er errorResponse
	if json.Unmarshal(body, &er) == nil && er.Message != "" {
		msg = er.Message
	}

	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusGone,
		resp.StatusCode == http.StatusUnavailableForLegalReasons,
		resp.StatusCode == http.StatusUnprocessableEntity:
		return video.NewUnavailableError(op, msg)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= http.StatusInternalServerError:
		return video.NewTransientError(op, fmt.Errorf("extractor returned %d: %s", resp.StatusCode, msg))
	default:
		return &video.FetchError{
			Kind: video.Permanent,
			Code: video.CodeFetchFailed,
			Op:   op,
			Err:  errors.New(msg),
		}
	}
}
