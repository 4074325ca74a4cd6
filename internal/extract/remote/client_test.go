package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/vidgrab/internal/extract"
	"github.com/italolelis/vidgrab/internal/platform"
	"github.com/italolelis/vidgrab/internal/video"
)

const media = "0123456789abcdefghijklmnopqrstuvwxyz"

func newServer(t *testing.T, extractStatus int) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/extract", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req extractRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "tiktok", req.Platform)

		if extractStatus != http.StatusOK {
			w.WriteHeader(extractStatus)
			_, _ = io.WriteString(w, `{"message":"video removed by author"}`)

			return
		}

		_ = json.NewEncoder(w).Encode(extractResponse{
			Title:     "Dancing cat",
			Duration:  12,
			Author:    "catlover",
			ViewCount: 10,
			Formats: []formatResponse{
				{Quality: "low", FileSize: 10, Container: "mp4", URL: "media/low"},
				{Quality: "high", FileSize: int64(len(media)), Container: "MP4", URL: "media/high"},
				{Quality: "8k", FileSize: 1, Container: "mp4", URL: "media/8k"},
				{Quality: "medium", FileSize: 1, Container: "flv", URL: "media/flv"},
			},
		})
	})
	mux.HandleFunc("GET /media/high", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, media)
	})
	mux.HandleFunc("GET /media/low", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv
}

func newClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()

	c, err := NewClient(srv.URL, "secret")
	require.NoError(t, err)

	return c
}

func TestExtract(t *testing.T) {
	c := newClient(t, newServer(t, http.StatusOK))

	meta, err := c.Extract(context.Background(), "https://www.tiktok.com/@cat/video/1", platform.TikTok)
	require.NoError(t, err)

	assert.Equal(t, "Dancing cat", meta.Title)
	assert.Equal(t, "catlover", meta.Author)
	assert.Equal(t, []video.Format{
		{Quality: video.QualityLow, FileSize: 10, Container: "mp4"},
		{Quality: video.QualityHigh, FileSize: int64(len(media)), Container: "mp4"},
	}, meta.Formats)
}

func TestExtractStatusMapping(t *testing.T) {
	tests := []struct {
		status   int
		wantKind video.FetchKind
		wantCode string
	}{
		{http.StatusNotFound, video.Permanent, video.CodeVideoUnavailable},
		{http.StatusGone, video.Permanent, video.CodeVideoUnavailable},
		{http.StatusUnavailableForLegalReasons, video.Permanent, video.CodeVideoUnavailable},
		{http.StatusTooManyRequests, video.Transient, video.CodeFetchFailed},
		{http.StatusBadGateway, video.Transient, video.CodeFetchFailed},
		{http.StatusForbidden, video.Permanent, video.CodeFetchFailed},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newClient(t, newServer(t, tt.status))

			_, err := c.Extract(context.Background(), "https://www.tiktok.com/@cat/video/1", platform.TikTok)

			var fe *video.FetchError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tt.wantKind, fe.Kind)
			assert.Equal(t, tt.wantCode, fe.Code)
		})
	}
}

func TestExtractMalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "<html>")
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "")
	require.NoError(t, err)

	_, err = c.Extract(context.Background(), "https://pin.it/abc", platform.Pinterest)

	var fe *video.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, video.CodeInvalidVideoInfo, fe.Code)
	assert.False(t, fe.Temporary())
}

func TestMaterialize(t *testing.T) {
	c := newClient(t, newServer(t, http.StatusOK))
	dest := filepath.Join(t.TempDir(), "a.mp4.part")

	var reports []float64

	n, err := c.Materialize(context.Background(), extract.MaterializeRequest{
		URL:      "https://www.tiktok.com/@cat/video/1",
		Platform: platform.TikTok,
		Quality:  video.QualityHigh,
		DestPath: dest,
	}, func(p float64) { reports = append(reports, p) })
	require.NoError(t, err)

	assert.EqualValues(t, len(media), n)
	require.NotEmpty(t, reports)
	assert.InDelta(t, 100, reports[len(reports)-1], 0.001)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, media, string(data))
}

func TestMaterializeFailures(t *testing.T) {
	c := newClient(t, newServer(t, http.StatusOK))
	dir := t.TempDir()

	t.Run("quality not offered", func(t *testing.T) {
		_, err := c.Materialize(context.Background(), extract.MaterializeRequest{
			URL: "u", Platform: platform.TikTok, Quality: video.Quality4K, DestPath: filepath.Join(dir, "a"),
		}, nil)

		var fe *video.FetchError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, video.CodeVideoUnavailable, fe.Code)
	})

	t.Run("media server error", func(t *testing.T) {
		_, err := c.Materialize(context.Background(), extract.MaterializeRequest{
			URL: "u", Platform: platform.TikTok, Quality: video.QualityLow, DestPath: filepath.Join(dir, "b"),
		}, nil)
		assert.True(t, video.IsRetryable(err))
	})

	t.Run("unwritable destination", func(t *testing.T) {
		_, err := c.Materialize(context.Background(), extract.MaterializeRequest{
			URL: "u", Platform: platform.TikTok, Quality: video.QualityHigh, DestPath: filepath.Join(dir, "missing", "c"),
		}, nil)

		var se *video.StorageError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "create", se.Op)
	})
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient("not a url", "")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "invalid extractor url"))
}
