package ytdlp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/vidgrab/internal/extract"
	"github.com/italolelis/vidgrab/internal/platform"
	"github.com/italolelis/vidgrab/internal/video"
)

type runnerFunc func(ctx context.Context, stdout io.Writer, args ...string) error

func (f runnerFunc) Run(ctx context.Context, stdout io.Writer, args ...string) error {
	return f(ctx, stdout, args...)
}

const infoFixture = `{
	"title": "  Dancing cat ",
	"duration": 12.5,
	"thumbnail": "https://cdn.example/thumb.jpg",
	"uploader": "catlover",
	"view_count": 1234,
	"formats": [
		{"format_id": "audio", "ext": "m4a", "vcodec": "none"},
		{"format_id": "360", "ext": "mp4", "width": 360, "height": 640, "vcodec": "h264", "filesize": 1000},
		{"format_id": "720", "ext": "mp4", "width": 720, "height": 1280, "vcodec": "h264", "filesize": 5000},
		{"format_id": "720w", "ext": "webm", "width": 720, "height": 1280, "vcodec": "vp9", "filesize_approx": 7000},
		{"format_id": "1080", "ext": "mp4", "width": 1080, "height": 1920, "vcodec": "h264", "filesize": 9000},
		{"format_id": "flv", "ext": "flv", "width": 240, "height": 320, "vcodec": "h263", "filesize": 10}
	]
}`

func TestExtractFoldsFormatsIntoTiers(t *testing.T) {
	var gotArgs []string

	e := New(runnerFunc(func(_ context.Context, stdout io.Writer, args ...string) error {
		gotArgs = args
		_, err := io.WriteString(stdout, infoFixture)

		return err
	}))

	meta, err := e.Extract(context.Background(), "https://www.tiktok.com/@cat/video/1", platform.TikTok)
	require.NoError(t, err)

	assert.Contains(t, gotArgs, "-J")
	assert.Equal(t, "https://www.tiktok.com/@cat/video/1", gotArgs[len(gotArgs)-1])

	assert.Equal(t, "Dancing cat", meta.Title)
	assert.Equal(t, 12500*time.Millisecond, meta.Duration)
	assert.Equal(t, "catlover", meta.Author)
	assert.EqualValues(t, 1234, meta.ViewCount)
	assert.Equal(t, []video.Format{
		{Quality: video.QualityLow, FileSize: 1000, Container: "mp4"},
		{Quality: video.QualityMedium, FileSize: 7000, Container: "webm"},
		{Quality: video.QualityHigh, FileSize: 9000, Container: "mp4"},
	}, meta.Formats)
}

func TestExtractErrors(t *testing.T) {
	tests := []struct {
		name     string
		stdout   string
		err      error
		wantKind video.FetchKind
		wantCode string
	}{
		{
			name:     "removed video",
			err:      &ExitError{Stderr: "ERROR: [TikTok] 1: Video unavailable\n", Err: errors.New("exit status 1")},
			wantKind: video.Permanent,
			wantCode: video.CodeVideoUnavailable,
		},
		{
			name:     "private video",
			err:      &ExitError{Stderr: "ERROR: Private video. Sign in if you've been granted access", Err: errors.New("exit status 1")},
			wantKind: video.Permanent,
			wantCode: video.CodeVideoUnavailable,
		},
		{
			name:     "network failure",
			err:      &ExitError{Stderr: "ERROR: Unable to download webpage: <urlopen error timed out>", Err: errors.New("exit status 1")},
			wantKind: video.Transient,
			wantCode: video.CodeFetchFailed,
		},
		{
			name:     "garbage output",
			stdout:   "not json",
			wantKind: video.Permanent,
			wantCode: video.CodeInvalidVideoInfo,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New(runnerFunc(func(_ context.Context, stdout io.Writer, _ ...string) error {
				_, _ = io.WriteString(stdout, tt.stdout)

				return tt.err
			}))

			_, err := e.Extract(context.Background(), "https://fb.watch/x", platform.Facebook)

			var fe *video.FetchError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tt.wantKind, fe.Kind)
			assert.Equal(t, tt.wantCode, fe.Code)
		})
	}
}

func TestExtractHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()

	e := New(runnerFunc(func(ctx context.Context, _ io.Writer, _ ...string) error {
		<-ctx.Done()

		return &ExitError{Err: errors.New("signal: killed")}
	}))

	_, err := e.Extract(ctx, "https://fb.watch/x", platform.Facebook)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// fakeDownload imitates yt-dlp writing the merged file next to the output template and printing its path.
func fakeDownload(t *testing.T, payload, ext string) runnerFunc {
	t.Helper()

	return func(_ context.Context, stdout io.Writer, args ...string) error {
		i := slices.Index(args, "-o")
		require.GreaterOrEqual(t, i, 0)

		out := strings.Replace(args[i+1], "%(ext)s", ext, 1)

		for _, p := range []string{"  0.0%", " 50.0%", "100.0%", "  0.0%", "100.0%"} {
			fmt.Fprintf(stdout, "%s%s\n", progressPrefix, p)
		}

		if err := os.WriteFile(out, []byte(payload), 0o600); err != nil {
			return err
		}

		fmt.Fprintln(stdout, out)

		return nil
	}
}

func TestMaterialize(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "a.mp4.part")

	var gotArgs []string

	fake := fakeDownload(t, "media-bytes", "mp4")
	e := New(runnerFunc(func(ctx context.Context, stdout io.Writer, args ...string) error {
		gotArgs = args

		return fake(ctx, stdout, args...)
	}))

	var reports []float64

	n, err := e.Materialize(context.Background(), extract.MaterializeRequest{
		URL:       "https://www.tiktok.com/@cat/video/1",
		Platform:  platform.TikTok,
		Quality:   video.QualityHigh,
		Container: "mp4",
		DestPath:  dest,
	}, func(p float64) { reports = append(reports, p) })
	require.NoError(t, err)

	assert.EqualValues(t, len("media-bytes"), n)
	assert.Equal(t, []float64{50, 99, 100}, reports)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "media-bytes", string(data))

	assert.Contains(t, gotArgs, "bv*[height<=1080]+ba/b[height<=1080]/bv*[width<=1080]+ba/b[width<=1080]")
	i := slices.Index(gotArgs, "--remux-video")
	require.GreaterOrEqual(t, i, 0)
	assert.Equal(t, "mp4", gotArgs[i+1])
	i = slices.Index(gotArgs, "--merge-output-format")
	require.GreaterOrEqual(t, i, 0)
	assert.Equal(t, "mp4", gotArgs[i+1])
}

func TestMaterializeRejectsOtherContainer(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "a.mp4.part")

	e := New(fakeDownload(t, "webm-bytes", "webm"))

	_, err := e.Materialize(context.Background(), extract.MaterializeRequest{
		URL:       "https://www.tiktok.com/@cat/video/1",
		Platform:  platform.TikTok,
		Quality:   video.QualityLow,
		Container: "mp4",
		DestPath:  dest,
	}, nil)

	var fe *video.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, video.CodeInvalidVideoInfo, fe.Code)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMaterializeWithoutOutputPath(t *testing.T) {
	e := New(runnerFunc(func(context.Context, io.Writer, ...string) error { return nil }))

	_, err := e.Materialize(context.Background(), extract.MaterializeRequest{
		Quality:  video.QualityLow,
		DestPath: filepath.Join(t.TempDir(), "a.mp4.part"),
	}, nil)

	var fe *video.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, video.CodeInvalidVideoInfo, fe.Code)
}

func TestLineWriterSplitsPartialWrites(t *testing.T) {
	var lines []string

	w := &lineWriter{onLine: func(s string) { lines = append(lines, s) }}

	_, _ = w.Write([]byte("one\r\ntw"))
	_, _ = w.Write([]byte("o\nthree"))
	w.flush()

	assert.Equal(t, []string{"one", "two", "three"}, lines)
}

func TestTailBufferKeepsEnd(t *testing.T) {
	b := &tailBuffer{limit: 4}
	_, _ = b.Write([]byte("abcdef"))
	_, _ = b.Write([]byte("gh"))

	assert.Equal(t, "efgh", b.String())
}
