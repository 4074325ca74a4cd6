// Package ytdlp drives the yt-dlp binary as an extraction backend.
package ytdlp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/italolelis/vidgrab/internal/extract"
	"github.com/italolelis/vidgrab/internal/logctx"
	"github.com/italolelis/vidgrab/internal/platform"
	"github.com/italolelis/vidgrab/internal/video"
)

const progressPrefix = "vidgrab-progress "

// maxStderr bounds how much diagnostic output is kept from a failed run.
const maxStderr = 16 * 1024

// Runner executes yt-dlp with args, streaming its standard output to stdout.
type Runner interface {
	Run(ctx context.Context, stdout io.Writer, args ...string) error
}

// ExitError is returned by ExecRunner when yt-dlp exits unsuccessfully.
type ExitError struct {
	Stderr string
	Err    error
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return e.Err.Error()
	}

	return fmt.Sprintf("%v: %s", e.Err, msg)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExecRunner runs the binary at Path.
type ExecRunner struct {
	Path string
}

func (r ExecRunner) Run(ctx context.Context, stdout io.Writer, args ...string) error {
	cmd := exec.CommandContext(ctx, r.Path, args...)
	cmd.Stdout = stdout

	stderr := &tailBuffer{limit: maxStderr}
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		return &ExitError{Stderr: stderr.String(), Err: err}
	}

	return nil
}

type Extractor struct {
	runner Runner
}

func New(runner Runner) *Extractor {
	return &Extractor{runner: runner}
}

type infoJSON struct {
	Title     string       `json:"title"`
	Duration  float64      `json:"duration"`
	Thumbnail string       `json:"thumbnail"`
	Uploader  string       `json:"uploader"`
	Channel   string       `json:"channel"`
	ViewCount int64        `json:"view_count"`
	Formats   []formatJSON `json:"formats"`
}

type formatJSON struct {
	FormatID       string `json:"format_id"`
	Ext            string `json:"ext"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	VCodec         string `json:"vcodec"`
	FileSize       int64  `json:"filesize"`
	FileSizeApprox int64  `json:"filesize_approx"`
}

// Extract runs yt-dlp in JSON dump mode and folds its formats into quality tiers.
func (e *Extractor) Extract(ctx context.Context, url string, _ platform.Platform) (*video.Metadata, error) {
	var out bytes.Buffer

	if err := e.runner.Run(ctx, &out, "-J", "--no-playlist", "--no-warnings", url); err != nil {
		return nil, classify(ctx, "extract", err)
	}

	var info infoJSON
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		return nil, video.NewMalformedError("extract", err)
	}

	author := info.Uploader
	if author == "" {
		author = info.Channel
	}

	return &video.Metadata{
		Title:     strings.TrimSpace(info.Title),
		Duration:  time.Duration(info.Duration * float64(time.Second)),
		Thumbnail: info.Thumbnail,
		Author:    author,
		ViewCount: info.ViewCount,
		Formats:   tiers(info.Formats),
	}, nil
}

// tiers keeps, for every quality tier, the largest servable video format.
func tiers(formats []formatJSON) []video.Format {
	best := make(map[video.Quality]video.Format)

	for _, f := range formats {
		if f.VCodec == "none" || f.Height <= 0 {
			continue
		}

		container, ok := video.NormalizeContainer(f.Ext)
		if !ok {
			continue
		}

		short := f.Height
		if f.Width > 0 {
			short = min(f.Width, f.Height)
		}

		q, ok := video.QualityForHeight(short)
		if !ok {
			continue
		}

		size := f.FileSize
		if size <= 0 {
			size = f.FileSizeApprox
		}

		if cur, seen := best[q]; !seen || size > cur.FileSize {
			best[q] = video.Format{Quality: q, FileSize: size, Container: container}
		}
	}

	out := make([]video.Format, 0, len(best))
	for _, q := range video.Qualities() {
		if f, ok := best[q]; ok {
			out = append(out, f)
		}
	}

	return out
}

// Materialize downloads the tier into DestPath. yt-dlp picks the final extension itself, so
// the output is written next to DestPath and renamed once the binary reports where it landed.
func (e *Extractor) Materialize(ctx context.Context, req extract.MaterializeRequest, onProgress extract.ProgressFunc) (int64, error) {
	logger := logctx.LoggerFromContext(ctx).With("quality", req.Quality, "dest", req.DestPath)

	container, ok := video.NormalizeContainer(req.Container)
	if !ok {
		container = video.DefaultContainer
	}

	out := &lineWriter{}
	reported := 0.0
	finalPath := ""

	out.onLine = func(line string) {
		if rest, ok := strings.CutPrefix(line, progressPrefix); ok {
			p, ok := parsePercent(rest)
			// Separate video and audio streams each run from 0 to 100; hold at 99 until the merge is done.
			p = min(p, 99)
			if ok && p > reported && onProgress != nil {
				reported = p
				onProgress(p)
			}

			return
		}

		if line = strings.TrimSpace(line); line != "" {
			finalPath = line
		}
	}

	args := []string{
		"--no-playlist",
		"--no-warnings",
		"--newline",
		"--progress",
		"--progress-template", "download:" + progressPrefix + "%(progress._percent_str)s",
		"-f", formatSelector(req.Quality),
		"--merge-output-format", container,
		// A single pre-merged stream skips the merger, so remux it as well.
		"--remux-video", container,
		"-o", req.DestPath + ".%(ext)s",
		"--print", "after_move:filepath",
		req.URL,
	}

	err := e.runner.Run(ctx, out, args...)
	out.flush()

	if err != nil {
		return 0, classify(ctx, "materialize", err)
	}

	if finalPath == "" {
		return 0, video.NewMalformedError("materialize", errors.New("yt-dlp did not report an output file"))
	}

	if ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(finalPath)), "."); ext != container {
		_ = os.Remove(finalPath)

		return 0, video.NewMalformedError("materialize", fmt.Errorf("yt-dlp produced %q, expected %s", ext, container))
	}

	if err := os.Rename(finalPath, req.DestPath); err != nil {
		return 0, &video.StorageError{Op: "rename", Path: req.DestPath, Err: err}
	}

	info, err := os.Stat(req.DestPath)
	if err != nil {
		return 0, &video.StorageError{Op: "stat", Path: req.DestPath, Err: err}
	}

	if onProgress != nil {
		onProgress(100)
	}

	logger.Debug("yt-dlp finished", "size", info.Size())

	return info.Size(), nil
}

// formatSelector limits the short side of the picked stream to the tier's height. Portrait
// videos carry their short side in the width.
func formatSelector(q video.Quality) string {
	h := q.Height()

	return fmt.Sprintf("bv*[height<=%[1]d]+ba/b[height<=%[1]d]/bv*[width<=%[1]d]+ba/b[width<=%[1]d]", h)
}

func parsePercent(s string) (float64, bool) {
	s = strings.TrimSuffix(strings.TrimSpace(s), "%")

	p, err := strconv.ParseFloat(s, 64)
	if err != nil || p < 0 {
		return 0, false
	}

	return min(p, 100), true
}

var unavailableMarkers = []string{
	"video unavailable",
	"private video",
	"this video has been removed",
	"is not available",
	"http error 404",
	"http error 410",
	"unsupported url",
	"requested format is not available",
	"login required",
}

// classify turns a failed run into the error taxonomy.
func classify(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("yt-dlp %s: %w", op, ctxErr)
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		stderr := strings.ToLower(exitErr.Stderr)
		for _, marker := range unavailableMarkers {
			if strings.Contains(stderr, marker) {
				return video.NewUnavailableError(op, lastLine(exitErr.Stderr))
			}
		}
	}

	return video.NewTransientError(op, err)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}

	return strings.TrimPrefix(s, "ERROR: ")
}

// lineWriter hands every complete line written to it to onLine.
type lineWriter struct {
	buf    []byte
	onLine func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)

	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}

		w.onLine(strings.TrimRight(string(w.buf[:i]), "\r"))
		w.buf = w.buf[i+1:]
	}

	return len(p), nil
}

func (w *lineWriter) flush() {
	if len(w.buf) > 0 {
		w.onLine(string(w.buf))
		w.buf = nil
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = b.buf[over:]
	}

	return len(p), nil
}

func (b *tailBuffer) String() string {
	return string(b.buf)
}
