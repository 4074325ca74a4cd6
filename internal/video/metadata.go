package video

import (
	"strings"
	"time"
)

// DefaultContainer is used when an extractor does not report a container.
const DefaultContainer = "mp4"

var contentTypes = map[string]string{
	"mp4":  "video/mp4",
	"m4v":  "video/mp4",
	"webm": "video/webm",
	"mkv":  "video/x-matroska",
	"mov":  "video/quicktime",
	"3gp":  "video/3gpp",
}

// Format is one quality tier that is actually available for a specific video.
type Format struct {
	Quality   Quality
	FileSize  int64
	Container string
}

// Metadata describes a video as reported by an extractor.
type Metadata struct {
	Title     string
	Duration  time.Duration
	Thumbnail string
	Author    string
	ViewCount int64
	Formats   []Format
}

// FormatFor returns the available format for q.
func (m *Metadata) FormatFor(q Quality) (Format, bool) {
	if m == nil {
		return Format{}, false
	}

	for _, f := range m.Formats {
		if f.Quality == q {
			return f, true
		}
	}

	return Format{}, false
}

// NormalizeContainer lowercases a container name and reports whether it is one we can serve.
func NormalizeContainer(container string) (string, bool) {
	c := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(container)), ".")
	if c == "" {
		return DefaultContainer, true
	}

	_, ok := contentTypes[c]

	return c, ok
}

// ContentType maps a container to its MIME type.
func ContentType(container string) string {
	if ct, ok := contentTypes[strings.ToLower(container)]; ok {
		return ct
	}

	return "application/octet-stream"
}
