package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	slogmulti "github.com/samber/slog-multi"

	"github.com/italolelis/vidgrab/internal/config"
	"github.com/italolelis/vidgrab/internal/logctx"
)

// newLogger writes to out, as text on a terminal and JSON otherwise, and also to export when set.
func newLogger(cfg *config.Config, out *os.File, export slog.Handler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}

	var h slog.Handler = slog.NewJSONHandler(out, opts)
	if textLogs(cfg.LogFormat, out) {
		h = slog.NewTextHandler(out, opts)
	}

	if export != nil {
		h = slogmulti.Fanout(h, export)
	}

	return slog.New(logctx.NewTraceHandler(h))
}

func textLogs(format string, out *os.File) bool {
	switch strings.ToLower(format) {
	case "text":
		return true
	case "json":
		return false
	}

	fd := out.Fd()

	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
