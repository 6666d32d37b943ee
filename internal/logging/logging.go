// Package logging sets the process-wide structured logger. Every callcast
// binary logs JSON by default; LOG_FORMAT=text switches to the
// human-readable handler for local runs.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init installs the default slog logger, tagged with the service name and
// pid so the worker, api, and callback processes stay separable in
// aggregated logs.
func Init(service, format string) *slog.Logger {
	logger := slog.New(newHandler(format)).With("service", service, "pid", os.Getpid())
	slog.SetDefault(logger)

	if f := normalize(format); f != "" && f != "json" && f != "text" {
		logger.Warn("unknown log format, using json", "format", format)
	}
	return logger
}

func newHandler(format string) slog.Handler {
	if normalize(format) == "text" {
		return slog.NewTextHandler(os.Stdout, nil)
	}
	return slog.NewJSONHandler(os.Stdout, nil)
}

func normalize(format string) string {
	return strings.ToLower(strings.TrimSpace(format))
}
