package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

const appName = "air-quality-etl"

// New returns the process logger: colored text in dev, JSON in prod.
func New(env string, level slog.Level, version string) *slog.Logger {
	return newLogger(os.Stderr, env, level, version)
}

func newLogger(w io.Writer, env string, level slog.Level, version string) *slog.Logger {
	if env != "prod" {
		h := tint.NewHandler(w, &tint.Options{
			Level:      level,
			AddSource:  level == slog.LevelDebug,
			TimeFormat: time.Kitchen,
		})
		return slog.New(h).With("app", appName)
	}

	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(h).With(
		"app", appName,
		"version", version,
		"env", env,
	)
}
