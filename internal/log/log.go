package log

import (
	"log/slog"
	"os"
)

// Setup initializes the global slog.Logger.
// debug=true selects Debug level, verbose=true selects Info, otherwise Warn.
// The logger is also installed as the process default via slog.SetDefault.
func Setup(debug bool, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelInfo
	}
	if debug {
		level = slog.LevelDebug
	}

	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	l := slog.New(h)
	slog.SetDefault(l)
	return l
}
