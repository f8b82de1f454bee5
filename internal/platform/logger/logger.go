package logger

import (
	"log/slog"
	"os"
)

// New returns the root structured logger. JSON output so log shippers can
// index the session_id and request_id attrs without parsing.
func New(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
