package webcom

import (
	"io"
	"log/slog"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// noopIfNil returns l when non-nil, otherwise a discard logger.
func noopIfNil(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return discard
}
