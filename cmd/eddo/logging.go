package main

import (
	"io"
	"log/slog"

	"github.com/walterra/eddoapp-sub009/internal/logging"
)

// newLogger builds the JSON logger. Its level follows lv, so a settings reload applies
// without rebuilding handlers.
func newLogger(w io.Writer, lv *slog.LevelVar) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lv})
	return slog.New(logging.NewCorrelationHandler(h))
}

// setLevel parses name into lv. Unknown names leave lv unchanged.
func setLevel(lv *slog.LevelVar, name string) error {
	var l slog.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return err
	}
	lv.Set(l)
	return nil
}
