package blob

import (
	"context"
	"errors"
	"log/slog"
)

// ErrNotFound is returned when a blob or manifest does not exist.
var ErrNotFound = errors.New("not found")

// discardHandler drops all records. Default when no logger is configured.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
