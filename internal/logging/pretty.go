// Package logging provides kgrag's process-wide structured logging handler,
// ported from the teacher's helper.PrettyHandler: a slog.Handler that
// timestamps, colors the level, and renders attributes as one compact JSON
// object per line.
package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
)

var levelColor = map[slog.Level]string{
	slog.LevelDebug: "\033[35m", // magenta
	slog.LevelInfo:  "\033[34m", // blue
	slog.LevelWarn:  "\033[33m", // yellow
	slog.LevelError: "\033[31m", // red
}

const colorReset = "\033[0m"

// PrettyHandlerOptions wraps the standard slog.HandlerOptions so future
// pretty-printing knobs can be added without breaking callers.
type PrettyHandlerOptions struct {
	SlogOpts slog.HandlerOptions
}

// PrettyHandler renders slog records as
// "[HH:MM:SS.mmm] LEVEL: message {attrs-as-json}".
type PrettyHandler struct {
	slog.Handler
	l *log.Logger
}

// NewPrettyHandler constructs a PrettyHandler writing to w.
func NewPrettyHandler(w io.Writer, opts PrettyHandlerOptions) *PrettyHandler {
	return &PrettyHandler{
		Handler: slog.NewJSONHandler(w, &opts.SlogOpts),
		l:       log.New(w, "", 0),
	}
}

// Handle implements slog.Handler.
func (h *PrettyHandler) Handle(ctx context.Context, r slog.Record) error {
	level := r.Level.String() + ":"
	if color, ok := levelColor[r.Level]; ok {
		level = color + level + colorReset
	}

	attrs := map[string]any{}
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(attrs); err != nil {
		return err
	}
	attrsJSON := bytes.TrimRight(buf.Bytes(), "\n")

	timestamp := r.Time.Format("15:04:05.000")
	h.l.Println(fmt.Sprintf("[%s] %s %s %s", timestamp, level, r.Message, attrsJSON))

	return nil
}
