package logger

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
)

const colorReset = "\033[0m"

var levelColors = map[slog.Level]string{
	slog.LevelDebug: "\033[36m",
	slog.LevelInfo:  "\033[32m",
	slog.LevelWarn:  "\033[33m",
	slog.LevelError: "\033[31m",
}

// ColorTextHandler prints the level as a coloured prefix followed by the
// rest of the record in slog's text format. The text handler quotes
// control characters, so the colour cannot travel inside an attribute.
type ColorTextHandler struct {
	text slog.Handler

	mu  *sync.Mutex
	buf *bytes.Buffer
	w   io.Writer
}

// NewColorTextHandler builds a colour handler for w. Setting NO_COLOR
// yields a plain text handler instead.
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	if _, off := os.LookupEnv("NO_COLOR"); off {
		return slog.NewTextHandler(w, opts)
	}
	o := *opts
	o.ReplaceAttr = dropLevel(opts.ReplaceAttr)
	buf := &bytes.Buffer{}
	return &ColorTextHandler{text: slog.NewTextHandler(buf, &o), mu: &sync.Mutex{}, buf: buf, w: w}
}

func (h *ColorTextHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.text.Enabled(ctx, l)
}

func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf.Reset()
	if err := h.text.Handle(ctx, r); err != nil {
		return err
	}
	code, ok := levelColors[r.Level]
	if !ok {
		code = colorReset
	}
	line := make([]byte, 0, len(code)+len(colorReset)+8+h.buf.Len())
	line = append(line, code...)
	line = append(line, r.Level.String()...)
	line = append(line, colorReset...)
	line = append(line, ' ')
	line = append(line, h.buf.Bytes()...)
	_, err := h.w.Write(line)
	return err
}

func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.text = h.text.WithAttrs(attrs)
	return &c
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	c := *h
	c.text = h.text.WithGroup(name)
	return &c
}

func dropLevel(next func([]string, slog.Attr) slog.Attr) func([]string, slog.Attr) slog.Attr {
	return func(groups []string, a slog.Attr) slog.Attr {
		if len(groups) == 0 && a.Key == slog.LevelKey {
			return slog.Attr{}
		}
		if next != nil {
			return next(groups, a)
		}
		return a
	}
}
