package logger

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"strings"
)

// NewSlogHandler returns a slog.Handler writing through l. Attributes are
// appended to the message as key=value, with group names joined by dots.
func NewSlogHandler(l *Logger) slog.Handler {
	return &slogHandler{log: l}
}

// StdLogger returns a *log.Logger writing through l at level, for libraries
// that take a standard logger such as http.Server.ErrorLog.
func StdLogger(l *Logger, level slog.Level) *log.Logger {
	return slog.NewLogLogger(NewSlogHandler(l), level)
}

type slogHandler struct {
	log *Logger
	// attrs are pre-rendered "key=value" pairs from WithAttrs.
	attrs []string
	group string
}

func fromSlog(level slog.Level) Level {
	switch {
	case level >= slog.LevelError:
		return LevelError
	case level >= slog.LevelWarn:
		return LevelWarn
	case level >= slog.LevelInfo:
		return LevelInfo
	default:
		return LevelDebug
	}
}

func (h *slogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.log.Enabled(fromSlog(level))
}

func (h *slogHandler) Handle(_ context.Context, r slog.Record) error {
	parts := make([]string, 0, 1+len(h.attrs)+r.NumAttrs())
	if r.Message != "" {
		parts = append(parts, r.Message)
	}
	parts = append(parts, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		parts = appendAttr(parts, h.group, a)
		return true
	})
	h.log.log(fromSlog(r.Level), "%s", strings.Join(parts, " "))
	return nil
}

func (h *slogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &slogHandler{log: h.log, group: h.group, attrs: append([]string(nil), h.attrs...)}
	for _, a := range attrs {
		next.attrs = appendAttr(next.attrs, h.group, a)
	}
	return next
}

func (h *slogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &slogHandler{log: h.log, attrs: h.attrs, group: joinKey(h.group, name)}
}

func appendAttr(parts []string, group string, a slog.Attr) []string {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return parts
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, nested := range a.Value.Group() {
			parts = appendAttr(parts, joinKey(group, a.Key), nested)
		}
		return parts
	}
	key := a.Key
	if key == "" {
		key = "attr"
	}
	return append(parts, fmt.Sprintf("%s=%v", joinKey(group, key), a.Value))
}

func joinKey(group, key string) string {
	switch {
	case group == "":
		return key
	case key == "":
		return group
	default:
		return group + "." + key
	}
}
