package logger

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlogHandler_FormatsAttrs(t *testing.T) {
	var buf bytes.Buffer
	sl := slog.New(NewSlogHandler(NewWriter(LevelDebug, &buf, ""))).WithGroup("tab").With("id", 7)

	sl.Warn("guard failed", "reason", "forbidden", slog.Group("pos", "window", 1, "index", 2))

	assert.Contains(t, buf.String(), "[WARN] guard failed tab.id=7 tab.reason=forbidden tab.pos.window=1 tab.pos.index=2\n")
}

func TestSlogHandler_RespectsLevel(t *testing.T) {
	h := NewSlogHandler(NewWriter(LevelError, &bytes.Buffer{}, ""))

	assert.False(t, h.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, h.Enabled(context.Background(), slog.LevelError))
}

func TestStdLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(LevelInfo, &buf, "http")

	StdLogger(l, slog.LevelWarn).Printf("tls handshake error from %s", "127.0.0.1")

	assert.Contains(t, buf.String(), "[WARN] [http] tls handshake error from 127.0.0.1\n")
}
