package logutil

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerTraceLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelTrace)
	logger.Log(t.Context(), LevelTrace, "loaded tensor", "name", "norm1.weight")
	out := buf.String()
	if !strings.Contains(out, "level=TRACE") || !strings.Contains(out, "name=norm1.weight") {
		t.Fatalf("trace record not rendered: %q", out)
	}
}

func TestNewLoggerFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	logger.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug record written at info level: %q", buf.String())
	}
}

func TestNewLoggerCallerLevelAndSourceAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelDebug)
	logger.Info("checkpoint", "level", "custom", "source", "disk")
	logger.WithGroup("tensor").Info("loaded", "level", 3)
	out := buf.String()
	for _, want := range []string{"level=custom", "source=disk", "tensor.level=3", "logutil_test.go:"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %q", out, want)
		}
	}
}
