package app

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestTBHandler_Handle(t *testing.T) {
	ts := time.Date(2024, 6, 15, 14, 30, 45, 0, time.UTC)

	tests := []struct {
		name    string
		runID   string
		level   slog.Level
		message string
		attrs   []slog.Attr
		want    string
	}{
		{
			name:    "basic info message",
			runID:   "run-123",
			level:   slog.LevelInfo,
			message: "file committed",
			want:    "2024-06-15T14:30:45Z\tINFO\trun-123\tfile committed\n",
		},
		{
			name:    "debug level",
			runID:   "run-456",
			level:   slog.LevelDebug,
			message: "listing directory",
			want:    "2024-06-15T14:30:45Z\tDEBUG\trun-456\tlisting directory\n",
		},
		{
			name:    "with record attrs",
			runID:   "run-789",
			level:   slog.LevelInfo,
			message: "rapid upload",
			attrs:   []slog.Attr{slog.String("path", "/docs/file.txt"), slog.Int("size", 42)},
			want:    "2024-06-15T14:30:45Z\tINFO\trun-789\trapid upload\tpath=/docs/file.txt\tsize=42\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := newTBHandler(&buf, nil, tt.runID)

			r := slog.NewRecord(ts, tt.level, tt.message, 0)
			for _, a := range tt.attrs {
				r.AddAttrs(a)
			}

			if err := h.Handle(context.Background(), r); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}

			if got := buf.String(); got != tt.want {
				t.Errorf("Handle() output =\n%q\nwant:\n%q", got, tt.want)
			}
		})
	}
}

func TestTBHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := newTBHandler(&buf, nil, "run-1")

	// Add pre-set attrs
	h2 := h.WithAttrs([]slog.Attr{slog.String("component", "remote")})

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := slog.NewRecord(ts, slog.LevelInfo, "upload", 0)
	r.AddAttrs(slog.String("key", "abc"))

	if err := h2.Handle(context.Background(), r); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	got := buf.String()
	if !strings.Contains(got, "component=remote") {
		t.Errorf("expected pre-set attr component=remote, got: %q", got)
	}
	if !strings.Contains(got, "key=abc") {
		t.Errorf("expected record attr key=abc, got: %q", got)
	}
}

func TestTBHandler_WithAttrs_doesNotMutateOriginal(t *testing.T) {
	h := newTBHandler(&bytes.Buffer{}, nil, "run-1")
	h.attrs = []slog.Attr{slog.String("a", "1")}

	h2 := h.WithAttrs([]slog.Attr{slog.String("b", "2")}).(*tbHandler)

	if len(h.attrs) != 1 {
		t.Errorf("original handler attrs modified: got %d, want 1", len(h.attrs))
	}
	if len(h2.attrs) != 2 {
		t.Errorf("new handler attrs: got %d, want 2", len(h2.attrs))
	}
}

func TestTBHandler_WithGroup(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newTBHandler(&buf, nil, "run-1"))

	logger.WithGroup("block").Info("sent", "seq", 3)

	if got := buf.String(); !strings.Contains(got, "\tblock.seq=3") {
		t.Errorf("expected grouped key block.seq=3, got: %q", got)
	}
}

func TestTBHandler_Enabled(t *testing.T) {
	all := newTBHandler(&bytes.Buffer{}, nil, "")
	// All levels should be enabled without a threshold
	for _, level := range []slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError} {
		if !all.Enabled(context.Background(), level) {
			t.Errorf("Enabled(%v) = false, want true", level)
		}
	}

	warn := newTBHandler(&bytes.Buffer{}, slog.LevelWarn, "")
	if warn.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Enabled(INFO) = true with WARN threshold")
	}
	if !warn.Enabled(context.Background(), slog.LevelError) {
		t.Error("Enabled(ERROR) = false with WARN threshold")
	}
}

func TestNewLogger(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer

	logger, f, err := newLogger(dir, "test-run", &console, slog.LevelWarn)
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}

	logger.Debug("detail")
	logger.Warn("careful", "path", "/a")
	f.Close()

	data, err := os.ReadFile(filepath.Join(dir, LogFileName))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "\tDEBUG\ttest-run\tdetail") {
		t.Errorf("log file missing debug record: %q", data)
	}
	if !strings.Contains(string(data), "\tWARN\ttest-run\tcareful\tpath=/a") {
		t.Errorf("log file missing warn record: %q", data)
	}

	if strings.Contains(console.String(), "detail") {
		t.Errorf("console received record below threshold: %q", console.String())
	}
	if !strings.Contains(console.String(), "careful") {
		t.Errorf("console missing warn record: %q", console.String())
	}
}
