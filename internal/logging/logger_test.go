package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in).Level(); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestWriterWithoutFileIsConsole(t *testing.T) {
	var buf bytes.Buffer
	if w := writer(&buf, Options{}); w != &buf {
		t.Fatalf("expected the console writer to be returned unchanged")
	}
}

func TestWriterTeesIntoFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "groupscan.log")
	logger := slog.New(slog.NewTextHandler(writer(&buf, Options{Path: path}), nil))
	logger.Info("task finished", "task_id", "t-1")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	for _, out := range []string{buf.String(), string(data)} {
		if !strings.Contains(out, "task_id=t-1") {
			t.Fatalf("log line missing from output %q", out)
		}
	}
}
