package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitLoggerCapturesWarnings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logs", "hostwatch.log")

	InitLogger(LevelInfo, path)
	defer Close()

	Debug("hidden")
	Info("tick complete", "pairs", 3)
	Warn("backend unreachable", "host", "web-1")
	Error("store failed")

	entries := GetEntries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 captured entries, got %d", len(entries))
	}
	if entries[0].Message != "backend unreachable" || entries[0].Attrs != "host=web-1" {
		t.Errorf("unexpected first entry: %+v", entries[0])
	}
	if !strings.Contains(entries[1].Format(), "ERROR store failed") {
		t.Errorf("unexpected format: %q", entries[1].Format())
	}

	warn, errs := GetCounts()
	if warn != 1 || errs != 1 {
		t.Errorf("counts = %d/%d, want 1/1", warn, errs)
	}
	ClearCounts()
	if warn, errs = GetCounts(); warn != 0 || errs != 0 {
		t.Errorf("counts after clear = %d/%d", warn, errs)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if strings.Contains(string(data), "hidden") {
		t.Error("debug entry written at info level")
	}
	if !strings.Contains(string(data), `"msg":"tick complete"`) {
		t.Errorf("info entry missing from log file: %s", data)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
