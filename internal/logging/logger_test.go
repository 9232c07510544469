package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
)

func TestHelpersAreNoOpsBeforeInit(t *testing.T) {
	Logger = nil
	Info("ignored")
	Debug("ignored")
	Warn("ignored")
	Error("ignored")
	Close()
}

func TestInitWriterRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, log.InfoLevel)
	t.Cleanup(func() { Logger = nil })

	Debug("hidden detail")
	Warn("Feed fetch failed", "source", "UC123")

	out := buf.String()
	if strings.Contains(out, "hidden detail") {
		t.Error("debug line written at info level")
	}
	if !strings.Contains(out, "Feed fetch failed") || !strings.Contains(out, "UC123") {
		t.Errorf("warn line missing: %q", out)
	}
}

func TestInitCreatesLogFile(t *testing.T) {
	dir := t.TempDir()
	if err := Init(dir, log.InfoLevel); err != nil {
		t.Fatalf("Init: %v", err)
	}
	Info("hello")
	Close()
	Logger = nil

	matches, err := filepath.Glob(filepath.Join(dir, "logs", "feedingtube-*.log"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected one log file, got %v (%v)", matches, err)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "hello") {
		t.Errorf("log file missing message: %q", data)
	}
}
