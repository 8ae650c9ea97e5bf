package logging

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kingrea/chainforge/internal/config"
)

func TestTailReturnsRecentLinesAndTotal(t *testing.T) {
	projectDir := t.TempDir()
	logger, err := New(projectDir, slog.LevelInfo, false)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	for i := 0; i < 5; i++ {
		logger.Printf("entry-%d", i)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	lines, total := Tail(filepath.Join(projectDir, config.ProjectDirName, "logs", FileName), 3)
	if total != 5 {
		t.Fatalf("total lines = %d, want 5", total)
	}
	if len(lines) != 3 {
		t.Fatalf("len(lines) = %d, want 3", len(lines))
	}
	for idx, want := range []string{"entry-2", "entry-3", "entry-4"} {
		if !strings.Contains(lines[idx], want) {
			t.Fatalf("line %d = %q, missing %s", idx, lines[idx], want)
		}
	}
}

func TestTailMissingFile(t *testing.T) {
	lines, total := Tail(filepath.Join(t.TempDir(), "absent.log"), 10)
	if lines != nil || total != 0 {
		t.Fatalf("expected nothing for missing file, got %v (%d)", lines, total)
	}
}

func TestLoggerRespectsLevel(t *testing.T) {
	projectDir := t.TempDir()
	logger, err := New(projectDir, slog.LevelWarn, false)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Slog().Info("hidden")
	logger.Slog().Warn("shown", "chain_id", "c1")
	_ = logger.Close()
	data, err := os.ReadFile(filepath.Join(projectDir, config.ProjectDirName, "logs", FileName))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	text := string(data)
	if strings.Contains(text, "hidden") {
		t.Fatalf("info record written below warn level: %s", text)
	}
	if !strings.Contains(text, "chain_id=c1") {
		t.Fatalf("expected structured attribute, got %s", text)
	}
}

func TestDiscardIsSafe(t *testing.T) {
	var nilLogger *Logger
	nilLogger.Printf("ignored %d", 1)
	if err := nilLogger.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
	Discard().Printf("%s", fmt.Sprint("ignored"))
}
