package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kingrea/chainforge/internal/config"
)

// Logger appends structured lines to .chainforge/logs/chainforge.log so
// chain failures can be inspected after the process exits.
type Logger struct {
	file *os.File
	slog *slog.Logger
}

// New creates (or reuses) the log file for the current project directory.
// When verbose is set, records are also written to stderr.
func New(projectDir string, level slog.Level, verbose bool) (*Logger, error) {
	logDir := filepath.Join(projectDir, config.ProjectDirName, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: ensure log dir: %w", err)
	}
	path := filepath.Join(logDir, FileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open log file: %w", err)
	}
	var out io.Writer = f
	if verbose {
		out = io.MultiWriter(f, os.Stderr)
	}
	handler := slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	return &Logger{file: f, slog: slog.New(handler)}, nil
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return &Logger{slog: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// Slog exposes the structured logger handed to engine components.
func (l *Logger) Slog() *slog.Logger {
	if l == nil || l.slog == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return l.slog
}

// Close releases the file handle.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Printf writes a single info record. It satisfies the narrow Logger
// interface used by the event bridge.
func (l *Logger) Printf(format string, args ...any) {
	if l == nil || l.slog == nil {
		return
	}
	line := strings.TrimRight(fmt.Sprintf(format, args...), "\n")
	l.slog.Info(line)
}
