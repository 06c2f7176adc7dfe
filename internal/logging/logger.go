// Package logging provides the operational log file for a vault. It records
// watcher and executor activity for humans; the auditable record lives in the
// audit namespace and is written by internal/audit.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Logger appends timestamped lines to <vault>/conveyor.log so failures can be
// inspected after the process exits.
type Logger struct {
	file *os.File
}

// New creates (or reuses) the log file under the vault root.
func New(vaultRoot string) (*Logger, error) {
	if err := os.MkdirAll(vaultRoot, 0o755); err != nil {
		return nil, fmt.Errorf("logging: ensure vault dir: %w", err)
	}
	path := filepath.Join(vaultRoot, "conveyor.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open log file: %w", err)
	}
	return &Logger{file: f}, nil
}

// Close releases the file handle.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Printf writes a single timestamped line to the log file.
func (l *Logger) Printf(format string, args ...any) {
	if l == nil || l.file == nil {
		return
	}
	line := fmt.Sprintf(format, args...)
	line = strings.TrimRight(line, "\n")
	timestamp := time.Now().Format(time.RFC3339)
	fmt.Fprintf(l.file, "[%s] %s\n", timestamp, line)
}
