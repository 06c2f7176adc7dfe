// Package audit writes the append-only markdown audit trail. Every lifecycle
// transition and every execution cycle lands here; a failed write is treated
// as a halt condition by the caller because an unauditable action must not
// proceed.
package audit

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const timeLayout = "2006-01-02T15:04:05Z07:00"

// Status classifies the outcome of an audited action.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
	StatusHalted  Status = "halted"
)

// ErrHalted is returned once a write has failed. An unauditable system must
// not keep mutating; the writer stays tripped until the process restarts.
var ErrHalted = errors.New("audit: writer halted after a failed write")

// Entry is one auditable action.
type Entry struct {
	ItemID      string
	Actor       string
	Status      Status
	ActionTaken string
	Input       string
	Output      string
	Decisions   []string
	Errors      []string
	Duration    time.Duration
}

// Writer persists audit entries as individual markdown files under the audit
// namespace. A single failed write trips the writer: every later Write
// returns ErrHalted and Tripped reports true, so callers stop mutating.
type Writer struct {
	dir     string
	clock   func() time.Time
	mu      sync.Mutex
	tripped bool
}

// Option customizes a Writer.
type Option func(*Writer)

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(w *Writer) {
		w.clock = clock
	}
}

// NewWriter creates a writer rooted at the audit directory.
func NewWriter(dir string, opts ...Option) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: prepare %s: %w", dir, err)
	}
	w := &Writer{dir: dir, clock: time.Now}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Write records one entry and returns its log id. The id embeds the wall
// clock so the audit directory sorts chronologically by name.
func (w *Writer) Write(entry Entry) (string, error) {
	if entry.ItemID == "" {
		return "", fmt.Errorf("audit: entry missing item id")
	}
	if entry.ActionTaken == "" {
		return "", fmt.Errorf("audit: entry for %s missing action", entry.ItemID)
	}
	if entry.Status == "" {
		entry.Status = StatusSuccess
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.tripped {
		return "", ErrHalted
	}

	now := w.clock().UTC()
	logID := fmt.Sprintf("LOG_%s_%s", now.Format("20060102_1504"), uuid.NewString()[:8])
	path := filepath.Join(w.dir, logID+".md")

	if err := os.WriteFile(path, []byte(render(logID, entry, now)), 0o644); err != nil {
		w.tripped = true
		return "", fmt.Errorf("audit: write %s: %w", logID, err)
	}
	return logID, nil
}

// Tripped reports whether a write has failed. Mutating components check
// this before touching shared state.
func (w *Writer) Tripped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tripped
}

func render(logID string, entry Entry, now time.Time) string {
	var b strings.Builder
	b.WriteString("---\n")
	fmt.Fprintf(&b, "log_id: %s\n", logID)
	fmt.Fprintf(&b, "item: %s\n", entry.ItemID)
	fmt.Fprintf(&b, "actor: %s\n", entry.Actor)
	fmt.Fprintf(&b, "status: %s\n", entry.Status)
	fmt.Fprintf(&b, "timestamp: %s\n", now.Format(timeLayout))
	b.WriteString("---\n\n")
	fmt.Fprintf(&b, "# %s\n\n", logID)
	writeSection(&b, "Action Taken", entry.ActionTaken)
	writeSection(&b, "Input", entry.Input)
	writeSection(&b, "Output", entry.Output)
	writeList(&b, "Decisions Made", entry.Decisions)
	writeList(&b, "Errors Encountered", entry.Errors)
	writeSection(&b, "Duration", entry.Duration.Round(time.Millisecond).String())
	return b.String()
}

func writeSection(b *strings.Builder, title, content string) {
	fmt.Fprintf(b, "## %s\n\n", title)
	content = strings.TrimSpace(content)
	if content == "" {
		content = "none"
	}
	b.WriteString(content + "\n\n")
}

func writeList(b *strings.Builder, title string, items []string) {
	fmt.Fprintf(b, "## %s\n\n", title)
	if len(items) == 0 {
		b.WriteString("none\n\n")
		return
	}
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", strings.TrimSpace(item))
	}
	b.WriteString("\n")
}
