// Package escalation carries the error severity taxonomy and writes the
// escalation notes that halt an item until a human intervenes.
package escalation

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rgoulet/conveyor/internal/vault"
)

// Severity grades a handling failure. Low resolves silently, Medium is
// logged and retried, High halts the item, Critical halts the process.
type Severity string

const (
	Low      Severity = "low"
	Medium   Severity = "medium"
	High     Severity = "high"
	Critical Severity = "critical"
)

// Rank orders severities for comparison; unknown values rank below Low.
func (s Severity) Rank() int {
	switch s {
	case Low:
		return 1
	case Medium:
		return 2
	case High:
		return 3
	case Critical:
		return 4
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as threshold or more.
func (s Severity) AtLeast(threshold Severity) bool {
	return s.Rank() >= threshold.Rank()
}

// Note describes why an item was halted and what a human needs to do.
type Note struct {
	ItemID       string
	ItemPath     string
	Severity     Severity
	WhatHappened string
	WhatWasTried []string
	WhatIsNeeded string
	Impact       string
}

const noteTimeLayout = "2006-01-02T15:04:05Z07:00"

// Write persists the note next to the halted item as
// ESCALATION_<date>_<stem>.md with status awaiting_human. A name collision
// gets a suffixed file; an existing note is never overwritten.
func Write(dir string, note Note, now time.Time) (string, error) {
	if note.ItemID == "" {
		return "", fmt.Errorf("escalation: note missing item id")
	}
	stem := noteStem(note.ItemPath, note.ItemID)
	name := fmt.Sprintf("ESCALATION_%s_%s.md", now.UTC().Format("20060102"), stem)
	path, err := vault.SafePath(dir, name)
	if err != nil {
		return "", fmt.Errorf("escalation: place note for %s: %w", note.ItemID, err)
	}

	var b strings.Builder
	b.WriteString("---\n")
	fmt.Fprintf(&b, "item: %s\n", note.ItemID)
	fmt.Fprintf(&b, "severity: %s\n", note.Severity)
	fmt.Fprintf(&b, "status: awaiting_human\n")
	fmt.Fprintf(&b, "created: %s\n", now.UTC().Format(noteTimeLayout))
	b.WriteString("---\n\n")
	fmt.Fprintf(&b, "# Escalation: %s\n\n", note.ItemID)
	b.WriteString("## What Happened\n\n")
	b.WriteString(strings.TrimSpace(note.WhatHappened) + "\n\n")
	b.WriteString("## What Was Tried\n\n")
	if len(note.WhatWasTried) == 0 {
		b.WriteString("- nothing recorded\n")
	}
	for _, attempt := range note.WhatWasTried {
		fmt.Fprintf(&b, "- %s\n", strings.TrimSpace(attempt))
	}
	b.WriteString("\n## What Is Needed\n\n")
	b.WriteString(strings.TrimSpace(note.WhatIsNeeded) + "\n\n")
	b.WriteString("## Impact\n\n")
	b.WriteString(strings.TrimSpace(note.Impact) + "\n")

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("escalation: write note for %s: %w", note.ItemID, err)
	}
	return path, nil
}

func noteStem(itemPath, itemID string) string {
	base := itemID
	if itemPath != "" {
		base = filepath.Base(itemPath)
		base = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return Stem(base)
}

// Stem reduces a name to lowercase filename-safe characters.
func Stem(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
