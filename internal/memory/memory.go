// Package memory is the append-only recall store. Entries are grouped by
// kind into one markdown file each under the memory namespace; existing
// entries are never modified. Recall is keyword matching over entry text,
// bounded so a large store cannot flood an execution context.
package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind selects a memory file.
type Kind string

const (
	KindPattern    Kind = "task_patterns"
	KindFailure    Kind = "failures"
	KindDecision   Kind = "decisions"
	KindReflection Kind = "reflections"
)

// Entry is one recallable memory record.
type Entry struct {
	ID      string
	ItemID  string
	Kind    Kind
	Created time.Time
	Summary string
	Details string
	Tags    []string
}

const timeLayout = "2006-01-02T15:04:05Z07:00"

// Store reads and appends memory files.
type Store struct {
	dir   string
	clock func() time.Time
	mu    sync.Mutex
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// NewStore opens a store rooted at the memory directory.
func NewStore(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("memory: prepare %s: %w", dir, err)
	}
	s := &Store{dir: dir, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) file(kind Kind) string {
	return filepath.Join(s.dir, string(kind)+".md")
}

// Append writes one entry to the kind's file and returns the entry id.
func (s *Store) Append(kind Kind, e Entry) (string, error) {
	if e.Summary == "" {
		return "", fmt.Errorf("memory: entry missing summary")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC()
	id := fmt.Sprintf("MEM_%s_%s", now.Format("20060102_1504"), uuid.NewString()[:8])

	var b strings.Builder
	fmt.Fprintf(&b, "### Entry ID: %s\n", id)
	fmt.Fprintf(&b, "**Item**: %s\n", e.ItemID)
	fmt.Fprintf(&b, "**Date**: %s\n", now.Format(timeLayout))
	if len(e.Tags) > 0 {
		fmt.Fprintf(&b, "**Tags**: %s\n", strings.Join(e.Tags, ", "))
	}
	fmt.Fprintf(&b, "**Summary**: %s\n", e.Summary)
	if strings.TrimSpace(e.Details) != "" {
		b.WriteString("\n" + strings.TrimSpace(e.Details) + "\n")
	}
	b.WriteString("\n---\n\n")

	if err := s.appendRaw(kind, header(kind), b.String()); err != nil {
		return "", err
	}
	return id, nil
}

func header(kind Kind) string {
	return fmt.Sprintf("# Memory: %s\n\nAppend-only. Existing entries are never modified.\n\n", kind)
}

func (s *Store) appendRaw(kind Kind, head, block string) error {
	path := s.file(kind)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		block = head + block
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("memory: open %s: %w", kind, err)
	}
	defer f.Close()
	if _, err := f.WriteString(block); err != nil {
		return fmt.Errorf("memory: append %s: %w", kind, err)
	}
	return nil
}

var entryPattern = regexp.MustCompile(`(?s)### Entry ID: ([^\n]+)\n(.*?)(?:\n---\n|\z)`)

// Recall returns up to limit entries of a kind whose text contains any of
// the terms, most recent first. Empty terms match nothing.
func (s *Store) Recall(kind Kind, terms []string, limit int) ([]Entry, error) {
	if limit <= 0 || len(terms) == 0 {
		return nil, nil
	}
	content, err := os.ReadFile(s.file(kind))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("memory: read %s: %w", kind, err)
	}
	var lowered []string
	for _, term := range terms {
		if t := strings.ToLower(strings.TrimSpace(term)); t != "" {
			lowered = append(lowered, t)
		}
	}
	var matched []Entry
	for _, m := range entryPattern.FindAllStringSubmatch(string(content), -1) {
		id, block := strings.TrimSpace(m[1]), m[2]
		blockLower := strings.ToLower(block)
		relevant := false
		for _, term := range lowered {
			if strings.Contains(blockLower, term) {
				relevant = true
				break
			}
		}
		if !relevant {
			continue
		}
		matched = append(matched, parseEntry(id, kind, block))
	}
	// newest entries live at the end of the file
	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func parseEntry(id string, kind Kind, block string) Entry {
	e := Entry{ID: id, Kind: kind}
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "**Item**:"):
			e.ItemID = strings.TrimSpace(strings.TrimPrefix(line, "**Item**:"))
		case strings.HasPrefix(line, "**Summary**:"):
			e.Summary = strings.TrimSpace(strings.TrimPrefix(line, "**Summary**:"))
		case strings.HasPrefix(line, "**Tags**:"):
			for _, tag := range strings.Split(strings.TrimPrefix(line, "**Tags**:"), ",") {
				if t := strings.TrimSpace(tag); t != "" {
					e.Tags = append(e.Tags, t)
				}
			}
		case strings.HasPrefix(line, "**Date**:"):
			if t, err := time.Parse(timeLayout, strings.TrimSpace(strings.TrimPrefix(line, "**Date**:"))); err == nil {
				e.Created = t
			}
		}
	}
	e.Details = strings.TrimSpace(block)
	return e
}

// Reflection is a post-completion self-assessment appended after each
// executed item.
type Reflection struct {
	ItemID           string
	PlanQuality      int
	Efficiency       int
	MemoryUse        int
	Issues           string
	Improvements     string
	PatternCandidate bool
}

// AppendReflection writes a structured reflection entry.
func (s *Store) AppendReflection(r Reflection) (string, error) {
	if r.ItemID == "" {
		return "", fmt.Errorf("memory: reflection missing item id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC()
	id := fmt.Sprintf("REFL_%s_%s", now.Format("20060102_1504"), uuid.NewString()[:8])
	candidate := "No"
	if r.PatternCandidate {
		candidate = "Yes"
	}
	issues := r.Issues
	if strings.TrimSpace(issues) == "" {
		issues = "none"
	}
	improvements := r.Improvements
	if strings.TrimSpace(improvements) == "" {
		improvements = "none"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "### Reflection ID: %s\n", id)
	fmt.Fprintf(&b, "**Task ID**: %s\n", r.ItemID)
	fmt.Fprintf(&b, "**Date/Time**: %s\n", now.Format(timeLayout))
	fmt.Fprintf(&b, "**Plan Quality Score**: %d\n", r.PlanQuality)
	fmt.Fprintf(&b, "**Execution Efficiency Score**: %d\n", r.Efficiency)
	fmt.Fprintf(&b, "**Memory Usage Effectiveness**: %d\n", r.MemoryUse)
	fmt.Fprintf(&b, "**Issues Encountered**: %s\n", issues)
	fmt.Fprintf(&b, "**What Should Be Done Differently Next Time**: %s\n", improvements)
	fmt.Fprintf(&b, "**Pattern Candidate**: %s\n", candidate)
	b.WriteString("\n---\n\n")

	if err := s.appendRaw(KindReflection, header(KindReflection), b.String()); err != nil {
		return "", err
	}
	return id, nil
}
