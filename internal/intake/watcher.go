// Package intake watches the inbox namespace, validates dropped files, and
// admits them into the pipeline as new work items. Validation failures
// produce an escalation note and an audit entry; the source file is never
// modified. Admission is at-most-once, enforced by the processed ledger.
package intake

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rgoulet/conveyor/internal/audit"
	"github.com/rgoulet/conveyor/internal/config"
	"github.com/rgoulet/conveyor/internal/escalation"
	"github.com/rgoulet/conveyor/internal/item"
	"github.com/rgoulet/conveyor/internal/logging"
	"github.com/rgoulet/conveyor/internal/vault"
)

const watcherActor = "intake-watcher"

// Watcher scans the intake namespace and turns valid drops into work items.
type Watcher struct {
	vault   *vault.Vault
	ledger  *vault.Ledger
	audits  *audit.Writer
	log     *logging.Logger
	cfg     config.IntakeConfig
	secrets *secretScanner
	clock   func() time.Time

	allowed map[string]bool
	// readRetried tracks files whose first read failed; a second failure
	// escalates instead of retrying forever.
	readRetried map[string]bool
}

// Option customizes a Watcher.
type Option func(*Watcher)

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(w *Watcher) {
		w.clock = clock
	}
}

// NewWatcher wires a watcher over the vault using the intake configuration.
func NewWatcher(v *vault.Vault, ledger *vault.Ledger, audits *audit.Writer, log *logging.Logger, cfg config.IntakeConfig, opts ...Option) (*Watcher, error) {
	scanner, err := newSecretScanner(cfg.SecretPatterns)
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		vault:       v,
		ledger:      ledger,
		audits:      audits,
		log:         log,
		cfg:         cfg,
		secrets:     scanner,
		clock:       time.Now,
		allowed:     map[string]bool{},
		readRetried: map[string]bool{},
	}
	for _, ext := range cfg.AllowedExtensions {
		w.allowed[strings.ToLower(ext)] = true
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run performs an initial scan of everything already present, then polls.
// Files that exist before startup are processed exactly like new arrivals.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.Scan(); err != nil {
		return err
	}
	ticker := time.NewTicker(time.Duration(w.cfg.PollIntervalSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Scan(); err != nil {
				return err
			}
		}
	}
}

// Scan processes every unprocessed file currently in the intake namespace.
// A per-file failure is contained; only vault-level failures abort the scan.
func (w *Watcher) Scan() error {
	if w.audits.Tripped() {
		return audit.ErrHalted
	}
	names, err := w.vault.List(vault.NamespaceIntake)
	if err != nil {
		return err
	}
	for _, name := range names {
		if strings.HasPrefix(name, ".") {
			continue
		}
		if err := w.processFile(name); err != nil {
			w.log.Printf("intake: %s: %v", name, err)
		}
	}
	return nil
}

func (w *Watcher) processFile(name string) error {
	start := w.clock()
	path := filepath.Join(w.vault.Dir(vault.NamespaceIntake), name)

	ext := strings.ToLower(filepath.Ext(name))
	if !w.allowed[ext] {
		return w.reject(name, start, escalation.Medium,
			fmt.Sprintf("unsupported extension %q", ext),
			fmt.Sprintf("rejected file with unsupported extension %s", ext))
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat: %w", err)
	}
	if info.Size() > w.cfg.MaxEntryBytes {
		return w.reject(name, start, escalation.Medium,
			fmt.Sprintf("file too large: %d bytes (limit %d)", info.Size(), w.cfg.MaxEntryBytes),
			fmt.Sprintf("rejected oversized file: %d bytes", info.Size()))
	}

	content, err := os.ReadFile(path)
	if err != nil {
		// One retry on the next scan covers a file still being written.
		if !w.readRetried[name] {
			w.readRetried[name] = true
			return fmt.Errorf("read (will retry): %w", err)
		}
		delete(w.readRetried, name)
		return w.reject(name, start, escalation.Medium,
			fmt.Sprintf("file unreadable after retry: %v", err),
			"rejected unreadable file")
	}
	delete(w.readRetried, name)

	if !utf8.Valid(content) {
		return w.reject(name, start, escalation.Medium,
			"file is not valid UTF-8 text",
			"rejected binary or mis-encoded file")
	}
	if strings.TrimSpace(string(content)) == "" {
		return w.reject(name, start, escalation.Medium,
			"file is empty",
			"rejected empty file")
	}

	fingerprint := vault.Fingerprint(content)
	identity := vault.Identity(name, fingerprint)
	seen, err := w.ledger.Seen(identity)
	if err != nil {
		return err
	}
	if seen {
		return nil
	}

	if matches := w.secrets.scan(content); len(matches) > 0 {
		// The file stays in intake untouched. Copying secret material
		// anywhere else, even into a rejection note, is off the table.
		if err := w.rejectSecrets(name, start, matches); err != nil {
			return err
		}
		return w.ledger.Record(identity, name, fingerprint)
	}

	if err := w.admit(name, content, start); err != nil {
		return err
	}
	return w.ledger.Record(identity, name, fingerprint)
}

// admit creates a new work item in the pending namespace from a valid drop.
func (w *Watcher) admit(name string, content []byte, start time.Time) error {
	text := string(content)
	meta := extractMetadata(content)
	title := extractTitle(name, text, meta)
	class := classify(text, meta)
	// Keyword priority is assigned at triage; admission only honors an
	// explicit frontmatter override.
	priority, _ := metadataPriority(meta)
	requester, _ := meta["requester"].(string)

	now := w.clock().UTC()
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	id := fmt.Sprintf("ITEM_%s_%s", now.Format("20060102_1504"), escalation.Stem(stem))

	it := item.Item{
		ID:             id,
		Title:          title,
		Priority:       priority,
		Classification: class,
		State:          item.StateNew,
		Source:         "intake/" + name,
		Requester:      requester,
		Created:        now,
		Updated:        now,
	}
	priorityNote := "assigned at triage"
	if priority != "" {
		priorityNote = string(priority) + " (frontmatter override)"
	}
	body := []byte(fmt.Sprintf("# %s\n\n## Source\n\n- original file: `intake/%s`\n- detected type: %s\n- priority: %s\n\n## Original Content\n\n%s\n",
		title, name, class, priorityNote, strings.TrimSpace(text)))

	pendingDir := w.vault.Dir(vault.NamespacePending)
	itemName := fmt.Sprintf("%s_%s.md", now.Format("2006-01-02"), stem)
	dest, err := vault.SafePath(pendingDir, itemName)
	if err != nil {
		return err
	}
	if err := item.WriteFile(dest, it, body); err != nil {
		return err
	}

	w.log.Printf("intake: admitted %s as %s [%s]", name, id, class)
	_, err = w.audits.Write(audit.Entry{
		ItemID:      id,
		Actor:       watcherActor,
		ActionTaken: "admitted intake file and created work item",
		Input:       fmt.Sprintf("intake/%s (%d bytes)", name, len(content)),
		Output:      fmt.Sprintf("pending/%s", filepath.Base(dest)),
		Decisions: []string{
			"classification: " + string(class),
			"priority: " + priorityNote,
			"title: " + title,
		},
		Duration: w.clock().Sub(start),
	})
	if err != nil {
		return fmt.Errorf("intake: audit admission of %s: %w", name, err)
	}
	return nil
}

// reject writes an escalation note and an audit entry for an invalid drop.
// The source file stays where it is.
func (w *Watcher) reject(name string, start time.Time, severity escalation.Severity, reason, action string) error {
	now := w.clock()
	notePath, err := escalation.Write(w.vault.Dir(vault.NamespacePending), escalation.Note{
		ItemID:       "intake/" + name,
		ItemPath:     name,
		Severity:     severity,
		WhatHappened: reason,
		WhatWasTried: []string{"validated the file against the intake rules"},
		WhatIsNeeded: "review the file, fix or remove it from intake",
		Impact:       "file remains unprocessed in intake; no work item was created",
	}, now)
	if err != nil {
		return err
	}
	w.log.Printf("intake: rejected %s: %s", name, reason)
	_, err = w.audits.Write(audit.Entry{
		ItemID:      "intake/" + name,
		Actor:       watcherActor,
		Status:      audit.StatusFailed,
		ActionTaken: action,
		Input:       "new file detected: intake/" + name,
		Output:      "rejection note: " + filepath.Base(notePath),
		Decisions:   []string{reason},
		Errors:      []string{reason},
		Duration:    w.clock().Sub(start),
	})
	return err
}

// rejectSecrets handles the security path: the reason names the patterns
// that matched, never the matching text.
func (w *Watcher) rejectSecrets(name string, start time.Time, matches []string) error {
	reason := fmt.Sprintf("secret patterns detected (%d matched); file left in intake untouched", len(matches))
	now := w.clock()
	notePath, err := escalation.Write(w.vault.Dir(vault.NamespacePending), escalation.Note{
		ItemID:       "intake/" + name,
		ItemPath:     name,
		Severity:     escalation.High,
		WhatHappened: reason,
		WhatWasTried: []string{"scanned content against the secret pattern set"},
		WhatIsNeeded: "remove the credentials from the file or delete it",
		Impact:       "file will not be processed while it contains secret material",
	}, now)
	if err != nil {
		return err
	}
	w.log.Printf("intake: rejected %s: secrets detected", name)
	_, err = w.audits.Write(audit.Entry{
		ItemID:      "intake/" + name,
		Actor:       watcherActor,
		Status:      audit.StatusFailed,
		ActionTaken: "rejected file containing secret material",
		Input:       "new file detected: intake/" + name,
		Output:      "rejection note: " + filepath.Base(notePath),
		Decisions:   []string{"content must not be copied or moved while tainted"},
		Errors:      append([]string{reason}, matches...),
		Duration:    w.clock().Sub(start),
	})
	return err
}
