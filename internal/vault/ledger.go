package vault

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Ledger records the identity of every intake entry that has been processed,
// so registration stays at-most-once across restarts. Identity is the entry
// name plus a content fingerprint: editing a file yields a new identity,
// re-dropping identical bytes does not.
type Ledger struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenLedger opens (or creates) the sqlite ledger inside the intake namespace.
func OpenLedger(v *Vault) (*Ledger, error) {
	path := filepath.Join(v.Dir(NamespaceIntake), ".processed.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("vault: open ledger: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("vault: ledger pragma: %w", err)
		}
	}
	schema := `CREATE TABLE IF NOT EXISTS processed (
		identity    TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		seen_at     TEXT NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("vault: ledger schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close releases the database handle.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Fingerprint returns the hex SHA-256 of content.
func Fingerprint(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Identity derives a stable ledger key from an entry name and fingerprint.
func Identity(name, fingerprint string) string {
	return name + "@" + fingerprint
}

// Seen reports whether an identity was already processed.
func (l *Ledger) Seen(identity string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var one int
	err := l.db.QueryRow("SELECT 1 FROM processed WHERE identity = ?", identity).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("vault: ledger lookup: %w", err)
	}
	return true, nil
}

// Record stores an identity. Recording the same identity twice is a no-op.
func (l *Ledger) Record(identity, name, fingerprint string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.Exec(
		"INSERT OR IGNORE INTO processed (identity, name, fingerprint, seen_at) VALUES (?, ?, ?, ?)",
		identity, name, fingerprint, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("vault: ledger record: %w", err)
	}
	return nil
}
