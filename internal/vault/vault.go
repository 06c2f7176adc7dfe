// Package vault manages the on-disk namespaces that hold work items, plans,
// audit entries, and memory records. All writers go through SafePath and Move
// so a file, once written, is never overwritten by another writer.
package vault

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Namespace names the canonical stores inside a vault.
type Namespace string

const (
	NamespaceIntake   Namespace = "intake"
	NamespacePending  Namespace = "pending"
	NamespaceTerminal Namespace = "terminal"
	NamespaceAudit    Namespace = "audit"
	NamespacePlans    Namespace = "plans"
	NamespaceMemory   Namespace = "memory"
)

var namespaces = []Namespace{
	NamespaceIntake,
	NamespacePending,
	NamespaceTerminal,
	NamespaceAudit,
	NamespacePlans,
	NamespaceMemory,
}

// ErrCollisionOverflow is returned when SafePath cannot find a free name
// after exhausting the suffix budget.
var ErrCollisionOverflow = errors.New("vault: filename collision overflow")

// ErrDestinationExists is returned by Move when the destination is taken.
var ErrDestinationExists = errors.New("vault: destination already exists")

// Vault is rooted at a directory containing the six namespaces.
type Vault struct {
	root string
}

// Init creates the namespace tree under root. Existing directories are kept.
func Init(root string) error {
	for _, ns := range namespaces {
		if err := os.MkdirAll(filepath.Join(root, string(ns)), 0o755); err != nil {
			return fmt.Errorf("vault: create %s: %w", ns, err)
		}
	}
	return nil
}

// Open returns a Vault rooted at root after verifying the namespace tree.
func Open(root string) (*Vault, error) {
	v := &Vault{root: filepath.Clean(root)}
	if err := v.Verify(); err != nil {
		return nil, err
	}
	return v, nil
}

// Root returns the vault root directory.
func (v *Vault) Root() string { return v.root }

// Dir returns the absolute path of a namespace.
func (v *Vault) Dir(ns Namespace) string {
	return filepath.Join(v.root, string(ns))
}

// Verify checks that every namespace exists. A missing namespace is a
// Critical integrity failure for the caller.
func (v *Vault) Verify() error {
	for _, ns := range namespaces {
		info, err := os.Stat(v.Dir(ns))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("vault: namespace %s missing", ns)
			}
			return fmt.Errorf("vault: stat %s: %w", ns, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("vault: namespace %s is not a directory", ns)
		}
	}
	return nil
}

const maxCollisionSuffix = 100

// SafePath returns a non-colliding path for name inside dir by appending a
// deterministic _2, _3, ... suffix. It never selects an existing file.
func SafePath(dir, name string) (string, error) {
	target := filepath.Join(dir, name)
	if !exists(target) {
		return target, nil
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for counter := 2; counter <= maxCollisionSuffix; counter++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, counter, ext))
		if !exists(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s in %s", ErrCollisionOverflow, name, dir)
}

// Move renames src to dst, failing if dst already exists. Combined with
// SafePath this gives rename-or-fail semantics without overwrite races.
func (v *Vault) Move(src, dst string) error {
	if exists(dst) {
		return fmt.Errorf("%w: %s", ErrDestinationExists, dst)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("vault: move %s -> %s: %w", filepath.Base(src), filepath.Base(dst), err)
	}
	return nil
}

// List returns the file names (not directories) inside a namespace, sorted
// by the filesystem's lexical order.
func (v *Vault) List(ns Namespace) ([]string, error) {
	entries, err := os.ReadDir(v.Dir(ns))
	if err != nil {
		return nil, fmt.Errorf("vault: list %s: %w", ns, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		names = append(names, entry.Name())
	}
	return names, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
