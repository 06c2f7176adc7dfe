package item

import (
	"fmt"
	"os"
	"path/filepath"
)

// LoadFile reads and parses an item document from disk.
func LoadFile(path string) (Item, []byte, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Item{}, nil, fmt.Errorf("item: read %s: %w", path, err)
	}
	it, body, err := ParseDocument(content)
	if err != nil {
		return Item{}, nil, fmt.Errorf("item: parse %s: %w", path, err)
	}
	return it, body, nil
}

// WriteFile renders and persists an item document atomically: the content is
// written to a temp file in the same directory, then renamed into place.
func WriteFile(path string, it Item, body []byte) error {
	content, err := RenderDocument(it, body)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".item-*")
	if err != nil {
		return fmt.Errorf("item: stage %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("item: stage %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("item: stage %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("item: commit %s: %w", path, err)
	}
	return nil
}
