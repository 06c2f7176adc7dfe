package intake

import (
	"bytes"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rgoulet/conveyor/internal/item"
)

// extractMetadata reads a leading YAML fence into a flat map. Files without
// a fence, or with one that fails to parse, yield an empty map: inbox files
// are untrusted and malformed frontmatter is not an error.
func extractMetadata(content []byte) map[string]any {
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return map[string]any{}
	}
	parts := bytes.SplitN(normalized[4:], []byte("\n---"), 2)
	if len(parts) < 2 {
		return map[string]any{}
	}
	meta := map[string]any{}
	if err := yaml.Unmarshal(parts[0], &meta); err != nil {
		return map[string]any{}
	}
	return meta
}

// extractTitle prefers frontmatter, then the first top-level heading, then a
// cleaned-up filename.
func extractTitle(name string, content string, meta map[string]any) string {
	if title, ok := meta["title"].(string); ok && strings.TrimSpace(title) != "" {
		return strings.TrimSpace(title)
	}
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "# ") && !strings.HasPrefix(line, "##") {
			return strings.TrimSpace(strings.TrimLeft(line, "# "))
		}
	}
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	stem = strings.ReplaceAll(stem, "_", " ")
	stem = strings.ReplaceAll(stem, "-", " ")
	return titleCase(stem)
}

// classify buckets content by structural markers, in precedence order.
func classify(content string, meta map[string]any) item.Classification {
	lower := strings.ToLower(content)
	if hasAnyKey(meta, "skill_id", "trigger") || strings.Contains(lower, "## execution steps") {
		return item.ClassSkill
	}
	for _, marker := range []string{"## steps", "## goals", "## milestones", "## phases"} {
		if strings.Contains(lower, marker) {
			return item.ClassPlan
		}
	}
	if hasAnyKey(meta, "log_id") || strings.Contains(lower, "## action taken") {
		return item.ClassLog
	}
	return item.ClassTask
}

func hasAnyKey(meta map[string]any, keys ...string) bool {
	for _, key := range keys {
		if _, ok := meta[key]; ok {
			return true
		}
	}
	return false
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		if len(w) > 0 {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// metadataPriority returns a priority override from frontmatter, if valid.
func metadataPriority(meta map[string]any) (item.Priority, bool) {
	raw, ok := meta["priority"].(string)
	if !ok {
		return "", false
	}
	p := item.Priority(strings.ToUpper(strings.TrimSpace(raw)))
	switch p {
	case item.PriorityP0, item.PriorityP1, item.PriorityP2, item.PriorityP3:
		return p, true
	}
	return "", false
}
