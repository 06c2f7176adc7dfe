package lifecycle

import (
	"strings"

	"github.com/rgoulet/conveyor/internal/item"
)

// priorityKeywords maps priorities to trigger phrases, checked in order from
// P0 down so the most urgent match wins.
var priorityKeywords = []struct {
	priority item.Priority
	phrases  []string
}{
	{item.PriorityP0, []string{"urgent", "critical", "down", "broken", "outage", "emergency"}},
	{item.PriorityP1, []string{"important", "deadline", "asap", "blocker", "high priority"}},
	{item.PriorityP2, []string{"update", "add", "create", "implement", "build", "feature"}},
	{item.PriorityP3, []string{"nice to have", "backlog", "low", "someday", "optional"}},
}

// AssignPriority picks a priority from content keywords, defaulting to P2.
// Triage calls this for items admitted without an explicit priority.
func AssignPriority(content string) item.Priority {
	lower := strings.ToLower(content)
	for _, group := range priorityKeywords {
		for _, phrase := range group.phrases {
			if strings.Contains(lower, phrase) {
				return group.priority
			}
		}
	}
	return item.PriorityP2
}
