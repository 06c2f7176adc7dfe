package executor

import (
	"fmt"
	"strings"

	"github.com/rgoulet/conveyor/internal/escalation"
	"github.com/rgoulet/conveyor/internal/item"
	"github.com/rgoulet/conveyor/internal/lifecycle"
	"github.com/rgoulet/conveyor/internal/oracle"
	"github.com/rgoulet/conveyor/internal/plan"
)

// checklist is the completion gate. An item may only transition to Done when
// every check passes; the failures list names what still stands in the way.
type checklist struct {
	it     item.Item
	p      plan.Plan
	last   oracle.Result
	body   []byte
	stored bool
}

// verify runs all checks and returns the unmet ones.
func (c checklist) verify() []string {
	var failures []string
	if !c.p.Settled() {
		failures = append(failures, fmt.Sprintf("plan has %d unfinished steps", len(c.p.Remaining())))
	}
	for _, step := range c.p.Steps {
		if step.Status == plan.StepDone && strings.TrimSpace(step.Output) == "" {
			failures = append(failures, fmt.Sprintf("step %d finished without recorded output", step.Seq))
		}
	}
	if c.last.Status != oracle.StatusDone {
		failures = append(failures, fmt.Sprintf("latest result status is %s, not done", c.last.Status))
	}
	if strings.TrimSpace(c.last.RemainingWork) != "" {
		failures = append(failures, "remaining work is not empty: "+c.last.RemainingWork)
	}
	if openAtOrAbove(c.it.OpenErrors, escalation.Medium) {
		failures = append(failures, "unresolved medium or higher errors remain")
	}
	if lifecycle.NeedsApproval(c.it.Tier) && c.it.ApprovedTier < c.it.Tier {
		failures = append(failures, fmt.Sprintf("tier %d approval not recorded", c.it.Tier))
	}
	if !strings.Contains(string(c.body), "## Cycle") {
		failures = append(failures, "item body carries no cycle results")
	}
	if !c.stored {
		failures = append(failures, "final plan state not persisted")
	}
	return failures
}

// openAtOrAbove reports whether any open error carries the given severity or
// worse. Open errors are recorded as "severity: description" lines.
func openAtOrAbove(open []string, threshold escalation.Severity) bool {
	for _, entry := range open {
		sev, _, found := strings.Cut(entry, ":")
		if !found {
			// unlabeled entries are treated as medium
			return true
		}
		if escalation.Severity(strings.ToLower(strings.TrimSpace(sev))).AtLeast(threshold) {
			return true
		}
	}
	return false
}
