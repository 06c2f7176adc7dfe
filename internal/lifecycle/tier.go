package lifecycle

import (
	"strings"

	"github.com/rgoulet/conveyor/internal/item"
)

// Approval tiers. Tier 0 and 1 run unattended; tier 2 and 3 need a recorded
// human approval before execution.
const (
	TierStandard = 0
	TierPlanning = 1
	TierSystem   = 2
	TierExternal = 3
)

var tier2Keywords = []string{
	"install", "deploy", "execute code", "modify config", "run script",
	"change environment", "alter system", "modify production",
}

var tier3Keywords = []string{
	"send email", "send message", "slack", "webhook", "api call",
	"payment", "transfer", "invoice", "financial", "publish",
	"external", "notify client", "sms", "push notification",
}

// DetectTier returns the approval tier required for an item, from its body
// content and classification. Higher tiers are checked first.
func DetectTier(class item.Classification, content string) int {
	lower := strings.ToLower(content)
	for _, keyword := range tier3Keywords {
		if strings.Contains(lower, keyword) {
			return TierExternal
		}
	}
	for _, keyword := range tier2Keywords {
		if strings.Contains(lower, keyword) {
			return TierSystem
		}
	}
	if class == item.ClassPlan || class == item.ClassSkill {
		return TierPlanning
	}
	return TierStandard
}

// NeedsApproval reports whether the tier requires a human approval signal.
func NeedsApproval(tier int) bool {
	return tier >= TierSystem
}
