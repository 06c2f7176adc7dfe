// Package plan synthesizes and persists execution plans. A plan is a small
// ordered list of steps derived from the item's classification; it is stored
// as JSON in the plans namespace and reloaded on every cycle so replanning
// an item that already has a plan is a no-op.
package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rgoulet/conveyor/internal/item"
)

// ErrNotFound is returned when no persisted plan exists for an item.
var ErrNotFound = errors.New("plan: not found")

// StepStatus tracks a single step's progress.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepDone    StepStatus = "done"
	StepSkipped StepStatus = "skipped"
	StepFailed  StepStatus = "failed"
)

// Step is one unit of plan work. ExpectedOutput describes the shape the
// oracle's output must take; Criteria is the step's success criterion.
type Step struct {
	Seq            int        `json:"seq"`
	Description    string     `json:"description"`
	ExpectedOutput string     `json:"expected_output,omitempty"`
	Criteria       string     `json:"success_criteria,omitempty"`
	Status         StepStatus `json:"status"`
	Output         string     `json:"output,omitempty"`
	Attempts       int        `json:"attempts,omitempty"`
}

// Plan groups the steps for one item. StepsTotal, StepsCompleted and Status
// are derived from Steps and recomputed on every save.
type Plan struct {
	ItemID         string    `json:"item_id"`
	Created        time.Time `json:"created"`
	Steps          []Step    `json:"steps"`
	StepsTotal     int       `json:"steps_total"`
	StepsCompleted int       `json:"steps_completed"`
	Status         string    `json:"status"`
	Final          bool      `json:"final"`
}

func (p *Plan) refresh() {
	p.StepsTotal = len(p.Steps)
	p.StepsCompleted = 0
	for _, step := range p.Steps {
		if step.Status == StepDone {
			p.StepsCompleted++
		}
	}
	switch {
	case p.Complete():
		p.Status = "complete"
	case p.Settled():
		p.Status = "settled"
	default:
		p.Status = "active"
	}
}

// Remaining returns the descriptions of steps still pending. Skipped and
// failed steps are settled outcomes, not work left to do.
func (p *Plan) Remaining() []string {
	var rest []string
	for _, step := range p.Steps {
		if step.Status == StepPending {
			rest = append(rest, step.Description)
		}
	}
	return rest
}

// Settled reports whether no step is still pending.
func (p *Plan) Settled() bool {
	for _, step := range p.Steps {
		if step.Status == StepPending {
			return false
		}
	}
	return len(p.Steps) > 0
}

// Complete reports whether every step is done.
func (p *Plan) Complete() bool {
	for _, step := range p.Steps {
		if step.Status != StepDone {
			return false
		}
	}
	return len(p.Steps) > 0
}

type stepSpec struct {
	desc     string
	expected string
	criteria string
}

// Synthesize builds a fresh plan for an item. The step skeleton follows the
// classification: plans and skills get a review gate before application.
func Synthesize(it item.Item, now time.Time) Plan {
	var steps []stepSpec
	switch it.Classification {
	case item.ClassPlan:
		steps = []stepSpec{
			{"summarize the proposed plan and its goals", "plan summary with stated goals", "goals are stated explicitly"},
			{"review milestones for feasibility", "feasibility review of each milestone", "every milestone has a feasibility verdict"},
			{"record the accepted plan outline", "accepted plan outline", "the outline is recorded on the item"},
		}
	case item.ClassSkill:
		steps = []stepSpec{
			{"validate the skill definition structure", "validation result for the definition", "required fields are present"},
			{"review trigger conditions and execution steps", "trigger and step review notes", "trigger conditions are unambiguous"},
			{"register the skill for future routing", "registration confirmation", "the skill id is routable"},
		}
	case item.ClassLog:
		steps = []stepSpec{
			{"parse the log entry", "parsed entry fields", "all fields extracted"},
			{"file the entry against its referenced item", "filing confirmation", "the entry references a known item"},
		}
	default:
		steps = []stepSpec{
			{"analyze the request and gather context", "analysis of the request", "constraints and context identified"},
			{"carry out the requested work", "work output for the request", "the requested change is made"},
			{"summarize the outcome", "outcome summary", "the result is recorded on the item"},
		}
	}
	p := Plan{ItemID: it.ID, Created: now.UTC()}
	for i, spec := range steps {
		p.Steps = append(p.Steps, Step{
			Seq:            i + 1,
			Description:    spec.desc,
			ExpectedOutput: spec.expected,
			Criteria:       spec.criteria,
			Status:         StepPending,
		})
	}
	p.refresh()
	return p
}

const complexWordThreshold = 200

var phaseMarkers = []string{"phase", "milestone", "multi-stage", "stage 1", "stage one"}

// Complex reports whether a description warrants a plan at triage time:
// long descriptions, three or more listed deliverables, or explicit
// multi-phase language.
func Complex(content string) bool {
	if len(strings.Fields(content)) >= complexWordThreshold {
		return true
	}
	deliverables := 0
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* ") || listOrdinal(trimmed) {
			deliverables++
		}
	}
	if deliverables >= 3 {
		return true
	}
	lower := strings.ToLower(content)
	for _, marker := range phaseMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func listOrdinal(line string) bool {
	if len(line) < 3 {
		return false
	}
	if line[0] < '0' || line[0] > '9' {
		return false
	}
	rest := strings.TrimLeft(line, "0123456789")
	return strings.HasPrefix(rest, ". ") || strings.HasPrefix(rest, ") ")
}

// Repository stores plans as one JSON file per item.
type Repository struct {
	dir string
}

// NewRepository creates a repository rooted at the plans directory.
func NewRepository(dir string) *Repository {
	return &Repository{dir: dir}
}

func (r *Repository) path(itemID string) string {
	return filepath.Join(r.dir, itemID+".json")
}

// Load reads the persisted plan for an item if present.
func (r *Repository) Load(itemID string) (Plan, error) {
	data, err := os.ReadFile(r.path(itemID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Plan{}, fmt.Errorf("%w: %s", ErrNotFound, itemID)
		}
		return Plan{}, fmt.Errorf("plan: load %s: %w", itemID, err)
	}
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return Plan{}, fmt.Errorf("plan: decode %s: %w", itemID, err)
	}
	return p, nil
}

// Save writes the plan to disk.
func (r *Repository) Save(p Plan) error {
	if p.ItemID == "" {
		return fmt.Errorf("plan: missing item id")
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return err
	}
	p.refresh()
	encoded, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("plan: encode %s: %w", p.ItemID, err)
	}
	if err := os.WriteFile(r.path(p.ItemID), append(encoded, '\n'), 0o644); err != nil {
		return fmt.Errorf("plan: save %s: %w", p.ItemID, err)
	}
	return nil
}

// Ensure returns the existing plan for an item, synthesizing and persisting
// one only when none exists yet.
func (r *Repository) Ensure(it item.Item, now time.Time) (Plan, error) {
	p, err := r.Load(it.ID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Plan{}, err
	}
	p = Synthesize(it, now)
	if err := r.Save(p); err != nil {
		return Plan{}, err
	}
	return p, nil
}
