// Package item defines the work item model: lifecycle states, the transition
// table, priorities, and the frontmatter document codec used by every
// namespace in the vault.
package item

import (
	"errors"
	"fmt"
	"time"
)

// State enumerates the lifecycle states of a work item.
type State string

const (
	StateNew        State = "new"
	StateReady      State = "ready"
	StateInProgress State = "in_progress"
	StateDone       State = "done"
	StateBlocked    State = "blocked"
)

// Action enumerates lifecycle transitions.
type Action string

const (
	ActionTriage   Action = "triage"
	ActionStart    Action = "start"
	ActionComplete Action = "complete"
	ActionBlock    Action = "block"
	ActionReject   Action = "reject"
	ActionReturn   Action = "return"
	// ActionResume is operator-only: it releases a halted item back to Ready
	// after an approval signal or manual intervention has been recorded.
	ActionResume Action = "resume"
)

// Resolution distinguishes how a Done item terminated.
type Resolution string

const (
	ResolutionCompleted Resolution = "completed"
	ResolutionRejected  Resolution = "rejected"
)

var (
	// ErrInvalidTransition marks a transition the table does not allow.
	ErrInvalidTransition = errors.New("item: invalid transition")
	// ErrDoneImmutable marks any mutation attempt against a Done item.
	ErrDoneImmutable = errors.New("item: done items are immutable")
	// ErrReasonRequired marks block/reject/return requests without a reason.
	ErrReasonRequired = errors.New("item: action requires a reason")
)

type transition struct {
	from State
	to   State
}

var transitions = map[Action]transition{
	ActionTriage:   {from: StateNew, to: StateReady},
	ActionStart:    {from: StateReady, to: StateInProgress},
	ActionComplete: {from: StateInProgress, to: StateDone},
	ActionBlock:    {from: StateInProgress, to: StateBlocked},
	ActionReject:   {from: StateNew, to: StateDone},
	ActionReturn:   {from: StateReady, to: StateNew},
	ActionResume:   {from: StateBlocked, to: StateReady},
}

var reasonRequired = map[Action]bool{
	ActionBlock:  true,
	ActionReject: true,
	ActionReturn: true,
}

// ValidateTransition returns the result state for applying action to from.
// Done items admit no transition at all.
func ValidateTransition(from State, action Action) (State, error) {
	if from == StateDone {
		return "", fmt.Errorf("%w: %s", ErrDoneImmutable, action)
	}
	tr, ok := transitions[action]
	if !ok {
		return "", fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, action)
	}
	if tr.from != from {
		return "", fmt.Errorf("%w: %s not allowed from %s", ErrInvalidTransition, action, from)
	}
	return tr.to, nil
}

// RequiresReason reports whether the action must carry an operator reason.
func RequiresReason(action Action) bool {
	return reasonRequired[action]
}

// Satisfied reports whether the state already reflects the action's outcome,
// which makes the request a logged no-op rather than an error.
func Satisfied(current State, action Action) bool {
	tr, ok := transitions[action]
	return ok && tr.to == current
}

// Priority orders work items from P0 (most urgent) to P3.
type Priority string

const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
)

// Rank returns the scheduling order for a priority; unknown values sort as P2.
func (p Priority) Rank() int {
	switch p {
	case PriorityP0:
		return 0
	case PriorityP1:
		return 1
	case PriorityP3:
		return 3
	default:
		return 2
	}
}

// Classification buckets intake content into handling categories.
type Classification string

const (
	ClassTask    Classification = "task"
	ClassPlan    Classification = "plan"
	ClassSkill   Classification = "skill"
	ClassLog     Classification = "log"
	ClassGeneric Classification = "generic"
)

// TransitionRecord is one append-only row of an item's history.
type TransitionRecord struct {
	At     time.Time `yaml:"at"`
	From   State     `yaml:"from"`
	To     State     `yaml:"to"`
	Action Action    `yaml:"action"`
	Actor  string    `yaml:"actor"`
}

// Item is the canonical work item record. It is owned by the lifecycle
// manager; the executor appends cycle results but never rewrites history.
type Item struct {
	ID             string
	Title          string
	Priority       Priority
	Classification Classification
	State          State
	Resolution     Resolution
	Tier           int
	ApprovedTier   int
	Source         string
	Requester      string
	Created        time.Time
	Updated        time.Time
	Started        time.Time
	Completed      time.Time
	CycleCount     int
	RemainingWork  string
	StaleCount     int
	ReturnCount    int
	BlockedReason  string
	PlanRef        string
	MemoryRefs     []string
	OpenErrors     []string
	History        []TransitionRecord
}

// AppendHistory adds a transition record, keeping the list append-only and
// timestamp-ordered. Out-of-order appends are rejected.
func (it *Item) AppendHistory(rec TransitionRecord) error {
	if n := len(it.History); n > 0 && rec.At.Before(it.History[n-1].At) {
		return fmt.Errorf("item: history timestamp regression for %s", it.ID)
	}
	it.History = append(it.History, rec)
	return nil
}

// LastAction returns the most recent transition action, if any.
func (it *Item) LastAction() (Action, bool) {
	if len(it.History) == 0 {
		return "", false
	}
	return it.History[len(it.History)-1].Action, true
}
