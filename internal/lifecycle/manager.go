// Package lifecycle owns state transitions for work items. Every transition
// is validated against the table in the item package, appended to the item's
// history, and written to the audit trail before the item file is updated.
package lifecycle

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rgoulet/conveyor/internal/audit"
	"github.com/rgoulet/conveyor/internal/escalation"
	"github.com/rgoulet/conveyor/internal/item"
	"github.com/rgoulet/conveyor/internal/logging"
	"github.com/rgoulet/conveyor/internal/plan"
	"github.com/rgoulet/conveyor/internal/vault"
)

// maxReturns is how many ready-to-new returns an item may take before the
// routing is considered circular and the item is halted.
const maxReturns = 2

// ErrNoop marks a request whose outcome already holds; callers treat it as
// success after it has been logged.
var ErrNoop = errors.New("lifecycle: transition already satisfied")

// Manager applies lifecycle actions to item documents in the vault.
type Manager struct {
	vault  *vault.Vault
	audits *audit.Writer
	log    *logging.Logger
	plans  *plan.Repository
	clock  func() time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

// WithPlans lets triage spawn a plan for complex items. Without it, plan
// synthesis is deferred to the executor.
func WithPlans(plans *plan.Repository) Option {
	return func(m *Manager) {
		m.plans = plans
	}
}

// NewManager wires a lifecycle manager over the vault.
func NewManager(v *vault.Vault, audits *audit.Writer, log *logging.Logger, opts ...Option) *Manager {
	m := &Manager{vault: v, audits: audits, log: log, clock: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Apply validates and performs one lifecycle action on the item at path.
// It returns the updated item and the path it now lives at, which changes
// when the item reaches a terminal state.
func (m *Manager) Apply(path string, action item.Action, reason, actor string) (item.Item, string, error) {
	if m.audits.Tripped() {
		return item.Item{}, "", audit.ErrHalted
	}
	it, body, err := item.LoadFile(path)
	if err != nil {
		return item.Item{}, "", err
	}
	if item.Satisfied(it.State, action) {
		m.log.Printf("lifecycle: %s %s is a no-op, state already %s", it.ID, action, it.State)
		_, err := m.audits.Write(audit.Entry{
			ItemID:      it.ID,
			Actor:       actor,
			Status:      audit.StatusSuccess,
			ActionTaken: fmt.Sprintf("skipped %s: outcome already holds", action),
			Input:       string(it.State),
			Output:      string(it.State),
		})
		if err != nil {
			return it, path, err
		}
		return it, path, ErrNoop
	}
	if item.RequiresReason(action) && strings.TrimSpace(reason) == "" {
		return item.Item{}, "", fmt.Errorf("%w: %s on %s", item.ErrReasonRequired, action, it.ID)
	}
	next, err := item.ValidateTransition(it.State, action)
	if err != nil {
		return item.Item{}, "", fmt.Errorf("lifecycle: %s on %s: %w", action, it.ID, err)
	}

	now := m.clock().UTC()
	prev := it.State
	rec := item.TransitionRecord{At: now, From: prev, To: next, Action: action, Actor: actor}
	if err := it.AppendHistory(rec); err != nil {
		return item.Item{}, "", err
	}
	it.State = next
	it.Updated = now

	switch action {
	case item.ActionTriage:
		if it.Priority == "" {
			it.Priority = AssignPriority(string(body))
		}
		it.Tier = DetectTier(it.Classification, string(body))
		if m.plans != nil && plan.Complex(string(body)) {
			if _, err := m.plans.Ensure(it, now); err != nil {
				return item.Item{}, "", fmt.Errorf("lifecycle: plan for %s: %w", it.ID, err)
			}
			it.PlanRef = "plans/" + it.ID + ".json"
		}
	case item.ActionStart:
		if it.Started.IsZero() {
			it.Started = now
		}
	case item.ActionComplete:
		it.Completed = now
		it.Resolution = item.ResolutionCompleted
	case item.ActionReject:
		it.Completed = now
		it.Resolution = item.ResolutionRejected
		body = item.AppendSection(body, "Rejection", reason)
	case item.ActionBlock:
		it.BlockedReason = reason
	case item.ActionReturn:
		it.ReturnCount++
		body = item.AppendSection(body, "Returned", reason)
	case item.ActionResume:
		it.BlockedReason = ""
	}
	body = item.AppendTransitionRow(body, rec)

	if err := item.WriteFile(path, it, body); err != nil {
		return item.Item{}, "", err
	}
	if _, err := m.audits.Write(audit.Entry{
		ItemID:      it.ID,
		Actor:       actor,
		ActionTaken: fmt.Sprintf("applied %s: %s -> %s", action, prev, next),
		Input:       filepath.Base(path),
		Output:      string(next),
		Decisions:   decisionList(action, reason, it),
	}); err != nil {
		return item.Item{}, "", fmt.Errorf("lifecycle: audit %s on %s: %w", action, it.ID, err)
	}
	m.log.Printf("lifecycle: %s %s: %s -> %s", it.ID, action, prev, next)

	if it.State == item.StateDone {
		moved, err := m.moveToTerminal(path)
		if err != nil {
			return it, path, err
		}
		return it, moved, nil
	}
	if action == item.ActionReturn && it.ReturnCount > maxReturns {
		if err := m.haltCircular(path, &it, body); err != nil {
			return it, path, err
		}
	}
	return it, path, nil
}

func decisionList(action item.Action, reason string, it item.Item) []string {
	var decisions []string
	if reason != "" {
		decisions = append(decisions, "reason: "+reason)
	}
	if action == item.ActionTriage {
		decisions = append(decisions, fmt.Sprintf("priority: %s", it.Priority))
		decisions = append(decisions, fmt.Sprintf("tier: %d", it.Tier))
		if it.PlanRef != "" {
			decisions = append(decisions, "complexity warranted a plan: "+it.PlanRef)
		}
	}
	return decisions
}

// haltCircular halts an item bouncing between ready and new. The forced
// block is recorded in history like any other transition so resume works.
func (m *Manager) haltCircular(path string, it *item.Item, body []byte) error {
	now := m.clock().UTC()
	rec := item.TransitionRecord{At: now, From: it.State, To: item.StateBlocked, Action: item.ActionBlock, Actor: "lifecycle"}
	if err := it.AppendHistory(rec); err != nil {
		return err
	}
	it.State = item.StateBlocked
	it.BlockedReason = fmt.Sprintf("circular routing loop: returned %d times", it.ReturnCount)
	it.Updated = now
	body = item.AppendTransitionRow(body, rec)
	if err := item.WriteFile(path, *it, body); err != nil {
		return err
	}
	if _, err := escalation.Write(m.vault.Dir(vault.NamespacePending), escalation.Note{
		ItemID:       it.ID,
		ItemPath:     path,
		Severity:     escalation.High,
		WhatHappened: it.BlockedReason,
		WhatWasTried: []string{"re-triaged the item after each return"},
		WhatIsNeeded: "decide whether the item is actionable and resume or reject it",
		Impact:       "item is halted until a human intervenes",
	}, now); err != nil {
		return err
	}
	if _, err := m.audits.Write(audit.Entry{
		ItemID:      it.ID,
		Actor:       "lifecycle",
		Status:      audit.StatusHalted,
		ActionTaken: "halted item after circular returns",
		Input:       filepath.Base(path),
		Output:      string(item.StateBlocked),
		Errors:      []string{it.BlockedReason},
	}); err != nil {
		return fmt.Errorf("lifecycle: audit halt of %s: %w", it.ID, err)
	}
	m.log.Printf("lifecycle: halted %s after %d returns", it.ID, it.ReturnCount)
	return nil
}

// moveToTerminal relocates a done item from pending to terminal. The item
// content is already final; only the location changes.
func (m *Manager) moveToTerminal(path string) (string, error) {
	dest, err := vault.SafePath(m.vault.Dir(vault.NamespaceTerminal), filepath.Base(path))
	if err != nil {
		return "", err
	}
	if err := m.vault.Move(path, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// TriageAll triages every new item in the pending namespace and sweeps any
// done item left behind by an interrupted terminal move.
func (m *Manager) TriageAll() error {
	names, err := m.vault.List(vault.NamespacePending)
	if err != nil {
		return err
	}
	for _, name := range names {
		if !strings.HasSuffix(name, ".md") || strings.HasPrefix(name, "ESCALATION_") {
			continue
		}
		path := filepath.Join(m.vault.Dir(vault.NamespacePending), name)
		it, _, err := item.LoadFile(path)
		if err != nil {
			m.log.Printf("lifecycle: skip %s: %v", name, err)
			continue
		}
		switch it.State {
		case item.StateNew:
			if _, _, err := m.Apply(path, item.ActionTriage, "", "lifecycle"); err != nil && !errors.Is(err, ErrNoop) {
				m.log.Printf("lifecycle: triage %s: %v", name, err)
			}
		case item.StateDone:
			if _, err := m.moveToTerminal(path); err != nil {
				m.log.Printf("lifecycle: sweep %s: %v", name, err)
			}
		}
	}
	return nil
}

// Approve records a human approval for the item's current tier. The item
// itself stays blocked until it is resumed.
func (m *Manager) Approve(path, actor string) (item.Item, error) {
	it, body, err := item.LoadFile(path)
	if err != nil {
		return item.Item{}, err
	}
	if it.State == item.StateDone {
		return item.Item{}, fmt.Errorf("lifecycle: approve %s: %w", it.ID, item.ErrDoneImmutable)
	}
	it.ApprovedTier = it.Tier
	it.Updated = m.clock().UTC()
	if err := item.WriteFile(path, it, body); err != nil {
		return item.Item{}, err
	}
	if _, err := m.audits.Write(audit.Entry{
		ItemID:      it.ID,
		Actor:       actor,
		ActionTaken: fmt.Sprintf("recorded approval for tier %d", it.Tier),
		Output:      fmt.Sprintf("approved_tier: %d", it.ApprovedTier),
	}); err != nil {
		return item.Item{}, fmt.Errorf("lifecycle: audit approval of %s: %w", it.ID, err)
	}
	m.log.Printf("lifecycle: %s approved at tier %d by %s", it.ID, it.Tier, actor)
	return it, nil
}
