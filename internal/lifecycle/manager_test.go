package lifecycle

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rgoulet/conveyor/internal/audit"
	"github.com/rgoulet/conveyor/internal/item"
	"github.com/rgoulet/conveyor/internal/logging"
	"github.com/rgoulet/conveyor/internal/plan"
	"github.com/rgoulet/conveyor/internal/vault"
)

func newTestManager(t *testing.T) (*Manager, *vault.Vault) {
	t.Helper()
	root := t.TempDir()
	if err := vault.Init(root); err != nil {
		t.Fatalf("init vault: %v", err)
	}
	v, err := vault.Open(root)
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}
	audits, err := audit.NewWriter(v.Dir(vault.NamespaceAudit))
	if err != nil {
		t.Fatalf("audit writer: %v", err)
	}
	log, err := logging.New(root)
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	base := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	tick := 0
	m := NewManager(v, audits, log,
		WithPlans(plan.NewRepository(v.Dir(vault.NamespacePlans))),
		WithClock(func() time.Time {
			tick++
			return base.Add(time.Duration(tick) * time.Second)
		}))
	return m, v
}

func seedItem(t *testing.T, v *vault.Vault, state item.State, body string) string {
	t.Helper()
	it := item.Item{
		ID:             "ITEM_20260314_0930_demo",
		Title:          "Demo",
		Priority:       item.PriorityP2,
		Classification: item.ClassTask,
		State:          state,
		Created:        time.Date(2026, 3, 14, 9, 29, 0, 0, time.UTC),
	}
	path := filepath.Join(v.Dir(vault.NamespacePending), "2026-03-14_demo.md")
	if err := item.WriteFile(path, it, []byte(body)); err != nil {
		t.Fatalf("seed item: %v", err)
	}
	return path
}

func TestApplyTriageAssignsTier(t *testing.T) {
	m, v := newTestManager(t)
	path := seedItem(t, v, item.StateNew, "please deploy the fix\n")

	it, newPath, err := m.Apply(path, item.ActionTriage, "", "lifecycle")
	if err != nil {
		t.Fatalf("triage: %v", err)
	}
	if it.State != item.StateReady {
		t.Fatalf("got state %s, want ready", it.State)
	}
	if it.Tier != TierSystem {
		t.Fatalf("got tier %d, want %d", it.Tier, TierSystem)
	}
	if newPath != path {
		t.Fatalf("triage should not move the file")
	}
	reloaded, body, err := item.LoadFile(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(reloaded.History) != 1 || reloaded.History[0].Action != item.ActionTriage {
		t.Fatalf("history not persisted: %+v", reloaded.History)
	}
	if !strings.Contains(string(body), "Transition History") {
		t.Fatalf("body table missing:\n%s", body)
	}
}

func TestTriageAssignsPriorityFromKeywords(t *testing.T) {
	m, v := newTestManager(t)
	it := item.Item{
		ID:             "ITEM_20260314_0930_outage",
		Title:          "Service outage",
		Classification: item.ClassTask,
		State:          item.StateNew,
		Created:        time.Date(2026, 3, 14, 9, 29, 0, 0, time.UTC),
	}
	path := filepath.Join(v.Dir(vault.NamespacePending), "2026-03-14_outage.md")
	if err := item.WriteFile(path, it, []byte("urgent: service is down\n")); err != nil {
		t.Fatalf("seed item: %v", err)
	}

	triaged, _, err := m.Apply(path, item.ActionTriage, "", "lifecycle")
	if err != nil {
		t.Fatalf("triage: %v", err)
	}
	if triaged.Priority != item.PriorityP0 {
		t.Fatalf("got priority %s, want P0", triaged.Priority)
	}
	if triaged.State != item.StateReady {
		t.Fatalf("got state %s, want ready", triaged.State)
	}
}

func TestTriageKeepsExplicitPriority(t *testing.T) {
	m, v := newTestManager(t)
	path := seedItem(t, v, item.StateNew, "urgent: please update the docs\n")

	it, _, err := m.Apply(path, item.ActionTriage, "", "lifecycle")
	if err != nil {
		t.Fatalf("triage: %v", err)
	}
	if it.Priority != item.PriorityP2 {
		t.Fatalf("explicit priority should survive triage, got %s", it.Priority)
	}
}

func TestTriageSpawnsPlanForComplexItem(t *testing.T) {
	m, v := newTestManager(t)
	body := "ship the release\n\n- build the artifacts\n- update the changelog\n- tag the commit\n"
	path := seedItem(t, v, item.StateNew, body)

	it, _, err := m.Apply(path, item.ActionTriage, "", "lifecycle")
	if err != nil {
		t.Fatalf("triage: %v", err)
	}
	if it.PlanRef == "" {
		t.Fatalf("complex item should leave triage with a plan reference")
	}
	repo := plan.NewRepository(v.Dir(vault.NamespacePlans))
	p, err := repo.Load(it.ID)
	if err != nil {
		t.Fatalf("plan not persisted: %v", err)
	}
	for i, step := range p.Steps {
		if step.Seq != i+1 || step.Criteria == "" {
			t.Fatalf("step %d missing numbering or criteria: %+v", i+1, step)
		}
	}
}

func TestTriageSimpleItemGetsNoPlan(t *testing.T) {
	m, v := newTestManager(t)
	path := seedItem(t, v, item.StateNew, "fix the login button\n")

	it, _, err := m.Apply(path, item.ActionTriage, "", "lifecycle")
	if err != nil {
		t.Fatalf("triage: %v", err)
	}
	if it.PlanRef != "" {
		t.Fatalf("simple item should not get a plan at triage, got %s", it.PlanRef)
	}
}

func TestApplyRefusesWhenAuditHalted(t *testing.T) {
	root := t.TempDir()
	if err := vault.Init(root); err != nil {
		t.Fatalf("init vault: %v", err)
	}
	v, err := vault.Open(root)
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}
	audits, err := audit.NewWriter(v.Dir(vault.NamespaceAudit))
	if err != nil {
		t.Fatalf("audit writer: %v", err)
	}
	log, err := logging.New(root)
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	m := NewManager(v, audits, log)
	path := seedItem(t, v, item.StateNew, "fix the login button\n")

	if err := os.RemoveAll(v.Dir(vault.NamespaceAudit)); err != nil {
		t.Fatalf("remove audit dir: %v", err)
	}
	if _, err := audits.Write(audit.Entry{ItemID: "x", ActionTaken: "tick"}); err == nil {
		t.Fatalf("expected a failed audit write")
	}
	if _, _, err := m.Apply(path, item.ActionTriage, "", "lifecycle"); !errors.Is(err, audit.ErrHalted) {
		t.Fatalf("apply must refuse to mutate after an audit halt, got %v", err)
	}
	it, _, _ := item.LoadFile(path)
	if it.State != item.StateNew {
		t.Fatalf("item mutated after the audit halt: %s", it.State)
	}
}

func TestApplyCompleteMovesToTerminal(t *testing.T) {
	m, v := newTestManager(t)
	path := seedItem(t, v, item.StateInProgress, "work\n")

	it, newPath, err := m.Apply(path, item.ActionComplete, "", "executor")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if it.Resolution != item.ResolutionCompleted {
		t.Fatalf("got resolution %q", it.Resolution)
	}
	if filepath.Dir(newPath) != v.Dir(vault.NamespaceTerminal) {
		t.Fatalf("item not in terminal: %s", newPath)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("pending copy should be gone")
	}
	if it.Completed.IsZero() {
		t.Fatalf("completed timestamp not set")
	}
}

func TestApplyRejectRequiresReason(t *testing.T) {
	m, v := newTestManager(t)
	path := seedItem(t, v, item.StateNew, "spam\n")

	if _, _, err := m.Apply(path, item.ActionReject, "", "operator"); !errors.Is(err, item.ErrReasonRequired) {
		t.Fatalf("expected ErrReasonRequired, got %v", err)
	}
	it, newPath, err := m.Apply(path, item.ActionReject, "not actionable", "operator")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if it.Resolution != item.ResolutionRejected {
		t.Fatalf("got resolution %q", it.Resolution)
	}
	if filepath.Dir(newPath) != v.Dir(vault.NamespaceTerminal) {
		t.Fatalf("rejected item should be terminal: %s", newPath)
	}
}

func TestApplyNoopIsLoggedNotFailed(t *testing.T) {
	m, v := newTestManager(t)
	path := seedItem(t, v, item.StateReady, "work\n")

	_, _, err := m.Apply(path, item.ActionTriage, "", "lifecycle")
	if !errors.Is(err, ErrNoop) {
		t.Fatalf("expected ErrNoop, got %v", err)
	}
	reloaded, _, _ := item.LoadFile(path)
	if len(reloaded.History) != 0 {
		t.Fatalf("no-op must not append history: %+v", reloaded.History)
	}
}

func TestApplyRejectsInvalidTransition(t *testing.T) {
	m, v := newTestManager(t)
	path := seedItem(t, v, item.StateNew, "work\n")

	if _, _, err := m.Apply(path, item.ActionComplete, "", "executor"); !errors.Is(err, item.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestThirdReturnHaltsItem(t *testing.T) {
	m, v := newTestManager(t)
	path := seedItem(t, v, item.StateReady, "work\n")

	for i := 0; i < 2; i++ {
		if _, _, err := m.Apply(path, item.ActionReturn, "wrong queue", "lifecycle"); err != nil {
			t.Fatalf("return %d: %v", i+1, err)
		}
		if _, _, err := m.Apply(path, item.ActionTriage, "", "lifecycle"); err != nil {
			t.Fatalf("re-triage %d: %v", i+1, err)
		}
	}
	if _, _, err := m.Apply(path, item.ActionReturn, "wrong queue", "lifecycle"); err != nil {
		t.Fatalf("third return: %v", err)
	}
	it, _, err := item.LoadFile(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if it.State != item.StateBlocked {
		t.Fatalf("got state %s, want blocked after circular returns", it.State)
	}
	if it.ReturnCount != 3 {
		t.Fatalf("got return count %d", it.ReturnCount)
	}
	names, _ := v.List(vault.NamespacePending)
	found := false
	for _, name := range names {
		if strings.HasPrefix(name, "ESCALATION_") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected escalation note in pending")
	}
}

func TestResumeAfterBlock(t *testing.T) {
	m, v := newTestManager(t)
	path := seedItem(t, v, item.StateInProgress, "work\n")

	if _, _, err := m.Apply(path, item.ActionBlock, "needs approval", "executor"); err != nil {
		t.Fatalf("block: %v", err)
	}
	it, _, err := m.Apply(path, item.ActionResume, "", "operator")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if it.State != item.StateReady {
		t.Fatalf("got state %s, want ready", it.State)
	}
	if it.BlockedReason != "" {
		t.Fatalf("blocked reason should be cleared")
	}
}

func TestApproveRecordsTier(t *testing.T) {
	m, v := newTestManager(t)
	path := seedItem(t, v, item.StateBlocked, "deploy the build\n")

	it, _, _ := item.LoadFile(path)
	it.Tier = TierSystem
	if err := item.WriteFile(path, it, []byte("deploy the build\n")); err != nil {
		t.Fatalf("seed tier: %v", err)
	}
	approved, err := m.Approve(path, "operator")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.ApprovedTier != TierSystem {
		t.Fatalf("got approved tier %d", approved.ApprovedTier)
	}
}

func TestTriageAllProcessesNewItems(t *testing.T) {
	m, v := newTestManager(t)
	seedItem(t, v, item.StateNew, "implement the feature\n")

	if err := m.TriageAll(); err != nil {
		t.Fatalf("triage all: %v", err)
	}
	names, _ := v.List(vault.NamespacePending)
	for _, name := range names {
		if strings.HasPrefix(name, "ESCALATION_") {
			continue
		}
		it, _, err := item.LoadFile(filepath.Join(v.Dir(vault.NamespacePending), name))
		if err != nil {
			t.Fatalf("load %s: %v", name, err)
		}
		if it.State != item.StateReady {
			t.Fatalf("%s not triaged: %s", name, it.State)
		}
	}
}
