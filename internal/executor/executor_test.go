package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rgoulet/conveyor/internal/audit"
	"github.com/rgoulet/conveyor/internal/config"
	"github.com/rgoulet/conveyor/internal/item"
	"github.com/rgoulet/conveyor/internal/lifecycle"
	"github.com/rgoulet/conveyor/internal/logging"
	"github.com/rgoulet/conveyor/internal/memory"
	"github.com/rgoulet/conveyor/internal/oracle"
	"github.com/rgoulet/conveyor/internal/plan"
	"github.com/rgoulet/conveyor/internal/vault"
)

type fixture struct {
	exec   *Executor
	vault  *vault.Vault
	oracle *oracle.Scripted
	mem    *memory.Store
	plans  *plan.Repository
	audits *audit.Writer
}

func newFixture(t *testing.T) *fixture {
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
	clock := func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	life := lifecycle.NewManager(v, audits, log, lifecycle.WithClock(clock))
	mem, err := memory.NewStore(v.Dir(vault.NamespaceMemory), memory.WithClock(clock))
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	plans := plan.NewRepository(v.Dir(vault.NamespacePlans))
	scripted := oracle.NewScripted()
	cfg := config.ExecutorConfig{
		PollIntervalSeconds: 1,
		MaxCycles:           10,
		CooldownSeconds:     0,
		RetryBudget:         1,
		MaxChainDepth:       1,
		Workers:             2,
	}
	exec := New(v, cfg, life, plans, mem, scripted, audits, log,
		WithClock(clock),
		WithSleep(func(ctx context.Context, d time.Duration) error { return nil }))
	return &fixture{exec: exec, vault: v, oracle: scripted, mem: mem, plans: plans, audits: audits}
}

func (f *fixture) seed(t *testing.T, state item.State, tier, approved int) string {
	t.Helper()
	it := item.Item{
		ID:             "ITEM_20260314_0930_demo",
		Title:          "Demo task",
		Priority:       item.PriorityP1,
		Classification: item.ClassTask,
		State:          state,
		Tier:           tier,
		ApprovedTier:   approved,
		Created:        time.Date(2026, 3, 14, 9, 29, 0, 0, time.UTC),
	}
	path := filepath.Join(f.vault.Dir(vault.NamespacePending), "2026-03-14_demo.md")
	if err := item.WriteFile(path, it, []byte("do the demo work\n")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return path
}

func (f *fixture) escalations(t *testing.T) []string {
	t.Helper()
	names, err := f.vault.List(vault.NamespacePending)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	var notes []string
	for _, name := range names {
		if strings.HasPrefix(name, "ESCALATION_") {
			notes = append(notes, name)
		}
	}
	return notes
}

func doneResult(summary string) oracle.Result {
	return oracle.Result{Status: oracle.StatusDone, Summary: summary, Output: summary, Errors: "None"}
}

// taskResults returns done results whose outputs satisfy the expected
// shapes of the default task plan, one per step.
func taskResults() []oracle.Result {
	return []oracle.Result{
		doneResult("analysis of the request"),
		doneResult("work output prepared"),
		doneResult("outcome summary recorded"),
	}
}

func TestProcessCompletesItemEndToEnd(t *testing.T) {
	f := newFixture(t)
	path := f.seed(t, item.StateReady, 0, 0)
	f.oracle.Queue(taskResults()...)

	if err := f.exec.Process(context.Background(), path); err != nil {
		t.Fatalf("process: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("item should have left pending")
	}
	names, err := f.vault.List(vault.NamespaceTerminal)
	if err != nil || len(names) != 1 {
		t.Fatalf("expected one terminal item, got %v (%v)", names, err)
	}
	it, body, err := item.LoadFile(filepath.Join(f.vault.Dir(vault.NamespaceTerminal), names[0]))
	if err != nil {
		t.Fatalf("load terminal item: %v", err)
	}
	if it.State != item.StateDone || it.Resolution != item.ResolutionCompleted {
		t.Fatalf("bad terminal state: %s/%s", it.State, it.Resolution)
	}
	if it.CycleCount != 3 {
		t.Fatalf("expected 3 cycles, got %d", it.CycleCount)
	}
	if !strings.Contains(string(body), "## Cycle 1") {
		t.Fatalf("cycle results missing from body")
	}
	p, err := f.plans.Load(it.ID)
	if err != nil {
		t.Fatalf("load plan: %v", err)
	}
	if !p.Complete() {
		t.Fatalf("plan not complete: %+v", p)
	}
	refl, err := os.ReadFile(filepath.Join(f.vault.Dir(vault.NamespaceMemory), "reflections.md"))
	if err != nil {
		t.Fatalf("reflections missing: %v", err)
	}
	if !strings.Contains(string(refl), it.ID) {
		t.Fatalf("reflection not recorded for %s", it.ID)
	}
}

func TestProcessSkipsNonReadyItems(t *testing.T) {
	f := newFixture(t)
	path := f.seed(t, item.StateBlocked, 0, 0)

	if err := f.exec.Process(context.Background(), path); err != nil {
		t.Fatalf("process: %v", err)
	}
	it, _, _ := item.LoadFile(path)
	if it.State != item.StateBlocked || it.CycleCount != 0 {
		t.Fatalf("blocked item was touched: %+v", it)
	}
	if len(f.oracle.Invoked) != 0 {
		t.Fatalf("oracle must not be invoked for non-ready items")
	}
}

func TestTierGateHoldsUnapprovedItem(t *testing.T) {
	f := newFixture(t)
	path := f.seed(t, item.StateReady, lifecycle.TierSystem, 0)

	if err := f.exec.Process(context.Background(), path); err != nil {
		t.Fatalf("process: %v", err)
	}
	it, _, _ := item.LoadFile(path)
	if it.State != item.StateBlocked {
		t.Fatalf("unapproved tier 2 item should be blocked, got %s", it.State)
	}
	if !strings.Contains(it.BlockedReason, "tier 2") {
		t.Fatalf("blocked reason missing tier: %q", it.BlockedReason)
	}
	if len(f.oracle.Invoked) != 0 {
		t.Fatalf("tier-gated item must not reach the oracle")
	}
	if len(f.escalations(t)) == 0 {
		t.Fatalf("expected an escalation note")
	}
}

func TestTierGatePassesApprovedItem(t *testing.T) {
	f := newFixture(t)
	path := f.seed(t, item.StateReady, lifecycle.TierSystem, lifecycle.TierSystem)
	f.oracle.Queue(taskResults()...)

	if err := f.exec.Process(context.Background(), path); err != nil {
		t.Fatalf("process: %v", err)
	}
	names, _ := f.vault.List(vault.NamespaceTerminal)
	if len(names) != 1 {
		t.Fatalf("approved item should complete, terminal: %v", names)
	}
}

func TestStaleLoopHaltsItem(t *testing.T) {
	f := newFixture(t)
	path := f.seed(t, item.StateReady, 0, 0)
	stuck := oracle.Result{Status: oracle.StatusInProgress, Summary: "still going", RemainingWork: "finish step one", Errors: "None"}
	f.oracle.Queue(stuck, stuck, stuck)

	if err := f.exec.Process(context.Background(), path); err != nil {
		t.Fatalf("process: %v", err)
	}
	// the third identical cycle must already trigger the halt
	if len(f.oracle.Invoked) != 3 {
		t.Fatalf("expected 3 invocations before the halt, got %d", len(f.oracle.Invoked))
	}
	it, _, _ := item.LoadFile(path)
	if it.State != item.StateBlocked {
		t.Fatalf("stale item should be blocked, got %s", it.State)
	}
	if it.StaleCount != 3 {
		t.Fatalf("stale count should be exactly 3, got %d", it.StaleCount)
	}
	failures, err := os.ReadFile(filepath.Join(f.vault.Dir(vault.NamespaceMemory), "failures.md"))
	if err != nil || !strings.Contains(string(failures), "unchanged") {
		t.Fatalf("stale halt not recorded in failure memory: %v", err)
	}
	if len(f.escalations(t)) == 0 {
		t.Fatalf("expected an escalation note")
	}
}

func TestCycleCapHaltsItem(t *testing.T) {
	f := newFixture(t)
	path := f.seed(t, item.StateReady, 0, 0)
	// remaining work changes every cycle, so only the cap can stop it
	for i := 0; i < 12; i++ {
		f.oracle.Queue(oracle.Result{
			Status:        oracle.StatusInProgress,
			Summary:       "progressing",
			RemainingWork: strings.Repeat("x", i+1),
			Errors:        "None",
		})
	}

	if err := f.exec.Process(context.Background(), path); err != nil {
		t.Fatalf("process: %v", err)
	}
	it, _, _ := item.LoadFile(path)
	if it.State != item.StateBlocked {
		t.Fatalf("capped item should be blocked, got %s", it.State)
	}
	if it.CycleCount != 10 {
		t.Fatalf("expected exactly max cycles, got %d", it.CycleCount)
	}
}

func TestStepRetryThenSuccess(t *testing.T) {
	f := newFixture(t)
	path := f.seed(t, item.StateReady, 0, 0)
	f.oracle.Queue(oracle.Result{Status: oracle.StatusFailed, Errors: "transient"})
	f.oracle.Queue(taskResults()...)

	if err := f.exec.Process(context.Background(), path); err != nil {
		t.Fatalf("process: %v", err)
	}
	names, _ := f.vault.List(vault.NamespaceTerminal)
	if len(names) != 1 {
		t.Fatalf("retried item should still complete, terminal: %v", names)
	}
	p, err := f.plans.Load("ITEM_20260314_0930_demo")
	if err != nil {
		t.Fatalf("load plan: %v", err)
	}
	if p.Steps[0].Attempts != 2 {
		t.Fatalf("expected 2 attempts on first step, got %d", p.Steps[0].Attempts)
	}
}

func TestDelegationDepthCapFailsStep(t *testing.T) {
	f := newFixture(t)
	f.exec.cfg.MaxChainDepth = 3
	path := f.seed(t, item.StateReady, 0, 0)
	delegating := oracle.Result{Status: oracle.StatusInProgress, Summary: "handing off", RemainingWork: "dig one level deeper", Errors: "None"}
	f.oracle.Queue(delegating, delegating, delegating)

	if err := f.exec.Process(context.Background(), path); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(f.oracle.Invoked) != 3 {
		t.Fatalf("chain should stop at the cap, got %d invocations", len(f.oracle.Invoked))
	}
	it, _, _ := item.LoadFile(path)
	if it.State != item.StateBlocked {
		t.Fatalf("depth-capped item should be blocked, got %s", it.State)
	}
	if !strings.Contains(it.BlockedReason, "delegation depth cap") {
		t.Fatalf("unexpected blocked reason: %q", it.BlockedReason)
	}
	p, err := f.plans.Load("ITEM_20260314_0930_demo")
	if err != nil {
		t.Fatalf("load plan: %v", err)
	}
	if p.Steps[0].Status != plan.StepFailed {
		t.Fatalf("parent step should be failed, got %s", p.Steps[0].Status)
	}
	if len(f.escalations(t)) == 0 {
		t.Fatalf("expected an escalation note")
	}
}

func TestStepFailureBeyondBudgetHalts(t *testing.T) {
	f := newFixture(t)
	path := f.seed(t, item.StateReady, 0, 0)
	failed := oracle.Result{Status: oracle.StatusFailed, Errors: "persistent failure"}
	f.oracle.Queue(failed, failed)

	if err := f.exec.Process(context.Background(), path); err != nil {
		t.Fatalf("process: %v", err)
	}
	it, _, _ := item.LoadFile(path)
	if it.State != item.StateBlocked {
		t.Fatalf("failed item should be blocked, got %s", it.State)
	}
	if len(f.oracle.Invoked) != 2 {
		t.Fatalf("retry budget not honored, got %d invocations", len(f.oracle.Invoked))
	}
}

func TestRecallFeedsOracleContext(t *testing.T) {
	f := newFixture(t)
	if _, err := f.mem.Append(memory.KindFailure, memory.Entry{
		ItemID:  "ITEM_old",
		Summary: "demo tasks tend to time out",
	}); err != nil {
		t.Fatalf("seed memory: %v", err)
	}
	path := f.seed(t, item.StateReady, 0, 0)
	f.oracle.Queue(taskResults()...)

	if err := f.exec.Process(context.Background(), path); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(f.oracle.Invoked) == 0 {
		t.Fatalf("oracle never invoked")
	}
	found := false
	for _, line := range f.oracle.Invoked[0].Context {
		if strings.Contains(line, "time out") {
			found = true
		}
	}
	if !found {
		t.Fatalf("recalled memory absent from oracle context: %v", f.oracle.Invoked[0].Context)
	}
}

func TestDispatchOrdersByPriority(t *testing.T) {
	f := newFixture(t)
	for i, prio := range []item.Priority{item.PriorityP3, item.PriorityP0, item.PriorityP2} {
		it := item.Item{
			ID:             "ITEM_" + string(prio),
			Title:          "Job " + string(prio),
			Priority:       prio,
			Classification: item.ClassTask,
			State:          item.StateReady,
			Created:        time.Date(2026, 3, 14, 9, 0, i, 0, time.UTC),
		}
		path := filepath.Join(f.vault.Dir(vault.NamespacePending), string(prio)+".md")
		if err := item.WriteFile(path, it, []byte("work\n")); err != nil {
			t.Fatalf("seed %s: %v", prio, err)
		}
	}
	f.exec.cfg.Workers = 1

	if err := f.exec.dispatch(context.Background(), newClaims()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(f.oracle.Invoked) == 0 {
		t.Fatalf("nothing processed")
	}
	if f.oracle.Invoked[0].ItemID != "ITEM_P0" {
		t.Fatalf("P0 should be processed first, got %s", f.oracle.Invoked[0].ItemID)
	}
}

func TestWrapUpSignaledNearCycleCap(t *testing.T) {
	f := newFixture(t)
	path := f.seed(t, item.StateReady, 0, 0)
	for i := 0; i < 12; i++ {
		f.oracle.Queue(oracle.Result{
			Status:        oracle.StatusInProgress,
			Summary:       "progressing",
			RemainingWork: strings.Repeat("x", i+1),
			Errors:        "None",
		})
	}

	if err := f.exec.Process(context.Background(), path); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(f.oracle.Invoked) != 10 {
		t.Fatalf("expected 10 invocations, got %d", len(f.oracle.Invoked))
	}
	if f.oracle.Invoked[7].WrapUp {
		t.Fatalf("wrap-up signaled too early")
	}
	for _, req := range f.oracle.Invoked[8:] {
		if !req.WrapUp {
			t.Fatalf("final budgeted cycles must carry the wrap-up flag")
		}
	}
}

func TestEmptyOutputStepSkippedAfterRetry(t *testing.T) {
	f := newFixture(t)
	path := f.seed(t, item.StateReady, 0, 0)
	empty := oracle.Result{Status: oracle.StatusDone, Summary: "nothing produced", Errors: "None"}
	f.oracle.Queue(empty, empty,
		doneResult("work output prepared"),
		doneResult("outcome summary recorded"))

	if err := f.exec.Process(context.Background(), path); err != nil {
		t.Fatalf("process: %v", err)
	}
	names, _ := f.vault.List(vault.NamespaceTerminal)
	if len(names) != 1 {
		t.Fatalf("a skipped step must not block completion, terminal: %v", names)
	}
	p, err := f.plans.Load("ITEM_20260314_0930_demo")
	if err != nil {
		t.Fatalf("load plan: %v", err)
	}
	if p.Steps[0].Status != plan.StepSkipped {
		t.Fatalf("step without output should be skipped, got %s", p.Steps[0].Status)
	}
	if p.Steps[0].Attempts != 2 {
		t.Fatalf("empty output should be retried once, got %d attempts", p.Steps[0].Attempts)
	}
}

func TestWrongShapeOutputLeavesItemInProgress(t *testing.T) {
	f := newFixture(t)
	path := f.seed(t, item.StateReady, 0, 0)
	odd := doneResult("xyzzy")
	f.oracle.Queue(odd, odd,
		doneResult("work output prepared"),
		doneResult("outcome summary recorded"))

	if err := f.exec.Process(context.Background(), path); err != nil {
		t.Fatalf("process: %v", err)
	}
	it, _, _ := item.LoadFile(path)
	if it.State != item.StateInProgress {
		t.Fatalf("unverified item should stay in progress, got %s", it.State)
	}
	if !strings.Contains(it.RemainingWork, "unmet completion checks") {
		t.Fatalf("missing remaining-work descriptor: %q", it.RemainingWork)
	}
	found := false
	for _, open := range it.OpenErrors {
		if strings.HasPrefix(open, "medium:") {
			found = true
		}
	}
	if !found {
		t.Fatalf("wrong-shaped output should record a medium error, got %v", it.OpenErrors)
	}
	p, err := f.plans.Load("ITEM_20260314_0930_demo")
	if err != nil {
		t.Fatalf("load plan: %v", err)
	}
	if p.Steps[0].Status != plan.StepFailed {
		t.Fatalf("wrong-shaped step should be failed, got %s", p.Steps[0].Status)
	}
	names, _ := f.vault.List(vault.NamespaceTerminal)
	if len(names) != 0 {
		t.Fatalf("item must not reach terminal with a medium error open")
	}
}

func TestDispatchHaltsWhenAuditTripped(t *testing.T) {
	f := newFixture(t)
	f.seed(t, item.StateReady, 0, 0)
	if err := os.RemoveAll(f.vault.Dir(vault.NamespaceAudit)); err != nil {
		t.Fatalf("remove audit dir: %v", err)
	}
	if _, err := f.audits.Write(audit.Entry{ItemID: "x", ActionTaken: "tick"}); err == nil {
		t.Fatalf("expected a failed audit write")
	}

	err := f.exec.dispatch(context.Background(), newClaims())
	if !errors.Is(err, audit.ErrHalted) {
		t.Fatalf("dispatch must halt on a tripped audit writer, got %v", err)
	}
	if len(f.oracle.Invoked) != 0 {
		t.Fatalf("no item may be processed after the audit halt")
	}
}

func TestClaimsPreventDoubleProcessing(t *testing.T) {
	c := newClaims()
	if !c.acquire("a") {
		t.Fatalf("fresh claim should succeed")
	}
	if c.acquire("a") {
		t.Fatalf("second claim should fail")
	}
	c.release("a")
	if !c.acquire("a") {
		t.Fatalf("claim after release should succeed")
	}
}
