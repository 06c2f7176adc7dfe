// Package executor drives ready items to completion. An item is started,
// its plan executed step by step through the oracle, and its completion
// checklist verified before the lifecycle manager moves it to terminal.
// Every stop condition (tier approval, step failure, stale loop, cycle cap)
// halts the item behind an escalation note rather than dropping it.
package executor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rgoulet/conveyor/internal/audit"
	"github.com/rgoulet/conveyor/internal/config"
	"github.com/rgoulet/conveyor/internal/escalation"
	"github.com/rgoulet/conveyor/internal/item"
	"github.com/rgoulet/conveyor/internal/lifecycle"
	"github.com/rgoulet/conveyor/internal/logging"
	"github.com/rgoulet/conveyor/internal/memory"
	"github.com/rgoulet/conveyor/internal/oracle"
	"github.com/rgoulet/conveyor/internal/plan"
	"github.com/rgoulet/conveyor/internal/vault"
)

const executorActor = "executor"

// staleLimit is how many cycles the remaining-work description may repeat
// unchanged before the item is considered stuck.
const staleLimit = 3

// recallLimit bounds how many memory entries of each kind feed one item.
const recallLimit = 3

// wrapUpWindow is how many cycles before the cap the oracle is told to
// deliver minimal remaining work instead of opening new work.
const wrapUpWindow = 2

// Executor processes ready items from the pending namespace.
type Executor struct {
	vault  *vault.Vault
	cfg    config.ExecutorConfig
	life   *lifecycle.Manager
	plans  *plan.Repository
	mem    *memory.Store
	oracle oracle.Oracle
	audits *audit.Writer
	log    *logging.Logger
	clock  func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// Option customizes an Executor.
type Option func(*Executor)

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Executor) {
		e.clock = clock
	}
}

// WithSleep overrides the cooldown sleeper, for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) {
		e.sleep = sleep
	}
}

// New wires an executor over the vault.
func New(v *vault.Vault, cfg config.ExecutorConfig, life *lifecycle.Manager, plans *plan.Repository, mem *memory.Store, o oracle.Oracle, audits *audit.Writer, log *logging.Logger, opts ...Option) *Executor {
	e := &Executor{
		vault:  v,
		cfg:    cfg,
		life:   life,
		plans:  plans,
		mem:    mem,
		oracle: o,
		audits: audits,
		log:    log,
		clock:  time.Now,
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Process runs one item to a terminal state or a halt. Items that are not
// ready are left untouched; terminal items are never reopened.
func (e *Executor) Process(ctx context.Context, path string) error {
	it, _, err := item.LoadFile(path)
	if err != nil {
		return err
	}
	if it.State != item.StateReady {
		e.log.Printf("executor: skip %s, state %s", it.ID, it.State)
		return nil
	}

	if lifecycle.NeedsApproval(it.Tier) && it.ApprovedTier < it.Tier {
		return e.holdForApproval(path, it)
	}

	if _, _, err := e.life.Apply(path, item.ActionStart, "", executorActor); err != nil && !errors.Is(err, lifecycle.ErrNoop) {
		return err
	}
	// reload: start rewrote the document
	it, body, err := item.LoadFile(path)
	if err != nil {
		return err
	}

	recalled := e.recall(&it)
	p, err := e.plans.Ensure(it, e.clock())
	if err != nil {
		return err
	}
	if it.PlanRef == "" {
		it.PlanRef = "plans/" + it.ID + ".json"
	}

	return e.runCycles(ctx, path, it, body, p, recalled)
}

// recall gathers relevant memory lines for prompt context and records the
// entry ids on the item.
func (e *Executor) recall(it *item.Item) []string {
	terms := append(strings.Fields(strings.ToLower(it.Title)), string(it.Classification))
	var lines []string
	for _, kind := range []memory.Kind{memory.KindPattern, memory.KindFailure, memory.KindDecision} {
		entries, err := e.mem.Recall(kind, terms, recallLimit)
		if err != nil {
			e.log.Printf("executor: recall %s for %s: %v", kind, it.ID, err)
			continue
		}
		for _, entry := range entries {
			lines = append(lines, fmt.Sprintf("%s: %s", kind, entry.Summary))
			it.MemoryRefs = append(it.MemoryRefs, entry.ID)
		}
	}
	return lines
}

func (e *Executor) runCycles(ctx context.Context, path string, it item.Item, body []byte, p plan.Plan, recalled []string) error {
	retried := false
	var last oracle.Result
	for it.CycleCount < e.cfg.MaxCycles {
		if err := ctx.Err(); err != nil {
			return err
		}
		step := nextStep(&p)
		if step == nil {
			break
		}
		start := e.clock()
		wrapUp := e.cfg.MaxCycles-it.CycleCount <= wrapUpWindow
		result, outcome, err := e.executeStep(ctx, it, body, step, recalled, wrapUp, &retried)
		if err != nil {
			if saveErr := e.plans.Save(p); saveErr != nil {
				return saveErr
			}
			return e.halt(path, it.ID, fmt.Sprintf("step %d failed: %v", step.Seq, err),
				[]string{fmt.Sprintf("invoked the oracle %d time(s) for this step", step.Attempts)})
		}
		last = result

		var cycleNotes []string
		cycleStatus := audit.StatusSuccess
		switch outcome {
		case stepCompleted:
			step.Status = plan.StepDone
			step.Output = result.Output
		case stepSkippedNoOutput:
			step.Status = plan.StepSkipped
			cycleNotes = append(cycleNotes, fmt.Sprintf("low: step %d produced no output after a retry, skipped", step.Seq))
			cycleStatus = audit.StatusPartial
		case stepWrongShape:
			step.Status = plan.StepFailed
			note := fmt.Sprintf("medium: step %d output did not match expected shape (%s)", step.Seq, step.ExpectedOutput)
			it.OpenErrors = append(it.OpenErrors, note)
			cycleNotes = append(cycleNotes, note)
			cycleStatus = audit.StatusPartial
		}
		if err := e.plans.Save(p); err != nil {
			return err
		}

		it.CycleCount++
		remaining := result.RemainingWork
		if remaining == "" && !p.Settled() {
			remaining = strings.Join(p.Remaining(), "; ")
		}
		switch {
		case remaining == "":
			it.StaleCount = 0
		case remaining == it.RemainingWork:
			it.StaleCount++
		default:
			it.StaleCount = 1
		}
		it.RemainingWork = remaining
		it.Updated = e.clock().UTC()
		body = item.AppendCycleResult(body, it.CycleCount, it.Updated, result.Summary)
		if err := item.WriteFile(path, it, body); err != nil {
			return err
		}
		if _, err := e.audits.Write(audit.Entry{
			ItemID:      it.ID,
			Actor:       executorActor,
			Status:      cycleStatus,
			ActionTaken: fmt.Sprintf("executed cycle %d, step %d", it.CycleCount, step.Seq),
			Input:       step.Description,
			Output:      result.Output,
			Decisions:   splitNonEmpty(result.Decisions),
			Errors:      append(splitNonEmpty(result.Errors), cycleNotes...),
			Duration:    e.clock().Sub(start),
		}); err != nil {
			return fmt.Errorf("executor: audit cycle for %s: %w", it.ID, err)
		}

		if it.StaleCount >= staleLimit {
			return e.halt(path, it.ID, fmt.Sprintf("remaining work unchanged for %d consecutive cycles: %s", it.StaleCount, remaining),
				[]string{"re-invoked the oracle each cycle", "carried prior output as context"})
		}

		if p.Settled() && result.Status == oracle.StatusDone && remaining == "" {
			return e.finish(path, it, body, p, result, retried, len(recalled) > 0)
		}
		if err := e.sleep(ctx, time.Duration(e.cfg.CooldownSeconds)*time.Second); err != nil {
			return err
		}
	}
	if p.Settled() {
		// no step left to run; let the checklist decide what is unmet
		return e.finish(path, it, body, p, last, retried, len(recalled) > 0)
	}
	return e.halt(path, it.ID, fmt.Sprintf("cycle cap of %d reached with work remaining", e.cfg.MaxCycles),
		[]string{fmt.Sprintf("ran %d execution cycles", it.CycleCount)})
}

func nextStep(p *plan.Plan) *plan.Step {
	for i := range p.Steps {
		if p.Steps[i].Status == plan.StepPending {
			return &p.Steps[i]
		}
	}
	return nil
}

// stepOutcome is how one step attempt resolved.
type stepOutcome int

const (
	stepInProgress stepOutcome = iota
	stepCompleted
	stepSkippedNoOutput
	stepWrongShape
)

// executeStep invokes the oracle for one step within the per-step retry
// budget. Transport errors and failed results consume retries and end in a
// halting error; a done result with no output is retried then skipped, and
// a done result whose output misses the expected shape is retried then
// reported as a wrong-shape failure.
func (e *Executor) executeStep(ctx context.Context, it item.Item, body []byte, step *plan.Step, recalled []string, wrapUp bool, retried *bool) (oracle.Result, stepOutcome, error) {
	req := oracle.Request{
		ItemID:   it.ID,
		Title:    it.Title,
		Step:     step.Description,
		Expected: step.ExpectedOutput,
		Content:  string(body),
		Context:  recalled,
		WrapUp:   wrapUp,
	}
	attempts := 1 + e.cfg.RetryBudget
	var lastErr error
	var last oracle.Result
	lastOutcome := stepSkippedNoOutput
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			*retried = true
		}
		step.Attempts++
		result, depth, err := invokeChained(ctx, e.oracle, req, e.cfg.MaxChainDepth)
		if err != nil {
			lastErr = err
			continue
		}
		if e.cfg.MaxChainDepth > 1 && depth >= e.cfg.MaxChainDepth &&
			result.Status == oracle.StatusInProgress && result.RemainingWork != "" {
			// the chain was cut while the oracle still wanted to delegate
			// deeper; retrying would only rebuild the same chain
			step.Status = plan.StepFailed
			return oracle.Result{}, stepInProgress, fmt.Errorf("delegation depth cap of %d reached with work remaining: %s", e.cfg.MaxChainDepth, result.RemainingWork)
		}
		if result.Failed() {
			lastErr = fmt.Errorf("oracle reported failure: %s", result.Errors)
			continue
		}
		if result.Status != oracle.StatusDone {
			return result, stepInProgress, nil
		}
		if strings.TrimSpace(result.Output) == "" {
			last, lastOutcome, lastErr = result, stepSkippedNoOutput, nil
			continue
		}
		if !shapeMatches(result.Output, step.ExpectedOutput) {
			last, lastOutcome, lastErr = result, stepWrongShape, nil
			continue
		}
		return result, stepCompleted, nil
	}
	if lastErr != nil {
		step.Status = plan.StepFailed
		return oracle.Result{}, stepInProgress, lastErr
	}
	return last, lastOutcome, nil
}

// shapeMatches checks a done result's output against the step's expected
// shape: at least one significant word of the expectation must appear in
// the output. An empty expectation accepts any non-empty output.
func shapeMatches(output, expected string) bool {
	expected = strings.TrimSpace(expected)
	if expected == "" {
		return true
	}
	lower := strings.ToLower(output)
	for _, word := range strings.Fields(strings.ToLower(expected)) {
		word = strings.Trim(word, ".,:;()")
		if len(word) < 4 {
			continue
		}
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}

// finish verifies the completion checklist. On a pass the item completes
// and moves to terminal; any failing check leaves it in progress with the
// unmet checks as the remaining-work descriptor, awaiting intervention.
func (e *Executor) finish(path string, it item.Item, body []byte, p plan.Plan, last oracle.Result, retried, usedMemory bool) error {
	stored := false
	if persisted, err := e.plans.Load(it.ID); err == nil && persisted.Settled() {
		stored = true
	}
	checks := checklist{it: it, p: p, last: last, body: body, stored: stored}
	if failures := checks.verify(); len(failures) > 0 {
		it.RemainingWork = "unmet completion checks: " + strings.Join(failures, "; ")
		it.Updated = e.clock().UTC()
		if err := item.WriteFile(path, it, body); err != nil {
			return err
		}
		if _, err := e.audits.Write(audit.Entry{
			ItemID:      it.ID,
			Actor:       executorActor,
			Status:      audit.StatusPartial,
			ActionTaken: "completion verification failed, item stays in progress",
			Output:      it.RemainingWork,
			Errors:      failures,
		}); err != nil {
			return fmt.Errorf("executor: audit verification of %s: %w", it.ID, err)
		}
		e.log.Printf("executor: %s failed completion verification: %s", it.ID, it.RemainingWork)
		return nil
	}
	if err := item.WriteFile(path, it, body); err != nil {
		return err
	}
	_, terminal, err := e.life.Apply(path, item.ActionComplete, "", executorActor)
	if err != nil {
		return err
	}
	e.reflect(it, p, retried, usedMemory)
	e.log.Printf("executor: completed %s -> %s", it.ID, filepath.Base(terminal))
	return nil
}

// reflect appends a post-completion self-assessment. Reflection is advisory;
// a failure to record it never affects the completed item.
func (e *Executor) reflect(it item.Item, p plan.Plan, retried, usedMemory bool) {
	quality := 5
	for _, step := range p.Steps {
		if step.Attempts > 1 {
			quality = 4
		}
	}
	efficiency := 5
	issues := ""
	if retried {
		efficiency = 4
		issues = "at least one step needed a retry"
	}
	memoryUse := 4
	if usedMemory {
		memoryUse = 5
	}
	if _, err := e.mem.AppendReflection(memory.Reflection{
		ItemID:           it.ID,
		PlanQuality:      quality,
		Efficiency:       efficiency,
		MemoryUse:        memoryUse,
		Issues:           issues,
		PatternCandidate: !retried && (it.Classification == item.ClassTask || it.Classification == item.ClassPlan),
	}); err != nil {
		e.log.Printf("executor: reflection for %s: %v", it.ID, err)
	}
}

// holdForApproval blocks a tier-gated item until an approval is recorded.
func (e *Executor) holdForApproval(path string, it item.Item) error {
	reason := fmt.Sprintf("awaiting tier %d approval", it.Tier)
	if _, _, err := e.life.Apply(path, item.ActionStart, "", executorActor); err != nil && !errors.Is(err, lifecycle.ErrNoop) {
		return err
	}
	if _, _, err := e.life.Apply(path, item.ActionBlock, reason, executorActor); err != nil {
		return err
	}
	if _, err := escalation.Write(e.vault.Dir(vault.NamespacePending), escalation.Note{
		ItemID:       it.ID,
		ItemPath:     path,
		Severity:     escalation.High,
		WhatHappened: fmt.Sprintf("item requires tier %d approval before execution", it.Tier),
		WhatWasTried: []string{"checked for a recorded approval signal"},
		WhatIsNeeded: "approve the item, then resume it",
		Impact:       "item will not execute until approved",
	}, e.clock()); err != nil {
		return err
	}
	e.log.Printf("executor: %s held for tier %d approval", it.ID, it.Tier)
	return nil
}

// halt blocks an item behind a High escalation and records the failure in
// memory so future similar items can avoid it.
func (e *Executor) halt(path, itemID, reason string, tried []string) error {
	if _, _, err := e.life.Apply(path, item.ActionBlock, reason, executorActor); err != nil && !errors.Is(err, lifecycle.ErrNoop) {
		return err
	}
	if _, err := escalation.Write(e.vault.Dir(vault.NamespacePending), escalation.Note{
		ItemID:       itemID,
		ItemPath:     path,
		Severity:     escalation.High,
		WhatHappened: reason,
		WhatWasTried: tried,
		WhatIsNeeded: "review the item, then resume or reject it",
		Impact:       "item is halted until a human intervenes",
	}, e.clock()); err != nil {
		return err
	}
	if _, err := e.mem.Append(memory.KindFailure, memory.Entry{
		ItemID:  itemID,
		Summary: reason,
	}); err != nil {
		e.log.Printf("executor: record failure for %s: %v", itemID, err)
	}
	e.log.Printf("executor: halted %s: %s", itemID, reason)
	return nil
}

func splitNonEmpty(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "none") {
		return nil
	}
	return []string{s}
}
