package executor

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rgoulet/conveyor/internal/audit"
	"github.com/rgoulet/conveyor/internal/item"
	"github.com/rgoulet/conveyor/internal/vault"
)

// claims guards against two workers picking up the same item file.
type claims struct {
	mu   sync.Mutex
	held map[string]bool
}

func newClaims() *claims {
	return &claims{held: map[string]bool{}}
}

func (c *claims) acquire(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.held[path] {
		return false
	}
	c.held[path] = true
	return true
}

func (c *claims) release(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.held, path)
}

// Run polls the pending namespace and dispatches ready items to a bounded
// worker group until the context is canceled.
func (e *Executor) Run(ctx context.Context) error {
	held := newClaims()
	ticker := time.NewTicker(time.Duration(e.cfg.PollIntervalSeconds) * time.Second)
	defer ticker.Stop()
	for {
		if err := e.dispatch(ctx, held); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type candidate struct {
	path     string
	priority item.Priority
	created  time.Time
}

// dispatch selects ready items by priority then age and processes them with
// a worker per item, bounded by the configured pool size.
func (e *Executor) dispatch(ctx context.Context, held *claims) error {
	if e.audits.Tripped() {
		return audit.ErrHalted
	}
	names, err := e.vault.List(vault.NamespacePending)
	if err != nil {
		return err
	}
	var ready []candidate
	for _, name := range names {
		if !strings.HasSuffix(name, ".md") || strings.HasPrefix(name, "ESCALATION_") {
			continue
		}
		path := filepath.Join(e.vault.Dir(vault.NamespacePending), name)
		it, _, err := item.LoadFile(path)
		if err != nil {
			e.log.Printf("executor: skip %s: %v", name, err)
			continue
		}
		if it.State != item.StateReady {
			continue
		}
		ready = append(ready, candidate{path: path, priority: it.Priority, created: it.Created})
	}
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].priority.Rank() != ready[j].priority.Rank() {
			return ready[i].priority.Rank() < ready[j].priority.Rank()
		}
		return ready[i].created.Before(ready[j].created)
	})

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.cfg.Workers)
	for _, cand := range ready {
		if !held.acquire(cand.path) {
			continue
		}
		path := cand.path
		group.Go(func() error {
			defer held.release(path)
			if err := e.Process(groupCtx, path); err != nil {
				e.log.Printf("executor: process %s: %v", filepath.Base(path), err)
			}
			return nil
		})
	}
	return group.Wait()
}
