package oracle

import (
	"context"
	"fmt"
	"sync"
)

// Scripted is an offline oracle. Without queued results it completes every
// request immediately, which keeps the pipeline runnable with no endpoint
// configured; tests queue explicit results to drive specific paths.
type Scripted struct {
	mu      sync.Mutex
	queue   []Result
	Invoked []Request
}

// NewScripted returns an empty scripted oracle.
func NewScripted() *Scripted {
	return &Scripted{}
}

// Queue appends results to be returned in order by subsequent invocations.
func (s *Scripted) Queue(results ...Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, results...)
}

// Invoke pops the next queued result, or synthesizes a completion when the
// queue is empty.
func (s *Scripted) Invoke(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Invoked = append(s.Invoked, req)
	if len(s.queue) > 0 {
		next := s.queue[0]
		s.queue = s.queue[1:]
		return next, nil
	}
	output := "scripted completion"
	if req.Expected != "" {
		output = fmt.Sprintf("scripted completion: %s", req.Expected)
	}
	return Result{
		Status:    StatusDone,
		Summary:   fmt.Sprintf("processed %q in scripted mode", req.Title),
		Output:    output,
		Decisions: "no external reasoning engine configured",
		Errors:    "None",
	}, nil
}
