package executor

import (
	"context"
	"fmt"

	"github.com/rgoulet/conveyor/internal/oracle"
)

// invokeChained runs one oracle invocation and follows up on reported
// remaining work within the same step, bounded by maxDepth. The chain stops
// at the first terminal result; hitting the depth cap returns the last
// result as-is so the outer cycle loop decides what to do with it.
func invokeChained(ctx context.Context, o oracle.Oracle, req oracle.Request, maxDepth int) (oracle.Result, int, error) {
	if maxDepth < 1 {
		maxDepth = 1
	}
	var result oracle.Result
	var err error
	depth := 0
	for depth < maxDepth {
		depth++
		result, err = o.Invoke(ctx, req)
		if err != nil {
			return oracle.Result{}, depth, fmt.Errorf("executor: oracle invocation %d for %s: %w", depth, req.ItemID, err)
		}
		if result.Status != oracle.StatusInProgress || result.RemainingWork == "" {
			return result, depth, nil
		}
		req = oracle.Request{
			ItemID:   req.ItemID,
			Title:    req.Title,
			Step:     result.RemainingWork,
			Expected: req.Expected,
			Content:  req.Content,
			Context:  append(req.Context, "prior output: "+result.Output),
			WrapUp:   req.WrapUp,
		}
	}
	return result, depth, nil
}
