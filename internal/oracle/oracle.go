// Package oracle is the boundary to the external reasoning engine. The
// pipeline never interprets work content itself; it sends a prompt out and
// parses the structured RESULT_ lines that come back.
package oracle

import (
	"context"
	"strings"
)

// Status is the oracle's verdict for one invocation.
type Status string

const (
	StatusDone       Status = "done"
	StatusInProgress Status = "in_progress"
	StatusFailed     Status = "failed"
)

// Request carries one unit of work to the oracle.
type Request struct {
	ItemID string
	Title  string
	Step   string
	// Expected describes the output shape the step calls for.
	Expected string
	Content  string
	// Context holds recalled memory and prior cycle output, oldest first.
	Context []string
	// WrapUp signals that the cycle budget is nearly spent and the oracle
	// should deliver the minimal remaining work rather than open new work.
	WrapUp bool
}

// Result is the parsed oracle response.
type Result struct {
	Status        Status
	Summary       string
	Output        string
	Decisions     string
	Errors        string
	RemainingWork string
}

// Failed reports whether the result carries a non-empty error description.
func (r Result) Failed() bool {
	return r.Status == StatusFailed || (r.Errors != "" && !strings.EqualFold(r.Errors, "none"))
}

// Oracle performs one reasoning invocation. Implementations must honor ctx
// cancellation; this call is the pipeline's only suspension point.
type Oracle interface {
	Invoke(ctx context.Context, req Request) (Result, error)
}

// Parse extracts a Result from the oracle's raw response text. Unparseable
// responses default to in_progress with the raw text as output, so a
// misbehaving oracle stalls an item instead of falsely completing it.
func Parse(text string) Result {
	result := Result{
		Status:        StatusInProgress,
		Output:        text,
		Errors:        "None",
		RemainingWork: "unknown: response had no RESULT_REMAINING line",
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		switch key {
		case "RESULT_STATUS":
			result.Status = normalizeStatus(value)
		case "RESULT_SUMMARY":
			result.Summary = value
		case "RESULT_OUTPUT":
			result.Output = value
		case "RESULT_DECISIONS":
			result.Decisions = value
		case "RESULT_ERRORS":
			result.Errors = value
		case "RESULT_REMAINING":
			result.RemainingWork = value
		}
	}
	if strings.EqualFold(result.RemainingWork, "none") {
		result.RemainingWork = ""
	}
	if result.Summary == "" {
		if len(text) > 200 {
			text = text[:200]
		}
		result.Summary = text
	}
	return result
}

func normalizeStatus(raw string) Status {
	switch strings.ToLower(raw) {
	case "done", "success", "completed":
		return StatusDone
	case "failed", "error":
		return StatusFailed
	default:
		return StatusInProgress
	}
}
