package item

import (
	"bytes"
	"fmt"
	"time"
)

const historyHeading = "## Transition History"

var historyHeader = []byte(historyHeading + "\n\n| Time | From | To | Action | Actor |\n| --- | --- | --- | --- | --- |\n")

// AppendTransitionRow adds a row to the body's transition history table,
// creating the table on first use. New rows go at the end of the table
// itself, so sections appended after it stay below the table. The
// frontmatter transitions list stays the record of truth; the table is the
// human-readable mirror.
func AppendTransitionRow(body []byte, rec TransitionRecord) []byte {
	row := []byte(fmt.Sprintf("| %s | %s | %s | %s | %s |\n",
		rec.At.UTC().Format(timeLayout), rec.From, rec.To, rec.Action, rec.Actor))
	heading := bytes.Index(body, []byte(historyHeading))
	if heading < 0 {
		if len(body) > 0 && !bytes.HasSuffix(body, []byte("\n")) {
			body = append(body, '\n')
		}
		body = append(body, '\n')
		body = append(body, historyHeader...)
		return append(body, row...)
	}
	at := tableEnd(body, heading)
	out := make([]byte, 0, len(body)+len(row))
	out = append(out, body[:at]...)
	out = append(out, row...)
	out = append(out, body[at:]...)
	return out
}

// tableEnd returns the offset just past the last `|` row of the table that
// follows the heading at off.
func tableEnd(body []byte, off int) int {
	end := off
	for pos := off; pos < len(body); {
		lineEnd := bytes.IndexByte(body[pos:], '\n')
		if lineEnd < 0 {
			lineEnd = len(body) - pos
		}
		line := bytes.TrimSpace(body[pos : pos+lineEnd])
		next := pos + lineEnd + 1
		if next > len(body) {
			next = len(body)
		}
		if bytes.HasPrefix(line, []byte("|")) {
			end = next
		} else if pos > off && len(line) > 0 && !bytes.HasPrefix(line, []byte(historyHeading)) {
			break
		}
		pos = next
	}
	return end
}

// AppendSection appends a titled markdown section to the body.
func AppendSection(body []byte, title, content string) []byte {
	if len(body) > 0 && !bytes.HasSuffix(body, []byte("\n")) {
		body = append(body, '\n')
	}
	section := fmt.Sprintf("\n## %s\n\n%s\n", title, content)
	return append(body, []byte(section)...)
}

// AppendCycleResult appends an execution cycle summary section to the body.
func AppendCycleResult(body []byte, cycle int, at time.Time, summary string) []byte {
	title := fmt.Sprintf("Cycle %d (%s)", cycle, at.UTC().Format(timeLayout))
	return AppendSection(body, title, summary)
}
