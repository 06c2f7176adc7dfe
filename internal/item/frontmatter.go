package item

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrMissingFrontMatter indicates the document did not start with a YAML fence.
	ErrMissingFrontMatter = errors.New("item: missing frontmatter")
	// ErrMalformedFrontMatter indicates the YAML block could not be parsed.
	ErrMalformedFrontMatter = errors.New("item: malformed frontmatter")
)

const timeLayout = "2006-01-02T15:04:05Z07:00"

// ParseDocument extracts the item record and body from a markdown document
// that starts with `---` YAML fences.
func ParseDocument(content []byte) (Item, []byte, error) {
	if len(content) == 0 {
		return Item{}, nil, ErrMissingFrontMatter
	}
	normalized := normalizeNewlines(content)
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return Item{}, nil, ErrMissingFrontMatter
	}
	rest := normalized[4:]
	parts := bytes.SplitN(rest, []byte("\n---\n"), 2)
	if len(parts) < 2 {
		return Item{}, nil, ErrMalformedFrontMatter
	}
	var env envelope
	if err := yaml.Unmarshal(parts[0], &env); err != nil {
		return Item{}, nil, fmt.Errorf("item: parse frontmatter: %w", err)
	}
	it, err := env.toItem()
	if err != nil {
		return Item{}, nil, err
	}
	return it, parts[1], nil
}

// RenderDocument renders the item record + body with YAML fences.
func RenderDocument(it Item, body []byte) ([]byte, error) {
	if it.ID == "" {
		return nil, fmt.Errorf("item: record missing id")
	}
	var env envelope
	env.fromItem(it)
	data, err := yaml.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("item: encode frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(bytes.TrimRight(data, "\n"))
	buf.WriteString("\n---\n\n")
	buf.Write(body)
	return buf.Bytes(), nil
}

type envelope struct {
	ID             string           `yaml:"id"`
	Title          string           `yaml:"title"`
	Priority       string           `yaml:"priority"`
	Classification string           `yaml:"classification"`
	State          string           `yaml:"state"`
	Resolution     string           `yaml:"resolution,omitempty"`
	Tier           int              `yaml:"tier"`
	ApprovedTier   int              `yaml:"approved_tier,omitempty"`
	Source         string           `yaml:"source,omitempty"`
	Requester      string           `yaml:"requester,omitempty"`
	Created        string           `yaml:"created"`
	Updated        string           `yaml:"updated,omitempty"`
	Started        string           `yaml:"started,omitempty"`
	Completed      string           `yaml:"completed,omitempty"`
	CycleCount     int              `yaml:"cycle_count,omitempty"`
	RemainingWork  string           `yaml:"remaining_work,omitempty"`
	StaleCount     int              `yaml:"stale_count,omitempty"`
	ReturnCount    int              `yaml:"return_count,omitempty"`
	BlockedReason  string           `yaml:"blocked_reason,omitempty"`
	PlanRef        string           `yaml:"plan_ref,omitempty"`
	MemoryRefs     []string         `yaml:"memory_refs,omitempty"`
	OpenErrors     []string         `yaml:"open_errors,omitempty"`
	Transitions    []transitionLine `yaml:"transitions,omitempty"`
}

type transitionLine struct {
	At     string `yaml:"at"`
	From   string `yaml:"from"`
	To     string `yaml:"to"`
	Action string `yaml:"action"`
	Actor  string `yaml:"actor"`
}

func (e envelope) toItem() (Item, error) {
	if e.ID == "" || e.State == "" {
		return Item{}, ErrMalformedFrontMatter
	}
	created, err := parseTime(e.Created)
	if err != nil {
		return Item{}, fmt.Errorf("item: parse created timestamp: %w", err)
	}
	it := Item{
		ID:             e.ID,
		Title:          e.Title,
		Priority:       Priority(e.Priority),
		Classification: Classification(e.Classification),
		State:          State(e.State),
		Resolution:     Resolution(e.Resolution),
		Tier:           e.Tier,
		ApprovedTier:   e.ApprovedTier,
		Source:         e.Source,
		Requester:      e.Requester,
		Created:        created,
		CycleCount:     e.CycleCount,
		RemainingWork:  e.RemainingWork,
		StaleCount:     e.StaleCount,
		ReturnCount:    e.ReturnCount,
		BlockedReason:  e.BlockedReason,
		PlanRef:        e.PlanRef,
		MemoryRefs:     append([]string{}, e.MemoryRefs...),
		OpenErrors:     append([]string{}, e.OpenErrors...),
	}
	if it.Updated, err = parseOptionalTime(e.Updated); err != nil {
		return Item{}, fmt.Errorf("item: parse updated timestamp: %w", err)
	}
	if it.Started, err = parseOptionalTime(e.Started); err != nil {
		return Item{}, fmt.Errorf("item: parse started timestamp: %w", err)
	}
	if it.Completed, err = parseOptionalTime(e.Completed); err != nil {
		return Item{}, fmt.Errorf("item: parse completed timestamp: %w", err)
	}
	for _, line := range e.Transitions {
		at, err := parseTime(line.At)
		if err != nil {
			return Item{}, fmt.Errorf("item: parse transition timestamp: %w", err)
		}
		it.History = append(it.History, TransitionRecord{
			At:     at,
			From:   State(line.From),
			To:     State(line.To),
			Action: Action(line.Action),
			Actor:  line.Actor,
		})
	}
	return it, nil
}

func (e *envelope) fromItem(it Item) {
	e.ID = it.ID
	e.Title = it.Title
	e.Priority = string(it.Priority)
	e.Classification = string(it.Classification)
	e.State = string(it.State)
	e.Resolution = string(it.Resolution)
	e.Tier = it.Tier
	e.ApprovedTier = it.ApprovedTier
	e.Source = it.Source
	e.Requester = it.Requester
	e.Created = it.Created.UTC().Format(timeLayout)
	e.Updated = formatOptionalTime(it.Updated)
	e.Started = formatOptionalTime(it.Started)
	e.Completed = formatOptionalTime(it.Completed)
	e.CycleCount = it.CycleCount
	e.RemainingWork = it.RemainingWork
	e.StaleCount = it.StaleCount
	e.ReturnCount = it.ReturnCount
	e.BlockedReason = it.BlockedReason
	e.PlanRef = it.PlanRef
	e.MemoryRefs = append([]string{}, it.MemoryRefs...)
	e.OpenErrors = append([]string{}, it.OpenErrors...)
	for _, rec := range it.History {
		e.Transitions = append(e.Transitions, transitionLine{
			At:     rec.At.UTC().Format(timeLayout),
			From:   string(rec.From),
			To:     string(rec.To),
			Action: string(rec.Action),
			Actor:  rec.Actor,
		})
	}
}

func parseTime(value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, fmt.Errorf("item: empty timestamp")
	}
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func parseOptionalTime(value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, nil
	}
	return parseTime(value)
}

func formatOptionalTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func normalizeNewlines(content []byte) []byte {
	return bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
}
