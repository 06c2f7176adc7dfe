package intake

import (
	"fmt"
	"regexp"
)

// defaultSecretPatterns covers the credential shapes that must never leave
// the inbox: key/value assignments, provider token prefixes, bearer headers.
var defaultSecretPatterns = []string{
	`(?i)(api[_-]?key|apikey)\s*[:=]\s*\S+`,
	`(?i)(secret|token|password|passwd|pwd)\s*[:=]\s*\S+`,
	`sk-[a-zA-Z0-9]{20,}`,
	`ghp_[a-zA-Z0-9]{36}`,
	`(?i)bearer\s+[a-zA-Z0-9\-._~+/]+=*`,
}

type secretScanner struct {
	patterns []*regexp.Regexp
}

// newSecretScanner compiles the configured patterns, falling back to the
// built-in set when none are configured.
func newSecretScanner(extra []string) (*secretScanner, error) {
	sources := defaultSecretPatterns
	if len(extra) > 0 {
		sources = append(append([]string{}, defaultSecretPatterns...), extra...)
	}
	scanner := &secretScanner{}
	for _, src := range sources {
		re, err := regexp.Compile(src)
		if err != nil {
			return nil, fmt.Errorf("intake: compile secret pattern %q: %w", src, err)
		}
		scanner.patterns = append(scanner.patterns, re)
	}
	return scanner, nil
}

// scan returns a redacted label for every pattern the content matches. The
// matched text itself is never returned so it cannot leak into logs.
func (s *secretScanner) scan(content []byte) []string {
	var matches []string
	for _, re := range s.patterns {
		if re.Match(content) {
			src := re.String()
			if len(src) > 40 {
				src = src[:40] + "..."
			}
			matches = append(matches, src)
		}
	}
	return matches
}
