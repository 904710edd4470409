package policy

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

const redactedValue = "***"

// Built-in redaction applied even when no policy file is present. The value
// group is named so the replacement logic keeps the surrounding structure.
var builtinPatterns = []string{
	`(?i)(?:api[_-]?key|access[_-]?token|auth[_-]?token|client[_-]?secret|password)["']?\s*[:=]\s*["']?(?P<secret>[^\s"',;&]+)`,
	`\b(?P<token>(?:sk-|ghp_|github_pat_|gho_|xoxb-|xoxp-|npm_|pypi-|AKIA)[A-Za-z0-9_\-]{8,})\b`,
	`\bBearer\s+(?P<token>[A-Za-z0-9._\-]{16,})\b`,
}

// groupNameKeywords mark capturing groups holding the sensitive value.
var groupNameKeywords = []string{"secret", "key", "token", "password"}

type redactor struct {
	re     *regexp.Regexp
	groups []int // submatch indexes to replace; empty means whole match
}

func (p *Policy) compileRedactors() error {
	patterns := append(append([]string(nil), builtinPatterns...), p.Redaction.Patterns...)
	p.redactors = make([]*redactor, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("%w: redaction pattern %q: %v", ErrInvalid, pattern, err)
		}
		p.redactors = append(p.redactors, &redactor{re: re, groups: sensitiveGroups(re)})
	}
	return nil
}

// sensitiveGroups picks the submatch indexes to scrub: named groups whose
// name contains a sensitive keyword win; otherwise every capturing group;
// otherwise the whole match (empty slice).
func sensitiveGroups(re *regexp.Regexp) []int {
	names := re.SubexpNames()
	var named, all []int
	for i, name := range names {
		if i == 0 {
			continue
		}
		all = append(all, i)
		lower := strings.ToLower(name)
		for _, kw := range groupNameKeywords {
			if name != "" && strings.Contains(lower, kw) {
				named = append(named, i)
				break
			}
		}
	}
	if len(named) > 0 {
		return named
	}
	return all
}

// Redact applies every redaction pattern to the serialized payload, replacing
// the sensitive spans with "***" while preserving surrounding bytes.
func (p *Policy) Redact(data []byte) []byte {
	out := data
	for _, r := range p.redactors {
		out = r.apply(out)
	}
	return out
}

func (r *redactor) apply(data []byte) []byte {
	matches := r.re.FindAllSubmatchIndex(data, -1)
	if len(matches) == 0 {
		return data
	}
	var b []byte
	last := 0
	for _, m := range matches {
		spans := r.spans(m)
		for _, span := range spans {
			start, end := span[0], span[1]
			if start < 0 || start < last {
				continue
			}
			b = append(b, data[last:start]...)
			b = append(b, redactedValue...)
			last = end
		}
	}
	b = append(b, data[last:]...)
	return b
}

func (r *redactor) spans(match []int) [][2]int {
	if len(r.groups) == 0 {
		return [][2]int{{match[0], match[1]}}
	}
	spans := make([][2]int, 0, len(r.groups))
	for _, g := range r.groups {
		if 2*g+1 >= len(match) {
			continue
		}
		spans = append(spans, [2]int{match[2*g], match[2*g+1]})
	}
	return spans
}

// truncationEnvelope keeps truncated payloads valid JSON: the original
// serialization is carried as a string prefix with a byte-offset marker.
type truncationEnvelope struct {
	TruncatedAt int    `json:"_truncated_at"`
	Preview     string `json:"preview"`
}

// EnforceLimits caps a serialized result at the policy's byte and token
// budgets. Oversize payloads are replaced with a valid JSON document that
// wraps a prefix of the original serialization.
func (p *Policy) EnforceLimits(raw []byte) (out []byte, truncated bool, rawSize int) {
	rawSize = len(raw)
	if !p.exceedsLimits(rawSize) {
		return raw, false, rawSize
	}

	budget := p.byteBudget()
	overhead, _ := json.Marshal(truncationEnvelope{TruncatedAt: rawSize})
	keep := budget - len(overhead)
	if keep < 0 {
		keep = 0
	}
	if keep > rawSize {
		keep = rawSize
	}
	for {
		env := truncationEnvelope{TruncatedAt: keep, Preview: string(raw[:keep])}
		encoded, err := json.Marshal(env)
		if err == nil && len(encoded) <= budget {
			return encoded, true, rawSize
		}
		if keep == 0 {
			// Degenerate budget; return the minimal marker regardless.
			return encoded, true, rawSize
		}
		next := keep * 9 / 10
		if next == keep {
			next = keep - 1
		}
		keep = next
	}
}

func (p *Policy) exceedsLimits(size int) bool {
	if size > p.Limits.MaxOutputBytes {
		return true
	}
	return TokenEstimate(size) > p.Limits.MaxOutputTokens
}

func (p *Policy) byteBudget() int {
	budget := p.Limits.MaxOutputBytes
	if tokenBytes := p.Limits.MaxOutputTokens * 4; tokenBytes < budget {
		budget = tokenBytes
	}
	return budget
}

// TokenEstimate is the gateway-wide token approximation: bytes/4, floored.
func TokenEstimate(bytes int) int { return bytes / 4 }
