package policy

import (
	"fmt"
	"regexp"
	"strings"
)

// Glob patterns support * and ? with :: as a literal separator. They are
// translated to anchored regexps rather than matched with path.Match because
// * must cross "/" for resource URI patterns like "file://*".
func compileGlobs(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := regexp.Compile(globToRegexp(pattern))
		if err != nil {
			return nil, fmt.Errorf("%w: glob %q: %v", ErrInvalid, pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func globToRegexp(glob string) string {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return b.String()
}
