// Package policy evaluates allow/deny rules, output limits, and secret
// redaction for everything the gateway exposes upstream. Policy is applied
// last, after aggregation, so every user-visible payload passes through it.
package policy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps malformed policy documents.
var ErrInvalid = errors.New("policy invalid")

// Defaults applied when the policy file omits limits.
const (
	DefaultMaxToolsPerServer = 100
	DefaultMaxOutputBytes    = 50_000
	DefaultMaxOutputTokens   = 4_000
)

// RuleSet is an allowlist/denylist pair of glob patterns. An empty allowlist
// allows everything; denial always wins.
type RuleSet struct {
	Allowlist []string `yaml:"allowlist"`
	Denylist  []string `yaml:"denylist"`

	allow []*regexp.Regexp
	deny  []*regexp.Regexp
}

// Limits carries the numeric caps enforced on aggregated output.
type Limits struct {
	MaxToolsPerServer int `yaml:"max_tools_per_server"`
	MaxOutputBytes    int `yaml:"max_output_bytes"`
	MaxOutputTokens   int `yaml:"max_output_tokens"`
}

// Redaction lists regex patterns whose matches are scrubbed from results.
type Redaction struct {
	Patterns []string `yaml:"patterns"`
}

// Policy is the loaded, compiled rule document.
type Policy struct {
	Servers   RuleSet   `yaml:"servers"`
	Tools     RuleSet   `yaml:"tools"`
	Resources RuleSet   `yaml:"resources"`
	Prompts   RuleSet   `yaml:"prompts"`
	Limits    Limits    `yaml:"limits"`
	Redaction Redaction `yaml:"redaction"`

	redactors []*redactor
}

// DefaultPath is the last stop in policy discovery: flag, then
// MCP_GATEWAY_POLICY, then this file. A missing file means permissive
// defaults.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".claude", "gateway-policy.yaml")
}

// Default returns the permissive policy used when no file is present.
func Default() *Policy {
	p := &Policy{}
	if err := p.compile(); err != nil {
		// Built-in patterns are static; a compile failure is a programming error.
		panic(err)
	}
	return p
}

// Load reads a YAML or JSON policy document. A missing file yields the
// permissive default; an unreadable or malformed file returns ErrInvalid.
func Load(path string) (*Policy, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrInvalid, path, err)
	}
	return Parse(data)
}

// Parse decodes and compiles a policy document. YAML is a superset of JSON,
// so both formats decode through the same path.
func Parse(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := p.compile(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Policy) compile() error {
	if p.Limits.MaxToolsPerServer <= 0 {
		p.Limits.MaxToolsPerServer = DefaultMaxToolsPerServer
	}
	if p.Limits.MaxOutputBytes <= 0 {
		p.Limits.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if p.Limits.MaxOutputTokens <= 0 {
		p.Limits.MaxOutputTokens = DefaultMaxOutputTokens
	}
	for _, rs := range []*RuleSet{&p.Servers, &p.Tools, &p.Resources, &p.Prompts} {
		if err := rs.compile(); err != nil {
			return err
		}
	}
	return p.compileRedactors()
}

func (rs *RuleSet) compile() error {
	var err error
	if rs.allow, err = compileGlobs(rs.Allowlist); err != nil {
		return err
	}
	rs.deny, err = compileGlobs(rs.Denylist)
	return err
}

// Allows reports whether value passes the rule set: not denied, and either
// the allowlist is empty or some allow pattern matches.
func (rs *RuleSet) Allows(value string) bool {
	for _, re := range rs.deny {
		if re.MatchString(value) {
			return false
		}
	}
	if len(rs.allow) == 0 {
		return true
	}
	for _, re := range rs.allow {
		if re.MatchString(value) {
			return true
		}
	}
	return false
}

// AllowsServer reports whether a server name passes server policy.
func (p *Policy) AllowsServer(name string) bool { return p.Servers.Allows(name) }

// AllowsTool reports whether a namespaced tool ID passes tool policy.
func (p *Policy) AllowsTool(toolID string) bool { return p.Tools.Allows(toolID) }

// AllowsResource reports whether a resource URI passes resource policy.
func (p *Policy) AllowsResource(uri string) bool { return p.Resources.Allows(uri) }

// AllowsPrompt reports whether a namespaced prompt ID (server::name) passes
// prompt policy.
func (p *Policy) AllowsPrompt(name string) bool { return p.Prompts.Allows(name) }
