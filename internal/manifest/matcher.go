package manifest

import (
	"context"
	"sort"
	"strings"
)

// Candidate types returned by the capability matcher.
const (
	CandidateServerRunning  = "server_running"
	CandidateServerManifest = "server_manifest"
	CandidateTool           = "tool"
)

// Score adjustments layered on top of the lexical base score.
const (
	runningBonus      = 0.1
	envSatisfiedBonus = 0.05
)

// Candidate is one ranked answer to a capability query.
type Candidate struct {
	Type           string   `json:"candidate_type"`
	Name           string   `json:"name"`
	ToolID         string   `json:"tool_id,omitempty"`
	Description    string   `json:"description,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	RelevanceScore float64  `json:"relevance_score"`
	IsRunning      bool     `json:"is_running"`
	RequiresAPIKey bool     `json:"requires_api_key"`
	MissingEnv     []string `json:"missing_env,omitempty"`
	InstallHint    string   `json:"install_hint,omitempty"`
}

// Scorer ranks candidates against a query. The deterministic lexical scorer
// is the default; an LLM-backed implementation is a drop-in replacement.
type Scorer interface {
	Score(ctx context.Context, query string, candidates []Candidate) ([]Candidate, error)
}

// LexicalScorer ranks by token overlap between the query and each
// candidate's name, description, and tags.
type LexicalScorer struct{}

// Score implements Scorer. The base score is the fraction of query tokens
// found in the candidate's text; bonuses for running servers and satisfied
// environment requirements are added afterwards by the matcher.
func (LexicalScorer) Score(_ context.Context, query string, candidates []Candidate) ([]Candidate, error) {
	tokens := tokenize(query)
	for i := range candidates {
		candidates[i].RelevanceScore = overlap(tokens, candidateTokens(candidates[i]))
	}
	return candidates, nil
}

func candidateTokens(c Candidate) map[string]bool {
	text := strings.Join(append([]string{c.Name, c.Description}, c.Tags...), " ")
	set := make(map[string]bool)
	for _, tok := range tokenize(text) {
		set[tok] = true
	}
	return set
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	var tokens []string
	for _, f := range fields {
		if len(f) > 1 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

func overlap(query []string, have map[string]bool) float64 {
	if len(query) == 0 {
		return 0
	}
	matched := 0
	for _, tok := range query {
		if have[tok] {
			matched++
		}
	}
	return float64(matched) / float64(len(query))
}

// Matcher ranks manifest entries and running catalog entries against a
// natural-language capability query.
type Matcher struct {
	manifest *Manifest
	scorer   Scorer
}

// NewMatcher builds a matcher; a nil scorer selects the lexical default.
func NewMatcher(m *Manifest, scorer Scorer) *Matcher {
	if scorer == nil {
		scorer = LexicalScorer{}
	}
	return &Matcher{manifest: m, scorer: scorer}
}

// RunningInput describes what is currently live, supplied by the caller so
// the matcher stays decoupled from the session registry.
type RunningInput struct {
	Servers []string
	Tools   []Candidate // pre-shaped tool candidates (type, name, tool_id, description, tags)
}

// Match returns candidates ranked by relevance. Running candidates receive a
// +0.1 bonus; manifest candidates with all required environment variables
// already set receive +0.05. Scores are clamped to [0,1].
func (m *Matcher) Match(ctx context.Context, query string, running RunningInput) ([]Candidate, error) {
	runningSet := make(map[string]bool, len(running.Servers))
	for _, name := range running.Servers {
		runningSet[name] = true
	}

	var candidates []Candidate
	for _, entry := range m.manifest.Entries() {
		missing := entry.MissingEnv(nil)
		c := Candidate{
			Type:           CandidateServerManifest,
			Name:           entry.Name,
			Description:    entry.Description,
			Tags:           entry.Tags,
			RequiresAPIKey: entry.RequiresAPIKey(),
			MissingEnv:     missing,
			InstallHint:    installHint(entry),
		}
		if runningSet[entry.Name] {
			c.Type = CandidateServerRunning
			c.IsRunning = true
		}
		candidates = append(candidates, c)
	}
	for _, name := range running.Servers {
		if _, err := m.manifest.Get(name); err == nil {
			continue // already represented by its manifest entry
		}
		candidates = append(candidates, Candidate{
			Type:      CandidateServerRunning,
			Name:      name,
			IsRunning: true,
		})
	}
	for _, tool := range running.Tools {
		tool.Type = CandidateTool
		tool.IsRunning = true
		candidates = append(candidates, tool)
	}

	scored, err := m.scorer.Score(ctx, query, candidates)
	if err != nil {
		return nil, err
	}
	for i := range scored {
		if scored[i].IsRunning {
			scored[i].RelevanceScore += runningBonus
		}
		if scored[i].Type == CandidateServerManifest && len(scored[i].MissingEnv) == 0 {
			scored[i].RelevanceScore += envSatisfiedBonus
		}
		if scored[i].RelevanceScore > 1 {
			scored[i].RelevanceScore = 1
		}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].RelevanceScore != scored[j].RelevanceScore {
			return scored[i].RelevanceScore > scored[j].RelevanceScore
		}
		return scored[i].Name < scored[j].Name
	})
	return scored, nil
}

func installHint(entry Entry) string {
	if len(entry.Install) == 0 {
		return ""
	}
	return strings.Join(entry.Install[0], " ")
}
