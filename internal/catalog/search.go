package catalog

import (
	"sort"
	"strings"
)

// Match weights for the lexical ranking.
const (
	weightName        = 3
	weightDescription = 2
	weightTag         = 1
)

// SearchResult carries ranked cards plus pagination hints.
type SearchResult struct {
	Results        []ToolCard `json:"results"`
	TotalAvailable int        `json:"total_available"`
	Truncated      bool       `json:"truncated"`
}

// Search ranks the snapshot's tool cards against a query by case-insensitive
// substring matches: tool name ×3, short description ×2, tags ×1, ties
// broken by tool-name length then tool ID. An empty query returns the catalog
// in stable server-then-name order.
func (s *Snapshot) Search(query string, limit int) SearchResult {
	query = strings.TrimSpace(strings.ToLower(query))

	type scored struct {
		card  ToolCard
		score int
	}
	var matches []scored
	for _, entry := range s.Tools {
		card := entry.Card
		if query == "" {
			matches = append(matches, scored{card: card})
			continue
		}
		score := 0
		if strings.Contains(strings.ToLower(card.ToolName), query) {
			score += weightName
		}
		if strings.Contains(strings.ToLower(card.ShortDescription), query) {
			score += weightDescription
		}
		for _, tag := range card.Tags {
			if strings.Contains(strings.ToLower(tag), query) {
				score += weightTag
				break
			}
		}
		if score > 0 {
			matches = append(matches, scored{card: card, score: score})
		}
	}

	if query != "" {
		sort.SliceStable(matches, func(i, j int) bool {
			if matches[i].score != matches[j].score {
				return matches[i].score > matches[j].score
			}
			if len(matches[i].card.ToolName) != len(matches[j].card.ToolName) {
				return len(matches[i].card.ToolName) < len(matches[j].card.ToolName)
			}
			return matches[i].card.ToolID < matches[j].card.ToolID
		})
	}

	total := len(matches)
	truncated := total > limit
	if truncated {
		matches = matches[:limit]
	}
	results := make([]ToolCard, 0, len(matches))
	for _, m := range matches {
		results = append(results, m.card)
	}
	return SearchResult{Results: results, TotalAvailable: total, Truncated: truncated}
}
