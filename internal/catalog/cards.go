package catalog

import (
	"strings"
)

// Availability of a catalog entry as seen from the owning session's state.
const (
	AvailabilityOnline  = "online"
	AvailabilityOffline = "offline"
)

// Risk hints inferred from tool names and descriptions.
const (
	RiskLow     = "low"
	RiskMedium  = "medium"
	RiskHigh    = "high"
	RiskUnknown = "unknown"
)

const shortDescriptionMax = 140

// ToolCard is the compact descriptor returned by catalog_search. It carries
// no input schema; describe serves the full definition on demand.
type ToolCard struct {
	ToolID           string   `json:"tool_id"`
	Server           string   `json:"server"`
	ToolName         string   `json:"tool_name"`
	ShortDescription string   `json:"short_description"`
	Tags             []string `json:"tags"`
	Availability     string   `json:"availability"`
	RiskHint         string   `json:"risk_hint"`
}

var lowRiskVerbs = []string{"read", "get", "list", "search", "query", "fetch", "describe"}

var highRiskVerbs = []string{
	"delete", "remove", "drop", "execute", "run", "write",
	"create", "update", "modify", "send", "post", "put",
}

// inferRiskHint classifies a tool by the verbs in its name and description.
// Destructive verbs win over read-only ones.
func inferRiskHint(name, description string) string {
	combined := strings.ToLower(name + " " + description)
	for _, verb := range highRiskVerbs {
		if strings.Contains(combined, verb) {
			return RiskHigh
		}
	}
	for _, verb := range lowRiskVerbs {
		if strings.Contains(combined, verb) {
			return RiskLow
		}
	}
	return RiskMedium
}

var tagCategories = map[string][]string{
	"database": {"db", "sql", "query", "table", "database"},
	"file":     {"file", "directory", "folder", "path"},
	"git":      {"git", "commit", "branch", "repository", "repo"},
	"http":     {"http", "api", "request", "fetch", "url"},
	"search":   {"search", "find", "grep", "filter"},
	"code":     {"code", "function", "class", "symbol"},
}

// extractTags derives search tags from the server name plus keyword buckets
// matched against the tool name and description.
func extractTags(server, name, description string) []string {
	tags := []string{server}
	combined := strings.ToLower(name + " " + description)
	for _, category := range []string{"code", "database", "file", "git", "http", "search"} {
		for _, keyword := range tagCategories[category] {
			if strings.Contains(combined, keyword) {
				tags = append(tags, category)
				break
			}
		}
	}
	return tags
}

// shortDescription keeps the first sentence, hard-truncated to 140 characters
// with an ellipsis suffix.
func shortDescription(description string) string {
	description = strings.TrimSpace(description)
	if description == "" {
		return ""
	}
	if idx := strings.Index(description, ". "); idx >= 0 {
		description = description[:idx+1]
	} else if idx := strings.IndexAny(description, "\n"); idx >= 0 {
		description = strings.TrimSpace(description[:idx])
	}
	runes := []rune(description)
	if len(runes) <= shortDescriptionMax {
		return description
	}
	return string(runes[:shortDescriptionMax-3]) + "..."
}
