// Package catalog aggregates tool, resource, and prompt inventories across
// sessions into a policy-filtered, searchable index under the
// "<server>::<name>" namespace. Reads are lock-free snapshots; rebuilds swap
// the snapshot atomically.
package catalog

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"

	"github.com/mcpgateway/mcp-gateway/internal/policy"
	"github.com/mcpgateway/mcp-gateway/internal/session"
)

// ToolEntry is a catalog tool with its full definition. The input schema is
// kept both raw (for describe output) and decoded (for invoke validation).
type ToolEntry struct {
	Card        ToolCard
	Description string
	RawSchema   json.RawMessage
	Schema      *jsonschema.Schema
}

// ResourceEntry is a proxied resource catalog entry.
type ResourceEntry struct {
	ID           string `json:"id"`
	Server       string `json:"server"`
	URI          string `json:"uri"`
	Name         string `json:"name,omitempty"`
	Description  string `json:"description,omitempty"`
	MimeType     string `json:"mime_type,omitempty"`
	Availability string `json:"availability"`
}

// PromptEntry is a proxied prompt catalog entry.
type PromptEntry struct {
	ID           string          `json:"id"`
	Server       string          `json:"server"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	Arguments    json.RawMessage `json:"arguments,omitempty"`
	Availability string          `json:"availability"`
}

// Snapshot is one immutable catalog generation. A single search or lookup
// always reads exactly one snapshot.
type Snapshot struct {
	Revision    string
	RefreshedAt time.Time

	Tools     []*ToolEntry
	Resources []ResourceEntry
	Prompts   []PromptEntry

	toolByID   map[string]*ToolEntry
	toolCounts map[string]int
}

// ToolCount returns the per-server count of policy-visible tools.
func (s *Snapshot) ToolCount(server string) int { return s.toolCounts[server] }

// Tool looks a tool entry up by its public identifier.
func (s *Snapshot) Tool(toolID string) (*ToolEntry, bool) {
	entry, ok := s.toolByID[toolID]
	return entry, ok
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		Revision:   newRevision(),
		toolByID:   make(map[string]*ToolEntry),
		toolCounts: make(map[string]int),
	}
}

func newRevision() string {
	return "rev-" + uuid.NewString()[:8]
}

// Registry owns the current catalog snapshot.
type Registry struct {
	current atomic.Pointer[Snapshot]

	rebuildMu sync.Mutex
}

// NewRegistry starts with an empty snapshot.
func NewRegistry() *Registry {
	r := &Registry{}
	r.current.Store(emptySnapshot())
	return r
}

// Snapshot returns the current catalog generation.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Rebuild builds a fresh snapshot from session inventories and swaps it in.
// Rebuilds serialize against each other but never block readers of the prior
// snapshot.
//
// Servers that are no longer ready keep their previous entries with
// availability "offline" until a later successful fetch replaces them;
// servers absent from the inventory set drop out entirely.
func (r *Registry) Rebuild(inventories []session.Inventory, pol *policy.Policy) *Snapshot {
	r.rebuildMu.Lock()
	defer r.rebuildMu.Unlock()

	prev := r.current.Load()
	next := &Snapshot{
		Revision:    newRevision(),
		RefreshedAt: time.Now(),
		toolByID:    make(map[string]*ToolEntry),
		toolCounts:  make(map[string]int),
	}

	for _, inv := range inventories {
		if !pol.AllowsServer(inv.Server) {
			continue
		}
		if inv.State == session.StateReady {
			r.addServer(next, inv, pol)
			continue
		}
		// Stale server: carry the previous generation's entries, offline.
		carryServer(prev, next, inv.Server)
	}

	sortSnapshot(next)
	r.current.Store(next)
	return next
}

func (r *Registry) addServer(next *Snapshot, inv session.Inventory, pol *policy.Policy) {
	tools := inv.Tools
	if limit := pol.Limits.MaxToolsPerServer; len(tools) > limit {
		// Truncate in server-provided order.
		tools = tools[:limit]
	}
	for _, tool := range tools {
		toolID, err := MakeToolID(inv.Server, tool.Name)
		if err != nil {
			continue
		}
		if !pol.AllowsTool(toolID) {
			continue
		}
		entry := &ToolEntry{
			Card: ToolCard{
				ToolID:           toolID,
				Server:           inv.Server,
				ToolName:         tool.Name,
				ShortDescription: shortDescription(tool.Description),
				Tags:             extractTags(inv.Server, tool.Name, tool.Description),
				Availability:     AvailabilityOnline,
				RiskHint:         inferRiskHint(tool.Name, tool.Description),
			},
			Description: tool.Description,
			RawSchema:   tool.InputSchema,
			Schema:      decodeSchema(tool.InputSchema),
		}
		next.Tools = append(next.Tools, entry)
		next.toolByID[toolID] = entry
		next.toolCounts[inv.Server]++
	}

	for _, res := range inv.Resources {
		if !pol.AllowsResource(res.URI) {
			continue
		}
		next.Resources = append(next.Resources, ResourceEntry{
			ID:           inv.Server + Separator + res.URI,
			Server:       inv.Server,
			URI:          res.URI,
			Name:         res.Name,
			Description:  res.Description,
			MimeType:     res.MimeType,
			Availability: AvailabilityOnline,
		})
	}

	for _, prompt := range inv.Prompts {
		promptID, err := MakeToolID(inv.Server, prompt.Name)
		if err != nil || !pol.AllowsPrompt(promptID) {
			continue
		}
		next.Prompts = append(next.Prompts, PromptEntry{
			ID:           promptID,
			Server:       inv.Server,
			Name:         prompt.Name,
			Description:  prompt.Description,
			Arguments:    prompt.Arguments,
			Availability: AvailabilityOnline,
		})
	}
}

func carryServer(prev, next *Snapshot, server string) {
	for _, entry := range prev.Tools {
		if entry.Card.Server != server {
			continue
		}
		carried := *entry
		carried.Card.Availability = AvailabilityOffline
		next.Tools = append(next.Tools, &carried)
		next.toolByID[carried.Card.ToolID] = &carried
		next.toolCounts[server]++
	}
	for _, res := range prev.Resources {
		if res.Server != server {
			continue
		}
		res.Availability = AvailabilityOffline
		next.Resources = append(next.Resources, res)
	}
	for _, prompt := range prev.Prompts {
		if prompt.Server != server {
			continue
		}
		prompt.Availability = AvailabilityOffline
		next.Prompts = append(next.Prompts, prompt)
	}
}

func sortSnapshot(s *Snapshot) {
	sort.Slice(s.Tools, func(i, j int) bool {
		a, b := s.Tools[i].Card, s.Tools[j].Card
		if a.Server != b.Server {
			return a.Server < b.Server
		}
		return a.ToolName < b.ToolName
	})
	sort.Slice(s.Resources, func(i, j int) bool {
		if s.Resources[i].Server != s.Resources[j].Server {
			return s.Resources[i].Server < s.Resources[j].Server
		}
		return s.Resources[i].URI < s.Resources[j].URI
	})
	sort.Slice(s.Prompts, func(i, j int) bool { return s.Prompts[i].ID < s.Prompts[j].ID })
}

func decodeSchema(raw json.RawMessage) *jsonschema.Schema {
	if len(raw) == 0 {
		return nil
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil
	}
	return &schema
}
