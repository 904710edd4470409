// Package gateway wires the fixed meta-tool surface to the downstream
// substrate: sessions, catalog, policy, matcher, and provisioner. Every
// upstream-visible payload is shaped here — redaction and size caps are
// applied last, after aggregation.
package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"

	"github.com/mcpgateway/mcp-gateway/internal/catalog"
	"github.com/mcpgateway/mcp-gateway/internal/config"
	"github.com/mcpgateway/mcp-gateway/internal/manifest"
	"github.com/mcpgateway/mcp-gateway/internal/policy"
	"github.com/mcpgateway/mcp-gateway/internal/provision"
	"github.com/mcpgateway/mcp-gateway/internal/session"
	"github.com/mcpgateway/mcp-gateway/internal/store"
)

const (
	implementationName    = "mcp-gateway"
	implementationVersion = "0.3.0"
)

// Options configure a Gateway.
type Options struct {
	// Config controls .mcp.json discovery.
	Config config.Options
	// PolicyPath names the policy file; empty or missing means permissive
	// defaults.
	PolicyPath string
	// ManifestPath optionally overlays the built-in provisioning manifest.
	ManifestPath string
	// Store persists jobs and health snapshots; nil disables persistence.
	Store *store.Store
	// Scorer replaces the lexical capability scorer when non-nil.
	Scorer manifest.Scorer
	// Logger receives structured diagnostics.
	Logger *slog.Logger
}

// Gateway is the meta-server runtime.
type Gateway struct {
	logger *slog.Logger
	opts   Options

	pol      atomic.Pointer[policy.Policy]
	manager  *session.Manager
	registry *catalog.Registry
	manifest *manifest.Manifest
	matcher  *manifest.Matcher
	prov     *provision.Provisioner
	db       *store.Store

	server *mcp.Server

	refreshMu   sync.Mutex
	lastRefresh atomic.Int64 // unix nanos

	// Upstream registrations for proxied resources and prompts, diffed
	// against the catalog on every rebuild.
	upstreamMu       sync.Mutex
	upstreamResource map[string]resourceTarget
	upstreamPrompt   map[string]promptTarget
}

type resourceTarget struct {
	Server    string
	NativeURI string
}

type promptTarget struct {
	Server     string
	NativeName string
}

// New builds the gateway and its upstream MCP server surface. Downstream
// sessions are not started until Initialize.
func New(opts Options) (*Gateway, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	pol, err := policy.Load(opts.PolicyPath)
	if err != nil {
		return nil, err
	}
	man, err := manifest.Load(opts.ManifestPath)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		logger:           logger,
		opts:             opts,
		registry:         catalog.NewRegistry(),
		manifest:         man,
		matcher:          manifest.NewMatcher(man, opts.Scorer),
		db:               opts.Store,
		upstreamResource: make(map[string]resourceTarget),
		upstreamPrompt:   make(map[string]promptTarget),
	}
	g.pol.Store(pol)
	g.manager = session.NewManager(logger, g.onDownstreamNotification)
	g.prov = provision.New(man, g.adoptProvisioned, opts.Store, logger)

	g.server = mcp.NewServer(&mcp.Implementation{
		Name:    implementationName,
		Title:   "MCP Gateway",
		Version: implementationVersion,
	}, &mcp.ServerOptions{
		HasTools:     true,
		HasResources: true,
		HasPrompts:   true,
		Instructions: serverInstructions,
	})
	g.registerMetaTools()
	return g, nil
}

const serverInstructions = "This gateway aggregates downstream MCP servers behind nine meta-tools. " +
	"Start with catalog_search to discover tools, describe to fetch one tool's full schema, " +
	"and invoke to call it. Use request_capability to find or provision servers for a task."

// Policy returns the current policy snapshot.
func (g *Gateway) Policy() *policy.Policy { return g.pol.Load() }

// Manager exposes the session registry (used by the CLI refresh path).
func (g *Gateway) Manager() *session.Manager { return g.manager }

// Catalog returns the current catalog snapshot.
func (g *Gateway) Catalog() *catalog.Snapshot { return g.registry.Snapshot() }

// Initialize loads config, starts every allowed downstream session in
// parallel, and builds the first catalog. A single server's failure does not
// block the others; the returned error joins the failures for logging.
func (g *Gateway) Initialize(ctx context.Context) error {
	specs, err := config.Load(g.opts.Config)
	if err != nil {
		return err
	}
	allowed := g.filterSpecs(specs)
	if len(allowed) == 0 {
		g.logger.Warn("no MCP servers configured or all blocked by policy")
	}
	startErr := g.manager.StartAll(ctx, allowed)
	g.RebuildCatalog(ctx)
	g.lastRefresh.Store(time.Now().UnixNano())

	statuses := g.manager.Statuses()
	ready := 0
	for _, s := range statuses {
		if s.State == session.StateReady {
			ready++
		}
	}
	g.logger.Info("gateway initialized",
		"servers", len(statuses),
		"ready", ready,
		"tools", len(g.registry.Snapshot().Tools))
	return startErr
}

func (g *Gateway) filterSpecs(specs []config.ServerSpec) []config.ServerSpec {
	pol := g.pol.Load()
	allowed := specs[:0:0]
	for _, spec := range specs {
		if pol.AllowsServer(spec.Name) {
			allowed = append(allowed, spec)
		} else {
			g.logger.Info("server blocked by policy", "server", spec.Name)
		}
	}
	return allowed
}

// RebuildCatalog fetches inventories and swaps in a fresh catalog snapshot,
// then mirrors the health snapshot to the store and re-registers proxied
// resources and prompts upstream.
func (g *Gateway) RebuildCatalog(ctx context.Context) *catalog.Snapshot {
	inventories := g.manager.FetchInventories(ctx)
	snap := g.registry.Rebuild(inventories, g.pol.Load())
	g.syncUpstream(snap)
	g.persistHealth(snap)
	return snap
}

// RefreshSummary is the refresh meta-tool and CLI result.
type RefreshSummary struct {
	OK           bool     `json:"ok"`
	Revision     string   `json:"revision"`
	ServersSeen  int      `json:"servers_seen"`
	ServersReady int      `json:"servers_ready"`
	ToolsIndexed int      `json:"tools_indexed"`
	Started      []string `json:"started,omitempty"`
	Restarted    []string `json:"restarted,omitempty"`
	Closed       []string `json:"closed,omitempty"`
	Unchanged    []string `json:"unchanged,omitempty"`
	Errors       []string `json:"errors,omitempty"`
}

// Refresh reloads config and policy, diffs the session set, and rebuilds the
// catalog. Refreshes serialize against each other but not against readers of
// the prior catalog. Config errors are local: current sessions keep running.
func (g *Gateway) Refresh(ctx context.Context, server string, force bool) (RefreshSummary, error) {
	g.refreshMu.Lock()
	defer g.refreshMu.Unlock()

	specs, err := config.Load(g.opts.Config)
	if err != nil {
		return RefreshSummary{}, err
	}
	pol, err := policy.Load(g.opts.PolicyPath)
	if err != nil {
		return RefreshSummary{}, err
	}
	g.pol.Store(pol)

	allowed := g.filterSpecs(specs)
	result := g.manager.Refresh(ctx, allowed, force, server)
	snap := g.RebuildCatalog(ctx)
	g.lastRefresh.Store(time.Now().UnixNano())

	ready := 0
	for _, s := range g.manager.Statuses() {
		if s.State == session.StateReady {
			ready++
		}
	}
	return RefreshSummary{
		OK:           len(result.Errors) == 0,
		Revision:     snap.Revision,
		ServersSeen:  len(specs),
		ServersReady: ready,
		ToolsIndexed: len(snap.Tools),
		Started:      result.Started,
		Restarted:    result.Restarted,
		Closed:       result.Closed,
		Unchanged:    result.Unchanged,
		Errors:       result.Errors,
	}, nil
}

// onDownstreamNotification reacts to list_changed notifications by
// rebuilding the catalog in the background.
func (g *Gateway) onDownstreamNotification(server, method string, params json.RawMessage) {
	switch method {
	case "notifications/tools/list_changed",
		"notifications/resources/list_changed",
		"notifications/prompts/list_changed":
		g.logger.Debug("inventory change notification", "server", server, "method", method)
		go g.RebuildCatalog(context.Background())
	default:
		g.logger.Debug("downstream notification", "server", server, "method", method)
	}
}

// adoptProvisioned hands a freshly installed server to the session manager
// and indexes its inventory.
func (g *Gateway) adoptProvisioned(ctx context.Context, spec config.ServerSpec) error {
	if !g.pol.Load().AllowsServer(spec.Name) {
		return &policyDeniedError{server: spec.Name}
	}
	if err := g.manager.Adopt(ctx, spec); err != nil {
		return err
	}
	g.RebuildCatalog(ctx)
	return nil
}

type policyDeniedError struct{ server string }

func (e *policyDeniedError) Error() string {
	return "server " + e.server + " is blocked by policy"
}

func (g *Gateway) persistHealth(snap *catalog.Snapshot) {
	if g.db == nil {
		return
	}
	statuses := g.manager.Statuses()
	rows := make([]store.HealthRow, 0, len(statuses))
	for _, s := range statuses {
		rows = append(rows, store.HealthRow{
			Name:        s.Name,
			State:       string(s.State),
			Source:      string(s.Source),
			LastError:   s.LastError,
			ToolCount:   snap.ToolCount(s.Name),
			Pending:     s.PendingCount,
			RefreshedAt: snap.RefreshedAt,
		})
	}
	if err := g.db.SaveHealth(rows); err != nil {
		g.logger.Warn("persist health failed", "error", err)
	}
}

// Run serves the upstream MCP connection on stdio until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	return g.server.Run(ctx, &mcp.StdioTransport{})
}

// Handler exposes the Streamable HTTP transport wrapped in permissive CORS,
// for the optional --listen mode.
func (g *Gateway) Handler() http.Handler {
	streamable := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return g.server
	}, nil)
	return cors.Default().Handler(streamable)
}

// Close tears down sessions, the provisioner, and the store.
func (g *Gateway) Close() {
	g.prov.Close()
	g.manager.CloseAll()
	if g.db != nil {
		_ = g.db.Close()
	}
}

// syncUpstream diffs the catalog's proxied resources and prompts against the
// upstream server registrations.
func (g *Gateway) syncUpstream(snap *catalog.Snapshot) {
	g.upstreamMu.Lock()
	defer g.upstreamMu.Unlock()

	wantResources := make(map[string]resourceTarget, len(snap.Resources))
	for _, res := range snap.Resources {
		uri := gatewayResourceURI(res.Server, res.URI)
		wantResources[uri] = resourceTarget{Server: res.Server, NativeURI: res.URI}
	}
	var removeResources []string
	for uri := range g.upstreamResource {
		if _, ok := wantResources[uri]; !ok {
			removeResources = append(removeResources, uri)
			delete(g.upstreamResource, uri)
		}
	}
	if len(removeResources) > 0 {
		g.server.RemoveResources(removeResources...)
	}
	for _, res := range snap.Resources {
		uri := gatewayResourceURI(res.Server, res.URI)
		if _, ok := g.upstreamResource[uri]; ok {
			continue
		}
		target := wantResources[uri]
		g.upstreamResource[uri] = target
		g.server.AddResource(&mcp.Resource{
			URI:         uri,
			Name:        res.Server + "__" + res.Name,
			Description: res.Description,
			MIMEType:    res.MimeType,
		}, g.makeResourceHandler(target))
	}

	wantPrompts := make(map[string]promptTarget, len(snap.Prompts))
	for _, prompt := range snap.Prompts {
		name := prompt.Server + "__" + prompt.Name
		wantPrompts[name] = promptTarget{Server: prompt.Server, NativeName: prompt.Name}
	}
	var removePrompts []string
	for name := range g.upstreamPrompt {
		if _, ok := wantPrompts[name]; !ok {
			removePrompts = append(removePrompts, name)
			delete(g.upstreamPrompt, name)
		}
	}
	if len(removePrompts) > 0 {
		g.server.RemovePrompts(removePrompts...)
	}
	for _, prompt := range snap.Prompts {
		name := prompt.Server + "__" + prompt.Name
		if _, ok := g.upstreamPrompt[name]; ok {
			continue
		}
		target := wantPrompts[name]
		g.upstreamPrompt[name] = target
		g.server.AddPrompt(&mcp.Prompt{
			Name:        name,
			Description: prompt.Description,
		}, g.makePromptHandler(target))
	}
}

func gatewayResourceURI(server, native string) string {
	return "mcp-gateway+" + server + "/resources::" + native
}

func (g *Gateway) makeResourceHandler(target resourceTarget) mcp.ResourceHandler {
	return func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		raw, err := g.manager.ReadResource(ctx, target.Server, target.NativeURI)
		if err != nil {
			return nil, err
		}
		var result mcp.ReadResourceResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, err
		}
		return &result, nil
	}
}

func (g *Gateway) makePromptHandler(target promptTarget) mcp.PromptHandler {
	return func(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		var args map[string]string
		if req.Params != nil {
			args = req.Params.Arguments
		}
		raw, err := g.manager.GetPrompt(ctx, target.Server, target.NativeName, args)
		if err != nil {
			return nil, err
		}
		var result mcp.GetPromptResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, err
		}
		return &result, nil
	}
}
