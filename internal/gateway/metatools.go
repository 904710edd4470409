package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcpgateway/mcp-gateway/internal/catalog"
	"github.com/mcpgateway/mcp-gateway/internal/manifest"
	"github.com/mcpgateway/mcp-gateway/internal/session"
)

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 50
)

// Envelope is the JSON shape every meta-tool returns.
type Envelope struct {
	OK              bool            `json:"ok"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           *ErrorInfo      `json:"error,omitempty"`
	Truncated       bool            `json:"truncated,omitempty"`
	RawSizeEstimate int             `json:"raw_size_estimate,omitempty"`
}

// ErrorInfo carries a stable code plus a human-readable message.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// respond shapes a successful result: serialize, redact, cap, wrap.
func (g *Gateway) respond(result any) *mcp.CallToolResult {
	raw, err := json.Marshal(result)
	if err != nil {
		g.logger.Error("marshal result failed", "error", err)
		return g.respondCode(CodeInternal, "internal gateway error")
	}
	pol := g.pol.Load()
	raw = pol.Redact(raw)
	capped, truncated, size := pol.EnforceLimits(raw)
	return envelopeContent(Envelope{
		OK:              true,
		Result:          capped,
		Truncated:       truncated,
		RawSizeEstimate: size,
	}, false)
}

// respondErr classifies an internal error into an error envelope. Internal
// errors are logged with full context but surfaced generically.
func (g *Gateway) respondErr(op string, err error) *mcp.CallToolResult {
	code, message := classify(err)
	if code == CodeInternal {
		g.logger.Error("dispatcher error", "op", op, "error", err)
	}
	return g.respondCode(code, message)
}

func (g *Gateway) respondCode(code, message string) *mcp.CallToolResult {
	message = string(g.pol.Load().Redact([]byte(message)))
	return envelopeContent(Envelope{OK: false, Error: &ErrorInfo{Code: code, Message: message}}, true)
}

func envelopeContent(env Envelope, isError bool) *mcp.CallToolResult {
	data, err := json.Marshal(env)
	if err != nil {
		data = []byte(`{"ok":false,"error":{"code":"Internal","message":"internal gateway error"}}`)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		IsError: isError,
	}
}

type catalogSearchArgs struct {
	Query string `json:"query,omitempty" jsonschema:"Free-text query matched against tool names, descriptions, and tags. Empty lists everything."`
	Limit int    `json:"limit,omitempty" jsonschema:"Maximum number of cards to return (1-50, default 20)."`
}

type describeArgs struct {
	ToolID string `json:"tool_id" jsonschema:"Tool identifier in the form server::tool_name."`
}

type invokeArgs struct {
	ToolID    string         `json:"tool_id" jsonschema:"Tool identifier in the form server::tool_name."`
	Arguments map[string]any `json:"arguments,omitempty" jsonschema:"Arguments matching the tool's input schema."`
}

type refreshArgs struct {
	Server string `json:"server,omitempty" jsonschema:"Limit the refresh to one server."`
	Force  bool   `json:"force,omitempty" jsonschema:"Restart sessions even when their config is unchanged."`
}

type emptyArgs struct{}

type requestCapabilityArgs struct {
	Query     string `json:"query" jsonschema:"Natural-language description of the needed capability."`
	PreferCLI bool   `json:"prefer_cli,omitempty" jsonschema:"Prefer a locally installed CLI over provisioning a server."`
}

type provisionArgs struct {
	ServerName string            `json:"server_name" jsonschema:"Manifest name of the server to install."`
	Env        map[string]string `json:"env,omitempty" jsonschema:"Environment overlay for the new server."`
}

type provisionStatusArgs struct {
	JobID string `json:"job_id" jsonschema:"Job identifier returned by provision."`
}

func (g *Gateway) registerMetaTools() {
	mcp.AddTool(g.server, &mcp.Tool{
		Name: "catalog_search",
		Description: "Search for tools across all connected MCP servers. Returns compact " +
			"tool cards without schemas; call describe for the full definition of one tool.",
	}, g.handleCatalogSearch)

	mcp.AddTool(g.server, &mcp.Tool{
		Name: "describe",
		Description: "Fetch the full schema for exactly one tool, including its input " +
			"schema and safety notes. Call this before invoking an unfamiliar tool.",
	}, g.handleDescribe)

	mcp.AddTool(g.server, &mcp.Tool{
		Name: "invoke",
		Description: "Invoke a downstream tool by its tool_id. Arguments are validated " +
			"against the cached schema; oversized output is truncated and secrets are redacted.",
	}, g.handleInvoke)

	mcp.AddTool(g.server, &mcp.Tool{
		Name: "refresh",
		Description: "Reload configuration and policy, reconnect changed servers, and " +
			"rebuild the tool catalog. Unchanged servers keep their in-flight calls.",
	}, g.handleRefresh)

	mcp.AddTool(g.server, &mcp.Tool{
		Name:        "health",
		Description: "Report per-server session state, tool counts, and last refresh time.",
	}, g.handleHealth)

	mcp.AddTool(g.server, &mcp.Tool{
		Name: "request_capability",
		Description: "Describe a capability in natural language and get ranked candidates: " +
			"running servers, provisionable servers from the manifest, and individual tools.",
	}, g.handleRequestCapability)

	mcp.AddTool(g.server, &mcp.Tool{
		Name:        "sync_environment",
		Description: "Report the host platform and which well-known CLI tools are installed.",
	}, g.handleSyncEnvironment)

	mcp.AddTool(g.server, &mcp.Tool{
		Name: "provision",
		Description: "Start an asynchronous install job for a server from the manifest. " +
			"Returns a job_id to poll with provision_status.",
	}, g.handleProvision)

	mcp.AddTool(g.server, &mcp.Tool{
		Name:        "provision_status",
		Description: "Report the state and progress of a provisioning job.",
	}, g.handleProvisionStatus)
}

func (g *Gateway) handleCatalogSearch(_ context.Context, _ *mcp.CallToolRequest, args catalogSearchArgs) (*mcp.CallToolResult, any, error) {
	limit := args.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	result := g.registry.Snapshot().Search(args.Query, limit)
	if result.Results == nil {
		result.Results = []catalog.ToolCard{}
	}
	return g.respond(result), nil, nil
}

// ToolSchema is the describe output: the full definition of one tool.
type ToolSchema struct {
	ToolID         string          `json:"tool_id"`
	Server         string          `json:"server"`
	ToolName       string          `json:"tool_name"`
	Description    string          `json:"description"`
	InputSchema    json.RawMessage `json:"input_schema,omitempty"`
	SafetyNotes    []string        `json:"safety_notes,omitempty"`
	InvokeTemplate invokeTemplate  `json:"invoke_template"`
}

type invokeTemplate struct {
	ToolID    string            `json:"tool_id"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

func (g *Gateway) handleDescribe(_ context.Context, _ *mcp.CallToolRequest, args describeArgs) (*mcp.CallToolResult, any, error) {
	server, _, err := catalog.ParseToolID(args.ToolID)
	if err != nil {
		return g.respondCode(CodeInvalidArgument, err.Error()), nil, nil
	}
	pol := g.pol.Load()
	if !pol.AllowsServer(server) || !pol.AllowsTool(args.ToolID) {
		return g.respondCode(CodeToolDenied, "tool "+args.ToolID+" is blocked by policy"), nil, nil
	}
	entry, ok := g.registry.Snapshot().Tool(args.ToolID)
	if !ok {
		return g.respondCode(CodeToolNotFound, "tool "+args.ToolID+" is not in the catalog"), nil, nil
	}

	schema := ToolSchema{
		ToolID:      entry.Card.ToolID,
		Server:      entry.Card.Server,
		ToolName:    entry.Card.ToolName,
		Description: entry.Description,
		InputSchema: entry.RawSchema,
		InvokeTemplate: invokeTemplate{
			ToolID:    entry.Card.ToolID,
			Arguments: argumentPlaceholders(entry),
		},
	}
	if entry.Card.RiskHint == catalog.RiskHigh {
		schema.SafetyNotes = append(schema.SafetyNotes, "This tool may modify data or have side effects.")
	}
	if entry.Card.Availability == catalog.AvailabilityOffline {
		schema.SafetyNotes = append(schema.SafetyNotes, "The owning server is currently offline; invoke may fail.")
	}
	return g.respond(schema), nil, nil
}

func argumentPlaceholders(entry *catalog.ToolEntry) map[string]string {
	if entry.Schema == nil || len(entry.Schema.Properties) == 0 {
		return nil
	}
	placeholders := make(map[string]string, len(entry.Schema.Properties))
	for name, prop := range entry.Schema.Properties {
		desc := ""
		if prop != nil {
			desc = prop.Description
		}
		if desc == "" {
			desc = "<" + name + ">"
		}
		placeholders[name] = desc
	}
	return placeholders
}

func (g *Gateway) handleInvoke(ctx context.Context, _ *mcp.CallToolRequest, args invokeArgs) (*mcp.CallToolResult, any, error) {
	server, _, err := catalog.ParseToolID(args.ToolID)
	if err != nil {
		return g.respondCode(CodeInvalidArgument, err.Error()), nil, nil
	}
	pol := g.pol.Load()
	if !pol.AllowsServer(server) || !pol.AllowsTool(args.ToolID) {
		return g.respondCode(CodeToolDenied, "tool "+args.ToolID+" is blocked by policy"), nil, nil
	}
	entry, ok := g.registry.Snapshot().Tool(args.ToolID)
	if !ok {
		return g.respondCode(CodeToolNotFound, "tool "+args.ToolID+" is not in the catalog"), nil, nil
	}

	arguments := args.Arguments
	if arguments == nil {
		arguments = map[string]any{}
	}
	validated, err := validateArguments(entry.Schema, arguments)
	if err != nil {
		return g.respondErr("invoke", err), nil, nil
	}
	encoded, err := json.Marshal(validated)
	if err != nil {
		return g.respondErr("invoke", err), nil, nil
	}

	raw, err := g.manager.CallTool(ctx, entry.Card.Server, entry.Card.ToolName, encoded, nil)
	if err != nil {
		return g.respondErr("invoke", err), nil, nil
	}
	return g.respond(json.RawMessage(raw)), nil, nil
}

func (g *Gateway) handleRefresh(ctx context.Context, _ *mcp.CallToolRequest, args refreshArgs) (*mcp.CallToolResult, any, error) {
	summary, err := g.Refresh(ctx, args.Server, args.Force)
	if err != nil {
		return g.respondErr("refresh", err), nil, nil
	}
	return g.respond(summary), nil, nil
}

// HealthReport is the health meta-tool output.
type HealthReport struct {
	Revision    string         `json:"revision"`
	RefreshedAt time.Time      `json:"last_refresh"`
	Servers     []ServerHealth `json:"servers"`
}

// ServerHealth is one server's slice of the health report.
type ServerHealth struct {
	Name              string  `json:"name"`
	State             string  `json:"state"`
	Source            string  `json:"source,omitempty"`
	LastError         string  `json:"last_error,omitempty"`
	ToolCount         int     `json:"tool_count"`
	PendingRequests   int     `json:"pending_requests"`
	AvgResponseMillis float64 `json:"avg_response_ms,omitempty"`
	LastActivity      string  `json:"last_activity,omitempty"`
}

func (g *Gateway) handleHealth(_ context.Context, _ *mcp.CallToolRequest, _ emptyArgs) (*mcp.CallToolResult, any, error) {
	return g.respond(g.HealthReport()), nil, nil
}

// HealthReport assembles the current per-server health view.
func (g *Gateway) HealthReport() HealthReport {
	snap := g.registry.Snapshot()
	report := HealthReport{
		Revision:    snap.Revision,
		RefreshedAt: time.Unix(0, g.lastRefresh.Load()),
	}
	for _, info := range g.manager.Statuses() {
		server := ServerHealth{
			Name:              info.Name,
			State:             string(info.State),
			Source:            string(info.Source),
			LastError:         info.LastError,
			ToolCount:         snap.ToolCount(info.Name),
			PendingRequests:   info.PendingCount,
			AvgResponseMillis: info.AvgResponseMillis,
		}
		if !info.LastActivity.IsZero() {
			server.LastActivity = info.LastActivity.UTC().Format(time.RFC3339)
		}
		report.Servers = append(report.Servers, server)
	}
	return report
}

// CapabilityReport is the request_capability output.
type CapabilityReport struct {
	Candidates     []manifest.Candidate `json:"candidates"`
	Recommendation string               `json:"recommendation"`
}

func (g *Gateway) handleRequestCapability(ctx context.Context, _ *mcp.CallToolRequest, args requestCapabilityArgs) (*mcp.CallToolResult, any, error) {
	if args.Query == "" {
		return g.respondCode(CodeInvalidArgument, "query is required"), nil, nil
	}

	var runningServers []string
	for _, info := range g.manager.Statuses() {
		if info.State == session.StateReady || info.State == session.StateDegraded {
			runningServers = append(runningServers, info.Name)
		}
	}
	snap := g.registry.Snapshot()
	toolCandidates := make([]manifest.Candidate, 0, len(snap.Tools))
	for _, entry := range snap.Tools {
		toolCandidates = append(toolCandidates, manifest.Candidate{
			Name:        entry.Card.ToolName,
			ToolID:      entry.Card.ToolID,
			Description: entry.Card.ShortDescription,
			Tags:        entry.Card.Tags,
		})
	}

	candidates, err := g.matcher.Match(ctx, args.Query, manifest.RunningInput{
		Servers: runningServers,
		Tools:   toolCandidates,
	})
	if err != nil {
		return g.respondErr("request_capability", err), nil, nil
	}
	report := CapabilityReport{
		Candidates:     candidates,
		Recommendation: g.recommend(candidates, args.PreferCLI),
	}
	return g.respond(report), nil, nil
}

func (g *Gateway) recommend(candidates []manifest.Candidate, preferCLI bool) string {
	if len(candidates) == 0 || candidates[0].RelevanceScore == 0 {
		return "No matching capability found. Broaden the query or add a server to the manifest."
	}
	top := candidates[0]
	if preferCLI {
		for _, probe := range g.manifest.DetectEnvironment().CLIs {
			if probe.Found && probe.Name == top.Name {
				return "A local CLI '" + probe.Name + "' is installed; prefer invoking it directly instead of provisioning a server."
			}
		}
	}
	switch top.Type {
	case manifest.CandidateTool:
		return "Tool " + top.ToolID + " is already available. Call describe then invoke."
	case manifest.CandidateServerRunning:
		return "Server '" + top.Name + "' is already running. Use catalog_search to find its tools."
	default:
		if len(top.MissingEnv) > 0 {
			return "Provision server '" + top.Name + "' after setting: " + joinComma(top.MissingEnv) + "."
		}
		return "Provision server '" + top.Name + "' with the provision tool."
	}
}

func joinComma(values []string) string {
	out := ""
	for i, v := range values {
		if i > 0 {
			out += ", "
		}
		out += v
	}
	return out
}

func (g *Gateway) handleSyncEnvironment(_ context.Context, _ *mcp.CallToolRequest, _ emptyArgs) (*mcp.CallToolResult, any, error) {
	return g.respond(g.manifest.DetectEnvironment()), nil, nil
}

func (g *Gateway) handleProvision(_ context.Context, _ *mcp.CallToolRequest, args provisionArgs) (*mcp.CallToolResult, any, error) {
	if args.ServerName == "" {
		return g.respondCode(CodeInvalidArgument, "server_name is required"), nil, nil
	}
	jobID, err := g.prov.Provision(args.ServerName, args.Env)
	if err != nil {
		return g.respondErr("provision", err), nil, nil
	}
	return g.respond(map[string]string{"job_id": jobID}), nil, nil
}

func (g *Gateway) handleProvisionStatus(_ context.Context, _ *mcp.CallToolRequest, args provisionStatusArgs) (*mcp.CallToolResult, any, error) {
	if args.JobID == "" {
		return g.respondCode(CodeInvalidArgument, "job_id is required"), nil, nil
	}
	job, err := g.prov.Status(args.JobID)
	if err != nil {
		return g.respondErr("provision_status", err), nil, nil
	}
	return g.respond(job), nil, nil
}
