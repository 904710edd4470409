package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcpgateway/mcp-gateway/internal/catalog"
	"github.com/mcpgateway/mcp-gateway/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeScript builds a shell downstream answering the fixed request sequence
// the gateway produces: initialize (1), tools/list (2), then one optional
// tools/call (3).
func fakeScript(toolsJSON, callResultJSON string) string {
	script := `read -r _
printf '%s\n' '{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":"2024-11-05","capabilities":{"tools":{}},"serverInfo":{"name":"fake","version":"1.0"}}}'
read -r _
read -r _
printf '%s\n' '{"jsonrpc":"2.0","id":2,"result":{"tools":` + toolsJSON + `}}'
`
	if callResultJSON != "" {
		script += `read -r _
printf '%s\n' '{"jsonrpc":"2.0","id":3,"result":` + callResultJSON + `}'
`
	}
	return script + "while read -r _; do :; done"
}

const helloToolsJSON = `[{"name":"hello","description":"Say hello to someone.","inputSchema":{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}}]`

func writeTestConfig(t *testing.T, servers map[string]string) string {
	t.Helper()
	type serverDoc struct {
		Command string   `json:"command"`
		Args    []string `json:"args,omitempty"`
	}
	doc := map[string]map[string]serverDoc{"mcpServers": {}}
	for name, script := range servers {
		if script == "" {
			doc["mcpServers"][name] = serverDoc{Command: "/nonexistent-mcp-server-binary"}
			continue
		}
		doc["mcpServers"][name] = serverDoc{Command: "/bin/sh", Args: []string{"-c", script}}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "mcp.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestGateway(t *testing.T, servers map[string]string, policyDoc string) *Gateway {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}

	opts := Options{
		Config: config.Options{CustomPath: writeTestConfig(t, servers)},
		Logger: testLogger(),
	}
	if policyDoc != "" {
		path := filepath.Join(t.TempDir(), "policy.yaml")
		if err := os.WriteFile(path, []byte(policyDoc), 0o600); err != nil {
			t.Fatal(err)
		}
		opts.PolicyPath = path
	}
	g, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(g.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	t.Cleanup(cancel)
	_ = g.Initialize(ctx) // per-server failures are expected in some tests
	return g
}

func decodeEnvelope(t *testing.T, res *mcp.CallToolResult) Envelope {
	t.Helper()
	if res == nil || len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	text, ok := res.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("unexpected content type %T", res.Content[0])
	}
	var env Envelope
	if err := json.Unmarshal([]byte(text.Text), &env); err != nil {
		t.Fatalf("envelope decode: %v\n%s", err, text.Text)
	}
	return env
}

func decodeResult(t *testing.T, env Envelope, target any) {
	t.Helper()
	if !env.OK {
		t.Fatalf("envelope not ok: %+v", env.Error)
	}
	if err := json.Unmarshal(env.Result, target); err != nil {
		t.Fatalf("result decode: %v\n%s", err, env.Result)
	}
}

// Two configured servers: a healthy one exposing a::hello and one that fails
// to launch. Health reports the split and the catalog contains only a::hello.
func TestStartupWithFailingServer(t *testing.T) {
	g := newTestGateway(t, map[string]string{
		"a": fakeScript(helloToolsJSON, ""),
		"b": "",
	}, "")

	report := g.HealthReport()
	states := map[string]string{}
	for _, server := range report.Servers {
		states[server.Name] = server.State
	}
	if states["a"] != "ready" || states["b"] != "failed" {
		t.Fatalf("states = %v", states)
	}

	res, _, _ := g.handleCatalogSearch(context.Background(), nil, catalogSearchArgs{})
	var search catalog.SearchResult
	decodeResult(t, decodeEnvelope(t, res), &search)
	if len(search.Results) != 1 || search.Results[0].ToolID != "a::hello" {
		t.Fatalf("catalog = %+v", search.Results)
	}
	if search.Results[0].Availability != catalog.AvailabilityOnline {
		t.Fatalf("availability = %s", search.Results[0].Availability)
	}
}

// Denied tools are invisible to search and describe returns ToolDenied.
func TestPolicyDeniedTool(t *testing.T) {
	tools := `[{"name":"delete_all","description":"Delete every record."},{"name":"read_one","description":"Read a record."}]`
	g := newTestGateway(t, map[string]string{"X": fakeScript(tools, "")}, `
tools:
  denylist: ["*::delete_*"]
`)

	res, _, _ := g.handleCatalogSearch(context.Background(), nil, catalogSearchArgs{Query: "delete"})
	var search catalog.SearchResult
	decodeResult(t, decodeEnvelope(t, res), &search)
	if len(search.Results) != 0 {
		t.Fatalf("denied tool visible: %+v", search.Results)
	}

	res, _, _ = g.handleDescribe(context.Background(), nil, describeArgs{ToolID: "X::delete_all"})
	env := decodeEnvelope(t, res)
	if env.OK || env.Error == nil || env.Error.Code != CodeToolDenied {
		t.Fatalf("describe should return ToolDenied: %+v", env)
	}

	// The surviving tool is described normally.
	res, _, _ = g.handleDescribe(context.Background(), nil, describeArgs{ToolID: "X::read_one"})
	var schema ToolSchema
	decodeResult(t, decodeEnvelope(t, res), &schema)
	if schema.ToolID != "X::read_one" {
		t.Fatalf("schema = %+v", schema)
	}
}

func TestDescribeUnknownTool(t *testing.T) {
	g := newTestGateway(t, map[string]string{"a": fakeScript(helloToolsJSON, "")}, "")

	res, _, _ := g.handleDescribe(context.Background(), nil, describeArgs{ToolID: "a::nope"})
	env := decodeEnvelope(t, res)
	if env.OK || env.Error.Code != CodeToolNotFound {
		t.Fatalf("expected ToolNotFound: %+v", env)
	}

	res, _, _ = g.handleDescribe(context.Background(), nil, describeArgs{ToolID: "not-a-tool-id"})
	if env := decodeEnvelope(t, res); env.Error == nil || env.Error.Code != CodeInvalidArgument {
		t.Fatalf("malformed id should be InvalidArgument: %+v", env)
	}
}

// Every card returned by search can be described: schema or ToolDenied,
// never ToolNotFound.
func TestSearchDescribeContract(t *testing.T) {
	g := newTestGateway(t, map[string]string{"a": fakeScript(helloToolsJSON, "")}, "")

	res, _, _ := g.handleCatalogSearch(context.Background(), nil, catalogSearchArgs{})
	var search catalog.SearchResult
	decodeResult(t, decodeEnvelope(t, res), &search)
	for _, card := range search.Results {
		res, _, _ := g.handleDescribe(context.Background(), nil, describeArgs{ToolID: card.ToolID})
		env := decodeEnvelope(t, res)
		if !env.OK && env.Error.Code == CodeToolNotFound {
			t.Fatalf("card %s described as ToolNotFound", card.ToolID)
		}
	}
}

// A 100-byte downstream result against max_output_bytes=50 yields a
// truncated envelope carrying the raw size estimate.
func TestInvokeSizeCap(t *testing.T) {
	// Exactly 100 bytes of serialized result.
	payload := `{"data":"` + strings.Repeat("x", 89) + `"}`
	if len(payload) != 100 {
		t.Fatalf("fixture drifted: %d bytes", len(payload))
	}
	g := newTestGateway(t, map[string]string{"a": fakeScript(helloToolsJSON, payload)}, `
limits:
  max_output_bytes: 50
`)

	res, _, _ := g.handleInvoke(context.Background(), nil, invokeArgs{
		ToolID:    "a::hello",
		Arguments: map[string]any{"name": "world"},
	})
	env := decodeEnvelope(t, res)
	if !env.OK {
		t.Fatalf("invoke failed: %+v", env.Error)
	}
	if !env.Truncated {
		t.Fatal("expected truncated=true")
	}
	if env.RawSizeEstimate != 100 {
		t.Fatalf("raw_size_estimate = %d, want 100", env.RawSizeEstimate)
	}
	if len(env.Result) > 50 {
		t.Fatalf("result exceeds cap: %d bytes", len(env.Result))
	}
	var doc map[string]any
	if err := json.Unmarshal(env.Result, &doc); err != nil {
		t.Fatalf("truncated result is not valid JSON: %v", err)
	}
	if _, ok := doc["_truncated_at"]; !ok {
		t.Fatal("missing _truncated_at marker")
	}
}

// Redaction patterns scrub secrets from downstream results.
func TestInvokeRedaction(t *testing.T) {
	g := newTestGateway(t, map[string]string{
		"a": fakeScript(helloToolsJSON, `{"log":"api_key=secret123"}`),
	}, `
redaction:
  patterns: ['api_key=(?P<secret>[A-Za-z0-9]+)']
`)

	res, _, _ := g.handleInvoke(context.Background(), nil, invokeArgs{
		ToolID:    "a::hello",
		Arguments: map[string]any{"name": "world"},
	})
	env := decodeEnvelope(t, res)
	if !env.OK {
		t.Fatalf("invoke failed: %+v", env.Error)
	}
	if strings.Contains(string(env.Result), "secret123") {
		t.Fatalf("secret survived redaction: %s", env.Result)
	}
	if !strings.Contains(string(env.Result), "api_key=***") {
		t.Fatalf("replacement missing: %s", env.Result)
	}
}

// Invoke validates arguments before touching the downstream.
func TestInvokeValidation(t *testing.T) {
	g := newTestGateway(t, map[string]string{"a": fakeScript(helloToolsJSON, "")}, "")

	res, _, _ := g.handleInvoke(context.Background(), nil, invokeArgs{ToolID: "a::hello"})
	env := decodeEnvelope(t, res)
	if env.OK || env.Error.Code != CodeInvalidArgument {
		t.Fatalf("missing required arg should be InvalidArgument: %+v", env)
	}
	if !strings.Contains(env.Error.Message, "name") {
		t.Fatalf("error should name the field: %q", env.Error.Message)
	}

	res, _, _ = g.handleInvoke(context.Background(), nil, invokeArgs{ToolID: "a::missing", Arguments: map[string]any{}})
	if env := decodeEnvelope(t, res); env.Error == nil || env.Error.Code != CodeToolNotFound {
		t.Fatalf("unknown tool should be ToolNotFound: %+v", env)
	}
}

// Provisioning without required environment returns ProvisionFailed naming
// the variable, and creates no job.
func TestProvisionMissingEnvEnvelope(t *testing.T) {
	manifestPath := filepath.Join(t.TempDir(), "manifest.yaml")
	err := os.WriteFile(manifestPath, []byte(`
servers:
  - name: github
    description: Needs a token.
    command: /bin/true
    env:
      - name: GATEWAY_TEST_GITHUB_TOKEN
        description: Token.
        secret: true
`), 0o600)
	if err != nil {
		t.Fatal(err)
	}

	g := newTestGatewayWithManifest(t, map[string]string{"a": fakeScript(helloToolsJSON, "")}, manifestPath)

	res, _, _ := g.handleProvision(context.Background(), nil, provisionArgs{ServerName: "github"})
	env := decodeEnvelope(t, res)
	if env.OK || env.Error.Code != CodeProvisionFailed {
		t.Fatalf("expected ProvisionFailed: %+v", env)
	}
	if !strings.Contains(env.Error.Message, "GATEWAY_TEST_GITHUB_TOKEN") {
		t.Fatalf("error should name the variable: %q", env.Error.Message)
	}

	res, _, _ = g.handleProvisionStatus(context.Background(), nil, provisionStatusArgs{JobID: "prov-bogus"})
	if env := decodeEnvelope(t, res); env.OK || env.Error.Code != CodeProvisionFailed {
		t.Fatalf("unknown job should be ProvisionFailed: %+v", env)
	}
}

func newTestGatewayWithManifest(t *testing.T, servers map[string]string, manifestPath string) *Gateway {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	g, err := New(Options{
		Config:       config.Options{CustomPath: writeTestConfig(t, servers)},
		ManifestPath: manifestPath,
		Logger:       testLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(g.Close)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	t.Cleanup(cancel)
	_ = g.Initialize(ctx)
	return g
}

func TestRequestCapabilityAndRecommendation(t *testing.T) {
	g := newTestGateway(t, map[string]string{"a": fakeScript(helloToolsJSON, "")}, "")

	res, _, _ := g.handleRequestCapability(context.Background(), nil, requestCapabilityArgs{Query: "say hello"})
	var report CapabilityReport
	decodeResult(t, decodeEnvelope(t, res), &report)
	if len(report.Candidates) == 0 || report.Recommendation == "" {
		t.Fatalf("report = %+v", report)
	}
	top := report.Candidates[0]
	if top.ToolID != "a::hello" {
		t.Fatalf("top candidate = %+v", top)
	}
	if !strings.Contains(report.Recommendation, "a::hello") {
		t.Fatalf("recommendation should point at the tool: %q", report.Recommendation)
	}

	res, _, _ = g.handleRequestCapability(context.Background(), nil, requestCapabilityArgs{})
	if env := decodeEnvelope(t, res); env.OK || env.Error.Code != CodeInvalidArgument {
		t.Fatalf("empty query should be InvalidArgument: %+v", env)
	}
}

func TestSyncEnvironment(t *testing.T) {
	g := newTestGateway(t, map[string]string{"a": fakeScript(helloToolsJSON, "")}, "")

	res, _, _ := g.handleSyncEnvironment(context.Background(), nil, emptyArgs{})
	var env struct {
		OS   string `json:"os"`
		Arch string `json:"arch"`
		CLIs []struct {
			Name  string `json:"name"`
			Found bool   `json:"found"`
		} `json:"clis"`
	}
	decodeResult(t, decodeEnvelope(t, res), &env)
	if env.OS == "" || len(env.CLIs) == 0 {
		t.Fatalf("environment report incomplete: %+v", env)
	}
}

func TestCatalogSearchLimitClamp(t *testing.T) {
	g := newTestGateway(t, map[string]string{"a": fakeScript(helloToolsJSON, "")}, "")

	res, _, _ := g.handleCatalogSearch(context.Background(), nil, catalogSearchArgs{Limit: 500})
	env := decodeEnvelope(t, res)
	if !env.OK {
		t.Fatalf("search failed: %+v", env.Error)
	}
	// One tool configured; the clamp mostly matters with large catalogs, so
	// just assert the call succeeds and stays well-formed.
	var search catalog.SearchResult
	decodeResult(t, env, &search)
	if search.TotalAvailable != 1 {
		t.Fatalf("total = %d", search.TotalAvailable)
	}
}
