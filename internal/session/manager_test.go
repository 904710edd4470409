package session

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/mcpgateway/mcp-gateway/internal/config"
)

// fakeServerScript is a minimal shell downstream: it answers the initialize
// handshake (request id 1), swallows the initialized notification, answers
// tools/list (request id 2), then idles.
const fakeServerScript = `read -r _
printf '%s\n' '{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":"2024-11-05","capabilities":{"tools":{}},"serverInfo":{"name":"hello-server","version":"1.0"}}}'
read -r _
read -r _
printf '%s\n' '{"jsonrpc":"2.0","id":2,"result":{"tools":[{"name":"hello","description":"Say hello to someone.","inputSchema":{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}}]}}'
while read -r _; do :; done`

func shellSpec(name string) config.ServerSpec {
	return config.ServerSpec{
		Name:    name,
		Command: "/bin/sh",
		Args:    []string{"-c", fakeServerScript},
		Source:  config.SourceProject,
	}
}

func brokenSpec(name string) config.ServerSpec {
	return config.ServerSpec{
		Name:    name,
		Command: "/nonexistent-mcp-server-binary",
		Source:  config.SourceProject,
	}
}

func fastBackoff(t *testing.T) {
	t.Helper()
	old := retryBackoff
	retryBackoff = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	t.Cleanup(func() { retryBackoff = old })
}

func TestStartAllIsolatesFailures(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	fastBackoff(t)

	m := NewManager(testLogger(), nil)
	t.Cleanup(m.CloseAll)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := m.StartAll(ctx, []config.ServerSpec{shellSpec("a"), brokenSpec("b")})
	if err == nil {
		t.Fatal("expected joined error for failed server")
	}

	a, _ := m.Get("a")
	if a == nil || a.State() != StateReady {
		t.Fatalf("server a should be ready, got %v", a)
	}
	b, _ := m.Get("b")
	if b == nil || b.State() != StateFailed {
		t.Fatalf("server b should be failed, got %v", b)
	}

	statuses := m.Statuses()
	if len(statuses) != 2 || statuses[0].Name != "a" || statuses[1].Name != "b" {
		t.Fatalf("statuses not in name order: %+v", statuses)
	}
	if statuses[1].LastError == "" {
		t.Fatal("failed server should carry last error")
	}
}

func TestFetchInventoriesAggregates(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	fastBackoff(t)

	m := NewManager(testLogger(), nil)
	t.Cleanup(m.CloseAll)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = m.StartAll(ctx, []config.ServerSpec{shellSpec("a"), brokenSpec("b")})

	inventories := m.FetchInventories(ctx)
	if len(inventories) != 2 {
		t.Fatalf("expected 2 inventories, got %d", len(inventories))
	}
	byServer := make(map[string]Inventory)
	for _, inv := range inventories {
		byServer[inv.Server] = inv
	}
	if got := byServer["a"]; len(got.Tools) != 1 || got.Tools[0].Name != "hello" {
		t.Fatalf("server a inventory = %+v", got)
	}
	if got := byServer["b"]; len(got.Tools) != 0 || got.State != StateFailed {
		t.Fatalf("failed server should contribute nothing: %+v", got)
	}
}

func TestRefreshDiff(t *testing.T) {
	fastBackoff(t)

	m := NewManager(testLogger(), nil)
	t.Cleanup(m.CloseAll)

	keep := New(config.ServerSpec{Name: "keep", Command: "cmd"}, testLogger(), nil)
	keep.state = StateReady
	gone := New(config.ServerSpec{Name: "gone", Command: "cmd"}, testLogger(), nil)
	gone.state = StateReady
	changed := New(config.ServerSpec{Name: "changed", Command: "cmd"}, testLogger(), nil)
	changed.state = StateReady
	m.sessions["keep"] = keep
	m.sessions["gone"] = gone
	m.sessions["changed"] = changed

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	result := m.Refresh(ctx, []config.ServerSpec{
		{Name: "keep", Command: "cmd"},
		{Name: "changed", Command: "other-cmd"},
		brokenSpec("added"),
	}, false, "")

	if len(result.Unchanged) != 1 || result.Unchanged[0] != "keep" {
		t.Fatalf("unchanged = %v", result.Unchanged)
	}
	if len(result.Closed) != 1 || result.Closed[0] != "gone" {
		t.Fatalf("closed = %v", result.Closed)
	}
	if len(result.Restarted) != 1 || result.Restarted[0] != "changed" {
		t.Fatalf("restarted = %v", result.Restarted)
	}
	if len(result.Started) != 1 || result.Started[0] != "added" {
		t.Fatalf("started = %v", result.Started)
	}
	if len(result.Errors) == 0 {
		t.Fatal("broken added server should surface a refresh error")
	}

	// Unchanged sessions keep their identity: in-flight work is untouched.
	if current, _ := m.Get("keep"); current != keep {
		t.Fatal("unchanged session was replaced")
	}
	if gone.State() != StateClosed {
		t.Fatal("removed session should be closed")
	}
	if _, ok := m.Get("gone"); ok {
		t.Fatal("removed session still registered")
	}
}

func TestRefreshScopedToServer(t *testing.T) {
	fastBackoff(t)

	m := NewManager(testLogger(), nil)
	t.Cleanup(m.CloseAll)

	a := New(config.ServerSpec{Name: "a", Command: "cmd"}, testLogger(), nil)
	a.state = StateReady
	b := New(config.ServerSpec{Name: "b", Command: "cmd"}, testLogger(), nil)
	b.state = StateReady
	m.sessions["a"] = a
	m.sessions["b"] = b

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	result := m.Refresh(ctx, []config.ServerSpec{
		{Name: "a", Command: "cmd"},
		{Name: "b", Command: "cmd"},
	}, true, "a")

	if len(result.Restarted) != 1 || result.Restarted[0] != "a" {
		t.Fatalf("scoped force refresh should restart only a: %+v", result)
	}
	if current, _ := m.Get("b"); current != b || b.State() != StateReady {
		t.Fatal("out-of-scope session must be untouched")
	}
}

func TestManagerCancelRouting(t *testing.T) {
	m := NewManager(testLogger(), nil)
	if err := m.Cancel("nope::1", false); err == nil {
		t.Fatal("cancel for unknown server should fail")
	}
	if err := m.Cancel("garbage", false); err == nil {
		t.Fatal("cancel with malformed id should fail")
	}
}
