package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestLoadCustomPath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeConfig(t, dir, "servers.json", `{
		"mcpServers": {
			"github": {"command": "npx", "args": ["-y", "@modelcontextprotocol/server-github"], "env": {"TOKEN": "${GITHUB_TOKEN}"}},
			"files": {"command": "mcp-files", "cwd": "/tmp"}
		}
	}`)

	specs, err := Load(Options{CustomPath: path})
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("expected 2 specs, got %d", len(specs))
	}
	if specs[0].Name != "files" || specs[1].Name != "github" {
		t.Fatalf("specs not sorted by name: %v, %v", specs[0].Name, specs[1].Name)
	}
	if specs[1].Source != SourceCustom {
		t.Fatalf("expected custom source, got %s", specs[1].Source)
	}
	if specs[1].Args[1] != "@modelcontextprotocol/server-github" {
		t.Fatalf("args not preserved: %v", specs[1].Args)
	}
}

func TestLoadProjectOverridesUser(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	writeConfig(t, home, ".mcp.json", `{
		"mcpServers": {
			"shared": {"command": "user-cmd"},
			"user-only": {"command": "user-only-cmd"}
		}
	}`)

	project := t.TempDir()
	writeConfig(t, project, ".mcp.json", `{
		"mcpServers": {
			"shared": {"command": "project-cmd"}
		}
	}`)

	specs, err := Load(Options{ProjectRoot: project})
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	byName := make(map[string]ServerSpec)
	for _, s := range specs {
		byName[s.Name] = s
	}
	if got := byName["shared"]; got.Command != "project-cmd" || got.Source != SourceProject {
		t.Fatalf("project should win on collision, got %+v", got)
	}
	if got := byName["user-only"]; got.Command != "user-only-cmd" || got.Source != SourceUser {
		t.Fatalf("user-only spec missing or wrong: %+v", got)
	}
}

func TestLoadRejectsMalformed(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for name, contents := range map[string]string{
		"broken.json":   `{"mcpServers": {`,
		"no-cmd.json":   `{"mcpServers": {"x": {"args": ["a"]}}}`,
		"bad-name.json": `{"mcpServers": {"a::b": {"command": "c"}}}`,
	} {
		path := writeConfig(t, dir, name, contents)
		if _, err := Load(Options{CustomPath: path}); !errors.Is(err, ErrInvalid) {
			t.Errorf("%s: expected ErrInvalid, got %v", name, err)
		}
	}
}

func TestResolveEnvExpandsReferences(t *testing.T) {
	t.Setenv("CONFIG_TEST_SECRET", "hunter2")

	spec := ServerSpec{
		Name:    "s",
		Command: "cmd",
		Env: map[string]string{
			"API_KEY": "${CONFIG_TEST_SECRET}",
			"PLAIN":   "value",
			"MISSING": "${CONFIG_TEST_UNSET_VAR}",
		},
	}

	env := spec.ResolveEnv()
	want := map[string]string{
		"API_KEY": "hunter2",
		"PLAIN":   "value",
		"MISSING": "${CONFIG_TEST_UNSET_VAR}",
	}
	for k, v := range want {
		found := false
		for _, entry := range env {
			if entry == k+"="+v {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("expected %s=%s in resolved env", k, v)
		}
	}
}

func TestSpecEqual(t *testing.T) {
	t.Parallel()

	base := ServerSpec{Name: "a", Command: "c", Args: []string{"x"}, Env: map[string]string{"K": "V"}}
	same := ServerSpec{Name: "a", Command: "c", Args: []string{"x"}, Env: map[string]string{"K": "V"}, Source: SourceProject}
	if !base.Equal(same) {
		t.Fatal("specs differing only in source should be equal")
	}
	changed := same
	changed.Args = []string{"y"}
	if base.Equal(changed) {
		t.Fatal("arg change should break equality")
	}
}
