// Package manifest holds the static catalog of provisionable MCP servers:
// install recipes, environment requirements, and capability tags. The
// built-in catalog is embedded; an override file extends or replaces entries.
package manifest

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed manifest.yaml
var builtinManifest []byte

// ErrUnknownServer is returned when a provision target is not in the
// manifest.
var ErrUnknownServer = errors.New("server not in manifest")

// EnvRequirement describes an environment variable a server needs at launch.
type EnvRequirement struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Secret      bool   `yaml:"secret"`
	Optional    bool   `yaml:"optional"`
}

// Entry is one provisionable server: how to install it and what it needs.
type Entry struct {
	Name        string           `yaml:"name"`
	Description string           `yaml:"description"`
	Tags        []string         `yaml:"tags"`
	Install     [][]string       `yaml:"install"`
	Command     string           `yaml:"command"`
	Args        []string         `yaml:"args"`
	Env         []EnvRequirement `yaml:"env"`
}

// RequiresAPIKey reports whether the entry needs at least one secret
// environment variable.
func (e Entry) RequiresAPIKey() bool {
	for _, req := range e.Env {
		if req.Secret && !req.Optional {
			return true
		}
	}
	return false
}

// MissingEnv lists required variables absent from the environment overlay
// and the process environment.
func (e Entry) MissingEnv(overlay map[string]string) []string {
	var missing []string
	for _, req := range e.Env {
		if req.Optional {
			continue
		}
		if _, ok := overlay[req.Name]; ok {
			continue
		}
		if _, ok := os.LookupEnv(req.Name); !ok {
			missing = append(missing, req.Name)
		}
	}
	return missing
}

type manifestFile struct {
	Servers   []Entry  `yaml:"servers"`
	ProbeCLIs []string `yaml:"probe_clis"`
}

// Manifest is the loaded catalog.
type Manifest struct {
	entries   map[string]Entry
	probeCLIs []string
}

// Load parses the embedded catalog, then overlays entries from path when it
// exists. Override entries replace built-ins with the same name.
func Load(path string) (*Manifest, error) {
	m, err := parse(builtinManifest)
	if err != nil {
		return nil, fmt.Errorf("builtin manifest: %w", err)
	}
	if path == "" {
		return m, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	override, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	for name, entry := range override.entries {
		m.entries[name] = entry
	}
	if len(override.probeCLIs) > 0 {
		m.probeCLIs = override.probeCLIs
	}
	return m, nil
}

func parse(data []byte) (*Manifest, error) {
	var file manifestFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	m := &Manifest{entries: make(map[string]Entry, len(file.Servers)), probeCLIs: file.ProbeCLIs}
	for _, entry := range file.Servers {
		if entry.Name == "" || entry.Command == "" {
			return nil, fmt.Errorf("manifest entry missing name or command: %+v", entry)
		}
		m.entries[entry.Name] = entry
	}
	return m, nil
}

// Get looks an entry up by name.
func (m *Manifest) Get(name string) (Entry, error) {
	entry, ok := m.entries[name]
	if !ok {
		return Entry{}, fmt.Errorf("%q: %w", name, ErrUnknownServer)
	}
	return entry, nil
}

// Entries returns every entry in stable name order.
func (m *Manifest) Entries() []Entry {
	entries := make([]Entry, 0, len(m.entries))
	for _, entry := range m.entries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

// ProbeCLIs returns the CLI names sync_environment should look for.
func (m *Manifest) ProbeCLIs() []string {
	return append([]string(nil), m.probeCLIs...)
}
