package manifest

import (
	"os/exec"
	"runtime"
)

// CLIProbe reports whether one command-line tool from the manifest probe
// list is installed.
type CLIProbe struct {
	Name  string `json:"name"`
	Found bool   `json:"found"`
	Path  string `json:"path,omitempty"`
}

// Environment describes the host platform for sync_environment.
type Environment struct {
	OS   string     `json:"os"`
	Arch string     `json:"arch"`
	CLIs []CLIProbe `json:"clis"`
}

// DetectEnvironment probes the host for the manifest's CLI list.
func (m *Manifest) DetectEnvironment() Environment {
	env := Environment{OS: runtime.GOOS, Arch: runtime.GOARCH}
	for _, name := range m.ProbeCLIs() {
		probe := CLIProbe{Name: name}
		if path, err := exec.LookPath(name); err == nil {
			probe.Found = true
			probe.Path = path
		}
		env.CLIs = append(env.CLIs, probe)
	}
	return env
}
