// Package agents detects agent CLIs installed on a runner host so they can be
// advertised as capability tags.
package agents

import (
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// Agent is an agent CLI found on this host.
type Agent struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Tag     string `json:"tag"`
	Path    string `json:"path,omitempty"`
	Version string `json:"version,omitempty"`
}

// probe describes how to find one agent.
type probe struct {
	id       string
	name     string
	binaries []string
	// dirs are home-relative directories whose presence also counts.
	dirs        []string
	versionFlag string
}

var probes = []probe{
	{id: "claude-code", name: "Claude Code", binaries: []string{"claude"}, dirs: []string{".claude"}, versionFlag: "--version"},
	{id: "gemini", name: "Gemini CLI", binaries: []string{"gemini"}, dirs: []string{".gemini"}},
	{id: "codex", name: "Codex CLI", binaries: []string{"codex"}, versionFlag: "--version"},
	{id: "aider", name: "Aider", binaries: []string{"aider"}, versionFlag: "--version"},
	{id: "opencode", name: "OpenCode", binaries: []string{"opencode"}},
	{id: "cursor", name: "Cursor Agent", binaries: []string{"cursor-agent", "cursor"}},
	{id: "goose", name: "Goose", binaries: []string{"goose"}},
}

// Detector scans for installed agent CLIs.
type Detector struct {
	lookPath func(string) (string, error)
	stat     func(string) (os.FileInfo, error)
	version  func(path, flag string) string
	home     string
}

// NewDetector creates a detector that inspects PATH and the home directory.
func NewDetector() *Detector {
	home, _ := os.UserHomeDir()
	return &Detector{
		lookPath: exec.LookPath,
		stat:     os.Stat,
		version:  getCommandVersion,
		home:     home,
	}
}

// Scan returns the detected agents ordered by ID.
func (d *Detector) Scan() []Agent {
	var found []Agent
	for _, p := range probes {
		if a, ok := d.detect(p); ok {
			found = append(found, a)
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].ID < found[j].ID })
	return found
}

func (d *Detector) detect(p probe) (Agent, bool) {
	a := Agent{ID: p.id, Name: p.name, Tag: "agent:" + p.id}
	for _, bin := range p.binaries {
		if path, err := d.lookPath(bin); err == nil {
			a.Path = path
			if p.versionFlag != "" {
				a.Version = d.version(path, p.versionFlag)
			}
			return a, true
		}
	}
	if d.home == "" {
		return Agent{}, false
	}
	for _, dir := range p.dirs {
		path := filepath.Join(d.home, dir)
		if _, err := d.stat(path); err == nil {
			a.Path = path
			return a, true
		}
	}
	return Agent{}, false
}

// Tags returns the capability tags of the given agents.
func Tags(agents []Agent) []string {
	tags := make([]string, 0, len(agents))
	for _, a := range agents {
		tags = append(tags, a.Tag)
	}
	return tags
}

func getCommandVersion(cmd string, flag string) string {
	out, err := exec.Command(cmd, flag).Output()
	if err != nil {
		return ""
	}
	version := strings.TrimSpace(string(out))
	if idx := strings.Index(version, "\n"); idx > 0 {
		version = version[:idx]
	}
	if len(version) > 30 {
		version = version[:30]
	}
	return version
}
