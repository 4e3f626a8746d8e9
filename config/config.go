// Package config manages the runtime's disk-backed configuration: poll
// intervals, debounce windows, and the paths the watchers cover.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// Data holds the serialisable runtime configuration.
type Data struct {
	// PollInterval is how long an idle worker's dispatch loop sleeps
	// between queue checks (spec §4.2 step 3).
	PollInterval string `json:"poll_interval"`

	// FSDebounce is the minimum burst-quiet window before the filesystem
	// publisher coalesces and emits (spec §4.3; must be >= 200ms).
	FSDebounce string `json:"fs_debounce"`

	// AgentDebounce is the minimum burst-quiet window before the agent
	// watcher coalesces and reloads (spec §4.4; must be >= 300ms).
	AgentDebounce string `json:"agent_debounce"`

	// FSExcludes are glob patterns (** meaning any number of path
	// segments) applied to paths relative to each watched root.
	FSExcludes []string `json:"fs_excludes"`

	// WatchPaths are the directories the filesystem publisher watches.
	WatchPaths []string `json:"watch_paths"`

	// AgentDir is the directory the agent loader/watcher covers.
	AgentDir string `json:"agent_dir"`

	// HTTPAddr, if non-empty, exposes the optional live-tail WebSocket
	// endpoint (spec §6 ADDED external sink).
	HTTPAddr string `json:"http_addr"`

	// AgentCLI is the external subprocess runtime an interactive-subprocess
	// agent execs (spec §1 "out of scope: the specific subprocess runtime
	// an agent invokes, e.g. an LLM CLI"). This binary is not this
	// program — it is handed BUSYTOWN_EVENTS_CLI in its environment so it
	// can call back into the log with "events push".
	AgentCLI string `json:"agent_cli"`
}

// Global is a thread-safe, disk-backed wrapper around Data.
type Global struct {
	mu      sync.RWMutex
	data    Data
	confDir string
}

// Load reads config.json from confDir, filling in defaults for any missing
// fields. Creates confDir if it does not exist.
func Load(confDir string) (*Global, error) {
	if err := os.MkdirAll(confDir, 0o755); err != nil {
		return nil, err
	}

	g := &Global{confDir: confDir, data: Defaults()}

	raw, err := os.ReadFile(filepath.Join(confDir, "config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return g, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(raw, &g.data); err != nil {
		return nil, err
	}
	return g, nil
}

// Defaults returns the baseline configuration applied before config.json is
// overlaid on top of it.
func Defaults() Data {
	return Data{
		PollInterval:  "150ms",
		FSDebounce:    "200ms",
		AgentDebounce: "300ms",
		FSExcludes:    []string{"**/.git/**"},
		AgentCLI:      "claude",
	}
}

// Get returns a copy of the current configuration.
func (g *Global) Get() Data {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.data
}

// Set replaces the current configuration and persists it to disk.
func (g *Global) Set(d Data) error {
	g.mu.Lock()
	g.data = d
	g.mu.Unlock()
	return g.save()
}

func (g *Global) save() error {
	g.mu.RLock()
	raw, err := json.MarshalIndent(g.data, "", "  ")
	g.mu.RUnlock()
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(g.confDir, "config.json"), raw, 0o644)
}
