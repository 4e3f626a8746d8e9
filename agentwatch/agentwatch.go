// Package agentwatch implements the agent-definition directory watcher
// (spec §4.4): the only component that mutates the set of running agent
// workers after startup.
package agentwatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/gordonbrander/busytown/agent"
	"github.com/gordonbrander/busytown/store"
	"github.com/gordonbrander/busytown/supervisor"
)

const workerID = "agentwatch"

// EffectBuilder turns a loaded agent Definition into the closure the
// supervisor runs for matched events (wired to agent.Definition.BuildEffect
// by callers; injected here so tests can stub it out).
type EffectBuilder func(def agent.Definition) supervisor.Effect

// Watcher monitors a directory of agent-definition files non-recursively
// and reconciles the supervisor's live workers against it.
type Watcher struct {
	dir      string
	sup      *supervisor.Supervisor
	st       store.Store
	build    EffectBuilder
	debounce time.Duration
	watcher  *fsnotify.Watcher

	mu     sync.Mutex
	ops    map[string]map[string]struct{} // path -> observed coalesced-kind labels this burst
	timers map[string]*time.Timer
	seen   map[string]bool // agent id -> has a create already been emitted
}

// New creates a Watcher over dir. The directory is created if it does not
// yet exist, since a missing agent directory yields an empty agent set, not
// a failure (spec §4.4).
func New(dir string, sup *supervisor.Supervisor, st store.Store, build EffectBuilder, debounce time.Duration) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("agentwatch: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("agentwatch: new watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("agentwatch: watch %s: %w", dir, err)
	}

	return &Watcher{
		dir:      dir,
		sup:      sup,
		st:       st,
		build:    build,
		debounce: debounce,
		watcher:  w,
		ops:      make(map[string]map[string]struct{}),
		timers:   make(map[string]*time.Timer),
		seen:     make(map[string]bool),
	}, nil
}

// LoadInitial spawns a worker for every .md file already present at
// startup, each treated as a first-time-seen create.
func (w *Watcher) LoadInitial() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		log.Printf("agentwatch: read dir: %v", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		w.applyChange(filepath.Join(w.dir, e.Name()), "create")
	}
}

// Run blocks dispatching watch events until ctx is cancelled or the native
// watch handle is lost.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			w.stopAllTimers()
			return nil

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return fmt.Errorf("agentwatch: watch handle closed")
			}
			if !strings.HasSuffix(ev.Name, ".md") {
				continue
			}
			w.observe(ev)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return fmt.Errorf("agentwatch: watch handle closed")
			}
			log.Printf("agentwatch: %v", err)
		}
	}
}

func (w *Watcher) observe(ev fsnotify.Event) {
	label := opLabel(ev.Op)
	if label == "" {
		return
	}

	path := ev.Name
	w.mu.Lock()
	if w.ops[path] == nil {
		w.ops[path] = make(map[string]struct{})
	}
	w.ops[path][label] = struct{}{}
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() { w.flush(path) })
	w.mu.Unlock()
}

// opLabel maps a raw fsnotify op to one of "create", "remove", "modify" (or
// "" to ignore, e.g. a bare chmod).
func opLabel(op fsnotify.Op) string {
	switch {
	case op&fsnotify.Create != 0:
		return "create"
	case op&fsnotify.Remove != 0:
		return "remove"
	case op&(fsnotify.Write|fsnotify.Rename|fsnotify.Chmod) != 0:
		return "modify"
	default:
		return ""
	}
}

func (w *Watcher) flush(path string) {
	w.mu.Lock()
	labels := w.ops[path]
	delete(w.ops, path)
	delete(w.timers, path)
	w.mu.Unlock()
	if len(labels) == 0 {
		return
	}
	w.applyChange(path, coalesce(labels))
}

// coalesce implements spec §4.4's observed-set projection table.
func coalesce(labels map[string]struct{}) string {
	if _, ok := labels["create"]; ok {
		return "create"
	}
	if len(labels) == 1 {
		if _, ok := labels["remove"]; ok {
			return "remove"
		}
	}
	return "modify"
}

func (w *Watcher) applyChange(path, kind string) {
	id := agent.DeriveID(path)

	if kind == "remove" {
		w.removeAgent(id)
		return
	}

	def, err := agent.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			w.removeAgent(id)
			return
		}
		w.emitError(id, path, err)
		return
	}
	w.reloadAgent(def)
}

func (w *Watcher) reloadAgent(def agent.Definition) {
	w.sup.Kill(def.ID) // no-op if absent

	worker := supervisor.Worker{
		ID:         def.ID,
		Listen:     def.Listen,
		IgnoreSelf: def.IgnoreSelf,
		Effect:     w.build(def),
	}
	if err := w.sup.Spawn(worker); err != nil {
		w.emitError(def.ID, def.Path, err)
		return
	}

	w.mu.Lock()
	firstTime := !w.seen[def.ID]
	w.seen[def.ID] = true
	w.mu.Unlock()

	typ := "sys.agent.reload"
	if firstTime {
		typ = "sys.agent.create"
	}
	payload, _ := json.Marshal(map[string]string{"agent_id": def.ID, "path": def.Path})
	w.push(typ, payload)
}

func (w *Watcher) removeAgent(id string) {
	w.sup.Kill(id)

	w.mu.Lock()
	delete(w.seen, id)
	w.mu.Unlock()

	payload, _ := json.Marshal(map[string]string{"agent_id": id})
	w.push("sys.agent.remove", payload)
}

func (w *Watcher) emitError(id, path string, err error) {
	payload, _ := json.Marshal(map[string]string{"agent_id": id, "path": path, "error": err.Error()})
	w.push("sys.agent.error", payload)
}

func (w *Watcher) push(typ string, payload json.RawMessage) {
	if _, err := w.st.Push(context.Background(), workerID, typ, payload); err != nil {
		log.Printf("agentwatch: push %s: %v", typ, err)
	}
}

func (w *Watcher) stopAllTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, t := range w.timers {
		t.Stop()
	}
}
