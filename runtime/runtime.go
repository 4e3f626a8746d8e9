// Package runtime wires the store, the supervisor, the filesystem
// publisher, and the agent watcher into one value bound to a single
// process lifetime (spec §5 ADDED, §9 design note on global mutable
// state): there is no package-level singleton.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/gordonbrander/busytown/agent"
	"github.com/gordonbrander/busytown/agentwatch"
	"github.com/gordonbrander/busytown/config"
	"github.com/gordonbrander/busytown/fswatch"
	"github.com/gordonbrander/busytown/store"
	"github.com/gordonbrander/busytown/store/sqlite"
	"github.com/gordonbrander/busytown/supervisor"
	"github.com/gordonbrander/busytown/tail"
)

const lifecycleWorkerID = "sys"

// Info is ambient diagnostic data about one process instance. It is not
// stored as a whole; only InstanceID is written, in the payload of the
// sys.lifecycle.* events.
type Info struct {
	InstanceID string
	StartedAt  time.Time
	StorePath  string
	ConfDir    string
}

// Runtime binds A–G for one process lifetime.
type Runtime struct {
	Info Info

	store *sqlite.DB
	sup   *supervisor.Supervisor
	fs    []*fswatch.Publisher
	aw    *agentwatch.Watcher
	ws    *tail.Server

	agentCLI  string
	eventsCLI string
}

// Open wires the store, supervisor, filesystem publisher(s), and agent
// watcher per cfg. eventsCLI is this binary's own path, handed to every
// interactive-subprocess agent (the cfg.AgentCLI subprocess, through its
// BUSYTOWN_EVENTS_CLI environment variable) so it can call back into the
// log with "events push".
func Open(confDir string, cfg config.Data, eventsCLI string) (*Runtime, error) {
	storePath := filepath.Join(confDir, "events.db")
	db, err := sqlite.Open(storePath)
	if err != nil {
		return nil, fmt.Errorf("runtime: open store: %w", err)
	}

	pollInterval, err := time.ParseDuration(cfg.PollInterval)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("runtime: poll_interval: %w", err)
	}
	sup := supervisor.New(db, pollInterval)

	fsDebounce, err := time.ParseDuration(cfg.FSDebounce)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("runtime: fs_debounce: %w", err)
	}

	// The store file itself is excluded by default so writes to it never
	// feed back into the filesystem publisher (spec §9 open question).
	excludes := append([]string{storeExcludePattern(confDir, storePath)}, cfg.FSExcludes...)

	var publishers []*fswatch.Publisher
	if len(cfg.WatchPaths) > 0 {
		pub, err := fswatch.New(db, cfg.WatchPaths, excludes, fsDebounce)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("runtime: fswatch: %w", err)
		}
		publishers = append(publishers, pub)
	}

	agentDebounce, err := time.ParseDuration(cfg.AgentDebounce)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("runtime: agent_debounce: %w", err)
	}
	agentDir := cfg.AgentDir
	if agentDir == "" {
		agentDir = filepath.Join(confDir, "agents")
	}

	rt := &Runtime{
		Info: Info{
			InstanceID: uuid.NewString(),
			StartedAt:  time.Now(),
			StorePath:  storePath,
			ConfDir:    confDir,
		},
		store:     db,
		sup:       sup,
		fs:        publishers,
		agentCLI:  cfg.AgentCLI,
		eventsCLI: eventsCLI,
	}

	aw, err := agentwatch.New(agentDir, sup, db, rt.buildEffect, agentDebounce)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("runtime: agentwatch: %w", err)
	}
	rt.aw = aw

	if cfg.HTTPAddr != "" {
		rt.ws = tail.New(db, cfg.HTTPAddr)
	}

	return rt, nil
}

func (rt *Runtime) buildEffect(def agent.Definition) supervisor.Effect {
	return def.BuildEffect(rt.agentCLI, rt.eventsCLI)
}

// storeExcludePattern returns the store file's path relative to confDir, so
// a watch root covering confDir still observes sibling files (spec §9:
// "exclude the store file's exact relative path, not its whole containing
// directory").
func storeExcludePattern(confDir, storePath string) string {
	rel, err := filepath.Rel(confDir, storePath)
	if err != nil {
		return filepath.Base(storePath)
	}
	return filepath.ToSlash(rel)
}

// Store exposes the bound store handle, e.g. for an embedding caller that
// wants to push events directly rather than through the CLI.
func (rt *Runtime) Store() store.Store { return rt.store }

// Supervisor exposes the bound supervisor.
func (rt *Runtime) Supervisor() *supervisor.Supervisor { return rt.sup }

// Run loads the initial agent set, starts every watcher, and blocks until
// ctx is cancelled, a SIGINT/SIGTERM arrives, or a watcher reports its
// native handle lost — then performs the graceful shutdown sequence: stop
// the supervisor (awaiting in-flight effects), push sys.lifecycle.finish,
// close the store.
func (rt *Runtime) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	rt.pushLifecycle("sys.lifecycle.start")
	rt.aw.LoadInitial()

	var wg sync.WaitGroup
	errCh := make(chan error, 1+len(rt.fs))

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := rt.aw.Run(ctx); err != nil {
			reportErr(errCh, err)
		}
	}()

	for _, pub := range rt.fs {
		pub := pub
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := pub.Run(ctx); err != nil {
				log.Printf("runtime: fswatch: %v", err)
				reportErr(errCh, err)
			}
		}()
	}

	if rt.ws != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rt.ws.Run(ctx); err != nil {
				log.Printf("runtime: tail: %v", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
	case <-sigCh:
		log.Println("runtime: signal received, shutting down")
	case err := <-errCh:
		log.Printf("runtime: watcher error, shutting down: %v", err)
	}

	cancel()
	wg.Wait()

	rt.sup.Stop()
	rt.pushLifecycle("sys.lifecycle.finish")
	return rt.store.Close()
}

func reportErr(errCh chan<- error, err error) {
	select {
	case errCh <- err:
	default:
	}
}

func (rt *Runtime) pushLifecycle(typ string) {
	payload, _ := json.Marshal(map[string]string{"instance_id": rt.Info.InstanceID})
	if _, err := rt.store.Push(context.Background(), lifecycleWorkerID, typ, payload); err != nil {
		log.Printf("runtime: push %s: %v", typ, err)
	}
}
