// Package fswatch implements the filesystem-change publisher (spec §4.3):
// it watches one or more directories recursively and republishes native
// filesystem notifications as events under worker id "fs", after exclude
// filtering and burst debouncing.
package fswatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/gordonbrander/busytown/store"
)

const workerID = "fs"

// Publisher watches roots and pushes coalesced file.* events to st.
type Publisher struct {
	st       store.Store
	watcher  *fsnotify.Watcher
	roots    []string
	excludes []string
	debounce time.Duration

	mu       sync.Mutex
	batch    map[string]struct{}
	lastType string
	timer    *time.Timer
}

// New creates a Publisher watching roots recursively, dropping any change
// whose path relative to its root matches one of excludes (glob syntax,
// "**" meaning any number of path segments).
func New(st store.Store, roots []string, excludes []string, debounce time.Duration) (*Publisher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fswatch: new watcher: %w", err)
	}

	absRoots := make([]string, 0, len(roots))
	for _, r := range roots {
		abs, err := filepath.Abs(r)
		if err != nil {
			w.Close()
			return nil, fmt.Errorf("fswatch: abs %s: %w", r, err)
		}
		absRoots = append(absRoots, abs)
	}

	p := &Publisher{
		st:       st,
		watcher:  w,
		roots:    absRoots,
		excludes: excludes,
		debounce: debounce,
		batch:    make(map[string]struct{}),
	}

	for _, root := range absRoots {
		if err := p.addTree(root); err != nil {
			w.Close()
			return nil, fmt.Errorf("fswatch: watch %s: %w", root, err)
		}
	}
	return p, nil
}

// addTree walks root and registers a watch on every non-excluded directory.
func (p *Publisher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p.excluded(path) {
			return filepath.SkipDir
		}
		return p.watcher.Add(path)
	})
}

func (p *Publisher) excluded(path string) bool {
	rel := p.relative(path)
	for _, pattern := range p.excludes {
		if matchGlob(pattern, rel) {
			return true
		}
	}
	return false
}

// relative returns path relative to whichever watched root contains it,
// using forward slashes regardless of platform.
func (p *Publisher) relative(path string) string {
	for _, root := range p.roots {
		if rel, err := filepath.Rel(root, path); err == nil && !strings.HasPrefix(rel, "..") {
			return filepath.ToSlash(rel)
		}
	}
	return filepath.ToSlash(path)
}

// Run blocks, dispatching filesystem events until ctx is cancelled or the
// native watch handle is lost. A lost handle is reported as an error so the
// runtime can treat it as a signal to shut down (spec §4.3 "its own close
// signals the supervisor runtime to stop").
func (p *Publisher) Run(ctx context.Context) error {
	defer p.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			p.stopTimer()
			return nil

		case ev, ok := <-p.watcher.Events:
			if !ok {
				return fmt.Errorf("fswatch: watch handle closed")
			}
			p.handle(ev)

		case err, ok := <-p.watcher.Errors:
			if !ok {
				return fmt.Errorf("fswatch: watch handle closed")
			}
			log.Printf("fswatch: %v", err)
		}
	}
}

func (p *Publisher) handle(ev fsnotify.Event) {
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if !p.excluded(ev.Name) {
				p.addTree(ev.Name)
			}
		}
	}

	if p.excluded(ev.Name) {
		return
	}

	typ := nativeType(ev.Op)
	if typ == "" {
		return
	}

	rel := p.relative(ev.Name)

	p.mu.Lock()
	p.batch[rel] = struct{}{}
	p.lastType = typ
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(p.debounce, p.flush)
	p.mu.Unlock()
}

// nativeType maps an fsnotify op to the emitted event type (spec §4.3
// table). Chmod-only events carry no corresponding row and are ignored.
func nativeType(op fsnotify.Op) string {
	switch {
	case op&fsnotify.Create != 0:
		return "file.create"
	case op&fsnotify.Remove != 0:
		return "file.delete"
	case op&fsnotify.Rename != 0:
		return "file.rename"
	case op&fsnotify.Write != 0:
		return "file.modify"
	default:
		return ""
	}
}

// flush emits the accumulated batch as a single event once a burst has
// quieted for the debounce window (spec §4.3: "a burst ends when no new
// change arrives within the window").
func (p *Publisher) flush() {
	p.mu.Lock()
	if len(p.batch) == 0 {
		p.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(p.batch))
	for rel := range p.batch {
		paths = append(paths, rel)
	}
	typ := p.lastType
	p.batch = make(map[string]struct{})
	p.timer = nil
	p.mu.Unlock()

	sort.Strings(paths)
	payload, _ := json.Marshal(map[string]any{"paths": paths})
	if _, err := p.st.Push(context.Background(), workerID, typ, payload); err != nil {
		log.Printf("fswatch: push: %v", err)
	}
}

func (p *Publisher) stopTimer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
	}
}
