// Package supervisor implements the worker supervisor: lifecycle, the
// per-worker dispatch loop, subscription matching, cooperative
// cancellation, and lifecycle event emission (spec §4.2).
//
// The live-worker table and its cancellation tokens are owned by a single
// *Supervisor value passed explicitly by callers — there is no
// package-level singleton (spec §9 design note on global mutable state).
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/gordonbrander/busytown/match"
	"github.com/gordonbrander/busytown/store"
)

// Effect is the user-supplied work run for a matched event. The core places
// no timeout on it; ctx is the only cancellation channel, and the effect is
// responsible for honoring it promptly.
type Effect func(ctx context.Context, event store.Event) error

// Worker is the declarative definition of one dispatch loop.
type Worker struct {
	ID         string
	Listen     []string
	IgnoreSelf bool
	// Hidden suppresses this worker's sys.worker.<id>.* lifecycle events
	// (used for internal sinks).
	Hidden bool
	Effect Effect
}

// Supervisor owns the process-wide table of live workers.
type Supervisor struct {
	st           store.Store
	pollInterval time.Duration

	sysCtx    context.Context
	sysCancel context.CancelFunc

	mu      sync.RWMutex
	workers map[string]*liveWorker
}

type liveWorker struct {
	def    Worker
	cancel context.CancelFunc
	done   chan struct{} // closed when the dispatch loop returns
}

// New creates a Supervisor bound to st. pollInterval is the inter-poll sleep
// used by idle dispatch loops (spec §4.2 step 3).
func New(st store.Store, pollInterval time.Duration) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		st:           st,
		pollInterval: pollInterval,
		sysCtx:       ctx,
		sysCancel:    cancel,
		workers:      make(map[string]*liveWorker),
	}
}

// Spawn registers and starts a worker's dispatch loop. It fails if a worker
// with the same id is already live.
func (s *Supervisor) Spawn(w Worker) error {
	if w.ID == "" {
		return fmt.Errorf("supervisor: worker id must not be empty")
	}

	s.mu.Lock()
	if _, exists := s.workers[w.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: worker %q already live", w.ID)
	}
	ctx, cancel := context.WithCancel(s.sysCtx)
	lw := &liveWorker{def: w, cancel: cancel, done: make(chan struct{})}
	s.workers[w.ID] = lw
	s.mu.Unlock()

	go s.runLoop(ctx, lw)
	return nil
}

// Kill triggers the worker's cancellation, waits for its current effect (if
// any) to return, and removes its entry. Returns whether a live worker was
// found.
func (s *Supervisor) Kill(id string) bool {
	s.mu.Lock()
	lw, ok := s.workers[id]
	if ok {
		delete(s.workers, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	lw.cancel()
	<-lw.done
	return true
}

// Stop triggers system-wide cancellation, then awaits every dispatch loop
// (and therefore every in-flight effect). Idempotent.
func (s *Supervisor) Stop() {
	s.sysCancel()

	s.mu.Lock()
	loops := make([]*liveWorker, 0, len(s.workers))
	for id, lw := range s.workers {
		loops = append(loops, lw)
		delete(s.workers, id)
	}
	s.mu.Unlock()

	for _, lw := range loops {
		<-lw.done
	}
}

// Live reports whether id currently has a live worker.
func (s *Supervisor) Live(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.workers[id]
	return ok
}

// runLoop is the per-worker dispatch loop described in spec §4.2.
func (s *Supervisor) runLoop(ctx context.Context, lw *liveWorker) {
	defer close(lw.done)
	w := lw.def

	for {
		if ctx.Err() != nil {
			return
		}

		since, err := s.st.GetOrInitCursor(ctx, w.ID)
		if err != nil {
			log.Printf("supervisor: %s: get-or-init-cursor: %v", w.ID, err)
			if !sleepCancelable(ctx, s.pollInterval) {
				return
			}
			continue
		}

		ev, ok, err := s.st.NextAfter(ctx, since)
		if err != nil {
			log.Printf("supervisor: %s: next-after: %v", w.ID, err)
			if !sleepCancelable(ctx, s.pollInterval) {
				return
			}
			continue
		}
		if !ok {
			if !sleepCancelable(ctx, s.pollInterval) {
				return
			}
			continue
		}

		// Advance the cursor before processing: a crash mid-effect must not
		// re-deliver a side-effecting subprocess invocation (spec §4.2 step 4,
		// §9 design note).
		if err := s.st.UpsertCursor(ctx, w.ID, ev.ID); err != nil {
			log.Printf("supervisor: %s: upsert-cursor: %v", w.ID, err)
		}

		if w.IgnoreSelf && ev.WorkerID == w.ID {
			runtime.Gosched()
			continue
		}

		if !match.Matches(ev.Type, w.Listen) {
			runtime.Gosched()
			continue
		}

		s.runEffect(ctx, w, ev)
		runtime.Gosched()
	}
}

func (s *Supervisor) runEffect(ctx context.Context, w Worker, ev store.Event) {
	if !w.Hidden {
		s.emitStart(w, ev)
	}

	err := w.Effect(ctx, ev)

	if w.Hidden {
		return
	}
	if err != nil {
		s.emitError(w.ID, ev, err)
		return
	}
	s.emitFinish(w.ID, ev)
}

func (s *Supervisor) emitStart(w Worker, ev store.Event) {
	payload, _ := json.Marshal(map[string]any{
		"event_id":      ev.ID,
		"event_type":    ev.Type,
		"worker_listen": w.Listen,
	})
	s.pushLifecycle(fmt.Sprintf("sys.worker.%s.start", w.ID), payload)
}

func (s *Supervisor) emitFinish(workerID string, ev store.Event) {
	payload, _ := json.Marshal(map[string]any{"event_id": ev.ID})
	s.pushLifecycle(fmt.Sprintf("sys.worker.%s.finish", workerID), payload)
}

func (s *Supervisor) emitError(workerID string, ev store.Event, err error) {
	payload, _ := json.Marshal(map[string]any{"event_id": ev.ID, "error": err.Error()})
	s.pushLifecycle(fmt.Sprintf("sys.worker.%s.error", workerID), payload)
}

func (s *Supervisor) pushLifecycle(typ string, payload json.RawMessage) {
	// Lifecycle pushes use a background context deliberately: the worker
	// context may already be cancelled by the time the effect returns, but
	// the finish/error event must still be recorded.
	if _, err := s.st.Push(context.Background(), "sys", typ, payload); err != nil {
		log.Printf("supervisor: push lifecycle %s: %v", typ, err)
	}
}

// sleepCancelable sleeps for d, returning false immediately if ctx is
// cancelled first (spec §4.2: "a cancelled sleep returns immediately").
func sleepCancelable(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
