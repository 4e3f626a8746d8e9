package agentwatch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gordonbrander/busytown/agent"
	"github.com/gordonbrander/busytown/store"
	"github.com/gordonbrander/busytown/store/sqlite"
	"github.com/gordonbrander/busytown/supervisor"
)

func openTest(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func noopBuild(def agent.Definition) supervisor.Effect {
	return func(context.Context, store.Event) error { return nil }
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func eventsOfType(t *testing.T, db *sqlite.DB, typ string) []store.Event {
	t.Helper()
	evs, err := db.RangeAfter(context.Background(), 0, 0, store.RangeFilter{OnlyType: typ})
	if err != nil {
		t.Fatalf("RangeAfter: %v", err)
	}
	return evs
}

func TestCreateSpawnsWorkerAndEmitsCreate(t *testing.T) {
	dir := t.TempDir()
	db := openTest(t)
	sup := supervisor.New(db, 5*time.Millisecond)
	defer sup.Stop()

	w, err := New(dir, sup, db, noopBuild, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	path := filepath.Join(dir, "greeter.md")
	if err := os.WriteFile(path, []byte("---\nlisten: [\"x\"]\n---\nhello\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	waitFor(t, time.Second, func() bool { return sup.Live("greeter") })
	waitFor(t, time.Second, func() bool { return len(eventsOfType(t, db, "sys.agent.create")) == 1 })
}

func TestModifyEmitsReloadNotCreate(t *testing.T) {
	dir := t.TempDir()
	db := openTest(t)
	sup := supervisor.New(db, 5*time.Millisecond)
	defer sup.Stop()

	path := filepath.Join(dir, "greeter.md")
	os.WriteFile(path, []byte("---\nlisten: [\"x\"]\n---\nhello\n"), 0o644)

	w, err := New(dir, sup, db, noopBuild, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.LoadInitial()
	waitFor(t, time.Second, func() bool { return sup.Live("greeter") })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	os.WriteFile(path, []byte("---\nlisten: [\"y\"]\n---\nhello again\n"), 0o644)

	waitFor(t, time.Second, func() bool { return len(eventsOfType(t, db, "sys.agent.reload")) == 1 })
	if len(eventsOfType(t, db, "sys.agent.create")) != 1 {
		t.Fatalf("expected only the initial sys.agent.create; a modify of an already-seen file must not emit another")
	}
}

func TestRemoveKillsWorkerAndEmitsRemove(t *testing.T) {
	dir := t.TempDir()
	db := openTest(t)
	sup := supervisor.New(db, 5*time.Millisecond)
	defer sup.Stop()

	path := filepath.Join(dir, "greeter.md")
	os.WriteFile(path, []byte("---\nlisten: [\"x\"]\n---\nhello\n"), 0o644)

	w, err := New(dir, sup, db, noopBuild, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.LoadInitial()
	waitFor(t, time.Second, func() bool { return sup.Live("greeter") })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	waitFor(t, time.Second, func() bool { return !sup.Live("greeter") })
	waitFor(t, time.Second, func() bool { return len(eventsOfType(t, db, "sys.agent.remove")) == 1 })
}

func TestMalformedFileEmitsErrorAndDoesNotSpawn(t *testing.T) {
	dir := t.TempDir()
	db := openTest(t)
	sup := supervisor.New(db, 5*time.Millisecond)
	defer sup.Stop()

	w, err := New(dir, sup, db, noopBuild, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	path := filepath.Join(dir, "broken.md")
	if err := os.WriteFile(path, []byte("---\ntype: shell-template\nno closing fence\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	waitFor(t, time.Second, func() bool { return len(eventsOfType(t, db, "sys.agent.error")) == 1 })
	if sup.Live("broken") {
		t.Fatalf("malformed agent should not have spawned a worker")
	}

	errs := eventsOfType(t, db, "sys.agent.error")
	var payload struct {
		AgentID string `json:"agent_id"`
		Path    string `json:"path"`
		Error   string `json:"error"`
	}
	json.Unmarshal(errs[0].Payload, &payload)
	if payload.AgentID != "broken" || payload.Error == "" {
		t.Fatalf("unexpected error payload: %+v", payload)
	}
}

func TestCoalesceTable(t *testing.T) {
	cases := []struct {
		labels map[string]struct{}
		want   string
	}{
		{map[string]struct{}{"create": {}}, "create"},
		{map[string]struct{}{"create": {}, "modify": {}}, "create"},
		{map[string]struct{}{"remove": {}}, "remove"},
		{map[string]struct{}{"remove": {}, "modify": {}}, "modify"},
		{map[string]struct{}{"modify": {}}, "modify"},
	}
	for _, c := range cases {
		if got := coalesce(c.labels); got != c.want {
			t.Errorf("coalesce(%v) = %q, want %q", c.labels, got, c.want)
		}
	}
}
