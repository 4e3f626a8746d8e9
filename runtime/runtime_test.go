package runtime

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gordonbrander/busytown/config"
	"github.com/gordonbrander/busytown/store"
)

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

func TestOpenCreatesAgentDirAndRunEmitsLifecycle(t *testing.T) {
	confDir := t.TempDir()
	cfg := config.Defaults()
	cfg.PollInterval = "5ms"
	cfg.FSDebounce = "20ms"
	cfg.AgentDebounce = "20ms"

	rt, err := Open(confDir, cfg, "/bin/true")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := os.Stat(filepath.Join(confDir, "agents")); err != nil {
		t.Fatalf("expected agent dir to be created: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- rt.Run(ctx) }()

	waitFor(t, time.Second, func() bool {
		evs, _ := rt.Store().RangeAfter(context.Background(), 0, 0, store.RangeFilter{OnlyType: "sys.lifecycle.start"})
		return len(evs) == 1
	})

	cancel()

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancellation")
	}
}

func TestOpenRejectsBadDurations(t *testing.T) {
	confDir := t.TempDir()
	cfg := config.Defaults()
	cfg.PollInterval = "not-a-duration"
	if _, err := Open(confDir, cfg, "/bin/true"); err == nil {
		t.Fatalf("expected error for malformed poll_interval")
	}
}
