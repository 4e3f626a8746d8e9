package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/gordonbrander/busytown/store/sqlite"
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

func TestPushWritesOneLine(t *testing.T) {
	db := openTest(t)
	var buf bytes.Buffer
	if err := Push(context.Background(), db, &buf, []string{"--worker", "u", "--type", "task.go", "--payload", `{"n":1}`}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected exactly one line, got %d: %q", len(lines), buf.String())
	}
	var rec Record
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec.Type != "task.go" || rec.WorkerID != "u" {
		t.Errorf("record = %+v", rec)
	}
}

func TestPushRequiresWorkerAndType(t *testing.T) {
	db := openTest(t)
	var buf bytes.Buffer
	if err := Push(context.Background(), db, &buf, []string{"--type", "x"}); err == nil {
		t.Fatalf("expected error without --worker")
	}
}

func TestListFiltersByWorkerAndType(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	db.Push(ctx, "a", "x", nil)
	db.Push(ctx, "b", "y", nil)
	db.Push(ctx, "a", "y", nil)

	var buf bytes.Buffer
	if err := List(ctx, db, &buf, []string{"--worker", "a"}); err != nil {
		t.Fatalf("List: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines for worker a, got %d", len(lines))
	}

	buf.Reset()
	if err := List(ctx, db, &buf, []string{"--worker", "a", "--type", "y"}); err != nil {
		t.Fatalf("List: %v", err)
	}
	lines = strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line for worker a and type y, got %d", len(lines))
	}
}

func TestCursorRoundTrip(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()

	var setBuf bytes.Buffer
	if err := SetCursor(ctx, db, &setBuf, []string{"--worker", "w", "--set", "42"}); err != nil {
		t.Fatalf("SetCursor: %v", err)
	}

	var getBuf bytes.Buffer
	if err := Cursor(ctx, db, &getBuf, []string{"--worker", "w"}); err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	var got map[string]any
	json.Unmarshal(getBuf.Bytes(), &got)
	if got["since"].(float64) != 42 {
		t.Errorf("since = %v, want 42", got["since"])
	}
}

func TestClaimAndCheckClaim(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	ev, _ := db.Push(ctx, "u", "task.go", nil)

	var claimBuf bytes.Buffer
	args := []string{"--worker", "w1", "--event", itoa(ev.ID)}
	if err := Claim(ctx, db, &claimBuf, args); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	var claimed map[string]any
	json.Unmarshal(claimBuf.Bytes(), &claimed)
	if claimed["claimed"] != true {
		t.Fatalf("first claim should succeed: %v", claimed)
	}

	var loseBuf bytes.Buffer
	if err := Claim(ctx, db, &loseBuf, []string{"--worker", "w2", "--event", itoa(ev.ID)}); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	var lost map[string]any
	json.Unmarshal(loseBuf.Bytes(), &lost)
	if lost["claimed"] != false || lost["claimant"] != "w1" {
		t.Fatalf("second claim should lose to w1: %v", lost)
	}

	var checkBuf bytes.Buffer
	if err := CheckClaim(ctx, db, &checkBuf, []string{"--event", itoa(ev.ID)}); err != nil {
		t.Fatalf("CheckClaim: %v", err)
	}
	var check map[string]any
	json.Unmarshal(checkBuf.Bytes(), &check)
	if check["claimant"] != "w1" {
		t.Fatalf("check-claim claimant = %v, want w1", check["claimant"])
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
