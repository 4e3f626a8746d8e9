// Package cli implements the `events` subcommands named in spec §6. Each
// function parses its own flag set and writes one JSON object per line to
// out, matching the line-delimited record contract.
package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/gordonbrander/busytown/store"
)

// Record is the external, line-delimited representation of an event (spec
// §6 "event encoding on the wire").
type Record struct {
	ID        int64           `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"`
	WorkerID  string          `json:"worker_id"`
	Payload   json.RawMessage `json:"payload"`
}

func toRecord(ev store.Event) Record {
	return Record{ID: ev.ID, Timestamp: ev.Timestamp, Type: ev.Type, WorkerID: ev.WorkerID, Payload: ev.Payload}
}

func writeLine(out io.Writer, v any) error {
	return json.NewEncoder(out).Encode(v)
}

// Push implements `events push --worker <id> --type <type> [--payload <encoded>]`.
func Push(ctx context.Context, st store.Store, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("push", flag.ContinueOnError)
	worker := fs.String("worker", "", "worker id")
	typ := fs.String("type", "", "event type")
	payload := fs.String("payload", "", "encoded JSON payload")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *worker == "" || *typ == "" {
		return fmt.Errorf("events push: --worker and --type are required")
	}

	var raw json.RawMessage
	if *payload != "" {
		raw = json.RawMessage(*payload)
	}

	ev, err := st.Push(ctx, *worker, *typ, raw)
	if err != nil {
		return err
	}
	return writeLine(out, toRecord(ev))
}

// List implements `events list`.
func List(ctx context.Context, st store.Store, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	since := fs.Int64("since", 0, "only events after this id")
	limit := fs.Int("limit", 0, "max number of events")
	tailN := fs.Int("tail", 0, "most recent n events")
	worker := fs.String("worker", "", "only this worker id")
	omitWorker := fs.String("omit-worker", "", "exclude this worker id")
	typ := fs.String("type", "", "only this event type (or *)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	events, err := st.RangeAfter(ctx, *since, *limit, store.RangeFilter{
		OnlyWorker: *worker,
		OmitWorker: *omitWorker,
		OnlyType:   *typ,
		TailN:      *tailN,
	})
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := writeLine(out, toRecord(ev)); err != nil {
			return err
		}
	}
	return nil
}

// Watch implements `events watch --worker <id> [--poll <sec>] [--omit-worker <id>]`:
// streams events, advancing worker's cursor after each batch, until ctx is
// cancelled.
func Watch(ctx context.Context, st store.Store, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	worker := fs.String("worker", "", "worker id whose cursor to advance")
	pollSec := fs.Float64("poll", 0.5, "poll interval in seconds")
	omitWorker := fs.String("omit-worker", "", "exclude this worker id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *worker == "" {
		return fmt.Errorf("events watch: --worker is required")
	}
	interval := time.Duration(*pollSec * float64(time.Second))

	since, err := st.GetOrInitCursor(ctx, *worker)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			events, err := st.RangeAfter(ctx, since, 0, store.RangeFilter{OmitWorker: *omitWorker})
			if err != nil {
				return err
			}
			for _, ev := range events {
				if err := writeLine(out, toRecord(ev)); err != nil {
					return err
				}
				since = ev.ID
			}
			if len(events) > 0 {
				if err := st.UpsertCursor(ctx, *worker, since); err != nil {
					return err
				}
			}
		}
	}
}

// Cursor implements `events cursor --worker <id>`.
func Cursor(ctx context.Context, st store.Store, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("cursor", flag.ContinueOnError)
	worker := fs.String("worker", "", "worker id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *worker == "" {
		return fmt.Errorf("events cursor: --worker is required")
	}
	since, err := st.GetCursor(ctx, *worker)
	if err != nil {
		return err
	}
	return writeLine(out, map[string]any{"worker_id": *worker, "since": since})
}

// SetCursor implements `events set-cursor --worker <id> --set <n>`.
func SetCursor(ctx context.Context, st store.Store, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("set-cursor", flag.ContinueOnError)
	worker := fs.String("worker", "", "worker id")
	set := fs.Int64("set", 0, "new cursor value")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *worker == "" {
		return fmt.Errorf("events set-cursor: --worker is required")
	}
	if err := st.UpsertCursor(ctx, *worker, *set); err != nil {
		return err
	}
	return writeLine(out, map[string]any{"worker_id": *worker, "since": *set})
}

// Claim implements `events claim --worker <id> --event <n>`.
func Claim(ctx context.Context, st store.Store, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("claim", flag.ContinueOnError)
	worker := fs.String("worker", "", "worker id")
	event := fs.Int64("event", 0, "event id to claim")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *worker == "" || *event == 0 {
		return fmt.Errorf("events claim: --worker and --event are required")
	}

	ok, claimant, err := st.Claim(ctx, *worker, *event)
	if err != nil {
		return err
	}
	if ok {
		return writeLine(out, map[string]any{"claimed": true})
	}
	return writeLine(out, map[string]any{"claimed": false, "claimant": claimant})
}

// CheckClaim implements `events check-claim --event <n>`.
func CheckClaim(ctx context.Context, st store.Store, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("check-claim", flag.ContinueOnError)
	event := fs.Int64("event", 0, "event id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *event == 0 {
		return fmt.Errorf("events check-claim: --event is required")
	}

	claimant, ok, err := st.GetClaimant(ctx, *event)
	if err != nil {
		return err
	}
	if !ok {
		return writeLine(out, map[string]any{"claimed": false})
	}
	return writeLine(out, map[string]any{"claimed": true, "claimant": claimant})
}
