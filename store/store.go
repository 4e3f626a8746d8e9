// Package store defines the persistence abstraction for the durable event
// log, per-worker cursors, and claim arbitration. The default (and only)
// implementation is SQLite — see store/sqlite.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Event is a single immutable record appended to the log. Once written an
// Event is never updated or deleted.
type Event struct {
	ID        int64           `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"`
	WorkerID  string          `json:"worker_id"`
	Payload   json.RawMessage `json:"payload"`
}

// Cursor is a worker's last-seen watermark. A worker sees only events with
// id > Since.
type Cursor struct {
	WorkerID  string    `json:"worker_id"`
	Since     int64     `json:"since"`
	Timestamp time.Time `json:"timestamp"`
}

// Claim is a first-writer-wins reservation on an event id. At most one claim
// row exists per event id; claim rows are only ever inserted, never updated
// or deleted.
type Claim struct {
	EventID   int64     `json:"event_id"`
	WorkerID  string    `json:"worker_id"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// Lifecycle event types emitted by the core itself (as opposed to producer
// payloads, which the core never interprets).
const (
	EventCursorCreate = "cursor.create"
	EventClaimCreated = "claim.created"
)

// RangeFilter narrows a RangeAfter scan. The zero value matches everything.
type RangeFilter struct {
	OmitWorker string // exclude events produced by this worker id, if non-empty
	OnlyWorker string // keep only events produced by this worker id, if non-empty
	OnlyType   string // keep only events of this exact type; "" or "*" disables the filter
	TailN      int    // if > 0, return only the last N matches (still ascending by id)
}

// Store is the embedded-engine-agnostic event API described in spec §4.1.
// Implementations must serialize writes and permit concurrent reads, and
// must make Claim / GetOrInitCursor atomic.
type Store interface {
	// Push appends a new event and returns it with ID and Timestamp filled
	// in by the store.
	Push(ctx context.Context, workerID, typ string, payload json.RawMessage) (Event, error)

	// NextAfter returns the single event with the smallest id > since, if
	// any exists.
	NextAfter(ctx context.Context, since int64) (Event, bool, error)

	// RangeAfter returns events with id > since, ascending by id, honoring
	// filter and limit. limit <= 0 means unbounded. When filter.TailN > 0,
	// the result is the last N matches, still in ascending order.
	RangeAfter(ctx context.Context, since int64, limit int, filter RangeFilter) ([]Event, error)

	// GetCursor returns the worker's since value, or 0 if the worker has no
	// cursor row yet.
	GetCursor(ctx context.Context, workerID string) (int64, error)

	// UpsertCursor persists since for workerID.
	UpsertCursor(ctx context.Context, workerID string, since int64) error

	// GetOrInitCursor returns the worker's since value if a cursor row
	// exists. Otherwise it atomically appends a synthetic cursor.create
	// event, sets the cursor's since to that event's id, and returns it.
	GetOrInitCursor(ctx context.Context, workerID string) (int64, error)

	// Claim attempts to reserve eventID for workerID inside a single
	// transaction. Returns ok=true if the caller holds the claim (including
	// idempotent re-claim by the same worker that already won); ok=false
	// plus the current claimant otherwise. A brand new successful claim
	// also pushes a claim.created event in the same transaction.
	Claim(ctx context.Context, workerID string, eventID int64) (ok bool, claimant string, err error)

	// GetClaimant returns the current claimant of eventID, if any.
	GetClaimant(ctx context.Context, eventID int64) (workerID string, ok bool, err error)

	// Close releases underlying resources.
	Close() error
}
