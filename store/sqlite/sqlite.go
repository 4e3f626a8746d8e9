// Package sqlite provides the SQLite-backed Store implementation.
// It uses modernc.org/sqlite (pure Go, no CGO) so the binary is fully static
// and works in scratch/alpine Docker images without a C compiler.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gordonbrander/busytown/store"
)

// DB implements store.Store using SQLite via database/sql.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and creates the
// schema idempotently.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	// SQLite serialises writes; one connection avoids SQLITE_BUSY on writes
	// and gives us the single-writer discipline spec §4.1 requires.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &DB{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate creates the three tables idempotently. New versions should only
// ADD statements here so existing databases keep working without a
// migration tool — schema migration beyond this is an explicit non-goal.
func (s *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp  INTEGER NOT NULL DEFAULT (unixepoch()),
			type       TEXT    NOT NULL,
			worker_id  TEXT    NOT NULL,
			payload    TEXT    NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(type)`,
		`CREATE INDEX IF NOT EXISTS idx_events_worker ON events(worker_id)`,

		`CREATE TABLE IF NOT EXISTS cursors (
			worker_id  TEXT    PRIMARY KEY,
			since      INTEGER NOT NULL DEFAULT 0,
			timestamp  INTEGER NOT NULL DEFAULT (unixepoch())
		)`,

		`CREATE TABLE IF NOT EXISTS claims (
			event_id    INTEGER PRIMARY KEY,
			worker_id   TEXT    NOT NULL,
			claimed_at  INTEGER NOT NULL DEFAULT (unixepoch())
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

// ---- events ----

func (s *DB) Push(ctx context.Context, workerID, typ string, payload json.RawMessage) (store.Event, error) {
	return s.pushTx(ctx, s.db, workerID, typ, payload)
}

// execer is the common subset of *sql.DB and *sql.Tx used by pushTx, so the
// same insert logic runs standalone (Push) and inside a transaction (Claim,
// GetOrInitCursor).
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *DB) pushTx(ctx context.Context, x execer, workerID, typ string, payload json.RawMessage) (store.Event, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	res, err := x.ExecContext(ctx, `
		INSERT INTO events (type, worker_id, payload) VALUES (?, ?, ?)
	`, typ, workerID, string(payload))
	if err != nil {
		return store.Event{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return store.Event{}, err
	}
	return s.getEvent(ctx, x, id)
}

func (s *DB) getEvent(ctx context.Context, x execer, id int64) (store.Event, error) {
	row := x.QueryRowContext(ctx, `
		SELECT id, timestamp, type, worker_id, payload FROM events WHERE id = ?
	`, id)
	return scanEvent(row.Scan)
}

func (s *DB) NextAfter(ctx context.Context, since int64) (store.Event, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, timestamp, type, worker_id, payload
		  FROM events
		 WHERE id > ?
		 ORDER BY id ASC
		 LIMIT 1
	`, since)
	ev, err := scanEvent(row.Scan)
	if err == sql.ErrNoRows {
		return store.Event{}, false, nil
	}
	if err != nil {
		return store.Event{}, false, err
	}
	return ev, true, nil
}

func (s *DB) RangeAfter(ctx context.Context, since int64, limit int, filter store.RangeFilter) ([]store.Event, error) {
	q := `SELECT id, timestamp, type, worker_id, payload FROM events WHERE id > ?`
	args := []any{since}

	if filter.OmitWorker != "" {
		q += ` AND worker_id != ?`
		args = append(args, filter.OmitWorker)
	}
	if filter.OnlyWorker != "" {
		q += ` AND worker_id = ?`
		args = append(args, filter.OnlyWorker)
	}
	if filter.OnlyType != "" && filter.OnlyType != "*" {
		q += ` AND type = ?`
		args = append(args, filter.OnlyType)
	}

	switch {
	case filter.TailN > 0:
		q += ` ORDER BY id DESC LIMIT ?`
		args = append(args, filter.TailN)
	case limit > 0:
		q += ` ORDER BY id ASC LIMIT ?`
		args = append(args, limit)
	default:
		q += ` ORDER BY id ASC`
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.Event
	for rows.Next() {
		ev, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if filter.TailN > 0 {
		// DESC query above returns newest-first; reverse to ascending.
		for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
			events[i], events[j] = events[j], events[i]
		}
	}
	return events, nil
}

// ---- cursors ----

func (s *DB) GetCursor(ctx context.Context, workerID string) (int64, error) {
	return s.getCursorTx(ctx, s.db, workerID)
}

func (s *DB) getCursorTx(ctx context.Context, x execer, workerID string) (int64, error) {
	row := x.QueryRowContext(ctx, `SELECT since FROM cursors WHERE worker_id = ?`, workerID)
	var since int64
	err := row.Scan(&since)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return since, err
}

func (s *DB) UpsertCursor(ctx context.Context, workerID string, since int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (worker_id, since, timestamp) VALUES (?, ?, unixepoch())
		ON CONFLICT(worker_id) DO UPDATE SET since = excluded.since, timestamp = excluded.timestamp
	`, workerID, since)
	return err
}

// GetOrInitCursor returns the existing cursor for workerID, or — on first
// sight — atomically appends a cursor.create event and seeds the cursor
// from its id. The synthetic event keeps the log authoritative about every
// observable system fact (spec §4.1 "Why get-or-init-cursor?").
func (s *DB) GetOrInitCursor(ctx context.Context, workerID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT since FROM cursors WHERE worker_id = ?`, workerID)
	var since int64
	err = row.Scan(&since)
	switch {
	case err == nil:
		return since, tx.Commit()
	case err != sql.ErrNoRows:
		return 0, err
	}

	payload, _ := json.Marshal(map[string]string{"worker_id": workerID})
	ev, err := s.pushTx(ctx, tx, workerID, store.EventCursorCreate, payload)
	if err != nil {
		return 0, fmt.Errorf("cursor.create: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cursors (worker_id, since, timestamp) VALUES (?, ?, unixepoch())
	`, workerID, ev.ID); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return ev.ID, nil
}

// ---- claims ----

// Claim attempts to reserve eventID for workerID. Non-existent event ids are
// permitted to be claimed — the claims table carries no foreign key to
// events, which spec §9 leaves intentional rather than guessing at an
// implicit "event must exist" requirement.
func (s *DB) Claim(ctx context.Context, workerID string, eventID int64) (bool, string, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, "", err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT worker_id FROM claims WHERE event_id = ?`, eventID)
	var holder string
	err = row.Scan(&holder)
	switch {
	case err == nil:
		// Already claimed: idempotent if the same worker, otherwise a loss.
		if holder == workerID {
			return true, holder, tx.Commit()
		}
		return false, holder, tx.Commit()
	case err != sql.ErrNoRows:
		return false, "", err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO claims (event_id, worker_id, claimed_at) VALUES (?, ?, unixepoch())
	`, eventID, workerID); err != nil {
		return false, "", err
	}

	payload, _ := json.Marshal(map[string]int64{"event_id": eventID})
	if _, err := s.pushTx(ctx, tx, workerID, store.EventClaimCreated, payload); err != nil {
		return false, "", fmt.Errorf("claim.created: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, "", err
	}
	return true, workerID, nil
}

func (s *DB) GetClaimant(ctx context.Context, eventID int64) (string, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT worker_id FROM claims WHERE event_id = ?`, eventID)
	var holder string
	err := row.Scan(&holder)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return holder, true, nil
}

// ---- internal helpers ----

type scanFn func(dest ...any) error

func scanEvent(scan scanFn) (store.Event, error) {
	var ev store.Event
	var ts int64
	var payload string
	if err := scan(&ev.ID, &ts, &ev.Type, &ev.WorkerID, &payload); err != nil {
		return store.Event{}, err
	}
	ev.Timestamp = time.Unix(ts, 0).UTC()
	ev.Payload = json.RawMessage(payload)
	return ev, nil
}
