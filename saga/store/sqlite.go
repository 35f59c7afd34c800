package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/relayworks/sagakit/saga/event"
)

// SQLiteStore is a SQLite implementation of event.StreamStore.
//
// It stores event streams in a single-file database. Designed for:
//   - Development and testing with zero setup
//   - Single-process deployments requiring durable runs
//   - Prototyping before migrating to MySQL
//
// SQLiteStore uses WAL mode so projections can read streams while the
// scheduler appends, and wraps each batch append in a transaction so the
// per-stream atomicity contract holds across crashes.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens (or creates) a SQLite-backed stream store.
//
// The path specifies the database file location; ":memory:" gives an
// in-memory database whose contents are lost on Close.
//
// Example:
//
//	st, err := store.NewSQLiteStore("./runs.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
//	ledger := event.NewLedger(st)
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	eventsTable := `
		CREATE TABLE IF NOT EXISTS workflow_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			stream_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			timestamp TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			prev_hash TEXT NOT NULL,
			hash TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(stream_id, seq)
		)
	`
	if _, err := s.db.ExecContext(ctx, eventsTable); err != nil {
		return fmt.Errorf("failed to create workflow_events table: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_events_stream ON workflow_events(stream_id, seq)"); err != nil {
		return fmt.Errorf("failed to create idx_events_stream: %w", err)
	}
	return nil
}

// Append stores a batch of events inside a single transaction. The UNIQUE
// constraint on (stream_id, seq) rejects duplicate appends, so a retried
// batch after a crash cannot corrupt the chain.
func (s *SQLiteStore) Append(ctx context.Context, streamID string, events []event.Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO workflow_events (stream_id, seq, timestamp, kind, payload, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range events {
		_, err := stmt.ExecContext(ctx,
			e.StreamID, e.Seq, e.Timestamp.Format(time.RFC3339Nano),
			e.Kind, string(e.Payload), e.PrevHash, e.Hash)
		if err != nil {
			return fmt.Errorf("failed to insert event %s/%d: %w", streamID, e.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit append: %w", err)
	}
	return nil
}

// Load returns all events for a stream ordered by sequence number.
func (s *SQLiteStore) Load(ctx context.Context, streamID string) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT stream_id, seq, timestamp, kind, payload, prev_hash, hash
		FROM workflow_events
		WHERE stream_id = ?
		ORDER BY seq ASC
	`, streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

// Close closes the underlying database. Subsequent operations return ErrClosed.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// scanEvents converts query rows into events. Shared with the MySQL store;
// both persist timestamps as RFC3339Nano text.
func scanEvents(rows *sql.Rows) ([]event.Event, error) {
	var events []event.Event
	for rows.Next() {
		var e event.Event
		var ts, payload string
		if err := rows.Scan(&e.StreamID, &e.Seq, &ts, &e.Kind, &payload, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse event timestamp %q: %w", ts, err)
		}
		e.Timestamp = parsed
		e.Payload = []byte(payload)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}
