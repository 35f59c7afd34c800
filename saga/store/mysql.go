package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/relayworks/sagakit/saga/event"
)

// MySQLStore is a MySQL/MariaDB implementation of event.StreamStore.
//
// Designed for:
//   - Production deployments with multiple workers
//   - Long-running workflows that survive process restarts
//   - Audit trails (the hash chain is verifiable straight from the table)
//
// MySQLStore uses connection pooling and wraps batch appends in transactions.
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore creates a new MySQL-backed stream store.
//
// The DSN format is the go-sql-driver format:
//
//	user:password@tcp(localhost:3306)/workflows?parseTime=true
//
// Never hardcode credentials; read the DSN from the environment:
//
//	st, err := store.NewMySQLStore(os.Getenv("MYSQL_DSN"))
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (m *MySQLStore) createTables(ctx context.Context) error {
	eventsTable := `
		CREATE TABLE IF NOT EXISTS workflow_events (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			stream_id VARCHAR(255) NOT NULL,
			seq BIGINT UNSIGNED NOT NULL,
			timestamp VARCHAR(64) NOT NULL,
			kind VARCHAR(128) NOT NULL,
			payload JSON NOT NULL,
			prev_hash VARCHAR(64) NOT NULL,
			hash VARCHAR(64) NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			INDEX idx_stream (stream_id),
			UNIQUE KEY unique_stream_seq (stream_id, seq)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, eventsTable); err != nil {
		return fmt.Errorf("failed to create workflow_events table: %w", err)
	}
	return nil
}

// Append stores a batch of events inside a single transaction.
func (m *MySQLStore) Append(ctx context.Context, streamID string, events []event.Event) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	if len(events) == 0 {
		return nil
	}

	tx, err := m.db.BeginTx(ctx, nil)
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
func (m *MySQLStore) Load(ctx context.Context, streamID string) ([]event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	rows, err := m.db.QueryContext(ctx, `
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

// Close closes the connection pool. Subsequent operations return ErrClosed.
func (m *MySQLStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}
