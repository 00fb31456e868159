package trace

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/xid"
	"github.com/tebeka/atexit"

	_ "modernc.org/sqlite"
)

var errSinkClosed = errors.New("trace: sink is closed")

// DefaultBatchSize is used when NewSQLiteSink is given a batch size
// below one.
const DefaultBatchSize = 256

// SQLiteSink writes records to a SQLite database: one session row per
// sink, one event row per record, inserted in batched transactions.
type SQLiteSink struct {
	db        *sql.DB
	session   string
	batchSize int

	mu      sync.Mutex
	pending []*Record
	closed  bool
}

// NewSQLiteSink opens the database at path, creating it and its schema
// if needed, and starts a new session. The sink flushes when the batch
// fills, on Flush and Close, and at process exit.
func NewSQLiteSink(path string, batchSize int) (*SQLiteSink, error) {
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("trace: open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("trace: set busy timeout: %w", err)
	}
	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteSink{
		db:        db,
		session:   xid.New().String(),
		batchSize: batchSize,
	}
	_, err = db.Exec("INSERT INTO sessions (id, started_at) VALUES (?, strftime('%s','now'))", s.session)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("trace: create session: %w", err)
	}

	atexit.Register(func() { s.Flush() })
	return s, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS sessions (
		id         TEXT PRIMARY KEY,
		started_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("trace: create sessions table: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS events (
		session   TEXT NOT NULL,
		seq       INTEGER NOT NULL,
		time_nano INTEGER NOT NULL,
		event     TEXT NOT NULL,
		process   INTEGER NOT NULL,
		class     TEXT,
		selector  TEXT,
		line      INTEGER,
		path      TEXT,
		detail    TEXT,
		PRIMARY KEY (session, seq)
	)`)
	if err != nil {
		return fmt.Errorf("trace: create events table: %w", err)
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS events_event_index ON events (event)`)
	if err != nil {
		return fmt.Errorf("trace: create event index: %w", err)
	}
	return nil
}

// Session returns the session ID this sink's rows are written under.
func (s *SQLiteSink) Session() string { return s.session }

// Write buffers one record, flushing when the batch fills.
func (s *SQLiteSink) Write(r *Record) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errSinkClosed
	}
	s.pending = append(s.pending, r)
	full := len(s.pending) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush()
	}
	return nil
}

// Flush writes all buffered records in one transaction.
func (s *SQLiteSink) Flush() error {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("trace: begin batch: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO events
		(session, seq, time_nano, event, process, class, selector, line, path, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("trace: prepare insert: %w", err)
	}
	for _, r := range pending {
		_, err := stmt.Exec(s.session, r.Seq, r.TimeNano, r.Event, r.Process,
			r.Class, r.Selector, r.Line, r.Path, r.Detail)
		if err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("trace: insert record: %w", err)
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("trace: commit batch: %w", err)
	}
	return nil
}

// Close flushes pending records and closes the database.
func (s *SQLiteSink) Close() error {
	flushErr := s.Flush()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("trace: close database: %w", err)
	}
	return flushErr
}
