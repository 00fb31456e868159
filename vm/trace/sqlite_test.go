package trace

import (
	"database/sql"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func countEvents(t *testing.T, db *sql.DB, session string) int {
	t.Helper()
	var n int
	err := db.QueryRow("SELECT COUNT(*) FROM events WHERE session = ?", session).Scan(&n)
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	return n
}

func TestSQLiteSink_WriteAndFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.db")
	sink, err := NewSQLiteSink(path, 100)
	if err != nil {
		t.Fatalf("NewSQLiteSink: %v", err)
	}
	defer sink.Close()

	for i := 1; i <= 3; i++ {
		rec := &Record{Seq: uint64(i), TimeNano: int64(i), Event: "call", Process: 1, Selector: "run"}
		if err := sink.Write(rec); err != nil {
			t.Fatalf("Write record %d: %v", i, err)
		}
	}
	if err := sink.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	db := openTestDB(t, path)
	if n := countEvents(t, db, sink.Session()); n != 3 {
		t.Errorf("events = %d, want 3", n)
	}

	var selector string
	err = db.QueryRow("SELECT selector FROM events WHERE session = ? AND seq = 2", sink.Session()).Scan(&selector)
	if err != nil {
		t.Fatalf("query record: %v", err)
	}
	if selector != "run" {
		t.Errorf("selector = %q, want %q", selector, "run")
	}
}

func TestSQLiteSink_FlushesWhenBatchFills(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.db")
	sink, err := NewSQLiteSink(path, 2)
	if err != nil {
		t.Fatalf("NewSQLiteSink: %v", err)
	}
	defer sink.Close()

	if err := sink.Write(&Record{Seq: 1, Event: "call"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := sink.Write(&Record{Seq: 2, Event: "return"}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// Batch size reached, no explicit Flush.
	db := openTestDB(t, path)
	if n := countEvents(t, db, sink.Session()); n != 2 {
		t.Errorf("events = %d, want 2", n)
	}
}

func TestSQLiteSink_SessionRowWritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.db")
	sink, err := NewSQLiteSink(path, 10)
	if err != nil {
		t.Fatalf("NewSQLiteSink: %v", err)
	}
	defer sink.Close()

	if sink.Session() == "" {
		t.Fatal("Session should be non-empty")
	}

	db := openTestDB(t, path)
	var n int
	err = db.QueryRow("SELECT COUNT(*) FROM sessions WHERE id = ?", sink.Session()).Scan(&n)
	if err != nil {
		t.Fatalf("query sessions: %v", err)
	}
	if n != 1 {
		t.Errorf("session rows = %d, want 1", n)
	}
}

func TestSQLiteSink_TwoSessionsShareDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.db")

	first, err := NewSQLiteSink(path, 10)
	if err != nil {
		t.Fatalf("NewSQLiteSink: %v", err)
	}
	if err := first.Write(&Record{Seq: 1, Event: "call"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second, err := NewSQLiteSink(path, 10)
	if err != nil {
		t.Fatalf("NewSQLiteSink on existing database: %v", err)
	}
	defer second.Close()

	if second.Session() == first.Session() {
		t.Error("sessions should have distinct IDs")
	}

	db := openTestDB(t, path)
	if n := countEvents(t, db, first.Session()); n != 1 {
		t.Errorf("first session events = %d, want 1", n)
	}
}

func TestSQLiteSink_WriteAfterCloseFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.db")
	sink, err := NewSQLiteSink(path, 10)
	if err != nil {
		t.Fatalf("NewSQLiteSink: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := sink.Write(&Record{Seq: 1, Event: "call"}); err == nil {
		t.Error("Write after Close should fail")
	}
}
