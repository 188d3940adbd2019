// Package journal persists the outcome of every dashboard store operation to
// a local SQLite database so operators can review recent activity after the
// fact. A *Journal implements store.Recorder.
//
// The database runs in WAL mode behind a single connection, so the store's
// concurrent operations serialise their inserts while readers of Recent are
// not blocked.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql

	"github.com/earlyshield/dashboard/internal/store"
)

// Journal is a SQLite-backed activity log. It is safe for concurrent use.
type Journal struct {
	db    *sql.DB
	count atomic.Int64
}

var _ store.Recorder = (*Journal)(nil)

// Entry is one persisted activity row.
type Entry struct {
	ID      int64     `json:"id"`
	Op      string    `json:"op"`
	Target  string    `json:"target"`
	OK      bool      `json:"ok"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// Open opens (or creates) the journal at path and applies the schema. The
// path ":memory:" selects an in-memory database that is lost on Close.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = NORMAL`,
		ddl,
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("journal: init %q: %w", firstLine(stmt), err)
		}
	}

	j := &Journal{db: db}
	var n int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM activity`).Scan(&n); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: count rows: %w", err)
	}
	j.count.Store(n)
	return j, nil
}

// timeLayout is fixed width so that stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const ddl = `
CREATE TABLE IF NOT EXISTS activity (
    id      INTEGER PRIMARY KEY AUTOINCREMENT,
    op      TEXT    NOT NULL,
    target  TEXT    NOT NULL DEFAULT '',
    ok      INTEGER NOT NULL,
    message TEXT    NOT NULL DEFAULT '',
    at      TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_activity_at ON activity (at);
`

// Record appends a. A zero At is replaced with the current time.
func (j *Journal) Record(ctx context.Context, a store.Activity) error {
	at := a.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO activity (op, target, ok, message, at) VALUES (?, ?, ?, ?, ?)`,
		a.Op, a.Target, boolInt(a.OK), a.Message, at.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("journal: record %q: %w", a.Op, err)
	}
	j.count.Add(1)
	return nil
}

// Recent returns up to n entries, newest first. n ≤ 0 returns nil without
// querying.
func (j *Journal) Recent(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, op, target, ok, message, at
		 FROM   activity
		 ORDER  BY id DESC
		 LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("journal: recent query: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, n)
	for rows.Next() {
		var (
			e  Entry
			ok int
			at string
		)
		if err := rows.Scan(&e.ID, &e.Op, &e.Target, &ok, &e.Message, &at); err != nil {
			return nil, fmt.Errorf("journal: recent scan: %w", err)
		}
		e.OK = ok != 0
		if e.At, err = time.Parse(timeLayout, at); err != nil {
			e.At, _ = time.Parse(time.RFC3339Nano, at)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: recent rows: %w", err)
	}
	return entries, nil
}

// Prune deletes entries recorded before cutoff and returns how many were
// removed.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx,
		`DELETE FROM activity WHERE at < ?`, cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("journal: prune: %w", err)
	}
	n, _ := res.RowsAffected()
	j.count.Add(-n)
	return n, nil
}

// Count returns the number of stored entries without touching the database.
func (j *Journal) Count() int {
	return int(j.count.Load())
}

// Close closes the database. The journal must not be used afterwards.
func (j *Journal) Close() error {
	return j.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
