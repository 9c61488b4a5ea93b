// Package sqlite runs the sql backend on an embedded SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/iidesho/streamstore/store/sqlstore"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type Dialect struct{}

func (Dialect) Name() string { return "sqlite" }

func (Dialect) Schema(streams, messages string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id_internal INTEGER PRIMARY KEY AUTOINCREMENT,
	id CHAR(64) NOT NULL UNIQUE,
	id_original TEXT NOT NULL,
	version INTEGER NOT NULL,
	position INTEGER NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0,
	fingerprint TEXT NOT NULL DEFAULT ''
)`, streams),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	position INTEGER PRIMARY KEY AUTOINCREMENT,
	stream_id_internal INTEGER NOT NULL REFERENCES %s (id_internal),
	stream_version INTEGER NOT NULL,
	message_id CHAR(36) NOT NULL,
	created_utc INTEGER NOT NULL,
	type TEXT NOT NULL,
	json_data TEXT NOT NULL,
	json_metadata TEXT NOT NULL DEFAULT '',
	UNIQUE (stream_id_internal, stream_version),
	UNIQUE (stream_id_internal, message_id)
)`, messages, streams),
	}
}

func (Dialect) Placeholders(query string) string { return query }

func (Dialect) Returning() bool { return false }

// ForUpdate is empty, transactions take the database write lock when they begin.
func (Dialect) ForUpdate() string { return "" }

func (Dialect) IsUniqueViolation(err error) bool {
	var e *sqlite.Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		return strings.Contains(e.Error(), "UNIQUE")
	}
	return false
}

func (Dialect) IsTransient(err error) bool {
	var e *sqlite.Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

// GapReloadDelay is zero, writers are serialized so positions commit in order.
func (Dialect) GapReloadDelay() time.Duration { return 0 }

// DSN adds the parameters the store relies on to a database file path.
func DSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// Open opens or creates the database file at path.
func Open(ctx context.Context, path string, opts ...sqlstore.Option) (*sqlstore.Store, error) {
	db, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		return nil, err
	}
	// One connection keeps every reader on the same snapshot as the writer.
	db.SetMaxOpenConns(1)
	s, err := sqlstore.New(ctx, db, Dialect{}, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
