// Package postgres runs the sql backend on PostgreSQL and pushes append notifications with
// LISTEN/NOTIFY.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iidesho/streamstore/store/sqlstore"
	"github.com/lib/pq"
)

const DefaultChannel = "streamstore_append"

type Dialect struct {
	// Channel receives a notification on every committed append. Empty disables it.
	Channel string
}

func (Dialect) Name() string { return "postgres" }

func (Dialect) Schema(streams, messages string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id_internal BIGSERIAL PRIMARY KEY,
	id CHAR(64) NOT NULL UNIQUE,
	id_original VARCHAR(1000) NOT NULL,
	version INTEGER NOT NULL,
	position BIGINT NOT NULL,
	deleted SMALLINT NOT NULL DEFAULT 0,
	fingerprint CHAR(64) NOT NULL DEFAULT ''
)`, streams),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	position BIGSERIAL PRIMARY KEY,
	stream_id_internal BIGINT NOT NULL REFERENCES %s (id_internal),
	stream_version INTEGER NOT NULL,
	message_id CHAR(36) NOT NULL,
	created_utc BIGINT NOT NULL,
	type VARCHAR(128) NOT NULL,
	json_data TEXT NOT NULL,
	json_metadata TEXT NOT NULL DEFAULT '',
	UNIQUE (stream_id_internal, stream_version),
	UNIQUE (stream_id_internal, message_id)
)`, messages, streams),
	}
}

func (Dialect) Placeholders(query string) string { return sqlstore.Dollar(query) }

func (Dialect) Returning() bool { return true }

func (Dialect) ForUpdate() string { return " FOR UPDATE" }

func (Dialect) IsUniqueViolation(err error) bool {
	var e *pq.Error
	return errors.As(err, &e) && e.Code == "23505"
}

func (Dialect) IsTransient(err error) bool {
	var e *pq.Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Code {
	case "40001", "40P01", "55P03":
		return true
	}
	return false
}

// GapReloadDelay covers sequence values taken by transactions that commit after later ones.
func (Dialect) GapReloadDelay() time.Duration { return 3 * time.Second }

func (d Dialect) NotifyStatement() string {
	if d.Channel == "" {
		return ""
	}
	return fmt.Sprintf("SELECT pg_notify(%s, '')", pq.QuoteLiteral(d.Channel))
}

// Open connects to dsn and notifies appends on DefaultChannel.
func Open(ctx context.Context, dsn string, opts ...sqlstore.Option) (*sqlstore.Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	s, err := sqlstore.New(ctx, db, Dialect{Channel: DefaultChannel}, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
