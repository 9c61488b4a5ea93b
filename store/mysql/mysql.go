// Package mysql runs the sql backend on MySQL or MariaDB with InnoDB tables.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/iidesho/streamstore/store/sqlstore"
)

type Dialect struct{}

func (Dialect) Name() string { return "mysql" }

func (Dialect) Schema(streams, messages string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id_internal BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
	id CHAR(64) NOT NULL,
	id_original VARCHAR(1000) NOT NULL,
	version INT NOT NULL,
	position BIGINT NOT NULL,
	deleted TINYINT NOT NULL DEFAULT 0,
	fingerprint CHAR(64) NOT NULL DEFAULT '',
	UNIQUE KEY ix_id (id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`, streams),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	position BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
	stream_id_internal BIGINT NOT NULL,
	stream_version INT NOT NULL,
	message_id CHAR(36) NOT NULL,
	created_utc BIGINT NOT NULL,
	type VARCHAR(128) NOT NULL,
	json_data LONGTEXT NOT NULL,
	json_metadata TEXT NOT NULL,
	UNIQUE KEY ix_version (stream_id_internal, stream_version),
	UNIQUE KEY ix_message (stream_id_internal, message_id),
	FOREIGN KEY (stream_id_internal) REFERENCES %s (id_internal)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`, messages, streams),
	}
}

func (Dialect) Placeholders(query string) string { return query }

func (Dialect) Returning() bool { return false }

func (Dialect) ForUpdate() string { return " FOR UPDATE" }

func (Dialect) IsUniqueViolation(err error) bool {
	var e *mysql.MySQLError
	return errors.As(err, &e) && e.Number == 1062
}

// IsTransient reports deadlocks and lock wait timeouts. Two appends creating the same stream
// deadlock on the gap lock of the missing row.
func (Dialect) IsTransient(err error) bool {
	var e *mysql.MySQLError
	if !errors.As(err, &e) {
		return false
	}
	return e.Number == 1213 || e.Number == 1205
}

// GapReloadDelay covers auto increment values taken by transactions that commit after later ones.
func (Dialect) GapReloadDelay() time.Duration { return 3 * time.Second }

// Open connects to a go-sql-driver DSN such as user:pass@tcp(host:3306)/db.
func Open(ctx context.Context, dsn string, opts ...sqlstore.Option) (*sqlstore.Store, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	if cfg.Params == nil {
		cfg.Params = map[string]string{}
	}
	cfg.Params["transaction_isolation"] = "'READ-COMMITTED'"
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, err
	}
	db := sql.OpenDB(connector)
	s, err := sqlstore.New(ctx, db, Dialect{}, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
