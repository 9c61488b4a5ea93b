package sqlstore

import (
	"strconv"
	"strings"
	"time"
)

// Dialect holds what differs between relational engines. Everything else in this package is
// plain database/sql.
type Dialect interface {
	Name() string
	// Schema returns the statements creating the streams and messages tables.
	Schema(streams, messages string) []string
	// Placeholders turns the ? placeholders of query into the engine's form.
	Placeholders(query string) string
	// Returning reports whether inserts return the new position with RETURNING instead of
	// LastInsertId.
	Returning() bool
	// ForUpdate is appended to the stream row lookup of writes.
	ForUpdate() string
	IsUniqueViolation(err error) bool
	IsTransient(err error) bool
	// GapReloadDelay is how long a read of the log head waits before rereading a page with a
	// position gap. Zero when commits can not land out of position order.
	GapReloadDelay() time.Duration
}

// Notifying dialects announce every append inside the write transaction.
type Notifying interface {
	NotifyStatement() string
}

// Dollar rewrites ? placeholders to $1, $2 and so on.
func Dollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r != '?' {
			b.WriteRune(r)
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}
