package sqlstore

import (
	"fmt"
	"strings"
)

type queries struct {
	selectStream      string
	selectStreamWrite string
	insertStream      string
	updateStream      string
	markDeleted       string
	insertMessage     string
	idsAfter          string
	deleteMessages    string
	deleteMessage     string
	readAllForwards   string
	readAllBackwards  string
	readAllLazyFwd    string
	readAllLazyBwd    string
	readStreamFwd     string
	readStreamBwd     string
	readStreamLazyFwd string
	readStreamLazyBwd string
	readData          string
	headPosition      string
	listStreams       string
	listStreamsLike   string
	containsPrefix    string
}

func buildQueries(d Dialect, streams, messages string) queries {
	p := d.Placeholders
	all := func(data, cmp, order string) string {
		return p(fmt.Sprintf(`SELECT m.position, m.stream_version, m.message_id, m.created_utc, m.type, %s, m.json_metadata, s.id_original
FROM %s m JOIN %s s ON s.id_internal = m.stream_id_internal
WHERE m.position %s ?
ORDER BY m.position %s
LIMIT ?`, data, messages, streams, cmp, order))
	}
	stream := func(data, cmp, order string) string {
		return p(fmt.Sprintf(`SELECT position, stream_version, message_id, created_utc, type, %s, json_metadata
FROM %s
WHERE stream_id_internal = ? AND stream_version %s ?
ORDER BY stream_version %s
LIMIT ?`, data, messages, cmp, order))
	}
	insertMessage := fmt.Sprintf(`INSERT INTO %s (stream_id_internal, stream_version, message_id, created_utc, type, json_data, json_metadata)
VALUES (?, ?, ?, ?, ?, ?, ?)`, messages)
	insertStream := fmt.Sprintf(`INSERT INTO %s (id, id_original, version, position, deleted, fingerprint) VALUES (?, ?, -1, -1, 0, '')`, streams)
	if d.Returning() {
		insertMessage += " RETURNING position"
		insertStream += " RETURNING id_internal"
	}
	selectStream := fmt.Sprintf(`SELECT id_internal, version, position, deleted, fingerprint FROM %s WHERE id = ?`, streams)
	return queries{
		selectStream:      p(selectStream),
		selectStreamWrite: p(selectStream + d.ForUpdate()),
		insertStream:      p(insertStream),
		updateStream:      p(fmt.Sprintf(`UPDATE %s SET version = ?, position = ?, deleted = 0, fingerprint = ? WHERE id_internal = ?`, streams)),
		markDeleted:       p(fmt.Sprintf(`UPDATE %s SET deleted = 1, fingerprint = '' WHERE id_internal = ?`, streams)),
		insertMessage:     p(insertMessage),
		idsAfter:          p(fmt.Sprintf(`SELECT message_id FROM %s WHERE stream_id_internal = ? AND stream_version > ? ORDER BY stream_version LIMIT ?`, messages)),
		deleteMessages:    p(fmt.Sprintf(`DELETE FROM %s WHERE stream_id_internal = ?`, messages)),
		deleteMessage:     p(fmt.Sprintf(`DELETE FROM %s WHERE stream_id_internal = ? AND message_id = ?`, messages)),
		readAllForwards:   all("m.json_data", ">=", "ASC"),
		readAllBackwards:  all("m.json_data", "<=", "DESC"),
		readAllLazyFwd:    all("''", ">=", "ASC"),
		readAllLazyBwd:    all("''", "<=", "DESC"),
		readStreamFwd:     stream("json_data", ">=", "ASC"),
		readStreamBwd:     stream("json_data", "<=", "DESC"),
		readStreamLazyFwd: stream("''", ">=", "ASC"),
		readStreamLazyBwd: stream("''", "<=", "DESC"),
		readData:          p(fmt.Sprintf(`SELECT json_data FROM %s WHERE position = ? AND message_id = ?`, messages)),
		headPosition:      fmt.Sprintf(`SELECT COALESCE(MAX(position), -1) FROM %s`, streams),
		listStreams:       p(fmt.Sprintf(`SELECT id_internal, id_original FROM %s WHERE deleted = 0 AND id_internal > ? ORDER BY id_internal LIMIT ?`, streams)),
		listStreamsLike:   p(fmt.Sprintf(`SELECT id_internal, id_original FROM %s WHERE deleted = 0 AND id_internal > ? AND id_original LIKE ? ESCAPE '!' ORDER BY id_internal LIMIT ?`, streams)),
		containsPrefix:    fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE stream_id_internal = ? AND message_id IN (`, messages),
	}
}

// contains builds the membership count for n ids.
func (q queries) contains(d Dialect, n int) string {
	return d.Placeholders(q.containsPrefix + strings.TrimSuffix(strings.Repeat("?, ", n), ", ") + ")")
}

// likeEscape escapes the LIKE wildcards of s with !.
func likeEscape(s string) string {
	return strings.NewReplacer("!", "!!", "%", "!%", "_", "!_").Replace(s)
}
