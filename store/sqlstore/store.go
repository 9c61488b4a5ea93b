// Package sqlstore is a store.Backend over database/sql shared by the relational engines.
//
// Streams live in one table keyed by the hash of their id, messages in another whose auto
// incremented key is the global position.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid"
	"github.com/iidesho/bragi/sbragi"
	"github.com/iidesho/streamstore/store"
	"github.com/pkg/errors"
)

var log = sbragi.WithLocalScope(sbragi.LevelInfo)

type options struct {
	prefix    string
	now       func() time.Time
	gapDelay  *time.Duration
	skipSetup bool
	txRetries int
}

type Option func(*options)

// WithTablePrefix prefixes both table names, letting several stores share a database.
func WithTablePrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithGapReloadDelay overrides the dialect's delay before rereading a head page with gaps.
func WithGapReloadDelay(d time.Duration) Option {
	return func(o *options) { o.gapDelay = &d }
}

// WithTxRetries bounds how often an append transaction that lost a lock race is rerun before
// the transient error is returned. SetAppendRetries replaces the bound.
func WithTxRetries(n int) Option {
	return func(o *options) { o.txRetries = n }
}

// WithoutSchema skips creating the tables.
func WithoutSchema() Option {
	return func(o *options) { o.skipSetup = true }
}

type Store struct {
	db       *sql.DB
	dialect  Dialect
	q        queries
	now      func() time.Time
	gapDelay time.Duration
	notify   string
	retries  atomic.Int32
}

// New wraps an open database. The store owns db and closes it on Close.
func New(ctx context.Context, db *sql.DB, dialect Dialect, opts ...Option) (*Store, error) {
	o := options{now: time.Now, txRetries: 3}
	for _, opt := range opts {
		opt(&o)
	}
	streams, messages := o.prefix+"streams", o.prefix+"messages"
	s := &Store{
		db:       db,
		dialect:  dialect,
		q:        buildQueries(dialect, streams, messages),
		now:      o.now,
		gapDelay: dialect.GapReloadDelay(),
	}
	s.retries.Store(int32(o.txRetries))
	if o.gapDelay != nil {
		s.gapDelay = *o.gapDelay
	}
	if n, ok := dialect.(Notifying); ok {
		s.notify = n.NotifyStatement()
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Wrapf(err, "pinging %s", dialect.Name())
	}
	if !o.skipSetup {
		for _, stmt := range dialect.Schema(streams, messages) {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return nil, errors.Wrapf(err, "creating %s schema", dialect.Name())
			}
		}
	}
	log.Info("opened sql store", "dialect", dialect.Name(), "streams", streams, "messages", messages)
	return s, nil
}

// GapReloadDelay makes the store a store.GapProne backend.
func (s *Store) GapReloadDelay() time.Duration {
	return s.gapDelay
}

// DB exposes the connection pool, for example for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

type streamRow struct {
	internal    int64
	version     int
	position    int64
	deleted     bool
	fingerprint store.Fingerprint
}

func (r *streamRow) state() store.StreamState {
	if r == nil {
		return store.StreamState{Version: -1, Position: -1}
	}
	return store.StreamState{
		Exists:      !r.deleted && r.version >= 0,
		Version:     r.version,
		Position:    r.position,
		Fingerprint: r.fingerprint,
	}
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) stream(ctx context.Context, q querier, query, streamID string) (*streamRow, error) {
	var r streamRow
	var deleted int
	var fingerprint string
	err := q.QueryRowContext(ctx, query, store.HashStreamID(streamID)).
		Scan(&r.internal, &r.version, &r.position, &deleted, &fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading stream %q", streamID)
	}
	r.deleted = deleted != 0
	if fingerprint != "" {
		if r.fingerprint, err = store.ParseFingerprint(fingerprint); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

// lookup answers the append idempotency questions inside the write transaction.
type lookup struct {
	s        *Store
	tx       *sql.Tx
	internal int64
}

func (l lookup) IDsAfter(ctx context.Context, after, n int) ([]uuid.UUID, error) {
	if l.internal == 0 {
		return nil, nil
	}
	rows, err := l.tx.QueryContext(ctx, l.s.q.idsAfter, l.internal, after, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := make([]uuid.UUID, 0, n)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		id, err := uuid.FromString(raw)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (l lookup) Contains(ctx context.Context, ids []uuid.UUID) (n int, err error) {
	if l.internal == 0 || len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, l.internal)
	for _, id := range ids {
		args = append(args, id.String())
	}
	err = l.tx.QueryRowContext(ctx, l.s.q.contains(l.s.dialect, len(ids)), args...).Scan(&n)
	return
}

// inTx runs fn in a transaction and classifies what the engine reports.
func (s *Store) inTx(ctx context.Context, streamID string, expected store.ExpectedVersion, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.classify(err, streamID, expected)
	}
	defer func() {
		if err != nil {
			if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
				log.WithError(rerr).Warning("rolling back", "stream", streamID)
			}
			err = s.classify(err, streamID, expected)
		}
	}()
	if err = fn(tx); err != nil {
		return
	}
	return tx.Commit()
}

func (s *Store) classify(err error, streamID string, expected store.ExpectedVersion) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrWrongExpectedVersion):
		return err
	case s.dialect.IsUniqueViolation(err):
		log.Debug("unique violation on append", "stream", streamID, "expected", expected)
		return store.WrongExpectedVersion(streamID, expected)
	case s.dialect.IsTransient(err):
		return store.Transient(err)
	}
	return err
}

func (s *Store) AppendToStream(
	ctx context.Context,
	streamID string,
	expected store.ExpectedVersion,
	messages []store.NewMessage,
) (result store.AppendResult, err error) {
	if err = store.ValidateAppend(streamID, expected, messages); err != nil {
		return
	}
	fingerprint := store.FingerprintOf(streamID, expected, messages)
	return rerun(ctx, int(s.retries.Load()), func() (store.AppendResult, error) {
		return s.appendOnce(ctx, streamID, expected, fingerprint, messages)
	})
}

// SetAppendRetries makes the store a store.SelfRetrying backend.
func (s *Store) SetAppendRetries(attempts int) {
	s.retries.Store(int32(attempts))
}

// rerun calls appendOnce again while it fails with a transient error, at most retries times.
func rerun(ctx context.Context, retries int, appendOnce func() (store.AppendResult, error)) (store.AppendResult, error) {
	for attempt := 0; ; attempt++ {
		result, err := appendOnce()
		if err == nil || !store.IsTransient(err) || ctx.Err() != nil {
			return result, err
		}
		if attempt >= retries {
			return result, fmt.Errorf("%w after %d attempts: %w", store.ErrRetriesExhausted, attempt+1, err)
		}
		log.WithError(err).Debug("append transaction lost a lock race, rerunning", "attempt", attempt+1)
	}
}

func (s *Store) appendOnce(
	ctx context.Context,
	streamID string,
	expected store.ExpectedVersion,
	fingerprint store.Fingerprint,
	messages []store.NewMessage,
) (result store.AppendResult, err error) {
	err = s.inTx(ctx, streamID, expected, func(tx *sql.Tx) error {
		st, err := s.stream(ctx, tx, s.q.selectStreamWrite, streamID)
		if err != nil {
			return err
		}
		l := lookup{s: s, tx: tx}
		if st != nil {
			l.internal = st.internal
		}
		decision, err := store.CheckAppend(ctx, streamID, st.state(), expected, fingerprint, messages, l)
		if err != nil {
			return err
		}
		if decision == store.AppendIdempotent {
			result = store.AppendResult{CurrentVersion: st.version, CurrentPosition: st.position}
			return nil
		}
		if st == nil {
			internal, err := s.insert(ctx, tx, s.q.insertStream, store.HashStreamID(streamID), streamID)
			if err != nil {
				return err
			}
			st = &streamRow{internal: internal, version: -1, position: -1}
		}
		created := s.now().UTC().UnixMicro()
		for _, m := range messages {
			st.version++
			position, err := s.insert(ctx, tx, s.q.insertMessage,
				st.internal, st.version, m.MessageID.String(), created, m.Type, m.JSONData, m.JSONMetadata)
			if err != nil {
				return err
			}
			st.position = position
		}
		if _, err = tx.ExecContext(ctx, s.q.updateStream, st.version, st.position, fingerprint.String(), st.internal); err != nil {
			return err
		}
		if s.notify != "" {
			if _, err = tx.ExecContext(ctx, s.notify); err != nil {
				return err
			}
		}
		result = store.AppendResult{CurrentVersion: st.version, CurrentPosition: st.position}
		return nil
	})
	return
}

func (s *Store) insert(ctx context.Context, tx *sql.Tx, query string, args ...any) (id int64, err error) {
	if s.dialect.Returning() {
		err = tx.QueryRowContext(ctx, query, args...).Scan(&id)
		return
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) DeleteStream(ctx context.Context, streamID string, expected store.ExpectedVersion) (deleted bool, err error) {
	err = s.inTx(ctx, streamID, expected, func(tx *sql.Tx) error {
		st, err := s.stream(ctx, tx, s.q.selectStreamWrite, streamID)
		if err != nil {
			return err
		}
		if st == nil || st.deleted {
			if expected >= 0 {
				return store.WrongExpectedVersion(streamID, expected)
			}
			return nil
		}
		if expected != store.Any && int(expected) != st.version {
			return store.WrongExpectedVersion(streamID, expected)
		}
		if _, err = tx.ExecContext(ctx, s.q.deleteMessages, st.internal); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, s.q.markDeleted, st.internal); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	return deleted && err == nil, err
}

func (s *Store) DeleteMessage(ctx context.Context, streamID string, messageID uuid.UUID) (deleted bool, err error) {
	err = s.inTx(ctx, streamID, store.Any, func(tx *sql.Tx) error {
		st, err := s.stream(ctx, tx, s.q.selectStreamWrite, streamID)
		if err != nil || st == nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.q.deleteMessage, st.internal, messageID.String())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		deleted = n > 0
		return err
	})
	return deleted && err == nil, err
}

func limit(maxCount int) int64 {
	return int64(maxCount) + 1
}

func (s *Store) ReadAllForwards(ctx context.Context, from int64, maxCount int, prefetch bool) (page store.AllStreamsPage, err error) {
	query := s.q.readAllForwards
	if !prefetch {
		query = s.q.readAllLazyFwd
	}
	page = store.AllStreamsPage{FromPosition: from, NextPosition: from, Direction: store.Forward}
	page.Messages, page.IsEnd, err = s.readAll(ctx, query, from, maxCount, prefetch)
	if n := len(page.Messages); n > 0 {
		page.NextPosition = page.Messages[n-1].Position + 1
	}
	return
}

func (s *Store) ReadAllBackwards(ctx context.Context, from int64, maxCount int, prefetch bool) (page store.AllStreamsPage, err error) {
	query := s.q.readAllBackwards
	if !prefetch {
		query = s.q.readAllLazyBwd
	}
	page = store.AllStreamsPage{FromPosition: from, Direction: store.Backward}
	page.Messages, page.IsEnd, err = s.readAll(ctx, query, from, maxCount, prefetch)
	if n := len(page.Messages); n > 0 && !page.IsEnd {
		page.NextPosition = page.Messages[n-1].Position - 1
	}
	return
}

func (s *Store) readAll(ctx context.Context, query string, from int64, maxCount int, prefetch bool) ([]store.Message, bool, error) {
	rows, err := s.db.QueryContext(ctx, query, from, limit(maxCount))
	if err != nil {
		return nil, false, errors.Wrap(s.classify(err, "", store.Any), "reading all")
	}
	defer rows.Close()
	var messages []store.Message
	for rows.Next() {
		var m store.Message
		var id string
		var created int64
		if err := rows.Scan(&m.Position, &m.StreamVersion, &id, &created, &m.Type, &m.JSONData, &m.JSONMetadata, &m.StreamID); err != nil {
			return nil, false, err
		}
		if m.MessageID, err = uuid.FromString(id); err != nil {
			return nil, false, err
		}
		m.CreatedUTC = time.UnixMicro(created).UTC()
		messages = append(messages, s.read(m, prefetch))
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	if len(messages) > maxCount {
		return messages[:maxCount], false, nil
	}
	return messages, true, nil
}

func (s *Store) ReadStreamForwards(
	ctx context.Context,
	streamID string,
	from, maxCount int,
	prefetch bool,
) (store.StreamPage, error) {
	return s.readStream(ctx, streamID, from, maxCount, prefetch, store.Forward)
}

func (s *Store) ReadStreamBackwards(
	ctx context.Context,
	streamID string,
	from, maxCount int,
	prefetch bool,
) (store.StreamPage, error) {
	return s.readStream(ctx, streamID, from, maxCount, prefetch, store.Backward)
}

func (s *Store) readStream(
	ctx context.Context,
	streamID string,
	from, maxCount int,
	prefetch bool,
	direction store.ReadDirection,
) (page store.StreamPage, err error) {
	st, err := s.stream(ctx, s.db, s.q.selectStream, streamID)
	if err != nil {
		return
	}
	switch {
	case st == nil:
		return store.NotFoundPage(streamID, store.StatusStreamNotFound, from, direction), nil
	case st.deleted:
		return store.NotFoundPage(streamID, store.StatusStreamDeleted, from, direction), nil
	}
	var query string
	switch {
	case direction == store.Forward && prefetch:
		query = s.q.readStreamFwd
	case direction == store.Forward:
		query = s.q.readStreamLazyFwd
	case prefetch:
		query = s.q.readStreamBwd
	default:
		query = s.q.readStreamLazyBwd
	}
	page = store.StreamPage{
		StreamID:     streamID,
		Status:       store.StatusSuccess,
		FromVersion:  from,
		LastVersion:  st.version,
		LastPosition: st.position,
		Direction:    direction,
	}
	rows, err := s.db.QueryContext(ctx, query, st.internal, from, limit(maxCount))
	if err != nil {
		return page, errors.Wrapf(err, "reading stream %q", streamID)
	}
	defer rows.Close()
	for rows.Next() {
		m := store.Message{StreamID: streamID}
		var id string
		var created int64
		if err = rows.Scan(&m.Position, &m.StreamVersion, &id, &created, &m.Type, &m.JSONData, &m.JSONMetadata); err != nil {
			return
		}
		if m.MessageID, err = uuid.FromString(id); err != nil {
			return
		}
		m.CreatedUTC = time.UnixMicro(created).UTC()
		page.Messages = append(page.Messages, s.read(m, prefetch))
	}
	if err = rows.Err(); err != nil {
		return
	}
	page.IsEnd = len(page.Messages) <= maxCount
	if !page.IsEnd {
		page.Messages = page.Messages[:maxCount]
	}
	n := len(page.Messages)
	switch {
	case direction == store.Forward && n > 0:
		page.NextVersion = page.Messages[n-1].StreamVersion + 1
	case direction == store.Forward:
		page.NextVersion = st.version + 1
	case n > 0:
		page.NextVersion = page.Messages[n-1].StreamVersion - 1
	default:
		page.NextVersion = -1
	}
	return
}

func (s *Store) read(m store.Message, prefetch bool) store.Message {
	if prefetch {
		return m
	}
	streamID, messageID, position := m.StreamID, m.MessageID, m.Position
	return m.Lazy(func(ctx context.Context) (data string, err error) {
		err = s.db.QueryRowContext(ctx, s.q.readData, position, messageID.String()).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: %s in %q", store.ErrMessageNotFound, messageID, streamID)
		}
		return
	})
}

func (s *Store) ReadHeadPosition(ctx context.Context) (head int64, err error) {
	err = s.db.QueryRowContext(ctx, s.q.headPosition).Scan(&head)
	return
}

// ListStreams pages through live streams in creation order. The continuation token is the
// internal id of the last stream of the previous page.
func (s *Store) ListStreams(
	ctx context.Context,
	pattern store.Pattern,
	maxCount int,
	continuationToken string,
) (page store.ListStreamsPage, err error) {
	if maxCount <= 0 {
		return store.ListStreamsPage{}, fmt.Errorf("%w: %d", store.ErrInvalidMaxCount, maxCount)
	}
	var after int64
	if continuationToken != "" {
		if after, err = strconv.ParseInt(continuationToken, 10, 64); err != nil {
			return page, fmt.Errorf("invalid continuation token %q: %w", continuationToken, err)
		}
	}
	var rows *sql.Rows
	switch pattern.Kind {
	case store.PatternStartsWith:
		rows, err = s.db.QueryContext(ctx, s.q.listStreamsLike, after, likeEscape(pattern.Value)+"%", limit(maxCount))
	case store.PatternEndsWith:
		rows, err = s.db.QueryContext(ctx, s.q.listStreamsLike, after, "%"+likeEscape(pattern.Value), limit(maxCount))
	default:
		rows, err = s.db.QueryContext(ctx, s.q.listStreams, after, limit(maxCount))
	}
	if err != nil {
		return
	}
	defer rows.Close()
	var last int64
	for rows.Next() {
		var internal int64
		var id string
		if err = rows.Scan(&internal, &id); err != nil {
			return
		}
		if len(page.StreamIDs) == maxCount {
			page.ContinuationToken = strconv.FormatInt(last, 10)
			break
		}
		page.StreamIDs = append(page.StreamIDs, id)
		last = internal
	}
	err = rows.Err()
	return
}

func (s *Store) Close() error {
	log.Info("closing sql store", "dialect", s.dialect.Name())
	return s.db.Close()
}
