// Package ondisk is an embedded store.Backend persisted with badger.
package ondisk

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/gofrs/uuid"
	"github.com/iidesho/bragi/sbragi"
	"github.com/iidesho/streamstore/bcts"
	"github.com/iidesho/streamstore/store"
)

var log = sbragi.WithLocalScope(sbragi.LevelInfo)

type badgerLogger struct{}

func (badgerLogger) Errorf(f string, v ...interface{}) {
	log.Error(strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (badgerLogger) Warningf(f string, v ...interface{}) {
	log.Warning(strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (badgerLogger) Infof(f string, v ...interface{}) {
	log.Debug(strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (badgerLogger) Debugf(f string, v ...interface{}) {
	log.Trace(strings.TrimSpace(fmt.Sprintf(f, v...)))
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store keeps every message in one badger database. Appends and deletes are serialised by a
// write lock so positions are handed out in commit order.
type Store struct {
	db        *badger.DB
	now       func() time.Time
	writeLock sync.Mutex

	lock   sync.RWMutex
	closed bool
}

func Open(dir string, opts ...Option) (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(badgerLogger{}))
	if err != nil {
		return nil, fmt.Errorf("opening badger at %q: %w", dir, err)
	}
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	log.Info("opened on disk store", "dir", dir)
	return s, nil
}

func getStream(txn *badger.Txn, streamID string) (*streamRecord, error) {
	item, err := txn.Get(streamKey(streamID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	st, err := bcts.Read[streamRecord](data)
	if err != nil {
		return nil, fmt.Errorf("decoding stream %q: %w", streamID, err)
	}
	return &st, nil
}

func putStream(txn *badger.Txn, st *streamRecord) error {
	data, err := bcts.Write(*st)
	if err != nil {
		return err
	}
	return txn.Set(streamKey(st.ID), data)
}

func readNext(txn *badger.Txn) (int64, error) {
	item, err := txn.Get(nextKey)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var next int64
	err = item.Value(func(v []byte) error {
		next = int64(binary.BigEndian.Uint64(v))
		return nil
	})
	return next, err
}

func readMessage(txn *badger.Txn, position int64) (store.Message, error) {
	item, err := txn.Get(allKey(position))
	if err != nil {
		return store.Message{}, err
	}
	var rec messageRecord
	err = item.Value(func(v []byte) error {
		rec, err = bcts.Read[messageRecord](v)
		return err
	})
	if err != nil {
		return store.Message{}, fmt.Errorf("decoding message at %d: %w", position, err)
	}
	return store.Message(rec), nil
}

// lookup answers the append idempotency questions inside the write transaction.
type lookup struct {
	txn      *badger.Txn
	streamID string
}

func (l lookup) IDsAfter(_ context.Context, after, n int) ([]uuid.UUID, error) {
	scope := versionScope(l.streamID)
	it := l.txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	ids := make([]uuid.UUID, 0, n)
	for it.Seek(versionKey(l.streamID, after+1)); it.ValidForPrefix(scope) && len(ids) < n; it.Next() {
		err := it.Item().Value(func(v []byte) error {
			_, id := decodeVersionValue(v)
			ids = append(ids, id)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func (l lookup) Contains(_ context.Context, ids []uuid.UUID) (int, error) {
	present := 0
	for _, id := range ids {
		_, err := l.txn.Get(idKey(l.streamID, id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		present++
	}
	return present, nil
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
	unlock, err := s.guard(ctx)
	if err != nil {
		return
	}
	defer unlock()
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	fingerprint := store.FingerprintOf(streamID, expected, messages)
	err = s.db.Update(func(txn *badger.Txn) error {
		st, err := getStream(txn, streamID)
		if err != nil {
			return err
		}
		decision, err := store.CheckAppend(ctx, streamID, st.state(), expected, fingerprint, messages, lookup{txn: txn, streamID: streamID})
		if err != nil {
			return err
		}
		if decision == store.AppendIdempotent {
			log.Debug("idempotent append", "stream", streamID, "expected", expected)
			result = store.AppendResult{CurrentVersion: int(st.Version), CurrentPosition: st.Position}
			return nil
		}
		if st == nil {
			st = &streamRecord{ID: streamID, Version: -1, Position: -1}
		}
		next, err := readNext(txn)
		if err != nil {
			return err
		}
		created := s.now().UTC()
		for _, m := range messages {
			st.Version++
			st.Position = next
			next++
			data, err := bcts.Write(messageRecord{
				MessageID:     m.MessageID,
				StreamID:      streamID,
				StreamVersion: int(st.Version),
				Position:      st.Position,
				CreatedUTC:    created,
				Type:          m.Type,
				JSONData:      m.JSONData,
				JSONMetadata:  m.JSONMetadata,
			})
			if err != nil {
				return err
			}
			if err = txn.Set(allKey(st.Position), data); err != nil {
				return err
			}
			if err = txn.Set(versionKey(streamID, int(st.Version)), encodeVersionValue(st.Position, m.MessageID)); err != nil {
				return err
			}
			if err = txn.Set(idKey(streamID, m.MessageID), encodeIDValue(int(st.Version), st.Position)); err != nil {
				return err
			}
		}
		st.Deleted = false
		st.Fingerprint = fingerprint
		if err = txn.Set(nextKey, binary.BigEndian.AppendUint64(nil, uint64(next))); err != nil {
			return err
		}
		result = store.AppendResult{CurrentVersion: int(st.Version), CurrentPosition: st.Position}
		return putStream(txn, st)
	})
	return result, classify(err)
}

// classify marks badger errors that a retry can resolve.
func classify(err error) error {
	if errors.Is(err, badger.ErrConflict) {
		return store.Transient(err)
	}
	return err
}

func (s *Store) DeleteStream(ctx context.Context, streamID string, expected store.ExpectedVersion) (deleted bool, err error) {
	unlock, err := s.guard(ctx)
	if err != nil {
		return
	}
	defer unlock()
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	err = s.db.Update(func(txn *badger.Txn) error {
		st, err := getStream(txn, streamID)
		if err != nil {
			return err
		}
		if st == nil || st.Deleted {
			if expected >= 0 {
				return store.WrongExpectedVersion(streamID, expected)
			}
			return nil
		}
		if expected != store.Any && int(expected) != int(st.Version) {
			return store.WrongExpectedVersion(streamID, expected)
		}
		keys, err := streamKeys(txn, streamID)
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		st.Deleted = true
		st.Fingerprint = store.Fingerprint{}
		deleted = true
		return putStream(txn, st)
	})
	if deleted && err == nil {
		log.Debug("deleted stream", "stream", streamID)
	}
	return deleted && err == nil, classify(err)
}

// streamKeys collects every message key of a stream across the three indexes.
func streamKeys(txn *badger.Txn, streamID string) ([][]byte, error) {
	scope := versionScope(streamID)
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	var keys [][]byte
	for it.Seek(scope); it.ValidForPrefix(scope); it.Next() {
		item := it.Item()
		var position int64
		var id uuid.UUID
		err := item.Value(func(v []byte) error {
			position, id = decodeVersionValue(v)
			return nil
		})
		if err != nil {
			return nil, err
		}
		keys = append(keys, item.KeyCopy(nil), allKey(position), idKey(streamID, id))
	}
	return keys, nil
}

func (s *Store) DeleteMessage(ctx context.Context, streamID string, messageID uuid.UUID) (deleted bool, err error) {
	unlock, err := s.guard(ctx)
	if err != nil {
		return
	}
	defer unlock()
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	err = s.db.Update(func(txn *badger.Txn) error {
		key := idKey(streamID, messageID)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var version int
		var position int64
		err = item.Value(func(v []byte) error {
			version, position = decodeIDValue(v)
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range [][]byte{key, versionKey(streamID, version), allKey(position)} {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		deleted = true
		return nil
	})
	return deleted && err == nil, classify(err)
}

func (s *Store) ReadAllForwards(ctx context.Context, from int64, maxCount int, prefetch bool) (page store.AllStreamsPage, err error) {
	unlock, err := s.guard(ctx)
	if err != nil {
		return
	}
	defer unlock()
	page = store.AllStreamsPage{FromPosition: from, NextPosition: from, Direction: store.Forward}
	err = s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(allKey(from)); it.ValidForPrefix(allPrefix) && len(page.Messages) < maxCount; it.Next() {
			m, err := decodeItem(it.Item())
			if err != nil {
				return err
			}
			page.Messages = append(page.Messages, s.read(m, prefetch))
		}
		page.IsEnd = !it.ValidForPrefix(allPrefix)
		return nil
	})
	if n := len(page.Messages); n > 0 {
		page.NextPosition = page.Messages[n-1].Position + 1
	}
	return
}

func (s *Store) ReadAllBackwards(ctx context.Context, from int64, maxCount int, prefetch bool) (page store.AllStreamsPage, err error) {
	unlock, err := s.guard(ctx)
	if err != nil {
		return
	}
	defer unlock()
	page = store.AllStreamsPage{FromPosition: from, Direction: store.Backward}
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(allKey(from)); it.ValidForPrefix(allPrefix) && len(page.Messages) < maxCount; it.Next() {
			m, err := decodeItem(it.Item())
			if err != nil {
				return err
			}
			page.Messages = append(page.Messages, s.read(m, prefetch))
		}
		page.IsEnd = !it.ValidForPrefix(allPrefix)
		return nil
	})
	if n := len(page.Messages); n > 0 && !page.IsEnd {
		page.NextPosition = page.Messages[n-1].Position - 1
	}
	return
}

func decodeItem(item *badger.Item) (m store.Message, err error) {
	err = item.Value(func(v []byte) error {
		rec, err := bcts.Read[messageRecord](v)
		m = store.Message(rec)
		return err
	})
	return
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
	unlock, err := s.guard(ctx)
	if err != nil {
		return
	}
	defer unlock()
	err = s.db.View(func(txn *badger.Txn) error {
		st, err := getStream(txn, streamID)
		if err != nil {
			return err
		}
		switch {
		case st == nil:
			page = store.NotFoundPage(streamID, store.StatusStreamNotFound, from, direction)
			return nil
		case st.Deleted:
			page = store.NotFoundPage(streamID, store.StatusStreamDeleted, from, direction)
			return nil
		}
		page = store.StreamPage{
			StreamID:     streamID,
			Status:       store.StatusSuccess,
			FromVersion:  from,
			LastVersion:  int(st.Version),
			LastPosition: st.Position,
			Direction:    direction,
		}
		opts := badger.DefaultIteratorOptions
		opts.Reverse = direction == store.Backward
		it := txn.NewIterator(opts)
		defer it.Close()
		scope := versionScope(streamID)
		for it.Seek(versionKey(streamID, from)); it.ValidForPrefix(scope) && len(page.Messages) < maxCount; it.Next() {
			var position int64
			err := it.Item().Value(func(v []byte) error {
				position, _ = decodeVersionValue(v)
				return nil
			})
			if err != nil {
				return err
			}
			m, err := readMessage(txn, position)
			if err != nil {
				return err
			}
			page.Messages = append(page.Messages, s.read(m, prefetch))
		}
		page.IsEnd = !it.ValidForPrefix(scope)
		n := len(page.Messages)
		switch {
		case direction == store.Forward && n > 0:
			page.NextVersion = page.Messages[n-1].StreamVersion + 1
		case direction == store.Forward:
			page.NextVersion = int(st.Version) + 1
		case n > 0:
			page.NextVersion = page.Messages[n-1].StreamVersion - 1
		default:
			page.NextVersion = -1
		}
		return nil
	})
	return
}

func (s *Store) read(m store.Message, prefetch bool) store.Message {
	if prefetch {
		return m
	}
	streamID, messageID, position := m.StreamID, m.MessageID, m.Position
	return m.Lazy(func(ctx context.Context) (data string, err error) {
		unlock, err := s.guard(ctx)
		if err != nil {
			return "", err
		}
		defer unlock()
		err = s.db.View(func(txn *badger.Txn) error {
			m, err := readMessage(txn, position)
			if errors.Is(err, badger.ErrKeyNotFound) || (err == nil && m.MessageID != messageID) {
				return fmt.Errorf("%w: %s in %q", store.ErrMessageNotFound, messageID, streamID)
			}
			data = m.JSONData
			return err
		})
		return
	})
}

func (s *Store) ReadHeadPosition(ctx context.Context) (head int64, err error) {
	unlock, err := s.guard(ctx)
	if err != nil {
		return
	}
	defer unlock()
	err = s.db.View(func(txn *badger.Txn) error {
		next, err := readNext(txn)
		head = next - 1
		return err
	})
	return
}

// ListStreams pages through live stream ids in key order. The continuation token is the last id
// of the previous page.
func (s *Store) ListStreams(
	ctx context.Context,
	pattern store.Pattern,
	maxCount int,
	continuationToken string,
) (page store.ListStreamsPage, err error) {
	if maxCount <= 0 {
		return store.ListStreamsPage{}, fmt.Errorf("%w: %d", store.ErrInvalidMaxCount, maxCount)
	}
	unlock, err := s.guard(ctx)
	if err != nil {
		return
	}
	defer unlock()
	err = s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(streamKey(continuationToken)); it.ValidForPrefix(streamPrefix); it.Next() {
			id := string(it.Item().Key()[len(streamPrefix):])
			if id <= continuationToken || !pattern.Match(id) {
				continue
			}
			var st streamRecord
			err := it.Item().Value(func(v []byte) (err error) {
				st, err = bcts.Read[streamRecord](v)
				return
			})
			if err != nil {
				return err
			}
			if st.Deleted {
				continue
			}
			if len(page.StreamIDs) == maxCount {
				page.ContinuationToken = page.StreamIDs[maxCount-1]
				return nil
			}
			page.StreamIDs = append(page.StreamIDs, id)
		}
		return nil
	})
	return
}

// guard holds the close lock for the duration of an operation.
func (s *Store) guard(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.lock.RLock()
	if s.closed {
		s.lock.RUnlock()
		return nil, store.ErrClosed
	}
	return s.lock.RUnlock, nil
}

func (s *Store) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	log.Info("closing on disk store")
	return s.db.Close()
}
