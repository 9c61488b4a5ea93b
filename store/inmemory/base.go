package inmemory

import (
	"cmp"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/iidesho/bragi/sbragi"
	"github.com/iidesho/streamstore/store"
	"golang.org/x/exp/slices"
)

var log = sbragi.WithLocalScope(sbragi.LevelInfo)

type stream struct {
	id          string
	messages    []store.Message
	version     int
	position    int64
	deleted     bool
	fingerprint store.Fingerprint
}

func (s *stream) state() store.StreamState {
	if s == nil {
		return store.StreamState{Version: -1, Position: -1}
	}
	return store.StreamState{
		Exists:      !s.deleted && s.version >= 0,
		Version:     s.version,
		Position:    s.position,
		Fingerprint: s.fingerprint,
	}
}

func (s *stream) IDsAfter(_ context.Context, after, n int) ([]uuid.UUID, error) {
	if s == nil {
		return nil, nil
	}
	i, _ := slices.BinarySearchFunc(s.messages, after+1, byVersion)
	ids := make([]uuid.UUID, 0, n)
	for ; i < len(s.messages) && len(ids) < n; i++ {
		ids = append(ids, s.messages[i].MessageID)
	}
	return ids, nil
}

func (s *stream) Contains(_ context.Context, ids []uuid.UUID) (int, error) {
	if s == nil {
		return 0, nil
	}
	present := 0
	for _, id := range ids {
		if s.index(id) != -1 {
			present++
		}
	}
	return present, nil
}

func (s *stream) index(id uuid.UUID) int {
	return slices.IndexFunc(s.messages, func(m store.Message) bool { return m.MessageID == id })
}

func byVersion(m store.Message, version int) int {
	return cmp.Compare(m.StreamVersion, version)
}

func byPosition(m store.Message, position int64) int {
	return cmp.Compare(m.Position, position)
}

type Option func(*Store)

// WithClock sets the clock stamping CreatedUTC on appended messages.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store keeps every stream in process memory. Positions start at 0.
type Store struct {
	lock    sync.RWMutex
	all     []store.Message
	streams map[string]*stream
	next    int64
	now     func() time.Time
	closed  bool
}

func New(opts ...Option) *Store {
	s := &Store{
		streams: make(map[string]*stream),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) AppendToStream(
	ctx context.Context,
	streamID string,
	expected store.ExpectedVersion,
	messages []store.NewMessage,
) (store.AppendResult, error) {
	if err := store.ValidateAppend(streamID, expected, messages); err != nil {
		return store.AppendResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return store.AppendResult{}, err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return store.AppendResult{}, store.ErrClosed
	}
	st := s.streams[streamID]
	fingerprint := store.FingerprintOf(streamID, expected, messages)
	decision, err := store.CheckAppend(ctx, streamID, st.state(), expected, fingerprint, messages, st)
	if err != nil {
		return store.AppendResult{}, err
	}
	if decision == store.AppendIdempotent {
		log.Debug("idempotent append", "stream", streamID, "expected", expected)
		return store.AppendResult{CurrentVersion: st.version, CurrentPosition: st.position}, nil
	}
	if st == nil {
		st = &stream{id: streamID, version: -1, position: -1}
		s.streams[streamID] = st
	}
	st.deleted = false
	created := s.now().UTC()
	for _, m := range messages {
		st.version++
		st.position = s.next
		s.next++
		stored := store.Message{
			MessageID:     m.MessageID,
			StreamID:      streamID,
			StreamVersion: st.version,
			Position:      st.position,
			CreatedUTC:    created,
			Type:          m.Type,
			JSONData:      m.JSONData,
			JSONMetadata:  m.JSONMetadata,
		}
		st.messages = append(st.messages, stored)
		s.all = append(s.all, stored)
	}
	st.fingerprint = fingerprint
	return store.AppendResult{CurrentVersion: st.version, CurrentPosition: st.position}, nil
}

func (s *Store) DeleteStream(ctx context.Context, streamID string, expected store.ExpectedVersion) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return false, store.ErrClosed
	}
	st := s.streams[streamID]
	if st == nil || st.deleted {
		if expected >= 0 {
			return false, store.WrongExpectedVersion(streamID, expected)
		}
		return false, nil
	}
	if expected != store.Any && int(expected) != st.version {
		return false, store.WrongExpectedVersion(streamID, expected)
	}
	for _, m := range st.messages {
		s.removeFromAll(m.Position)
	}
	st.messages = nil
	st.deleted = true
	st.fingerprint = store.Fingerprint{}
	return true, nil
}

func (s *Store) DeleteMessage(ctx context.Context, streamID string, messageID uuid.UUID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return false, store.ErrClosed
	}
	st := s.streams[streamID]
	if st == nil {
		return false, nil
	}
	i := st.index(messageID)
	if i == -1 {
		return false, nil
	}
	s.removeFromAll(st.messages[i].Position)
	st.messages = slices.Delete(st.messages, i, i+1)
	return true, nil
}

func (s *Store) removeFromAll(position int64) {
	i, found := slices.BinarySearchFunc(s.all, position, byPosition)
	if found {
		s.all = slices.Delete(s.all, i, i+1)
	}
}

func (s *Store) ReadAllForwards(ctx context.Context, from int64, maxCount int, prefetch bool) (store.AllStreamsPage, error) {
	if err := s.guard(ctx); err != nil {
		return store.AllStreamsPage{}, err
	}
	s.lock.RLock()
	defer s.lock.RUnlock()
	page := store.AllStreamsPage{FromPosition: from, NextPosition: from, Direction: store.Forward}
	i, _ := slices.BinarySearchFunc(s.all, from, byPosition)
	for ; i < len(s.all) && len(page.Messages) < maxCount; i++ {
		page.Messages = append(page.Messages, s.read(s.all[i], prefetch))
	}
	page.IsEnd = i >= len(s.all)
	if n := len(page.Messages); n > 0 {
		page.NextPosition = page.Messages[n-1].Position + 1
	}
	return page, nil
}

func (s *Store) ReadAllBackwards(ctx context.Context, from int64, maxCount int, prefetch bool) (store.AllStreamsPage, error) {
	if err := s.guard(ctx); err != nil {
		return store.AllStreamsPage{}, err
	}
	s.lock.RLock()
	defer s.lock.RUnlock()
	page := store.AllStreamsPage{FromPosition: from, Direction: store.Backward}
	i := len(s.all) - 1
	if from != store.PositionEnd {
		j, found := slices.BinarySearchFunc(s.all, from, byPosition)
		if !found {
			j--
		}
		i = j
	}
	for ; i >= 0 && len(page.Messages) < maxCount; i-- {
		page.Messages = append(page.Messages, s.read(s.all[i], prefetch))
	}
	page.IsEnd = i < 0
	if n := len(page.Messages); n > 0 && !page.IsEnd {
		page.NextPosition = page.Messages[n-1].Position - 1
	}
	return page, nil
}

func (s *Store) ReadStreamForwards(
	ctx context.Context,
	streamID string,
	from, maxCount int,
	prefetch bool,
) (store.StreamPage, error) {
	if err := s.guard(ctx); err != nil {
		return store.StreamPage{}, err
	}
	s.lock.RLock()
	defer s.lock.RUnlock()
	st := s.streams[streamID]
	if page, ok := exists(st, streamID, from, store.Forward); !ok {
		return page, nil
	}
	page := s.streamPage(st, from, store.Forward)
	i, _ := slices.BinarySearchFunc(st.messages, from, byVersion)
	for ; i < len(st.messages) && len(page.Messages) < maxCount; i++ {
		page.Messages = append(page.Messages, s.read(st.messages[i], prefetch))
	}
	page.IsEnd = i >= len(st.messages)
	page.NextVersion = st.version + 1
	if n := len(page.Messages); n > 0 {
		page.NextVersion = page.Messages[n-1].StreamVersion + 1
	}
	return page, nil
}

func (s *Store) ReadStreamBackwards(
	ctx context.Context,
	streamID string,
	from, maxCount int,
	prefetch bool,
) (store.StreamPage, error) {
	if err := s.guard(ctx); err != nil {
		return store.StreamPage{}, err
	}
	s.lock.RLock()
	defer s.lock.RUnlock()
	st := s.streams[streamID]
	if page, ok := exists(st, streamID, from, store.Backward); !ok {
		return page, nil
	}
	page := s.streamPage(st, from, store.Backward)
	i := len(st.messages) - 1
	if from != store.StreamVersionEnd {
		j, found := slices.BinarySearchFunc(st.messages, from, byVersion)
		if !found {
			j--
		}
		i = j
	}
	for ; i >= 0 && len(page.Messages) < maxCount; i-- {
		page.Messages = append(page.Messages, s.read(st.messages[i], prefetch))
	}
	page.IsEnd = i < 0
	page.NextVersion = -1
	if n := len(page.Messages); n > 0 {
		page.NextVersion = page.Messages[n-1].StreamVersion - 1
	}
	return page, nil
}

func exists(st *stream, streamID string, from int, direction store.ReadDirection) (store.StreamPage, bool) {
	switch {
	case st == nil:
		return store.NotFoundPage(streamID, store.StatusStreamNotFound, from, direction), false
	case st.deleted:
		return store.NotFoundPage(streamID, store.StatusStreamDeleted, from, direction), false
	}
	return store.StreamPage{}, true
}

func (s *Store) streamPage(st *stream, from int, direction store.ReadDirection) store.StreamPage {
	return store.StreamPage{
		StreamID:     st.id,
		Status:       store.StatusSuccess,
		FromVersion:  from,
		LastVersion:  st.version,
		LastPosition: st.position,
		Direction:    direction,
	}
}

func (s *Store) read(m store.Message, prefetch bool) store.Message {
	if prefetch {
		return m
	}
	streamID, messageID := m.StreamID, m.MessageID
	return m.Lazy(func(ctx context.Context) (string, error) {
		return s.readMessageData(ctx, streamID, messageID)
	})
}

func (s *Store) readMessageData(ctx context.Context, streamID string, messageID uuid.UUID) (string, error) {
	if err := s.guard(ctx); err != nil {
		return "", err
	}
	s.lock.RLock()
	defer s.lock.RUnlock()
	st := s.streams[streamID]
	if st == nil {
		return "", fmt.Errorf("%w: %s in %q", store.ErrMessageNotFound, messageID, streamID)
	}
	i := st.index(messageID)
	if i == -1 {
		return "", fmt.Errorf("%w: %s in %q", store.ErrMessageNotFound, messageID, streamID)
	}
	return st.messages[i].JSONData, nil
}

func (s *Store) ReadHeadPosition(ctx context.Context) (int64, error) {
	if err := s.guard(ctx); err != nil {
		return 0, err
	}
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.next - 1, nil
}

// ListStreams pages through live stream ids in lexical order. The continuation token is the
// last id of the previous page.
func (s *Store) ListStreams(
	ctx context.Context,
	pattern store.Pattern,
	maxCount int,
	continuationToken string,
) (store.ListStreamsPage, error) {
	if maxCount <= 0 {
		return store.ListStreamsPage{}, fmt.Errorf("%w: %d", store.ErrInvalidMaxCount, maxCount)
	}
	if err := s.guard(ctx); err != nil {
		return store.ListStreamsPage{}, err
	}
	s.lock.RLock()
	ids := make([]string, 0, len(s.streams))
	for id, st := range s.streams {
		if st.deleted || id <= continuationToken || !pattern.Match(id) {
			continue
		}
		ids = append(ids, id)
	}
	s.lock.RUnlock()
	sort.Strings(ids)
	page := store.ListStreamsPage{StreamIDs: ids}
	if len(ids) > maxCount {
		page.StreamIDs = ids[:maxCount]
		page.ContinuationToken = ids[maxCount-1]
	}
	return page, nil
}

func (s *Store) guard(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.closed {
		return store.ErrClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.closed = true
	return nil
}
