package streamstore

import (
	"context"
	"fmt"
	"time"

	"github.com/iidesho/streamstore/store"
	"github.com/iidesho/streamstore/traces"
	"go.opentelemetry.io/otel/attribute"
)

func validateMaxCount(maxCount int) error {
	if maxCount <= 0 {
		return fmt.Errorf("%w: %d", store.ErrInvalidMaxCount, maxCount)
	}
	return nil
}

// ReadAllForwards reads the global log from fromPosition inclusive.
func (s *Store) ReadAllForwards(ctx context.Context, fromPosition int64, maxCount int, prefetch bool) (page store.AllStreamsPage, err error) {
	if err = validateMaxCount(maxCount); err != nil {
		return
	}
	if s.closed() {
		return page, store.ErrClosed
	}
	ctx, span := traces.Start(ctx, "streamstore.read_all_forwards", attribute.Int64("from", fromPosition))
	defer func() { traces.End(span, err) }()
	defer observe("read_all_forwards", time.Now(), &err)

	page, err = s.backend.ReadAllForwards(ctx, fromPosition, maxCount, prefetch)
	if err != nil {
		return
	}
	page, err = s.reloadOnGap(ctx, page, maxCount, prefetch)
	if err != nil {
		return
	}
	page.Messages, err = s.filterExpired(ctx, page.Messages)
	return
}

// reloadOnGap rereads the last page of the log once when it skips positions. On backends where
// transactions commit out of order the gap may be a write that is not visible yet.
func (s *Store) reloadOnGap(ctx context.Context, page store.AllStreamsPage, maxCount int, prefetch bool) (store.AllStreamsPage, error) {
	gp, ok := s.backend.(store.GapProne)
	if !ok || !page.IsEnd || !page.HasGap() {
		return page, nil
	}
	delay := gp.GapReloadDelay()
	if delay <= 0 {
		return page, nil
	}
	log.Debug("gap in last page, reloading", "from", page.FromPosition, "delay", delay)
	select {
	case <-ctx.Done():
		return page, ctx.Err()
	case <-time.After(delay):
	}
	return s.backend.ReadAllForwards(ctx, page.FromPosition, maxCount, prefetch)
}

// ReadAllBackwards reads the global log from fromPosition inclusive towards the start.
// store.PositionEnd starts at the head.
func (s *Store) ReadAllBackwards(ctx context.Context, fromPosition int64, maxCount int, prefetch bool) (page store.AllStreamsPage, err error) {
	if err = validateMaxCount(maxCount); err != nil {
		return
	}
	if s.closed() {
		return page, store.ErrClosed
	}
	ctx, span := traces.Start(ctx, "streamstore.read_all_backwards", attribute.Int64("from", fromPosition))
	defer func() { traces.End(span, err) }()
	defer observe("read_all_backwards", time.Now(), &err)

	page, err = s.backend.ReadAllBackwards(ctx, fromPosition, maxCount, prefetch)
	if err != nil {
		return
	}
	page.Messages, err = s.filterExpired(ctx, page.Messages)
	return
}

func (s *Store) ReadStreamForwards(
	ctx context.Context,
	streamID string,
	fromVersion, maxCount int,
	prefetch bool,
) (page store.StreamPage, err error) {
	return s.readStream(ctx, streamID, fromVersion, maxCount, prefetch, store.Forward)
}

// ReadStreamBackwards reads streamID from fromVersion inclusive towards the start.
// store.StreamVersionEnd starts at the head of the stream.
func (s *Store) ReadStreamBackwards(
	ctx context.Context,
	streamID string,
	fromVersion, maxCount int,
	prefetch bool,
) (page store.StreamPage, err error) {
	return s.readStream(ctx, streamID, fromVersion, maxCount, prefetch, store.Backward)
}

func (s *Store) readStream(
	ctx context.Context,
	streamID string,
	fromVersion, maxCount int,
	prefetch bool,
	direction store.ReadDirection,
) (page store.StreamPage, err error) {
	if err = store.ValidateStreamID(streamID); err != nil {
		return
	}
	if err = validateMaxCount(maxCount); err != nil {
		return
	}
	if fromVersion < 0 {
		return page, fmt.Errorf("%w: from version %d", store.ErrInvalidVersion, fromVersion)
	}
	if s.closed() {
		return page, store.ErrClosed
	}
	op := "read_stream_" + direction.String() + "s"
	ctx, span := traces.Start(ctx, "streamstore."+op, attribute.String("stream", streamID))
	defer func() { traces.End(span, err) }()
	defer observe(op, time.Now(), &err)

	if direction == store.Forward {
		page, err = s.backend.ReadStreamForwards(ctx, streamID, fromVersion, maxCount, prefetch)
	} else {
		page, err = s.backend.ReadStreamBackwards(ctx, streamID, fromVersion, maxCount, prefetch)
	}
	if err != nil {
		return
	}
	page.Messages, err = s.filterExpired(ctx, page.Messages)
	return
}

// filterExpired drops messages past their stream's max age and queues their deletion.
func (s *Store) filterExpired(ctx context.Context, messages []store.Message) ([]store.Message, error) {
	if len(messages) == 0 {
		return messages, nil
	}
	now := s.opts.now()
	kept := make([]store.Message, 0, len(messages))
	for _, m := range messages {
		if store.IsSystemStream(m.StreamID) {
			kept = append(kept, m)
			continue
		}
		maxAge, ok, err := s.cache.GetMaxAge(ctx, m.StreamID)
		if err != nil {
			return nil, err
		}
		if ok && m.Expired(maxAge, now) {
			s.purge(m)
			continue
		}
		kept = append(kept, m)
	}
	return kept, nil
}

// purge queues the deletion of an expired message seen by a read.
func (s *Store) purge(m store.Message) {
	streamID, messageID := m.StreamID, m.MessageID
	s.queue.Enqueue(func(ctx context.Context) error {
		err := s.deleteMessage(ctx, streamID, messageID)
		if err != nil {
			log.WithError(err).Warning("purging expired message", "stream", streamID, "id", messageID)
		}
		return err
	})
}

// ReadHeadPosition returns the position of the last committed message, -1 for an empty store.
func (s *Store) ReadHeadPosition(ctx context.Context) (int64, error) {
	if s.closed() {
		return 0, store.ErrClosed
	}
	return s.backend.ReadHeadPosition(ctx)
}

// ReadStreamHeadVersion returns the last version of streamID, -1 when it does not exist.
func (s *Store) ReadStreamHeadVersion(ctx context.Context, streamID string) (int, error) {
	page, err := s.ReadStreamBackwards(ctx, streamID, store.StreamVersionEnd, 1, false)
	if err != nil {
		return 0, err
	}
	return page.LastVersion, nil
}

// ReadStreamHeadPosition returns the position of the last message of streamID, -1 when it does
// not exist.
func (s *Store) ReadStreamHeadPosition(ctx context.Context, streamID string) (int64, error) {
	page, err := s.ReadStreamBackwards(ctx, streamID, store.StreamVersionEnd, 1, false)
	if err != nil {
		return 0, err
	}
	return page.LastPosition, nil
}

func (s *Store) ListStreams(
	ctx context.Context,
	pattern store.Pattern,
	maxCount int,
	continuationToken string,
) (store.ListStreamsPage, error) {
	if err := validateMaxCount(maxCount); err != nil {
		return store.ListStreamsPage{}, err
	}
	if s.closed() {
		return store.ListStreamsPage{}, store.ErrClosed
	}
	return s.backend.ListStreams(ctx, pattern, maxCount, continuationToken)
}
