package subscription

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/iidesho/streamstore/notifier"
	"github.com/iidesho/streamstore/store"
)

// StreamReader is the part of the store a stream subscription reads through.
type StreamReader interface {
	ReadStreamForwards(ctx context.Context, streamID string, fromVersion, maxCount int, prefetch bool) (store.StreamPage, error)
	ReadStreamBackwards(ctx context.Context, streamID string, fromVersion, maxCount int, prefetch bool) (store.StreamPage, error)
}

type StreamHandler func(ctx context.Context, sub *Stream, m store.Message) error

// Stream delivers the messages of a single stream from a version onwards.
type Stream struct {
	*base
	reader   StreamReader
	streamID string
	from     int
	next     int
	pageNext int
	last     atomic.Int64
}

// SubscribeToStream starts delivering from fromVersion inclusive. store.StreamVersionEnd
// delivers only messages appended after the subscription started.
func SubscribeToStream(
	ctx, storeCtx context.Context,
	reader StreamReader,
	n notifier.Notifier,
	streamID string,
	fromVersion int,
	handler StreamHandler,
	opts ...Option,
) *Stream {
	s := &Stream{reader: reader, streamID: streamID, from: fromVersion}
	s.last.Store(-1)
	o := buildOptions(opts)
	if o.name == "" {
		o.name = streamID
	}
	s.base = newBase(ctx, storeCtx, n, s, func(ctx context.Context, m store.Message) error {
		return handler(ctx, s, m)
	}, o)
	go s.run()
	return s
}

func (s *Stream) init(ctx context.Context) error {
	saved, ok, err := s.loadCheckpoint(ctx)
	if err != nil {
		return err
	}
	if ok {
		s.next = int(saved) + 1
		s.last.Store(saved)
		return nil
	}
	if s.from != store.StreamVersionEnd {
		s.next = s.from
		return nil
	}
	page, err := s.reader.ReadStreamBackwards(ctx, s.streamID, store.StreamVersionEnd, 1, false)
	if err != nil {
		return err
	}
	s.next = page.LastVersion + 1
	return nil
}

func (s *Stream) pull(ctx context.Context) ([]store.Message, bool, error) {
	page, err := s.reader.ReadStreamForwards(ctx, s.streamID, s.next, s.opts.pageSize, s.opts.prefetch)
	if err != nil {
		return nil, false, err
	}
	if page.Status == store.StatusStreamDeleted {
		return nil, false, fmt.Errorf("%w: %q", ErrStreamDeleted, s.streamID)
	}
	s.pageNext = page.NextVersion
	return page.Messages, page.IsEnd, nil
}

func (s *Stream) advance(m store.Message) int64 {
	s.next = m.StreamVersion + 1
	s.last.Store(int64(m.StreamVersion))
	return int64(m.StreamVersion)
}

func (s *Stream) settle() {
	if s.pageNext > s.next {
		s.next = s.pageNext
	}
}

func (s *Stream) StreamID() string {
	return s.streamID
}

// LastVersion is the version of the last delivered message, -1 before the first.
func (s *Stream) LastVersion() int {
	return int(s.last.Load())
}
