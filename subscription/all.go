package subscription

import (
	"context"
	"sync/atomic"

	"github.com/iidesho/streamstore/notifier"
	"github.com/iidesho/streamstore/store"
)

// AllReader is the part of the store an all stream subscription reads through.
type AllReader interface {
	ReadAllForwards(ctx context.Context, fromPosition int64, maxCount int, prefetch bool) (store.AllStreamsPage, error)
	ReadHeadPosition(ctx context.Context) (int64, error)
}

type AllHandler func(ctx context.Context, sub *All, m store.Message) error

// All delivers every message of the global log from a position onwards.
type All struct {
	*base
	reader   AllReader
	from     int64
	next     int64
	pageNext int64
	last     atomic.Int64
}

// SubscribeToAll starts delivering from fromPosition inclusive. store.PositionEnd delivers only
// messages appended after the subscription started.
func SubscribeToAll(
	ctx, storeCtx context.Context,
	reader AllReader,
	n notifier.Notifier,
	fromPosition int64,
	handler AllHandler,
	opts ...Option,
) *All {
	s := &All{reader: reader, from: fromPosition}
	s.last.Store(-1)
	s.base = newBase(ctx, storeCtx, n, s, func(ctx context.Context, m store.Message) error {
		return handler(ctx, s, m)
	}, buildOptions(opts))
	go s.run()
	return s
}

func (s *All) init(ctx context.Context) error {
	saved, ok, err := s.loadCheckpoint(ctx)
	if err != nil {
		return err
	}
	if ok {
		s.next = saved + 1
		s.last.Store(saved)
		return nil
	}
	if s.from != store.PositionEnd {
		s.next = s.from
		return nil
	}
	head, err := s.reader.ReadHeadPosition(ctx)
	if err != nil {
		return err
	}
	s.next = head + 1
	return nil
}

func (s *All) pull(ctx context.Context) ([]store.Message, bool, error) {
	page, err := s.reader.ReadAllForwards(ctx, s.next, s.opts.pageSize, s.opts.prefetch)
	if err != nil {
		return nil, false, err
	}
	s.pageNext = page.NextPosition
	return page.Messages, page.IsEnd, nil
}

func (s *All) advance(m store.Message) int64 {
	s.next = m.Position + 1
	s.last.Store(m.Position)
	return m.Position
}

func (s *All) settle() {
	if s.pageNext > s.next {
		s.next = s.pageNext
	}
}

// LastPosition is the position of the last delivered message, -1 before the first.
func (s *All) LastPosition() int64 {
	return s.last.Load()
}
