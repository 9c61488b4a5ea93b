package streamstore

import (
	"context"

	"github.com/iidesho/streamstore/subscription"
)

// SubscribeToAll delivers every message from fromPosition inclusive to handler, one at a time.
// store.PositionEnd only delivers messages appended after the call. The subscription stops when
// ctx is done, the store closes, or handler returns an error.
func (s *Store) SubscribeToAll(
	ctx context.Context,
	fromPosition int64,
	handler subscription.AllHandler,
	opts ...subscription.Option,
) *subscription.All {
	return subscription.SubscribeToAll(ctx, s.ctx, s, s.notifier, fromPosition, handler, opts...)
}

// SubscribeToStream delivers the messages of streamID from fromVersion inclusive to handler.
func (s *Store) SubscribeToStream(
	ctx context.Context,
	streamID string,
	fromVersion int,
	handler subscription.StreamHandler,
	opts ...subscription.Option,
) *subscription.Stream {
	return subscription.SubscribeToStream(ctx, s.ctx, s, s.notifier, streamID, fromVersion, handler, opts...)
}
