package store

import (
	"context"
	"time"

	"github.com/gofrs/uuid"
)

// Backend is the persistence contract every storage engine implements. The engine in the root
// package adds validation, retention, tombstones and notification on top of it.
//
// Backends do not filter expired messages and do not write tombstones.
type Backend interface {
	AppendToStream(ctx context.Context, streamID string, expected ExpectedVersion, messages []NewMessage) (AppendResult, error)
	// DeleteStream marks the stream deleted and removes its messages. It reports whether
	// anything was deleted.
	DeleteStream(ctx context.Context, streamID string, expected ExpectedVersion) (bool, error)
	// DeleteMessage removes one message. Deleting an absent message reports false and no error.
	DeleteMessage(ctx context.Context, streamID string, messageID uuid.UUID) (bool, error)

	ReadAllForwards(ctx context.Context, fromPosition int64, maxCount int, prefetch bool) (AllStreamsPage, error)
	ReadAllBackwards(ctx context.Context, fromPosition int64, maxCount int, prefetch bool) (AllStreamsPage, error)
	ReadStreamForwards(ctx context.Context, streamID string, fromVersion, maxCount int, prefetch bool) (StreamPage, error)
	ReadStreamBackwards(ctx context.Context, streamID string, fromVersion, maxCount int, prefetch bool) (StreamPage, error)

	// ReadHeadPosition returns the highest committed position, -1 for an empty store.
	ReadHeadPosition(ctx context.Context) (int64, error)
	ListStreams(ctx context.Context, pattern Pattern, maxCount int, continuationToken string) (ListStreamsPage, error)

	Close() error
}

// GapProne is implemented by backends where concurrent transactions may commit positions out of
// order. A forward read of the global log that ends on a gap is retried once after the delay.
type GapProne interface {
	GapReloadDelay() time.Duration
}

// SelfRetrying is implemented by backends that rerun an append failing with a transient error
// themselves. The engine hands them its retry bound and does not retry on top of them.
type SelfRetrying interface {
	SetAppendRetries(attempts int)
}

// HasGap reports whether positions between consecutive messages of the page are missing.
func (p AllStreamsPage) HasGap() bool {
	for i := 1; i < len(p.Messages); i++ {
		if p.Messages[i].Position != p.Messages[i-1].Position+1 {
			return true
		}
	}
	return false
}
