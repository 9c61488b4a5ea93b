package store

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid"
)

// StreamState is what a backend knows about a stream at the moment it decides an append.
type StreamState struct {
	// Exists is false for streams never written and for deleted streams.
	Exists bool
	// Version is the last version ever assigned, -1 if none.
	Version     int
	Position    int64
	Fingerprint Fingerprint
}

// MessageLookup gives CheckAppend access to the stored message ids of one stream.
type MessageLookup interface {
	// IDsAfter returns up to n message ids with a version greater than after, in version order.
	IDsAfter(ctx context.Context, after, n int) ([]uuid.UUID, error)
	// Contains reports which of ids are already stored in the stream.
	Contains(ctx context.Context, ids []uuid.UUID) (int, error)
}

type AppendDecision uint8

const (
	// AppendWrite means the messages must be written.
	AppendWrite AppendDecision = iota
	// AppendIdempotent means the messages are already stored and the current head is the result.
	AppendIdempotent
)

// CheckAppend decides whether an append may proceed. Every backend calls it with its stream
// state locked, so concurrency and idempotency rules are the same everywhere.
func CheckAppend(
	ctx context.Context,
	streamID string,
	state StreamState,
	expected ExpectedVersion,
	fingerprint Fingerprint,
	messages []NewMessage,
	lookup MessageLookup,
) (AppendDecision, error) {
	if state.Exists && !fingerprint.IsZero() && state.Fingerprint == fingerprint {
		return AppendIdempotent, nil
	}
	ids := make([]uuid.UUID, len(messages))
	for i, m := range messages {
		ids[i] = m.MessageID
	}
	wev := WrongExpectedVersion(streamID, expected)

	switch {
	case expected == Any:
		if !state.Exists {
			return AppendWrite, nil
		}
		present, err := lookup.Contains(ctx, ids)
		if err != nil {
			return 0, err
		}
		switch present {
		case 0:
			return AppendWrite, nil
		case len(ids):
			return AppendIdempotent, nil
		}
		return 0, wev
	case expected == NoStream:
		if !state.Exists {
			return AppendWrite, nil
		}
		return matchStored(ctx, lookup, -1, ids, wev)
	case expected >= 0:
		v := int(expected)
		if !state.Exists || v > state.Version {
			return 0, wev
		}
		if v < state.Version {
			return matchStored(ctx, lookup, v, ids, wev)
		}
		present, err := lookup.Contains(ctx, ids)
		if err != nil {
			return 0, err
		}
		if present > 0 {
			return 0, wev
		}
		return AppendWrite, nil
	}
	return 0, fmt.Errorf("%w: %d", ErrInvalidExpected, int(expected))
}

// matchStored treats the append as a replay when the stored messages following version after
// carry exactly the given ids.
func matchStored(ctx context.Context, lookup MessageLookup, after int, ids []uuid.UUID, wev error) (AppendDecision, error) {
	stored, err := lookup.IDsAfter(ctx, after, len(ids))
	if err != nil {
		return 0, err
	}
	if len(stored) != len(ids) {
		return 0, wev
	}
	for i := range ids {
		if stored[i] != ids[i] {
			return 0, wev
		}
	}
	return AppendIdempotent, nil
}

// ValidateAppend checks the request shape shared by all backends.
func ValidateAppend(streamID string, expected ExpectedVersion, messages []NewMessage) error {
	if err := ValidateStreamID(streamID); err != nil {
		return err
	}
	if !expected.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidExpected, int(expected))
	}
	if len(messages) == 0 {
		return ErrNoMessages
	}
	seen := make(map[uuid.UUID]struct{}, len(messages))
	for _, m := range messages {
		if err := m.Validate(); err != nil {
			return err
		}
		if _, ok := seen[m.MessageID]; ok {
			return fmt.Errorf("%w: duplicate message id %s", ErrInvalidMessage, m.MessageID)
		}
		seen[m.MessageID] = struct{}{}
	}
	return nil
}
