package streamstore

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/iidesho/streamstore/store"
	"github.com/iidesho/streamstore/traces"
	"go.opentelemetry.io/otel/attribute"
)

// AppendToStream appends messages to streamID if the stream is at the expected version.
// Replaying an append that already landed returns the current head instead of failing.
func (s *Store) AppendToStream(
	ctx context.Context,
	streamID string,
	expected store.ExpectedVersion,
	messages ...store.NewMessage,
) (store.AppendResult, error) {
	if err := store.ValidateWritableStreamID(streamID); err != nil {
		return store.AppendResult{}, err
	}
	if err := store.ValidateAppend(streamID, expected, messages); err != nil {
		return store.AppendResult{}, err
	}
	return s.appendToStream(ctx, streamID, expected, messages)
}

func (s *Store) appendToStream(
	ctx context.Context,
	streamID string,
	expected store.ExpectedVersion,
	messages []store.NewMessage,
) (result store.AppendResult, err error) {
	if s.closed() {
		return result, store.ErrClosed
	}
	ctx, span := traces.Start(ctx, "streamstore.append",
		attribute.String("stream", streamID),
		attribute.Int("messages", len(messages)))
	defer func() { traces.End(span, err) }()
	defer observe("append", time.Now(), &err)

	result, err = s.appendWithRetry(ctx, streamID, expected, messages)
	if err != nil {
		return
	}
	log.Trace("appended", "stream", streamID, "version", result.CurrentVersion, "position", result.CurrentPosition)
	s.signal()
	if !store.IsSystemStream(streamID) {
		s.checkRetention(ctx, streamID)
	}
	return
}

// appendWithRetry retries transient failures. The idempotency rules make a retry of an append
// that did commit a no-op. Backends that retry themselves are called once.
func (s *Store) appendWithRetry(
	ctx context.Context,
	streamID string,
	expected store.ExpectedVersion,
	messages []store.NewMessage,
) (store.AppendResult, error) {
	if s.selfRetrying {
		return s.backend.AppendToStream(ctx, streamID, expected, messages)
	}
	backoff := s.opts.retryBackoff
	for attempt := 0; ; attempt++ {
		result, err := s.backend.AppendToStream(ctx, streamID, expected, messages)
		if err == nil || !store.IsTransient(err) {
			return result, err
		}
		if attempt >= s.opts.retryAttempts {
			return result, fmt.Errorf("%w after %d attempts: %w", store.ErrRetriesExhausted, attempt+1, err)
		}
		log.WithError(err).Notice("retrying append", "stream", streamID, "attempt", attempt+1)
		select {
		case <-ctx.Done():
			return store.AppendResult{}, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// checkRetention schedules scavenging when the stream carries retention metadata.
func (s *Store) checkRetention(ctx context.Context, streamID string) {
	metadata, err := s.cache.Get(ctx, streamID)
	if err != nil {
		log.WithError(err).Warning("reading metadata after append", "stream", streamID)
		return
	}
	if metadata.HasRetention() {
		s.triggerScavenge(ctx, streamID)
	}
}

// DeleteStream deletes the stream and its metadata, then records a tombstone in the deleted
// stream. The expected version applies to the stream itself.
func (s *Store) DeleteStream(ctx context.Context, streamID string, expected store.ExpectedVersion) (err error) {
	if err := store.ValidateWritableStreamID(streamID); err != nil {
		return err
	}
	if !expected.Valid() {
		return fmt.Errorf("%w: %d", store.ErrInvalidExpected, int(expected))
	}
	if s.closed() {
		return store.ErrClosed
	}
	ctx, span := traces.Start(ctx, "streamstore.delete_stream", attribute.String("stream", streamID))
	defer func() { traces.End(span, err) }()
	defer observe("delete_stream", time.Now(), &err)

	deleted, err := s.backend.DeleteStream(ctx, streamID, expected)
	if err != nil {
		return err
	}
	if _, err = s.backend.DeleteStream(ctx, store.MetadataStreamID(streamID), store.Any); err != nil {
		return fmt.Errorf("deleting metadata of %q: %w", streamID, err)
	}
	s.cache.Invalidate(streamID)
	if !deleted {
		return nil
	}
	log.Info("deleted stream", "stream", streamID)
	return s.appendTombstone(ctx, store.StreamDeletedTombstone(streamID))
}

// DeleteMessage deletes a single message. Deleting a message that does not exist succeeds.
func (s *Store) DeleteMessage(ctx context.Context, streamID string, messageID uuid.UUID) (err error) {
	if err := store.ValidateWritableStreamID(streamID); err != nil {
		return err
	}
	if s.closed() {
		return store.ErrClosed
	}
	ctx, span := traces.Start(ctx, "streamstore.delete_message", attribute.String("stream", streamID))
	defer func() { traces.End(span, err) }()
	defer observe("delete_message", time.Now(), &err)
	return s.deleteMessage(ctx, streamID, messageID)
}

func (s *Store) deleteMessage(ctx context.Context, streamID string, messageID uuid.UUID) error {
	deleted, err := s.backend.DeleteMessage(ctx, streamID, messageID)
	if err != nil {
		return err
	}
	if !deleted {
		return nil
	}
	log.Debug("deleted message", "stream", streamID, "id", messageID)
	return s.appendTombstone(ctx, store.MessageDeletedTombstone(streamID, messageID))
}

func (s *Store) appendTombstone(ctx context.Context, tombstone store.NewMessage) error {
	_, err := s.appendToStream(ctx, store.DeletedStreamID, store.Any, []store.NewMessage{tombstone})
	if err != nil {
		return fmt.Errorf("writing tombstone: %w", err)
	}
	return nil
}
