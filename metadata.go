package streamstore

import (
	"context"
	"time"

	"github.com/iidesho/streamstore/store"
	"github.com/iidesho/streamstore/traces"
	"go.opentelemetry.io/otel/attribute"
)

// MetadataOptions are the retention settings written by SetStreamMetadata. Nil means unset.
type MetadataOptions struct {
	// MaxAge in seconds.
	MaxAge       *int
	MaxCount     *int
	MetadataJSON string
}

// SetStreamMetadata writes a new version of the metadata of streamID. expected applies to the
// metadata stream, so NoStream means metadata was never set. Writing metadata does not create
// the stream itself. Retention takes effect immediately for reads and triggers scavenging.
func (s *Store) SetStreamMetadata(
	ctx context.Context,
	streamID string,
	expected store.ExpectedVersion,
	opts MetadataOptions,
) (result store.AppendResult, err error) {
	if err = store.ValidateWritableStreamID(streamID); err != nil {
		return
	}
	message, err := store.NewMetadataMessage(streamID, expected, opts.MaxAge, opts.MaxCount, opts.MetadataJSON)
	if err != nil {
		return
	}
	metaStreamID := store.MetadataStreamID(streamID)
	if err = store.ValidateAppend(metaStreamID, expected, []store.NewMessage{message}); err != nil {
		return
	}
	ctx, span := traces.Start(ctx, "streamstore.set_metadata", attribute.String("stream", streamID))
	defer func() { traces.End(span, err) }()

	result, err = s.appendToStream(ctx, metaStreamID, expected, []store.NewMessage{message})
	if err != nil {
		return
	}
	s.cache.Invalidate(streamID)
	log.Info("stream metadata set", "stream", streamID, "version", result.CurrentVersion)
	s.triggerScavenge(ctx, streamID)
	return
}

// GetStreamMetadata returns the latest metadata of streamID. MetadataStreamVersion is -1 when
// it was never set.
func (s *Store) GetStreamMetadata(ctx context.Context, streamID string) (metadata store.StreamMetadata, err error) {
	if err = store.ValidateStreamID(streamID); err != nil {
		return
	}
	if s.closed() {
		return metadata, store.ErrClosed
	}
	defer observe("get_metadata", time.Now(), &err)
	return s.readMetadata(ctx, streamID)
}

func (s *Store) readMetadata(ctx context.Context, streamID string) (store.StreamMetadata, error) {
	page, err := s.backend.ReadStreamBackwards(ctx, store.MetadataStreamID(streamID), store.StreamVersionEnd, 1, true)
	if err != nil {
		return store.StreamMetadata{}, err
	}
	if page.Status != store.StatusSuccess || len(page.Messages) == 0 {
		return store.NoMetadata(streamID), nil
	}
	return store.DecodeMetadata(streamID, page.Messages[0])
}

// Scavenge deletes the messages of streamID that are past their retention and returns how many
// were deleted.
func (s *Store) Scavenge(ctx context.Context, streamID string) (deleted int, err error) {
	if s.closed() {
		return 0, store.ErrClosed
	}
	ctx, span := traces.Start(ctx, "streamstore.scavenge", attribute.String("stream", streamID))
	defer func() { traces.End(span, err) }()
	defer observe("scavenge", time.Now(), &err)

	metadata, err := s.readMetadata(ctx, streamID)
	if err != nil {
		return
	}
	deleted, err = s.scavenger.Scavenge(ctx, metadata)
	if scavenged != nil && deleted > 0 {
		scavenged.Add(float64(deleted))
	}
	return
}

func (s *Store) triggerScavenge(ctx context.Context, streamID string) {
	if s.opts.scavengeMode == ScavengeSync {
		if _, err := s.Scavenge(ctx, streamID); err != nil {
			log.WithError(err).Warning("scavenging", "stream", streamID)
		}
		return
	}
	s.queue.Enqueue(func(ctx context.Context) error {
		_, err := s.Scavenge(ctx, streamID)
		if err != nil {
			log.WithError(err).Warning("scavenging", "stream", streamID)
		}
		return err
	})
}
