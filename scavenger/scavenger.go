package scavenger

import (
	"context"
	"time"

	"github.com/gofrs/uuid"
	"github.com/iidesho/bragi/sbragi"
	"github.com/iidesho/streamstore/store"
)

var log = sbragi.WithLocalScope(sbragi.LevelInfo)

const defaultPageSize = 100

// Reader reads the unfiltered messages of a stream.
type Reader interface {
	ReadStreamForwards(ctx context.Context, streamID string, fromVersion, maxCount int, prefetch bool) (store.StreamPage, error)
}

// Deleter removes a single message through the same path callers use, so tombstones are written.
type Deleter func(ctx context.Context, streamID string, messageID uuid.UUID) error

type Scavenger struct {
	reader   Reader
	delete   Deleter
	now      func() time.Time
	pageSize int
}

func New(reader Reader, delete Deleter, now func() time.Time) *Scavenger {
	if now == nil {
		now = time.Now
	}
	return &Scavenger{
		reader:   reader,
		delete:   delete,
		now:      now,
		pageSize: defaultPageSize,
	}
}

// Scavenge deletes every message of the stream that is past its retention and returns how many
// were deleted. Only messages that exist when it starts are considered.
func (s *Scavenger) Scavenge(ctx context.Context, metadata store.StreamMetadata) (int, error) {
	if !metadata.HasRetention() {
		return 0, nil
	}
	messages, err := s.read(ctx, metadata.StreamID)
	if err != nil {
		return 0, err
	}
	expired := Expired(messages, metadata, s.now())
	log.Info("scavenging", "stream", metadata.StreamID, "messages", len(messages), "expired", len(expired))
	deleted := 0
	for _, m := range expired {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		log.Debug("scavenging message", "stream", m.StreamID, "id", m.MessageID, "version", m.StreamVersion)
		if err := s.delete(ctx, m.StreamID, m.MessageID); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

func (s *Scavenger) read(ctx context.Context, streamID string) ([]store.Message, error) {
	var messages []store.Message
	from := store.StreamVersionStart
	for {
		page, err := s.reader.ReadStreamForwards(ctx, streamID, from, s.pageSize, false)
		if err != nil {
			return nil, err
		}
		if page.Status != store.StatusSuccess {
			return nil, nil
		}
		messages = append(messages, page.Messages...)
		if page.IsEnd {
			return messages, nil
		}
		from = page.NextVersion
	}
}

// Expired returns the messages, in version order, that are past the max age at now or fall
// outside the newest max count messages.
func Expired(messages []store.Message, metadata store.StreamMetadata, now time.Time) []store.Message {
	maxAge, hasMaxAge := metadata.MaxAgeDuration()
	outsideCount := 0
	if metadata.MaxCount != nil && len(messages) > *metadata.MaxCount {
		outsideCount = len(messages) - *metadata.MaxCount
	}
	var expired []store.Message
	for i, m := range messages {
		if i < outsideCount || (hasMaxAge && m.Expired(maxAge, now)) {
			expired = append(expired, m)
		}
	}
	return expired
}
