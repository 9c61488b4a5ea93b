package scavenger

import (
	"context"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/iidesho/streamstore/store"
	"github.com/iidesho/streamstore/store/inmemory"
	"github.com/iidesho/streamstore/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intp(i int) *int {
	return &i
}

func TestExpired(t *testing.T) {
	now := time.Now()
	messages := []store.Message{
		{StreamVersion: 0, CreatedUTC: now.Add(-400 * time.Second)},
		{StreamVersion: 1, CreatedUTC: now.Add(-360 * time.Second)},
		{StreamVersion: 2, CreatedUTC: now.Add(-100 * time.Second)},
		{StreamVersion: 3, CreatedUTC: now},
	}

	expired := Expired(messages, store.StreamMetadata{MaxAge: intp(360)}, now)
	require.Len(t, expired, 2)
	assert.Equal(t, 0, expired[0].StreamVersion)
	assert.Equal(t, 1, expired[1].StreamVersion)

	expired = Expired(messages, store.StreamMetadata{MaxCount: intp(1)}, now)
	require.Len(t, expired, 3)
	assert.Equal(t, 2, expired[2].StreamVersion)

	expired = Expired(messages, store.StreamMetadata{MaxAge: intp(3600), MaxCount: intp(10)}, now)
	assert.Empty(t, expired)
}

func TestScavengeDeletesAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	backend := inmemory.New(inmemory.WithClock(now))
	defer backend.Close()

	clock = clock.Add(-400 * time.Second)
	old := storetest.Messages(2)
	_, err := backend.AppendToStream(ctx, "retained", store.NoStream, old)
	require.NoError(t, err)
	clock = clock.Add(300 * time.Second)
	_, err = backend.AppendToStream(ctx, "retained", store.Exact(1), storetest.Messages(3))
	require.NoError(t, err)
	clock = clock.Add(100 * time.Second)

	var deletedIDs []uuid.UUID
	s := New(backend, func(ctx context.Context, streamID string, messageID uuid.UUID) error {
		deletedIDs = append(deletedIDs, messageID)
		_, err := backend.DeleteMessage(ctx, streamID, messageID)
		return err
	}, now)
	metadata := store.StreamMetadata{StreamID: "retained", MaxAge: intp(360), MaxCount: intp(2)}

	deleted, err := s.Scavenge(ctx, metadata)
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)
	assert.Equal(t, old[0].MessageID, deletedIDs[0])
	assert.Equal(t, old[1].MessageID, deletedIDs[1])

	deleted, err = s.Scavenge(ctx, metadata)
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)

	page, err := backend.ReadStreamForwards(ctx, "retained", 0, 10, true)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, 3, page.Messages[0].StreamVersion)
	assert.Equal(t, 4, page.Messages[1].StreamVersion)
}

func TestScavengeWithoutRetention(t *testing.T) {
	s := New(inmemory.New(), func(context.Context, string, uuid.UUID) error {
		t.Fatal("nothing should be deleted")
		return nil
	}, nil)
	deleted, err := s.Scavenge(context.Background(), store.StreamMetadata{StreamID: "free"})
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)
}
