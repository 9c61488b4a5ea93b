// Package storetest holds the acceptance tests every store.Backend must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/gofrs/uuid"
	"github.com/iidesho/streamstore/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty backend. The suite closes it.
type Factory func(t *testing.T) store.Backend

func Run(t *testing.T, factory Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b store.Backend)
	}{
		{"AppendReadDeleteScenario", testAppendReadDeleteScenario},
		{"VersionsAreContiguous", testVersionsAreContiguous},
		{"PositionsIncreaseAcrossStreams", testPositionsIncreaseAcrossStreams},
		{"IdempotentAppend", testIdempotentAppend},
		{"IdempotentAppendWithAny", testIdempotentAppendWithAny},
		{"IdempotentAppendWithOlderExpectedVersion", testIdempotentAppendWithOlderExpectedVersion},
		{"PartialOverlapIsWrongExpectedVersion", testPartialOverlapIsWrongExpectedVersion},
		{"WrongExpectedVersion", testWrongExpectedVersion},
		{"ConcurrentNoStreamAppends", testConcurrentNoStreamAppends},
		{"StreamNotFound", testStreamNotFound},
		{"ReadStreamPaging", testReadStreamPaging},
		{"ReadAllPaging", testReadAllPaging},
		{"LazyPayload", testLazyPayload},
		{"HeadPosition", testHeadPosition},
		{"DeleteMessage", testDeleteMessage},
		{"DeleteStreamExpectedVersion", testDeleteStreamExpectedVersion},
		{"RecreateDeletedStream", testRecreateDeletedStream},
		{"ListStreams", testListStreams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := factory(t)
			defer b.Close()
			tt.fn(t, b)
		})
	}
}

// Messages builds n valid messages with sequential JSON bodies.
func Messages(n int) []store.NewMessage {
	messages := make([]store.NewMessage, n)
	for i := range messages {
		messages[i] = store.NewMessage{
			MessageID:    uuid.Must(uuid.NewV7()),
			Type:         "test-type",
			JSONData:     fmt.Sprintf(`{"n":%d}`, i),
			JSONMetadata: `{"meta":true}`,
		}
	}
	return messages
}

func testAppendReadDeleteScenario(t *testing.T, b store.Backend) {
	ctx := context.Background()
	messages := Messages(3)
	res, err := b.AppendToStream(ctx, "stream-1", store.NoStream, messages)
	require.NoError(t, err)
	assert.Equal(t, 2, res.CurrentVersion)

	page, err := b.ReadStreamForwards(ctx, "stream-1", store.StreamVersionStart, 10, true)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuccess, page.Status)
	assert.True(t, page.IsEnd)
	assert.Equal(t, 2, page.LastVersion)
	assert.Equal(t, res.CurrentPosition, page.LastPosition)
	assert.Equal(t, 3, page.NextVersion)
	require.Len(t, page.Messages, 3)
	for i, m := range page.Messages {
		assert.Equal(t, messages[i].MessageID, m.MessageID)
		assert.Equal(t, messages[i].JSONData, m.JSONData)
		assert.Equal(t, messages[i].JSONMetadata, m.JSONMetadata)
		assert.Equal(t, messages[i].Type, m.Type)
		assert.Equal(t, "stream-1", m.StreamID)
		assert.Equal(t, i, m.StreamVersion)
		assert.False(t, m.CreatedUTC.IsZero())
	}

	back, err := b.ReadStreamBackwards(ctx, "stream-1", store.StreamVersionEnd, 10, true)
	require.NoError(t, err)
	require.Len(t, back.Messages, 3)
	for i, m := range back.Messages {
		assert.Equal(t, messages[2-i].MessageID, m.MessageID)
		assert.Equal(t, messages[2-i].JSONData, m.JSONData)
	}
	assert.True(t, back.IsEnd)
	assert.Equal(t, -1, back.NextVersion)

	deleted, err := b.DeleteStream(ctx, "stream-1", store.Exact(2))
	require.NoError(t, err)
	assert.True(t, deleted)

	page, err = b.ReadStreamForwards(ctx, "stream-1", store.StreamVersionStart, 10, true)
	require.NoError(t, err)
	assert.Equal(t, store.StatusStreamDeleted, page.Status)
	assert.Empty(t, page.Messages)

	all, err := b.ReadAllForwards(ctx, store.PositionStart, 10, true)
	require.NoError(t, err)
	for _, m := range all.Messages {
		assert.NotEqual(t, "stream-1", m.StreamID)
	}
}

func testVersionsAreContiguous(t *testing.T, b store.Backend) {
	ctx := context.Background()
	expected := store.NoStream
	for i := 0; i < 5; i++ {
		res, err := b.AppendToStream(ctx, "contiguous", expected, Messages(2))
		require.NoError(t, err)
		expected = store.Exact(res.CurrentVersion)
	}
	page, err := b.ReadStreamForwards(ctx, "contiguous", store.StreamVersionStart, 100, false)
	require.NoError(t, err)
	require.Len(t, page.Messages, 10)
	for i, m := range page.Messages {
		assert.Equal(t, i, m.StreamVersion)
	}
}

func testPositionsIncreaseAcrossStreams(t *testing.T, b store.Backend) {
	ctx := context.Background()
	var last int64 = -1
	for i := 0; i < 6; i++ {
		res, err := b.AppendToStream(ctx, fmt.Sprintf("positions-%d", i%3), store.Any, Messages(2))
		require.NoError(t, err)
		assert.Greater(t, res.CurrentPosition, last)
		last = res.CurrentPosition
	}
	page, err := b.ReadAllForwards(ctx, store.PositionStart, 100, false)
	require.NoError(t, err)
	require.Len(t, page.Messages, 12)
	for i := 1; i < len(page.Messages); i++ {
		assert.Greater(t, page.Messages[i].Position, page.Messages[i-1].Position)
	}
	assert.Equal(t, last, page.Messages[len(page.Messages)-1].Position)
}

func testIdempotentAppend(t *testing.T, b store.Backend) {
	ctx := context.Background()
	messages := Messages(3)
	first, err := b.AppendToStream(ctx, "idempotent", store.NoStream, messages)
	require.NoError(t, err)
	second, err := b.AppendToStream(ctx, "idempotent", store.NoStream, messages)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	page, err := b.ReadStreamForwards(ctx, "idempotent", store.StreamVersionStart, 10, true)
	require.NoError(t, err)
	assert.Len(t, page.Messages, 3)
}

func testIdempotentAppendWithAny(t *testing.T, b store.Backend) {
	ctx := context.Background()
	messages := Messages(2)
	_, err := b.AppendToStream(ctx, "idempotent-any", store.Any, messages)
	require.NoError(t, err)
	_, err = b.AppendToStream(ctx, "idempotent-any", store.Any, Messages(1))
	require.NoError(t, err)

	res, err := b.AppendToStream(ctx, "idempotent-any", store.Any, messages)
	require.NoError(t, err)
	assert.Equal(t, 2, res.CurrentVersion)

	page, err := b.ReadStreamForwards(ctx, "idempotent-any", store.StreamVersionStart, 10, true)
	require.NoError(t, err)
	assert.Len(t, page.Messages, 3)
}

func testIdempotentAppendWithOlderExpectedVersion(t *testing.T, b store.Backend) {
	ctx := context.Background()
	_, err := b.AppendToStream(ctx, "idempotent-exact", store.NoStream, Messages(2))
	require.NoError(t, err)
	messages := Messages(2)
	_, err = b.AppendToStream(ctx, "idempotent-exact", store.Exact(1), messages)
	require.NoError(t, err)
	_, err = b.AppendToStream(ctx, "idempotent-exact", store.Exact(3), Messages(1))
	require.NoError(t, err)

	res, err := b.AppendToStream(ctx, "idempotent-exact", store.Exact(1), messages)
	require.NoError(t, err)
	assert.Equal(t, 4, res.CurrentVersion)

	_, err = b.AppendToStream(ctx, "idempotent-exact", store.Exact(1), messages[:1])
	require.NoError(t, err)

	page, err := b.ReadStreamForwards(ctx, "idempotent-exact", store.StreamVersionStart, 10, true)
	require.NoError(t, err)
	assert.Len(t, page.Messages, 5)
}

func testPartialOverlapIsWrongExpectedVersion(t *testing.T, b store.Backend) {
	ctx := context.Background()
	messages := Messages(2)
	_, err := b.AppendToStream(ctx, "overlap", store.Any, messages)
	require.NoError(t, err)

	overlapping := append([]store.NewMessage{messages[1]}, Messages(1)...)
	_, err = b.AppendToStream(ctx, "overlap", store.Any, overlapping)
	assert.ErrorIs(t, err, store.ErrWrongExpectedVersion)

	_, err = b.AppendToStream(ctx, "overlap", store.NoStream, append(messages, Messages(1)...))
	assert.ErrorIs(t, err, store.ErrWrongExpectedVersion)
}

func testWrongExpectedVersion(t *testing.T, b store.Backend) {
	ctx := context.Background()
	_, err := b.AppendToStream(ctx, "wev", store.Exact(0), Messages(1))
	assert.ErrorIs(t, err, store.ErrWrongExpectedVersion)

	_, err = b.AppendToStream(ctx, "wev", store.NoStream, Messages(2))
	require.NoError(t, err)

	_, err = b.AppendToStream(ctx, "wev", store.NoStream, Messages(1))
	assert.ErrorIs(t, err, store.ErrWrongExpectedVersion)
	var wev *store.WrongExpectedVersionError
	require.True(t, errors.As(err, &wev))
	assert.Equal(t, "wev", wev.StreamID)
	assert.Equal(t, store.NoStream, wev.ExpectedVersion)

	_, err = b.AppendToStream(ctx, "wev", store.Exact(5), Messages(1))
	assert.ErrorIs(t, err, store.ErrWrongExpectedVersion)

	_, err = b.AppendToStream(ctx, "wev", store.Exact(0), Messages(1))
	assert.ErrorIs(t, err, store.ErrWrongExpectedVersion)

	res, err := b.AppendToStream(ctx, "wev", store.Exact(1), Messages(1))
	require.NoError(t, err)
	assert.Equal(t, 2, res.CurrentVersion)
}

func testConcurrentNoStreamAppends(t *testing.T, b store.Backend) {
	ctx := context.Background()
	const writers = 4
	var wg sync.WaitGroup
	results := make([]store.AppendResult, writers)
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = b.AppendToStream(ctx, "race", store.NoStream, Messages(1))
		}(i)
	}
	wg.Wait()
	succeeded := 0
	for i, err := range errs {
		if err == nil {
			succeeded++
			assert.Equal(t, 0, results[i].CurrentVersion)
			continue
		}
		assert.ErrorIs(t, err, store.ErrWrongExpectedVersion)
	}
	assert.Equal(t, 1, succeeded)
}

func testStreamNotFound(t *testing.T, b store.Backend) {
	ctx := context.Background()
	page, err := b.ReadStreamForwards(ctx, "missing", store.StreamVersionStart, 10, true)
	require.NoError(t, err)
	assert.Equal(t, store.StatusStreamNotFound, page.Status)
	assert.True(t, page.IsEnd)
	assert.Empty(t, page.Messages)

	page, err = b.ReadStreamBackwards(ctx, "missing", store.StreamVersionEnd, 10, true)
	require.NoError(t, err)
	assert.Equal(t, store.StatusStreamNotFound, page.Status)
	assert.Equal(t, -1, page.LastVersion)
}

func testReadStreamPaging(t *testing.T, b store.Backend) {
	ctx := context.Background()
	_, err := b.AppendToStream(ctx, "paging", store.NoStream, Messages(5))
	require.NoError(t, err)

	var versions []int
	from := store.StreamVersionStart
	for {
		page, err := b.ReadStreamForwards(ctx, "paging", from, 2, true)
		require.NoError(t, err)
		for _, m := range page.Messages {
			versions = append(versions, m.StreamVersion)
		}
		from = page.NextVersion
		if page.IsEnd {
			break
		}
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, versions)
	assert.Equal(t, 5, from)

	versions = nil
	from = store.StreamVersionEnd
	for {
		page, err := b.ReadStreamBackwards(ctx, "paging", from, 2, true)
		require.NoError(t, err)
		for _, m := range page.Messages {
			versions = append(versions, m.StreamVersion)
		}
		from = page.NextVersion
		if page.IsEnd {
			break
		}
	}
	assert.Equal(t, []int{4, 3, 2, 1, 0}, versions)

	page, err := b.ReadStreamForwards(ctx, "paging", 5, 2, true)
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
	assert.True(t, page.IsEnd)
	assert.Equal(t, 5, page.NextVersion)
}

func testReadAllPaging(t *testing.T, b store.Backend) {
	ctx := context.Background()
	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		messages := Messages(1)
		ids = append(ids, messages[0].MessageID)
		_, err := b.AppendToStream(ctx, fmt.Sprintf("all-%d", i), store.NoStream, messages)
		require.NoError(t, err)
	}

	var read []uuid.UUID
	from := store.PositionStart
	for {
		page, err := b.ReadAllForwards(ctx, from, 2, true)
		require.NoError(t, err)
		assert.Equal(t, store.Forward, page.Direction)
		for _, m := range page.Messages {
			read = append(read, m.MessageID)
		}
		from = page.NextPosition
		if page.IsEnd {
			break
		}
	}
	assert.Equal(t, ids, read)

	read = nil
	from = store.PositionEnd
	for {
		page, err := b.ReadAllBackwards(ctx, from, 2, true)
		require.NoError(t, err)
		assert.Equal(t, store.Backward, page.Direction)
		for _, m := range page.Messages {
			read = append(read, m.MessageID)
		}
		from = page.NextPosition
		if page.IsEnd {
			break
		}
	}
	require.Len(t, read, 5)
	for i := range read {
		assert.Equal(t, ids[4-i], read[i])
	}

	page, err := b.ReadAllForwards(ctx, from+1000, 2, true)
	require.NoError(t, err)
	assert.True(t, page.IsEnd)
	assert.Empty(t, page.Messages)
}

func testLazyPayload(t *testing.T, b store.Backend) {
	ctx := context.Background()
	messages := Messages(1)
	_, err := b.AppendToStream(ctx, "lazy", store.NoStream, messages)
	require.NoError(t, err)

	page, err := b.ReadStreamForwards(ctx, "lazy", store.StreamVersionStart, 1, false)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	data, err := page.Messages[0].Data(ctx)
	require.NoError(t, err)
	assert.Equal(t, messages[0].JSONData, data)

	all, err := b.ReadAllBackwards(ctx, store.PositionEnd, 1, false)
	require.NoError(t, err)
	require.Len(t, all.Messages, 1)
	data, err = all.Messages[0].Data(ctx)
	require.NoError(t, err)
	assert.Equal(t, messages[0].JSONData, data)

	prefetched, err := b.ReadStreamForwards(ctx, "lazy", store.StreamVersionStart, 1, true)
	require.NoError(t, err)
	data, err = prefetched.Messages[0].Data(ctx)
	require.NoError(t, err)
	assert.Equal(t, messages[0].JSONData, data)
}

func testHeadPosition(t *testing.T, b store.Backend) {
	ctx := context.Background()
	head, err := b.ReadHeadPosition(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, -1, head)

	res, err := b.AppendToStream(ctx, "head", store.NoStream, Messages(3))
	require.NoError(t, err)
	head, err = b.ReadHeadPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, res.CurrentPosition, head)
}

func testDeleteMessage(t *testing.T, b store.Backend) {
	ctx := context.Background()
	messages := Messages(3)
	_, err := b.AppendToStream(ctx, "delete-message", store.NoStream, messages)
	require.NoError(t, err)

	deleted, err := b.DeleteMessage(ctx, "delete-message", messages[1].MessageID)
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = b.DeleteMessage(ctx, "delete-message", messages[1].MessageID)
	require.NoError(t, err)
	assert.False(t, deleted)
	deleted, err = b.DeleteMessage(ctx, "no-such-stream", messages[1].MessageID)
	require.NoError(t, err)
	assert.False(t, deleted)

	page, err := b.ReadStreamForwards(ctx, "delete-message", store.StreamVersionStart, 10, true)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, 0, page.Messages[0].StreamVersion)
	assert.Equal(t, 2, page.Messages[1].StreamVersion)
	assert.Equal(t, 2, page.LastVersion)

	res, err := b.AppendToStream(ctx, "delete-message", store.Exact(2), Messages(1))
	require.NoError(t, err)
	assert.Equal(t, 3, res.CurrentVersion)
}

func testDeleteStreamExpectedVersion(t *testing.T, b store.Backend) {
	ctx := context.Background()
	_, err := b.DeleteStream(ctx, "never-written", store.Exact(0))
	assert.ErrorIs(t, err, store.ErrWrongExpectedVersion)
	deleted, err := b.DeleteStream(ctx, "never-written", store.Any)
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = b.AppendToStream(ctx, "delete-ev", store.NoStream, Messages(2))
	require.NoError(t, err)
	_, err = b.DeleteStream(ctx, "delete-ev", store.Exact(0))
	assert.ErrorIs(t, err, store.ErrWrongExpectedVersion)
	_, err = b.DeleteStream(ctx, "delete-ev", store.NoStream)
	assert.ErrorIs(t, err, store.ErrWrongExpectedVersion)

	deleted, err = b.DeleteStream(ctx, "delete-ev", store.Any)
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = b.DeleteStream(ctx, "delete-ev", store.Any)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func testRecreateDeletedStream(t *testing.T, b store.Backend) {
	ctx := context.Background()
	_, err := b.AppendToStream(ctx, "recreate", store.NoStream, Messages(2))
	require.NoError(t, err)
	_, err = b.DeleteStream(ctx, "recreate", store.Any)
	require.NoError(t, err)

	_, err = b.AppendToStream(ctx, "recreate", store.Exact(1), Messages(1))
	assert.ErrorIs(t, err, store.ErrWrongExpectedVersion)

	res, err := b.AppendToStream(ctx, "recreate", store.NoStream, Messages(1))
	require.NoError(t, err)
	assert.Equal(t, 2, res.CurrentVersion, "versions are never reused")

	page, err := b.ReadStreamForwards(ctx, "recreate", store.StreamVersionStart, 10, true)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuccess, page.Status)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, 2, page.Messages[0].StreamVersion)
}

func testListStreams(t *testing.T, b store.Backend) {
	ctx := context.Background()
	for _, id := range []string{"user-1", "user-2", "user-3", "order-1", "order-user"} {
		_, err := b.AppendToStream(ctx, id, store.NoStream, Messages(1))
		require.NoError(t, err)
	}
	_, err := b.DeleteStream(ctx, "user-3", store.Any)
	require.NoError(t, err)

	var ids []string
	token := ""
	for {
		page, err := b.ListStreams(ctx, store.StartsWith("user-"), 1, token)
		require.NoError(t, err)
		ids = append(ids, page.StreamIDs...)
		token = page.ContinuationToken
		if token == "" {
			break
		}
	}
	assert.ElementsMatch(t, []string{"user-1", "user-2"}, ids)

	page, err := b.ListStreams(ctx, store.EndsWith("-user"), 10, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"order-user"}, page.StreamIDs)

	page, err = b.ListStreams(ctx, store.MatchAny(), 10, "")
	require.NoError(t, err)
	assert.Len(t, page.StreamIDs, 4)

	_, err = b.ListStreams(ctx, store.MatchAny(), 0, "")
	assert.ErrorIs(t, err, store.ErrInvalidMaxCount)
	_, err = b.ListStreams(ctx, store.MatchAny(), -1, "")
	assert.ErrorIs(t, err, store.ErrInvalidMaxCount)
}
