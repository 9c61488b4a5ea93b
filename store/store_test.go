package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lookup []uuid.UUID

func (l lookup) IDsAfter(_ context.Context, after, n int) ([]uuid.UUID, error) {
	if after+1 >= len(l) {
		return nil, nil
	}
	ids := l[after+1:]
	if len(ids) > n {
		ids = ids[:n]
	}
	return ids, nil
}

func (l lookup) Contains(_ context.Context, ids []uuid.UUID) (int, error) {
	n := 0
	for _, id := range ids {
		for _, s := range l {
			if s == id {
				n++
				break
			}
		}
	}
	return n, nil
}

func newMessages(n int) []NewMessage {
	m := make([]NewMessage, n)
	for i := range m {
		m[i] = NewMessage{MessageID: uuid.Must(uuid.NewV4()), Type: "t", JSONData: "{}"}
	}
	return m
}

func ids(m []NewMessage) lookup {
	l := make(lookup, len(m))
	for i := range m {
		l[i] = m[i].MessageID
	}
	return l
}

func TestCheckAppend(t *testing.T) {
	ctx := context.Background()
	stored := newMessages(3)
	existing := StreamState{Exists: true, Version: 2, Position: 10}
	fresh := newMessages(2)

	tests := []struct {
		name     string
		state    StreamState
		expected ExpectedVersion
		messages []NewMessage
		want     AppendDecision
		wev      bool
	}{
		{"any on new stream", StreamState{Version: -1}, Any, fresh, AppendWrite, false},
		{"any with new ids", existing, Any, fresh, AppendWrite, false},
		{"any with stored ids", existing, Any, stored[1:], AppendIdempotent, false},
		{"any with some stored ids", existing, Any, append([]NewMessage{stored[0]}, fresh...), 0, true},
		{"no stream on new stream", StreamState{Version: -1}, NoStream, fresh, AppendWrite, false},
		{"no stream replay", existing, NoStream, stored[:2], AppendIdempotent, false},
		{"no stream different ids", existing, NoStream, fresh, 0, true},
		{"no stream longer than stream", existing, NoStream, append(stored, fresh...), 0, true},
		{"exact on new stream", StreamState{Version: -1}, Exact(0), fresh, 0, true},
		{"exact ahead of stream", existing, Exact(3), fresh, 0, true},
		{"exact at head", existing, Exact(2), fresh, AppendWrite, false},
		{"exact at head with stored id", existing, Exact(2), stored[:1], 0, true},
		{"exact behind head replay", existing, Exact(0), stored[1:], AppendIdempotent, false},
		{"exact behind head different ids", existing, Exact(0), fresh, 0, true},
		{"deleted stream is recreated", StreamState{Version: 7}, NoStream, fresh, AppendWrite, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fp := FingerprintOf("s", tt.expected, tt.messages)
			got, err := CheckAppend(ctx, "s", tt.state, tt.expected, fp, tt.messages, ids(stored))
			if tt.wev {
				assert.ErrorIs(t, err, ErrWrongExpectedVersion)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCheckAppendFingerprintShortCircuits(t *testing.T) {
	messages := newMessages(2)
	fp := FingerprintOf("s", NoStream, messages)
	state := StreamState{Exists: true, Version: 1, Fingerprint: fp}
	got, err := CheckAppend(context.Background(), "s", state, NoStream, fp, messages, lookup{})
	require.NoError(t, err)
	assert.Equal(t, AppendIdempotent, got)
}

func TestFingerprintIsDeterministic(t *testing.T) {
	messages := newMessages(2)
	a := FingerprintOf("s", Any, messages)
	assert.Equal(t, a, FingerprintOf("s", Any, messages))
	assert.NotEqual(t, a, FingerprintOf("s", NoStream, messages))
	assert.NotEqual(t, a, FingerprintOf("t", Any, messages))
	changed := append([]NewMessage{}, messages...)
	changed[1].JSONData = `{"x":1}`
	assert.NotEqual(t, a, FingerprintOf("s", Any, changed))

	parsed, err := ParseFingerprint(a.String())
	require.NoError(t, err)
	assert.Equal(t, a, parsed)
}

func TestValidateAppend(t *testing.T) {
	assert.ErrorIs(t, ValidateAppend("", Any, newMessages(1)), ErrInvalidStreamID)
	assert.ErrorIs(t, ValidateAppend("has space", Any, newMessages(1)), ErrInvalidStreamID)
	assert.ErrorIs(t, ValidateAppend("s", Any, nil), ErrNoMessages)
	assert.ErrorIs(t, ValidateAppend("s", ExpectedVersion(-3), newMessages(1)), ErrInvalidExpected)
	m := newMessages(1)
	assert.ErrorIs(t, ValidateAppend("s", Any, append(m, m[0])), ErrInvalidMessage)
	m[0].Type = ""
	assert.ErrorIs(t, ValidateAppend("s", Any, m), ErrInvalidMessage)
	assert.NoError(t, ValidateAppend("s", Exact(3), newMessages(2)))

	assert.ErrorIs(t, ValidateWritableStreamID("$deleted"), ErrReservedStreamID)
	assert.NoError(t, ValidateStreamID("$deleted"))
}

func TestMetadataRoundTrip(t *testing.T) {
	maxAge, maxCount := 360, 10
	m, err := NewMetadataMessage("s", NoStream, &maxAge, &maxCount, `{"owner":"me"}`)
	require.NoError(t, err)
	assert.Equal(t, MetadataMessageType, m.Type)

	again, err := NewMetadataMessage("s", NoStream, &maxAge, &maxCount, `{"owner":"me"}`)
	require.NoError(t, err)
	assert.Equal(t, m.MessageID, again.MessageID, "metadata ids are deterministic")

	meta, err := DecodeMetadata("s", Message{StreamVersion: 4, JSONData: m.JSONData})
	require.NoError(t, err)
	assert.Equal(t, 4, meta.MetadataStreamVersion)
	assert.Equal(t, maxAge, *meta.MaxAge)
	assert.Equal(t, maxCount, *meta.MaxCount)
	assert.Equal(t, `{"owner":"me"}`, meta.MetadataJSON)
	d, ok := meta.MaxAgeDuration()
	assert.True(t, ok)
	assert.Equal(t, 360*time.Second, d)

	zero := 0
	_, err = NewMetadataMessage("s", Any, nil, &zero, "")
	assert.ErrorIs(t, err, ErrInvalidMetadata)
	_, err = NewMetadataMessage("s", Any, nil, nil, "{not json")
	assert.ErrorIs(t, err, ErrInvalidMetadata)
}

func TestTransient(t *testing.T) {
	cause := errors.New("deadlock")
	err := Transient(cause)
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, cause)
	assert.False(t, IsTransient(cause))
	assert.Nil(t, Transient(nil))
}

func TestMessageExpired(t *testing.T) {
	now := time.Now()
	old := Message{CreatedUTC: now.Add(-400 * time.Second)}
	recent := Message{CreatedUTC: now.Add(-100 * time.Second)}
	assert.True(t, old.Expired(360*time.Second, now))
	assert.False(t, recent.Expired(360*time.Second, now))
}

func TestAllStreamsPageHasGap(t *testing.T) {
	page := AllStreamsPage{FromPosition: 1, Messages: []Message{{Position: 1}, {Position: 2}}}
	assert.False(t, page.HasGap())
	page.Messages = append(page.Messages, Message{Position: 4})
	assert.True(t, page.HasGap())
	assert.False(t, AllStreamsPage{FromPosition: 0, Messages: []Message{{Position: 1}}}.HasGap())
}
