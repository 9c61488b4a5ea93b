package api

import (
	"time"

	"github.com/gofrs/uuid"
	"github.com/iidesho/streamstore/store"
)

type newMessage struct {
	MessageID    uuid.UUID `json:"messageId"`
	Type         string    `json:"type"`
	JSONData     string    `json:"jsonData"`
	JSONMetadata string    `json:"jsonMetadata"`
}

type appendRequest struct {
	// ExpectedVersion defaults to any.
	ExpectedVersion *int         `json:"expectedVersion"`
	Messages        []newMessage `json:"messages"`
}

type metadataRequest struct {
	ExpectedVersion *int   `json:"expectedVersion"`
	MaxAge          *int   `json:"maxAge"`
	MaxCount        *int   `json:"maxCount"`
	MetadataJSON    string `json:"metadataJson"`
}

type message struct {
	MessageID     string    `json:"messageId"`
	StreamID      string    `json:"streamId"`
	StreamVersion int       `json:"streamVersion"`
	Position      int64     `json:"position"`
	CreatedUTC    time.Time `json:"createdUtc"`
	Type          string    `json:"type"`
	JSONData      string    `json:"jsonData,omitempty"`
	JSONMetadata  string    `json:"jsonMetadata,omitempty"`
}

type streamPage struct {
	StreamID     string    `json:"streamId"`
	Status       string    `json:"status"`
	FromVersion  int       `json:"fromVersion"`
	NextVersion  int       `json:"nextVersion"`
	LastVersion  int       `json:"lastVersion"`
	LastPosition int64     `json:"lastPosition"`
	Direction    string    `json:"direction"`
	IsEnd        bool      `json:"isEnd"`
	Messages     []message `json:"messages"`
}

type allPage struct {
	FromPosition int64     `json:"fromPosition"`
	NextPosition int64     `json:"nextPosition"`
	Direction    string    `json:"direction"`
	IsEnd        bool      `json:"isEnd"`
	Messages     []message `json:"messages"`
}

type appendResult struct {
	CurrentVersion  int   `json:"currentVersion"`
	CurrentPosition int64 `json:"currentPosition"`
}

type metadata struct {
	StreamID              string `json:"streamId"`
	MetadataStreamVersion int    `json:"metadataStreamVersion"`
	MaxAge                *int   `json:"maxAge,omitempty"`
	MaxCount              *int   `json:"maxCount,omitempty"`
	MetadataJSON          string `json:"metadataJson,omitempty"`
}

type streamList struct {
	StreamIDs         []string `json:"streamIds"`
	ContinuationToken string   `json:"continuationToken,omitempty"`
}

type head struct {
	Position int64 `json:"position"`
}

type scavenged struct {
	Deleted int `json:"deleted"`
}

func toMessage(m store.Message) message {
	return message{
		MessageID:     m.MessageID.String(),
		StreamID:      m.StreamID,
		StreamVersion: m.StreamVersion,
		Position:      m.Position,
		CreatedUTC:    m.CreatedUTC,
		Type:          m.Type,
		JSONData:      m.JSONData,
		JSONMetadata:  m.JSONMetadata,
	}
}

func toMessages(ms []store.Message) []message {
	out := make([]message, len(ms))
	for i, m := range ms {
		out[i] = toMessage(m)
	}
	return out
}

func expected(v *int) store.ExpectedVersion {
	if v == nil {
		return store.Any
	}
	return store.ExpectedVersion(*v)
}
