package store

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/gofrs/uuid"
)

const (
	// DeletedStreamID is the feed that receives a tombstone for every deleted stream or message.
	DeletedStreamID = "$deleted"

	StreamDeletedMessageType  = "$stream-deleted"
	MessageDeletedMessageType = "$message-deleted"
	MetadataMessageType       = "$stream-metadata"

	metadataStreamPrefix = "$$"
)

const (
	PositionStart int64 = 0
	PositionEnd   int64 = math.MaxInt64

	StreamVersionStart = 0
	StreamVersionEnd   = math.MaxInt32
)

// MetadataStreamID returns the id of the stream holding the metadata of streamID.
func MetadataStreamID(streamID string) string {
	return metadataStreamPrefix + streamID
}

func IsMetadataStreamID(streamID string) bool {
	return strings.HasPrefix(streamID, metadataStreamPrefix)
}

// IsSystemStream reports whether the stream belongs to the reserved namespace.
// System streams are never subject to retention.
func IsSystemStream(streamID string) bool {
	return strings.HasPrefix(streamID, "$")
}

func ValidateStreamID(streamID string) error {
	if streamID == "" {
		return fmt.Errorf("%w: empty", ErrInvalidStreamID)
	}
	if strings.IndexFunc(streamID, unicode.IsSpace) != -1 {
		return fmt.Errorf("%w: %q contains whitespace", ErrInvalidStreamID, streamID)
	}
	return nil
}

// ValidateWritableStreamID is ValidateStreamID plus the rule that callers may not write to the
// reserved namespace directly.
func ValidateWritableStreamID(streamID string) error {
	if err := ValidateStreamID(streamID); err != nil {
		return err
	}
	if IsSystemStream(streamID) {
		return fmt.Errorf("%w: %q", ErrReservedStreamID, streamID)
	}
	return nil
}

// ExpectedVersion is the optimistic concurrency token of a write.
// Values >= 0 require the stream to be at exactly that version.
type ExpectedVersion int

const (
	Any      ExpectedVersion = -2
	NoStream ExpectedVersion = -1
)

func Exact(version int) ExpectedVersion {
	return ExpectedVersion(version)
}

func (v ExpectedVersion) Valid() bool {
	return v >= Any
}

func (v ExpectedVersion) String() string {
	switch v {
	case Any:
		return "any"
	case NoStream:
		return "no_stream"
	}
	return fmt.Sprintf("%d", int(v))
}

type NewMessage struct {
	MessageID    uuid.UUID `json:"messageId"`
	Type         string    `json:"type"`
	JSONData     string    `json:"jsonData"`
	JSONMetadata string    `json:"jsonMetadata,omitempty"`
}

func (m NewMessage) Validate() error {
	if m.MessageID.IsNil() {
		return fmt.Errorf("%w: missing message id", ErrInvalidMessage)
	}
	if m.Type == "" {
		return fmt.Errorf("%w: message %s is missing type", ErrInvalidMessage, m.MessageID)
	}
	if m.JSONData == "" {
		return fmt.Errorf("%w: message %s is missing data", ErrInvalidMessage, m.MessageID)
	}
	return nil
}

// PayloadLoader fetches the JSON data of a message that was read without prefetching.
type PayloadLoader func(ctx context.Context) (string, error)

type Message struct {
	MessageID     uuid.UUID `json:"messageId"`
	StreamID      string    `json:"streamId"`
	StreamVersion int       `json:"streamVersion"`
	Position      int64     `json:"position"`
	CreatedUTC    time.Time `json:"createdUtc"`
	Type          string    `json:"type"`
	JSONData      string    `json:"jsonData,omitempty"`
	JSONMetadata  string    `json:"jsonMetadata,omitempty"`

	loader PayloadLoader
}

// Lazy returns a copy of m whose payload is fetched by load on demand.
func (m Message) Lazy(load PayloadLoader) Message {
	m.JSONData = ""
	m.loader = load
	return m
}

// Data returns the JSON payload, loading it when the message was read without prefetch.
func (m Message) Data(ctx context.Context) (string, error) {
	if m.loader == nil {
		return m.JSONData, nil
	}
	return m.loader(ctx)
}

// Expired reports whether the message is past the given max age at now.
func (m Message) Expired(maxAge time.Duration, now time.Time) bool {
	return !m.CreatedUTC.Add(maxAge).After(now)
}

type ReadDirection uint8

const (
	Forward ReadDirection = iota
	Backward
)

func (d ReadDirection) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

type AllStreamsPage struct {
	FromPosition int64
	NextPosition int64
	IsEnd        bool
	Direction    ReadDirection
	Messages     []Message
}

type PageReadStatus uint8

const (
	StatusSuccess PageReadStatus = iota
	StatusStreamNotFound
	StatusStreamDeleted
)

func (s PageReadStatus) String() string {
	switch s {
	case StatusStreamNotFound:
		return "stream_not_found"
	case StatusStreamDeleted:
		return "stream_deleted"
	}
	return "success"
}

type StreamPage struct {
	StreamID     string
	Status       PageReadStatus
	FromVersion  int
	NextVersion  int
	LastVersion  int
	LastPosition int64
	Direction    ReadDirection
	IsEnd        bool
	Messages     []Message
}

// NotFoundPage is the page returned for streams that were never written or are deleted.
func NotFoundPage(streamID string, status PageReadStatus, from int, direction ReadDirection) StreamPage {
	next := StreamVersionStart
	if direction == Backward {
		next = -1
	}
	return StreamPage{
		StreamID:     streamID,
		Status:       status,
		FromVersion:  from,
		NextVersion:  next,
		LastVersion:  -1,
		LastPosition: -1,
		Direction:    direction,
		IsEnd:        true,
	}
}

type AppendResult struct {
	CurrentVersion  int   `json:"currentVersion"`
	CurrentPosition int64 `json:"currentPosition"`
}

// StreamMetadata is the retention configuration of a stream.
// MetadataStreamVersion is -1 when metadata was never set.
type StreamMetadata struct {
	StreamID              string `json:"streamId"`
	MetadataStreamVersion int    `json:"metadataStreamVersion"`
	MaxAge                *int   `json:"maxAge,omitempty"`
	MaxCount              *int   `json:"maxCount,omitempty"`
	MetadataJSON          string `json:"metadataJson,omitempty"`
}

func (m StreamMetadata) HasRetention() bool {
	return m.MaxAge != nil || m.MaxCount != nil
}

// MaxAgeDuration returns the max age and whether it is set.
func (m StreamMetadata) MaxAgeDuration() (time.Duration, bool) {
	if m.MaxAge == nil {
		return 0, false
	}
	return time.Duration(*m.MaxAge) * time.Second, true
}

type PatternKind uint8

const (
	PatternAny PatternKind = iota
	PatternStartsWith
	PatternEndsWith
)

type Pattern struct {
	Kind  PatternKind
	Value string
}

func MatchAny() Pattern                { return Pattern{Kind: PatternAny} }
func StartsWith(prefix string) Pattern { return Pattern{Kind: PatternStartsWith, Value: prefix} }
func EndsWith(suffix string) Pattern   { return Pattern{Kind: PatternEndsWith, Value: suffix} }

func (p Pattern) Match(streamID string) bool {
	switch p.Kind {
	case PatternStartsWith:
		return strings.HasPrefix(streamID, p.Value)
	case PatternEndsWith:
		return strings.HasSuffix(streamID, p.Value)
	}
	return true
}

type ListStreamsPage struct {
	StreamIDs         []string `json:"streamIds"`
	ContinuationToken string   `json:"continuationToken,omitempty"`
}
