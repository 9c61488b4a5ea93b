package store

import (
	"fmt"

	"github.com/gofrs/uuid"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type streamDeleted struct {
	StreamID string `json:"streamId"`
}

type messageDeleted struct {
	StreamID  string    `json:"streamId"`
	MessageID uuid.UUID `json:"messageId"`
}

// StreamDeletedTombstone is appended to DeletedStreamID after a stream is deleted.
func StreamDeletedTombstone(streamID string) NewMessage {
	data, _ := json.MarshalToString(streamDeleted{StreamID: streamID})
	return NewMessage{
		MessageID: uuid.Must(uuid.NewV7()),
		Type:      StreamDeletedMessageType,
		JSONData:  data,
	}
}

// MessageDeletedTombstone is appended to DeletedStreamID after a single message is deleted.
func MessageDeletedTombstone(streamID string, messageID uuid.UUID) NewMessage {
	data, _ := json.MarshalToString(messageDeleted{StreamID: streamID, MessageID: messageID})
	return NewMessage{
		MessageID: uuid.Must(uuid.NewV7()),
		Type:      MessageDeletedMessageType,
		JSONData:  data,
	}
}

// metadataMessage is the stored form of StreamMetadata in the metadata stream.
type metadataMessage struct {
	StreamID string `json:"streamId"`
	MaxAge   *int   `json:"maxAge,omitempty"`
	MaxCount *int   `json:"maxCount,omitempty"`
	MetaJSON string `json:"metaJson,omitempty"`
}

// NewMetadataMessage builds the message written to the metadata stream of streamID.
// Its id is derived from the inputs so a retried write is recognised as a replay.
func NewMetadataMessage(streamID string, expected ExpectedVersion, maxAge, maxCount *int, metadataJSON string) (NewMessage, error) {
	if maxAge != nil && *maxAge < 0 {
		return NewMessage{}, fmt.Errorf("%w: max age %d", ErrInvalidMetadata, *maxAge)
	}
	if maxCount != nil && *maxCount <= 0 {
		return NewMessage{}, fmt.Errorf("%w: max count %d", ErrInvalidMetadata, *maxCount)
	}
	if metadataJSON != "" && !json.Valid([]byte(metadataJSON)) {
		return NewMessage{}, fmt.Errorf("%w: metadata json is not valid json", ErrInvalidMetadata)
	}
	data, err := json.MarshalToString(metadataMessage{
		StreamID: streamID,
		MaxAge:   maxAge,
		MaxCount: maxCount,
		MetaJSON: metadataJSON,
	})
	if err != nil {
		return NewMessage{}, err
	}
	metaStreamID := MetadataStreamID(streamID)
	return NewMessage{
		MessageID: DeterministicMessageID(metaStreamID, expected, data),
		Type:      MetadataMessageType,
		JSONData:  data,
	}, nil
}

// DecodeMetadata turns the latest message of a metadata stream into StreamMetadata.
func DecodeMetadata(streamID string, m Message) (StreamMetadata, error) {
	var mm metadataMessage
	if err := json.UnmarshalFromString(m.JSONData, &mm); err != nil {
		return StreamMetadata{}, fmt.Errorf("decoding metadata of %q: %w", streamID, err)
	}
	return StreamMetadata{
		StreamID:              streamID,
		MetadataStreamVersion: m.StreamVersion,
		MaxAge:                mm.MaxAge,
		MaxCount:              mm.MaxCount,
		MetadataJSON:          mm.MetaJSON,
	}, nil
}

// NoMetadata is returned for streams whose metadata was never set.
func NoMetadata(streamID string) StreamMetadata {
	return StreamMetadata{StreamID: streamID, MetadataStreamVersion: -1}
}
