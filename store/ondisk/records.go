package ondisk

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/gofrs/uuid"
	"github.com/iidesho/streamstore/bcts"
	"github.com/iidesho/streamstore/store"
)

// Key layout. Stream ids are length prefixed so one id is never a key prefix of another.
//
//	n                         next position
//	s/<id>                    streamRecord
//	a/<position>              messageRecord
//	v/<len><id><version>      position and message id
//	i/<len><id><message id>   version and position
var (
	nextKey       = []byte("n")
	streamPrefix  = []byte("s/")
	allPrefix     = []byte("a/")
	versionPrefix = []byte("v/")
	idPrefix      = []byte("i/")
)

func streamKey(streamID string) []byte {
	return append(append([]byte{}, streamPrefix...), streamID...)
}

func allKey(position int64) []byte {
	if position < 0 {
		position = 0
	}
	return binary.BigEndian.AppendUint64(append([]byte{}, allPrefix...), uint64(position))
}

func scoped(prefix []byte, streamID string) []byte {
	k := binary.BigEndian.AppendUint16(append([]byte{}, prefix...), uint16(len(streamID)))
	return append(k, streamID...)
}

func versionScope(streamID string) []byte {
	return scoped(versionPrefix, streamID)
}

func versionKey(streamID string, version int) []byte {
	v := uint32(math.MaxUint32)
	if uint64(version) < math.MaxUint32 {
		v = uint32(version)
	}
	return binary.BigEndian.AppendUint32(versionScope(streamID), v)
}

func idKey(streamID string, messageID uuid.UUID) []byte {
	return append(scoped(idPrefix, streamID), messageID[:]...)
}

func encodeVersionValue(position int64, messageID uuid.UUID) []byte {
	return append(binary.BigEndian.AppendUint64(nil, uint64(position)), messageID[:]...)
}

func decodeVersionValue(v []byte) (int64, uuid.UUID) {
	return int64(binary.BigEndian.Uint64(v[:8])), uuid.FromBytesOrNil(v[8:24])
}

func encodeIDValue(version int, position int64) []byte {
	return binary.BigEndian.AppendUint64(binary.BigEndian.AppendUint32(nil, uint32(version)), uint64(position))
}

func decodeIDValue(v []byte) (int, int64) {
	return int(binary.BigEndian.Uint32(v[:4])), int64(binary.BigEndian.Uint64(v[4:12]))
}

type streamRecord struct {
	ID          string
	Version     int32
	Position    int64
	Deleted     bool
	Fingerprint store.Fingerprint
}

func (s *streamRecord) state() store.StreamState {
	if s == nil {
		return store.StreamState{Version: -1, Position: -1}
	}
	return store.StreamState{
		Exists:      !s.Deleted && s.Version >= 0,
		Version:     int(s.Version),
		Position:    s.Position,
		Fingerprint: s.Fingerprint,
	}
}

func (s streamRecord) WriteBytes(w io.Writer) error {
	if err := bcts.WriteSmallString(w, s.ID); err != nil {
		return err
	}
	if err := bcts.WriteInt32(w, s.Version); err != nil {
		return err
	}
	if err := bcts.WriteInt64(w, s.Position); err != nil {
		return err
	}
	if err := bcts.WriteFlags(w, s.Deleted); err != nil {
		return err
	}
	return bcts.WriteStaticBytes(w, s.Fingerprint[:])
}

func (s *streamRecord) ReadBytes(r io.Reader) error {
	if err := bcts.ReadSmallString(r, &s.ID); err != nil {
		return err
	}
	if err := bcts.ReadInt32(r, &s.Version); err != nil {
		return err
	}
	if err := bcts.ReadInt64(r, &s.Position); err != nil {
		return err
	}
	if err := bcts.ReadFlags(r, &s.Deleted); err != nil {
		return err
	}
	return bcts.ReadStaticBytes(r, s.Fingerprint[:])
}

type messageRecord store.Message

func (m messageRecord) WriteBytes(w io.Writer) error {
	if err := bcts.WriteUUID(w, m.MessageID); err != nil {
		return err
	}
	if err := bcts.WriteSmallString(w, m.StreamID); err != nil {
		return err
	}
	if err := bcts.WriteInt32(w, int32(m.StreamVersion)); err != nil {
		return err
	}
	if err := bcts.WriteInt64(w, m.Position); err != nil {
		return err
	}
	if err := bcts.WriteTime(w, m.CreatedUTC); err != nil {
		return err
	}
	if err := bcts.WriteSmallString(w, m.Type); err != nil {
		return err
	}
	if err := bcts.WriteString(w, m.JSONData); err != nil {
		return err
	}
	return bcts.WriteString(w, m.JSONMetadata)
}

func (m *messageRecord) ReadBytes(r io.Reader) error {
	if err := bcts.ReadUUID(r, &m.MessageID); err != nil {
		return err
	}
	if err := bcts.ReadSmallString(r, &m.StreamID); err != nil {
		return err
	}
	var version int32
	if err := bcts.ReadInt32(r, &version); err != nil {
		return err
	}
	m.StreamVersion = int(version)
	if err := bcts.ReadInt64(r, &m.Position); err != nil {
		return err
	}
	if err := bcts.ReadTime(r, &m.CreatedUTC); err != nil {
		return err
	}
	if err := bcts.ReadSmallString(r, &m.Type); err != nil {
		return err
	}
	if err := bcts.ReadString(r, &m.JSONData); err != nil {
		return err
	}
	return bcts.ReadString(r, &m.JSONMetadata)
}
