package store

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/gofrs/uuid"
	"golang.org/x/crypto/sha3"
)

// Fingerprint identifies the content of an append request independent of time.
// Two requests with the same stream, expected version and messages share a fingerprint.
type Fingerprint [32]byte

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

func ParseFingerprint(s string) (f Fingerprint, err error) {
	if s == "" {
		return
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return
	}
	copy(f[:], b)
	return
}

func FingerprintOf(streamID string, expected ExpectedVersion, messages []NewMessage) Fingerprint {
	h := sha3.New256()
	writeField(h, []byte(streamID))
	var v [8]byte
	binary.LittleEndian.PutUint64(v[:], uint64(int64(expected)))
	h.Write(v[:])
	for _, m := range messages {
		h.Write(m.MessageID.Bytes())
		writeField(h, []byte(m.Type))
		writeField(h, []byte(m.JSONData))
		writeField(h, []byte(m.JSONMetadata))
	}
	var f Fingerprint
	copy(f[:], h.Sum(nil))
	return f
}

func writeField(h interface{ Write([]byte) (int, error) }, b []byte) {
	var l [8]byte
	binary.LittleEndian.PutUint64(l[:], uint64(len(b)))
	h.Write(l[:])
	h.Write(b)
}

// HashStreamID is the fixed width key relational backends index streams by.
func HashStreamID(streamID string) string {
	sum := sha3.Sum256([]byte(streamID))
	return hex.EncodeToString(sum[:])
}

var metadataNamespace = uuid.Must(uuid.FromString("d6a0c0b5-9d5c-4c55-8c56-7e1f4a1f3b8e"))

// DeterministicMessageID derives a message id from its inputs so retried writes collide.
func DeterministicMessageID(streamID string, expected ExpectedVersion, jsonData string) uuid.UUID {
	return uuid.NewV5(metadataNamespace, streamID+"|"+expected.String()+"|"+jsonData)
}
