package bcts

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/gofrs/uuid"
)

const (
	maxUint8  = ^uint8(0)
	maxUint16 = ^uint16(0)
	maxUint32 = ^uint32(0)
)

// WriteFlags packs up to eight bools into one byte, the first flag in the highest bit.
func WriteFlags(w io.Writer, flags ...bool) error {
	if len(flags) > 8 {
		return fmt.Errorf("at most 8 flags fit in a byte, got %d", len(flags))
	}
	var u uint8
	for i, f := range flags {
		if f {
			u |= 1 << (7 - i)
		}
	}
	return WriteUInt8(w, u)
}

func WriteUInt8[T ~uint8](w io.Writer, i T) error {
	return binary.Write(w, binary.LittleEndian, i)
}

func WriteUInt16[T ~uint16](w io.Writer, i T) error {
	return binary.Write(w, binary.LittleEndian, i)
}

func WriteUInt32[T ~uint32](w io.Writer, i T) error {
	return binary.Write(w, binary.LittleEndian, i)
}

func WriteInt32[T ~int32](w io.Writer, i T) error {
	return binary.Write(w, binary.LittleEndian, i)
}

func WriteInt64[T ~int64](w io.Writer, i T) error {
	return binary.Write(w, binary.LittleEndian, i)
}

func WriteTinyString[T ~string](w io.Writer, s T) error {
	if len(s) > int(maxUint8) {
		return fmt.Errorf("string of %d bytes is longer than a tiny string", len(s))
	}
	if err := WriteUInt8(w, uint8(len(s))); err != nil {
		return err
	}
	return writeAll(w, []byte(s))
}

func WriteSmallString[T ~string](w io.Writer, s T) error {
	if len(s) > int(maxUint16) {
		return fmt.Errorf("string of %d bytes is longer than a small string", len(s))
	}
	if err := WriteUInt16(w, uint16(len(s))); err != nil {
		return err
	}
	return writeAll(w, []byte(s))
}

func WriteString[T ~string](w io.Writer, s T) error {
	if uint64(len(s)) > uint64(maxUint32) {
		return fmt.Errorf("string of %d bytes is longer than a string", len(s))
	}
	if err := WriteUInt32(w, uint32(len(s))); err != nil {
		return err
	}
	return writeAll(w, []byte(s))
}

func WriteStaticBytes(w io.Writer, b []byte) error {
	return writeAll(w, b)
}

func WriteUUID(w io.Writer, id uuid.UUID) error {
	return writeAll(w, id[:])
}

// WriteTime stores t as unix nanoseconds, dropping the location.
func WriteTime(w io.Writer, t time.Time) error {
	return WriteInt64(w, t.UTC().UnixNano())
}

func writeAll(w io.Writer, b []byte) error {
	for written := 0; written < len(b); {
		n, err := w.Write(b[written:])
		if err != nil {
			return err
		}
		written += n
	}
	return nil
}
