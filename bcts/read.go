package bcts

import (
	"encoding/binary"
	"io"
	"time"

	"github.com/gofrs/uuid"
)

// ReadFlags unpacks a byte written by WriteFlags. Nil pointers skip their flag.
func ReadFlags(r io.Reader, flags ...*bool) error {
	var u uint8
	if err := ReadUInt8(r, &u); err != nil {
		return err
	}
	for i, f := range flags {
		if f != nil && i < 8 {
			*f = u&(1<<(7-i)) > 0
		}
	}
	return nil
}

func ReadUInt8[T ~uint8](r io.Reader, i *T) error {
	return binary.Read(r, binary.LittleEndian, i)
}

func ReadUInt16[T ~uint16](r io.Reader, i *T) error {
	return binary.Read(r, binary.LittleEndian, i)
}

func ReadUInt32[T ~uint32](r io.Reader, i *T) error {
	return binary.Read(r, binary.LittleEndian, i)
}

func ReadInt32[T ~int32](r io.Reader, i *T) error {
	return binary.Read(r, binary.LittleEndian, i)
}

func ReadInt64[T ~int64](r io.Reader, i *T) error {
	return binary.Read(r, binary.LittleEndian, i)
}

func ReadTinyString[T ~string](r io.Reader, s *T) error {
	var l uint8
	if err := ReadUInt8(r, &l); err != nil {
		return err
	}
	return readString(r, int(l), s)
}

func ReadSmallString[T ~string](r io.Reader, s *T) error {
	var l uint16
	if err := ReadUInt16(r, &l); err != nil {
		return err
	}
	return readString(r, int(l), s)
}

func ReadString[T ~string](r io.Reader, s *T) error {
	var l uint32
	if err := ReadUInt32(r, &l); err != nil {
		return err
	}
	return readString(r, int(l), s)
}

func readString[T ~string](r io.Reader, l int, s *T) error {
	buf := make([]byte, l)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	*s = T(buf)
	return nil
}

func ReadStaticBytes[T ~[]byte](r io.Reader, b T) error {
	_, err := io.ReadFull(r, b)
	return err
}

func ReadUUID(r io.Reader, id *uuid.UUID) error {
	_, err := io.ReadFull(r, id[:])
	return err
}

// ReadTime reads a time written by WriteTime, in UTC.
func ReadTime(r io.Reader, t *time.Time) error {
	var ns int64
	if err := ReadInt64(r, &ns); err != nil {
		return err
	}
	*t = time.Unix(0, ns).UTC()
	return nil
}
