package bcts_test

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/iidesho/streamstore/bcts"
)

type record struct {
	ID      uuid.UUID
	Name    string
	Body    string
	Count   int32
	At      time.Time
	Deleted bool
	Sealed  bool
}

func (r record) WriteBytes(w io.Writer) error {
	if err := bcts.WriteUUID(w, r.ID); err != nil {
		return err
	}
	if err := bcts.WriteTinyString(w, r.Name); err != nil {
		return err
	}
	if err := bcts.WriteString(w, r.Body); err != nil {
		return err
	}
	if err := bcts.WriteInt32(w, r.Count); err != nil {
		return err
	}
	if err := bcts.WriteTime(w, r.At); err != nil {
		return err
	}
	return bcts.WriteFlags(w, r.Deleted, r.Sealed)
}

func (r *record) ReadBytes(rd io.Reader) error {
	if err := bcts.ReadUUID(rd, &r.ID); err != nil {
		return err
	}
	if err := bcts.ReadTinyString(rd, &r.Name); err != nil {
		return err
	}
	if err := bcts.ReadString(rd, &r.Body); err != nil {
		return err
	}
	if err := bcts.ReadInt32(rd, &r.Count); err != nil {
		return err
	}
	if err := bcts.ReadTime(rd, &r.At); err != nil {
		return err
	}
	return bcts.ReadFlags(rd, &r.Deleted, &r.Sealed)
}

func TestRecord(t *testing.T) {
	in := record{
		ID:      uuid.Must(uuid.NewV7()),
		Name:    "stream-1",
		Body:    strings.Repeat("x", 70000),
		Count:   -42,
		At:      time.Date(2024, 5, 6, 7, 8, 9, 10, time.UTC),
		Deleted: false,
		Sealed:  true,
	}
	data, err := bcts.Write(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := bcts.Read[record](data)
	if err != nil {
		t.Fatal(err)
	}
	if out.ID != in.ID || out.Name != in.Name || out.Body != in.Body || out.Count != in.Count {
		t.Fatal("not equal read and write", out.Name, out.Count)
	}
	if !out.At.Equal(in.At) || out.Deleted || !out.Sealed {
		t.Fatal("not equal time or flags", out.At, out.Deleted, out.Sealed)
	}
}

func TestFlagsOrder(t *testing.T) {
	buf := bytes.NewBuffer(nil)
	if err := bcts.WriteFlags(buf, true, false, false, false, false, false, false, true); err != nil {
		t.Fatal(err)
	}
	if buf.Bytes()[0] != 129 {
		t.Fatal("unexpected flag byte", buf.Bytes()[0])
	}
	var first, last bool
	if err := bcts.ReadFlags(buf, &first, nil, nil, nil, nil, nil, nil, &last); err != nil {
		t.Fatal(err)
	}
	if !first || !last {
		t.Fatal("flags not read back")
	}
	if err := bcts.WriteFlags(buf, make([]bool, 9)...); err == nil {
		t.Fatal("nine flags should not fit")
	}
}

func TestTinyStringTooLong(t *testing.T) {
	buf := bytes.NewBuffer(nil)
	if err := bcts.WriteTinyString(buf, strings.Repeat("a", 256)); err == nil {
		t.Fatal("expected error for tiny string over 255 bytes")
	}
}

func TestTruncated(t *testing.T) {
	data, err := bcts.Write(record{Name: "abc", Body: "body"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bcts.Read[record](data[:len(data)-3]); err == nil {
		t.Fatal("expected error reading truncated record")
	}
}
