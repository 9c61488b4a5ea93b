// Package bcts is a small little endian binary codec for fixed layout records.
package bcts

import (
	"bufio"
	"bytes"
	"io"
)

type Writer interface {
	WriteBytes(w io.Writer) error
}

type Reader[T any] interface {
	ReadBytes(r io.Reader) error
	*T
}

// Write encodes w into a new byte slice.
func Write(w Writer) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	bw := bufio.NewWriter(buf)
	if err := w.WriteBytes(bw); err != nil {
		return nil, err
	}
	if err := bw.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Read decodes data into a new BT.
func Read[BT any, T Reader[BT]](data []byte) (BT, error) {
	v := T(new(BT))
	err := v.ReadBytes(bytes.NewReader(data))
	return *v, err
}
