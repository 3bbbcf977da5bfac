// Package control implements the UNIX-domain control socket protocol: a
// stream socket carrying length-prefixed big-endian UTF-8 frames, one
// request/response pair per connection.
package control

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// maxFrameBytes bounds a single frame; large enough for a dump payload of
// a realistic account count, small enough to not let a misbehaving peer
// force an unbounded allocation.
const maxFrameBytes = 64 << 20

var ErrFrameTooLarge = errors.New("control: frame exceeds maximum size")

// WriteFrame writes a big-endian uint32 length prefix followed by b.
func WriteFrame(w io.Writer, b []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("control: write frame length: %w", err)
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("control: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("control: read frame body: %w", err)
	}
	return buf, nil
}

// Status is the first frame of every response.
type Status string

const (
	StatusOK  Status = "OK"
	StatusErr Status = "ERR"
)
