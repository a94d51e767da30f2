// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package wire

import (
	"errors"
	"fmt"
	"io"

	"github.com/creachadair/mds/value"
)

const flagMore = 0x01

// ErrFrameTooLarge is reported by a [Decoder] when a frame exceeds the
// configured size limit.
var ErrFrameTooLarge = errors.New("frame too large")

// A Frame is a single decoded frame.
type Frame struct {
	More bool   // another part of the same message follows
	Body []byte // the frame contents
}

// AppendFrame appends the encoding of a frame with the given body to buf,
// and returns the updated slice. It panics if body is longer than
// [MaxVint30] bytes.
func AppendFrame(buf []byte, more bool, body []byte) []byte {
	buf = append(buf, value.Cond[byte](more, flagMore, 0))
	buf = Vint30(len(body)).Append(buf)
	return append(buf, body...)
}

// FrameSize reports the encoded size of a frame with an n-byte body.
func FrameSize(n int) int { return 1 + VLen(n) }

// A Decoder reassembles frames from a stream of bytes delivered in
// arbitrary pieces. The zero value is ready for use with no size limit.
type Decoder struct {
	// MaxSize, if positive, is the largest body size accepted.
	MaxSize int64

	buf []byte
	off int
}

// Write appends p to the input buffer of d.
func (d *Decoder) Write(p []byte) (int, error) {
	if d.off > 0 && d.off >= len(d.buf)/2 {
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Buffered reports the number of undecoded bytes held by d.
func (d *Decoder) Buffered() int { return len(d.buf) - d.off }

// Next decodes the next complete frame from the buffered input. It reports
// [io.EOF] if no complete frame is buffered yet; more input may complete
// it. Any other error means the input is corrupt and the stream should be
// abandoned.
//
// The body of the returned frame aliases the buffer of d, and is valid
// only until the next call to a method of d.
func (d *Decoder) Next() (Frame, error) {
	s := NewScanner(d.buf[d.off:])
	flags, err := s.Byte()
	if err != nil {
		return Frame{}, io.EOF
	}
	if flags&^flagMore != 0 {
		return Frame{}, fmt.Errorf("invalid frame flags %#02x", flags)
	}
	size, err := s.Vint30()
	if err != nil {
		return Frame{}, io.EOF
	}
	if d.MaxSize > 0 && int64(size) > d.MaxSize {
		return Frame{}, fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, size, d.MaxSize)
	}
	body, err := Get[[]byte](s, size)
	if err != nil {
		return Frame{}, io.EOF
	}
	d.off += s.Offset()
	return Frame{More: flags&flagMore != 0, Body: body}, nil
}
