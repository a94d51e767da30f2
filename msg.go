// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package xroads

import (
	"fmt"
	"sync/atomic"
)

// MsgFlags are the flags carried by a message part.
type MsgFlags uint8

const (
	// More indicates that another part of the same message follows.
	More MsgFlags = 1 << iota

	// Identity marks a message part that carries the identity of a peer.
	// Identity parts are consumed by the socket and never returned to
	// the application.
	Identity
)

// maxVSM is the largest message body stored inline.
const maxVSM = 29

type msgKind uint8

const (
	msgVSM       msgKind = iota // inline body, zero value is an empty message
	msgShared                   // reference-counted body
	msgDelimiter                // end of data in a terminating pipe
)

// A Msg is one part of a message. The zero value is an empty message part.
//
// Bodies of up to 29 bytes are stored inline. Larger bodies are shared by
// reference between copies of a message, and an optional free function is
// called when the last copy is closed. A Msg must not be copied by value
// except through its methods.
type Msg struct {
	kind  msgKind
	flags MsgFlags
	size  uint8
	vsm   [maxVSM]byte
	sh    *sharedBody
}

type sharedBody struct {
	data []byte
	refs atomic.Int32
	free func([]byte)
}

// NewMsg constructs a message part whose body is a copy of data.
func NewMsg(data []byte) Msg {
	if len(data) <= maxVSM {
		m := Msg{size: uint8(len(data))}
		copy(m.vsm[:], data)
		return m
	}
	return NewMsgData(append([]byte(nil), data...), nil)
}

// NewMsgData constructs a message part whose body is data, without copying.
// The caller must not modify data afterward. If free != nil, it is called
// with data once every copy of the message has been closed.
func NewMsgData(data []byte, free func([]byte)) Msg {
	sh := &sharedBody{data: data, free: free}
	sh.refs.Store(1)
	return Msg{kind: msgShared, sh: sh}
}

func newDelimiter() Msg { return Msg{kind: msgDelimiter} }

// Data returns the body of m. The slice is valid until m is closed, and
// must not be modified if m shares its body with other copies.
func (m *Msg) Data() []byte {
	switch m.kind {
	case msgVSM:
		return m.vsm[:m.size]
	case msgShared:
		return m.sh.data
	}
	return nil
}

// Size reports the length of the body of m in bytes.
func (m *Msg) Size() int { return len(m.Data()) }

// Flags reports the flags of m.
func (m *Msg) Flags() MsgFlags { return m.flags }

// SetFlags sets the specified flags on m.
func (m *Msg) SetFlags(f MsgFlags) { m.flags |= f }

// ResetFlags clears the specified flags on m.
func (m *Msg) ResetFlags(f MsgFlags) { m.flags &^= f }

// More reports whether m is followed by another part of the same message.
func (m *Msg) More() bool { return m.flags&More != 0 }

func (m *Msg) isDelimiter() bool { return m.kind == msgDelimiter }
func (m *Msg) isShared() bool    { return m.kind == msgShared }

// Copy returns a copy of m. A shared body is not duplicated; both messages
// refer to it.
func (m *Msg) Copy() Msg {
	if m.kind == msgShared {
		m.sh.refs.Add(1)
	}
	return *m
}

// Close releases the body of m and leaves m empty.
func (m *Msg) Close() {
	if m.kind == msgShared {
		m.sh.release(1)
	}
	*m = Msg{}
}

// move returns the contents of m and leaves m empty without releasing the
// body, transferring ownership to the result.
func (m *Msg) move() Msg {
	out := *m
	*m = Msg{}
	return out
}

// addRefs adds n references to a shared body. It has no effect on an
// inline message.
func (m *Msg) addRefs(n int) {
	if m.kind == msgShared && n > 0 {
		m.sh.refs.Add(int32(n))
	}
}

// rmRefs drops n references to a shared body.
func (m *Msg) rmRefs(n int) {
	if m.kind == msgShared && n > 0 {
		m.sh.release(int32(n))
	}
}

func (s *sharedBody) release(n int32) {
	switch v := s.refs.Add(-n); {
	case v == 0:
		if s.free != nil {
			s.free(s.data)
		}
	case v < 0:
		panic("xroads: message body released too many times")
	}
}

func (m Msg) String() string {
	if m.kind == msgDelimiter {
		return "Msg(delimiter)"
	}
	return fmt.Sprintf("Msg(flags=%d, size=%d)", m.flags, m.Size())
}
