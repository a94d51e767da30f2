// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package wire

import (
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Version is the protocol version announced in greetings by this package.
const Version = "1.0.0"

const greetingMagic = "XR"

var (
	// ErrMalformed is reported when a control message cannot be decoded.
	ErrMalformed = errors.New("malformed message")

	// ErrVersion is reported when the peer speaks an incompatible protocol.
	ErrVersion = errors.New("incompatible protocol version")
)

// A Greeting is the first frame exchanged in each direction on a new
// connection. It announces the protocol version, the type of the sending
// socket, and the identity of the sending socket (which may be empty).
type Greeting struct {
	Version    string
	SocketType uint16
	Identity   []byte
}

// Encode returns the binary encoding of g.
func (g Greeting) Encode() []byte {
	var b Builder
	b.Grow(len(greetingMagic) + VLen(len(g.Version)) + 2 + VLen(len(g.Identity)))
	b.PutString(greetingMagic)
	b.VPutString(g.Version)
	b.Uint16(g.SocketType)
	b.VPut(g.Identity)
	return b.Bytes()
}

// ParseGreeting decodes a greeting from data. The identity of the result
// is copied and does not alias data.
func ParseGreeting(data []byte) (Greeting, error) {
	s := NewScanner(data)
	magic, err := Get[string](s, len(greetingMagic))
	if err != nil || magic != greetingMagic {
		return Greeting{}, fmt.Errorf("%w: invalid greeting magic", ErrMalformed)
	}
	ver, err := VGet[string](s)
	if err != nil {
		return Greeting{}, fmt.Errorf("%w: version: %v", ErrMalformed, err)
	}
	stype, err := s.Uint16()
	if err != nil {
		return Greeting{}, fmt.Errorf("%w: socket type: %v", ErrMalformed, err)
	}
	id, err := VGet[[]byte](s)
	if err != nil {
		return Greeting{}, fmt.Errorf("%w: identity: %v", ErrMalformed, err)
	}
	if s.Len() != 0 {
		return Greeting{}, fmt.Errorf("%w: %d extra bytes after greeting", ErrMalformed, s.Len())
	}
	return Greeting{Version: ver, SocketType: stype, Identity: append([]byte(nil), id...)}, nil
}

// CheckVersion reports whether a peer announcing version peer can talk to
// this implementation. Versions are compatible when their major versions
// agree.
func CheckVersion(peer string) error {
	pv, err := semver.NewVersion(peer)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrVersion, peer, err)
	}
	lv := semver.MustParse(Version)
	if pv.Major() != lv.Major() {
		return fmt.Errorf("%w: peer %s, local %s", ErrVersion, pv, lv)
	}
	return nil
}

// Subscription commands.
const (
	Subscribe   uint16 = 1
	Unsubscribe uint16 = 2
)

// A Subscription is a request carried from a subscriber upstream to a
// publisher, adding or removing a topic filter.
type Subscription struct {
	Command uint16 // Subscribe or Unsubscribe
	Filter  uint16 // the filter type the topic is interpreted by
	Topic   []byte
}

// Encode returns the binary encoding of s.
func (s Subscription) Encode() []byte {
	var b Builder
	b.Grow(4 + len(s.Topic))
	b.Uint16(s.Command)
	b.Uint16(s.Filter)
	b.Put(s.Topic...)
	return b.Bytes()
}

// ParseSubscription decodes a subscription message from data. The topic of
// the result aliases data.
func ParseSubscription(data []byte) (Subscription, error) {
	s := NewScanner(data)
	cmd, err := s.Uint16()
	if err != nil {
		return Subscription{}, fmt.Errorf("%w: subscription command: %v", ErrMalformed, err)
	}
	if cmd != Subscribe && cmd != Unsubscribe {
		return Subscription{}, fmt.Errorf("%w: unknown subscription command %d", ErrMalformed, cmd)
	}
	fid, err := s.Uint16()
	if err != nil {
		return Subscription{}, fmt.Errorf("%w: subscription filter: %v", ErrMalformed, err)
	}
	return Subscription{Command: cmd, Filter: fid, Topic: s.Rest()}, nil
}
