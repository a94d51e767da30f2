// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package xroads

import (
	"fmt"
	"time"
)

// A SocketType selects the messaging pattern implemented by a socket.
type SocketType uint16

const (
	PAIR SocketType = iota
	PUB
	SUB
	REQ
	REP
	XREQ
	XREP
	PULL
	PUSH
	XPUB
	XSUB
)

var socketTypeNames = [...]string{
	PAIR: "PAIR", PUB: "PUB", SUB: "SUB", REQ: "REQ", REP: "REP",
	XREQ: "XREQ", XREP: "XREP", PULL: "PULL", PUSH: "PUSH",
	XPUB: "XPUB", XSUB: "XSUB",
}

func (t SocketType) String() string {
	if int(t) < len(socketTypeNames) {
		return socketTypeNames[t]
	}
	return fmt.Sprintf("SocketType(%d)", uint16(t))
}

func (t SocketType) valid() bool { return t <= XSUB }

// peersOf lists the socket types each type may be connected to.
var peersOf = map[SocketType][]SocketType{
	PAIR: {PAIR},
	PUB:  {SUB, XSUB},
	XPUB: {SUB, XSUB},
	SUB:  {PUB, XPUB},
	XSUB: {PUB, XPUB},
	REQ:  {REP, XREP},
	REP:  {REQ, XREQ},
	XREQ: {REP, XREP, XREQ},
	XREP: {REQ, XREQ, XREP},
	PUSH: {PULL},
	PULL: {PUSH},
}

// compatible reports whether a socket of type t can talk to one of type peer.
func (t SocketType) compatible(peer SocketType) bool {
	for _, p := range peersOf[t] {
		if p == peer {
			return true
		}
	}
	return false
}

// options are the settings of a socket. Each object created on behalf of
// the socket (sessions, listeners, connecters) gets a copy of the options
// in effect when it was created.
type options struct {
	sndhwm, rcvhwm  int
	affinity        uint64
	identity        []byte
	linger          time.Duration // negative means forever
	reconnectIvl    time.Duration // negative disables reconnection
	reconnectIvlMax time.Duration // zero means no backoff
	backlog         int
	maxMsgSize      int64 // negative means unlimited
	rcvTimeout      time.Duration
	sndTimeout      time.Duration
	ipv4only        bool
	filterID        uint16

	// Fixed by the socket type.
	typ          SocketType
	recvIdentity bool // deliver peer identities to the socket
	filter       bool // SUB: subscribe and unsubscribe are available

	// Whether pipe termination waits for pending inbound messages to be
	// read, when the socket is closed or a peer disconnects.
	delayOnClose      bool
	delayOnDisconnect bool
}

// defaultReconnectIvl is the default reconnect interval. Failed connection
// attempts are retried at this interval even when reconnection is disabled.
const defaultReconnectIvl = 100 * time.Millisecond

func defaultOptions(typ SocketType) options {
	return options{
		sndhwm:            1000,
		rcvhwm:            1000,
		linger:            -1,
		reconnectIvl:      defaultReconnectIvl,
		backlog:           100,
		maxMsgSize:        -1,
		rcvTimeout:        -1,
		sndTimeout:        -1,
		ipv4only:          true,
		filterID:          PrefixFilter,
		typ:               typ,
		delayOnClose:      true,
		delayOnDisconnect: true,
	}
}

// setOption applies f to the options of s, after checking that s is usable.
func (s *Socket) setOption(f func(*options) error) error {
	if err := s.check(); err != nil {
		return err
	}
	return f(&s.options)
}

func invalid(name string, v any) error {
	return fmt.Errorf("%s %v: %w", name, v, ErrInvalid)
}

// SetSndHWM sets the high-water mark for outbound messages on each pipe.
// Zero means no limit.
func (s *Socket) SetSndHWM(n int) error {
	return s.setOption(func(o *options) error {
		if n < 0 {
			return invalid("sndhwm", n)
		}
		o.sndhwm = n
		return nil
	})
}

// SetRcvHWM sets the high-water mark for inbound messages on each pipe.
// Zero means no limit.
func (s *Socket) SetRcvHWM(n int) error {
	return s.setOption(func(o *options) error {
		if n < 0 {
			return invalid("rcvhwm", n)
		}
		o.rcvhwm = n
		return nil
	})
}

// SetAffinity sets the bitmask of I/O threads eligible to serve the
// connections made by s afterward. Zero means any thread.
func (s *Socket) SetAffinity(mask uint64) error {
	return s.setOption(func(o *options) error { o.affinity = mask; return nil })
}

// SetIdentity sets the identity s presents to its peers. An identity has
// between 1 and 255 bytes, and must not begin with a zero byte.
func (s *Socket) SetIdentity(id []byte) error {
	return s.setOption(func(o *options) error {
		if len(id) == 0 || len(id) > 255 || id[0] == 0 {
			return invalid("identity", fmt.Sprintf("%q", id))
		}
		o.identity = append([]byte(nil), id...)
		return nil
	})
}

// SetLinger sets how long pending outbound messages are kept after s is
// closed. A negative duration waits until they are delivered; zero
// discards them at once.
func (s *Socket) SetLinger(d time.Duration) error {
	return s.setOption(func(o *options) error { o.linger = max(d, -1); return nil })
}

// SetReconnectIvl sets the initial delay before reconnecting a dropped
// connection. A negative duration disables reconnection.
func (s *Socket) SetReconnectIvl(d time.Duration) error {
	return s.setOption(func(o *options) error { o.reconnectIvl = max(d, -1); return nil })
}

// SetReconnectIvlMax sets the upper bound of the reconnect delay. If it is
// larger than the reconnect interval, the delay doubles after each failed
// attempt up to this bound. Zero disables the backoff.
func (s *Socket) SetReconnectIvlMax(d time.Duration) error {
	return s.setOption(func(o *options) error {
		if d < 0 {
			return invalid("reconnect_ivl_max", d)
		}
		o.reconnectIvlMax = d
		return nil
	})
}

// SetBacklog sets the listen queue length for endpoints bound afterward.
func (s *Socket) SetBacklog(n int) error {
	return s.setOption(func(o *options) error {
		if n < 0 {
			return invalid("backlog", n)
		}
		o.backlog = n
		return nil
	})
}

// SetMaxMsgSize sets the largest inbound message part accepted from a
// network peer. A peer that sends a larger one is disconnected. A negative
// value means no limit.
func (s *Socket) SetMaxMsgSize(n int64) error {
	return s.setOption(func(o *options) error { o.maxMsgSize = max(n, -1); return nil })
}

// SetRcvTimeout sets how long a blocking Recv waits. Negative means
// forever.
func (s *Socket) SetRcvTimeout(d time.Duration) error {
	return s.setOption(func(o *options) error { o.rcvTimeout = max(d, -1); return nil })
}

// SetSndTimeout sets how long a blocking Send waits. Negative means
// forever.
func (s *Socket) SetSndTimeout(d time.Duration) error {
	return s.setOption(func(o *options) error { o.sndTimeout = max(d, -1); return nil })
}

// SetIPv4Only restricts TCP endpoints to IPv4 addresses.
func (s *Socket) SetIPv4Only(v bool) error {
	return s.setOption(func(o *options) error { o.ipv4only = v; return nil })
}

// SetFilter selects the filter used by subsequent calls to Subscribe and
// Unsubscribe. The filter must have been registered.
func (s *Socket) SetFilter(id uint16) error {
	return s.setOption(func(o *options) error {
		if _, ok := lookupFilter(id); !ok {
			return invalid("filter", id)
		}
		o.filterID = id
		return nil
	})
}

// Options is a snapshot of the settings of a socket.
type Options struct {
	Type            SocketType
	SndHWM, RcvHWM  int
	Affinity        uint64
	Identity        []byte
	Linger          time.Duration
	ReconnectIvl    time.Duration
	ReconnectIvlMax time.Duration
	Backlog         int
	MaxMsgSize      int64
	RcvTimeout      time.Duration
	SndTimeout      time.Duration
	IPv4Only        bool
	Filter          uint16
}

// Options returns a snapshot of the current settings of s.
func (s *Socket) Options() Options {
	o := &s.options
	return Options{
		Type:            o.typ,
		SndHWM:          o.sndhwm,
		RcvHWM:          o.rcvhwm,
		Affinity:        o.affinity,
		Identity:        append([]byte(nil), o.identity...),
		Linger:          o.linger,
		ReconnectIvl:    o.reconnectIvl,
		ReconnectIvlMax: o.reconnectIvlMax,
		Backlog:         o.backlog,
		MaxMsgSize:      o.maxMsgSize,
		RcvTimeout:      o.rcvTimeout,
		SndTimeout:      o.sndTimeout,
		IPv4Only:        o.ipv4only,
		Filter:          o.filterID,
	}
}
