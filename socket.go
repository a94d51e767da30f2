// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package xroads

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/creachadair/xroads/internal/poller"
	"github.com/creachadair/xroads/wire"
	"github.com/rs/zerolog"
)

// Flags modify the behavior of Send and Recv.
type Flags int

const (
	// DontWait makes the operation report ErrAgain rather than block.
	DontWait Flags = 1 << iota

	// SndMore marks the message part being sent as followed by another part
	// of the same message.
	SndMore
)

// Events report the readiness of a socket.
type Events int

const (
	PollIn  Events = 1 << iota // a message can be received without blocking
	PollOut                    // a message can be sent without blocking
	PollErr                    // an error is pending on a file descriptor
)

// A MessageEvent describes a message part sent or received by a socket.
type MessageEvent struct {
	Data []byte // the body, valid only for the duration of the callback
	More bool   // another part of the same message follows
	Sent bool   // whether the part was sent (true) or received (false)
}

func (e MessageEvent) dir() string {
	if e.Sent {
		return "send"
	}
	return "recv"
}

func (e MessageEvent) String() string {
	return fmt.Sprintf("%v %d bytes (more=%v)", e.dir(), len(e.Data), e.More)
}

// socketType is the behavior that distinguishes one type of socket from
// another. The socket calls these methods from the goroutine that owns it.
type socketType interface {
	xattachPipe(p *pipe)
	xsend(m *Msg) error
	xrecv(m *Msg) error
	xhasIn() bool
	xhasOut() bool
	xreadActivated(p *pipe)
	xwriteActivated(p *pipe)
	xhiccuped(p *pipe)
	xterminated(p *pipe)
}

// A Socket is an endpoint for sending and receiving messages. Create a
// socket with the NewSocket method of a Context.
//
// The methods of a Socket must not be called concurrently. Sockets may be
// moved between goroutines, provided calls do not overlap.
type Socket struct {
	own

	tag     atomic.Uint32
	id      uint32
	mailbox *mailbox
	impl    socketType
	log     zerolog.Logger

	pipes         []*pipe
	lastEndpoint  string
	rcvmore       bool
	ctxTerminated bool
	destroyed     bool

	// Set once the socket is handed to the reaper.
	poller *poller.Poller
	handle *poller.Handle

	logMsg func(MessageEvent)
}

func newSocket(ctx *Context, tid int, sid uint32, typ SocketType) (*Socket, error) {
	mb, err := newMailbox()
	if err != nil {
		return nil, fmt.Errorf("create socket mailbox: %w", err)
	}
	s := &Socket{
		id:      sid,
		mailbox: mb,
		log: ctx.root.With().Str("component", "socket").
			Stringer("type", typ).Uint32("socket", sid).Logger(),
	}
	s.init(ctx, tid, s, defaultOptions(typ))
	s.impl = newSocketType(s, typ)
	s.tag.Store(tagLive)
	return s, nil
}

func newSocketType(s *Socket, typ SocketType) socketType {
	switch typ {
	case PAIR:
		return newPair(s)
	case PUB:
		return newPub(s)
	case SUB:
		return newSub(s)
	case REQ:
		return newReq(s)
	case REP:
		return newRep(s)
	case XREQ:
		return newXReq(s)
	case XREP:
		return newXRep(s)
	case PULL:
		return newPull(s)
	case PUSH:
		return newPush(s)
	case XPUB:
		return newXPub(s)
	case XSUB:
		return newXSub(s)
	}
	panic(fmt.Sprintf("xroads: unknown socket type %v", typ))
}

// check reports whether s may be used by the application.
func (s *Socket) check() error {
	if s.tag.Load() != tagLive {
		return ErrClosed
	} else if s.ctxTerminated {
		return ErrTerminated
	}
	return nil
}

// Type reports the type of s.
func (s *Socket) Type() SocketType { return s.options.typ }

// LastEndpoint reports the address of the most recent endpoint bound or
// connected by s. For a TCP endpoint bound to an ephemeral port, it
// includes the chosen port.
func (s *Socket) LastEndpoint() string { return s.lastEndpoint }

// RcvMore reports whether the last message part received was followed by
// another part of the same message.
func (s *Socket) RcvMore() bool { return s.rcvmore }

// LogMessages installs a callback that observes every message part sent or
// received by s. Passing nil removes the callback.
func (s *Socket) LogMessages(f func(MessageEvent)) { s.logMsg = f }

// Bind creates an endpoint at addr that peers may connect to.
func (s *Socket) Bind(addr string) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := s.processCommands(0); err != nil {
		return err
	}
	proto, rest, err := parseAddress(addr)
	if err != nil {
		return err
	}

	if proto == "inproc" {
		if err := s.ctx.registerEndpoint(rest, endpoint{socket: s, options: s.options}); err != nil {
			return err
		}
		s.lastEndpoint = addr
		s.log.Debug().Str("endpoint", addr).Msg("bound")
		return nil
	}

	t := s.chooseIOThread(s.options.affinity)
	if t == nil {
		return ErrNoIOThread
	}
	l := newListener(t, s, s.options)
	if err := l.setAddress(proto, rest); err != nil {
		return err
	}
	s.lastEndpoint = l.endpoint
	s.launchChild(l)
	s.log.Debug().Str("endpoint", l.endpoint).Msg("bound")
	return nil
}

// Connect connects s to the endpoint at addr. For network transports, the
// connection is made in the background, and re-established if it drops.
func (s *Socket) Connect(addr string) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := s.processCommands(0); err != nil {
		return err
	}
	proto, rest, err := parseAddress(addr)
	if err != nil {
		return err
	}

	if proto == "inproc" {
		if err := s.connectInproc(rest); err != nil {
			return err
		}
		s.lastEndpoint = addr
		s.log.Debug().Str("endpoint", addr).Msg("connected")
		return nil
	}

	// Check the address here, so the caller hears about mistakes.
	if _, err := resolveAddress(proto, rest, false, s.options.ipv4only); err != nil {
		return err
	}
	t := s.chooseIOThread(s.options.affinity)
	if t == nil {
		return ErrNoIOThread
	}
	sess := newSession(t, true, s, s.options, proto, rest)
	pipes := pipepair([2]*object{&s.object, &sess.object},
		[2]int{s.options.sndhwm, s.options.rcvhwm},
		[2]bool{s.options.delayOnDisconnect, s.options.delayOnClose})
	s.attachPipe(pipes[0])
	sess.attachPipe(pipes[1])
	s.launchChild(sess)

	s.lastEndpoint = addr
	s.log.Debug().Str("endpoint", addr).Msg("connecting")
	return nil
}

func (s *Socket) connectInproc(name string) error {
	ep, err := s.ctx.findEndpoint(name)
	if err != nil {
		return err
	}
	peer := ep.socket

	// The capacity of each direction is the sum of the buffers on both
	// sides, unless either side is unbounded.
	var sndhwm, rcvhwm int
	if s.options.sndhwm != 0 && ep.options.rcvhwm != 0 {
		sndhwm = s.options.sndhwm + ep.options.rcvhwm
	}
	if s.options.rcvhwm != 0 && ep.options.sndhwm != 0 {
		rcvhwm = s.options.rcvhwm + ep.options.sndhwm
	}
	pipes := pipepair([2]*object{&s.object, &peer.object},
		[2]int{sndhwm, rcvhwm},
		[2]bool{s.options.delayOnDisconnect, ep.options.delayOnDisconnect})

	// Tell each side who is on the other end, if it wants to know.
	if ep.options.recvIdentity {
		id := NewMsg(s.options.identity)
		id.SetFlags(Identity)
		if !pipes[0].write(&id) {
			panic("xroads: cannot write identity to a new pipe")
		}
		pipes[0].flush()
	}
	if s.options.recvIdentity {
		id := NewMsg(ep.options.identity)
		id.SetFlags(Identity)
		if !pipes[1].write(&id) {
			panic("xroads: cannot write identity to a new pipe")
		}
		pipes[1].flush()
	}

	s.attachPipe(pipes[0])

	// The sequence number of the peer was incremented by findEndpoint.
	s.sendBind(peer, pipes[1], false)
	return nil
}

// attachPipe adds p to the pipes of s.
func (s *Socket) attachPipe(p *pipe) {
	p.setEventSink(s)
	s.pipes = append(s.pipes, p)
	s.impl.xattachPipe(p)

	// A pipe that arrives after termination began is torn down at once.
	if s.isTerminating() {
		s.registerTermAcks(1)
		p.terminate(false)
	}
}

// Send sends data as a message part. Unless flags include DontWait, Send
// blocks until the message can be queued, or the send timeout expires.
func (s *Socket) Send(data []byte, flags Flags) error {
	m := NewMsg(data)
	if err := s.SendMsg(&m, flags); err != nil {
		m.Close()
		return err
	}
	return nil
}

// SendMsg sends m as a message part. On success, s takes ownership of the
// contents of m and m is left empty. On failure m is unchanged, and the
// caller remains responsible for closing it.
//
// A part longer than [wire.MaxVint30] bytes cannot be framed, and is
// rejected with [ErrInvalid].
func (s *Socket) SendMsg(m *Msg, flags Flags) error {
	if err := s.check(); err != nil {
		return err
	}
	if m.Size() > wire.MaxVint30 {
		return invalid("message size", m.Size())
	}
	if err := s.processCommands(0); err != nil {
		return err
	}
	m.ResetFlags(More | Identity)
	if flags&SndMore != 0 {
		m.SetFlags(More)
	}

	err := s.trySend(m)
	if !errors.Is(err, ErrAgain) || flags&DontWait != 0 || s.options.sndTimeout == 0 {
		return err
	}

	timeout := s.options.sndTimeout
	deadline := time.Now().Add(timeout)
	for {
		if err := s.processCommands(timeout); err != nil {
			return err
		}
		if err := s.trySend(m); !errors.Is(err, ErrAgain) {
			return err
		}
		if timeout > 0 {
			if timeout = time.Until(deadline); timeout <= 0 {
				return ErrAgain
			}
		}
	}
}

func (s *Socket) trySend(m *Msg) error {
	var ev MessageEvent
	if s.logMsg != nil {
		// The socket takes the body of m, so keep a copy for the log.
		ev = MessageEvent{Data: append([]byte{}, m.Data()...), More: m.More(), Sent: true}
	}
	if err := s.impl.xsend(m); err != nil {
		return err
	}
	rootMetrics.msgSent.Add(1)
	if s.logMsg != nil {
		s.logMsg(ev)
	}
	return nil
}

// Recv receives a message part and returns a copy of its body. Unless
// flags include DontWait, Recv blocks until a message is available, or the
// receive timeout expires.
func (s *Socket) Recv(flags Flags) ([]byte, error) {
	var m Msg
	if err := s.RecvMsg(&m, flags); err != nil {
		return nil, err
	}
	defer m.Close()
	return append([]byte{}, m.Data()...), nil
}

// RecvMsg receives a message part into m, releasing the previous contents
// of m. The caller is responsible for closing m.
func (s *Socket) RecvMsg(m *Msg, flags Flags) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := s.processCommands(0); err != nil {
		return err
	}
	err := s.tryRecv(m)
	if !errors.Is(err, ErrAgain) || flags&DontWait != 0 || s.options.rcvTimeout == 0 {
		return err
	}

	timeout := s.options.rcvTimeout
	deadline := time.Now().Add(timeout)
	for {
		if err := s.processCommands(timeout); err != nil {
			return err
		}
		if err := s.tryRecv(m); !errors.Is(err, ErrAgain) {
			return err
		}
		if timeout > 0 {
			if timeout = time.Until(deadline); timeout <= 0 {
				return ErrAgain
			}
		}
	}
}

func (s *Socket) tryRecv(m *Msg) error {
	if err := s.impl.xrecv(m); err != nil {
		return err
	}
	s.rcvmore = m.More()
	rootMetrics.msgRecv.Add(1)
	if s.logMsg != nil {
		s.logMsg(MessageEvent{Data: m.Data(), More: s.rcvmore})
	}
	return nil
}

// Events reports whether s is ready to send or receive.
func (s *Socket) Events() (Events, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	if err := s.processCommands(0); err != nil {
		return 0, err
	}
	var ev Events
	if s.impl.xhasOut() {
		ev |= PollOut
	}
	if s.impl.xhasIn() {
		ev |= PollIn
	}
	return ev, nil
}

// Subscribe asks the peers of a SUB socket to send messages matching topic,
// using the filter selected by SetFilter. For the prefix filter, an empty
// topic matches all messages.
func (s *Socket) Subscribe(topic []byte) error { return s.subscribe(wire.Subscribe, topic) }

// Unsubscribe removes one subscription added by Subscribe.
func (s *Socket) Unsubscribe(topic []byte) error { return s.subscribe(wire.Unsubscribe, topic) }

func (s *Socket) subscribe(cmd uint16, topic []byte) error {
	if err := s.check(); err != nil {
		return err
	}
	f, ok := s.impl.(interface{ subscribe(*Msg) error })
	if !ok || !s.options.filter {
		return fmt.Errorf("%v: %w", s.options.typ, ErrNotSupported)
	}
	sub := wire.Subscription{Command: cmd, Filter: s.options.filterID, Topic: topic}
	m := NewMsg(sub.Encode())
	defer m.Close()
	return f.subscribe(&m)
}

// Close closes s. Messages already sent are delivered in the background,
// subject to the linger setting. Close does not block.
func (s *Socket) Close() error {
	if s.tag.Load() != tagLive {
		return ErrClosed
	}
	s.tag.Store(tagDead)
	s.log.Debug().Msg("closing socket")

	// From here on the socket belongs to the reaper.
	s.sendReap(s)
	return nil
}

// stop tells s that its context is terminating. It may be called from any
// goroutine.
func (s *Socket) stop() { s.sendStop(s) }

// processCommands handles the commands waiting in the mailbox of s. If
// none is waiting, it waits up to timeout for the first one.
func (s *Socket) processCommands(timeout time.Duration) error {
	cmd, err := s.mailbox.recv(timeout)
	for err == nil {
		cmd.dispatch()
		cmd, err = s.mailbox.recv(0)
	}
	if s.ctxTerminated {
		return ErrTerminated
	}
	return nil
}

// startReaping is called by the reaper to take over s once it is closed.
func (s *Socket) startReaping(p *poller.Poller) {
	s.poller = p
	s.handle = p.AddFD(s.mailbox.fd(), reapEvents{s})
	p.SetPollIn(s.handle)

	s.terminate()
	s.checkDestroy()
}

// reapEvents adapts a socket being reaped to the poller of the reaper.
type reapEvents struct{ s *Socket }

func (r reapEvents) InEvent() {
	r.s.processCommands(0)
	r.s.checkDestroy()
}

func (reapEvents) OutEvent()      { panic("xroads: unexpected output event on socket mailbox") }
func (reapEvents) TimerEvent(int) { panic("xroads: unexpected timer on socket mailbox") }

// checkDestroy finalizes s once it has finished terminating.
func (s *Socket) checkDestroy() {
	if !s.destroyed {
		return
	}
	s.poller.RmFD(s.handle)
	s.ctx.destroySocket(s)
	s.sendReaped()
	if err := s.mailbox.close(); err != nil {
		s.log.Error().Err(err).Msg("close mailbox")
	}
	s.log.Debug().Msg("socket reaped")
}

func (s *Socket) processDestroy() { s.destroyed = true }

func (s *Socket) processStop() { s.ctxTerminated = true }

func (s *Socket) processBind(p *pipe) { s.attachPipe(p) }

func (s *Socket) processTerm(linger time.Duration) {
	// No new inproc connections may arrive once termination begins.
	s.ctx.unregisterEndpoints(s)

	for _, p := range s.pipes {
		p.terminate(false)
	}
	s.registerTermAcks(len(s.pipes))
	s.own.processTerm(linger)
}

func (s *Socket) readActivated(p *pipe)  { s.impl.xreadActivated(p) }
func (s *Socket) writeActivated(p *pipe) { s.impl.xwriteActivated(p) }
func (s *Socket) hiccuped(p *pipe)       { s.impl.xhiccuped(p) }

func (s *Socket) terminated(p *pipe) {
	s.impl.xterminated(p)
	for i, q := range s.pipes {
		if q == p {
			s.pipes = append(s.pipes[:i], s.pipes[i+1:]...)
			break
		}
	}
	if s.isTerminating() {
		s.unregisterTermAck()
	}
}

// baseType provides the defaults for optional socket type behavior.
type baseType struct{ s *Socket }

func (baseType) xsend(*Msg) error { return ErrNotSupported }
func (baseType) xrecv(*Msg) error { return ErrNotSupported }
func (baseType) xhasIn() bool     { return false }
func (baseType) xhasOut() bool    { return false }

func (baseType) xreadActivated(*pipe)  { panic("xroads: unexpected read activation") }
func (baseType) xwriteActivated(*pipe) { panic("xroads: unexpected write activation") }
func (baseType) xhiccuped(*pipe)       {}
