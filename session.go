// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package xroads

import (
	"math/rand/v2"
	"time"

	"github.com/creachadair/xroads/internal/poller"
	"github.com/rs/zerolog"
)

// An engine moves messages between a session and a network connection.
// All its methods are called on the I/O thread of the session.
type engine interface {
	// plug starts the engine on t, exchanging messages with s.
	plug(t *ioThread, s *session)

	// terminate stops the engine and closes its connection.
	terminate()

	// activateIn tells the engine the session can accept messages again.
	activateIn()

	// activateOut tells the engine the session has messages to send.
	activateOut()
}

const lingerTimerID = 0x20

// A session connects a socket to one network peer. It owns the pipe to the
// socket, and outlives the engines serving each connection to the peer: a
// session that made the connection reconnects when the engine fails, and
// one that accepted the connection terminates.
type session struct {
	own
	ioObject

	ioThread *ioThread
	socket   *Socket
	log      zerolog.Logger

	connect     bool   // the session initiates connections
	proto, addr string // the peer address, if connect is set
	backoff     backoff

	pipe         *pipe
	incompleteIn bool // the engine has read part of a message from the pipe

	engine engine

	// pending is set while termination waits for the pipe to drain.
	pending     bool
	lingerTimer *poller.Timer
}

func newSession(t *ioThread, connect bool, s *Socket, opts options, proto, addr string) *session {
	sess := &session{
		ioThread: t,
		socket:   s,
		connect:  connect,
		proto:    proto,
		addr:     addr,
		backoff:  newBackoff(opts.reconnectIvl, opts.reconnectIvlMax),
		log: s.ctx.root.With().Str("component", "session").
			Uint32("socket", s.id).Str("peer", proto+"://"+addr).Logger(),
	}
	sess.init(s.ctx, t.tid(), sess, opts)
	sess.ioObject.plug(t)
	return sess
}

// attachPipe sets the pipe to the socket. It is called by the socket before
// the session is launched.
func (s *session) attachPipe(p *pipe) {
	if s.pipe != nil {
		panic("xroads: session already has a pipe")
	}
	s.pipe = p
	p.setEventSink(s)
}

// read fetches the next message part to be sent to the peer.
func (s *session) read(m *Msg) bool {
	if s.pipe == nil || !s.pipe.read(m) {
		return false
	}
	s.incompleteIn = m.More()
	return true
}

// write delivers a message part from the peer to the socket. It reports
// false if the pipe cannot accept it now.
func (s *session) write(m *Msg) bool {
	return s.pipe != nil && s.pipe.write(m)
}

func (s *session) flush() {
	if s.pipe != nil {
		s.pipe.flush()
	}
}

// handshaked is called by the engine once the peer has greeted it.
func (s *session) handshaked(identity []byte) {
	s.backoff.reset()
	if s.pipe != nil && s.options.recvIdentity {
		id := NewMsg(identity)
		id.SetFlags(Identity)
		if s.pipe.write(&id) {
			s.pipe.flush()
		} else {
			id.Close()
		}
	}
}

// cleanPipes discards half-done messages in both directions after the
// engine has gone away.
func (s *session) cleanPipes() {
	if s.pipe == nil {
		return
	}
	s.pipe.rollback()
	s.pipe.flush()

	var m Msg
	for s.incompleteIn {
		if !s.read(&m) {
			s.incompleteIn = false
			break
		}
		m.Close()
	}
}

// detach is called by an engine that has failed. The engine is gone once
// detach returns.
func (s *session) detach() {
	s.engine = nil
	s.cleanPipes()
	s.detached()

	// The pipe may hold nothing but a delimiter.
	if s.pipe != nil {
		s.pipe.checkRead()
	}
}

func (s *session) detached() {
	if !s.connect || s.options.reconnectIvl < 0 {
		s.terminate()
		return
	}
	s.startConnecting(true)

	if s.pipe == nil {
		return
	}
	switch s.options.typ {
	case SUB, XSUB:
		// Subscribers resend their subscriptions to the new connection.
		s.pipe.hiccup(false)
	case PUB, XPUB:
		// Publishers forget the subscriptions of the old connection.
		s.pipe.hiccup(true)
	}
}

// startConnecting launches a connecter for the peer address. If wait is
// true, the connecter first waits for the reconnect interval.
func (s *session) startConnecting(wait bool) {
	if !s.connect {
		panic("xroads: accepted session cannot reconnect")
	}
	t := s.chooseIOThread(s.options.affinity)
	if t == nil {
		panic("xroads: no I/O thread for connecter")
	}
	var delay time.Duration
	if wait {
		delay = s.backoff.next()
	}
	c := newConnecter(t, s, s.options, s.proto, s.addr, delay, s.backoff)
	s.launchChild(c)
}

func (s *session) processPlug() {
	if s.connect {
		s.startConnecting(false)
	}
}

func (s *session) processAttach(e engine) {
	// After a reconnect the pipe may be gone, so make a new one.
	if s.pipe == nil && !s.isTerminating() {
		pipes := pipepair([2]*object{&s.object, &s.socket.object},
			[2]int{s.options.rcvhwm, s.options.sndhwm},
			[2]bool{s.options.delayOnClose, s.options.delayOnDisconnect})
		pipes[0].setEventSink(s)
		s.pipe = pipes[0]
		s.sendBind(s.socket, pipes[1], true)
	}
	if s.engine != nil {
		panic("xroads: session already has an engine")
	}
	s.engine = e
	e.plug(s.ioThread, s)
}

func (s *session) processTerm(linger time.Duration) {
	if s.pending {
		panic("xroads: session terminated twice")
	}
	if s.pipe == nil {
		s.proceedWithTerm()
		return
	}
	s.pending = true

	// With a finite linger, give up on pending messages once it expires.
	// With an infinite linger, there is no timer at all.
	if linger > 0 {
		s.lingerTimer = s.addTimer(linger, s, lingerTimerID)
	}
	s.pipe.terminate(linger != 0)

	// Without an engine to read it, a lone delimiter would never be seen.
	s.pipe.checkRead()
}

func (s *session) proceedWithTerm() {
	s.pending = false
	s.own.processTerm(0)
}

func (s *session) processDestroy() {
	if s.lingerTimer != nil {
		s.cancelTimer(s.lingerTimer)
		s.lingerTimer = nil
	}
	if s.engine != nil {
		s.engine.terminate()
		s.engine = nil
	}
	s.ioObject.unplug()
}

func (s *session) readActivated(p *pipe) {
	if s.engine != nil {
		s.engine.activateOut()
	} else {
		p.checkRead()
	}
}

func (s *session) writeActivated(*pipe) {
	if s.engine != nil {
		s.engine.activateIn()
	}
}

func (s *session) hiccuped(*pipe) { panic("xroads: hiccup sent to a session") }

func (s *session) terminated(p *pipe) {
	if p != s.pipe {
		panic("xroads: session told of termination of a foreign pipe")
	}
	s.pipe = nil
	if s.pending {
		s.proceedWithTerm()
		return
	}

	// The socket dropped the pipe on its own, for example because the peer
	// misbehaved. The connection goes with it.
	if s.engine != nil {
		s.engine.terminate()
		s.engine = nil
		s.incompleteIn = false
		s.detached()
	}
}

func (s *session) InEvent()  { panic("xroads: unexpected input event on session") }
func (s *session) OutEvent() { panic("xroads: unexpected output event on session") }

// TimerEvent fires when the linger period expires. Termination proceeds
// even though messages may still be waiting.
func (s *session) TimerEvent(id int) {
	if id != lingerTimerID {
		panic("xroads: unexpected session timer")
	}
	s.lingerTimer = nil
	if s.pipe != nil {
		s.log.Debug().Msg("linger expired, dropping pending messages")
		s.pipe.terminate(false)
	}
}

// backoff computes reconnect delays. Each delay is the current interval
// plus a random jitter of up to the base interval. If a maximum is set
// above the base interval, the current interval doubles after each use,
// up to the maximum.
type backoff struct {
	ivl, max, cur time.Duration
}

func newBackoff(ivl, maxIvl time.Duration) backoff {
	return backoff{ivl: ivl, max: maxIvl, cur: ivl}
}

func (b *backoff) next() time.Duration {
	d := b.cur
	if b.ivl > 0 {
		d += rand.N(b.ivl)
	}
	if b.max > b.ivl {
		b.cur = min(2*b.cur, b.max)
	}
	return d
}

func (b *backoff) reset() { b.cur = b.ivl }
