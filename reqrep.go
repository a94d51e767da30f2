// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package xroads

import (
	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/mds/queue"
	"github.com/google/uuid"
)

// xreqSocket sends requests to its peers in round-robin order, and
// receives replies from them fairly queued. It does no routing of its own.
type xreqSocket struct {
	baseType
	fq fairQueue
	lb loadBalancer

	// A message read ahead by xhasIn, to be returned by the next xrecv.
	prefetched    Msg
	hasPrefetched bool
}

func newXReq(s *Socket) *xreqSocket {
	s.options.recvIdentity = true
	return &xreqSocket{baseType: baseType{s}, fq: newFairQueue(), lb: newLoadBalancer()}
}

func (t *xreqSocket) xattachPipe(p *pipe) {
	t.fq.attach(p)
	t.lb.attach(p)
}

func (t *xreqSocket) xreadActivated(p *pipe)  { t.fq.activated(p) }
func (t *xreqSocket) xwriteActivated(p *pipe) { t.lb.activated(p) }

func (t *xreqSocket) xterminated(p *pipe) {
	t.fq.terminated(p)
	t.lb.terminated(p)
}

func (t *xreqSocket) xsend(m *Msg) error { return t.lb.send(m) }
func (t *xreqSocket) xhasOut() bool      { return t.lb.hasOut() }

func (t *xreqSocket) xrecv(m *Msg) error {
	if t.hasPrefetched {
		m.Close()
		*m = t.prefetched.move()
		t.hasPrefetched = false
		return nil
	}

	// Identities of peers are of no use here.
	for {
		if err := t.fq.recv(m); err != nil {
			return err
		}
		if m.Flags()&Identity == 0 {
			return nil
		}
	}
}

func (t *xreqSocket) xhasIn() bool {
	if t.hasPrefetched {
		return true
	}
	if t.xrecv(&t.prefetched) != nil {
		return false
	}
	t.hasPrefetched = true
	return true
}

// reqSocket sends a request and then waits for its reply, strictly
// alternating. Each request is prefixed with an empty delimiter part, which
// the replying peer returns at the head of the reply.
type reqSocket struct {
	*xreqSocket
	receivingReply bool
	messageBegins  bool
}

func newReq(s *Socket) *reqSocket {
	return &reqSocket{xreqSocket: newXReq(s), messageBegins: true}
}

func (t *reqSocket) xsend(m *Msg) error {
	if t.receivingReply {
		return ErrFSM
	}
	if t.messageBegins {
		bottom := Msg{flags: More}
		if err := t.xreqSocket.xsend(&bottom); err != nil {
			return err
		}
		t.messageBegins = false
	}

	more := m.More()
	if err := t.xreqSocket.xsend(m); err != nil {
		return err
	}
	if !more {
		t.receivingReply = true
		t.messageBegins = true
	}
	return nil
}

func (t *reqSocket) xrecv(m *Msg) error {
	if !t.receivingReply {
		return ErrFSM
	}

	// A reply must begin with the empty delimiter. Anything else is
	// discarded whole.
	if t.messageBegins {
		if err := t.xreqSocket.xrecv(m); err != nil {
			return err
		}
		if !m.More() || m.Size() != 0 {
			for m.More() {
				if t.xreqSocket.xrecv(m) != nil {
					break
				}
			}
			m.Close()
			return ErrAgain
		}
		t.messageBegins = false
	}

	if err := t.xreqSocket.xrecv(m); err != nil {
		return err
	}
	if !m.More() {
		t.receivingReply = false
		t.messageBegins = true
	}
	return nil
}

func (t *reqSocket) xhasIn() bool  { return t.receivingReply && t.xreqSocket.xhasIn() }
func (t *reqSocket) xhasOut() bool { return !t.receivingReply && t.xreqSocket.xhasOut() }

// xrepSocket routes messages by peer identity. Each inbound message is
// prefixed with a part carrying the identity of the peer it came from; an
// outbound message must begin with a part naming the peer it goes to.
// Messages for unknown peers are dropped.
type xrepSocket struct {
	baseType
	fq fairQueue

	// Pipes whose peer identity has not arrived yet.
	anonymous mapset.Set[*pipe]

	outpipes   map[string]*outpipe
	currentOut *pipe
	moreOut    bool

	// A message read ahead of its identity part.
	prefetched    bool
	identitySent  bool
	prefetchedID  Msg
	prefetchedMsg Msg
	moreIn        bool
}

type outpipe struct {
	pipe   *pipe
	active bool
}

func newXRep(s *Socket) *xrepSocket {
	s.options.recvIdentity = true
	return &xrepSocket{
		baseType:  baseType{s},
		fq:        newFairQueue(),
		anonymous: mapset.New[*pipe](),
		outpipes:  make(map[string]*outpipe),
	}
}

func (t *xrepSocket) xattachPipe(p *pipe) {
	if t.identifyPeer(p) {
		t.fq.attach(p)
	}
}

// identifyPeer reads the identity of the peer from p and records p as the
// route to that identity. It reports false if p was not added to the route
// table; p is then kept in the anonymous set.
func (t *xrepSocket) identifyPeer(p *pipe) bool {
	var m Msg
	if !p.read(&m) {
		t.anonymous.Add(p)
		return false
	}
	defer m.Close()

	var id []byte
	if m.Size() == 0 {
		// The peer did not choose an identity. Make one up; a leading zero
		// cannot clash with identities chosen by applications.
		u := uuid.New()
		id = append([]byte{0}, u[:]...)
	} else {
		id = append([]byte(nil), m.Data()...)
		if _, dup := t.outpipes[string(id)]; dup {
			t.s.log.Warn().Hex("identity", id).Msg("duplicate peer identity, dropping peer")
			t.anonymous.Add(p)
			p.terminate(false)
			return false
		}
	}
	p.identity = id
	t.outpipes[string(id)] = &outpipe{pipe: p, active: true}
	t.anonymous.Remove(p)
	return true
}

func (t *xrepSocket) xterminated(p *pipe) {
	if t.anonymous.Has(p) {
		t.anonymous.Remove(p)
		return
	}
	delete(t.outpipes, string(p.identity))
	t.fq.terminated(p)
	if p == t.currentOut {
		t.currentOut = nil
	}
}

func (t *xrepSocket) xreadActivated(p *pipe) {
	if !t.anonymous.Has(p) {
		t.fq.activated(p)
	} else if t.identifyPeer(p) {
		t.fq.attach(p)
	}
}

func (t *xrepSocket) xwriteActivated(p *pipe) {
	if op, ok := t.outpipes[string(p.identity)]; ok && op.pipe == p {
		op.active = true
	}
}

func (t *xrepSocket) xsend(m *Msg) error {
	// The first part of a message names the peer to send it to.
	if !t.moreOut {
		if t.currentOut != nil {
			panic("xroads: route selected between messages")
		}

		// A lone identity part is ignored.
		if m.More() {
			t.moreOut = true
			if op, ok := t.outpipes[string(m.Data())]; ok {
				if op.pipe.checkWrite() {
					t.currentOut = op.pipe
				} else {
					op.active = false
				}
			}
		}
		m.Close()
		return nil
	}

	t.moreOut = m.More()
	if t.currentOut == nil {
		m.Close()
		return nil
	}
	if !t.currentOut.write(m) {
		// The peer went away mid-message; drop what was written.
		t.currentOut.rollback()
		t.currentOut = nil
		m.Close()
		return nil
	}
	if !t.moreOut {
		t.currentOut.flush()
		t.currentOut = nil
	}
	return nil
}

func (t *xrepSocket) xrecv(m *Msg) error {
	if t.prefetched {
		m.Close()
		if !t.identitySent {
			*m = t.prefetchedID.move()
			t.identitySent = true
		} else {
			*m = t.prefetchedMsg.move()
			t.prefetched = false
		}
		t.moreIn = m.More()
		return nil
	}

	p, err := t.recvPipe(m)
	if err != nil {
		return err
	}

	// In the middle of a message, return the next part as it is.
	if t.moreIn {
		t.moreIn = m.More()
		return nil
	}

	// At the start of a message, return the identity of the peer first and
	// hold the part that was read.
	t.prefetchedMsg = m.move()
	t.prefetched = true
	*m = NewMsg(p.identity)
	m.SetFlags(More)
	t.identitySent = true
	t.moreIn = true
	return nil
}

// recvPipe reads the next part that is not a peer identity, and reports
// which pipe it came from. A peer sends its identity again after it
// reconnects.
func (t *xrepSocket) recvPipe(m *Msg) (*pipe, error) {
	var p *pipe
	for {
		if err := t.fq.recvPipe(m, &p); err != nil {
			return nil, err
		}
		if m.Flags()&Identity == 0 {
			return p, nil
		}
	}
}

func (t *xrepSocket) xhasIn() bool {
	if t.moreIn || t.prefetched {
		return true
	}
	p, err := t.recvPipe(&t.prefetchedMsg)
	if err != nil {
		return false
	}
	t.prefetchedID = NewMsg(p.identity)
	t.prefetchedID.SetFlags(More)
	t.prefetched = true
	t.identitySent = false
	return true
}

func (t *xrepSocket) xhasOut() bool { return true }

// repSocket receives a request and then sends its reply, strictly
// alternating. The routing envelope of each request, up to and including
// the empty delimiter part, is held back from the application and sent
// again at the head of the reply.
type repSocket struct {
	*xrepSocket
	envelope      *queue.Queue[Msg]
	sendingReply  bool
	requestBegins bool
}

func newRep(s *Socket) *repSocket {
	return &repSocket{
		xrepSocket:    newXRep(s),
		envelope:      queue.New[Msg](),
		requestBegins: true,
	}
}

func (t *repSocket) xsend(m *Msg) error {
	if !t.sendingReply {
		return ErrFSM
	}
	for {
		env, ok := t.envelope.Pop()
		if !ok {
			break
		}
		t.xrepSocket.xsend(&env)
	}

	more := m.More()
	if err := t.xrepSocket.xsend(m); err != nil {
		return err
	}
	if !more {
		t.sendingReply = false
	}
	return nil
}

func (t *repSocket) xrecv(m *Msg) error {
	if t.sendingReply {
		return ErrFSM
	}
	if t.requestBegins {
		if err := t.readEnvelope(m); err != nil {
			return err
		}
		t.requestBegins = false
	}

	if err := t.xrepSocket.xrecv(m); err != nil {
		return err
	}
	if !m.More() {
		t.sendingReply = true
		t.requestBegins = true
	}
	return nil
}

// readEnvelope reads routing parts into the envelope up to and including
// the empty delimiter. A message that ends before the delimiter is
// discarded with its envelope.
func (t *repSocket) readEnvelope(m *Msg) error {
	for {
		if err := t.xrepSocket.xrecv(m); err != nil {
			t.discardEnvelope() // the peer went away mid-message
			return err
		}
		if !m.More() {
			m.Close()
			t.discardEnvelope()
			continue
		}
		bottom := m.Size() == 0
		t.envelope.Add(m.move())
		if bottom {
			return nil
		}
	}
}

func (t *repSocket) discardEnvelope() {
	for {
		env, ok := t.envelope.Pop()
		if !ok {
			return
		}
		env.Close()
	}
}

func (t *repSocket) xhasIn() bool  { return !t.sendingReply && t.xrepSocket.xhasIn() }
func (t *repSocket) xhasOut() bool { return t.sendingReply && t.xrepSocket.xhasOut() }
