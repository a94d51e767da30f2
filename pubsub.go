// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package xroads

import (
	"fmt"

	"github.com/creachadair/mds/queue"
	"github.com/creachadair/xroads/wire"
)

// xpubSocket publishes each message to the peers whose subscriptions match
// it. Subscriptions arrive from peers as messages on their pipes. An XPUB
// socket passes new subscriptions on to the application, which a PUB
// socket does not.
type xpubSocket struct {
	baseType
	sets filterSets
	dist distributor
	more bool // a multi-part message is being sent

	// Subscription messages waiting to be received by the application.
	// Nil for PUB sockets.
	pending *queue.Queue[[]byte]
}

func newXPub(s *Socket) *xpubSocket {
	return &xpubSocket{
		baseType: baseType{s},
		sets:     make(filterSets),
		dist:     newDistributor(),
		pending:  queue.New[[]byte](),
	}
}

func (t *xpubSocket) xattachPipe(p *pipe) {
	t.dist.attach(p)

	// The peer may have sent its subscriptions already.
	t.xreadActivated(p)
}

func (t *xpubSocket) xreadActivated(p *pipe) {
	var m Msg
	for p.read(&m) {
		err := t.applySubscription(p, m.Data())
		m.Close()
		if err != nil {
			rootMetrics.badSubscribe.Add(1)
			t.s.log.Warn().Err(err).Msg("malformed subscription, dropping peer")
			p.terminate(false)
			return
		}
	}
}

// applySubscription updates the subscriptions of p from a subscription
// message. It reports an error if the message is malformed.
func (t *xpubSocket) applySubscription(p *pipe, data []byte) error {
	sub, err := wire.ParseSubscription(data)
	if err != nil {
		return err
	}
	set, ok := t.sets.get(sub.Filter, sub.Command == wire.Subscribe)
	if !ok {
		return fmt.Errorf("%w: unknown filter %d", wire.ErrMalformed, sub.Filter)
	}

	var unique bool
	if sub.Command == wire.Subscribe {
		unique = set.Subscribe(p, sub.Topic)
	} else {
		unique = set.Unsubscribe(p, sub.Topic)
	}
	if unique && t.pending != nil {
		t.pending.Add(append([]byte(nil), data...))
	}
	return nil
}

func (t *xpubSocket) xwriteActivated(p *pipe) { t.dist.activated(p) }

func (t *xpubSocket) xterminated(p *pipe) {
	t.forget(p)
	t.dist.terminated(p)
}

// The peer behind p has reconnected. Its old subscriptions no longer
// apply, and the new peer sends its own.
func (t *xpubSocket) xhiccuped(p *pipe) {
	t.forget(p)

	// The new outbound queue is empty, so p can take data again.
	if t.dist.pipes.index(p) >= t.dist.eligible {
		t.dist.activated(p)
	}
	t.xreadActivated(p)
}

// forget removes all the subscriptions of p. Topics left with no
// subscribers are reported upstream as unsubscriptions.
func (t *xpubSocket) forget(p *pipe) {
	for id, set := range t.sets {
		set.UnsubscribeAll(p, func(topic []byte) {
			if t.pending != nil {
				msg := wire.Subscription{Command: wire.Unsubscribe, Filter: id, Topic: topic}
				t.pending.Add(msg.Encode())
			}
		})
	}
}

func (t *xpubSocket) xsend(m *Msg) error {
	more := m.More()

	// The recipients are chosen by the first part of the message.
	if !t.more {
		for _, set := range t.sets {
			set.MatchAll(m.Data(), func(sub any) { t.dist.match(sub.(*pipe)) })
		}
	}
	if err := t.dist.sendToMatching(m); err != nil {
		return err
	}
	if !more {
		t.dist.unmatch()
	}
	t.more = more
	return nil
}

func (t *xpubSocket) xhasOut() bool { return t.dist.hasOut() }

func (t *xpubSocket) xrecv(m *Msg) error {
	data, ok := t.pending.Pop()
	if !ok {
		return ErrAgain
	}
	m.Close()
	*m = NewMsgData(data, nil)
	return nil
}

func (t *xpubSocket) xhasIn() bool { return t.pending.Len() != 0 }

// pubSocket is an XPUB socket that does not deliver subscriptions to the
// application.
type pubSocket struct{ *xpubSocket }

func newPub(s *Socket) pubSocket {
	t := newXPub(s)
	t.pending = nil
	return pubSocket{t}
}

func (pubSocket) xrecv(*Msg) error { return ErrNotSupported }
func (pubSocket) xhasIn() bool     { return false }

// xsubKey is the subscriber recorded for the subscriptions of an XSUB
// socket, which keeps one set for all its peers.
type xsubKey struct{}

// xsubSocket receives messages from its peers, and sends its subscriptions
// to all of them. It remembers its subscriptions, so they can be sent
// again to a peer that reconnects.
type xsubSocket struct {
	baseType
	fq   fairQueue
	dist distributor
	sets filterSets

	// A message read ahead by xhasIn, to be returned by the next xrecv.
	message    Msg
	hasMessage bool

	more bool // the last part received was not the end of its message
}

func newXSub(s *Socket) *xsubSocket {
	// Pending subscriptions are not worth waiting for at close, and must
	// never be refused for lack of space.
	s.options.linger = 0
	s.options.sndhwm = 0
	return &xsubSocket{
		baseType: baseType{s},
		fq:       newFairQueue(),
		dist:     newDistributor(),
		sets:     make(filterSets),
	}
}

func (t *xsubSocket) xattachPipe(p *pipe) {
	t.fq.attach(p)
	t.dist.attach(p)
	t.sendSubscriptions(p)
}

func (t *xsubSocket) xreadActivated(p *pipe)  { t.fq.activated(p) }
func (t *xsubSocket) xwriteActivated(p *pipe) { t.dist.activated(p) }

func (t *xsubSocket) xterminated(p *pipe) {
	t.fq.terminated(p)
	t.dist.terminated(p)
}

// The peer behind p has reconnected and forgotten our subscriptions.
func (t *xsubSocket) xhiccuped(p *pipe) { t.sendSubscriptions(p) }

// sendSubscriptions writes all the current subscriptions to p. A
// subscription that does not fit in the pipe is dropped.
func (t *xsubSocket) sendSubscriptions(p *pipe) {
	for id, set := range t.sets {
		set.Each(func(topic []byte) {
			sub := wire.Subscription{Command: wire.Subscribe, Filter: id, Topic: topic}
			m := NewMsg(sub.Encode())
			if !p.write(&m) {
				m.Close()
			}
		})
	}
	p.flush()
}

// xsend accepts a subscription message from the application, and forwards
// it to all peers if it changes the set of subscribed topics.
func (t *xsubSocket) xsend(m *Msg) error {
	sub, err := wire.ParseSubscription(m.Data())
	if err != nil {
		return fmt.Errorf("subscription: %w", ErrInvalid)
	}
	set, ok := t.sets.get(sub.Filter, sub.Command == wire.Subscribe)
	if !ok {
		if _, known := lookupFilter(sub.Filter); !known {
			return fmt.Errorf("filter %d: %w", sub.Filter, ErrInvalid)
		}
		m.Close() // nothing was ever subscribed with this filter
		return nil
	}

	var unique bool
	if sub.Command == wire.Subscribe {
		unique = set.Subscribe(xsubKey{}, sub.Topic)
	} else {
		unique = set.Unsubscribe(xsubKey{}, sub.Topic)
	}
	if unique {
		return t.dist.sendToAll(m)
	}
	m.Close()
	return nil
}

func (t *xsubSocket) xhasOut() bool { return true }

func (t *xsubSocket) xrecv(m *Msg) error {
	if t.hasMessage {
		m.Close()
		*m = t.message.move()
		t.hasMessage = false
		t.more = m.More()
		return nil
	}
	for {
		if err := t.fq.recv(m); err != nil {
			return err
		}
		// Only the first part of a message is matched.
		if t.more || !t.s.options.filter || t.match(m) {
			t.more = m.More()
			return nil
		}
		t.skipRest(m)
	}
}

func (t *xsubSocket) xhasIn() bool {
	if t.more || t.hasMessage {
		return true
	}
	for {
		if err := t.fq.recv(&t.message); err != nil {
			return false
		}
		if !t.s.options.filter || t.match(&t.message) {
			t.hasMessage = true
			return true
		}
		t.skipRest(&t.message)
	}
}

// skipRest discards the remaining parts of the message whose first part
// is in m.
func (t *xsubSocket) skipRest(m *Msg) {
	for m.More() {
		if t.fq.recv(m) != nil {
			break
		}
	}
	m.Close()
}

func (t *xsubSocket) match(m *Msg) bool {
	for _, set := range t.sets {
		if set.Match(m.Data()) {
			return true
		}
	}
	return false
}

// subSocket is an XSUB socket whose subscriptions are managed with the
// Subscribe and Unsubscribe methods of the socket, and whose inbound
// messages are filtered by them.
type subSocket struct{ *xsubSocket }

func newSub(s *Socket) subSocket {
	t := newXSub(s)
	s.options.filter = true
	return subSocket{t}
}

func (subSocket) xsend(*Msg) error { return ErrNotSupported }
func (subSocket) xhasOut() bool    { return false }

func (t subSocket) subscribe(m *Msg) error { return t.xsubSocket.xsend(m) }
