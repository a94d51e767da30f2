// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package xroads

import (
	"fmt"

	"github.com/creachadair/xroads/internal/ypipe"
)

// pipeEvents is implemented by the owner of a pipe endpoint (a socket or a
// session) to be told about changes in the state of the pipe.
type pipeEvents interface {
	readActivated(p *pipe)
	writeActivated(p *pipe)
	hiccuped(p *pipe)
	terminated(p *pipe)
}

type pipeState int

const (
	// Both directions are open.
	pipeActive pipeState = iota

	// The delimiter was read, but pipe_term has not arrived yet.
	pipeDelimited

	// pipe_term arrived, but pending messages are still being read
	// before the delimiter.
	pipePending

	// pipe_term_ack has been sent; waiting for the peer's ack.
	pipeTerminating

	// pipe_term has been sent; waiting for the peer's ack.
	pipeTerminated

	// Both endpoints sent pipe_term concurrently; waiting for the ack.
	pipeDoubleTerminated
)

var pipeStateNames = [...]string{
	pipeActive:           "active",
	pipeDelimited:        "delimited",
	pipePending:          "pending",
	pipeTerminating:      "terminating",
	pipeTerminated:       "terminated",
	pipeDoubleTerminated: "double_terminated",
}

func (s pipeState) String() string { return pipeStateNames[s] }

// A pipe is one endpoint of a bidirectional message channel between two
// objects, possibly on different threads. Each direction is a lock-free
// SPSC queue. Flow is bounded by a high-water mark on the number of
// complete messages in flight, and the reader grants credit back to the
// writer with activate_write commands carrying its read count.
//
// A pipe endpoint is used only by the thread of its owner; the two
// endpoints coordinate only through commands.
type pipe struct {
	object

	inpipe, outpipe *ypipe.Pipe[Msg]

	inActive, outActive bool

	// hwm bounds the complete messages written and not yet known to be
	// read. lwm is how often (in messages read) credit is returned to the
	// peer. Zero means unbounded.
	hwm, lwm int

	msgsRead      uint64
	msgsWritten   uint64
	peersMsgsRead uint64

	peer  *pipe
	sink  pipeEvents
	state pipeState

	// If delay is set, pending inbound messages are read before the pipe
	// acknowledges termination.
	delay bool

	// identity is the routing identity of the peer, used by XREP sockets.
	identity []byte

	arrayIndex [numArraySlots]int
}

// pipepair creates a connected pair of pipe endpoints. The first endpoint
// is owned by parents[0], the second by parents[1]. hwms[i] bounds the
// messages written by endpoint i, and delays[i] is its termination delay.
func pipepair(parents [2]*object, hwms [2]int, delays [2]bool) [2]*pipe {
	upipe1 := ypipe.New[Msg]()
	upipe2 := ypipe.New[Msg]()
	p0 := newPipe(parents[0], upipe1, upipe2, hwms[1], hwms[0], delays[0])
	p1 := newPipe(parents[1], upipe2, upipe1, hwms[0], hwms[1], delays[1])
	p0.peer, p1.peer = p1, p0
	rootMetrics.pipesCreated.Add(2)
	return [2]*pipe{p0, p1}
}

func newPipe(parent *object, in, out *ypipe.Pipe[Msg], inhwm, outhwm int, delay bool) *pipe {
	return &pipe{
		object:     *parent,
		inpipe:     in,
		outpipe:    out,
		inActive:   true,
		outActive:  true,
		hwm:        outhwm,
		lwm:        computeLWM(inhwm),
		delay:      delay,
		arrayIndex: [numArraySlots]int{-1, -1, -1},
	}
}

func computeLWM(hwm int) int {
	// Credit is returned well before the writer runs dry. For large HWMs a
	// fixed margin is enough; for small ones, return it halfway.
	if hwm > 2*maxLWMDelta {
		return hwm - maxLWMDelta
	}
	return (hwm + 1) / 2
}

const maxLWMDelta = 1024

func (p *pipe) setEventSink(sink pipeEvents) {
	if p.sink != nil {
		panic("xroads: pipe event sink is already set")
	}
	p.sink = sink
}

func (p *pipe) String() string { return fmt.Sprintf("pipe(tid=%d, %v)", p.threadID, p.state) }

func (p *pipe) readable() bool {
	return p.inActive && (p.state == pipeActive || p.state == pipePending)
}

// checkRead reports whether a message is available to read. A delimiter at
// the head of the queue is consumed here and starts termination.
func (p *pipe) checkRead() bool {
	if !p.readable() {
		return false
	}
	if !p.inpipe.CheckRead() {
		p.inActive = false
		return false
	}
	if p.inpipe.Peek((*Msg).isDelimiter) {
		p.inpipe.Read()
		p.delimit()
		return false
	}
	return true
}

// read removes the next message part from the pipe into m. It reports
// false if none is available, in which case the owner will get a
// readActivated event once more data arrive.
func (p *pipe) read(m *Msg) bool {
	if !p.readable() {
		return false
	}
	v, ok := p.inpipe.Read()
	if !ok {
		p.inActive = false
		return false
	}
	if v.isDelimiter() {
		p.delimit()
		return false
	}
	*m = v
	if !m.More() {
		p.msgsRead++
	}
	if p.lwm > 0 && p.msgsRead%uint64(p.lwm) == 0 {
		p.sendActivateWrite(p.peer, p.msgsRead)
	}
	return true
}

// checkWrite reports whether a message can be written. A full pipe
// becomes inactive until the peer grants more credit.
func (p *pipe) checkWrite() bool {
	if !p.outActive || p.state != pipeActive {
		return false
	}
	if p.hwm > 0 && p.msgsWritten-p.peersMsgsRead == uint64(p.hwm) {
		p.outActive = false
		return false
	}
	return true
}

// write adds m to the pipe and reports true, taking ownership of its
// contents and leaving m empty. If the pipe cannot accept the message,
// write reports false and m is unchanged. Written data are not visible to
// the peer until flush is called.
func (p *pipe) write(m *Msg) bool {
	if !p.checkWrite() {
		return false
	}
	more := m.More()
	p.outpipe.Write(m.move(), more)
	if !more {
		p.msgsWritten++
	}
	return true
}

// rollback removes the parts of an incomplete message from the pipe.
func (p *pipe) rollback() {
	if p.outpipe == nil {
		return
	}
	for {
		m, ok := p.outpipe.Unwrite()
		if !ok {
			return
		}
		if !m.More() {
			panic("xroads: rolled back a complete message")
		}
		m.Close()
	}
}

// flush makes written messages visible to the peer, waking it if needed.
func (p *pipe) flush() {
	if p.state == pipeTerminating {
		return // the peer no longer reads
	}
	if p.outpipe != nil && !p.outpipe.Flush() {
		p.sendActivateRead(p.peer)
	}
}

func (p *pipe) processActivateRead() {
	if !p.inActive && (p.state == pipeActive || p.state == pipePending) {
		p.inActive = true
		p.sink.readActivated(p)
	}
}

func (p *pipe) processActivateWrite(msgsRead uint64) {
	p.peersMsgsRead = msgsRead
	if !p.outActive && p.state == pipeActive {
		p.outActive = true
		p.sink.writeActivated(p)
	}
}

// hiccup replaces the inbound queue with a fresh one, discarding whatever
// the peer had written to the old queue. It is used when the other end of
// a session's pipe was reconnected, so that no stale data are delivered.
//
// If both is set, the outbound queue is replaced too, and the messages the
// peer has not yet read from the old one are discarded. Everything the
// peer reads after the hiccup was then written after it.
func (p *pipe) hiccup(both bool) {
	if p.state != pipeActive {
		return
	}
	// The peer drains and drops the old queues.
	p.inpipe = ypipe.New[Msg]()
	p.inActive = true
	var out *ypipe.Pipe[Msg]
	if both {
		p.rollback()
		p.outpipe.Flush()
		out = ypipe.New[Msg]()
		p.outpipe = out
		p.outActive = true
	}
	p.sendHiccup(p.peer, p.inpipe, out)
}

func (p *pipe) processHiccup(inpipe, outpipe *ypipe.Pipe[Msg]) {
	// The peer has abandoned our old outbound queue; nobody else will read
	// it, so drain it here. The dropped messages are no longer in flight.
	p.outpipe.Flush()
	p.msgsWritten -= drain(p.outpipe)
	p.outpipe = inpipe
	p.outActive = true

	if outpipe != nil {
		// Messages left in the old inbound queue are dropped unread, but
		// count as read so that the peer gets its credit back.
		if n := drain(p.inpipe); n > 0 && p.state == pipeActive {
			p.msgsRead += n
			p.sendActivateWrite(p.peer, p.msgsRead)
		}
		p.inpipe = outpipe
		p.inActive = true
	}
	if p.state == pipeActive {
		p.sink.hiccuped(p)
	}
}

// drain discards the readable contents of q, and reports the number of
// complete messages discarded.
func drain(q *ypipe.Pipe[Msg]) uint64 {
	var n uint64
	for {
		m, ok := q.Read()
		if !ok {
			return n
		}
		if !m.More() && !m.isDelimiter() {
			n++
		}
		m.Close()
	}
}

func (p *pipe) processPipeTerm() {
	switch p.state {
	case pipeActive:
		if p.delay {
			// Stay readable until the delimiter is reached.
			p.state = pipePending
			return
		}
		p.state = pipeTerminating
	case pipeDelimited:
		p.state = pipeTerminating
	case pipeTerminated:
		// Both ends terminated concurrently.
		p.state = pipeDoubleTerminated
	default:
		panic(fmt.Sprintf("xroads: pipe_term in state %v", p.state))
	}
	p.outpipe = nil
	p.sendPipeTermAck(p.peer)
}

func (p *pipe) processPipeTermAck() {
	p.sink.terminated(p)

	switch p.state {
	case pipeTerminated:
		p.outpipe = nil
		p.sendPipeTermAck(p.peer)
	case pipeTerminating, pipeDoubleTerminated:
	default:
		panic(fmt.Sprintf("xroads: pipe_term_ack in state %v", p.state))
	}

	// The peer owns our outbound queue from here on; we release whatever
	// is left in the inbound queue.
	for {
		m, ok := p.inpipe.Read()
		if !ok {
			break
		}
		m.Close()
	}
	p.inpipe = nil
}

// terminate begins termination of the pipe. If delay is set, the peer may
// first read the messages already written.
func (p *pipe) terminate(delay bool) {
	p.delay = delay

	switch p.state {
	case pipeTerminated, pipeDoubleTerminated, pipeTerminating:
		return
	case pipeActive, pipeDelimited:
		p.sendPipeTerm(p.peer)
		p.state = pipeTerminated
	case pipePending:
		if !delay {
			// Act as if all the pending messages had been read.
			p.outpipe = nil
			p.sendPipeTermAck(p.peer)
			p.state = pipeTerminating
		}
	default:
		panic(fmt.Sprintf("xroads: terminate in state %v", p.state))
	}

	p.outActive = false
	if p.outpipe != nil {
		p.rollback()

		// The delimiter is not subject to the high-water mark.
		p.outpipe.Write(newDelimiter(), false)
		p.flush()
	}
}

func (p *pipe) delimit() {
	switch p.state {
	case pipeActive:
		p.state = pipeDelimited
	case pipePending:
		p.outpipe = nil
		p.sendPipeTermAck(p.peer)
		p.state = pipeTerminating
	default:
		panic(fmt.Sprintf("xroads: delimiter in state %v", p.state))
	}
}
