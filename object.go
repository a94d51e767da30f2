// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package xroads

import (
	"fmt"
	"time"

	"github.com/creachadair/xroads/internal/ypipe"
)

// A handler is an object that can be the destination of a command.
//
// Each method processes one kind of command. The defaults provided by
// object panic, because a command delivered to an object that does not
// expect it means the threading invariants have been broken.
type handler interface {
	tid() int

	processStop()
	processPlug()
	processOwn(obj ownable)
	processAttach(e engine)
	processBind(p *pipe)
	processActivateRead()
	processActivateWrite(msgsRead uint64)
	processHiccup(inpipe, outpipe *ypipe.Pipe[Msg])
	processPipeTerm()
	processPipeTermAck()
	processTermReq(obj ownable)
	processTerm(linger time.Duration)
	processTermAck()
	processReap(s *Socket)
	processReaped()
	processSeqnum()
}

// An object is the base of every actor. It records the context the actor
// belongs to and the thread (mailbox slot) that owns it.
type object struct {
	ctx      *Context
	threadID int
}

func (o *object) tid() int { return o.threadID }

func unexpected(kind cmdKind) { panic(fmt.Sprintf("xroads: unexpected %v command", kind)) }

func (*object) processStop() { unexpected(cmdStop) }
func (*object) processPlug() { unexpected(cmdPlug) }
func (*object) processOwn(ownable) { unexpected(cmdOwn) }
func (*object) processAttach(engine) { unexpected(cmdAttach) }
func (*object) processBind(*pipe) { unexpected(cmdBind) }
func (*object) processActivateRead() { unexpected(cmdActivateRead) }
func (*object) processActivateWrite(uint64) { unexpected(cmdActivateWrite) }
func (*object) processHiccup(_, _ *ypipe.Pipe[Msg]) { unexpected(cmdHiccup) }
func (*object) processPipeTerm() { unexpected(cmdPipeTerm) }
func (*object) processPipeTermAck() { unexpected(cmdPipeTermAck) }
func (*object) processTermReq(ownable) { unexpected(cmdTermReq) }
func (*object) processTerm(time.Duration) { unexpected(cmdTerm) }
func (*object) processTermAck() { unexpected(cmdTermAck) }
func (*object) processReap(*Socket) { unexpected(cmdReap) }
func (*object) processReaped() { unexpected(cmdReaped) }
func (*object) processSeqnum() { panic("xroads: unexpected sequence number") }

func (o *object) sendCommand(cmd command) {
	o.ctx.sendCommand(cmd.dest.tid(), cmd)
}

func (o *object) sendStop(self handler) {
	// Stop is sent by an object to itself, via its own mailbox, so that it
	// is processed on the owning thread.
	o.ctx.sendCommand(o.threadID, command{dest: self, kind: cmdStop})
}

func (o *object) sendPlug(dest ownable, incSeqnum bool) {
	if incSeqnum {
		dest.base().incSeqnum()
	}
	o.sendCommand(command{dest: dest, kind: cmdPlug})
}

func (o *object) sendOwn(dest, obj ownable) {
	dest.base().incSeqnum()
	o.sendCommand(command{dest: dest, kind: cmdOwn, obj: obj})
}

func (o *object) sendAttach(dest ownable, e engine, incSeqnum bool) {
	if incSeqnum {
		dest.base().incSeqnum()
	}
	o.sendCommand(command{dest: dest, kind: cmdAttach, engine: e})
}

func (o *object) sendBind(dest ownable, p *pipe, incSeqnum bool) {
	if incSeqnum {
		dest.base().incSeqnum()
	}
	o.sendCommand(command{dest: dest, kind: cmdBind, pipe: p})
}

func (o *object) sendActivateRead(dest *pipe) {
	o.sendCommand(command{dest: dest, kind: cmdActivateRead})
}

func (o *object) sendActivateWrite(dest *pipe, msgsRead uint64) {
	o.sendCommand(command{dest: dest, kind: cmdActivateWrite, msgsRead: msgsRead})
}

func (o *object) sendHiccup(dest *pipe, inpipe, outpipe *ypipe.Pipe[Msg]) {
	o.sendCommand(command{dest: dest, kind: cmdHiccup, inpipe: inpipe, outpipe: outpipe})
}

func (o *object) sendPipeTerm(dest *pipe) {
	o.sendCommand(command{dest: dest, kind: cmdPipeTerm})
}

func (o *object) sendPipeTermAck(dest *pipe) {
	o.sendCommand(command{dest: dest, kind: cmdPipeTermAck})
}

func (o *object) sendTermReq(dest, obj ownable) {
	o.sendCommand(command{dest: dest, kind: cmdTermReq, obj: obj})
}

func (o *object) sendTerm(dest ownable, linger time.Duration) {
	o.sendCommand(command{dest: dest, kind: cmdTerm, linger: linger})
}

func (o *object) sendTermAck(dest ownable) {
	o.sendCommand(command{dest: dest, kind: cmdTermAck})
}

func (o *object) sendReap(s *Socket) {
	o.sendCommand(command{dest: o.ctx.reaper, kind: cmdReap, socket: s})
}

func (o *object) sendReaped() {
	o.sendCommand(command{dest: o.ctx.reaper, kind: cmdReaped})
}

func (o *object) sendDone() {
	o.ctx.sendCommand(termTID, command{kind: cmdDone})
}

func (o *object) chooseIOThread(affinity uint64) *ioThread {
	return o.ctx.chooseIOThread(affinity)
}
