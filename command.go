// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package xroads

import (
	"fmt"
	"time"

	"github.com/creachadair/xroads/internal/ypipe"
)

// cmdKind identifies the type of a command.
type cmdKind byte

const (
	cmdStop          cmdKind = iota + 1 // thread or socket must stop
	cmdPlug                             // start an object running in its thread
	cmdOwn                              // take ownership of a new child
	cmdAttach                           // attach an engine to a session
	cmdBind                             // attach a pipe to a socket or session
	cmdActivateRead                     // data is available on a pipe
	cmdActivateWrite                    // the reader consumed messages, carries credit
	cmdHiccup                           // the sender replaced its queues
	cmdPipeTerm                         // the peer endpoint is terminating
	cmdPipeTermAck                      // the peer endpoint acknowledged termination
	cmdTermReq                          // a child asks its owner to terminate it
	cmdTerm                             // an owner asks its child to terminate
	cmdTermAck                          // a child has terminated
	cmdReap                             // transfer a closed socket to the reaper
	cmdReaped                           // a closed socket has been finalized
	cmdDone                             // reaper or monitor has finished
)

var cmdNames = [...]string{
	cmdStop:          "STOP",
	cmdPlug:          "PLUG",
	cmdOwn:           "OWN",
	cmdAttach:        "ATTACH",
	cmdBind:          "BIND",
	cmdActivateRead:  "ACTIVATE_READ",
	cmdActivateWrite: "ACTIVATE_WRITE",
	cmdHiccup:        "HICCUP",
	cmdPipeTerm:      "PIPE_TERM",
	cmdPipeTermAck:   "PIPE_TERM_ACK",
	cmdTermReq:       "TERM_REQ",
	cmdTerm:          "TERM",
	cmdTermAck:       "TERM_ACK",
	cmdReap:          "REAP",
	cmdReaped:        "REAPED",
	cmdDone:          "DONE",
}

func (c cmdKind) String() string {
	if int(c) < len(cmdNames) && cmdNames[c] != "" {
		return cmdNames[c]
	}
	return fmt.Sprintf("CMD:%d", byte(c))
}

// A command is a request from one object to another. Commands are the only
// way one thread affects the state of an object owned by another thread.
// Which of the payload fields are meaningful depends on the kind.
type command struct {
	dest handler
	kind cmdKind

	obj      ownable          // own, term_req
	engine   engine           // attach
	pipe     *pipe            // bind
	msgsRead uint64           // activate_write
	inpipe   *ypipe.Pipe[Msg] // hiccup
	outpipe  *ypipe.Pipe[Msg] // hiccup, nil if the outbound queue is kept
	linger   time.Duration    // term
	socket   *Socket          // reap
}

func (c command) String() string {
	if c.dest == nil {
		return fmt.Sprintf("command(%v)", c.kind)
	}
	return fmt.Sprintf("command(%v, tid=%d)", c.kind, c.dest.tid())
}

// dispatch delivers c to its destination. It must be called on the thread
// that owns the destination.
func (c command) dispatch() {
	d := c.dest
	switch c.kind {
	case cmdStop:
		d.processStop()
	case cmdPlug:
		d.processPlug()
		d.processSeqnum()
	case cmdOwn:
		d.processOwn(c.obj)
		d.processSeqnum()
	case cmdAttach:
		d.processAttach(c.engine)
		d.processSeqnum()
	case cmdBind:
		d.processBind(c.pipe)
		d.processSeqnum()
	case cmdActivateRead:
		d.processActivateRead()
	case cmdActivateWrite:
		d.processActivateWrite(c.msgsRead)
	case cmdHiccup:
		d.processHiccup(c.inpipe, c.outpipe)
	case cmdPipeTerm:
		d.processPipeTerm()
	case cmdPipeTermAck:
		d.processPipeTermAck()
	case cmdTermReq:
		d.processTermReq(c.obj)
	case cmdTerm:
		d.processTerm(c.linger)
	case cmdTermAck:
		d.processTermAck()
	case cmdReap:
		d.processReap(c.socket)
	case cmdReaped:
		d.processReaped()
	default:
		panic(fmt.Sprintf("xroads: cannot dispatch %v", c))
	}
}
