// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package xroads

import (
	"sync/atomic"
	"time"

	"github.com/creachadair/mds/mapset"
)

// An ownable is an object that takes part in the ownership tree.
type ownable interface {
	handler
	base() *own

	// processDestroy is called once the object and all its children have
	// finished terminating.
	processDestroy()
}

// own implements the ownership and termination protocol shared by every
// long-lived object: sockets, sessions, listeners, connecters and the
// monitor.
//
// An owner terminates only after all its children have acknowledged their
// own termination, and only after every command that was sent to it with a
// sequence number increment has been processed. The latter keeps an object
// alive while a command that refers to it (for example a bind carrying a
// new pipe) is still in flight.
type own struct {
	object

	// self is the outermost object, used to dispatch methods that the
	// embedding type overrides.
	self ownable

	options options

	terminating bool

	// sentSeqnum is incremented by other threads, processedSeqnum only by
	// the owning thread.
	sentSeqnum      atomic.Uint64
	processedSeqnum uint64

	owner    ownable
	owned    mapset.Set[ownable]
	termAcks int
}

func (o *own) init(ctx *Context, tid int, self ownable, opts options) {
	o.ctx = ctx
	o.threadID = tid
	o.self = self
	o.options = opts
	o.owned = mapset.New[ownable]()
}

func (o *own) base() *own { return o }

func (o *own) processDestroy() {}

func (o *own) incSeqnum() { o.sentSeqnum.Add(1) }

func (o *own) processSeqnum() {
	o.processedSeqnum++
	o.checkTermAcks()
}

func (o *own) isTerminating() bool { return o.terminating }

// launchChild makes obj a child of o and starts it running.
func (o *own) launchChild(obj ownable) {
	obj.base().owner = o.self
	o.sendPlug(obj, true)
	o.sendOwn(o.self, obj)
}

func (o *own) processOwn(obj ownable) {
	// If the owner is already terminating, the new child is terminated
	// straight away. It is not added to the owned set, but its ack is
	// still expected.
	if o.terminating {
		o.registerTermAcks(1)
		o.sendTerm(obj, 0)
		return
	}
	o.owned.Add(obj)
}

func (o *own) processTermReq(obj ownable) {
	if o.terminating || !o.owned.Has(obj) {
		return
	}
	o.owned.Remove(obj)
	o.registerTermAcks(1)
	o.sendTerm(obj, o.options.linger)
}

// terminate asks for o to be terminated. A root object terminates itself;
// a child asks its owner, which keeps the owner's bookkeeping consistent.
func (o *own) terminate() {
	if o.terminating {
		return
	}
	if o.owner == nil {
		o.self.processTerm(o.options.linger)
		return
	}
	o.sendTermReq(o.owner, o.self)
}

func (o *own) processTerm(linger time.Duration) {
	if o.terminating {
		panic("xroads: object terminated twice")
	}
	for child := range o.owned {
		o.sendTerm(child, linger)
	}
	o.registerTermAcks(o.owned.Len())
	clear(o.owned)

	o.terminating = true
	o.checkTermAcks()
}

func (o *own) registerTermAcks(n int) { o.termAcks += n }

func (o *own) unregisterTermAck() {
	if o.termAcks <= 0 {
		panic("xroads: unexpected termination ack")
	}
	o.termAcks--
	o.checkTermAcks()
}

func (o *own) processTermAck() { o.unregisterTermAck() }

func (o *own) checkTermAcks() {
	if o.terminating && o.processedSeqnum == o.sentSeqnum.Load() && o.termAcks == 0 {
		if o.owned.Len() != 0 {
			panic("xroads: terminated with children still owned")
		}
		if o.owner != nil {
			o.sendTermAck(o.owner)
		}
		o.self.processDestroy()
	}
}
