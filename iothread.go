// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package xroads

import (
	"errors"

	"github.com/creachadair/xroads/internal/poller"
)

// An ioThread is a goroutine running a poller. Sessions, engines,
// listeners, connecters and the monitor live on I/O threads. Commands for
// objects on the thread arrive through its mailbox, which is registered
// with the poller like any other descriptor.
type ioThread struct {
	object

	mailbox *mailbox
	poller  *poller.Poller
	handle  *poller.Handle
}

func newIOThread(ctx *Context, tid int, kind poller.Kind) (*ioThread, error) {
	p, err := poller.New(kind)
	if err != nil {
		return nil, err
	}
	mb, err := newMailbox()
	if err != nil {
		p.Wait()
		return nil, err
	}
	t := &ioThread{
		object:  object{ctx: ctx, threadID: tid},
		mailbox: mb,
		poller:  p,
	}
	t.handle = p.AddFD(mb.fd(), t)
	p.SetPollIn(t.handle)
	return t, nil
}

func (t *ioThread) start() { t.poller.Start() }

// stop asks the thread to exit. It may be called from any goroutine.
func (t *ioThread) stop() { t.sendStop(t) }

// wait blocks until the thread has exited and releases its resources.
func (t *ioThread) wait() error {
	return errors.Join(t.poller.Wait(), t.mailbox.close())
}

func (t *ioThread) load() int { return t.poller.Load() }

// InEvent processes all the commands pending in the mailbox. Commands
// addressed to other objects living on this thread are dispatched to them.
func (t *ioThread) InEvent() {
	for {
		cmd, err := t.mailbox.recv(0)
		if err != nil {
			return
		}
		cmd.dispatch()
	}
}

func (t *ioThread) OutEvent() { panic("xroads: unexpected output event on I/O thread mailbox") }
func (t *ioThread) TimerEvent(int) { panic("xroads: unexpected timer on I/O thread mailbox") }

func (t *ioThread) processStop() {
	t.poller.RmFD(t.handle)
	t.poller.Stop()
}
