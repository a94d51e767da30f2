// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package xroads

import (
	"errors"

	"github.com/creachadair/xroads/internal/poller"
	"github.com/rs/zerolog"
)

// The reaper is a dedicated thread that takes over sockets once they are
// closed. A closed socket may still have pipes and child objects waiting to
// terminate; the reaper drives the socket's mailbox until it is done, so
// that Close does not block the caller.
type reaper struct {
	object

	mailbox *mailbox
	poller  *poller.Poller
	handle  *poller.Handle
	log     zerolog.Logger

	sockets     int // sockets being reaped
	terminating bool
}

func newReaper(ctx *Context, tid int, log zerolog.Logger) (*reaper, error) {
	p, err := poller.New(poller.Default)
	if err != nil {
		return nil, err
	}
	mb, err := newMailbox()
	if err != nil {
		p.Wait()
		return nil, err
	}
	r := &reaper{
		object:  object{ctx: ctx, threadID: tid},
		mailbox: mb,
		poller:  p,
		log:     log.With().Str("component", "reaper").Logger(),
	}
	r.handle = p.AddFD(mb.fd(), r)
	p.SetPollIn(r.handle)
	return r, nil
}

func (r *reaper) start() { r.poller.Start() }

// stop asks the reaper to exit once every socket has been reaped. It may be
// called from any goroutine.
func (r *reaper) stop() { r.sendStop(r) }

func (r *reaper) wait() error {
	return errors.Join(r.poller.Wait(), r.mailbox.close())
}

func (r *reaper) InEvent() {
	for {
		cmd, err := r.mailbox.recv(0)
		if err != nil {
			return
		}
		cmd.dispatch()
	}
}

func (r *reaper) OutEvent()      { panic("xroads: unexpected output event on reaper") }
func (r *reaper) TimerEvent(int) { panic("xroads: unexpected timer on reaper") }

func (r *reaper) processStop() {
	r.terminating = true
	if r.sockets == 0 {
		r.finish()
	}
}

func (r *reaper) processReap(s *Socket) {
	r.log.Debug().Uint32("socket", s.id).Msg("reaping socket")
	s.startReaping(r.poller)
	r.sockets++
}

func (r *reaper) processReaped() {
	r.sockets--
	if r.sockets == 0 && r.terminating {
		r.finish()
	}
}

// finish tells the terminating context that all sockets are gone, and stops
// the reaper thread.
func (r *reaper) finish() {
	r.sendDone()
	r.poller.RmFD(r.handle)
	r.poller.Stop()
}
