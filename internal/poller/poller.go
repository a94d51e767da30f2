// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

//go:build unix

// Package poller implements a single-goroutine reactor that dispatches file
// descriptor readiness and timer expiry to registered event sinks.
//
// A Poller owns one goroutine, started by Start. Registration methods
// (AddFD, RmFD, SetPollIn, and so on) and timer methods must be called
// either before Start or from within a callback running on the poller's own
// goroutine. The only methods that are safe to call from other goroutines
// are Load and Wait.
package poller

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/mds/heapq"
	"github.com/creachadair/taskgroup"
)

// Events is the interface implemented by objects that receive callbacks
// from a Poller.
type Events interface {
	// InEvent is called when the descriptor is readable, or has an error or
	// hangup condition pending.
	InEvent()

	// OutEvent is called when the descriptor is writable.
	OutEvent()

	// TimerEvent is called when a timer registered with id expires.
	TimerEvent(id int)
}

// Kind selects the system interface used by a Poller to wait for events.
type Kind string

const (
	Default Kind = ""      // the preferred backend for the platform
	Epoll   Kind = "epoll" // epoll(7), Linux only
	Poll    Kind = "poll"  // poll(2), all Unix systems
)

// ErrUnsupported is reported by New for a backend that is not available on
// this platform.
var ErrUnsupported = errors.New("poller: backend not supported")

// A Handle is a descriptor registered with a Poller.
type Handle struct {
	fd      int
	sink    Events
	in, out bool
	retired bool
	slot    int // backend-specific index or token
}

// FD returns the descriptor associated with h.
func (h *Handle) FD() int { return h.fd }

// A Timer is a pending one-shot timer registered with a Poller.
type Timer struct {
	when      time.Time
	seq       uint64
	sink      Events
	id        int
	cancelled bool
}

// backend is the interface to a system readiness API.
type backend interface {
	add(h *Handle) error
	update(h *Handle) error
	remove(h *Handle) error

	// wait blocks for at most timeout (forever if negative) and calls fire
	// for each handle with pending events.
	wait(timeout time.Duration, fire func(h *Handle, in, out, fault bool)) error
	close() error
}

// A Poller is a reactor for file descriptors and timers.
type Poller struct {
	be       backend
	timers   *heapq.Queue[*Timer]
	seq      uint64
	retired  []*Handle
	stopping bool
	load     atomic.Int32
	tasks    *taskgroup.Group
	err      error
	close    sync.Once
	closeErr error
}

// New constructs a new idle Poller using the specified backend.
func New(kind Kind) (*Poller, error) {
	be, err := newBackend(kind)
	if err != nil {
		return nil, err
	}
	return &Poller{
		be: be,
		timers: heapq.New(func(a, b *Timer) int {
			if c := a.when.Compare(b.when); c != 0 {
				return c
			} else if a.seq < b.seq {
				return -1
			} else if a.seq > b.seq {
				return 1
			}
			return 0
		}),
	}, nil
}

// Load reports the number of descriptors currently registered with p.
// It is safe to call from any goroutine.
func (p *Poller) Load() int { return int(p.load.Load()) }

// AddFD registers fd with p and returns its handle. The descriptor is
// initially registered with no interest in events.
func (p *Poller) AddFD(fd int, sink Events) *Handle {
	h := &Handle{fd: fd, sink: sink}
	if err := p.be.add(h); err != nil {
		panic(fmt.Sprintf("poller: add fd %d: %v", fd, err))
	}
	p.load.Add(1)
	return h
}

// RmFD removes h from p. Any events pending for h in the current dispatch
// batch are discarded. The caller remains responsible for closing the
// descriptor.
func (p *Poller) RmFD(h *Handle) {
	if h.retired {
		panic("poller: handle removed twice")
	}
	if err := p.be.remove(h); err != nil {
		panic(fmt.Sprintf("poller: remove fd %d: %v", h.fd, err))
	}
	h.retired = true
	p.retired = append(p.retired, h)
	p.load.Add(-1)
}

func (p *Poller) setInterest(h *Handle, in, out bool) {
	if h.in == in && h.out == out {
		return
	}
	h.in, h.out = in, out
	if err := p.be.update(h); err != nil {
		panic(fmt.Sprintf("poller: update fd %d: %v", h.fd, err))
	}
}

// SetPollIn enables readable events for h.
func (p *Poller) SetPollIn(h *Handle) { p.setInterest(h, true, h.out) }

// ResetPollIn disables readable events for h.
func (p *Poller) ResetPollIn(h *Handle) { p.setInterest(h, false, h.out) }

// SetPollOut enables writable events for h.
func (p *Poller) SetPollOut(h *Handle) { p.setInterest(h, h.in, true) }

// ResetPollOut disables writable events for h.
func (p *Poller) ResetPollOut(h *Handle) { p.setInterest(h, h.in, false) }

// AddTimer schedules a call to sink.TimerEvent(id) after delay.
func (p *Poller) AddTimer(delay time.Duration, sink Events, id int) *Timer {
	p.seq++
	t := &Timer{when: time.Now().Add(delay), seq: p.seq, sink: sink, id: id}
	p.timers.Add(t)
	return t
}

// CancelTimer cancels t. Cancelling a timer that has already fired or been
// cancelled has no effect.
func (p *Poller) CancelTimer(t *Timer) {
	if t != nil {
		t.cancelled = true
		t.sink = nil
	}
}

// executeTimers fires all expired timers and returns the time until the
// next pending timer, or -1 if there are none.
func (p *Poller) executeTimers() time.Duration {
	for {
		t, ok := p.timers.Peek(0)
		if !ok {
			return -1
		} else if t.cancelled {
			p.timers.Pop()
			continue
		}
		now := time.Now()
		if t.when.After(now) {
			return t.when.Sub(now)
		}
		p.timers.Pop()
		t.cancelled = true // a fired timer cannot be cancelled again
		t.sink.TimerEvent(t.id)
	}
}

// Start starts the poller goroutine. It panics if p is already running.
func (p *Poller) Start() {
	if p.tasks != nil {
		panic("poller: already started")
	}
	p.tasks = taskgroup.New(nil)
	p.tasks.Go(p.loop)
}

// Stop causes the poller loop to exit once the current dispatch is
// complete. It must be called from a callback on the poller goroutine.
func (p *Poller) Stop() { p.stopping = true }

// Wait blocks until the poller goroutine has exited, then releases the
// resources held by the backend. It reports the error that terminated the
// loop, if any. It is safe to call Wait more than once.
func (p *Poller) Wait() error {
	if p.tasks != nil {
		p.tasks.Wait()
	}
	p.close.Do(func() { p.closeErr = p.be.close() })
	return errors.Join(p.err, p.closeErr)
}

func (p *Poller) loop() error {
	for !p.stopping {
		timeout := p.executeTimers()
		if p.stopping {
			break
		}
		if err := p.be.wait(timeout, p.dispatch); err != nil {
			p.err = err
			return err
		}
		clear(p.retired)
		p.retired = p.retired[:0]
	}
	return nil
}

// dispatch delivers the events for h, checking after each callback whether
// an earlier callback has removed h from the poller.
func (p *Poller) dispatch(h *Handle, in, out, fault bool) {
	if h.retired {
		return
	}
	if fault {
		h.sink.InEvent()
		if h.retired {
			return
		}
	}
	if out {
		h.sink.OutEvent()
		if h.retired {
			return
		}
	}
	if in {
		h.sink.InEvent()
	}
}

// millis converts a wait timeout into milliseconds for a system call,
// rounding positive sub-millisecond values up.
func millis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := int(d / time.Millisecond)
	if d%time.Millisecond != 0 {
		ms++
	}
	return ms
}
