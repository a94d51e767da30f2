// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package poller

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

const maxEvents = 256

func newBackend(kind Kind) (backend, error) {
	switch kind {
	case Default, Epoll:
		return newEpoll()
	case Poll:
		return newPoll(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupported, kind)
}

// epollBackend waits with epoll(7). Events carry a token naming the handle
// rather than its descriptor, since a descriptor closed during a dispatch
// may be reused by a new handle before the rest of the batch is delivered.
type epollBackend struct {
	fd      int
	handles map[int32]*Handle // by token
	next    int32
	events  []unix.EpollEvent
}

func newEpoll() (*epollBackend, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &epollBackend{
		fd:      fd,
		handles: make(map[int32]*Handle),
		events:  make([]unix.EpollEvent, maxEvents),
	}, nil
}

func (e *epollBackend) event(h *Handle) *unix.EpollEvent {
	ev := &unix.EpollEvent{Fd: int32(h.slot)}
	if h.in {
		ev.Events |= unix.EPOLLIN
	}
	if h.out {
		ev.Events |= unix.EPOLLOUT
	}
	return ev
}

func (e *epollBackend) add(h *Handle) error {
	for {
		e.next++
		if _, ok := e.handles[e.next]; !ok {
			break
		}
	}
	h.slot = int(e.next)
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, h.fd, e.event(h)); err != nil {
		return err
	}
	e.handles[e.next] = h
	return nil
}

func (e *epollBackend) update(h *Handle) error {
	return unix.EpollCtl(e.fd, unix.EPOLL_CTL_MOD, h.fd, e.event(h))
}

func (e *epollBackend) remove(h *Handle) error {
	delete(e.handles, int32(h.slot))
	return unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, h.fd, nil)
}

func (e *epollBackend) wait(timeout time.Duration, fire func(*Handle, bool, bool, bool)) error {
	n, err := unix.EpollWait(e.fd, e.events, millis(timeout))
	if errors.Is(err, unix.EINTR) {
		return nil
	} else if err != nil {
		return fmt.Errorf("epoll_wait: %w", err)
	}
	for _, ev := range e.events[:n] {
		h := e.handles[ev.Fd]
		if h == nil {
			continue // removed earlier in this batch
		}
		fire(h,
			ev.Events&unix.EPOLLIN != 0,
			ev.Events&unix.EPOLLOUT != 0,
			ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0,
		)
	}
	return nil
}

func (e *epollBackend) close() error { return unix.Close(e.fd) }
