// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

//go:build unix

package poller

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// pollBackend waits with poll(2). Removed descriptors leave a hole that is
// compacted before the next wait.
type pollBackend struct {
	handles []*Handle
	fds     []unix.PollFd
	holes   int
}

func newPoll() *pollBackend { return new(pollBackend) }

func (p *pollBackend) add(h *Handle) error {
	h.slot = len(p.fds)
	p.handles = append(p.handles, h)
	p.fds = append(p.fds, unix.PollFd{Fd: int32(h.fd)})
	return nil
}

func (p *pollBackend) update(h *Handle) error {
	var ev int16
	if h.in {
		ev |= unix.POLLIN
	}
	if h.out {
		ev |= unix.POLLOUT
	}
	p.fds[h.slot].Events = ev
	return nil
}

func (p *pollBackend) remove(h *Handle) error {
	p.fds[h.slot] = unix.PollFd{Fd: -1}
	p.handles[h.slot] = nil
	p.holes++
	return nil
}

func (p *pollBackend) compact() {
	var j int
	for i, h := range p.handles {
		if h == nil {
			continue
		}
		h.slot = j
		p.handles[j] = h
		p.fds[j] = p.fds[i]
		j++
	}
	clear(p.handles[j:])
	p.handles = p.handles[:j]
	p.fds = p.fds[:j]
	p.holes = 0
}

func (p *pollBackend) wait(timeout time.Duration, fire func(*Handle, bool, bool, bool)) error {
	if p.holes > 0 {
		p.compact()
	}
	_, err := unix.Poll(p.fds, millis(timeout))
	if errors.Is(err, unix.EINTR) {
		return nil
	} else if err != nil {
		return fmt.Errorf("poll: %w", err)
	}

	// Callbacks may add handles; those have no events in this batch.
	n := len(p.fds)
	for i := 0; i < n; i++ {
		rev := p.fds[i].Revents
		h := p.handles[i]
		if rev == 0 || h == nil {
			continue
		}
		p.fds[i].Revents = 0
		fire(h,
			rev&unix.POLLIN != 0,
			rev&unix.POLLOUT != 0,
			rev&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0,
		)
	}
	return nil
}

func (p *pollBackend) close() error { return nil }
