// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package xroads

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/creachadair/xroads/internal/signaler"
	"golang.org/x/sys/unix"
)

// A PollItem is a socket or a file descriptor to be polled by [Poll].
type PollItem struct {
	Socket *Socket // the socket to poll; if nil, FD is polled instead
	FD     int     // the descriptor to poll, if Socket is nil

	Events  Events // the events of interest
	REvents Events // set by Poll to the events that occurred
}

// Poll waits until at least one of items is ready for one of the events it
// requests, and sets the REvents field of each item. It returns the number
// of items with events.
//
// A negative timeout waits indefinitely, and a zero timeout checks the
// items without waiting. Poll reports 0 with no error when the timeout
// expires. If ctx ends first, Poll reports its error.
//
// Socket items report PollIn and PollOut. File descriptor items may also
// report PollErr. The sockets must not be used concurrently with Poll.
func Poll(ctx context.Context, items []PollItem, timeout time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, sleep(ctx, timeout)
	}

	fds := make([]unix.PollFd, len(items), len(items)+1)
	for i, it := range items {
		if it.Socket == nil {
			fds[i] = unix.PollFd{Fd: int32(it.FD), Events: pollFlags(it.Events)}
			continue
		}
		if err := it.Socket.check(); err != nil {
			return 0, err
		}

		// The mailbox of a socket is readable when commands are waiting,
		// which is the only time its readiness can change.
		fds[i] = unix.PollFd{Fd: int32(it.Socket.mailbox.fd())}
		if it.Events != 0 {
			fds[i].Events = unix.POLLIN
		}
	}

	if ctx.Done() != nil {
		wake, err := signaler.New()
		if err != nil {
			return 0, fmt.Errorf("create signaler: %w", err)
		}
		done := make(chan struct{})
		stop := context.AfterFunc(ctx, func() { defer close(done); wake.Send() })
		defer func() {
			if !stop() {
				<-done
			}
			wake.Close()
		}()
		fds = append(fds, unix.PollFd{Fd: int32(wake.FD()), Events: unix.POLLIN})
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for first := true; ; first = false {
		ms := 0
		if !first {
			ms = -1
			if timeout > 0 {
				ms = ceilMillis(time.Until(deadline))
			}
		}
		if _, err := unix.Poll(fds, ms); err != nil && !errors.Is(err, unix.EINTR) {
			return 0, fmt.Errorf("poll: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		n, err := collectEvents(items, fds)
		if err != nil || n > 0 || timeout == 0 {
			return n, err
		}
		if timeout > 0 && !time.Now().Before(deadline) {
			return 0, nil
		}
	}
}

// collectEvents sets the REvents of each item from the results of a poll,
// and reports how many items have events.
func collectEvents(items []PollItem, fds []unix.PollFd) (int, error) {
	var n int
	for i := range items {
		it := &items[i]
		it.REvents = 0
		if it.Socket != nil {
			ev, err := it.Socket.Events()
			if err != nil {
				return 0, err
			}
			it.REvents = ev & it.Events
		} else {
			rev := fds[i].Revents
			if rev&unix.POLLIN != 0 {
				it.REvents |= PollIn
			}
			if rev&unix.POLLOUT != 0 {
				it.REvents |= PollOut
			}
			if rev&^(unix.POLLIN|unix.POLLOUT) != 0 {
				it.REvents |= PollErr
			}
		}
		if it.REvents != 0 {
			n++
		}
	}
	return n, nil
}

func pollFlags(ev Events) int16 {
	var f int16
	if ev&PollIn != 0 {
		f |= unix.POLLIN
	}
	if ev&PollOut != 0 {
		f |= unix.POLLOUT
	}
	return f
}

// ceilMillis converts d to milliseconds, rounding up so that a short wait
// does not become a busy loop.
func ceilMillis(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}

func sleep(ctx context.Context, timeout time.Duration) error {
	if timeout == 0 {
		return nil
	}
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-expired:
		return nil
	}
}
