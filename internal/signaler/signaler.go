// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

//go:build unix

// Package signaler implements a wake-up primitive backed by a file
// descriptor, so that a goroutine blocked in a poller can be woken along
// with its other I/O sources.
//
// A Signaler carries at most a small number of pending signals. Send adds a
// signal and Recv consumes one. Wait blocks until a signal is pending
// without consuming it.
package signaler

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// ErrTimeout is reported by Wait when no signal arrived before the timeout.
var ErrTimeout = errors.New("signaler: timed out")

// A Signaler is a file-descriptor-backed wake-up signal.
type Signaler struct {
	r, w int // read and write descriptors; may be equal
}

// FD returns the descriptor that becomes readable when a signal is pending.
func (s *Signaler) FD() int { return s.r }

// Wait blocks until a signal is pending or timeout elapses. A negative
// timeout waits indefinitely; a zero timeout checks without blocking.
func (s *Signaler) Wait(timeout time.Duration) error {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
		if ms == 0 && timeout > 0 {
			ms = 1
		}
	}
	fds := []unix.PollFd{{Fd: int32(s.r), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, ms)
		if errors.Is(err, unix.EINTR) {
			continue
		} else if err != nil {
			return err
		} else if n == 0 {
			return ErrTimeout
		}
		return nil
	}
}

// Close releases the descriptors held by s.
func (s *Signaler) Close() error {
	err := unix.Close(s.r)
	if s.w != s.r {
		err = errors.Join(err, unix.Close(s.w))
	}
	return err
}

// retry calls f until it does not report EINTR or EAGAIN, waiting for fd
// to become ready for events between attempts.
func retry(fd int, events int16, f func() error) {
	for {
		err := f()
		if err == nil {
			return
		} else if errors.Is(err, unix.EAGAIN) {
			unix.Poll([]unix.PollFd{{Fd: int32(fd), Events: events}}, -1)
			continue
		} else if errors.Is(err, unix.EINTR) {
			continue
		}
		panic("signaler: " + err.Error())
	}
}
